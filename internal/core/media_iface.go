package core

import (
	"context"

	"github.com/dkeye/camrelay/internal/domain"
)

// Router is the media routing engine: it owns transports, producers and
// consumers and forwards RTP from every producer to its consumers.
type Router interface {
	RTPCapabilities() domain.RTPCapabilities
	// CanConsume reports whether a peer with caps can decode the producer's stream.
	CanConsume(producerID domain.ProducerID, caps domain.RTPCapabilities) bool
	CreateWebRTCTransport(ctx context.Context) (WebRTCTransport, error)
	CreatePlainTransport(ctx context.Context, opts PlainTransportOptions) (PlainTransport, error)
	Close()
}

type ProduceOptions struct {
	Kind          domain.MediaKind
	RTPParameters domain.RTPParameters
}

type ConsumeOptions struct {
	ProducerID      domain.ProducerID
	RTPCapabilities domain.RTPCapabilities
	Paused          bool
}

// Transport is the part shared by browser-facing and plain transports.
type Transport interface {
	ID() domain.TransportID
	Produce(ctx context.Context, opts ProduceOptions) (Producer, error)
	Consume(ctx context.Context, opts ConsumeOptions) (Consumer, error)
	// Close closes the transport and every producer and consumer on it.
	Close()
	// Done is closed once the transport is closed.
	Done() <-chan struct{}
}

// WebRTCTransport is an ICE/DTLS transport towards a browser peer.
type WebRTCTransport interface {
	Transport
	Parameters() domain.TransportParameters
	// Connect starts ICE and DTLS towards the remote peer. It does not wait
	// for the handshake to finish.
	Connect(ctx context.Context, ice domain.ICEParameters, dtls domain.DTLSParameters) error
}

type PlainTransportOptions struct {
	// Comedia makes the transport learn its remote address from the first
	// packet it receives instead of an explicit Connect.
	Comedia bool
}

// PlainTransport exchanges unencrypted RTP with a local process.
type PlainTransport interface {
	Transport
	LocalPort() int
	Connect(ctx context.Context, ip string, port int) error
}

type Producer interface {
	ID() domain.ProducerID
	Kind() domain.MediaKind
	RTPParameters() domain.RTPParameters
	Close()
	// Done is closed when the producer closes, directly or with its transport.
	Done() <-chan struct{}
}

type Consumer interface {
	ID() domain.ConsumerID
	ProducerID() domain.ProducerID
	Kind() domain.MediaKind
	RTPParameters() domain.RTPParameters
	Paused() bool
	Resume(ctx context.Context) error
	Pause(ctx context.Context) error
	Close()
	Done() <-chan struct{}
}

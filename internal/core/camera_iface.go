package core

import (
	"context"
	"errors"
	"io"

	"github.com/dkeye/camrelay/internal/domain"
	"github.com/dkeye/camrelay/internal/media/framing"
)

var (
	ErrCameraNotFound = errors.New("camera not found")
	ErrEventNotFound  = errors.New("event not found")
	// ErrNotPlayable: the event exists but has no ready recording.
	ErrNotPlayable = errors.New("event has no playable recording")
)

// CameraClient is the cloud/LAN collaborator that knows the camera inventory
// and hands out live sessions.
type CameraClient interface {
	ListCameras(ctx context.Context) ([]domain.Camera, error)
	Capabilities(ctx context.Context, id domain.CameraID) (domain.CameraCapabilities, error)
	StartSession(ctx context.Context, id domain.CameraID, opts SessionOptions) (*CameraSession, error)
	History(ctx context.Context, id domain.CameraID, q domain.HistoryQuery) ([]domain.CameraEvent, error)
	Recording(ctx context.Context, id domain.CameraID, eventID string) (*Recording, error)
}

// RTPTarget is where a self-managing pipe must deliver its output.
type RTPTarget struct {
	Host        string
	Port        int
	PayloadType uint8
	SSRC        uint32
}

type SessionOptions struct {
	Video RTPTarget
	// VideoArgs are the transcoder encoding arguments the router expects.
	VideoArgs []string
}

type SessionKind int

const (
	SessionUnknown SessionKind = iota
	// SessionCall exposes raw packet streams and is controlled by the caller.
	SessionCall
	// SessionPipe transcodes into the router on its own.
	SessionPipe
)

func (k SessionKind) String() string {
	switch k {
	case SessionCall:
		return "call"
	case SessionPipe:
		return "pipe"
	default:
		return "unknown"
	}
}

// Capabilities is decided once, when the session is acquired.
type Capabilities struct {
	CanSendAudio          bool
	CanReceiveAudioEvents bool
	CanReceiveVideoEvents bool
}

// CameraSession is the tagged result of acquiring a live camera session.
// Exactly one of Call and Pipe is set, matching Kind.
type CameraSession struct {
	CameraID   domain.CameraID
	CameraName string
	Kind       SessionKind
	Caps       Capabilities
	Call       ControllableCall
	Pipe       ManagedPipe
}

// PacketSubscription delivers raw packet events on a bounded channel.
// C is closed after Close or when the session ends.
type PacketSubscription interface {
	C() <-chan *framing.Event
	Close()
}

type ControllableCall interface {
	VideoPackets() (PacketSubscription, error)
	AudioPackets() (PacketSubscription, error)
	// ActivateSpeaker turns on the camera speaker path; best effort.
	ActivateSpeaker(ctx context.Context) error
	// SendAudioPacket forwards one complete RTP packet to the camera.
	SendAudioPacket(pkt []byte) error
	Stop()
}

type ManagedPipe interface {
	Start(ctx context.Context) error
	// Exited is closed when the pipe ends without Stop; Err then says why.
	Exited() <-chan struct{}
	Err() error
	Stop()
}

// Recording is either a redirect URL or a byte stream.
type Recording struct {
	URL         string
	Body        io.ReadCloser
	ContentType string
}

// Package coretest provides in-memory fakes of the core interfaces for tests.
package coretest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dkeye/camrelay/internal/core"
	"github.com/dkeye/camrelay/internal/domain"
)

var ErrUnknownProducer = errors.New("fake: unknown producer")

// Router is a fake core.Router that tracks every object it hands out.
type Router struct {
	mu         sync.Mutex
	seq        int
	transports []*Transport
	producers  map[domain.ProducerID]*Producer
	consumers  []*Consumer

	// Incompatible producers fail CanConsume.
	Incompatible map[domain.ProducerID]bool
	// CreateErr fails every transport creation when set.
	CreateErr error
	// BlockProduce makes Produce wait for ctx like a transport whose
	// handshake never completes.
	BlockProduce bool
}

var _ core.Router = (*Router)(nil)

func NewRouter() *Router {
	return &Router{
		producers:    make(map[domain.ProducerID]*Producer),
		Incompatible: make(map[domain.ProducerID]bool),
	}
}

func (r *Router) next(prefix string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	return fmt.Sprintf("%s-%d", prefix, r.seq)
}

func (r *Router) RTPCapabilities() domain.RTPCapabilities {
	return domain.RTPCapabilities{Codecs: []domain.RTPCodecCapability{
		{Kind: domain.KindAudio, MimeType: "audio/opus", PreferredPayloadType: 111, ClockRate: 48000, Channels: 2},
		{Kind: domain.KindVideo, MimeType: "video/H264", PreferredPayloadType: 102, ClockRate: 90000},
	}}
}

func (r *Router) CanConsume(id domain.ProducerID, caps domain.RTPCapabilities) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.producers[id]
	if !ok || r.Incompatible[id] || p.isClosed() {
		return false
	}
	return len(caps.Codecs) > 0
}

func (r *Router) newTransport(plain bool) (*Transport, error) {
	if r.CreateErr != nil {
		return nil, r.CreateErr
	}
	t := &Transport{
		router: r,
		id:     domain.TransportID(r.next("transport")),
		plain:  plain,
		done:   make(chan struct{}),
	}
	r.mu.Lock()
	t.port = 41000 + r.seq
	r.transports = append(r.transports, t)
	r.mu.Unlock()
	return t, nil
}

func (r *Router) CreateWebRTCTransport(ctx context.Context) (core.WebRTCTransport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t, err := r.newTransport(false)
	if err != nil {
		return nil, err
	}
	return &WebRTC{Transport: t}, nil
}

func (r *Router) CreatePlainTransport(ctx context.Context, _ core.PlainTransportOptions) (core.PlainTransport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t, err := r.newTransport(true)
	if err != nil {
		return nil, err
	}
	return &Plain{Transport: t}, nil
}

func (r *Router) Close() {
	r.mu.Lock()
	ts := append([]*Transport(nil), r.transports...)
	r.mu.Unlock()
	for _, t := range ts {
		t.Close()
	}
}

// OpenTransports counts transports not yet closed.
func (r *Router) OpenTransports() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, t := range r.transports {
		if !t.isClosed() {
			n++
		}
	}
	return n
}

func (r *Router) OpenProducers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, p := range r.producers {
		if !p.isClosed() {
			n++
		}
	}
	return n
}

func (r *Router) OpenConsumers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.consumers {
		if !c.isClosed() {
			n++
		}
	}
	return n
}

// Transports returns every transport ever created, in order.
func (r *Router) Transports() []*Transport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Transport(nil), r.transports...)
}

func (r *Router) Producer(id domain.ProducerID) (*Producer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.producers[id]
	return p, ok
}

// Transport is the state shared by the fake WebRTC and plain transports.
type Transport struct {
	router *Router
	id     domain.TransportID
	plain  bool
	port   int

	mu        sync.Mutex
	producers []*Producer
	consumers []*Consumer
	remote    string
	connected bool

	// ProduceErr and ConsumeErr fail the next calls when set.
	ProduceErr error
	ConsumeErr error

	closed atomic.Bool
	once   sync.Once
	done   chan struct{}
}

// WebRTC is a fake browser-facing transport.
type WebRTC struct{ *Transport }

// Plain is a fake plain RTP transport.
type Plain struct{ *Transport }

var (
	_ core.WebRTCTransport = (*WebRTC)(nil)
	_ core.PlainTransport  = (*Plain)(nil)
)

func (w *WebRTC) Connect(ctx context.Context, ice domain.ICEParameters, _ domain.DTLSParameters) error {
	return w.connect(ctx, ice.UsernameFragment)
}

func (p *Plain) Connect(ctx context.Context, ip string, port int) error {
	return p.connect(ctx, fmt.Sprintf("%s:%d", ip, port))
}

func (t *Transport) ID() domain.TransportID { return t.id }
func (t *Transport) Done() <-chan struct{}  { return t.done }
func (t *Transport) LocalPort() int         { return t.port }
func (t *Transport) IsPlain() bool          { return t.plain }
func (t *Transport) isClosed() bool         { return t.closed.Load() }

func (t *Transport) Parameters() domain.TransportParameters {
	return domain.TransportParameters{
		ICEParameters:  domain.ICEParameters{UsernameFragment: "ufrag-" + string(t.id), Password: "pwd", ICELite: true},
		ICECandidates:  []domain.ICECandidate{{Foundation: "1", Priority: 1, IP: "127.0.0.1", Address: "127.0.0.1", Protocol: "udp", Port: uint16(t.port), Type: "host"}},
		DTLSParameters: domain.DTLSParameters{Role: "auto", Fingerprints: []domain.DTLSFingerprint{{Algorithm: "sha-256", Value: "AA"}}},
	}
}

func (t *Transport) connect(ctx context.Context, remote string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.isClosed() {
		return errors.New("fake: transport closed")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.remote = remote
	t.connected = true
	return nil
}

func (t *Transport) Connected() (bool, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected, t.remote
}

func (t *Transport) Produce(ctx context.Context, opts core.ProduceOptions) (core.Producer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if t.isClosed() {
		return nil, errors.New("fake: transport closed")
	}
	if t.ProduceErr != nil {
		return nil, t.ProduceErr
	}
	if t.router.BlockProduce {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.done:
			return nil, errors.New("fake: transport closed")
		}
	}
	p := &Producer{
		id:     domain.ProducerID(t.router.next("producer")),
		kind:   opts.Kind,
		params: opts.RTPParameters,
		done:   make(chan struct{}),
	}
	t.mu.Lock()
	t.producers = append(t.producers, p)
	t.mu.Unlock()
	t.router.mu.Lock()
	t.router.producers[p.id] = p
	t.router.mu.Unlock()
	return p, nil
}

func (t *Transport) Consume(ctx context.Context, opts core.ConsumeOptions) (core.Consumer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if t.isClosed() {
		return nil, errors.New("fake: transport closed")
	}
	if t.ConsumeErr != nil {
		return nil, t.ConsumeErr
	}
	p, ok := t.router.Producer(opts.ProducerID)
	if !ok || p.isClosed() {
		return nil, ErrUnknownProducer
	}
	codec, _ := p.params.FirstCodec()
	c := &Consumer{
		id:       domain.ConsumerID(t.router.next("consumer")),
		producer: p,
		params: domain.RTPParameters{
			Codecs:    []domain.RTPCodecParameters{codec},
			Encodings: []domain.RTPEncoding{{SSRC: 424242}},
		},
		done: make(chan struct{}),
	}
	c.paused.Store(opts.Paused)
	t.mu.Lock()
	t.consumers = append(t.consumers, c)
	t.mu.Unlock()
	t.router.mu.Lock()
	t.router.consumers = append(t.router.consumers, c)
	t.router.mu.Unlock()
	go func() {
		select {
		case <-p.done:
			c.Close()
		case <-c.done:
		}
	}()
	return c, nil
}

func (t *Transport) Close() {
	t.once.Do(func() {
		t.closed.Store(true)
		t.mu.Lock()
		ps := append([]*Producer(nil), t.producers...)
		cs := append([]*Consumer(nil), t.consumers...)
		t.mu.Unlock()
		for _, c := range cs {
			c.Close()
		}
		for _, p := range ps {
			p.Close()
		}
		close(t.done)
	})
}

type Producer struct {
	id     domain.ProducerID
	kind   domain.MediaKind
	params domain.RTPParameters
	closed atomic.Bool
	once   sync.Once
	done   chan struct{}
}

func (p *Producer) ID() domain.ProducerID               { return p.id }
func (p *Producer) Kind() domain.MediaKind              { return p.kind }
func (p *Producer) RTPParameters() domain.RTPParameters { return p.params }
func (p *Producer) Done() <-chan struct{}               { return p.done }
func (p *Producer) isClosed() bool                      { return p.closed.Load() }

func (p *Producer) Close() {
	p.once.Do(func() {
		p.closed.Store(true)
		close(p.done)
	})
}

type Consumer struct {
	id       domain.ConsumerID
	producer *Producer
	params   domain.RTPParameters
	paused   atomic.Bool
	closed   atomic.Bool
	once     sync.Once
	done     chan struct{}
}

func (c *Consumer) ID() domain.ConsumerID               { return c.id }
func (c *Consumer) ProducerID() domain.ProducerID       { return c.producer.id }
func (c *Consumer) Kind() domain.MediaKind              { return c.producer.kind }
func (c *Consumer) RTPParameters() domain.RTPParameters { return c.params }
func (c *Consumer) Paused() bool                        { return c.paused.Load() }
func (c *Consumer) Done() <-chan struct{}               { return c.done }
func (c *Consumer) isClosed() bool                      { return c.closed.Load() }

func (c *Consumer) Resume(context.Context) error {
	if c.isClosed() {
		return errors.New("fake: consumer closed")
	}
	c.paused.Store(false)
	return nil
}

func (c *Consumer) Pause(context.Context) error {
	if c.isClosed() {
		return errors.New("fake: consumer closed")
	}
	c.paused.Store(true)
	return nil
}

func (c *Consumer) Close() {
	c.once.Do(func() {
		c.closed.Store(true)
		close(c.done)
	})
}

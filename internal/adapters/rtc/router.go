package rtc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/dkeye/camrelay/internal/app/sfu"
	"github.com/dkeye/camrelay/internal/core"
	"github.com/dkeye/camrelay/internal/domain"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var (
	ErrRouterClosed       = errors.New("router closed")
	ErrTransportClosed    = errors.New("transport closed")
	ErrUnknownProducer    = errors.New("producer not found")
	ErrCannotConsume      = errors.New("cannot consume producer with given rtp capabilities")
	ErrUnsupportedCodec   = errors.New("unsupported codec")
	ErrMissingSSRC        = errors.New("rtp parameters carry no ssrc")
	ErrAlreadyConnected   = errors.New("transport already connected")
	ErrInvalidKind        = errors.New("invalid media kind")
	ErrProducerKindClash  = errors.New("payload type already bound to another codec")
	ErrConsumerClosed     = errors.New("consumer closed")
	ErrTransportNotActive = errors.New("transport handshake did not complete")
)

type Options struct {
	ListenIP    string
	AnnouncedIP string
	MinPort     uint16
	MaxPort     uint16
}

// Router owns the pion API and every producer created through its transports.
type Router struct {
	api    *webrtc.API
	media  *webrtc.MediaEngine
	opts   Options
	relays *sfu.RelayManager

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.RWMutex
	producers  map[domain.ProducerID]*producer
	transports map[domain.TransportID]core.Transport
	extraPTs   map[uint8]string
	closed     bool
}

var _ core.Router = (*Router)(nil)

func NewRouter(opts Options) (*Router, error) {
	media := &webrtc.MediaEngine{}
	for _, c := range Codecs {
		wc := toWebRTCCodec(c.MimeType, c.PreferredPayloadType, c.ClockRate, c.Channels, c.Parameters, c.RTCPFeedback)
		if err := media.RegisterCodec(wc, codecType(c.Kind)); err != nil {
			return nil, fmt.Errorf("register %s: %w", c.MimeType, err)
		}
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(media, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{LoggerFactory: NewLoggerFactory()}
	se.SetLite(true)
	se.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP4})
	if opts.MinPort != 0 && opts.MaxPort != 0 {
		if err := se.SetEphemeralUDPPortRange(opts.MinPort, opts.MaxPort); err != nil {
			return nil, fmt.Errorf("port range: %w", err)
		}
	}
	if opts.AnnouncedIP != "" {
		se.SetNAT1To1IPs([]string{opts.AnnouncedIP}, webrtc.ICECandidateTypeHost)
	}
	if ip := net.ParseIP(opts.ListenIP); ip != nil && !ip.IsUnspecified() {
		se.SetIPFilter(func(candidate net.IP) bool { return candidate.Equal(ip) })
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(media),
		webrtc.WithSettingEngine(se),
		webrtc.WithInterceptorRegistry(ir),
	)

	ctx, cancel := context.WithCancel(context.Background())
	log.Info().
		Str("module", "rtc").
		Str("listen_ip", opts.ListenIP).
		Str("announced_ip", opts.AnnouncedIP).
		Uint16("min_port", opts.MinPort).
		Uint16("max_port", opts.MaxPort).
		Msg("router created")
	return &Router{
		api:        api,
		media:      media,
		opts:       opts,
		relays:     sfu.NewRelayManager(),
		ctx:        ctx,
		cancel:     cancel,
		producers:  make(map[domain.ProducerID]*producer),
		transports: make(map[domain.TransportID]core.Transport),
		extraPTs:   make(map[uint8]string),
	}, nil
}

func (r *Router) RTPCapabilities() domain.RTPCapabilities {
	codecs := make([]domain.RTPCodecCapability, len(Codecs))
	copy(codecs, Codecs)
	return domain.RTPCapabilities{Codecs: codecs, HeaderExtensions: []domain.RTPHeaderExtension{}}
}

func (r *Router) CanConsume(id domain.ProducerID, caps domain.RTPCapabilities) bool {
	p, ok := r.producer(id)
	if !ok {
		return false
	}
	_, ok = consumableCodec(p, caps)
	return ok
}

func consumableCodec(p *producer, caps domain.RTPCapabilities) (domain.RTPCodecParameters, bool) {
	codec := codecParameters(p.routerCodec)
	for _, c := range caps.Codecs {
		if c.Kind == p.kind && c.MatchesCodec(codec) {
			return codec, true
		}
	}
	return domain.RTPCodecParameters{}, false
}

func (r *Router) CreateWebRTCTransport(ctx context.Context) (core.WebRTCTransport, error) {
	if r.isClosed() {
		return nil, ErrRouterClosed
	}
	t, err := newWebRTCConnection(ctx, r)
	if err != nil {
		return nil, err
	}
	r.trackTransport(t)
	return t, nil
}

func (r *Router) CreatePlainTransport(ctx context.Context, opts core.PlainTransportOptions) (core.PlainTransport, error) {
	if r.isClosed() {
		return nil, ErrRouterClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t, err := newPlainTransport(r, opts)
	if err != nil {
		return nil, err
	}
	r.trackTransport(t)
	return t, nil
}

func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	transports := make([]core.Transport, 0, len(r.transports))
	for _, t := range r.transports {
		transports = append(transports, t)
	}
	r.mu.Unlock()

	for _, t := range transports {
		t.Close()
	}
	r.cancel()
	log.Info().Str("module", "rtc").Int("transports", len(transports)).Msg("router closed")
}

func (r *Router) isClosed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}

func (r *Router) trackTransport(t core.Transport) {
	r.mu.Lock()
	r.transports[t.ID()] = t
	r.mu.Unlock()
	go func() {
		<-t.Done()
		r.mu.Lock()
		delete(r.transports, t.ID())
		r.mu.Unlock()
	}()
}

func (r *Router) producer(id domain.ProducerID) (*producer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.producers[id]
	return p, ok
}

// ensurePayloadType makes the media engine aware of a payload type a peer
// produces with when it differs from the router's own.
func (r *Router) ensurePayloadType(kind domain.MediaKind, c domain.RTPCodecParameters) error {
	for _, rc := range Codecs {
		if rc.PreferredPayloadType == c.PayloadType {
			if rc.Kind == kind && rc.MatchesCodec(c) {
				return nil
			}
			return fmt.Errorf("%w: %d", ErrProducerKindClash, c.PayloadType)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if mime, ok := r.extraPTs[c.PayloadType]; ok {
		if mime == c.MimeType {
			return nil
		}
		return fmt.Errorf("%w: %d", ErrProducerKindClash, c.PayloadType)
	}
	wc := toWebRTCCodec(c.MimeType, c.PayloadType, c.ClockRate, c.Channels, c.Parameters, c.RTCPFeedback)
	if err := r.media.RegisterCodec(wc, codecType(kind)); err != nil {
		return err
	}
	r.extraPTs[c.PayloadType] = c.MimeType
	return nil
}

type producerSpec struct {
	kind     domain.MediaKind
	params   domain.RTPParameters
	source   func(done <-chan struct{}) sfu.Source
	onClose  func(*producer)
	keyFrame func()
}

// addProducer validates the codec, starts the relay and indexes the producer.
func (r *Router) addProducer(spec producerSpec) (*producer, error) {
	if !spec.kind.Valid() {
		return nil, ErrInvalidKind
	}
	codec, ok := spec.params.FirstCodec()
	if !ok {
		return nil, fmt.Errorf("%w: no codecs", ErrUnsupportedCodec)
	}
	rc, ok := matchRouterCodec(spec.kind, codec)
	if !ok {
		return nil, fmt.Errorf("%w: %s/%d", ErrUnsupportedCodec, codec.MimeType, codec.ClockRate)
	}
	if len(spec.params.Encodings) == 0 || spec.params.Encodings[0].SSRC == 0 {
		return nil, ErrMissingSSRC
	}

	p := &producer{
		router:      r,
		id:          newProducerID(),
		kind:        spec.kind,
		params:      spec.params,
		routerCodec: rc,
		onClose:     spec.onClose,
		keyFrame:    spec.keyFrame,
		done:        make(chan struct{}),
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRouterClosed
	}
	r.producers[p.id] = p
	r.mu.Unlock()

	relay := r.relays.StartRelay(r.ctx, p.id, spec.source(p.done))
	go func() {
		select {
		case <-relay.Done():
			p.Close()
		case <-p.done:
		}
	}()

	log.Info().
		Str("module", "rtc").
		Str("producer", string(p.id)).
		Str("kind", string(p.kind)).
		Str("mime", codec.MimeType).
		Uint8("pt", codec.PayloadType).
		Uint32("ssrc", spec.params.Encodings[0].SSRC).
		Msg("producer created")
	return p, nil
}

func (r *Router) removeProducer(id domain.ProducerID) {
	r.mu.Lock()
	delete(r.producers, id)
	r.mu.Unlock()
	r.relays.StopRelay(id)
}

type consumerSpec struct {
	opts    core.ConsumeOptions
	ssrc    uint32
	cname   string
	sink    func(params domain.RTPParameters) sfu.Sink
	onClose func(*consumer)
}

// addConsumer attaches a new consumer to the producer's relay. Compatibility
// is checked before anything is created.
func (r *Router) addConsumer(spec consumerSpec) (*consumer, error) {
	p, ok := r.producer(spec.opts.ProducerID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProducer, spec.opts.ProducerID)
	}
	codec, ok := consumableCodec(p, spec.opts.RTPCapabilities)
	if !ok {
		return nil, ErrCannotConsume
	}

	c := &consumer{
		router:   r,
		id:       newConsumerID(),
		producer: p,
		params: domain.RTPParameters{
			Codecs:    []domain.RTPCodecParameters{codec},
			Encodings: []domain.RTPEncoding{{SSRC: spec.ssrc}},
			RTCP:      domain.RTCPParameters{CNAME: spec.cname, ReducedSize: true},
		},
		onClose: spec.onClose,
		done:    make(chan struct{}),
	}

	state := sfu.TrackStateOk
	if spec.opts.Paused {
		state = sfu.TrackStateMuted
	}
	ot, ok := r.relays.AddSubscriber(p.id, c.id, spec.sink(c.params), state)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProducer, p.id)
	}
	c.out = ot

	go func() {
		select {
		case <-p.done:
			c.Close()
		case <-c.done:
		}
	}()

	log.Info().
		Str("module", "rtc").
		Str("consumer", string(c.id)).
		Str("producer", string(p.id)).
		Bool("paused", spec.opts.Paused).
		Uint32("ssrc", spec.ssrc).
		Msg("consumer created")
	return c, nil
}

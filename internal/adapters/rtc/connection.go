package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/camrelay/internal/app/sfu"
	"github.com/dkeye/camrelay/internal/core"
	"github.com/dkeye/camrelay/internal/domain"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// readyTimeout bounds how long Produce waits for the DTLS handshake.
const readyTimeout = 10 * time.Second

// WebRTCConnection is a browser-facing ICE-lite/DTLS transport built from
// pion's ORTC objects.
type WebRTCConnection struct {
	id     domain.TransportID
	router *Router
	logger zerolog.Logger

	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport
	params   domain.TransportParameters

	connectOnce sync.Once
	connecting  atomic.Bool
	readyOnce   sync.Once
	ready       chan struct{}

	mu        sync.Mutex
	producers map[domain.ProducerID]*producer
	consumers map[domain.ConsumerID]*consumer

	closeOnce sync.Once
	done      chan struct{}
}

var _ core.WebRTCTransport = (*WebRTCConnection)(nil)

func newWebRTCConnection(ctx context.Context, r *Router) (*WebRTCConnection, error) {
	gatherer, err := r.api.NewICEGatherer(webrtc.ICEGatherOptions{})
	if err != nil {
		return nil, fmt.Errorf("ice gatherer: %w", err)
	}

	gathered := make(chan struct{})
	var gatherOnce sync.Once
	gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			gatherOnce.Do(func() { close(gathered) })
		}
	})
	if err := gatherer.Gather(); err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("gather: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		_ = gatherer.Close()
		return nil, ctx.Err()
	}

	iceParams, err := gatherer.GetLocalParameters()
	if err != nil {
		_ = gatherer.Close()
		return nil, err
	}
	candidates, err := gatherer.GetLocalCandidates()
	if err != nil {
		_ = gatherer.Close()
		return nil, err
	}

	ice := r.api.NewICETransport(gatherer)
	dtls, err := r.api.NewDTLSTransport(ice, nil)
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("dtls transport: %w", err)
	}
	dtlsParams, err := dtls.GetLocalParameters()
	if err != nil {
		_ = gatherer.Close()
		return nil, err
	}

	c := &WebRTCConnection{
		id:        newTransportID(),
		router:    r,
		gatherer:  gatherer,
		ice:       ice,
		dtls:      dtls,
		ready:     make(chan struct{}),
		producers: make(map[domain.ProducerID]*producer),
		consumers: make(map[domain.ConsumerID]*consumer),
		done:      make(chan struct{}),
	}
	c.logger = log.With().Str("module", "webrtc").Str("transport", string(c.id)).Logger()
	c.params = domain.TransportParameters{
		ICEParameters: domain.ICEParameters{
			UsernameFragment: iceParams.UsernameFragment,
			Password:         iceParams.Password,
			ICELite:          true,
		},
		ICECandidates:  toDomainCandidates(candidates),
		DTLSParameters: toDomainDTLS(dtlsParams),
	}

	dtls.OnStateChange(func(s webrtc.DTLSTransportState) {
		c.logger.Info().Str("dtls_state", s.String()).Msg("DTLS state")
		switch s {
		case webrtc.DTLSTransportStateConnected:
			c.readyOnce.Do(func() { close(c.ready) })
		case webrtc.DTLSTransportStateFailed, webrtc.DTLSTransportStateClosed:
			go c.Close()
		}
	})
	ice.OnConnectionStateChange(func(s webrtc.ICETransportState) {
		c.logger.Info().Str("ice_state", s.String()).Msg("ICE state")
		if s == webrtc.ICETransportStateFailed {
			go c.Close()
		}
	})

	c.logger.Info().Int("candidates", len(candidates)).Msg("transport created")
	return c, nil
}

func toDomainCandidates(in []webrtc.ICECandidate) []domain.ICECandidate {
	out := make([]domain.ICECandidate, 0, len(in))
	for _, c := range in {
		out = append(out, domain.ICECandidate{
			Foundation: c.Foundation,
			Priority:   c.Priority,
			IP:         c.Address,
			Address:    c.Address,
			Protocol:   c.Protocol.String(),
			Port:       c.Port,
			Type:       c.Typ.String(),
			TCPType:    c.TCPType,
		})
	}
	return out
}

func toDomainDTLS(p webrtc.DTLSParameters) domain.DTLSParameters {
	fps := make([]domain.DTLSFingerprint, 0, len(p.Fingerprints))
	for _, f := range p.Fingerprints {
		fps = append(fps, domain.DTLSFingerprint{Algorithm: f.Algorithm, Value: f.Value})
	}
	return domain.DTLSParameters{Role: "auto", Fingerprints: fps}
}

func toWebRTCDTLS(p domain.DTLSParameters) webrtc.DTLSParameters {
	role := webrtc.DTLSRoleAuto
	switch p.Role {
	case "client":
		role = webrtc.DTLSRoleClient
	case "server":
		role = webrtc.DTLSRoleServer
	}
	fps := make([]webrtc.DTLSFingerprint, 0, len(p.Fingerprints))
	for _, f := range p.Fingerprints {
		fps = append(fps, webrtc.DTLSFingerprint{Algorithm: f.Algorithm, Value: f.Value})
	}
	return webrtc.DTLSParameters{Role: role, Fingerprints: fps}
}

func (c *WebRTCConnection) ID() domain.TransportID                 { return c.id }
func (c *WebRTCConnection) Parameters() domain.TransportParameters { return c.params }
func (c *WebRTCConnection) Done() <-chan struct{}                  { return c.done }

// Connect starts ICE as the controlled agent and then DTLS. Both block until
// the remote side shows up, so they run in the background.
func (c *WebRTCConnection) Connect(ctx context.Context, ice domain.ICEParameters, dtls domain.DTLSParameters) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrTransportClosed
	default:
	}

	started := false
	c.connectOnce.Do(func() {
		started = true
		c.connecting.Store(true)
		remoteICE := webrtc.ICEParameters{
			UsernameFragment: ice.UsernameFragment,
			Password:         ice.Password,
		}
		remoteDTLS := toWebRTCDTLS(dtls)
		go func() {
			role := webrtc.ICERoleControlled
			if err := c.ice.Start(c.gatherer, remoteICE, &role); err != nil {
				c.logger.Error().Err(err).Msg("ICE start failed")
				c.Close()
				return
			}
			if err := c.dtls.Start(remoteDTLS); err != nil {
				c.logger.Error().Err(err).Msg("DTLS start failed")
				c.Close()
				return
			}
		}()
	})
	if !started {
		return ErrAlreadyConnected
	}
	c.logger.Info().Str("dtls_role", dtls.Role).Msg("transport connecting")
	return nil
}

func (c *WebRTCConnection) waitReady(ctx context.Context) error {
	if !c.connecting.Load() {
		return fmt.Errorf("%w: connect the transport first", ErrTransportNotActive)
	}
	ctx, cancel := context.WithTimeout(ctx, readyTimeout)
	defer cancel()
	select {
	case <-c.ready:
		return nil
	case <-c.done:
		return ErrTransportClosed
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrTransportNotActive, ctx.Err())
	}
}

// Produce receives a browser stream. It waits for the DTLS handshake since
// the receiver needs the SRTP session.
func (c *WebRTCConnection) Produce(ctx context.Context, opts core.ProduceOptions) (core.Producer, error) {
	if !opts.Kind.Valid() {
		return nil, ErrInvalidKind
	}
	codec, ok := opts.RTPParameters.FirstCodec()
	if !ok {
		return nil, fmt.Errorf("%w: no codecs", ErrUnsupportedCodec)
	}
	if len(opts.RTPParameters.Encodings) == 0 || opts.RTPParameters.Encodings[0].SSRC == 0 {
		return nil, ErrMissingSSRC
	}
	if _, ok := matchRouterCodec(opts.Kind, codec); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCodec, codec.MimeType)
	}
	if err := c.router.ensurePayloadType(opts.Kind, codec); err != nil {
		return nil, err
	}
	if err := c.waitReady(ctx); err != nil {
		return nil, err
	}

	ssrc := opts.RTPParameters.Encodings[0].SSRC
	receiver, err := c.router.api.NewRTPReceiver(codecType(opts.Kind), c.dtls)
	if err != nil {
		return nil, err
	}
	err = receiver.Receive(webrtc.RTPReceiveParameters{
		Encodings: []webrtc.RTPDecodingParameters{{
			RTPCodingParameters: webrtc.RTPCodingParameters{
				SSRC:        webrtc.SSRC(ssrc),
				PayloadType: webrtc.PayloadType(codec.PayloadType),
			},
		}},
	})
	if err != nil {
		_ = receiver.Stop()
		return nil, fmt.Errorf("receive: %w", err)
	}
	track := receiver.Track()
	if track == nil {
		_ = receiver.Stop()
		return nil, errors.New("receiver has no track")
	}

	p, err := c.router.addProducer(producerSpec{
		kind:   opts.Kind,
		params: opts.RTPParameters,
		source: func(<-chan struct{}) sfu.Source { return trackSource{track} },
		onClose: func(closed *producer) {
			_ = receiver.Stop()
			c.mu.Lock()
			delete(c.producers, closed.id)
			c.mu.Unlock()
		},
		keyFrame: func() {
			if _, err := c.dtls.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}}); err != nil {
				c.logger.Debug().Err(err).Msg("PLI write failed")
			}
		},
	})
	if err != nil {
		_ = receiver.Stop()
		return nil, err
	}
	go drainRTCP(receiver.ReadRTCP)

	c.mu.Lock()
	select {
	case <-p.done:
	default:
		c.producers[p.id] = p
	}
	c.mu.Unlock()
	return p, nil
}

// Consume sends a producer's stream to the browser. Sending starts right
// away; packets written before DTLS completes are dropped by pion.
func (c *WebRTCConnection) Consume(_ context.Context, opts core.ConsumeOptions) (core.Consumer, error) {
	select {
	case <-c.done:
		return nil, ErrTransportClosed
	default:
	}
	p, ok := c.router.producer(opts.ProducerID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProducer, opts.ProducerID)
	}
	if _, ok := consumableCodec(p, opts.RTPCapabilities); !ok {
		return nil, ErrCannotConsume
	}

	rc := p.routerCodec
	track, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{
		MimeType:    rc.MimeType,
		ClockRate:   rc.ClockRate,
		Channels:    rc.Channels,
		SDPFmtpLine: FmtpLine(rc.Parameters),
	}, string(p.kind), "camrelay-"+string(p.id))
	if err != nil {
		return nil, err
	}
	sender, err := c.router.api.NewRTPSender(track, c.dtls)
	if err != nil {
		return nil, err
	}
	sendParams := sender.GetParameters()
	if len(sendParams.Encodings) == 0 {
		_ = sender.Stop()
		return nil, errors.New("sender has no encodings")
	}
	ssrc := uint32(sendParams.Encodings[0].SSRC)

	cons, err := c.router.addConsumer(consumerSpec{
		opts:  opts,
		ssrc:  ssrc,
		cname: string(c.id),
		sink:  func(domain.RTPParameters) sfu.Sink { return track },
		onClose: func(closed *consumer) {
			_ = sender.Stop()
			c.mu.Lock()
			delete(c.consumers, closed.id)
			c.mu.Unlock()
		},
	})
	if err != nil {
		_ = sender.Stop()
		return nil, err
	}
	if err := sender.Send(sendParams); err != nil {
		cons.Close()
		return nil, fmt.Errorf("send: %w", err)
	}
	go c.readConsumerRTCP(sender, p)

	c.mu.Lock()
	select {
	case <-cons.done:
	default:
		c.consumers[cons.id] = cons
	}
	c.mu.Unlock()
	return cons, nil
}

// readConsumerRTCP forwards keyframe requests from the browser upstream.
func (c *WebRTCConnection) readConsumerRTCP(sender *webrtc.RTPSender, p *producer) {
	for {
		pkts, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range pkts {
			switch pkt.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				p.requestKeyFrame()
			}
		}
	}
}

func (c *WebRTCConnection) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		consumers := make([]*consumer, 0, len(c.consumers))
		for _, cons := range c.consumers {
			consumers = append(consumers, cons)
		}
		producers := make([]*producer, 0, len(c.producers))
		for _, p := range c.producers {
			producers = append(producers, p)
		}
		c.mu.Unlock()

		for _, cons := range consumers {
			cons.Close()
		}
		for _, p := range producers {
			p.Close()
		}
		if err := c.dtls.Stop(); err != nil {
			c.logger.Debug().Err(err).Msg("dtls stop")
		}
		if err := c.ice.Stop(); err != nil {
			c.logger.Debug().Err(err).Msg("ice stop")
		}
		if err := c.gatherer.Close(); err != nil {
			c.logger.Debug().Err(err).Msg("gatherer close")
		}
		c.logger.Info().
			Int("producers", len(producers)).
			Int("consumers", len(consumers)).
			Msg("transport closed")
	})
}

type trackSource struct {
	track *webrtc.TrackRemote
}

func (s trackSource) ReadRTP() (*rtp.Packet, error) {
	pkt, _, err := s.track.ReadRTP()
	return pkt, err
}

func drainRTCP[A any](read func() ([]rtcp.Packet, A, error)) {
	for {
		if _, _, err := read(); err != nil {
			return
		}
	}
}

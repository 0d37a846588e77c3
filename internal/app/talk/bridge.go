// Package talk bridges a browser microphone producer to the camera speaker.
package talk

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/dkeye/camrelay/internal/app"
	"github.com/dkeye/camrelay/internal/app/ingest"
	"github.com/dkeye/camrelay/internal/core"
	"github.com/dkeye/camrelay/internal/domain"
	"github.com/dkeye/camrelay/internal/media/sdpfile"
	"github.com/dkeye/camrelay/internal/media/udpport"
	"github.com/dkeye/camrelay/internal/metrics"
	"github.com/dkeye/camrelay/internal/supervisor"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrNoActiveSession = errors.New("Talk requires an active session")
	ErrTalkUnsupported = errors.New("camera session cannot send audio")
	ErrCannotConsume   = errors.New("talk source cannot be consumed by the router")
	ErrNotAudio        = errors.New("talk source is not an audio producer")
	ErrNoCodec         = errors.New("talk consumer has no negotiated codec")
)

const (
	StateStopped  = "stopped"
	StateBridging = "bridging"

	loopbackIP   = "127.0.0.1"
	maxDatagram  = 1500
	errLogEvery  = 100
	streamLabel  = "talk"
	defaultRate  = "32k"
	transcoderID = "talk"
)

// SessionSource exposes the camera session of the running ingest.
type SessionSource interface {
	ActiveSession() (*core.CameraSession, bool)
}

type Options struct {
	TempDir     string
	PayloadType uint8
	SSRC        uint32
	Bitrate     string
}

type Status struct {
	Active     bool              `json:"active"`
	State      string            `json:"state"`
	CameraID   domain.CameraID   `json:"cameraId,omitempty"`
	ProducerID domain.ProducerID `json:"producerId,omitempty"`
	Packets    uint64            `json:"packets"`
	SendErrors uint64            `json:"sendErrors"`
}

// Session is the live talk state, owned by the Bridge.
type Session struct {
	cameraID   domain.CameraID
	producerID domain.ProducerID
	call       core.ControllableCall

	transport core.PlainTransport
	consumer  core.Consumer
	proc      supervisor.Handle
	sdpPath   string
	recvPort  int
	out       *net.UDPConn
	outPort   int

	packets    atomic.Uint64
	sendErrors atomic.Uint64

	done        chan struct{}
	forwardDone chan struct{}
	logger      zerolog.Logger
}

// Bridge owns at most one talk session. Start and Stop never interleave.
type Bridge struct {
	router  core.Router
	source  SessionSource
	spawner supervisor.Spawner
	notify  app.Broadcaster
	opts    Options

	mu      sync.Mutex
	session *Session
}

func NewBridge(router core.Router, source SessionSource, spawner supervisor.Spawner, notify app.Broadcaster, opts Options) *Bridge {
	if opts.Bitrate == "" {
		opts.Bitrate = defaultRate
	}
	return &Bridge{
		router:  router,
		source:  source,
		spawner: spawner,
		notify:  notify,
		opts:    opts,
	}
}

// Start replaces any running talk session with one that consumes producerID
// and plays it on the active camera.
func (b *Bridge) Start(ctx context.Context, cameraID domain.CameraID, producerID domain.ProducerID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stopLocked("restart")

	cam, ok := b.source.ActiveSession()
	if !ok || cam.Kind != core.SessionCall || cam.Call == nil {
		return ErrNoActiveSession
	}
	if cameraID != "" && cam.CameraID != cameraID {
		return fmt.Errorf("%w for camera %s", ErrNoActiveSession, cameraID)
	}
	if !cam.Caps.CanSendAudio {
		return ErrTalkUnsupported
	}

	s, err := b.startLocked(ctx, cam, producerID)
	if err != nil {
		return err
	}
	b.session = s
	go b.watch(s)
	return nil
}

func (b *Bridge) startLocked(ctx context.Context, cam *core.CameraSession, producerID domain.ProducerID) (_ *Session, err error) {
	s := &Session{
		cameraID:    cam.CameraID,
		producerID:  producerID,
		call:        cam.Call,
		done:        make(chan struct{}),
		forwardDone: make(chan struct{}),
		logger: log.With().
			Str("module", "talk").
			Str("camera", string(cam.CameraID)).
			Str("producer", string(producerID)).
			Logger(),
	}
	defer func() {
		if err != nil {
			s.logger.Error().Err(err).Msg("start failed, tearing down")
			b.teardown(s)
		}
	}()

	if err := cam.Call.ActivateSpeaker(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("activate speaker failed, continuing")
	}

	if s.transport, err = b.router.CreatePlainTransport(ctx, core.PlainTransportOptions{}); err != nil {
		return nil, fmt.Errorf("egress transport: %w", err)
	}
	caps := b.router.RTPCapabilities()
	if !b.router.CanConsume(producerID, caps) {
		return nil, fmt.Errorf("%w: %s", ErrCannotConsume, producerID)
	}
	if s.consumer, err = s.transport.Consume(ctx, core.ConsumeOptions{
		ProducerID:      producerID,
		RTPCapabilities: caps,
	}); err != nil {
		return nil, fmt.Errorf("consume: %w", err)
	}
	if s.consumer.Kind() != domain.KindAudio {
		return nil, fmt.Errorf("%w: got %s", ErrNotAudio, s.consumer.Kind())
	}
	codec, ok := s.consumer.RTPParameters().FirstCodec()
	if !ok {
		return nil, ErrNoCodec
	}

	if s.recvPort, err = udpport.Pick(); err != nil {
		return nil, fmt.Errorf("pick receive port: %w", err)
	}
	body, err := sdpfile.Opus(loopbackIP, s.recvPort, codec.PayloadType, codec.Channels, codec.ClockRate)
	if err != nil {
		return nil, fmt.Errorf("render descriptor: %w", err)
	}
	if s.sdpPath, err = sdpfile.WriteFile(b.opts.TempDir, fmt.Sprintf("talk-%s.sdp", cam.CameraID), body); err != nil {
		return nil, err
	}
	if err = s.transport.Connect(ctx, loopbackIP, s.recvPort); err != nil {
		return nil, fmt.Errorf("connect egress transport: %w", err)
	}

	if s.out, s.outPort, err = udpport.Listen(); err != nil {
		return nil, fmt.Errorf("bind camera forwarder: %w", err)
	}
	go b.forward(s)

	args := ingest.InputArgs(s.sdpPath)
	args = append(args, b.encodeArgs()...)
	args = append(args, ingest.OutputArgs(b.opts.PayloadType, b.opts.SSRC, s.outPort)...)
	if s.proc, err = b.spawner.Spawn(ctx, supervisor.Spec{Name: transcoderID, Args: args}); err != nil {
		return nil, fmt.Errorf("spawn transcoder: %w", err)
	}
	metrics.TranscoderSpawns.WithLabelValues(streamLabel).Inc()

	s.logger.Info().
		Str("consumer", string(s.consumer.ID())).
		Uint8("pt", codec.PayloadType).
		Int("recv_port", s.recvPort).
		Int("out_port", s.outPort).
		Int("pid", s.proc.Pid()).
		Msg("talk started")
	return s, nil
}

func (b *Bridge) encodeArgs() []string {
	return []string{
		"-vn",
		"-ac", "1",
		"-ar", "48000",
		"-c:a", "libopus",
		"-b:a", b.opts.Bitrate,
		"-application", "voip",
	}
}

// forward relays every transcoded datagram to the camera. Send errors are
// counted and skipped.
func (b *Bridge) forward(s *Session) {
	defer close(s.forwardDone)
	buf := make([]byte, maxDatagram)
	for {
		n, _, err := s.out.ReadFromUDP(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.logger.Warn().Err(err).Msg("forwarder read")
			}
			return
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		if err := s.call.SendAudioPacket(pkt); err != nil {
			c := s.sendErrors.Add(1)
			metrics.DroppedPackets.WithLabelValues(streamLabel, "send_error").Inc()
			if c%errLogEvery == 1 {
				s.logger.Warn().Err(err).Uint64("errors", c).Msg("send audio packet")
			}
			continue
		}
		s.packets.Add(1)
		metrics.ForwardedPackets.WithLabelValues(streamLabel).Inc()
		metrics.ForwardedBytes.WithLabelValues(streamLabel).Add(float64(n))
	}
}

// watch ends the session when its source producer goes away or the
// transcoder dies on its own.
func (b *Bridge) watch(s *Session) {
	var procDone <-chan struct{}
	if s.proc != nil {
		procDone = s.proc.Done()
	}
	reason := ""
	select {
	case <-s.done:
		return
	case <-s.consumer.Done():
		reason = "source closed"
	case <-procDone:
		if s.proc.Killed() {
			return
		}
		metrics.TranscoderExits.WithLabelValues(streamLabel).Inc()
		reason = "transcoder exited"
	}

	b.mu.Lock()
	if b.session != s {
		b.mu.Unlock()
		return
	}
	b.stopLocked(reason)
	b.mu.Unlock()

	if b.notify != nil {
		b.notify.Broadcast(app.Message{Type: app.EventTalkStatus, Data: app.TalkStatusData{
			OK:       true,
			State:    StateStopped,
			CameraID: s.cameraID,
			Reason:   reason,
		}})
	}
}

// Stop ends the running talk session. Without one it returns nil.
func (b *Bridge) Stop(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopLocked("stop")
	return nil
}

func (b *Bridge) stopLocked(reason string) {
	s := b.session
	if s == nil {
		return
	}
	b.session = nil
	b.teardown(s)
	s.logger.Info().
		Str("reason", reason).
		Uint64("packets", s.packets.Load()).
		Uint64("send_errors", s.sendErrors.Load()).
		Msg("talk stopped")
}

func (b *Bridge) teardown(s *Session) {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	if s.consumer != nil {
		s.consumer.Close()
	}
	if s.transport != nil {
		s.transport.Close()
	}
	if s.out != nil {
		if err := s.out.Close(); err != nil {
			s.logger.Debug().Err(err).Msg("close forwarder")
		}
		<-s.forwardDone
	}
	if s.proc != nil {
		s.proc.Kill()
	}
	if err := sdpfile.Remove(s.sdpPath); err != nil {
		s.logger.Warn().Err(err).Str("sdp", s.sdpPath).Msg("remove descriptor")
	}
}

func (b *Bridge) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.session
	if s == nil {
		return Status{State: StateStopped}
	}
	return Status{
		Active:     true,
		State:      StateBridging,
		CameraID:   s.cameraID,
		ProducerID: s.producerID,
		Packets:    s.packets.Load(),
		SendErrors: s.sendErrors.Load(),
	}
}

// Package ingest owns the single camera-to-router session.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/camrelay/internal/app"
	"github.com/dkeye/camrelay/internal/app/switchlock"
	"github.com/dkeye/camrelay/internal/core"
	"github.com/dkeye/camrelay/internal/domain"
	"github.com/dkeye/camrelay/internal/media/sdpfile"
	"github.com/dkeye/camrelay/internal/supervisor"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var (
	ErrNoSessionControl = errors.New("camera session exposes neither a call nor a pipe")
	ErrInvalidCameraID  = errors.New("camera id is required")
)

const (
	VideoLabelPrefix = "camera:"
	AudioLabelPrefix = "camera-audio:"
	ingestCNAME      = "camera-ingest"
)

type Options struct {
	TempDir     string
	Video       Target
	Audio       Target
	SettleDelay time.Duration
}

// TalkStopper is the part of the talk bridge ingest depends on.
type TalkStopper interface {
	Stop(ctx context.Context) error
}

type StartResult struct {
	ProducerID      domain.ProducerID `json:"producerId"`
	AudioProducerID domain.ProducerID `json:"audioProducerId"`
	CameraID        domain.CameraID   `json:"cameraId"`
	CameraName      string            `json:"cameraName"`
}

type Status struct {
	Active          bool              `json:"active"`
	CameraID        domain.CameraID   `json:"cameraId,omitempty"`
	CameraName      string            `json:"cameraName,omitempty"`
	SessionKind     string            `json:"sessionKind,omitempty"`
	ProducerID      domain.ProducerID `json:"producerId,omitempty"`
	AudioProducerID domain.ProducerID `json:"audioProducerId,omitempty"`
	StartedAt       time.Time         `json:"startedAt,omitzero"`
	Degraded        bool              `json:"degraded"`
	Reason          string            `json:"reason,omitempty"`
	Streams         []StreamStatus    `json:"streams,omitempty"`
}

// Session is the live ingest state. It is owned by the Orchestrator.
type Session struct {
	cameraID   domain.CameraID
	cameraName string
	startedAt  time.Time

	videoTransport core.PlainTransport
	audioTransport core.PlainTransport
	videoProducer  core.Producer
	audioProducer  core.Producer
	camera         *core.CameraSession
	bridges        []*streamBridge

	degraded bool
	reason   string

	doneOnce sync.Once
	done     chan struct{}
}

type Orchestrator struct {
	router    core.Router
	cameras   core.CameraClient
	spawner   supervisor.Spawner
	producers *app.Producers
	notify    app.Broadcaster
	opts      Options
	lock      *switchlock.Lock

	// Talk is stopped before every ingest teardown.
	Talk TalkStopper

	mu      sync.Mutex
	session *Session
}

func New(router core.Router, cameras core.CameraClient, spawner supervisor.Spawner, producers *app.Producers, notify app.Broadcaster, opts Options) *Orchestrator {
	return &Orchestrator{
		router:    router,
		cameras:   cameras,
		spawner:   spawner,
		producers: producers,
		notify:    notify,
		opts:      opts,
		lock:      switchlock.New(),
	}
}

// Start stops any running session and starts a new one for cameraID.
func (o *Orchestrator) Start(ctx context.Context, cameraID domain.CameraID) (StartResult, error) {
	if cameraID == "" {
		return StartResult{}, ErrInvalidCameraID
	}
	var res StartResult
	err := o.lock.Do(ctx, func(ctx context.Context) error {
		o.stopLocked(ctx)
		s, err := o.startLocked(ctx, cameraID)
		if err != nil {
			return err
		}
		res = StartResult{
			ProducerID:      s.videoProducer.ID(),
			AudioProducerID: s.audioProducer.ID(),
			CameraID:        s.cameraID,
			CameraName:      s.cameraName,
		}
		return nil
	})
	return res, err
}

// Stop tears the active session down. Without one it returns nil at once.
func (o *Orchestrator) Stop(ctx context.Context) error {
	return o.lock.Do(ctx, func(ctx context.Context) error {
		o.stopLocked(ctx)
		return nil
	})
}

func (o *Orchestrator) startLocked(ctx context.Context, cameraID domain.CameraID) (_ *Session, err error) {
	logger := log.With().Str("module", "ingest").Str("camera", string(cameraID)).Logger()
	s := &Session{cameraID: cameraID, cameraName: string(cameraID), startedAt: time.Now(), done: make(chan struct{})}
	defer func() {
		if err != nil {
			logger.Error().Err(err).Msg("start failed, tearing down")
			o.teardown(s)
		}
	}()

	if s.videoTransport, err = o.router.CreatePlainTransport(ctx, core.PlainTransportOptions{Comedia: true}); err != nil {
		return nil, fmt.Errorf("video transport: %w", err)
	}
	if s.videoProducer, err = s.videoTransport.Produce(ctx, core.ProduceOptions{
		Kind:          domain.KindVideo,
		RTPParameters: videoParameters(o.opts.Video),
	}); err != nil {
		return nil, fmt.Errorf("video producer: %w", err)
	}
	if s.audioTransport, err = o.router.CreatePlainTransport(ctx, core.PlainTransportOptions{Comedia: true}); err != nil {
		return nil, fmt.Errorf("audio transport: %w", err)
	}
	if s.audioProducer, err = s.audioTransport.Produce(ctx, core.ProduceOptions{
		Kind:          domain.KindAudio,
		RTPParameters: audioParameters(o.opts.Audio),
	}); err != nil {
		return nil, fmt.Errorf("audio producer: %w", err)
	}

	s.camera, err = o.cameras.StartSession(ctx, cameraID, core.SessionOptions{
		Video: core.RTPTarget{
			Host:        loopbackIP,
			Port:        s.videoTransport.LocalPort(),
			PayloadType: o.opts.Video.PayloadType,
			SSRC:        o.opts.Video.SSRC,
		},
		VideoArgs: VideoEncodeArgs(),
	})
	if err != nil {
		return nil, fmt.Errorf("camera session: %w", err)
	}
	if s.camera.CameraName != "" {
		s.cameraName = s.camera.CameraName
	}

	switch {
	case s.camera.Kind == core.SessionCall && s.camera.Call != nil:
		if err = o.bridgeCall(s); err != nil {
			return nil, err
		}
	case s.camera.Kind == core.SessionPipe && s.camera.Pipe != nil:
		if err = s.camera.Pipe.Start(ctx); err != nil {
			return nil, fmt.Errorf("start pipe: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: kind %s", ErrNoSessionControl, s.camera.Kind)
	}

	o.mu.Lock()
	o.session = s
	o.mu.Unlock()
	if s.camera.Kind == core.SessionPipe {
		go o.watchPipe(s, s.camera.Pipe)
	}

	o.producers.Register(s.videoProducer, VideoLabelPrefix+string(cameraID))
	o.producers.Register(s.audioProducer, AudioLabelPrefix+string(cameraID))

	logger.Info().
		Str("session_kind", s.camera.Kind.String()).
		Str("video_producer", string(s.videoProducer.ID())).
		Str("audio_producer", string(s.audioProducer.ID())).
		Int("video_port", s.videoTransport.LocalPort()).
		Int("audio_port", s.audioTransport.LocalPort()).
		Msg("ingest started")
	return s, nil
}

// bridgeCall subscribes to the call's packet streams and wires one learning
// bridge per stream.
func (o *Orchestrator) bridgeCall(s *Session) error {
	call := s.camera.Call
	onFailure := func(stream string, err error) { o.markDegraded(s, stream, err) }

	type wiring struct {
		enabled   bool
		stream    string
		subscribe func() (core.PacketSubscription, error)
		port      int
		target    Target
		encode    []string
		desc      descriptorFunc
	}
	for _, w := range []wiring{
		{s.camera.Caps.CanReceiveVideoEvents, StreamVideo, call.VideoPackets, s.videoTransport.LocalPort(), o.opts.Video, VideoEncodeArgs(), sdpfile.Video},
		{s.camera.Caps.CanReceiveAudioEvents, StreamAudio, call.AudioPackets, s.audioTransport.LocalPort(), o.opts.Audio, audioEncodeArgs(), sdpfile.Audio},
	} {
		if !w.enabled {
			log.Info().Str("module", "ingest").Str("stream", w.stream).Msg("camera call has no packet events for stream")
			continue
		}
		sub, err := w.subscribe()
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", w.stream, err)
		}
		b, err := newStreamBridge(bridgeConfig{
			stream:     w.stream,
			cameraID:   s.cameraID,
			tempDir:    o.opts.TempDir,
			routerPort: w.port,
			target:     w.target,
			encode:     w.encode,
			descriptor: w.desc,
			spawner:    o.spawner,
			onFailure:  onFailure,
		}, sub)
		if err != nil {
			sub.Close()
			return err
		}
		s.bridges = append(s.bridges, b)
		b.start()
	}
	return nil
}

func (o *Orchestrator) stopLocked(ctx context.Context) {
	o.mu.Lock()
	s := o.session
	o.session = nil
	o.mu.Unlock()
	if s == nil {
		return
	}

	if o.Talk != nil {
		if err := o.Talk.Stop(context.WithoutCancel(ctx)); err != nil {
			log.Warn().Err(err).Str("module", "ingest").Msg("stop talk before ingest teardown")
		}
	}
	o.teardown(s)

	if o.opts.SettleDelay > 0 {
		time.Sleep(o.opts.SettleDelay)
	}
	o.notify.Broadcast(app.Message{Type: app.EventIngestStopped, Data: map[string]any{"cameraId": s.cameraID}})
	log.Info().Str("module", "ingest").Str("camera", string(s.cameraID)).Msg("ingest stopped")
}

// watchPipe degrades s when its pipe ends on its own.
func (o *Orchestrator) watchPipe(s *Session, pipe core.ManagedPipe) {
	select {
	case <-pipe.Exited():
		o.markDegraded(s, StreamPipe, pipe.Err())
	case <-s.done:
	}
}

// teardown releases everything s holds, in dependency order.
func (o *Orchestrator) teardown(s *Session) {
	s.doneOnce.Do(func() { close(s.done) })
	for _, b := range s.bridges {
		b.unsubscribe()
	}
	if s.camera != nil {
		switch {
		case s.camera.Call != nil:
			s.camera.Call.Stop()
		case s.camera.Pipe != nil:
			s.camera.Pipe.Stop()
		}
	}

	var g errgroup.Group
	for _, b := range s.bridges {
		g.Go(func() error {
			b.shutdown()
			return nil
		})
	}
	_ = g.Wait()
	s.bridges = nil

	for _, p := range []core.Producer{s.videoProducer, s.audioProducer} {
		if p == nil {
			continue
		}
		o.producers.Remove(p.ID())
		p.Close()
	}
	for _, t := range []core.PlainTransport{s.videoTransport, s.audioTransport} {
		if t != nil {
			t.Close()
		}
	}
}

func (o *Orchestrator) markDegraded(s *Session, stream string, err error) {
	o.mu.Lock()
	if o.session != s {
		o.mu.Unlock()
		return
	}
	s.degraded = true
	s.reason = fmt.Sprintf("%s: %v", stream, err)
	reason := s.reason
	o.mu.Unlock()

	log.Warn().Str("module", "ingest").Str("camera", string(s.cameraID)).Str("reason", reason).Msg("ingest degraded")
	o.notify.Broadcast(app.Message{Type: app.EventIngestDegraded, Data: app.IngestDegradedData{
		CameraID: s.cameraID,
		Stream:   stream,
		Reason:   reason,
	}})
}

func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.session
	if s == nil {
		return Status{}
	}
	st := Status{
		Active:          true,
		CameraID:        s.cameraID,
		CameraName:      s.cameraName,
		SessionKind:     s.camera.Kind.String(),
		ProducerID:      s.videoProducer.ID(),
		AudioProducerID: s.audioProducer.ID(),
		StartedAt:       s.startedAt,
		Degraded:        s.degraded,
		Reason:          s.reason,
	}
	for _, b := range s.bridges {
		st.Streams = append(st.Streams, b.status())
	}
	return st
}

// ActiveSession returns the camera session of the running ingest, if any.
func (o *Orchestrator) ActiveSession() (*core.CameraSession, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session == nil || o.session.camera == nil {
		return nil, false
	}
	return o.session.camera, true
}

func videoParameters(t Target) domain.RTPParameters {
	return domain.RTPParameters{
		Codecs: []domain.RTPCodecParameters{{
			MimeType:    "video/H264",
			PayloadType: t.PayloadType,
			ClockRate:   90000,
			Parameters: map[string]any{
				"packetization-mode":      1,
				"profile-level-id":        "42e01f",
				"level-asymmetry-allowed": 1,
			},
		}},
		Encodings: []domain.RTPEncoding{{SSRC: t.SSRC}},
		RTCP:      domain.RTCPParameters{CNAME: ingestCNAME},
	}
}

func audioParameters(t Target) domain.RTPParameters {
	return domain.RTPParameters{
		Codecs: []domain.RTPCodecParameters{{
			MimeType:    "audio/opus",
			PayloadType: t.PayloadType,
			ClockRate:   48000,
			Channels:    2,
		}},
		Encodings: []domain.RTPEncoding{{SSRC: t.SSRC}},
		RTCP:      domain.RTCPParameters{CNAME: ingestCNAME},
	}
}

package ingest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/camrelay/internal/core"
	"github.com/dkeye/camrelay/internal/domain"
	"github.com/dkeye/camrelay/internal/media/framing"
	"github.com/dkeye/camrelay/internal/media/sdpfile"
	"github.com/dkeye/camrelay/internal/media/udpport"
	"github.com/dkeye/camrelay/internal/metrics"
	"github.com/dkeye/camrelay/internal/supervisor"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	StreamVideo = "video"
	StreamAudio = "audio"
	StreamPipe  = "pipe"

	diagInterval  = 2 * time.Second
	dropLogEvery  = 200
	loopbackIP    = "127.0.0.1"
	unsubscribeTO = 2 * time.Second
)

// Target is the fixed RTP shape a transcoder must deliver to the router.
type Target struct {
	PayloadType uint8
	SSRC        uint32
}

type descriptorFunc func(ip string, port int, pt uint8) ([]byte, error)

type bridgeConfig struct {
	stream     string
	cameraID   domain.CameraID
	tempDir    string
	routerPort int
	target     Target
	encode     []string
	descriptor descriptorFunc
	spawner    supervisor.Spawner
	onFailure  func(stream string, err error)
}

// streamBridge learns a camera stream's PT/SSRC from the first usable packet,
// starts a transcoder for it and forwards every framed packet to that
// transcoder over loopback UDP.
type streamBridge struct {
	cfg    bridgeConfig
	sub    core.PacketSubscription
	conn   *net.UDPConn
	inPort int
	logger zerolog.Logger

	mu      sync.Mutex
	learned bool
	pt      uint8
	ssrc    uint32
	sdpPath string
	proc    supervisor.Handle

	packets atomic.Uint64
	bytes   atomic.Uint64
	dropped atomic.Uint64

	stopOnce sync.Once
	stopCh   chan struct{}
	loopDone chan struct{}
}

func newStreamBridge(cfg bridgeConfig, sub core.PacketSubscription) (*streamBridge, error) {
	inPort, err := udpport.Pick()
	if err != nil {
		return nil, fmt.Errorf("pick %s port: %w", cfg.stream, err)
	}
	conn, err := udpport.Dial(inPort)
	if err != nil {
		return nil, fmt.Errorf("bind %s forwarder: %w", cfg.stream, err)
	}
	b := &streamBridge{
		cfg:      cfg,
		sub:      sub,
		conn:     conn,
		inPort:   inPort,
		stopCh:   make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	b.logger = log.With().
		Str("module", "ingest").
		Str("stream", cfg.stream).
		Str("camera", string(cfg.cameraID)).
		Logger()
	return b, nil
}

func (b *streamBridge) start() {
	go b.run()
}

func (b *streamBridge) run() {
	defer close(b.loopDone)
	ticker := time.NewTicker(diagInterval)
	defer ticker.Stop()
	ch := b.sub.C()
	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return
			}
			b.handle(evt)
		case <-ticker.C:
			b.logDiag()
		case <-b.stopCh:
			return
		}
	}
}

func (b *streamBridge) handle(evt *framing.Event) {
	raw := framing.RawBytes(evt)
	if raw == nil {
		b.drop("unframeable", evt)
		return
	}

	b.mu.Lock()
	learned := b.learned
	b.mu.Unlock()
	if !learned {
		pt, ssrc, ok := framing.Learn(evt)
		if !ok {
			b.drop("unlearned", evt)
			return
		}
		b.learn(pt, ssrc)
	}

	n, err := b.conn.Write(raw)
	if err != nil {
		b.dropped.Add(1)
		metrics.DroppedPackets.WithLabelValues(b.cfg.stream, "send_error").Inc()
		return
	}
	b.packets.Add(1)
	b.bytes.Add(uint64(n))
	metrics.ForwardedPackets.WithLabelValues(b.cfg.stream).Inc()
	metrics.ForwardedBytes.WithLabelValues(b.cfg.stream).Add(float64(n))
}

func (b *streamBridge) drop(reason string, evt *framing.Event) {
	n := b.dropped.Add(1)
	metrics.DroppedPackets.WithLabelValues(b.cfg.stream, reason).Inc()
	if n%dropLogEvery == 1 {
		l := b.logger.Debug().Str("reason", reason).Uint64("dropped", n)
		if evt != nil {
			l = l.Bool("has_packet", len(evt.Packet) > 0).
				Bool("has_raw", len(evt.Raw) > 0).
				Bool("has_header", evt.Header != nil).
				Int("payload_len", len(evt.Payload))
		}
		l.Msg("dropping packet")
	}
}

// learn runs once per session. A failed spawn is reported as a stream
// failure instead of retried on the next packet.
func (b *streamBridge) learn(pt uint8, ssrc uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.learned {
		return
	}
	b.learned = true
	b.pt = pt
	b.ssrc = ssrc
	b.logger.Info().Uint8("pt", pt).Uint32("ssrc", ssrc).Int("in_port", b.inPort).Msg("first packet learned")

	body, err := b.cfg.descriptor(loopbackIP, b.inPort, pt)
	if err != nil {
		b.failLocked(fmt.Errorf("render descriptor: %w", err))
		return
	}
	name := fmt.Sprintf("camera-%s.sdp", b.cfg.cameraID)
	if b.cfg.stream == StreamAudio {
		name = fmt.Sprintf("camera-audio-%s.sdp", b.cfg.cameraID)
	}
	path, err := sdpfile.WriteFile(b.cfg.tempDir, name, body)
	if err != nil {
		b.failLocked(fmt.Errorf("write descriptor: %w", err))
		return
	}
	b.sdpPath = path

	args := transcodeArgs(path, b.cfg.encode, b.cfg.target.PayloadType, b.cfg.target.SSRC, b.cfg.routerPort)
	proc, err := b.cfg.spawner.Spawn(context.Background(), supervisor.Spec{Name: "ingest-" + b.cfg.stream, Args: args})
	if err != nil {
		b.failLocked(fmt.Errorf("spawn transcoder: %w", err))
		return
	}
	b.proc = proc
	metrics.TranscoderSpawns.WithLabelValues(b.cfg.stream).Inc()
	b.logger.Info().Str("sdp", path).Int("pid", proc.Pid()).Int("router_port", b.cfg.routerPort).Msg("transcoder started")

	go b.watch(proc)
}

func (b *streamBridge) watch(proc supervisor.Handle) {
	select {
	case <-proc.Done():
	case <-b.stopCh:
		return
	}
	if proc.Killed() {
		return
	}
	metrics.TranscoderExits.WithLabelValues(b.cfg.stream).Inc()
	err := proc.ExitErr()
	if err == nil {
		err = errors.New("transcoder exited")
	}
	b.logger.Warn().Err(err).Msg("transcoder exited unexpectedly")
	if b.cfg.onFailure != nil {
		b.cfg.onFailure(b.cfg.stream, err)
	}
}

func (b *streamBridge) failLocked(err error) {
	b.logger.Error().Err(err).Msg("stream bridge failed")
	if b.cfg.onFailure != nil {
		go b.cfg.onFailure(b.cfg.stream, err)
	}
}

func (b *streamBridge) logDiag() {
	b.mu.Lock()
	learned, pt, ssrc := b.learned, b.pt, b.ssrc
	b.mu.Unlock()
	if !learned {
		return
	}
	b.logger.Info().
		Uint64("bytes_in", b.bytes.Load()).
		Uint64("packets", b.packets.Load()).
		Uint64("dropped", b.dropped.Load()).
		Uint8("pt", pt).
		Uint32("ssrc", ssrc).
		Msg("forwarding")
}

// unsubscribe stops packet delivery and waits for the read loop to exit.
func (b *streamBridge) unsubscribe() {
	b.sub.Close()
	b.stopOnce.Do(func() { close(b.stopCh) })
	select {
	case <-b.loopDone:
	case <-time.After(unsubscribeTO):
		b.logger.Warn().Msg("read loop did not exit in time")
	}
}

// shutdown kills the transcoder, closes the forwarder and forgets what
// was learned.
func (b *streamBridge) shutdown() {
	b.stopOnce.Do(func() { close(b.stopCh) })

	b.mu.Lock()
	proc := b.proc
	path := b.sdpPath
	b.proc = nil
	b.sdpPath = ""
	b.learned = false
	b.pt = 0
	b.ssrc = 0
	b.mu.Unlock()

	if proc != nil {
		proc.Kill()
	}
	if err := b.conn.Close(); err != nil {
		b.logger.Debug().Err(err).Msg("close forwarder")
	}
	if err := sdpfile.Remove(path); err != nil {
		b.logger.Warn().Err(err).Str("sdp", path).Msg("remove descriptor")
	}
	b.logger.Info().
		Uint64("packets", b.packets.Load()).
		Uint64("bytes", b.bytes.Load()).
		Uint64("dropped", b.dropped.Load()).
		Msg("stream bridge stopped")
}

// StreamStatus is a snapshot of one learning bridge.
type StreamStatus struct {
	Stream      string `json:"stream"`
	Learned     bool   `json:"learned"`
	PayloadType uint8  `json:"payloadType,omitempty"`
	SSRC        uint32 `json:"ssrc,omitempty"`
	Packets     uint64 `json:"packets"`
	Bytes       uint64 `json:"bytes"`
	Dropped     uint64 `json:"dropped"`
	Transcoding bool   `json:"transcoding"`
}

func (b *streamBridge) status() StreamStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return StreamStatus{
		Stream:      b.cfg.stream,
		Learned:     b.learned,
		PayloadType: b.pt,
		SSRC:        b.ssrc,
		Packets:     b.packets.Load(),
		Bytes:       b.bytes.Load(),
		Dropped:     b.dropped.Load(),
		Transcoding: b.proc != nil,
	}
}

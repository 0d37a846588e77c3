package camera

import (
	"context"
	"errors"
	"sync"

	"github.com/dkeye/camrelay/internal/app/ingest"
	"github.com/dkeye/camrelay/internal/config"
	"github.com/dkeye/camrelay/internal/core"
	"github.com/dkeye/camrelay/internal/metrics"
	"github.com/dkeye/camrelay/internal/supervisor"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrPipeRunning = errors.New("pipe already started")
	ErrPipeExited  = errors.New("pipe exited")
)

const pipeStream = "rtsp"

// rtspPipe pulls an RTSP stream through ffmpeg straight into the router.
type rtspPipe struct {
	device  config.CameraDevice
	spawner supervisor.Spawner
	opts    core.SessionOptions
	logger  zerolog.Logger

	mu   sync.Mutex
	proc supervisor.Handle
	err  error

	exitOnce sync.Once
	exited   chan struct{}
}

var _ core.ManagedPipe = (*rtspPipe)(nil)

func newRTSPPipe(d config.CameraDevice, spawner supervisor.Spawner, opts core.SessionOptions) *rtspPipe {
	return &rtspPipe{
		device:  d,
		spawner: spawner,
		opts:    opts,
		logger:  log.With().Str("module", "camera").Str("camera", d.ID).Str("stream", pipeStream).Logger(),
		exited:  make(chan struct{}),
	}
}

func (p *rtspPipe) args() []string {
	args := []string{
		"-loglevel", "info",
		"-rtsp_transport", "tcp",
		"-fflags", "nobuffer",
		"-flags", "low_delay",
		"-i", p.device.RTSPURL,
	}
	args = append(args, p.opts.VideoArgs...)
	return append(args, ingest.OutputArgs(p.opts.Video.PayloadType, p.opts.Video.SSRC, p.opts.Video.Port)...)
}

func (p *rtspPipe) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.proc != nil {
		return ErrPipeRunning
	}
	proc, err := p.spawner.Spawn(ctx, supervisor.Spec{Name: "pipe-" + p.device.ID, Args: p.args()})
	if err != nil {
		return err
	}
	p.proc = proc
	metrics.TranscoderSpawns.WithLabelValues(pipeStream).Inc()
	go p.watch(proc)
	p.logger.Info().Int("pid", proc.Pid()).Int("router_port", p.opts.Video.Port).Msg("pipe started")
	return nil
}

func (p *rtspPipe) watch(proc supervisor.Handle) {
	<-proc.Done()
	if proc.Killed() {
		return
	}
	metrics.TranscoderExits.WithLabelValues(pipeStream).Inc()
	err := proc.ExitErr()
	if err == nil {
		err = ErrPipeExited
	}
	p.logger.Warn().Err(err).Msg("pipe exited unexpectedly")
	p.exitOnce.Do(func() {
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.exited)
	})
}

func (p *rtspPipe) Exited() <-chan struct{} { return p.exited }

func (p *rtspPipe) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *rtspPipe) Stop() {
	p.mu.Lock()
	proc := p.proc
	p.proc = nil
	p.mu.Unlock()
	if proc != nil {
		proc.Kill()
		p.logger.Info().Msg("pipe stopped")
	}
}

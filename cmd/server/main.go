package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/camrelay/internal/adapters/camera"
	router "github.com/dkeye/camrelay/internal/adapters/http"
	"github.com/dkeye/camrelay/internal/adapters/rtc"
	sig "github.com/dkeye/camrelay/internal/adapters/signal"
	"github.com/dkeye/camrelay/internal/app"
	"github.com/dkeye/camrelay/internal/app/ingest"
	"github.com/dkeye/camrelay/internal/app/talk"
	"github.com/dkeye/camrelay/internal/config"
	"github.com/dkeye/camrelay/internal/metrics"
	"github.com/dkeye/camrelay/internal/supervisor"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Logger first so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && cfg.LogLevel != "" {
		zerolog.SetGlobalLevel(lvl)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(reg)

	mediaRouter, err := rtc.NewRouter(rtc.Options{
		ListenIP:    cfg.Media.ListenIP,
		AnnouncedIP: cfg.Media.AnnouncedIP,
		MinPort:     cfg.Media.RTCMinPort,
		MaxPort:     cfg.Media.RTCMaxPort,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create media router")
	}

	sup := supervisor.New(cfg.Ingest.FFmpegPath, cfg.Ingest.KillGrace)
	cameras, err := camera.New(cfg.Cameras, sup, cfg.Camera.RefreshToken)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create camera client")
	}

	peers := app.NewRegistry()
	producers := app.NewProducers(peers)

	ingestOrch := ingest.New(mediaRouter, cameras, sup, producers, peers, ingest.Options{
		TempDir:     cfg.Ingest.TempDir,
		Video:       ingest.Target{PayloadType: cfg.Ingest.VideoPayloadType, SSRC: cfg.Ingest.VideoSSRC},
		Audio:       ingest.Target{PayloadType: cfg.Ingest.AudioPayloadType, SSRC: cfg.Ingest.AudioSSRC},
		SettleDelay: cfg.Ingest.SettleDelay,
	})
	talkBridge := talk.NewBridge(mediaRouter, ingestOrch, sup, peers, talk.Options{
		TempDir:     cfg.Ingest.TempDir,
		PayloadType: cfg.Talk.PayloadType,
		SSRC:        cfg.Talk.SSRC,
		Bitrate:     cfg.Talk.Bitrate,
	})
	ingestOrch.Talk = talkBridge

	signalCtl := sig.NewSignalWSController(mediaRouter, peers, producers, talkBridge)
	if cfg.ReadLimit > 0 {
		signalCtl.ReadLimit = cfg.ReadLimit
	}
	if cfg.PingPeriod > 0 {
		signalCtl.PingPeriod = cfg.PingPeriod
	}

	r := router.SetupRouter(ctx, cfg, router.Deps{
		Handlers: &router.Handlers{Cameras: cameras, Ingest: ingestOrch, Talk: talkBridge},
		Signal:   signalCtl,
		Metrics:  reg,
	})
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("camrelay server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	if err := ingestOrch.Stop(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("stop ingest")
	}
	if err := talkBridge.Stop(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("stop talk")
	}
	mediaRouter.Close()
	log.Info().Msg("Server exited gracefully")
}

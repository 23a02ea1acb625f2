package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/jdeisenh/hlsmon/pkg/hlsmon"
)

const shutdownTimeout = 10 * time.Second

func main() {

	logger := zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.TimeOnly,
	}).With().Timestamp().Logger()

	_ = godotenv.Load()

	listen := flag.String("listen", envOr("HLSMON_LISTEN", ":8080"), "socket:port to listen on (e.g. :8080)")
	debug := flag.Bool("debug", false, "set log level to debug")
	pollFloor := flag.Duration("pollfloor", 2*time.Second, "Minimum interval between manifest polls")
	probeWorkers := flag.Int("probeworkers", 3, "Parallel segment probes per session")
	manifestHistory := flag.Int("manifesthistory", hlsmon.DefaultManifestHistory, "Manifests kept per session")
	segmentHistory := flag.Int("segmenthistory", hlsmon.DefaultSegmentHistory, "Segments kept per session")
	segmentThreshold := flag.Duration("segmentthreshold", time.Second, "Segment download time alarm threshold")
	manifestThreshold := flag.Duration("manifestthreshold", 2*time.Second, "Manifest download time alarm threshold")

	flag.Parse()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	cfg := hlsmon.DefaultMonitorConfig()
	cfg.PollFloor = *pollFloor
	cfg.ProbeConcurrency = *probeWorkers
	cfg.ManifestHistory = *manifestHistory
	cfg.SegmentHistory = *segmentHistory
	cfg.Alarms.SegmentDownloadTime = *segmentThreshold
	cfg.Alarms.ManifestDownloadTime = *manifestThreshold

	fetcher := hlsmon.NewFetcher(logger)
	registry := hlsmon.NewRegistry(fetcher, cfg, logger)
	sock := hlsmon.NewSocketServer(registry, logger)
	api := hlsmon.NewAPI(registry)

	r := chi.NewRouter()
	r.Get("/ws", sock.Handler)
	r.Mount("/api", api.Routes())
	r.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: *listen, Handler: r}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Send()
		}
	}()
	logger.Info().Msgf("Starting server listening on %s", *listen)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("Shutdown signal received")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Shutdown")
		os.Exit(1)
	}
	logger.Info().Msg("Server stopped")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

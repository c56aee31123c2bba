package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"dvr-bridge/internal/download"
	"dvr-bridge/internal/manifest"
	"dvr-bridge/internal/orchestrator"
	"dvr-bridge/internal/platform/config"
	"dvr-bridge/internal/platform/files"
	"dvr-bridge/internal/platform/logger"
	"dvr-bridge/internal/platform/metrics"
	"dvr-bridge/internal/segment"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = config.Load()

	cfg, err := config.FromEnv()
	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	met := metrics.New()

	chunks, err := files.New(cfg.ChunksDir, cfg.ChunksBaseURL)
	if err != nil {
		log.Error("chunks directory unusable", "error", err)
		os.Exit(1)
	}
	webBase := strings.TrimRight(cfg.WebBaseURL, "/") + "/" + cfg.ServerID
	web, err := files.New(filepath.Join(cfg.WebDir, cfg.ServerID), webBase, "m3u8", "ts")
	if err != nil {
		log.Error("web directory unusable", "error", err)
		os.Exit(1)
	}

	pool, err := download.New(download.Options{
		Workers:       cfg.DownloadWorkers,
		Timeout:       cfg.DownloadTimeout,
		Client:        &http.Client{},
		Log:           log,
		QueueObserver: met.SetDownloadQueueDepth,
	})
	if err != nil {
		log.Error("download pool", "error", err)
		os.Exit(1)
	}
	segments := segment.NewStore(pool, chunks, cfg.SweepInterval, log, met)
	parser := manifest.NewHTTPParser(&http.Client{}, cfg.ManifestFetchTimeout, cfg.ManifestRequestsPerSec, log)

	mgr := orchestrator.NewManager(orchestrator.Deps{
		Parser:                  parser,
		Segments:                segments,
		Outputs:                 web,
		PollInterval:            cfg.PlaylistUpdateInterval,
		StallGrace:              cfg.StallGrace,
		InactivityTimeout:       cfg.InactivityTimeout,
		InactivityCheckInterval: cfg.InactivityCheckInterval,
		Log:                     log,
		Metrics:                 met,
	})
	h := orchestrator.NewHandler(mgr, log)

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() {
			met.SetActiveStreams(mgr.Len())
			met.SetSegmentFilesTracked(segments.Len())
			met.SetDownloadQueueDepth(pool.QueueDepth())
			met.SetDownloadWorkersBusy(pool.Busy())
		}).ServeHTTP(w, r)
	})
	r.Group(func(r chi.Router) {
		if cfg.APIRateLimitPerMinute > 0 {
			r.Use(httprate.LimitByIP(cfg.APIRateLimitPerMinute, time.Minute))
		}
		r.Use(orchestrator.SecretAuth(cfg.AuthSecret))
		r.Post("/dvrBridgeService", h.Control)
	})
	if cfg.ServeFiles {
		serveDir(r, log, cfg.WebBaseURL, cfg.WebDir)
		serveDir(r, log, cfg.ChunksBaseURL, cfg.ChunksDir)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{Addr: addr, Handler: r}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown signal received, draining connections")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)

		if err := mgr.Close(); err != nil {
			log.Warn("removing captures", "error", err)
		}
		segments.Close()
		if err := pool.Close(shutdownTimeout); err != nil {
			log.Warn("download pool did not drain", "error", err)
		}
		return err
	})

	log.Info("server starting",
		"port", cfg.Port,
		"server_id", cfg.ServerID,
		"download_workers", cfg.DownloadWorkers,
		"playlist_update_interval", cfg.PlaylistUpdateInterval.String(),
		"log_level", cfg.LogLevel,
	)

	if err := g.Wait(); err != nil {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
	log.Info("server stopped")
}

// serveDir mounts dir at the path component of baseURL.
func serveDir(r chi.Router, log *slog.Logger, baseURL, dir string) {
	u, err := url.Parse(baseURL)
	if err != nil {
		log.Warn("not serving files, bad base url", "base_url", baseURL, "error", err)
		return
	}
	prefix := strings.TrimRight(u.Path, "/") + "/"
	r.Handle(prefix+"*", http.StripPrefix(prefix, http.FileServer(http.Dir(dir))))
	log.Info("serving files", "prefix", prefix, "dir", dir)
}

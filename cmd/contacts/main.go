package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/okian/contacts/internal/adapters/http/api"
	"github.com/okian/contacts/internal/adapters/http/site"
	"github.com/okian/contacts/internal/adapters/http/swagger"
	"github.com/okian/contacts/internal/adapters/repository"
	"github.com/okian/contacts/internal/adapters/uploads"
	app "github.com/okian/contacts/internal/app"
	"github.com/okian/contacts/internal/config"
	"github.com/okian/contacts/pkg/logger"
	"github.com/okian/contacts/pkg/metrics"
)

// HTTP server timeout constants.
const (
	readTimeout               = 30 * time.Second
	writeTimeout              = 30 * time.Second
	idleTimeout               = 60 * time.Second
	readHeaderTimeout         = 5 * time.Second
	shutdownTimeout           = 30 * time.Second
	nanosecondsPerMillisecond = 1e6
)

func main() {
	os.Exit(run())
}

func run() int {
	// The service exposes its own registry; keep the default one quiet.
	prometheus.Unregister(collectors.NewGoCollector())
	prometheus.Unregister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	if err := logger.Init(); err != nil {
		os.Stderr.WriteString("failed to initialize logging: " + err.Error() + "\n")
		return 1
	}
	defer func() { _ = logger.Sync() }()

	log := logger.Get()

	// Root context with cancel on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Load configuration (defaults -> optional file -> env)
	cfg, err := config.Load(ctx)
	if err != nil {
		log.Error(ctx, "failed to load config", logger.Error(err))
		return 1
	}

	if err := logger.SetLevelString(cfg.LogLevel); err != nil {
		log.Warn(ctx, "invalid log_level; falling back to info", logger.String("log_level", cfg.LogLevel), logger.Error(err))
		_ = logger.SetLevelString("info")
	}

	mopts, err := metricsOptions(cfg)
	if err != nil {
		log.Error(ctx, "invalid metrics settings", logger.Error(err))
		return 1
	}
	mm := metrics.Configure(mopts...)

	policy, err := api.ParseStatusPolicy(cfg.StatusCodes)
	if err != nil {
		log.Error(ctx, "invalid status_codes", logger.Error(err))
		return 1
	}

	store, err := repository.Open(ctx, cfg)
	if err != nil {
		log.Error(ctx, "failed to open store", logger.String("driver", cfg.StoreDriver), logger.Error(err))
		return 1
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := store.Close(closeCtx); err != nil {
			log.Error(closeCtx, "store close failed", logger.Error(err))
		}
	}()

	disk, err := uploads.NewDisk(cfg.UploadDir, cfg.MaxUploadBytes)
	if err != nil {
		log.Error(ctx, "failed to prepare upload dir", logger.String("dir", cfg.UploadDir), logger.Error(err))
		return 1
	}

	svc := app.New(
		app.WithLogger(log),
		app.WithStore(store),
		app.WithUploads(disk),
		app.WithJanitorWorkers(cfg.JanitorWorkers),
		app.WithQueueSize(cfg.JanitorQueueSize),
	)
	if err := svc.Start(ctx); err != nil {
		log.Error(ctx, "failed to start service", logger.Error(err))
		return 1
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		svc.Stop(stopCtx)
	}()

	go startSystemMetricsUpdater(ctx, mm.RefreshInterval())

	srv := &http.Server{
		Addr: cfg.Addr,
		Handler: newRouter(ctx, svc, disk, api.Settings{
			AdminUser:      cfg.AdminUser,
			AdminPassword:  cfg.AdminPassword,
			Realm:          cfg.AuthRealm,
			MaxUploadBytes: cfg.MaxUploadBytes,
			Policy:         policy,
		}),
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info(ctx, "starting HTTP server",
			logger.String("addr", cfg.Addr),
			logger.String("store", cfg.StoreDriver),
			logger.String("status_codes", policy.String()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	exit := 0
	select {
	case <-ctx.Done():
	case err, ok := <-serveErr:
		if ok {
			log.Error(ctx, "HTTP server failed", logger.Error(err))
			exit = 1
		}
	}
	log.Info(ctx, "shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error(shutdownCtx, "server shutdown failed", logger.Error(err))
	}

	log.Info(shutdownCtx, "server stopped")
	return exit
}

// service is what the HTTP layer needs from the contact service.
type service interface {
	api.Dependencies
	api.StatsProvider
}

// newRouter mounts the landing page, the API docs and the contacts API.
func newRouter(ctx context.Context, svc service, avatars api.AvatarOpener, settings api.Settings) chi.Router {
	r := api.NewRouter()
	site.Register(ctx, r)
	swagger.Register(ctx, r)
	api.NewServer(svc, svc, avatars, settings).Register(ctx, r)
	return r
}

// metricsOptions maps the metrics_* settings onto manager options.
func metricsOptions(cfg *config.Config) ([]metrics.Option, error) {
	labels, err := cfg.MetricsLabelMap()
	if err != nil {
		return nil, err
	}
	buckets, err := cfg.MetricsBucketList()
	if err != nil {
		return nil, err
	}
	return []metrics.Option{
		metrics.WithMetricsEnabled(cfg.MetricsEnabled),
		metrics.WithNamespace(cfg.MetricsNamespace),
		metrics.WithSubsystem(cfg.MetricsSubsystem),
		metrics.WithCustomLabels(labels),
		metrics.WithHistogramBuckets(buckets),
		metrics.WithRefreshInterval(cfg.MetricsRefresh),
	}, nil
}

// startSystemMetricsUpdater refreshes runtime gauges every interval until ctx is done.
func startSystemMetricsUpdater(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateSystemMetrics()
		}
	}
}

// updateSystemMetrics updates system-level metrics.
func updateSystemMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	metrics.UpdateSystemMemoryUsage(m.Alloc)
	metrics.UpdateSystemGoroutineCount(runtime.NumGoroutine())

	if m.NumGC > 0 {
		avgPauseMs := float64(m.PauseTotalNs) / float64(m.NumGC) / nanosecondsPerMillisecond
		metrics.RecordSystemGCPauseTime(avgPauseMs)
	}
}

// Package server assembles the audit service from its configuration: store,
// blob archive, publisher, crawler, check executor, orchestrator, and the
// HTTP API.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/agencykit/siteaudit/internal/api"
	"github.com/agencykit/siteaudit/internal/audit"
	"github.com/agencykit/siteaudit/internal/checks"
	"github.com/agencykit/siteaudit/internal/clock/system"
	"github.com/agencykit/siteaudit/internal/config"
	"github.com/agencykit/siteaudit/internal/crawler"
	collyfetcher "github.com/agencykit/siteaudit/internal/fetcher/colly"
	headlessfetcher "github.com/agencykit/siteaudit/internal/fetcher/headless"
	"github.com/agencykit/siteaudit/internal/hash/sha256"
	"github.com/agencykit/siteaudit/internal/id/uuid"
	"github.com/agencykit/siteaudit/internal/logging"
	"github.com/agencykit/siteaudit/internal/metrics"
	"github.com/agencykit/siteaudit/internal/orchestrator"
	"github.com/agencykit/siteaudit/internal/progress"
	progresssinks "github.com/agencykit/siteaudit/internal/progress/sinks"
	memorypublisher "github.com/agencykit/siteaudit/internal/publisher/memory"
	gcppublisher "github.com/agencykit/siteaudit/internal/publisher/pubsub"
	gcsstorage "github.com/agencykit/siteaudit/internal/storage/gcs"
	localstorage "github.com/agencykit/siteaudit/internal/storage/local"
	memorystorage "github.com/agencykit/siteaudit/internal/storage/memory"
	memorystore "github.com/agencykit/siteaudit/internal/store/memory"
	pgstore "github.com/agencykit/siteaudit/internal/store/postgres"
	"github.com/agencykit/siteaudit/internal/telemetry"
)

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	apiServer   *api.Server
	runner      *orchestrator.Runner
	progressHub *progress.Hub

	pubsubClient  *pubsub.Client
	storageClient *storage.Client
	pgStore       *pgstore.Store
	headless      *headlessfetcher.Fetcher
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()
	telemetry.SetupPropagation()

	app := &App{cfg: cfg, logger: logger}
	logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.String("db_backend", cfg.DB.Backend),
	)

	store, err := app.setupStore(ctx)
	if err != nil {
		return nil, err
	}
	blobs, err := app.setupBlobStore(ctx)
	if err != nil {
		return nil, err
	}
	publisher, err := app.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}
	emitter := app.setupProgress()

	crawl := app.setupCrawler()
	executor := checks.NewExecutor(
		checks.NewRegistry(),
		&http.Client{Timeout: cfg.HTTPTimeout()},
		system.New(),
		logger.Named("checks"),
		cfg.Orchestrator.CheckConcurrency,
	)

	orch := orchestrator.New(
		store,
		blobs,
		publisher,
		crawl,
		executor,
		sha256.New(),
		system.New(),
		emitter,
		logger.Named("orchestrator"),
		orchestrator.Config{
			BatchBudget: cfg.BatchBudget(),
			EventTopic:  cfg.Orchestrator.EventTopic,
		},
	)
	app.runner = orchestrator.NewRunner(orch, logger.Named("runner"))

	app.apiServer = api.NewServer(
		store,
		app.runner,
		uuid.New(),
		system.New(),
		cfg,
		logger.Named("api"),
	)
	return app, nil
}

func (a *App) setupStore(ctx context.Context) (audit.Store, error) {
	if a.cfg.DB.Backend == config.BackendPostgres {
		store, err := pgstore.NewStore(ctx, pgstore.Config{
			DSN:      a.cfg.DB.DSN,
			MaxConns: int32(a.cfg.DB.MaxConns),
			MinConns: int32(a.cfg.DB.MinConns),
		})
		if err != nil {
			return nil, fmt.Errorf("postgres store init failed: %w", err)
		}
		a.pgStore = store
		a.logger.Info("using postgres audit store")
		return store, nil
	}
	a.logger.Info("using in-memory audit store")
	return memorystore.NewStore(), nil
}

func (a *App) setupBlobStore(ctx context.Context) (audit.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case config.BackendGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.storageClient = client
		blobs, err := gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Storage.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("using GCS page archive", zap.String("bucket", a.cfg.Storage.GCSBucket))
		return blobs, nil
	case config.BackendLocal:
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local page archive", zap.String("dir", a.cfg.Storage.LocalDir))
		return blobs, nil
	default:
		a.logger.Info("using in-memory page archive")
		return memorystorage.NewBlobStore(), nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (audit.Publisher, error) {
	if !a.cfg.PubSub.Enabled {
		a.logger.Info("pubsub disabled, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubClient = client
	a.logger.Info("pubsub publisher initialized", zap.String("project", a.cfg.PubSub.ProjectID))
	return gcppublisher.New(client), nil
}

func (a *App) setupProgress() progress.Emitter {
	logSink := progresssinks.NewLogSink(a.logger.Named("progress"))
	sinks := []progress.Sink{logSink}
	promSink, err := progresssinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		a.logger.Warn("prometheus progress sink init failed", zap.Error(err))
	} else {
		sinks = append(sinks, promSink)
	}
	a.progressHub = progress.NewHub(progress.Config{Logger: a.logger.Named("progress_hub")}, sinks...)
	return a.progressHub
}

func (a *App) setupCrawler() *crawler.Crawler {
	probe := collyfetcher.New(collyfetcher.Config{
		UserAgent: a.cfg.Crawler.UserAgent,
		Timeout:   a.cfg.HTTPTimeout(),
	})
	var headless audit.Fetcher
	var detector audit.RenderDetector
	if a.cfg.Headless.Enabled {
		fetcher, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			UserAgent:         a.cfg.Crawler.UserAgent,
			NavigationTimeout: time.Duration(a.cfg.Headless.NavTimeoutSec) * time.Second,
		})
		if err != nil {
			a.logger.Warn("headless fetcher init failed, rendering disabled", zap.Error(err))
		} else {
			a.headless = fetcher
			headless = fetcher
			detector = headlessfetcher.NewDetector(0)
			a.logger.Info("headless render promotion enabled")
		}
	}
	return crawler.New(
		probe,
		headless,
		detector,
		system.New(),
		crawler.Config{
			Concurrency: a.cfg.Crawler.Concurrency,
			MaxDepth:    a.cfg.Crawler.MaxDepth,
		},
		a.logger.Named("crawler"),
	)
}

// Run starts the HTTP server and blocks until the context is canceled or a
// termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	timeout := time.Duration(a.cfg.Server.ShutdownTimeout) * time.Second
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	return a.Close(shutdownCtx)
}

// Close gracefully shuts down background work and infrastructure clients.
func (a *App) Close(ctx context.Context) error {
	if a.runner != nil {
		if err := a.runner.Shutdown(ctx); err != nil {
			a.logger.Warn("batch runner shutdown incomplete", zap.Error(err))
		}
	}
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.headless != nil {
		a.headless.Close()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storageClient != nil {
		if err := a.storageClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
	a.logger.Info("shutdown complete")
	_ = a.logger.Sync()
	return nil
}

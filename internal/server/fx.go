// Package server builds the gateway and worker processes from configuration.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitecapture/internal/api"
	"github.com/JakeFAU/sitecapture/internal/autoscale"
	automem "github.com/JakeFAU/sitecapture/internal/autoscale/memory"
	"github.com/JakeFAU/sitecapture/internal/autoscale/process"
	"github.com/JakeFAU/sitecapture/internal/clock/system"
	"github.com/JakeFAU/sitecapture/internal/config"
	"github.com/JakeFAU/sitecapture/internal/gateway"
	"github.com/JakeFAU/sitecapture/internal/id/uuid"
	"github.com/JakeFAU/sitecapture/internal/job"
	"github.com/JakeFAU/sitecapture/internal/logging"
	"github.com/JakeFAU/sitecapture/internal/objectstore"
	gcsstore "github.com/JakeFAU/sitecapture/internal/objectstore/gcs"
	localstore "github.com/JakeFAU/sitecapture/internal/objectstore/local"
	memstore "github.com/JakeFAU/sitecapture/internal/objectstore/memory"
	"github.com/JakeFAU/sitecapture/internal/objectstore/signed"
	gcppublisher "github.com/JakeFAU/sitecapture/internal/publisher/pubsub"
	"github.com/JakeFAU/sitecapture/internal/queue"
	queuememory "github.com/JakeFAU/sitecapture/internal/queue/memory"
	"github.com/JakeFAU/sitecapture/internal/queue/postgres"
	"github.com/JakeFAU/sitecapture/internal/telemetry"
)

// App contains the gateway's dependencies.
type App struct {
	cfg             *config.Config
	logger          *zap.Logger
	apiServer       *api.Server
	gateway         *gateway.Gateway
	queue           queue.Service
	processPool     *process.Pool
	pubsubClient    *pubsub.Client
	pubsubPublisher *pubsub.Publisher
	storage         *storage.Client
	tracerShutdown  telemetry.Shutdown
}

// artifacts groups what the storage backend provides to the gateway.
type artifacts struct {
	signer   objectstore.Signer
	reader   objectstore.Reader
	verifier *signed.Signer
	// bucket is what workers receive as their storage bucket.
	bucket string
}

// Handler exposes the HTTP surface, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run serves HTTP until ctx is canceled or SIGINT/SIGTERM arrives.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	return a.Close(shutdownCtx)
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	if a.processPool != nil {
		if err := a.processPool.Close(ctx); err != nil {
			a.logger.Warn("worker pool close failed", zap.Error(err))
		}
	}
	if a.queue != nil {
		if err := a.queue.Close(); err != nil {
			a.logger.Warn("queue close failed", zap.Error(err))
		}
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	a.logger.Info("shutdown complete")
	_ = a.logger.Sync()
	return nil
}

// Build creates the gateway's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.OutputPaths...)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return build(ctx, cfg, logger)
}

func build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (app *App, err error) {
	app = &App{cfg: cfg, logger: logger}
	logger.Info("building application dependencies",
		zap.String("region", cfg.Region),
		zap.String("queue_backend", cfg.Queue.Backend),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.String("autoscale_backend", cfg.Autoscale.Backend),
	)
	defer func() {
		if err != nil {
			_ = app.Close(context.WithoutCancel(ctx))
		}
	}()

	app.tracerShutdown, err = telemetry.Init(ctx, telemetry.Config{
		ServiceName: cfg.Application.ServiceName,
		Version:     cfg.Application.Version,
		Region:      cfg.Region,
		ProjectID:   cfg.Application.TraceProjectID,
	})
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}

	clock := system.New()
	ids := uuid.New()

	if err = setupQueue(ctx, app, ids, clock); err != nil {
		return nil, err
	}
	store, err := setupStorage(ctx, app, clock)
	if err != nil {
		return nil, err
	}
	pool, err := setupPool(app, store.bucket)
	if err != nil {
		return nil, err
	}
	publisher, topic, err := setupPublisher(ctx, app)
	if err != nil {
		return nil, err
	}

	app.gateway, err = gateway.New(gateway.Config{
		Region:         cfg.Region,
		DepthThreshold: cfg.Queue.DepthThreshold,
		CapabilityTTL:  cfg.Storage.CapabilityTTL,
		Topic:          topic,
	}, app.queue, pool, store.signer, publisher, clock, logger)
	if err != nil {
		return nil, fmt.Errorf("gateway init failed: %w", err)
	}

	apiKey := ""
	if cfg.Auth.Enabled {
		apiKey = cfg.Auth.APIKey
	}
	app.apiServer = api.NewServer(app.gateway, api.Options{
		APIKey:    apiKey,
		Artifacts: store.reader,
		Verifier:  store.verifier,
	}, logger.Named("api"))

	if app.processPool != nil {
		if err = app.processPool.Start(); err != nil {
			return nil, fmt.Errorf("worker pool start failed: %w", err)
		}
	}
	return app, nil
}

func setupQueue(ctx context.Context, app *App, ids job.IDGenerator, clock job.Clock) error {
	switch app.cfg.Queue.Backend {
	case config.QueuePostgres:
		q, err := postgres.New(ctx, postgres.Config{
			DSN:             app.cfg.Queue.DSN,
			Table:           app.cfg.Queue.Table,
			Lease:           job.LeaseDuration,
			MaxConns:        app.cfg.Queue.MaxConns,
			MaxConnLifetime: app.cfg.Queue.MaxConnLifetime,
		}, ids)
		if err != nil {
			return fmt.Errorf("queue init failed: %w", err)
		}
		app.queue = q
		if err := q.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("queue schema failed: %w", err)
		}
		app.logger.Info("using postgres queue", zap.String("table", app.cfg.Queue.Table))
	default:
		app.logger.Warn("using in-memory queue; jobs are lost on restart and invisible to worker processes")
		app.queue = queuememory.NewQueue(job.LeaseDuration, ids, clock)
	}
	return nil
}

func setupStorage(ctx context.Context, app *App, clock job.Clock) (artifacts, error) {
	cfg := app.cfg
	switch cfg.Storage.Backend {
	case config.StorageGCS:
		var privateKey []byte
		if cfg.Storage.PrivateKeyFile != "" {
			key, err := os.ReadFile(cfg.Storage.PrivateKeyFile)
			if err != nil {
				return artifacts{}, fmt.Errorf("read signing key: %w", err)
			}
			privateKey = key
		}
		var err error
		app.storage, err = storage.NewClient(ctx)
		if err != nil {
			return artifacts{}, fmt.Errorf("gcs client init failed: %w", err)
		}
		store, err := gcsstore.New(app.storage, gcsstore.Config{
			Bucket:         cfg.Storage.Bucket,
			GoogleAccessID: cfg.Storage.GoogleAccessID,
			PrivateKey:     privateKey,
		})
		if err != nil {
			return artifacts{}, fmt.Errorf("gcs store init failed: %w", err)
		}
		app.logger.Info("using GCS storage backend", zap.String("bucket", cfg.Storage.Bucket))
		return artifacts{signer: store, bucket: cfg.Storage.Bucket}, nil
	}

	verifier, err := signed.New(cfg.Server.PublicURL, []byte(cfg.Storage.SigningSecret), clock.Now)
	if err != nil {
		return artifacts{}, fmt.Errorf("capability signer init failed: %w", err)
	}
	if cfg.Storage.Backend == config.StorageLocal {
		dir, err := filepath.Abs(cfg.Storage.LocalDir)
		if err != nil {
			return artifacts{}, fmt.Errorf("resolve local dir: %w", err)
		}
		store, err := localstore.New(localstore.Config{BaseDir: dir})
		if err != nil {
			return artifacts{}, fmt.Errorf("local store init failed: %w", err)
		}
		app.logger.Info("using local storage backend", zap.String("path", dir))
		return artifacts{signer: verifier, reader: store, verifier: verifier, bucket: config.LocalBucketScheme + dir}, nil
	}
	app.logger.Info("using in-memory storage backend")
	return artifacts{signer: verifier, reader: memstore.New(), verifier: verifier}, nil
}

func setupPool(app *App, bucket string) (autoscale.Pool, error) {
	cfg := app.cfg
	if cfg.Autoscale.Backend != config.AutoscaleProcess {
		app.logger.Info("using in-memory autoscaler; scale-ups are recorded only")
		pool, err := automem.New(cfg.Autoscale.Min, cfg.Autoscale.Max)
		if err != nil {
			return nil, fmt.Errorf("autoscaler init failed: %w", err)
		}
		return pool, nil
	}

	command := cfg.Autoscale.WorkerCommand
	if command == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve worker command: %w", err)
		}
		command = exe
	}
	env := []string{
		config.EnvQueueEndpoint + "=" + cfg.Queue.DSN,
		config.EnvStorageBucket + "=" + bucket,
		config.EnvRegion + "=" + cfg.Region,
	}
	pool, err := process.New(process.Config{
		Command: command,
		Args:    cfg.Autoscale.WorkerArgs,
		Env:     env,
		Min:     cfg.Autoscale.Min,
		Max:     cfg.Autoscale.Max,
	}, app.logger)
	if err != nil {
		return nil, fmt.Errorf("worker pool init failed: %w", err)
	}
	app.processPool = pool
	app.logger.Info("using local worker process pool",
		zap.String("command", command),
		zap.Int("min", cfg.Autoscale.Min),
		zap.Int("max", cfg.Autoscale.Max),
	)
	return pool, nil
}

func setupPublisher(ctx context.Context, app *App) (job.Publisher, string, error) {
	if app.cfg.PubSub.TopicName == "" || app.cfg.PubSub.ProjectID == "" {
		app.logger.Warn("No Pub/Sub topic configured, submission events are not published")
		return nil, "", nil
	}
	var err error
	app.pubsubClient, err = pubsub.NewClient(ctx, app.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, "", fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.pubsubPublisher = app.pubsubClient.Publisher(app.cfg.PubSub.TopicName)
	app.logger.Info(
		"Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.TopicName),
	)
	return gcppublisher.New(app.pubsubPublisher), gateway.SubmittedTopic, nil
}

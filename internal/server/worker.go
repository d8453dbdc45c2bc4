package server

import (
	"context"
	"fmt"
	"os"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitecapture/internal/archive"
	"github.com/JakeFAU/sitecapture/internal/autoscale"
	"github.com/JakeFAU/sitecapture/internal/autoscale/process"
	"github.com/JakeFAU/sitecapture/internal/capture"
	"github.com/JakeFAU/sitecapture/internal/config"
	"github.com/JakeFAU/sitecapture/internal/id/uuid"
	"github.com/JakeFAU/sitecapture/internal/interception"
	"github.com/JakeFAU/sitecapture/internal/job"
	"github.com/JakeFAU/sitecapture/internal/logging"
	"github.com/JakeFAU/sitecapture/internal/objectstore"
	gcsstore "github.com/JakeFAU/sitecapture/internal/objectstore/gcs"
	localstore "github.com/JakeFAU/sitecapture/internal/objectstore/local"
	"github.com/JakeFAU/sitecapture/internal/queue/postgres"
	"github.com/JakeFAU/sitecapture/internal/worker"
)

// WorkerProcess is one single-use worker and the clients it owns.
type WorkerProcess struct {
	Lifecycle *worker.Lifecycle
	Logger    *zap.Logger
	closers   []func() error
}

// Close releases the worker's clients.
func (w *WorkerProcess) Close() {
	for i := len(w.closers) - 1; i >= 0; i-- {
		if err := w.closers[i](); err != nil {
			w.Logger.Warn("worker close failed", zap.Error(err))
		}
	}
}

// BuildWorker wires a worker from its environment. The terminator ends the instance at
// SHUTDOWN; pooled subprocesses pass process.Self because exiting is their termination.
func BuildWorker(ctx context.Context, cfg config.WorkerConfig, term autoscale.Terminator) (*WorkerProcess, error) {
	var extra []string
	if cfg.LogDestination != "" {
		extra = append(extra, cfg.LogDestination)
	}
	logger, err := logging.New(false, extra...)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	wp := &WorkerProcess{Logger: logger}
	fail := func(err error) (*WorkerProcess, error) {
		wp.Close()
		_ = logger.Sync()
		return nil, err
	}

	q, err := postgres.New(ctx, postgres.Config{
		DSN:      cfg.QueueEndpoint,
		Lease:    job.LeaseDuration,
		MaxConns: 1,
	}, uuid.New())
	if err != nil {
		return fail(fmt.Errorf("queue init failed: %w", err))
	}
	wp.closers = append(wp.closers, q.Close)

	store, err := workerStore(ctx, cfg, wp)
	if err != nil {
		return fail(err)
	}

	if term == nil {
		term = process.Self{}
	}
	lc, err := worker.New(worker.Config{
		InstanceID: instanceID(),
		Region:     cfg.Region,
	}, worker.Deps{
		Queue:      q,
		Store:      store,
		Probe:      interception.Detect(),
		Capture:    capture.New(logger),
		Packager:   archive.New(logger),
		Terminator: term,
		Logger:     logger,
	})
	if err != nil {
		return fail(fmt.Errorf("worker init failed: %w", err))
	}
	wp.Lifecycle = lc
	return wp, nil
}

func workerStore(ctx context.Context, cfg config.WorkerConfig, wp *WorkerProcess) (objectstore.Store, error) {
	if dir, ok := cfg.LocalDir(); ok {
		store, err := localstore.New(localstore.Config{BaseDir: dir})
		if err != nil {
			return nil, fmt.Errorf("local store init failed: %w", err)
		}
		return store, nil
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs client init failed: %w", err)
	}
	wp.closers = append(wp.closers, client.Close)
	store, err := gcsstore.New(client, gcsstore.Config{Bucket: cfg.StorageBucket})
	if err != nil {
		return nil, fmt.Errorf("gcs store init failed: %w", err)
	}
	return store, nil
}

func instanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

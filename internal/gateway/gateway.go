// Package gateway turns job requests into queued descriptors and retrieval capabilities.
// The gateway keeps no state of its own; concurrent submissions only share the queue.
package gateway

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitecapture/internal/autoscale"
	"github.com/JakeFAU/sitecapture/internal/job"
	"github.com/JakeFAU/sitecapture/internal/metrics"
	"github.com/JakeFAU/sitecapture/internal/objectstore"
	"github.com/JakeFAU/sitecapture/internal/queue"
)

// DefaultDepthThreshold is the visible queue depth above which submissions are refused.
const DefaultDepthThreshold = 10

// SubmittedTopic is the event name published for every accepted job.
const SubmittedTopic = "job.submitted"

var tracer = otel.Tracer("github.com/JakeFAU/sitecapture/internal/gateway")

// Submission outcomes recorded in metrics.
const (
	outcomeAccepted = "accepted"
	outcomeInvalid  = "invalid"
	outcomeCapacity = "capacity"
	outcomeError    = "error"
)

// CapacityError rejects a submission because the queue is too deep.
type CapacityError struct {
	Depth     int
	Threshold int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("queue too large (%d waiting, limit %d), try again later", e.Depth, e.Threshold)
}

// Config holds the gateway's fixed settings.
type Config struct {
	Region         string
	DepthThreshold int
	CapabilityTTL  time.Duration
	// Topic receives job.submitted events. Empty disables publishing.
	Topic string
}

// Gateway validates, admits and enqueues capture jobs.
type Gateway struct {
	cfg       Config
	queue     queue.Service
	pool      autoscale.Pool
	signer    objectstore.Signer
	publisher job.Publisher
	clock     job.Clock
	logger    *zap.Logger
}

// Submission is what an accepted job hands back to the caller.
type Submission struct {
	JobID      string
	Capability job.Capability
}

// SubmittedEvent is the payload published for an accepted job.
type SubmittedEvent struct {
	JobID     string    `json:"job_id"`
	Region    string    `json:"region"`
	Key       string    `json:"key"`
	URL       string    `json:"url"`
	Mode      job.Mode  `json:"mode"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Status is the queue-and-pool view returned to operators.
type Status struct {
	Queue queue.Stats          `json:"queue"`
	Pool  autoscale.PoolStatus `json:"pool"`
}

// New wires a gateway. publisher may be nil.
func New(
	cfg Config,
	q queue.Service,
	pool autoscale.Pool,
	signer objectstore.Signer,
	publisher job.Publisher,
	clock job.Clock,
	logger *zap.Logger,
) (*Gateway, error) {
	switch {
	case q == nil:
		return nil, fmt.Errorf("queue is required")
	case pool == nil:
		return nil, fmt.Errorf("autoscaler pool is required")
	case signer == nil:
		return nil, fmt.Errorf("capability signer is required")
	case clock == nil:
		return nil, fmt.Errorf("clock is required")
	case cfg.Region == "":
		return nil, fmt.Errorf("region is required")
	}
	if cfg.DepthThreshold <= 0 {
		cfg.DepthThreshold = DefaultDepthThreshold
	}
	if cfg.CapabilityTTL < job.MinCapabilityTTL {
		return nil, fmt.Errorf("capability ttl %s is shorter than the minimum %s", cfg.CapabilityTTL, job.MinCapabilityTTL)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		cfg:       cfg,
		queue:     q,
		pool:      pool,
		signer:    signer,
		publisher: publisher,
		clock:     clock,
		logger:    logger.Named("gateway"),
	}, nil
}

// Submit validates req, checks queue depth, enqueues, requests one more worker and mints
// the capability. The capability is only returned after the enqueue succeeded.
//
// Failures after the enqueue do not unwind it: a failed scale-up is logged and ignored
// because any later submission or the pool minimum will pick the job up, and a failed
// capability mint returns an error while the job stays queued.
func (g *Gateway) Submit(ctx context.Context, req job.Request) (sub Submission, err error) {
	ctx, span := tracer.Start(ctx, "gateway.Submit")
	span.SetAttributes(attribute.String("sitecapture.region", g.cfg.Region))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(attribute.String("sitecapture.job_id", sub.JobID))
		}
		span.End()
	}()

	res := job.Validate(req)
	if !res.OK() {
		metrics.ObserveSubmission(outcomeInvalid)
		g.logger.Info("submission rejected", zap.Strings("reasons", res.Reasons))
		return Submission{}, res.Err()
	}

	stats, err := g.queue.Stats(ctx)
	if err != nil {
		metrics.ObserveSubmission(outcomeError)
		return Submission{}, &job.TransientInfraError{Op: "read queue depth", Err: err}
	}
	metrics.SetQueueVisible(stats.Visible)
	if stats.Visible > g.cfg.DepthThreshold {
		metrics.ObserveSubmission(outcomeCapacity)
		g.logger.Warn("submission refused, queue too deep",
			zap.Int("visible", stats.Visible), zap.Int("threshold", g.cfg.DepthThreshold))
		return Submission{}, &CapacityError{Depth: stats.Visible, Threshold: g.cfg.DepthThreshold}
	}

	jobID, err := g.queue.Enqueue(ctx, res.Descriptor)
	if err != nil {
		metrics.ObserveSubmission(outcomeError)
		return Submission{}, &job.TransientInfraError{Op: "enqueue job", Err: err}
	}
	logger := g.logger.With(zap.String("job_id", jobID), zap.String("region", g.cfg.Region))

	if err := g.pool.AddCapacity(ctx); err != nil {
		logger.Error("scale-up request failed, job stays queued", zap.Error(err))
	}

	key := job.ObjectKey(jobID, g.cfg.Region)
	expires := g.clock.Now().Add(g.cfg.CapabilityTTL)
	url, err := g.signer.SignURL(ctx, key, expires)
	if err != nil {
		metrics.ObserveSubmission(outcomeError)
		logger.Error("capability mint failed after enqueue", zap.String("key", key), zap.Error(err))
		return Submission{}, &job.TransientInfraError{Op: "sign capability", Err: err}
	}

	sub = Submission{
		JobID:      jobID,
		Capability: job.Capability{URL: url, Key: key, ExpiresAt: expires},
	}
	g.publishSubmitted(ctx, logger, sub, res.Descriptor)
	metrics.ObserveSubmission(outcomeAccepted)
	logger.Info("job accepted", zap.String("key", key), zap.Time("expires_at", expires))
	return sub, nil
}

func (g *Gateway) publishSubmitted(ctx context.Context, logger *zap.Logger, sub Submission, d job.Descriptor) {
	if g.publisher == nil || g.cfg.Topic == "" {
		return
	}
	event := SubmittedEvent{
		JobID:     sub.JobID,
		Region:    g.cfg.Region,
		Key:       sub.Capability.Key,
		URL:       d.URL,
		Mode:      d.Mode,
		ExpiresAt: sub.Capability.ExpiresAt,
	}
	if _, err := g.publisher.Publish(ctx, g.cfg.Topic, event); err != nil {
		logger.Warn("publish submitted event failed", zap.Error(err))
	}
}

// Status reports queue counters and the pool snapshot.
func (g *Gateway) Status(ctx context.Context) (Status, error) {
	stats, err := g.queue.Stats(ctx)
	if err != nil {
		return Status{}, &job.TransientInfraError{Op: "read queue stats", Err: err}
	}
	pool, err := g.pool.Status(ctx)
	if err != nil {
		return Status{}, &job.TransientInfraError{Op: "read pool status", Err: err}
	}
	return Status{Queue: stats, Pool: pool}, nil
}

// UserAgents lists the selectable user-agent profiles.
func (g *Gateway) UserAgents() map[string]string {
	return job.Profiles()
}

// Region is the region this gateway mints keys for.
func (g *Gateway) Region() string {
	return g.cfg.Region
}

// Package worker runs the single-use worker lifecycle: check the interception proxy, claim
// at most one job, capture it, package it, upload it, acknowledge it, and terminate.
//
// The lifecycle is a state machine driven by the table in states.go. Every path ends in
// SHUTDOWN, and SHUTDOWN always flushes logs and terminates the instance.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitecapture/internal/archive"
	"github.com/JakeFAU/sitecapture/internal/autoscale"
	"github.com/JakeFAU/sitecapture/internal/capture"
	"github.com/JakeFAU/sitecapture/internal/hash/sha256"
	"github.com/JakeFAU/sitecapture/internal/job"
	"github.com/JakeFAU/sitecapture/internal/metrics"
	"github.com/JakeFAU/sitecapture/internal/objectstore"
	"github.com/JakeFAU/sitecapture/internal/queue"
)

// Compiled-in worker settings. The process environment only supplies the log destination,
// queue endpoint, bucket and region.
const (
	DefaultJobRoot   = "/website_download"
	DefaultClaimWait = time.Second
	terminateTimeout = 30 * time.Second
)

// Directories inside a run's directory under the job root. They become the top level of
// the archive.
const (
	DebugDir         = "debug"
	CapturedCertsDir = "debug/certificates"
	CertificatesDir  = "certificates"
	SavedDir         = "wget_saved"
	CaptureLogName   = "wget.log"
)

// Probe reports whether the interception proxy is running.
type Probe interface {
	Live(ctx context.Context) (bool, error)
}

// Capturer runs the download tool.
type Capturer interface {
	Run(ctx context.Context, d job.Descriptor, saveDir, logPath string) (capture.Result, error)
}

// Packager renders certificates and builds the archive.
type Packager interface {
	NormalizeCertificates(ctx context.Context, srcDir, dstDir string) (int, error)
	Package(ctx context.Context, root, stem, dest string) (archive.Stats, error)
}

// Config holds per-instance settings.
type Config struct {
	InstanceID     string
	Region         string
	JobRoot        string
	ArchiveDir     string
	ClaimWait      time.Duration
	CaptureTimeout time.Duration
}

// Deps are the collaborators a lifecycle drives.
type Deps struct {
	Queue      queue.Service
	Store      objectstore.Store
	Probe      Probe
	Capture    Capturer
	Packager   Packager
	Terminator autoscale.Terminator
	Logger     *zap.Logger
}

// Lifecycle executes one worker instance from BOOT to SHUTDOWN.
type Lifecycle struct {
	cfg  Config
	deps Deps
	log  *zap.Logger
}

// Report is what a finished run did.
type Report struct {
	Outcome  Outcome
	Last     State
	Path     []State
	JobID    string
	Key      string
	Uploaded bool
	// SHA256 is the hex digest of the uploaded archive.
	SHA256 string
	Acked  bool
	Err    error
}

// run carries per-run state between steps.
type run struct {
	report      Report
	delivery    *queue.Delivery
	descriptor  job.Descriptor
	root        string
	archiveDir  string
	archivePath string
	log         *zap.Logger
}

// New validates the configuration and returns a lifecycle.
func New(cfg Config, deps Deps) (*Lifecycle, error) {
	switch {
	case deps.Queue == nil:
		return nil, errors.New("queue is required")
	case deps.Store == nil:
		return nil, errors.New("object store is required")
	case deps.Probe == nil:
		return nil, errors.New("interception probe is required")
	case deps.Capture == nil:
		return nil, errors.New("capturer is required")
	case deps.Packager == nil:
		return nil, errors.New("packager is required")
	case deps.Terminator == nil:
		return nil, errors.New("terminator is required")
	case cfg.Region == "":
		return nil, errors.New("region is required")
	case cfg.InstanceID == "":
		return nil, errors.New("instance id is required")
	}
	if cfg.JobRoot == "" {
		cfg.JobRoot = DefaultJobRoot
	}
	if cfg.ArchiveDir == "" {
		cfg.ArchiveDir = os.TempDir()
	}
	if cfg.ClaimWait <= 0 {
		cfg.ClaimWait = DefaultClaimWait
	}
	if cfg.CaptureTimeout <= 0 {
		cfg.CaptureTimeout = job.CaptureTimeout
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Lifecycle{
		cfg:  cfg,
		deps: deps,
		log:  logger.Named("worker").With(zap.String("instance_id", cfg.InstanceID), zap.String("region", cfg.Region)),
	}, nil
}

// Run drives the state machine to SHUTDOWN and returns what happened. It never skips
// SHUTDOWN: a panic in any step or an illegal transition is converted into one.
func (l *Lifecycle) Run(ctx context.Context) Report {
	r := &run{log: l.log}
	state := StateBoot
	for state != StateShutdown {
		r.report.Path = append(r.report.Path, state)
		r.report.Last = state
		metrics.ObserveTransition(string(state))

		next := l.step(ctx, state, r)
		if !Allowed(state, next) {
			r.fail(OutcomeInternalFailed, fmt.Errorf("illegal transition %s -> %s", state, next))
			next = StateShutdown
		}
		r.log.Debug("transition", zap.String("from", string(state)), zap.String("to", string(next)))
		state = next
	}
	r.report.Path = append(r.report.Path, StateShutdown)
	metrics.ObserveTransition(string(StateShutdown))
	l.shutdown(ctx, r)
	return r.report
}

func (l *Lifecycle) step(ctx context.Context, state State, r *run) (next State) {
	defer func() {
		if rec := recover(); rec != nil {
			r.fail(OutcomeInternalFailed, fmt.Errorf("panic in %s: %v", state, rec))
			next = StateShutdown
		}
	}()
	if err := ctx.Err(); err != nil && state != StateAck {
		r.fail(OutcomeCanceled, err)
		return StateShutdown
	}

	switch state {
	case StateBoot:
		return l.boot(r)
	case StateHealthCheck:
		return l.healthCheck(ctx, r)
	case StateClaim:
		return l.claim(ctx, r)
	case StateExecute:
		return l.execute(ctx, r)
	case StatePackage:
		return l.pack(ctx, r)
	case StateUpload:
		return l.upload(ctx, r)
	case StateAck:
		return l.ack(ctx, r)
	default:
		r.fail(OutcomeInternalFailed, fmt.Errorf("unknown state %q", state))
		return StateShutdown
	}
}

// boot gives the run private, empty directories under the job root and the archive dir.
// Several workers may share a host, and a run must only ever package its own capture.
func (l *Lifecycle) boot(r *run) State {
	prefix := runDirPrefix(l.cfg.InstanceID)
	for _, base := range []string{l.cfg.JobRoot, l.cfg.ArchiveDir} {
		if err := os.MkdirAll(base, 0o750); err != nil {
			r.fail(OutcomeBootFailed, fmt.Errorf("prepare %s: %w", base, err))
			return StateShutdown
		}
	}
	root, err := os.MkdirTemp(l.cfg.JobRoot, prefix)
	if err != nil {
		r.fail(OutcomeBootFailed, fmt.Errorf("create run root: %w", err))
		return StateShutdown
	}
	r.root = root
	archiveDir, err := os.MkdirTemp(l.cfg.ArchiveDir, prefix)
	if err != nil {
		r.fail(OutcomeBootFailed, fmt.Errorf("create archive dir: %w", err))
		return StateShutdown
	}
	r.archiveDir = archiveDir

	for _, dir := range []string{DebugDir, CapturedCertsDir, CertificatesDir} {
		if err := os.MkdirAll(filepath.Join(r.root, dir), 0o750); err != nil {
			r.fail(OutcomeBootFailed, fmt.Errorf("prepare run root: %w", err))
			return StateShutdown
		}
	}
	r.log.Info("worker booting", zap.String("run_root", r.root))
	return StateHealthCheck
}

func runDirPrefix(instanceID string) string {
	return strings.NewReplacer("/", "_", string(filepath.Separator), "_").Replace(instanceID) + "-"
}

func (l *Lifecycle) healthCheck(ctx context.Context, r *run) State {
	live, err := l.deps.Probe.Live(ctx)
	if err != nil || !live {
		r.fail(OutcomeUnhealthy, &DependencyError{Component: "interception proxy", Err: err})
		return StateShutdown
	}
	return StateClaim
}

func (l *Lifecycle) claim(ctx context.Context, r *run) State {
	if st, err := l.deps.Queue.Stats(ctx); err != nil {
		r.log.Warn("queue stats unavailable", zap.Error(err))
	} else {
		r.log.Info("queue status at claim", zap.Int("visible", st.Visible), zap.Int("in_flight", st.InFlight))
	}

	d, err := l.deps.Queue.Receive(ctx, l.cfg.ClaimWait)
	if err != nil {
		r.fail(OutcomeClaimFailed, &job.TransientInfraError{Op: "receive job", Err: err})
		return StateShutdown
	}
	if d == nil {
		r.report.Outcome = OutcomeIdle
		r.log.Info("queue empty, nothing to claim")
		return StateShutdown
	}
	r.delivery = d
	r.report.JobID = d.JobID
	r.log = r.log.With(zap.String("job_id", d.JobID))

	desc, err := job.Decode(d.JobID, d.Body)
	res := job.Validate(desc.Request())
	if err == nil {
		err = res.Err()
	}
	if err != nil {
		r.fail(OutcomePoison, err)
		l.deleteMessage(ctx, r)
		return StateShutdown
	}
	r.descriptor = res.Descriptor
	r.descriptor.ID = d.JobID
	r.report.Key = job.ObjectKey(d.JobID, l.cfg.Region)
	r.log.Info("job claimed",
		zap.String("url", desc.URL),
		zap.String("mode", string(desc.Mode)),
		zap.Int("recursion_level", desc.RecursionLevel),
		zap.String("ip_version", string(desc.IPVersion)),
		zap.String("user_agent", desc.UserAgent),
		zap.Int("receive_count", d.ReceiveCount),
	)
	return StateExecute
}

func (l *Lifecycle) execute(ctx context.Context, r *run) State {
	captureCtx, cancel := context.WithTimeout(ctx, l.cfg.CaptureTimeout)
	defer cancel()

	saveDir := filepath.Join(r.root, SavedDir)
	logPath := filepath.Join(r.root, DebugDir, CaptureLogName)
	res, err := l.deps.Capture.Run(captureCtx, r.descriptor, saveDir, logPath)
	if err != nil {
		r.fail(OutcomeExecuteFailed, &DependencyError{Component: "download tool", Err: err})
		return StateShutdown
	}
	metrics.ObserveCaptureExit(res.ExitCode)

	fields := []zap.Field{
		zap.Int("exit_code", res.ExitCode),
		zap.String("exit_name", res.ExitName),
		zap.Duration("duration", res.Duration),
		zap.Int("lines", res.Lines),
	}
	switch {
	case res.TimedOut:
		r.log.Warn("download tool stopped at capture timeout, packaging partial capture", fields...)
	case capture.IsErrorCode(res.ExitCode):
		r.log.Error("download tool failed", fields...)
	case res.ExitCode != 0:
		r.log.Warn("download tool exited non-zero", fields...)
	default:
		r.log.Info("download tool finished", fields...)
	}
	return StatePackage
}

func (l *Lifecycle) pack(ctx context.Context, r *run) State {
	n, err := l.deps.Packager.NormalizeCertificates(ctx,
		filepath.Join(r.root, CapturedCertsDir),
		filepath.Join(r.root, CertificatesDir))
	if err != nil {
		r.fail(OutcomePackageFailed, fmt.Errorf("normalize certificates: %w", err))
		return StateShutdown
	}
	r.log.Debug("certificates rendered", zap.Int("count", n))

	r.archivePath = filepath.Join(r.archiveDir, r.report.Key)
	stats, err := l.deps.Packager.Package(ctx, r.root, job.ArchiveStem(r.report.Key), r.archivePath)
	if err != nil {
		r.fail(OutcomePackageFailed, fmt.Errorf("package job: %w", err))
		return StateShutdown
	}
	r.log.Info("job packaged",
		zap.String("archive", r.archivePath),
		zap.Int("files", stats.Files),
		zap.Int64("archive_bytes", stats.ArchiveBytes))
	return StateUpload
}

// upload never blocks ACK: a failed upload is logged and the queue slot is released anyway.
func (l *Lifecycle) upload(ctx context.Context, r *run) State {
	// #nosec G304 -- archive path is built from the archive dir and a derived key.
	f, err := os.Open(r.archivePath)
	if err != nil {
		l.uploadFailed(r, err)
		return StateAck
	}
	defer f.Close()

	digest := sha256.NewReader(f)
	uri, err := l.deps.Store.Put(ctx, r.report.Key, objectstore.ArchiveContentType, digest)
	if err != nil {
		l.uploadFailed(r, err)
		return StateAck
	}
	r.report.Uploaded = true
	r.report.SHA256 = digest.Sum()
	r.log.Info("artifact uploaded",
		zap.String("key", r.report.Key),
		zap.String("uri", uri),
		zap.Int64("bytes", digest.Len()),
		zap.String("sha256", r.report.SHA256))
	return StateAck
}

func (l *Lifecycle) uploadFailed(r *run, err error) {
	r.report.Err = &job.TransientInfraError{Op: "upload artifact", Err: err}
	r.log.Error("artifact upload failed, acknowledging anyway", zap.String("key", r.report.Key), zap.Error(err))
}

func (l *Lifecycle) ack(ctx context.Context, r *run) State {
	l.deleteMessage(ctx, r)
	if r.report.Uploaded {
		r.report.Outcome = OutcomeCompleted
	} else {
		r.report.Outcome = OutcomeUploadFailed
	}
	return StateShutdown
}

// deleteMessage acknowledges the claimed delivery. A stale receipt means the message is
// already gone or re-leased; it is logged and treated as done.
func (l *Lifecycle) deleteMessage(ctx context.Context, r *run) {
	err := l.deps.Queue.Ack(context.WithoutCancel(ctx), r.delivery.Receipt)
	switch {
	case err == nil:
		r.report.Acked = true
		r.log.Info("job acknowledged")
	case errors.Is(err, queue.ErrStaleReceipt):
		r.report.Acked = true
		r.log.Warn("acknowledge found no live lease, treating as done", zap.Error(err))
	default:
		r.log.Error("acknowledge failed, job will be redelivered after lease expiry",
			zap.Error(&job.TransientInfraError{Op: "acknowledge job", Err: err}))
	}
}

func (l *Lifecycle) shutdown(ctx context.Context, r *run) {
	rep := &r.report
	fields := []zap.Field{
		zap.String("outcome", string(rep.Outcome)),
		zap.String("last_state", string(rep.Last)),
		zap.Bool("uploaded", rep.Uploaded),
		zap.Bool("acked", rep.Acked),
	}
	if rep.Err != nil {
		fields = append(fields, zap.Error(rep.Err))
	}
	switch rep.Outcome {
	case OutcomeCompleted, OutcomeIdle:
		r.log.Info("worker shutting down", fields...)
	default:
		r.log.Error("worker shutting down", fields...)
	}
	metrics.ObserveWorkerOutcome(string(rep.Outcome))
	l.cleanup(r)
	_ = r.log.Sync()

	termCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), terminateTimeout)
	defer cancel()
	if err := l.deps.Terminator.TerminateInstance(termCtx, l.cfg.InstanceID); err != nil {
		r.log.Error("terminate instance failed", zap.Error(err))
		_ = r.log.Sync()
	}
}

// cleanup removes everything the run wrote locally. The archive is either uploaded or
// the job will be redelivered, so nothing here is needed after SHUTDOWN.
func (l *Lifecycle) cleanup(r *run) {
	for _, dir := range []string{r.root, r.archiveDir} {
		if dir == "" {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			r.log.Warn("remove run directory failed", zap.String("dir", dir), zap.Error(err))
		}
	}
}

// fail records the first failure of a run.
func (r *run) fail(outcome Outcome, err error) {
	if r.report.Outcome == "" {
		r.report.Outcome = outcome
	}
	if r.report.Err == nil {
		r.report.Err = err
	}
}

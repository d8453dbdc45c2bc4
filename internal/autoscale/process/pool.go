// Package process runs the worker pool as local one-shot subprocesses. Each subprocess is
// one worker instance: it claims at most one job and exits, and its exit lowers desired
// capacity the way terminating a cloud instance would.
package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitecapture/internal/autoscale"
)

// Relaunch defaults.
const (
	DefaultRelaunchBackoff    = time.Second
	DefaultMaxRelaunchBackoff = time.Minute
	DefaultMaxFailures        = 5
)

// Config describes the worker command and the pool bounds.
type Config struct {
	Command string
	Args    []string
	// Env is appended to the parent environment for every worker.
	Env []string
	Min int
	Max int
	// RelaunchBackoff delays the replacement of an exited worker. It doubles with each
	// consecutive failed exit up to MaxRelaunchBackoff.
	RelaunchBackoff    time.Duration
	MaxRelaunchBackoff time.Duration
	// MaxFailures consecutive failed exits suspend relaunching until the next AddCapacity.
	MaxFailures int
}

// Pool launches and reaps worker subprocesses.
type Pool struct {
	cfg    Config
	logger *zap.Logger

	mu        sync.Mutex
	desired   int
	procs     map[int]*exec.Cmd
	closed    bool
	failures  int
	suspended bool
	launches  int
	relaunch  *time.Timer
	wg        sync.WaitGroup
}

// New validates cfg and returns a pool. Call Start to bring it up to Min.
func New(cfg Config, logger *zap.Logger) (*Pool, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("worker command is required")
	}
	if cfg.Min < 0 || cfg.Max < cfg.Min || cfg.Max == 0 {
		return nil, fmt.Errorf("invalid pool bounds min=%d max=%d", cfg.Min, cfg.Max)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RelaunchBackoff <= 0 {
		cfg.RelaunchBackoff = DefaultRelaunchBackoff
	}
	if cfg.MaxRelaunchBackoff < cfg.RelaunchBackoff {
		cfg.MaxRelaunchBackoff = max(DefaultMaxRelaunchBackoff, cfg.RelaunchBackoff)
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultMaxFailures
	}
	return &Pool{
		cfg:     cfg,
		logger:  logger.Named("process_pool"),
		desired: cfg.Min,
		procs:   make(map[int]*exec.Cmd),
	}, nil
}

// Start launches Min workers.
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reconcileLocked()
}

// AddCapacity raises desired capacity by one (capped at Max) and launches a worker if
// fewer are running than desired. It also lifts a relaunch suspension: new work is a new
// reason to try.
func (p *Pool) AddCapacity(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("process pool closed")
	}
	if p.desired < p.cfg.Max {
		p.desired++
	}
	p.failures = 0
	p.suspended = false
	p.stopRelaunchLocked()
	return p.reconcileLocked()
}

// TerminateInstance signals the worker with the given pid. Its reaper lowers desired
// capacity once it exits.
func (p *Pool) TerminateInstance(_ context.Context, id string) error {
	pid, err := strconv.Atoi(id)
	if err != nil {
		return fmt.Errorf("invalid instance id %q", id)
	}
	p.mu.Lock()
	cmd, ok := p.procs[pid]
	p.mu.Unlock()
	if !ok {
		return nil
	}
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("signal worker %d: %w", pid, err)
	}
	return nil
}

// Status lists running workers by pid.
func (p *Pool) Status(_ context.Context) (autoscale.PoolStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := autoscale.PoolStatus{Min: p.cfg.Min, Max: p.cfg.Max, Desired: p.desired}
	for pid := range p.procs {
		st.Instances = append(st.Instances, autoscale.Instance{ID: strconv.Itoa(pid), State: "running"})
	}
	sort.Slice(st.Instances, func(i, j int) bool { return st.Instances[i].ID < st.Instances[j].ID })
	return st, nil
}

// Close stops launching, signals running workers and waits for them until ctx ends.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.stopRelaunchLocked()
	for _, cmd := range p.procs {
		_ = cmd.Process.Signal(syscall.SIGTERM)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for workers: %w", ctx.Err())
	}
}

func (p *Pool) reconcileLocked() error {
	for !p.closed && len(p.procs) < p.desired {
		if err := p.launchLocked(); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pool) launchLocked() error {
	// #nosec G204 -- command comes from operator configuration.
	cmd := exec.Command(p.cfg.Command, p.cfg.Args...)
	cmd.Env = append(os.Environ(), p.cfg.Env...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}
	pid := cmd.Process.Pid
	p.procs[pid] = cmd
	p.launches++
	p.logger.Info("worker launched", zap.Int("pid", pid), zap.Int("desired", p.desired))

	p.wg.Add(1)
	go p.reap(pid, cmd)
	return nil
}

func (p *Pool) reap(pid int, cmd *exec.Cmd) {
	defer p.wg.Done()
	started := time.Now()
	err := cmd.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.procs, pid)
	if p.desired > p.cfg.Min {
		p.desired--
	}
	fields := []zap.Field{zap.Int("pid", pid), zap.Duration("lifetime", time.Since(started)), zap.Int("desired", p.desired)}
	if err != nil {
		p.failures++
		p.logger.Warn("worker exited with error", append(fields, zap.Error(err), zap.Int("consecutive_failures", p.failures))...)
	} else {
		p.failures = 0
		p.logger.Info("worker exited", fields...)
	}
	if p.closed || p.suspended || len(p.procs) >= p.desired {
		return
	}
	if p.failures >= p.cfg.MaxFailures {
		p.suspended = true
		p.logger.Error("worker relaunch suspended until the next scale-up",
			zap.Int("consecutive_failures", p.failures), zap.Int("desired", p.desired))
		return
	}
	// Even clean exits wait: an idle worker exits within a second and Min would spin.
	delay := p.backoff(max(p.failures, 1))
	p.logger.Info("worker relaunch delayed", zap.Duration("delay", delay))
	p.stopRelaunchLocked()
	p.relaunch = time.AfterFunc(delay, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.relaunch = nil
		if !p.suspended {
			p.relaunchLocked()
		}
	})
}

func (p *Pool) relaunchLocked() {
	if err := p.reconcileLocked(); err != nil {
		p.logger.Error("relaunch worker failed", zap.Error(err))
	}
}

// backoff is RelaunchBackoff doubled per failure after the first, capped.
func (p *Pool) backoff(failures int) time.Duration {
	d := p.cfg.RelaunchBackoff
	for i := 1; i < failures && d < p.cfg.MaxRelaunchBackoff; i++ {
		d *= 2
	}
	return min(d, p.cfg.MaxRelaunchBackoff)
}

func (p *Pool) stopRelaunchLocked() {
	if p.relaunch != nil {
		p.relaunch.Stop()
		p.relaunch = nil
	}
}

// Self is the Terminator a pooled worker uses on itself. The worker process exits once it
// reaches SHUTDOWN and the parent's reaper lowers desired capacity, so there is nothing to
// call here.
type Self struct{}

// TerminateInstance is a no-op; returning lets the worker process exit.
func (Self) TerminateInstance(context.Context, string) error { return nil }

package process

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPoolLaunchesAndReapsWorkers(t *testing.T) {
	t.Parallel()

	p, err := New(Config{Command: "/bin/sh", Args: []string{"-c", "sleep 0.2"}, Max: 2}, zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, p.Start())

	st, err := p.Status(ctx)
	require.NoError(t, err)
	require.Zero(t, st.Desired)
	require.Empty(t, st.Instances)

	for range 3 {
		require.NoError(t, p.AddCapacity(ctx))
	}
	st, err = p.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, st.Desired)
	require.Len(t, st.Instances, 2)

	require.Eventually(t, func() bool {
		st, err := p.Status(ctx)
		return err == nil && st.Desired == 0 && len(st.Instances) == 0
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, p.Close(ctx))
	require.Error(t, p.AddCapacity(ctx))
}

func TestTerminateInstanceSignalsWorker(t *testing.T) {
	t.Parallel()

	p, err := New(Config{Command: "/bin/sh", Args: []string{"-c", "sleep 30"}, Max: 1}, zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, p.AddCapacity(ctx))

	st, err := p.Status(ctx)
	require.NoError(t, err)
	require.Len(t, st.Instances, 1)

	require.NoError(t, p.TerminateInstance(ctx, st.Instances[0].ID))
	require.Eventually(t, func() bool {
		st, err := p.Status(ctx)
		return err == nil && st.Desired == 0 && len(st.Instances) == 0
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, p.TerminateInstance(ctx, strconv.Itoa(999999)))
	require.Error(t, p.TerminateInstance(ctx, "not-a-pid"))
	require.NoError(t, p.Close(ctx))
}

func (p *Pool) launchCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.launches
}

func TestFailingWorkersStopRelaunchingUntilScaleUp(t *testing.T) {
	t.Parallel()

	p, err := New(Config{
		Command:            "/bin/sh",
		Args:               []string{"-c", "exit 3"},
		Min:                1,
		Max:                1,
		RelaunchBackoff:    10 * time.Millisecond,
		MaxRelaunchBackoff: 40 * time.Millisecond,
		MaxFailures:        3,
	}, zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()
	t.Cleanup(func() { _ = p.Close(ctx) })
	require.NoError(t, p.Start())

	require.Eventually(t, func() bool { return p.launchCount() == 3 }, 5*time.Second, 5*time.Millisecond)
	require.Never(t, func() bool { return p.launchCount() > 3 }, 300*time.Millisecond, 10*time.Millisecond)

	st, err := p.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, st.Desired)
	require.Empty(t, st.Instances)

	// New work lifts the suspension for another round of attempts.
	require.NoError(t, p.AddCapacity(ctx))
	require.Eventually(t, func() bool { return p.launchCount() == 6 }, 5*time.Second, 5*time.Millisecond)
	require.Never(t, func() bool { return p.launchCount() > 6 }, 300*time.Millisecond, 10*time.Millisecond)
}

func TestRelaunchBackoffDoublesAndCaps(t *testing.T) {
	t.Parallel()

	p, err := New(Config{Command: "x", Max: 1, RelaunchBackoff: time.Second, MaxRelaunchBackoff: 5 * time.Second}, nil)
	require.NoError(t, err)
	require.Equal(t, time.Second, p.backoff(1))
	require.Equal(t, 2*time.Second, p.backoff(2))
	require.Equal(t, 4*time.Second, p.backoff(3))
	require.Equal(t, 5*time.Second, p.backoff(4))
	require.Equal(t, 5*time.Second, p.backoff(50))

	d, err := New(Config{Command: "x", Max: 1}, nil)
	require.NoError(t, err)
	require.Equal(t, DefaultRelaunchBackoff, d.cfg.RelaunchBackoff)
	require.Equal(t, DefaultMaxRelaunchBackoff, d.cfg.MaxRelaunchBackoff)
	require.Equal(t, DefaultMaxFailures, d.cfg.MaxFailures)
}

// Clean exits never count toward suspension.
func TestCleanExitsRelaunchToMinimum(t *testing.T) {
	t.Parallel()

	p, err := New(Config{
		Command:         "/bin/sh",
		Args:            []string{"-c", "exit 0"},
		Min:             1,
		Max:             1,
		RelaunchBackoff: 10 * time.Millisecond,
		MaxFailures:     2,
	}, zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()
	t.Cleanup(func() { _ = p.Close(ctx) })
	require.NoError(t, p.Start())

	require.Eventually(t, func() bool { return p.launchCount() > 3 }, 5*time.Second, 5*time.Millisecond)
}

func TestNewRejectsBadConfig(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Max: 1}, nil)
	require.Error(t, err)
	_, err = New(Config{Command: "x", Min: 2, Max: 1}, nil)
	require.Error(t, err)
	_, err = New(Config{Command: "x"}, nil)
	require.Error(t, err)
}

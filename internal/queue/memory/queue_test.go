package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitecapture/internal/job"
	"github.com/JakeFAU/sitecapture/internal/queue"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("id-%d", s.n), nil
}

func newTestQueue() (*Queue, *fakeClock) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	return NewQueue(time.Minute, &seqIDs{}, clk), clk
}

var descriptor = job.Descriptor{
	URL:       "https://example.org",
	Mode:      job.ModeSinglePage,
	IPVersion: job.IPv4,
	UserAgent: "firefox_nt10",
}

func TestQueueEnqueueReceiveAck(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue()
	ctx := context.Background()

	id, err := q.Enqueue(ctx, descriptor)
	require.NoError(t, err)
	require.Equal(t, "id-1", id)

	st, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, queue.Stats{Visible: 1}, st)

	d, err := q.Receive(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, d)
	require.Equal(t, id, d.JobID)
	require.Equal(t, 1, d.ReceiveCount)

	got, err := job.Decode(d.JobID, d.Body)
	require.NoError(t, err)
	require.Equal(t, descriptor.URL, got.URL)

	st, err = q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, queue.Stats{InFlight: 1}, st)

	require.NoError(t, q.Ack(ctx, d.Receipt))
	require.ErrorIs(t, q.Ack(ctx, d.Receipt), queue.ErrStaleReceipt)

	st, err = q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, queue.Stats{}, st)
}

func TestQueueReceiveEmptyReturnsNil(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue()
	d, err := q.Receive(context.Background(), 30*time.Millisecond)
	require.NoError(t, err)
	require.Nil(t, d)
}

func TestQueueLeaseIsExclusiveUntilExpiry(t *testing.T) {
	t.Parallel()

	q, clk := newTestQueue()
	ctx := context.Background()
	_, err := q.Enqueue(ctx, descriptor)
	require.NoError(t, err)

	first, err := q.Receive(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := q.Receive(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	require.Nil(t, second, "leased message must not be delivered twice concurrently")

	clk.Advance(2 * time.Minute)
	redelivered, err := q.Receive(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, redelivered)
	require.Equal(t, first.JobID, redelivered.JobID)
	require.Equal(t, first.Body, redelivered.Body)
	require.Equal(t, 2, redelivered.ReceiveCount)

	require.True(t, errors.Is(q.Ack(ctx, first.Receipt), queue.ErrStaleReceipt))
	require.NoError(t, q.Ack(ctx, redelivered.Receipt))
}

func TestQueueReceiveWakesOnEnqueue(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue()
	result := make(chan *queue.Delivery, 1)
	go func() {
		d, _ := q.Receive(context.Background(), time.Second)
		result <- d
	}()

	time.Sleep(10 * time.Millisecond)
	_, err := q.Enqueue(context.Background(), descriptor)
	require.NoError(t, err)

	select {
	case d := <-result:
		require.NotNil(t, d)
	case <-time.After(time.Second):
		t.Fatal("receive did not wake up")
	}
}

func TestQueueCancelationAndClose(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.Receive(ctx, time.Second)
	require.ErrorIs(t, err, context.Canceled)
	_, err = q.Enqueue(ctx, descriptor)
	require.ErrorIs(t, err, context.Canceled)

	require.NoError(t, q.Close())
	require.NoError(t, q.Close())
	_, err = q.Enqueue(context.Background(), descriptor)
	require.EqualError(t, err, "queue closed")
}

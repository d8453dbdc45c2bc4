// Package memory provides an in-process lease queue for local development and tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/sitecapture/internal/job"
	"github.com/JakeFAU/sitecapture/internal/queue"
)

const pollInterval = 20 * time.Millisecond

type message struct {
	id           string
	body         []byte
	receipt      string
	receiveCount int
	visibleAt    time.Time
	enqueuedAt   time.Time
}

// Queue is an in-memory queue with visibility leases and redelivery.
type Queue struct {
	mu       sync.Mutex
	messages []*message
	notify   chan struct{}
	closed   bool
	lease    time.Duration
	ids      job.IDGenerator
	clock    job.Clock
}

// NewQueue constructs a queue whose receives hold a lease for the given duration.
func NewQueue(lease time.Duration, ids job.IDGenerator, clock job.Clock) *Queue {
	return &Queue{
		notify: make(chan struct{}),
		lease:  lease,
		ids:    ids,
		clock:  clock,
	}
}

// Enqueue stores the descriptor and mints its id.
func (q *Queue) Enqueue(ctx context.Context, d job.Descriptor) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("enqueue canceled: %w", err)
	}
	body, err := job.Encode(d)
	if err != nil {
		return "", err
	}
	id, err := q.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("mint job id: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", errors.New("queue closed")
	}
	now := q.clock.Now()
	q.messages = append(q.messages, &message{id: id, body: body, visibleAt: now, enqueuedAt: now})
	close(q.notify)
	q.notify = make(chan struct{})
	return id, nil
}

// Receive leases the oldest visible message, waiting up to wait for one.
func (q *Queue) Receive(ctx context.Context, wait time.Duration) (*queue.Delivery, error) {
	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		d, notify, err := q.tryLease()
		if err != nil || d != nil {
			return d, err
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("receive canceled: %w", ctx.Err())
		case <-deadline.C:
			return nil, nil
		case <-notify:
		case <-ticker.C:
		}
	}
}

func (q *Queue) tryLease() (*queue.Delivery, <-chan struct{}, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, nil, errors.New("queue closed")
	}
	now := q.clock.Now()
	for _, m := range q.messages {
		if m.visibleAt.After(now) {
			continue
		}
		receipt, err := q.ids.NewID()
		if err != nil {
			return nil, nil, fmt.Errorf("mint receipt: %w", err)
		}
		m.receipt = receipt
		m.receiveCount++
		m.visibleAt = now.Add(q.lease)
		return &queue.Delivery{
			JobID:        m.id,
			Receipt:      receipt,
			Body:         append([]byte(nil), m.body...),
			ReceiveCount: m.receiveCount,
			LeaseExpires: m.visibleAt,
		}, nil, nil
	}
	return nil, q.notify, nil
}

// Ack deletes the message whose most recent lease carries receipt. Once a message has been
// deleted or re-leased to another consumer the receipt yields queue.ErrStaleReceipt.
func (q *Queue) Ack(_ context.Context, receipt string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, m := range q.messages {
		if m.receipt == receipt && receipt != "" {
			q.messages = append(q.messages[:i], q.messages[i+1:]...)
			return nil
		}
	}
	return queue.ErrStaleReceipt
}

// Stats counts visible and leased messages.
func (q *Queue) Stats(_ context.Context) (queue.Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.clock.Now()
	var st queue.Stats
	for _, m := range q.messages {
		if m.visibleAt.After(now) {
			st.InFlight++
		} else {
			st.Visible++
		}
	}
	return st, nil
}

// Close rejects further operations. Closing twice is safe.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

// Package queue defines the durable job queue contract shared by the gateway and workers.
// Delivery is at-least-once and unordered: a received message is leased to one consumer
// and becomes visible again if it is not acknowledged before the lease expires.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/JakeFAU/sitecapture/internal/job"
)

// ErrStaleReceipt is returned by Ack when the receipt no longer identifies a live lease,
// because the message was already deleted or was re-leased to another consumer.
var ErrStaleReceipt = errors.New("stale receipt")

// Service is the queue contract.
type Service interface {
	// Enqueue durably stores the descriptor and returns the job id minted for it.
	Enqueue(ctx context.Context, d job.Descriptor) (string, error)
	// Receive leases at most one visible message, waiting up to wait for one to appear.
	// It returns (nil, nil) when the wait elapses with nothing to deliver.
	Receive(ctx context.Context, wait time.Duration) (*Delivery, error)
	// Ack deletes a leased message.
	Ack(ctx context.Context, receipt string) error
	// Stats reports approximate message counts.
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// Delivery is one leased message. Body is the raw payload so consumers can re-validate it.
type Delivery struct {
	JobID        string
	Receipt      string
	Body         []byte
	ReceiveCount int
	LeaseExpires time.Time
}

// Stats are approximate queue counters.
type Stats struct {
	Visible  int `json:"visible"`
	InFlight int `json:"in_flight"`
}

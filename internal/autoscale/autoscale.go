// Package autoscale defines the compute pool contract used by the gateway (scale up)
// and by workers (terminate self).
package autoscale

import "context"

// Instance is one worker in the pool.
type Instance struct {
	ID    string `json:"id"`
	State string `json:"state"`
}

// PoolStatus is a read-only snapshot of the pool.
type PoolStatus struct {
	Min       int        `json:"min"`
	Max       int        `json:"max"`
	Desired   int        `json:"desired"`
	Instances []Instance `json:"instances"`
}

// Pool is the gateway-facing side of the autoscaler.
type Pool interface {
	// AddCapacity asks for one more instance. At max size it is a no-op; the caller does
	// not deduplicate requests.
	AddCapacity(ctx context.Context) error
	Status(ctx context.Context) (PoolStatus, error)
}

// Terminator is the worker-facing side: terminate an instance and lower desired capacity.
type Terminator interface {
	TerminateInstance(ctx context.Context, instanceID string) error
}

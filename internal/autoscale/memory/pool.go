// Package memory is an in-process autoscaler that only keeps counters. It backs tests
// and single-binary development setups where workers are started by hand.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/sitecapture/internal/autoscale"
)

// Pool tracks desired capacity and registered instances.
type Pool struct {
	mu        sync.Mutex
	min, max  int
	desired   int
	adds      int
	instances map[string]string
}

// New returns a pool bounded by [minSize, maxSize].
func New(minSize, maxSize int) (*Pool, error) {
	if minSize < 0 || maxSize < minSize {
		return nil, fmt.Errorf("invalid pool bounds min=%d max=%d", minSize, maxSize)
	}
	return &Pool{min: minSize, max: maxSize, desired: minSize, instances: make(map[string]string)}, nil
}

// AddCapacity raises desired capacity by one, capped at max.
func (p *Pool) AddCapacity(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.adds++
	if p.desired < p.max {
		p.desired++
	}
	return nil
}

// Register records a running instance so it shows up in Status.
func (p *Pool) Register(id, state string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.instances[id] = state
}

// TerminateInstance forgets the instance and lowers desired capacity, never below min.
// Terminating an unknown instance still decrements, matching a cloud autoscaler that
// already reaped it.
func (p *Pool) TerminateInstance(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.instances, id)
	if p.desired > p.min {
		p.desired--
	}
	return nil
}

// Status returns a snapshot sorted by instance id.
func (p *Pool) Status(_ context.Context) (autoscale.PoolStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := autoscale.PoolStatus{Min: p.min, Max: p.max, Desired: p.desired}
	for id, state := range p.instances {
		st.Instances = append(st.Instances, autoscale.Instance{ID: id, State: state})
	}
	sort.Slice(st.Instances, func(i, j int) bool { return st.Instances[i].ID < st.Instances[j].ID })
	return st, nil
}

// Adds reports how many AddCapacity calls were made.
func (p *Pool) Adds() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.adds
}

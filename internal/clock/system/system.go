// Package system provides the wall clock used outside tests.
package system

import (
	"time"

	"github.com/JakeFAU/sitecapture/internal/job"
)

var _ job.Clock = Clock{}

// Clock reads the wall clock in UTC, so capability expiries and lease deadlines compare
// the same way on every host.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time in UTC.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

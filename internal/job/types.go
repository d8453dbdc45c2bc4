// Package job defines the capture job request, the queued job descriptor, and the
// validation rules shared by the submission gateway and the worker.
package job

import (
	"context"
	"time"
)

// Mode selects how the download tool walks the target.
type Mode string

// Supported crawl modes.
const (
	ModeSinglePage Mode = "single-page"
	ModeRecursive  Mode = "recursive"
)

// IPVersion constrains which address family the download tool may connect to.
type IPVersion string

// Supported address families.
const (
	IPv4 IPVersion = "v4"
	IPv6 IPVersion = "v6"
)

// Recursion bounds for recursive mode.
const (
	MinRecursionLevel = 1
	MaxRecursionLevel = 20
)

// Request is the caller-supplied job request. It is transient and never queued as-is.
type Request struct {
	URL            string    `json:"url"`
	Mode           Mode      `json:"mode"`
	RecursionLevel *int      `json:"recursion_level,omitempty"`
	IPVersion      IPVersion `json:"ip_version"`
	UserAgent      string    `json:"user_agent"`
}

// Descriptor is the immutable payload held by the queue. ID is empty until the
// queue mints it on enqueue; it is never part of the serialized body.
type Descriptor struct {
	ID             string    `json:"-"`
	URL            string    `json:"url"`
	Mode           Mode      `json:"mode"`
	RecursionLevel int       `json:"recursion_level,omitempty"`
	IPVersion      IPVersion `json:"ip_version"`
	UserAgent      string    `json:"user_agent"`
}

// Request converts a descriptor back into request form so it can be re-validated.
func (d Descriptor) Request() Request {
	req := Request{
		URL:       d.URL,
		Mode:      d.Mode,
		IPVersion: d.IPVersion,
		UserAgent: d.UserAgent,
	}
	if d.Mode == ModeRecursive || d.RecursionLevel != 0 {
		level := d.RecursionLevel
		req.RecursionLevel = &level
	}
	return req
}

// Capability is a time-limited, pre-authorized URL for one future artifact.
type Capability struct {
	URL       string    `json:"url"`
	Key       string    `json:"filename"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// Publisher pushes lifecycle events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

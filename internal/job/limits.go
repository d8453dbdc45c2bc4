package job

import "time"

// Lifetimes shared by the gateway and the worker. A capability must outlive the lease plus
// the capture budget, otherwise a legitimate retrieval fails exactly like a job that never ran.
const (
	// LeaseDuration is how long a claimed job stays invisible to other workers.
	LeaseDuration = time.Hour
	// CaptureTimeout bounds one download tool run.
	CaptureTimeout = 45 * time.Minute
	// MinCapabilityTTL is the shortest capability lifetime the gateway will mint.
	MinCapabilityTTL = 2 * time.Hour
)

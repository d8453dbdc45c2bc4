package worker

import "fmt"

// DependencyError means something the capture relies on is unusable: the interception
// proxy is down or the download tool could not run. The job is left for redelivery.
type DependencyError struct {
	Component string
	Err       error
}

func (e *DependencyError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("dependency %s unavailable", e.Component)
	}
	return fmt.Sprintf("dependency %s unavailable: %v", e.Component, e.Err)
}

func (e *DependencyError) Unwrap() error { return e.Err }

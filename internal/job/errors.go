package job

import "fmt"

// TransientInfraError wraps a failed call to the queue, object store, or autoscaler.
// Call sites decide whether it is fatal.
type TransientInfraError struct {
	Op  string
	Err error
}

func (e *TransientInfraError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientInfraError) Unwrap() error { return e.Err }

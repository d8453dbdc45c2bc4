package worker

// State is one step of the worker lifecycle.
type State string

// Lifecycle states. SHUTDOWN is the only terminal state.
const (
	StateBoot        State = "BOOT"
	StateHealthCheck State = "HEALTH_CHECK"
	StateClaim       State = "CLAIM"
	StateExecute     State = "EXECUTE"
	StatePackage     State = "PACKAGE"
	StateUpload      State = "UPLOAD"
	StateAck         State = "ACK"
	StateShutdown    State = "SHUTDOWN"
)

// transitions is the complete set of legal moves. Every non-terminal state can reach
// SHUTDOWN, nothing leads back to BOOT, and SHUTDOWN has no successors.
var transitions = map[State][]State{
	StateBoot:        {StateHealthCheck, StateShutdown},
	StateHealthCheck: {StateClaim, StateShutdown},
	StateClaim:       {StateExecute, StateShutdown},
	StateExecute:     {StatePackage, StateShutdown},
	StatePackage:     {StateUpload, StateShutdown},
	StateUpload:      {StateAck, StateShutdown},
	StateAck:         {StateShutdown},
	StateShutdown:    nil,
}

// Allowed reports whether the lifecycle may move from one state to another.
func Allowed(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Outcome names how a worker run ended.
type Outcome string

// Run outcomes.
const (
	OutcomeCompleted      Outcome = "completed"
	OutcomeUploadFailed   Outcome = "upload-failed"
	OutcomeIdle           Outcome = "idle"
	OutcomeUnhealthy      Outcome = "unhealthy"
	OutcomePoison         Outcome = "poison"
	OutcomeClaimFailed    Outcome = "claim-failed"
	OutcomeExecuteFailed  Outcome = "execute-failed"
	OutcomePackageFailed  Outcome = "package-failed"
	OutcomeBootFailed     Outcome = "boot-failed"
	OutcomeInternalFailed Outcome = "internal-error"
	OutcomeCanceled       Outcome = "canceled"
)

package schema

// RunStatus represents the lifecycle state of a workflow run.
type RunStatus string

const (
	RunStatusNotStarted RunStatus = "not_started"
	RunStatusInProgress RunStatus = "in_progress"
	RunStatusCompleted  RunStatus = "completed"
	RunStatusFailed     RunStatus = "failed"
)

// ValidRunTransitions defines the allowed run status transitions, enforced
// by the state store's mutators. A failed run transitions back to
// in_progress when resumed or when a later step succeeds under a continue
// policy; failed -> failed covers consecutive step failures. Completed is
// terminal.
var ValidRunTransitions = map[RunStatus][]RunStatus{
	RunStatusNotStarted: {RunStatusInProgress, RunStatusFailed},
	RunStatusInProgress: {RunStatusInProgress, RunStatusCompleted, RunStatusFailed},
	RunStatusCompleted:  {},
	RunStatusFailed:     {RunStatusInProgress, RunStatusFailed},
}

// IsValidTransition reports whether a run may move from one status to another.
func IsValidTransition(from, to RunStatus) bool {
	for _, a := range ValidRunTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

// Event type constants for the per-run event history.
const (
	EventRunStarted   = "run_started"
	EventRunCompleted = "run_completed"
	EventRunFailed    = "run_failed"
	EventRunResumed   = "run_resumed"

	EventStepStarted   = "step_started"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"
	EventStepSkipped   = "step_skipped"
	EventStepRetrying  = "step_retrying"
	EventErrorFlowJump = "error_flow_jump"
)

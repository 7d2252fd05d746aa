package coderelay

// Status represents a task lifecycle state. Use the exported constants
// (StatusDispatched, StatusRunning, etc.) instead of raw strings to avoid
// typos.
type Status string

const (
	// StatusDispatched is entered the instant admission succeeds and the
	// execution unit is being provisioned.
	StatusDispatched Status = "dispatched"
	// StatusRunning is entered once the execution unit confirmed it is
	// actively working.
	StatusRunning Status = "running"
	// StatusCompleted is terminal: the task produced a result artifact.
	StatusCompleted Status = "completed"
	// StatusFailed is terminal: the task ended without a usable artifact.
	StatusFailed Status = "failed"
	// StatusInterrupted is terminal: the execution unit was lost (worker
	// crash, zombie recovery). The workspace is preserved for inspection.
	StatusInterrupted Status = "interrupted"
	// StatusCancelled is terminal: a caller cancelled the task.
	StatusCancelled Status = "cancelled"
)

// AllStatuses lists every valid task status in a stable order.
var AllStatuses = []Status{
	StatusDispatched, StatusRunning,
	StatusCompleted, StatusFailed, StatusInterrupted, StatusCancelled,
}

// String returns the raw string value of the status.
func (s Status) String() string { return string(s) }

// Terminal reports whether the status is a terminal state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusInterrupted, StatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether moving from s to next is a valid forward
// transition. Terminal states admit no further transitions.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusDispatched:
		return next == StatusRunning || next.Terminal()
	case StatusRunning:
		return next.Terminal()
	default:
		return false
	}
}

// ParseStatus converts a string into a Status, returning an error for
// unknown values.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusDispatched, StatusRunning, StatusCompleted, StatusFailed,
		StatusInterrupted, StatusCancelled:
		return Status(s), nil
	default:
		return "", ErrUnknownStatus
	}
}

// WorkerState is the advisory operational state of a worker process.
type WorkerState string

const (
	// WorkerReady accepts new submissions.
	WorkerReady WorkerState = "ready"
	// WorkerRecovering replays the local journal after a restart and accepts
	// no new submissions.
	WorkerRecovering WorkerState = "recovering"
	// WorkerDegraded is operational but still has interruption notifications
	// outstanding; retried in the background.
	WorkerDegraded WorkerState = "degraded"
	// WorkerShuttingDown is draining and accepts no new submissions.
	WorkerShuttingDown WorkerState = "shutting_down"
)

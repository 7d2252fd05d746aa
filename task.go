package coderelay

// Task is one unit of dispatched code-change work with its own lifecycle
// and identity. It is serialized to JSON and stored in Redis; it is never
// deleted once created (retained for audit).
type Task struct {
	// TaskID is the caller-supplied, stable identifier for the task.
	TaskID string `json:"task_id"`
	// ActionID links the task to an upstream message-bus action, if any.
	ActionID string `json:"action_id,omitempty"`
	// ApprovalEventID links the task to an upstream approval event, if any.
	ApprovalEventID string `json:"approval_event_id,omitempty"`
	// DedupKey is the derived prompt fingerprint used to collapse duplicate
	// creation requests.
	DedupKey string `json:"dedup_key,omitempty"`
	// RetriedFrom is the ID of a previous task this one retries, if any.
	RetriedFrom string `json:"retried_from,omitempty"`
	// UserID identifies the submitting user; part of the dedup fingerprint.
	UserID string `json:"user_id,omitempty"`
	// Status is the current lifecycle state. Transitions are forward-only.
	Status Status `json:"status"`
	// WorkerLocation names the worker that accepted the task.
	WorkerLocation string `json:"worker_location,omitempty"`
	// Prompt is the instruction given to the execution unit.
	Prompt string `json:"prompt"`
	// WorkerType selects the kind of execution unit to run the task on.
	WorkerType string `json:"worker_type,omitempty"`
	// Repository is the target repository for the code change.
	Repository string `json:"repository,omitempty"`
	// BaseBranch is the branch the change is based on.
	BaseBranch string `json:"base_branch,omitempty"`
	// LinearIssueID references the external tracker issue, if any.
	LinearIssueID string `json:"linear_issue_id,omitempty"`
	// Result holds the outcome payload once the task completed.
	Result *TaskResult `json:"result,omitempty"`
	// Error holds the failure details once the task failed. Exactly one of
	// Result/Error is populated on a terminal task.
	Error *TaskError `json:"error,omitempty"`
	// CreatedAt is the timestamp (ms) when the record was created.
	CreatedAt int64 `json:"created_at"`
	// DispatchedAt is the timestamp (ms) when a worker accepted the task.
	DispatchedAt int64 `json:"dispatched_at,omitempty"`
	// CompletedAt is the timestamp (ms) of the terminal transition.
	CompletedAt int64 `json:"completed_at,omitempty"`
	// CallbackReceived flips false->true exactly once, guarded by a
	// transactional compare-and-set in the store.
	CallbackReceived bool `json:"callback_received"`
	// WebhookURL is the coordinator endpoint for completion callbacks.
	WebhookURL string `json:"webhook_url,omitempty"`
	// WebhookSecret is the opaque per-task signing secret. Never log it in
	// full; use RedactSecret.
	WebhookSecret string `json:"webhook_secret,omitempty"`
	// Progress is the last reported execution progress (0..100).
	Progress int `json:"progress,omitempty"`
}

// TaskResult is the artifact produced by a completed task.
type TaskResult struct {
	// PullRequestURL points at the produced change, when one exists.
	PullRequestURL string `json:"pull_request_url,omitempty"`
	// Branch is the branch the execution unit pushed to.
	Branch string `json:"branch,omitempty"`
	// Summary is a short human-readable description of the change.
	Summary string `json:"summary,omitempty"`
	// PartialWork marks a result harvested after a timeout fired.
	PartialWork bool `json:"partial_work,omitempty"`
	// CIFailed marks a produced artifact whose checks did not pass. The task
	// still counts as completed because the artifact exists.
	CIFailed bool `json:"ci_failed,omitempty"`
	// DurationMs is the wall-clock execution time in milliseconds.
	DurationMs int64 `json:"duration_ms,omitempty"`
}

// TaskError is the failure detail of a terminal, unsuccessful task.
type TaskError struct {
	// Code is the machine-distinguishable error kind.
	Code ErrorCode `json:"code"`
	// Message is the human-readable description.
	Message string `json:"message,omitempty"`
	// Remediation is the recommended caller action.
	Remediation Remediation `json:"remediation,omitempty"`
}

// Terminal reports whether the task has reached a terminal status.
func (t *Task) Terminal() bool { return t.Status.Terminal() }

// RedactSecret shortens an opaque secret for log output.
func RedactSecret(s string) string {
	if len(s) <= 6 {
		return "***"
	}
	return s[:4] + "..." + s[len(s)-2:]
}

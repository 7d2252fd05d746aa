package coderelay

// SubmitOption customises a coordinator submission.
type SubmitOption func(*Task)

// WithTaskID pins the task ID instead of generating one. Resubmitting an ID
// already present in the store fails with ErrDuplicateTask.
func WithTaskID(id string) SubmitOption {
	return func(t *Task) { t.TaskID = id }
}

// WithActionID attaches the originating action identifier. Submissions
// carrying an action ID already bound to a task return that task instead of
// creating a new one.
func WithActionID(id string) SubmitOption {
	return func(t *Task) { t.ActionID = id }
}

// WithApprovalEventID attaches the approval event that released the task.
// It is the strongest duplicate guard and is checked before the action ID.
func WithApprovalEventID(id string) SubmitOption {
	return func(t *Task) { t.ApprovalEventID = id }
}

// WithWorkerType selects the kind of execution unit to run the task on.
func WithWorkerType(workerType string) SubmitOption {
	return func(t *Task) { t.WorkerType = workerType }
}

// WithRepository sets the target repository and base branch.
func WithRepository(repo, baseBranch string) SubmitOption {
	return func(t *Task) {
		t.Repository = repo
		t.BaseBranch = baseBranch
	}
}

// WithLinearIssue links the task to an issue-tracker ticket.
func WithLinearIssue(id string) SubmitOption {
	return func(t *Task) { t.LinearIssueID = id }
}

// WithRetriedFrom marks the task as a retry of a previous one. Retries get a
// fresh dedup fingerprint so the content guard never swallows an explicit
// retry.
func WithRetriedFrom(taskID string) SubmitOption {
	return func(t *Task) { t.RetriedFrom = taskID }
}

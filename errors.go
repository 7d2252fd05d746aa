package coderelay

import "errors"

// ErrCapacityReached is returned when a worker rejects a submission because
// its concurrency ceiling is in use. The rejection is authoritative; callers
// move to the next worker or retry later.
var ErrCapacityReached = errors.New("coderelay: capacity reached")

// ErrTaskNotFound is returned when a task with the specified ID is not known.
var ErrTaskNotFound = errors.New("coderelay: task not found")

// ErrTaskTerminal is returned when an operation (cancellation, transition)
// targets a task already in a terminal state.
var ErrTaskTerminal = errors.New("coderelay: task already terminal")

// ErrDuplicateTask is returned by the store when a create collides on the
// raw task ID (distinct from the dedup guards, which return the existing
// task without error).
var ErrDuplicateTask = errors.New("coderelay: duplicate task id")

// ErrUnknownStatus is returned when an invalid status string is parsed.
var ErrUnknownStatus = errors.New("coderelay: unknown status")

// ErrNoWorkerAvailable is returned when every configured worker declined a
// submission. There is deliberately no queue; the caller retries manually.
var ErrNoWorkerAvailable = errors.New("coderelay: no worker available")

// ErrBadSignature is returned when webhook signature verification fails.
var ErrBadSignature = errors.New("coderelay: bad webhook signature")

// ErrStaleTimestamp is returned when a webhook timestamp falls outside the
// replay window.
var ErrStaleTimestamp = errors.New("coderelay: webhook timestamp outside window")

// ErrNotAccepting is returned when a worker in recovering or shutting-down
// state receives a submission.
var ErrNotAccepting = errors.New("coderelay: worker not accepting submissions")

// ErrorCode classifies a task failure in a machine-distinguishable way.
type ErrorCode string

const (
	CodeWorkerOffline   ErrorCode = "worker_offline"
	CodeCapacityReached ErrorCode = "capacity_reached"
	CodeAuthDegraded    ErrorCode = "auth_degraded"
	CodeGitAuthFailed   ErrorCode = "git_auth_failed"
	CodeQuotaExhausted  ErrorCode = "quota_exhausted"
	CodeTimeout         ErrorCode = "timeout"
	CodeCIFailed        ErrorCode = "ci_failed"
	CodeCancelled       ErrorCode = "cancelled"
	CodeInterrupted     ErrorCode = "interrupted"
	CodeZombieRecovered ErrorCode = "zombie_recovered"
	CodeUnknown         ErrorCode = "unknown_error"
)

// Retryable reports whether retrying the task can change the outcome.
// Business-outcome failures (quota, CI) are never retried automatically.
func (c ErrorCode) Retryable() bool {
	switch c {
	case CodeWorkerOffline, CodeCapacityReached, CodeAuthDegraded,
		CodeGitAuthFailed, CodeInterrupted, CodeZombieRecovered:
		return true
	default:
		return false
	}
}

// Remediation is the recommended caller action attached to user-visible
// failures, never a bare stack trace.
type Remediation string

const (
	RemedyRetry          Remediation = "retry"
	RemedyWait           Remediation = "wait"
	RemedyFixCode        Remediation = "fix_code"
	RemedyContactSupport Remediation = "contact_support"
)

// RemediationFor maps an error code to its recommended caller action.
func RemediationFor(c ErrorCode) Remediation {
	switch c {
	case CodeWorkerOffline, CodeInterrupted, CodeZombieRecovered, CodeTimeout:
		return RemedyRetry
	case CodeCapacityReached, CodeAuthDegraded, CodeGitAuthFailed:
		return RemedyWait
	case CodeCIFailed:
		return RemedyFixCode
	default:
		return RemedyContactSupport
	}
}

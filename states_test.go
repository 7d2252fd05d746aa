package coderelay

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStatus_Terminal(t *testing.T) {
	require.False(t, StatusDispatched.Terminal())
	require.False(t, StatusRunning.Terminal())
	require.True(t, StatusCompleted.Terminal())
	require.True(t, StatusFailed.Terminal())
	require.True(t, StatusInterrupted.Terminal())
	require.True(t, StatusCancelled.Terminal())
}

func TestStatus_CanTransition(t *testing.T) {
	// dispatched moves to running or straight to any terminal state.
	require.True(t, StatusDispatched.CanTransition(StatusRunning))
	require.True(t, StatusDispatched.CanTransition(StatusFailed))
	require.True(t, StatusDispatched.CanTransition(StatusInterrupted))
	require.False(t, StatusDispatched.CanTransition(StatusDispatched))

	// running only moves forward into terminal states.
	for _, next := range AllStatuses {
		require.Equal(t, next.Terminal(), StatusRunning.CanTransition(next), "running -> %s", next)
	}

	// terminal states admit nothing.
	for _, s := range AllStatuses {
		if !s.Terminal() {
			continue
		}
		for _, next := range AllStatuses {
			require.False(t, s.CanTransition(next), "%s -> %s", s, next)
		}
	}
}

func TestParseStatus(t *testing.T) {
	for _, s := range AllStatuses {
		got, err := ParseStatus(string(s))
		require.NoError(t, err)
		require.Equal(t, s, got)
	}
	_, err := ParseStatus("paused")
	require.ErrorIs(t, err, ErrUnknownStatus)
}

func TestErrorCode_Retryable(t *testing.T) {
	require.True(t, CodeWorkerOffline.Retryable())
	require.True(t, CodeInterrupted.Retryable())
	require.True(t, CodeZombieRecovered.Retryable())

	// Business outcomes are never auto-retried.
	require.False(t, CodeQuotaExhausted.Retryable())
	require.False(t, CodeCIFailed.Retryable())
	require.False(t, CodeCancelled.Retryable())
}

func TestRemediationFor(t *testing.T) {
	require.Equal(t, RemedyRetry, RemediationFor(CodeTimeout))
	require.Equal(t, RemedyWait, RemediationFor(CodeCapacityReached))
	require.Equal(t, RemedyFixCode, RemediationFor(CodeCIFailed))
	require.Equal(t, RemedyContactSupport, RemediationFor(CodeUnknown))
}

package coderelay

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	mrd "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	ikeys "github.com/coderelay/coderelay-go/internal/keys"
	"github.com/coderelay/coderelay-go/internal/webhook"
)

func newMiniClient(t *testing.T) (*redis.Client, func()) {
	t.Helper()
	s := mrd.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	cleanup := func() {
		_ = rdb.Close()
		s.Close()
	}
	return rdb, cleanup
}

func newTask(id string) *Task {
	return &Task{
		TaskID: id,
		UserID: "u-1",
		Prompt: "Fix the login bug",
	}
}

func TestStore_CreateTask_ApprovalGuard(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	s := NewStore(rdb)
	ctx := context.Background()

	first := newTask("t-1")
	first.ApprovalEventID = "appr-1"
	created1, ok, err := s.CreateTask(ctx, first)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "t-1", created1.TaskID)

	// Same approval event, different everything else: must return the
	// original task, not create a new one.
	second := &Task{TaskID: "t-2", UserID: "u-other", Prompt: "Different prompt", ApprovalEventID: "appr-1"}
	existing, ok, err := s.CreateTask(ctx, second)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, "t-1", existing.TaskID)

	// The losing submission must not leave index residue behind.
	_, err = rdb.HGet(ctx, ikeys.ActionIndex(), "t-2").Result()
	require.Error(t, err)
}

func TestStore_CreateTask_ActionGuard(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	s := NewStore(rdb)
	ctx := context.Background()

	first := newTask("t-1")
	first.ActionID = "act-1"
	_, ok, err := s.CreateTask(ctx, first)
	require.NoError(t, err)
	require.True(t, ok)

	second := &Task{TaskID: "t-2", UserID: "u-2", Prompt: "Another prompt", ActionID: "act-1"}
	existing, ok, err := s.CreateTask(ctx, second)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, "t-1", existing.TaskID)
}

func TestStore_CreateTask_FingerprintGuard(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	s := NewStore(rdb)
	ctx := context.Background()

	_, ok, err := s.CreateTask(ctx, newTask("t-1"))
	require.NoError(t, err)
	require.True(t, ok)

	// Whitespace and case changes must hit the same fingerprint.
	dup := &Task{TaskID: "t-2", UserID: "u-1", Prompt: "  fix THE   login bug "}
	existing, ok, err := s.CreateTask(ctx, dup)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, "t-1", existing.TaskID)

	// A different user with the same prompt is not a duplicate.
	other := &Task{TaskID: "t-3", UserID: "u-2", Prompt: "Fix the login bug"}
	_, ok, err = s.CreateTask(ctx, other)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestStore_CreateTask_RetrySkipsFingerprint(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	s := NewStore(rdb)
	ctx := context.Background()

	_, ok, err := s.CreateTask(ctx, newTask("t-1"))
	require.NoError(t, err)
	require.True(t, ok)

	retry := newTask("t-retry")
	retry.RetriedFrom = "t-1"
	_, ok, err = s.CreateTask(ctx, retry)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestStore_CreateTask_DuplicateID(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	s := NewStore(rdb)
	ctx := context.Background()

	_, _, err := s.CreateTask(ctx, newTask("t-1"))
	require.NoError(t, err)

	reused := &Task{TaskID: "t-1", UserID: "u-9", Prompt: "Totally new prompt"}
	_, _, err = s.CreateTask(ctx, reused)
	require.ErrorIs(t, err, ErrDuplicateTask)
}

func TestStore_MarkRunning_And_Conflict(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	s := NewStore(rdb)
	ctx := context.Background()

	_, _, err := s.CreateTask(ctx, newTask("t-1"))
	require.NoError(t, err)
	require.NoError(t, s.MarkRunning(ctx, "t-1"))

	got, err := s.GetTask(ctx, "t-1")
	require.NoError(t, err)
	require.Equal(t, StatusRunning, got.Status)

	// Terminal first, then a late running update must be rejected.
	applied, _, err := s.ApplyTerminal(ctx, "t-1", StatusCompleted, &TaskResult{Branch: "b"}, nil, false)
	require.NoError(t, err)
	require.True(t, applied)
	require.ErrorIs(t, s.MarkRunning(ctx, "t-1"), ErrTaskTerminal)

	require.ErrorIs(t, s.MarkRunning(ctx, "nope"), ErrTaskNotFound)
}

func TestStore_ApplyTerminal_ForwardOnly(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	s := NewStore(rdb)
	ctx := context.Background()

	_, _, err := s.CreateTask(ctx, newTask("t-1"))
	require.NoError(t, err)

	// Worker write-through wins the status.
	applied, got, err := s.ApplyTerminal(ctx, "t-1", StatusCompleted, &TaskResult{PullRequestURL: "pr"}, nil, false)
	require.NoError(t, err)
	require.True(t, applied)
	require.Equal(t, StatusCompleted, got.Status)
	require.False(t, got.CallbackReceived)

	// A second worker write-through is a no-op.
	applied, _, err = s.ApplyTerminal(ctx, "t-1", StatusFailed, nil, &TaskError{Code: CodeTimeout}, false)
	require.NoError(t, err)
	require.False(t, applied)
	got, err = s.GetTask(ctx, "t-1")
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, got.Status)

	// The callback claim is still open: the first callback applies and wins,
	// later callbacks are duplicates.
	applied, got, err = s.ApplyTerminal(ctx, "t-1", StatusCompleted, &TaskResult{PullRequestURL: "pr"}, nil, true)
	require.NoError(t, err)
	require.True(t, applied)
	require.True(t, got.CallbackReceived)

	applied, _, err = s.ApplyTerminal(ctx, "t-1", StatusCompleted, &TaskResult{PullRequestURL: "pr"}, nil, true)
	require.NoError(t, err)
	require.False(t, applied)
}

func TestStore_ApplyTerminal_CallbackWritesStatus(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	s := NewStore(rdb)
	ctx := context.Background()

	_, _, err := s.CreateTask(ctx, newTask("t-1"))
	require.NoError(t, err)

	// Webhook lands before any worker write-through: the callback claim both
	// advances the status and flips the flag, and removes the task from the
	// open index.
	applied, got, err := s.ApplyTerminal(ctx, "t-1", StatusFailed, nil, &TaskError{Code: CodeGitAuthFailed}, true)
	require.NoError(t, err)
	require.True(t, applied)
	require.Equal(t, StatusFailed, got.Status)
	require.True(t, got.CallbackReceived)

	n, err := rdb.ZCard(ctx, ikeys.Open()).Result()
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestStore_DispatchAndProgressRefuseTerminal(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	s := NewStore(rdb)
	ctx := context.Background()

	_, _, err := s.CreateTask(ctx, newTask("t-1"))
	require.NoError(t, err)

	require.NoError(t, s.UpdateDispatch(ctx, "t-1", "gcp-worker-1", time.Now()))
	require.NoError(t, s.UpdateProgress(ctx, "t-1", 40))

	got, err := s.GetTask(ctx, "t-1")
	require.NoError(t, err)
	require.Equal(t, "gcp-worker-1", got.WorkerLocation)
	require.Equal(t, 40, got.Progress)
	require.NotZero(t, got.DispatchedAt)

	_, _, err = s.ApplyTerminal(ctx, "t-1", StatusCompleted, &TaskResult{PullRequestURL: "pr-1"}, nil, false)
	require.NoError(t, err)

	// Late metadata writes are refused, not applied over the result.
	require.ErrorIs(t, s.UpdateProgress(ctx, "t-1", 99), ErrTaskTerminal)
	require.ErrorIs(t, s.UpdateDispatch(ctx, "t-1", "other-worker", time.Now()), ErrTaskTerminal)

	got, err = s.GetTask(ctx, "t-1")
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, got.Status)
	require.NotNil(t, got.Result)
	require.Equal(t, "pr-1", got.Result.PullRequestURL)
	require.Equal(t, "gcp-worker-1", got.WorkerLocation)

	require.ErrorIs(t, s.UpdateProgress(ctx, "missing", 10), ErrTaskNotFound)
	require.ErrorIs(t, s.UpdateDispatch(ctx, "missing", "w", time.Now()), ErrTaskNotFound)
}

func TestStore_ProgressNeverErasesTerminalResult(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	s := NewStore(rdb)
	ctx := context.Background()

	// Progress writes hammering a task while it goes terminal must never
	// strip the stored result.
	for i := 0; i < 50; i++ {
		id := fmt.Sprintf("t-%d", i)
		task := newTask(id)
		task.UserID = id
		_, _, err := s.CreateTask(ctx, task)
		require.NoError(t, err)

		stop := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for p := 0; ; p++ {
				select {
				case <-stop:
					return
				default:
				}
				_ = s.UpdateProgress(ctx, id, p%100)
			}
		}()

		_, _, err = s.ApplyTerminal(ctx, id, StatusCompleted, &TaskResult{PullRequestURL: "pr-1"}, nil, false)
		require.NoError(t, err)
		close(stop)
		wg.Wait()

		got, gerr := s.GetTask(ctx, id)
		require.NoError(t, gerr)
		require.Equal(t, StatusCompleted, got.Status)
		require.NotNil(t, got.Result, "result lost on iteration %d", i)
		require.Equal(t, "pr-1", got.Result.PullRequestURL)
	}
}

func TestStore_StaleTasks_And_Heartbeat(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	s := NewStore(rdb)
	ctx := context.Background()

	old := newTask("t-old")
	old.CreatedAt = time.Now().Add(-time.Hour).UnixMilli()
	_, _, err := s.CreateTask(ctx, old)
	require.NoError(t, err)

	fresh := newTask("t-fresh")
	fresh.UserID = "u-2"
	_, _, err = s.CreateTask(ctx, fresh)
	require.NoError(t, err)

	stale, err := s.StaleTasks(ctx, time.Now().Add(-30*time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	require.Equal(t, "t-old", stale[0].TaskID)

	// A heartbeat resets the staleness clock.
	require.NoError(t, s.Heartbeat(ctx, "t-old", time.Now()))
	stale, err = s.StaleTasks(ctx, time.Now().Add(-30*time.Minute))
	require.NoError(t, err)
	require.Empty(t, stale)

	// Heartbeats never resurrect a finished task into the open index.
	_, _, err = s.ApplyTerminal(ctx, "t-old", StatusCompleted, &TaskResult{}, nil, true)
	require.NoError(t, err)
	require.NoError(t, s.Heartbeat(ctx, "t-old", time.Now()))
	n, err := rdb.ZCard(ctx, ikeys.Open()).Result()
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestStore_PendingWebhookQueue(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	s := NewStore(rdb)
	ctx := context.Background()

	p := webhook.Pending{
		TaskID:        "t-1",
		URL:           "http://coordinator/webhooks/tasks",
		Body:          []byte(`{"task_id":"t-1"}`),
		Secret:        "sec",
		Attempts:      4,
		FirstQueuedMs: time.Now().UnixMilli(),
	}
	require.NoError(t, s.Queue(ctx, p, time.Now().Add(-time.Minute)))

	due, err := s.Due(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, "t-1", due[0].TaskID)

	// Not yet due entries stay invisible.
	later := p
	later.TaskID = "t-2"
	require.NoError(t, s.Queue(ctx, later, time.Now().Add(time.Hour)))
	due, err = s.Due(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	// Retry bumps the attempt count and replaces the member.
	require.NoError(t, s.Retry(ctx, due[0], time.Now().Add(-time.Second)))
	due, err = s.Due(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, 5, due[0].Attempts)

	require.NoError(t, s.Ack(ctx, due[0]))
	due, err = s.Due(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Empty(t, due)
}

func TestFingerprint_Normalization(t *testing.T) {
	a := Fingerprint("u-1", "Fix the login bug")
	b := Fingerprint("u-1", "  fix   THE login\tbug ")
	c := Fingerprint("u-2", "Fix the login bug")
	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
	require.Len(t, a, 16)
}

package coderelay

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	ikeys "github.com/coderelay/coderelay-go/internal/keys"
	"github.com/coderelay/coderelay-go/internal/webhook"
)

// DedupWindow is how long a prompt fingerprint blocks re-creation of an
// equivalent task.
const DedupWindow = 5 * time.Minute

// Fingerprint derives the dedup key for a submission: sha256 over the user
// ID and the normalized prompt (trimmed, inner whitespace collapsed,
// lowercased), truncated to 16 hex characters.
func Fingerprint(userID, prompt string) string {
	norm := strings.ToLower(strings.Join(strings.Fields(prompt), " "))
	sum := sha256.Sum256([]byte(userID + norm))
	return hex.EncodeToString(sum[:])[:16]
}

// applyTerminalScript is the worker write-through transition: forward-only
// into a terminal status, leaving the callback flag untouched. A task that
// is already terminal is left unchanged.
var applyTerminalScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'status')
if not cur then return 'not_found' end
if cur == 'completed' or cur == 'failed' or cur == 'interrupted' or cur == 'cancelled' then
  return 'dup'
end
redis.call('HSET', KEYS[1], 'status', ARGV[1], 'data', ARGV[2])
redis.call('ZREM', KEYS[2], ARGV[3])
return 'ok'
`)

// markCallbackScript is the coordinator-side transactional read-modify-write
// keyed on callbackReceived: the first committer wins and is the only caller
// permitted to trigger side effects. When the worker already recorded the
// terminal status, only the callback flag is claimed.
var markCallbackScript = redis.NewScript(`
local cb = redis.call('HGET', KEYS[1], 'cb')
if not cb then return 'not_found' end
if cb == '1' then return 'dup' end
local cur = redis.call('HGET', KEYS[1], 'status')
if cur == 'completed' or cur == 'failed' or cur == 'interrupted' or cur == 'cancelled' then
  redis.call('HSET', KEYS[1], 'cb', '1')
else
  redis.call('HSET', KEYS[1], 'status', ARGV[1], 'data', ARGV[2], 'cb', '1')
end
redis.call('ZREM', KEYS[2], ARGV[3])
return 'ok'
`)

// markRunningScript advances dispatched -> running, rejecting anything else
// so out-of-order updates cannot resurrect a terminal task.
var markRunningScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'status')
if not cur then return 'not_found' end
if cur ~= 'dispatched' then return 'conflict' end
redis.call('HSET', KEYS[1], 'status', 'running', 'data', ARGV[1])
return 'ok'
`)

// updateDispatchScript records dispatch metadata in its own hash fields,
// never touching the data blob, so it cannot race a concurrent terminal
// write. A terminal task is left unchanged.
var updateDispatchScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'status')
if not cur then return 'not_found' end
if cur == 'completed' or cur == 'failed' or cur == 'interrupted' or cur == 'cancelled' then
  return 'terminal'
end
redis.call('HSET', KEYS[1], 'worker', ARGV[1], 'dispatched_at', ARGV[2])
return 'ok'
`)

// updateProgressScript mirrors updateDispatchScript for the progress field.
var updateProgressScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'status')
if not cur then return 'not_found' end
if cur == 'completed' or cur == 'failed' or cur == 'interrupted' or cur == 'cancelled' then
  return 'terminal'
end
redis.call('HSET', KEYS[1], 'progress', ARGV[1])
return 'ok'
`)

// Store is the durable, transactional task store shared by the coordinator
// and the workers. Task records live in Redis hashes; conditional writes go
// through Lua scripts so the forward-only and first-committer-wins
// invariants hold under concurrent reporters.
type Store struct {
	rdb     redis.UniversalClient
	encoder Encoder
}

// NewStore creates a Store on the given Redis client.
func NewStore(rdb redis.UniversalClient) *Store {
	return &Store{rdb: rdb, encoder: &JSONEncoder{}}
}

// CreateTask runs the three dedup guards in decreasing specificity and only
// creates a record when all of them miss. On a guard hit it returns the
// existing task and created=false. Reservations taken by this call are
// rolled back when a later guard hits or the write fails.
func (s *Store) CreateTask(ctx context.Context, t *Task) (task *Task, created bool, err error) {
	var undo []func()
	rollback := func() {
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
	}

	// Layer 0: approval-event guard.
	if t.ApprovalEventID != "" {
		ok, aerr := s.rdb.HSetNX(ctx, ikeys.ApprovalIndex(), t.ApprovalEventID, t.TaskID).Result()
		if aerr != nil {
			return nil, false, aerr
		}
		if !ok {
			existingID, gerr := s.rdb.HGet(ctx, ikeys.ApprovalIndex(), t.ApprovalEventID).Result()
			if gerr != nil {
				return nil, false, gerr
			}
			existing, gerr := s.GetTask(ctx, existingID)
			return existing, false, gerr
		}
		undo = append(undo, func() { _ = s.rdb.HDel(context.Background(), ikeys.ApprovalIndex(), t.ApprovalEventID).Err() })
	}

	// Layer 1: action guard.
	if t.ActionID != "" {
		ok, aerr := s.rdb.HSetNX(ctx, ikeys.ActionIndex(), t.ActionID, t.TaskID).Result()
		if aerr != nil {
			rollback()
			return nil, false, aerr
		}
		if !ok {
			existingID, gerr := s.rdb.HGet(ctx, ikeys.ActionIndex(), t.ActionID).Result()
			if gerr != nil {
				rollback()
				return nil, false, gerr
			}
			rollback()
			existing, gerr := s.GetTask(ctx, existingID)
			return existing, false, gerr
		}
		undo = append(undo, func() { _ = s.rdb.HDel(context.Background(), ikeys.ActionIndex(), t.ActionID).Err() })
	}

	// Layer 2: prompt-fingerprint guard with a time window. Explicit retries
	// skip it; re-submitting the same prompt is the point of a retry.
	if t.UserID != "" && t.Prompt != "" && t.RetriedFrom == "" {
		t.DedupKey = Fingerprint(t.UserID, t.Prompt)
		ok, derr := s.rdb.SetNX(ctx, ikeys.Dedup(t.DedupKey), t.TaskID, DedupWindow).Result()
		if derr != nil {
			rollback()
			return nil, false, derr
		}
		if !ok {
			existingID, gerr := s.rdb.Get(ctx, ikeys.Dedup(t.DedupKey)).Result()
			if gerr != nil {
				rollback()
				return nil, false, gerr
			}
			rollback()
			existing, gerr := s.GetTask(ctx, existingID)
			return existing, false, gerr
		}
		undo = append(undo, func() { _ = s.rdb.Del(context.Background(), ikeys.Dedup(t.DedupKey)).Err() })
	}

	// Claim the raw ID last; a collision here means the caller reused an ID.
	claimed, cerr := s.rdb.HSetNX(ctx, ikeys.Task(t.TaskID), "cb", "0").Result()
	if cerr != nil {
		rollback()
		return nil, false, cerr
	}
	if !claimed {
		rollback()
		return nil, false, ErrDuplicateTask
	}

	if t.CreatedAt == 0 {
		t.CreatedAt = time.Now().UnixMilli()
	}
	if t.Status == "" {
		t.Status = StatusDispatched
	}
	data, eerr := s.encoder.Encode(t)
	if eerr != nil {
		rollback()
		_ = s.rdb.Del(context.Background(), ikeys.Task(t.TaskID)).Err()
		return nil, false, eerr
	}

	_, perr := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, ikeys.Task(t.TaskID), "data", data, "status", string(t.Status))
		p.ZAdd(ctx, ikeys.Open(), redis.Z{Score: float64(t.CreatedAt), Member: t.TaskID})
		return nil
	})
	if perr != nil {
		rollback()
		_ = s.rdb.Del(context.Background(), ikeys.Task(t.TaskID)).Err()
		return nil, false, perr
	}
	return t, true, nil
}

// GetTask fetches a task record. The hash's status, callback, dispatch and
// progress fields are authoritative and overlay whatever the data blob
// carries.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	h, err := s.rdb.HGetAll(ctx, ikeys.Task(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(h) == 0 {
		return nil, ErrTaskNotFound
	}
	var t Task
	if data, ok := h["data"]; ok && data != "" {
		if derr := s.encoder.Decode([]byte(data), &t); derr != nil {
			return nil, derr
		}
	}
	if st, ok := h["status"]; ok && st != "" {
		t.Status = Status(st)
	}
	t.CallbackReceived = h["cb"] == "1"
	if wloc := h["worker"]; wloc != "" {
		t.WorkerLocation = wloc
	}
	if raw := h["dispatched_at"]; raw != "" {
		if v, perr := strconv.ParseInt(raw, 10, 64); perr == nil {
			t.DispatchedAt = v
		}
	}
	if raw := h["progress"]; raw != "" {
		if v, perr := strconv.Atoi(raw); perr == nil {
			t.Progress = v
		}
	}
	if t.TaskID == "" {
		t.TaskID = id
	}
	return &t, nil
}

// UpdateDispatch records which worker accepted the task and when. Once the
// task is terminal the write is refused with ErrTaskTerminal, so a late
// dispatch record can never clobber a result.
func (s *Store) UpdateDispatch(ctx context.Context, id, workerLocation string, at time.Time) error {
	res, err := updateDispatchScript.Run(ctx, s.rdb, []string{ikeys.Task(id)},
		workerLocation, at.UnixMilli()).Result()
	if err != nil {
		return err
	}
	switch res {
	case "ok":
		return nil
	case "not_found":
		return ErrTaskNotFound
	default:
		return ErrTaskTerminal
	}
}

// UpdateProgress records the last reported execution progress (0..100).
// Progress is informational only and never gates a transition; a terminal
// task refuses the write with ErrTaskTerminal.
func (s *Store) UpdateProgress(ctx context.Context, id string, progress int) error {
	res, err := updateProgressScript.Run(ctx, s.rdb, []string{ikeys.Task(id)}, progress).Result()
	if err != nil {
		return err
	}
	switch res {
	case "ok":
		return nil
	case "not_found":
		return ErrTaskNotFound
	default:
		return ErrTaskTerminal
	}
}

// MarkRunning advances the task from dispatched to running. It returns
// ErrTaskTerminal when the task already moved past dispatched.
func (s *Store) MarkRunning(ctx context.Context, id string) error {
	t, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	t.Status = StatusRunning
	data, err := s.encoder.Encode(t)
	if err != nil {
		return err
	}
	res, err := markRunningScript.Run(ctx, s.rdb, []string{ikeys.Task(id)}, data).Result()
	if err != nil {
		return err
	}
	switch res {
	case "ok":
		return nil
	case "not_found":
		return ErrTaskNotFound
	default:
		return ErrTaskTerminal
	}
}

// Heartbeat refreshes the staleness clock for an open task. The XX flag
// keeps a finished task from being resurrected into the open index.
func (s *Store) Heartbeat(ctx context.Context, id string, at time.Time) error {
	return s.rdb.ZAddXX(ctx, ikeys.Open(), redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: id,
	}).Err()
}

// ApplyTerminal moves a task into a terminal status. With markCallback set
// (webhook receiver, reconciler poll results) it is the idempotent
// first-committer-wins transaction: applied is true only for the winner, and
// only the winner may trigger side effects. Without it (worker
// write-through) the status is advanced but the callback claim stays open.
func (s *Store) ApplyTerminal(ctx context.Context, id string, status Status, result *TaskResult, terr *TaskError, markCallback bool) (applied bool, task *Task, err error) {
	if !status.Terminal() {
		return false, nil, ErrUnknownStatus
	}
	t, err := s.GetTask(ctx, id)
	if err != nil {
		return false, nil, err
	}
	t.Status = status
	t.Result = result
	t.Error = terr
	if t.CompletedAt == 0 {
		t.CompletedAt = time.Now().UnixMilli()
	}
	if markCallback {
		t.CallbackReceived = true
	}
	data, eerr := s.encoder.Encode(t)
	if eerr != nil {
		return false, nil, eerr
	}

	script := applyTerminalScript
	if markCallback {
		script = markCallbackScript
	}
	res, serr := script.Run(ctx, s.rdb,
		[]string{ikeys.Task(id), ikeys.Open()},
		string(status), data, id,
	).Result()
	if serr != nil {
		return false, nil, serr
	}
	switch res {
	case "ok":
		applied = true
	case "dup":
		applied = false
	case "not_found":
		return false, nil, ErrTaskNotFound
	}
	stored, gerr := s.GetTask(ctx, id)
	if gerr != nil {
		return applied, nil, gerr
	}
	return applied, stored, nil
}

// StaleTasks returns open tasks whose last heartbeat is older than cutoff,
// in heartbeat order. Records that vanished are skipped.
func (s *Store) StaleTasks(ctx context.Context, cutoff time.Time) ([]*Task, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, ikeys.Open(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(cutoff.UnixMilli(), 10),
		Count: 256,
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*Task, 0, len(ids))
	for _, id := range ids {
		t, gerr := s.GetTask(ctx, id)
		if gerr != nil {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// Queue persists a pending webhook scored by its next-attempt time.
// Store implements webhook.Queue.
func (s *Store) Queue(ctx context.Context, p webhook.Pending, next time.Time) error {
	raw, err := s.encoder.Encode(p)
	if err != nil {
		return err
	}
	return s.rdb.ZAdd(ctx, ikeys.PendingWebhooks(), redis.Z{
		Score:  float64(next.UnixMilli()),
		Member: raw,
	}).Err()
}

// Due returns pending webhooks whose next-attempt time has passed.
func (s *Store) Due(ctx context.Context, now time.Time, limit int) ([]webhook.Pending, error) {
	raws, err := s.rdb.ZRangeByScore(ctx, ikeys.PendingWebhooks(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]webhook.Pending, 0, len(raws))
	for _, raw := range raws {
		var p webhook.Pending
		if derr := s.encoder.Decode([]byte(raw), &p); derr == nil {
			out = append(out, p)
		}
	}
	return out, nil
}

// Ack removes a pending webhook after successful delivery or expiry.
func (s *Store) Ack(ctx context.Context, p webhook.Pending) error {
	raw, err := s.encoder.Encode(p)
	if err != nil {
		return err
	}
	return s.rdb.ZRem(ctx, ikeys.PendingWebhooks(), raw).Err()
}

// Retry replaces a pending webhook with its attempt count bumped and a new
// next-attempt time.
func (s *Store) Retry(ctx context.Context, p webhook.Pending, next time.Time) error {
	oldRaw, err := s.encoder.Encode(p)
	if err != nil {
		return err
	}
	p.Attempts++
	newRaw, err := s.encoder.Encode(p)
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, ikeys.PendingWebhooks(), oldRaw)
		pipe.ZAdd(ctx, ikeys.PendingWebhooks(), redis.Z{
			Score:  float64(next.UnixMilli()),
			Member: newRaw,
		})
		return nil
	})
	return err
}

package coderelay

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/coderelay/coderelay-go/internal/capacity"
	"github.com/coderelay/coderelay-go/internal/journal"
	"github.com/coderelay/coderelay-go/internal/lifecycle"
	"github.com/coderelay/coderelay-go/internal/webhook"
)

// WebhookBody is the JSON body of a completion/status callback.
type WebhookBody struct {
	TaskID     string      `json:"task_id"`
	Status     Status      `json:"status"`
	Result     *TaskResult `json:"result,omitempty"`
	Error      *TaskError  `json:"error,omitempty"`
	DurationMs int64       `json:"duration_ms"`
}

// UnitFactory provisions execution units for accepted tasks and reattaches
// to units journaled before a restart.
type UnitFactory interface {
	// NewUnit constructs (but does not start) a unit for the task, rooted at
	// the task's workspace.
	NewUnit(t *Task, workspace string) (lifecycle.ExecutionUnit, error)
	// Reattach resumes supervision of a journaled unit handle. ok is false
	// when the unit no longer exists; the task is then interrupted.
	Reattach(handle string) (unit lifecycle.ExecutionUnit, ok bool)
}

// DispatcherConfig configures a worker process.
type DispatcherConfig struct {
	// Location names this worker; it is recorded on every task it accepts.
	Location string
	// Capacity is the fixed concurrency ceiling (default 2).
	Capacity int
	// WorkspaceRoot holds one worktree directory per task.
	WorkspaceRoot string
	// JournalFile is the snapshot name inside WorkspaceRoot (default
	// "journal.json").
	JournalFile string
	// Lifecycle carries the watchdog timings.
	Lifecycle lifecycle.Config
	// Webhook carries the delivery policy.
	Webhook webhook.Config
	// WorkspaceRetention is how long terminal workspaces are kept for
	// inspection before the cleanup sweep removes them (default 7 days).
	WorkspaceRetention time.Duration
	// CleanupEvery is the cleanup sweep cadence (default 1h).
	CleanupEvery time.Duration
	// RecoveryNotifyTimeout bounds the startup notification phase
	// (default 5m); outstanding notifications after it leave the worker
	// degraded and continue in the background.
	RecoveryNotifyTimeout time.Duration
	// Logger is used for worker events.
	Logger Logger
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.Capacity <= 0 {
		c.Capacity = 2
	}
	if c.JournalFile == "" {
		c.JournalFile = "journal.json"
	}
	if c.WorkspaceRetention <= 0 {
		c.WorkspaceRetention = 7 * 24 * time.Hour
	}
	if c.CleanupEvery <= 0 {
		c.CleanupEvery = time.Hour
	}
	if c.RecoveryNotifyTimeout <= 0 {
		c.RecoveryNotifyTimeout = 5 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = noopLogger{}
	}
	return c
}

// HealthSnapshot is the advisory health report of a worker. Available is
// informational only: callers must attempt submission and treat a capacity
// rejection as the authoritative signal.
type HealthSnapshot struct {
	Status    WorkerState `json:"status"`
	Capacity  int         `json:"capacity"`
	Running   int         `json:"running"`
	Available int         `json:"available"`
}

type activeTask struct {
	task      *Task
	mgr       *lifecycle.Manager
	workspace string
	startedAt time.Time
}

// Dispatcher is the worker-side orchestrator: it admits tasks under the
// capacity ceiling, supervises their lifecycle, journals every transition
// locally before writing through to the shared store, and reports results
// over signed webhooks.
type Dispatcher struct {
	cfg     DispatcherConfig
	store   *Store
	units   UnitFactory
	cap     *capacity.Controller
	jnl     *journal.Journal
	hooks   *webhook.Deliverer
	encoder Encoder
	log     Logger

	mu      sync.Mutex
	state   WorkerState
	active  map[string]*activeTask
	started bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher creates a worker dispatcher. The journal is loaded
// immediately; a corrupt snapshot is archived and logged, never fatal.
func NewDispatcher(store *Store, units UnitFactory, cfg DispatcherConfig) (*Dispatcher, error) {
	cfg = cfg.withDefaults()
	if err := os.MkdirAll(cfg.WorkspaceRoot, 0o755); err != nil {
		return nil, err
	}
	jnl, corrupted, err := journal.Load(journal.OSStorage{Dir: cfg.WorkspaceRoot}, cfg.JournalFile)
	if err != nil {
		return nil, err
	}
	if corrupted {
		cfg.Logger.Errorf("journal corrupt; archived and starting empty (local recovery context lost)")
	}
	cfg.Webhook.Logger = webhookLogger{cfg.Logger}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cfg:     cfg,
		store:   store,
		units:   units,
		cap:     capacity.New(cfg.Capacity),
		jnl:     jnl,
		hooks:   webhook.New(store, cfg.Webhook),
		encoder: &JSONEncoder{},
		log:     cfg.Logger,
		state:   WorkerReady,
		active:  make(map[string]*activeTask),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// webhookLogger adapts the public Logger to the internal webhook logger.
type webhookLogger struct{ Logger }

// Start runs journal recovery and launches the background routines. It is
// idempotent and non-blocking; while recovery notifications are in flight
// the worker stays in recovering and rejects submissions.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	if d.started {
		d.log.Warnf("dispatcher already started; ignoring Start()")
		d.mu.Unlock()
		return
	}
	d.started = true
	d.mu.Unlock()

	d.hooks.Start()
	interrupted := d.recoverFromJournal()

	if len(interrupted) > 0 {
		d.setState(WorkerRecovering)
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.notifyInterrupted(interrupted)
		}()
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.cfg.CleanupEvery)
		defer ticker.Stop()
		for {
			select {
			case <-d.ctx.Done():
				return
			case <-ticker.C:
				d.cleanupWorkspaces()
			}
		}
	}()

	cap_, running := d.cap.Snapshot()
	d.log.Infof("dispatcher started: location=%s capacity=%d running=%d", d.cfg.Location, cap_, running)
}

// Stop detaches from running units (they are journaled and recoverable) and
// waits for background routines to exit.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return
	}
	d.started = false
	d.state = WorkerShuttingDown
	d.mu.Unlock()

	d.cancel()
	d.wg.Wait()
	d.hooks.Stop()
}

// Submit admits a task if a capacity slot is free. Admission and the counter
// increment are one atomic step; everything past admission runs
// asynchronously to the caller.
func (d *Dispatcher) Submit(req SubmitRequest) (*Task, error) {
	d.mu.Lock()
	state := d.state
	d.mu.Unlock()
	if state == WorkerRecovering || state == WorkerShuttingDown {
		return nil, ErrNotAccepting
	}

	if !d.cap.TryReserve() {
		return nil, ErrCapacityReached
	}

	now := time.Now()
	t := &Task{
		TaskID:         req.TaskID,
		ActionID:       req.ActionID,
		Status:         StatusDispatched,
		WorkerLocation: d.cfg.Location,
		Prompt:         req.Prompt,
		WorkerType:     req.WorkerType,
		Repository:     req.Repository,
		BaseBranch:     req.BaseBranch,
		LinearIssueID:  req.LinearIssueID,
		WebhookURL:     req.WebhookURL,
		WebhookSecret:  req.WebhookSecret,
		DispatchedAt:   now.UnixMilli(),
	}
	workspace := filepath.Join(d.cfg.WorkspaceRoot, req.TaskID)

	unit, err := d.units.NewUnit(t, workspace)
	if err != nil {
		d.cap.Release()
		return nil, err
	}

	entry := journal.Entry{
		TaskID:        t.TaskID,
		Status:        string(StatusDispatched),
		UnitHandle:    unit.Handle(),
		Workspace:     workspace,
		StartedAt:     now.UnixMilli(),
		WebhookURL:    t.WebhookURL,
		WebhookSecret: t.WebhookSecret,
		LinearIssueID: t.LinearIssueID,
	}
	if err := d.jnl.Put(entry); err != nil {
		d.cap.Release()
		return nil, err
	}
	if err := d.store.UpdateDispatch(d.ctx, t.TaskID, d.cfg.Location, now); err != nil {
		// The journal is ground truth; the store catches up via webhook or
		// reconciler poll.
		d.log.Warnf("dispatch write-through failed task=%s err=%v", t.TaskID, err)
	}

	mgr := lifecycle.NewManager(t.TaskID, unit, dispatcherSink{d}, d.cfg.Lifecycle, lifecycleLogger{d.log})
	at := &activeTask{task: t, mgr: mgr, workspace: workspace, startedAt: now}
	d.mu.Lock()
	d.active[t.TaskID] = at
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		mgr.Run(d.ctx)
	}()

	d.log.Infof("task accepted: id=%s workspace=%s secret=%s", t.TaskID, workspace, RedactSecret(t.WebhookSecret))
	return t, nil
}

// Cancel requests caller-initiated termination of an active task. A task
// already terminal yields ErrTaskTerminal (surfaced as a conflict, never a
// silent success); an unknown task yields ErrTaskNotFound.
func (d *Dispatcher) Cancel(taskID string) error {
	d.mu.Lock()
	at, ok := d.active[taskID]
	d.mu.Unlock()
	if ok {
		if err := at.mgr.Cancel(); err != nil {
			return ErrTaskTerminal
		}
		return nil
	}
	if e, found := d.jnl.Get(taskID); found {
		if s, perr := ParseStatus(e.Status); perr == nil && s.Terminal() {
			return ErrTaskTerminal
		}
	}
	return ErrTaskNotFound
}

// Status returns the current snapshot of a task known to this worker: the
// shared store first (it has results), the local view as fallback. Live
// progress always comes from the local copy.
func (d *Dispatcher) Status(ctx context.Context, taskID string) (*Task, error) {
	d.mu.Lock()
	at, live := d.active[taskID]
	var local Task
	if live {
		local = *at.task
	}
	d.mu.Unlock()

	if t, err := d.store.GetTask(ctx, taskID); err == nil {
		if live && local.Progress > t.Progress {
			t.Progress = local.Progress
		}
		return t, nil
	}
	if live {
		return &local, nil
	}
	e, ok := d.jnl.Get(taskID)
	if !ok {
		return nil, ErrTaskNotFound
	}
	return &Task{
		TaskID:         e.TaskID,
		Status:         Status(e.Status),
		WorkerLocation: d.cfg.Location,
		LinearIssueID:  e.LinearIssueID,
	}, nil
}

// ReportProgress records execution progress for an active task. Progress is
// clamped to 0..100; an unknown or finished task yields ErrTaskNotFound.
func (d *Dispatcher) ReportProgress(taskID string, progress int) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	d.mu.Lock()
	at, ok := d.active[taskID]
	if ok {
		at.task.Progress = progress
	}
	d.mu.Unlock()
	if !ok {
		return ErrTaskNotFound
	}
	if err := d.store.UpdateProgress(d.ctx, taskID, progress); err != nil {
		d.log.Debugf("progress write-through failed task=%s err=%v", taskID, err)
	}
	return nil
}

// Health reports the advisory health snapshot.
func (d *Dispatcher) Health() HealthSnapshot {
	capTotal, running := d.cap.Snapshot()
	d.mu.Lock()
	state := d.state
	d.mu.Unlock()
	return HealthSnapshot{
		Status:    state,
		Capacity:  capTotal,
		Running:   running,
		Available: capTotal - running,
	}
}

func (d *Dispatcher) setState(s WorkerState) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

// recoverFromJournal adopts or interrupts every in-flight journal entry and
// reconstructs the capacity counter. It returns the entries that ended up
// interrupted and still need coordinator notification.
func (d *Dispatcher) recoverFromJournal() []journal.Entry {
	inflight := d.jnl.InFlight(func(status string) bool {
		s, err := ParseStatus(status)
		return err == nil && s.Terminal()
	})
	if len(inflight) == 0 {
		return nil
	}

	var interrupted []journal.Entry
	adopted := 0
	for _, e := range inflight {
		d.mu.Lock()
		_, live := d.active[e.TaskID]
		d.mu.Unlock()
		if live {
			continue
		}
		if unit, ok := d.units.Reattach(e.UnitHandle); ok {
			if !d.cap.TryReserve() {
				d.log.Errorf("recovery: no slot for journaled task %s; interrupting", e.TaskID)
				interrupted = append(interrupted, d.interruptEntry(e))
				continue
			}
			t := &Task{
				TaskID:         e.TaskID,
				Status:         StatusRunning,
				WorkerLocation: d.cfg.Location,
				WebhookURL:     e.WebhookURL,
				WebhookSecret:  e.WebhookSecret,
				LinearIssueID:  e.LinearIssueID,
			}
			mgr := lifecycle.NewManager(e.TaskID, unit, dispatcherSink{d}, d.cfg.Lifecycle, lifecycleLogger{d.log})
			d.mu.Lock()
			d.active[e.TaskID] = &activeTask{task: t, mgr: mgr, workspace: e.Workspace, startedAt: time.UnixMilli(e.StartedAt)}
			d.mu.Unlock()
			d.wg.Add(1)
			go func() {
				defer d.wg.Done()
				mgr.Run(d.ctx)
			}()
			adopted++
			continue
		}
		interrupted = append(interrupted, d.interruptEntry(e))
	}
	d.log.Infof("recovery: adopted=%d interrupted=%d", adopted, len(interrupted))
	return interrupted
}

// interruptEntry journals the interruption. The workspace is preserved for
// inspection.
func (d *Dispatcher) interruptEntry(e journal.Entry) journal.Entry {
	e.Status = string(StatusInterrupted)
	e.CompletedAt = time.Now().UnixMilli()
	if err := d.jnl.Put(e); err != nil {
		d.log.Errorf("recovery: journal update failed task=%s err=%v", e.TaskID, err)
	}
	if _, _, err := d.store.ApplyTerminal(d.ctx, e.TaskID, StatusInterrupted,
		nil, &TaskError{Code: CodeInterrupted, Message: "worker restarted", Remediation: RemediationFor(CodeInterrupted)}, false); err != nil {
		d.log.Warnf("recovery: store write-through failed task=%s err=%v", e.TaskID, err)
	}
	return e
}

// notifyInterrupted delivers interruption callbacks with exponential backoff
// (5s doubling) for up to the recovery window, then goes degraded with the
// rest spilled to the pending queue for background retry. Startup never
// deadlocks on the coordinator being away.
func (d *Dispatcher) notifyInterrupted(entries []journal.Entry) {
	deadline := time.Now().Add(d.cfg.RecoveryNotifyTimeout)
	backoff := 5 * time.Second

	outstanding := entries
	for len(outstanding) > 0 && time.Now().Before(deadline) {
		var failed []journal.Entry
		for _, e := range outstanding {
			body, _ := d.encoder.Encode(WebhookBody{
				TaskID: e.TaskID,
				Status: StatusInterrupted,
				Error:  &TaskError{Code: CodeInterrupted, Message: "worker restarted", Remediation: RemedyRetry},
			})
			if err := d.hooks.Deliver(d.ctx, e.TaskID, e.WebhookURL, e.WebhookSecret, body); err != nil {
				failed = append(failed, e)
			}
		}
		outstanding = failed
		if len(outstanding) == 0 {
			break
		}
		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-d.ctx.Done():
			return
		}
	}

	if len(outstanding) > 0 {
		// Deliver already spilled the failures into the pending queue; the
		// background sweep keeps retrying them.
		d.log.Warnf("recovery: %d interruption notifications outstanding; running degraded", len(outstanding))
		d.setState(WorkerDegraded)
		return
	}
	d.setState(WorkerReady)
}

// cleanupWorkspaces removes workspaces past the retention window. A
// workspace referenced by a non-terminal journal entry is always skipped;
// that is the one cross-check between the sweep and the live task set.
func (d *Dispatcher) cleanupWorkspaces() {
	cutoff := time.Now().Add(-d.cfg.WorkspaceRetention)

	protected := make(map[string]bool)
	for _, e := range d.jnl.InFlight(func(status string) bool {
		s, err := ParseStatus(status)
		return err == nil && s.Terminal()
	}) {
		protected[e.Workspace] = true
	}

	dirs, err := os.ReadDir(d.cfg.WorkspaceRoot)
	if err != nil {
		d.log.Warnf("cleanup: read workspace root failed err=%v", err)
		return
	}
	for _, dir := range dirs {
		if !dir.IsDir() {
			continue
		}
		path := filepath.Join(d.cfg.WorkspaceRoot, dir.Name())
		if protected[path] {
			continue
		}
		info, ierr := dir.Info()
		if ierr != nil || info.ModTime().After(cutoff) {
			continue
		}
		if rerr := os.RemoveAll(path); rerr != nil {
			d.log.Warnf("cleanup: remove failed path=%s err=%v", path, rerr)
			continue
		}
		_ = d.jnl.Remove(dir.Name())
		d.log.Infof("cleanup: removed workspace %s", path)
	}
}

// dispatcherSink routes lifecycle events back into the dispatcher. Terminal
// transitions follow the required ordering: journal write, store
// write-through, capacity release, then webhook delivery off the caller's
// path.
type dispatcherSink struct{ d *Dispatcher }

func (s dispatcherSink) TransitionRunning(taskID string) {
	d := s.d
	d.mu.Lock()
	if at, ok := d.active[taskID]; ok {
		at.task.Status = StatusRunning
	}
	d.mu.Unlock()
	if e, ok := d.jnl.Get(taskID); ok {
		e.Status = string(StatusRunning)
		if err := d.jnl.Put(e); err != nil {
			d.log.Errorf("journal write failed task=%s err=%v", taskID, err)
		}
	}
	if err := d.store.MarkRunning(d.ctx, taskID); err != nil {
		d.log.Warnf("running write-through failed task=%s err=%v", taskID, err)
	}
	if err := d.store.Heartbeat(d.ctx, taskID, time.Now()); err != nil {
		d.log.Debugf("heartbeat failed task=%s err=%v", taskID, err)
	}
}

func (s dispatcherSink) Heartbeat(taskID string) {
	if err := s.d.store.Heartbeat(s.d.ctx, taskID, time.Now()); err != nil {
		s.d.log.Debugf("heartbeat failed task=%s err=%v", taskID, err)
	}
}

func (s dispatcherSink) TimeoutWarning(taskID string, remaining time.Duration) {
	s.d.log.Warnf("task %s will time out in %s", taskID, remaining)
}

func (s dispatcherSink) TransitionTerminal(taskID string, t lifecycle.Terminal) {
	d := s.d
	if t.Detached {
		// Shutdown handoff: no terminal write anywhere. The journal keeps the
		// running entry so the next process can reattach to the unit.
		d.cap.Release()
		d.mu.Lock()
		delete(d.active, taskID)
		d.mu.Unlock()
		d.log.Infof("task detached for restart: id=%s", taskID)
		return
	}
	status := Status(t.Status)

	var result *TaskResult
	var terr *TaskError
	if t.Artifact != nil && status == StatusCompleted {
		result = &TaskResult{
			PullRequestURL: t.Artifact.PullRequestURL,
			Branch:         t.Artifact.Branch,
			Summary:        t.Artifact.Summary,
			CIFailed:       t.Artifact.CIFailed,
			PartialWork:    t.PartialWork,
			DurationMs:     t.DurationMs,
		}
	} else {
		terr = &TaskError{
			Code:        ErrorCode(t.ErrCode),
			Message:     t.ErrMessage,
			Remediation: RemediationFor(ErrorCode(t.ErrCode)),
		}
	}

	// Journal first: a crash after this point leaves recoverable evidence.
	if e, ok := d.jnl.Get(taskID); ok {
		e.Status = t.Status
		e.CompletedAt = time.Now().UnixMilli()
		if err := d.jnl.Put(e); err != nil {
			d.log.Errorf("journal write failed task=%s err=%v", taskID, err)
		}
	}
	if _, _, err := d.store.ApplyTerminal(d.ctx, taskID, status, result, terr, false); err != nil {
		d.log.Warnf("terminal write-through failed task=%s err=%v", taskID, err)
	}
	d.cap.Release()

	d.mu.Lock()
	at := d.active[taskID]
	delete(d.active, taskID)
	d.mu.Unlock()

	// A result produced moments before a timeout fired must still be
	// reported; delivery is never suppressed by the outcome kind.
	if at != nil && at.task.WebhookURL != "" {
		body, err := d.encoder.Encode(WebhookBody{
			TaskID:     taskID,
			Status:     status,
			Result:     result,
			Error:      terr,
			DurationMs: t.DurationMs,
		})
		if err == nil {
			d.wg.Add(1)
			go func(url, secret string) {
				defer d.wg.Done()
				_ = d.hooks.Deliver(d.ctx, taskID, url, secret, body)
			}(at.task.WebhookURL, at.task.WebhookSecret)
		}
	}
	d.log.Infof("task terminal: id=%s status=%s duration=%dms", taskID, status, t.DurationMs)
}

// lifecycleLogger adapts the public Logger to the internal lifecycle logger.
type lifecycleLogger struct{ Logger }

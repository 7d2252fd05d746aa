package lifecycle

// Package lifecycle supervises a single task from acceptance to a terminal
// state: it owns the timeout watchdog, cancellation escalation, heartbeats
// and the ordered terminal-transition callback. The execution unit itself is
// a black box behind the ExecutionUnit interface so the whole state machine
// is testable with a fake.

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Logger is a minimal logging interface used internally by the manager.
// It mirrors the public logger in the root package to avoid an import cycle.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debugf(string, ...any) {}
func (noopLogger) Infof(string, ...any)  {}
func (noopLogger) Warnf(string, ...any)  {}
func (noopLogger) Errorf(string, ...any) {}

// Artifact is a completion artifact produced by the execution unit, e.g. a
// pull request. Its existence decides completed-vs-failed on timeout.
type Artifact struct {
	PullRequestURL string
	Branch         string
	Summary        string
	// CIFailed marks an artifact whose checks did not pass. The task is still
	// completed; the flag travels with the result.
	CIFailed bool
}

// Outcome is the final report of an execution unit.
type Outcome struct {
	// Artifact is nil when the unit produced nothing usable.
	Artifact *Artifact
	// ErrCode is the machine error kind when the unit failed (empty on
	// success), e.g. "git_auth_failed" or "quota_exhausted".
	ErrCode string
	Err     error
}

// ExecutionUnit is the external black box that performs the work.
// Start returns once the unit is actively working. Kill must guarantee that
// Await eventually delivers an Outcome. Await must return the same channel
// on every call; the manager selects on it from more than one place.
type ExecutionUnit interface {
	Start(ctx context.Context) error
	Signal(ctx context.Context) error
	Kill(ctx context.Context) error
	Await() <-chan Outcome
	// Handle is the session/process reference persisted in the journal.
	Handle() string
}

// Terminal describes the terminal transition the manager decided on.
type Terminal struct {
	Status     string // completed | failed | interrupted | cancelled
	Artifact   *Artifact
	ErrCode    string
	ErrMessage string
	// PartialWork marks an artifact harvested after the timeout fired.
	PartialWork bool
	// Detached marks a shutdown handoff: the unit is still running and the
	// journal entry must stay adoptable for the next process.
	Detached   bool
	DurationMs int64
}

// Sink receives lifecycle events. The dispatcher implements it and is
// responsible for the write ordering on terminal transitions: journal first,
// then remote store, then capacity release.
type Sink interface {
	TransitionRunning(taskID string)
	TransitionTerminal(taskID string, t Terminal)
	TimeoutWarning(taskID string, remaining time.Duration)
	Heartbeat(taskID string)
}

// Config carries the watchdog timings. Zero values fall back to the
// production defaults.
type Config struct {
	Timeout        time.Duration // watchdog deadline (default 2h)
	WarnBefore     time.Duration // warning lead before the deadline (default 5m)
	TimeoutGrace   time.Duration // soft-interrupt grace on timeout (default 30s)
	CancelGrace    time.Duration // soft-interrupt grace on cancellation (default 10s)
	HeartbeatEvery time.Duration // heartbeat cadence while running (default 10m)
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Hour
	}
	if c.WarnBefore <= 0 {
		c.WarnBefore = 5 * time.Minute
	}
	if c.TimeoutGrace <= 0 {
		c.TimeoutGrace = 30 * time.Second
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = 10 * time.Second
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = 10 * time.Minute
	}
	return c
}

// ErrAlreadyTerminal is returned by Cancel when the task reached a terminal
// state first. Callers surface it as a conflict, never a silent success.
var ErrAlreadyTerminal = errors.New("lifecycle: task already terminal")

// Manager drives one task through dispatched -> running -> terminal.
type Manager struct {
	taskID string
	unit   ExecutionUnit
	sink   Sink
	cfg    Config
	log    Logger

	mu       sync.Mutex
	terminal bool
	cancelCh chan struct{}
	done     chan struct{}
}

// NewManager creates a manager for one accepted task.
func NewManager(taskID string, unit ExecutionUnit, sink Sink, cfg Config, log Logger) *Manager {
	if log == nil {
		log = noopLogger{}
	}
	return &Manager{
		taskID:   taskID,
		unit:     unit,
		sink:     sink,
		cfg:      cfg.withDefaults(),
		log:      log,
		cancelCh: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Done is closed once the terminal transition has been reported.
func (m *Manager) Done() <-chan struct{} { return m.done }

// Cancel requests caller-initiated termination. It returns
// ErrAlreadyTerminal when the task already reached a terminal state, and nil
// when the cancellation was accepted (the terminal transition follows
// asynchronously).
func (m *Manager) Cancel() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.terminal {
		return ErrAlreadyTerminal
	}
	select {
	case <-m.cancelCh:
		// cancellation already in flight
	default:
		close(m.cancelCh)
	}
	return nil
}

// Run supervises the execution unit until a terminal state. It blocks; the
// dispatcher runs it on its own goroutine, keeping the admission path free.
func (m *Manager) Run(ctx context.Context) {
	started := time.Now()

	if err := m.unit.Start(ctx); err != nil {
		m.finish(Terminal{
			Status:     "failed",
			ErrCode:    "unknown_error",
			ErrMessage: err.Error(),
			DurationMs: time.Since(started).Milliseconds(),
		})
		return
	}
	m.sink.TransitionRunning(m.taskID)

	warn := time.NewTimer(m.cfg.Timeout - m.cfg.WarnBefore)
	defer warn.Stop()
	deadline := time.NewTimer(m.cfg.Timeout)
	defer deadline.Stop()
	beat := time.NewTicker(m.cfg.HeartbeatEvery)
	defer beat.Stop()

	for {
		select {
		case out := <-m.unit.Await():
			m.finish(m.fromOutcome(out, started, false))
			return

		case <-beat.C:
			m.sink.Heartbeat(m.taskID)

		case <-warn.C:
			// Observability only; no state change.
			m.sink.TimeoutWarning(m.taskID, m.cfg.WarnBefore)
			m.log.Warnf("task %s approaching timeout (%s remaining)", m.taskID, m.cfg.WarnBefore)

		case <-deadline.C:
			out := m.escalate(ctx, m.cfg.TimeoutGrace)
			t := m.fromOutcome(out, started, true)
			m.finish(t)
			return

		case <-m.cancelCh:
			out := m.escalate(ctx, m.cfg.CancelGrace)
			t := Terminal{
				Status:     "cancelled",
				ErrCode:    "cancelled",
				ErrMessage: "cancelled by caller",
				Artifact:   out.Artifact,
				DurationMs: time.Since(started).Milliseconds(),
			}
			m.finish(t)
			return

		case <-ctx.Done():
			// Worker is going away; the unit is detached, not killed. The
			// journal entry keeps enough to recover on restart.
			m.finish(Terminal{
				Status:     "interrupted",
				ErrCode:    "interrupted",
				ErrMessage: "worker shutting down",
				Detached:   true,
				DurationMs: time.Since(started).Milliseconds(),
			})
			return
		}
	}
}

// escalate performs the soft-then-hard termination: interrupt signal, grace
// period, forced kill. It returns whatever outcome the unit reported.
func (m *Manager) escalate(ctx context.Context, grace time.Duration) Outcome {
	if err := m.unit.Signal(ctx); err != nil {
		m.log.Warnf("task %s: interrupt signal failed: %v", m.taskID, err)
	}
	select {
	case out := <-m.unit.Await():
		return out
	case <-time.After(grace):
	}
	if err := m.unit.Kill(ctx); err != nil {
		m.log.Errorf("task %s: force terminate failed: %v", m.taskID, err)
	}
	select {
	case out := <-m.unit.Await():
		return out
	case <-time.After(grace):
		// Unit never reported back; treat as produced nothing.
		return Outcome{}
	}
}

// fromOutcome maps a unit outcome to a terminal transition. On timeout, an
// existing artifact turns the task into completed with partial work; without
// one it fails with the timeout code.
func (m *Manager) fromOutcome(out Outcome, started time.Time, timedOut bool) Terminal {
	t := Terminal{DurationMs: time.Since(started).Milliseconds()}
	if out.Artifact != nil {
		t.Status = "completed"
		t.Artifact = out.Artifact
		t.PartialWork = timedOut
		if timedOut {
			t.ErrCode = "timeout"
		}
		return t
	}
	t.Status = "failed"
	switch {
	case timedOut:
		t.ErrCode = "timeout"
		t.ErrMessage = "execution exceeded the task deadline"
	case out.ErrCode != "":
		t.ErrCode = out.ErrCode
		if out.Err != nil {
			t.ErrMessage = out.Err.Error()
		}
	case out.Err != nil:
		t.ErrCode = "unknown_error"
		t.ErrMessage = out.Err.Error()
	default:
		t.ErrCode = "unknown_error"
		t.ErrMessage = "execution unit exited without result"
	}
	return t
}

// finish reports the terminal transition exactly once.
func (m *Manager) finish(t Terminal) {
	m.mu.Lock()
	if m.terminal {
		m.mu.Unlock()
		return
	}
	m.terminal = true
	m.mu.Unlock()

	m.sink.TransitionTerminal(m.taskID, t)
	close(m.done)
}

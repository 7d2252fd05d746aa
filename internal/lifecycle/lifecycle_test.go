package lifecycle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeUnit is a controllable ExecutionUnit.
type fakeUnit struct {
	handle   string
	startErr error
	outcome  chan Outcome
	signals  atomic.Int32
	kills    atomic.Int32
	onSignal func(*fakeUnit)
}

func newFakeUnit() *fakeUnit {
	return &fakeUnit{handle: "unit-1", outcome: make(chan Outcome, 1)}
}

func (u *fakeUnit) Start(context.Context) error { return u.startErr }
func (u *fakeUnit) Signal(context.Context) error {
	u.signals.Add(1)
	if u.onSignal != nil {
		u.onSignal(u)
	}
	return nil
}
func (u *fakeUnit) Kill(context.Context) error {
	u.kills.Add(1)
	return nil
}
func (u *fakeUnit) Await() <-chan Outcome { return u.outcome }
func (u *fakeUnit) Handle() string        { return u.handle }

// recordSink captures lifecycle events.
type recordSink struct {
	mu       sync.Mutex
	running  int
	warnings int
	terminal chan Terminal
}

func newRecordSink() *recordSink {
	return &recordSink{terminal: make(chan Terminal, 1)}
}

func (s *recordSink) TransitionRunning(string) {
	s.mu.Lock()
	s.running++
	s.mu.Unlock()
}

func (s *recordSink) TransitionTerminal(_ string, t Terminal) { s.terminal <- t }

func (s *recordSink) TimeoutWarning(string, time.Duration) {
	s.mu.Lock()
	s.warnings++
	s.mu.Unlock()
}

func (s *recordSink) Heartbeat(string) {}

func (s *recordSink) runningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func awaitTerminal(t *testing.T, s *recordSink) Terminal {
	t.Helper()
	select {
	case term := <-s.terminal:
		return term
	case <-time.After(5 * time.Second):
		t.Fatal("no terminal transition")
		return Terminal{}
	}
}

func shortConfig() Config {
	return Config{
		Timeout:        80 * time.Millisecond,
		WarnBefore:     30 * time.Millisecond,
		TimeoutGrace:   30 * time.Millisecond,
		CancelGrace:    30 * time.Millisecond,
		HeartbeatEvery: time.Hour,
	}
}

func TestManager_Completed(t *testing.T) {
	unit := newFakeUnit()
	sink := newRecordSink()
	m := NewManager("t-1", unit, sink, Config{}, nil)

	go m.Run(context.Background())
	unit.outcome <- Outcome{Artifact: &Artifact{PullRequestURL: "pr-1", Branch: "b"}}

	term := awaitTerminal(t, sink)
	require.Equal(t, "completed", term.Status)
	require.NotNil(t, term.Artifact)
	require.Equal(t, "pr-1", term.Artifact.PullRequestURL)
	require.False(t, term.PartialWork)
	require.Equal(t, 1, sink.runningCount())
}

func TestManager_FailedWithCode(t *testing.T) {
	unit := newFakeUnit()
	sink := newRecordSink()
	m := NewManager("t-1", unit, sink, Config{}, nil)

	go m.Run(context.Background())
	unit.outcome <- Outcome{ErrCode: "git_auth_failed", Err: errors.New("push rejected")}

	term := awaitTerminal(t, sink)
	require.Equal(t, "failed", term.Status)
	require.Equal(t, "git_auth_failed", term.ErrCode)
	require.Equal(t, "push rejected", term.ErrMessage)
}

func TestManager_StartFailure(t *testing.T) {
	unit := newFakeUnit()
	unit.startErr = errors.New("no docker daemon")
	sink := newRecordSink()
	m := NewManager("t-1", unit, sink, Config{}, nil)

	m.Run(context.Background())

	term := awaitTerminal(t, sink)
	require.Equal(t, "failed", term.Status)
	require.Equal(t, "unknown_error", term.ErrCode)
	require.Zero(t, sink.runningCount())
}

func TestManager_TimeoutWithoutArtifact(t *testing.T) {
	unit := newFakeUnit()
	sink := newRecordSink()
	m := NewManager("t-1", unit, sink, shortConfig(), nil)

	m.Run(context.Background())

	term := awaitTerminal(t, sink)
	require.Equal(t, "failed", term.Status)
	require.Equal(t, "timeout", term.ErrCode)

	// Soft interrupt, then forced kill after the grace period.
	require.Equal(t, int32(1), unit.signals.Load())
	require.Equal(t, int32(1), unit.kills.Load())
	require.Equal(t, 1, sink.warnings)
}

func TestManager_TimeoutHarvestsPartialWork(t *testing.T) {
	unit := newFakeUnit()
	// The unit wraps up and reports an artifact when interrupted.
	unit.onSignal = func(u *fakeUnit) {
		u.outcome <- Outcome{Artifact: &Artifact{Branch: "wip"}}
	}
	sink := newRecordSink()
	m := NewManager("t-1", unit, sink, shortConfig(), nil)

	m.Run(context.Background())

	term := awaitTerminal(t, sink)
	require.Equal(t, "completed", term.Status)
	require.True(t, term.PartialWork)
	require.Equal(t, "timeout", term.ErrCode)
	require.NotNil(t, term.Artifact)
	require.Zero(t, unit.kills.Load())
}

func TestManager_Cancel(t *testing.T) {
	unit := newFakeUnit()
	sink := newRecordSink()
	cfg := shortConfig()
	cfg.Timeout = time.Hour
	cfg.WarnBefore = time.Minute
	m := NewManager("t-1", unit, sink, cfg, nil)

	go m.Run(context.Background())
	require.NoError(t, m.Cancel())

	term := awaitTerminal(t, sink)
	require.Equal(t, "cancelled", term.Status)
	require.Equal(t, "cancelled", term.ErrCode)

	<-m.Done()
	require.ErrorIs(t, m.Cancel(), ErrAlreadyTerminal)
}

func TestManager_CancelTwiceBeforeTerminal(t *testing.T) {
	unit := newFakeUnit()
	sink := newRecordSink()
	cfg := shortConfig()
	cfg.Timeout = time.Hour
	cfg.WarnBefore = time.Minute
	m := NewManager("t-1", unit, sink, cfg, nil)

	go m.Run(context.Background())
	require.NoError(t, m.Cancel())
	require.NoError(t, m.Cancel())

	term := awaitTerminal(t, sink)
	require.Equal(t, "cancelled", term.Status)
}

func TestManager_ContextCancelInterrupts(t *testing.T) {
	unit := newFakeUnit()
	sink := newRecordSink()
	cfg := shortConfig()
	cfg.Timeout = time.Hour
	cfg.WarnBefore = time.Minute
	m := NewManager("t-1", unit, sink, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go m.Run(ctx)
	time.Sleep(10 * time.Millisecond)
	cancel()

	term := awaitTerminal(t, sink)
	require.Equal(t, "interrupted", term.Status)
	require.Equal(t, "interrupted", term.ErrCode)
	require.True(t, term.Detached)
	// The unit is detached, never killed: it stays recoverable by handle.
	require.Zero(t, unit.kills.Load())
}

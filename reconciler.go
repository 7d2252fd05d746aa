package coderelay

import (
	"context"
	"errors"
	"sync"
	"time"

	ikeys "github.com/coderelay/coderelay-go/internal/keys"
)

// ReconcilerConfig carries the sweep policy. Zero values fall back to the
// production defaults: every 15 minutes, tasks silent for 30 minutes.
type ReconcilerConfig struct {
	SweepEvery time.Duration
	StaleAfter time.Duration
	Logger     Logger
}

func (c ReconcilerConfig) withDefaults() ReconcilerConfig {
	if c.SweepEvery <= 0 {
		c.SweepEvery = 15 * time.Minute
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 30 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = noopLogger{}
	}
	return c
}

// Reconciler detects tasks that went silent: lost webhooks, crashed workers,
// zombie records. It polls the owning worker for ground truth and funnels
// every correction through the coordinator's callback claim, so a late
// webhook racing a reconciler sweep still produces exactly one notification.
type Reconciler struct {
	store *Store
	coord *Coordinator
	cfg   ReconcilerConfig
	log   Logger

	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewReconciler creates a reconciler over the shared store and coordinator.
func NewReconciler(store *Store, coord *Coordinator, cfg ReconcilerConfig) *Reconciler {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Reconciler{
		store:  store,
		coord:  coord,
		cfg:    cfg,
		log:    cfg.Logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the periodic sweep. It is idempotent and non-blocking.
func (r *Reconciler) Start() {
	r.mu.Lock()
	if r.started {
		r.log.Warnf("reconciler already started; ignoring Start()")
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.cfg.SweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-r.ctx.Done():
				return
			case <-ticker.C:
				r.Sweep(r.ctx)
			}
		}
	}()
}

// Stop cancels the sweep and waits for it to exit.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	r.mu.Unlock()
	r.cancel()
	r.wg.Wait()
}

// Sweep examines every open task whose heartbeat is older than the staleness
// cutoff and reconciles it against the owning worker.
func (r *Reconciler) Sweep(ctx context.Context) {
	stale, err := r.store.StaleTasks(ctx, time.Now().Add(-r.cfg.StaleAfter))
	if err != nil {
		r.log.Warnf("reconcile: stale scan failed err=%v", err)
		return
	}
	for _, t := range stale {
		r.reconcile(ctx, t)
	}
	if len(stale) > 0 {
		r.log.Infof("reconcile: examined %d stale tasks", len(stale))
	}
}

func (r *Reconciler) reconcile(ctx context.Context, t *Task) {
	if t.Status.Terminal() {
		// Open-index stragglers: the terminal transition removes the task
		// from the index, so this only happens after a partial write.
		if err := r.store.rdb.ZRem(ctx, ikeys.Open(), t.TaskID).Err(); err != nil {
			r.log.Warnf("reconcile: index cleanup failed task=%s err=%v", t.TaskID, err)
		}
		return
	}

	worker, ok := r.coord.router.Worker(t.WorkerLocation)
	if !ok {
		r.log.Errorf("reconcile: task %s on unknown worker %q; interrupting", t.TaskID, t.WorkerLocation)
		r.interrupt(ctx, t, "worker no longer configured")
		return
	}

	remote, err := worker.Status(ctx, t.TaskID)
	switch {
	case errors.Is(err, ErrTaskNotFound):
		// The worker has no memory of the task: a zombie left behind by a
		// crash that lost the journal. The workspace may still exist.
		r.log.Warnf("reconcile: task %s unknown to worker %s; marking interrupted", t.TaskID, t.WorkerLocation)
		r.zombie(ctx, t)
	case err != nil:
		r.log.Warnf("reconcile: worker %s unreachable for task %s err=%v", t.WorkerLocation, t.TaskID, err)
		r.interrupt(ctx, t, "worker unreachable")
	case remote.Status.Terminal():
		// The worker finished but the webhook never landed. Apply the
		// worker's result exactly as a late callback would have.
		r.log.Infof("reconcile: recovered lost result task=%s status=%s", t.TaskID, remote.Status)
		r.coord.applyTerminal(ctx, t.TaskID, remote.Status, remote.Result, remote.Error)
	default:
		// Still genuinely running; reset the staleness clock.
		if herr := r.store.Heartbeat(ctx, t.TaskID, time.Now()); herr != nil {
			r.log.Warnf("reconcile: heartbeat reset failed task=%s err=%v", t.TaskID, herr)
		}
	}
}

func (r *Reconciler) zombie(ctx context.Context, t *Task) {
	r.coord.applyTerminal(ctx, t.TaskID, StatusInterrupted, nil, &TaskError{
		Code:        CodeZombieRecovered,
		Message:     "worker has no record of the task",
		Remediation: RemediationFor(CodeZombieRecovered),
	})
}

func (r *Reconciler) interrupt(ctx context.Context, t *Task, reason string) {
	r.coord.applyTerminal(ctx, t.TaskID, StatusInterrupted, nil, &TaskError{
		Code:        CodeInterrupted,
		Message:     reason,
		Remediation: RemediationFor(CodeInterrupted),
	})
}

package coderelay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Notifier receives the user-facing side effects of a finished task (chat
// message, ticket update). It is invoked exactly once per task, by whichever
// reporter won the callback claim.
type Notifier interface {
	TaskFinished(ctx context.Context, t *Task) error
}

// Archiver persists terminal tasks to long-term storage for audit. Archive
// failures are logged, never surfaced; the store remains authoritative.
type Archiver interface {
	Archive(ctx context.Context, t *Task) error
}

type noopNotifier struct{}

func (noopNotifier) TaskFinished(context.Context, *Task) error { return nil }

// CoordinatorConfig configures the coordinator process.
type CoordinatorConfig struct {
	// CallbackURL is the webhook receiver address handed to workers.
	CallbackURL string
	// Notifier handles finished-task side effects (optional).
	Notifier Notifier
	// Archiver copies terminal tasks to the audit archive (optional).
	Archiver Archiver
	// Logger is used for coordinator events.
	Logger Logger
}

// Coordinator owns task creation, routing and the webhook receiver. It is
// the only component that triggers user-facing side effects, and only after
// winning the callback claim in the store.
type Coordinator struct {
	store    *Store
	router   *Router
	cfg      CoordinatorConfig
	encoder  Encoder
	notifier Notifier
	log      Logger
}

// NewCoordinator wires the coordinator over the shared store and router.
func NewCoordinator(store *Store, router *Router, cfg CoordinatorConfig) *Coordinator {
	if cfg.Logger == nil {
		cfg.Logger = noopLogger{}
	}
	if cfg.Notifier == nil {
		cfg.Notifier = noopNotifier{}
	}
	return &Coordinator{
		store:    store,
		router:   router,
		cfg:      cfg,
		encoder:  &JSONEncoder{},
		notifier: cfg.Notifier,
		log:      cfg.Logger,
	}
}

// Submit creates a task for the user's prompt and dispatches it to the first
// worker with a free slot. created is false when a dedup guard matched; the
// existing task is returned unchanged. When every worker declines, the task
// is recorded as failed with the worker-offline code and ErrNoWorkerAvailable
// is returned alongside it.
func (c *Coordinator) Submit(ctx context.Context, userID, prompt string, opts ...SubmitOption) (task *Task, created bool, err error) {
	t := &Task{
		UserID:        userID,
		Prompt:        prompt,
		Status:        StatusDispatched,
		CreatedAt:     time.Now().UnixMilli(),
		WebhookURL:    c.cfg.CallbackURL,
		WebhookSecret: uuid.NewString(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.TaskID == "" {
		t.TaskID = uuid.NewString()
	}

	t, created, err = c.store.CreateTask(ctx, t)
	if err != nil {
		return nil, false, err
	}
	if !created {
		c.log.Infof("submission deduplicated: existing task %s", t.TaskID)
		return t, false, nil
	}

	worker, rerr := c.router.Route(ctx, SubmitRequest{
		TaskID:        t.TaskID,
		Prompt:        t.Prompt,
		WorkerType:    t.WorkerType,
		ActionID:      t.ActionID,
		Repository:    t.Repository,
		BaseBranch:    t.BaseBranch,
		LinearIssueID: t.LinearIssueID,
		WebhookURL:    t.WebhookURL,
		WebhookSecret: t.WebhookSecret,
	})
	if rerr != nil {
		c.log.Errorf("routing failed task=%s err=%v", t.TaskID, rerr)
		c.applyTerminal(ctx, t.TaskID, StatusFailed, nil, &TaskError{
			Code:        CodeWorkerOffline,
			Message:     "no worker accepted the task",
			Remediation: RemediationFor(CodeWorkerOffline),
		})
		failed, gerr := c.store.GetTask(ctx, t.TaskID)
		if gerr != nil {
			failed = t
		}
		return failed, true, ErrNoWorkerAvailable
	}

	if uerr := c.store.UpdateDispatch(ctx, t.TaskID, worker.Name(), time.Now()); uerr != nil {
		c.log.Warnf("dispatch record update failed task=%s err=%v", t.TaskID, uerr)
	}
	t.WorkerLocation = worker.Name()
	c.log.Infof("task dispatched: id=%s worker=%s", t.TaskID, worker.Name())
	return t, true, nil
}

// Cancel forwards a cancellation to the worker running the task.
func (c *Coordinator) Cancel(ctx context.Context, taskID string) error {
	t, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t.Status.Terminal() {
		return ErrTaskTerminal
	}
	worker, ok := c.router.Worker(t.WorkerLocation)
	if !ok {
		return ErrNoWorkerAvailable
	}
	return worker.Cancel(ctx, taskID)
}

// Status returns the store's view of a task.
func (c *Coordinator) Status(ctx context.Context, taskID string) (*Task, error) {
	return c.store.GetTask(ctx, taskID)
}

// applyTerminal runs the first-committer-wins transition and, only for the
// winner, the side effects. Both callers (webhook receiver, routing failure)
// and the reconciler funnel through the same claim, so a late webhook racing
// a reconciler poll still yields exactly one notification.
func (c *Coordinator) applyTerminal(ctx context.Context, taskID string, status Status, result *TaskResult, terr *TaskError) {
	applied, stored, err := c.store.ApplyTerminal(ctx, taskID, status, result, terr, true)
	if err != nil {
		c.log.Errorf("terminal transition failed task=%s err=%v", taskID, err)
		return
	}
	if !applied {
		c.log.Debugf("terminal transition already claimed task=%s", taskID)
		return
	}
	if nerr := c.notifier.TaskFinished(ctx, stored); nerr != nil {
		c.log.Errorf("notification failed task=%s err=%v", taskID, nerr)
	}
	if c.cfg.Archiver != nil {
		if aerr := c.cfg.Archiver.Archive(ctx, stored); aerr != nil {
			c.log.Warnf("archive failed task=%s err=%v", taskID, aerr)
		}
	}
}

// HandleWebhook is the receiver for worker completion callbacks. The
// timestamp window is checked before any store access, then the signature is
// verified against the task's own secret before any state changes; a
// duplicate delivery is acknowledged and triggers nothing.
func (c *Coordinator) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	if _, terr := VerifyTimestamp(r.Header.Get(HeaderTimestamp), time.Now()); terr != nil {
		c.log.Warnf("webhook rejected err=%v", terr)
		http.Error(w, "stale timestamp", http.StatusUnauthorized)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "read failed", http.StatusBadRequest)
		return
	}
	var wb WebhookBody
	if derr := c.encoder.Decode(body, &wb); derr != nil || wb.TaskID == "" {
		http.Error(w, "malformed body", http.StatusBadRequest)
		return
	}
	t, gerr := c.store.GetTask(r.Context(), wb.TaskID)
	if gerr != nil {
		http.Error(w, "unknown task", http.StatusNotFound)
		return
	}
	if verr := VerifySignature(
		r.Header.Get(HeaderTimestamp), r.Header.Get(HeaderSignature),
		body, t.WebhookSecret, time.Now(),
	); verr != nil {
		c.log.Warnf("webhook rejected task=%s err=%v", wb.TaskID, verr)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}
	if !wb.Status.Terminal() {
		http.Error(w, "non-terminal status", http.StatusBadRequest)
		return
	}

	if wb.Result != nil && wb.Result.DurationMs == 0 {
		wb.Result.DurationMs = wb.DurationMs
	}
	c.applyTerminal(r.Context(), wb.TaskID, wb.Status, wb.Result, wb.Error)
	c.writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

// ProcessRequest is the body of the internal submission endpoint.
type ProcessRequest struct {
	TaskID          string `json:"task_id,omitempty"`
	UserID          string `json:"user_id"`
	Prompt          string `json:"prompt"`
	WorkerType      string `json:"worker_type,omitempty"`
	ActionID        string `json:"action_id,omitempty"`
	ApprovalEventID string `json:"approval_event_id,omitempty"`
	Repository      string `json:"repository,omitempty"`
	BaseBranch      string `json:"base_branch,omitempty"`
	LinearIssueID   string `json:"linear_issue_id,omitempty"`
	RetriedFrom     string `json:"retried_from,omitempty"`
}

// Handler returns the coordinator's routed HTTP handler:
//
//	POST /internal/tasks/process  submission from upstream automation
//	POST /tasks/submit            direct submission
//	POST /webhooks/tasks          worker completion callbacks
//	DELETE /tasks/{id}            cancellation
//	GET  /tasks/{id}              task snapshot
//	GET  /workers/health          cached fleet health
func (c *Coordinator) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /internal/tasks/process", c.handleProcess)
	mux.HandleFunc("POST /tasks/submit", c.handleProcess)
	mux.HandleFunc("POST /webhooks/tasks", c.HandleWebhook)
	mux.HandleFunc("DELETE /tasks/{id}", c.handleCancel)
	mux.HandleFunc("GET /tasks/{id}", c.handleStatus)
	mux.HandleFunc("GET /workers/health", c.handleHealth)
	return mux
}

func (c *Coordinator) handleProcess(w http.ResponseWriter, r *http.Request) {
	var req ProcessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		c.writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "reason": "malformed body"})
		return
	}
	if req.UserID == "" || req.Prompt == "" {
		c.writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "reason": "user_id and prompt are required"})
		return
	}

	var opts []SubmitOption
	if req.TaskID != "" {
		opts = append(opts, WithTaskID(req.TaskID))
	}
	if req.WorkerType != "" {
		opts = append(opts, WithWorkerType(req.WorkerType))
	}
	if req.ActionID != "" {
		opts = append(opts, WithActionID(req.ActionID))
	}
	if req.ApprovalEventID != "" {
		opts = append(opts, WithApprovalEventID(req.ApprovalEventID))
	}
	if req.Repository != "" {
		opts = append(opts, WithRepository(req.Repository, req.BaseBranch))
	}
	if req.LinearIssueID != "" {
		opts = append(opts, WithLinearIssue(req.LinearIssueID))
	}
	if req.RetriedFrom != "" {
		opts = append(opts, WithRetriedFrom(req.RetriedFrom))
	}

	t, created, err := c.Submit(r.Context(), req.UserID, req.Prompt, opts...)
	switch {
	case errors.Is(err, ErrNoWorkerAvailable):
		c.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "error", "reason": "worker_unavailable", "task_id": t.TaskID,
		})
	case errors.Is(err, ErrDuplicateTask):
		c.writeJSON(w, http.StatusConflict, map[string]string{"status": "duplicate"})
	case err != nil:
		c.log.Errorf("process failed err=%v", err)
		c.writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "error", "reason": "internal error"})
	case !created:
		c.writeJSON(w, http.StatusConflict, map[string]string{
			"status": "duplicate", "existing_task_id": t.TaskID,
		})
	default:
		c.writeJSON(w, http.StatusOK, map[string]string{"status": "submitted", "task_id": t.TaskID})
	}
}

func (c *Coordinator) handleCancel(w http.ResponseWriter, r *http.Request) {
	err := c.Cancel(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, ErrTaskNotFound):
		c.writeJSON(w, http.StatusNotFound, map[string]string{"error": "task not found"})
	case errors.Is(err, ErrTaskTerminal):
		c.writeJSON(w, http.StatusConflict, map[string]string{"error": "task already terminal"})
	case err != nil:
		c.writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
	default:
		c.writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
	}
}

func (c *Coordinator) handleStatus(w http.ResponseWriter, r *http.Request) {
	t, err := c.store.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		c.writeJSON(w, http.StatusNotFound, map[string]string{"error": "task not found"})
		return
	}
	c.writeJSON(w, http.StatusOK, t)
}

func (c *Coordinator) handleHealth(w http.ResponseWriter, r *http.Request) {
	c.writeJSON(w, http.StatusOK, c.router.Health(r.Context()))
}

func (c *Coordinator) writeJSON(w http.ResponseWriter, code int, v any) {
	data, err := c.encoder.Encode(v)
	if err != nil {
		c.log.Errorf("response encode failed err=%v", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(data)
}

package coderelay

import (
	"encoding/json"
	"errors"
	"net/http"
)

// SubmitRequest is the body of a worker task submission.
type SubmitRequest struct {
	TaskID        string `json:"task_id"`
	Prompt        string `json:"prompt"`
	WorkerType    string `json:"worker_type,omitempty"`
	ActionID      string `json:"action_id,omitempty"`
	Repository    string `json:"repository,omitempty"`
	BaseBranch    string `json:"base_branch,omitempty"`
	LinearIssueID string `json:"linear_issue_id,omitempty"`
	WebhookURL    string `json:"webhook_url"`
	WebhookSecret string `json:"webhook_secret"`
}

// SubmitResponse is returned on the worker submission endpoint.
type SubmitResponse struct {
	Status string `json:"status"` // accepted | rejected
	TaskID string `json:"task_id,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// WorkerServer exposes the dispatcher over HTTP:
//
//	POST   /tasks       submit (202 accepted, 503 rejected)
//	GET    /tasks/{id}  task snapshot
//	DELETE /tasks/{id}  cancel (200, 404 unknown, 409 already terminal)
//	GET    /health      advisory capacity/state snapshot
type WorkerServer struct {
	dispatcher *Dispatcher
	encoder    Encoder
	log        Logger
}

// NewWorkerServer wraps a dispatcher with its HTTP surface.
func NewWorkerServer(d *Dispatcher, logger Logger) *WorkerServer {
	if logger == nil {
		logger = noopLogger{}
	}
	return &WorkerServer{dispatcher: d, encoder: &JSONEncoder{}, log: logger}
}

// Handler returns the routed HTTP handler. Callers wrap it with their own
// middleware (tracing, auth) before serving.
func (s *WorkerServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /tasks", s.handleSubmit)
	mux.HandleFunc("GET /tasks/{id}", s.handleStatus)
	mux.HandleFunc("DELETE /tasks/{id}", s.handleCancel)
	mux.HandleFunc("POST /tasks/{id}/progress", s.handleProgress)
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

func (s *WorkerServer) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, SubmitResponse{Status: "rejected", Reason: "malformed body"})
		return
	}
	if req.TaskID == "" || req.Prompt == "" {
		s.writeJSON(w, http.StatusBadRequest, SubmitResponse{Status: "rejected", Reason: "task_id and prompt are required"})
		return
	}

	t, err := s.dispatcher.Submit(req)
	switch {
	case errors.Is(err, ErrCapacityReached):
		s.writeJSON(w, http.StatusServiceUnavailable, SubmitResponse{Status: "rejected", Reason: string(CodeCapacityReached)})
	case errors.Is(err, ErrNotAccepting):
		s.writeJSON(w, http.StatusServiceUnavailable, SubmitResponse{Status: "rejected", Reason: "worker not accepting"})
	case err != nil:
		s.log.Errorf("submit failed task=%s err=%v", req.TaskID, err)
		s.writeJSON(w, http.StatusInternalServerError, SubmitResponse{Status: "rejected", Reason: "internal error"})
	default:
		s.writeJSON(w, http.StatusAccepted, SubmitResponse{Status: "accepted", TaskID: t.TaskID})
	}
}

func (s *WorkerServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	t, err := s.dispatcher.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "task not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, t)
}

func (s *WorkerServer) handleCancel(w http.ResponseWriter, r *http.Request) {
	err := s.dispatcher.Cancel(r.PathValue("id"))
	switch {
	case errors.Is(err, ErrTaskNotFound):
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "task not found"})
	case errors.Is(err, ErrTaskTerminal):
		s.writeJSON(w, http.StatusConflict, map[string]string{"error": "task already terminal"})
	case err != nil:
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	default:
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
	}
}

func (s *WorkerServer) handleProgress(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Progress int `json:"progress"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed body"})
		return
	}
	if err := s.dispatcher.ReportProgress(r.PathValue("id"), req.Progress); err != nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "task not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *WorkerServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.dispatcher.Health())
}

func (s *WorkerServer) writeJSON(w http.ResponseWriter, code int, v any) {
	data, err := s.encoder.Encode(v)
	if err != nil {
		s.log.Errorf("response encode failed err=%v", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(data)
}

package coderelay

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coderelay/coderelay-go/internal/lifecycle"
)

func newTestWorker(t *testing.T) (*httptest.Server, *Dispatcher, *fakeUnitFactory) {
	t.Helper()
	rdb, done := newMiniClient(t)
	t.Cleanup(done)

	units := newFakeUnitFactory()
	cfg := testDispatcherConfig(t.TempDir())
	cfg.Capacity = 1
	d, err := NewDispatcher(NewStore(rdb), units, cfg)
	require.NoError(t, err)
	d.Start()
	t.Cleanup(d.Stop)

	srv := httptest.NewServer(NewWorkerServer(d, nil).Handler())
	t.Cleanup(srv.Close)
	return srv, d, units
}

func postJSON(t *testing.T, url string, v any) *http.Response {
	t.Helper()
	body, err := json.Marshal(v)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	return resp
}

func TestWorkerServer_SubmitAcceptAndReject(t *testing.T) {
	srv, _, units := newTestWorker(t)

	resp := postJSON(t, srv.URL+"/tasks", submitReq("t-1"))
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var accepted SubmitResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&accepted))
	require.Equal(t, "accepted", accepted.Status)
	require.Equal(t, "t-1", accepted.TaskID)

	// Capacity 1: the second submission is rejected with the capacity reason.
	resp = postJSON(t, srv.URL+"/tasks", submitReq("t-2"))
	defer resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	var rejected SubmitResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rejected))
	require.Equal(t, "rejected", rejected.Status)
	require.Equal(t, "capacity_reached", rejected.Reason)

	// Completing the task frees the slot for a new submission.
	units.unit("t-1").outcome <- lifecycle.Outcome{Artifact: &lifecycle.Artifact{Branch: "b"}}
	require.Eventually(t, func() bool {
		resp := postJSON(t, srv.URL+"/tasks", submitReq("t-3"))
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusAccepted
	}, 5*time.Second, 20*time.Millisecond)
}

func TestWorkerServer_SubmitRecordsWorkerType(t *testing.T) {
	srv, d, _ := newTestWorker(t)

	req := submitReq("t-1")
	req.WorkerType = "linux-large"
	resp := postJSON(t, srv.URL+"/tasks", req)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	got, err := d.Status(context.Background(), "t-1")
	require.NoError(t, err)
	require.Equal(t, "linux-large", got.WorkerType)
}

func TestWorkerServer_SubmitValidation(t *testing.T) {
	srv, _, _ := newTestWorker(t)

	resp, err := http.Post(srv.URL+"/tasks", "application/json", bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/tasks", SubmitRequest{TaskID: "t-1"}) // no prompt
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWorkerServer_Cancel(t *testing.T) {
	srv, d, units := newTestWorker(t)

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/tasks/unknown", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	_, err = d.Submit(submitReq("t-1"))
	require.NoError(t, err)
	units.unit("t-1").outcome <- lifecycle.Outcome{Artifact: &lifecycle.Artifact{Branch: "b"}}
	require.Eventually(t, func() bool {
		e, ok := d.jnl.Get("t-1")
		return ok && e.Status == string(StatusCompleted)
	}, 5*time.Second, 10*time.Millisecond)

	// Cancelling a finished task is a conflict.
	req, _ = http.NewRequest(http.MethodDelete, srv.URL+"/tasks/t-1", nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestWorkerServer_Progress(t *testing.T) {
	srv, d, _ := newTestWorker(t)

	resp := postJSON(t, srv.URL+"/tasks/unknown/progress", map[string]int{"progress": 10})
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	_, err := d.Submit(submitReq("t-1"))
	require.NoError(t, err)

	resp = postJSON(t, srv.URL+"/tasks/t-1/progress", map[string]int{"progress": 250})
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Clamped to 100 and visible on the status endpoint.
	resp, err = http.Get(srv.URL + "/tasks/t-1")
	require.NoError(t, err)
	defer resp.Body.Close()
	var got Task
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.Equal(t, 100, got.Progress)
}

func TestWorkerServer_Health(t *testing.T) {
	srv, d, _ := newTestWorker(t)

	_, err := d.Submit(submitReq("t-1"))
	require.NoError(t, err)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var h HealthSnapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&h))
	require.Equal(t, WorkerReady, h.Status)
	require.Equal(t, 1, h.Capacity)
	require.Equal(t, 1, h.Running)
	require.Zero(t, h.Available)
}

func TestWorkerServer_Status(t *testing.T) {
	srv, d, _ := newTestWorker(t)

	resp, err := http.Get(srv.URL + "/tasks/unknown")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	_, err = d.Submit(submitReq("t-1"))
	require.NoError(t, err)

	// No store record: the journal fallback still answers for local tasks.
	resp, err = http.Get(srv.URL + "/tasks/t-1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got Task
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.Equal(t, "t-1", got.TaskID)
	require.Equal(t, "test-worker", got.WorkerLocation)
}

package coderelay

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// WorkerClient talks to one worker's HTTP surface.
type WorkerClient struct {
	name    string
	baseURL string
	client  *http.Client
	encoder Encoder
}

// NewWorkerClient creates a client for a worker. name is the worker's
// location label (e.g. "gcp-worker-1"); baseURL has no trailing slash.
func NewWorkerClient(name, baseURL string, httpClient *http.Client) *WorkerClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &WorkerClient{name: name, baseURL: baseURL, client: httpClient, encoder: &JSONEncoder{}}
}

// Name returns the worker's location label.
func (c *WorkerClient) Name() string { return c.name }

// Submit posts a task to the worker. A capacity rejection maps to
// ErrCapacityReached so the router can move on; any other non-2xx or
// transport error is returned as-is.
func (c *WorkerClient) Submit(ctx context.Context, req SubmitRequest) error {
	body, err := c.encoder.Encode(req)
	if err != nil {
		return err
	}
	hr, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tasks", bytes.NewReader(body))
	if err != nil {
		return err
	}
	hr.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(hr)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusAccepted:
		return nil
	case resp.StatusCode == http.StatusServiceUnavailable:
		return ErrCapacityReached
	default:
		return fmt.Errorf("coderelay: worker %s returned status %d", c.name, resp.StatusCode)
	}
}

// Status fetches a task snapshot from the worker. A 404 maps to
// ErrTaskNotFound, which the reconciler treats as a zombie.
func (c *WorkerClient) Status(ctx context.Context, taskID string) (*Task, error) {
	hr, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/tasks/"+taskID, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(hr)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrTaskNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coderelay: worker %s returned status %d", c.name, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var t Task
	if err := c.encoder.Decode(data, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Cancel asks the worker to cancel a task. 404 maps to ErrTaskNotFound and
// 409 to ErrTaskTerminal.
func (c *WorkerClient) Cancel(ctx context.Context, taskID string) error {
	hr, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/tasks/"+taskID, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(hr)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusNotFound:
		return ErrTaskNotFound
	case http.StatusConflict:
		return ErrTaskTerminal
	default:
		return fmt.Errorf("coderelay: worker %s returned status %d", c.name, resp.StatusCode)
	}
}

// Health fetches the worker's advisory health snapshot.
func (c *WorkerClient) Health(ctx context.Context) (HealthSnapshot, error) {
	hr, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return HealthSnapshot{}, err
	}
	resp, err := c.client.Do(hr)
	if err != nil {
		return HealthSnapshot{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return HealthSnapshot{}, fmt.Errorf("coderelay: worker %s returned status %d", c.name, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return HealthSnapshot{}, err
	}
	var h HealthSnapshot
	if err := c.encoder.Decode(data, &h); err != nil {
		return HealthSnapshot{}, err
	}
	return h, nil
}

type cachedHealth struct {
	snapshot  HealthSnapshot
	err       error
	fetchedAt time.Time
}

// Router tries a fixed priority-ordered worker list until one accepts. There
// is no load balancing and no queue: the first worker with a free slot wins,
// and a full fleet surfaces ErrNoWorkerAvailable to the caller immediately.
type Router struct {
	workers   []*WorkerClient
	healthTTL time.Duration
	log       Logger

	mu     sync.Mutex
	health map[string]cachedHealth
}

// NewRouter creates a router over the given workers, ordered by priority.
func NewRouter(workers []*WorkerClient, logger Logger) *Router {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Router{
		workers:   workers,
		healthTTL: 5 * time.Second,
		log:       logger,
		health:    make(map[string]cachedHealth),
	}
}

// Route submits the task to the first nominal worker that accepts it and
// returns that worker's client. Selection consults the short-lived health
// cache, probing when the entry is stale, and skips any worker that is
// unreachable or not ready. Capacity is still the worker's own call: a
// submission rejection, not a health read, moves the router on.
func (r *Router) Route(ctx context.Context, req SubmitRequest) (*WorkerClient, error) {
	for _, w := range r.workers {
		h := r.healthFor(ctx, w)
		if h.err != nil {
			r.log.Infof("router: worker %s unreachable, skipping: %v", w.Name(), h.err)
			continue
		}
		if h.snapshot.Status != WorkerReady {
			r.log.Infof("router: worker %s not ready (%s), skipping", w.Name(), h.snapshot.Status)
			continue
		}
		err := w.Submit(ctx, req)
		if err == nil {
			return w, nil
		}
		r.log.Infof("router: worker %s declined task %s: %v", w.Name(), req.TaskID, err)
	}
	return nil, ErrNoWorkerAvailable
}

// healthFor returns the worker's health from the cache, issuing a fresh
// probe when the entry is missing or older than the TTL. Probe failures are
// cached too, so a dead worker costs one probe per TTL window.
func (r *Router) healthFor(ctx context.Context, w *WorkerClient) cachedHealth {
	if h, ok := r.cachedHealth(w.Name()); ok {
		return h
	}
	snap, err := w.Health(ctx)
	h := cachedHealth{snapshot: snap, err: err, fetchedAt: time.Now()}
	r.mu.Lock()
	r.health[w.Name()] = h
	r.mu.Unlock()
	return h
}

// Worker returns the client for a worker location, if configured.
func (r *Router) Worker(name string) (*WorkerClient, bool) {
	for _, w := range r.workers {
		if w.Name() == name {
			return w, true
		}
	}
	return nil, false
}

// Health returns per-worker health snapshots, served from a short-lived
// cache to keep dashboard polling off the workers' request paths.
func (r *Router) Health(ctx context.Context) map[string]HealthSnapshot {
	out := make(map[string]HealthSnapshot, len(r.workers))
	for _, w := range r.workers {
		h := r.healthFor(ctx, w)
		if h.err != nil {
			r.log.Warnf("router: health probe failed worker=%s err=%v", w.Name(), h.err)
			continue
		}
		out[w.Name()] = h.snapshot
	}
	return out
}

func (r *Router) cachedHealth(name string) (cachedHealth, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.health[name]
	if !ok || time.Since(h.fetchedAt) > r.healthTTL {
		return cachedHealth{}, false
	}
	return h, true
}

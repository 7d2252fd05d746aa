package webhook

// Package webhook signs and delivers completion callbacks from worker to
// coordinator: bounded live retries with exponential backoff, then a
// persistent pending queue swept in the background until success or expiry.

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Logger is a minimal logging interface used internally by the deliverer.
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

// Pending is a queued, not-yet-acknowledged callback. The signature is
// recomputed with a fresh timestamp on every attempt so the receiver's
// replay window keeps working for late deliveries.
type Pending struct {
	TaskID        string `json:"task_id"`
	URL           string `json:"url"`
	Body          []byte `json:"body"`
	Secret        string `json:"secret"`
	Attempts      int    `json:"attempts"`
	FirstQueuedMs int64  `json:"first_queued_ms"`
}

// Queue is the persistent pending-webhook set. The root store implements it
// on a Redis ZSET scored by next-attempt time.
type Queue interface {
	Queue(ctx context.Context, p Pending, next time.Time) error
	Due(ctx context.Context, now time.Time, limit int) ([]Pending, error)
	Ack(ctx context.Context, p Pending) error
	Retry(ctx context.Context, p Pending, next time.Time) error
}

// Config carries delivery policy. Zero values fall back to the production
// defaults: 3 retries at 5s/15s/45s, 5 minute sweep, 24 hour expiry.
type Config struct {
	Backoff        []time.Duration
	SweepEvery     time.Duration
	Expiry         time.Duration
	RequestTimeout time.Duration
	Logger         Logger
}

func (c Config) withDefaults() Config {
	if len(c.Backoff) == 0 {
		c.Backoff = []time.Duration{5 * time.Second, 15 * time.Second, 45 * time.Second}
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = 5 * time.Minute
	}
	if c.Expiry <= 0 {
		c.Expiry = 24 * time.Hour
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = noopLogger{}
	}
	return c
}

// Deliverer sends signed callbacks and runs the pending-queue sweep.
type Deliverer struct {
	client *http.Client
	queue  Queue
	cfg    Config
	log    Logger

	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a Deliverer backed by the given pending queue.
func New(queue Queue, cfg Config) *Deliverer {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Deliverer{
		client: &http.Client{Timeout: cfg.RequestTimeout},
		queue:  queue,
		cfg:    cfg,
		log:    cfg.Logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Deliver attempts live delivery with bounded retries, then spills to the
// pending queue. It blocks through the backoff schedule, so callers run it
// off the admission path. A task timing out never suppresses delivery.
func (d *Deliverer) Deliver(ctx context.Context, taskID, url, secret string, body []byte) error {
	var lastErr error
	for i := 0; ; i++ {
		err := d.attempt(ctx, url, secret, body)
		if err == nil {
			d.log.Debugf("webhook delivered task=%s attempts=%d", taskID, i+1)
			return nil
		}
		lastErr = err
		d.log.Warnf("webhook delivery attempt %d failed task=%s err=%v", i+1, taskID, err)
		if i >= len(d.cfg.Backoff) {
			break
		}
		select {
		case <-time.After(d.cfg.Backoff[i]):
		case <-ctx.Done():
			lastErr = ctx.Err()
		}
		if ctx.Err() != nil {
			break
		}
	}

	p := Pending{
		TaskID:        taskID,
		URL:           url,
		Body:          body,
		Secret:        secret,
		Attempts:      len(d.cfg.Backoff) + 1,
		FirstQueuedMs: time.Now().UnixMilli(),
	}
	if qerr := d.queue.Queue(context.WithoutCancel(ctx), p, time.Now().Add(d.cfg.SweepEvery)); qerr != nil {
		d.log.Errorf("webhook spill failed task=%s err=%v", taskID, qerr)
		return qerr
	}
	d.log.Warnf("webhook queued for background retry task=%s err=%v", taskID, lastErr)
	return lastErr
}

// attempt performs one signed POST. Timeouts, network errors and non-2xx
// responses all count as failures.
func (d *Deliverer) attempt(ctx context.Context, url, secret string, body []byte) error {
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(body)
	sig := hex.EncodeToString(mac.Sum(nil))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Timestamp", strconv.FormatInt(ts, 10))
	req.Header.Set("X-Request-Signature", sig)

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Start launches the background sweep over the pending queue. It is
// idempotent and non-blocking.
func (d *Deliverer) Start() {
	d.mu.Lock()
	if d.started {
		d.log.Warnf("deliverer already started; ignoring Start()")
		d.mu.Unlock()
		return
	}
	d.started = true
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.cfg.SweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-d.ctx.Done():
				return
			case <-ticker.C:
				d.Sweep(d.ctx)
			}
		}
	}()
}

// Stop cancels the sweep and waits for it to exit.
func (d *Deliverer) Stop() {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return
	}
	d.started = false
	d.mu.Unlock()
	d.cancel()
	d.wg.Wait()
}

// Sweep retries due pending webhooks once each: success acknowledges,
// failure reschedules, and entries past the expiry are discarded (the
// reconciler catches the resulting discrepancy instead).
func (d *Deliverer) Sweep(ctx context.Context) {
	now := time.Now()
	due, err := d.queue.Due(ctx, now, 64)
	if err != nil {
		d.log.Warnf("pending sweep: fetch failed err=%v", err)
		return
	}
	for _, p := range due {
		if now.UnixMilli()-p.FirstQueuedMs > d.cfg.Expiry.Milliseconds() {
			if err := d.queue.Ack(ctx, p); err != nil {
				d.log.Warnf("pending sweep: expire failed task=%s err=%v", p.TaskID, err)
			} else {
				d.log.Errorf("pending webhook expired after %s task=%s", d.cfg.Expiry, p.TaskID)
			}
			continue
		}
		if err := d.attempt(ctx, p.URL, p.Secret, p.Body); err != nil {
			d.log.Warnf("pending sweep: delivery failed task=%s attempts=%d err=%v", p.TaskID, p.Attempts+1, err)
			if rerr := d.queue.Retry(ctx, p, now.Add(d.cfg.SweepEvery)); rerr != nil {
				d.log.Warnf("pending sweep: reschedule failed task=%s err=%v", p.TaskID, rerr)
			}
			continue
		}
		if err := d.queue.Ack(ctx, p); err != nil {
			d.log.Warnf("pending sweep: ack failed task=%s err=%v", p.TaskID, err)
		} else {
			d.log.Infof("pending webhook delivered task=%s attempts=%d", p.TaskID, p.Attempts+1)
		}
	}
}

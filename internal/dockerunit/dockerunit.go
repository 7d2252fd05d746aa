package dockerunit

// Package dockerunit runs execution units as Docker containers: one
// container per task, the task workspace bind-mounted, resource limits from
// config. The container writes outcome.json into the workspace before
// exiting; that file becomes the unit's outcome.

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"

	coderelay "github.com/coderelay/coderelay-go"
	"github.com/coderelay/coderelay-go/internal/lifecycle"
)

// outcomeFile is written by the agent inside the workspace before it exits.
const outcomeFile = "outcome.json"

// outcomeDoc is the agent's self-report.
type outcomeDoc struct {
	PullRequestURL string `json:"pull_request_url"`
	Branch         string `json:"branch"`
	Summary        string `json:"summary"`
	CIFailed       bool   `json:"ci_failed"`
	ErrorCode      string `json:"error_code"`
	ErrorMessage   string `json:"error_message"`
}

// Config carries the container settings shared by all units.
type Config struct {
	// Image is the agent image (required).
	Image string
	// MemoryMB caps container memory (default 2048).
	MemoryMB int64
	// CPULimit caps CPU in whole-core units (default 1.0).
	CPULimit float64
	// Env is extra environment passed to every container.
	Env []string
}

func (c Config) withDefaults() Config {
	if c.MemoryMB <= 0 {
		c.MemoryMB = 2048
	}
	if c.CPULimit <= 0 {
		c.CPULimit = 1.0
	}
	return c
}

// Factory creates and reattaches container units.
type Factory struct {
	cli *client.Client
	cfg Config
}

// NewFactory creates a factory on the given Docker client.
func NewFactory(cli *client.Client, cfg Config) *Factory {
	return &Factory{cli: cli, cfg: cfg.withDefaults()}
}

// NewUnit constructs a unit for the task. The container is created in Start,
// not here, so a full Docker daemon is not touched on the admission path.
func (f *Factory) NewUnit(t *coderelay.Task, workspace string) (lifecycle.ExecutionUnit, error) {
	if f.cfg.Image == "" {
		return nil, fmt.Errorf("dockerunit: no image configured")
	}
	return &Unit{
		cli:       f.cli,
		cfg:       f.cfg,
		taskID:    t.TaskID,
		workspace: workspace,
		env: append([]string{
			"CODERELAY_TASK_ID=" + t.TaskID,
			"CODERELAY_PROMPT=" + t.Prompt,
			"CODERELAY_REPOSITORY=" + t.Repository,
			"CODERELAY_BASE_BRANCH=" + t.BaseBranch,
		}, f.cfg.Env...),
		outcome: make(chan lifecycle.Outcome, 1),
	}, nil
}

// Reattach resumes supervision of a journaled container ID. ok is false when
// the container is gone or no longer running.
func (f *Factory) Reattach(handle string) (lifecycle.ExecutionUnit, bool) {
	if handle == "" {
		return nil, false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	inspect, err := f.cli.ContainerInspect(ctx, handle)
	if err != nil || inspect.State == nil || !inspect.State.Running {
		return nil, false
	}
	workspace := ""
	for _, m := range inspect.Mounts {
		if m.Destination == "/workspace" {
			workspace = m.Source
		}
	}
	u := &Unit{
		cli:         f.cli,
		cfg:         f.cfg,
		workspace:   workspace,
		containerID: handle,
		outcome:     make(chan lifecycle.Outcome, 1),
	}
	go u.wait()
	return u, true
}

// Unit is one task's container.
type Unit struct {
	cli       *client.Client
	cfg       Config
	taskID    string
	workspace string
	env       []string

	mu          sync.Mutex
	containerID string
	outcome     chan lifecycle.Outcome
	reported    bool
}

// Start creates and starts the container and begins waiting on its exit.
func (u *Unit) Start(ctx context.Context) error {
	if err := os.MkdirAll(u.workspace, 0o755); err != nil {
		return err
	}
	resp, err := u.cli.ContainerCreate(ctx, &container.Config{
		Image:      u.cfg.Image,
		Env:        u.env,
		WorkingDir: "/workspace",
	}, &container.HostConfig{
		Binds: []string{u.workspace + ":/workspace"},
		Resources: container.Resources{
			Memory:   u.cfg.MemoryMB * 1024 * 1024,
			NanoCPUs: int64(u.cfg.CPULimit * math.Pow10(9)),
		},
	}, nil, nil, "")
	if err != nil {
		return err
	}
	if err := u.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = u.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return err
	}
	u.mu.Lock()
	u.containerID = resp.ID
	u.mu.Unlock()
	go u.wait()
	return nil
}

// Signal delivers SIGINT so the agent can wrap up and write its outcome.
func (u *Unit) Signal(ctx context.Context) error {
	return u.cli.ContainerKill(ctx, u.Handle(), "SIGINT")
}

// Kill force-removes the container. The wait goroutine observes the exit and
// reports whatever outcome file the agent managed to write.
func (u *Unit) Kill(ctx context.Context) error {
	return u.cli.ContainerRemove(ctx, u.Handle(), container.RemoveOptions{Force: true})
}

// Await returns the outcome channel. The same channel is returned on every
// call; the outcome is delivered at most once.
func (u *Unit) Await() <-chan lifecycle.Outcome { return u.outcome }

// Handle returns the container ID journaled for crash recovery.
func (u *Unit) Handle() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.containerID
}

// wait blocks on container exit, then reads the outcome file. It uses a
// background context: the unit must report even when the supervising
// goroutine's context is gone.
func (u *Unit) wait() {
	ctx := context.Background()
	statusCh, errCh := u.cli.ContainerWait(ctx, u.Handle(), container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		u.report(lifecycle.Outcome{ErrCode: "unknown_error", Err: err})
		return
	case <-statusCh:
	}

	cleanupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	_ = u.cli.ContainerRemove(cleanupCtx, u.Handle(), container.RemoveOptions{Force: true})
	cancel()

	u.report(u.readOutcome())
}

func (u *Unit) readOutcome() lifecycle.Outcome {
	data, err := os.ReadFile(filepath.Join(u.workspace, outcomeFile))
	if err != nil {
		return lifecycle.Outcome{
			ErrCode: "unknown_error",
			Err:     fmt.Errorf("dockerunit: no outcome file: %w", err),
		}
	}
	var doc outcomeDoc
	if err := sonic.Unmarshal(data, &doc); err != nil {
		return lifecycle.Outcome{
			ErrCode: "unknown_error",
			Err:     fmt.Errorf("dockerunit: malformed outcome file: %w", err),
		}
	}
	if doc.ErrorCode != "" {
		return lifecycle.Outcome{
			ErrCode: doc.ErrorCode,
			Err:     fmt.Errorf("dockerunit: %s", doc.ErrorMessage),
		}
	}
	if doc.PullRequestURL == "" && doc.Branch == "" {
		return lifecycle.Outcome{
			ErrCode: "unknown_error",
			Err:     fmt.Errorf("dockerunit: agent exited without artifact or error"),
		}
	}
	return lifecycle.Outcome{Artifact: &lifecycle.Artifact{
		PullRequestURL: doc.PullRequestURL,
		Branch:         doc.Branch,
		Summary:        doc.Summary,
		CIFailed:       doc.CIFailed,
	}}
}

func (u *Unit) report(out lifecycle.Outcome) {
	u.mu.Lock()
	if u.reported {
		u.mu.Unlock()
		return
	}
	u.reported = true
	u.mu.Unlock()
	u.outcome <- out
}

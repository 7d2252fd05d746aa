package journal

// Package journal implements the worker-local durable snapshot of in-flight
// tasks. It is the ground truth for crash recovery, independent of the
// remote store: a transition is journaled synchronously before any remote
// write so a crash between the two leaves recoverable local evidence.

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/bytedance/sonic"
)

// SchemaVersion is bumped whenever the snapshot layout changes. A version
// mismatch is treated the same as corruption: archive and start empty.
const SchemaVersion = 1

// Entry is one journaled in-flight task on this worker.
type Entry struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
	// UnitHandle is the execution-unit session/process reference used to
	// probe liveness after a restart.
	UnitHandle string `json:"unit_handle,omitempty"`
	// Workspace is the worktree owned by the task. It is preserved on every
	// outcome; the cleanup sweep must skip workspaces referenced by a
	// non-terminal entry.
	Workspace     string `json:"workspace,omitempty"`
	StartedAt     int64  `json:"started_at,omitempty"`
	CompletedAt   int64  `json:"completed_at,omitempty"`
	WebhookURL    string `json:"webhook_url,omitempty"`
	WebhookSecret string `json:"webhook_secret,omitempty"`
	LinearIssueID string `json:"linear_issue_id,omitempty"`
}

type snapshot struct {
	Version int              `json:"version"`
	Entries map[string]Entry `json:"entries"`
}

// Storage abstracts the durable medium so corruption handling and recovery
// are unit-testable without real disk I/O.
type Storage interface {
	ReadFile(name string) ([]byte, error)
	WriteFile(name string, data []byte) error
	Rename(oldName, newName string) error
}

// OSStorage is the production Storage rooted at a directory.
type OSStorage struct{ Dir string }

func (s OSStorage) ReadFile(name string) ([]byte, error) {
	return os.ReadFile(filepath.Join(s.Dir, name))
}

func (s OSStorage) WriteFile(name string, data []byte) error {
	path := filepath.Join(s.Dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s OSStorage) Rename(oldName, newName string) error {
	return os.Rename(filepath.Join(s.Dir, oldName), filepath.Join(s.Dir, newName))
}

// Journal is the in-memory view of the snapshot plus its durable backing.
// Every mutation persists synchronously before returning.
type Journal struct {
	mu      sync.Mutex
	st      Storage
	file    string
	entries map[string]Entry
}

// Load reads the snapshot from storage. A missing file yields an empty
// journal. A corrupt or version-mismatched file is archived under a
// timestamped name and the journal starts empty; corrupted reports that this
// happened so the caller can log the (rare) loss of recovery context.
func Load(st Storage, file string) (j *Journal, corrupted bool, err error) {
	j = &Journal{st: st, file: file, entries: make(map[string]Entry)}

	data, err := st.ReadFile(file)
	if errors.Is(err, fs.ErrNotExist) {
		return j, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var snap snapshot
	if derr := sonic.Unmarshal(data, &snap); derr != nil || snap.Version != SchemaVersion {
		archived := fmt.Sprintf("%s.%s.corrupt", file, time.Now().UTC().Format("20060102T150405"))
		if rerr := st.Rename(file, archived); rerr != nil {
			return nil, true, rerr
		}
		return j, true, nil
	}
	if snap.Entries != nil {
		j.entries = snap.Entries
	}
	return j, false, nil
}

// Put inserts or replaces an entry and persists the snapshot.
func (j *Journal) Put(e Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries[e.TaskID] = e
	return j.persistLocked()
}

// Remove deletes an entry and persists the snapshot. Removing an unknown
// task is a no-op.
func (j *Journal) Remove(taskID string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, ok := j.entries[taskID]; !ok {
		return nil
	}
	delete(j.entries, taskID)
	return j.persistLocked()
}

// Get returns the entry for a task, if present.
func (j *Journal) Get(taskID string) (Entry, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	e, ok := j.entries[taskID]
	return e, ok
}

// Entries returns all entries sorted by task ID.
func (j *Journal) Entries() []Entry {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]Entry, 0, len(j.entries))
	for _, e := range j.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].TaskID < out[b].TaskID })
	return out
}

// InFlight returns the entries whose status is not one of the given terminal
// statuses. It drives the startup capacity reconstruction and recovery probe.
func (j *Journal) InFlight(terminal func(status string) bool) []Entry {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]Entry, 0, len(j.entries))
	for _, e := range j.entries {
		if !terminal(e.Status) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].TaskID < out[b].TaskID })
	return out
}

func (j *Journal) persistLocked() error {
	snap := snapshot{Version: SchemaVersion, Entries: j.entries}
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return j.st.WriteFile(j.file, data)
}

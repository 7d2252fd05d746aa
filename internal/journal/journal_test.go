package journal

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// memStorage is an in-memory Storage for tests.
type memStorage struct {
	files map[string][]byte
}

func newMemStorage() *memStorage {
	return &memStorage{files: make(map[string][]byte)}
}

func (m *memStorage) ReadFile(name string) ([]byte, error) {
	data, ok := m.files[name]
	if !ok {
		return nil, fs.ErrNotExist
	}
	return data, nil
}

func (m *memStorage) WriteFile(name string, data []byte) error {
	m.files[name] = data
	return nil
}

func (m *memStorage) Rename(oldName, newName string) error {
	data, ok := m.files[oldName]
	if !ok {
		return fs.ErrNotExist
	}
	m.files[newName] = data
	delete(m.files, oldName)
	return nil
}

func terminal(status string) bool {
	switch status {
	case "completed", "failed", "interrupted", "cancelled":
		return true
	}
	return false
}

func TestJournal_RoundTrip(t *testing.T) {
	st := newMemStorage()
	j, corrupted, err := Load(st, "journal.json")
	require.NoError(t, err)
	require.False(t, corrupted)

	require.NoError(t, j.Put(Entry{TaskID: "t-1", Status: "dispatched", Workspace: "/w/t-1"}))
	require.NoError(t, j.Put(Entry{TaskID: "t-2", Status: "running", UnitHandle: "c-abc"}))

	// A fresh load from the same storage sees both entries.
	j2, corrupted, err := Load(st, "journal.json")
	require.NoError(t, err)
	require.False(t, corrupted)
	e, ok := j2.Get("t-2")
	require.True(t, ok)
	require.Equal(t, "c-abc", e.UnitHandle)
	require.Len(t, j2.Entries(), 2)
}

func TestJournal_PutReplacesAndRemove(t *testing.T) {
	st := newMemStorage()
	j, _, err := Load(st, "journal.json")
	require.NoError(t, err)

	require.NoError(t, j.Put(Entry{TaskID: "t-1", Status: "dispatched"}))
	require.NoError(t, j.Put(Entry{TaskID: "t-1", Status: "running"}))
	e, ok := j.Get("t-1")
	require.True(t, ok)
	require.Equal(t, "running", e.Status)

	require.NoError(t, j.Remove("t-1"))
	_, ok = j.Get("t-1")
	require.False(t, ok)
	require.NoError(t, j.Remove("t-1")) // removing again is a no-op
}

func TestJournal_InFlight(t *testing.T) {
	st := newMemStorage()
	j, _, err := Load(st, "journal.json")
	require.NoError(t, err)

	require.NoError(t, j.Put(Entry{TaskID: "t-1", Status: "running"}))
	require.NoError(t, j.Put(Entry{TaskID: "t-2", Status: "completed"}))
	require.NoError(t, j.Put(Entry{TaskID: "t-3", Status: "dispatched"}))

	inflight := j.InFlight(terminal)
	require.Len(t, inflight, 2)
	require.Equal(t, "t-1", inflight[0].TaskID)
	require.Equal(t, "t-3", inflight[1].TaskID)
}

func TestJournal_CorruptSnapshotArchivedAndEmpty(t *testing.T) {
	st := newMemStorage()
	st.files["journal.json"] = []byte("{not json")

	j, corrupted, err := Load(st, "journal.json")
	require.NoError(t, err)
	require.True(t, corrupted)
	require.Empty(t, j.Entries())

	// The broken file is preserved under a timestamped .corrupt name.
	_, ok := st.files["journal.json"]
	require.False(t, ok)
	var archived bool
	for name := range st.files {
		if strings.HasPrefix(name, "journal.json.") && strings.HasSuffix(name, ".corrupt") {
			archived = true
		}
	}
	require.True(t, archived)

	// The journal is usable immediately after.
	require.NoError(t, j.Put(Entry{TaskID: "t-1", Status: "dispatched"}))
}

func TestJournal_VersionMismatchTreatedAsCorrupt(t *testing.T) {
	st := newMemStorage()
	st.files["journal.json"] = []byte(`{"version":99,"entries":{}}`)

	j, corrupted, err := Load(st, "journal.json")
	require.NoError(t, err)
	require.True(t, corrupted)
	require.Empty(t, j.Entries())
}

func TestOSStorage_WriteIsAtomicRename(t *testing.T) {
	dir := t.TempDir()
	st := OSStorage{Dir: dir}

	require.NoError(t, st.WriteFile("journal.json", []byte(`{"version":1,"entries":{}}`)))
	data, err := st.ReadFile("journal.json")
	require.NoError(t, err)
	require.Contains(t, string(data), `"version":1`)

	// No .tmp leftover after a successful write.
	_, err = st.ReadFile("journal.json.tmp")
	require.ErrorIs(t, err, fs.ErrNotExist)
}

package scanner

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu  sync.Mutex
	ids []string
}

func (r *recorder) record(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
	return nil
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.ids))
	copy(out, r.ids)
	return out
}

func startScanner(t *testing.T, dir string, cb SessionFunc) *Scanner {
	s := New(dir, nil)
	s.OnNewSession(cb)
	require.NoError(t, s.Start())
	t.Cleanup(s.Cleanup)
	return s
}

func TestReportsExistingTranscripts(t *testing.T) {
	dir := t.TempDir()
	id := uuid.NewString()
	require.NoError(t, os.WriteFile(filepath.Join(dir, id+".jsonl"), []byte("{}\n"), 0o644))

	rec := &recorder{}
	startScanner(t, dir, rec.record)

	require.Eventually(t, func() bool {
		got := rec.snapshot()
		return len(got) == 1 && got[0] == id
	}, 2*time.Second, 10*time.Millisecond)
}

func TestReportsNewTranscriptByFilename(t *testing.T) {
	dir := t.TempDir()
	rec := &recorder{}
	startScanner(t, dir, rec.record)

	id := uuid.NewString()
	require.NoError(t, os.WriteFile(filepath.Join(dir, id+".jsonl"), []byte("{}\n"), 0o644))

	require.Eventually(t, func() bool {
		got := rec.snapshot()
		return len(got) == 1 && got[0] == id
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFallsBackToSessionIDField(t *testing.T) {
	dir := t.TempDir()
	rec := &recorder{}
	startScanner(t, dir, rec.record)

	id := uuid.NewString()
	body := fmt.Sprintf("not json\n{\"sessionId\":%q}\n", id)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "latest.jsonl"), []byte(body), 0o644))

	require.Eventually(t, func() bool {
		got := rec.snapshot()
		return len(got) == 1 && got[0] == id
	}, 2*time.Second, 10*time.Millisecond)
}

func TestIgnoresNonTranscriptFilesAndDuplicates(t *testing.T) {
	dir := t.TempDir()
	rec := &recorder{}
	startScanner(t, dir, rec.record)

	id := uuid.NewString()
	path := filepath.Join(dir, id+".jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{}\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)

	// Appending to an already-seen transcript must not re-report it.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("{}\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	time.Sleep(200 * time.Millisecond)
	assert.Len(t, rec.snapshot(), 1)
}

func TestCallbackErrorIsSwallowed(t *testing.T) {
	dir := t.TempDir()
	calls := make(chan string, 4)
	startScanner(t, dir, func(id string) error {
		calls <- id
		return fmt.Errorf("transcript parse bug")
	})

	first := uuid.NewString()
	second := uuid.NewString()
	require.NoError(t, os.WriteFile(filepath.Join(dir, first+".jsonl"), []byte("{}\n"), 0o644))

	select {
	case <-calls:
	case <-time.After(2 * time.Second):
		t.Fatal("first session never reported")
	}

	// A failing callback must not stop the scanner.
	require.NoError(t, os.WriteFile(filepath.Join(dir, second+".jsonl"), []byte("{}\n"), 0o644))
	select {
	case got := <-calls:
		assert.Equal(t, second, got)
	case <-time.After(2 * time.Second):
		t.Fatal("scanner stopped after callback error")
	}
}

func TestCleanupStopsReportingAndIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	rec := &recorder{}
	s := New(dir, nil)
	s.OnNewSession(rec.record)
	require.NoError(t, s.Start())

	s.Cleanup()
	s.Cleanup()

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("watch loop never exited")
	}

	require.NoError(t, os.WriteFile(filepath.Join(dir, uuid.NewString()+".jsonl"), []byte("{}\n"), 0o644))
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, rec.snapshot())

	require.Error(t, s.Start())
}

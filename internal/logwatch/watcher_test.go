package logwatch

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestDebounceCoalescing exercises S4/P5: a burst of events within the
// debounce window yields exactly one batch containing all unique paths.
func TestDebounceCoalescing(t *testing.T) {
	dir := t.TempDir()
	w, err := New(Options{Dirs: []string{dir}, DebounceMs: 80 * time.Millisecond, MaxWaitMs: 500 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	p1 := filepath.Join(dir, "a.jsonl")
	p2 := filepath.Join(dir, "b.jsonl")
	write(t, p1, "1")
	time.Sleep(10 * time.Millisecond)
	write(t, p2, "1")
	time.Sleep(10 * time.Millisecond)
	write(t, p1, "2")

	select {
	case batch := <-w.Events():
		if !sameSet(batch, []string{p1, p2}) {
			t.Fatalf("batch = %v, want {%s,%s}", batch, p1, p2)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for batch")
	}
}

// TestIgnoresNonJSONL checks the event filter drops non-.jsonl paths.
func TestIgnoresNonJSONL(t *testing.T) {
	dir := t.TempDir()
	w, err := New(Options{Dirs: []string{dir}, DebounceMs: 50 * time.Millisecond, MaxWaitMs: 200 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	write(t, filepath.Join(dir, "notes.txt"), "x")

	select {
	case batch := <-w.Events():
		t.Fatalf("unexpected batch for non-jsonl write: %v", batch)
	case <-time.After(300 * time.Millisecond):
		// expected: no batch
	}
}

// TestStopFlushesSynchronously checks Stop() delivers any pending batch.
func TestStopFlushesSynchronously(t *testing.T) {
	dir := t.TempDir()
	w, err := New(Options{Dirs: []string{dir}, DebounceMs: 5 * time.Second, MaxWaitMs: 10 * time.Second})
	if err != nil {
		t.Fatal(err)
	}

	p := filepath.Join(dir, "a.jsonl")
	write(t, p, "1")
	time.Sleep(50 * time.Millisecond)

	w.Stop()

	select {
	case batch := <-w.Events():
		if !sameSet(batch, []string{p}) {
			t.Fatalf("batch = %v, want {%s}", batch, p)
		}
	case <-time.After(time.Second):
		t.Fatal("Stop() did not flush pending batch")
	}
}

func write(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func sameSet(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	gm := make(map[string]bool, len(got))
	for _, g := range got {
		gm[g] = true
	}
	for _, w := range want {
		if !gm[w] {
			return false
		}
	}
	return true
}

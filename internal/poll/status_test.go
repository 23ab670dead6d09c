package poll

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gbasin/agentboard-core/internal/sessioncore"
)

func TestStatusManagerAttachAndStatusFor(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.jsonl")
	if err := os.WriteFile(path, []byte(`{"type":"user","message":{"role":"user","content":"hi"}}`+"\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	m := NewStatusManager()
	if _, ok := m.StatusFor("sess-1"); ok {
		t.Fatalf("expected no status before Attach")
	}

	m.Attach("sess-1", path)
	status, ok := m.StatusFor("sess-1")
	if !ok {
		t.Fatalf("expected a status after Attach")
	}
	if status != sessioncore.StatusWorking {
		t.Fatalf("status = %q, want %q after bootstrapping from a user message", status, sessioncore.StatusWorking)
	}

	// Attach again is a no-op; re-attaching the same sessionID must not panic
	// or replace the watcher.
	m.Attach("sess-1", path)
}

func TestStatusManagerObservePaneDowngradesWorkingToNeedsApproval(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.jsonl")
	if err := os.WriteFile(path, []byte(`{"type":"user","message":{"role":"user","content":"hi"}}`+"\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	m := NewStatusManager()
	m.Attach("sess-1", path)
	if status, _ := m.StatusFor("sess-1"); status != sessioncore.StatusWorking {
		t.Fatalf("precondition: status = %q, want working", status)
	}

	m.ObservePane("sess-1", "Do you want to proceed? [y/n]")
	status, ok := m.StatusFor("sess-1")
	if !ok || status != sessioncore.StatusNeedsApproval {
		t.Fatalf("status after pane observation = %q, %v, want needs_approval", status, ok)
	}
}

func TestStatusManagerRemoveClearsStatus(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.jsonl")
	if err := os.WriteFile(path, []byte(`{"type":"user","message":{"role":"user","content":"hi"}}`+"\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	m := NewStatusManager()
	m.Attach("sess-1", path)
	m.Remove("sess-1")

	if _, ok := m.StatusFor("sess-1"); ok {
		t.Fatalf("expected no status after Remove")
	}
}

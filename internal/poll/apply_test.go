package poll

import (
	"testing"
	"time"

	"github.com/gbasin/agentboard-core/internal/sessioncore"
)

func TestIsToolNotification(t *testing.T) {
	cases := map[string]bool{
		"[Tool: Bash]":        true,
		"  [Tool: Read] ":     true,
		"hello [Tool: Bash]":  false,
		"":                    false,
		"please run the tool": false,
	}
	for in, want := range cases {
		if got := isToolNotification(in); got != want {
			t.Errorf("isToolNotification(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestApplyLogEntryToExistingRecordGrowthUpdatesActivity(t *testing.T) {
	existing := sessioncore.Session{
		SessionID:        "sess-1",
		LogFilePath:      "/logs/sess-1.jsonl",
		LastKnownLogSize: 100,
		LastActivityAt:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	entry := sessioncore.LogEntrySnapshot{
		Path: existing.LogFilePath,
		Size: 500,
		Mtime: time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC),
	}

	res := applyLogEntryToExistingRecord(existing, entry, false)
	if !res.Changed || !res.HasGrown || !res.SizeChanged {
		t.Fatalf("result = %+v, want changed/grown/sizeChanged", res)
	}
	if res.Session.LastKnownLogSize != 500 {
		t.Fatalf("LastKnownLogSize = %d, want 500", res.Session.LastKnownLogSize)
	}
}

func TestApplyLogEntryToExistingRecordNoChangeWhenStable(t *testing.T) {
	existing := sessioncore.Session{
		SessionID:        "sess-1",
		LogFilePath:      "/logs/sess-1.jsonl",
		LastKnownLogSize: 500,
		LastActivityAt:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	entry := sessioncore.LogEntrySnapshot{Path: existing.LogFilePath, Size: 500}

	res := applyLogEntryToExistingRecord(existing, entry, false)
	if res.Changed {
		t.Fatalf("result = %+v, want no change for a stable size", res)
	}
}

func TestApplyLogEntryToExistingRecordTruncationReinitializes(t *testing.T) {
	existing := sessioncore.Session{
		SessionID:        "sess-1",
		LogFilePath:      "/logs/sess-1.jsonl",
		LastKnownLogSize: 9000,
		LastActivityAt:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	entry := sessioncore.LogEntrySnapshot{Path: existing.LogFilePath, Size: 40, Mtime: time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC)}

	res := applyLogEntryToExistingRecord(existing, entry, false)
	if !res.Changed || !res.HasGrown {
		t.Fatalf("result = %+v, want changed + treated as growth after truncation", res)
	}
	if res.Session.LastKnownLogSize != 40 {
		t.Fatalf("LastKnownLogSize = %d, want reinitialized to 40", res.Session.LastKnownLogSize)
	}
}

func TestApplyLogEntryToExistingRecordLastUserMessageWhitelist(t *testing.T) {
	existing := sessioncore.Session{
		SessionID:       "sess-1",
		LogFilePath:     "/logs/sess-1.jsonl",
		LastUserMessage: "fix the bug",
	}
	entry := sessioncore.LogEntrySnapshot{
		Path:            existing.LogFilePath,
		Size:            10,
		LastUserMessage: "[Tool: Bash]",
	}

	res := applyLogEntryToExistingRecord(existing, entry, false)
	if res.Session.LastUserMessage != "fix the bug" {
		t.Fatalf("LastUserMessage = %q, want real user message preserved over tool notification", res.Session.LastUserMessage)
	}
}

func TestApplyLogEntryToExistingRecordLastUserMessageLocked(t *testing.T) {
	existing := sessioncore.Session{
		SessionID:       "sess-1",
		LogFilePath:     "/logs/sess-1.jsonl",
		LastUserMessage: "",
	}
	entry := sessioncore.LogEntrySnapshot{
		Path:            existing.LogFilePath,
		Size:            10,
		LastUserMessage: "new backfilled text",
	}

	res := applyLogEntryToExistingRecord(existing, entry, true)
	if res.Session.LastUserMessage != "" {
		t.Fatalf("LastUserMessage = %q, want untouched while locked", res.Session.LastUserMessage)
	}
}

func TestApplyRotatedRecordResetsBaselineAndPath(t *testing.T) {
	existing := sessioncore.Session{
		SessionID:        "sess-1",
		LogFilePath:      "/logs/old.jsonl",
		LastKnownLogSize: 5000,
		LastActivityAt:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	entry := sessioncore.LogEntrySnapshot{
		Path: "/logs/new.jsonl",
		Size: 80,
		Mtime: time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC),
	}

	res := applyRotatedRecord(existing, entry, false)
	if !res.Changed {
		t.Fatalf("expected rotation to always report changed")
	}
	if res.Session.LogFilePath != entry.Path {
		t.Fatalf("LogFilePath = %q, want %q", res.Session.LogFilePath, entry.Path)
	}
	if res.Session.LastKnownLogSize != 80 {
		t.Fatalf("LastKnownLogSize = %d, want 80", res.Session.LastKnownLogSize)
	}
}

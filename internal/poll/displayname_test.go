package poll

import (
	"testing"

	"github.com/gbasin/agentboard-core/internal/sessioncore"
)

func TestBaseDisplayName(t *testing.T) {
	cases := []struct {
		entry sessioncore.LogEntrySnapshot
		want  string
	}{
		{sessioncore.LogEntrySnapshot{Slug: "fix-parser-bug", ProjectPath: "/tmp/alpha"}, "fix-parser-bug"},
		{sessioncore.LogEntrySnapshot{ProjectPath: "/tmp/alpha"}, "alpha"},
		{sessioncore.LogEntrySnapshot{}, "session"},
		{sessioncore.LogEntrySnapshot{ProjectPath: "/"}, "session"},
	}
	for _, c := range cases {
		if got := baseDisplayName(c.entry); got != c.want {
			t.Errorf("baseDisplayName(%+v) = %q, want %q", c.entry, got, c.want)
		}
	}
}

func TestUniqueDisplayNameAppendsSuffixOnCollision(t *testing.T) {
	st := openTestStore(t)
	taken := sessioncore.Session{SessionID: "sess-a", LogFilePath: "/logs/a.jsonl", DisplayName: "alpha"}
	if err := st.Insert(taken); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	got, err := uniqueDisplayName(st, "alpha", "sess-b")
	if err != nil {
		t.Fatalf("uniqueDisplayName() error = %v", err)
	}
	if got != "alpha-2" {
		t.Fatalf("uniqueDisplayName() = %q, want %q", got, "alpha-2")
	}
}

func TestUniqueDisplayNameExcludesOwnSession(t *testing.T) {
	st := openTestStore(t)
	sess := sessioncore.Session{SessionID: "sess-a", LogFilePath: "/logs/a.jsonl", DisplayName: "alpha"}
	if err := st.Insert(sess); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	got, err := uniqueDisplayName(st, "alpha", "sess-a")
	if err != nil {
		t.Fatalf("uniqueDisplayName() error = %v", err)
	}
	if got != "alpha" {
		t.Fatalf("uniqueDisplayName() = %q, want unchanged %q for self-exclusion", got, "alpha")
	}
}

package match

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestRegexToolUnavailable(t *testing.T) {
	t.Setenv("PATH", t.TempDir())
	tool := &RegexTool{}
	if tool.Available() {
		t.Fatalf("expected tool to be unavailable with empty PATH")
	}
	if _, _, err := tool.ExactMatch(context.Background(), "sig", []string{"a"}, 0); err == nil {
		t.Fatalf("expected ExactMatch to fail fast when the tool is missing")
	}
}

// fakeRG installs a shell script named "rg" on PATH that emulates the
// `-l -F -- <sig> <paths...>` invocation shape by grepping each path for a
// literal match and printing matching paths, one per line.
func fakeRG(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake rg script assumes a POSIX shell")
	}
	dir := t.TempDir()
	script := `#!/bin/sh
# args: -l --threads N -F -- SIG PATH...
shift 5
sig="$1"
shift
found=""
for f in "$@"; do
  if grep -qF -- "$sig" "$f" 2>/dev/null; then
    echo "$f"
  fi
done
exit 0
`
	path := filepath.Join(dir, "rg")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake rg: %v", err)
	}
	t.Setenv("PATH", dir+":"+os.Getenv("PATH"))
}

func TestRegexToolExactMatchUniqueHit(t *testing.T) {
	fakeRG(t)
	dir := t.TempDir()
	a := filepath.Join(dir, "a.jsonl")
	b := filepath.Join(dir, "b.jsonl")
	if err := os.WriteFile(a, []byte("please fix the parser bug today"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(b, []byte("something unrelated entirely"), 0o644); err != nil {
		t.Fatal(err)
	}

	tool := &RegexTool{}
	if !tool.Available() {
		t.Skip("fake rg not resolvable on this platform")
	}
	hit, ok, err := tool.ExactMatch(context.Background(), "fix the parser bug", []string{a, b}, 2)
	if err != nil {
		t.Fatalf("ExactMatch() error = %v", err)
	}
	if !ok || hit != a {
		t.Fatalf("ExactMatch() = (%q, %v), want (%q, true)", hit, ok, a)
	}
}

func TestRegexToolExactMatchMultipleHitsIsNonMatch(t *testing.T) {
	fakeRG(t)
	dir := t.TempDir()
	a := filepath.Join(dir, "a.jsonl")
	b := filepath.Join(dir, "b.jsonl")
	for _, p := range []string{a, b} {
		if err := os.WriteFile(p, []byte("please fix the parser bug today"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	tool := &RegexTool{}
	_, ok, err := tool.ExactMatch(context.Background(), "fix the parser bug", []string{a, b}, 2)
	if err != nil {
		t.Fatalf("ExactMatch() error = %v", err)
	}
	if ok {
		t.Fatalf("expected multiple hits to be treated as a non-match")
	}
}

package match

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
)

// RegexToolName is the external substring search tool's binary name. The
// spec describes its contract (-l, --json, --threads) rather than naming a
// binary; ripgrep is the concrete implementation that satisfies it.
const RegexToolName = "rg"

// RegexTool resolves and invokes the external substring search tool.
// Grounded on the sync.Once-guarded lazy detection in ExternalTool
// (internal/plugins/gitstatus/external_tools.go), one instance per process
// rather than a package global so tests can exercise detection failure and
// success independently.
type RegexTool struct {
	once  sync.Once
	path  string
	found bool
}

// Detect resolves the tool on PATH, caching the result.
func (t *RegexTool) Detect() (string, bool) {
	t.once.Do(func() {
		if p, err := exec.LookPath(RegexToolName); err == nil {
			t.path = p
			t.found = true
		}
	})
	return t.path, t.found
}

// Available reports whether the tool was found.
func (t *RegexTool) Available() bool {
	_, ok := t.Detect()
	return ok
}

// Signature derives a distinctive literal substring from text for the
// exact-match short-circuit: the trailing run of tokens up to a bounded
// length, so it stays a meaningful but not over-specific substring (§4.4
// "distinctive tokens captured from each window's pane").
func Signature(text string, minTokens int) (string, bool) {
	tokens := Tokenize(text)
	if len(tokens) < minTokens {
		return "", false
	}
	if len(tokens) > 12 {
		tokens = tokens[len(tokens)-12:]
	}
	return strings.Join(tokens, " "), true
}

// ExactMatch runs the external regex tool in list-files mode (-l) against
// logPaths looking for sig as a fixed substring. A unique hit wins
// immediately; zero or multiple hits are treated as "no exact match"
// (§9 Open Question: "multiple paths matched" is a non-match, not a
// tie-break).
func (t *RegexTool) ExactMatch(ctx context.Context, sig string, logPaths []string, threads int) (string, bool, error) {
	if sig == "" || len(logPaths) == 0 {
		return "", false, nil
	}
	bin, ok := t.Detect()
	if !ok {
		return "", false, fmt.Errorf("match: regex substring tool %q not found on PATH", RegexToolName)
	}
	if threads <= 0 {
		threads = 4
	}

	args := []string{"-l", "--threads", fmt.Sprintf("%d", threads), "-F", "--", sig}
	args = append(args, logPaths...)

	cmd := exec.CommandContext(ctx, bin, args...)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	err := cmd.Run()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			// exit code 1 conventionally means "no matches", not a failure.
			return "", false, nil
		}
		return "", false, err
	}

	var hits []string
	scanner := bufio.NewScanner(&stdout)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			hits = append(hits, line)
		}
	}
	if len(hits) != 1 {
		return "", false, nil
	}
	return hits[0], true, nil
}

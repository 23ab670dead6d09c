// Package poll implements LogPoller (spec.md §4.7): the controller that
// drives discovery/watching, invokes the matcher, reconciles results with
// the SessionStore, and applies supersede/orphan/rematch policy.
//
// Grounded on the reconcile-then-apply cycle in
// internal/plugins/worktree/reconciler.go (enumerate → match → mutate
// store → emit), adapted from worktree/branch reconciliation to
// session/window correlation.
package poll

import (
	"context"
	"log/slog"

	"github.com/gbasin/agentboard-core/internal/match"
	"github.com/gbasin/agentboard-core/internal/sessioncore"
)

// WindowLister is the subset of tmux.Enumerator the matcher and poller
// depend on: listing live windows and capturing one window's pane. Kept as
// an interface (rather than a concrete *tmux.Enumerator dependency) so
// poll-cycle logic can be exercised against a fake multiplexer in tests,
// consistent with §9's "external-tool coupling... a fake implementation
// satisfying the invocation shape must be sufficient for all tests".
type WindowLister interface {
	ListWindows(ctx context.Context) ([]sessioncore.Window, error)
	CapturePane(ctx context.Context, key sessioncore.WindowKey) (string, error)
}

// WindowPruner is the optional extra a WindowLister may implement to report
// which previously-claimed window keys it no longer lists, evicting any
// internal per-window cache as a side effect (tmux.Enumerator.PruneManaged).
// Kept as a separate, narrower interface so fakes that only need
// ListWindows/CapturePane aren't forced to implement it.
type WindowPruner interface {
	PruneManaged(live []sessioncore.Window, known []sessioncore.WindowKey) []sessioncore.WindowKey
}

// SubstringMatcher is the subset of match.RegexTool the exact-match
// short-circuit depends on (§4.4, §6 external-tool contract).
type SubstringMatcher interface {
	Available() bool
	ExactMatch(ctx context.Context, sig string, logPaths []string, threads int) (string, bool, error)
}

// MatchDeps are the collaborators LogMatcher needs to turn enriched
// transcripts into window decisions: pane capture and the exact-match
// substring tool (§5 "match worker... only component permitted to invoke
// the external substring tool and capture scrollback").
type MatchDeps struct {
	Enumerator WindowLister
	RegexTool  SubstringMatcher
	Logger     *slog.Logger
}

// paneTokens caches one window's captured, tokenized pane text for the
// duration of a single match pass so repeated candidates don't re-tokenize.
type paneTokens struct {
	window sessioncore.Window
	tokens []string
	text   string
}

// captureCandidates captures and tokenizes every window's pane once, up
// front, for reuse across every log in this poll cycle.
func captureCandidates(ctx context.Context, deps *MatchDeps, windows []sessioncore.Window) []paneTokens {
	out := make([]paneTokens, 0, len(windows))
	for _, w := range windows {
		text, err := deps.Enumerator.CapturePane(ctx, w.Key)
		if err != nil {
			deps.Logger.Warn("poll: capture-pane failed", "window", w.Key, "error", err)
			continue
		}
		out = append(out, paneTokens{window: w, tokens: match.Tokenize(text), text: text})
	}
	return out
}

// exactMatchBatch implements §4.4's exact-match short-circuit across a
// whole poll cycle: for every window, derive a distinctive signature from
// its captured pane tail and search for it as a fixed substring across
// every candidate log path. A unique hit (exactly one log path contains
// that window's signature) wins immediately; the caller skips similarity
// scoring for that logPath.
func exactMatchBatch(ctx context.Context, deps *MatchDeps, logPaths []string, windows []paneTokens) map[string]sessioncore.WindowKey {
	out := make(map[string]sessioncore.WindowKey)
	if deps.RegexTool == nil || !deps.RegexTool.Available() || len(logPaths) == 0 {
		return out
	}
	claimed := make(map[string]struct{})
	for _, w := range windows {
		sig, ok := match.Signature(w.text, match.DefaultLastExchangeMinTokens)
		if !ok {
			continue
		}
		hit, found, err := deps.RegexTool.ExactMatch(ctx, sig, logPaths, 4)
		if err != nil {
			deps.Logger.Warn("poll: exact-match tool invocation failed", "window", w.window.Key, "error", err)
			continue
		}
		if !found {
			continue
		}
		if _, already := claimed[hit]; already {
			// Two windows' signatures both uniquely hit the same log path;
			// per §9 Open Question, treat as a non-match for both.
			delete(out, hit)
			claimed[hit] = struct{}{}
			continue
		}
		out[hit] = w.window.Key
		claimed[hit] = struct{}{}
	}
	return out
}

// similaritySelect runs §4.4's window-selection contract for one
// transcript's text against the given candidate windows.
func similaritySelect(logText string, candidates []paneTokens) match.Selection {
	logTokens := match.Tokenize(logText)
	scoreCandidates := make([]match.Candidate, 0, len(candidates))
	for _, c := range candidates {
		scoreCandidates = append(scoreCandidates, match.Candidate{
			Window: match.Window{Key: c.window.Key},
			Tokens: c.tokens,
		})
	}
	return match.Select(logTokens, scoreCandidates, match.DefaultSelectOptions(match.ScopeFull))
}

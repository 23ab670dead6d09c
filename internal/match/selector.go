package match

import (
	"sort"

	"github.com/gbasin/agentboard-core/internal/sessioncore"
)

// Scope selects which text window (the whole extraction or only the most
// recent exchange) a score is computed over (§4.4 rule 5).
type Scope string

const (
	ScopeFull         Scope = "full"
	ScopeLastExchange Scope = "last_exchange"
)

// Defaults per §4.4 rule 5.
const (
	DefaultMinScore              = 0.7
	DefaultMinGap                = 0.02
	DefaultScrollbackLines       = 2000
	DefaultMinTokens             = 10
	DefaultLastExchangeMinTokens = 5
	ShortSessionTokens           = 300
	ShortSessionMinScore         = 0.3
)

// SelectOptions parameterises the window selection contract.
type SelectOptions struct {
	Scope     Scope
	MinScore  float64
	MinGap    float64
	MinTokens int
}

// DefaultSelectOptions returns the §4.4-rule-5 defaults for the given scope.
func DefaultSelectOptions(scope Scope) SelectOptions {
	minTokens := DefaultMinTokens
	if scope == ScopeLastExchange {
		minTokens = DefaultLastExchangeMinTokens
	}
	return SelectOptions{Scope: scope, MinScore: DefaultMinScore, MinGap: DefaultMinGap, MinTokens: minTokens}
}

// Candidate is one window's captured pane tokens, ready for scoring against
// a log's tokens.
type Candidate struct {
	Window Window
	Tokens []string
}

// Window is the minimal window identity the selector needs; kept separate
// from sessioncore.Window so this package has no dependency beyond the key.
type Window struct {
	Key sessioncore.WindowKey
}

// Selection is the outcome of the window selection contract.
type Selection struct {
	Window sessioncore.WindowKey
	Score  Score
	Reason sessioncore.MatchRejectReason
	Ok     bool
}

// scored pairs a candidate with its computed score, for sorting.
type scored struct {
	window sessioncore.WindowKey
	score  Score
}

// Select implements §4.4's window selection contract: score every
// candidate, sort descending by Hybrid, and accept the top candidate only
// if it clears the token, score, and gap gates.
func Select(logTokens []string, candidates []Candidate, opts SelectOptions) Selection {
	if opts.MinScore == 0 {
		opts.MinScore = DefaultMinScore
	}
	if opts.MinGap == 0 {
		opts.MinGap = DefaultMinGap
	}
	if opts.MinTokens == 0 {
		opts.MinTokens = DefaultMinTokens
	}

	if len(candidates) == 0 {
		return Selection{Reason: sessioncore.RejectNoWindows}
	}

	ranked := make([]scored, 0, len(candidates))
	for _, c := range candidates {
		sc := Similarity(logTokens, c.Tokens)
		if sc.LeftTokens < opts.MinTokens || sc.RightTokens < opts.MinTokens {
			sc.Jaccard, sc.Containment, sc.Hybrid = 0, 0, 0
		}
		ranked = append(ranked, scored{window: c.Window.Key, score: sc})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].score.Hybrid > ranked[j].score.Hybrid
	})

	best := ranked[0]
	if best.score.LeftTokens < opts.MinTokens || best.score.RightTokens < opts.MinTokens {
		return Selection{Reason: sessioncore.RejectTooFewTokens, Score: best.score}
	}

	effectiveMinScore := opts.MinScore
	if best.score.LeftTokens < ShortSessionTokens {
		effectiveMinScore = ShortSessionMinScore
	}
	if best.score.Hybrid < effectiveMinScore {
		return Selection{Reason: sessioncore.RejectLowScore, Score: best.score}
	}

	secondScore := 0.0
	if len(ranked) > 1 {
		secondScore = ranked[1].score.Hybrid
	}
	if best.score.Hybrid-secondScore < opts.MinGap {
		return Selection{Reason: sessioncore.RejectLowGap, Score: best.score}
	}

	return Selection{Window: best.window, Score: best.score, Reason: sessioncore.RejectNone, Ok: true}
}

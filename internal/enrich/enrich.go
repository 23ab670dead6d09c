// Package enrich implements LogPollData (spec.md §4.3): given a set of
// candidate paths, produces enriched LogEntrySnapshot values, taking a
// "known sessions" fast path that skips content reads and token counting for
// paths already tracked by the store.
//
// Grounded on the caching/incremental-parse pattern in
// internal/adapter/claudecode/adapter.go (messageCacheEntry, byteOffset) and
// internal/plugins/workspace/agent_session.go's codexSessionCache, adapted
// from per-adapter message caches into one cross-vendor enrichment pass.
package enrich

import (
	"os"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/gbasin/agentboard-core/internal/discovery"
	"github.com/gbasin/agentboard-core/internal/match"
	"github.com/gbasin/agentboard-core/internal/sessioncore"
)

// MinTokensForInsert is the §4.7.1 threshold below which a brand-new log is
// cached as "empty" instead of being inserted as a session.
const MinTokensForInsert = 1

// Enricher produces enriched snapshots for a batch of candidate paths.
type Enricher struct {
	Roots          discovery.Roots
	KnownByPath    map[string]sessioncore.KnownSession
	MaxConcurrency int
}

// New constructs an Enricher. known is keyed by absolute log path (§4.3 rule 2).
func New(roots discovery.Roots, known map[string]sessioncore.KnownSession) *Enricher {
	return &Enricher{Roots: roots, KnownByPath: known, MaxConcurrency: 8}
}

// EnrichPaths stats and (when needed) parses each path, applying the
// known-sessions fast path from §4.3 rule 2. Missing files are silently
// dropped (§4.1/§7 tier 1). Reads across paths proceed with bounded
// concurrency (§5 "across paths they may proceed in parallel with bounded
// concurrency"); within Extract, a single path's reads stay sequential.
func (e *Enricher) EnrichPaths(paths []string) []sessioncore.LogEntrySnapshot {
	results := make([]sessioncore.LogEntrySnapshot, len(paths))
	present := make([]bool, len(paths))

	limit := e.MaxConcurrency
	if limit <= 0 {
		limit = 8
	}
	var g errgroup.Group
	g.SetLimit(limit)

	for i, p := range paths {
		i, p := i, p
		g.Go(func() error {
			snap, ok := e.enrichOne(p)
			if ok {
				results[i] = snap
				present[i] = true
			}
			return nil
		})
	}
	_ = g.Wait()

	out := make([]sessioncore.LogEntrySnapshot, 0, len(paths))
	for i, ok := range present {
		if ok {
			out = append(out, results[i])
		}
	}
	return out
}

func (e *Enricher) enrichOne(path string) (sessioncore.LogEntrySnapshot, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return sessioncore.LogEntrySnapshot{}, false
	}

	snap := sessioncore.LogEntrySnapshot{
		Path:  path,
		Size:  info.Size(),
		Mtime: info.ModTime(),
	}
	if bt, ok := birthtime(info); ok {
		snap.Birthtime = bt
	} else {
		snap.Birthtime = info.ModTime()
	}

	if known, ok := e.KnownByPath[path]; ok {
		snap.SessionID = known.SessionID
		snap.ProjectPath = known.ProjectPath
		snap.Slug = known.Slug
		snap.AgentFamily = known.AgentFamily
		snap.IsExec = known.IsExec
		snap.TokenCount = -1 // enrichment skipped, invariant I6

		if known.AgentFamily == sessioncore.AgentCodex && !known.IsExec {
			ext := discovery.Extract(path, known.AgentFamily)
			snap.IsExec = ext.IsExec
			snap.IsSubagent = ext.IsSubagent
		}
		return snap, true
	}

	family := discovery.FamilyForPath(path, e.Roots)
	ext := discovery.Extract(path, family)
	snap.SessionID = ext.SessionID
	snap.ProjectPath = ext.ProjectPath
	snap.Slug = ext.Slug
	snap.AgentFamily = family
	snap.IsSubagent = ext.IsSubagent
	snap.IsExec = ext.IsExec
	snap.LastUserMessage = ext.LastUserMessage

	snap.TokenCount = match.CountTailTokens(path)

	return snap, true
}

// SortAndTruncate orders a batch scan's results by mtime descending and caps
// it to max(1, maxLogs) entries (§4.3).
func SortAndTruncate(snaps []sessioncore.LogEntrySnapshot, maxLogs int) []sessioncore.LogEntrySnapshot {
	if maxLogs < 1 {
		maxLogs = 1
	}
	sort.SliceStable(snaps, func(i, j int) bool {
		return snaps[i].Mtime.After(snaps[j].Mtime)
	})
	if len(snaps) > maxLogs {
		snaps = snaps[:maxLogs]
	}
	return snaps
}

package poll

import (
	"github.com/gbasin/agentboard-core/internal/sessioncore"
	"github.com/gbasin/agentboard-core/internal/store"
)

// inherited carries the fields a superseded session hands to its
// successor (§4.7.3, invariants P3/P4): the window it owned, its pin
// state, and its display name.
type inherited struct {
	Window      *sessioncore.WindowKey
	IsPinned    bool
	DisplayName string
}

// trySupersede implements §4.7.3's plan→execute transition: when a new
// session shares (slug, project) with an existing active session, the old
// session is orphaned and the new one inherits its window, pin state, and
// display name. Invariant I5 guarantees at most one active match, so the
// store lookup alone is sufficient without an additional uniqueness check
// here.
//
// Returns (nil, nil) when no supersede applies (new slug, no project
// match, or the "match" is the same sessionId re-observed).
func trySupersede(s *store.Store, newSessionID, slug, projectPath string, onOrphaned func(oldID, newID string)) (*inherited, error) {
	if slug == "" {
		return nil, nil
	}
	old, ok, err := s.GetActiveBySlugProject(slug, projectPath)
	if err != nil {
		return nil, err
	}
	if !ok || old.SessionID == newSessionID {
		return nil, nil
	}

	result := &inherited{Window: old.CurrentWindow, IsPinned: old.IsPinned, DisplayName: old.DisplayName}

	orphaned := old.Clone()
	orphaned.CurrentWindow = nil
	orphaned.IsPinned = false
	if err := s.Update(orphaned); err != nil {
		return nil, err
	}

	if onOrphaned != nil {
		onOrphaned(old.SessionID, newSessionID)
	}
	return result, nil
}

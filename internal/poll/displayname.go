package poll

import (
	"fmt"
	"path/filepath"

	"github.com/gbasin/agentboard-core/internal/sessioncore"
	"github.com/gbasin/agentboard-core/internal/store"
)

// baseDisplayName derives the starting candidate for a new session's
// display name: its slug when the transcript carried one, otherwise the
// project directory's base name (spec.md doesn't prescribe a naming
// scheme beyond invariant I2's uniqueness; the teacher's worktree plugin
// names things after the directory the work happens in, so this follows
// suit rather than inventing an unrelated moniker generator).
func baseDisplayName(entry sessioncore.LogEntrySnapshot) string {
	if entry.Slug != "" {
		return entry.Slug
	}
	base := filepath.Base(entry.ProjectPath)
	if base == "" || base == "." || base == string(filepath.Separator) {
		return "session"
	}
	return base
}

// uniqueDisplayName enforces invariant I2 (display names unique across all
// live sessions) by appending a numeric suffix until store.DisplayNameTaken
// reports the name is free.
func uniqueDisplayName(s *store.Store, candidate, excludeSessionID string) (string, error) {
	if candidate == "" {
		candidate = "session"
	}
	name := candidate
	for i := 2; ; i++ {
		taken, err := s.DisplayNameTaken(name, excludeSessionID)
		if err != nil {
			return "", err
		}
		if !taken {
			return name, nil
		}
		name = fmt.Sprintf("%s-%d", candidate, i)
	}
}

package poll

import (
	"strings"
	"time"

	"github.com/gbasin/agentboard-core/internal/discovery"
	"github.com/gbasin/agentboard-core/internal/sessioncore"
)

// isToolNotification recognises the literal whitelist pattern §4.7.2 calls
// a "tool-notification" message: the "[Tool: <name>]" text the taxonomy
// adapters (§4.8) synthesise for a tool_use event, which must never
// overwrite a real user message.
func isToolNotification(msg string) bool {
	return strings.HasPrefix(strings.TrimSpace(msg), "[Tool:")
}

// applyResult is what applyLogEntryToExistingRecord computed, separated
// from the updated record itself so callers can decide whether a re-match
// attempt is warranted without re-deriving hasGrown/sizeChanged.
type applyResult struct {
	Session    sessioncore.Session
	Changed    bool
	HasGrown   bool
	SizeChanged bool
}

// applyLogEntryToExistingRecord implements §4.7.2: fold one freshly
// enriched transcript snapshot into an existing session record. Handles
// the in-place truncation/rotation case (I4, scenario S5) by detecting
// entry.Size < record.LastKnownLogSize and reinitializing from that
// observation forward, exactly as a genuine log-file rotation would.
func applyLogEntryToExistingRecord(existing sessioncore.Session, entry sessioncore.LogEntrySnapshot, lastUserMessageLocked bool) applyResult {
	updated := existing.Clone()
	var changed bool

	if entry.IsExec && !updated.IsCodexExec {
		updated.IsCodexExec = true
		changed = true
	}
	if updated.Slug == "" && entry.Slug != "" {
		updated.Slug = entry.Slug
		changed = true
	}

	prevSize := updated.LastKnownLogSize
	firstObservation := updated.LastActivityAt.IsZero() && prevSize == 0

	truncated := entry.Size < prevSize
	hasGrown := entry.Size > prevSize
	sizeChanged := entry.Size != prevSize

	if truncated {
		// I4: a smaller file implies truncation/rotation; reinitialize the
		// baseline from this observation forward (S5).
		updated.LastKnownLogSize = entry.Size
		updated.LastActivityAt = discovery.LastEntryTimestamp(entry.Path, entry.AgentFamily, entry.Mtime)
		changed = true
		hasGrown = true // the post-truncation content is, relative to the new baseline, growth
	} else if sizeChanged || firstObservation {
		if hasGrown {
			updated.LastActivityAt = discovery.LastEntryTimestamp(entry.Path, entry.AgentFamily, entry.Mtime)
		}
		updated.LastKnownLogSize = entry.Size
		changed = true
	}

	if entry.LastUserMessage != "" && !isToolNotification(entry.LastUserMessage) && !lastUserMessageLocked {
		if updated.LastUserMessage == "" || isToolNotification(updated.LastUserMessage) ||
			(sizeChanged && updated.LastUserMessage != entry.LastUserMessage) {
			updated.LastUserMessage = entry.LastUserMessage
			changed = true
		}
	}

	return applyResult{Session: updated, Changed: changed, HasGrown: hasGrown, SizeChanged: sizeChanged}
}

// applyRotatedRecord implements the "existing by sessionId but different
// logPath" branch of §4.7.1: the same logical session resumed under a new
// transcript path. The size/activity baseline is reinitialized from zero so
// the new file's full size reads as growth, mirroring the in-place
// truncation case in applyLogEntryToExistingRecord.
func applyRotatedRecord(existing sessioncore.Session, entry sessioncore.LogEntrySnapshot, lastUserMessageLocked bool) applyResult {
	reset := existing.Clone()
	reset.LastKnownLogSize = 0
	reset.LastActivityAt = time.Time{}
	res := applyLogEntryToExistingRecord(reset, entry, lastUserMessageLocked)
	res.Session.LogFilePath = entry.Path
	res.Changed = true
	return res
}

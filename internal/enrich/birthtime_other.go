//go:build !linux

package enrich

import (
	"os"
	"time"
)

// birthtime is unavailable on this platform via the standard library;
// callers fall back to ModTime.
func birthtime(info os.FileInfo) (time.Time, bool) {
	return time.Time{}, false
}

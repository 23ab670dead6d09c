package match

import (
	"io"
	"os"
)

// DefaultByteLimit is the default trailing-bytes window read for text
// extraction and token counting (§4.3 rule 3, §4.4).
const DefaultByteLimit = 200 * 1024

// DefaultLineLimit is the default trailing-lines cap applied on top of
// DefaultByteLimit.
const DefaultLineLimit = 2000

// ReadTail returns up to the last byteLimit bytes of the file at path. It is
// the shared primitive behind CountTailTokens and text extraction, reading
// once from the end rather than scanning the whole file (§4.3 rule 3: "read
// only the trailing window, never the whole file, for large logs").
func ReadTail(path string, byteLimit int) ([]byte, error) {
	if byteLimit <= 0 {
		byteLimit = DefaultByteLimit
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	size := info.Size()
	offset := int64(0)
	if size > int64(byteLimit) {
		offset = size - int64(byteLimit)
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, err
	}
	buf, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// CountTailTokens counts normalised tokens across the trailing byte window
// of a transcript file, used by LogPollData as the cheap proxy for "how much
// conversation exists" (§4.3 rule 3, gating §4.7.1's MinTokensForInsert).
// Any read failure yields 0, matching the fail-soft posture of the rest of
// discovery/enrich.
func CountTailTokens(path string) int {
	raw, err := ReadTail(path, DefaultByteLimit)
	if err != nil {
		return 0
	}
	total := 0
	for _, line := range splitLines(raw, DefaultLineLimit) {
		for _, ev := range ExtractEvents([]byte(line)) {
			if ev.Kind != KindMessage && ev.Kind != KindSystem && ev.Kind != KindUnknown {
				continue
			}
			total += len(Tokenize(ev.Text))
		}
	}
	return total
}

// splitLines splits raw on '\n' and keeps at most the last lineLimit
// non-empty lines.
func splitLines(raw []byte, lineLimit int) []string {
	var lines []string
	start := 0
	for i, b := range raw {
		if b == '\n' {
			if i > start {
				lines = append(lines, string(raw[start:i]))
			}
			start = i + 1
		}
	}
	if start < len(raw) {
		lines = append(lines, string(raw[start:]))
	}
	if lineLimit > 0 && len(lines) > lineLimit {
		lines = lines[len(lines)-lineLimit:]
	}
	return lines
}

package match

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// ansiCSIRegex matches ANSI CSI escape sequences (e.g. cursor movement,
// SGR color codes). Grounded on terminalModeRegex in
// internal/plugins/gitstatus/external_tools.go, generalized from the
// mouse/alt-screen-mode subset to the full CSI grammar needed to clean
// captured tmux scrollback.
var ansiCSIRegex = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]`)

// ansiOSCRegex matches ANSI OSC sequences (window title, hyperlinks), which
// are terminated by BEL or ST.
var ansiOSCRegex = regexp.MustCompile(`\x1b\][^\x07\x1b]*(\x07|\x1b\\)`)

// boxDrawingRegex matches lines made up solely of box-drawing / decorative
// characters (tmux pane borders, claude's rounded input box).
var boxDrawingRegex = regexp.MustCompile(`^[\s\x{2500}-\x{257F}\x{2550}-\x{256C}─│╭╮╰╯┌┐└┘┤├┬┴┼]+$`)

// statusGlyphPattern matches UI chrome lines (spinners, elapsed-time
// banners) that carry no conversational content.
var statusGlyphPattern = regexp.MustCompile(`(?i)^\s*[✢✳✶✻●○◆◇⏺•›❯]?\s*(thinking|esc to interrupt|\d+s\s*·|tokens?\b.*used)`)

// StripANSI removes CSI and OSC escape sequences from s.
func StripANSI(s string) string {
	s = ansiOSCRegex.ReplaceAllString(s, "")
	s = ansiCSIRegex.ReplaceAllString(s, "")
	return s
}

// StripControls removes C0/C1 control characters, keeping \n for line
// splitting.
func StripControls(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == '\n' {
			b.WriteRune(r)
			continue
		}
		if r < 0x20 || (r >= 0x7f && r <= 0x9f) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// StripDecorative drops box-drawing-only lines and UI status/glyph lines.
func StripDecorative(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if boxDrawingRegex.MatchString(trimmed) {
			continue
		}
		if statusGlyphPattern.MatchString(trimmed) {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

// Normalize applies the full §4.4 normalisation pipeline: strip ANSI, strip
// controls, strip decorative/status lines, Unicode-normalise, lowercase,
// collapse whitespace.
func Normalize(s string) string {
	s = StripANSI(s)
	s = StripControls(s)
	s = StripDecorative(s)
	s = norm.NFC.String(s)
	s = strings.ToLower(s)
	return collapseWhitespace(s)
}

func collapseWhitespace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	lastSpace := false
	for _, r := range s {
		if unicode.IsSpace(r) {
			if !lastSpace && b.Len() > 0 {
				b.WriteByte(' ')
			}
			lastSpace = true
			continue
		}
		lastSpace = false
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}

// Tokenize splits normalised text on whitespace into a token slice.
func Tokenize(s string) []string {
	normalized := Normalize(s)
	if normalized == "" {
		return nil
	}
	return strings.Fields(normalized)
}

// TokenSet builds a deduplicated set from tokens, for Jaccard/containment.
func TokenSet(tokens []string) map[string]struct{} {
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		set[t] = struct{}{}
	}
	return set
}

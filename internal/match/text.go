package match

import "strings"

// Mode selects which event roles contribute to extracted log text (§4.4).
type Mode string

const (
	ModeAll            Mode = "all"
	ModeUser           Mode = "user"
	ModeAssistant      Mode = "assistant"
	ModeAssistantUser  Mode = "assistant_user"
)

// ExtractOptions configures ExtractLogText.
type ExtractOptions struct {
	ByteLimit int
	LineLimit int
	Mode      Mode
}

// DefaultExtractOptions mirrors §4.4's stated defaults.
func DefaultExtractOptions() ExtractOptions {
	return ExtractOptions{ByteLimit: DefaultByteLimit, LineLimit: DefaultLineLimit, Mode: ModeAll}
}

// ExtractLogText reads the trailing window of the transcript at path,
// extracts events per line, filters by Mode, and joins the surviving text
// with newlines ready for normalisation/tokenisation (§4.4: "Read at most
// the trailing byteLimit ... Join chunks with \n").
func ExtractLogText(path string, opts ExtractOptions) (string, error) {
	if opts.ByteLimit <= 0 {
		opts.ByteLimit = DefaultByteLimit
	}
	if opts.LineLimit <= 0 {
		opts.LineLimit = DefaultLineLimit
	}
	if opts.Mode == "" {
		opts.Mode = ModeAll
	}

	raw, err := ReadTail(path, opts.ByteLimit)
	if err != nil {
		return "", err
	}

	var chunks []string
	for _, line := range splitLines(raw, opts.LineLimit) {
		for _, ev := range ExtractEvents([]byte(line)) {
			if ev.Text == "" {
				continue
			}
			if !includeEvent(ev, opts.Mode) {
				continue
			}
			chunks = append(chunks, ev.Text)
		}
	}
	return strings.Join(chunks, "\n"), nil
}

func includeEvent(ev Event, mode Mode) bool {
	switch mode {
	case ModeUser:
		return ev.Kind == KindMessage && ev.Role == RoleUser
	case ModeAssistant:
		return ev.Kind == KindMessage && ev.Role == RoleAssistant
	case ModeAssistantUser:
		return ev.Kind == KindMessage && (ev.Role == RoleAssistant || ev.Role == RoleUser)
	default: // ModeAll
		return ev.Kind == KindMessage || ev.Kind == KindSystem || ev.Kind == KindUnknown
	}
}

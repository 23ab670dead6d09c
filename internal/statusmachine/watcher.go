package statusmachine

import (
	"bytes"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/gbasin/agentboard-core/internal/match"
)

// lineToEvent maps one extracted taxonomy event (§4.8) onto the
// StatusMachine's event alphabet (§4.5). An assistant text reply or a
// "result" line both mark the end of the agent's turn; a tool_use line
// starts the stall clock; a tool_result clears it.
func lineToEvent(ev match.Event) (Event, bool) {
	switch ev.Kind {
	case match.KindMessage:
		switch ev.Role {
		case match.RoleUser:
			return EventUserPrompt, true
		case match.RoleAssistant:
			return EventTurnEnd, true
		}
		return "", false
	case match.KindToolCall:
		return EventAssistantToolUse, true
	case match.KindToolResult:
		return EventToolResult, true
	case match.KindSystem:
		return EventTurnEnd, true
	default:
		return "", false
	}
}

// Watcher tails one transcript file and advances a Machine as new
// complete lines arrive. Grounded on the position/remainder byte-offset
// tracking in internal/adapter/claudecode/watcher.go's debounce handler,
// narrowed from "detect that a file changed" to "parse only the newly
// appended bytes".
type Watcher struct {
	mu       sync.Mutex
	path     string
	position int64
	remainder []byte
	machine  *Machine
}

// Attach opens path, bootstraps from its trailing BootstrapBytes (§4.5),
// feeds a log_found event, and returns a ready Watcher positioned at the
// file's current end.
func Attach(path string, machine *Machine) (*Watcher, error) {
	w := &Watcher{path: path, machine: machine}

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

	start := int64(0)
	if size > BootstrapBytes {
		start = size - BootstrapBytes
	}
	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return nil, err
	}
	buf, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}

	machine.Apply(EventLogFound)
	w.consume(buf)
	w.position = size
	return w, nil
}

// OnChange is called when the watched file's mtime/size changes. It stats
// the file, handles shrink-as-rotation by resetting to position 0, reads
// the newly appended bytes, and advances the machine one line at a time.
func (w *Watcher) OnChange() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := os.Open(w.path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	size := info.Size()

	if size < w.position {
		// Rotation/truncation (§4.5 "if size < position treat as rotation").
		w.position = 0
		w.remainder = nil
	}
	if size == w.position {
		return nil
	}

	if _, err := f.Seek(w.position, io.SeekStart); err != nil {
		return err
	}
	chunk, err := io.ReadAll(f)
	if err != nil {
		return err
	}
	w.position = size
	w.consume(chunk)
	return nil
}

// consume appends chunk to the remainder buffer, splits on newline, and
// applies each complete line's derived event; an incomplete trailing line
// stays buffered for the next call.
func (w *Watcher) consume(chunk []byte) {
	w.remainder = append(w.remainder, chunk...)

	for {
		idx := bytes.IndexByte(w.remainder, '\n')
		if idx < 0 {
			break
		}
		line := w.remainder[:idx]
		w.remainder = w.remainder[idx+1:]
		w.applyLine(line)
	}
}

func (w *Watcher) applyLine(line []byte) {
	trimmed := strings.TrimSpace(string(line))
	if trimmed == "" {
		return
	}
	for _, ev := range match.ExtractEvents([]byte(trimmed)) {
		if smEvent, ok := lineToEvent(ev); ok {
			w.machine.Apply(smEvent)
		}
	}
}

// Machine returns the underlying state machine.
func (w *Watcher) Machine() *Machine { return w.machine }

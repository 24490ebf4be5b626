package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/dshills/caretsync/internal/engine"
)

// stdioHost is a line-protocol host adapter. An editor (or a person in a
// terminal) reports caret movements on stdin and receives positions to apply
// on stdout:
//
//	> pos /src/main.go 41 7     report a local caret move
//	> focus off                 mark the editor unfocused
//	> restart                   manual recovery: reconnect the link
//	< goto /src/main.go 12 0    apply a position from the peer
//
// Only absolute paths are syncable; panel-style pseudo paths ("output:...",
// "debug:...") never leave the machine.
type stdioHost struct {
	mu      sync.Mutex
	focused bool
	out     io.Writer
}

func newStdioHost(out io.Writer) *stdioHost {
	return &stdioHost{focused: true, out: out}
}

// IsFocused implements engine.Host.
func (h *stdioHost) IsFocused() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.focused
}

// IsSyncable implements engine.Host.
func (h *stdioHost) IsSyncable(file string) bool {
	return filepath.IsAbs(file)
}

// FindOrOpenDocument implements engine.Host. The path itself is the handle;
// the consuming editor opens the file when it sees the goto line.
func (h *stdioHost) FindOrOpenDocument(ctx context.Context, file string) (engine.Document, error) {
	return file, nil
}

// MoveCaret implements engine.Host.
func (h *stdioHost) MoveCaret(ctx context.Context, doc engine.Document, line, character int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := fmt.Fprintf(h.out, "goto %s %d %d\n", doc, line, character)
	return err
}

func (h *stdioHost) setFocused(v bool) {
	h.mu.Lock()
	h.focused = v
	h.mu.Unlock()
}

// readLoop consumes the line protocol until EOF.
func (h *stdioHost) readLoop(r io.Reader, eng *engine.Engine) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if quit := h.handleLine(line, eng); quit {
			return
		}
	}
}

// handleLine executes one command. It returns true on quit.
func (h *stdioHost) handleLine(line string, eng *engine.Engine) bool {
	fields := strings.Fields(line)
	switch fields[0] {
	case "pos":
		file, lineNo, charNo, err := parsePos(fields)
		if err != nil {
			fmt.Fprintf(h.out, "error %v\n", err)
			return false
		}
		eng.OnLocalPosition(file, lineNo, charNo)
	case "focus":
		if len(fields) != 2 || (fields[1] != "on" && fields[1] != "off") {
			fmt.Fprintf(h.out, "error usage: focus on|off\n")
			return false
		}
		h.setFocused(fields[1] == "on")
	case "status":
		st := eng.Status()
		fmt.Fprintf(h.out, "status %s attempt=%d\n", st.State, st.Attempt)
	case "restart":
		if err := eng.Restart(); err != nil {
			fmt.Fprintf(h.out, "error restart: %v\n", err)
		}
	case "quit":
		return true
	default:
		fmt.Fprintf(h.out, "error unknown command %q\n", fields[0])
	}
	return false
}

// parsePos parses "pos <file> <line> <character>".
func parsePos(fields []string) (string, int, int, error) {
	if len(fields) != 4 {
		return "", 0, 0, fmt.Errorf("usage: pos <file> <line> <character>")
	}
	lineNo, err := strconv.Atoi(fields[2])
	if err != nil || lineNo < 0 {
		return "", 0, 0, fmt.Errorf("invalid line %q", fields[2])
	}
	charNo, err := strconv.Atoi(fields[3])
	if err != nil || charNo < 0 {
		return "", 0, 0, fmt.Errorf("invalid character %q", fields[3])
	}
	return fields[1], lineNo, charNo, nil
}

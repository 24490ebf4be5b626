// Package position defines the cursor position value exchanged between peers
// and its wire encoding.
package position

import "time"

// Position is an immutable cursor location report. File is an opaque key;
// the core compares it by exact string equality and leaves canonicalization
// (case, symlinks, separators) to the host adapter.
type Position struct {
	// File is the absolute path of the document.
	File string

	// Line is the zero-based line number.
	Line int

	// Character is the zero-based column within the line.
	Character int

	// Source is the role label of the side that produced the report
	// (e.g. "host-a"). A side accepts an inbound Position only when
	// Source matches its configured peer label.
	Source string

	// Timestamp is wall-clock milliseconds at creation. It is used only
	// for duplicate windowing, never for cross-network ordering.
	Timestamp int64
}

// New creates a Position stamped with the current wall clock.
func New(file string, line, character int, source string) Position {
	return Position{
		File:      file,
		Line:      line,
		Character: character,
		Source:    source,
		Timestamp: time.Now().UnixMilli(),
	}
}

// SameLocation reports whether p and o name the same (file, line, character),
// ignoring source and timestamp.
func (p Position) SameLocation(o Position) bool {
	return p.File == o.File && p.Line == o.Line && p.Character == o.Character
}

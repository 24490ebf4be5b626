package engine

import (
	"context"
	"fmt"
)

// Document is an opaque handle to an open host document. Only the host that
// produced it can interpret it.
type Document any

// Host is the editor capability set the engine consumes. Implementations
// are editor-specific and live outside the core.
//
// File paths are opaque keys to the engine; a Host that can see both sides'
// path conventions is responsible for canonicalizing them.
type Host interface {
	// IsFocused reports whether the local editor window has the user's
	// attention. Unfocused caret movements are never transmitted.
	IsFocused() bool

	// IsSyncable reports whether the document is a real source artifact.
	// Output, log and debug panels return false and are never transmitted.
	IsSyncable(file string) bool

	// FindOrOpenDocument returns a handle to the document, opening it if
	// it is not already visible.
	FindOrOpenDocument(ctx context.Context, file string) (Document, error)

	// MoveCaret moves the caret in doc and reveals the position. It may
	// suspend; the engine keeps its re-entrancy guard held until the call
	// settles.
	MoveCaret(ctx context.Context, doc Document, line, character int) error
}

// HostError wraps a failed host operation. The update is skipped; the
// connection is unaffected.
type HostError struct {
	Op   string // "open" or "move"
	File string
	Err  error
}

// Error implements the error interface.
func (e *HostError) Error() string {
	return fmt.Sprintf("host %s %s: %v", e.Op, e.File, e.Err)
}

// Unwrap returns the underlying error.
func (e *HostError) Unwrap() error {
	return e.Err
}

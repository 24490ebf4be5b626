package link

import (
	"errors"
	"fmt"
)

// Standard errors returned by the link.
var (
	// ErrNotConnected indicates a send was attempted with no open
	// connection. Callers treat this as a no-op, not a failure.
	ErrNotConnected = errors.New("no open connection")

	// ErrAlreadyConnected indicates Connect was called while a connection
	// attempt or open connection already exists.
	ErrAlreadyConnected = errors.New("link already connecting or open")

	// ErrLinkClosed indicates the link has been shut down.
	ErrLinkClosed = errors.New("link closed")
)

// BindError indicates the listening side could not acquire its port. It is
// surfaced as a terminal failure status; the link does not rebind
// automatically, because local resource exhaustion is not a transient
// peer-link loss.
type BindError struct {
	Addr string
	Err  error
}

// Error implements the error interface.
func (e *BindError) Error() string {
	return fmt.Sprintf("bind %s: %v", e.Addr, e.Err)
}

// Unwrap returns the underlying error.
func (e *BindError) Unwrap() error {
	return e.Err
}

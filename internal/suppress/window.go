// Package suppress implements the duplicate and loopback suppression policy
// for cursor synchronization: the per-side send/accept window and the
// re-entrancy guard held while a remote position is applied to the host.
package suppress

import (
	"sync"
	"time"

	"github.com/dshills/caretsync/internal/position"
)

// DefaultDedupWindow is the inbound duplicate window: a repeat of the last
// accepted coordinate inside this span is discarded.
const DefaultDedupWindow = 250 * time.Millisecond

// Window retains the most recent position sent to and accepted from the peer
// and decides whether a candidate is a meaningful change.
//
// The two rules are deliberately asymmetric. Re-sending an identical
// coordinate is never useful, so outbound suppression has no expiry. The
// peer's user may legitimately return to the same coordinate, so inbound
// suppression expires after the dedup window.
//
// State intentionally survives reconnects: a stale echo arriving right after
// a reconnect must still be recognized as a duplicate.
type Window struct {
	mu           sync.Mutex
	lastSent     *position.Position
	lastAccepted *position.Position
	dedup        time.Duration
}

// NewWindow creates a Window with the given inbound dedup span.
// A non-positive span selects DefaultDedupWindow.
func NewWindow(dedup time.Duration) *Window {
	if dedup <= 0 {
		dedup = DefaultDedupWindow
	}
	return &Window{dedup: dedup}
}

// Outbound reports whether p should be transmitted. An exact repeat of the
// last sent (file, line, character) is rejected regardless of elapsed time.
// On accept the window records p as the last sent position.
func (w *Window) Outbound(p position.Position) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.lastSent != nil && w.lastSent.SameLocation(p) {
		return false
	}
	w.lastSent = &p
	return true
}

// Inbound reports whether p should be applied to the host. An exact repeat
// of the last accepted coordinate is rejected only while the message
// timestamps are closer than the dedup span; after that a repeat is a
// legitimate revisit. On accept the window records p as the last accepted
// position.
//
// The comparison uses the timestamps carried in the messages, not the local
// clock, so delivery delay does not widen the window.
func (w *Window) Inbound(p position.Position) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.lastAccepted != nil && w.lastAccepted.SameLocation(p) {
		if p.Timestamp-w.lastAccepted.Timestamp < w.dedup.Milliseconds() {
			return false
		}
	}
	w.lastAccepted = &p
	return true
}

// LastAccepted returns a copy of the most recently accepted position, if any.
func (w *Window) LastAccepted() (position.Position, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.lastAccepted == nil {
		return position.Position{}, false
	}
	return *w.lastAccepted, true
}

// LastSent returns a copy of the most recently sent position, if any.
func (w *Window) LastSent() (position.Position, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.lastSent == nil {
		return position.Position{}, false
	}
	return *w.lastSent, true
}

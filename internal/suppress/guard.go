package suppress

import (
	"sync"
	"time"
)

// Guard defaults.
const (
	// DefaultGuardGrace is how long the guard stays held after the host
	// operation settles, absorbing the caret-change notification the
	// programmatic move generates.
	DefaultGuardGrace = 100 * time.Millisecond

	// DefaultGuardLimit force-releases a guard whose release was never
	// called, so a host operation that hangs or panics cannot leave the
	// engine stuck in the suppressed state.
	DefaultGuardLimit = 2 * time.Second
)

// Guard is the re-entrancy token held while a remote position is applied to
// the host. While held, locally observed caret movements are treated as
// echoes of the programmatic move and dropped.
//
// Acquire returns a release function that must be called when the host
// operation settles; the guard then stays held for a grace period before
// clearing. Release is idempotent and a bounded fallback timer guarantees
// the guard clears even if release is never called.
type Guard struct {
	mu    sync.Mutex
	held  bool
	gen   uint64
	grace time.Duration
	limit time.Duration
}

// NewGuard creates a Guard. Non-positive durations select the defaults.
func NewGuard(grace, limit time.Duration) *Guard {
	if grace <= 0 {
		grace = DefaultGuardGrace
	}
	if limit <= 0 {
		limit = DefaultGuardLimit
	}
	return &Guard{grace: grace, limit: limit}
}

// Acquire marks the guard held and returns its release function. Acquiring
// while already held extends the hold; the previous acquisition's timers are
// superseded.
func (g *Guard) Acquire() (release func()) {
	g.mu.Lock()
	g.held = true
	g.gen++
	gen := g.gen
	g.mu.Unlock()

	// Fallback: clear even if release never runs.
	fallback := time.AfterFunc(g.limit, func() { g.clear(gen) })

	var once sync.Once
	return func() {
		once.Do(func() {
			fallback.Stop()
			time.AfterFunc(g.grace, func() { g.clear(gen) })
		})
	}
}

// clear releases the hold unless a newer acquisition has superseded gen.
func (g *Guard) clear(gen uint64) {
	g.mu.Lock()
	if g.gen == gen {
		g.held = false
	}
	g.mu.Unlock()
}

// Limit returns the bound after which an unreleased guard force-clears.
// Callers use it to bound the host operation itself.
func (g *Guard) Limit() time.Duration {
	return g.limit
}

// Held reports whether the guard is currently held.
func (g *Guard) Held() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.held
}

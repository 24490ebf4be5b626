package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dshills/caretsync/internal/journal"
	"github.com/dshills/caretsync/internal/link"
	"github.com/dshills/caretsync/internal/metrics"
	"github.com/dshills/caretsync/internal/position"
	"github.com/dshills/caretsync/internal/suppress"
)

// Config configures an Engine.
type Config struct {
	// LocalSource is the label stamped on outbound messages.
	LocalSource string

	// PeerSource is the label inbound messages must carry. Anything else
	// is discarded unprocessed.
	PeerSource string

	// DedupWindow is the inbound duplicate window. Zero selects the
	// default (250 ms).
	DedupWindow time.Duration

	// GuardGrace and GuardLimit tune the re-entrancy guard. Zero selects
	// the defaults (100 ms, 2 s).
	GuardGrace time.Duration
	GuardLimit time.Duration
}

// Engine is the synchronization orchestrator. One engine owns one link, one
// suppression window and one guard; its two entry points are serialized on a
// single mutex so shared state never sees overlapping mutation.
type Engine struct {
	mu sync.Mutex

	cfg    Config
	host   Host
	link   *link.Link
	window *suppress.Window
	guard  *suppress.Guard

	log      *zap.Logger
	metrics  *metrics.Set
	journal  *journal.Journal // nil when persistence is disabled
	linkOpts []link.Option

	events    chan link.Status
	closeOnce sync.Once
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. The default is zap.NewNop().
func WithLogger(log *zap.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithJournal enables position persistence. The caller retains ownership
// and closes the journal after the engine shuts down.
func WithJournal(j *journal.Journal) Option {
	return func(e *Engine) { e.journal = j }
}

// WithMetrics sets the metric set the engine reports into.
func WithMetrics(m *metrics.Set) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLinkOptions passes options through to the underlying link. Used by
// tests to substitute an in-memory transport.
func WithLinkOptions(opts ...link.Option) Option {
	return func(e *Engine) { e.linkOpts = append(e.linkOpts, opts...) }
}

// New creates an Engine wired to host over a link built from linkCfg.
func New(cfg Config, host Host, linkCfg link.Config, opts ...Option) *Engine {
	e := &Engine{
		cfg:     cfg,
		host:    host,
		window:  suppress.NewWindow(cfg.DedupWindow),
		guard:   suppress.NewGuard(cfg.GuardGrace, cfg.GuardLimit),
		log:     zap.NewNop(),
		metrics: metrics.NewSet(),
		events:  make(chan link.Status, 16),
	}
	for _, opt := range opts {
		opt(e)
	}

	linkOpts := append([]link.Option{link.WithLogger(e.log)}, e.linkOpts...)
	e.link = link.New(linkCfg, e.OnRemoteMessage, linkOpts...)

	go e.forwardStatus()
	return e
}

// OnLocalPosition handles a caret movement reported by the host. The update
// is transmitted unless the outbound policy suppresses it. No connection
// open is a silent no-op, not an error.
func (e *Engine) OnLocalPosition(file string, line, character int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.guard.Held() {
		// Echo of a programmatic move we just applied.
		e.metrics.SuppressedOutbound.WithLabelValues("guard").Inc()
		return
	}
	if !e.host.IsFocused() {
		e.metrics.SuppressedOutbound.WithLabelValues("unfocused").Inc()
		return
	}
	if !e.host.IsSyncable(file) {
		e.metrics.SuppressedOutbound.WithLabelValues("unsyncable").Inc()
		return
	}

	p := position.New(file, line, character, e.cfg.LocalSource)
	if !e.window.Outbound(p) {
		e.metrics.SuppressedOutbound.WithLabelValues("duplicate").Inc()
		return
	}

	data, err := position.Encode(p)
	if err != nil {
		e.log.Error("encode position", zap.Error(err))
		return
	}
	if err := e.link.Send(data); err != nil {
		if errors.Is(err, link.ErrNotConnected) {
			e.log.Debug("no connection, position not sent",
				zap.String("file", file))
			return
		}
		e.log.Warn("send position", zap.Error(err))
		return
	}

	e.metrics.PositionsSent.Inc()
	e.log.Debug("position sent",
		zap.String("file", file),
		zap.Int("line", line),
		zap.Int("character", character))
}

// OnRemoteMessage handles one inbound frame from the link. Malformed frames
// and policy rejections are logged and dropped; an accepted position is
// journaled and applied to the host under the re-entrancy guard.
func (e *Engine) OnRemoteMessage(data []byte) {
	p, err := position.Decode(data)
	if err != nil {
		e.metrics.MalformedMessages.Inc()
		e.log.Warn("dropping malformed message", zap.Error(err))
		return
	}
	if p.Source != e.cfg.PeerSource {
		// Not peer-sourced: an echo of our own message or an imposter.
		e.metrics.SuppressedInbound.WithLabelValues("source").Inc()
		e.log.Debug("dropping non-peer message", zap.String("source", p.Source))
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.window.Inbound(p) {
		e.metrics.SuppressedInbound.WithLabelValues("duplicate").Inc()
		return
	}

	if e.journal != nil {
		if jerr := e.journal.Record(p); jerr != nil {
			e.log.Warn("journal write failed", zap.Error(jerr))
		}
	}

	e.apply(p)
}

// apply moves the host caret to p with the guard held. The guard stays held
// for a grace period after the call settles, absorbing the caret-change
// notification the move generates; a bounded fallback releases it even if
// the host never settles.
func (e *Engine) apply(p position.Position) {
	release := e.guard.Acquire()

	ctx, cancel := context.WithTimeout(context.Background(), e.guard.Limit())
	defer cancel()

	doc, err := e.host.FindOrOpenDocument(ctx, p.File)
	if err != nil {
		release()
		e.metrics.HostFailures.Inc()
		e.log.Warn("host apply failed", zap.Error(&HostError{Op: "open", File: p.File, Err: err}))
		return
	}

	err = e.host.MoveCaret(ctx, doc, p.Line, p.Character)
	release()

	if err != nil {
		e.metrics.HostFailures.Inc()
		e.log.Warn("host apply failed", zap.Error(&HostError{Op: "move", File: p.File, Err: err}))
		return
	}

	e.metrics.PositionsApplied.Inc()
	e.log.Debug("position applied",
		zap.String("file", p.File),
		zap.Int("line", p.Line),
		zap.Int("character", p.Character))
}

// Connect starts the link lifecycle.
func (e *Engine) Connect() error {
	return e.link.Connect()
}

// Disconnect tears the link down and cancels pending reconnects. The
// suppression window is deliberately not reset: a stale echo arriving after
// a later reconnect must still be recognized.
func (e *Engine) Disconnect() {
	e.link.Disconnect()
}

// Restart is a manual recovery path: disconnect, then a fresh connect cycle.
func (e *Engine) Restart() error {
	e.link.Disconnect()
	return e.link.Connect()
}

// Status returns the connection status snapshot.
func (e *Engine) Status() link.Status {
	return e.link.Status()
}

// Events returns the status stream for UI display. The channel closes on
// Close.
func (e *Engine) Events() <-chan link.Status {
	return e.events
}

// LastAccepted returns the most recent position accepted from the peer.
func (e *Engine) LastAccepted() (position.Position, bool) {
	return e.window.LastAccepted()
}

// Close shuts the engine down. The host adapter and journal remain the
// caller's to close.
func (e *Engine) Close() {
	e.link.Close()
}

// forwardStatus relays link transitions to the engine's consumers and keeps
// the reconnect counter.
func (e *Engine) forwardStatus() {
	for st := range e.link.Events() {
		if st.State == link.StateConnecting && st.Attempt > 0 {
			e.metrics.Reconnects.Inc()
		}
		select {
		case e.events <- st:
		default:
			// Consumer behind, drop the transition.
		}
	}
	e.closeOnce.Do(func() { close(e.events) })
}

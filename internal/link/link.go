// Package link manages the single peer connection used for cursor
// synchronization: listen or dial, the lifecycle state machine, and
// reconnection with exponential backoff.
package link

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"
)

// Defaults for Config fields left zero.
const (
	DefaultPath             = "/sync"
	DefaultHandshakeTimeout = 5 * time.Second
	DefaultInitialBackoff   = 1 * time.Second
	DefaultMaxBackoff       = 30 * time.Second
)

// Conn is one established peer connection delivering discrete text frames in
// order. Implementations must allow ReadMessage and WriteMessage from
// different goroutines.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer establishes an outbound Conn. The implementation must honor the
// handshake timeout so a connect attempt cannot wedge the Connecting state.
type Dialer func(ctx context.Context, addr, path string, timeout time.Duration) (Conn, error)

// MessageHandler receives inbound frames. Handlers run on the connection's
// read goroutine; frames for one connection are delivered in order.
type MessageHandler func(data []byte)

// Config configures a Link.
type Config struct {
	// Mode selects listen or dial.
	Mode Mode

	// Addr is the bind address in listen mode (":3000") or the peer
	// address in dial mode ("localhost:3000").
	Addr string

	// Path is the websocket endpoint path.
	Path string

	// HandshakeTimeout bounds a single dial attempt.
	HandshakeTimeout time.Duration

	// InitialBackoff is the reconnect delay after the first failure.
	InitialBackoff time.Duration

	// MaxBackoff caps the reconnect delay. Attempts continue indefinitely;
	// only an explicit Disconnect stops them.
	MaxBackoff time.Duration
}

func (c *Config) applyDefaults() {
	if c.Path == "" {
		c.Path = DefaultPath
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = DefaultInitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
}

// Link owns the peer connection and its lifecycle state. It is safe for
// concurrent use; all state transitions are serialized on one mutex.
//
// Exactly one peer connection is tracked at a time. In listen mode a second
// inbound connection replaces the tracked one (last-connected-wins).
type Link struct {
	mu sync.Mutex

	cfg       Config
	log       *zap.Logger
	dial      Dialer
	onMessage MessageHandler

	state   State
	attempt int
	err     error

	conn      Conn
	connGen   uint64
	manual    bool
	retry     *backoff.ExponentialBackOff
	pending   *time.Timer
	server    *wsServer
	boundAddr string

	events    chan Status
	closed    bool
	closeOnce sync.Once
}

// Option configures a Link.
type Option func(*Link)

// WithLogger sets the logger. The default is zap.NewNop().
func WithLogger(log *zap.Logger) Option {
	return func(l *Link) { l.log = log }
}

// WithDialer replaces the websocket dialer. Used by tests to run the
// lifecycle against an in-memory transport.
func WithDialer(d Dialer) Option {
	return func(l *Link) { l.dial = d }
}

// New creates a Link. onMessage receives every inbound frame.
func New(cfg Config, onMessage MessageHandler, opts ...Option) *Link {
	cfg.applyDefaults()

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = cfg.InitialBackoff
	retry.Multiplier = 2
	retry.RandomizationFactor = 0
	retry.MaxInterval = cfg.MaxBackoff
	retry.MaxElapsedTime = 0 // retry forever; Disconnect is the only stop

	l := &Link{
		cfg:       cfg,
		log:       zap.NewNop(),
		dial:      dialWebsocket,
		onMessage: onMessage,
		state:     StateIdle,
		retry:     retry,
		events:    make(chan Status, 16),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Connect starts the lifecycle: bind in listen mode, dial in dial mode.
// Valid from Idle or Closed; returns ErrAlreadyConnected otherwise.
func (l *Link) Connect() error {
	l.mu.Lock()

	if l.closed {
		l.mu.Unlock()
		return ErrLinkClosed
	}
	if l.state == StateConnecting || l.state == StateOpen {
		l.mu.Unlock()
		return ErrAlreadyConnected
	}

	l.manual = false
	l.attempt = 0
	l.retry.Reset()
	l.stopPendingLocked()

	if l.cfg.Mode == ModeListen {
		err := l.bindLocked()
		l.mu.Unlock()
		return err
	}

	l.setStateLocked(StateConnecting, nil)
	l.mu.Unlock()

	go l.dialAttempt()
	return nil
}

// Disconnect tears down the connection and cancels any pending reconnect.
// The lifecycle returns to Idle from any state; the unexpected-drop path is
// not taken for the close this triggers.
func (l *Link) Disconnect() {
	l.mu.Lock()

	l.manual = true
	l.stopPendingLocked()

	conn := l.conn
	l.conn = nil
	l.connGen++

	server := l.server
	l.server = nil

	l.attempt = 0
	l.retry.Reset()
	l.setStateLocked(StateIdle, nil)
	l.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if server != nil {
		server.shutdown()
	}
}

// Send transmits one frame on the open connection. Returns ErrNotConnected
// when no connection is open. A write failure is treated as an unexpected
// close and triggers the reconnect path.
func (l *Link) Send(data []byte) error {
	l.mu.Lock()
	if l.state != StateOpen || l.conn == nil {
		l.mu.Unlock()
		return ErrNotConnected
	}
	conn := l.conn
	gen := l.connGen
	l.mu.Unlock()

	if err := conn.WriteMessage(data); err != nil {
		l.log.Warn("send failed", zap.Error(err))
		conn.Close()
		l.connLost(gen, err)
		return err
	}
	return nil
}

// Status returns a snapshot of the lifecycle.
func (l *Link) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Status{State: l.state, Attempt: l.attempt, Err: l.err}
}

// State returns the current lifecycle state.
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// LocalAddr returns the bound listen address, useful when the configured
// address selected an ephemeral port. Empty until a successful bind.
func (l *Link) LocalAddr() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.boundAddr
}

// Events returns the status stream. Transitions are dropped, not blocked on,
// if the consumer falls behind. The channel closes on Close.
func (l *Link) Events() <-chan Status {
	return l.events
}

// Close disconnects and releases the link. The link cannot be reused.
func (l *Link) Close() {
	l.Disconnect()
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()
		close(l.events)
	})
}

// dialAttempt runs one outbound connection attempt.
func (l *Link) dialAttempt() {
	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.HandshakeTimeout)
	defer cancel()

	conn, err := l.dial(ctx, l.cfg.Addr, l.cfg.Path, l.cfg.HandshakeTimeout)

	l.mu.Lock()
	if l.manual || l.closed {
		l.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		l.log.Debug("dial failed",
			zap.String("addr", l.cfg.Addr),
			zap.Int("attempt", l.attempt),
			zap.Error(err))
		l.failLocked(err)
		l.mu.Unlock()
		return
	}
	l.openLocked(conn)
	l.mu.Unlock()
}

// attach adopts an established connection. In listen mode a connection that
// arrives while one is already open replaces it; the previous connection is
// closed and its read loop ignored from that point.
func (l *Link) attach(conn Conn) {
	l.mu.Lock()
	if l.manual || l.closed {
		l.mu.Unlock()
		conn.Close()
		return
	}
	old := l.conn
	l.openLocked(conn)
	l.mu.Unlock()

	if old != nil {
		l.log.Info("replacing tracked peer connection")
		old.Close()
	}
}

// openLocked installs conn as the tracked connection and starts its read
// loop. Must hold mu.
func (l *Link) openLocked(conn Conn) {
	l.stopPendingLocked()
	l.conn = conn
	l.connGen++
	gen := l.connGen
	l.attempt = 0
	l.retry.Reset()
	l.setStateLocked(StateOpen, nil)

	go l.readLoop(conn, gen)
}

// readLoop delivers inbound frames until the connection fails.
func (l *Link) readLoop(conn Conn, gen uint64) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			l.connLost(gen, err)
			return
		}
		l.onMessage(data)
	}
}

// connLost handles an unexpected close of the tracked connection. Stale
// generations (a replaced connection, or one closed by Disconnect) are
// ignored.
func (l *Link) connLost(gen uint64, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if gen != l.connGen || l.manual || l.closed {
		return
	}
	l.conn = nil
	l.connGen++
	l.log.Info("connection lost", zap.Error(err))
	l.failLocked(err)
}

// failLocked transitions to Closed and arranges recovery: a backoff-delayed
// redial in dial mode, an immediate return to waiting in listen mode (the
// listener stays bound). Must hold mu.
func (l *Link) failLocked(err error) {
	l.setStateLocked(StateClosed, err)

	if l.cfg.Mode == ModeListen {
		if l.server != nil {
			l.setStateLocked(StateConnecting, nil)
		}
		return
	}

	delay := l.retry.NextBackOff()
	l.log.Debug("scheduling reconnect",
		zap.Duration("delay", delay),
		zap.Int("next_attempt", l.attempt+1))
	l.pending = time.AfterFunc(delay, l.redial)
}

// redial fires from the reconnect timer.
func (l *Link) redial() {
	l.mu.Lock()
	if l.manual || l.closed || l.state != StateClosed {
		l.mu.Unlock()
		return
	}
	l.attempt++
	l.setStateLocked(StateConnecting, nil)
	l.mu.Unlock()

	go l.dialAttempt()
}

// stopPendingLocked cancels a scheduled reconnect. Must hold mu.
func (l *Link) stopPendingLocked() {
	if l.pending != nil {
		l.pending.Stop()
		l.pending = nil
	}
}

// setStateLocked records a transition and emits it. Must hold mu.
func (l *Link) setStateLocked(s State, err error) {
	l.state = s
	l.err = err

	if l.closed {
		return
	}
	select {
	case l.events <- Status{State: s, Attempt: l.attempt, Err: err}:
	default:
		// Consumer behind, drop the transition.
	}
}

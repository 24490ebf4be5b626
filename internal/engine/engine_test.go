package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dshills/caretsync/internal/journal"
	"github.com/dshills/caretsync/internal/link"
	"github.com/dshills/caretsync/internal/position"
)

// fakeHost records apply calls and simulates focus/syncability.
type fakeHost struct {
	mu        sync.Mutex
	focused   bool
	nonSource map[string]bool
	applied   []position.Position
	openErr   error
	moveErr   error
}

func newFakeHost() *fakeHost {
	return &fakeHost{focused: true, nonSource: make(map[string]bool)}
}

func (h *fakeHost) IsFocused() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.focused
}

func (h *fakeHost) IsSyncable(file string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.nonSource[file]
}

func (h *fakeHost) FindOrOpenDocument(ctx context.Context, file string) (Document, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.openErr != nil {
		return nil, h.openErr
	}
	return file, nil
}

func (h *fakeHost) MoveCaret(ctx context.Context, doc Document, line, character int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.moveErr != nil {
		return h.moveErr
	}
	h.applied = append(h.applied, position.Position{File: doc.(string), Line: line, Character: character})
	return nil
}

func (h *fakeHost) setFocused(v bool) {
	h.mu.Lock()
	h.focused = v
	h.mu.Unlock()
}

func (h *fakeHost) appliedPositions() []position.Position {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]position.Position(nil), h.applied...)
}

// fakeConn and fakeDialer provide an in-memory transport for the link.
type fakeConn struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu    sync.Mutex
	wrote [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.closed:
		return nil, errors.New("connection closed")
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wrote = append(c.wrote, data)
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) written() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.wrote...)
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
}

func (d *fakeDialer) dial(ctx context.Context, addr, path string, timeout time.Duration) (link.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	conn := newFakeConn()
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

func testEngine(t *testing.T, host Host, opts ...Option) (*Engine, *fakeDialer) {
	t.Helper()
	d := &fakeDialer{}
	cfg := Config{
		LocalSource: "host-b",
		PeerSource:  "host-a",
		DedupWindow: 250 * time.Millisecond,
		GuardGrace:  80 * time.Millisecond,
		GuardLimit:  time.Second,
	}
	linkCfg := link.Config{
		Mode:           link.ModeDial,
		Addr:           "localhost:3000",
		InitialBackoff: 10 * time.Millisecond,
	}
	opts = append(opts, WithLinkOptions(link.WithDialer(d.dial)))
	e := New(cfg, host, linkCfg, opts...)
	t.Cleanup(e.Close)
	return e, d
}

func connect(t *testing.T, e *Engine) {
	t.Helper()
	if err := e.Connect(); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if e.Status().State == link.StateOpen {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("engine never connected")
}

func remoteFrame(file string, line, char int, source string, ts int64) []byte {
	return []byte(fmt.Sprintf(
		`{"file":%q,"line":%d,"character":%d,"source":%q,"timestamp":%d}`,
		file, line, char, source, ts))
}

func TestEngine_LocalChangeSent(t *testing.T) {
	host := newFakeHost()
	e, d := testEngine(t, host)
	connect(t, e)

	e.OnLocalPosition("/src/a.ts", 5, 2)

	wrote := d.conn(0).written()
	if len(wrote) != 1 {
		t.Fatalf("frames sent = %d, want 1", len(wrote))
	}
	p, err := position.Decode(wrote[0])
	if err != nil {
		t.Fatalf("sent frame does not decode: %v", err)
	}
	if p.File != "/src/a.ts" || p.Line != 5 || p.Character != 2 || p.Source != "host-b" {
		t.Errorf("sent %+v, want /src/a.ts:5:2 from host-b", p)
	}
}

func TestEngine_UnfocusedProducesNothing(t *testing.T) {
	host := newFakeHost()
	host.setFocused(false)
	e, d := testEngine(t, host)
	connect(t, e)

	for i := 0; i < 5; i++ {
		e.OnLocalPosition("/src/a.ts", i, 0)
	}
	if wrote := d.conn(0).written(); len(wrote) != 0 {
		t.Errorf("frames sent = %d, want 0 while unfocused", len(wrote))
	}
}

func TestEngine_NonSourceDocumentNotSent(t *testing.T) {
	host := newFakeHost()
	host.nonSource["output:debug"] = true
	e, d := testEngine(t, host)
	connect(t, e)

	e.OnLocalPosition("output:debug", 1, 0)
	e.OnLocalPosition("/src/a.ts", 1, 0)

	wrote := d.conn(0).written()
	if len(wrote) != 1 {
		t.Fatalf("frames sent = %d, want 1 (panel suppressed)", len(wrote))
	}
}

func TestEngine_DuplicateLocalChangeSuppressed(t *testing.T) {
	host := newFakeHost()
	e, d := testEngine(t, host)
	connect(t, e)

	e.OnLocalPosition("/src/a.ts", 5, 2)
	e.OnLocalPosition("/src/a.ts", 5, 2) // exact repeat
	e.OnLocalPosition("/src/a.ts", 6, 0) // new coordinate

	wrote := d.conn(0).written()
	if len(wrote) != 2 {
		t.Fatalf("frames sent = %d, want 2", len(wrote))
	}
}

func TestEngine_NoConnectionIsSilentNoop(t *testing.T) {
	host := newFakeHost()
	e, _ := testEngine(t, host)
	// Never connected: must not panic or error.
	e.OnLocalPosition("/src/a.ts", 5, 2)
}

func TestEngine_RemoteApplied(t *testing.T) {
	host := newFakeHost()
	e, d := testEngine(t, host)
	connect(t, e)

	d.conn(0).in <- remoteFrame("/src/a.ts", 5, 2, "host-a", 1000)

	waitApplied(t, host, 1)
	got := host.appliedPositions()[0]
	if got.File != "/src/a.ts" || got.Line != 5 || got.Character != 2 {
		t.Errorf("applied %+v, want /src/a.ts:5:2", got)
	}
}

func TestEngine_NonPeerSourceIgnored(t *testing.T) {
	host := newFakeHost()
	e, d := testEngine(t, host)
	connect(t, e)

	// Our own label echoed back, and an unknown label.
	d.conn(0).in <- remoteFrame("/src/a.ts", 5, 2, "host-b", 1000)
	d.conn(0).in <- remoteFrame("/src/a.ts", 5, 2, "host-c", 1001)
	// A valid frame afterwards proves the pipeline was alive throughout.
	d.conn(0).in <- remoteFrame("/src/b.ts", 1, 1, "host-a", 1002)

	waitApplied(t, host, 1)
	if got := host.appliedPositions(); got[0].File != "/src/b.ts" {
		t.Errorf("applied %+v, want only /src/b.ts", got)
	}
}

func TestEngine_InboundDuplicateWindow(t *testing.T) {
	host := newFakeHost()
	e, d := testEngine(t, host)
	connect(t, e)

	// Duplicate 100 ms apart: only the first applies.
	d.conn(0).in <- remoteFrame("/src/a.ts", 5, 2, "host-a", 1000)
	d.conn(0).in <- remoteFrame("/src/a.ts", 5, 2, "host-a", 1100)
	// Same coordinate 300 ms later: a legitimate revisit.
	d.conn(0).in <- remoteFrame("/src/a.ts", 5, 2, "host-a", 1400)

	waitApplied(t, host, 2)
	time.Sleep(50 * time.Millisecond)
	if got := len(host.appliedPositions()); got != 2 {
		t.Errorf("applied = %d, want 2", got)
	}
}

func TestEngine_MalformedMessageDropped(t *testing.T) {
	host := newFakeHost()
	e, d := testEngine(t, host)
	connect(t, e)

	d.conn(0).in <- []byte(`{"not":"a position"}`)
	d.conn(0).in <- []byte(`garbage`)
	d.conn(0).in <- remoteFrame("/src/a.ts", 5, 2, "host-a", 1000)

	waitApplied(t, host, 1)
	if e.Status().State != link.StateOpen {
		t.Errorf("state = %v, want Open (malformed input must not drop the connection)", e.Status().State)
	}
}

func TestEngine_ApplyDoesNotEcho(t *testing.T) {
	host := newFakeHost()
	e, d := testEngine(t, host)
	connect(t, e)

	d.conn(0).in <- remoteFrame("/src/a.ts", 5, 2, "host-a", 1000)
	waitApplied(t, host, 1)

	// The host notifies the engine of the caret move the apply produced.
	// Inside the guard grace it must not go back out on the wire.
	e.OnLocalPosition("/src/a.ts", 5, 2)

	if wrote := d.conn(0).written(); len(wrote) != 0 {
		t.Errorf("frames sent = %d, want 0 (echo of programmatic move)", len(wrote))
	}
}

func TestEngine_UserMoveAfterGuardClearsIsSent(t *testing.T) {
	host := newFakeHost()
	e, d := testEngine(t, host)
	connect(t, e)

	d.conn(0).in <- remoteFrame("/src/a.ts", 5, 2, "host-a", 1000)
	waitApplied(t, host, 1)

	// Wait out the guard grace, then make a genuine user move.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		e.OnLocalPosition("/src/b.ts", 9, 1)
		if len(d.conn(0).written()) > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("user move never sent after guard cleared")
}

func TestEngine_HostFailureSkipsUpdate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*fakeHost)
	}{
		{name: "open fails", mutate: func(h *fakeHost) { h.openErr = errors.New("file no longer exists") }},
		{name: "move fails", mutate: func(h *fakeHost) { h.moveErr = errors.New("line out of range") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host := newFakeHost()
			tt.mutate(host)
			e, d := testEngine(t, host)
			connect(t, e)

			d.conn(0).in <- remoteFrame("/gone.ts", 5, 2, "host-a", 1000)

			time.Sleep(50 * time.Millisecond)
			if got := len(host.appliedPositions()); got != 0 {
				t.Errorf("applied = %d, want 0", got)
			}
			if e.Status().State != link.StateOpen {
				t.Errorf("state = %v, want Open (host failure must not drop the connection)", e.Status().State)
			}
		})
	}
}

func TestEngine_JournalRecordsAccepted(t *testing.T) {
	j, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("journal.Open() error = %v", err)
	}
	defer j.Close()

	host := newFakeHost()
	e, d := testEngine(t, host, WithJournal(j))
	connect(t, e)

	d.conn(0).in <- remoteFrame("/src/a.ts", 5, 2, "host-a", 1000)
	waitApplied(t, host, 1)

	got, ok, err := j.Last("/src/a.ts")
	if err != nil || !ok {
		t.Fatalf("journal.Last() = %v, %v", ok, err)
	}
	if got.Line != 5 || got.Character != 2 {
		t.Errorf("journaled %+v, want 5:2", got)
	}
}

func TestEngine_RestartReconnects(t *testing.T) {
	host := newFakeHost()
	e, d := testEngine(t, host)
	connect(t, e)

	if err := e.Restart(); err != nil {
		t.Fatalf("Restart() error = %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if d.conn(1) != nil && e.Status().State == link.StateOpen {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("restart never produced a fresh connection")
}

func TestEngine_SuppressionSurvivesReconnect(t *testing.T) {
	host := newFakeHost()
	e, d := testEngine(t, host)
	connect(t, e)

	d.conn(0).in <- remoteFrame("/src/a.ts", 5, 2, "host-a", 1000)
	waitApplied(t, host, 1)

	if err := e.Restart(); err != nil {
		t.Fatalf("Restart() error = %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for (d.conn(1) == nil || e.Status().State != link.StateOpen) && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}

	// A stale echo right after reconnect, inside the dedup window of the
	// original message: still recognized as a duplicate.
	d.conn(1).in <- remoteFrame("/src/a.ts", 5, 2, "host-a", 1100)
	time.Sleep(50 * time.Millisecond)
	if got := len(host.appliedPositions()); got != 1 {
		t.Errorf("applied = %d, want 1 (dedup state survives reconnect)", got)
	}
}

func waitApplied(t *testing.T, host *fakeHost, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(host.appliedPositions()) >= n {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("applied = %d, want %d", len(host.appliedPositions()), n)
}

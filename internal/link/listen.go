package link

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Peers connect from the same machine, never through a browser origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsServer wraps the HTTP server that hosts the websocket endpoint on the
// listening side.
type wsServer struct {
	srv *http.Server
}

func (s *wsServer) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = s.srv.Shutdown(ctx)
}

// bindLocked acquires the listen port and starts serving the websocket
// endpoint. A bind failure is terminal: the state becomes Closed with a
// BindError and no retry is scheduled. Must hold mu.
func (l *Link) bindLocked() error {
	ln, err := net.Listen("tcp", l.cfg.Addr)
	if err != nil {
		berr := &BindError{Addr: l.cfg.Addr, Err: err}
		l.log.Error("bind failed", zap.String("addr", l.cfg.Addr), zap.Error(err))
		l.setStateLocked(StateClosed, berr)
		return berr
	}

	mux := http.NewServeMux()
	mux.HandleFunc(l.cfg.Path, l.serveWs)

	server := &wsServer{srv: &http.Server{Handler: mux}}
	l.server = server
	l.boundAddr = ln.Addr().String()
	l.setStateLocked(StateConnecting, nil)
	l.log.Info("listening for peer", zap.String("addr", l.boundAddr), zap.String("path", l.cfg.Path))

	go func() {
		if serr := server.srv.Serve(ln); serr != nil && serr != http.ErrServerClosed {
			l.log.Warn("listener stopped", zap.Error(serr))
		}
	}()
	return nil
}

// serveWs upgrades an inbound peer connection and hands it to the lifecycle.
func (l *Link) serveWs(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.log.Warn("upgrade failed", zap.Error(err))
		return
	}
	l.log.Info("peer connected", zap.String("remote", conn.RemoteAddr().String()))
	l.attach(newWSConn(conn))
}

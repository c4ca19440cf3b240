package server

import (
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/oszuidwest/zwfm-recorder/internal/types"
)

// Push intervals for WebSocket clients.
const (
	statusInterval = 1 * time.Second
	levelsInterval = 100 * time.Millisecond // 10 fps for the level meter
	writeTimeout   = 5 * time.Second
)

// messageReader is the read side of a WebSocket connection.
type messageReader interface {
	ReadMessage() (messageType int, p []byte, err error)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: checkOrigin,
}

// checkOrigin reports whether the WebSocket connection origin is allowed.
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	// Same-origin requests and non-browser clients omit the Origin header
	if origin == "" {
		return true
	}

	u, err := url.Parse(origin)
	if err != nil {
		slog.Warn("rejected WebSocket connection: invalid origin URL", "origin", origin)
		return false
	}

	host := u.Hostname()
	if host == "localhost" {
		return true
	}

	requestHost := r.Host
	if h, _, err := net.SplitHostPort(requestHost); err == nil {
		requestHost = h
	}
	if host == requestHost {
		return true
	}

	ip := net.ParseIP(host)
	if ip != nil && (ip.IsLoopback() || ip.IsPrivate()) {
		return true
	}

	slog.Warn("rejected WebSocket connection", "origin", origin, "host", host)
	return false
}

// handleWebSocket pushes status and level updates until the client disconnects.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("WebSocket upgrade failed", "error", err)
		return
	}

	// Only the writer goroutine writes to the connection.
	send := make(chan any, 16)
	done := make(chan struct{})

	go runWriter(conn, send)
	go runReader(conn, done)

	s.runEventLoop(send, done)
}

// runWriter writes messages from send to conn until send is closed.
// A write error closes the connection, which ends the reader and so the event loop.
func runWriter(conn *websocket.Conn, send <-chan any) {
	closeConn := func() {
		if err := conn.Close(); err != nil {
			slog.Debug("WebSocket close error", "error", err)
		}
	}
	for msg := range send {
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(msg); err != nil {
			closeConn()
			for range send {
			}
			return
		}
	}
	closeConn()
}

// runReader discards client messages and closes done when the connection ends.
func runReader(conn messageReader, done chan<- struct{}) {
	defer close(done)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// runEventLoop sends an initial status, then status and levels on their tickers.
func (s *Server) runEventLoop(send chan any, done <-chan struct{}) {
	defer close(send)

	levelsTicker := time.NewTicker(levelsInterval)
	statusTicker := time.NewTicker(statusInterval)
	defer levelsTicker.Stop()
	defer statusTicker.Stop()

	trySend := func(msg any) bool {
		select {
		case send <- msg:
			return true
		case <-done:
			return false
		}
	}

	if !trySend(s.buildStatus()) {
		return
	}

	for {
		var msg any
		select {
		case <-done:
			return
		case <-levelsTicker.C:
			level, levelDB := s.recorder.Level()
			msg = types.WSLevelsResponse{Type: "levels", Level: level, LevelDB: levelDB}
		case <-statusTicker.C:
			msg = s.buildStatus()
		}
		if !trySend(msg) {
			return
		}
	}
}

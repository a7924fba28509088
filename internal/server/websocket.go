package server

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketConn is the interface for WebSocket connection operations.
type WebSocketConn interface {
	io.Closer
	WriteJSON(v any) error
	ReadJSON(v any) error
}

var upgrader = websocket.Upgrader{
	CheckOrigin: checkOrigin,
}

// checkOrigin reports whether the WebSocket connection origin is allowed.
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	// Same-origin requests omit the Origin header
	if origin == "" {
		return true
	}

	u, err := url.Parse(origin)
	if err != nil {
		slog.Warn("rejected WebSocket connection: invalid origin URL", "origin", origin)
		return false
	}

	host := u.Hostname()

	// Exact localhost matches
	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		return true
	}

	// Same-origin check (compare with request host)
	requestHost := r.Host
	// Strip port from request host for comparison
	if h, _, err := net.SplitHostPort(requestHost); err == nil {
		requestHost = h
	}
	if host == requestHost {
		return true
	}

	// Check private IP ranges using net.IP
	ip := net.ParseIP(host)
	if ip != nil && (ip.IsLoopback() || ip.IsPrivate()) {
		return true
	}

	slog.Warn("rejected WebSocket connection", "origin", origin, "host", host)
	return false
}

// UpgradeConnection upgrades an HTTP connection to WebSocket.
func UpgradeConnection(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	return upgrader.Upgrade(w, r, nil)
}

// sendBuffer is the number of pending messages per connection.
const sendBuffer = 16

// Push writes next() to conn immediately and then on every interval tick
// until ctx ends or the peer goes away. Incoming messages are discarded;
// reading only serves to notice a closed connection. Push closes conn.
func Push(ctx context.Context, conn WebSocketConn, interval time.Duration, next func() any) {
	// Only the writer goroutine writes to the connection.
	send := make(chan any, sendBuffer)
	done := make(chan struct{})

	go runWriter(conn, send)
	go runReader(conn, done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer close(send)

	trySend := func(msg any) bool {
		select {
		case send <- msg:
			return true
		case <-done:
			return false
		case <-ctx.Done():
			return false
		}
	}

	if !trySend(next()) {
		return
	}
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !trySend(next()) {
				return
			}
		}
	}
}

// runWriter writes messages from send to the connection.
func runWriter(conn WebSocketConn, send <-chan any) {
	for msg := range send {
		if err := conn.WriteJSON(msg); err != nil {
			slog.Debug("WebSocket write failed", "error", err)
			break
		}
	}
	if err := conn.Close(); err != nil {
		slog.Debug("WebSocket close error", "error", err)
	}
	// Drain so Push never blocks on a dead connection.
	for range send {
	}
}

// runReader closes done once the connection stops delivering messages.
func runReader(conn WebSocketConn, done chan<- struct{}) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in WebSocket reader", "panic", r)
		}
		close(done)
	}()
	for {
		var discard any
		if err := conn.ReadJSON(&discard); err != nil {
			return
		}
	}
}

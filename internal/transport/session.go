// Package transport implements TransportSession: a per-connection duplex
// message channel over a WebSocket, generalized from the teacher's
// Client ReadPump/WritePump goroutine pair.
package transport

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 65536

	// outboundBufferDepth bounds the per-session outbound buffer (§5
	// "Backpressure"); on overflow Send fails with ErrSendBufferFull.
	outboundBufferDepth = 256
)

// ErrSendBufferFull is returned by Send when the outbound buffer has no
// room; the frame is dropped. Send does not close the session, and the
// callers in this repository (SessionController, Registry) log or discard
// the error without terminating the connection.
var ErrSendBufferFull = errors.New("transport: outbound buffer full")

// ErrClosed is returned by Send and SendPing when called after Close.
var ErrClosed = errors.New("transport: session closed")

// Frame is one decoded inbound frame delivered to the caller's handler.
// Binary frames are never delivered — they are accepted by the underlying
// socket, logged, and dropped (§4.2).
type Frame struct {
	Data []byte
}

// Session owns one duplex client connection. recv is a push-style callback
// (OnFrame) rather than a pull iterator, since the read loop must run on
// its own goroutine for gorilla/websocket's single-reader requirement;
// Send is safe for concurrent callers.
type Session struct {
	conn   *websocket.Conn
	send   chan []byte
	closed atomic.Bool
	once   sync.Once
	done   chan struct{}
	logger *slog.Logger

	mu     sync.Mutex
	onPong func()
}

// New wraps an upgraded WebSocket connection as a transport Session.
func New(conn *websocket.Conn, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		conn:   conn,
		send:   make(chan []byte, outboundBufferDepth),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Send enqueues bytes for delivery. Serialized internally by the single
// writer goroutine started from WritePump, so concurrent producers are
// safe. Returns ErrSendBufferFull if the bounded buffer has no room, and
// ErrClosed after Close.
func (s *Session) Send(data []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	select {
	case s.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close is idempotent; after Close, Send fails and the read/write pumps
// exit.
func (s *Session) Close(code int, reason string) {
	s.once.Do(func() {
		s.closed.Store(true)
		deadline := time.Now().Add(writeWait)
		msg := websocket.FormatCloseMessage(code, reason)
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, deadline)
		close(s.done)
	})
}

// SetOnPong registers a callback invoked whenever a pong control frame
// arrives, in addition to the automatic read-deadline reset. This is how
// the presence tracker's liveness bookkeeping (on_pong, §4.4/§4.5) is fed
// from the transport layer without the application ever seeing a pong
// frame as a routable message.
func (s *Session) SetOnPong(fn func()) {
	s.mu.Lock()
	s.onPong = fn
	s.mu.Unlock()
}

// SendPing writes a single ping control frame on demand, used by the
// presence tracker's tick loop to probe one connection independent of the
// fixed keepalive ticker in WritePump. It uses WriteControl, which
// gorilla/websocket allows concurrently with WritePump's writes.
func (s *Session) SendPing() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// ReadLoop pumps inbound frames to onFrame until the connection closes or
// ctx is cancelled. Ping/pong is answered automatically by the configured
// pong handler and never reaches onFrame.
func (s *Session) ReadLoop(ctx context.Context, onFrame func(Frame)) {
	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		s.mu.Lock()
		fn := s.onPong
		s.mu.Unlock()
		if fn != nil {
			fn()
		}
		return nil
	})

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}

		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Warn("transport read error", "error", err)
			}
			return
		}

		switch msgType {
		case websocket.TextMessage:
			onFrame(Frame{Data: data})
		case websocket.BinaryMessage:
			s.logger.Debug("dropping binary frame", "bytes", len(data))
		}
	}
}

// WritePump owns the single writer goroutine for this connection's
// underlying socket; it must run for the lifetime of the session.
func (s *Session) WritePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case data, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

package transport

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/observer/coordinator/internal/ratelimit"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Accept upgrades an HTTP request to a WebSocket and hands the resulting
// Session to onAccept, which is responsible for starting the read/write
// pumps (typically by delegating to a SessionController). The handler
// itself carries no coordination-plane knowledge beyond rejecting
// upgrade attempts that exceed limiter's per-remote-address rate. limiter
// may be nil to disable the check.
func Accept(logger *slog.Logger, limiter *ratelimit.KeyedLimiter, onAccept func(*Session)) http.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if limiter != nil && !limiter.Allow(r.RemoteAddr) {
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Error("websocket upgrade failed", "error", err)
			return
		}
		onAccept(New(conn, logger))
	}
}

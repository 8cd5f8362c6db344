package coord

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Principal is the authenticated identity behind a connection. It is
// created once by the token verifier and never mutated afterward.
type Principal struct {
	Subject   string
	TokenID   string // optional; empty if the token carried no jti
	ExpiresAt time.Time
}

// ConnectionID is minted by the server at accept time. It must be globally
// unique for the lifetime of one connection and lexicographically
// orderable so that ties between connections opened in the same instant
// are reproducible. A pure random UUID is not sortable, so it is prefixed
// with a zero-padded monotonic tick.
type ConnectionID string

var lastTick atomic.Int64

// NewConnectionID mints a fresh, orderable connection identifier. The tick
// is time.Now().UnixNano(), bumped past the previous tick when the clock
// has not advanced, so successive ids always sort in minting order.
func NewConnectionID() ConnectionID {
	for {
		prev := lastTick.Load()
		tick := time.Now().UnixNano()
		if tick <= prev {
			tick = prev + 1
		}
		if lastTick.CompareAndSwap(prev, tick) {
			return ConnectionID(fmt.Sprintf("%020d-%s", tick, uuid.NewString()))
		}
	}
}

func (c ConnectionID) String() string { return string(c) }

// Role is an opaque tag describing a peer's stance in a signaling
// negotiation (e.g. "offerer", "answerer", "listener"). Its semantics are
// meaningless to the core; it is stored verbatim and surfaced in presence
// snapshots.
type Role string

// RoomHandle identifies a lobby and the channel/niche that owns it.
type RoomHandle struct {
	NicheID   string
	ChannelID string
	LobbyID   string
}

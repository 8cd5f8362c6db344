package lobby

import (
	"sync"

	"github.com/observer/coordinator/internal/coord"
)

// presenceEntry is a per-connection liveness record scoped to one room, in
// whole seconds (§3 PresenceEntry).
type presenceEntry struct {
	principalSubject   string
	lastPingSentAt     int64
	lastPongReceivedAt int64
}

// Room is the membership set for one lobby. members and presence always
// share the same key set (P3); the room lock guards both.
type Room struct {
	handle coord.RoomHandle

	mu       sync.Mutex
	members  map[coord.ConnectionID]coord.Role
	presence map[coord.ConnectionID]*presenceEntry

	// emptySince is the unix second the room first had zero members, or 0
	// while it has at least one member. Used to implement the grace
	// window before teardown (§4.4 step 4).
	emptySince int64
}

func newRoom(handle coord.RoomHandle) *Room {
	return &Room{
		handle:   handle,
		members:  make(map[coord.ConnectionID]coord.Role),
		presence: make(map[coord.ConnectionID]*presenceEntry),
	}
}

// Handle returns the room's (niche, channel, lobby) triple.
func (r *Room) Handle() coord.RoomHandle { return r.handle }

// insertLocked adds a member under the room lock, caller already holds r.mu.
func (r *Room) insertLocked(id coord.ConnectionID, role coord.Role, subject string, now int64) {
	r.members[id] = role
	r.presence[id] = &presenceEntry{
		principalSubject:   subject,
		lastPingSentAt:     now,
		lastPongReceivedAt: now,
	}
	r.emptySince = 0
}

// removeLocked removes a member under the room lock.
func (r *Room) removeLocked(id coord.ConnectionID) {
	delete(r.members, id)
	delete(r.presence, id)
}

// membersExcept returns a copy of the current member connection ids,
// excluding the one given, for staged delivery outside the lock. It takes
// r.mu itself.
func (r *Room) membersExcept(except coord.ConnectionID) []coord.ConnectionID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]coord.ConnectionID, 0, len(r.members))
	for id := range r.members {
		if id == except {
			continue
		}
		out = append(out, id)
	}
	return out
}

// snapshotLocked builds the room-scoped portion of an active_channels
// payload: multiple connections from the same user collapse under one
// user key (§3 "room snapshot").
func (r *Room) snapshotLocked() coord.ChannelSnapshot {
	users := make(map[string][]coord.RoomUser)
	for id, role := range r.members {
		p := r.presence[id]
		subject := p.principalSubject
		users[subject] = append(users[subject], coord.RoomUser{
			UserID: subject,
			Role:   string(role),
		})
	}
	return coord.ChannelSnapshot{Users: users}
}

func (r *Room) isEmptyLocked() bool { return len(r.members) == 0 }

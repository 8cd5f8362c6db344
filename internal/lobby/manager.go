// Package lobby implements LobbyManager, Room, and PresenceTracker: the
// niche→channel→Room tree, its join/leave/tick operations, and the
// per-lobby liveness sweep. Grounded on the original prototype's
// lobby/manager.rs tick loop (150ms cadence, staged eviction/ping under
// lock then release-then-send) and the teacher's fine-grained locking
// conventions in websocket/hub.go.
package lobby

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/observer/coordinator/internal/coord"
	"github.com/observer/coordinator/internal/metrics"
)

// Config carries the tick cadence and liveness thresholds, all
// env-overridable (see internal/config).
type Config struct {
	TickInterval        time.Duration
	ExpirySeconds        int64
	PingIntervalSeconds  int64
	EmptyGraceSeconds    int64
}

// DefaultConfig matches the values confirmed against the original
// prototype (§ SPEC_FULL.md §12).
func DefaultConfig() Config {
	return Config{
		TickInterval:        150 * time.Millisecond,
		ExpirySeconds:       60,
		PingIntervalSeconds: 20,
		EmptyGraceSeconds:   2,
	}
}

// Broadcaster is the slice of ClientRegistry that LobbyManager needs to
// stage pings and niche-wide snapshot deliveries without importing the
// session package (avoiding an import cycle with SessionController, which
// drives both lobby and session). Satisfied structurally by
// *session.Registry.
type Broadcaster interface {
	SetCurrentNiche(id coord.ConnectionID, nicheID string)
	SendTo(id coord.ConnectionID, payload []byte) error
	Ping(id coord.ConnectionID) error

	// PublishToNiche fans payload out to every connection currently
	// scoped to nicheID on each coordinator instance subscribed to that
	// niche's topic (§4.8 niche-wide delivery; backed by internal/pubsub).
	// *session.Registry subscribes an instance the first time it
	// publishes to the niche.
	PublishToNiche(nicheID string, payload []byte)
}

// Manager owns the LobbyTree.
type Manager struct {
	cfg         Config
	lookup      coord.ChannelLookup
	broadcaster Broadcaster
	logger      *slog.Logger
	now         func() time.Time

	mu     sync.RWMutex // guards niches; acquired before any Room lock
	niches map[string]map[string]*Room

	locMu    sync.Mutex
	location map[coord.ConnectionID]coord.RoomHandle

	cancel context.CancelFunc
}

// NewManager constructs a LobbyManager. lookup resolves channel ids to
// their owning niche/lobby (the external ChannelLookup collaborator,
// §6); broadcaster delivers staged pings and snapshots.
func NewManager(cfg Config, lookup coord.ChannelLookup, broadcaster Broadcaster, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:         cfg,
		lookup:      lookup,
		broadcaster: broadcaster,
		logger:      logger,
		now:         time.Now,
		niches:      make(map[string]map[string]*Room),
		location:    make(map[coord.ConnectionID]coord.RoomHandle),
	}
}

// Run installs the manager's shutdown token and blocks until ctx is done
// or Shutdown is called. The per-lobby tick loops do not observe this
// token: each one exits only when its room is removed from the tree.
func (m *Manager) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	<-ctx.Done()
}

// Shutdown fires the cancellation token.
func (m *Manager) Shutdown() {
	if m.cancel != nil {
		m.cancel()
	}
}

// Attach resolves channelID via the external lookup, detaches the
// connection from any current room, and joins it to the resolved room
// under a single logical operation (§4.4 attach).
func (m *Manager) Attach(ctx context.Context, id coord.ConnectionID, subject string, channelID string, role coord.Role) (coord.RoomHandle, error) {
	res, err := m.lookup.Resolve(ctx, channelID)
	if err != nil {
		return coord.RoomHandle{}, coord.Wrap(coord.KindNotFound, "resolve channel", err)
	}
	handle := coord.RoomHandle{NicheID: res.NicheID, ChannelID: res.ChannelID, LobbyID: res.LobbyID}

	m.Detach(id)

	room := m.getOrCreateRoom(handle)
	now := m.now().Unix()
	room.mu.Lock()
	room.insertLocked(id, role, subject, now)
	room.mu.Unlock()

	m.setLocation(id, handle)
	m.broadcaster.SetCurrentNiche(id, handle.NicheID)
	m.deliverNicheSnapshot(handle.NicheID)

	return handle, nil
}

// Detach removes the connection from whichever room contains it, scanning
// only the tracked current location rather than the whole tree.
// Idempotent (R2).
func (m *Manager) Detach(id coord.ConnectionID) {
	handle, ok := m.currentLocation(id)
	if !ok {
		return
	}
	room, ok := m.lookupRoom(handle)
	if ok {
		room.mu.Lock()
		room.removeLocked(id)
		room.mu.Unlock()
	}
	m.clearLocation(id)
}

// OnPong records a liveness pong for the connection's current room.
// Writes unconditionally; out-of-order duplicates are harmless (§4.5).
func (m *Manager) OnPong(id coord.ConnectionID) {
	handle, ok := m.currentLocation(id)
	if !ok {
		return
	}
	room, ok := m.lookupRoom(handle)
	if !ok {
		return
	}
	room.mu.Lock()
	if p, ok := room.presence[id]; ok {
		p.lastPongReceivedAt = m.now().Unix()
	}
	room.mu.Unlock()
}

// ConnectionsInRoomExcept returns the members of the room identified by
// handle, excluding the given connection — the multicast target set for
// Offer/Answer/Candidate relay (§4.6), which must never loop back to the
// sender. Returns nil if the room does not exist (NotFound is the
// caller's concern, not this accessor's).
func (m *Manager) ConnectionsInRoomExcept(handle coord.RoomHandle, except coord.ConnectionID) []coord.ConnectionID {
	room, ok := m.lookupRoom(handle)
	if !ok {
		return nil
	}
	return room.membersExcept(except)
}

// RoomExists reports whether a room is currently tracked for the given
// handle.
func (m *Manager) RoomExists(handle coord.RoomHandle) bool {
	_, ok := m.lookupRoom(handle)
	return ok
}

// Snapshot builds the active_channels payload for every room in a niche.
func (m *Manager) Snapshot(nicheID string) map[string]coord.ChannelSnapshot {
	m.mu.RLock()
	channels, ok := m.niches[nicheID]
	if !ok {
		m.mu.RUnlock()
		return map[string]coord.ChannelSnapshot{}
	}
	rooms := make([]*Room, 0, len(channels))
	ids := make([]string, 0, len(channels))
	for chID, room := range channels {
		rooms = append(rooms, room)
		ids = append(ids, chID)
	}
	m.mu.RUnlock()

	out := make(map[string]coord.ChannelSnapshot, len(rooms))
	for i, room := range rooms {
		room.mu.Lock()
		out[ids[i]] = room.snapshotLocked()
		room.mu.Unlock()
	}
	return out
}

func (m *Manager) getOrCreateRoom(h coord.RoomHandle) *Room {
	m.mu.Lock()
	defer m.mu.Unlock()

	channels, ok := m.niches[h.NicheID]
	if !ok {
		channels = make(map[string]*Room)
		m.niches[h.NicheID] = channels
	}
	room, ok := channels[h.ChannelID]
	if !ok {
		room = newRoom(h)
		channels[h.ChannelID] = room
		m.startTick(room)
		metrics.ActiveRooms.Inc()
	}
	return room
}

func (m *Manager) lookupRoom(h coord.RoomHandle) (*Room, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	channels, ok := m.niches[h.NicheID]
	if !ok {
		return nil, false
	}
	room, ok := channels[h.ChannelID]
	return room, ok
}

func (m *Manager) removeRoom(h coord.RoomHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if channels, ok := m.niches[h.NicheID]; ok {
		if _, existed := channels[h.ChannelID]; existed {
			metrics.ActiveRooms.Dec()
		}
		delete(channels, h.ChannelID)
		if len(channels) == 0 {
			delete(m.niches, h.NicheID)
		}
	}
}

func (m *Manager) roomStillTracked(h coord.RoomHandle) bool {
	_, ok := m.lookupRoom(h)
	return ok
}

func (m *Manager) setLocation(id coord.ConnectionID, h coord.RoomHandle) {
	m.locMu.Lock()
	m.location[id] = h
	m.locMu.Unlock()
}

func (m *Manager) clearLocation(id coord.ConnectionID) {
	m.locMu.Lock()
	delete(m.location, id)
	m.locMu.Unlock()
}

func (m *Manager) currentLocation(id coord.ConnectionID) (coord.RoomHandle, bool) {
	m.locMu.Lock()
	defer m.locMu.Unlock()
	h, ok := m.location[id]
	return h, ok
}

// startTick spawns the per-lobby background task. It holds only a weak
// reference in spirit: it exits as soon as the room is no longer present
// in the tree, rather than via a strong cycle back to the Manager (§9
// Cyclic ownership).
func (m *Manager) startTick(room *Room) {
	go func() {
		ticker := time.NewTicker(m.cfg.TickInterval)
		defer ticker.Stop()
		for range ticker.C {
			if !m.roomStillTracked(room.handle) {
				return
			}
			if !m.tick(room) {
				return
			}
		}
	}()
}

// tick runs one liveness sweep: stage eviction/ping candidates under the
// room lock, release, then deliver (§4.4 steps 1-3) and finally apply the
// empty-room grace-window teardown (step 4).
func (m *Manager) tick(room *Room) (alive bool) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("tick panicked, removing room", "error", r, "niche", room.handle.NicheID, "channel", room.handle.ChannelID)
			m.removeRoom(room.handle)
			alive = false
		}
	}()

	metrics.TicksRun.Inc()
	now := m.now().Unix()

	var toEvict, toPing []coord.ConnectionID

	room.mu.Lock()
	for id, p := range room.presence {
		if now-p.lastPongReceivedAt > m.cfg.ExpirySeconds {
			toEvict = append(toEvict, id)
		} else if now-p.lastPingSentAt >= m.cfg.PingIntervalSeconds {
			toPing = append(toPing, id)
			p.lastPingSentAt = now
		}
	}
	for _, id := range toEvict {
		room.removeLocked(id)
	}
	changed := len(toEvict) > 0
	var snapshot coord.ChannelSnapshot
	if changed {
		snapshot = room.snapshotLocked()
	}
	empty := room.isEmptyLocked()
	if empty {
		if room.emptySince == 0 {
			room.emptySince = now
		}
	} else {
		room.emptySince = 0
	}
	shouldRemove := empty && room.emptySince != 0 && now-room.emptySince >= m.cfg.EmptyGraceSeconds
	room.mu.Unlock()

	for _, id := range toEvict {
		m.clearLocation(id)
	}

	if len(toEvict) > 0 {
		metrics.PresenceOutcomes.WithLabelValues("evicted").Add(float64(len(toEvict)))
	}
	for _, id := range toPing {
		if err := m.broadcaster.Ping(id); err != nil {
			m.logger.Warn("ping failed", "connection_id", id, "error", err)
		}
	}
	if len(toPing) > 0 {
		metrics.PresenceOutcomes.WithLabelValues("pinged").Add(float64(len(toPing)))
	}
	if changed {
		_ = snapshot
		m.deliverNicheSnapshot(room.handle.NicheID)
	}

	if shouldRemove {
		m.removeRoom(room.handle)
		return false
	}
	return true
}

// deliverNicheSnapshot pushes an active_channels snapshot to every
// connection currently scoped to nicheID (§4.8), on Join (Attach) and on
// any room membership change caught by tick (§4.4 step 3). update_niche
// does not go through here: the session controller sends that snapshot
// to the requester only.
func (m *Manager) deliverNicheSnapshot(nicheID string) {
	channels := m.Snapshot(nicheID)
	payload := coord.EncodeOutbound(coord.ActiveChannelsMessage{
		Type:     coord.OutboundActiveChannels,
		Channels: channels,
	})
	if payload == nil {
		return
	}
	m.broadcaster.PublishToNiche(nicheID, payload)
}

// Package session implements ClientRegistry (the process-wide
// connection-id → session map) and SessionController (the per-connection
// accept → authenticate → active → terminate state machine), generalized
// from the teacher's websocket.Hub register/unregister bookkeeping and
// HandleMessage dispatch switch.
package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/observer/coordinator/internal/coord"
	"github.com/observer/coordinator/internal/metrics"
	"github.com/observer/coordinator/internal/pubsub"
	"github.com/observer/coordinator/internal/transport"
)

// ClientSession is the per-connection record created after successful
// authentication (§3).
type ClientSession struct {
	ConnectionID coord.ConnectionID
	Principal    coord.Principal

	outbound *transport.Session

	mu             sync.RWMutex
	currentNicheID string
}

func newClientSession(id coord.ConnectionID, principal coord.Principal, out *transport.Session) *ClientSession {
	return &ClientSession{
		ConnectionID: id,
		Principal:    principal,
		outbound:     out,
	}
}

// CurrentNiche returns the niche the session is currently scoped to, if any.
func (c *ClientSession) CurrentNiche() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.currentNicheID, c.currentNicheID != ""
}

func (c *ClientSession) setCurrentNiche(nicheID string) {
	c.mu.Lock()
	c.currentNicheID = nicheID
	c.mu.Unlock()
}

// Registry is the process-wide ClientRegistry: ConnectionID → ClientSession.
// Group fan-out (niche-wide snapshots, the process-wide active_clients
// roster) is published through ps rather than walked in a local loop, so
// the same code runs correctly whether ps is single-instance (in-memory)
// or shared across a fleet (Redis) — generalized from the teacher's
// Hub.BroadcastToRoom/subscribeToRoom split in websocket/hub.go.
type Registry struct {
	mu       sync.RWMutex
	sessions map[coord.ConnectionID]*ClientSession

	ps          pubsub.PubSub
	presenceSub pubsub.Subscription

	nicheMu   sync.Mutex
	nicheSubs map[string]pubsub.Subscription
}

// NewRegistry constructs an empty registry backed by ps for group
// fan-out. ps is never nil in production (cmd/coordinator selects a
// MemoryPubSub or RedisPubSub per PUBSUB_TYPE); tests may pass
// pubsub.NewMemoryPubSub() directly.
func NewRegistry(ps pubsub.PubSub) *Registry {
	r := &Registry{
		sessions:  make(map[coord.ConnectionID]*ClientSession),
		ps:        ps,
		nicheSubs: make(map[string]pubsub.Subscription),
	}
	sub, err := ps.Subscribe(context.Background(), pubsub.Topics.Presence(), r.deliverPresence)
	if err != nil {
		slog.Error("failed to subscribe to presence topic", "error", err)
	} else {
		r.presenceSub = sub
	}
	return r
}

// deliverPresence is the local half of the presence topic subscription:
// every instance runs it, each fanning out to only its own locally
// connected sessions (the teacher's deliverToRoom pattern).
func (r *Registry) deliverPresence(ctx context.Context, msg *pubsub.Message) {
	for _, s := range r.snapshotMatching(nil) {
		_ = r.SendTo(s.ConnectionID, msg.Payload)
	}
}

// deliverNiche is the local half of one niche's topic subscription.
func (r *Registry) deliverNiche(nicheID string) pubsub.Handler {
	return func(ctx context.Context, msg *pubsub.Message) {
		for _, id := range r.ConnectionsInNiche(nicheID) {
			_ = r.SendTo(id, msg.Payload)
		}
	}
}

// ensureNicheSub lazily subscribes this instance to nicheID's topic the
// first time it is published to. Niche cardinality is small and stable
// relative to connections or rooms, so the subscription is kept for the
// life of the process rather than torn down when the niche empties out
// (unlike the teacher's per-room subscribeToRoom/unsubscribeFromRoom,
// which must track room churn one-for-one with client count).
func (r *Registry) ensureNicheSub(nicheID string) {
	r.nicheMu.Lock()
	defer r.nicheMu.Unlock()
	if _, ok := r.nicheSubs[nicheID]; ok {
		return
	}
	sub, err := r.ps.Subscribe(context.Background(), pubsub.Topics.Niche(nicheID), r.deliverNiche(nicheID))
	if err != nil {
		slog.Error("failed to subscribe to niche topic", "niche_id", nicheID, "error", err)
		return
	}
	r.nicheSubs[nicheID] = sub
}

// Insert registers a newly authenticated connection. Per §4.3's invariant,
// callers must only insert once a connection has passed Authenticated.
func (r *Registry) Insert(s *ClientSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ConnectionID] = s
	metrics.ActiveConnections.Inc()
}

// Lookup finds a session by connection id.
func (r *Registry) Lookup(id coord.ConnectionID) (*ClientSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove deletes a session. Idempotent.
func (r *Registry) Remove(id coord.ConnectionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, existed := r.sessions[id]; existed {
		metrics.ActiveConnections.Dec()
	}
	delete(r.sessions, id)
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// snapshotMatching copies out the sessions matching predicate without
// holding the registry lock during the caller's subsequent I/O (§4.3
// snapshot_for_broadcast).
func (r *Registry) snapshotMatching(predicate func(*ClientSession) bool) []*ClientSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ClientSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		if predicate == nil || predicate(s) {
			out = append(out, s)
		}
	}
	return out
}

// AllSubjects lists every authenticated connection's principal subject,
// for the process-wide active_clients snapshot (§4.8).
func (r *Registry) AllSubjects() []string {
	sessions := r.snapshotMatching(nil)
	out := make([]string, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Principal.Subject)
	}
	return out
}

// ConnectionsInNiche lists connection ids currently scoped to nicheID
// (§4.8 active_channels recipient set).
func (r *Registry) ConnectionsInNiche(nicheID string) []coord.ConnectionID {
	sessions := r.snapshotMatching(func(s *ClientSession) bool {
		n, ok := s.CurrentNiche()
		return ok && n == nicheID
	})
	out := make([]coord.ConnectionID, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.ConnectionID)
	}
	return out
}

// SetCurrentNiche implements lobby.Broadcaster.
func (r *Registry) SetCurrentNiche(id coord.ConnectionID, nicheID string) {
	if s, ok := r.Lookup(id); ok {
		s.setCurrentNiche(nicheID)
	}
}

// SendTo unicasts a pre-encoded payload to one connection's outbound
// transport. Looks up the session, clones the outbound handle implicitly
// (the *transport.Session pointer), releases the registry lock before the
// actual send (§4.6 unicast).
func (r *Registry) SendTo(id coord.ConnectionID, payload []byte) error {
	s, ok := r.Lookup(id)
	if !ok {
		return coord.ErrPeerNotFound
	}
	if err := s.outbound.Send(payload); err != nil {
		return coord.Wrap(coord.KindTransport, "send", err)
	}
	return nil
}

// Close tears down the registry's pubsub subscriptions. Called once at
// process shutdown, after the server has stopped accepting connections.
func (r *Registry) Close() {
	if r.presenceSub != nil {
		_ = r.presenceSub.Unsubscribe()
	}
	r.nicheMu.Lock()
	defer r.nicheMu.Unlock()
	for _, sub := range r.nicheSubs {
		_ = sub.Unsubscribe()
	}
}

// Ping sends a transport-level ping control frame to one connection, used
// by the presence tracker's tick loop.
func (r *Registry) Ping(id coord.ConnectionID) error {
	s, ok := r.Lookup(id)
	if !ok {
		return coord.ErrPeerNotFound
	}
	if err := s.outbound.SendPing(); err != nil {
		return coord.Wrap(coord.KindTransport, "ping", err)
	}
	return nil
}

// BroadcastActiveClients publishes a process-wide active_clients snapshot
// (§4.8's simple, specified default). Every instance subscribed to the
// presence topic — including this one — delivers it to its own locally
// connected sessions.
func (r *Registry) BroadcastActiveClients() {
	subjects := r.AllSubjects()
	entries := make([]coord.ActiveClientEntry, 0, len(subjects))
	for _, subj := range subjects {
		entries = append(entries, coord.ActiveClientEntry{UserID: subj})
	}
	payload := coord.EncodeOutbound(coord.ActiveClientsMessage{
		Type:    coord.OutboundActiveClients,
		Clients: entries,
	})
	if payload == nil {
		return
	}
	if err := r.ps.Publish(context.Background(), pubsub.Topics.Presence(), &pubsub.Message{
		Topic:   pubsub.Topics.Presence(),
		Type:    coord.OutboundActiveClients,
		Payload: json.RawMessage(payload),
	}); err != nil {
		slog.Error("failed to publish active_clients snapshot", "error", err)
	}
}

// PublishToNiche implements lobby.Broadcaster and signaling.Delivery: it
// fans payload out to every connection currently scoped to nicheID,
// across every coordinator instance subscribed to that niche's topic.
func (r *Registry) PublishToNiche(nicheID string, payload []byte) {
	r.ensureNicheSub(nicheID)
	topic := pubsub.Topics.Niche(nicheID)
	if err := r.ps.Publish(context.Background(), topic, &pubsub.Message{
		Topic:   topic,
		Type:    coord.OutboundActiveChannels,
		Payload: json.RawMessage(payload),
	}); err != nil {
		slog.Error("failed to publish niche snapshot", "niche_id", nicheID, "error", err)
	}
}

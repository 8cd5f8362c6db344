// Package signaling implements SignalingRelay: a stateless façade over
// ClientRegistry and LobbyManager that routes SDP/ICE/chat messages,
// generalized from the teacher's webrtc.CallHandler/Manager (call-room
// relay) to the niche/channel/lobby-scoped routing this system requires.
package signaling

import (
	"context"
	"log/slog"

	"github.com/observer/coordinator/internal/coord"
	"github.com/observer/coordinator/internal/metrics"
)

// RoomLookup is the subset of LobbyManager the relay needs to resolve and
// multicast within one room. Satisfied structurally by *lobby.Manager.
type RoomLookup interface {
	ConnectionsInRoomExcept(handle coord.RoomHandle, except coord.ConnectionID) []coord.ConnectionID
	RoomExists(handle coord.RoomHandle) bool
}

type Delivery interface {
	SendTo(id coord.ConnectionID, payload []byte) error

	// PublishToNiche fans payload out to every connection currently
	// scoped to nicheID on each coordinator instance subscribed to that
	// niche's topic (backed by internal/pubsub).
	PublishToNiche(nicheID string, payload []byte)
}

// Relay brokers WebRTC session establishment and chat fan-out.
type Relay struct {
	rooms    RoomLookup
	delivery Delivery
	store    coord.MessageStore
	logger   *slog.Logger
}

// New constructs a SignalingRelay.
func New(rooms RoomLookup, delivery Delivery, store coord.MessageStore, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{rooms: rooms, delivery: delivery, store: store, logger: logger}
}

// Unicast looks up the target session and delivers payload to it.
func (r *Relay) Unicast(target coord.ConnectionID, payload []byte) error {
	return r.delivery.SendTo(target, payload)
}

// RoomMulticast delivers payload to every connection in the room
// identified by (nicheID, channelID), excluding the sender. The relay
// does not inspect the payload's contents (§4.6 "does not inspect SDP or
// candidate contents").
func (r *Relay) RoomMulticast(nicheID, channelID string, sender coord.ConnectionID, payload []byte) error {
	handle := coord.RoomHandle{NicheID: nicheID, ChannelID: channelID}
	if !r.rooms.RoomExists(handle) {
		return coord.ErrChannelNotFound
	}
	for _, id := range r.rooms.ConnectionsInRoomExcept(handle, sender) {
		if err := r.delivery.SendTo(id, payload); err != nil {
			r.logger.Warn("room multicast delivery failed", "connection_id", id, "error", err)
		}
	}
	return nil
}

// ChatBroadcast persists a chat message and fans it out to every
// connection currently scoped to nicheID — not only the sending lobby's
// voice-room members, since channel-bound chat lives above per-lobby voice
// rooms (§4.6, resolving the spec's "niche-wide, not global" open
// question). channelID is not resolved to its owning niche here: the
// broadcast goes to whatever nicheID the caller passes, which the session
// controller sets to the sender's current niche.
func (r *Relay) ChatBroadcast(ctx context.Context, senderConnID coord.ConnectionID, senderSubject, nicheID, channelID, content string) error {
	record, err := r.store.Append(ctx, senderSubject, channelID, content)
	if err != nil {
		return coord.Wrap(coord.KindPersistence, "append chat message", err)
	}

	metrics.ChatMessagesRelayed.Inc()

	payload := coord.EncodeOutbound(coord.ChatMessageBroadcast{
		Type:      coord.OutboundChatMessageBroadcast,
		SenderID:  string(senderConnID),
		ChannelID: channelID,
		Message: coord.ChatMessagePayload{
			ID:          record.ID,
			TimestampMS: record.TimestampMS,
			UserID:      record.UserID,
			Contents:    record.Contents,
		},
	})
	if payload == nil {
		return coord.New(coord.KindInternal, "encode chat broadcast")
	}

	r.delivery.PublishToNiche(nicheID, payload)
	return nil
}

package coord

import "context"

// ChannelResolution is what the external channel-ownership service
// returns for a channel id.
type ChannelResolution struct {
	ChannelID string
	NicheID   string
	LobbyID   string
}

// ChannelLookup resolves a channel to the niche/lobby that owns it. It is
// an external collaborator: the niche/channel CRUD plane and its
// persistent store live outside this repository's scope.
type ChannelLookup interface {
	Resolve(ctx context.Context, channelID string) (*ChannelResolution, error)
}

// MessageRecord is the persisted form of a chat message, as returned by
// MessageStore.Append.
type MessageRecord struct {
	ID          string
	TimestampMS int64
	UserID      string
	Contents    string
}

// MessageStore appends a chat message to the external message history
// store and returns its persisted record.
type MessageStore interface {
	Append(ctx context.Context, userID, channelID, contents string) (*MessageRecord, error)
}

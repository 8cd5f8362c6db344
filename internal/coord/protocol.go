package coord

import "encoding/json"

// Inbound message type discriminators.
const (
	InboundInit         = "init"
	InboundUpdateNiche  = "update_niche"
	InboundJoin         = "join"
	InboundChatMessage  = "chat_message"
	InboundOffer        = "offer"
	InboundAnswer       = "answer"
	InboundCandidate    = "candidate"
	InboundWebRTCSignal = "web_rtc_signal"
)

// Outbound message type discriminators.
const (
	OutboundActiveClients         = "active_clients"
	OutboundActiveChannels        = "active_channels"
	OutboundOffer                 = "offer"
	OutboundAnswer                = "answer"
	OutboundCandidate             = "candidate"
	OutboundWebRTCSignal          = "web_rtc_signal"
	OutboundChatMessageBroadcast  = "chat_message_broadcast"
	OutboundError                 = "error"
)

// Envelope is the minimal shape needed to read the discriminator before
// unmarshaling the rest of the frame into a concrete payload type. Unlike
// the teacher's nested {type, payload} shape, this wire protocol carries
// its fields flat alongside "type" (spec §6), so the raw bytes are
// re-unmarshaled into the specific payload struct once Type is known.
type Envelope struct {
	Type string `json:"type"`
}

// ---- Inbound payloads ----

type InitMessage struct {
	Type      string `json:"type"`
	AuthToken string `json:"auth_token"`
}

type UpdateNicheMessage struct {
	Type    string `json:"type"`
	NicheID string `json:"niche_id"`
}

type JoinMessage struct {
	Type      string `json:"type"`
	ChannelID string `json:"channel_id"`
	Role      string `json:"role"`
}

type ChatMessageIn struct {
	Type      string `json:"type"`
	ChannelID string `json:"channel_id"`
	Content   string `json:"content"`
}

type OfferMessage struct {
	Type      string `json:"type"`
	ChannelID string `json:"channel_id"`
	NicheID   string `json:"niche_id"`
	Offer     string `json:"offer"`
}

type AnswerMessage struct {
	Type      string `json:"type"`
	ChannelID string `json:"channel_id"`
	NicheID   string `json:"niche_id"`
	Answer    string `json:"answer"`
}

type CandidateMessage struct {
	Type      string          `json:"type"`
	ChannelID string          `json:"channel_id"`
	NicheID   string          `json:"niche_id"`
	Candidate json.RawMessage `json:"candidate"`
}

type WebRTCSignalIn struct {
	Type           string          `json:"type"`
	TargetClientID string          `json:"target_client_id"`
	SignalData     json.RawMessage `json:"signal_data"`
}

// ---- Outbound payloads ----

type ActiveClientEntry struct {
	UserID string `json:"user_id"`
}

type ActiveClientsMessage struct {
	Type    string              `json:"type"`
	Clients []ActiveClientEntry `json:"clients"`
}

// RoomUser is one connection's entry within a channel snapshot's user list.
type RoomUser struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// ChannelSnapshot is the richer active_channels shape the spec standardizes
// on: multiple connections belonging to the same user collapse under one
// user key.
type ChannelSnapshot struct {
	Users map[string][]RoomUser `json:"users"`
}

type ActiveChannelsMessage struct {
	Type     string                     `json:"type"`
	Channels map[string]ChannelSnapshot `json:"channels"`
}

type OfferOut struct {
	Type  string `json:"type"`
	Offer string `json:"offer"`
}

type AnswerOut struct {
	Type   string `json:"type"`
	Answer string `json:"answer"`
}

type CandidateOut struct {
	Type      string          `json:"type"`
	Candidate json.RawMessage `json:"candidate"`
}

type WebRTCSignalOut struct {
	Type           string          `json:"type"`
	SenderClientID string          `json:"sender_client_id"`
	SignalData     json.RawMessage `json:"signal_data"`
}

type ChatMessagePayload struct {
	ID          string `json:"id"`
	TimestampMS int64  `json:"timestamp_ms"`
	UserID      string `json:"user_id"`
	Contents    string `json:"contents"`
}

type ChatMessageBroadcast struct {
	Type      string             `json:"type"`
	SenderID  string             `json:"sender_id"`
	ChannelID string             `json:"channel_id"`
	Message   ChatMessagePayload `json:"message"`
}

type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// EncodeOutbound marshals a typed outbound payload to wire bytes, failing
// closed (empty slice) rather than panicking on a programmer error.
func EncodeOutbound(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

package session

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/gorilla/websocket"

	"github.com/observer/coordinator/internal/coord"
	"github.com/observer/coordinator/internal/lobby"
	"github.com/observer/coordinator/internal/metrics"
	"github.com/observer/coordinator/internal/ratelimit"
	"github.com/observer/coordinator/internal/signaling"
	"github.com/observer/coordinator/internal/transport"
)

// state is the per-connection lifecycle state (§4.7: Handshake →
// Authenticated → Active → Terminated).
type state int

const (
	stateHandshake state = iota
	stateAuthenticated
	stateTerminated
)

// Verifier checks an auth token and resolves the caller's identity.
// Satisfied by *auth.Verifier.
type Verifier interface {
	Verify(token string) (coord.Principal, error)
}

// Controller drives one connection's Handshake→Authenticated→Active→
// Terminated state machine, generalized from the teacher's
// Hub.HandleMessage dispatch switch (websocket/hub.go) to this system's
// flat envelope discriminator and its niche/channel/lobby domain.
type Controller struct {
	verifier Verifier
	registry *Registry
	lobbies  *lobby.Manager
	relay    *signaling.Relay
	limiter  *ratelimit.KeyedLimiter
	logger   *slog.Logger

	out *transport.Session

	// state, conn, and niche are only ever touched from the single
	// goroutine driving Run's ReadLoop callback, so no lock is needed.
	state state
	conn  coord.ConnectionID
	niche string
}

// NewController constructs a per-connection controller. out is the
// already-upgraded transport session; its ReadLoop is driven by Run.
// limiter may be nil to disable per-connection envelope rate limiting.
func NewController(verifier Verifier, registry *Registry, lobbies *lobby.Manager, relay *signaling.Relay, limiter *ratelimit.KeyedLimiter, out *transport.Session, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		verifier: verifier,
		registry: registry,
		lobbies:  lobbies,
		relay:    relay,
		limiter:  limiter,
		out:      out,
		logger:   logger,
		state:    stateHandshake,
	}
}

// Run drives the connection to completion: it blocks on the transport's
// read loop, dispatching each inbound frame, and tears down lobby/registry
// state on exit regardless of how the connection ended (§4.7, §5
// Cancellation and cleanup).
func (c *Controller) Run(ctx context.Context) {
	c.out.ReadLoop(ctx, func(f transport.Frame) {
		c.dispatch(ctx, f.Data)
	})
	c.terminate()
}

// ConnectionID returns the connection id assigned at handshake, if the
// connection has completed it.
func (c *Controller) ConnectionID() (coord.ConnectionID, bool) {
	return c.conn, c.conn != ""
}

func (c *Controller) terminate() {
	if c.state == stateTerminated {
		return
	}
	c.state = stateTerminated
	if c.conn != "" {
		c.lobbies.Detach(c.conn)
		c.registry.Remove(c.conn)
		if c.limiter != nil {
			c.limiter.Forget(string(c.conn))
		}
	}
}

func (c *Controller) dispatch(ctx context.Context, data []byte) {
	var env coord.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.fail(coord.ErrMalformedEnvelope, websocket.CloseInvalidFramePayloadData)
		return
	}

	if c.state == stateAuthenticated && c.limiter != nil && !c.limiter.Allow(string(c.conn)) {
		c.sendError("rate limit exceeded")
		return
	}

	if c.state == stateHandshake {
		if env.Type != coord.InboundInit {
			c.fail(coord.ErrMalformedInit, websocket.CloseProtocolError)
			return
		}
		c.handleInit(data)
		return
	}

	switch env.Type {
	case coord.InboundUpdateNiche:
		c.handleUpdateNiche(data)
	case coord.InboundJoin:
		c.handleJoin(ctx, data)
	case coord.InboundChatMessage:
		c.handleChatMessage(ctx, data)
	case coord.InboundOffer:
		c.handleOffer(data)
	case coord.InboundAnswer:
		c.handleAnswer(data)
	case coord.InboundCandidate:
		c.handleCandidate(data)
	case coord.InboundWebRTCSignal:
		c.handleWebRTCSignal(data)
	case coord.InboundInit:
		// Re-init after handshake is a no-op warning, not a protocol error:
		// the connection is already authenticated (§4.1 second-init note).
		c.logger.Warn("ignoring init after handshake", "connection_id", c.conn)
	default:
		c.sendError("unknown message type: " + env.Type)
	}
}

func (c *Controller) handleInit(data []byte) {
	var msg coord.InitMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.fail(coord.ErrMalformedEnvelope, websocket.CloseInvalidFramePayloadData)
		return
	}

	principal, err := c.verifier.Verify(msg.AuthToken)
	if err != nil {
		c.fail(coord.ErrUnauthenticated, websocket.ClosePolicyViolation)
		return
	}

	id := coord.NewConnectionID()
	c.conn = id
	c.state = stateAuthenticated

	session := newClientSession(id, principal, c.out)
	c.registry.Insert(session)

	c.registry.BroadcastActiveClients()
}

func (c *Controller) handleUpdateNiche(data []byte) {
	var msg coord.UpdateNicheMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.fail(coord.ErrMalformedEnvelope, websocket.CloseInvalidFramePayloadData)
		return
	}
	c.niche = msg.NicheID
	c.registry.SetCurrentNiche(c.conn, msg.NicheID)

	channels := c.lobbies.Snapshot(msg.NicheID)
	if len(channels) == 0 {
		return
	}
	payload := coord.EncodeOutbound(coord.ActiveChannelsMessage{
		Type:     coord.OutboundActiveChannels,
		Channels: channels,
	})
	if payload == nil {
		return
	}
	_ = c.out.Send(payload)
}

func (c *Controller) handleJoin(ctx context.Context, data []byte) {
	var msg coord.JoinMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.fail(coord.ErrMalformedEnvelope, websocket.CloseInvalidFramePayloadData)
		return
	}

	session, ok := c.registry.Lookup(c.conn)
	if !ok {
		return
	}

	handle, err := c.lobbies.Attach(ctx, c.conn, session.Principal.Subject, msg.ChannelID, coord.Role(msg.Role))
	if err != nil {
		c.sendError("join failed: " + err.Error())
		return
	}
	c.niche = handle.NicheID
}

func (c *Controller) handleChatMessage(ctx context.Context, data []byte) {
	var msg coord.ChatMessageIn
	if err := json.Unmarshal(data, &msg); err != nil {
		c.fail(coord.ErrMalformedEnvelope, websocket.CloseInvalidFramePayloadData)
		return
	}

	session, ok := c.registry.Lookup(c.conn)
	if !ok {
		return
	}
	if c.niche == "" {
		c.sendError("no active niche")
		return
	}

	if err := c.relay.ChatBroadcast(ctx, c.conn, session.Principal.Subject, c.niche, msg.ChannelID, msg.Content); err != nil {
		c.sendError("chat message dropped: " + err.Error())
	}
}

func (c *Controller) handleOffer(data []byte) {
	var msg coord.OfferMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.fail(coord.ErrMalformedEnvelope, websocket.CloseInvalidFramePayloadData)
		return
	}
	payload := coord.EncodeOutbound(coord.OfferOut{Type: coord.OutboundOffer, Offer: msg.Offer})
	if payload == nil {
		return
	}
	if err := c.relay.RoomMulticast(msg.NicheID, msg.ChannelID, c.conn, payload); err != nil {
		c.sendError("offer relay failed: " + err.Error())
		return
	}
	metrics.SignalsRelayed.WithLabelValues("offer").Inc()
}

func (c *Controller) handleAnswer(data []byte) {
	var msg coord.AnswerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.fail(coord.ErrMalformedEnvelope, websocket.CloseInvalidFramePayloadData)
		return
	}
	payload := coord.EncodeOutbound(coord.AnswerOut{Type: coord.OutboundAnswer, Answer: msg.Answer})
	if payload == nil {
		return
	}
	if err := c.relay.RoomMulticast(msg.NicheID, msg.ChannelID, c.conn, payload); err != nil {
		c.sendError("answer relay failed: " + err.Error())
		return
	}
	metrics.SignalsRelayed.WithLabelValues("answer").Inc()
}

func (c *Controller) handleCandidate(data []byte) {
	var msg coord.CandidateMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.fail(coord.ErrMalformedEnvelope, websocket.CloseInvalidFramePayloadData)
		return
	}
	payload := coord.EncodeOutbound(coord.CandidateOut{Type: coord.OutboundCandidate, Candidate: msg.Candidate})
	if payload == nil {
		return
	}
	if err := c.relay.RoomMulticast(msg.NicheID, msg.ChannelID, c.conn, payload); err != nil {
		c.sendError("candidate relay failed: " + err.Error())
		return
	}
	metrics.SignalsRelayed.WithLabelValues("candidate").Inc()
}

// handleWebRTCSignal is the direct connection-to-connection unicast path
// (§4.6), distinct from the room-scoped Offer/Answer/Candidate multicast.
func (c *Controller) handleWebRTCSignal(data []byte) {
	var msg coord.WebRTCSignalIn
	if err := json.Unmarshal(data, &msg); err != nil {
		c.fail(coord.ErrMalformedEnvelope, websocket.CloseInvalidFramePayloadData)
		return
	}
	payload := coord.EncodeOutbound(coord.WebRTCSignalOut{
		Type:           coord.OutboundWebRTCSignal,
		SenderClientID: string(c.conn),
		SignalData:     msg.SignalData,
	})
	if payload == nil {
		return
	}
	if err := c.relay.Unicast(coord.ConnectionID(msg.TargetClientID), payload); err != nil {
		c.sendError("signal delivery failed: " + err.Error())
		return
	}
	metrics.SignalsRelayed.WithLabelValues("web_rtc_signal").Inc()
}

func (c *Controller) sendError(message string) {
	payload := coord.EncodeOutbound(coord.ErrorMessage{Type: coord.OutboundError, Message: message})
	if payload == nil {
		return
	}
	_ = c.out.Send(payload)
}

// fail sends a closing error frame and closes the transport with the
// given close code (§6/§7 close-code taxonomy).
func (c *Controller) fail(err *coord.Error, closeCode int) {
	c.sendError(err.Message)
	c.out.Close(closeCode, err.Message)
}

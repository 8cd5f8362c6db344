// Package coord holds the shared vocabulary of the coordination plane:
// error kinds, principal/connection identifiers, the external service
// contracts, and the wire protocol. Nothing in here touches a socket or a
// lock; those live in transport, session, lobby, and signaling.
package coord

import "errors"

// Kind is a closed taxonomy of failure categories. Handlers branch on Kind,
// never on message text.
type Kind int

const (
	KindInternal Kind = iota
	KindUnauthenticated
	KindBadRequest
	KindNotFound
	KindConflict
	KindTransport
	KindPersistence
)

func (k Kind) String() string {
	switch k {
	case KindUnauthenticated:
		return "unauthenticated"
	case KindBadRequest:
		return "bad_request"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindTransport:
		return "transport"
	case KindPersistence:
		return "persistence"
	default:
		return "internal"
	}
}

// Error is the single result type used across the coordination plane, per
// the design note preferring a closed error enum over exception-like
// control flow across task boundaries.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap attaches a Kind to an underlying error for classification at the
// boundary that produced it.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// New constructs a Kind-tagged error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// KindOf extracts the Kind of err, defaulting to KindInternal for errors
// that were never classified.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindInternal
}

// Sentinel errors for the common, named failure cases.
var (
	ErrChannelNotFound  = New(KindNotFound, "channel not found")
	ErrPeerNotFound     = New(KindNotFound, "connection not found")
	ErrAlreadyInRoom    = New(KindConflict, "connection already has an active room")
	ErrUnauthenticated  = New(KindUnauthenticated, "missing or invalid credentials")
	ErrMalformedInit    = New(KindBadRequest, "first frame must be init")
	ErrMalformedEnvelope = New(KindBadRequest, "malformed message envelope")
	ErrStoreUnavailable = New(KindPersistence, "persistence store unavailable")
)

package coap

import (
	"errors"
	"fmt"
)

// ErrorKind enumerates the error kinds surfaced across the message-exchange
// core, per spec.md §7.
type ErrorKind uint8

const (
	// TransmissionTimeout: a CON exhausted MAX_RETRANSMIT without an ACK/RST.
	TransmissionTimeout ErrorKind = iota
	// PeerReset: the peer answered with RST.
	PeerReset
	// NoResponse: a pending client request expired at EXCHANGE_LIFETIME.
	NoResponse
	// DuplicateSuppressed: diagnostic only; a duplicate (remote, MID) was seen.
	DuplicateSuppressed
	// UnsupportedContentFormat: a notification could not be serialized for an observer.
	UnsupportedContentFormat
	// InvalidMessage: codec failure; the message is dropped (and RST if it was a CON).
	InvalidMessage
	// OptionNotMeaningful: option incompatible with the message's code.
	OptionNotMeaningful
	// Shutdown: the endpoint has stopped accepting new registrations/exchanges.
	Shutdown
)

func (k ErrorKind) String() string {
	switch k {
	case TransmissionTimeout:
		return "TransmissionTimeout"
	case PeerReset:
		return "PeerReset"
	case NoResponse:
		return "NoResponse"
	case DuplicateSuppressed:
		return "DuplicateSuppressed"
	case UnsupportedContentFormat:
		return "UnsupportedContentFormat"
	case InvalidMessage:
		return "InvalidMessage"
	case OptionNotMeaningful:
		return "OptionNotMeaningful"
	case Shutdown:
		return "Shutdown"
	default:
		return fmt.Sprintf("ErrorKind(%d)", uint8(k))
	}
}

// Error is the typed error every component in the core returns or passes to
// a callback/event subscriber. It wraps an optional underlying cause so
// errors.Is/errors.As compose normally with codec or transport errors.
type Error struct {
	Kind    ErrorKind
	Remote  string
	Token   Token
	Cause   error
	Message string
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Remote != "" {
		msg = fmt.Sprintf("%s (remote=%s token=%s)", msg, e.Remote, e.Token)
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target names the same ErrorKind, so callers can write
// errors.Is(err, coap.ErrTransmissionTimeout) against a *coap.Error.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// NewError builds an *Error of the given kind scoped to remote/token.
func NewError(kind ErrorKind, remote string, token Token, cause error) *Error {
	return &Error{Kind: kind, Remote: remote, Token: token, Cause: cause}
}

// Sentinel values usable with errors.Is(err, coap.ErrXxx); only Kind is compared.
var (
	ErrTransmissionTimeout     = &Error{Kind: TransmissionTimeout}
	ErrPeerReset               = &Error{Kind: PeerReset}
	ErrNoResponse              = &Error{Kind: NoResponse}
	ErrDuplicateSuppressed     = &Error{Kind: DuplicateSuppressed}
	ErrUnsupportedContentFormat = &Error{Kind: UnsupportedContentFormat}
	ErrInvalidMessage          = &Error{Kind: InvalidMessage}
	ErrOptionNotMeaningful     = &Error{Kind: OptionNotMeaningful}
	ErrShutdown                = &Error{Kind: Shutdown}
)

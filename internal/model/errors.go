package model

import "fmt"

// Kind classifies an Error for HTTP mapping and retry decisions.
type Kind int

const (
	InvalidRequest Kind = iota
	NotFound
	NotImplemented
	TransportUnavailable
	TransportFailure
	Cancelled
	PairingRejected
	PairingTimeout
	Fatal
)

func (k Kind) String() string {
	switch k {
	case InvalidRequest:
		return "invalid_request"
	case NotFound:
		return "not_found"
	case NotImplemented:
		return "not_implemented"
	case TransportUnavailable:
		return "transport_unavailable"
	case TransportFailure:
		return "transport_failure"
	case Cancelled:
		return "cancelled"
	case PairingRejected:
		return "pairing_rejected"
	case PairingTimeout:
		return "pairing_timeout"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is a classified error carrying one of the Kind constants so HTTP
// handlers and callers can map it to a status code or a retry decision
// without string matching.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap builds an *Error of the given kind, wrapping err.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error, otherwise returns TransportFailure as the conservative default.
func KindOf(err error) Kind {
	var e *Error
	if asError(err, &e) {
		return e.Kind
	}
	return TransportFailure
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

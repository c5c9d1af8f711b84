package nbd

import (
	"errors"
	"fmt"

	"github.com/libnbd-go/nbd/internal/statemachine"
	"github.com/libnbd-go/nbd/internal/transport"
)

// Kind classifies an Error so callers can branch on failure category
// without string matching.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidArgument
	KindNotConnected
	KindProtocolError
	KindUnsupported
	KindShutdown
	KindTlsRequired
	KindTlsRefused
	KindTimeout
	KindIo
)

func (k Kind) String() string {
	switch k {
	case KindInvalidArgument:
		return "invalid_argument"
	case KindNotConnected:
		return "not_connected"
	case KindProtocolError:
		return "protocol_error"
	case KindUnsupported:
		return "unsupported"
	case KindShutdown:
		return "shutdown"
	case KindTlsRequired:
		return "tls_required"
	case KindTlsRefused:
		return "tls_refused"
	case KindTimeout:
		return "timeout"
	case KindIo:
		return "io"
	default:
		return "unknown"
	}
}

// Error is the error type every Handle operation that fails returns,
// carrying enough structure for a caller to branch on Kind or unwrap to
// the underlying cause.
type Error struct {
	Kind    Kind
	Code    uint32
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("nbd: %s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("nbd: %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// classify maps an error surfaced internally (from statemachine or
// transport) into a Kind, wrapping it as *Error.
func classify(err error) *Error {
	if err == nil {
		return nil
	}
	var already *Error
	if errors.As(err, &already) {
		return already
	}

	switch {
	case errors.Is(err, statemachine.ErrTLSRequired):
		return &Error{Kind: KindTlsRequired, Message: "TLS required but not established", Cause: err}
	case errors.Is(err, statemachine.ErrTLSRefused):
		return &Error{Kind: KindTlsRefused, Message: "server refused STARTTLS", Cause: err}
	case errors.Is(err, statemachine.ErrUnsupported):
		return &Error{Kind: KindUnsupported, Message: "option not supported by server", Cause: err}
	case errors.Is(err, statemachine.ErrProtocol):
		return &Error{Kind: KindProtocolError, Message: "protocol violation", Cause: err}
	case errors.Is(err, transport.ErrWouldBlock):
		return &Error{Kind: KindIo, Message: "transport would block", Cause: err}
	default:
		return &Error{Kind: KindIo, Message: "I/O error", Cause: err}
	}
}

var errNotConnected = &Error{Kind: KindNotConnected, Message: "handle is not connected"}

func invalidArgument(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidArgument, Message: fmt.Sprintf(format, args...)}
}

// GetError returns the error recorded by the most recent failing operation on
// h, or nil if no operation has failed yet. A later successful operation does
// not clear it.
func (h *Handle) GetError() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.lastErr == nil {
		return nil
	}
	return h.lastErr
}

// GetErrno returns the Code field of the last recorded error, or 0 if none.
// No error this package records fills in Code, including errors from a
// server reply, so the result is always 0.
func (h *Handle) GetErrno() uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.lastErr == nil {
		return 0
	}
	return h.lastErr.Code
}

// setErr classifies err and records it as h's last error. Most callers
// reach this with h.mu already held (drive/runToCompletion run inside the
// locked section of runSync, pump, and the Opt* methods), so it must not
// lock h.mu itself; Poll, which attach also uses, calls drive without
// taking h.mu.
func (h *Handle) setErr(err error) *Error {
	e := classify(err)
	h.lastErr = e
	if h.logger != nil {
		h.logger.Error("nbd operation failed", "kind", e.Kind.String(), "message", e.Message)
	}
	return e
}

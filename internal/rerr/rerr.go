// Package rerr defines the closed error taxonomy surfaced by the Session
// Router to the Tool Adapter Surface and, through it, to the caller of
// submit. Kinds are enumerated, not ad-hoc strings, so callers can switch on
// them with errors.As.
package rerr

import (
	"errors"
	"fmt"
)

// Kind is one of the closed set of failure categories a submit can reject
// with. Kinds never mix infrastructure failure (link down) with downstream
// semantic failure (extension reported "element not found"); the latter is
// always KindDownstreamError carrying the opaque extension payload.
type Kind string

const (
	// KindUnknownSession: submit referenced a session the router does not know.
	KindUnknownSession Kind = "UNKNOWN_SESSION"
	// KindTabOwnershipConflict: an explicit tabId is owned by another live session.
	KindTabOwnershipConflict Kind = "TAB_OWNERSHIP_CONFLICT"
	// KindQueueOverflow: the per-session queue cap was exceeded.
	KindQueueOverflow Kind = "QUEUE_OVERFLOW"
	// KindRouterSaturated: the global pending-table cap was exceeded.
	KindRouterSaturated Kind = "ROUTER_SATURATED"
	// KindTimeout: the deadline elapsed before a response arrived.
	KindTimeout Kind = "TIMEOUT"
	// KindCancelled: the caller cancelled the submit.
	KindCancelled Kind = "CANCELLED"
	// KindLinkLost: the link-loss grace window elapsed with no reconnect.
	KindLinkLost Kind = "LINK_LOST"
	// KindLinkBackpressureTimeout: send() could not drain before the deadline.
	KindLinkBackpressureTimeout Kind = "LINK_BACKPRESSURE_TIMEOUT"
	// KindSessionClosed: the session ended while the command was in flight or queued.
	KindSessionClosed Kind = "SESSION_CLOSED"
	// KindMalformedResponse: a response arrived but failed envelope validation.
	KindMalformedResponse Kind = "MALFORMED_RESPONSE"
	// KindDownstreamError: the extension returned an error payload for the command.
	KindDownstreamError Kind = "DOWNSTREAM_ERROR"
)

// RouterError is the structured failure type returned by submit and every
// internal operation that can reject a command. It preserves a causal chain
// via Cause so errors.Is/errors.As keep working across the queue/dispatch/
// link boundary, mirroring the teacher's toolerrors.ToolError.
type RouterError struct {
	// Kind is the closed-taxonomy category of the failure.
	Kind Kind
	// Message is the human-readable summary.
	Message string
	// Conflict, set only for KindTabOwnershipConflict, opaquely names the
	// session that already owns the contested tab.
	Conflict string
	// Downstream, set only for KindDownstreamError, carries the extension's
	// own error payload untouched.
	Downstream []byte
	// Cause links to a wrapped lower-level error, if any.
	Cause error
}

// New constructs a RouterError of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *RouterError {
	return &RouterError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs a RouterError of the given kind wrapping cause.
func Wrap(kind Kind, cause error, format string, args ...any) *RouterError {
	return &RouterError{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Error implements the error interface.
func (e *RouterError) Error() string {
	if e == nil {
		return ""
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap supports errors.Is/errors.As against the wrapped cause.
func (e *RouterError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is reports whether target is a RouterError with the same Kind, so callers
// can write errors.Is(err, rerr.New(rerr.KindTimeout, "")) style checks, or
// more idiomatically use KindOf below.
func (e *RouterError) Is(target error) bool {
	var other *RouterError
	if !errors.As(target, &other) {
		return false
	}
	return other.Kind == e.Kind
}

// KindOf extracts the Kind from err if it is (or wraps) a *RouterError.
// Returns "" and false otherwise.
func KindOf(err error) (Kind, bool) {
	var re *RouterError
	if !errors.As(err, &re) {
		return "", false
	}
	return re.Kind, true
}

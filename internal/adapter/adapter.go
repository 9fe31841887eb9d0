// Package adapter implements the Tool Adapter Surface (§4.4): the upstream
// door an AI runtime calls through, translating an opaque session token and
// a named tool call into a Session Router submit and back into a result the
// caller can forward to its model.
package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gasoline-dev/tabrouter/internal/envelope"
	"github.com/gasoline-dev/tabrouter/internal/rerr"
	"github.com/gasoline-dev/tabrouter/internal/router"
	"github.com/gasoline-dev/tabrouter/internal/telemetry"
)

// ToolError is the Tool Adapter Surface's own structured failure type,
// grounded on the teacher's runtime/agent/toolerrors.ToolError: a message
// plus an optional causal chain so errors.Is/As still see through to a
// wrapped *rerr.RouterError when the failure originated at submit.
type ToolError struct {
	Message string
	Cause   error
}

// NewToolError builds a ToolError that does not wrap anything (e.g. an
// adapter-local validation failure).
func NewToolError(message string) *ToolError {
	return &ToolError{Message: message}
}

// ToolErrorFromError wraps err as a ToolError, preserving it as Cause.
func ToolErrorFromError(err error) *ToolError {
	if err == nil {
		return nil
	}
	var te *ToolError
	if errors.As(err, &te) {
		return te
	}
	return &ToolError{Message: err.Error(), Cause: err}
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// Unwrap supports errors.Is/As against the wrapped cause, so callers can
// still recover the original *rerr.RouterError's Kind from a ToolError.
func (e *ToolError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// ToolCall is one incoming invocation from the upstream AI runtime.
type ToolCall struct {
	// SessionToken is the opaque string the AI runtime uses to identify its
	// caller across repeated calls. It is never interpreted, only mapped.
	SessionToken string
	Name         string
	Arguments    json.RawMessage
	// TabID optionally pins the call to a specific tab, as in router.SubmitOptions.
	TabID *envelope.TabID
	// OriginID is an optional caller-supplied echo token forwarded verbatim.
	OriginID envelope.OriginID
	// Deadline overrides the command spec's default deadline when set.
	Deadline time.Time
}

// ToolResult is returned for both success and failure; Error is nil iff the
// call succeeded, mirroring the teacher executor's ToolResult{Error: ...}
// convention so the zero value is never ambiguous.
type ToolResult struct {
	Name    string
	Payload json.RawMessage
	Error   *ToolError
}

// CommandSpec describes one command name the adapter accepts: how to
// validate its arguments and what deadline to apply absent an explicit one
// (§4.4: "setting a sensible default deadline derived from the tool's
// nature").
type CommandSpec struct {
	Name            string
	DefaultDeadline time.Duration
	// Validate checks arguments before they reach the router. A nil
	// Validate accepts anything.
	Validate func(arguments json.RawMessage) error
}

// Option configures an Adapter at construction.
type Option func(*Adapter)

// WithLogger overrides the adapter's logger.
func WithLogger(logger telemetry.Logger) Option {
	return func(a *Adapter) { a.logger = logger }
}

// WithEventSink installs the per-session event sink handed to
// router.EnsureSession on first contact for a session token.
func WithEventSink(sink func(sessionToken string) func(envelope.Frame)) Option {
	return func(a *Adapter) { a.eventSink = sink }
}

// Adapter is the Tool Adapter Surface. One Adapter wraps exactly one Router.
type Adapter struct {
	router *router.Router
	logger telemetry.Logger

	specs map[string]CommandSpec

	mu       sync.Mutex
	sessions map[string]envelope.SessionID

	eventSink func(sessionToken string) func(envelope.Frame)
}

// New constructs an Adapter bound to r, accepting only the command names
// named in specs.
func New(r *router.Router, specs []CommandSpec, opts ...Option) *Adapter {
	a := &Adapter{
		router:   r,
		logger:   telemetry.NewNoopLogger(),
		specs:    make(map[string]CommandSpec, len(specs)),
		sessions: make(map[string]envelope.SessionID),
	}
	for _, s := range specs {
		a.specs[s.Name] = s
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// HandleToolCall implements §4.4's handleToolCall contract.
func (a *Adapter) HandleToolCall(ctx context.Context, call ToolCall) *ToolResult {
	if call.SessionToken == "" {
		return &ToolResult{Name: call.Name, Error: NewToolError("sessionToken is required")}
	}
	if call.Name == "" {
		return &ToolResult{Error: NewToolError("tool name is required")}
	}

	spec, ok := a.specs[call.Name]
	if !ok {
		return &ToolResult{Name: call.Name, Error: NewToolError(fmt.Sprintf("unknown tool %q", call.Name))}
	}
	if spec.Validate != nil {
		if err := spec.Validate(call.Arguments); err != nil {
			return &ToolResult{Name: call.Name, Error: NewToolError(fmt.Sprintf("invalid arguments for %q: %v", call.Name, err))}
		}
	}

	sessionID, err := a.sessionFor(ctx, call.SessionToken)
	if err != nil {
		return &ToolResult{Name: call.Name, Error: ToolErrorFromError(err)}
	}

	deadline := call.Deadline
	if deadline.IsZero() {
		deadline = time.Now().Add(spec.DefaultDeadline)
	}

	payload, err := a.router.Submit(ctx, sessionID, call.Name, call.Arguments, router.SubmitOptions{
		TabID:    call.TabID,
		OriginID: call.OriginID,
		Deadline: deadline,
	})
	if err != nil {
		var re *rerr.RouterError
		if errors.As(err, &re) {
			a.logger.Debug(ctx, "submit rejected", "tool", call.Name, "kind", string(re.Kind))
		}
		return &ToolResult{Name: call.Name, Error: ToolErrorFromError(err)}
	}
	return &ToolResult{Name: call.Name, Payload: payload}
}

// sessionFor resolves sessionToken to a router SessionId, minting a fresh
// one (and its SessionRecord) on first contact.
func (a *Adapter) sessionFor(ctx context.Context, sessionToken string) (envelope.SessionID, error) {
	a.mu.Lock()
	id, ok := a.sessions[sessionToken]
	a.mu.Unlock()
	if ok {
		return id, nil
	}

	id = envelope.NewSessionID()
	var sink func(envelope.Frame)
	if a.eventSink != nil {
		sink = a.eventSink(sessionToken)
	}
	if err := a.router.EnsureSession(ctx, id, sink); err != nil {
		return "", err
	}

	a.mu.Lock()
	if existing, ok := a.sessions[sessionToken]; ok {
		// Lost a first-contact race against a concurrent call for the same
		// token; keep the session that won and let this one's EnsureSession
		// stand as a harmless no-op for an id nobody will ever submit under.
		id = existing
	} else {
		a.sessions[sessionToken] = id
	}
	a.mu.Unlock()
	return id, nil
}

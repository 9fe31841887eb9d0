// Package envelope defines the wire shape shared by every frame exchanged
// between the Session Router and the browser extension, and the identifier
// types that keep the three id namespaces (session, wire, origin) from
// colliding.
package envelope

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

type (
	// FrameType distinguishes the kinds of frame carried on the extension
	// link: command, response, event, and the outbound cancel notice.
	FrameType string

	// SessionID is the opaque identifier the Tool Adapter Surface assigns on
	// first contact from an upstream caller. It is preserved verbatim in
	// every frame for that caller and is never reused for the lifetime of
	// the process.
	SessionID string

	// WireID is the opaque identifier the Session Router assigns at the
	// instant a command is dispatched on the extension link. It is the
	// sole correlation key between an outbound command and its inbound
	// response; it is never assigned by the caller and never reused, even
	// across sessions.
	WireID string

	// OriginID is the opaque, caller-supplied echo token. It may repeat or
	// be absent and is never used for routing.
	OriginID string

	// TabID is the integer tab identifier assigned by the browser. The
	// router treats it as an opaque key.
	TabID int

	// Frame is the single message shape that carries commands, responses,
	// and unsolicited events between every hop.
	Frame struct {
		Type      FrameType       `json:"type"`
		WireID    WireID          `json:"wireId,omitempty"`
		SessionID SessionID       `json:"sessionId"`
		OriginID  OriginID        `json:"originId,omitempty"`
		Name      string          `json:"name,omitempty"`
		Payload   json.RawMessage `json:"payload,omitempty"`
		TabID     *TabID          `json:"tabId,omitempty"`
		Error     *FrameError     `json:"error,omitempty"`
	}

	// FrameError is the opaque error payload an extension attaches to a
	// response frame that failed. The router never inspects its contents;
	// it is surfaced to the caller verbatim as DOWNSTREAM_ERROR.
	FrameError struct {
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data,omitempty"`
	}
)

const (
	// FrameCommand is an outbound frame dispatched to the extension.
	FrameCommand FrameType = "command"
	// FrameResponse is an inbound reply to a previously dispatched command.
	FrameResponse FrameType = "response"
	// FrameEvent is an inbound, unsolicited notification from the extension.
	FrameEvent FrameType = "event"
	// FrameCancel is an outbound, best-effort notice that a previously
	// dispatched wireId's caller gave up. The extension is not required to
	// acknowledge it and the router never waits on one.
	FrameCancel FrameType = "cancel"
)

// NewWireID mints a fresh, process-globally-unique wire id. Called only at
// dispatch time by the Session Router; never by a caller.
func NewWireID() WireID {
	return WireID(uuid.NewString())
}

// NewSessionID mints a fresh session id for a first-contact upstream caller.
func NewSessionID() SessionID {
	return SessionID(uuid.NewString())
}

// ValidateCommand checks the outbound-command contract from §4.1: a command
// must carry a fresh wire id, a session id, and a name.
func ValidateCommand(f Frame) error {
	if f.Type != FrameCommand {
		return fmt.Errorf("envelope: frame type %q is not a command", f.Type)
	}
	if f.WireID == "" {
		return fmt.Errorf("envelope: command frame missing wireId")
	}
	if f.SessionID == "" {
		return fmt.Errorf("envelope: command frame missing sessionId")
	}
	if f.Name == "" {
		return fmt.Errorf("envelope: command frame missing name")
	}
	return nil
}

// ValidateResponse checks the inbound-response contract from §4.1: a
// response must echo wireId and sessionId, and carry exactly one of payload
// or error.
func ValidateResponse(f Frame) error {
	if f.Type != FrameResponse {
		return fmt.Errorf("envelope: frame type %q is not a response", f.Type)
	}
	if f.WireID == "" {
		return fmt.Errorf("envelope: response frame missing wireId")
	}
	if f.SessionID == "" {
		return fmt.Errorf("envelope: response frame missing sessionId")
	}
	hasPayload := len(f.Payload) > 0
	hasError := f.Error != nil
	if hasPayload == hasError {
		return fmt.Errorf("envelope: response frame must carry exactly one of payload or error")
	}
	return nil
}

// ValidateEvent checks the inbound-event contract from §4.1: an event must
// carry a session id and a name.
func ValidateEvent(f Frame) error {
	if f.Type != FrameEvent {
		return fmt.Errorf("envelope: frame type %q is not an event", f.Type)
	}
	if f.SessionID == "" {
		return fmt.Errorf("envelope: event frame missing sessionId")
	}
	if f.Name == "" {
		return fmt.Errorf("envelope: event frame missing name")
	}
	return nil
}

package router

import (
	"context"
	"time"

	"github.com/gasoline-dev/tabrouter/internal/envelope"
)

// Link is the narrow contract the Router depends on for the extension
// connection (§4.2). The concrete implementation (internal/extlink) owns the
// socket, heartbeat, and backpressure; the router only needs to send frames
// and receive callbacks. Modeled after the teacher's runtime/mcp.Caller
// seam: the consumer owns the interface, the transport owns the
// implementation.
type Link interface {
	// Send serializes and pushes frame onto the link's outbound stream.
	// Send suspends (from the caller's point of view — the router issues it
	// from a helper goroutine, never from the actor loop itself) until the
	// frame is handed to the transport, or returns LINK_BACKPRESSURE_TIMEOUT
	// if deadline elapses first.
	Send(ctx context.Context, frame envelope.Frame, deadline time.Time) error

	// Cancel sends a best-effort cancel frame referencing wireID. Errors are
	// not actionable and are not returned.
	Cancel(wireID envelope.WireID)

	// OnFrame registers the handler invoked for every inbound frame, in
	// link-receipt order. Only one handler may be registered; Bind-time
	// wiring calls this once before the link starts running.
	OnFrame(handler func(envelope.Frame))

	// OnBind registers the handler invoked every time a new link becomes
	// the active one (first connect, or reconnect after a loss).
	OnBind(handler func())

	// OnLost registers the handler invoked when the active link fails
	// (heartbeat miss or close). A link replaced by a newer one is reported
	// through OnBind, not OnLost.
	OnLost(handler func())
}

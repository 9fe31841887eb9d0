package router

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gasoline-dev/tabrouter/internal/envelope"
	"github.com/gasoline-dev/tabrouter/internal/rerr"
	"github.com/gasoline-dev/tabrouter/internal/telemetry"
)

// SubmitOptions carries the per-call knobs accepted by Submit, mirroring
// §4.3's submit(sessionId, name, payload, {tabId?, originId?, deadline}).
type SubmitOptions struct {
	TabID    *envelope.TabID
	OriginID envelope.OriginID
	Deadline time.Time
}

// Submit accepts one command for sessionId and resolves with the extension's
// response payload, or rejects with a *rerr.RouterError from the closed
// taxonomy (§7). Submit never blocks commands belonging to other sessions;
// the only shared contention point is the Extension Link's outbound buffer,
// a single FIFO shared by all sessions with no per-session fairness.
func (r *Router) Submit(ctx context.Context, sessionID envelope.SessionID, name string, payload json.RawMessage, opts SubmitOptions) (json.RawMessage, error) {
	if sessionID == "" {
		return nil, rerr.New(rerr.KindUnknownSession, "sessionId is required")
	}
	if name == "" {
		return nil, rerr.New(rerr.KindUnknownSession, "command name is required")
	}
	if !opts.Deadline.After(r.now()) {
		// Deadline = now (or already past): reject without dispatching,
		// per §8 boundary behavior.
		return nil, rerr.New(rerr.KindTimeout, "deadline already elapsed")
	}

	type result struct {
		payload json.RawMessage
		err     error
	}
	resCh := make(chan result, 1)
	resolve := func(p json.RawMessage) { resCh <- result{payload: p} }
	reject := func(err error) { resCh <- result{err: err} }
	token := new(struct{})

	accepted := make(chan error, 1)
	r.post(func() {
		accepted <- r.acceptSubmit(sessionID, name, payload, opts, token, resolve, reject)
	})

	select {
	case err := <-accepted:
		if err != nil {
			return nil, err
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.stop:
		return nil, rerr.New(rerr.KindSessionClosed, "router is shutting down")
	}

	select {
	case res := <-resCh:
		return res.payload, res.err
	case <-r.stop:
		return nil, rerr.New(rerr.KindSessionClosed, "router is shutting down")
	case <-ctx.Done():
		// Upstream cancellation: remove from pending/queue, reject with
		// CANCELLED, best-effort cancel frame on the link (§4.3 Cancellation).
		wireID := make(chan envelope.WireID, 1)
		r.post(func() { r.cancelSubmit(sessionID, token, wireID) })
		select {
		case wid := <-wireID:
			if wid != "" {
				r.link.Cancel(wid)
			}
		case <-r.stop:
		}
		select {
		case res := <-resCh:
			return res.payload, res.err
		default:
			return nil, rerr.New(rerr.KindCancelled, "submit cancelled by caller")
		}
	}
}

// acceptSubmit runs on the actor loop. It validates the session exists,
// enforces resource bounds, and either dispatches immediately or enqueues.
func (r *Router) acceptSubmit(sessionID envelope.SessionID, name string, payload json.RawMessage, opts SubmitOptions, token *struct{}, resolve func(json.RawMessage), reject func(error)) error {
	sess, ok := r.sessions[sessionID]
	if !ok || sess.ended {
		return rerr.New(rerr.KindUnknownSession, "session %q is not known to the router", sessionID)
	}
	if r.pendingN >= r.cfg.PendingHardCap {
		r.metrics.IncCounter(telemetry.MetricSaturated, 1)
		return rerr.New(rerr.KindRouterSaturated, "global pending table at capacity (%d)", r.cfg.PendingHardCap)
	}
	if !sess.limiter.Allow() {
		r.metrics.IncCounter(telemetry.MetricQueueOverflow, 1, "sessionId", string(sessionID))
		return rerr.New(rerr.KindQueueOverflow, "session %q submitting faster than its allowed rate", sessionID)
	}

	sess.LastActivityAt = r.now()
	qc := &QueuedCommand{
		Name: name, Payload: payload, OriginID: opts.OriginID, TabID: opts.TabID,
		Deadline: opts.Deadline, token: token, resolve: resolve, reject: reject,
	}

	if !sess.Busy {
		sess.Busy = true
		r.beginDispatch(sess, qc)
		return nil
	}

	if len(sess.Queue) >= r.cfg.QueueSoftCap {
		r.metrics.IncCounter(telemetry.MetricQueueOverflow, 1, "sessionId", string(sessionID))
		return rerr.New(rerr.KindQueueOverflow, "session %q queue at capacity (%d)", sessionID, r.cfg.QueueSoftCap)
	}
	sess.Queue = append(sess.Queue, qc)
	return nil
}

// cancelSubmit runs on the actor loop in response to upstream context
// cancellation. It removes the command from wherever it currently lives
// (queue or pending) and reports the wire id (if any) so a best-effort
// cancel frame can be sent outside the actor loop.
func (r *Router) cancelSubmit(sessionID envelope.SessionID, token *struct{}, wireIDOut chan<- envelope.WireID) {
	sess, ok := r.sessions[sessionID]
	if !ok {
		wireIDOut <- ""
		return
	}
	// headWait: the command is parked awaiting an internal createTab
	// prerequisite. The prerequisite itself is left running (it has no
	// caller-facing handle to cancel) but the parked command settles now.
	if qc := sess.headWait; qc != nil && qc.token == token {
		sess.headWait = nil
		if !qc.settled {
			qc.settled = true
			stopTimer(qc.timer)
			r.metrics.IncCounter(telemetry.MetricCancelled, 1)
			qc.reject(rerr.New(rerr.KindCancelled, "submit cancelled while awaiting tab creation"))
		}
		wireIDOut <- ""
		r.processQueue(sess)
		return
	}
	// Queue next: cheap, and a queued command has no wire id yet.
	for i, qc := range sess.Queue {
		if qc.token == token {
			sess.Queue = append(sess.Queue[:i], sess.Queue[i+1:]...)
			r.metrics.IncCounter(telemetry.MetricCancelled, 1)
			qc.reject(rerr.New(rerr.KindCancelled, "submit cancelled while queued"))
			wireIDOut <- ""
			return
		}
	}
	for wireID, pc := range sess.Pending {
		if pc.token == token {
			r.metrics.IncCounter(telemetry.MetricCancelled, 1)
			r.settlePending(sess, pc, nil, rerr.New(rerr.KindCancelled, "submit cancelled in flight"))
			wireIDOut <- wireID
			return
		}
	}
	wireIDOut <- ""
}

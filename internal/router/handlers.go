package router

import (
	"context"

	"github.com/gasoline-dev/tabrouter/internal/envelope"
	"github.com/gasoline-dev/tabrouter/internal/rerr"
	"github.com/gasoline-dev/tabrouter/internal/telemetry"
)

// handleInboundFrame dispatches one frame received from the link to the
// session it names, by frame type (§4.1). Malformed or unroutable frames are
// dropped with a logged warning rather than propagated, matching §7's
// "malformed frames never crash the router" requirement.
func (r *Router) handleInboundFrame(f envelope.Frame) {
	switch f.Type {
	case envelope.FrameResponse:
		r.handleResponseFrame(f)
	case envelope.FrameEvent:
		r.handleEventFrame(f)
	default:
		r.logger.Warn(context.Background(), "dropped frame with unexpected type", "type", string(f.Type))
	}
}

func (r *Router) handleResponseFrame(f envelope.Frame) {
	if err := envelope.ValidateResponse(f); err != nil {
		r.logger.Warn(context.Background(), "dropped malformed response frame", "error", err.Error())
		return
	}
	sess, ok := r.sessions[f.SessionID]
	if !ok {
		r.logger.Warn(context.Background(), "dropped response for unknown session", "sessionId", string(f.SessionID))
		return
	}
	pc, ok := sess.Pending[f.WireID]
	if !ok {
		// Stale: the command already settled (timeout/cancel) before this
		// response arrived. Not an error.
		return
	}
	if f.Error != nil {
		r.metrics.IncCounter(telemetry.MetricResolved, 1, "command", pc.Name, "outcome", "error")
		downstreamErr := rerr.New(rerr.KindDownstreamError, "%s", f.Error.Message)
		downstreamErr.Downstream = f.Error.Data
		r.settlePending(sess, pc, nil, downstreamErr)
		return
	}
	r.metrics.IncCounter(telemetry.MetricResolved, 1, "command", pc.Name, "outcome", "ok")
	r.settlePending(sess, pc, f.Payload, nil)
}

// tabClosedEventName is the unsolicited event the extension sends when a
// tab it owns is closed (by the user or the extension itself), distinct
// from the caller-issued closeTab command (§4.3: "closeTab(tabId) from
// upstream, or a tabClosed event from downstream").
const tabClosedEventName = "tabClosed"

func (r *Router) handleEventFrame(f envelope.Frame) {
	if err := envelope.ValidateEvent(f); err != nil {
		r.logger.Warn(context.Background(), "dropped malformed event frame", "error", err.Error())
		return
	}
	sess, ok := r.sessions[f.SessionID]
	if !ok {
		r.logger.Warn(context.Background(), "dropped event for unknown session", "sessionId", string(f.SessionID))
		return
	}
	if f.TabID != nil {
		if _, owned := sess.OwnedTabs[*f.TabID]; !owned {
			r.metrics.IncCounter(telemetry.MetricEventDropped, 1, "sessionId", string(f.SessionID))
			r.logger.Warn(context.Background(), "dropped event for tab not owned by claimed session",
				"sessionId", string(f.SessionID), "tabId", int(*f.TabID), "name", f.Name)
			return
		}
		if f.Name == tabClosedEventName {
			r.releaseTab(sess, *f.TabID)
		}
	}
	if sess.eventSink != nil {
		sess.eventSink(f)
	}
}

// handleLinkBound runs when a link becomes active (first connect or
// reconnect). Every session waiting out a grace window resumes: its
// in-flight commands are re-sent using their original WireIDs (§4.2
// reconnect behavior — WireID is the sole correlation key, so a resend is
// transparent to the extension and to the caller).
func (r *Router) handleLinkBound() {
	r.linkUp = true
	r.logger.Info(context.Background(), "extension link bound")
	for _, sess := range r.sessions {
		if sess.GraceDeadline == nil {
			continue
		}
		sess.GraceDeadline = nil
		for _, pc := range sess.Pending {
			if pc.settled {
				continue
			}
			r.sendFrame(sess.ID, pc, r.reconstructFrame(sess, pc))
		}
	}
}

// handleLinkLost runs when the active link fails. Every session with live
// work gets a grace window (§4.3 Link loss behavior) before its pending and
// queued commands are rejected with LINK_LOST and its tabs released.
func (r *Router) handleLinkLost() {
	r.linkUp = false
	r.logger.Warn(context.Background(), "extension link lost")
	for _, sess := range r.sessions {
		if sess.GraceDeadline != nil {
			continue
		}
		if len(sess.Pending) == 0 && len(sess.Queue) == 0 && sess.headWait == nil && len(sess.OwnedTabs) == 0 {
			continue
		}
		r.metrics.IncCounter(telemetry.MetricLinkLost, 1)
		r.armGraceTimer(sess)
	}
}

func (r *Router) reconstructFrame(sess *SessionRecord, pc *PendingCommand) envelope.Frame {
	return envelope.Frame{
		Type:      envelope.FrameCommand,
		WireID:    pc.WireID,
		SessionID: sess.ID,
		OriginID:  pc.OriginID,
		Name:      pc.Name,
		Payload:   pc.Payload,
		TabID:     pc.TargetTab,
	}
}

// EndSession tears a session down (§4.3 endSession). Immediate mode rejects
// every pending and queued command with SESSION_CLOSED right away and
// releases all owned tabs; graceful mode lets in-flight and queued work
// drain naturally (up to GracefulDrainCap queued commands) and finalizes the
// session once it goes idle.
func (r *Router) EndSession(ctx context.Context, sessionID envelope.SessionID, graceful bool) error {
	return r.call(ctx, func() { r.endSession(sessionID, graceful) })
}

func (r *Router) endSession(sessionID envelope.SessionID, graceful bool) {
	sess, ok := r.sessions[sessionID]
	if !ok || sess.ended {
		return
	}
	sess.ended = true
	r.logger.Info(context.Background(), "session ending", "sessionId", string(sessionID), "graceful", graceful)

	if graceful {
		if len(sess.Queue) > r.cfg.GracefulDrainCap {
			dropped := sess.Queue[r.cfg.GracefulDrainCap:]
			sess.Queue = sess.Queue[:r.cfg.GracefulDrainCap]
			for _, qc := range dropped {
				qc.reject(rerr.New(rerr.KindSessionClosed, "session ending, queue drain cap reached"))
			}
		}
		r.finalizeSessionIfDone(sess)
		return
	}

	r.forceEndSession(sess)
}

// forceEndSession rejects everything outstanding for sess immediately and
// removes it from the router.
func (r *Router) forceEndSession(sess *SessionRecord) {
	if sess.headWait != nil {
		qc := sess.headWait
		sess.headWait = nil
		if !qc.settled {
			qc.settled = true
			stopTimer(qc.timer)
			qc.reject(rerr.New(rerr.KindSessionClosed, "session ended"))
		}
	}
	for wireID, pc := range sess.Pending {
		if pc.settled {
			continue
		}
		pc.settled = true
		stopTimer(pc.timer)
		delete(sess.Pending, wireID)
		r.pendingN--
		pc.reject(rerr.New(rerr.KindSessionClosed, "session ended"))
	}
	for _, qc := range sess.Queue {
		qc.reject(rerr.New(rerr.KindSessionClosed, "session ended"))
	}
	sess.Queue = nil
	sess.Busy = false
	for _, tabID := range ownedTabIDs(sess) {
		r.releaseTab(sess, tabID)
	}
	delete(r.sessions, sess.ID)
}

// finalizeSessionIfDone removes sess from the router once it has gone fully
// idle after a graceful EndSession request.
func (r *Router) finalizeSessionIfDone(sess *SessionRecord) {
	if !sess.ended || sess.Busy || len(sess.Queue) != 0 {
		return
	}
	for _, tabID := range ownedTabIDs(sess) {
		r.releaseTab(sess, tabID)
	}
	delete(r.sessions, sess.ID)
	r.logger.Info(context.Background(), "session ended", "sessionId", string(sess.ID))
}

package router

import (
	"time"

	"github.com/gasoline-dev/tabrouter/internal/envelope"
	"github.com/gasoline-dev/tabrouter/internal/rerr"
	"github.com/gasoline-dev/tabrouter/internal/telemetry"
)

// createTabTimeout bounds how long an internally issued createTab
// prerequisite is given to complete on the link. It is independent of the
// deadline on the command that depends on it: a parent command can time out
// first while createTab keeps running, per §9's coroutine-style suspension.
const createTabTimeout = 30 * time.Second

// Every timer callback below does nothing but post a closure onto the
// mailbox; no SessionRecord or Router field is ever touched from a timer
// goroutine directly.

// armPendingDeadline schedules pc's TIMEOUT rejection at pc.Deadline.
func (r *Router) armPendingDeadline(sess *SessionRecord, pc *PendingCommand) {
	d := pc.Deadline.Sub(r.now())
	if d < 0 {
		d = 0
	}
	sessionID, wireID := sess.ID, pc.WireID
	pc.timer = time.AfterFunc(d, func() {
		r.post(func() { r.onPendingDeadline(sessionID, wireID) })
	})
}

func (r *Router) onPendingDeadline(sessionID envelope.SessionID, wireID envelope.WireID) {
	sess, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	pc, ok := sess.Pending[wireID]
	if !ok || pc.settled {
		return
	}
	r.metrics.IncCounter(telemetry.MetricTimeout, 1, "command", pc.Name)
	r.settlePending(sess, pc, nil, rerr.New(rerr.KindTimeout, "command %q timed out awaiting a response", pc.Name))
}

// armHeadWaitDeadline schedules qc's TIMEOUT rejection while it is parked on
// sess.headWait awaiting an internal createTab prerequisite.
func (r *Router) armHeadWaitDeadline(sess *SessionRecord, qc *QueuedCommand) {
	d := qc.Deadline.Sub(r.now())
	if d < 0 {
		d = 0
	}
	sessionID := sess.ID
	qc.timer = time.AfterFunc(d, func() {
		r.post(func() { r.onHeadWaitDeadline(sessionID, qc) })
	})
}

func (r *Router) onHeadWaitDeadline(sessionID envelope.SessionID, qc *QueuedCommand) {
	sess, ok := r.sessions[sessionID]
	if !ok || qc.settled {
		return
	}
	qc.settled = true
	if sess.headWait == qc {
		sess.headWait = nil
	}
	r.metrics.IncCounter(telemetry.MetricTimeout, 1, "command", qc.Name)
	qc.reject(rerr.New(rerr.KindTimeout, "command %q timed out awaiting tab creation", qc.Name))
	r.processQueue(sess)
}

// armGraceTimer starts sess's link-loss grace window (§4.3 Link loss
// behavior). Fires LINK_LOST for everything still outstanding if no
// reconnect happens first.
func (r *Router) armGraceTimer(sess *SessionRecord) {
	deadline := r.now().Add(r.cfg.LinkGraceWindow)
	sess.GraceDeadline = &deadline
	sessionID := sess.ID
	time.AfterFunc(r.cfg.LinkGraceWindow, func() {
		r.post(func() { r.onGraceExpired(sessionID, deadline) })
	})
}

func (r *Router) onGraceExpired(sessionID envelope.SessionID, deadline time.Time) {
	sess, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	// A reconnect (handleLinkBound) clears GraceDeadline; a second link loss
	// before this timer fired would have replaced it with a later deadline.
	if sess.GraceDeadline == nil || !sess.GraceDeadline.Equal(deadline) {
		return
	}
	sess.GraceDeadline = nil

	for _, tabID := range ownedTabIDs(sess) {
		r.releaseTab(sess, tabID)
	}
	if sess.headWait != nil {
		qc := sess.headWait
		sess.headWait = nil
		if !qc.settled {
			qc.settled = true
			stopTimer(qc.timer)
			qc.reject(rerr.New(rerr.KindLinkLost, "extension link lost before reconnect"))
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
		pc.reject(rerr.New(rerr.KindLinkLost, "extension link lost before reconnect"))
	}
	for _, qc := range sess.Queue {
		qc.reject(rerr.New(rerr.KindLinkLost, "extension link lost before reconnect"))
	}
	sess.Queue = nil
	sess.Busy = false
}

func ownedTabIDs(sess *SessionRecord) []envelope.TabID {
	ids := make([]envelope.TabID, 0, len(sess.OwnedTabs))
	for id := range sess.OwnedTabs {
		ids = append(ids, id)
	}
	return ids
}

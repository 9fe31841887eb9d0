package router

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gasoline-dev/tabrouter/internal/envelope"
	"github.com/gasoline-dev/tabrouter/internal/rerr"
	"github.com/gasoline-dev/tabrouter/internal/telemetry"
)

// createTabResult is the shape of the payload returned by the extension for
// an internally issued createTab prerequisite.
type createTabResult struct {
	TabID envelope.TabID `json:"tabId"`
}

// beginDispatch resolves head (and, if head settles synchronously without
// ever reaching the link, every command behind it) until either a command is
// actually in flight or the queue runs dry. Callers set sess.Busy = true
// before calling; beginDispatch clears it only when the queue empties
// without anything landing in flight.
func (r *Router) beginDispatch(sess *SessionRecord, head *QueuedCommand) {
	qc := head
	for {
		if err := r.tryDispatch(sess, qc); err != nil {
			qc.reject(err)
			next := sess.popQueueFront()
			if next == nil {
				sess.Busy = false
				r.finalizeSessionIfDone(sess)
				return
			}
			qc = next
			continue
		}
		return
	}
}

// processQueue advances sess after its current head settles. Called only
// when sess.Busy is about to become false.
func (r *Router) processQueue(sess *SessionRecord) {
	next := sess.popQueueFront()
	if next == nil {
		sess.Busy = false
		r.finalizeSessionIfDone(sess)
		return
	}
	sess.Busy = true
	r.beginDispatch(sess, next)
}

// tryDispatch attempts to move qc from "queued" to "in flight", returning a
// synchronous rejection error if the command cannot proceed at all (expired
// deadline, live tab ownership conflict). A nil return means qc is now
// either dispatched on the link or waiting on an internal createTab
// prerequisite; in both cases the session remains Busy until some future
// mailbox event settles it.
func (r *Router) tryDispatch(sess *SessionRecord, qc *QueuedCommand) error {
	if !qc.Deadline.After(r.now()) {
		return rerr.New(rerr.KindTimeout, "deadline already elapsed before dispatch")
	}

	if qc.TabID != nil {
		return r.tryDispatchExplicitTab(sess, qc)
	}
	if sess.CurrentTabID != nil {
		r.dispatchToTab(sess, qc, *sess.CurrentTabID)
		return nil
	}
	r.dispatchViaCreateTab(sess, qc)
	return nil
}

// tryDispatchExplicitTab implements the tab assignment state machine for a
// command carrying an explicit tabId (§4.3 Tab assignment).
func (r *Router) tryDispatchExplicitTab(sess *SessionRecord, qc *QueuedCommand) error {
	tabID := *qc.TabID
	owner, owned := r.tabOwners[tabID]

	if !owned {
		r.acquireTab(sess, tabID)
		r.dispatchToTab(sess, qc, tabID)
		return nil
	}
	if owner == sess.ID {
		sess.CurrentTabID = &tabID
		r.dispatchToTab(sess, qc, tabID)
		return nil
	}

	ownerSess, ok := r.sessions[owner]
	if !ok || ownerSess.ended || r.reclaimable(ownerSess) {
		if ok {
			r.releaseTab(ownerSess, tabID)
		} else {
			delete(r.tabOwners, tabID)
		}
		r.acquireTab(sess, tabID)
		r.dispatchToTab(sess, qc, tabID)
		return nil
	}

	r.metrics.IncCounter(telemetry.MetricConflict, 1)
	return rerrConflict(owner)
}

// reclaimable reports whether sess's link-loss grace window has expired,
// making its owned tabs eligible for reclamation by another session.
func (r *Router) reclaimable(sess *SessionRecord) bool {
	return sess.GraceDeadline != nil && !r.now().Before(*sess.GraceDeadline)
}

func (r *Router) acquireTab(sess *SessionRecord, tabID envelope.TabID) {
	r.tabOwners[tabID] = sess.ID
	sess.OwnedTabs[tabID] = struct{}{}
	sess.CurrentTabID = &tabID
}

func (r *Router) releaseTab(sess *SessionRecord, tabID envelope.TabID) {
	delete(sess.OwnedTabs, tabID)
	if sess.CurrentTabID != nil && *sess.CurrentTabID == tabID {
		sess.CurrentTabID = nil
	}
	delete(r.tabOwners, tabID)
}

// dispatchToTab turns qc into a PendingCommand targeting tabID and sends it
// on the link.
func (r *Router) dispatchToTab(sess *SessionRecord, qc *QueuedCommand, tabID envelope.TabID) {
	wireID := envelope.NewWireID()
	pc := &PendingCommand{
		WireID:      wireID,
		OriginID:    qc.OriginID,
		Name:        qc.Name,
		Payload:     qc.Payload,
		SubmittedAt: r.now(),
		Deadline:    qc.Deadline,
		TargetTab:   &tabID,
		token:       qc.token,
		resolve:     qc.resolve,
		reject:      qc.reject,
	}
	r.armPendingDeadline(sess, pc)
	sess.Pending[wireID] = pc
	r.pendingN++

	frame := envelope.Frame{
		Type:      envelope.FrameCommand,
		WireID:    wireID,
		SessionID: sess.ID,
		OriginID:  qc.OriginID,
		Name:      qc.Name,
		Payload:   qc.Payload,
		TabID:     &tabID,
	}
	r.metrics.IncCounter(telemetry.MetricDispatch, 1, "command", qc.Name)
	r.sendFrame(sess.ID, pc, frame)
}

// dispatchViaCreateTab issues the internal createTab prerequisite and parks
// qc on sess.headWait until it resolves (§4.3 No tabId: no current tab).
func (r *Router) dispatchViaCreateTab(sess *SessionRecord, qc *QueuedCommand) {
	sess.headWait = qc
	r.armHeadWaitDeadline(sess, qc)

	wireID := envelope.NewWireID()
	pc := &PendingCommand{
		WireID:       wireID,
		Name:         createTabCommandName,
		SubmittedAt:  r.now(),
		Deadline:     r.now().Add(createTabTimeout),
		prerequisite: true,
		resolve: func(payload json.RawMessage) {
			r.onCreateTabResolved(sess, qc, payload)
		},
		reject: func(err error) {
			r.onCreateTabRejected(sess, qc, err)
		},
	}
	// pc.Deadline is createTabTimeout, independent of qc.Deadline (tracked
	// separately by armHeadWaitDeadline), so createTab keeps running even if
	// the parent command's own deadline elapses first.
	r.armPendingDeadline(sess, pc)
	sess.Pending[wireID] = pc
	r.pendingN++

	frame := envelope.Frame{
		Type:      envelope.FrameCommand,
		WireID:    wireID,
		SessionID: sess.ID,
		Name:      createTabCommandName,
	}
	r.sendFrame(sess.ID, pc, frame)
}

// onCreateTabResolved runs when the internal createTab prerequisite
// succeeds. If qc was already settled (its own deadline fired first), the
// new tab is still recorded as owned by sess but nothing is dispatched.
func (r *Router) onCreateTabResolved(sess *SessionRecord, qc *QueuedCommand, payload json.RawMessage) {
	var result createTabResult
	if err := json.Unmarshal(payload, &result); err != nil {
		r.onCreateTabRejected(sess, qc, rerr.Wrap(rerr.KindMalformedResponse, err, "createTab response did not carry a tabId"))
		return
	}

	stopTimer(qc.timer)
	if sess.headWait == qc {
		sess.headWait = nil
	}
	r.acquireTab(sess, result.TabID)

	if qc.settled {
		// Parent already timed out or was cancelled, and the queue already
		// advanced past it (onHeadWaitDeadline / cancelSubmit); ownership
		// bookkeeping above still applies, but there is nothing left to
		// dispatch or re-advance.
		return
	}
	qc.settled = true
	r.dispatchToTab(sess, qc, result.TabID)
}

// onCreateTabRejected runs when the createTab prerequisite itself fails.
func (r *Router) onCreateTabRejected(sess *SessionRecord, qc *QueuedCommand, err error) {
	stopTimer(qc.timer)
	alreadySettled := qc.settled
	if sess.headWait == qc {
		sess.headWait = nil
	}
	if !alreadySettled {
		qc.settled = true
		qc.reject(err)
		r.processQueue(sess)
	}
}

// sendFrame pushes frame to the link from a helper goroutine so the actor
// loop is never blocked by link backpressure, then reports the outcome back
// onto the mailbox.
func (r *Router) sendFrame(sessionID envelope.SessionID, pc *PendingCommand, frame envelope.Frame) {
	link := r.link
	deadline := pc.Deadline
	go func() {
		err := link.Send(context.Background(), frame, deadline)
		r.post(func() { r.handleSendResult(sessionID, pc.WireID, err) })
	}()
}

func (r *Router) handleSendResult(sessionID envelope.SessionID, wireID envelope.WireID, err error) {
	if err == nil {
		return
	}
	sess, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	pc, ok := sess.Pending[wireID]
	if !ok {
		return
	}
	kind := rerr.KindLinkBackpressureTimeout
	if k, ok := rerr.KindOf(err); ok {
		kind = k
	}
	r.settlePending(sess, pc, nil, rerr.Wrap(kind, err, "send failed for command %q", pc.Name))
}

// settlePending finalizes pc: removes it from the pending table, cancels its
// timer, and resolves or rejects its caller. Prerequisite (createTab)
// commands never flip Busy themselves — their own resolve/reject
// continuations decide what happens next — everything else governs the
// session's single in-flight slot and advances the queue.
func (r *Router) settlePending(sess *SessionRecord, pc *PendingCommand, payload json.RawMessage, err error) {
	if pc.settled {
		return
	}
	pc.settled = true
	stopTimer(pc.timer)
	delete(sess.Pending, pc.WireID)
	r.pendingN--

	if err != nil {
		pc.reject(err)
	} else {
		pc.resolve(payload)
		if pc.Name == closeTabCommandName && pc.TargetTab != nil {
			r.releaseTab(sess, *pc.TargetTab)
		}
	}

	if !pc.prerequisite {
		r.processQueue(sess)
	}
}

func stopTimer(t *time.Timer) {
	if t == nil {
		return
	}
	t.Stop()
}

// rerrConflict builds the TAB_OWNERSHIP_CONFLICT error, naming the session
// that currently owns the contested tab.
func rerrConflict(owner envelope.SessionID) *rerr.RouterError {
	e := rerr.New(rerr.KindTabOwnershipConflict, "tab is owned by session %q", owner)
	e.Conflict = string(owner)
	return e
}

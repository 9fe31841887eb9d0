package router

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gasoline-dev/tabrouter/internal/envelope"
	"github.com/gasoline-dev/tabrouter/internal/rerr"
)

// fakeLink is a minimal in-memory Link used to drive Router tests without a
// real websocket connection.
type fakeLink struct {
	mu      sync.Mutex
	sent    chan envelope.Frame
	sendErr error

	onFrame func(envelope.Frame)
	onBind  func()
	onLost  func()
}

func newFakeLink() *fakeLink {
	return &fakeLink{sent: make(chan envelope.Frame, 64)}
}

func (f *fakeLink) Send(ctx context.Context, frame envelope.Frame, deadline time.Time) error {
	f.mu.Lock()
	err := f.sendErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	f.sent <- frame
	return nil
}

func (f *fakeLink) Cancel(wireID envelope.WireID) {}

func (f *fakeLink) OnFrame(h func(envelope.Frame)) { f.onFrame = h }
func (f *fakeLink) OnBind(h func())                { f.onBind = h }
func (f *fakeLink) OnLost(h func())                { f.onLost = h }

func (f *fakeLink) deliver(t *testing.T, frame envelope.Frame) {
	t.Helper()
	require.NotNil(t, f.onFrame, "link handler not registered")
	f.onFrame(frame)
}

func (f *fakeLink) awaitSent(t *testing.T) envelope.Frame {
	t.Helper()
	select {
	case fr := <-f.sent:
		return fr
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame to be sent on link")
		return envelope.Frame{}
	}
}

func newTestRouter(t *testing.T, link Link) *Router {
	t.Helper()
	r := New(link, DefaultConfig())
	t.Cleanup(r.Close)
	return r
}

func mustEnsureSession(t *testing.T, r *Router, id envelope.SessionID) {
	t.Helper()
	require.NoError(t, r.EnsureSession(context.Background(), id, func(envelope.Frame) {}))
}

// mustEnsureSessionWithSink is like mustEnsureSession but captures every
// event frame the router forwards to sess's sink.
func mustEnsureSessionWithSink(t *testing.T, r *Router, id envelope.SessionID) chan envelope.Frame {
	t.Helper()
	events := make(chan envelope.Frame, 8)
	require.NoError(t, r.EnsureSession(context.Background(), id, func(f envelope.Frame) { events <- f }))
	return events
}

// acquireTabViaSubmit dispatches a command against tabID for sess and
// settles it with an ok response, leaving tabID owned by sess and current.
func acquireTabViaSubmit(t *testing.T, r *Router, link *fakeLink, sess envelope.SessionID, tabID envelope.TabID) {
	t.Helper()
	done := make(chan error, 1)
	go func() {
		_, err := r.Submit(context.Background(), sess, "click", nil, SubmitOptions{TabID: &tabID, Deadline: time.Now().Add(5 * time.Second)})
		done <- err
	}()
	frame := link.awaitSent(t)
	link.deliver(t, envelope.Frame{Type: envelope.FrameResponse, WireID: frame.WireID, SessionID: sess, Payload: json.RawMessage(`{}`)})
	require.NoError(t, <-done)
}

// S1: a command carrying an unowned explicit tabId acquires the tab and
// dispatches immediately; the extension's response resolves the caller.
func TestSubmitAcquiresUnownedTabAndResolves(t *testing.T) {
	link := newFakeLink()
	r := newTestRouter(t, link)
	ctx := context.Background()
	mustEnsureSession(t, r, "s1")

	tabID := envelope.TabID(7)
	resCh := make(chan struct {
		payload json.RawMessage
		err     error
	}, 1)
	go func() {
		p, err := r.Submit(ctx, "s1", "click", json.RawMessage(`{"selector":"#go"}`), SubmitOptions{
			TabID: &tabID, Deadline: time.Now().Add(5 * time.Second),
		})
		resCh <- struct {
			payload json.RawMessage
			err     error
		}{p, err}
	}()

	frame := link.awaitSent(t)
	require.Equal(t, "click", frame.Name)
	require.NotNil(t, frame.TabID)
	require.Equal(t, tabID, *frame.TabID)
	require.Equal(t, envelope.SessionID("s1"), frame.SessionID)

	link.deliver(t, envelope.Frame{
		Type: envelope.FrameResponse, WireID: frame.WireID, SessionID: "s1",
		Payload: json.RawMessage(`{"ok":true}`),
	})

	res := <-resCh
	require.NoError(t, res.err)
	require.JSONEq(t, `{"ok":true}`, string(res.payload))
}

// S2: a second session targeting a tab already owned by a live session is
// rejected with TAB_OWNERSHIP_CONFLICT, naming the owner.
func TestSubmitExplicitTabConflict(t *testing.T) {
	link := newFakeLink()
	r := newTestRouter(t, link)
	ctx := context.Background()
	mustEnsureSession(t, r, "owner")
	mustEnsureSession(t, r, "rival")

	tabID := envelope.TabID(3)
	go func() {
		_, _ = r.Submit(ctx, "owner", "click", nil, SubmitOptions{TabID: &tabID, Deadline: time.Now().Add(5 * time.Second)})
	}()
	link.awaitSent(t) // owner's dispatch; left pending deliberately

	_, err := r.Submit(ctx, "rival", "click", nil, SubmitOptions{TabID: &tabID, Deadline: time.Now().Add(5 * time.Second)})
	require.Error(t, err)
	kind, ok := rerr.KindOf(err)
	require.True(t, ok)
	require.Equal(t, rerr.KindTabOwnershipConflict, kind)

	var re *rerr.RouterError
	require.ErrorAs(t, err, &re)
	require.Equal(t, "owner", re.Conflict)
}

// S3: submit against an unknown session is rejected with UNKNOWN_SESSION
// without ever touching the link.
func TestSubmitUnknownSession(t *testing.T) {
	link := newFakeLink()
	r := newTestRouter(t, link)

	_, err := r.Submit(context.Background(), "ghost", "click", nil, SubmitOptions{Deadline: time.Now().Add(time.Second)})
	require.Error(t, err)
	kind, ok := rerr.KindOf(err)
	require.True(t, ok)
	require.Equal(t, rerr.KindUnknownSession, kind)
}

// S4: a second submit for a session that already has one in flight queues
// behind it and dispatches in FIFO order once the first settles.
func TestSubmitQueuesFIFOBehindInFlightCommand(t *testing.T) {
	link := newFakeLink()
	r := newTestRouter(t, link)
	ctx := context.Background()
	mustEnsureSession(t, r, "s4")

	tabID := envelope.TabID(1)
	first := make(chan error, 1)
	second := make(chan error, 1)

	go func() {
		_, err := r.Submit(ctx, "s4", "first", nil, SubmitOptions{TabID: &tabID, Deadline: time.Now().Add(5 * time.Second)})
		first <- err
	}()
	firstFrame := link.awaitSent(t)
	require.Equal(t, "first", firstFrame.Name)

	go func() {
		_, err := r.Submit(ctx, "s4", "second", nil, SubmitOptions{Deadline: time.Now().Add(5 * time.Second)})
		second <- err
	}()

	select {
	case <-link.sent:
		t.Fatal("second command dispatched before first settled")
	case <-time.After(100 * time.Millisecond):
	}

	link.deliver(t, envelope.Frame{Type: envelope.FrameResponse, WireID: firstFrame.WireID, SessionID: "s4", Payload: json.RawMessage(`{}`)})
	require.NoError(t, <-first)

	secondFrame := link.awaitSent(t)
	require.Equal(t, "second", secondFrame.Name)
	link.deliver(t, envelope.Frame{Type: envelope.FrameResponse, WireID: secondFrame.WireID, SessionID: "s4", Payload: json.RawMessage(`{}`)})
	require.NoError(t, <-second)
}

// S5: when the deadline elapses before a response arrives, submit rejects
// with TIMEOUT and the command is removed from the pending table.
func TestSubmitTimesOutWaitingForResponse(t *testing.T) {
	link := newFakeLink()
	r := newTestRouter(t, link)
	ctx := context.Background()
	mustEnsureSession(t, r, "s5")

	tabID := envelope.TabID(9)
	_, err := r.Submit(ctx, "s5", "slow", nil, SubmitOptions{TabID: &tabID, Deadline: time.Now().Add(20 * time.Millisecond)})
	require.Error(t, err)
	kind, ok := rerr.KindOf(err)
	require.True(t, ok)
	require.Equal(t, rerr.KindTimeout, kind)
}

// S6: a caller-cancelled submit rejects with CANCELLED and frees the
// session's in-flight slot for the next queued command.
func TestSubmitCancellationFreesSlot(t *testing.T) {
	link := newFakeLink()
	r := newTestRouter(t, link)
	mustEnsureSession(t, r, "s6")

	tabID := envelope.TabID(4)
	cctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := r.Submit(cctx, "s6", "first", nil, SubmitOptions{TabID: &tabID, Deadline: time.Now().Add(5 * time.Second)})
		errCh <- err
	}()
	link.awaitSent(t)

	second := make(chan error, 1)
	go func() {
		_, err := r.Submit(context.Background(), "s6", "second", nil, SubmitOptions{Deadline: time.Now().Add(5 * time.Second)})
		second <- err
	}()

	cancel()
	err := <-errCh
	require.Error(t, err)
	kind, ok := rerr.KindOf(err)
	require.True(t, ok)
	require.Equal(t, rerr.KindCancelled, kind)

	secondFrame := link.awaitSent(t)
	require.Equal(t, "second", secondFrame.Name)
	link.deliver(t, envelope.Frame{Type: envelope.FrameResponse, WireID: secondFrame.WireID, SessionID: "s6", Payload: json.RawMessage(`{}`)})
	require.NoError(t, <-second)
}

// No current tab and no explicit tabId: the router issues an internal
// createTab prerequisite first, then dispatches the original command to the
// tab the extension reports back.
func TestSubmitIssuesCreateTabPrerequisiteWhenNoCurrentTab(t *testing.T) {
	link := newFakeLink()
	r := newTestRouter(t, link)
	ctx := context.Background()
	mustEnsureSession(t, r, "s7")

	resCh := make(chan error, 1)
	go func() {
		_, err := r.Submit(ctx, "s7", "navigate", nil, SubmitOptions{Deadline: time.Now().Add(5 * time.Second)})
		resCh <- err
	}()

	createFrame := link.awaitSent(t)
	require.Equal(t, createTabCommandName, createFrame.Name)

	link.deliver(t, envelope.Frame{
		Type: envelope.FrameResponse, WireID: createFrame.WireID, SessionID: "s7",
		Payload: json.RawMessage(`{"tabId":42}`),
	})

	navFrame := link.awaitSent(t)
	require.Equal(t, "navigate", navFrame.Name)
	require.NotNil(t, navFrame.TabID)
	require.Equal(t, envelope.TabID(42), *navFrame.TabID)

	link.deliver(t, envelope.Frame{Type: envelope.FrameResponse, WireID: navFrame.WireID, SessionID: "s7", Payload: json.RawMessage(`{}`)})
	require.NoError(t, <-resCh)
}

// A response carrying an error payload surfaces as DOWNSTREAM_ERROR with the
// extension's payload preserved verbatim.
func TestSubmitDownstreamErrorIsPreserved(t *testing.T) {
	link := newFakeLink()
	r := newTestRouter(t, link)
	ctx := context.Background()
	mustEnsureSession(t, r, "s8")

	tabID := envelope.TabID(5)
	errCh := make(chan error, 1)
	go func() {
		_, err := r.Submit(ctx, "s8", "click", nil, SubmitOptions{TabID: &tabID, Deadline: time.Now().Add(5 * time.Second)})
		errCh <- err
	}()

	frame := link.awaitSent(t)
	link.deliver(t, envelope.Frame{
		Type: envelope.FrameResponse, WireID: frame.WireID, SessionID: "s8",
		Error: &envelope.FrameError{Message: "element not found", Data: json.RawMessage(`{"selector":"#missing"}`)},
	})

	err := <-errCh
	require.Error(t, err)
	var re *rerr.RouterError
	require.ErrorAs(t, err, &re)
	require.Equal(t, rerr.KindDownstreamError, re.Kind)
	require.JSONEq(t, `{"selector":"#missing"}`, string(re.Downstream))
}

// EndSession in immediate mode rejects in-flight work with SESSION_CLOSED
// and releases owned tabs so another session can acquire them.
func TestEndSessionImmediateReleasesTabs(t *testing.T) {
	link := newFakeLink()
	r := newTestRouter(t, link)
	ctx := context.Background()
	mustEnsureSession(t, r, "s9")
	mustEnsureSession(t, r, "s9-successor")

	tabID := envelope.TabID(11)
	errCh := make(chan error, 1)
	go func() {
		_, err := r.Submit(ctx, "s9", "click", nil, SubmitOptions{TabID: &tabID, Deadline: time.Now().Add(5 * time.Second)})
		errCh <- err
	}()
	link.awaitSent(t)

	require.NoError(t, r.EndSession(ctx, "s9", false))
	err := <-errCh
	kind, _ := rerr.KindOf(err)
	require.Equal(t, rerr.KindSessionClosed, kind)

	successorErr := make(chan error, 1)
	go func() {
		_, err := r.Submit(ctx, "s9-successor", "click", nil, SubmitOptions{TabID: &tabID, Deadline: time.Now().Add(5 * time.Second)})
		successorErr <- err
	}()
	frame := link.awaitSent(t)
	require.NotNil(t, frame.TabID)
	require.Equal(t, tabID, *frame.TabID)
	link.deliver(t, envelope.Frame{Type: envelope.FrameResponse, WireID: frame.WireID, SessionID: "s9-successor", Payload: json.RawMessage(`{}`)})
	require.NoError(t, <-successorErr)
}

// A deadline that has already elapsed at submit time is rejected with
// TIMEOUT without ever reaching the link.
func TestSubmitRejectsAlreadyElapsedDeadline(t *testing.T) {
	link := newFakeLink()
	r := newTestRouter(t, link)
	mustEnsureSession(t, r, "s10")

	_, err := r.Submit(context.Background(), "s10", "click", nil, SubmitOptions{Deadline: time.Now().Add(-time.Second)})
	require.Error(t, err)
	kind, _ := rerr.KindOf(err)
	require.Equal(t, rerr.KindTimeout, kind)
}

// Link loss starts a grace window; if it elapses without reconnect, every
// outstanding command for affected sessions rejects with LINK_LOST and
// owned tabs are released.
func TestLinkLossGraceWindowExpiryRejectsWithLinkLost(t *testing.T) {
	link := newFakeLink()
	cfg := DefaultConfig()
	cfg.LinkGraceWindow = 20 * time.Millisecond
	r := New(link, cfg)
	t.Cleanup(r.Close)
	ctx := context.Background()
	mustEnsureSession(t, r, "s11")

	tabID := envelope.TabID(2)
	errCh := make(chan error, 1)
	go func() {
		_, err := r.Submit(ctx, "s11", "click", nil, SubmitOptions{TabID: &tabID, Deadline: time.Now().Add(5 * time.Second)})
		errCh <- err
	}()
	link.awaitSent(t)

	link.onLost()

	err := <-errCh
	require.Error(t, err)
	kind, _ := rerr.KindOf(err)
	require.Equal(t, rerr.KindLinkLost, kind)
}

// S5: reconnect within the grace window resends every unsettled in-flight
// command using its original WireID, and the extension's (possibly
// cached) reply still resolves the original caller.
func TestLinkReconnectWithinGraceWindowResendsSameWireID(t *testing.T) {
	link := newFakeLink()
	r := newTestRouter(t, link)
	ctx := context.Background()
	mustEnsureSession(t, r, "s12")

	tabID := envelope.TabID(6)
	errCh := make(chan error, 1)
	go func() {
		_, err := r.Submit(ctx, "s12", "click", nil, SubmitOptions{TabID: &tabID, Deadline: time.Now().Add(5 * time.Second)})
		errCh <- err
	}()
	firstFrame := link.awaitSent(t)

	link.onLost()
	link.onBind()

	resentFrame := link.awaitSent(t)
	require.Equal(t, firstFrame.WireID, resentFrame.WireID)
	require.Equal(t, firstFrame.Name, resentFrame.Name)

	link.deliver(t, envelope.Frame{Type: envelope.FrameResponse, WireID: resentFrame.WireID, SessionID: "s12", Payload: json.RawMessage(`{"ok":true}`)})
	require.NoError(t, <-errCh)
}

// An event naming a tabId the claimed session does not own is dropped
// rather than forwarded to the session's event sink.
func TestHandleEventFrameDropsUnownedTab(t *testing.T) {
	link := newFakeLink()
	r := newTestRouter(t, link)
	events := mustEnsureSessionWithSink(t, r, "s13")

	unowned := envelope.TabID(99)
	link.deliver(t, envelope.Frame{Type: envelope.FrameEvent, SessionID: "s13", Name: "domUpdate", TabID: &unowned})

	select {
	case f := <-events:
		t.Fatalf("expected event to be dropped, got %+v", f)
	case <-time.After(100 * time.Millisecond):
	}
}

// An event naming a tabId the claimed session owns is forwarded normally.
func TestHandleEventFrameForwardsOwnedTab(t *testing.T) {
	link := newFakeLink()
	r := newTestRouter(t, link)
	events := mustEnsureSessionWithSink(t, r, "s14")

	tabID := envelope.TabID(8)
	acquireTabViaSubmit(t, r, link, "s14", tabID)

	link.deliver(t, envelope.Frame{Type: envelope.FrameEvent, SessionID: "s14", Name: "domUpdate", TabID: &tabID})

	select {
	case f := <-events:
		require.Equal(t, "domUpdate", f.Name)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for forwarded event")
	}
}

// A tabClosed event for an owned tab releases ownership, so a later
// explicit submit from another session against the same tabId succeeds
// without a TAB_OWNERSHIP_CONFLICT.
func TestTabClosedEventReleasesOwnership(t *testing.T) {
	link := newFakeLink()
	r := newTestRouter(t, link)
	mustEnsureSession(t, r, "s15")
	mustEnsureSession(t, r, "s15-other")

	tabID := envelope.TabID(21)
	acquireTabViaSubmit(t, r, link, "s15", tabID)

	link.deliver(t, envelope.Frame{Type: envelope.FrameEvent, SessionID: "s15", Name: "tabClosed", TabID: &tabID})

	errCh := make(chan error, 1)
	go func() {
		_, err := r.Submit(context.Background(), "s15-other", "click", nil, SubmitOptions{TabID: &tabID, Deadline: time.Now().Add(5 * time.Second)})
		errCh <- err
	}()
	frame := link.awaitSent(t)
	require.Equal(t, "click", frame.Name)
	link.deliver(t, envelope.Frame{Type: envelope.FrameResponse, WireID: frame.WireID, SessionID: "s15-other", Payload: json.RawMessage(`{}`)})
	require.NoError(t, <-errCh)
}

// A successful closeTab response releases the tab the same way a tabClosed
// event does, so it can be immediately reacquired by another session.
func TestCloseTabCommandReleasesOwnership(t *testing.T) {
	link := newFakeLink()
	r := newTestRouter(t, link)
	ctx := context.Background()
	mustEnsureSession(t, r, "s16")
	mustEnsureSession(t, r, "s16-other")

	tabID := envelope.TabID(33)
	acquireTabViaSubmit(t, r, link, "s16", tabID)

	closeErr := make(chan error, 1)
	go func() {
		_, err := r.Submit(ctx, "s16", closeTabCommandName, nil, SubmitOptions{TabID: &tabID, Deadline: time.Now().Add(5 * time.Second)})
		closeErr <- err
	}()
	closeFrame := link.awaitSent(t)
	require.Equal(t, closeTabCommandName, closeFrame.Name)
	link.deliver(t, envelope.Frame{Type: envelope.FrameResponse, WireID: closeFrame.WireID, SessionID: "s16", Payload: json.RawMessage(`{}`)})
	require.NoError(t, <-closeErr)

	errCh := make(chan error, 1)
	go func() {
		_, err := r.Submit(ctx, "s16-other", "click", nil, SubmitOptions{TabID: &tabID, Deadline: time.Now().Add(5 * time.Second)})
		errCh <- err
	}()
	frame := link.awaitSent(t)
	require.Equal(t, "click", frame.Name)
	link.deliver(t, envelope.Frame{Type: envelope.FrameResponse, WireID: frame.WireID, SessionID: "s16-other", Payload: json.RawMessage(`{}`)})
	require.NoError(t, <-errCh)
}

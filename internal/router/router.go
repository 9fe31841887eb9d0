package router

import (
	"context"
	"time"

	"github.com/gasoline-dev/tabrouter/internal/envelope"
	"github.com/gasoline-dev/tabrouter/internal/rerr"
	"github.com/gasoline-dev/tabrouter/internal/telemetry"
)

const createTabCommandName = "__createTab"

// closeTabCommandName is the caller-issued command that tears a tab down
// explicitly (§4.3: "closeTab(tabId) from upstream ... remove from
// ownedTabs and TabOwnership; if it was currentTabId, clear it").
const closeTabCommandName = "closeTab"

// Router is the session-multiplexed command router and tab-ownership
// coordinator (§4.3). All exported methods are safe to call concurrently
// from any number of goroutines; internally every state transition is
// serialized through a single actor loop (run), so SessionRecord fields and
// the tab-ownership map never need their own locks.
type Router struct {
	cfg     Config
	link    Link
	logger  telemetry.Logger
	metrics telemetry.Metrics
	tracer  telemetry.Tracer
	now     func() time.Time

	mailbox chan func()
	stop    chan struct{}
	stopped chan struct{}

	sessions  map[envelope.SessionID]*SessionRecord
	tabOwners map[envelope.TabID]envelope.SessionID
	pendingN  int
	linkUp    bool
}

// Option configures a Router at construction.
type Option func(*Router)

// WithClock overrides the time source, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// WithTelemetry wires a non-default Logger/Metrics/Tracer set.
func WithTelemetry(logger telemetry.Logger, metrics telemetry.Metrics, tracer telemetry.Tracer) Option {
	return func(r *Router) {
		r.logger = logger
		r.metrics = metrics
		r.tracer = tracer
	}
}

// New constructs a Router bound to link and starts its actor goroutine. The
// returned Router is ready to accept Submit/EndSession calls immediately;
// call Close to stop the actor loop during shutdown.
func New(link Link, cfg Config, opts ...Option) *Router {
	r := &Router{
		cfg:       cfg,
		link:      link,
		logger:    telemetry.NewNoopLogger(),
		metrics:   telemetry.NewNoopMetrics(),
		tracer:    telemetry.NewNoopTracer(),
		now:       time.Now,
		mailbox:   make(chan func(), 256),
		stop:      make(chan struct{}),
		stopped:   make(chan struct{}),
		sessions:  make(map[envelope.SessionID]*SessionRecord),
		tabOwners: make(map[envelope.TabID]envelope.SessionID),
	}
	for _, opt := range opts {
		opt(r)
	}

	link.OnFrame(func(f envelope.Frame) { r.post(func() { r.handleInboundFrame(f) }) })
	link.OnBind(func() { r.post(r.handleLinkBound) })
	link.OnLost(func() { r.post(r.handleLinkLost) })

	go r.run()
	return r
}

// run is the single task that owns every SessionRecord and the tab
// ownership map. It never exits except via Close, matching the create →
// serve → drain → destroy daemon lifecycle from §9 Design Notes.
func (r *Router) run() {
	defer close(r.stopped)
	for {
		select {
		case fn := <-r.mailbox:
			fn()
		case <-r.stop:
			return
		}
	}
}

// post enqueues fn to run on the actor loop. It blocks while the mailbox is
// full, until the actor loop frees a slot or the router stops. The
// QUEUE_OVERFLOW/ROUTER_SATURATED bounds are enforced by acceptSubmit on the
// actor loop, after the submit has been posted.
func (r *Router) post(fn func()) {
	select {
	case r.mailbox <- fn:
	case <-r.stop:
	}
}

// call runs fn on the actor loop and blocks until it completes or ctx is
// done. Used by Submit/EndSession/EnsureSession so their synchronous-looking
// API still only ever touches state from the single actor goroutine.
func (r *Router) call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	r.post(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.stop:
		return rerr.New(rerr.KindSessionClosed, "router is shutting down")
	}
}

// Close stops the actor loop. Work still waiting in the mailbox when the
// loop sees the stop signal is not run; callers should EndSession everything
// they care about first.
func (r *Router) Close() {
	close(r.stop)
	<-r.stopped
}

// EnsureSession creates a SessionRecord for id if one does not already
// exist. Idempotent. This is the only way a SessionRecord comes into being
// — Submit rejects unknown session ids with UNKNOWN_SESSION rather than
// silently creating one, per the no-aliasing-fallback design note in §9.
func (r *Router) EnsureSession(ctx context.Context, id envelope.SessionID, eventSink func(envelope.Frame)) error {
	return r.call(ctx, func() {
		if _, ok := r.sessions[id]; ok {
			return
		}
		r.sessions[id] = newSessionRecord(id, r.now(), eventSink, r.cfg)
		r.logger.Info(ctx, "session created", "sessionId", string(id))
	})
}

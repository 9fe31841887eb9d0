// Package router implements the session-multiplexed command router and
// tab-ownership coordinator: the core that sits between many concurrent AI
// sessions and the single browser extension connection.
//
// All state mutation — SessionRecord fields and the process-wide tab
// ownership map — happens on a single internal task (see Router.run). External
// callers interact exclusively through Submit, EndSession, and the two
// internal feeds (inbound frames, link lifecycle events) fed by the
// extension link; there is no shared-memory contention and no additional
// locking inside this package.
package router

import (
	"encoding/json"
	"time"

	"golang.org/x/time/rate"

	"github.com/gasoline-dev/tabrouter/internal/envelope"
)

type (
	// PendingCommand is a dispatched command awaiting its correlated
	// response. It lives in exactly one session's Pending map, keyed by
	// WireID, for as long as it is unsettled.
	PendingCommand struct {
		WireID      envelope.WireID
		OriginID    envelope.OriginID
		Name        string
		Payload     json.RawMessage
		SubmittedAt time.Time
		Deadline    time.Time
		TargetTab   *envelope.TabID

		timer   *time.Timer
		settled bool
		// token identifies this submit uniquely for cancellation lookup;
		// func values are not comparable in Go so a dedicated handle is
		// needed instead of comparing resolve/reject directly.
		token   *struct{}
		resolve func(json.RawMessage)
		reject  func(error)

		// prerequisite marks an internally issued createTab command. It is
		// excluded from inFlight and never governs the session's Busy flag
		// directly; its continuation (resolve/reject) decides what happens
		// to the real command that depends on it.
		prerequisite bool
	}

	// QueuedCommand is a fully-formed submit waiting for its session's
	// single in-flight slot to free up. Queued commands dispatch in FIFO
	// order relative to other queued commands of the same session.
	QueuedCommand struct {
		Name     string
		Payload  json.RawMessage
		OriginID envelope.OriginID
		TabID    *envelope.TabID
		Deadline time.Time

		// token identifies this submit uniquely for cancellation lookup;
		// func values are not comparable in Go so a dedicated handle is
		// needed instead of comparing resolve/reject directly.
		token   *struct{}
		resolve func(json.RawMessage)
		reject  func(error)

		// settled and timer apply only while this command is the queue head
		// blocked on an internally issued createTab prerequisite: it has no
		// WireID of its own yet, so its deadline is tracked here rather than
		// on a PendingCommand.
		settled bool
		timer   *time.Timer
	}

	// SessionRecord is the per-session state the router maintains for one
	// live logical session.
	SessionRecord struct {
		ID             envelope.SessionID
		OwnedTabs      map[envelope.TabID]struct{}
		CurrentTabID   *envelope.TabID
		Pending        map[envelope.WireID]*PendingCommand
		Queue          []*QueuedCommand
		Busy           bool
		CreatedAt      time.Time
		LastActivityAt time.Time

		// headWait holds the queue head while it awaits resolution of an
		// internally issued createTab prerequisite. nil whenever the session
		// is not blocked on one.
		headWait *QueuedCommand

		// GraceDeadline is set while the extension link is down and this
		// session still has live commands; nil otherwise.
		GraceDeadline *time.Time

		eventSink func(envelope.Frame)
		ended     bool

		// limiter caps how fast a single session can push new commands into
		// acceptSubmit, independent of QueueSoftCap: a caller that bursts
		// submits faster than the session's own limiter allows is rejected
		// with QUEUE_OVERFLOW before ever touching the queue, so one noisy
		// session can't monopolize the actor loop's attention.
		limiter *rate.Limiter
	}

	// Config bounds and timing knobs. QueueSoftCap, PendingHardCap and
	// LinkGraceWindow are overridable via environment (see internal/config);
	// the rest keep their DefaultConfig values in the daemon. Zero-value
	// Config is invalid; use DefaultConfig.
	Config struct {
		// QueueSoftCap is the per-session queue cap (§5 Resource bounds).
		QueueSoftCap int
		// PendingHardCap is the global pending-table cap (§5).
		PendingHardCap int
		// LinkGraceWindow is how long in-flight commands survive a link
		// loss awaiting reconnect (§4.3 Link loss behavior).
		LinkGraceWindow time.Duration
		// GracefulDrainCap bounds how many queued commands endSession(graceful)
		// will drain before forcing closure.
		GracefulDrainCap int
		// SubmitRateLimit and SubmitBurst bound how fast one session may
		// push new commands into the router, independent of QueueSoftCap.
		SubmitRateLimit rate.Limit
		SubmitBurst     int
	}
)

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		QueueSoftCap:     256,
		PendingHardCap:   8192,
		LinkGraceWindow:  60 * time.Second,
		GracefulDrainCap: 64,
		SubmitRateLimit:  64,
		SubmitBurst:      128,
	}
}

func newSessionRecord(id envelope.SessionID, now time.Time, sink func(envelope.Frame), cfg Config) *SessionRecord {
	return &SessionRecord{
		ID:             id,
		OwnedTabs:      make(map[envelope.TabID]struct{}),
		Pending:        make(map[envelope.WireID]*PendingCommand),
		CreatedAt:      now,
		LastActivityAt: now,
		eventSink:      sink,
		limiter:        rate.NewLimiter(cfg.SubmitRateLimit, cfg.SubmitBurst),
	}
}

// popQueueFront removes and returns the first queued command, or nil if the
// queue is empty.
func (s *SessionRecord) popQueueFront() *QueuedCommand {
	if len(s.Queue) == 0 {
		return nil
	}
	qc := s.Queue[0]
	s.Queue = s.Queue[1:]
	return qc
}

// inFlight returns the number of PendingCommand entries that count toward
// the busy invariant: every entry except internally issued createTab
// prerequisites, which may coexist with the command still waiting on them.
func (s *SessionRecord) inFlight() int {
	n := 0
	for _, p := range s.Pending {
		if p.prerequisite {
			continue
		}
		n++
	}
	return n
}

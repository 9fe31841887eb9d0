// Package extlink implements the Extension Link (§4.2): the single duplex
// websocket channel between the router and the browser extension. It accepts
// at most one active connection, transparently supersedes a stale one on
// reconnect, and enforces the heartbeat and outbound-backpressure contract
// that internal/router depends on through the narrow router.Link interface.
//
// Grounded on the teacher's runtime/mcp transport seam (one Caller interface,
// swappable concrete transports) and on the retrieval pack's own
// websocket-muxing examples (liteclaw's RelayManager, k6 browser's
// Connection): a single conn, a pending-id map keyed by wire id upstream
// (owned by router, not here), and a dedicated writer goroutine serializing
// every outbound write.
package extlink

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gasoline-dev/tabrouter/internal/envelope"
	"github.com/gasoline-dev/tabrouter/internal/extlink/backpressure"
	"github.com/gasoline-dev/tabrouter/internal/rerr"
	"github.com/gasoline-dev/tabrouter/internal/telemetry"
)

// writeWait bounds how long a single websocket write (including heartbeat
// pings) may take before the connection is considered dead.
const writeWait = 10 * time.Second

// Config carries the heartbeat and buffering knobs from §4.2 and the
// ambient ROUTER_HEARTBEAT_* env vars.
type Config struct {
	// HeartbeatInterval is H: how often the link pings the extension.
	HeartbeatInterval time.Duration
	// HeartbeatTimeout is K: how long the link waits for any traffic
	// (a pong, or any inbound frame) before declaring the connection dead.
	HeartbeatTimeout time.Duration
	// OutboundBufferSize is the soft limit on frames awaiting a drain
	// before Send starts suspending (§4.2 backpressure).
	OutboundBufferSize int
}

// DefaultConfig returns the spec's recommended defaults (H=30, K=90).
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:  30 * time.Second,
		HeartbeatTimeout:   90 * time.Second,
		OutboundBufferSize: 256,
	}
}

// Link is the gorilla/websocket-backed implementation of router.Link. The
// zero value is not usable; construct with New.
type Link struct {
	cfg      Config
	logger   telemetry.Logger
	metrics  telemetry.Metrics
	depth    backpressure.Sink
	upgrader websocket.Upgrader

	outbox       chan []byte
	cancelOutbox chan envelope.WireID

	mu         sync.Mutex
	conn       *wsConn
	generation uint64

	onFrame func(envelope.Frame)
	onBind  func()
	onLost  func()

	closed     chan struct{}
	closeOnce  sync.Once
}

// wsConn wraps one physical connection's lifetime. A new one is created on
// every successful upgrade; the previous one (if any) is torn down first.
type wsConn struct {
	ws         *websocket.Conn
	generation uint64
	done       chan struct{}
	closeOnce  sync.Once
}

func (c *wsConn) teardown() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

// Option configures a Link at construction.
type Option func(*Link)

// WithTelemetry wires a non-default Logger/Metrics pair.
func WithTelemetry(logger telemetry.Logger, metrics telemetry.Metrics) Option {
	return func(l *Link) {
		l.logger = logger
		l.metrics = metrics
	}
}

// WithDepthSink wires a sink that observes the outbound buffer's depth after
// every enqueue and dequeue, e.g. backpressure.NewRedisSink.
func WithDepthSink(sink backpressure.Sink) Option {
	return func(l *Link) { l.depth = sink }
}

// New constructs a Link. Call ServeHTTP from an http.Server bound to
// ROUTER_EXTENSION_ADDR to accept the extension's connection.
func New(cfg Config, opts ...Option) *Link {
	l := &Link{
		cfg:          cfg,
		logger:       telemetry.NewNoopLogger(),
		metrics:      telemetry.NewNoopMetrics(),
		depth:        backpressure.NoopSink{},
		outbox:       make(chan []byte, cfg.OutboundBufferSize),
		cancelOutbox: make(chan envelope.WireID, 32),
		closed:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// OnFrame registers the inbound frame handler. Must be called before the
// first connection arrives.
func (l *Link) OnFrame(handler func(envelope.Frame)) { l.onFrame = handler }

// OnBind registers the bind/reconnect handler.
func (l *Link) OnBind(handler func()) { l.onBind = handler }

// OnLost registers the connection-loss handler.
func (l *Link) OnLost(handler func()) { l.onLost = handler }

// ServeHTTP upgrades the request to a websocket and binds it as the active
// link, superseding whatever connection was previously active. It returns
// once the connection has been accepted; the connection's lifetime is then
// owned by its read/write pumps, running on their own goroutines.
func (l *Link) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.logger.Warn(r.Context(), "extension link upgrade failed", "error", err.Error())
		return
	}
	l.bind(ws)
}

// bind installs ws as the new active connection. Per §4.2, the newer link
// always wins: any previous connection is closed with "superseded" and the
// router is notified via onBind exactly as it would be on any other
// reconnect, letting handleLinkBound's existing resend-everything logic
// cover both first-connect and recovery-from-loss uniformly.
func (l *Link) bind(ws *websocket.Conn) {
	wc := &wsConn{ws: ws, done: make(chan struct{})}

	l.mu.Lock()
	old := l.conn
	l.generation++
	wc.generation = l.generation
	l.conn = wc
	l.mu.Unlock()

	if old != nil {
		l.logger.Info(context.Background(), "extension link superseded")
		_ = old.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "superseded"),
			time.Now().Add(writeWait))
		old.teardown()
	}

	ws.SetReadDeadline(time.Now().Add(l.cfg.HeartbeatTimeout))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(l.cfg.HeartbeatTimeout))
		return nil
	})

	go l.readPump(wc)
	go l.writePump(wc)

	l.metrics.IncCounter(telemetry.MetricLinkBind, 1)
	l.logger.Info(context.Background(), "extension link bound")
	if l.onBind != nil {
		l.onBind()
	}
}

// readPump parses inbound frames in receipt order and hands them to onFrame.
// Malformed frames are dropped and counted, never propagated (§4.2).
func (l *Link) readPump(wc *wsConn) {
	for {
		_, data, err := wc.ws.ReadMessage()
		if err != nil {
			l.handleConnLost(wc, err)
			return
		}
		wc.ws.SetReadDeadline(time.Now().Add(l.cfg.HeartbeatTimeout))

		var f envelope.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			l.metrics.IncCounter(telemetry.MetricMalformedFrame, 1)
			l.logger.Warn(context.Background(), "dropped malformed frame", "error", err.Error())
			continue
		}
		if l.onFrame != nil {
			l.onFrame(f)
		}
	}
}

// writePump is the sole writer for wc, serializing outbound frames,
// heartbeat pings, and best-effort cancel notices onto the socket.
func (l *Link) writePump(wc *wsConn) {
	ticker := time.NewTicker(l.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case payload := <-l.outbox:
			l.depth.SetDepth(context.Background(), len(l.outbox))
			wc.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wc.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				l.handleConnLost(wc, err)
				return
			}
		case wireID := <-l.cancelOutbox:
			frame := envelope.Frame{Type: envelope.FrameCancel, WireID: wireID}
			payload, err := json.Marshal(frame)
			if err != nil {
				continue
			}
			wc.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wc.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				l.handleConnLost(wc, err)
				return
			}
		case <-ticker.C:
			wc.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wc.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				l.handleConnLost(wc, err)
				return
			}
		case <-wc.done:
			return
		}
	}
}

// handleConnLost tears wc down and, only if wc was still the active
// connection (i.e. this loss was not a side effect of bind's own
// supersession teardown), reports it upstream via onLost.
func (l *Link) handleConnLost(wc *wsConn, err error) {
	wc.teardown()

	l.mu.Lock()
	current := l.conn == wc
	if current {
		l.conn = nil
	}
	l.mu.Unlock()
	if !current {
		return
	}

	l.logger.Warn(context.Background(), "extension link lost", "error", err.Error())
	l.metrics.IncCounter(telemetry.MetricLinkLost, 1)
	if l.onLost != nil {
		l.onLost()
	}
}

// Send enqueues frame for delivery on whatever connection is (or becomes)
// active, suspending until the outbound buffer drains or deadline elapses
// (§4.2 backpressure). A link with no connection currently bound still
// accepts frames into the outbound buffer, to be written once a connection
// binds; only when that buffer is full does Send block, until a connection
// drains it or the deadline elapses.
func (l *Link) Send(ctx context.Context, frame envelope.Frame, deadline time.Time) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return rerr.Wrap(rerr.KindMalformedResponse, err, "failed to encode outbound frame")
	}

	select {
	case <-l.closed:
		return rerr.New(rerr.KindLinkLost, "extension link closed")
	default:
	}

	select {
	case l.outbox <- payload:
		l.depth.SetDepth(context.Background(), len(l.outbox))
		return nil
	default:
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case l.outbox <- payload:
		l.depth.SetDepth(context.Background(), len(l.outbox))
		return nil
	case <-timer.C:
		return rerr.New(rerr.KindLinkBackpressureTimeout, "outbound buffer did not drain before deadline")
	case <-ctx.Done():
		return rerr.Wrap(rerr.KindLinkBackpressureTimeout, ctx.Err(), "send cancelled before delivery")
	case <-l.closed:
		return rerr.New(rerr.KindLinkLost, "extension link closed")
	}
}

// Cancel sends a best-effort cancel frame referencing wireID. It never
// blocks: a full cancelOutbox silently drops the notice, matching §4.3's
// "errors are not actionable" cancellation semantics.
func (l *Link) Cancel(wireID envelope.WireID) {
	select {
	case l.cancelOutbox <- wireID:
	default:
	}
}

// Close terminates the active connection, if any, and stops accepting new
// sends. All frames still queued in the outbox at the time of Close are
// discarded (§4.2 cancellation: "all pending frames observed after close are
// discarded").
func (l *Link) Close() {
	l.closeOnce.Do(func() {
		close(l.closed)
		l.mu.Lock()
		wc := l.conn
		l.conn = nil
		l.mu.Unlock()
		if wc != nil {
			wc.teardown()
		}
	})
}

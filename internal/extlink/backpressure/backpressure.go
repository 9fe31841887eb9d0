// Package backpressure provides an optional, inspectable sink for the
// Extension Link's outbound buffer depth. The router itself needs no
// persistence (spec.md Non-goals), but a standalone metrics exporter process
// sharing the same Redis instance can poll this value without any access to
// the router's own process — the natural role go-redis plays in the
// retrieval pack for this class of soft, cross-process gauge.
package backpressure

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// Sink observes the Extension Link's outbound buffer depth after every
// enqueue and dequeue.
type Sink interface {
	SetDepth(ctx context.Context, depth int)
}

// NoopSink discards every update. It is extlink's default so a build with no
// Redis configured still works unchanged.
type NoopSink struct{}

// SetDepth implements Sink by doing nothing.
func (NoopSink) SetDepth(context.Context, int) {}

// RedisSink publishes the current depth to a single Redis key, overwriting
// it on every call. It is a gauge, not a log: only the latest value matters.
type RedisSink struct {
	client *redis.Client
	key    string
}

// NewRedisSink returns a Sink that writes depth to key on client.
func NewRedisSink(client *redis.Client, key string) *RedisSink {
	return &RedisSink{client: client, key: key}
}

// SetDepth writes depth to the configured key. Failures are not actionable
// from the link's perspective — the gauge is advisory — so they are
// swallowed rather than surfaced to Send's caller.
func (s *RedisSink) SetDepth(ctx context.Context, depth int) {
	s.client.Set(ctx, s.key, depth, 0)
}

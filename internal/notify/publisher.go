// Package notify publishes race lifecycle events for external consumers
// (chat bots, Discord bridges). Delivery is fire-and-forget: a failed publish
// is logged and dropped, never surfaced to the caller.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Publisher is the collaborator interface the race controller fires into.
type Publisher interface {
	Publish(ctx context.Context, event string, payload any)
}

// Redis publishes events over Redis pub/sub, one channel per event type under
// a common prefix.
type Redis struct {
	client *redis.Client
	prefix string
	log    *slog.Logger
}

// NewRedis creates a publisher. An empty prefix defaults to "speedfog:events:".
func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "speedfog:events:"
	}
	return &Redis{
		client: client,
		prefix: prefix,
		log:    slog.With("component", "notify"),
	}
}

func (r *Redis) Publish(ctx context.Context, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		r.log.Warn("encode event failed", "event", event, "error", err)
		return
	}
	if err := r.client.Publish(ctx, r.prefix+event, data).Err(); err != nil {
		r.log.Warn("publish failed", "event", event, "error", err)
	}
}

// Nop discards every event; used in tests and when Redis is not configured.
type Nop struct{}

func (Nop) Publish(context.Context, string, any) {}

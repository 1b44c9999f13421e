package store

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/example/chat-realtime/pkg/otelhelper"
)

// CacheNotifier tells the cache collaborator about persisted messages so it
// can refresh conversation timelines. Notifications are fire-and-forget:
// failures are logged, never propagated, and a nil notifier is a no-op.
type CacheNotifier struct {
	nc *nats.Conn
}

// NewCacheNotifier creates a notifier publishing on nc. nc may be nil.
func NewCacheNotifier(nc *nats.Conn) *CacheNotifier {
	return &CacheNotifier{nc: nc}
}

// MessageAppended announces a newly persisted message.
func (n *CacheNotifier) MessageAppended(ctx context.Context, msg Message) {
	if n == nil || n.nc == nil {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Warn("Failed to marshal cache append event", "error", err)
		return
	}
	if err := otelhelper.TracedPublish(ctx, n.nc, "chat.cache.append."+msg.ConversationID, data); err != nil {
		slog.Warn("Cache append notification failed", "conversation", msg.ConversationID, "error", err)
	}
}

// Invalidate asks the cache collaborator to drop cached state for a user.
func (n *CacheNotifier) Invalidate(ctx context.Context, userID string) {
	if n == nil || n.nc == nil {
		return
	}
	if err := otelhelper.TracedPublish(ctx, n.nc, "chat.cache.invalidate."+userID, nil); err != nil {
		slog.Warn("Cache invalidation failed", "user", userID, "error", err)
	}
}

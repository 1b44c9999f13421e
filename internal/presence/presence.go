// Package presence tracks which users currently hold live connections,
// coalesces noisy connect/disconnect churn into stable online/offline
// transitions, and maintains the subscription graph used to fan presence
// updates out to interested connections.
//
// Storage is pluggable: MemoryStorage serves a single process, KVStorage
// backs every structure with shared NATS JetStream KV buckets so connection
// counts and subscriptions are visible to all instances of the process.
package presence

import (
	"context"
	"time"
)

// Status is a user's presence state.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
	StatusAway    Status = "away"
)

var validStatuses = map[Status]bool{
	StatusOnline: true, StatusOffline: true, StatusAway: true,
}

// Valid reports whether s is a known presence status.
func (s Status) Valid() bool { return validStatuses[s] }

// Record is one user's presence. LastSeen is nil until the user's connection
// set first transitions to empty.
type Record struct {
	UserID   string     `json:"userId"`
	Status   Status     `json:"status"`
	LastSeen *time.Time `json:"lastSeen"`
}

// Storage is the presence backend contract. All per-user structures outlive
// individual connections; per-connection structures (subscriptions) are torn
// down by RemoveAllSubscriptionsForConnection on disconnect.
//
// RemoveConnection reports whether the user's connection set became empty. In
// clustered deployments the implementation must decide this against the
// shared store, not a process-local mirror, so exactly one instance observes
// each transition.
type Storage interface {
	AddConnection(ctx context.Context, userID, connID string) error
	RemoveConnection(ctx context.Context, userID, connID string) (wentOffline bool, err error)
	IsOnline(ctx context.Context, userID string) (bool, error)
	ConnectionCount(ctx context.Context, userID string) (int, error)

	SetLastSeen(ctx context.Context, userID string, t time.Time) error
	GetLastSeen(ctx context.Context, userID string) (*time.Time, error)

	SetStatus(ctx context.Context, userID string, status Status) error

	AddSubscription(ctx context.Context, connID, userID string) error
	RemoveSubscription(ctx context.Context, connID, userID string) error
	RemoveAllSubscriptionsForConnection(ctx context.Context, connID string) error
	SubscribersOf(ctx context.Context, userID string) ([]string, error)
	SubscriptionsOf(ctx context.Context, connID string) ([]string, error)

	OnlineUsers(ctx context.Context) ([]string, error)
	PresenceForUsers(ctx context.Context, userIDs []string) ([]Record, error)

	// Cleanup wipes all state. Test and shutdown use only.
	Cleanup(ctx context.Context) error
}

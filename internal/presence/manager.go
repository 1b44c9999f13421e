package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// defaultDebounce coalesces reconnect churn (page reloads produce a rapid
// disconnect+connect pair) into a single observed transition.
const defaultDebounce = 120 * time.Millisecond

// Notifier receives coalesced presence transitions. subscriberConnIDs is the
// reverse-subscription set for the user at fire time; implementations deliver
// a targeted presence update to those connections plus the coarse global
// online/offline channel.
type Notifier interface {
	PresenceChanged(rec Record, subscriberConnIDs []string)
}

// Manager orchestrates connect/disconnect bookkeeping, the subscription
// graph, and debounced transition broadcasts. Presence is a best-effort
// overlay: storage failures are logged and degrade to offline, they never
// gate messaging.
type Manager struct {
	storage  Storage
	notifier Notifier
	debounce *debouncer

	mu            sync.Mutex
	lastBroadcast map[string]Status

	transitions metric.Int64Counter
}

// ManagerOption customizes a Manager.
type ManagerOption func(*managerConfig)

type managerConfig struct {
	debounce time.Duration
}

// WithDebounce overrides the transition debounce interval.
func WithDebounce(d time.Duration) ManagerOption {
	return func(c *managerConfig) { c.debounce = d }
}

// NewManager creates a Manager broadcasting through notifier.
func NewManager(storage Storage, notifier Notifier, opts ...ManagerOption) *Manager {
	cfg := managerConfig{debounce: defaultDebounce}
	for _, opt := range opts {
		opt(&cfg)
	}

	meter := otel.Meter("chat-realtime/presence")
	transitions, _ := meter.Int64Counter("presence_transitions_total",
		metric.WithDescription("Presence transitions broadcast after debounce"))

	m := &Manager{
		storage:       storage,
		notifier:      notifier,
		lastBroadcast: make(map[string]Status),
		transitions:   transitions,
	}
	m.debounce = newDebouncer(cfg.debounce, m.broadcast)
	return m
}

// HandleConnect adds the connection and reports whether the user was offline
// before it (connection set transitioned 0 → 1). A true return schedules a
// debounced online broadcast.
func (m *Manager) HandleConnect(ctx context.Context, userID, connID string) (bool, error) {
	if err := m.storage.AddConnection(ctx, userID, connID); err != nil {
		slog.Warn("Presence connect failed", "user", userID, "conn", connID, "error", err)
		return false, err
	}
	count, err := m.storage.ConnectionCount(ctx, userID)
	if err != nil {
		slog.Warn("Presence connection count failed", "user", userID, "error", err)
		return false, nil
	}
	if count != 1 {
		return false, nil
	}
	m.debounce.Trigger(userID)
	return true, nil
}

// HandleDisconnect removes the connection. When the set becomes empty the
// last-seen timestamp is recorded and a debounced offline broadcast is
// scheduled.
func (m *Manager) HandleDisconnect(ctx context.Context, userID, connID string) (bool, error) {
	wentOffline, err := m.storage.RemoveConnection(ctx, userID, connID)
	if err != nil {
		slog.Warn("Presence disconnect failed", "user", userID, "conn", connID, "error", err)
		return false, err
	}
	if !wentOffline {
		return false, nil
	}
	if err := m.storage.SetLastSeen(ctx, userID, time.Now()); err != nil {
		slog.Warn("Failed to record last seen", "user", userID, "error", err)
	}
	m.debounce.Trigger(userID)
	return true, nil
}

// GetPresence returns the user's current record, offline on storage errors.
func (m *Manager) GetPresence(ctx context.Context, userID string) Record {
	records := m.GetPresenceForUsers(ctx, []string{userID})
	return records[0]
}

// GetPresenceForUsers returns exactly one record per requested id, in request
// order: offline with nil last-seen for never-seen ids, and for every id when
// storage fails.
func (m *Manager) GetPresenceForUsers(ctx context.Context, userIDs []string) []Record {
	records, err := m.storage.PresenceForUsers(ctx, userIDs)
	if err != nil || len(records) != len(userIDs) {
		if err != nil {
			slog.Warn("Presence bulk lookup degraded to offline", "users", len(userIDs), "error", err)
		}
		records = make([]Record, 0, len(userIDs))
		for _, id := range userIDs {
			records = append(records, Record{UserID: id, Status: StatusOffline})
		}
	}
	return records
}

// Subscribe registers connID as a watcher of each user and returns a snapshot
// of their current presence, so callers see state immediately rather than
// only future pushes.
func (m *Manager) Subscribe(ctx context.Context, connID string, userIDs []string) ([]Record, error) {
	for _, userID := range userIDs {
		if err := m.storage.AddSubscription(ctx, connID, userID); err != nil {
			slog.Warn("Presence subscribe failed", "conn", connID, "user", userID, "error", err)
			return nil, err
		}
	}
	return m.GetPresenceForUsers(ctx, userIDs), nil
}

// Unsubscribe removes connID as a watcher of each user.
func (m *Manager) Unsubscribe(ctx context.Context, connID string, userIDs []string) error {
	for _, userID := range userIDs {
		if err := m.storage.RemoveSubscription(ctx, connID, userID); err != nil {
			return err
		}
	}
	return nil
}

// RemoveAllSubscriptions clears both directions of the subscription graph for
// connID. Called unconditionally on disconnect.
func (m *Manager) RemoveAllSubscriptions(ctx context.Context, connID string) error {
	return m.storage.RemoveAllSubscriptionsForConnection(ctx, connID)
}

// SubscribersOf returns the connection ids watching userID, nil on storage
// errors.
func (m *Manager) SubscribersOf(ctx context.Context, userID string) []string {
	subs, err := m.storage.SubscribersOf(ctx, userID)
	if err != nil {
		slog.Warn("Subscriber lookup failed", "user", userID, "error", err)
		return nil
	}
	return subs
}

// OnlineUsers returns all userIds with at least one live connection.
func (m *Manager) OnlineUsers(ctx context.Context) []string {
	users, err := m.storage.OnlineUsers(ctx)
	if err != nil {
		slog.Warn("Online users lookup failed", "error", err)
		return nil
	}
	return users
}

// SetStatus applies an explicit status (away, back to online). Updates for
// users with no live connections are ignored, matching connect/disconnect as
// the sole authority on offline.
func (m *Manager) SetStatus(ctx context.Context, userID string, status Status) error {
	if !status.Valid() || status == StatusOffline {
		return nil
	}
	online, err := m.storage.IsOnline(ctx, userID)
	if err != nil {
		return err
	}
	if !online {
		slog.Debug("Ignoring status for user with no connections", "user", userID, "status", status)
		return nil
	}
	if err := m.storage.SetStatus(ctx, userID, status); err != nil {
		return err
	}
	m.debounce.Trigger(userID)
	return nil
}

// Close stops all pending debounce timers. Idempotent.
func (m *Manager) Close() {
	m.debounce.Stop()
}

// broadcast fires after a user's debounce window goes quiet. It re-reads the
// final state and emits only if it differs from the last broadcast state, so
// stable states never re-emit.
func (m *Manager) broadcast(userID string) {
	ctx := context.Background()
	rec := m.GetPresence(ctx, userID)

	m.mu.Lock()
	last, seen := m.lastBroadcast[userID]
	if seen && last == rec.Status {
		m.mu.Unlock()
		return
	}
	if !seen && rec.Status == StatusOffline {
		// Never-broadcast user settling offline: nothing to announce.
		m.mu.Unlock()
		return
	}
	m.lastBroadcast[userID] = rec.Status
	m.mu.Unlock()

	subs, err := m.storage.SubscribersOf(ctx, userID)
	if err != nil {
		slog.Warn("Subscriber lookup failed, broadcasting globally only", "user", userID, "error", err)
		subs = nil
	}

	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", string(rec.Status)),
	))
	slog.Debug("Presence transition", "user", userID, "status", rec.Status, "subscribers", len(subs))

	m.notifier.PresenceChanged(rec, subs)
}

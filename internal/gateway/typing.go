package gateway

import (
	"context"
	"sync"
	"time"
)

// defaultTypingTTL is how long a typing entry survives without a refresh.
// Clients re-send typing:start while composing, so a lost typing:stop (abrupt
// disconnect, dropped frame) self-heals within one TTL.
const defaultTypingTTL = 6 * time.Second

// typingTracker holds per-conversation typing sets with self-expiring
// entries.
type typingTracker struct {
	mu     sync.Mutex
	typers map[string]map[string]time.Time // conversationId → userId → expiresAt
	ttl    time.Duration

	// onExpire is invoked outside the lock for entries removed by the sweep.
	onExpire func(conversationID, userID string)

	now func() time.Time
}

func newTypingTracker(ttl time.Duration, onExpire func(conversationID, userID string)) *typingTracker {
	if ttl <= 0 {
		ttl = defaultTypingTTL
	}
	return &typingTracker{
		typers:   make(map[string]map[string]time.Time),
		ttl:      ttl,
		onExpire: onExpire,
		now:      time.Now,
	}
}

// Start records the user as typing and reports whether this is a transition
// (false while already typing, so repeated starts refresh the expiry without
// triggering another broadcast).
func (t *typingTracker) Start(conversationID, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	typers := t.typers[conversationID]
	if typers == nil {
		typers = make(map[string]time.Time)
		t.typers[conversationID] = typers
	}
	_, already := typers[userID]
	typers[userID] = t.now().Add(t.ttl)
	return !already
}

// Stop removes the user's entry and reports whether one was present.
func (t *typingTracker) Stop(conversationID, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	typers, ok := t.typers[conversationID]
	if !ok {
		return false
	}
	if _, present := typers[userID]; !present {
		return false
	}
	delete(typers, userID)
	if len(typers) == 0 {
		delete(t.typers, conversationID)
	}
	return true
}

// Active returns the users currently typing in the conversation, skipping
// entries that have expired but not yet been swept.
func (t *typingTracker) Active(conversationID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	typers := t.typers[conversationID]
	if len(typers) == 0 {
		return nil
	}
	active := make([]string, 0, len(typers))
	for userID, expiresAt := range typers {
		if expiresAt.After(now) {
			active = append(active, userID)
		}
	}
	return active
}

// Run sweeps expired entries until ctx is cancelled.
func (t *typingTracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.sweep()
		}
	}
}

type typingEntry struct {
	conversationID string
	userID         string
}

func (t *typingTracker) sweep() {
	t.mu.Lock()
	now := t.now()
	var expired []typingEntry
	for conversationID, typers := range t.typers {
		for userID, expiresAt := range typers {
			if !expiresAt.After(now) {
				delete(typers, userID)
				expired = append(expired, typingEntry{conversationID, userID})
			}
		}
		if len(typers) == 0 {
			delete(t.typers, conversationID)
		}
	}
	t.mu.Unlock()

	if t.onExpire != nil {
		for _, e := range expired {
			t.onExpire(e.conversationID, e.userID)
		}
	}
}

// Package ratelimit implements sliding-window admission control keyed by
// (identity, event class). Each key holds the timestamps of its recent events;
// a check prunes entries older than the window and rejects once the window is
// full, reporting how long the caller must wait before the oldest entry ages
// out.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Config describes one event class: at most Max events per sliding Window.
type Config struct {
	Window time.Duration
	Max    int
}

// Default limit table. Keys are built by the caller as identity+":"+class so
// one limiter instance serves every class.
var (
	MessageSend       = Config{Window: 60 * time.Second, Max: 30}
	Typing            = Config{Window: 5 * time.Second, Max: 10}
	PresenceSubscribe = Config{Window: 10 * time.Second, Max: 20}
	Connection        = Config{Window: 60 * time.Second, Max: 10}
	General           = Config{Window: 60 * time.Second, Max: 100}
	Auth              = Config{Window: 300 * time.Second, Max: 10}
	Upload            = Config{Window: 60 * time.Second, Max: 10}
)

// Result is the outcome of a single admission check.
type Result struct {
	Limited    bool
	RetryAfter time.Duration
}

// Limiter tracks per-key event timestamps. Safe for concurrent use.
type Limiter struct {
	mu      sync.Mutex
	entries map[string][]time.Time

	sweepInterval time.Duration
	idleAfter     time.Duration

	now func() time.Time
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source. Tests use this to drive the window
// deterministically.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithSweep overrides the sweep cadence and the idle age after which a key is
// evicted.
func WithSweep(interval, idleAfter time.Duration) Option {
	return func(l *Limiter) {
		l.sweepInterval = interval
		l.idleAfter = idleAfter
	}
}

// NewLimiter creates a Limiter with default sweep settings (every minute,
// evicting keys idle for ten minutes).
func NewLimiter(opts ...Option) *Limiter {
	l := &Limiter{
		entries:       make(map[string][]time.Time),
		sweepInterval: time.Minute,
		idleAfter:     10 * time.Minute,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Check records an event for key if the window has room, or rejects it with
// the time remaining until the oldest event leaves the window. A cfg with
// Max <= 0 always rejects; a zero Window always allows.
func (l *Limiter) Check(key string, cfg Config) Result {
	if cfg.Window <= 0 {
		return Result{}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cut := now.Add(-cfg.Window)

	kept := l.entries[key][:0]
	for _, t := range l.entries[key] {
		if t.After(cut) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= cfg.Max {
		l.entries[key] = kept
		if len(kept) == 0 {
			// Max <= 0: nothing will ever leave the window.
			return Result{Limited: true, RetryAfter: cfg.Window}
		}
		retry := cfg.Window - now.Sub(kept[0])
		if retry < 0 {
			retry = 0
		}
		return Result{Limited: true, RetryAfter: retry}
	}

	l.entries[key] = append(kept, now)
	return Result{}
}

// Reset drops all state for key. Called on disconnect so per-connection keys
// do not linger until the sweep.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	delete(l.entries, key)
	l.mu.Unlock()
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Run sweeps idle keys until ctx is cancelled. Run in its own goroutine.
func (l *Limiter) Run(ctx context.Context) {
	ticker := time.NewTicker(l.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			evicted := l.sweep()
			if evicted > 0 {
				slog.Debug("Rate limiter sweep", "evicted", evicted, "remaining", l.Len())
			}
		}
	}
}

// sweep evicts keys whose newest timestamp is older than the idle cutoff and
// returns how many were removed.
func (l *Limiter) sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cut := l.now().Add(-l.idleAfter)
	evicted := 0
	for key, times := range l.entries {
		if len(times) == 0 || times[len(times)-1].Before(cut) {
			delete(l.entries, key)
			evicted++
		}
	}
	return evicted
}

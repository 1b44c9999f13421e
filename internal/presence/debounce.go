package presence

import (
	"sync"
	"time"
)

// debouncer runs fn(key) once a key has been quiet for the configured delay.
// Every Trigger cancels and reschedules that key's timer, so a burst of
// triggers collapses into a single firing reflecting the final state.
type debouncer struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
	delay  time.Duration
	fn     func(key string)
	closed bool
}

func newDebouncer(delay time.Duration, fn func(key string)) *debouncer {
	return &debouncer{
		timers: make(map[string]*time.Timer),
		delay:  delay,
		fn:     fn,
	}
}

// Trigger schedules (or reschedules) the deferred action for key.
func (d *debouncer) Trigger(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	if timer, ok := d.timers[key]; ok {
		timer.Stop()
	}
	d.timers[key] = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		delete(d.timers, key)
		closed := d.closed
		d.mu.Unlock()
		if !closed {
			d.fn(key)
		}
	})
}

// Stop cancels all pending timers. Further triggers are ignored.
func (d *debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	for key, timer := range d.timers {
		timer.Stop()
		delete(d.timers, key)
	}
}

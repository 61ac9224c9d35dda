package deepstream

import (
	"sync"
	"time"
)

// ackKey identifies one scheduled ack deadline by the (name, action) pair
// the server is expected to ack, per spec section 4.10.
type ackKey struct {
	name   string
	action string
}

// ackTimeoutRegistry holds a map (name, action) -> timer. add schedules a
// timer that, on fire, raises ACK_TIMEOUT via onTimeout; clear cancels by
// matching an inbound ack's (name, action); remove cancels silently.
type ackTimeoutRegistry struct {
	mu        sync.Mutex
	timers    map[ackKey]*time.Timer
	onTimeout func(name, action string)
}

func newAckTimeoutRegistry(onTimeout func(name, action string)) *ackTimeoutRegistry {
	return &ackTimeoutRegistry{
		timers:    make(map[ackKey]*time.Timer),
		onTimeout: onTimeout,
	}
}

// add arms a timeout for (name, action). A pre-existing timer for the same
// key is replaced.
func (r *ackTimeoutRegistry) add(name, action string, d time.Duration) {
	if d <= 0 {
		return
	}
	key := ackKey{name, action}
	r.mu.Lock()
	if existing, ok := r.timers[key]; ok {
		existing.Stop()
	}
	r.timers[key] = time.AfterFunc(d, func() {
		r.mu.Lock()
		_, stillArmed := r.timers[key]
		delete(r.timers, key)
		r.mu.Unlock()
		if stillArmed && r.onTimeout != nil {
			r.onTimeout(name, action)
		}
	})
	r.mu.Unlock()
}

// clear cancels the timer matching (name, action), as when the
// corresponding ack frame arrives from the server.
func (r *ackTimeoutRegistry) clear(name, action string) {
	key := ackKey{name, action}
	r.mu.Lock()
	if t, ok := r.timers[key]; ok {
		t.Stop()
		delete(r.timers, key)
	}
	r.mu.Unlock()
}

// remove cancels the timer for (name, action) without firing onTimeout.
func (r *ackTimeoutRegistry) remove(name, action string) {
	r.clear(name, action)
}

// removeAll cancels every outstanding timer, used on handler teardown.
func (r *ackTimeoutRegistry) removeAll() {
	r.mu.Lock()
	for k, t := range r.timers {
		t.Stop()
		delete(r.timers, k)
	}
	r.mu.Unlock()
}

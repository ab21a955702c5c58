// internal/timers/registry.go
package timers

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Kind labels what a scheduled timer is for, so the same (lobby, connection)
// pair can carry independent countdown and inactivity timers.
type Kind string

const (
	KindCountdown         Kind = "countdown"
	KindInactivityWarning Kind = "inactivity_warning"
	KindInactivityKick    Kind = "inactivity_kick"
)

// Key identifies one cancellable timer. ConnID is empty for lobby-wide
// timers such as the race countdown.
type Key struct {
	Code   string
	ConnID string
	Kind   Kind
}

type entry struct {
	timer  clockwork.Timer
	cancel chan struct{}
}

// Registry is a keyed, cancellable delayed-callback primitive. Callbacks run
// on their own goroutine and must re-fetch current state by key: the state
// captured at schedule time may be stale by the time the timer fires.
type Registry struct {
	mu      sync.Mutex
	clock   clockwork.Clock
	entries map[Key]*entry
}

// New returns a Registry driven by the given clock. Tests pass a clockwork
// fake clock to advance time deterministically.
func New(clock clockwork.Clock) *Registry {
	return &Registry{
		clock:   clock,
		entries: make(map[Key]*entry),
	}
}

// Schedule arms a timer for key, replacing any existing timer under the same
// key. When the delay elapses fn runs on a fresh goroutine; if the key is
// cancelled first, fn never runs.
func (r *Registry) Schedule(key Key, delay time.Duration, fn func()) {
	r.mu.Lock()
	if existing, ok := r.entries[key]; ok {
		close(existing.cancel)
	}
	e := &entry{
		timer:  r.clock.NewTimer(delay),
		cancel: make(chan struct{}),
	}
	r.entries[key] = e
	r.mu.Unlock()

	go func() {
		select {
		case <-e.timer.Chan():
			// Only fire if this entry is still the registered one; a
			// concurrent Schedule may have replaced it between the timer
			// firing and us taking the lock.
			r.mu.Lock()
			current, ok := r.entries[key]
			if !ok || current != e {
				r.mu.Unlock()
				return
			}
			delete(r.entries, key)
			r.mu.Unlock()
			fn()
		case <-e.cancel:
			stopAndDrain(e.timer)
		}
	}()
}

// Cancel disarms the timer for key if one is armed.
func (r *Registry) Cancel(key Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok {
		close(e.cancel)
		delete(r.entries, key)
	}
}

// CancelConn disarms every timer scheduled for a connection within a lobby.
func (r *Registry) CancelConn(code, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, e := range r.entries {
		if key.Code == code && key.ConnID == connID {
			close(e.cancel)
			delete(r.entries, key)
		}
	}
}

// CancelLobby disarms every timer scheduled under a lobby code.
func (r *Registry) CancelLobby(code string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, e := range r.entries {
		if key.Code == code {
			close(e.cancel)
			delete(r.entries, key)
		}
	}
}

// Active reports whether a timer is currently armed for key.
func (r *Registry) Active(key Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[key]
	return ok
}

// stopAndDrain stops a timer and drains its channel so a pending tick does
// not linger. Follows the pattern from the time.Timer.Stop documentation.
func stopAndDrain(timer clockwork.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.Chan():
		default:
		}
	}
}

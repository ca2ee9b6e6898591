package conntest

import (
	"log"
	"sync"

	"github.com/google/uuid"
)

// ListenerRegistry holds registered state-change listeners keyed by an
// opaque token. Removal matches by listener identity, so callers do not
// need to keep the token around. Listeners whose notification delivery
// fails (for example a control client that went away) are dropped.
type ListenerRegistry struct {
	mu        sync.Mutex
	listeners map[string]Listener
}

func NewListenerRegistry() *ListenerRegistry {
	return &ListenerRegistry{
		listeners: make(map[string]Listener),
	}
}

// Add registers a listener and returns its token. It always succeeds.
func (r *ListenerRegistry) Add(l Listener) string {
	key := uuid.New().String()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners[key] = l

	return key
}

// Remove unregisters a listener by identity. At most one entry is
// removed; an unknown listener is a no-op.
func (r *ListenerRegistry) Remove(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, registered := range r.listeners {
		if registered == l {
			delete(r.listeners, key)
			return
		}
	}
}

// Len reports the number of registered listeners.
func (r *ListenerRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.listeners)
}

// NotifyAll invokes every registered listener. Failing listeners are
// removed after the full pass completes, never mid-iteration. The
// registry lock is not held while listeners run.
func (r *ListenerRegistry) NotifyAll() {
	r.mu.Lock()
	snapshot := make(map[string]Listener, len(r.listeners))
	for key, l := range r.listeners {
		snapshot[key] = l
	}
	r.mu.Unlock()

	var failed []string
	for key, l := range snapshot {
		if err := l.OnStateChange(); err != nil {
			log.Printf("dropping state listener %s: %v", key, err)
			failed = append(failed, key)
		}
	}

	if len(failed) == 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, key := range failed {
		delete(r.listeners, key)
	}
}

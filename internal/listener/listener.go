package listener

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"purchasesync/internal/logging"
)

// Registry is an ordered set of change callbacks. NotifyAll calls them
// synchronously on the caller's goroutine; callbacks may add or remove
// registrations while it runs.
type Registry struct {
	mu      sync.Mutex
	nextID  uint64
	entries []entry
	log     logrus.FieldLogger
	onPanic func()
}

type entry struct {
	id uint64
	fn func()
}

func NewRegistry(log logrus.FieldLogger) *Registry {
	return &Registry{log: logging.OrDiscard(log)}
}

// OnPanic sets a hook called once per recovered callback panic, e.g. a metric.
func (r *Registry) OnPanic(fn func()) {
	r.mu.Lock()
	r.onPanic = fn
	r.mu.Unlock()
}

// Add registers fn and returns its unsubscribe func. Unsubscribing twice is
// harmless. A nil fn is ignored.
func (r *Registry) Add(fn func()) func() {
	if fn == nil {
		return func() {}
	}
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.entries = append(r.entries, entry{id: id, fn: fn})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(id) })
	}
}

func (r *Registry) remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.entries {
		if e.id == id {
			next := make([]entry, 0, len(r.entries)-1)
			next = append(next, r.entries[:i]...)
			r.entries = append(next, r.entries[i+1:]...)
			return
		}
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// NotifyAll invokes every callback registered at the time of the call, in
// registration order. A callback removed mid-pass by an earlier one still
// runs in this pass; one added mid-pass waits for the next.
func (r *Registry) NotifyAll() {
	r.mu.Lock()
	snapshot := r.entries
	onPanic := r.onPanic
	r.mu.Unlock()

	for _, e := range snapshot {
		r.call(e, onPanic)
	}
}

func (r *Registry) call(e entry, onPanic func()) {
	defer func() {
		if rec := recover(); rec != nil {
			logging.LogError(r.log, "listener", "NotifyAll", "callback panicked", map[string]uint64{"listener": e.id}, fmt.Errorf("%v", rec))
			if onPanic != nil {
				onPanic()
			}
		}
	}()
	e.fn()
}

// Package pending keeps the cancel funcs of requests in flight so a client
// can abort all of them at once.
package pending

import (
	"context"
	"sync"
)

// Tracker is a set of in-flight requests. The zero value is ready to use.
type Tracker struct {
	mu      sync.Mutex
	nextID  uint64
	cancels map[uint64]context.CancelFunc
}

// Track derives a cancellable context for one request. The returned done
// func must be called when the request finishes.
func (t *Tracker) Track(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancels == nil {
		t.cancels = make(map[uint64]context.CancelFunc)
	}
	t.nextID++
	id := t.nextID
	t.cancels[id] = cancel

	return ctx, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.cancels, id)
		cancel()
	}
}

// Clear cancels every tracked request.
func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id, cancel := range t.cancels {
		cancel()
		delete(t.cancels, id)
	}
}

// Len returns the number of requests in flight.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.cancels)
}

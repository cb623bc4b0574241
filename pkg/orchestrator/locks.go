package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrBusy is returned when another turn holds the aide's lock past the
// configured acquisition timeout.
var ErrBusy = errors.New("aide is busy with another turn")

// LockRegistry serializes turns per aide. Entries are reference-counted and
// evicted as soon as no turn holds or waits on them, so the registry stays
// proportional to active aides rather than all aides ever seen.
type LockRegistry struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	sem  chan struct{}
	refs int
}

// NewLockRegistry creates an empty registry.
func NewLockRegistry() *LockRegistry {
	return &LockRegistry{entries: make(map[string]*lockEntry)}
}

// Acquire takes the per-aide lock, waiting up to timeout. The returned
// release function must be called exactly once. Context cancellation also
// aborts the wait.
func (r *LockRegistry) Acquire(ctx context.Context, aideID string, timeout time.Duration) (func(), error) {
	r.mu.Lock()
	e, ok := r.entries[aideID]
	if !ok {
		e = &lockEntry{sem: make(chan struct{}, 1)}
		r.entries[aideID] = e
	}
	e.refs++
	r.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case e.sem <- struct{}{}:
		var once sync.Once
		release := func() {
			once.Do(func() {
				<-e.sem
				r.put(aideID, e)
			})
		}
		return release, nil
	case <-timer.C:
		r.put(aideID, e)
		return nil, ErrBusy
	case <-ctx.Done():
		r.put(aideID, e)
		return nil, ctx.Err()
	}
}

func (r *LockRegistry) put(aideID string, e *lockEntry) {
	r.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(r.entries, aideID)
	}
	r.mu.Unlock()
}

// Len reports the number of live entries, for tests and diagnostics.
func (r *LockRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

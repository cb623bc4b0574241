// Package ratelimit enforces the free-tier weekly turn allowance.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	window          = 7 * 24 * time.Hour
	cleanupInterval = time.Hour
)

// Limiter counts turn starts per user over a sliding one-week window.
// Counters are process-local: a multi-pod deployment enforces the cap per
// pod, which over-admits by at most the pod count — acceptable for an
// abuse guard, not billing.
type Limiter struct {
	limit int
	now   func() time.Time

	mu    sync.Mutex
	users map[string][]time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a limiter allowing limit turns per user per week.
// A non-positive limit disables limiting.
func New(limit int) *Limiter {
	return &Limiter{
		limit: limit,
		now:   time.Now,
		users: make(map[string][]time.Time),
	}
}

// Allow records a turn start for the user and reports whether it is within
// the weekly allowance. Denied calls are not recorded.
func (l *Limiter) Allow(userID string) bool {
	if l.limit <= 0 {
		return true
	}

	now := l.now()
	cutoff := now.Add(-window)

	l.mu.Lock()
	defer l.mu.Unlock()

	turns := pruneBefore(l.users[userID], cutoff)
	if len(turns) >= l.limit {
		l.users[userID] = turns
		return false
	}
	l.users[userID] = append(turns, now)
	return true
}

// Remaining returns how many turns the user has left in the current window.
func (l *Limiter) Remaining(userID string) int {
	if l.limit <= 0 {
		return -1
	}

	cutoff := l.now().Add(-window)

	l.mu.Lock()
	defer l.mu.Unlock()

	turns := pruneBefore(l.users[userID], cutoff)
	l.users[userID] = turns
	if rem := l.limit - len(turns); rem > 0 {
		return rem
	}
	return 0
}

// Start launches the background sweep that drops users whose entire window
// has expired, so the map does not grow with one-off visitors.
func (l *Limiter) Start(ctx context.Context) {
	if l.cancel != nil || l.limit <= 0 {
		return
	}
	ctx, l.cancel = context.WithCancel(ctx)
	l.done = make(chan struct{})

	go l.run(ctx)

	slog.Info("Rate limiter started", "turns_per_week", l.limit)
}

// Stop signals the sweep loop to exit and waits for it to finish.
func (l *Limiter) Stop() {
	if l.cancel == nil {
		return
	}
	l.cancel()
	<-l.done
	slog.Info("Rate limiter stopped")
}

func (l *Limiter) run(ctx context.Context) {
	defer close(l.done)

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

func (l *Limiter) sweep() {
	cutoff := l.now().Add(-window)

	l.mu.Lock()
	defer l.mu.Unlock()

	for user, turns := range l.users {
		turns = pruneBefore(turns, cutoff)
		if len(turns) == 0 {
			delete(l.users, user)
			continue
		}
		l.users[user] = turns
	}
}

// pruneBefore drops timestamps at or before the cutoff. Timestamps are
// appended in order, so the suffix after the first survivor is kept as-is.
func pruneBefore(turns []time.Time, cutoff time.Time) []time.Time {
	for i, ts := range turns {
		if ts.After(cutoff) {
			return turns[i:]
		}
	}
	return nil
}

// Package ratelimit bounds how often a recovery token may be issued for a
// single hostname.
//
// The limiter keeps a sliding window of admitted request timestamps per
// hostname. Each hostname owns its own entry and mutex; the table lock is
// held only long enough to find or create an entry.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Default limits for recovery-token issuance.
const (
	DefaultLimit  = 2
	DefaultWindow = 15 * time.Minute
)

type entry struct {
	mu       sync.Mutex
	admitted []time.Time
	removed  bool // set by Prune once the entry is no longer in the table
}

// trim drops timestamps outside the window ending at now. Caller holds e.mu.
func (e *entry) trim(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(e.admitted) && !e.admitted[i].After(cutoff) {
		i++
	}
	e.admitted = e.admitted[i:]
}

// Limiter is a per-key sliding-window limiter.
type Limiter struct {
	limit      int
	window     time.Duration
	maxEntries int
	now        func() time.Time

	mu      sync.RWMutex
	entries map[string]*entry
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithMaxEntries caps the number of tracked keys. When the table is full a
// prune is attempted; if it is still full, requests for unseen keys are
// refused. Zero means unbounded.
func WithMaxEntries(n int) Option {
	return func(l *Limiter) { l.maxEntries = n }
}

// New returns a Limiter that admits at most limit requests per key in any
// trailing window.
func New(limit int, window time.Duration, opts ...Option) *Limiter {
	l := &Limiter{
		limit:   limit,
		window:  window,
		now:     time.Now,
		entries: make(map[string]*entry),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Allow reports whether a request for key is admitted, recording it if so.
// Refused requests are not recorded.
func (l *Limiter) Allow(key string) bool {
	for {
		e := l.lookup(key)
		if e == nil {
			return false
		}
		if ok, retry := l.admit(e); !retry {
			return ok
		}
	}
}

// Release returns the most recent admission for key to the window. Callers
// use it when the admitted request failed before taking effect.
func (l *Limiter) Release(key string) {
	l.mu.RLock()
	e, ok := l.entries[key]
	l.mu.RUnlock()
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if n := len(e.admitted); n > 0 {
		e.admitted = e.admitted[:n-1]
	}
}

func (l *Limiter) admit(e *entry) (ok, retry bool) {
	now := l.now()
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.removed {
		return false, true
	}
	e.trim(now, l.window)
	if len(e.admitted) >= l.limit {
		return false, false
	}
	e.admitted = append(e.admitted, now)
	return true, false
}

func (l *Limiter) lookup(key string) *entry {
	l.mu.RLock()
	e, ok := l.entries[key]
	l.mu.RUnlock()
	if ok {
		return e
	}

	if l.maxEntries > 0 && l.Len() >= l.maxEntries {
		l.Prune()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[key]; ok {
		return e
	}
	if l.maxEntries > 0 && len(l.entries) >= l.maxEntries {
		return nil
	}
	e = &entry{}
	l.entries[key] = e
	return e
}

// Prune removes keys whose admitted timestamps have all left the window.
// It returns the number of keys removed.
func (l *Limiter) Prune() int {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, e := range l.entries {
		e.mu.Lock()
		e.trim(now, l.window)
		empty := len(e.admitted) == 0
		if empty {
			e.removed = true
		}
		e.mu.Unlock()
		if empty {
			delete(l.entries, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Run prunes every interval until ctx is done.
func (l *Limiter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.Prune()
		case <-ctx.Done():
			return
		}
	}
}

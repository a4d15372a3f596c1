// Package ratelimit implements a fixed-window request limiter keyed by caller
// identity.
package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/capitalize-ai/tool-gateway/pkg/metrics"
)

// Config holds limiter settings.
type Config struct {
	// Limit is the number of requests admitted per window.
	Limit int
	// Window is the length of a window.
	Window time.Duration
	// MaxIdentities bounds the number of tracked identities. Zero means
	// unbounded.
	MaxIdentities int
}

// Result is the outcome of a single admission check.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetTime time.Time
}

// RetryAfter returns the whole seconds until the window resets, rounded up.
func (r Result) RetryAfter(now time.Time) int {
	d := r.ResetTime.Sub(now)
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}

type window struct {
	mu      sync.Mutex
	count   int
	start   time.Time
	evicted bool
}

// Limiter admits at most Config.Limit requests per identity per window.
// It is safe for concurrent use.
type Limiter struct {
	cfg Config
	now func() time.Time

	mu      sync.RWMutex
	windows map[string]*window
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// New creates a Limiter.
func New(cfg Config, opts ...Option) *Limiter {
	l := &Limiter{
		cfg:     cfg,
		now:     time.Now,
		windows: make(map[string]*window),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Check records a request for identity and reports whether it is admitted.
// A denied request does not change the window.
func (l *Limiter) Check(identity string) Result {
	for {
		now := l.now()
		w := l.window(identity, now)

		w.mu.Lock()
		if w.evicted {
			// Removed by a sweep between lookup and lock.
			w.mu.Unlock()
			continue
		}

		if !now.Before(w.start.Add(l.cfg.Window)) {
			w.count = 0
			w.start = now
		}
		reset := w.start.Add(l.cfg.Window)

		if w.count < l.cfg.Limit {
			w.count++
			res := Result{
				Allowed:   true,
				Limit:     l.cfg.Limit,
				Remaining: l.cfg.Limit - w.count,
				ResetTime: reset,
			}
			w.mu.Unlock()
			return res
		}

		w.mu.Unlock()
		return Result{
			Allowed:   false,
			Limit:     l.cfg.Limit,
			Remaining: 0,
			ResetTime: reset,
		}
	}
}

func (l *Limiter) window(identity string, now time.Time) *window {
	l.mu.RLock()
	w, ok := l.windows[identity]
	l.mu.RUnlock()
	if ok {
		return w
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if w, ok = l.windows[identity]; ok {
		return w
	}

	if l.cfg.MaxIdentities > 0 && len(l.windows) >= l.cfg.MaxIdentities {
		l.pruneLocked(now)
		if len(l.windows) >= l.cfg.MaxIdentities {
			l.evictOldestLocked()
		}
	}

	w = &window{start: now}
	l.windows[identity] = w
	metrics.RateLimitIdentities.Set(float64(len(l.windows)))
	return w
}

// Sweep drops windows that have expired and returns how many were removed.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := l.pruneLocked(l.now())
	metrics.RateLimitIdentities.Set(float64(len(l.windows)))
	return removed
}

// Run sweeps expired windows every interval until ctx is done. A
// non-positive interval falls back to the window length.
func (l *Limiter) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = l.cfg.Window
	}
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}

// Len returns the number of tracked identities.
func (l *Limiter) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.windows)
}

// pruneLocked requires l.mu held for writing.
func (l *Limiter) pruneLocked(now time.Time) int {
	removed := 0
	for id, w := range l.windows {
		w.mu.Lock()
		if !now.Before(w.start.Add(l.cfg.Window)) {
			w.evicted = true
			delete(l.windows, id)
			removed++
		}
		w.mu.Unlock()
	}
	return removed
}

// evictOldestLocked requires l.mu held for writing.
func (l *Limiter) evictOldestLocked() {
	var (
		oldestID    string
		oldestStart time.Time
		found       bool
	)
	for id, w := range l.windows {
		w.mu.Lock()
		start := w.start
		w.mu.Unlock()
		if !found || start.Before(oldestStart) {
			oldestID, oldestStart, found = id, start, true
		}
	}
	if !found {
		return
	}
	w := l.windows[oldestID]
	w.mu.Lock()
	w.evicted = true
	w.mu.Unlock()
	delete(l.windows, oldestID)
}

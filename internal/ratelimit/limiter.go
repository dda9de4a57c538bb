// Package ratelimit implements the process-local admission control used by the
// public ingestion routes.
//
// State lives in memory only. Counters are not shared across processes.
package ratelimit

import (
	"sync"
	"time"
)

// Route families share one window but carry their own ceilings.
const (
	FamilyContact = "contact"
	FamilyMetrics = "metrics"
)

// Decision is the outcome of a single admission check.
type Decision struct {
	Allowed bool
	Count   int
	Limit   int
	ResetAt time.Time
}

// RetryAfter is the time left until the bucket resets, never negative.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	if d.Allowed || !d.ResetAt.After(now) {
		return 0
	}
	return d.ResetAt.Sub(now)
}

type bucket struct {
	count   int
	resetAt time.Time
}

// Limiter is a fixed-window counter keyed by client identity and route family.
// Safe for concurrent use.
type Limiter struct {
	mu         sync.Mutex
	buckets    map[string]*bucket
	window     time.Duration
	sweepEvery time.Duration
	lastSweep  time.Time
	now        func() time.Time
}

type Option func(*Limiter)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithSweepInterval bounds how often expired buckets are swept. Zero sweeps on
// every admission.
func WithSweepInterval(d time.Duration) Option {
	return func(l *Limiter) { l.sweepEvery = d }
}

func New(window time.Duration, opts ...Option) *Limiter {
	if window <= 0 {
		window = 15 * time.Minute
	}
	l := &Limiter{
		buckets:    make(map[string]*bucket),
		window:     window,
		sweepEvery: time.Second,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Key builds the bucket key for a route family and client identity.
func Key(family, client string) string {
	if client == "" {
		client = "unknown"
	}
	return family + ":" + client
}

// Window returns the configured window length.
func (l *Limiter) Window() time.Duration { return l.window }

// Admit counts one request against key and reports whether it fits under limit.
// A non-positive limit disables the check for that call.
func (l *Limiter) Admit(key string, limit int) Decision {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.sweepLocked(now)

	b, ok := l.buckets[key]
	if !ok || now.After(b.resetAt) {
		b = &bucket{count: 1, resetAt: now.Add(l.window)}
		l.buckets[key] = b
	} else {
		b.count++
	}

	return Decision{
		Allowed: limit <= 0 || b.count <= limit,
		Count:   b.count,
		Limit:   limit,
		ResetAt: b.resetAt,
	}
}

// Len reports the number of tracked buckets, expired ones included until the
// next sweep.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *Limiter) sweepLocked(now time.Time) {
	if l.sweepEvery > 0 && now.Sub(l.lastSweep) < l.sweepEvery {
		return
	}
	l.lastSweep = now
	for k, b := range l.buckets {
		if now.After(b.resetAt) {
			delete(l.buckets, k)
		}
	}
}

// Package ratelimit implements a per-client sliding-window admission gate.
package ratelimit

import (
	"errors"
	"sync"
	"time"
)

const (
	defaultWindow  = 60 * time.Second
	defaultMax     = 30
	defaultMaxKeys = 10000
)

// Config sizes a Limiter. Zero fields fall back to the defaults above.
type Config struct {
	Window      time.Duration
	MaxRequests int
	MaxKeys     int
}

// Limiter admits at most MaxRequests per key in any trailing Window.
//
// The tracked key set never exceeds MaxKeys: when a new key arrives at the
// ceiling the limiter sweeps keys with no live timestamps, and if that frees
// nothing the new key is denied.
type Limiter struct {
	window  time.Duration
	max     int
	maxKeys int
	now     func() time.Time

	mu      sync.Mutex
	buckets map[string][]time.Time
}

// New builds a Limiter from cfg.
func New(cfg Config) (*Limiter, error) {
	if cfg.Window < 0 || cfg.MaxRequests < 0 || cfg.MaxKeys < 0 {
		return nil, errors.New("ratelimit: config values must not be negative")
	}
	if cfg.Window == 0 {
		cfg.Window = defaultWindow
	}
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = defaultMax
	}
	if cfg.MaxKeys == 0 {
		cfg.MaxKeys = defaultMaxKeys
	}
	return &Limiter{
		window:  cfg.Window,
		max:     cfg.MaxRequests,
		maxKeys: cfg.MaxKeys,
		now:     time.Now,
		buckets: make(map[string][]time.Time),
	}, nil
}

// Allow is Admit at the current wall-clock time.
func (l *Limiter) Allow(key string) bool {
	return l.Admit(key, l.now())
}

// Admit records a request for key at now and reports whether it is allowed.
// Denied requests are not recorded.
func (l *Limiter) Admit(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-l.window)
	bucket, tracked := l.buckets[key]
	if tracked {
		bucket = prune(bucket, cutoff)
	} else if len(l.buckets) >= l.maxKeys {
		l.sweep(cutoff)
		if len(l.buckets) >= l.maxKeys {
			return false
		}
	}

	if len(bucket) >= l.max {
		l.buckets[key] = bucket
		return false
	}
	l.buckets[key] = append(bucket, now)
	return true
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// sweep drops every key whose timestamps have all left the window.
// Caller holds l.mu.
func (l *Limiter) sweep(cutoff time.Time) {
	for key, bucket := range l.buckets {
		bucket = prune(bucket, cutoff)
		if len(bucket) == 0 {
			delete(l.buckets, key)
			continue
		}
		l.buckets[key] = bucket
	}
}

// prune removes timestamps at or before cutoff. Buckets are append-only in
// time order, so the live suffix starts at the first timestamp after cutoff.
func prune(bucket []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(bucket) && !bucket[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return bucket
	}
	return append(bucket[:0], bucket[i:]...)
}

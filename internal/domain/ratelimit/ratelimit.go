// Package ratelimit implements fixed-window rate limiting over a pluggable
// counter store.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/okian/sabor/internal/domain/model"
	"github.com/okian/sabor/pkg/metrics"
)

// Key spaces.
const (
	SpaceVoter = "voter"
	SpacePhone = "phone"
)

// Store keeps one RateWindow per key.
type Store interface {
	// Increment atomically advances the window for key to now and returns the
	// count including this call.
	Increment(ctx context.Context, key string, window time.Duration, now time.Time) (int, error)
}

// Advance applies one call at now to w. A window older than size restarts
// at count 1.
func Advance(w model.RateWindow, key string, size time.Duration, now time.Time) model.RateWindow {
	if w.Count == 0 || now.Sub(w.WindowStart) > size {
		return model.RateWindow{Key: key, WindowStart: now, Count: 1}
	}
	w.Count++
	return w
}

// Rule is a limit applied to one key space.
type Rule struct {
	Space  string
	Limit  int
	Window time.Duration
}

// Limiter answers allow/deny questions.
type Limiter struct {
	store Store
	now   func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// New creates a Limiter backed by store.
func New(store Store, opts ...Option) *Limiter {
	l := &Limiter{store: store, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow counts a call for key and reports whether it is within limit for
// the current window. Exactly limit calls are allowed per window.
func (l *Limiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 || window <= 0 {
		return false, ErrInvalidRule
	}
	count, err := l.store.Increment(ctx, key, window, l.now())
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrStore, err)
	}
	return count <= limit, nil
}

// AllowRule is Allow for subject within the rule's key space.
func (l *Limiter) AllowRule(ctx context.Context, r Rule, subject string) (bool, error) {
	ok, err := l.Allow(ctx, r.Space+":"+subject, r.Limit, r.Window)
	if err == nil && !ok {
		metrics.RecordRateLimited(r.Space)
	}
	return ok, err
}

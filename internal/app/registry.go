package service

import (
	"context"
	"sync"
	"time"

	"github.com/okian/sabor/internal/domain/pipeline"
	"github.com/okian/sabor/pkg/metrics"
)

// Registry holds live attempts by id. Attempts idle for longer than the
// TTL are swept: open ones are cancelled, which releases any reservation,
// and all of them are forgotten.
type Registry struct {
	mu       sync.RWMutex
	attempts map[string]*pipeline.Attempt
	idleTTL  time.Duration
	now      func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry(idleTTL time.Duration, now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{attempts: make(map[string]*pipeline.Attempt), idleTTL: idleTTL, now: now}
}

// Put stores a.
func (r *Registry) Put(a *pipeline.Attempt) {
	r.mu.Lock()
	r.attempts[a.ID()] = a
	n := len(r.attempts)
	r.mu.Unlock()
	metrics.UpdateActiveAttempts(n)
}

// Get returns the attempt with id or pipeline.ErrUnknownAttempt.
func (r *Registry) Get(id string) (*pipeline.Attempt, error) {
	r.mu.RLock()
	a, ok := r.attempts[id]
	r.mu.RUnlock()
	if !ok {
		return nil, pipeline.ErrUnknownAttempt
	}
	return a, nil
}

// Len returns the number of held attempts.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.attempts)
}

// Sweep drops attempts idle past the TTL, calling cancel on those still
// open. It returns how many were dropped. The registry lock is never held
// while an attempt is inspected or cancelled.
func (r *Registry) Sweep(ctx context.Context, cancel func(context.Context, *pipeline.Attempt)) int {
	cutoff := r.now().Add(-r.idleTTL)

	r.mu.RLock()
	candidates := make([]*pipeline.Attempt, 0, len(r.attempts))
	for _, a := range r.attempts {
		candidates = append(candidates, a)
	}
	r.mu.RUnlock()

	var idle []*pipeline.Attempt
	for _, a := range candidates {
		if a.IdleSince().Before(cutoff) {
			idle = append(idle, a)
		}
	}

	expired := idle[:0]
	r.mu.Lock()
	for _, a := range idle {
		// Skip ids replaced or touched since the snapshot.
		if r.attempts[a.ID()] == a && a.IdleSince().Before(cutoff) {
			delete(r.attempts, a.ID())
			expired = append(expired, a)
		}
	}
	n := len(r.attempts)
	r.mu.Unlock()

	for _, a := range expired {
		if !a.Stage().Terminal() {
			cancel(ctx, a)
		}
	}
	metrics.UpdateActiveAttempts(n)
	return len(expired)
}

// Run sweeps every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration, cancel func(context.Context, *pipeline.Attempt)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx, cancel)
		}
	}
}

// Package dedupe guards the one-vote-per-(voter, dish, edition) invariant.
//
// The Store is the single source of truth: Reserve must be atomic there
// (unique constraint, compare-and-swap, or a lock in memory), so two
// concurrent submissions for the same key can never both be reserved.
package dedupe

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/okian/sabor/internal/domain/model"
	"github.com/okian/sabor/pkg/logger"
	"github.com/okian/sabor/pkg/metrics"
)

// Store is the authoritative record of reserved and committed votes. Every
// reservation carries the holder id that made it; only that holder can
// commit or release it.
type Store interface {
	// Reserve claims key for holder. Returns ErrAlreadyVoted when a vote for
	// key is committed or another reservation holds it.
	Reserve(ctx context.Context, key model.VoteKey, holder string) error
	// Release drops holder's reservation. Committed votes and reservations
	// taken over by another holder are left alone.
	Release(ctx context.Context, key model.VoteKey, holder string) error
	// Commit turns holder's reservation for vote.Key() into a permanent
	// vote. Returns ErrNotReserved when the key holds nothing,
	// ErrAlreadyVoted when it is already committed and ErrReservationLost
	// when another holder took the reservation over.
	Commit(ctx context.Context, holder string, vote model.Vote) error
	// CountByVoter returns the number of committed votes for a voter.
	CountByVoter(ctx context.Context, voterToken string) (int, error)
}

// Guard hands out reservations.
type Guard struct {
	store Store
	log   logger.Logger
}

// NewGuard creates a Guard over store.
func NewGuard(store Store, log logger.Logger) *Guard {
	if log == nil {
		log = logger.Nop()
	}
	return &Guard{store: store, log: log}
}

// History exposes the voter history view of the store.
func (g *Guard) History() Store { return g.store }

// CheckAndReserve claims key or reports ErrAlreadyVoted.
func (g *Guard) CheckAndReserve(ctx context.Context, key model.VoteKey) (*Reservation, error) {
	holder := uuid.NewString()
	if err := g.store.Reserve(ctx, key, holder); err != nil {
		if errors.Is(err, ErrAlreadyVoted) {
			metrics.RecordReservation("already_voted")
			return nil, ErrAlreadyVoted
		}
		metrics.RecordReservation("error")
		return nil, fmt.Errorf("%w: %w", ErrStore, err)
	}
	metrics.RecordReservation("reserved")
	return &Reservation{key: key, holder: holder, guard: g}, nil
}

// Reservation is a provisional claim on a vote key. It ends with exactly
// one Commit or Release; later calls are no-ops.
type Reservation struct {
	mu     sync.Mutex
	key    model.VoteKey
	holder string
	guard  *Guard
	done   bool
}

// Key returns the reserved key.
func (r *Reservation) Key() model.VoteKey { return r.key }

// Commit persists vote, which must carry the reserved key.
func (r *Reservation) Commit(ctx context.Context, vote model.Vote) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return ErrReservationClosed
	}
	if vote.Key() != r.key {
		return ErrKeyMismatch
	}
	if err := r.guard.store.Commit(ctx, r.holder, vote); err != nil {
		return fmt.Errorf("%w: %w", ErrStore, err)
	}
	r.done = true
	metrics.RecordReservation("committed")
	return nil
}

// Release drops the claim. Safe to call after Commit.
func (r *Reservation) Release(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return
	}
	r.done = true
	if err := r.guard.store.Release(ctx, r.key, r.holder); err != nil {
		r.guard.log.Warn(ctx, "release reservation", logger.String("dish", r.key.DishID), logger.Error(err))
		return
	}
	metrics.RecordReservation("released")
}

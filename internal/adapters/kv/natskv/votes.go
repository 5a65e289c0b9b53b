package natskv

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/okian/sabor/internal/domain/dedupe"
	"github.com/okian/sabor/internal/domain/model"
)

const slotPrefix = "slot"

type slot struct {
	Committed  bool        `json:"committed"`
	Holder     string      `json:"holder"`
	ReservedAt time.Time   `json:"reserved_at"`
	Vote       *model.Vote `json:"vote,omitempty"`
}

// VoteStore implements dedupe.Store. A slot key exists from reservation on;
// its first Create decides the winner. Slot keys are grouped under the
// voter token so the voter history is read from the committed slots
// themselves and a commit is a single write.
type VoteStore struct {
	kv  jetstream.KeyValue
	ttl time.Duration
	now func() time.Time
}

// VoteOption configures a VoteStore.
type VoteOption func(*VoteStore)

// WithReservationTTL lets a reservation older than d be taken over.
func WithReservationTTL(d time.Duration) VoteOption {
	return func(s *VoteStore) { s.ttl = d }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) VoteOption {
	return func(s *VoteStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewVoteStore keeps vote slots in kv. The bucket must not expire entries.
func NewVoteStore(kv jetstream.KeyValue, opts ...VoteOption) *VoteStore {
	s := &VoteStore{kv: kv, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// voterSlots is the key prefix shared by every slot of voterToken.
func voterSlots(voterToken string) string { return key(slotPrefix, voterToken) }

func slotKey(k model.VoteKey) string {
	return key(key(voterSlots(k.VoterToken), k.EditionID), k.DishID)
}

// Reserve implements dedupe.Store.
func (s *VoteStore) Reserve(ctx context.Context, k model.VoteKey, holder string) error {
	now := s.now()
	b, err := encode(slot{Holder: holder, ReservedAt: now})
	if err != nil {
		return err
	}
	sk := slotKey(k)
	_, err = s.kv.Create(ctx, sk, b)
	if err == nil {
		return nil
	}
	if !conflict(err) {
		return fmt.Errorf("reserve: %w", err)
	}

	e, err := s.kv.Get(ctx, sk)
	if notFound(err) {
		// Released between our Create and Get; let the caller retry.
		return dedupe.ErrAlreadyVoted
	}
	if err != nil {
		return fmt.Errorf("reserve: %w", err)
	}
	var cur slot
	if err := decode(e.Value(), &cur); err != nil {
		return err
	}
	if cur.Committed || s.ttl <= 0 || now.Sub(cur.ReservedAt) <= s.ttl {
		return dedupe.ErrAlreadyVoted
	}
	if _, err := s.kv.Update(ctx, sk, b, e.Revision()); conflict(err) {
		return dedupe.ErrAlreadyVoted
	} else if err != nil {
		return fmt.Errorf("take over reservation: %w", err)
	}
	return nil
}

// Release implements dedupe.Store.
func (s *VoteStore) Release(ctx context.Context, k model.VoteKey, holder string) error {
	sk := slotKey(k)
	e, err := s.kv.Get(ctx, sk)
	if notFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("release: %w", err)
	}
	var cur slot
	if err := decode(e.Value(), &cur); err != nil {
		return err
	}
	if cur.Committed || cur.Holder != holder {
		return nil
	}
	if err := s.kv.Delete(ctx, sk, jetstream.LastRevision(e.Revision())); err != nil && !conflict(err) {
		return fmt.Errorf("release: %w", err)
	}
	return nil
}

// Commit implements dedupe.Store.
func (s *VoteStore) Commit(ctx context.Context, holder string, v model.Vote) error {
	sk := slotKey(v.Key())
	e, err := s.kv.Get(ctx, sk)
	if notFound(err) {
		return dedupe.ErrNotReserved
	}
	if err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	var cur slot
	if err := decode(e.Value(), &cur); err != nil {
		return err
	}
	if err := lost(cur, holder); err != nil {
		return err
	}

	vote := v
	b, err := encode(slot{Committed: true, Holder: holder, ReservedAt: cur.ReservedAt, Vote: &vote})
	if err != nil {
		return err
	}
	if _, err := s.kv.Update(ctx, sk, b, e.Revision()); conflict(err) {
		// Someone wrote the slot since our Get; report what they left.
		return s.lostSince(ctx, sk, holder)
	} else if err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func lost(cur slot, holder string) error {
	switch {
	case cur.Committed:
		return dedupe.ErrAlreadyVoted
	case cur.Holder != holder:
		return dedupe.ErrReservationLost
	}
	return nil
}

func (s *VoteStore) lostSince(ctx context.Context, sk, holder string) error {
	e, err := s.kv.Get(ctx, sk)
	if notFound(err) {
		return dedupe.ErrNotReserved
	}
	if err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	var cur slot
	if err := decode(e.Value(), &cur); err != nil {
		return err
	}
	if err := lost(cur, holder); err != nil {
		return err
	}
	return dedupe.ErrReservationLost
}

// CountByVoter implements dedupe.Store by counting the voter's committed
// slots.
func (s *VoteStore) CountByVoter(ctx context.Context, voterToken string) (int, error) {
	w, err := s.kv.WatchFiltered(ctx, []string{voterSlots(voterToken) + ".>"}, jetstream.IgnoreDeletes())
	if err != nil {
		return 0, fmt.Errorf("count votes: %w", err)
	}
	defer func() { _ = w.Stop() }()

	n := 0
	for {
		select {
		case <-ctx.Done():
			return 0, fmt.Errorf("count votes: %w", ctx.Err())
		case e, ok := <-w.Updates():
			if !ok || e == nil {
				return n, nil
			}
			var cur slot
			if err := decode(e.Value(), &cur); err != nil {
				return 0, err
			}
			if cur.Committed {
				n++
			}
		}
	}
}

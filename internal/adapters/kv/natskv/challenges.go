package natskv

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/okian/sabor/internal/domain/challenge"
	"github.com/okian/sabor/internal/domain/model"
)

const challengePrefix = "otp"

// ChallengeStore implements challenge.Store.
type ChallengeStore struct {
	kv jetstream.KeyValue
}

// NewChallengeStore stores challenges in kv.
func NewChallengeStore(kv jetstream.KeyValue) *ChallengeStore {
	return &ChallengeStore{kv: kv}
}

// Load implements challenge.Store.
func (s *ChallengeStore) Load(ctx context.Context, phone string) (model.Challenge, uint64, error) {
	e, err := s.kv.Get(ctx, key(challengePrefix, phone))
	if notFound(err) {
		return model.Challenge{}, 0, challenge.ErrNotFound
	}
	if err != nil {
		return model.Challenge{}, 0, fmt.Errorf("load challenge: %w", err)
	}
	var c model.Challenge
	if err := decode(e.Value(), &c); err != nil {
		return model.Challenge{}, 0, err
	}
	return c, e.Revision(), nil
}

// Replace implements challenge.Store.
func (s *ChallengeStore) Replace(ctx context.Context, c model.Challenge) (uint64, error) {
	b, err := encode(c)
	if err != nil {
		return 0, err
	}
	rev, err := s.kv.Put(ctx, key(challengePrefix, c.Phone), b)
	if err != nil {
		return 0, fmt.Errorf("put challenge: %w", err)
	}
	return rev, nil
}

// Swap implements challenge.Store.
func (s *ChallengeStore) Swap(ctx context.Context, c model.Challenge, rev uint64) (uint64, error) {
	b, err := encode(c)
	if err != nil {
		return 0, err
	}
	next, err := s.kv.Update(ctx, key(challengePrefix, c.Phone), b, rev)
	if conflict(err) || notFound(err) {
		return 0, challenge.ErrConflict
	}
	if err != nil {
		return 0, fmt.Errorf("update challenge: %w", err)
	}
	return next, nil
}

// Delete implements challenge.Store.
func (s *ChallengeStore) Delete(ctx context.Context, phone string, rev uint64) error {
	err := s.kv.Delete(ctx, key(challengePrefix, phone), jetstream.LastRevision(rev))
	if conflict(err) || notFound(err) {
		return challenge.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("delete challenge: %w", err)
	}
	return nil
}

package natskv

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/okian/sabor/internal/domain/model"
	"github.com/okian/sabor/internal/domain/ratelimit"
)

const ratePrefix = "rate"

// RateStore implements ratelimit.Store.
type RateStore struct {
	kv jetstream.KeyValue
}

// NewRateStore keeps rate windows in kv. Give the bucket a TTL at least as
// long as the longest window so idle keys age out.
func NewRateStore(kv jetstream.KeyValue) *RateStore {
	return &RateStore{kv: kv}
}

// Increment implements ratelimit.Store.
func (s *RateStore) Increment(ctx context.Context, k string, window time.Duration, now time.Time) (int, error) {
	kk := key(ratePrefix, k)
	for range maxCASRetries {
		e, err := s.kv.Get(ctx, kk)
		switch {
		case notFound(err):
			w := ratelimit.Advance(model.RateWindow{}, k, window, now)
			b, err := encode(w)
			if err != nil {
				return 0, err
			}
			if _, err := s.kv.Create(ctx, kk, b); conflict(err) {
				continue
			} else if err != nil {
				return 0, fmt.Errorf("create rate window: %w", err)
			}
			return w.Count, nil
		case err != nil:
			return 0, fmt.Errorf("load rate window: %w", err)
		}

		var w model.RateWindow
		if err := decode(e.Value(), &w); err != nil {
			return 0, err
		}
		w = ratelimit.Advance(w, k, window, now)
		b, err := encode(w)
		if err != nil {
			return 0, err
		}
		if _, err := s.kv.Update(ctx, kk, b, e.Revision()); conflict(err) {
			continue
		} else if err != nil {
			return 0, fmt.Errorf("update rate window: %w", err)
		}
		return w.Count, nil
	}
	return 0, ErrContention
}

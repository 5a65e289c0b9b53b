package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/okian/sabor/internal/adapters/kv/natskv"
	"github.com/okian/sabor/internal/adapters/repository/sqlstore"
	"github.com/okian/sabor/internal/config"
	"github.com/okian/sabor/internal/domain/challenge"
	"github.com/okian/sabor/internal/domain/dedupe"
	"github.com/okian/sabor/internal/domain/ratelimit"
	"github.com/okian/sabor/pkg/logger"
)

// stores are the stateful collaborators selected by storage_backend.
type stores struct {
	challenges challenge.Store
	rates      ratelimit.Store
	votes      dedupe.Store
	closers    []func() error
}

func (s *stores) close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	return errors.Join(errs...)
}

// openStores builds the backend named by cfg. js is required by the nats
// backend only.
func openStores(ctx context.Context, cfg *config.Config, js jetstream.JetStream, log logger.Logger) (*stores, error) {
	ttl := config.Seconds(cfg.ReservationTTLSeconds)

	switch cfg.StorageBackend {
	case config.BackendMemory:
		return &stores{
			challenges: challenge.NewMemoryStore(),
			rates:      ratelimit.NewMemoryStore(),
			votes:      dedupe.NewMemoryStore(dedupe.WithReservationTTL(ttl)),
		}, nil

	case config.BackendSQLite, config.BackendPostgres:
		driver := sqlstore.DriverSQLite
		if cfg.StorageBackend == config.BackendPostgres {
			driver = sqlstore.DriverPostgres
		}
		votes, err := sqlstore.Open(ctx, driver, cfg.StorageDSN,
			sqlstore.WithReservationTTL(ttl),
			sqlstore.WithLogger(log.Named("sqlstore")),
		)
		if err != nil {
			return nil, err
		}
		return &stores{
			challenges: challenge.NewMemoryStore(),
			rates:      ratelimit.NewMemoryStore(),
			votes:      votes,
			closers:    []func() error{votes.Close},
		}, nil

	case config.BackendNATS:
		if js == nil {
			return nil, fmt.Errorf("%w: nats backend without connection", ErrStart)
		}
		chKV, err := natskv.Bucket(ctx, js, cfg.NATSChallengeBucket, config.Seconds(cfg.OTPTTLSeconds)*2)
		if err != nil {
			return nil, err
		}
		rateWindow := max(cfg.OTPPhoneWindowSeconds, cfg.VoteRateWindowSeconds)
		rateKV, err := natskv.Bucket(ctx, js, cfg.NATSRateBucket, config.Seconds(rateWindow)*2)
		if err != nil {
			return nil, err
		}
		voteKV, err := natskv.Bucket(ctx, js, cfg.NATSVoteBucket, 0)
		if err != nil {
			return nil, err
		}
		return &stores{
			challenges: natskv.NewChallengeStore(chKV),
			rates:      natskv.NewRateStore(rateKV),
			votes:      natskv.NewVoteStore(voteKV, natskv.WithReservationTTL(ttl)),
		}, nil
	}
	return nil, fmt.Errorf("%w: unknown storage backend %q", ErrStart, cfg.StorageBackend)
}

// needsNATS reports whether cfg uses a NATS connection.
func needsNATS(cfg *config.Config) bool {
	return cfg.StorageBackend == config.BackendNATS || cfg.OTPSubject != ""
}

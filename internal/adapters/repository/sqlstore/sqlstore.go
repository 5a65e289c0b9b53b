// Package sqlstore is a dedupe.Store on database/sql. The vote_slot primary
// key is the single point that decides which submission for a
// (voter, dish, edition) wins, so it is safe across processes.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/okian/sabor/internal/domain/dedupe"
	"github.com/okian/sabor/internal/domain/model"
	"github.com/okian/sabor/pkg/logger"
)

// Driver names registered by the imported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

const (
	stateReserved  = "reserved"
	stateCommitted = "committed"
)

// ErrVoteNotFound is returned by Vote when no vote was committed for the key.
var ErrVoteNotFound = errors.New("vote not found")

// Store implements dedupe.Store.
type Store struct {
	db       *sql.DB
	postgres bool
	ttl      time.Duration
	now      func() time.Time
	log      logger.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithReservationTTL lets a reservation older than d be taken over. Zero disables takeover.
func WithReservationTTL(d time.Duration) Option {
	return func(s *Store) { s.ttl = d }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// Open connects to dsn with driver and creates the schema.
func Open(ctx context.Context, driver, dsn string, opts ...Option) (*Store, error) {
	switch driver {
	case DriverSQLite, DriverPostgres:
	default:
		return nil, fmt.Errorf("sqlstore: unsupported driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open: %w", err)
	}
	if driver == DriverSQLite {
		// SQLite allows one writer; a single connection turns lock
		// contention into queueing instead of SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}
	s, err := New(ctx, db, driver, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an open db and creates the schema.
func New(ctx context.Context, db *sql.DB, driver string, opts ...Option) (*Store, error) {
	s := &Store{
		db:       db,
		postgres: driver == DriverPostgres,
		now:      time.Now,
		log:      logger.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.Migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Migrate creates the tables. Safe to call more than once.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlstore: create schema: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Reserve implements dedupe.Store.
func (s *Store) Reserve(ctx context.Context, key model.VoteKey, holder string) error {
	now := s.now()
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO vote_slot (voter_token, dish_id, edition_id, state, holder, reserved_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		key.VoterToken, key.DishID, key.EditionID, stateReserved, holder, now.UnixNano())
	if err == nil {
		return nil
	}
	if !isUniqueViolation(err) {
		return err
	}
	if s.ttl <= 0 {
		return dedupe.ErrAlreadyVoted
	}

	// Take over a reservation whose holder never came back.
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE vote_slot SET holder = ?, reserved_at = ?
		WHERE voter_token = ? AND dish_id = ? AND edition_id = ? AND state = ? AND reserved_at < ?`),
		holder, now.UnixNano(), key.VoterToken, key.DishID, key.EditionID, stateReserved, now.Add(-s.ttl).UnixNano())
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return dedupe.ErrAlreadyVoted
	}
	s.log.Warn(ctx, "took over stale reservation", logger.String("edition", key.EditionID), logger.String("dish", key.DishID))
	return nil
}

// Release implements dedupe.Store. Committed slots and slots held by
// another holder are left alone.
func (s *Store) Release(ctx context.Context, key model.VoteKey, holder string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		DELETE FROM vote_slot
		WHERE voter_token = ? AND dish_id = ? AND edition_id = ? AND state = ? AND holder = ?`),
		key.VoterToken, key.DishID, key.EditionID, stateReserved, holder)
	return err
}

// Commit implements dedupe.Store. The slot flip and the vote row are written
// in one transaction.
func (s *Store) Commit(ctx context.Context, holder string, v model.Vote) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, s.rebind(`
		UPDATE vote_slot SET state = ?
		WHERE voter_token = ? AND dish_id = ? AND edition_id = ? AND state = ? AND holder = ?`),
		stateCommitted, v.VoterToken, v.DishID, v.EditionID, stateReserved, holder)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return s.slotLost(ctx, tx, v.Key())
	}

	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO vote (id, voter_token, dish_id, edition_id, category,
			apresentacao, sabor, experiencia, total,
			latitude, longitude, distance_km, captured_at, submitted_at,
			badge, ranking_position)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		v.ID, v.VoterToken, v.DishID, v.EditionID, v.Category,
		v.Criteria.Apresentacao, v.Criteria.Sabor, v.Criteria.Experiencia, v.Total,
		v.GeoSample.Latitude, v.GeoSample.Longitude, v.GeoSample.DistanceKM,
		v.GeoSample.CapturedAt.UnixNano(), v.SubmittedAt.UnixNano(),
		v.BadgeUnlocked, v.RankingPosition)
	if err != nil {
		if isUniqueViolation(err) {
			return dedupe.ErrAlreadyVoted
		}
		return err
	}
	return tx.Commit()
}

// slotLost explains why a commit matched no reserved slot of its holder.
func (s *Store) slotLost(ctx context.Context, tx *sql.Tx, key model.VoteKey) error {
	var state string
	err := tx.QueryRowContext(ctx, s.rebind(`
		SELECT state FROM vote_slot WHERE voter_token = ? AND dish_id = ? AND edition_id = ?`),
		key.VoterToken, key.DishID, key.EditionID).Scan(&state)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return dedupe.ErrNotReserved
	case err != nil:
		return err
	case state == stateCommitted:
		return dedupe.ErrAlreadyVoted
	default:
		return dedupe.ErrReservationLost
	}
}

// CountByVoter implements dedupe.Store.
func (s *Store) CountByVoter(ctx context.Context, voterToken string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM vote WHERE voter_token = ?`), voterToken).Scan(&n)
	return n, err
}

// Vote loads a committed vote by key.
func (s *Store) Vote(ctx context.Context, key model.VoteKey) (model.Vote, error) {
	var (
		v                     model.Vote
		capturedAt, submitted int64
	)
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT id, voter_token, dish_id, edition_id, category,
			apresentacao, sabor, experiencia, total,
			latitude, longitude, distance_km, captured_at, submitted_at,
			badge, ranking_position
		FROM vote WHERE voter_token = ? AND dish_id = ? AND edition_id = ?`),
		key.VoterToken, key.DishID, key.EditionID).Scan(
		&v.ID, &v.VoterToken, &v.DishID, &v.EditionID, &v.Category,
		&v.Criteria.Apresentacao, &v.Criteria.Sabor, &v.Criteria.Experiencia, &v.Total,
		&v.GeoSample.Latitude, &v.GeoSample.Longitude, &v.GeoSample.DistanceKM,
		&capturedAt, &submitted, &v.BadgeUnlocked, &v.RankingPosition)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Vote{}, ErrVoteNotFound
	}
	if err != nil {
		return model.Vote{}, err
	}
	v.GeoSample.CapturedAt = time.Unix(0, capturedAt).UTC()
	v.SubmittedAt = time.Unix(0, submitted).UTC()
	return v, nil
}

// rebind turns ? placeholders into $n for PostgreSQL.
func (s *Store) rebind(q string) string {
	if !s.postgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Package scoring turns a ballot into the final Vote: it computes the total,
// decides the first-vote badge, attaches the ranking position and performs
// the terminal write.
package scoring

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/okian/sabor/internal/domain/dedupe"
	"github.com/okian/sabor/internal/domain/model"
	"github.com/okian/sabor/pkg/logger"
	"github.com/okian/sabor/pkg/metrics"
)

// Criterion bounds.
const (
	MinCriterion = 0.0
	MaxCriterion = 5.0
)

// Aggregate returns the mean of the criteria rounded to one decimal.
func Aggregate(c model.Criteria) (float64, error) {
	vals := c.Values()
	sum := 0.0
	for _, v := range vals {
		if math.IsNaN(v) || v < MinCriterion || v > MaxCriterion {
			return 0, ErrInvalidCriteria
		}
		sum += v
	}
	return round1(sum / float64(len(vals))), nil
}

func round1(x float64) float64 { return math.Round(x*10) / 10 }

// History answers whether a voter has voted before.
type History interface {
	CountByVoter(ctx context.Context, voterToken string) (int, error)
}

// RankingService reports a voter's position within a category. Zero means unranked.
type RankingService interface {
	PositionFor(ctx context.Context, voterToken, category string) (int, error)
}

// Evidence is what earlier stages proved about the attempt.
type Evidence struct {
	VoterToken string
	GeoSample  model.GeoSample
}

// Aggregator builds and commits votes.
type Aggregator struct {
	history    History
	badges     dedupe.Ledger
	ranking    RankingService
	firstBadge string
	now        func() time.Time
	newID      func() string
	log        logger.Logger
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithFirstVoteBadge sets the badge unlocked by a voter's first vote.
func WithFirstVoteBadge(id string) Option {
	return func(a *Aggregator) { a.firstBadge = id }
}

// WithRanking attaches a ranking source.
func WithRanking(r RankingService) Option {
	return func(a *Aggregator) { a.ranking = r }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) {
		if now != nil {
			a.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(a *Aggregator) {
		if l != nil {
			a.log = l
		}
	}
}

// NewAggregator creates an Aggregator.
func NewAggregator(history History, badges dedupe.Ledger, opts ...Option) *Aggregator {
	a := &Aggregator{
		history: history,
		badges:  badges,
		now:     time.Now,
		newID:   uuid.NewString,
		log:     logger.Nop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Finalize computes the vote for ballot and commits it through res. The
// commit is the only write of the final artifact; if it fails no badge is
// kept and no vote exists.
func (a *Aggregator) Finalize(ctx context.Context, res *dedupe.Reservation, ballot model.Ballot, ev Evidence) (model.Vote, error) {
	total, err := Aggregate(ballot.Criteria)
	if err != nil {
		return model.Vote{}, err
	}

	badge, err := a.grantFirstVoteBadge(ctx, ev.VoterToken)
	if err != nil {
		return model.Vote{}, err
	}

	vote := model.Vote{
		ID:              a.newID(),
		VoterToken:      ev.VoterToken,
		DishID:          ballot.DishID,
		EditionID:       ballot.EditionID,
		Category:        ballot.Category,
		Criteria:        ballot.Criteria,
		Total:           total,
		GeoSample:       ev.GeoSample,
		SubmittedAt:     a.now(),
		BadgeUnlocked:   badge,
		RankingPosition: a.position(ctx, ev.VoterToken, ballot.Category),
	}

	if err := res.Commit(ctx, vote); err != nil {
		if badge != "" {
			a.badges.Unrecord(ctx, badgeKey(ev.VoterToken, badge))
		}
		return model.Vote{}, err
	}

	metrics.RecordVoteCommitted()
	if badge != "" {
		metrics.RecordBadgeUnlocked()
	}
	return vote, nil
}

// grantFirstVoteBadge returns the badge id when this is the voter's first
// vote and the badge was not granted before.
func (a *Aggregator) grantFirstVoteBadge(ctx context.Context, voterToken string) (string, error) {
	if a.firstBadge == "" {
		return "", nil
	}
	n, err := a.history.CountByVoter(ctx, voterToken)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrHistory, err)
	}
	if n > 0 {
		return "", nil
	}
	if a.badges.SeenAndRecord(ctx, badgeKey(voterToken, a.firstBadge)) {
		return "", nil
	}
	return a.firstBadge, nil
}

// position asks the ranking service; a failure leaves the vote unranked.
func (a *Aggregator) position(ctx context.Context, voterToken, category string) int {
	if a.ranking == nil {
		return 0
	}
	pos, err := a.ranking.PositionFor(ctx, voterToken, category)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			a.log.Warn(ctx, "ranking position unavailable", logger.String("category", category), logger.Error(err))
		}
		return 0
	}
	return pos
}

func badgeKey(voterToken, badge string) string { return voterToken + ":" + badge }

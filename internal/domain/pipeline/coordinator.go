// Package pipeline drives a vote attempt through the eligibility gates:
//
//	Idle -> IdentityCheck -> ChallengeCheck -> GeofenceCheck
//	     -> DuplicateCheck -> IntegrityCheck -> RateLimitCheck -> Aggregate
//	     -> Submitted | Rejected
//
// Every stage yields an Outcome. The first failing stage stops the run with
// its classified Rejection. Recoverable rejections keep the attempt at the
// failing stage; terminal ones move it to Rejected. A reservation taken at
// DuplicateCheck is released by any later failure, by Cancel, or when the
// attempt is rejected.
package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/okian/sabor/internal/domain/catalog"
	"github.com/okian/sabor/internal/domain/challenge"
	"github.com/okian/sabor/internal/domain/dedupe"
	"github.com/okian/sabor/internal/domain/geofence"
	"github.com/okian/sabor/internal/domain/identity"
	"github.com/okian/sabor/internal/domain/integrity"
	"github.com/okian/sabor/internal/domain/model"
	"github.com/okian/sabor/internal/domain/ratelimit"
	"github.com/okian/sabor/internal/domain/scoring"
	"github.com/okian/sabor/pkg/logger"
	"github.com/okian/sabor/pkg/metrics"
)

const (
	defaultGeoTimeout       = 10 * time.Second
	defaultIntegrityRetries = 2
	defaultVoterLimit       = 10
	defaultVoterWindow      = time.Hour
)

// Catalog resolves dishes for the current edition.
type Catalog interface {
	Eligible(ctx context.Context, dishID string, at time.Time) (catalog.Dish, catalog.Edition, error)
}

// Challenges issues and verifies phone codes.
type Challenges interface {
	Start(ctx context.Context, phone string) (challenge.Issued, error)
	Verify(ctx context.Context, phone, code string) error
}

// Geofence classifies voter positions.
type Geofence interface {
	Evaluate(voter, venue model.Coordinates, radiusKM float64) geofence.Result
}

// Guard reserves vote keys.
type Guard interface {
	CheckAndReserve(ctx context.Context, key model.VoteKey) (*dedupe.Reservation, error)
}

// Integrity analyzes photos and judges verdicts.
type Integrity interface {
	Analyze(ctx context.Context, photoRef string) (integrity.Verdict, error)
	Judge(v integrity.Verdict) error
}

// Limiter bounds submissions.
type Limiter interface {
	AllowRule(ctx context.Context, r ratelimit.Rule, subject string) (bool, error)
}

// Finalizer aggregates and commits the vote.
type Finalizer interface {
	Finalize(ctx context.Context, res *dedupe.Reservation, ballot model.Ballot, ev scoring.Evidence) (model.Vote, error)
}

// Publisher receives committed votes for asynchronous consumers.
type Publisher interface {
	Publish(ctx context.Context, ev model.VoteEvent) error
}

// Components are the gates the coordinator drives.
type Components struct {
	Catalog    Catalog
	Tokenizer  *identity.Tokenizer
	Challenges Challenges
	Geofence   Geofence
	Guard      Guard
	Integrity  Integrity
	Limiter    Limiter
	Finalizer  Finalizer
}

// Coordinator runs attempts through the pipeline.
type Coordinator struct {
	Components

	voterRule        ratelimit.Rule
	geoTimeout       time.Duration
	integrityRetries int
	publisher        Publisher
	now              func() time.Time
	newID            func() string
	log              logger.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithVoterRateLimit bounds submissions per voter.
func WithVoterRateLimit(limit int, window time.Duration) Option {
	return func(c *Coordinator) {
		if limit > 0 && window > 0 {
			c.voterRule = ratelimit.Rule{Space: ratelimit.SpaceVoter, Limit: limit, Window: window}
		}
	}
}

// WithGeoTimeout bounds location acquisition.
func WithGeoTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.geoTimeout = d
		}
	}
}

// WithIntegrityRetries sets how many failed analyses an attempt may retry.
func WithIntegrityRetries(n int) Option {
	return func(c *Coordinator) {
		if n >= 0 {
			c.integrityRetries = n
		}
	}
}

// WithPublisher receives an event for every committed vote.
func WithPublisher(p Publisher) Option {
	return func(c *Coordinator) { c.publisher = p }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.log = l
		}
	}
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(comp Components, opts ...Option) *Coordinator {
	c := &Coordinator{
		Components:       comp,
		voterRule:        ratelimit.Rule{Space: ratelimit.SpaceVoter, Limit: defaultVoterLimit, Window: defaultVoterWindow},
		geoTimeout:       defaultGeoTimeout,
		integrityRetries: defaultIntegrityRetries,
		now:              time.Now,
		newID:            uuid.NewString,
		log:              logger.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Begin opens an attempt waiting for IdentityCheck.
func (c *Coordinator) Begin(_ context.Context) *Attempt {
	a := &Attempt{id: c.newID(), stage: StageIdentityCheck}
	a.touch(c.now())
	return a
}

// IdentityInput is what the voter types at IdentityCheck.
type IdentityInput struct {
	NationalID string
	Phone      string
	DishID     string
}

// CheckIdentity validates the voter's identity and the dish they want to
// rate. It may be re-run with corrected input until it passes.
func (c *Coordinator) CheckIdentity(ctx context.Context, a *Attempt, in IdentityInput) Outcome[catalog.Dish] {
	a.mu.Lock()
	defer a.mu.Unlock()
	if r := c.enter(a, StageIdentityCheck); r != nil {
		return Fail[catalog.Dish](r)
	}
	start := time.Now()

	id, err := identity.Validate(in.NationalID, in.Phone)
	if err != nil {
		return Fail[catalog.Dish](c.reject(ctx, a, StageIdentityCheck, err, start))
	}
	dish, edition, err := c.Catalog.Eligible(ctx, in.DishID, c.now())
	if err != nil {
		return Fail[catalog.Dish](c.reject(ctx, a, StageIdentityCheck, err, start))
	}

	a.identity = id
	a.voterToken = c.Tokenizer.Token(id)
	a.dish = dish
	a.edition = edition
	c.advance(a, StageIdentityCheck, StageChallengeCheck, start)
	return Pass(dish)
}

// SendChallenge issues a code to the voter's phone. Re-running it replaces
// the previous code.
func (c *Coordinator) SendChallenge(ctx context.Context, a *Attempt) Outcome[challenge.Issued] {
	a.mu.Lock()
	defer a.mu.Unlock()
	if r := c.enter(a, StageChallengeCheck); r != nil {
		return Fail[challenge.Issued](r)
	}
	start := time.Now()

	issued, err := c.Challenges.Start(ctx, a.identity.Phone)
	if err != nil {
		return Fail[challenge.Issued](c.reject(ctx, a, StageChallengeCheck, err, start))
	}
	a.challengeSent = true
	a.touch(c.now())
	return Pass(issued)
}

// ConfirmChallenge verifies the code and, on success, yields the voter token.
func (c *Coordinator) ConfirmChallenge(ctx context.Context, a *Attempt, code string) Outcome[string] {
	a.mu.Lock()
	defer a.mu.Unlock()
	if r := c.enter(a, StageChallengeCheck); r != nil {
		return Fail[string](r)
	}
	start := time.Now()

	if !identity.ValidOTPShape(code) {
		return Fail[string](c.reject(ctx, a, StageChallengeCheck, identity.ErrInvalidOTPShape, start))
	}
	if !a.challengeSent {
		return Fail[string](c.reject(ctx, a, StageChallengeCheck, challenge.ErrNoActiveChallenge, start))
	}
	if err := c.Challenges.Verify(ctx, a.identity.Phone, code); err != nil {
		return Fail[string](c.reject(ctx, a, StageChallengeCheck, err, start))
	}

	a.proven = true
	c.advance(a, StageChallengeCheck, StageGeofenceCheck, start)
	return Pass(a.voterToken)
}

// CheckLocation acquires a position from src and checks it against the
// venue radius. Acquisition failures may be retried with a new reading.
func (c *Coordinator) CheckLocation(ctx context.Context, a *Attempt, src geofence.Source) Outcome[model.GeoSample] {
	a.mu.Lock()
	defer a.mu.Unlock()
	if r := c.enter(a, StageGeofenceCheck); r != nil {
		return Fail[model.GeoSample](r)
	}
	start := time.Now()

	pos, err := geofence.Acquire(ctx, src, c.geoTimeout)
	if err != nil {
		return Fail[model.GeoSample](c.reject(ctx, a, StageGeofenceCheck, err, start))
	}
	res := c.Geofence.Evaluate(pos, a.dish.Location, a.dish.RadiusKM)
	sample := model.GeoSample{Coordinates: pos, CapturedAt: c.now(), DistanceKM: res.DistanceKM}
	if !res.InRadius {
		c.log.Info(ctx, "voter outside venue radius",
			logger.String("attempt", a.id),
			logger.Float64("distance_km", res.DistanceKM),
			logger.Float64("radius_km", a.dish.RadiusKM),
			logger.Bool("forced", res.Forced))
		return Fail[model.GeoSample](c.reject(ctx, a, StageGeofenceCheck, geofence.ErrOutOfRadius, start))
	}

	a.geo = sample
	a.located = true
	c.advance(a, StageGeofenceCheck, StageDuplicateCheck, start)
	return Pass(sample)
}

// SubmitInput is the rating the voter submits.
type SubmitInput struct {
	Criteria model.Criteria
	PhotoRef string
}

// Submit runs DuplicateCheck, IntegrityCheck, RateLimitCheck and Aggregate
// in order. Only a passing Aggregate writes the vote.
func (c *Coordinator) Submit(ctx context.Context, a *Attempt, in SubmitInput) Outcome[model.Vote] {
	a.mu.Lock()
	defer a.mu.Unlock()
	if r := c.enter(a, StageDuplicateCheck); r != nil {
		return Fail[model.Vote](r)
	}

	// Input problems are reported before any state-changing stage runs.
	start := time.Now()
	if in.PhotoRef == "" {
		return Fail[model.Vote](c.reject(ctx, a, StageDuplicateCheck, integrity.ErrMissingPhoto, start))
	}
	if !a.edition.Open(c.now()) {
		return Fail[model.Vote](c.terminal(ctx, a, StageDuplicateCheck, catalog.ErrEditionClosed, start))
	}

	ballot := model.Ballot{
		DishID:    a.dish.ID,
		EditionID: a.dish.EditionID,
		Category:  a.dish.Category,
		Criteria:  in.Criteria,
		PhotoRef:  in.PhotoRef,
	}

	// DuplicateCheck
	res, err := c.Guard.CheckAndReserve(ctx, model.VoteKey{VoterToken: a.voterToken, DishID: ballot.DishID, EditionID: ballot.EditionID})
	if err != nil {
		return Fail[model.Vote](c.reject(ctx, a, StageDuplicateCheck, err, start))
	}
	a.reservation = res
	c.advance(a, StageDuplicateCheck, StageIntegrityCheck, start)

	// IntegrityCheck
	start = time.Now()
	verdict, err := c.Integrity.Analyze(ctx, ballot.PhotoRef)
	if err == nil {
		err = c.Integrity.Judge(verdict)
	}
	if err != nil {
		r := classify(StageIntegrityCheck, err)
		if r.Code == CodeAnalysisFailed {
			a.integrityFailures++
			r.Recoverable = a.integrityFailures <= c.integrityRetries
		}
		return Fail[model.Vote](c.fail(ctx, a, r, start))
	}
	c.advance(a, StageIntegrityCheck, StageRateLimitCheck, start)

	// RateLimitCheck. A resubmission after a recoverable Aggregate failure
	// has already spent its count.
	start = time.Now()
	if !a.rateCounted {
		ok, err := c.Limiter.AllowRule(ctx, c.voterRule, a.voterToken)
		if err == nil && !ok {
			err = ErrVoterLimited
		}
		if err != nil {
			return Fail[model.Vote](c.reject(ctx, a, StageRateLimitCheck, err, start))
		}
		a.rateCounted = true
	}
	c.advance(a, StageRateLimitCheck, StageAggregate, start)

	// Aggregate
	start = time.Now()
	vote, err := c.Finalizer.Finalize(ctx, res, ballot, scoring.Evidence{VoterToken: a.voterToken, GeoSample: a.geo})
	if err != nil {
		return Fail[model.Vote](c.reject(ctx, a, StageAggregate, err, start))
	}
	a.reservation = nil
	a.vote = vote
	c.advance(a, StageAggregate, StageSubmitted, start)

	c.log.Info(ctx, "vote submitted",
		logger.String("attempt", a.id),
		logger.String("vote", vote.ID),
		logger.String("dish", vote.DishID),
		logger.Float64("total", vote.Total),
		logger.String("badge", vote.BadgeUnlocked))
	c.publish(ctx, vote)
	return Pass(vote)
}

// Cancel abandons the attempt and releases any reservation it holds. Rate
// counters already spent are left to expire.
func (c *Coordinator) Cancel(ctx context.Context, a *Attempt) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stage.Terminal() {
		return
	}
	c.release(ctx, a)
	a.stage = StageCancelled
	a.touch(c.now())
}

// enter checks the attempt is waiting at stage.
func (c *Coordinator) enter(a *Attempt, stage Stage) *Rejection {
	if a.stage.Terminal() {
		return &Rejection{Stage: a.stage, Class: ClassValidation, Code: CodeAttemptClosed, Err: ErrAttemptClosed}
	}
	if a.stage != stage {
		return &Rejection{Stage: a.stage, Class: ClassValidation, Code: CodeWrongStage, Recoverable: true, Err: ErrWrongStage}
	}
	return nil
}

// advance records a passed stage and moves the attempt to next.
func (c *Coordinator) advance(a *Attempt, passed, next Stage, start time.Time) {
	metrics.RecordStageOutcome(passed.String(), "pass", "")
	metrics.RecordStageLatency(passed.String(), float64(time.Since(start).Milliseconds()))
	a.stage = next
	a.touch(c.now())
}

// reject classifies err and applies it to the attempt.
func (c *Coordinator) reject(ctx context.Context, a *Attempt, stage Stage, err error, start time.Time) *Rejection {
	return c.fail(ctx, a, classify(stage, err), start)
}

// terminal classifies err but forces the attempt to end.
func (c *Coordinator) terminal(ctx context.Context, a *Attempt, stage Stage, err error, start time.Time) *Rejection {
	r := classify(stage, err)
	r.Recoverable = false
	return c.fail(ctx, a, r, start)
}

// fail releases any reservation and either parks the attempt at the stage
// Submit resumes from (recoverable) or rejects it (terminal).
func (c *Coordinator) fail(ctx context.Context, a *Attempt, r *Rejection, start time.Time) *Rejection {
	metrics.RecordStageOutcome(r.Stage.String(), "fail", string(r.Code))
	metrics.RecordStageLatency(r.Stage.String(), float64(time.Since(start).Milliseconds()))

	c.release(ctx, a)
	a.touch(c.now())
	if r.Recoverable {
		if a.stage > StageDuplicateCheck {
			a.stage = StageDuplicateCheck
		}
	} else {
		a.stage = StageRejected
		a.rejection = r
	}

	fields := []logger.Field{
		logger.String("attempt", a.id),
		logger.String("stage", r.Stage.String()),
		logger.String("class", string(r.Class)),
		logger.String("code", string(r.Code)),
		logger.Bool("recoverable", r.Recoverable),
	}
	if r.Class == ClassUnclassified {
		c.log.Error(ctx, "stage failed", append(fields, logger.Error(r.Err))...)
	} else {
		c.log.Debug(ctx, "stage rejected", fields...)
	}
	return r
}

// release drops a held reservation even when ctx is already cancelled.
func (c *Coordinator) release(ctx context.Context, a *Attempt) {
	if a.reservation == nil {
		return
	}
	a.reservation.Release(context.WithoutCancel(ctx))
	a.reservation = nil
}

func (c *Coordinator) publish(ctx context.Context, v model.Vote) {
	if c.publisher == nil {
		return
	}
	ev := model.VoteEvent{
		VoteID:     v.ID,
		VoterToken: v.VoterToken,
		DishID:     v.DishID,
		Category:   v.Category,
		Total:      v.Total,
		TS:         v.SubmittedAt,
	}
	if err := c.publisher.Publish(context.WithoutCancel(ctx), ev); err != nil {
		c.log.Warn(ctx, "vote event not published", logger.String("vote", v.ID), logger.Error(err))
	}
}

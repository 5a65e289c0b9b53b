// Package service wires the vote pipeline, its stores and the ranking
// workers behind the operations the HTTP API needs.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/okian/sabor/internal/adapters/http/integrityclient"
	"github.com/okian/sabor/internal/adapters/kv/natskv"
	"github.com/okian/sabor/internal/adapters/mq/natsotp"
	eventqueue "github.com/okian/sabor/internal/adapters/mq/queue"
	workerpool "github.com/okian/sabor/internal/adapters/mq/worker"
	repository "github.com/okian/sabor/internal/adapters/repository"
	"github.com/okian/sabor/internal/config"
	"github.com/okian/sabor/internal/domain/catalog"
	"github.com/okian/sabor/internal/domain/challenge"
	"github.com/okian/sabor/internal/domain/dedupe"
	"github.com/okian/sabor/internal/domain/geofence"
	"github.com/okian/sabor/internal/domain/identity"
	"github.com/okian/sabor/internal/domain/integrity"
	"github.com/okian/sabor/internal/domain/model"
	"github.com/okian/sabor/internal/domain/pipeline"
	"github.com/okian/sabor/internal/domain/ranking"
	"github.com/okian/sabor/internal/domain/ratelimit"
	"github.com/okian/sabor/internal/domain/scoring"
	"github.com/okian/sabor/internal/domain/types"
	"github.com/okian/sabor/pkg/logger"
	"github.com/okian/sabor/pkg/metrics"
)

const minSweepInterval = time.Second

// Service implements the API dependencies for the voting system.
type Service struct {
	mu sync.RWMutex

	cfg *config.Config

	// Collaborators that may be injected before Start.
	now       func() time.Time
	newCode   func() (string, error)
	remote    integrity.Remote
	transport challenge.Transport
	nc        *nats.Conn
	ownsConn  bool

	// Built by Start.
	catalog  *catalog.Catalog
	stores   *stores
	coord    *pipeline.Coordinator
	registry *Registry
	queue    *eventqueue.InMemoryQueue
	pool     *workerpool.Pool
	boards   *repository.TreapStore
	ranking  *ranking.Service

	started bool
	stop    context.CancelFunc

	logger logger.Logger
}

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithLogger sets a custom logger for the service.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the time source of every stage.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithCodeGenerator overrides how one-time codes are generated.
func WithCodeGenerator(gen func() (string, error)) Option {
	return func(s *Service) { s.newCode = gen }
}

// WithIntegrityRemote replaces the configured photo analyzer.
func WithIntegrityRemote(r integrity.Remote) Option {
	return func(s *Service) { s.remote = r }
}

// WithChallengeTransport replaces the configured OTP transport.
func WithChallengeTransport(t challenge.Transport) Option {
	return func(s *Service) { s.transport = t }
}

// WithNATSConn supplies an open connection instead of dialing nats_url.
// The caller keeps ownership.
func WithNATSConn(nc *nats.Conn) Option {
	return func(s *Service) { s.nc = nc }
}

// New constructs a Service for cfg. Nothing is opened until Start.
func New(cfg *config.Config, opts ...Option) *Service {
	s := &Service{cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start opens the configured stores and transports and starts the ranking
// workers and the attempt sweeper.
func (s *Service) Start(ctx context.Context) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	if s.logger == nil {
		s.logger = logger.GetOr(logger.Nop()).Named("service")
	}
	cfg := s.cfg
	s.logger.Info(ctx, "starting vote service...", logger.String("backend", cfg.StorageBackend))

	s.catalog, err = buildCatalog(cfg)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStart, err)
	}

	override, err := geofence.ParseOverride(cfg.GeofenceOverride)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStart, err)
	}

	var js jetstream.JetStream
	if needsNATS(cfg) {
		if s.nc == nil {
			s.nc, js, err = natskv.Connect(cfg.NATSURL, nats.Name("sabor"))
			if err != nil {
				return fmt.Errorf("%w: %w", ErrStart, err)
			}
			s.ownsConn = true
		} else if js, err = jetstream.New(s.nc); err != nil {
			return fmt.Errorf("%w: %w", ErrStart, err)
		}
	}
	defer func() {
		if err != nil {
			s.closeConn()
		}
	}()

	s.stores, err = openStores(ctx, cfg, js, s.logger)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStart, err)
	}

	limiter := ratelimit.New(s.stores.rates, ratelimit.WithClock(s.now))
	challenges := challenge.NewService(s.stores.challenges, s.otpTransport(),
		challenge.WithTTL(config.Seconds(cfg.OTPTTLSeconds)),
		challenge.WithMaxAttempts(cfg.OTPMaxAttempts),
		challenge.WithDispatchTimeout(config.Millis(cfg.OTPDispatchTimeoutMS)),
		challenge.WithPhoneRateLimit(limiter, cfg.OTPPhoneLimit, config.Seconds(cfg.OTPPhoneWindowSeconds)),
		challenge.WithSecret(cfg.OTPDigestSecret()),
		challenge.WithClock(s.now),
		challenge.WithCodeGenerator(s.newCode),
		challenge.WithLogger(s.logger.Named("challenge")),
	)

	analyzer := integrity.NewAnalyzer(s.integrityRemote(),
		integrity.WithTimeout(config.Millis(cfg.IntegrityTimeoutMS)),
		integrity.WithMinConfidence(cfg.IntegrityMinConfidence),
		integrity.WithLogger(s.logger.Named("integrity")),
	)

	runCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	s.stop = stop

	s.boards = repository.NewTreapStore(runCtx)
	s.ranking = ranking.NewService(s.boards, func(err error) bool { return errors.Is(err, repository.ErrNotFound) })

	aggregator := scoring.NewAggregator(s.stores.votes, dedupe.NewMemoryLedger(),
		scoring.WithFirstVoteBadge(cfg.FirstVoteBadge),
		scoring.WithRanking(s.ranking),
		scoring.WithClock(s.now),
		scoring.WithLogger(s.logger.Named("scoring")),
	)

	s.queue = eventqueue.NewInMemoryQueue(eventqueue.WithCapacity(cfg.EventQueueSize))
	s.pool = workerpool.NewPool(cfg.WorkerCount, s.queue, s.ranking)
	s.pool.Start(runCtx)

	s.coord = pipeline.NewCoordinator(pipeline.Components{
		Catalog:    s.catalog,
		Tokenizer:  identity.NewTokenizer(cfg.TokenSecret),
		Challenges: challenges,
		Geofence:   geofence.NewEvaluator(geofence.WithOverride(override)),
		Guard:      dedupe.NewGuard(s.stores.votes, s.logger.Named("dedupe")),
		Integrity:  analyzer,
		Limiter:    limiter,
		Finalizer:  aggregator,
	},
		pipeline.WithVoterRateLimit(cfg.VoteRateLimit, config.Seconds(cfg.VoteRateWindowSeconds)),
		pipeline.WithGeoTimeout(config.Millis(cfg.GeoTimeoutMS)),
		pipeline.WithIntegrityRetries(cfg.IntegrityRetries),
		pipeline.WithPublisher(s.queue),
		pipeline.WithClock(s.now),
		pipeline.WithLogger(s.logger.Named("pipeline")),
	)

	idle := config.Seconds(cfg.AttemptIdleSeconds)
	s.registry = NewRegistry(idle, s.now)
	go s.registry.Run(runCtx, max(idle/4, minSweepInterval), s.coord.Cancel)

	s.started = true
	s.logger.Info(ctx, "vote service started",
		logger.Int("workers", s.pool.Size()),
		logger.Int("queueSize", cfg.EventQueueSize),
		logger.Int("dishes", len(s.catalog.Dishes())),
	)
	return nil
}

// Stop drains the ranking queue and closes every store.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}
	ctx := context.Background()
	s.logger.Info(ctx, "stopping vote service...")

	if err := s.pool.Shutdown(ctx); err != nil {
		s.logger.Warn(ctx, "worker pool shutdown failed", logger.Error(err))
	}
	s.stop()
	_ = s.boards.Close()
	if err := s.stores.close(); err != nil {
		s.logger.Warn(ctx, "closing stores failed", logger.Error(err))
	}
	s.closeConn()

	s.started = false
	s.logger.Info(ctx, "vote service stopped")
}

func (s *Service) closeConn() {
	if s.ownsConn && s.nc != nil {
		s.nc.Close()
		s.nc = nil
		s.ownsConn = false
	}
}

func (s *Service) otpTransport() challenge.Transport {
	switch {
	case s.transport != nil:
		return s.transport
	case s.cfg.OTPSubject != "":
		var opts []natsotp.Option
		if s.cfg.OTPRequestReply {
			opts = append(opts, natsotp.WithRequestReply())
		}
		return natsotp.New(s.nc, s.cfg.OTPSubject, opts...)
	}
	return challenge.LogTransport{Log: s.logger.Named("otp")}
}

func (s *Service) integrityRemote() integrity.Remote {
	switch {
	case s.remote != nil:
		return s.remote
	case s.cfg.IntegrityEndpoint != "":
		return integrityclient.New(s.cfg.IntegrityEndpoint)
	}
	return integrity.NewSimulatedRemote(integrity.WithLatencyRange(
		config.Millis(s.cfg.IntegrityLatencyMinMS),
		config.Millis(s.cfg.IntegrityLatencyMaxMS),
	))
}

func buildCatalog(cfg *config.Config) (*catalog.Catalog, error) {
	editions := make([]catalog.Edition, 0, len(cfg.Editions))
	for _, e := range cfg.Editions {
		opens, err := time.Parse(time.RFC3339, e.OpensAt)
		if err != nil {
			return nil, err
		}
		closes, err := time.Parse(time.RFC3339, e.ClosesAt)
		if err != nil {
			return nil, err
		}
		editions = append(editions, catalog.Edition{ID: e.ID, City: e.City, OpensAt: opens, ClosesAt: closes})
	}
	dishes := make([]catalog.Dish, 0, len(cfg.Dishes))
	for _, d := range cfg.Dishes {
		radius := d.RadiusKM
		if radius <= 0 {
			radius = cfg.DefaultRadiusKM
		}
		dishes = append(dishes, catalog.Dish{
			ID:        d.ID,
			Name:      d.Name,
			Category:  d.Category,
			EditionID: d.EditionID,
			Venue:     d.Venue,
			Location:  model.Coordinates{Latitude: d.Latitude, Longitude: d.Longitude},
			RadiusKM:  radius,
		})
	}
	return catalog.New(editions, dishes)
}

// running returns the coordinator and registry of a started service.
func (s *Service) running() (*pipeline.Coordinator, *Registry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.started {
		return nil, nil, ErrNotStarted
	}
	return s.coord, s.registry, nil
}

func (s *Service) attempt(id string) (*pipeline.Coordinator, *pipeline.Attempt, error) {
	coord, reg, err := s.running()
	if err != nil {
		return nil, nil, err
	}
	a, err := reg.Get(id)
	if err != nil {
		return nil, nil, err
	}
	return coord, a, nil
}

// Begin opens an attempt and registers it.
func (s *Service) Begin(ctx context.Context) (pipeline.View, error) {
	coord, reg, err := s.running()
	if err != nil {
		return pipeline.View{}, err
	}
	a := coord.Begin(ctx)
	reg.Put(a)
	return a.View(), nil
}

// View returns a snapshot of attempt id.
func (s *Service) View(_ context.Context, id string) (pipeline.View, error) {
	_, a, err := s.attempt(id)
	if err != nil {
		return pipeline.View{}, err
	}
	return a.View(), nil
}

// CheckIdentity runs IdentityCheck on attempt id.
func (s *Service) CheckIdentity(ctx context.Context, id string, in pipeline.IdentityInput) (catalog.Dish, error) {
	coord, a, err := s.attempt(id)
	if err != nil {
		return catalog.Dish{}, err
	}
	out := coord.CheckIdentity(ctx, a, in)
	return out.Value, out.Err()
}

// SendChallenge issues a one-time code for attempt id.
func (s *Service) SendChallenge(ctx context.Context, id string) (challenge.Issued, error) {
	coord, a, err := s.attempt(id)
	if err != nil {
		return challenge.Issued{}, err
	}
	out := coord.SendChallenge(ctx, a)
	return out.Value, out.Err()
}

// ConfirmChallenge verifies code for attempt id and returns the voter token.
func (s *Service) ConfirmChallenge(ctx context.Context, id, code string) (string, error) {
	coord, a, err := s.attempt(id)
	if err != nil {
		return "", err
	}
	out := coord.ConfirmChallenge(ctx, a, code)
	return out.Value, out.Err()
}

// CheckLocation runs GeofenceCheck on attempt id.
func (s *Service) CheckLocation(ctx context.Context, id string, src geofence.Source) (model.GeoSample, error) {
	coord, a, err := s.attempt(id)
	if err != nil {
		return model.GeoSample{}, err
	}
	out := coord.CheckLocation(ctx, a, src)
	return out.Value, out.Err()
}

// Submit runs the submission stages on attempt id.
func (s *Service) Submit(ctx context.Context, id string, in pipeline.SubmitInput) (model.Vote, error) {
	coord, a, err := s.attempt(id)
	if err != nil {
		return model.Vote{}, err
	}
	out := coord.Submit(ctx, a, in)
	return out.Value, out.Err()
}

// Cancel abandons attempt id.
func (s *Service) Cancel(ctx context.Context, id string) error {
	coord, a, err := s.attempt(id)
	if err != nil {
		return err
	}
	coord.Cancel(ctx, a)
	return nil
}

// TopN returns the top n entries of board.
func (s *Service) TopN(ctx context.Context, board types.Board, n int) ([]types.Entry, error) {
	if _, _, err := s.running(); err != nil {
		return nil, err
	}
	return s.ranking.TopN(ctx, board, n)
}

// Rank returns subject's entry on board.
func (s *Service) Rank(ctx context.Context, board types.Board, subject string) (types.Entry, error) {
	if _, _, err := s.running(); err != nil {
		return types.Entry{}, err
	}
	return s.ranking.Rank(ctx, board, subject)
}

// GetStats returns service statistics for monitoring.
func (s *Service) GetStats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx := context.Background()
	stats := map[string]interface{}{
		"started":     s.started,
		"backend":     s.cfg.StorageBackend,
		"workerCount": s.cfg.WorkerCount,
		"queueSize":   s.cfg.EventQueueSize,
	}

	if s.started {
		queueLen := s.queue.Len(ctx)
		active := s.registry.Len()

		stats["workerCount"] = s.pool.Size()
		stats["queueLength"] = queueLen
		stats["activeAttempts"] = active
		stats["dishes"] = len(s.catalog.Dishes())
		stats["boards"] = s.ranking.Stats(ctx)

		metrics.UpdateQueueSize(queueLen)
		metrics.UpdateActiveAttempts(active)
		metrics.UpdateWorkerCount(s.pool.Size())
	}

	return stats
}

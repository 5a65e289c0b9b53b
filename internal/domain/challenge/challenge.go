// Package challenge issues and verifies one-time codes bound to a phone.
//
// Per phone the lifecycle is None -> Issued -> {Verified | Expired | Exhausted}.
// Issuing supersedes any earlier challenge for the phone. A verified or
// expired challenge is removed; an exhausted one stays until it expires.
package challenge

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/okian/sabor/internal/domain/identity"
	"github.com/okian/sabor/internal/domain/model"
	"github.com/okian/sabor/internal/domain/ratelimit"
	"github.com/okian/sabor/pkg/logger"
	"github.com/okian/sabor/pkg/metrics"
)

const (
	defaultTTL             = 60 * time.Second
	defaultMaxAttempts     = 5
	defaultDispatchTimeout = 5 * time.Second
	maxSwapRetries         = 8
	codeSpace              = 1_000_000
)

// Store holds at most one challenge per phone. Revisions make every
// transition a compare-and-swap.
type Store interface {
	// Load returns the challenge and its revision, or ErrNotFound.
	Load(ctx context.Context, phone string) (model.Challenge, uint64, error)
	// Replace stores c unconditionally, superseding any previous challenge.
	Replace(ctx context.Context, c model.Challenge) (uint64, error)
	// Swap stores c only if the current revision is rev, else ErrConflict.
	Swap(ctx context.Context, c model.Challenge, rev uint64) (uint64, error)
	// Delete removes the challenge only if the current revision is rev, else ErrConflict.
	Delete(ctx context.Context, phone string, rev uint64) error
}

// Delivery is a code handed to the delivery channel.
type Delivery struct {
	Phone     string    `json:"phone"`
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Transport delivers codes to phones (SMS gateway, message bus...).
type Transport interface {
	Deliver(ctx context.Context, d Delivery) error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, d Delivery) error

// Deliver implements Transport.
func (f TransportFunc) Deliver(ctx context.Context, d Delivery) error { return f(ctx, d) }

// Issued describes a challenge that was just started.
type Issued struct {
	Phone             string
	ExpiresAt         time.Time
	ExpiresIn         time.Duration
	AttemptsRemaining int
}

// Service issues and verifies challenges.
type Service struct {
	store           Store
	transport       Transport
	limiter         *ratelimit.Limiter
	phoneRule       ratelimit.Rule
	ttl             time.Duration
	maxAttempts     int
	dispatchTimeout time.Duration
	secret          []byte
	now             func() time.Time
	newCode         func() (string, error)
	log             logger.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithTTL sets how long an issued code stays valid.
func WithTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.ttl = d
		}
	}
}

// WithMaxAttempts sets the number of wrong codes tolerated per challenge.
func WithMaxAttempts(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithDispatchTimeout bounds a single Transport.Deliver call.
func WithDispatchTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.dispatchTimeout = d
		}
	}
}

// WithPhoneRateLimit limits Start per phone.
func WithPhoneRateLimit(l *ratelimit.Limiter, limit int, window time.Duration) Option {
	return func(s *Service) {
		s.limiter = l
		s.phoneRule = ratelimit.Rule{Space: ratelimit.SpacePhone, Limit: limit, Window: window}
	}
}

// WithSecret keys the code digests. Processes sharing a store must share it.
func WithSecret(secret string) Option {
	return func(s *Service) {
		if secret != "" {
			s.secret = []byte(secret)
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithCodeGenerator overrides the random code source.
func WithCodeGenerator(gen func() (string, error)) Option {
	return func(s *Service) {
		if gen != nil {
			s.newCode = gen
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// NewService creates a Service.
func NewService(store Store, transport Transport, opts ...Option) *Service {
	s := &Service{
		store:           store,
		transport:       transport,
		ttl:             defaultTTL,
		maxAttempts:     defaultMaxAttempts,
		dispatchTimeout: defaultDispatchTimeout,
		now:             time.Now,
		newCode:         RandomCode,
		log:             logger.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if len(s.secret) == 0 {
		s.secret = make([]byte, 32)
		_, _ = rand.Read(s.secret)
	}
	return s
}

// RandomCode returns a uniformly random 6-digit code.
func RandomCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(codeSpace))
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// Start issues a fresh code for phone and hands it to the transport.
func (s *Service) Start(ctx context.Context, phone string) (Issued, error) {
	p, err := identity.NormalizePhone(phone)
	if err != nil {
		return Issued{}, ErrInvalidPhone
	}

	if s.limiter != nil {
		ok, err := s.limiter.AllowRule(ctx, s.phoneRule, p)
		if err != nil {
			return Issued{}, fmt.Errorf("%w: %w", ErrStore, err)
		}
		if !ok {
			metrics.RecordChallengeEvent("rate_limited")
			return Issued{}, ErrRateLimited
		}
	}

	code, err := s.newCode()
	if err != nil {
		return Issued{}, err
	}
	now := s.now()
	c := model.Challenge{
		Phone:             p,
		CodeHash:          s.digest(p, code),
		IssuedAt:          now,
		ExpiresAt:         now.Add(s.ttl),
		AttemptsRemaining: s.maxAttempts,
	}
	rev, err := s.store.Replace(ctx, c)
	if err != nil {
		return Issued{}, fmt.Errorf("%w: %w", ErrStore, err)
	}

	dctx, cancel := context.WithTimeout(ctx, s.dispatchTimeout)
	err = s.transport.Deliver(dctx, Delivery{Phone: p, Code: code, ExpiresAt: c.ExpiresAt})
	cancel()
	if err != nil {
		// Withdraw the undelivered code unless a newer challenge replaced it.
		if derr := s.store.Delete(context.WithoutCancel(ctx), p, rev); derr != nil && !errors.Is(derr, ErrConflict) {
			s.log.Warn(ctx, "withdraw undelivered challenge", logger.Masked("phone", p), logger.Error(derr))
		}
		metrics.RecordChallengeEvent("dispatch_failed")
		return Issued{}, fmt.Errorf("%w: %w", ErrDispatchFailed, err)
	}

	metrics.RecordChallengeEvent("issued")
	s.log.Debug(ctx, "challenge issued", logger.Masked("phone", p), logger.Int("attempts", s.maxAttempts))
	return Issued{Phone: p, ExpiresAt: c.ExpiresAt, ExpiresIn: s.ttl, AttemptsRemaining: s.maxAttempts}, nil
}

// Verify checks code against the active challenge for phone. Success
// consumes the challenge.
func (s *Service) Verify(ctx context.Context, phone, code string) error {
	p, err := identity.NormalizePhone(phone)
	if err != nil {
		return ErrInvalidPhone
	}
	given := s.digest(p, identity.Digits(code))

	for range maxSwapRetries {
		c, rev, err := s.store.Load(ctx, p)
		if errors.Is(err, ErrNotFound) {
			return ErrNoActiveChallenge
		}
		if err != nil {
			return fmt.Errorf("%w: %w", ErrStore, err)
		}

		if s.now().After(c.ExpiresAt) {
			if err := s.store.Delete(ctx, p, rev); errors.Is(err, ErrConflict) {
				continue
			} else if err != nil {
				return fmt.Errorf("%w: %w", ErrStore, err)
			}
			metrics.RecordChallengeEvent("expired")
			return ErrExpired
		}

		if c.AttemptsRemaining <= 0 {
			metrics.RecordChallengeEvent("exhausted")
			return ErrAttemptsExhausted
		}

		if hmac.Equal(given, c.CodeHash) {
			if err := s.store.Delete(ctx, p, rev); errors.Is(err, ErrConflict) {
				continue
			} else if err != nil {
				return fmt.Errorf("%w: %w", ErrStore, err)
			}
			metrics.RecordChallengeEvent("verified")
			return nil
		}

		c.AttemptsRemaining--
		if _, err := s.store.Swap(ctx, c, rev); errors.Is(err, ErrConflict) {
			continue
		} else if err != nil {
			return fmt.Errorf("%w: %w", ErrStore, err)
		}
		metrics.RecordChallengeEvent("mismatch")
		return ErrCodeMismatch
	}
	return ErrContention
}

func (s *Service) digest(phone, code string) []byte {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(phone))
	mac.Write([]byte{0})
	mac.Write([]byte(code))
	return mac.Sum(nil)
}

// LogTransport writes codes to the log. For local runs only.
type LogTransport struct {
	Log logger.Logger
}

// Deliver implements Transport.
func (t LogTransport) Deliver(ctx context.Context, d Delivery) error {
	t.Log.Info(ctx, "otp delivery", logger.Masked("phone", d.Phone), logger.String("code", d.Code))
	return nil
}

// Package integrity asks a remote analyzer whether a dish photo is genuine.
package integrity

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/okian/sabor/pkg/logger"
	"github.com/okian/sabor/pkg/metrics"
)

const (
	defaultTimeout       = 8 * time.Second
	defaultMinConfidence = 0.5
)

// Verdict is the analyzer's answer. Confidence is within [0,1].
type Verdict struct {
	Valid      bool    `json:"valid"`
	Confidence float64 `json:"confidence"`
}

// Remote is the external analysis capability.
type Remote interface {
	Analyze(ctx context.Context, photoRef string) (Verdict, error)
}

// Analyzer wraps a Remote with a timeout and a verdict policy.
type Analyzer struct {
	remote        Remote
	timeout       time.Duration
	minConfidence float64
	log           logger.Logger
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithTimeout bounds each remote call.
func WithTimeout(d time.Duration) Option {
	return func(a *Analyzer) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithMinConfidence sets the lowest confidence a valid verdict may carry.
func WithMinConfidence(c float64) Option {
	return func(a *Analyzer) {
		if c >= 0 && c <= 1 {
			a.minConfidence = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(a *Analyzer) {
		if l != nil {
			a.log = l
		}
	}
}

// NewAnalyzer creates an Analyzer.
func NewAnalyzer(remote Remote, opts ...Option) *Analyzer {
	a := &Analyzer{
		remote:        remote,
		timeout:       defaultTimeout,
		minConfidence: defaultMinConfidence,
		log:           logger.Nop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Analyze performs one remote call. Any failure, a timeout included, is
// ErrAnalysisFailed.
func (a *Analyzer) Analyze(ctx context.Context, photoRef string) (Verdict, error) {
	if strings.TrimSpace(photoRef) == "" {
		return Verdict{}, ErrMissingPhoto
	}

	start := time.Now()
	actx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	v, err := a.remote.Analyze(actx, photoRef)
	ms := float64(time.Since(start).Milliseconds())
	if err != nil {
		result := "error"
		if errors.Is(err, context.DeadlineExceeded) {
			result = "timeout"
		}
		metrics.RecordIntegrityCall(result, ms)
		a.log.Warn(ctx, "integrity analysis failed", logger.String("result", result), logger.Error(err))
		return Verdict{}, fmt.Errorf("%w: %w", ErrAnalysisFailed, err)
	}

	v.Confidence = clamp(v.Confidence)
	metrics.RecordIntegrityCall("ok", ms)
	return v, nil
}

// Judge applies the verdict policy: invalid photos are rejected, and so are
// valid ones below the confidence floor.
func (a *Analyzer) Judge(v Verdict) error {
	if !v.Valid {
		return ErrRejected
	}
	if v.Confidence < a.minConfidence {
		return ErrLowConfidence
	}
	return nil
}

func clamp(c float64) float64 {
	if math.IsNaN(c) {
		return 0
	}
	return math.Max(0, math.Min(1, c))
}

package integrity

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand"
	"strings"
	"sync"
	"time"
)

const (
	defaultMinLatency = 40 * time.Millisecond
	defaultMaxLatency = 120 * time.Millisecond
	defaultRandomSeed = 42
)

// SimulatedRemote stands in for the analysis service on local runs. It
// sleeps for a random latency and returns a verdict derived from the photo
// reference: refs starting with "tampered" are invalid, and confidence is a
// stable function of the ref within [0.5, 1].
type SimulatedRemote struct {
	mu         sync.Mutex
	rng        *rand.Rand
	minLatency time.Duration
	maxLatency time.Duration
}

// SimulatedOption configures a SimulatedRemote.
type SimulatedOption func(*SimulatedRemote)

// WithLatencyRange sets the simulated latency range.
func WithLatencyRange(minLatency, maxLatency time.Duration) SimulatedOption {
	return func(s *SimulatedRemote) {
		if minLatency > 0 && maxLatency > minLatency {
			s.minLatency = minLatency
			s.maxLatency = maxLatency
		}
	}
}

// NewSimulatedRemote creates a SimulatedRemote.
func NewSimulatedRemote(opts ...SimulatedOption) *SimulatedRemote {
	s := &SimulatedRemote{
		rng:        rand.New(rand.NewSource(defaultRandomSeed)), //nolint:gosec // deterministic latency for reproducible runs
		minLatency: defaultMinLatency,
		maxLatency: defaultMaxLatency,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Analyze implements Remote.
func (s *SimulatedRemote) Analyze(ctx context.Context, photoRef string) (Verdict, error) {
	s.mu.Lock()
	latency := s.minLatency + time.Duration(s.rng.Int63n(int64(s.maxLatency-s.minLatency)))
	s.mu.Unlock()

	timer := time.NewTimer(latency)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return Verdict{}, fmt.Errorf("context cancelled: %w", ctx.Err())
	case <-timer.C:
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte(photoRef))
	confidence := 0.5 + float64(h.Sum32()%501)/1000

	return Verdict{
		Valid:      !strings.HasPrefix(photoRef, "tampered"),
		Confidence: confidence,
	}, nil
}

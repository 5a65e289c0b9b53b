package metrics

import (
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/model"
)

// Option adjusts a Manager before its collectors are registered.
type Option func(*Manager)

// WithEnabled turns every recorder into a no-op when on is false.
func WithEnabled(on bool) Option {
	return func(m *Manager) { m.enabled = on }
}

// WithLatencyBuckets replaces the millisecond buckets of the latency histograms.
func WithLatencyBuckets(ms []float64) Option {
	return func(m *Manager) {
		if len(ms) > 0 {
			m.histogramBuckets = ms
		}
	}
}

// WithRefreshInterval sets how often runtime and queue gauges are sampled.
func WithRefreshInterval(interval time.Duration) Option {
	return func(m *Manager) {
		if interval > 0 {
			m.refreshInterval = interval
		}
	}
}

// WithConstLabels attaches labels such as the city or edition to every series.
// Entries with an empty value are dropped.
func WithConstLabels(labels map[string]string) Option {
	return func(m *Manager) {
		for k, v := range labels {
			if v != "" {
				m.customLabels[k] = v
			}
		}
	}
}

// WithPrometheusRegistry sets a custom Prometheus registry.
func WithPrometheusRegistry(registry prometheus.Registerer) Option {
	return func(m *Manager) {
		if registry != nil {
			m.registry = registry
		}
	}
}

// Configure replaces the global manager with one built from opts on a fresh
// registry. Call it once at startup, before anything records.
func Configure(opts ...Option) error {
	draft := &Manager{customLabels: make(map[string]string)}
	for _, opt := range opts {
		opt(draft)
	}
	for name := range draft.customLabels {
		if !validLabelName(name) {
			return fmt.Errorf("metrics: invalid label name %q", name)
		}
	}

	registry := prometheus.NewRegistry()
	globalManager = NewManager(append(opts, WithPrometheusRegistry(registry))...)
	customRegistry = registry
	return nil
}

// validLabelName accepts classic Prometheus label names; "__" is reserved.
func validLabelName(s string) bool {
	return model.LabelName(s).IsValidLegacy() && !strings.HasPrefix(s, model.ReservedLabelPrefix)
}

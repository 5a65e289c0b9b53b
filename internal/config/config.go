// Package config defines service configuration structures and loading hooks.
//
// Conventions:
// - Scalar settings use flat snake_case keys so they map 1:1 to SABOR_* env vars.
// - Lists (editions, dishes, badges) come from the YAML file only.
// - All functions accept context.Context as the first parameter.
package config

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"runtime"
	"strings"
	"time"
)

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendNATS     = "nats"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`
	// LogFormat is text or json.
	LogFormat string `koanf:"log_format"`
	// Addr configures the HTTP listen address, e.g. ":8080".
	Addr string `koanf:"addr"`
	// MaxConnections caps concurrent HTTP connections; 0 disables the cap.
	MaxConnections int `koanf:"max_connections"`
	// TokenSecret keys the HMAC that turns a national ID into a voter token.
	TokenSecret string `koanf:"token_secret"`
	// OTPSecret keys the OTP code digests. Empty derives one from TokenSecret.
	OTPSecret string `koanf:"otp_secret"`

	// StorageBackend selects memory, sqlite, postgres or nats.
	StorageBackend string `koanf:"storage_backend"`
	// StorageDSN is the database/sql DSN for sqlite and postgres.
	StorageDSN string `koanf:"storage_dsn"`
	// NATSURL is used by the nats backend and by the OTP dispatch transport.
	NATSURL             string `koanf:"nats_url"`
	NATSChallengeBucket string `koanf:"nats_challenge_bucket"`
	NATSRateBucket      string `koanf:"nats_rate_bucket"`
	NATSVoteBucket      string `koanf:"nats_vote_bucket"`
	// OTPSubject is the NATS subject OTP deliveries are published on. Empty logs codes instead.
	OTPSubject string `koanf:"otp_subject"`
	// OTPRequestReply waits for the SMS gateway to acknowledge each delivery.
	OTPRequestReply bool `koanf:"otp_request_reply"`

	OTPTTLSeconds         int `koanf:"otp_ttl_seconds"`
	OTPMaxAttempts        int `koanf:"otp_max_attempts"`
	OTPDispatchTimeoutMS  int `koanf:"otp_dispatch_timeout_ms"`
	OTPPhoneLimit         int `koanf:"otp_phone_limit"`
	OTPPhoneWindowSeconds int `koanf:"otp_phone_window_seconds"`

	VoteRateLimit         int `koanf:"vote_rate_limit"`
	VoteRateWindowSeconds int `koanf:"vote_rate_window_seconds"`

	GeoTimeoutMS     int     `koanf:"geo_timeout_ms"`
	DefaultRadiusKM  float64 `koanf:"default_radius_km"`
	GeofenceOverride string  `koanf:"geofence_override"`

	// IntegrityEndpoint is the remote analyzer URL. Empty selects the simulated analyzer.
	IntegrityEndpoint      string  `koanf:"integrity_endpoint"`
	IntegrityTimeoutMS     int     `koanf:"integrity_timeout_ms"`
	IntegrityRetries       int     `koanf:"integrity_retries"`
	IntegrityMinConfidence float64 `koanf:"integrity_min_confidence"`
	IntegrityLatencyMinMS  int     `koanf:"integrity_latency_min_ms"`
	IntegrityLatencyMaxMS  int     `koanf:"integrity_latency_max_ms"`

	ReservationTTLSeconds int `koanf:"reservation_ttl_seconds"`
	AttemptIdleSeconds    int `koanf:"attempt_idle_seconds"`

	// EventQueueSize bounds the in-memory vote event queue.
	EventQueueSize int `koanf:"queue_size"`
	// WorkerCount sets the number of ranking workers.
	WorkerCount int `koanf:"worker_count"`
	// MaxLeaderboardLimit caps GET /leaderboard?limit.
	MaxLeaderboardLimit int `koanf:"max_leaderboard_limit"`

	// MetricsEnabled turns Prometheus recording on.
	MetricsEnabled bool `koanf:"metrics_enabled"`
	// MetricsRefreshSeconds is how often runtime and queue gauges are sampled.
	MetricsRefreshSeconds int `koanf:"metrics_refresh_seconds"`
	// MetricsLabels are constant labels on every series, e.g. city: porto-alegre.
	MetricsLabels map[string]string `koanf:"metrics_labels"`
	// MetricsLatencyBucketsMS overrides the latency histogram buckets.
	MetricsLatencyBucketsMS []float64 `koanf:"metrics_latency_buckets_ms"`

	// FirstVoteBadge is the badge id unlocked by a voter's first vote.
	FirstVoteBadge string `koanf:"first_vote_badge"`
	// Badges maps badge ids to display titles.
	Badges map[string]string `koanf:"badges"`

	Editions []EditionConfig `koanf:"editions"`
	Dishes   []DishConfig    `koanf:"dishes"`
}

// EditionConfig describes a time-boxed edition. Times are RFC3339.
type EditionConfig struct {
	ID       string `koanf:"id"`
	City     string `koanf:"city"`
	OpensAt  string `koanf:"opens_at"`
	ClosesAt string `koanf:"closes_at"`
}

// DishConfig describes a vote-eligible dish and the venue serving it.
type DishConfig struct {
	ID        string  `koanf:"id"`
	Name      string  `koanf:"name"`
	Category  string  `koanf:"category"`
	EditionID string  `koanf:"edition_id"`
	Venue     string  `koanf:"venue"`
	Latitude  float64 `koanf:"latitude"`
	Longitude float64 `koanf:"longitude"`
	// RadiusKM overrides DefaultRadiusKM when > 0.
	RadiusKM float64 `koanf:"radius_km"`
}

// New creates a Config with defaults. The default catalog is a single open
// development edition so the service runs without a config file.
func New(_ context.Context) *Config {
	return &Config{
		LogLevel:               "info",
		LogFormat:              "text",
		Addr:                   ":9080",
		MaxConnections:         1024,
		TokenSecret:            "dev-only-secret",
		StorageBackend:         BackendMemory,
		NATSURL:                "nats://127.0.0.1:4222",
		NATSChallengeBucket:    "SABOR_CHALLENGES",
		NATSRateBucket:         "SABOR_RATE_WINDOWS",
		NATSVoteBucket:         "SABOR_VOTE_SLOTS",
		OTPTTLSeconds:          60,
		OTPMaxAttempts:         5,
		OTPDispatchTimeoutMS:   5_000,
		OTPPhoneLimit:          3,
		OTPPhoneWindowSeconds:  600,
		VoteRateLimit:          10,
		VoteRateWindowSeconds:  3_600,
		GeoTimeoutMS:           10_000,
		DefaultRadiusKM:        0.1,
		IntegrityTimeoutMS:     8_000,
		IntegrityRetries:       2,
		IntegrityMinConfidence: 0.5,
		IntegrityLatencyMinMS:  40,
		IntegrityLatencyMaxMS:  120,
		ReservationTTLSeconds:  120,
		AttemptIdleSeconds:     900,
		EventQueueSize:         10_000,
		WorkerCount:            runtime.NumCPU(),
		MaxLeaderboardLimit:    100,
		MetricsEnabled:         true,
		MetricsRefreshSeconds:  10,
		FirstVoteBadge:         "primeiro-voto",
		Badges: map[string]string{
			"primeiro-voto": "Primeiro voto",
		},
		Editions: []EditionConfig{
			{ID: "dev", City: "dev", OpensAt: "2000-01-01T00:00:00Z", ClosesAt: "2100-01-01T00:00:00Z"},
		},
		Dishes: []DishConfig{
			{ID: "dev-feijoada", Name: "Feijoada", Category: "prato-principal", EditionID: "dev", Venue: "Bar Dev", Latitude: -23.5505, Longitude: -46.6333},
			{ID: "dev-pastel", Name: "Pastel", Category: "petisco", EditionID: "dev", Venue: "Bar Dev", Latitude: -23.5505, Longitude: -46.6333},
		},
	}
}

func ascending(xs []float64) bool {
	for i := 1; i < len(xs); i++ {
		if xs[i] <= xs[i-1] {
			return false
		}
	}
	return true
}

// otpKeyLabel separates the derived OTP key from the voter token key.
const otpKeyLabel = "sabor otp digest v1"

// OTPDigestSecret returns the key for OTP code digests. Without an explicit
// OTPSecret it is derived from TokenSecret and never equals it.
func (c *Config) OTPDigestSecret() string {
	if c.OTPSecret != "" {
		return c.OTPSecret
	}
	mac := hmac.New(sha256.New, []byte(c.TokenSecret))
	mac.Write([]byte(otpKeyLabel))
	return hex.EncodeToString(mac.Sum(nil))
}

// Validate checks cross-field constraints.
func (c *Config) Validate(_ context.Context) error {
	switch {
	case strings.TrimSpace(c.Addr) == "":
		return invalid("addr must not be empty")
	case c.MaxConnections < 0:
		return invalid("max_connections must not be negative")
	case strings.TrimSpace(c.TokenSecret) == "":
		return invalid("token_secret must not be empty")
	case c.OTPSecret != "" && c.OTPSecret == c.TokenSecret:
		return invalid("otp_secret must differ from token_secret")
	case c.OTPTTLSeconds <= 0:
		return invalid("otp_ttl_seconds must be positive")
	case c.OTPMaxAttempts <= 0:
		return invalid("otp_max_attempts must be positive")
	case c.OTPPhoneLimit <= 0 || c.OTPPhoneWindowSeconds <= 0:
		return invalid("otp phone rate limit must be positive")
	case c.VoteRateLimit <= 0 || c.VoteRateWindowSeconds <= 0:
		return invalid("vote rate limit must be positive")
	case c.DefaultRadiusKM <= 0:
		return invalid("default_radius_km must be positive")
	case c.MetricsRefreshSeconds < 0:
		return invalid("metrics_refresh_seconds must not be negative")
	case !ascending(c.MetricsLatencyBucketsMS):
		return invalid("metrics_latency_buckets_ms must be strictly increasing")
	case c.IntegrityRetries < 0:
		return invalid("integrity_retries must not be negative")
	case c.IntegrityMinConfidence < 0 || c.IntegrityMinConfidence > 1:
		return invalid("integrity_min_confidence must be within [0,1]")
	case c.FirstVoteBadge != "" && c.Badges[c.FirstVoteBadge] == "":
		return invalid("first_vote_badge must exist in badges")
	}

	switch c.StorageBackend {
	case BackendMemory, BackendNATS:
	case BackendSQLite, BackendPostgres:
		if c.StorageDSN == "" {
			return invalid("storage_dsn is required for " + c.StorageBackend)
		}
	default:
		return invalid("unknown storage_backend " + c.StorageBackend)
	}

	switch c.GeofenceOverride {
	case "", "inside", "outside":
	default:
		return invalid("geofence_override must be empty, inside or outside")
	}

	editions := make(map[string]bool, len(c.Editions))
	for _, e := range c.Editions {
		opens, err := time.Parse(time.RFC3339, e.OpensAt)
		if err != nil {
			return invalid("edition " + e.ID + ": opens_at must be RFC3339")
		}
		closes, err := time.Parse(time.RFC3339, e.ClosesAt)
		if err != nil {
			return invalid("edition " + e.ID + ": closes_at must be RFC3339")
		}
		if !closes.After(opens) {
			return invalid("edition " + e.ID + ": closes_at must be after opens_at")
		}
		editions[e.ID] = true
	}
	for _, d := range c.Dishes {
		if d.ID == "" || !editions[d.EditionID] {
			return invalid("dish " + d.ID + ": unknown edition " + d.EditionID)
		}
		if d.Latitude < -90 || d.Latitude > 90 || d.Longitude < -180 || d.Longitude > 180 {
			return invalid("dish " + d.ID + ": coordinates out of range")
		}
	}
	return nil
}

func invalid(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, msg)
}

// Seconds converts an integer setting to a duration.
func Seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// Millis converts an integer setting to a duration.
func Millis(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// Package geofence decides whether a voter stands close enough to a venue.
package geofence

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/okian/sabor/internal/domain/model"
	"github.com/okian/sabor/pkg/metrics"
)

// EarthRadiusKM is the sphere radius used by Distance.
const EarthRadiusKM = 6371.0

// Distance returns the haversine distance in kilometres.
func Distance(a, b model.Coordinates) float64 {
	lat1, lat2 := radians(a.Latitude), radians(b.Latitude)
	dLat := lat2 - lat1
	dLon := radians(b.Longitude - a.Longitude)

	sinLat, sinLon := math.Sin(dLat/2), math.Sin(dLon/2)
	h := sinLat*sinLat + math.Cos(lat1)*math.Cos(lat2)*sinLon*sinLon
	// Rounding can push h just past 1 for near-antipodal points.
	h = math.Min(1, math.Max(0, h))
	return 2 * EarthRadiusKM * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }

// ValidCoordinates reports whether c is a point on the globe.
func ValidCoordinates(c model.Coordinates) bool {
	return !math.IsNaN(c.Latitude) && !math.IsNaN(c.Longitude) &&
		c.Latitude >= -90 && c.Latitude <= 90 && c.Longitude >= -180 && c.Longitude <= 180
}

// Override forces the classification regardless of the measured distance.
type Override int

const (
	NoOverride Override = iota
	ForceInside
	ForceOutside
)

// ParseOverride maps "", "inside" and "outside" to an Override.
func ParseOverride(s string) (Override, error) {
	switch s {
	case "":
		return NoOverride, nil
	case "inside":
		return ForceInside, nil
	case "outside":
		return ForceOutside, nil
	}
	return NoOverride, fmt.Errorf("unknown geofence override %q", s)
}

// Result is the outcome of Evaluate. DistanceKM is always the measured
// distance, also when the classification was forced.
type Result struct {
	InRadius   bool
	DistanceKM float64
	Forced     bool
}

// Evaluator classifies voter positions.
type Evaluator struct {
	override Override
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithOverride forces every classification. Used by drill editions.
func WithOverride(o Override) Option {
	return func(e *Evaluator) { e.override = o }
}

// NewEvaluator creates an Evaluator.
func NewEvaluator(opts ...Option) *Evaluator {
	e := &Evaluator{}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate measures the voter-venue distance and classifies it against radiusKM.
func (e *Evaluator) Evaluate(voter, venue model.Coordinates, radiusKM float64) Result {
	d := Distance(voter, venue)
	metrics.RecordGeofenceDistance(d)

	switch e.override {
	case ForceInside:
		return Result{InRadius: true, DistanceKM: d, Forced: true}
	case ForceOutside:
		return Result{InRadius: false, DistanceKM: d, Forced: true}
	}
	return Result{InRadius: d <= radiusKM, DistanceKM: d}
}

// Source yields the voter's current position.
type Source interface {
	// Acquire returns a position or one of ErrPermissionDenied, ErrTimeout, ErrUnavailable.
	Acquire(ctx context.Context, timeout time.Duration) (model.Coordinates, error)
}

// Acquire reads src under timeout and normalizes its failure to one of the
// acquisition errors. A missed deadline is ErrTimeout.
func Acquire(ctx context.Context, src Source, timeout time.Duration) (model.Coordinates, error) {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c, err := src.Acquire(actx, timeout)
	switch {
	case err == nil:
	case errors.Is(err, ErrPermissionDenied), errors.Is(err, ErrTimeout), errors.Is(err, ErrUnavailable):
		return model.Coordinates{}, err
	case errors.Is(err, context.DeadlineExceeded):
		return model.Coordinates{}, fmt.Errorf("%w: %w", ErrTimeout, err)
	default:
		return model.Coordinates{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if !ValidCoordinates(c) {
		return model.Coordinates{}, ErrInvalidCoordinates
	}
	return c, nil
}

// Reported is a Source holding a reading the client already took, or the
// failure it reported.
type Reported struct {
	Coordinates model.Coordinates
	Err         error
}

// Acquire implements Source.
func (r Reported) Acquire(ctx context.Context, _ time.Duration) (model.Coordinates, error) {
	if err := ctx.Err(); err != nil {
		return model.Coordinates{}, err
	}
	return r.Coordinates, r.Err
}

// ReportedFailure maps a client failure code to its error.
func ReportedFailure(code string) error {
	switch code {
	case "permission_denied":
		return ErrPermissionDenied
	case "timeout":
		return ErrTimeout
	case "unavailable":
		return ErrUnavailable
	}
	return nil
}

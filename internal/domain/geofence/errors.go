package geofence

import "errors"

// Location failures. Acquisition failures are distinct from ErrOutOfRadius.
var (
	ErrOutOfRadius        = errors.New("voter outside venue radius")
	ErrPermissionDenied   = errors.New("location permission denied")
	ErrTimeout            = errors.New("location acquisition timed out")
	ErrUnavailable        = errors.New("location unavailable")
	ErrInvalidCoordinates = errors.New("invalid coordinates")
)

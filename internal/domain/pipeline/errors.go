package pipeline

import (
	"errors"

	"github.com/okian/sabor/internal/domain/catalog"
	"github.com/okian/sabor/internal/domain/challenge"
	"github.com/okian/sabor/internal/domain/dedupe"
	"github.com/okian/sabor/internal/domain/geofence"
	"github.com/okian/sabor/internal/domain/identity"
	"github.com/okian/sabor/internal/domain/integrity"
	"github.com/okian/sabor/internal/domain/scoring"
)

// Coordinator errors wrapped by rejections that have no domain cause.
var (
	ErrWrongStage    = errors.New("operation not allowed at this stage")
	ErrAttemptClosed = errors.New("attempt already finished")
	ErrVoterLimited  = errors.New("voter submission rate exceeded")

	// ErrUnknownAttempt is returned by attempt registries for ids they do not hold.
	ErrUnknownAttempt = errors.New("attempt not found or expired")
)

type classification struct {
	target      error
	class       Class
	code        Code
	recoverable bool
}

// classifications maps domain errors to rejections, most specific first.
var classifications = []classification{
	{identity.ErrInvalidNationalID, ClassValidation, CodeInvalidNationalID, true},
	{identity.ErrInvalidPhone, ClassValidation, CodeInvalidPhone, true},
	{identity.ErrInvalidOTPShape, ClassValidation, CodeInvalidOTPShape, true},
	{challenge.ErrInvalidPhone, ClassValidation, CodeInvalidPhone, true},
	{catalog.ErrUnknownDish, ClassValidation, CodeUnknownDish, true},
	{catalog.ErrUnknownEdition, ClassValidation, CodeUnknownDish, true},
	{catalog.ErrEditionClosed, ClassValidation, CodeEditionClosed, true},
	{integrity.ErrMissingPhoto, ClassValidation, CodeMissingPhoto, true},

	{challenge.ErrExpired, ClassChallenge, CodeExpired, true},
	{challenge.ErrCodeMismatch, ClassChallenge, CodeCodeMismatch, true},
	{challenge.ErrNoActiveChallenge, ClassChallenge, CodeNoActiveChallenge, true},
	{challenge.ErrDispatchFailed, ClassChallenge, CodeDispatchFailed, true},
	{challenge.ErrAttemptsExhausted, ClassChallenge, CodeAttemptsExhausted, false},
	{challenge.ErrRateLimited, ClassChallenge, CodeRateLimited, false},

	{geofence.ErrPermissionDenied, ClassLocation, CodePermissionDenied, true},
	{geofence.ErrTimeout, ClassLocation, CodeTimeout, true},
	{geofence.ErrUnavailable, ClassLocation, CodeUnavailable, true},
	{geofence.ErrInvalidCoordinates, ClassLocation, CodeInvalidCoordinates, true},
	{geofence.ErrOutOfRadius, ClassLocation, CodeOutOfRadius, false},

	{dedupe.ErrAlreadyVoted, ClassDuplicate, CodeAlreadyVoted, false},
	{dedupe.ErrReservationLost, ClassDuplicate, CodeReservationLost, true},

	{integrity.ErrAnalysisFailed, ClassIntegrity, CodeAnalysisFailed, true},
	{integrity.ErrRejected, ClassIntegrity, CodePhotoRejected, false},
	{integrity.ErrLowConfidence, ClassIntegrity, CodeLowConfidence, false},

	{ErrVoterLimited, ClassRateLimit, CodeVoterRateLimited, false},

	{scoring.ErrInvalidCriteria, ClassInvalidCriteria, CodeInvalidCriteria, false},
}

// classify turns err from stage into a Rejection. Unknown errors are
// transport or store faults: unclassified and retryable.
func classify(stage Stage, err error) *Rejection {
	if r, ok := AsRejection(err); ok {
		return r
	}
	for _, c := range classifications {
		if errors.Is(err, c.target) {
			return &Rejection{Stage: stage, Class: c.class, Code: c.code, Recoverable: c.recoverable, Err: err}
		}
	}
	return &Rejection{Stage: stage, Class: ClassUnclassified, Code: CodeInternal, Recoverable: true, Err: err}
}

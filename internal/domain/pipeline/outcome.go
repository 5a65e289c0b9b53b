package pipeline

import (
	"errors"
	"fmt"
)

// Stage is a position in the pipeline. Stages run in declaration order.
type Stage int

const (
	StageIdle Stage = iota
	StageIdentityCheck
	StageChallengeCheck
	StageGeofenceCheck
	StageDuplicateCheck
	StageIntegrityCheck
	StageRateLimitCheck
	StageAggregate
	StageSubmitted
	StageRejected
	StageCancelled
)

var stageNames = [...]string{
	StageIdle:           "idle",
	StageIdentityCheck:  "identity_check",
	StageChallengeCheck: "challenge_check",
	StageGeofenceCheck:  "geofence_check",
	StageDuplicateCheck: "duplicate_check",
	StageIntegrityCheck: "integrity_check",
	StageRateLimitCheck: "rate_limit_check",
	StageAggregate:      "aggregate",
	StageSubmitted:      "submitted",
	StageRejected:       "rejected",
	StageCancelled:      "cancelled",
}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return fmt.Sprintf("stage(%d)", int(s))
	}
	return stageNames[s]
}

// MarshalText renders the stage name in JSON.
func (s Stage) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Terminal reports whether no further stage can run.
func (s Stage) Terminal() bool {
	return s == StageSubmitted || s == StageRejected || s == StageCancelled
}

// Class is the rejection taxonomy.
type Class string

const (
	ClassValidation      Class = "ValidationError"
	ClassChallenge       Class = "ChallengeError"
	ClassLocation        Class = "LocationError"
	ClassDuplicate       Class = "DuplicateError"
	ClassIntegrity       Class = "IntegrityError"
	ClassRateLimit       Class = "RateLimitError"
	ClassInvalidCriteria Class = "InvalidCriteria"
	ClassUnclassified    Class = "Unclassified"
)

// Code is the specific reason within a Class.
type Code string

const (
	CodeInvalidNationalID  Code = "InvalidNationalID"
	CodeInvalidPhone       Code = "InvalidPhone"
	CodeInvalidOTPShape    Code = "InvalidOTPShape"
	CodeUnknownDish        Code = "UnknownDish"
	CodeEditionClosed      Code = "EditionClosed"
	CodeMissingPhoto       Code = "MissingPhoto"
	CodeWrongStage         Code = "WrongStage"
	CodeAttemptClosed      Code = "AttemptClosed"
	CodeExpired            Code = "Expired"
	CodeCodeMismatch       Code = "CodeMismatch"
	CodeAttemptsExhausted  Code = "AttemptsExhausted"
	CodeRateLimited        Code = "RateLimited"
	CodeDispatchFailed     Code = "DispatchFailed"
	CodeNoActiveChallenge  Code = "NoActiveChallenge"
	CodeOutOfRadius        Code = "OutOfRadius"
	CodePermissionDenied   Code = "PermissionDenied"
	CodeTimeout            Code = "Timeout"
	CodeUnavailable        Code = "Unavailable"
	CodeInvalidCoordinates Code = "InvalidCoordinates"
	CodeAlreadyVoted       Code = "AlreadyVoted"
	CodeReservationLost    Code = "ReservationLost"
	CodeAnalysisFailed     Code = "AnalysisFailed"
	CodePhotoRejected      Code = "PhotoRejected"
	CodeLowConfidence      Code = "LowConfidence"
	CodeVoterRateLimited   Code = "VoterRateLimited"
	CodeInvalidCriteria    Code = "InvalidCriteria"
	CodeInternal           Code = "Internal"
)

// Rejection is a classified stage failure. Recoverable rejections leave the
// attempt at the failing stage so the caller can re-enter it.
type Rejection struct {
	Stage       Stage `json:"stage"`
	Class       Class `json:"class"`
	Code        Code  `json:"code"`
	Recoverable bool  `json:"recoverable"`
	Err         error `json:"-"`
}

func (r *Rejection) Error() string {
	if r.Err != nil {
		return fmt.Sprintf("%s: %s/%s: %v", r.Stage, r.Class, r.Code, r.Err)
	}
	return fmt.Sprintf("%s: %s/%s", r.Stage, r.Class, r.Code)
}

func (r *Rejection) Unwrap() error { return r.Err }

// AsRejection extracts a *Rejection from err.
func AsRejection(err error) (*Rejection, bool) {
	var r *Rejection
	ok := errors.As(err, &r)
	return r, ok
}

// Outcome is the tagged result of a stage: Pass(Value) or Fail(Rejection).
type Outcome[T any] struct {
	Value     T
	Rejection *Rejection
}

// Pass wraps a successful value.
func Pass[T any](v T) Outcome[T] { return Outcome[T]{Value: v} }

// Fail wraps a rejection.
func Fail[T any](r *Rejection) Outcome[T] { return Outcome[T]{Rejection: r} }

// OK reports whether the stage passed.
func (o Outcome[T]) OK() bool { return o.Rejection == nil }

// Err returns the rejection as an error, or nil.
func (o Outcome[T]) Err() error {
	if o.Rejection == nil {
		return nil
	}
	return o.Rejection
}

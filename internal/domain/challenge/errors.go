package challenge

import "errors"

// Outcomes of Start and Verify.
var (
	ErrInvalidPhone      = errors.New("invalid phone")
	ErrRateLimited       = errors.New("too many challenges for this phone")
	ErrDispatchFailed    = errors.New("code delivery failed")
	ErrNoActiveChallenge = errors.New("no active challenge")
	ErrExpired           = errors.New("challenge expired")
	ErrAttemptsExhausted = errors.New("challenge attempts exhausted")
	ErrCodeMismatch      = errors.New("code mismatch")
)

// Store errors.
var (
	ErrNotFound   = errors.New("challenge not found")
	ErrConflict   = errors.New("challenge revision conflict")
	ErrStore      = errors.New("challenge store failed")
	ErrContention = errors.New("challenge store contention")
)

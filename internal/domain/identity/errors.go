package identity

import "errors"

// Sentinel errors returned by Validate and NormalizePhone.
var (
	ErrInvalidNationalID = errors.New("invalid national id")
	ErrInvalidPhone      = errors.New("invalid phone")
	ErrInvalidOTPShape   = errors.New("otp must have 6 digits")
)

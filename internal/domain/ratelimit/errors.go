package ratelimit

import "errors"

var (
	ErrInvalidRule = errors.New("rate limit rule must have positive limit and window")
	ErrStore       = errors.New("rate window store failed")
)

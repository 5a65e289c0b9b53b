package service

import "errors"

// Service errors.
var (
	ErrStart      = errors.New("service start failed")
	ErrNotStarted = errors.New("service not started")
)

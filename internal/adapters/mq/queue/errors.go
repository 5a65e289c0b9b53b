package queue

import "errors"

var (
	ErrFull   = errors.New("vote event queue full")
	ErrClosed = errors.New("vote event queue closed")
)

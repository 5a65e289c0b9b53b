package scoring

import "errors"

var (
	ErrInvalidCriteria = errors.New("criteria must be within [0,5]")
	ErrHistory         = errors.New("voter history unavailable")
)

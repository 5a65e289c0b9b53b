package integrity

import "errors"

var (
	ErrMissingPhoto   = errors.New("photo reference is required")
	ErrAnalysisFailed = errors.New("integrity analysis failed")
	ErrRejected       = errors.New("photo failed integrity analysis")
	ErrLowConfidence  = errors.New("integrity confidence below threshold")
)

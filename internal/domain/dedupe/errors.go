package dedupe

import "errors"

var (
	ErrAlreadyVoted      = errors.New("voter already voted for this dish in this edition")
	ErrNotReserved       = errors.New("vote key is not reserved")
	ErrReservationLost   = errors.New("reservation was taken over by another submission")
	ErrReservationClosed = errors.New("reservation already committed or released")
	ErrKeyMismatch       = errors.New("vote does not match reservation")
	ErrStore             = errors.New("vote store failed")
)

package domain

import "errors"

var (
	ErrNotFound         = errors.New("not found")
	ErrFeedFailed       = errors.New("feed failed permanently")
	ErrNotConnected     = errors.New("not connected")
	ErrExecutionPaused  = errors.New("execution paused")
	ErrAlreadyInFlight  = errors.New("execution already in flight")
	ErrOpportunityStale = errors.New("opportunity expired")
	ErrInvalidConfig    = errors.New("invalid configuration")
	ErrLockHeld         = errors.New("lock already held")
)

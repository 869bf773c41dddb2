package domain

import "errors"

var (
	// ErrNoActiveAttempt is returned when an operation requires a running attempt.
	ErrNoActiveAttempt = errors.New("no active attempt")
	// ErrAttemptInFlight is returned when a start would clobber an attempt mid-submission.
	ErrAttemptInFlight = errors.New("attempt submission in flight")
	// ErrTestNotFound indicates the test definition could not be loaded.
	ErrTestNotFound = errors.New("test not found")
)

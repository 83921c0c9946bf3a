package monitor

import "errors"

var (
	// ErrAlreadyRunning is returned by Start while a session is active.
	ErrAlreadyRunning = errors.New("monitoring session already running")

	// ErrNoSession is returned by control calls that need an active session.
	ErrNoSession = errors.New("no active monitoring session")

	// ErrInvalidTransition is returned when a control call does not apply to
	// the current state, e.g. Resume while Running.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrStopped is returned by control calls against a stopped session.
	ErrStopped = errors.New("monitoring session is stopped")
)

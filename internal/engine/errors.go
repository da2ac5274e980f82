package engine

import "errors"

var (
	// ErrClosed is returned when an operation is attempted on a closed engine.
	ErrClosed = errors.New("engine closed")

	// ErrNoActiveSession is returned for operations on a stopped session.
	ErrNoActiveSession = errors.New("no active session")

	// ErrSessionStillPending is returned by Stop while completions are undelivered.
	ErrSessionStillPending = errors.New("session has pending operations")

	// ErrSessionInUse is returned when two goroutines use one session at once.
	ErrSessionInUse = errors.New("session in use by another goroutine")

	// ErrTooManySessions is returned when every epoch slot is taken.
	ErrTooManySessions = errors.New("too many sessions")

	// ErrUnknownSession is returned by ContinueSession for an id that was
	// never checkpointed or is already active.
	ErrUnknownSession = errors.New("unknown session")

	// ErrSerialRegression is returned when a serial number is lower than the
	// previous one of the session.
	ErrSerialRegression = errors.New("serial number regression")

	// ErrCheckpointInProgress is returned when a checkpoint is already running.
	ErrCheckpointInProgress = errors.New("checkpoint in progress")

	// ErrNoStorage is returned by operations that need a stable device.
	ErrNoStorage = errors.New("engine has no stable storage")

	// ErrNotReady is returned by PendingRead.Take before completion.
	ErrNotReady = errors.New("pending read not completed")

	// ErrAlreadyTaken is returned by PendingRead.Take after the result was taken.
	ErrAlreadyTaken = errors.New("pending read result already taken")

	// ErrCorrupt is returned when data corruption is detected at open.
	ErrCorrupt = errors.New("data corruption detected")

	// ErrInvalidArgument is returned for unusable configuration.
	ErrInvalidArgument = errors.New("invalid argument")
)

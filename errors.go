package fastkv

import (
	"errors"
	"fmt"

	"github.com/hupe1980/fastkv/internal/device"
	"github.com/hupe1980/fastkv/internal/engine"
	"github.com/hupe1980/fastkv/internal/hlog"
)

var (
	// ErrClosed is returned when the store has been closed.
	ErrClosed = errors.New("fastkv: closed")
	// ErrInvalidConfig is returned for invalid configuration values.
	ErrInvalidConfig = errors.New("fastkv: invalid config")

	// ErrNoActiveSession is returned for operations on a stopped session.
	ErrNoActiveSession = errors.New("fastkv: no active session")
	// ErrSessionStillPending is returned by Stop while reads are undelivered.
	ErrSessionStillPending = errors.New("fastkv: session has pending operations")
	// ErrSessionInUse is returned when two goroutines use one session.
	ErrSessionInUse = errors.New("fastkv: session in use")
	// ErrTooManySessions is returned when the session limit is reached.
	ErrTooManySessions = errors.New("fastkv: too many sessions")
	// ErrUnknownSession is returned by ContinueSession for ids without a cursor.
	ErrUnknownSession = errors.New("fastkv: unknown session")
	// ErrSerialRegression is returned when a serial number decreases.
	ErrSerialRegression = errors.New("fastkv: serial number regression")

	// ErrOutOfLogSpace is returned when the log cannot grow.
	ErrOutOfLogSpace = errors.New("fastkv: out of log space")
	// ErrRecordTooLarge is returned for records that do not fit a log page.
	// It also matches ErrOutOfLogSpace.
	ErrRecordTooLarge = errors.New("fastkv: record too large")

	// ErrCheckpointInProgress is returned when a checkpoint is already running.
	ErrCheckpointInProgress = errors.New("fastkv: checkpoint in progress")
	// ErrNoStorage is returned by Checkpoint in memory-only mode.
	ErrNoStorage = errors.New("fastkv: no stable storage")
	// ErrCorrupt is returned when checkpoint data or log pages are damaged.
	ErrCorrupt = errors.New("fastkv: corrupt data")

	// ErrNotReady is returned by PendingRead.Take before delivery.
	ErrNotReady = errors.New("fastkv: result not delivered")
	// ErrAlreadyTaken is returned by a second PendingRead.Take.
	ErrAlreadyTaken = errors.New("fastkv: result already taken")
	// ErrBufferReleased is returned by a second Buffer.Release.
	ErrBufferReleased = errors.New("fastkv: buffer already released")
)

// ConfigError describes an invalid configuration field.
//
// It matches ErrInvalidConfig with errors.Is.
type ConfigError struct {
	Field  string
	Reason string
	cause  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("fastkv: invalid config: %s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Is(target error) bool { return target == ErrInvalidConfig }

func (e *ConfigError) Unwrap() error { return e.cause }

var errorTable = []struct {
	internal error
	public   error
}{
	{engine.ErrClosed, ErrClosed},
	{hlog.ErrClosed, ErrClosed},
	{device.ErrClosed, ErrClosed},
	{engine.ErrNoActiveSession, ErrNoActiveSession},
	{engine.ErrSessionStillPending, ErrSessionStillPending},
	{engine.ErrSessionInUse, ErrSessionInUse},
	{engine.ErrTooManySessions, ErrTooManySessions},
	{engine.ErrUnknownSession, ErrUnknownSession},
	{engine.ErrSerialRegression, ErrSerialRegression},
	{engine.ErrCheckpointInProgress, ErrCheckpointInProgress},
	{engine.ErrNoStorage, ErrNoStorage},
	{hlog.ErrNoDevice, ErrNoStorage},
	{engine.ErrCorrupt, ErrCorrupt},
	{device.ErrCorruptPage, ErrCorrupt},
	{engine.ErrNotReady, ErrNotReady},
	{engine.ErrAlreadyTaken, ErrAlreadyTaken},
	{engine.ErrInvalidArgument, ErrInvalidConfig},
	{hlog.ErrOutOfLogSpace, ErrOutOfLogSpace},
}

func translateError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, hlog.ErrRecordTooLarge) {
		return fmt.Errorf("%w: %w: %w", ErrRecordTooLarge, ErrOutOfLogSpace, err)
	}
	for _, m := range errorTable {
		if errors.Is(err, m.internal) {
			return fmt.Errorf("%w: %w", m.public, err)
		}
	}
	return err
}

package fastkv

import (
	"errors"
	"fmt"

	"github.com/hupe1980/fastkv/internal/engine"
)

// Status is the outcome of an operation. Operations that return an error
// report StatusError.
type Status uint8

const (
	// StatusOK means the operation completed.
	StatusOK Status = iota
	// StatusPending means the result is delivered by CompletePending.
	StatusPending
	// StatusNotFound means the key does not exist or was deleted.
	StatusNotFound
	// StatusError means the operation failed; the error says why.
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusPending:
		return "pending"
	case StatusNotFound:
		return "not found"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

func statusOf(s engine.Status) Status {
	switch s {
	case engine.StatusPending:
		return StatusPending
	case engine.StatusNotFound:
		return StatusNotFound
	default:
		return StatusOK
	}
}

// Code is the numeric result code used by foreign-language bindings.
type Code int32

const (
	CodeOK          Code = 0
	CodePending     Code = 1
	CodeNotFound    Code = 2
	CodeOutOfMemory Code = 3
	CodeIOError     Code = 4
	CodeCorruption  Code = 5
	CodeAborted     Code = 6
)

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "OK"
	case CodePending:
		return "PENDING"
	case CodeNotFound:
		return "NOT_FOUND"
	case CodeOutOfMemory:
		return "OUT_OF_MEMORY"
	case CodeIOError:
		return "IO_ERROR"
	case CodeCorruption:
		return "CORRUPTION"
	case CodeAborted:
		return "ABORTED"
	default:
		return fmt.Sprintf("Code(%d)", int32(c))
	}
}

// CodeOf maps the result of an operation to its binding code. Errors that
// reject the call without touching storage map to CodeAborted; unclassified
// errors are I/O errors.
func CodeOf(status Status, err error) Code {
	if err == nil {
		switch status {
		case StatusPending:
			return CodePending
		case StatusNotFound:
			return CodeNotFound
		case StatusError:
			return CodeIOError
		default:
			return CodeOK
		}
	}

	switch {
	case errors.Is(err, ErrOutOfLogSpace):
		return CodeOutOfMemory
	case errors.Is(err, ErrCorrupt):
		return CodeCorruption
	case errors.Is(err, ErrClosed),
		errors.Is(err, ErrInvalidConfig),
		errors.Is(err, ErrNoActiveSession),
		errors.Is(err, ErrSessionStillPending),
		errors.Is(err, ErrSessionInUse),
		errors.Is(err, ErrTooManySessions),
		errors.Is(err, ErrUnknownSession),
		errors.Is(err, ErrSerialRegression),
		errors.Is(err, ErrCheckpointInProgress),
		errors.Is(err, ErrNoStorage),
		errors.Is(err, ErrNotReady),
		errors.Is(err, ErrAlreadyTaken),
		errors.Is(err, ErrBufferReleased):
		return CodeAborted
	default:
		return CodeIOError
	}
}

// Code returns the binding code of a successful operation with status s.
func (s Status) Code() Code {
	return CodeOf(s, nil)
}

package checkpoint

import "errors"

var (
	// ErrIncompatibleVersion is returned when the metadata format is not supported.
	ErrIncompatibleVersion = errors.New("checkpoint: incompatible format version")

	// ErrNotFound is returned when no checkpoint has been committed.
	ErrNotFound = errors.New("checkpoint: not found")

	// ErrCorrupt is returned when checkpoint metadata fails validation.
	ErrCorrupt = errors.New("checkpoint: corrupt metadata")
)

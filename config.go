package fastkv

import "fmt"

const minLogSize = 2 << 10

// Config sizes a store. It mirrors the settings a binding passes to open.
type Config struct {
	// TableSize is the number of hash buckets. It must be a power of two.
	TableSize uint64
	// LogSize is the memory budget of the log in bytes.
	LogSize uint64
	// StoragePath is the directory for stable storage. Empty selects
	// memory-only mode unless WithBlobStore is given.
	StoragePath string
	// LogMutableFraction is the share of LogSize that accepts in-place
	// updates, in [0, 1]. At least one page stays mutable.
	LogMutableFraction float64
	// PreAllocateLog maps every log frame at open.
	PreAllocateLog bool
}

// DefaultConfig returns a configuration for a memory-only store with a
// 1 MiB index and a 256 MiB log.
func DefaultConfig() Config {
	return Config{
		TableSize:          1 << 14,
		LogSize:            256 << 20,
		LogMutableFraction: 0.9,
	}
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	if c.TableSize == 0 || c.TableSize&(c.TableSize-1) != 0 {
		return &ConfigError{Field: "TableSize", Reason: fmt.Sprintf("%d is not a power of two", c.TableSize)}
	}
	if c.LogSize < minLogSize {
		return &ConfigError{Field: "LogSize", Reason: fmt.Sprintf("%d is below the minimum of %d bytes", c.LogSize, minLogSize)}
	}
	if c.LogMutableFraction < 0 || c.LogMutableFraction > 1 {
		return &ConfigError{Field: "LogMutableFraction", Reason: fmt.Sprintf("%v is outside [0, 1]", c.LogMutableFraction)}
	}
	return nil
}

package conv

import (
	"fmt"
	"math"
)

// ToInt converts an unsigned value to int.
func ToInt[T ~uint8 | ~uint16 | ~uint32 | ~uint64](v T) (int, error) {
	if uint64(v) > math.MaxInt {
		return 0, fmt.Errorf("integer overflow: %d cannot be converted to int", uint64(v))
	}
	return int(v), nil
}

// Uint32ToInt converts uint32 to int.
func Uint32ToInt(v uint32) (int, error) {
	return ToInt(v)
}

// Bounded converts v to int and rejects values above limit.
func Bounded[T ~uint32 | ~uint64](v T, limit int) (int, error) {
	n, err := ToInt(v)
	if err != nil {
		return 0, err
	}
	if n > limit {
		return 0, fmt.Errorf("value %d exceeds limit %d", n, limit)
	}
	return n, nil
}

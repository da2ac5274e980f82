//go:build amd64 || arm64

package conv

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestToInt(t *testing.T) {
	t.Run("zero", func(t *testing.T) {
		got, err := ToInt(uint32(0))
		assert.NoError(t, err)
		assert.Equal(t, 0, got)
	})

	t.Run("max uint32", func(t *testing.T) {
		got, err := Uint32ToInt(math.MaxUint32)
		assert.NoError(t, err)
		assert.Equal(t, math.MaxUint32, got)
	})

	t.Run("max int", func(t *testing.T) {
		got, err := ToInt(uint64(math.MaxInt))
		assert.NoError(t, err)
		assert.Equal(t, math.MaxInt, got)
	})

	t.Run("overflow", func(t *testing.T) {
		_, err := ToInt(uint64(math.MaxInt) + 1)
		assert.Error(t, err)
	})
}

func TestBounded(t *testing.T) {
	got, err := Bounded(uint32(16), 16)
	assert.NoError(t, err)
	assert.Equal(t, 16, got)

	_, err = Bounded(uint32(17), 16)
	assert.Error(t, err)

	_, err = Bounded(uint64(math.MaxUint64), math.MaxInt)
	assert.Error(t, err)
}

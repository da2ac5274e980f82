package mem

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAllocAligned(t *testing.T) {
	sizes := []int{1, 10, 63, 64, 65, 100, 1024, 1 << 16}

	for _, size := range sizes {
		buf := AllocAligned(size)
		assert.Len(t, buf, size)
		assert.Equal(t, size, cap(buf), "capacity must not expose padding")
		assert.True(t, IsAligned(buf), "size %d", size)
		for _, b := range buf {
			if b != 0 {
				t.Fatalf("frame of size %d not zeroed", size)
			}
		}
	}

	assert.Nil(t, AllocAligned(0))
	assert.Nil(t, AllocAligned(-1))
}

func TestIsAligned(t *testing.T) {
	buf := AllocAligned(128)
	assert.True(t, IsAligned(buf))
	assert.False(t, IsAligned(buf[8:]))
	assert.True(t, IsAligned(buf[64:]))
	assert.True(t, IsAligned(nil))
}

package alloc

import (
	"testing"

	"gotest.tools/v3/assert"
)

func TestLimit(t *testing.T) {
	h := NewHeap()
	l := NewLimit(h)
	assert.NilError(t, l.Reserve("a", 10))
	l.Set("a", 4)
	assert.NilError(t, l.Reserve("a", 3))
	assert.ErrorIs(t, l.Reserve("a", 2), ErrNoMemory)
	assert.NilError(t, l.Reserve("a", 1))
	// other kinds are unlimited
	assert.NilError(t, l.Reserve("b", 100))
	assert.Equal(t, h.Live("a"), 14)

	l.Release("a", 14)
	assert.Equal(t, h.Live("a"), 0)
	assert.ErrorIs(t, l.Reserve("a", 1), ErrNoMemory)
	l.Set("a", -1)
	assert.NilError(t, l.Reserve("a", 1))
}

package handlepool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocFreeGenerationBump(t *testing.T) {
	p := New(4)

	h1, idx1, ok := p.Alloc()
	require.True(t, ok)
	assert.Equal(t, 0, idx1)
	assert.Equal(t, uint32(1), h1.Generation())

	idx, ok := p.Resolve(h1)
	require.True(t, ok)
	assert.Equal(t, idx1, idx)

	p.Free(idx1)

	// A stale handle must no longer resolve.
	_, ok = p.Resolve(h1)
	assert.False(t, ok)

	// Re-allocating the same slot bumps the generation again.
	h2, idx2, ok := p.Alloc()
	require.True(t, ok)
	assert.Equal(t, idx1, idx2)
	assert.NotEqual(t, h1, h2)
	assert.Equal(t, uint32(2), h2.Generation())
}

func TestAllocExhaustion(t *testing.T) {
	p := New(2)
	_, _, ok1 := p.Alloc()
	_, _, ok2 := p.Alloc()
	_, _, ok3 := p.Alloc()
	assert.True(t, ok1)
	assert.True(t, ok2)
	assert.False(t, ok3)
	assert.Equal(t, 2, p.InUse())
}

func TestGenerationNeverZero(t *testing.T) {
	p := New(1)
	for i := 0; i < 1000; i++ {
		h, idx, ok := p.Alloc()
		require.True(t, ok)
		assert.NotEqual(t, uint32(0), h.Generation())
		p.Free(idx)
	}
}

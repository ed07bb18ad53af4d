package context

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAndResolve(t *testing.T) {
	p := NewPool(4)
	c, h := p.New(0)
	require.NotNil(t, c)

	resolved, ok := p.Resolve(c.Cid, h.Generation())
	require.True(t, ok)
	assert.Equal(t, c.Cid, resolved.Cid)
}

func TestResolveRejectsStaleHandleAfterFree(t *testing.T) {
	p := NewPool(4)
	c, h := p.New(0)
	cid := c.Cid
	staleUid := h.Generation()

	p.Free(cid)
	_, ok := p.Resolve(cid, staleUid)
	assert.False(t, ok, "a stale (cid,uid) handle must not resolve to the recycled slot")

	c2, h2 := p.New(0)
	assert.Equal(t, cid, c2.Cid, "freed slot should be reused")
	assert.NotEqual(t, staleUid, h2.Generation())
}

func TestBeginEndTran(t *testing.T) {
	p := NewPool(1)
	c, _ := p.New(0)

	BeginTran(c, 2, 5)
	assert.True(t, c.IsInTran)
	assert.Equal(t, 2, c.ShardID)
	assert.Equal(t, 5, c.CasID)

	EndTran(c)
	assert.False(t, c.IsInTran)
	assert.Equal(t, -1, c.ShardID)
	assert.Equal(t, -1, c.CasID)
}

func TestShardAffinityRejectsDivergence(t *testing.T) {
	p := NewPool(1)
	c, _ := p.New(0)

	require.NoError(t, CheckShardAffinity(c, 0))
	require.NoError(t, CheckShardAffinity(c, 0))
	assert.Error(t, CheckShardAffinity(c, 1))
}

func TestResolveWaitTimeout(t *testing.T) {
	assert.Equal(t, 3*time.Second, ResolveWaitTimeout(5*time.Second, 3*time.Second))
	assert.Equal(t, 5*time.Second, ResolveWaitTimeout(5*time.Second, 0))
	assert.Equal(t, 3*time.Second, ResolveWaitTimeout(0, 3*time.Second))
}

package hints

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScanShardID(t *testing.T) {
	res, err := Scan("/*+ shard_id(1) */ SELECT 1")
	require.NoError(t, err)
	require.Len(t, res.Hints, 1)
	assert.Equal(t, KindShardID, res.Hints[0].Kind)
	assert.Equal(t, "1", res.Hints[0].Arg)
	assert.False(t, res.Hints[0].IsBind)
}

func TestScanShardKeyBind(t *testing.T) {
	res, err := Scan("SELECT * FROM t WHERE k = ? /*+ shard_key( ? ) */")
	require.NoError(t, err)
	require.Len(t, res.Hints, 1)
	assert.Equal(t, KindShardKey, res.Hints[0].Kind)
	assert.True(t, res.Hints[0].IsBind)
}

func TestScanShardValMultipleHints(t *testing.T) {
	res, err := Scan("/*+ shard_val(42) shard_id(0) */ SELECT 1")
	require.NoError(t, err)
	require.Len(t, res.Hints, 2)
	assert.Equal(t, KindShardVal, res.Hints[0].Kind)
	assert.Equal(t, KindShardID, res.Hints[1].Kind)
}

func TestScanUnterminatedHint(t *testing.T) {
	_, err := Scan("/*+ shard_id(1) SELECT 1")
	assert.Error(t, err)
}

func TestRewriteShardValIsIdempotent(t *testing.T) {
	sql := "/*+ shard_val(42) */ SELECT 1"
	res, err := Scan(sql)
	require.NoError(t, err)
	require.Len(t, res.Hints, 1)

	rewritten := RewriteShardVal(sql, res.Hints[0], 3)
	assert.Contains(t, rewritten, "shard_id(3)")

	// A second pass over the rewritten SQL finds no shard_val/shard_key
	// token left to rewrite: rewriting is idempotent (spec §8 property 7).
	res2, err := Scan(rewritten)
	require.NoError(t, err)
	require.Len(t, res2.Hints, 1)
	assert.Equal(t, KindShardID, res2.Hints[0].Kind)

	rewrittenAgain := RewriteShardVal(rewritten, res2.Hints[0], 3)
	assert.Equal(t, rewritten, rewrittenAgain)
}

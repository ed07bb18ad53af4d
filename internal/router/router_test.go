package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveNumericRanges(t *testing.T) {
	tbl, err := NewTable(KeyInt, ApplServerCUBRID, []Range{
		{Min: "0", Max: "99", Shard: 0},
		{Min: "100", Max: "199", Shard: 1},
	})
	require.NoError(t, err)

	shard, ok := tbl.Resolve("1")
	require.True(t, ok)
	assert.Equal(t, 0, shard)

	shard, ok = tbl.Resolve("150")
	require.True(t, ok)
	assert.Equal(t, 1, shard)

	_, ok = tbl.Resolve("200")
	assert.False(t, ok)
}

func TestResolveIsDeterministic(t *testing.T) {
	tbl, err := NewTable(KeyInt, ApplServerCUBRID, []Range{
		{Min: "0", Max: "99", Shard: 0},
		{Min: "100", Max: "199", Shard: 1},
	})
	require.NoError(t, err)

	shard1, _ := tbl.Resolve("42")
	shard2, _ := tbl.Resolve("42")
	assert.Equal(t, shard1, shard2)
}

func TestOverlappingRangesRejected(t *testing.T) {
	_, err := NewTable(KeyInt, ApplServerCUBRID, []Range{
		{Min: "0", Max: "99", Shard: 0},
		{Min: "50", Max: "149", Shard: 1},
	})
	assert.Error(t, err)
}

func TestStringCaseSensitivity(t *testing.T) {
	mysqlTbl, err := NewTable(KeyString, ApplServerMySQL, []Range{
		{Min: "AAA", Max: "AAZ", Shard: 0},
		{Min: "aaa", Max: "aaz", Shard: 1},
	})
	require.NoError(t, err)
	shard, ok := mysqlTbl.Resolve("aab")
	require.True(t, ok)
	assert.Equal(t, 1, shard)

	cubridTbl, err := NewTable(KeyString, ApplServerCUBRID, []Range{
		{Min: "aaa", Max: "aaz", Shard: 0},
	})
	require.NoError(t, err)
	shard, ok = cubridTbl.Resolve("AAB")
	require.True(t, ok)
	assert.Equal(t, 0, shard)
}

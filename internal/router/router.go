// Package router maps a resolved hint key value to a shard id via a
// configured key-range table (spec §4.7, §4.9).
package router

import (
	"fmt"
	"sort"
	"strings"
)

// KeyType selects the comparator used for range lookups (spec §4.7).
type KeyType int

const (
	KeyInt KeyType = iota
	KeyBigInt
	KeyShort
	KeyString
)

// ApplServer selects the string-comparison convention: MySQL-style is
// case-sensitive, CUBRID-style is case-insensitive (spec §4.7).
type ApplServer int

const (
	ApplServerCUBRID ApplServer = iota
	ApplServerMySQL
)

// Range is one row of the key-range table: values in [Min, Max] map to Shard.
type Range struct {
	Min, Max string
	Shard    int
}

// Table is a sorted key-range table for one shard key column.
type Table struct {
	KeyType    KeyType
	ApplServer ApplServer
	ranges     []Range // sorted by Min under the table's comparator
}

// NewTable builds a Table from an unsorted range list, validating that
// ranges do not overlap.
func NewTable(keyType KeyType, appl ApplServer, ranges []Range) (*Table, error) {
	t := &Table{KeyType: keyType, ApplServer: appl, ranges: append([]Range(nil), ranges...)}
	cmp := t.comparator()
	sort.Slice(t.ranges, func(i, j int) bool {
		return cmp(t.ranges[i].Min, t.ranges[j].Min) < 0
	})
	for i := 1; i < len(t.ranges); i++ {
		if cmp(t.ranges[i-1].Max, t.ranges[i].Min) >= 0 {
			return nil, fmt.Errorf("router: overlapping ranges %v and %v", t.ranges[i-1], t.ranges[i])
		}
	}
	return t, nil
}

// Resolve maps value to a shard id by binary search (spec §4.7).
// Deterministic given (table, value) — spec §8 property 8.
func (t *Table) Resolve(value string) (shardID int, ok bool) {
	cmp := t.comparator()
	ranges := t.ranges
	lo, hi := 0, len(ranges)-1
	for lo <= hi {
		mid := (lo + hi) / 2
		r := ranges[mid]
		if cmp(value, r.Min) < 0 {
			hi = mid - 1
		} else if cmp(value, r.Max) > 0 {
			lo = mid + 1
		} else {
			return r.Shard, true
		}
	}
	return 0, false
}

func (t *Table) comparator() func(a, b string) int {
	switch t.KeyType {
	case KeyInt, KeyBigInt, KeyShort:
		return compareNumeric
	case KeyString:
		if t.ApplServer == ApplServerMySQL {
			return strings.Compare
		}
		return compareCaseInsensitive
	default:
		return strings.Compare
	}
}

func compareCaseInsensitive(a, b string) int {
	return strings.Compare(strings.ToLower(a), strings.ToLower(b))
}

// compareNumeric compares decimal integer strings by value, not
// lexicographically, so "9" < "10". Falls back to a string compare on
// parse failure rather than erroring — an unparsable numeric hint value
// is a routing error the caller surfaces, not this comparator's job.
func compareNumeric(a, b string) int {
	ai, aok := parseInt(a)
	bi, bok := parseInt(b)
	if aok && bok {
		switch {
		case ai < bi:
			return -1
		case ai > bi:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(a, b)
}

// ParseStaticShardID parses a shard_id(...) hint argument as a plain
// non-negative integer (spec §4.7 "shard_id names a shard directly,
// skipping the key-range table entirely").
func ParseStaticShardID(arg string) (int, bool) {
	v, ok := parseInt(arg)
	if !ok || v < 0 {
		return 0, false
	}
	return int(v), true
}

func parseInt(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	neg := false
	i := 0
	if s[0] == '-' || s[0] == '+' {
		neg = s[0] == '-'
		i = 1
	}
	if i >= len(s) {
		return 0, false
	}
	var v int64
	for ; i < len(s); i++ {
		c := s[i]
		if c < '0' || c > '9' {
			return 0, false
		}
		v = v*10 + int64(c-'0')
	}
	if neg {
		v = -v
	}
	return v, true
}

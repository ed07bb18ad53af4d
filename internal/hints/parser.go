// Package hints implements the SQL hint scanner described in spec §4.7:
// a character-by-character scanner for /*+ ... */ blocks recognising
// shard_key, shard_id and shard_val tokens. It never parses SQL beyond
// these hints (spec §1 Non-goals).
package hints

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind names the hint token recognised inside a /*+ ... */ block.
type Kind int

const (
	KindShardKey Kind = iota // shard_key( ? ) or shard_key( v ) — dynamic or static
	KindShardID              // shard_id( n ) — static shard id
	KindShardVal             // shard_val( v ) — static value, resolved via range table
)

// Hint is one recognised token and its span in the original SQL text,
// so the rewriter can patch it in place.
type Hint struct {
	Kind  Kind
	Start int // byte offset of the first byte after the token's '('
	End   int // byte offset of the argument's closing ')'
	// Arg is the raw text between the parens, trimmed.
	Arg string
	// IsBind is true for "shard_key( ? )" — the value must come from a
	// bound argument at runtime rather than from the SQL text itself.
	IsBind bool
}

// ParseResult is every hint found in one statement.
type ParseResult struct {
	Hints []Hint
}

// Scan walks sql looking for /*+ ... */ comment blocks and extracts
// every shard_key/shard_id/shard_val token inside them. It does not
// validate that the hints agree with each other — the Dispatcher's
// hintsAndRoute checks that (spec §4.7 "divergence is a fatal
// CAS_ER_INTERNAL").
func Scan(sql string) (ParseResult, error) {
	var res ParseResult
	i := 0
	n := len(sql)
	for i < n-1 {
		if sql[i] == '/' && sql[i+1] == '*' && i+2 < n && sql[i+2] == '+' {
			end := strings.Index(sql[i+3:], "*/")
			if end < 0 {
				return res, fmt.Errorf("hints: unterminated /*+ ... */ block starting at %d", i)
			}
			block := sql[i+3 : i+3+end]
			blockHints, err := scanBlock(block, i+3)
			if err != nil {
				return res, err
			}
			res.Hints = append(res.Hints, blockHints...)
			i = i + 3 + end + 2
			continue
		}
		i++
	}
	return res, nil
}

var tokenKinds = map[string]Kind{
	"shard_key": KindShardKey,
	"shard_id":  KindShardID,
	"shard_val": KindShardVal,
}

func scanBlock(block string, blockOffset int) ([]Hint, error) {
	var out []Hint
	i := 0
	n := len(block)
	for i < n {
		c := block[i]
		if !isIdentStart(c) {
			i++
			continue
		}
		start := i
		for i < n && isIdentChar(block[i]) {
			i++
		}
		name := block[start:i]
		kind, ok := tokenKinds[name]
		if !ok {
			continue
		}
		// skip whitespace to '('
		j := i
		for j < n && block[j] == ' ' {
			j++
		}
		if j >= n || block[j] != '(' {
			return nil, fmt.Errorf("hints: %s missing '(' in hint block", name)
		}
		argStart := j + 1
		depth := 1
		k := argStart
		for k < n && depth > 0 {
			switch block[k] {
			case '(':
				depth++
			case ')':
				depth--
			}
			if depth == 0 {
				break
			}
			k++
		}
		if depth != 0 {
			return nil, fmt.Errorf("hints: %s missing ')' in hint block", name)
		}
		arg := strings.TrimSpace(block[argStart:k])
		isBind := arg == "?"
		out = append(out, Hint{
			Kind:   kind,
			Start:  blockOffset + argStart,
			End:    blockOffset + k,
			Arg:    arg,
			IsBind: isBind,
		})
		i = k + 1
	}
	return out, nil
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentChar(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

// RewriteShardVal replaces a shard_val(v) (or bare static shard_key(v))
// token's argument text with an equivalent shard_id(n) token, in place
// in the original SQL string. Rewriting is idempotent (spec §8 property
// 7): running it again on already-rewritten SQL is a no-op because the
// scanner no longer finds a shard_val/shard_key token at that span —
// the span now reads shard_id, so a second Scan+Rewrite pass leaves the
// text unchanged.
func RewriteShardVal(sql string, h Hint, shardID int) string {
	if h.Kind != KindShardVal && !(h.Kind == KindShardKey && !h.IsBind) {
		return sql
	}
	// Replace "shard_val( V )" or "shard_key( V )" with "shard_id(N)".
	// We rewrite the whole token (name + parens), not just the argument,
	// so the cached SQL text always shows shard_id for a resolved hint.
	nameStart := h.Start - 1
	for nameStart > 0 && sql[nameStart] != '(' {
		nameStart--
	}
	tokenStart := nameStart
	for tokenStart > 0 && isIdentChar(sql[tokenStart-1]) {
		tokenStart--
	}
	replacement := "shard_id(" + strconv.Itoa(shardID) + ")"
	return sql[:tokenStart] + replacement + sql[h.End+1:]
}

// Package stmthandle defines the externally-visible prepared-statement
// handle type shared between the context and stmtpool packages without
// introducing an import cycle between them (spec §3 "Stmt", GLOSSARY
// "Server handle id").
package stmthandle

import "github.com/cubrid/shardproxy/internal/handlepool"

// Handle is the stmt_h_id referenced by spec §4.6 — always the cache's
// own (index, generation) handle, never a per-(shard,cas) real id.
type Handle = handlepool.Handle

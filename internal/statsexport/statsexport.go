// Package statsexport pushes a periodic snapshot of proxy occupancy
// stats to Redis so an external dashboard can poll them, without ever
// blocking the reactor thread (SPEC_FULL §B "stats export must be
// async"). It is adapted from the teacher's go-redis v9 adapter
// (internal/infra/redis_adapter.go informed this package's client setup
// and error-wrapping style) but drops the generic pub/sub interface the
// teacher's fabric package required, since this exporter only ever
// writes, never subscribes.
package statsexport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cubrid/shardproxy/internal/circuitbreaker"
)

// Snapshot is one shard's occupancy counters at the moment of export
// (spec §3 "ShardIO": num_cas_in_tran, cur_num_cas), plus the global
// wait-queue and statement-cache sizes the timer loop already tracks.
type Snapshot struct {
	ShardID      int `json:"shard_id"`
	NumCasInTran int `json:"num_cas_in_tran"`
	CurNumCas    int `json:"cur_num_cas"`
	WaitQLen     int `json:"wait_q_len"`
}

// GlobalSnapshot bundles every shard's Snapshot plus process-wide gauges.
type GlobalSnapshot struct {
	Shards       []Snapshot `json:"shards"`
	ContextsUsed int        `json:"contexts_in_use"`
	StmtsUsed    int        `json:"stmts_in_use"`
	ClientsUsed  int        `json:"clients_in_use"`
}

// Source is whatever the caller's proxyrt aggregate can answer; kept as
// an interface so this package never imports the table packages
// directly and can be unit tested with a fake.
type Source interface {
	Snapshot() GlobalSnapshot
}

// Exporter owns the Redis client and the background flush loop.
type Exporter struct {
	rdb     *redis.Client
	key     string
	source  Source
	breaker *circuitbreaker.CircuitBreaker
}

// New connects to Redis and verifies connectivity with a short-lived
// Ping, matching the teacher's adapter's fail-fast-at-construction
// style; the caller decides whether a connect failure should disable
// exporting entirely rather than retry indefinitely.
func New(addr, password string, db int, key string, source Source) (*Exporter, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     4,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("statsexport: redis ping failed (%s): %w", addr, err)
	}

	breaker := circuitbreaker.New(&circuitbreaker.Config{
		Name:        "statsexport-redis",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(c circuitbreaker.Counts) bool {
			return c.ConsecutiveFailures >= 3
		},
	})
	return &Exporter{rdb: rdb, key: key, source: source, breaker: breaker}, nil
}

func (e *Exporter) Close() error { return e.rdb.Close() }

// Run flushes a snapshot every interval until ctx is cancelled. It is
// meant to run in its own goroutine, entirely outside the reactor tick
// (SPEC_FULL §B) — a slow or unreachable Redis only delays the next
// flush, never the proxy's request path.
func (e *Exporter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.flushOnce(ctx); err != nil {
				if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
					slog.Debug("statsexport: flush skipped, circuit open")
				} else {
					slog.Warn("statsexport: flush failed", "error", err)
				}
			}
		}
	}
}

func (e *Exporter) flushOnce(ctx context.Context) error {
	snap := e.source.Snapshot()
	body, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("statsexport: marshal: %w", err)
	}

	_, err = e.breaker.Execute(func() (interface{}, error) {
		wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		return nil, e.rdb.Set(wctx, e.key, body, 0).Err()
	})
	return err
}

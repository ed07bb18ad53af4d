// Command devcas starts a throwaway CAS-stub container per (shard, cas)
// slot for local development, then waits for SIGINT/SIGTERM to tear
// them down (SPEC_FULL §B "dev CAS launcher").
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cubrid/shardproxy/internal/config"
	"github.com/cubrid/shardproxy/internal/devcas"
)

func main() {
	cfg := config.Get()
	if !cfg.DevCas.Enabled {
		slog.Info("devcas: disabled in config (dev_cas.enabled=false), nothing to do")
		return
	}

	launcher, err := devcas.New(cfg.DevCas.Image)
	if err != nil {
		slog.Error("devcas: failed to create launcher", "error", err)
		os.Exit(1)
	}
	defer launcher.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	instances, err := launcher.EnsureRunning(ctx, cfg.Shards.NumShards, cfg.Shards.MaxNumCasPerShard, cfg.Shards.CasBasePort)
	cancel()
	if err != nil {
		slog.Error("devcas: failed to start topology", "error", err)
		os.Exit(1)
	}
	slog.Info("devcas: topology running", "containers", len(instances))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	slog.Info("devcas: shutting down")
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	launcher.StopAll(stopCtx)
}

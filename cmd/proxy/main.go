// Command proxy is the shard-proxy process: it loads configuration,
// builds the proxyrt.Runtime, opens the broker and CAS-registration
// listeners, and runs the reactor loop until SIGINT/SIGTERM (spec §6).
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cubrid/shardproxy/internal/adminapi"
	"github.com/cubrid/shardproxy/internal/config"
	"github.com/cubrid/shardproxy/internal/configwatch"
	"github.com/cubrid/shardproxy/internal/devcas"
	"github.com/cubrid/shardproxy/internal/metrics"
	"github.com/cubrid/shardproxy/internal/netprobe"
	"github.com/cubrid/shardproxy/internal/proxyrt"
	"github.com/cubrid/shardproxy/internal/statsexport"
)

const (
	defaultConfigPath   = "config.yaml"
	defaultOverlaysPath = "environments.yaml"
)

func main() {
	cfg := config.Get()
	configureLogging(cfg.Logging)

	slog.Info("shardproxy starting",
		"broker_addr", cfg.Broker.ListenAddr,
		"cas_register_addr", cfg.Shards.RegisterListenAddr,
		"num_shards", cfg.Shards.NumShards,
		"max_cas_per_shard", cfg.Shards.MaxNumCasPerShard)

	var launcher *devcas.Launcher
	if cfg.DevCas.Enabled {
		l, err := devcas.New(cfg.DevCas.Image)
		if err != nil {
			slog.Warn("dev CAS launcher disabled", "error", err)
		} else {
			launcher = l
			if _, err := launcher.EnsureRunning(context.Background(), cfg.Shards.NumShards, cfg.Shards.MaxNumCasPerShard, cfg.Shards.CasBasePort); err != nil {
				slog.Warn("dev CAS topology failed to come up fully", "error", err)
			}
		}
	}

	rt, err := proxyrt.New(cfg)
	if err != nil {
		slog.Error("runtime construction failed", "error", err)
		os.Exit(1)
	}
	if err := rt.Listen(); err != nil {
		slog.Error("listen failed", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())

	configPath := getEnvOr("CONFIG_PATH", defaultConfigPath)
	overlaysPath := getEnvOr("CONFIG_OVERLAYS_PATH", defaultOverlaysPath)
	cfgManager, err := config.NewManager(configPath, overlaysPath)
	if err != nil {
		slog.Warn("config manager unavailable, hot-reload disabled", "error", err)
	}

	var watcher *configwatch.Watcher
	if cfg.ConfigHot.Enabled && cfgManager != nil {
		w, err := configwatch.New(ctx, cfg.ConfigHot.ProjectID, cfg.ConfigHot.TopicID, cfgManager, configPath, overlaysPath)
		if err != nil {
			slog.Warn("config hot-reload watcher disabled", "error", err)
		} else {
			watcher = w
			go func() {
				if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
					slog.Warn("config hot-reload watcher stopped", "error", err)
				}
			}()
			slog.Info("config hot-reload watcher listening", "project_id", cfg.ConfigHot.ProjectID, "subscription_id", cfg.ConfigHot.TopicID)
		}
	}

	var exporter *statsexport.Exporter
	if cfg.StatsExp.Enabled {
		exp, err := statsexport.New(cfg.StatsExp.RedisAddr, "", 0, "shardproxy:stats", rt)
		if err != nil {
			slog.Warn("stats export disabled", "error", err)
		} else {
			exporter = exp
			go exporter.Run(ctx, time.Duration(cfg.StatsExp.FlushInterval)*time.Second)
		}
	}

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		collector := metrics.New(reg)
		go sampleMetrics(ctx, rt, collector)

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(reg))
		metricsSrv = &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Warn("metrics server stopped", "error", err)
			}
		}()
		slog.Info("metrics server listening", "addr", cfg.Metrics.ListenAddr)
	}

	var adminSrv *http.Server
	if cfg.Admin.Enabled {
		var reloader adminapi.Reloader
		if cfgManager != nil {
			reloader = cfgManager
		}
		admin := adminapi.New(rt, rt, reloader)
		if cfg.Admin.DrainTasksEnabled {
			drainer, err := adminapi.NewDrainScheduler(ctx, cfg.ConfigHot.ProjectID, cfg.Admin.DrainTasksLocation, cfg.Admin.DrainTasksQueue, cfg.Admin.CallbackURL)
			if err != nil {
				slog.Warn("drain scheduling disabled", "error", err)
			} else {
				admin.WithDrainScheduler(drainer, rt)
				defer drainer.Close()
			}
		}
		adminSrv = &http.Server{Addr: cfg.Admin.ListenAddr, Handler: admin.Handler()}
		go func() {
			if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Warn("admin server stopped", "error", err)
			}
		}()
		slog.Info("admin server listening", "addr", cfg.Admin.ListenAddr)
	}

	if cfg.Netprobe.Enabled {
		probe, err := netprobe.Attach(cfg.Netprobe.ObjPath, cfg.Netprobe.Iface)
		if err != nil {
			slog.Warn("netprobe disabled", "error", err)
		} else {
			defer probe.Close()
		}
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	runErr := make(chan error, 1)
	go func() { runErr <- rt.Run(ctx) }()

	select {
	case <-sig:
		slog.Info("shutdown signal received")
	case err := <-runErr:
		if err != nil {
			slog.Error("reactor loop exited with error", "error", err)
		}
	}

	rt.Reactor.Shutdown()
	cancel()

	shutdownTimeout := time.Duration(cfg.Server.ShutdownTimeoutSec) * time.Second
	select {
	case <-runErr:
	case <-time.After(shutdownTimeout):
		slog.Warn("reactor loop did not stop within shutdown timeout")
	}

	if metricsSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		metricsSrv.Shutdown(shutdownCtx)
		shutdownCancel()
	}
	if adminSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		adminSrv.Shutdown(shutdownCtx)
		shutdownCancel()
	}
	if exporter != nil {
		exporter.Close()
	}
	if launcher != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		launcher.StopAll(stopCtx)
		stopCancel()
		launcher.Close()
	}
	if err := rt.Close(); err != nil {
		slog.Warn("runtime close failed", "error", err)
	}

	slog.Info("shardproxy stopped")
}

// sampleMetrics feeds Runtime.Snapshot() to the prometheus collector
// once a second from its own goroutine. Snapshot reads the table
// packages' occupancy counters directly from this goroutine, without
// going through the reactor's runOnReactor queue.
func sampleMetrics(ctx context.Context, rt *proxyrt.Runtime, collector *metrics.Collector) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			collector.Observe(rt.Snapshot())
		}
	}
}

func getEnvOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func configureLogging(cfg config.LoggingConfig) {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

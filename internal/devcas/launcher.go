// Package devcas launches throwaway CAS-stub containers for local
// development and integration tests, so a developer can bring up a full
// shard topology without a real CUBRID install (SPEC_FULL §B "dev CAS
// launcher"). It is adapted from the teacher's ghostpool.PoolManager:
// the docker-client wiring and create/start/destroy sequence survive,
// but the pre-warming channel, the mutex-guarded active/available maps,
// and the background maintainer goroutine are dropped — this launcher
// starts a fixed topology once at process startup and tears it down on
// shutdown, it never hands containers out to concurrent requesters, so
// none of that pooling machinery has a job to do here.
package devcas

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

// Instance is one running CAS-stub container.
type Instance struct {
	ID      string
	ShardID int
	CasID   int
	Port    int
}

// Launcher owns every container it started, for teardown (spec §6
// "Signals" — graceful shutdown must not leak dev containers).
type Launcher struct {
	cli       *client.Client
	image     string
	instances []Instance
}

func New(image string) (*Launcher, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("devcas: docker client: %w", err)
	}
	return &Launcher{cli: cli, image: image}, nil
}

func (l *Launcher) Close() error { return l.cli.Close() }

// EnsureRunning starts one container per (shard, cas) slot and returns
// the ports a config.ShardsConfig.CasBasePort-relative dialer can reach
// them on. It is idempotent only in the trivial sense of being called
// once at startup; re-running it starts a second topology.
func (l *Launcher) EnsureRunning(ctx context.Context, numShards, casPerShard, basePort int) ([]Instance, error) {
	var out []Instance
	port := basePort
	for shard := 0; shard < numShards; shard++ {
		for cas := 0; cas < casPerShard; cas++ {
			inst, err := l.createOne(ctx, shard, cas, port)
			if err != nil {
				return out, err
			}
			out = append(out, inst)
			port++
		}
	}
	l.instances = out
	return out, nil
}

func (l *Launcher) createOne(ctx context.Context, shard, cas, port int) (Instance, error) {
	// Port publishing is left to the caller's docker network setup
	// (e.g. a compose file binding a predictable host-port range) —
	// this launcher only needs the container running and reachable by
	// the name it assigns, which NewPool's config wires as CasHost.
	hostConfig := &container.HostConfig{
		NetworkMode: "bridge",
	}
	resp, err := l.cli.ContainerCreate(ctx, &container.Config{
		Image: l.image,
		Env: []string{
			fmt.Sprintf("SHARD_ID=%d", shard),
			fmt.Sprintf("CAS_ID=%d", cas),
			fmt.Sprintf("LISTEN_PORT=%d", port),
		},
	}, hostConfig, nil, nil, fmt.Sprintf("devcas-%d-%d", shard, cas))
	if err != nil {
		return Instance{}, fmt.Errorf("devcas: create (shard=%d,cas=%d): %w", shard, cas, err)
	}
	if err := l.cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		return Instance{}, fmt.Errorf("devcas: start %s: %w", resp.ID[:12], err)
	}
	slog.Info("devcas: container started", "shard", shard, "cas", cas, "container_id", resp.ID[:12], "port", port)
	return Instance{ID: resp.ID, ShardID: shard, CasID: cas, Port: port}, nil
}

// StopAll force-removes every container this Launcher started.
func (l *Launcher) StopAll(ctx context.Context) {
	for _, inst := range l.instances {
		stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := l.cli.ContainerRemove(stopCtx, inst.ID, types.ContainerRemoveOptions{Force: true}); err != nil {
			slog.Warn("devcas: failed to remove container", "container_id", inst.ID[:12], "error", err)
		}
		cancel()
	}
	l.instances = nil
}

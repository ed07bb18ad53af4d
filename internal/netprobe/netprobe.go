//go:build linux

// Package netprobe loads a passive eBPF socket-filter program and reads
// its packet counters (SPEC_FULL §B). It is adapted from the teacher's
// cmd/socket-gateway eBPF demo: the same LoadCollectionSpec /
// LoadAndAssign / AttachRawLink sequence, pointed at a counters-only map
// instead of full payload capture, since this probe exists purely to
// corroborate the reactor's own I/O accounting, not to parse protocol
// frames. The counters are returned by Read only; nothing in this
// repository feeds them into internal/metrics.
package netprobe

import (
	"fmt"
	"log/slog"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/rlimit"
)

// Counters mirrors the stats map layout of the teacher's eBPF program.
type Counters struct {
	TotalPackets    uint64
	FilteredPackets uint64
	CapturedPackets uint64
	DroppedPackets  uint64
}

// Probe owns the loaded eBPF objects and the attached link.
type Probe struct {
	objs struct {
		SocketFilter *ebpf.Program `ebpf:"shardproxy_socket_filter"`
		Stats        *ebpf.Map     `ebpf:"stats"`
	}
	link link.Link
}

// Attach loads objPath (a pre-compiled eBPF object produced by a
// separate build step, per the teacher's convention) and attaches its
// socket filter program with link.AttachRawLink as an sk_skb stream
// parser, with no attach target set; iface appears only in the log and
// error messages and does not select where the program is attached.
// A failure to attach is non-fatal —
// the caller should log and continue without the probe, matching the
// teacher's "continuing without filter" fallback.
func Attach(objPath, iface string) (*Probe, error) {
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("netprobe: remove memlock: %w", err)
	}

	spec, err := ebpf.LoadCollectionSpec(objPath)
	if err != nil {
		return nil, fmt.Errorf("netprobe: load spec: %w", err)
	}

	p := &Probe{}
	if err := spec.LoadAndAssign(&p.objs, nil); err != nil {
		return nil, fmt.Errorf("netprobe: load objects: %w", err)
	}

	l, err := link.AttachRawLink(link.RawLinkOptions{
		Program: p.objs.SocketFilter,
		Attach:  ebpf.AttachSkSKBStreamParser,
	})
	if err != nil {
		p.objs.SocketFilter.Close()
		p.objs.Stats.Close()
		return nil, fmt.Errorf("netprobe: attach to %s: %w", iface, err)
	}
	p.link = l

	slog.Info("netprobe: socket filter attached", "iface", iface)
	return p, nil
}

// Read snapshots the four stat counters the teacher's BPF program keeps.
func (p *Probe) Read() (Counters, error) {
	var c Counters
	keys := []uint32{0, 1, 2, 3}
	vals := []*uint64{&c.TotalPackets, &c.FilteredPackets, &c.CapturedPackets, &c.DroppedPackets}
	for i, k := range keys {
		if err := p.objs.Stats.Lookup(k, vals[i]); err != nil {
			return c, fmt.Errorf("netprobe: stats lookup key %d: %w", k, err)
		}
	}
	return c, nil
}

func (p *Probe) Close() error {
	if p.link != nil {
		p.link.Close()
	}
	p.objs.SocketFilter.Close()
	p.objs.Stats.Close()
	return nil
}

//go:build !linux

package netprobe

import "fmt"

type Counters struct {
	TotalPackets    uint64
	FilteredPackets uint64
	CapturedPackets uint64
	DroppedPackets  uint64
}

// Probe is a no-op stand-in on non-Linux platforms, where the eBPF
// socket filter (a Linux kernel facility) cannot attach.
type Probe struct{}

func Attach(objPath, iface string) (*Probe, error) {
	return nil, fmt.Errorf("netprobe: ebpf socket filter is linux-only")
}

func (p *Probe) Read() (Counters, error) { return Counters{}, nil }
func (p *Probe) Close() error            { return nil }

//go:build !linux

package reactor

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// selectPoller is the non-Linux reactor backend (spec §4.1 "select
// elsewhere"). It rebuilds the fd_set on every Wait call, which is the
// classic select(2) tradeoff; max_socket (spec §4.1) is also this
// poller's practical fd-count ceiling (FD_SETSIZE).
type selectPoller struct {
	interest map[int]Interest
}

func NewPoller() (Poller, error) {
	return &selectPoller{interest: make(map[int]Interest)}, nil
}

func (p *selectPoller) Add(fd int, interest Interest) error {
	p.interest[fd] = interest
	return nil
}

func (p *selectPoller) Modify(fd int, interest Interest) error {
	if _, ok := p.interest[fd]; !ok {
		return fmt.Errorf("reactor: modify on unregistered fd %d", fd)
	}
	p.interest[fd] = interest
	return nil
}

func (p *selectPoller) Remove(fd int) error {
	delete(p.interest, fd)
	return nil
}

func (p *selectPoller) Wait(timeoutMs int, dst []Readiness) ([]Readiness, error) {
	var rfds, wfds unix.FdSet
	maxFd := -1
	for fd, in := range p.interest {
		if in&InterestRead != 0 {
			fdSetBit(&rfds, fd)
		}
		if in&InterestWrite != 0 {
			fdSetBit(&wfds, fd)
		}
		if fd > maxFd {
			maxFd = fd
		}
	}
	if maxFd < 0 {
		time.Sleep(time.Duration(timeoutMs) * time.Millisecond)
		return dst, nil
	}
	tv := unix.NsecToTimeval(int64(timeoutMs) * int64(time.Millisecond))
	n, err := unix.Select(maxFd+1, &rfds, &wfds, nil, &tv)
	if err != nil {
		if err == unix.EINTR {
			return dst, nil
		}
		return dst, fmt.Errorf("reactor: select: %w", err)
	}
	if n == 0 {
		return dst, nil
	}
	for fd := range p.interest {
		r := fdIsSet(&rfds, fd)
		w := fdIsSet(&wfds, fd)
		if r || w {
			dst = append(dst, Readiness{Fd: fd, Read: r, Write: w})
		}
	}
	return dst, nil
}

func (p *selectPoller) Close() error { return nil }

func fdSetBit(set *unix.FdSet, fd int) {
	set.Bits[fd/64] |= 1 << (uint(fd) % 64)
}

func fdIsSet(set *unix.FdSet, fd int) bool {
	return set.Bits[fd/64]&(1<<(uint(fd)%64)) != 0
}

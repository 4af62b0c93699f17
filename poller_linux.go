//go:build linux

package phasync

import (
	"time"

	"golang.org/x/sys/unix"
)

// epollPoller implements poller on Linux using epoll, grounded on the
// teacher's eventloop.FastPoller (poller_linux.go), simplified to a
// level-triggered map-indexed registry since the spec's I/O registry is
// already the authoritative per-handle table.
type epollPoller struct {
	epfd     int
	eventBuf [256]unix.EpollEvent
}

func newPlatformPoller() (poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &epollPoller{epfd: fd}, nil
}

func maskToEpoll(mask IOMask) uint32 {
	var ev uint32
	if mask&IORead != 0 {
		ev |= unix.EPOLLIN
	}
	if mask&IOWrite != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

func epollToMask(ev uint32) IOMask {
	var mask IOMask
	if ev&unix.EPOLLIN != 0 {
		mask |= IORead
	}
	if ev&unix.EPOLLOUT != 0 {
		mask |= IOWrite
	}
	if ev&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		mask |= IOExcept
	}
	return mask
}

func (p *epollPoller) add(fd int, mask IOMask) error {
	ev := &unix.EpollEvent{Events: maskToEpoll(mask), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, ev)
}

func (p *epollPoller) modify(fd int, mask IOMask) error {
	ev := &unix.EpollEvent{Events: maskToEpoll(mask), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, ev)
}

func (p *epollPoller) remove(fd int) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (p *epollPoller) wait(timeout time.Duration) ([]polledEvent, error) {
	ms := int(timeout / time.Millisecond)
	if timeout > 0 && ms == 0 {
		ms = 1
	}
	if timeout < 0 {
		ms = -1
	}
	n, err := unix.EpollWait(p.epfd, p.eventBuf[:], ms)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}
	out := make([]polledEvent, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, polledEvent{
			fd:   int(p.eventBuf[i].Fd),
			mask: epollToMask(p.eventBuf[i].Events),
		})
	}
	return out, nil
}

func (p *epollPoller) close() error {
	return unix.Close(p.epfd)
}

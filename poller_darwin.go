//go:build darwin

package phasync

import (
	"time"

	"golang.org/x/sys/unix"
)

// kqueuePoller implements poller on Darwin using kqueue, grounded on the
// teacher's eventloop.FastPoller (poller_darwin.go).
type kqueuePoller struct {
	kq       int
	eventBuf [256]unix.Kevent_t
}

func newPlatformPoller() (poller, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	unix.CloseOnExec(kq)
	return &kqueuePoller{kq: kq}, nil
}

func maskToKevents(fd int, mask IOMask, flags uint16) []unix.Kevent_t {
	var kevs []unix.Kevent_t
	if mask&IORead != 0 {
		kevs = append(kevs, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: flags})
	}
	if mask&IOWrite != 0 {
		kevs = append(kevs, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: flags})
	}
	return kevs
}

func keventToMask(kev *unix.Kevent_t) IOMask {
	var mask IOMask
	switch kev.Filter {
	case unix.EVFILT_READ:
		mask |= IORead
	case unix.EVFILT_WRITE:
		mask |= IOWrite
	}
	if kev.Flags&(unix.EV_ERROR|unix.EV_EOF) != 0 {
		mask |= IOExcept
	}
	return mask
}

func (p *kqueuePoller) add(fd int, mask IOMask) error {
	kevs := maskToKevents(fd, mask, unix.EV_ADD|unix.EV_ENABLE)
	if len(kevs) == 0 {
		return nil
	}
	_, err := unix.Kevent(p.kq, kevs, nil, nil)
	return err
}

func (p *kqueuePoller) modify(fd int, mask IOMask) error {
	// Delete-then-add: simpler and safe since a handle has at most one
	// registration at a time (§4.5 wait()).
	delKevs := maskToKevents(fd, IORead|IOWrite, unix.EV_DELETE)
	if len(delKevs) > 0 {
		_, _ = unix.Kevent(p.kq, delKevs, nil, nil)
	}
	return p.add(fd, mask)
}

func (p *kqueuePoller) remove(fd int) error {
	kevs := maskToKevents(fd, IORead|IOWrite, unix.EV_DELETE)
	if len(kevs) == 0 {
		return nil
	}
	_, err := unix.Kevent(p.kq, kevs, nil, nil)
	return err
}

func (p *kqueuePoller) wait(timeout time.Duration) ([]polledEvent, error) {
	var ts *unix.Timespec
	if timeout >= 0 {
		ts = &unix.Timespec{
			Sec:  int64(timeout / time.Second),
			Nsec: int64(timeout % time.Second),
		}
	}
	n, err := unix.Kevent(p.kq, nil, p.eventBuf[:], ts)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}
	out := make([]polledEvent, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, polledEvent{
			fd:   int(p.eventBuf[i].Ident),
			mask: keventToMask(&p.eventBuf[i]),
		})
	}
	return out, nil
}

func (p *kqueuePoller) close() error {
	return unix.Close(p.kq)
}

package phasync

import (
	"context"
	"errors"
)

// Selector is the interface §4.7 requires every select input to reduce
// to: a readiness check plus shared-flag registration hooks. Its methods
// are unexported, so only this package's own selector types implement it.
type Selector interface {
	ready() bool
	registerNotify(self *task)
	unregisterNotify(self *task)
}

// taskSelector becomes ready once the wrapped task terminates.
type taskSelector struct {
	d      *Driver
	target *task
}

func (s *taskSelector) ready() bool { return s.target.terminated }
func (s *taskSelector) registerNotify(self *task) {
	s.d.flags.await(self, flagKeyForTask(s.target.id))
}
func (s *taskSelector) unregisterNotify(self *task) {
	s.d.flags.removeWaiter(flagKeyForTask(s.target.id), self)
}

// channelReadSelector becomes ready when a Read on ch would not block.
type channelReadSelector struct {
	d  *Driver
	ch *Channel
}

func (s *channelReadSelector) ready() bool {
	return len(s.ch.buf) > 0 || s.ch.closed || len(s.ch.writers) > 0
}
func (s *channelReadSelector) registerNotify(self *task) {
	s.d.flags.await(self, chanReadReadyFlag{s.ch})
}
func (s *channelReadSelector) unregisterNotify(self *task) {
	s.d.flags.removeWaiter(chanReadReadyFlag{s.ch}, self)
}

// channelWriteSelector becomes ready when a Write on ch would not block.
type channelWriteSelector struct {
	d  *Driver
	ch *Channel
}

func (s *channelWriteSelector) ready() bool {
	return s.ch.closed || len(s.ch.readers) > 0 || len(s.ch.buf) < s.ch.capacity
}
func (s *channelWriteSelector) registerNotify(self *task) {
	s.d.flags.await(self, chanWriteReadyFlag{s.ch})
}
func (s *channelWriteSelector) unregisterNotify(self *task) {
	s.d.flags.removeWaiter(chanWriteReadyFlag{s.ch}, self)
}

// handleSelector becomes ready once the I/O registry reports readiness
// for its handle. Unlike the task/channel selectors there is no cheap
// non-blocking probe for a raw file descriptor's state, so ready()
// before the first suspend is always false for these: an I/O handle
// input makes a Select call that would otherwise return immediately
// suspend for at least one tick. registerNotify reuses the same
// ioRegistry entry a direct wait(handle, mask, deadline) would use.
type handleSelector struct {
	d        *Driver
	handle   int
	mask     IOMask
	lastMask IOMask
}

func (s *handleSelector) ready() bool { return s.lastMask != 0 }
func (s *handleSelector) registerNotify(self *task) {
	_ = s.d.io.register(self, s.handle, s.mask)
}
func (s *handleSelector) unregisterNotify(self *task) {
	s.d.io.unregister(s.handle)
}

// ReadHandle and WriteHandle mark a raw file descriptor as a Select
// input for read- or write-readiness respectively.
type ReadHandle struct{ FD int }
type WriteHandle struct{ FD int }

// ChannelWrite marks a Channel as a Select input for write-readiness
// (a bare *Channel input means read-readiness).
type ChannelWrite struct{ Ch *Channel }

// Select implements §4.7: each input is reduced to a Selector; if any
// is already ready, it returns immediately without suspending.
// Otherwise every selector registers against the calling task via its
// own notification flag, a single suspension awaits any of them, and
// on wake the selectors are rescanned in input order so ties resolve
// by input order. A spurious wake (no selector ready) re-registers and
// waits again.
func Select(ctx context.Context, inputs []any) (ready any, err error) {
	if len(inputs) == 0 {
		return nil, nil
	}

	t, terr := taskFromContext(ctx)
	if terr != nil {
		return nil, terr
	}
	d := t.driver

	selectors := make([]Selector, len(inputs))
	for i, in := range inputs {
		switch v := in.(type) {
		case Selector:
			selectors[i] = v
		case *task:
			selectors[i] = &taskSelector{d: d, target: v}
		case *Channel:
			selectors[i] = &channelReadSelector{d: d, ch: v}
		case ChannelWrite:
			selectors[i] = &channelWriteSelector{d: d, ch: v.Ch}
		case ReadHandle:
			selectors[i] = &handleSelector{d: d, handle: v.FD, mask: IORead}
		case WriteHandle:
			selectors[i] = &handleSelector{d: d, handle: v.FD, mask: IOWrite}
		default:
			return nil, usageErrorf("select: unsupported input type %T", in)
		}
	}

	for i, sel := range selectors {
		if sel.ready() {
			return inputs[i], nil
		}
	}

	deadline := d.resolveDeadline(ctx)
	for {
		for _, sel := range selectors {
			sel.registerNotify(t)
		}
		sig := d.parkForWait(t, deadline, func() {
			for _, sel := range selectors {
				sel.unregisterNotify(t)
			}
		})
		if sig.err != nil {
			var timeoutErr *TimeoutError
			if errors.As(sig.err, &timeoutErr) {
				return nil, nil
			}
			return nil, sig.err
		}
		if res, ok := sig.result.(ioReadyResult); ok {
			for _, sel := range selectors {
				if hs, ok2 := sel.(*handleSelector); ok2 && hs.handle == res.fd {
					hs.lastMask = res.mask
				}
			}
		}
		for i, sel := range selectors {
			if sel.ready() {
				return inputs[i], nil
			}
		}
	}
}

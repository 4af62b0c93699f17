package phasync

import (
	"context"
	"time"
)

// chanEOFMarker is delivered as a wakeSignal.result to a queued reader
// woken by Close, telling it to re-evaluate buffer/closed state rather
// than treating the signal as a delivered value (§4.6 Close: "queued
// readers are woken; they will observe end-of-stream after any
// already-buffered items drain").
type chanEOFMarker struct{}

var chanEOF = chanEOFMarker{}

type chanWriter struct {
	t     *task
	value any
}

// chanReadReadyFlag/chanWriteReadyFlag are the flag identities Select
// registers against to be woken when a channel's readiness might have
// changed; ready() is re-evaluated on every wake, so these only need to
// fire at least as often as real transitions (§4.7 "spurious wake...
// loops" tolerates over-notification).
type chanReadReadyFlag struct{ ch *Channel }
type chanWriteReadyFlag struct{ ch *Channel }

// Channel implements §4.6. Buffered (capacity > 0) and unbuffered
// (capacity 0) channels share one algorithm here: a writer hands its
// value directly to a queued reader when one exists (the unbuffered
// hand-off case, and also the common case for a buffered channel with
// an idle buffer), otherwise it either fills the buffer or, if full,
// queues and suspends; a reader drains the buffer first, otherwise
// takes a direct hand-off from a queued writer, otherwise queues and
// suspends. Capacity 0 degenerates to pure hand-off because the
// buffer-has-room check (`len(buf) < capacity`) can never hold.
type Channel struct {
	driver   *Driver
	capacity int
	creator  uint64

	buf     []any
	readers []*task
	writers []*chanWriter
	closed  bool

	guardCleared bool
}

// newChannel is called from api.go's NewChannel with the current task
// (the channel's creator, per the creator-task deadlock guard).
func newChannel(d *Driver, creator *task, capacity int) *Channel {
	return &Channel{driver: d, capacity: capacity, creator: creator.id}
}

// Cap reports the channel's buffer capacity (0 = unbuffered).
func (ch *Channel) Cap() int { return ch.capacity }

// Closed reports whether Close has been called.
func (ch *Channel) Closed() bool { return ch.closed }

func (ch *Channel) removeReader(t *task) {
	for i, r := range ch.readers {
		if r == t {
			ch.readers = append(ch.readers[:i], ch.readers[i+1:]...)
			return
		}
	}
}

func (ch *Channel) removeWriter(t *task) {
	for i, w := range ch.writers {
		if w.t == t {
			ch.writers = append(ch.writers[:i], ch.writers[i+1:]...)
			return
		}
	}
}

// markNonCreatorOp implements the §4.6/§9 "creator-task guard" clearing
// rule: the guard is lifted permanently once another task has performed
// *any* op on the channel, blocking or not. Called on entry to every
// Read/Write, including fast paths that never reach checkCreatorGuard.
func (ch *Channel) markNonCreatorOp(t *task) {
	if t.id != ch.creator {
		ch.guardCleared = true
	}
}

// checkCreatorGuard implements the §4.6 "creator-task guard": the
// creator may not block on its own channel while no other task has
// used it and none is blocked anywhere in the driver.
func (ch *Channel) checkCreatorGuard(t *task) error {
	if t.id != ch.creator {
		return nil
	}
	if !ch.guardCleared && ch.driver.blockedCount == 0 {
		return usageErrorf("channel: creator task would deadlock (no other task is blocked)")
	}
	return nil
}

// Write implements §4.6 write(v), suspending the calling task (tracked
// through ctx) until the value is accepted or the channel closes. The
// deadline is ctx's own if it carries one, else the driver default.
func (ch *Channel) Write(ctx context.Context, v any) error {
	t, err := taskFromContext(ctx)
	if err != nil {
		return err
	}
	return ch.writeInternal(t, v, ch.driver.resolveDeadline(ctx))
}

func (ch *Channel) writeInternal(t *task, v any, deadline time.Time) error {
	ch.markNonCreatorOp(t)
	if ch.closed {
		return ErrChannelClosed
	}
	if len(ch.readers) > 0 {
		r := ch.readers[0]
		ch.readers = ch.readers[1:]
		ch.driver.resumeWaiting(r, wakeSignal{result: v})
		return nil
	}
	if len(ch.buf) < ch.capacity {
		ch.buf = append(ch.buf, v)
		ch.driver.flags.raise(ch.driver, chanReadReadyFlag{ch})
		return nil
	}
	if err := ch.checkCreatorGuard(t); err != nil {
		return err
	}
	ch.writers = append(ch.writers, &chanWriter{t: t, value: v})
	ch.driver.flags.raise(ch.driver, chanReadReadyFlag{ch})
	sig := ch.driver.parkForWait(t, deadline, func() { ch.removeWriter(t) })
	return sig.err
}

// wakeOneWriter moves a queued writer's value into the freshly-vacated
// buffer slot and resumes it, preserving write/read enqueue-order
// fairness (§5 "served in enqueue order").
func (ch *Channel) wakeOneWriter() {
	if len(ch.writers) == 0 {
		return
	}
	w := ch.writers[0]
	ch.writers = ch.writers[1:]
	ch.buf = append(ch.buf, w.value)
	ch.driver.resumeWaiting(w.t, wakeSignal{})
}

// Read implements §4.6 read(). ok=false with err=nil signals
// end-of-stream; ok=false with err!=nil signals a failed wait
// (Timeout/Cancelled).
func (ch *Channel) Read(ctx context.Context) (value any, ok bool, err error) {
	t, terr := taskFromContext(ctx)
	if terr != nil {
		return nil, false, terr
	}
	return ch.readInternal(t, ch.driver.resolveDeadline(ctx))
}

func (ch *Channel) readInternal(t *task, deadline time.Time) (value any, ok bool, err error) {
	ch.markNonCreatorOp(t)
	if len(ch.buf) > 0 {
		v := ch.buf[0]
		ch.buf = ch.buf[1:]
		ch.wakeOneWriter()
		ch.driver.flags.raise(ch.driver, chanWriteReadyFlag{ch})
		return v, true, nil
	}
	if ch.closed {
		return nil, false, nil
	}
	if len(ch.writers) > 0 {
		w := ch.writers[0]
		ch.writers = ch.writers[1:]
		ch.driver.resumeWaiting(w.t, wakeSignal{})
		return w.value, true, nil
	}
	if err := ch.checkCreatorGuard(t); err != nil {
		return nil, false, err
	}
	ch.readers = append(ch.readers, t)
	ch.driver.flags.raise(ch.driver, chanWriteReadyFlag{ch})
	sig := ch.driver.parkForWait(t, deadline, func() { ch.removeReader(t) })
	if sig.err != nil {
		return nil, false, sig.err
	}
	if _, isEOF := sig.result.(chanEOFMarker); isEOF {
		return nil, false, nil
	}
	return sig.result, true, nil
}

// Close implements §4.6 Close: idempotent, wakes every queued writer
// with ChannelClosed and every queued reader to re-observe end-of-stream.
func (ch *Channel) Close() {
	if ch.closed {
		return
	}
	ch.closed = true
	writers := ch.writers
	ch.writers = nil
	for _, w := range writers {
		ch.driver.resumeWaiting(w.t, wakeSignal{err: ErrChannelClosed})
	}
	readers := ch.readers
	ch.readers = nil
	for _, r := range readers {
		ch.driver.resumeWaiting(r, wakeSignal{result: chanEOF})
	}
	ch.driver.flags.raise(ch.driver, chanReadReadyFlag{ch})
	ch.driver.flags.raise(ch.driver, chanWriteReadyFlag{ch})
}

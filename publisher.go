package phasync

import (
	"context"
	"time"
)

// pubNode is one message in the publisher's singly-linked chain
// (§4.6 Publisher/Subscribers). A closed source terminates the chain
// with a self-loop sentinel node so every subscriber, regardless of how
// far behind it is, eventually lands on a node whose next points to
// itself and recognizes end-of-stream.
type pubNode struct {
	value any
	err   error
	eof   bool
	next  *pubNode
}

// Publisher fans a single readable Channel out to many independent
// Subscribers, each advancing the shared chain at its own pace. A
// background driving task reads the source only while at least one
// subscriber is waiting on a not-yet-produced node (demand-driven),
// matching "drives the source only while at least one subscriber is
// waiting for a new message".
type Publisher struct {
	driver *Driver
	source *Channel

	tail    *pubNode // last produced node; new subscribers start here
	waiting int      // subscribers currently parked awaiting a new node
}

// NewPublisher wraps a readable Channel with fan-out semantics. The
// driving task is spawned immediately as a child of the calling task's
// Context. It reads the source only while a subscriber is waiting, and
// terminates, after appending a terminal self-loop node, when such a read
// finds the source closed or failing; while no subscriber waits it stays
// parked and does not observe a close.
func NewPublisher(ctx context.Context, source *Channel) (*Publisher, error) {
	t, err := taskFromContext(ctx)
	if err != nil {
		return nil, err
	}

	p := &Publisher{
		driver: t.driver,
		source: source,
		tail:   &pubNode{},
	}

	d := t.driver
	d.spawnTask(func(dctx context.Context) (any, error) {
		self, _ := taskFromContext(dctx)
		for {
			if p.waiting == 0 {
				d.flags.await(self, p)
				sig := d.parkForWait(self, time.Time{}, func() { d.flags.removeWaiter(p, self) })
				if sig.err != nil {
					return nil, nil
				}
				continue
			}
			v, ok, rerr := source.readInternal(self, time.Time{})
			if rerr != nil {
				node := &pubNode{err: rerr}
				node.next = node
				p.appendAndNotify(node)
				return nil, nil
			}
			if !ok {
				node := &pubNode{eof: true}
				node.next = node
				p.appendAndNotify(node)
				return nil, nil
			}
			p.appendAndNotify(&pubNode{value: v})
		}
	}, t.ctx, t)

	return p, nil
}

// appendAndNotify links node onto the chain and raises the "new
// message" flag so every subscriber parked on the previous tail wakes.
func (p *Publisher) appendAndNotify(node *pubNode) {
	prev := p.tail
	prev.next = node
	p.tail = node
	p.driver.flags.raise(p.driver, prev)
}

// Subscribe returns a Subscriber positioned at the publisher's current
// tail: it will observe only messages published after this call.
func (p *Publisher) Subscribe() *Subscriber {
	return &Subscriber{pub: p, cursor: p.tail}
}

// Subscriber is a single reader's cursor into a Publisher's chain.
type Subscriber struct {
	pub    *Publisher
	cursor *pubNode
}

// Next blocks until the next message (or end-of-stream/error) is
// available, advancing the subscriber's cursor exactly one node.
func (s *Subscriber) Next(ctx context.Context) (value any, ok bool, err error) {
	t, terr := taskFromContext(ctx)
	if terr != nil {
		return nil, false, terr
	}
	d := t.driver
	for {
		next := s.cursor.next
		if next == nil {
			s.pub.waiting++
			if s.pub.waiting == 1 {
				d.flags.raise(d, s.pub)
			}
			flagKey := any(s.cursor)
			d.flags.await(t, flagKey)
			sig := d.parkForWait(t, d.resolveDeadline(ctx), func() { d.flags.removeWaiter(flagKey, t) })
			s.pub.waiting--
			if sig.err != nil {
				return nil, false, sig.err
			}
			continue
		}
		if next == next.next && next.eof {
			return nil, false, nil
		}
		if next == next.next && next.err != nil {
			return nil, false, next.err
		}
		s.cursor = next
		return next.value, true, nil
	}
}

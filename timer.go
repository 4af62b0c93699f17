package phasync

import (
	"container/heap"
	"time"
)

// deadlineEntry is one node of a min-heap keyed by absolute deadline.
// Grounded on the teacher's timerHeap (container/heap.Interface over a
// slice keyed by .when), extended with an index field so entries can be
// removed out of order — needed for Cancel and for clearing a timeout
// guard when the guarded event resolves first.
//
// Two independent heaps use this type: Driver.timers backs §4.1's
// "Timer heap" (plain sleep wakeups, no error), and Driver.timeouts
// backs the per-operation deadline used by every *other* suspension
// point (await, awaitFlag, I/O wait, channel ops, select); the timeout
// sweep (step 1) walks the latter and must first unregister the task
// from whichever other structure it is parked in.
type deadlineEntry struct {
	when  time.Time
	task  *task
	index int
}

type deadlineHeap []*deadlineEntry

func (h deadlineHeap) Len() int           { return len(h) }
func (h deadlineHeap) Less(i, j int) bool { return h[i].when.Before(h[j].when) }
func (h deadlineHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *deadlineHeap) Push(x any) {
	e := x.(*deadlineEntry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// pushTimer schedules a bare sleep wakeup for t at when.
func (d *Driver) pushTimer(t *task, when time.Time) *deadlineEntry {
	e := &deadlineEntry{when: when, task: t}
	heap.Push(&d.timers, e)
	return e
}

// pushTimeout registers a timeout guard for t at when, used alongside
// some other wait structure.
func (d *Driver) pushTimeout(t *task, when time.Time) *deadlineEntry {
	e := &deadlineEntry{when: when, task: t}
	heap.Push(&d.timeouts, e)
	return e
}

func removeFromHeap(h *deadlineHeap, e *deadlineEntry) {
	if e == nil || e.index < 0 || e.index >= len(*h) || (*h)[e.index] != e {
		return
	}
	heap.Remove(h, e.index)
}

func (d *Driver) removeTimer(e *deadlineEntry)   { removeFromHeap(&d.timers, e) }
func (d *Driver) removeTimeout(e *deadlineEntry) { removeFromHeap(&d.timeouts, e) }

// extractExpiredTimers pops every expired Driver.timers entry onto the
// ready queue with no error (§4.1 step 4, "Timer extraction").
func (d *Driver) extractExpiredTimers(now time.Time) {
	for len(d.timers) > 0 && !d.timers[0].when.After(now) {
		e := heap.Pop(&d.timers).(*deadlineEntry)
		d.resumeWaiting(e.task, wakeSignal{})
	}
}

// timeoutSweep pops every expired Driver.timeouts entry, removes the
// owning task from whatever structure it is parked in, and resumes it
// with ErrTimeout (§4.1 step 1). Rate-limiting to once per 100ms is
// enforced by the caller (Driver.tick).
func (d *Driver) timeoutSweep(now time.Time, op string) {
	for len(d.timeouts) > 0 && !d.timeouts[0].when.After(now) {
		e := heap.Pop(&d.timeouts).(*deadlineEntry)
		d.logf(LevelDebug, "timer", e.task.id, nil, "timeout sweep")
		d.resumeWaiting(e.task, wakeSignal{err: &TimeoutError{Op: op}})
	}
}

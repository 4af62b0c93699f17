package phasync

import (
	"context"
	"runtime"
	"time"
)

// Driver owns every scheduler data structure (ready queue, timer heap,
// deadline/timeout heap, I/O registry, flag table) and runs the event
// loop tick described in §4.1. It is single-goroutine: all of its state
// is mutated either by the Driver's own tick logic or by whichever task
// currently "holds the token" (is the one goroutine not blocked waiting
// on its wake channel) — see task.go for why that makes locking unnecessary.
type Driver struct {
	opts *driverOptions

	taskSeq uint64
	tasks   map[uint64]*task

	ready     []readyItem
	afterNext []readyItem

	timers   deadlineHeap // §4.3 Sleep
	timeouts deadlineHeap // timeout guard for every other suspension point

	microtasks []func()

	flags *flagTable
	io    *ioRegistry

	blockedCount int

	lastTimeoutSweep time.Time
	tickCount        uint64

	logger  Logger
	metrics *driverMetrics

	rootCtx *Context
	running bool
}

type readyItem struct {
	t   *task
	sig wakeSignal
}

// NewDriver constructs a Driver. Most callers should use Run instead,
// which also manages the root task and context lifetime.
func NewDriver(opts ...DriverOption) *Driver {
	o := resolveDriverOptions(opts)
	d := &Driver{
		opts:    o,
		tasks:   make(map[uint64]*task),
		flags:   newFlagTable(),
		io:      newIORegistry(),
		logger:  o.logger,
		metrics: newDriverMetrics(o.metricsRegisterer),
	}
	return d
}

// --- ready queue -----------------------------------------------------

func (d *Driver) enqueueReady(t *task, sig wakeSignal) {
	t.state = taskRunnable
	d.ready = append(d.ready, readyItem{t: t, sig: sig})
}

func (d *Driver) enqueueAfterNext(t *task) {
	t.state = taskRunnable
	d.afterNext = append(d.afterNext, readyItem{t: t, sig: wakeSignal{}})
}

// resumeWaiting is the single path by which any part of the driver
// resumes a parked task: it first undoes whatever registrations that
// task's suspension left behind (clearing both the timeout guard and
// the specific wait structure), so that whichever event reaches the
// task first wins and every later event targeting the same task is a
// no-op (§4.1 "Tie-breaks").
func (d *Driver) resumeWaiting(t *task, sig wakeSignal) {
	if t.waitRemove != nil {
		remove := t.waitRemove
		t.waitRemove = nil
		remove()
	}
	if t.state == taskWaiting {
		d.blockedCount--
	}
	d.enqueueReady(t, sig)
}

// --- suspension helpers ------------------------------------------------

// parkForTimer suspends the current task until `when`, with no error on
// wake (§4.3 sleep). Returns once resumed.
func (d *Driver) parkForTimer(t *task, when time.Time) wakeSignal {
	e := d.pushTimer(t, when)
	t.waitRemove = func() { d.removeTimer(e) }
	d.blockedCount++
	sig := t.parkSelf()
	return sig
}

// parkForWait suspends the current task behind some other registration
// (flag, I/O, channel, select, await), optionally guarded by a timeout
// deadline. removeFromStruct must remove the task's entry from that
// other registration; it may be called at most once, by whichever side
// resumes the task first.
func (d *Driver) parkForWait(t *task, deadline time.Time, removeFromStruct func()) wakeSignal {
	var timeoutEntry *deadlineEntry
	if !deadline.IsZero() {
		timeoutEntry = d.pushTimeout(t, deadline)
	}
	t.waitRemove = func() {
		if timeoutEntry != nil {
			d.removeTimeout(timeoutEntry)
		}
		if removeFromStruct != nil {
			removeFromStruct()
		}
	}
	d.blockedCount++
	return t.parkSelf()
}

// enqueueImmediate is the degenerate "suspend and resume on the next
// drain" used by Sleep(<=0) and Preempt.
func (d *Driver) enqueueImmediate(t *task) wakeSignal {
	d.enqueueReady(t, wakeSignal{})
	return t.parkSelf()
}

// --- spawn / resume / terminate ---------------------------------------

// spawnTask creates and starts a task, running it synchronously up to
// its first suspension point (or to completion), matching "Start the
// task once" from §4.2.
func (d *Driver) spawnTask(fn func(context.Context) (any, error), ctx *Context, parent *task) *task {
	t := newTask(d, fn, ctx, parent)
	d.tasks[t.id] = t
	ctx.add(t)
	t.start()
	d.runUntilSuspend(t, wakeSignal{})
	return t
}

// runUntilSuspend hands control to t (resuming it with sig) and blocks
// until t either suspends again or terminates, then performs whatever
// bookkeeping termination requires.
func (d *Driver) runUntilSuspend(t *task, sig wakeSignal) {
	t.wake <- sig
	<-t.park
	if t.terminated {
		d.finishTask(t)
	}
}

// finishTask implements §4.2 "Terminate handling".
func (d *Driver) finishTask(t *task) {
	delete(d.tasks, t.id)
	drained := t.ctx.remove(t)

	// Deferred closures run in reverse insertion order, as microtasks.
	for i := len(t.defers) - 1; i >= 0; i-- {
		fn := t.defers[i]
		tid := t.id
		d.microtasks = append(d.microtasks, func() {
			d.runProtectedMicrotask(fn, tid)
		})
	}

	// Raise the per-task completion flag so any Await waiters (which
	// register on flagKeyForTask(t.id)) are woken.
	d.flags.raise(d, flagKeyForTask(t.id))

	if t.err != nil && !t.claimed {
		d.escalate(t)
	}

	if drained && t.ctx.aggErr != nil {
		// nothing further to do here; Run/nested-run pick this up when
		// they observe their own context has drained.
		d.logf(LevelDebug, "driver", t.id, t.ctx.aggErr.Cause, "context drained with aggregate error")
	}

	d.metrics.taskTerminated()
	d.logf(LevelDebug, "driver", t.id, t.err, "task terminated")
}

// escalate implements the "nearest still-live ancestor, else context
// aggregate" rule from §4.2, simplified for Go: we cannot inject an
// exception into an ancestor goroutine that is actively running, so the
// unclaimed error is always recorded on the terminating task's own
// Context as the first-wins aggregate exception; Run gives the root
// task's own error priority over this aggregate when both are present
// (§7, "preferring the root task's own error over descendants'").
func (d *Driver) escalate(t *task) {
	if t.escalated {
		return
	}
	t.escalated = true
	t.ctx.setAggregateError(t.id, t.err)
	d.logf(LevelWarn, "driver", t.id, t.err, "unclaimed task error escalated to context")
}

func (d *Driver) runProtectedMicrotask(fn func(), taskID uint64) {
	defer func() {
		if r := recover(); r != nil {
			panic(&FatalError{TaskID: taskID, Cause: r})
		}
	}()
	fn()
}

// --- the tick ------------------------------------------------------

// FatalError is raised (via panic, recovered by Run) when a microtask
// panics; §4.1/§7: "Micro-tasks must not throw; if any do, the loop
// terminates fatally."
type FatalError struct {
	TaskID uint64
	Cause  any
}

func (e *FatalError) Error() string {
	return "phasync: fatal: microtask for task " + itoa(e.TaskID) + " panicked"
}

func itoa(u uint64) string {
	if u == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for u > 0 {
		i--
		buf[i] = byte('0' + u%10)
		u /= 10
	}
	return string(buf[i:])
}

func (d *Driver) now() time.Time { return time.Now() }

// resolveDeadline derives the absolute deadline for a suspension point:
// the context's own deadline if it carries one, else now+defaultTimeout
// (§5 "every blocking primitive accepts an explicit or default deadline").
func (d *Driver) resolveDeadline(ctx context.Context) time.Time {
	if dl, ok := ctx.Deadline(); ok {
		return dl
	}
	return d.now().Add(d.opts.defaultTimeout)
}

// tick runs one iteration of the driver loop (§4.1, steps 1-9). It
// returns false once no live tasks remain.
func (d *Driver) tick() (alive bool) {
	d.tickCount++
	now := d.now()

	// Promote tasks that called Yield in the previous tick.
	if len(d.afterNext) > 0 {
		d.ready = append(d.ready, d.afterNext...)
		d.afterNext = d.afterNext[:0]
	}

	// Step 1: timeout sweep, rate-limited to once per 100ms.
	if now.Sub(d.lastTimeoutSweep) >= 100*time.Millisecond {
		d.timeoutSweep(now, "timeout")
		d.lastTimeoutSweep = now
	}

	// Step 2: run queued microtasks exactly once.
	d.drainMicrotasks()
	d.scavengeFlags(64)

	// Step 3.
	if len(d.tasks) == 0 {
		return false
	}

	// Step 4: timer extraction.
	d.extractExpiredTimers(now)

	// Step 5: sleep budget.
	budget := d.computeSleepBudget(now)

	// Step 6: I/O multiplex.
	d.pollIO(budget)

	// Step 7: dequeue and resume up to the snapshot count.
	n := len(d.ready)
	if n > d.opts.snapshotCap {
		n = d.opts.snapshotCap
	}
	terminatedAny := false
	for i := 0; i < n; i++ {
		item := d.ready[0]
		d.ready = d.ready[1:]
		before := len(d.tasks)
		d.runUntilSuspend(item.t, item.sig)
		if len(d.tasks) < before {
			terminatedAny = true
		}
		// Step 8: re-run microtasks after each resumed task.
		d.drainMicrotasks()
	}

	// Step 9: GC hint (opt-in; a GC sweep on every tick that terminates a
	// task is far too aggressive for default use, see WithGCHint).
	if terminatedAny && d.opts.gcHint {
		runtime.GC()
	}

	d.metrics.tick(len(d.ready), len(d.tasks))
	return true
}

func (d *Driver) drainMicrotasks() {
	for len(d.microtasks) > 0 {
		fn := d.microtasks[0]
		d.microtasks = d.microtasks[1:]
		fn()
	}
}

// computeSleepBudget implements §4.1 step 5.
func (d *Driver) computeSleepBudget(now time.Time) time.Duration {
	var budget time.Duration
	switch {
	case len(d.ready) > 0:
		budget = 0
	case len(d.timers) > 0:
		budget = d.timers[0].when.Sub(now)
		if budget < 0 {
			budget = 0
		}
		if budget > d.opts.maxSleep {
			budget = d.opts.maxSleep
		}
	default:
		budget = d.opts.maxSleep
	}
	if budget > 0 && d.flags.hasWaiters(idleFlagKey) {
		d.flags.raise(d, idleFlagKey)
		budget = 0
	}
	return budget
}

// Run is the package-level entry point wired to this Driver: see the
// package-level Run function for the user-facing API.
func (d *Driver) run(ctx context.Context, fn func(context.Context) (any, error)) (any, error) {
	if d.opts.onEnter != nil {
		d.opts.onEnter()
	}
	if d.opts.onExit != nil {
		defer d.opts.onExit()
	}

	rootCtx := newContext(d)
	d.rootCtx = rootCtx

	var fatal *FatalError
	func() {
		defer func() {
			if r := recover(); r != nil {
				if fe, ok := r.(*FatalError); ok {
					fatal = fe
					return
				}
				panic(r)
			}
		}()

		root := d.spawnTask(fn, rootCtx, nil)
		rootCtx.root = root

		for !root.terminated || !rootCtx.Drained() {
			if !d.tick() {
				break
			}
		}
	}()

	if fatal != nil {
		return nil, fatal
	}

	root := rootCtx.root
	if root.err != nil {
		root.claimed = true
		return root.result, root.err
	}
	if rootCtx.aggErr != nil {
		return root.result, rootCtx.aggErr
	}
	return root.result, nil
}

// DriverSnapshot is a point-in-time view of scheduler occupancy, returned
// by Driver.Metrics() (grounded on the teacher's Loop.Metrics()).
type DriverSnapshot struct {
	Tick             uint64
	ReadyQueueLength int
	TimerCount       int
	LiveTasks        int
}

// Metrics returns a snapshot of the driver's current occupancy. Safe to
// call only from within the driver's own goroutine (e.g. from a task
// body, or an onEnter/onExit hook) since it reads unsynchronized state.
func (d *Driver) Metrics() DriverSnapshot {
	return DriverSnapshot{
		Tick:             d.tickCount,
		ReadyQueueLength: len(d.ready),
		TimerCount:       len(d.timers),
		LiveTasks:        len(d.tasks),
	}
}

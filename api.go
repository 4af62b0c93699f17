package phasync

import (
	"context"
	"time"
)

// DriverFromContext returns the Driver running the calling task, for
// callers that want a DriverSnapshot from inside a task body.
func DriverFromContext(ctx context.Context) (*Driver, error) {
	t, err := taskFromContext(ctx)
	if err != nil {
		return nil, err
	}
	return t.driver, nil
}

// Task is the public handle returned by Spawn/SpawnConcurrent/Service. It
// carries no exported fields; callers interact with it via Await, Cancel
// and the accessors below.
type Task struct{ t *task }

// ID returns the task's driver-local sequence number, useful for logging.
func (tk *Task) ID() uint64 { return tk.t.id }

// Terminated reports whether the task has finished (successfully, with an
// error, or via cancellation).
func (tk *Task) Terminated() bool { return tk.t.terminated }

// GroupResult is one slot of the ordered result list returned by awaiting
// the task SpawnConcurrent hands back (§6 "spawn(... concurrent>1 ...)").
type GroupResult struct {
	Value any
	Err   error
}

// Run is the top-level entry point (§6 run). Called from outside any
// existing task, it installs a fresh Driver and pumps ticks until fn's
// task and its context both drain. Called from inside an already-running
// task (nested Run), it does not pump the loop itself — doing so would
// race the outer tick loop that is currently blocked waiting for this very
// task to suspend — and instead spawns fn in a new child context, yielding
// repeatedly until that context drains (§6 "reentrant run ... waits on its
// own context's drain via yield").
func Run(ctx context.Context, fn func(context.Context) (any, error), opts ...DriverOption) (any, error) {
	if outer, err := taskFromContext(ctx); err == nil {
		return runNested(ctx, outer, fn)
	}
	d := NewDriver(opts...)
	return d.run(ctx, fn)
}

func runNested(ctx context.Context, outer *task, fn func(context.Context) (any, error)) (any, error) {
	d := outer.driver
	nestedCtx := newContext(d)
	child := d.spawnTask(fn, nestedCtx, outer)
	nestedCtx.root = child

	for !child.terminated || !nestedCtx.Drained() {
		if err := Yield(ctx); err != nil {
			return nil, err
		}
	}

	if child.err != nil {
		child.claimed = true
		return child.result, child.err
	}
	if nestedCtx.aggErr != nil {
		return child.result, nestedCtx.aggErr
	}
	return child.result, nil
}

// Spawn starts fn as a new task sharing the calling task's context (§4.2
// Spawn). It runs synchronously up to its first suspension point before
// Spawn returns.
func Spawn(ctx context.Context, fn func(context.Context) (any, error)) (*Task, error) {
	t, err := taskFromContext(ctx)
	if err != nil {
		return nil, err
	}
	child := t.driver.spawnTask(fn, t.ctx, t)
	return &Task{t: child}, nil
}

// SpawnConcurrent starts n copies of fn (each given its index), and
// returns a coordinating Task whose Await result is a []GroupResult in
// input order (§6 "if concurrent>1 returns a task that collects an
// ordered list of results/errors").
func SpawnConcurrent(ctx context.Context, n int, fn func(context.Context, int) (any, error)) (*Task, error) {
	t, err := taskFromContext(ctx)
	if err != nil {
		return nil, err
	}
	d := t.driver

	coordinator := d.spawnTask(func(cctx context.Context) (any, error) {
		self, _ := taskFromContext(cctx)
		children := make([]*task, n)
		for i := 0; i < n; i++ {
			idx := i
			children[i] = d.spawnTask(func(gctx context.Context) (any, error) {
				return fn(gctx, idx)
			}, self.ctx, self)
		}
		results := make([]GroupResult, n)
		for i, c := range children {
			v, cerr := awaitTask(d, self, c, time.Time{})
			results[i] = GroupResult{Value: v, Err: cerr}
		}
		return results, nil
	}, t.ctx, t)

	return &Task{t: coordinator}, nil
}

// detectCycle walks the direct awaiter->awaited chain starting at start,
// reporting whether it leads back to awaiter (§5 "await on a task cycles
// is detected at the direct level").
func detectCycle(d *Driver, awaiter *task, start *task) bool {
	cur := start
	for cur != nil {
		if cur.id == awaiter.id {
			return true
		}
		cur = d.tasks[cur.awaiting]
	}
	return false
}

// awaitTask implements §4.2 Await, shared by the public Await and by
// SpawnConcurrent's internal per-child waits.
func awaitTask(d *Driver, awaiter *task, target *task, deadline time.Time) (any, error) {
	if target.terminated {
		target.claimed = true
		return target.result, target.err
	}
	if detectCycle(d, awaiter, target) {
		return nil, ErrCyclicAwait
	}
	awaiter.awaiting = target.id
	flagKey := flagKeyForTask(target.id)
	d.flags.await(awaiter, flagKey)
	sig := d.parkForWait(awaiter, deadline, func() { d.flags.removeWaiter(flagKey, awaiter) })
	awaiter.awaiting = 0
	if sig.err != nil {
		return nil, sig.err
	}
	target.claimed = true
	return target.result, target.err
}

// Await blocks the calling task until target terminates, returning its
// result or rethrowing its error (§4.2 Await).
func Await(ctx context.Context, target *Task) (any, error) {
	t, err := taskFromContext(ctx)
	if err != nil {
		return nil, err
	}
	return awaitTask(t.driver, t, target.t, t.driver.resolveDeadline(ctx))
}

// Cancel delivers exn (or ErrCancelled if nil) into target, which must be
// currently suspended in exactly one wait structure (§4.2 Cancel). It is
// not itself a suspension point: it runs to completion without blocking
// the caller.
func Cancel(target *Task, exn error) error {
	t := target.t
	if t.state != taskWaiting || t.waitRemove == nil {
		return ErrNotBlocked
	}
	t.driver.resumeWaiting(t, wakeSignal{err: &CancelledError{Cause: exn}})
	return nil
}

// Sleep suspends the calling task for dur (§4.3 sleep). dur<=0 is
// equivalent to an immediate enqueue-and-suspend (resumes in the next
// tick's drain of the ready queue).
func Sleep(ctx context.Context, dur time.Duration) error {
	t, err := taskFromContext(ctx)
	if err != nil {
		return err
	}
	d := t.driver
	if dur <= 0 {
		sig := d.enqueueImmediate(t)
		return sig.err
	}
	sig := d.parkForTimer(t, d.now().Add(dur))
	return sig.err
}

// Yield puts the calling task on the after-next queue: it resumes only
// after at least one other task has made progress, no earlier than the
// following tick (§4.3 yield).
func Yield(ctx context.Context) error {
	t, err := taskFromContext(ctx)
	if err != nil {
		return err
	}
	d := t.driver
	d.enqueueAfterNext(t)
	sig := t.parkSelf()
	return sig.err
}

// Idle suspends the calling task until the driver's sleep-budget
// computation discovers the loop would otherwise go idle (§4.3 idle).
func Idle(ctx context.Context) error {
	t, err := taskFromContext(ctx)
	if err != nil {
		return err
	}
	d := t.driver
	d.flags.await(t, idleFlagKey)
	sig := d.parkForWait(t, d.resolveDeadline(ctx), func() { d.flags.removeWaiter(idleFlagKey, t) })
	return sig.err
}

// Preempt suspends the calling task only if more than the driver's
// configured preempt interval has elapsed since its previous Preempt
// call; otherwise it is a cheap no-op (§4.3 preempt).
func Preempt(ctx context.Context) error {
	t, err := taskFromContext(ctx)
	if err != nil {
		return err
	}
	d := t.driver
	now := d.now()
	if now.Sub(t.lastPreempt) < d.opts.preemptInterval {
		return nil
	}
	t.lastPreempt = now
	sig := d.enqueueImmediate(t)
	return sig.err
}

// Finally registers fn to run after the calling task completes, in
// reverse insertion order relative to other Finally calls, whether the
// task finished normally, errored or was cancelled (§4.2 Finally/defer).
func Finally(ctx context.Context, fn func()) error {
	t, err := taskFromContext(ctx)
	if err != nil {
		return err
	}
	t.defers = append(t.defers, fn)
	return nil
}

// RaiseFlag moves every current waiter on flag to the ready queue and
// reports how many were woken (§4.4 raise).
func RaiseFlag(ctx context.Context, flag any) (int, error) {
	t, err := taskFromContext(ctx)
	if err != nil {
		return 0, err
	}
	return t.driver.flags.raise(t.driver, flag), nil
}

// AwaitFlag suspends the calling task until flag is raised (§4.4 await).
// If flag's identity was registered via TrackFlag and becomes unreachable
// first, the wait fails with ErrFlagSourceGone instead of hanging.
func AwaitFlag(ctx context.Context, flag any) error {
	t, err := taskFromContext(ctx)
	if err != nil {
		return err
	}
	d := t.driver
	d.flags.await(t, flag)
	sig := d.parkForWait(t, d.resolveDeadline(ctx), func() { d.flags.removeWaiter(flag, t) })
	return sig.err
}

// TrackFlag opts ptr into GC-based scavenging and returns the handle to
// use as its flag identity with AwaitFlag/RaiseFlag from then on. Once
// ptr becomes unreachable, any task still parked in
// AwaitFlag(ctx, handle) is woken with ErrFlagSourceGone rather than
// left hanging (§3 Flag invariant, §4.4 last bullet). The handle, not
// ptr itself, must be used as the flag: a waiter's own flag argument is
// necessarily kept reachable for as long as it is parked, so tracking
// liveness on that same value could never observe a collection. Value-
// typed flags (ints, strings, the package's own sentinel types) need no
// such registration: they are never scavenged.
func TrackFlag[T any](ctx context.Context, ptr *T) (*FlagHandle, error) {
	t, err := taskFromContext(ctx)
	if err != nil {
		return nil, err
	}
	return trackWeakFlag(t.driver.flags, ptr), nil
}

// NewChannel constructs a Channel owned (for deadlock-guard purposes) by
// the calling task (§4.6, §6 channel).
func NewChannel(ctx context.Context, capacity int) (*Channel, error) {
	t, err := taskFromContext(ctx)
	if err != nil {
		return nil, err
	}
	return newChannel(t.driver, t, capacity), nil
}

// Service spawns fn in a context of its own, detached from the caller's
// lifetime (§6 service: "spawn a long-lived helper outside the caller's
// context; it must self-terminate"). Because the service's context is
// never awaited by Run, an unclaimed error from fn is recorded on that
// context but never escalates anywhere — fn is responsible for handling
// its own errors before returning.
func Service(ctx context.Context, fn func(context.Context) (any, error)) (*Task, error) {
	t, err := taskFromContext(ctx)
	if err != nil {
		return nil, err
	}
	d := t.driver
	svcCtx := newContext(d)
	child := d.spawnTask(fn, svcCtx, nil)
	return &Task{t: child}, nil
}

// Stream implements §4.5 wait(handle, mask, deadline): it registers
// interest in handle under mask, suspends, and on resume reports the
// resolved mask. Two tasks registering interest in the same handle at the
// same time is rejected with ErrAlreadyWaiting.
func Stream(ctx context.Context, handle int, mask IOMask) (IOMask, error) {
	t, err := taskFromContext(ctx)
	if err != nil {
		return 0, err
	}
	d := t.driver
	if err := d.io.register(t, handle, mask); err != nil {
		return 0, err
	}
	sig := d.parkForWait(t, d.resolveDeadline(ctx), func() { d.io.unregister(handle) })
	if sig.err != nil {
		return 0, sig.err
	}
	res, _ := sig.result.(ioReadyResult)
	return res.mask, nil
}

// Readable waits for handle to become readable.
func Readable(ctx context.Context, handle int) (IOMask, error) {
	return Stream(ctx, handle, IORead)
}

// Writable waits for handle to become writable.
func Writable(ctx context.Context, handle int) (IOMask, error) {
	return Stream(ctx, handle, IOWrite)
}

package phasync

import (
	"context"
	"fmt"
	"time"
)

// taskState is the lifecycle state of a task (§3 Data Model).
type taskState int32

const (
	taskFresh taskState = iota
	taskRunnable
	taskWaiting
	taskTerminated
)

func (s taskState) String() string {
	switch s {
	case taskFresh:
		return "fresh"
	case taskRunnable:
		return "runnable"
	case taskWaiting:
		return "waiting"
	case taskTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// wakeSignal is what the driver hands back to a parked task goroutine:
// either the value/error a suspension point should return, or (for the
// very first resume) nothing meaningful.
type wakeSignal struct {
	result any
	err    error
}

// task is a stackful coroutine emulated by a goroutine plus a strict
// two-channel rendezvous with the driver (§9 design note: a trampoline
// around the suspension points reproduces stackful semantics on top of
// Go's stackless-from-the-scheduler's-perspective goroutines).
//
// Exactly one of {driver tick logic, one task's body} executes at any
// instant; the alternation is enforced by wake/park being unbuffered.
// Because of that invariant every scheduler structure (timer heap, flag
// table, io registry, channel queues) can be mutated directly by
// whichever side currently holds the token, without any lock.
type task struct {
	id     uint64
	fn     func(context.Context) (any, error)
	driver *Driver
	ctx    *Context
	parent *task

	state      taskState
	deadline   time.Time // zero = no pending deadline
	plannedErr error     // error to deliver on next resume

	wake chan wakeSignal // driver -> task: resume with this value
	park chan struct{}   // task -> driver: I have suspended or finished

	terminated   bool
	result       any
	err          error
	claimed      bool
	escalated    bool
	defers       []func()
	waitRemove   func() // removes this task from wherever it is parked
	awaiting     uint64 // id of the task this one is currently Awaiting, 0 = none
	lastPreempt  time.Time
	concurrent   []*task // children collected by a concurrent spawn group, if any
}

func newTask(d *Driver, fn func(context.Context) (any, error), ctx *Context, parent *task) *task {
	d.taskSeq++
	t := &task{
		id:     d.taskSeq,
		fn:     fn,
		driver: d,
		ctx:    ctx,
		parent: parent,
		state:  taskFresh,
		wake:   make(chan wakeSignal),
		park:   make(chan struct{}),
	}
	return t
}

// invoke runs the task body with panic recovery, converting a recovered
// panic into an error result (spec: "if starting throws, the error is
// captured in an exception holder bound to the task").
func (t *task) invoke(ctx context.Context) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = fmt.Errorf("phasync: task %d panicked: %w", t.id, e)
			} else {
				err = fmt.Errorf("phasync: task %d panicked: %v", t.id, r)
			}
		}
	}()
	return t.fn(ctx)
}

// start launches the task goroutine. It blocks immediately on wake so
// that the driver controls exactly when the task's first instruction
// runs (preserving "start the task once, synchronously, from spawn").
func (t *task) start() {
	go func() {
		<-t.wake
		ctx := withTask(context.Background(), t)
		result, err := t.invoke(ctx)
		t.result, t.err = result, err
		t.terminated = true
		t.state = taskTerminated
		t.park <- struct{}{}
	}()
}

// parkSelf is called from within the task's own goroutine at every
// suspension point: it hands control back to the driver and blocks
// until resumed.
func (t *task) parkSelf() wakeSignal {
	t.state = taskWaiting
	t.park <- struct{}{}
	sig := <-t.wake
	t.state = taskRunnable
	return sig
}

// taskKey is the context.Context key used to thread the current task
// through to suspension-point API calls (no package-global driver).
type taskKey struct{}

func withTask(ctx context.Context, t *task) context.Context {
	return context.WithValue(ctx, taskKey{}, t)
}

func taskFromContext(ctx context.Context) (*task, error) {
	t, _ := ctx.Value(taskKey{}).(*task)
	if t == nil {
		return nil, usageErrorf("called outside Run/Spawn (no current task in context)")
	}
	return t, nil
}

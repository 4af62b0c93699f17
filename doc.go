// Package phasync implements a cooperative, single-threaded coroutine
// runtime: an event-loop scheduler driving user-space tasks that suspend
// on I/O readiness, timers, flags, and inter-task channels.
//
// # Architecture
//
// The runtime is built around a [Driver] that owns the run queue, the
// timer/deadline heap, the I/O readiness registry and the flag table. A
// task is a goroutine paired with a rendezvous channel: exactly one task
// (or the Driver itself, between tasks) ever touches scheduler state at
// a time, so none of it needs locking. This mirrors a stackful coroutine
// using a trampoline around a fixed set of suspension points (Sleep,
// Yield, Idle, Preempt, Await, AwaitFlag, Stream, channel Read/Write,
// Subscriber.Next, Select).
//
// # Usage
//
//	phasync.Run(context.Background(), func(ctx context.Context) (any, error) {
//	    child, _ := phasync.Spawn(ctx, func(ctx context.Context) (any, error) {
//	        return "done", nil
//	    })
//	    return phasync.Await(ctx, child)
//	})
//
// # Scope
//
// The package is the core of a larger system; HTTP containers, stream
// adaptors, and poll-driven client libraries are external collaborators
// that consume the five primitives this package exposes: I/O readiness
// waiting, flag raise/await, task spawn/await/cancel, channel
// construction, and a defer/finally hook.
package phasync

package phasync

import "weak"

// flagTable maps an opaque flag identity to its ordered waiter list
// (§3/§4.4). Grounded on the teacher's registry.go, which tracks
// promises via weak.Pointer and a ring buffer for scavenging keyed by a
// synthetic id rather than the promise pointer itself, so the
// registry's own bookkeeping never keeps a promise reachable. tracked
// mirrors that shape for pointer-identity flags registered via
// TrackFlag: the ring and map hold only a synthetic id and a
// weak.Pointer check closure, never the tracked object itself.
type flagTable struct {
	waiters map[any][]*task
	tracked map[uint64]weakHandle
	ring    []uint64
	head    int
	nextID  uint64
}

// weakHandle closes over a weak.Pointer[T] value (not a *T), so holding
// one never itself prevents collection of the object it watches. handle
// is the FlagHandle identity itself; storing it here is harmless since
// FlagHandle does not reference the tracked object.
type weakHandle struct {
	handle *FlagHandle
	alive  func() bool
}

func newFlagTable() *flagTable {
	return &flagTable{
		waiters: make(map[any][]*task),
		tracked: make(map[uint64]weakHandle),
	}
}

// taskCompletionFlag is a private comparable type used as the flag key
// for Await (§4.2: "it raises a flag on its own identity").
type taskCompletionFlag uint64

func flagKeyForTask(id uint64) any { return taskCompletionFlag(id) }

type idleFlag struct{}

// idleFlagKey is the sentinel flag raised by the driver's sleep-budget
// computation when the loop would otherwise have gone idle (§4.3 idle).
var idleFlagKey any = idleFlag{}

// FlagHandle is the flag identity returned by TrackFlag. Callers use the
// handle itself (not the tracked pointer) as the flag passed to
// AwaitFlag/RaiseFlag: a waiter necessarily keeps its flag argument
// reachable for as long as it is parked, so tracking liveness on that
// same value could never observe a collection. The handle is a
// separate, tiny allocation that does not reference the tracked object
// strongly, so the object underneath it can still be collected while a
// task is blocked on the handle.
type FlagHandle struct {
	id uint64
}

// trackWeakFlag registers ptr for GC-based liveness checking and returns
// the handle to use as its flag identity. Each call mints a fresh
// handle and ring entry; TrackFlag does not dedupe repeat registrations
// of the same pointer, since doing so would require a map keyed by the
// pointer itself and reintroduce the pinning problem this exists to
// avoid.
func trackWeakFlag[T any](ft *flagTable, ptr *T) *FlagHandle {
	wp := weak.Make(ptr)
	id := ft.nextID
	ft.nextID++
	h := &FlagHandle{id: id}
	ft.tracked[id] = weakHandle{handle: h, alive: func() bool { return wp.Value() != nil }}
	ft.ring = append(ft.ring, id)
	return h
}

func (ft *flagTable) hasWaiters(flag any) bool {
	return len(ft.waiters[flag]) > 0
}

// await appends t to flag's waiter list (§4.4 await).
func (ft *flagTable) await(t *task, flag any) {
	ft.waiters[flag] = append(ft.waiters[flag], t)
}

// removeWaiter removes t from flag's waiter list, if present.
func (ft *flagTable) removeWaiter(flag any, t *task) {
	list := ft.waiters[flag]
	for i, w := range list {
		if w == t {
			ft.waiters[flag] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// raise moves every current waiter on flag to the ready queue, in FIFO
// (insertion) order, and returns the count (§4.4 raise).
func (ft *flagTable) raise(d *Driver, flag any) int {
	list := ft.waiters[flag]
	if len(list) == 0 {
		return 0
	}
	delete(ft.waiters, flag)
	for _, t := range list {
		d.resumeWaiting(t, wakeSignal{})
	}
	return len(list)
}

// scavenge is called once per tick's microtask phase to find
// TrackFlag'd objects that have been garbage collected, resuming any
// waiters still parked on the corresponding handle with
// ErrFlagSourceGone instead of leaving them blocked forever (§3 Flag
// invariant, §4.4 last bullet).
func (d *Driver) scavengeFlags(budget int) {
	ft := d.flags
	n := len(ft.ring)
	if n == 0 {
		return
	}
	if budget <= 0 || budget > n {
		budget = n
	}
	for i := 0; i < budget; i++ {
		idx := (ft.head + i) % n
		id := ft.ring[idx]
		h, ok := ft.tracked[id]
		if !ok || h.alive() {
			continue
		}
		delete(ft.tracked, id)
		list := ft.waiters[h.handle]
		if len(list) > 0 {
			delete(ft.waiters, h.handle)
			for _, t := range list {
				d.resumeWaiting(t, wakeSignal{err: ErrFlagSourceGone})
			}
		}
	}
	ft.head = (ft.head + budget) % n
}

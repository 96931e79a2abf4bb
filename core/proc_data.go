package core

import (
	"fmt"
	"sync/atomic"
)

// procVTable is bound to the concrete future and output types when the proc is
// allocated and never changes afterwards. Type-erased handles reach typed
// behavior only through it.
type procVTable struct {
	// schedule hands a new LightProc to the scheduling callback, adding one
	// reference for it. On a closed proc it drops the future instead.
	schedule func()

	// run polls the future once, consuming one runnable reference.
	run func()

	// dropFuture drops the future if it is still live and wakes the awaiter.
	dropFuture func()

	// decrement releases one reference, freeing the proc at zero.
	decrement func()
}

// ProcData is the control header shared by every alias of one proc.
type ProcData struct {
	state    atomic.Uint32
	refs     atomic.Int32
	released atomic.Bool
	awaiter  atomic.Pointer[Waker]

	vtable *procVTable
	stack  *ProcStack
}

// State returns a snapshot of the lifecycle bits.
func (pd *ProcData) State() State {
	return State(pd.state.Load())
}

// Refs returns the current reference count.
func (pd *ProcData) Refs() int {
	return int(pd.refs.Load())
}

// Released reports whether the last reference was dropped and the proc storage freed.
func (pd *ProcData) Released() bool {
	return pd.released.Load()
}

// Stack returns the metadata embedded in the proc.
func (pd *ProcData) Stack() *ProcStack {
	return pd.stack
}

func (pd *ProcData) String() string {
	return fmt.Sprintf("ProcData{state: %s, refs: %d, released: %t}",
		pd.State(), pd.Refs(), pd.Released())
}

func (pd *ProcData) cas(old, new State) bool {
	return pd.state.CompareAndSwap(uint32(old), uint32(new))
}

// clear removes bits from the state.
func (pd *ProcData) clear(bits State) {
	for {
		s := pd.State()
		if s&bits == 0 || pd.cas(s, s&^bits) {
			return
		}
	}
}

// register stores w as the awaiter. A nil waker registers nothing.
func (pd *ProcData) register(w *Waker) {
	if w == nil {
		return
	}
	pd.awaiter.Store(w)
	for {
		s := pd.State()
		if s&StateAwaiter != 0 || pd.cas(s, s|StateAwaiter) {
			return
		}
	}
}

// takeAwaiter removes the registered waker, if any.
func (pd *ProcData) takeAwaiter() *Waker {
	w := pd.awaiter.Swap(nil)
	pd.clear(StateAwaiter)
	return w
}

// notify wakes the registered awaiter. Must be called after every transition
// the output side can observe: completion, close and future drop.
func (pd *ProcData) notify() {
	if w := pd.takeAwaiter(); w != nil {
		w.Wake()
	}
}

// cancel closes the proc. It is idempotent and a no-op once the proc completed.
//
// A suspended proc has no runner and no queued LightProc, its runnable
// reference is parked in the header: cancel takes that reference and drops the
// future itself. Otherwise the holder of the runnable side observes CLOSED on
// its next run, schedule or drop.
func (pd *ProcData) cancel() {
	for {
		s := pd.State()
		if s&(StateCompleted|StateClosed) != 0 {
			return
		}
		if s&stateSuspended != 0 {
			// SCHEDULED keeps the handle pending until the future is dropped.
			if pd.cas(s, (s&^stateSuspended)|StateClosed|StateScheduled) {
				pd.vtable.dropFuture()
				pd.vtable.decrement()
				return
			}
			continue
		}
		if pd.cas(s, s|StateClosed) {
			pd.notify()
			return
		}
	}
}

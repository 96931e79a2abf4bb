package core

import "sync/atomic"

var liveProcs atomic.Int64

// LiveProcs returns the number of allocated procs not yet released.
func LiveProcs() int64 {
	return liveProcs.Load()
}

// ScheduleFunc places a runnable proc onto some run queue. It is called once per
// Schedule and again every time a suspended proc is woken.
type ScheduleFunc func(proc *LightProc)

type slotKind uint32

const (
	slotFuture slotKind = iota
	slotOutput
	slotEmpty
)

// procSlot holds the future before completion and the output after it. The two
// never coexist: the kind transitions future -> output or future -> empty,
// then output -> empty.
type procSlot[R any] struct {
	kind   atomic.Uint32
	future Future[R]
	output R
}

// store swaps the future for its output.
func (s *procSlot[R]) store(v R) {
	s.future = nil
	s.output = v
	s.kind.Store(uint32(slotOutput))
}

// dropFuture reports whether a live future was dropped.
func (s *procSlot[R]) dropFuture() bool {
	if !s.kind.CompareAndSwap(uint32(slotFuture), uint32(slotEmpty)) {
		return false
	}
	s.future = nil
	return true
}

func (s *procSlot[R]) take() R {
	var zero R
	v := s.output
	s.output = zero
	s.kind.Store(uint32(slotEmpty))
	return v
}

func (s *procSlot[R]) clear() {
	var zero R
	s.future = nil
	s.output = zero
	s.kind.Store(uint32(slotEmpty))
}

// rawProc is the single allocation behind one LightProc/ProcHandle pair.
type rawProc[R any] struct {
	header   ProcData
	stack    ProcStack
	schedule ScheduleFunc
	slot     procSlot[R]
	waker    *Waker

	// started is only touched by the runner holding StateRunning.
	started bool
}

func allocate[R any](future Future[R], schedule ScheduleFunc, stack ProcStack) *rawProc[R] {
	if future == nil {
		violate("build", "nil future")
	}
	if schedule == nil {
		violate("build", "nil schedule func")
	}

	r := &rawProc[R]{
		stack:    stack,
		schedule: schedule,
	}
	r.slot.future = future
	r.waker = NewWaker(r.wake)
	r.header.stack = &r.stack
	r.header.state.Store(uint32(StateHandle))
	r.header.refs.Store(2)
	r.header.vtable = &procVTable{
		schedule:   r.scheduleOp,
		run:        r.run,
		dropFuture: r.dropFuture,
		decrement:  r.decrement,
	}

	liveProcs.Add(1)
	return r
}

func (r *rawProc[R]) scheduleOp() {
	pd := &r.header
	for {
		s := pd.State()
		if s&(StateClosed|StateCompleted) != 0 {
			r.dropFuture()
			return
		}
		if pd.cas(s, s|StateScheduled) {
			break
		}
	}
	pd.refs.Add(1)
	r.schedule(newLightProc(pd))
}

func (r *rawProc[R]) run() {
	pd := &r.header

	for {
		s := pd.State()
		if s&StateRunning != 0 {
			violate("run", "process is already running")
		}
		if s&StateCompleted != 0 {
			violate("run", "process already completed")
		}
		if s&StateClosed != 0 {
			// Cancelled while queued: retire the runnable side.
			r.dropFuture()
			r.decrement()
			return
		}
		if pd.cas(s, (s&^(StateScheduled|stateSuspended))|StateRunning) {
			break
		}
	}

	if !r.started {
		r.started = true
		r.stack.fire("before_start", r.stack.beforeStart)
	}

	v, ready := r.poll()
	if ready {
		r.complete(v)
		return
	}

	for {
		s := pd.State()
		switch {
		case s&StateClosed != 0:
			// dropFuture clears SCHEDULED once the future is gone.
			if pd.cas(s, (s&^StateRunning)|StateScheduled) {
				r.dropFuture()
				r.decrement()
				return
			}
		case s&StateScheduled != 0:
			// Woken during the poll: hand our reference to a fresh LightProc.
			if pd.cas(s, s&^StateRunning) {
				r.schedule(newLightProc(pd))
				return
			}
		default:
			if pd.cas(s, (s&^StateRunning)|stateSuspended) {
				return
			}
		}
	}
}

// poll drives the future once. A panic escaping the future closes the proc,
// releases the runner's reference and keeps unwinding into the runner.
func (r *rawProc[R]) poll() (v R, ready bool) {
	returned := false
	defer func() {
		if !returned {
			r.abort()
		}
	}()
	v, ready = r.slot.future.Poll(r.waker)
	returned = true
	return v, ready
}

func (r *rawProc[R]) abort() {
	pd := &r.header
	for {
		s := pd.State()
		if pd.cas(s, (s&^StateRunning)|StateClosed|StateScheduled) {
			break
		}
	}
	r.slot.dropFuture()
	pd.clear(StateScheduled)
	pd.notify()
	r.stack.fire("after_panic", r.stack.afterPanic)
	r.decrement()
}

func (r *rawProc[R]) complete(v R) {
	pd := &r.header
	r.slot.store(v)

	for {
		s := pd.State()
		next := (s &^ (StateRunning | StateScheduled)) | StateCompleted
		discard := s&StateClosed != 0 || s&StateHandle == 0
		if discard {
			next |= StateClosed
		}
		if pd.cas(s, next) {
			if discard {
				r.slot.clear()
			}
			break
		}
	}

	pd.notify()
	if p, ok := any(v).(caughtPanic); !ok || !p.panicked() {
		r.stack.fire("after_complete", r.stack.afterComplete)
	}
	r.decrement()
}

func (r *rawProc[R]) wake() {
	pd := &r.header
	for {
		s := pd.State()
		if s&(StateCompleted|StateClosed|StateScheduled) != 0 {
			return
		}
		if s&StateRunning != 0 {
			if pd.cas(s, s|StateScheduled) {
				return
			}
			continue
		}
		if s&stateSuspended == 0 {
			// The runnable side is held by a LightProc that was never scheduled.
			return
		}
		if pd.cas(s, s&^stateSuspended) {
			// The parked reference moves into the LightProc built by schedule.
			pd.vtable.schedule()
			pd.vtable.decrement()
			return
		}
	}
}

func (r *rawProc[R]) dropFuture() {
	if r.slot.dropFuture() {
		r.stack.fire("after_cancel", r.stack.afterCancel)
	}
	r.header.clear(StateScheduled)
	r.header.notify()
}

func (r *rawProc[R]) decrement() {
	n := r.header.refs.Add(-1)
	if n > 0 {
		return
	}
	if n < 0 {
		violate("decrement", "reference count dropped below zero")
	}
	if !r.header.released.CompareAndSwap(false, true) {
		violate("decrement", "process released twice")
	}
	r.slot.clear()
	r.schedule = nil
	r.header.awaiter.Store(nil)
	liveProcs.Add(-1)
}

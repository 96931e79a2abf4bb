package core

import (
	"fmt"
	"sync/atomic"
)

// LightProc is the runnable handle of a lightweight process. It exclusively owns
// one reference to the proc. Run and Schedule consume the handle; Drop releases
// it, cancelling the proc if it never ran.
type LightProc struct {
	data  *ProcData
	owned atomic.Bool
}

func newLightProc(pd *ProcData) *LightProc {
	p := &LightProc{data: pd}
	p.owned.Store(true)
	return p
}

// Build allocates a proc for future and returns its runnable and output handles.
// The proc is not scheduled: call Schedule or Run on the returned LightProc.
func Build[R any](future Future[R], schedule ScheduleFunc, stack ProcStack) (*LightProc, *ProcHandle[R]) {
	raw := allocate(future, schedule, stack)
	return newLightProc(&raw.header), newProcHandle(raw)
}

// Recoverable is like Build but converts a panic raised by future into a
// *PanicError delivered through the returned handle.
func Recoverable[R any](future Future[R], schedule ScheduleFunc, stack ProcStack) (*LightProc, *RecoverableHandle[R]) {
	guard := &catchUnwind[R]{inner: future}
	proc, handle := Build[outcome[R]](guard, schedule, stack)
	guard.stack = proc.Stack()
	return proc, &RecoverableHandle[R]{inner: handle}
}

func (p *LightProc) take(op string) *ProcData {
	if !p.owned.CompareAndSwap(true, false) {
		violate(op, "light proc already consumed")
	}
	return p.data
}

// Schedule hands the proc to its scheduling callback. If the proc was closed in
// the meantime its future is dropped instead.
func (p *LightProc) Schedule() {
	pd := p.take("schedule")
	pd.vtable.schedule()
	pd.vtable.decrement()
}

// Run polls the proc once. On suspension the proc is re-scheduled when its
// waker fires; on completion the output is handed to the output handle.
// Concurrent Run calls on the same proc panic with *ContractViolation.
func (p *LightProc) Run() {
	pd := p.take("run")
	pd.vtable.run()
}

// Cancel closes the proc. Safe to call any number of times.
func (p *LightProc) Cancel() {
	p.data.cancel()
}

// Drop releases the handle without running it: the proc is cancelled, its
// future dropped and the reference released, in that order. Dropping a
// consumed handle is a no-op.
func (p *LightProc) Drop() {
	if !p.owned.CompareAndSwap(true, false) {
		return
	}
	pd := p.data
	pd.cancel()
	pd.vtable.dropFuture()
	pd.vtable.decrement()
}

// Stack returns the proc metadata.
func (p *LightProc) Stack() *ProcStack {
	return p.data.stack
}

// Data returns the control header, for diagnostics.
func (p *LightProc) Data() *ProcData {
	return p.data
}

func (p *LightProc) String() string {
	return fmt.Sprintf("LightProc{pdata: %s, stack: %s}", p.data, p.data.stack)
}

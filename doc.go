// Package lightproc provides lightweight processes: futures wrapped with
// scheduling, lifecycle and cancellation state, run by a pluggable executor.
//
// A proc is built from a Future and a scheduling callback. Building yields two
// handles sharing one reference-counted allocation:
//
//   - LightProc, the runnable side, consumed by Schedule or Run.
//   - ProcHandle, the output side, which yields the result once or
//     ErrCancelled.
//
// Either handle may be dropped first; the allocation is released when both
// are gone and no scheduler still holds the proc.
//
// # Quick Start
//
// Initialize the global pool at application startup:
//
//	lightproc.InitGlobalPool(0) // one worker per execution unit
//	defer lightproc.ShutdownGlobalPool()
//
// Spawn a proc and wait for its output:
//
//	h := lightproc.Go(lightproc.GetGlobalPool(), func() int { return 42 })
//	v, err := h.Wait(ctx)
//
// # Key Concepts
//
// Future: Polled with a Waker. A pending future arranges for Wake to be called,
// which re-schedules the proc through its callback.
//
// ProcStack: Metadata carried by a proc (identity, name, priority, affinity)
// and the BeforeStart, AfterComplete, AfterPanic and AfterCancel hooks.
//
// ProcPool: The reference executor. Workers own local run queues; procs are
// placed on the least loaded queue, or on the global queue once every local
// queue is above the mean level sampled by the loadbalancer package.
//
// # Panics
//
// A panic in a plain proc closes it and then keeps unwinding into the runner;
// the pool reports it to its PanicHandler. Procs spawned with SpawnRecoverable
// deliver the panic to their handle as a *PanicError instead.
package lightproc

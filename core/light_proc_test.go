package core

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestBuild_InitialState(t *testing.T) {
	q := &testQueue{}
	before := LiveProcs()

	proc, handle := Build(Ready(1), q.schedule, NewProcStack())
	pd := proc.Data()

	assert.Equal(t, StateHandle, pd.State())
	assert.Equal(t, 2, pd.Refs())
	assert.False(t, pd.Released())
	assert.Equal(t, before+1, LiveProcs())
	assert.Same(t, proc.Stack(), pd.Stack())
	assert.Equal(t, proc.Stack().ID, handle.Stack().ID)

	proc.Drop()
	handle.Drop()
	assert.Equal(t, before, LiveProcs())
}

// TestEndToEnd_ImmediateValue verifies the basic spawn/run/await path
// Given: A future completing immediately with 42 and a test queue as scheduler
// When: The proc is scheduled, the queue drained and the proc run once
// Then: The handle resolves to 42 and the scheduling callback is never invoked again
func TestEndToEnd_ImmediateValue(t *testing.T) {
	q := &testQueue{}
	proc, handle := Build(Ready(42), q.schedule, NewProcStack())
	pd := proc.Data()

	proc.Schedule()
	require.Equal(t, int32(1), q.scheduled.Load())
	assert.True(t, pd.State().Has(StateScheduled))
	assert.Equal(t, 2, pd.Refs())

	assert.Equal(t, 1, q.runAll())

	v, err := handle.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, int32(1), q.scheduled.Load())
	assert.True(t, pd.State().Has(StateCompleted|StateClosed))
	assert.Equal(t, 1, pd.Refs())

	handle.Drop()
	assert.True(t, pd.Released())
	assert.Equal(t, 0, pd.Refs())
	assert.Equal(t, int32(1), q.scheduled.Load())
}

// TestDropRunnable_BeforeRun verifies dropping an unrun LightProc cancels it
// Given: A freshly built proc
// When: The LightProc is dropped without being run or scheduled
// Then: No poll happens, the handle observes cancellation, and the proc is freed with the handle
func TestDropRunnable_BeforeRun(t *testing.T) {
	q := &testQueue{}
	hooks := &hookCounts{}
	var polls atomic.Int32

	proc, handle := Build(counter(7, &polls), q.schedule, NewProcStack(hooks.options()...))
	pd := proc.Data()

	proc.Drop()
	assert.False(t, pd.Released())
	assert.Equal(t, 1, pd.Refs())

	_, err := handle.Wait(waitCtx(t))
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, int32(0), polls.Load())
	assert.Equal(t, int32(1), hooks.cancel.Load())
	assert.Equal(t, int32(0), hooks.start.Load())
	assert.Equal(t, int32(0), q.scheduled.Load())

	handle.Drop()
	assert.True(t, pd.Released())
}

func TestDropOrder_HandleBeforeCompletion(t *testing.T) {
	q := &testQueue{}
	var polls atomic.Int32

	proc, handle := Build(counter(7, &polls), q.schedule, NewProcStack())
	pd := proc.Data()

	handle.Drop()
	assert.False(t, pd.Released())
	assert.True(t, pd.State().Has(StateClosed))
	assert.False(t, pd.State().Has(StateHandle))

	proc.Run()
	assert.True(t, pd.Released())
	assert.Equal(t, int32(0), polls.Load())
}

func TestDropOrder_BothAfterCompletion(t *testing.T) {
	q := &testQueue{}
	proc, handle := Build(Ready("out"), q.schedule, NewProcStack())
	pd := proc.Data()

	proc.Run()
	assert.True(t, pd.State().Has(StateCompleted|StateHandle))
	assert.False(t, pd.State().Has(StateClosed))
	assert.Equal(t, 1, pd.Refs())

	handle.Drop()
	assert.True(t, pd.Released())
	assert.True(t, pd.State().Has(StateCompleted|StateClosed))
}

func TestDropOrder_HandleWhileRunning(t *testing.T) {
	q := &testQueue{}
	var handle *ProcHandle[int]
	fut := FutureFunc[int](func(*Waker) (int, bool) {
		handle.Drop()
		return 5, true
	})

	proc, h := Build[int](fut, q.schedule, NewProcStack())
	handle = h
	pd := proc.Data()

	proc.Run()
	assert.True(t, pd.Released())
	assert.True(t, pd.State().Has(StateCompleted|StateClosed))
	assert.False(t, pd.State().Has(StateHandle))
}

// TestSuspend_WakeReschedules verifies a pending proc is re-enqueued by its waker
// Given: A proc whose future stays pending until a gate opens
// When: The proc runs once, then the gate opens
// Then: The proc parks without a queued handle, is re-scheduled on wake and completes
func TestSuspend_WakeReschedules(t *testing.T) {
	q := &testQueue{}
	g := newGate(42)

	proc, handle := Build[int](g, q.schedule, NewProcStack())
	pd := proc.Data()

	proc.Schedule()
	q.runAll()

	assert.Equal(t, int32(1), g.polls.Load())
	assert.True(t, pd.State().Has(stateSuspended))
	assert.Zero(t, pd.State()&(StateScheduled|StateRunning))
	assert.Equal(t, 2, pd.Refs())

	_, ready, err := handle.Poll(nil)
	assert.False(t, ready)
	assert.NoError(t, err)

	g.Open()
	assert.Equal(t, int32(2), q.scheduled.Load())
	assert.Equal(t, 2, pd.Refs())

	q.runAll()
	v, err := handle.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	handle.Drop()
	assert.True(t, pd.Released())
}

func TestSuspend_WakeDuringPoll(t *testing.T) {
	q := &testQueue{}
	polls := 0
	fut := FutureFunc[int](func(w *Waker) (int, bool) {
		polls++
		if polls == 1 {
			w.Wake()
			return 0, false
		}
		return 9, true
	})

	proc, handle := Build[int](fut, q.schedule, NewProcStack())
	proc.Run()
	assert.Equal(t, int32(1), q.scheduled.Load())
	assert.True(t, proc.Data().State().Has(StateScheduled))

	q.runAll()
	v, err := handle.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, 9, v)
	assert.Equal(t, 2, polls)
}

// TestCancel_Suspended verifies cancelling a parked proc drops its future
// Given: A proc suspended on a gate
// When: The output handle cancels it
// Then: The future is dropped without re-scheduling and a later wake is ignored
func TestCancel_Suspended(t *testing.T) {
	q := &testQueue{}
	hooks := &hookCounts{}
	g := newGate(1)

	proc, handle := Build[int](g, q.schedule, NewProcStack(hooks.options()...))
	pd := proc.Data()
	proc.Run()
	require.True(t, pd.State().Has(stateSuspended))

	handle.Cancel()
	assert.Equal(t, 1, pd.Refs())
	assert.Equal(t, int32(1), hooks.cancel.Load())

	_, err := handle.Wait(waitCtx(t))
	assert.ErrorIs(t, err, ErrCancelled)

	g.Open()
	assert.Equal(t, int32(0), q.scheduled.Load())
	assert.Equal(t, int32(1), g.polls.Load())

	handle.Drop()
	assert.True(t, pd.Released())
}

// TestCancel_Idempotent verifies repeated and concurrent cancels act like one
func TestCancel_Idempotent(t *testing.T) {
	q := &testQueue{}
	hooks := &hookCounts{}
	var polls atomic.Int32

	proc, handle := Build(counter(1, &polls), q.schedule, NewProcStack(hooks.options()...))
	pd := proc.Data()

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			proc.Cancel()
			handle.Cancel()
		}()
	}
	wg.Wait()
	proc.Cancel()

	assert.Equal(t, StateHandle|StateClosed, pd.State())
	assert.Equal(t, 2, pd.Refs())

	proc.Run()
	assert.Equal(t, int32(0), polls.Load())
	assert.Equal(t, int32(1), hooks.cancel.Load())

	_, err := handle.Wait(waitCtx(t))
	assert.ErrorIs(t, err, ErrCancelled)

	handle.Drop()
	assert.True(t, pd.Released())
}

// TestRun_Exclusive verifies racing runners never both poll
// Given: One LightProc shared by two goroutines
// When: Both call Run at the same time
// Then: Exactly one polls, the other is rejected with a contract violation
func TestRun_Exclusive(t *testing.T) {
	q := &testQueue{}
	var polls atomic.Int32
	proc, handle := Build(counter(3, &polls), q.schedule, NewProcStack())

	start := make(chan struct{})
	violations := make(chan *ContractViolation, 2)
	var wg sync.WaitGroup
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			violations <- contractViolation(proc.Run)
		}()
	}
	close(start)
	wg.Wait()
	close(violations)

	rejected := 0
	for cv := range violations {
		if cv != nil {
			rejected++
			assert.Equal(t, "run", cv.Op)
		}
	}
	assert.Equal(t, 1, rejected)
	assert.Equal(t, int32(1), polls.Load())

	v, err := handle.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, 3, v)
}

func TestRun_HeaderRejectsSecondRunner(t *testing.T) {
	q := &testQueue{}
	var pd *ProcData
	var inner *ContractViolation
	fut := FutureFunc[int](func(*Waker) (int, bool) {
		inner = contractViolation(pd.vtable.run)
		return 3, true
	})

	proc, handle := Build[int](fut, q.schedule, NewProcStack())
	pd = proc.Data()
	proc.Run()

	require.NotNil(t, inner)
	assert.Equal(t, "run", inner.Op)

	v, err := handle.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, 3, v)

	handle.Drop()
	assert.True(t, pd.Released())
}

// TestPanic_Unrecovered verifies a panicking payload is not swallowed
// Given: A plain proc whose future panics
// When: The proc runs
// Then: The panic reaches the runner, the handle observes cancellation and the proc is still freed
func TestPanic_Unrecovered(t *testing.T) {
	q := &testQueue{}
	hooks := &hookCounts{}
	fut := FutureFunc[int](func(*Waker) (int, bool) { panic("boom") })

	proc, handle := Build[int](fut, q.schedule, NewProcStack(hooks.options()...))
	pd := proc.Data()

	assert.PanicsWithValue(t, "boom", proc.Run)
	assert.Equal(t, int32(1), hooks.panicked.Load())
	assert.Equal(t, int32(0), hooks.cancel.Load())
	assert.True(t, pd.State().Has(StateClosed))
	assert.False(t, pd.State().Has(StateRunning))

	_, err := handle.Wait(waitCtx(t))
	assert.ErrorIs(t, err, ErrCancelled)

	handle.Drop()
	assert.True(t, pd.Released())
}

func TestRecoverable_PanicBecomesError(t *testing.T) {
	q := &testQueue{}
	hooks := &hookCounts{}
	fut := FutureFunc[int](func(*Waker) (int, bool) { panic("boom") })

	proc, handle := Recoverable[int](fut, q.schedule, NewProcStack(hooks.options()...))
	pd := proc.Data()

	assert.NotPanics(t, proc.Run)
	assert.Equal(t, int32(1), hooks.panicked.Load())
	assert.Equal(t, int32(0), hooks.complete.Load())

	_, err := handle.Wait(waitCtx(t))
	var pe *PanicError
	require.ErrorAs(t, err, &pe)
	assert.ErrorIs(t, err, ErrPanicked)
	assert.Equal(t, "boom", pe.Value)
	assert.NotEmpty(t, pe.Stack)
	assert.Contains(t, pe.Error(), "boom")

	handle.Drop()
	assert.True(t, pd.Released())
}

func TestRecoverable_ValueAndCancel(t *testing.T) {
	q := &testQueue{}

	proc, handle := Recoverable(Ready("ok"), q.schedule, NewProcStack())
	proc.Schedule()
	q.runAll()
	v, err := handle.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, "ok", v)

	proc2, handle2 := Recoverable(Ready("never"), q.schedule, NewProcStack())
	proc2.Drop()
	_, ready, err := handle2.Poll(nil)
	assert.True(t, ready)
	assert.ErrorIs(t, err, ErrCancelled)
	handle2.Drop()
	assert.True(t, proc2.Data().Released())
}

func TestHandle_OutputDeliveredOnce(t *testing.T) {
	q := &testQueue{}
	proc, handle := Build(Ready(1), q.schedule, NewProcStack())
	proc.Run()

	v, ready, err := handle.Poll(nil)
	require.True(t, ready)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	_, ready, err = handle.Poll(nil)
	assert.True(t, ready)
	assert.ErrorIs(t, err, ErrOutputTaken)
}

func TestHandle_CancelAfterCompletionKeepsOutput(t *testing.T) {
	q := &testQueue{}
	proc, handle := Build(Ready(11), q.schedule, NewProcStack())
	proc.Run()

	handle.Cancel()
	v, err := handle.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, 11, v)
}

func TestHandle_CancelWhileRunningDiscardsOutput(t *testing.T) {
	q := &testQueue{}
	var handle *ProcHandle[int]
	fut := FutureFunc[int](func(*Waker) (int, bool) {
		handle.Cancel()
		return 5, true
	})
	proc, h := Build[int](fut, q.schedule, NewProcStack())
	handle = h

	proc.Run()
	_, err := handle.Wait(waitCtx(t))
	assert.ErrorIs(t, err, ErrCancelled)
}

// TestHandle_CancelBeforeSchedule verifies a handle cancel resolves an idle proc
// Given: A built proc that was never scheduled or run
// When: The output handle cancels it
// Then: Poll resolves to ErrCancelled right away, and running the proc later never polls
func TestHandle_CancelBeforeSchedule(t *testing.T) {
	q := &testQueue{}
	hooks := &hookCounts{}
	var polls atomic.Int32
	proc, handle := Build(counter(1, &polls), q.schedule, NewProcStack(hooks.options()...))
	pd := proc.Data()

	handle.Cancel()

	_, ready, err := handle.Poll(nil)
	assert.True(t, ready)
	assert.ErrorIs(t, err, ErrCancelled)
	_, err = handle.Wait(waitCtx(t))
	assert.ErrorIs(t, err, ErrCancelled)

	proc.Run()
	assert.Equal(t, int32(0), polls.Load())
	assert.Equal(t, int32(1), hooks.cancel.Load())

	handle.Drop()
	assert.True(t, pd.Released())
}

// TestHandle_CancelWhileQueuedWaitsForRunner verifies a queued proc stays pending
// Given: A scheduled proc sitting in the queue
// When: The handle cancels it
// Then: Poll reports pending until the runner retires the proc, then ErrCancelled
func TestHandle_CancelWhileQueuedWaitsForRunner(t *testing.T) {
	q := &testQueue{}
	hooks := &hookCounts{}
	proc, handle := Build(Ready(1), q.schedule, NewProcStack(hooks.options()...))
	proc.Schedule()

	handle.Cancel()
	_, ready, err := handle.Poll(nil)
	assert.False(t, ready)
	assert.NoError(t, err)

	q.runAll()
	assert.Equal(t, int32(1), hooks.cancel.Load())
	_, err = handle.Wait(waitCtx(t))
	assert.ErrorIs(t, err, ErrCancelled)
	handle.Drop()
}

// TestHandle_ConcurrentPollTakesOutputOnce verifies racing polls on a completed handle
// Given: A completed proc
// When: Many goroutines poll its handle at once
// Then: Exactly one gets the output and every other one gets ErrOutputTaken
func TestHandle_ConcurrentPollTakesOutputOnce(t *testing.T) {
	for range 50 {
		q := &testQueue{}
		proc, handle := Build(Ready(8), q.schedule, NewProcStack())
		proc.Run()

		start := make(chan struct{})
		errs := make(chan error, 8)
		var wg sync.WaitGroup
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				v, ready, err := handle.Poll(nil)
				if assert.True(t, ready) && err == nil {
					assert.Equal(t, 8, v)
				}
				errs <- err
			}()
		}
		close(start)
		wg.Wait()
		close(errs)

		got := 0
		for err := range errs {
			if err == nil {
				got++
				continue
			}
			assert.ErrorIs(t, err, ErrOutputTaken)
		}
		assert.Equal(t, 1, got)
		handle.Drop()
	}
}

func TestSchedule_ClosedProcIsNotQueued(t *testing.T) {
	q := &testQueue{}
	hooks := &hookCounts{}
	proc, handle := Build(Ready(1), q.schedule, NewProcStack(hooks.options()...))
	pd := proc.Data()

	proc.Cancel()
	proc.Schedule()

	assert.Equal(t, int32(0), q.scheduled.Load())
	assert.Equal(t, int32(1), hooks.cancel.Load())
	assert.Equal(t, 1, pd.Refs())

	_, err := handle.Wait(waitCtx(t))
	assert.ErrorIs(t, err, ErrCancelled)
	handle.Drop()
	assert.True(t, pd.Released())
}

func TestWait_ContextDone(t *testing.T) {
	q := &testQueue{}
	proc, handle := Build[int](newGate(1), q.schedule, NewProcStack())
	pd := proc.Data()
	proc.Run()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := handle.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	handle.Drop()
	assert.True(t, pd.Released())
}

func TestContract_ConsumedHandles(t *testing.T) {
	q := &testQueue{}
	proc, handle := Build(Ready(1), q.schedule, NewProcStack())
	proc.Run()

	cv := contractViolation(proc.Run)
	require.NotNil(t, cv)
	assert.Equal(t, "run", cv.Op)
	require.NotNil(t, contractViolation(proc.Schedule))
	assert.NotPanics(t, proc.Drop)

	handle.Drop()
	assert.NotPanics(t, handle.Drop)
	cv = contractViolation(func() { handle.Poll(nil) })
	require.NotNil(t, cv)
	assert.Contains(t, cv.Error(), "dropped")
}

func TestContract_NilArguments(t *testing.T) {
	q := &testQueue{}
	assert.NotNil(t, contractViolation(func() { Build[int](nil, q.schedule, NewProcStack()) }))
	assert.NotNil(t, contractViolation(func() { Build(Ready(1), nil, NewProcStack()) }))
}

func TestHooks_Order(t *testing.T) {
	q := &testQueue{}
	var events []string
	stack := NewProcStack(
		WithName("ordered"),
		WithBeforeStart(func(s *ProcStack) { events = append(events, "start:"+s.Name) }),
		WithBeforeStart(func(*ProcStack) { events = append(events, "start2") }),
		WithAfterComplete(func(*ProcStack) { events = append(events, "complete") }),
	)
	g := newGate(1)
	proc, handle := Build[int](g, q.schedule, stack)
	proc.Run()
	g.Open()
	q.runAll()

	_, err := handle.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, []string{"start:ordered", "start2", "complete"}, events)
}

func TestDebugFormatting(t *testing.T) {
	q := &testQueue{}
	proc, handle := Build(Ready(1), q.schedule, NewProcStack(WithName("dbg"), WithPID(77)))

	s := proc.String()
	assert.Contains(t, s, "LightProc{")
	assert.Contains(t, s, "HANDLE")
	assert.Contains(t, s, "pid: 77")
	assert.Contains(t, s, `"dbg"`)
	assert.Contains(t, handle.String(), "ProcHandle{")

	proc.Drop()
	handle.Drop()
	assert.Equal(t, "ProcHandle{dropped}", handle.String())
	assert.Contains(t, proc.Data().String(), "released: true")
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "IDLE", State(0).String())
	assert.Equal(t, "SCHEDULED|HANDLE", (StateScheduled | StateHandle).String())
	assert.True(t, (StateCompleted | StateClosed).Has(StateClosed))
	assert.False(t, StateClosed.Has(StateClosed|StateCompleted))
}

// TestStress_ExactlyOnce verifies every handle resolves exactly once under concurrency
// Given: Many procs woken from other goroutines, run by several workers, a third of them cancelled
// When: All handles are awaited and then dropped
// Then: Each resolves to its value or to cancellation, and every proc is freed
func TestStress_ExactlyOnce(t *testing.T) {
	const n = 300
	work := make(chan *LightProc, n*4)
	schedule := func(p *LightProc) { work <- p }

	var workers sync.WaitGroup
	for range 4 {
		workers.Add(1)
		go func() {
			defer workers.Done()
			for p := range work {
				p.Run()
			}
		}()
	}

	handles := make([]*ProcHandle[int], n)
	datas := make([]*ProcData, n)
	for i := range n {
		polled := false
		fut := FutureFunc[int](func(w *Waker) (int, bool) {
			if !polled {
				polled = true
				go w.Wake()
				return 0, false
			}
			return i, true
		})
		proc, handle := Build[int](fut, schedule, NewProcStack())
		handles[i], datas[i] = handle, proc.Data()
		proc.Schedule()
	}

	var cancels sync.WaitGroup
	for i := 0; i < n; i += 3 {
		cancels.Add(1)
		go func(h *ProcHandle[int]) {
			defer cancels.Done()
			h.Cancel()
		}(handles[i])
	}
	cancels.Wait()

	values, cancelled := 0, 0
	for i, h := range handles {
		v, err := h.Wait(waitCtx(t))
		switch {
		case err == nil:
			assert.Equal(t, i, v)
			values++
		default:
			assert.ErrorIs(t, err, ErrCancelled)
			cancelled++
		}
		h.Drop()
	}
	assert.Equal(t, n, values+cancelled)

	require.Eventually(t, func() bool {
		for _, pd := range datas {
			if !pd.Released() {
				return false
			}
		}
		return true
	}, 5*time.Second, 5*time.Millisecond)

	close(work)
	workers.Wait()
}

package core

import (
	"sync"
	"sync/atomic"
)

// testQueue is a scheduling callback that parks procs instead of running them.
type testQueue struct {
	mu        sync.Mutex
	procs     []*LightProc
	scheduled atomic.Int32
}

func (q *testQueue) schedule(p *LightProc) {
	q.scheduled.Add(1)
	q.mu.Lock()
	q.procs = append(q.procs, p)
	q.mu.Unlock()
}

func (q *testQueue) drain() []*LightProc {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.procs
	q.procs = nil
	return out
}

func (q *testQueue) runAll() int {
	n := 0
	for {
		batch := q.drain()
		if len(batch) == 0 {
			return n
		}
		for _, p := range batch {
			p.Run()
			n++
		}
	}
}

// gate is a future that stays pending until opened.
type gate struct {
	mu    sync.Mutex
	open  bool
	value int
	waker *Waker
	polls atomic.Int32
}

func newGate(value int) *gate {
	return &gate{value: value}
}

func (g *gate) Poll(w *Waker) (int, bool) {
	g.polls.Add(1)
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.open {
		return g.value, true
	}
	g.waker = w
	return 0, false
}

func (g *gate) Open() {
	g.mu.Lock()
	g.open = true
	w := g.waker
	g.mu.Unlock()
	w.Wake()
}

// counter returns a future completing with v that counts its polls.
func counter(v int, polls *atomic.Int32) Future[int] {
	return FutureFunc[int](func(*Waker) (int, bool) {
		polls.Add(1)
		return v, true
	})
}

// hookCounts records how often each stack hook fired.
type hookCounts struct {
	start, complete, panicked, cancel atomic.Int32
}

func (h *hookCounts) options() []StackOption {
	return []StackOption{
		WithBeforeStart(func(*ProcStack) { h.start.Add(1) }),
		WithAfterComplete(func(*ProcStack) { h.complete.Add(1) }),
		WithAfterPanic(func(*ProcStack) { h.panicked.Add(1) }),
		WithAfterCancel(func(*ProcStack) { h.cancel.Add(1) }),
	}
}

func contractViolation(fn func()) (cv *ContractViolation) {
	defer func() {
		if r := recover(); r != nil {
			cv, _ = r.(*ContractViolation)
			if cv == nil {
				panic(r)
			}
		}
	}()
	fn()
	return nil
}

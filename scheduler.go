package lightproc

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/Swind/go-lightproc/core"
	"github.com/Swind/go-lightproc/loadbalancer"
	"github.com/Swind/go-lightproc/placement"
)

// SchedulerConfig holds the pluggable handlers of a ProcScheduler.
type SchedulerConfig struct {
	PanicHandler core.PanicHandler
	Metrics      core.Metrics
	// QueueCapacity is the initial capacity of each worker-local queue.
	QueueCapacity int
}

// DefaultSchedulerConfig returns the default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		PanicHandler: &core.DefaultPanicHandler{},
		Metrics:      &core.NilMetrics{},
	}
}

// slot is the run queue set owned by one worker.
type slot struct {
	// pinned holds procs with an affinity to this slot; it is never stolen from.
	pinned *core.FIFOProcQueue
	local  *core.FIFOProcQueue
	wake   chan struct{}
}

// ProcScheduler places runnable procs on worker slots and hands them out to
// workers. Slot i publishes its depth into the Load under core index i.
type ProcScheduler struct {
	id     string
	slots  []slot
	units  []int
	global *core.PriorityProcQueue
	load   *loadbalancer.Load

	metricQueued atomic.Int32
	metricActive atomic.Int32
	nextWake     atomic.Uint32

	panicHandler core.PanicHandler
	metrics      core.Metrics

	shuttingDown atomic.Bool
}

// NewProcScheduler creates a scheduler with one slot per worker.
func NewProcScheduler(id string, workers int, load *loadbalancer.Load, config *SchedulerConfig) *ProcScheduler {
	if workers <= 0 {
		workers = 1
	}
	if load == nil {
		load = loadbalancer.NewLoad(workers)
	}
	if config == nil {
		config = DefaultSchedulerConfig()
	}

	s := &ProcScheduler{
		id:           id,
		slots:        make([]slot, workers),
		units:        make([]int, workers),
		global:       core.NewPriorityProcQueue(),
		load:         load,
		panicHandler: config.PanicHandler,
		metrics:      config.Metrics,
	}
	for i := range s.slots {
		s.slots[i] = slot{
			pinned: core.NewFIFOProcQueue(),
			local:  core.NewFIFOProcQueueSize(config.QueueCapacity),
			wake:   make(chan struct{}, 1),
		}
		s.units[i] = i
		load.AddCoreQueue(i, 0)
	}

	if s.panicHandler == nil {
		s.panicHandler = &core.DefaultPanicHandler{}
	}
	if s.metrics == nil {
		s.metrics = &core.NilMetrics{}
	}
	return s
}

// Schedule is the core.ScheduleFunc of procs spawned on this scheduler.
//
// A proc with an affinity inside the slot range is queued on that slot.
// Otherwise the least loaded slot receives it, unless even that slot is above
// the sampled mean level, in which case the proc goes to the global queue.
// After shutdown the proc is dropped, which cancels it.
func (s *ProcScheduler) Schedule(p *core.LightProc) {
	if s.shuttingDown.Load() {
		s.metrics.RecordProcRejected(s.id, "shutting down")
		p.Drop()
		return
	}

	s.place(p)

	// Lost a race with Shutdown: nobody will pop the proc.
	if s.shuttingDown.Load() {
		s.clear()
	}
}

func (s *ProcScheduler) place(p *core.LightProc) {
	if a := p.Stack().Affinity; a >= 0 && a < len(s.slots) {
		s.slots[a].pinned.Push(p)
		s.load.AddCoreQueue(a, 1)
		s.queued()
		s.signal(a)
		return
	}

	stats := s.load.Snapshot()
	target := placement.LeastLoaded(stats.SMPQueues, s.units)
	if target < 0 || stats.SMPQueues[target] > stats.MeanLevel {
		s.global.Push(p)
		s.load.AddGlobalRunQueue(1)
		s.queued()
		s.signalAny()
		return
	}

	s.slots[target].local.Push(p)
	s.load.AddCoreQueue(target, 1)
	s.queued()
	s.signal(target)
}

func (s *ProcScheduler) queued() {
	depth := s.metricQueued.Add(1)
	s.metrics.RecordQueueDepth(s.id, int(depth))
}

func (s *ProcScheduler) signal(i int) {
	select {
	case s.slots[i].wake <- struct{}{}:
	default:
	}
}

// signalAny wakes one idle worker. If every wake channel is full, every
// worker is about to rescan the queues anyway.
func (s *ProcScheduler) signalAny() {
	n := len(s.slots)
	start := int(s.nextWake.Add(1)) % n
	for k := range n {
		select {
		case s.slots[(start+k)%n].wake <- struct{}{}:
			return
		default:
		}
	}
}

// GetWork blocks until a proc is available for worker i or stopCh is closed.
// The worker looks at its pinned queue, its local queue, the global queue and
// finally steals from the other slots.
func (s *ProcScheduler) GetWork(i int, stopCh <-chan struct{}) (*core.LightProc, bool) {
	for {
		if p, ok := s.tryGetWork(i); ok {
			return p, true
		}

		select {
		case <-s.slots[i].wake:
			continue
		case <-stopCh:
			return nil, false
		}
	}
}

// tryGetWork counts the worker as active before it pops, so a proc is never
// seen as neither queued nor active.
func (s *ProcScheduler) tryGetWork(i int) (*core.LightProc, bool) {
	s.metricActive.Add(1)
	if p, ok := s.pop(i); ok {
		return p, true
	}
	s.metricActive.Add(-1)
	return nil, false
}

func (s *ProcScheduler) pop(i int) (*core.LightProc, bool) {
	own := s.slots[i]
	if p, ok := own.pinned.Pop(); ok {
		s.dequeued(i)
		return p, true
	}
	if p, ok := own.local.Pop(); ok {
		s.dequeued(i)
		return p, true
	}
	if p, ok := s.global.Pop(); ok {
		s.load.AddGlobalRunQueue(-1)
		s.metricQueued.Add(-1)
		return p, true
	}
	return s.steal(i)
}

// steal takes one proc from the deepest other local queue.
func (s *ProcScheduler) steal(i int) (*core.LightProc, bool) {
	victim, depth := -1, 0
	for j := range s.slots {
		if j == i {
			continue
		}
		if d := s.slots[j].local.Len(); d > depth {
			victim, depth = j, d
		}
	}
	if victim < 0 {
		return nil, false
	}
	p, ok := s.slots[victim].local.Pop()
	if !ok {
		return nil, false
	}
	s.dequeued(victim)
	return p, true
}

func (s *ProcScheduler) dequeued(i int) {
	s.load.AddCoreQueue(i, -1)
	s.metricQueued.Add(-1)
}

// Shutdown rejects further procs and drops every queued one.
func (s *ProcScheduler) Shutdown() {
	s.shuttingDown.Store(true)
	s.clear()
}

// ShutdownGraceful waits up to timeout for queued and running procs to drain.
// Procs still queued at the deadline are dropped. Wakes of in-flight procs
// are honoured until Shutdown is called.
func (s *ProcScheduler) ShutdownGraceful(timeout time.Duration) error {
	deadline := time.After(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if s.QueuedProcCount() == 0 && s.ActiveProcCount() == 0 {
			s.Shutdown()
			return nil
		}
		select {
		case <-deadline:
			s.Shutdown()
			return fmt.Errorf("lightproc: graceful shutdown timed out after %v, queued procs dropped", timeout)
		case <-ticker.C:
		}
	}
}

func (s *ProcScheduler) clear() {
	var dropped []*core.LightProc
	for i := range s.slots {
		for _, p := range s.slots[i].pinned.Drain() {
			dropped = append(dropped, p)
			s.dequeued(i)
		}
		for _, p := range s.slots[i].local.Drain() {
			dropped = append(dropped, p)
			s.dequeued(i)
		}
	}
	for _, p := range s.global.Drain() {
		dropped = append(dropped, p)
		s.load.AddGlobalRunQueue(-1)
		s.metricQueued.Add(-1)
	}
	for _, p := range dropped {
		s.metrics.RecordProcRejected(s.id, "shutting down")
		p.Drop()
	}
}

func (s *ProcScheduler) IsShuttingDown() bool { return s.shuttingDown.Load() }
func (s *ProcScheduler) WorkerCount() int     { return len(s.slots) }
func (s *ProcScheduler) QueuedProcCount() int { return int(s.metricQueued.Load()) }
func (s *ProcScheduler) ActiveProcCount() int { return int(s.metricActive.Load()) }
func (s *ProcScheduler) GlobalProcCount() int { return s.global.Len() }

// OnProcEnd marks the end of a run started by a successful GetWork.
func (s *ProcScheduler) OnProcEnd() { s.metricActive.Add(-1) }

func (s *ProcScheduler) Load() *loadbalancer.Load        { return s.load }
func (s *ProcScheduler) PanicHandler() core.PanicHandler { return s.panicHandler }
func (s *ProcScheduler) Metrics() core.Metrics           { return s.metrics }

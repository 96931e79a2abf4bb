package lightproc

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Swind/go-lightproc/core"
	"github.com/Swind/go-lightproc/loadbalancer"
	"github.com/Swind/go-lightproc/placement"
)

// ProcPool manages a set of worker goroutines
// Responsible for pulling runnable procs from its ProcScheduler and running them
type ProcPool struct {
	id        string
	workers   int
	scheduler *ProcScheduler
	balancer  *loadbalancer.LoadBalancer
	ownsLB    bool
	stackOpts []core.StackOption
	closing   atomic.Bool

	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	running   bool
	runningMu sync.RWMutex
}

// PoolOption configures a ProcPool.
type PoolOption func(*poolOptions)

type poolOptions struct {
	config    *SchedulerConfig
	balancer  *loadbalancer.LoadBalancer
	interval  time.Duration
	stackOpts []core.StackOption
}

// WithPanicHandler sets the handler for unrecovered proc panics.
func WithPanicHandler(h core.PanicHandler) PoolOption {
	return func(o *poolOptions) { o.config.PanicHandler = h }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m core.Metrics) PoolOption {
	return func(o *poolOptions) { o.config.Metrics = m }
}

// WithQueueCapacity sets the initial capacity of each worker-local queue.
func WithQueueCapacity(n int) PoolOption {
	return func(o *poolOptions) { o.config.QueueCapacity = n }
}

// WithLoadBalancer makes the pool publish into lb's Load instead of creating
// its own balancer. The pool does not start or stop lb.
func WithLoadBalancer(lb *loadbalancer.LoadBalancer) PoolOption {
	return func(o *poolOptions) { o.balancer = lb }
}

// WithSampleInterval sets the sampling interval of the pool's own balancer.
func WithSampleInterval(d time.Duration) PoolOption {
	return func(o *poolOptions) { o.interval = d }
}

// WithDefaultStackOptions adds stack options applied to every proc spawned on
// the pool, before the per-spawn options.
func WithDefaultStackOptions(opts ...core.StackOption) PoolOption {
	return func(o *poolOptions) { o.stackOpts = append(o.stackOpts, opts...) }
}

// NewProcPool creates a pool with the given number of workers.
func NewProcPool(id string, workers int, opts ...PoolOption) *ProcPool {
	if workers <= 0 {
		workers = 1
	}
	o := &poolOptions{config: DefaultSchedulerConfig()}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}

	p := &ProcPool{
		id:        id,
		workers:   workers,
		stackOpts: o.stackOpts,
	}

	lb := o.balancer
	if lb == nil {
		var lbOpts []loadbalancer.Option
		if o.interval > 0 {
			lbOpts = append(lbOpts, loadbalancer.WithSampleInterval(o.interval))
		}
		// Fixed(workers) never fails for workers > 0.
		lb, _ = loadbalancer.New(loadbalancer.NewLoad(workers), placement.Fixed(workers), lbOpts...)
		p.ownsLB = true
	}
	p.balancer = lb
	p.scheduler = NewProcScheduler(id, workers, lb.Load(), o.config)
	return p
}

// Start starts all worker goroutines
func (tg *ProcPool) Start(ctx context.Context) {
	tg.runningMu.Lock()
	defer tg.runningMu.Unlock()

	if tg.running {
		return // Already running
	}

	tg.ctx, tg.cancel = context.WithCancel(ctx)
	tg.running = true

	if tg.ownsLB {
		tg.balancer.Start(tg.ctx)
	}
	for i := 0; i < tg.workers; i++ {
		tg.wg.Add(1)
		go tg.workerLoop(i, tg.ctx)
	}
}

// Stop stops the pool. Queued procs are dropped, which cancels them; procs
// woken later are dropped as they are scheduled.
func (tg *ProcPool) Stop() {
	tg.closing.Store(true)
	// Always shut the scheduler down so queued procs are released
	// even if the pool was never started
	tg.scheduler.Shutdown()

	tg.runningMu.Lock()
	if !tg.running {
		tg.runningMu.Unlock()
		return
	}
	tg.runningMu.Unlock()

	tg.stopWorkers()
}

// StopGraceful stops accepting new procs and waits for queued and running
// procs to drain. It returns an error if timeout is exceeded, in which case the
// remaining procs are dropped.
func (tg *ProcPool) StopGraceful(timeout time.Duration) error {
	tg.closing.Store(true)

	tg.runningMu.Lock()
	if !tg.running {
		tg.runningMu.Unlock()
		tg.scheduler.Shutdown()
		return nil
	}
	tg.runningMu.Unlock()

	err := tg.scheduler.ShutdownGraceful(timeout)
	tg.stopWorkers()
	return err
}

func (tg *ProcPool) stopWorkers() {
	if tg.cancel != nil {
		tg.cancel()
	}
	tg.Join()
	if tg.ownsLB {
		tg.balancer.Stop()
	}

	tg.runningMu.Lock()
	tg.running = false
	tg.runningMu.Unlock()
}

// ID returns the ID of the pool
func (tg *ProcPool) ID() string {
	return tg.id
}

// IsRunning returns whether the pool is running
func (tg *ProcPool) IsRunning() bool {
	tg.runningMu.RLock()
	defer tg.runningMu.RUnlock()
	return tg.running
}

// workerLoop is the main loop for each worker
func (tg *ProcPool) workerLoop(id int, ctx context.Context) {
	defer tg.wg.Done()
	stopCh := ctx.Done()

	for {
		proc, ok := tg.scheduler.GetWork(id, stopCh)
		if !ok {
			return
		}

		tg.runProc(ctx, id, proc)
	}
}

// runProc runs one step of proc. A panic escaping the proc has already
// closed it; here it is only reported.
func (tg *ProcPool) runProc(ctx context.Context, worker int, proc *core.LightProc) {
	stack := proc.Stack()
	start := time.Now()
	defer func() {
		tg.scheduler.OnProcEnd()
		tg.scheduler.metrics.RecordProcRun(tg.id, stack.Priority, time.Since(start))
		if r := recover(); r != nil {
			tg.scheduler.metrics.RecordProcPanic(tg.id, r)
			tg.scheduler.panicHandler.HandlePanic(ctx, tg.id, worker, stack, r, debug.Stack())
		}
	}()
	proc.Run()
}

// Join waits for all worker goroutines to finish
func (tg *ProcPool) Join() {
	tg.wg.Wait()
}

// WorkerCount returns the number of workers
func (tg *ProcPool) WorkerCount() int {
	return tg.workers
}

func (tg *ProcPool) QueuedProcCount() int {
	return tg.scheduler.QueuedProcCount()
}

func (tg *ProcPool) ActiveProcCount() int {
	return tg.scheduler.ActiveProcCount()
}

// Schedule is the scheduling callback of procs spawned on this pool.
func (tg *ProcPool) Schedule(p *core.LightProc) {
	tg.scheduler.Schedule(p)
}

// LoadBalancer returns the balancer whose statistics this pool publishes.
func (tg *ProcPool) LoadBalancer() *loadbalancer.LoadBalancer {
	return tg.balancer
}

// Stats returns a snapshot of the pool state.
func (tg *ProcPool) Stats() core.PoolStats {
	return core.PoolStats{
		ID:      tg.id,
		Workers: tg.workers,
		Queued:  tg.scheduler.QueuedProcCount(),
		Global:  tg.scheduler.GlobalProcCount(),
		Active:  tg.scheduler.ActiveProcCount(),
		Running: tg.IsRunning(),
	}
}

func (tg *ProcPool) stack(opts []core.StackOption) core.ProcStack {
	if len(tg.stackOpts) == 0 {
		return core.NewProcStack(opts...)
	}
	all := make([]core.StackOption, 0, len(tg.stackOpts)+len(opts))
	all = append(all, tg.stackOpts...)
	all = append(all, opts...)
	return core.NewProcStack(all...)
}

// submit schedules proc, or drops it when the pool no longer accepts work.
func (tg *ProcPool) submit(proc *core.LightProc) {
	if tg.closing.Load() {
		tg.scheduler.metrics.RecordProcRejected(tg.id, "pool closed")
		proc.Drop()
		return
	}
	proc.Schedule()
}

// Spawn builds a proc for future on pool and schedules it. If the pool is
// stopping the returned handle resolves to core.ErrCancelled.
func Spawn[R any](pool *ProcPool, future core.Future[R], opts ...core.StackOption) *core.ProcHandle[R] {
	proc, handle := core.Build(future, pool.Schedule, pool.stack(opts))
	pool.submit(proc)
	return handle
}

// SpawnRecoverable is Spawn with panics delivered through the handle as
// *core.PanicError instead of reaching the worker.
func SpawnRecoverable[R any](pool *ProcPool, future core.Future[R], opts ...core.StackOption) *core.RecoverableHandle[R] {
	proc, handle := core.Recoverable(future, pool.Schedule, pool.stack(opts))
	pool.submit(proc)
	return handle
}

// Go runs fn as a proc on pool.
func Go[R any](pool *ProcPool, fn func() R, opts ...core.StackOption) *core.ProcHandle[R] {
	return Spawn(pool, core.FromFunc(fn), opts...)
}

// =============================================================================
// Global Pool Helper (Singleton)
// =============================================================================

var (
	globalPool *ProcPool
	globalMu   sync.Mutex
)

// InitGlobalPool initializes the global pool and starts it immediately. The
// pool publishes into the process-wide load statistics. A non-positive workers
// uses one worker per execution unit.
func InitGlobalPool(workers int, opts ...PoolOption) {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalPool != nil {
		return // Already initialized
	}

	lb := loadbalancer.Global()
	if workers <= 0 {
		workers = lb.Units()
	}
	opts = append([]PoolOption{WithLoadBalancer(lb)}, opts...)
	globalPool = NewProcPool("global-pool", workers, opts...)
	globalPool.Start(context.Background())
}

// GetGlobalPool returns the global pool instance.
// It panics if InitGlobalPool has not been called.
func GetGlobalPool() *ProcPool {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalPool == nil {
		panic("lightproc: global pool not initialized, call InitGlobalPool first")
	}
	return globalPool
}

// ShutdownGlobalPool stops the global pool.
func ShutdownGlobalPool() {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalPool != nil {
		globalPool.Stop()
		globalPool = nil
	}
}

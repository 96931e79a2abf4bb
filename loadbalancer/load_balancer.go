// Package loadbalancer keeps the process-wide load statistics used to place
// runnable procs: per-core queue depths written by workers and a mean level
// republished by a background sampler.
package loadbalancer

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Swind/go-lightproc/core"
	"github.com/Swind/go-lightproc/placement"
)

// DefaultSampleInterval is the pause between two sampling cycles.
const DefaultSampleInterval = 10 * time.Millisecond

// ErrNoExecutionUnits is returned when the enumerator reports no unit to
// average over.
var ErrNoExecutionUnits = errors.New("loadbalancer: no execution units")

// LoadBalancer periodically recomputes the mean level of a Load.
type LoadBalancer struct {
	load     *Load
	units    int
	interval time.Duration
	logger   core.Logger

	cycles  atomic.Uint64
	skipped atomic.Uint64

	stateMu sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// Option configures a LoadBalancer.
type Option func(*LoadBalancer)

func WithSampleInterval(d time.Duration) Option {
	return func(b *LoadBalancer) {
		if d > 0 {
			b.interval = d
		}
	}
}

func WithLogger(l core.Logger) Option {
	return func(b *LoadBalancer) {
		if l != nil {
			b.logger = l
		}
	}
}

// New creates a sampler for load averaging over the units reported by enumerate.
// It fails with ErrNoExecutionUnits when enumeration fails or reports nothing.
func New(load *Load, enumerate placement.Enumerator, opts ...Option) (*LoadBalancer, error) {
	if load == nil {
		return nil, errors.New("loadbalancer: nil load")
	}
	if enumerate == nil {
		enumerate = placement.CoreIDs
	}
	ids, err := enumerate()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoExecutionUnits, err)
	}
	if len(ids) == 0 {
		return nil, ErrNoExecutionUnits
	}

	b := &LoadBalancer{
		load:     load,
		units:    len(ids),
		interval: DefaultSampleInterval,
		logger:   core.GetLogger(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b, nil
}

// Load returns the statistics this balancer samples.
func (b *LoadBalancer) Load() *Load { return b.load }

// Units returns the number of execution units the mean is computed over.
func (b *LoadBalancer) Units() int { return b.units }

// Cycles returns the number of sampling cycles run so far, skipped ones included.
func (b *LoadBalancer) Cycles() uint64 { return b.cycles.Load() }

// Skipped returns the number of cycles skipped because the lock was contended.
func (b *LoadBalancer) Skipped() uint64 { return b.skipped.Load() }

// SampleOnce runs one sampling cycle. It never blocks: if the statistics are
// locked it records a skip and returns false.
func (b *LoadBalancer) SampleOnce() bool {
	b.cycles.Add(1)
	if b.load.tryUpdateMean(b.units) {
		return true
	}
	b.skipped.Add(1)
	return false
}

// Start launches the sampling loop on a dedicated OS thread; repeated calls are no-ops.
func (b *LoadBalancer) Start(ctx context.Context) {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()

	if b.running {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.done = make(chan struct{})
	b.running = true

	b.logger.Debug("load balancer started",
		core.F("units", b.units),
		core.F("interval", b.interval))

	go b.loop(loopCtx, b.done)
}

// Stop stops the sampling loop; repeated calls are safe.
func (b *LoadBalancer) Stop() {
	b.stateMu.Lock()
	if !b.running {
		b.stateMu.Unlock()
		return
	}
	cancel, done := b.cancel, b.done
	b.running, b.cancel, b.done = false, nil, nil
	b.stateMu.Unlock()

	cancel()
	<-done
}

func (b *LoadBalancer) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	timer := time.NewTimer(b.interval)
	defer timer.Stop()

	for {
		if !b.SampleOnce() {
			b.logger.Debug("load balancer sample skipped", core.F("skipped", b.Skipped()))
		}

		timer.Reset(b.interval)
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		// Give workers the processor before the next sample.
		runtime.Gosched()
	}
}

// =============================================================================
// Process-wide balancer (lazy singleton)
// =============================================================================

// lazyBalancer starts a balancer on first use and remembers the outcome,
// including a failure.
type lazyBalancer struct {
	once sync.Once
	mu   sync.Mutex
	opts []Option
	done bool
	lb   *LoadBalancer
	err  error
}

func (l *lazyBalancer) configure(opts []Option) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done {
		return false
	}
	l.opts = append([]Option(nil), opts...)
	return true
}

// get returns the balancer, starting it over enumerate on the first call.
// A failed start panics on the first call and on every later one.
func (l *lazyBalancer) get(enumerate placement.Enumerator) *LoadBalancer {
	l.once.Do(func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.done = true

		l.lb, l.err = startBalancer(enumerate, l.opts)
		if l.err != nil {
			core.GetLogger().Error("load balancer couldn't start", core.F("error", l.err))
		}
	})
	if l.err != nil {
		panic(fmt.Sprintf("loadbalancer: couldn't start: %v", l.err))
	}
	return l.lb
}

func startBalancer(enumerate placement.Enumerator, opts []Option) (*LoadBalancer, error) {
	ids, err := enumerate()
	if err != nil {
		return nil, err
	}
	lb, err := New(NewLoad(len(ids)), func() ([]int, error) { return ids, nil }, opts...)
	if err != nil {
		return nil, err
	}
	lb.Start(context.Background())
	return lb, nil
}

var global lazyBalancer

// ConfigureGlobal sets the options used when the process-wide balancer is
// created. It reports false if the balancer already exists.
func ConfigureGlobal(opts ...Option) bool {
	return global.configure(opts)
}

// Global returns the process-wide balancer. The first call creates its Load
// over placement.CoreIDs and starts the sampler, which then runs for the life
// of the process. Failing to start is fatal.
func Global() *LoadBalancer {
	return global.get(placement.CoreIDs)
}

// GlobalLoad returns the process-wide statistics, starting the sampler on first use.
func GlobalLoad() *Load {
	return Global().Load()
}

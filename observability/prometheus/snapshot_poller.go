package prometheus

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/Swind/go-lightproc/core"
	"github.com/Swind/go-lightproc/loadbalancer"
	prom "github.com/prometheus/client_golang/prometheus"
)

// LoadSnapshotProvider provides current load balancer stats snapshots.
type LoadSnapshotProvider interface {
	Snapshot() loadbalancer.Stats
}

// PoolSnapshotProvider provides current pool stats snapshots.
type PoolSnapshotProvider interface {
	Stats() core.PoolStats
}

// SnapshotPoller periodically exports load and pool snapshots into Prometheus gauges.
type SnapshotPoller struct {
	interval time.Duration

	loadsMu sync.RWMutex
	loads   map[string]LoadSnapshotProvider

	poolsMu sync.RWMutex
	pools   map[string]PoolSnapshotProvider

	loadMean   *prom.GaugeVec
	loadGlobal *prom.GaugeVec
	loadCore   *prom.GaugeVec

	poolQueued  *prom.GaugeVec
	poolGlobal  *prom.GaugeVec
	poolActive  *prom.GaugeVec
	poolWorkers *prom.GaugeVec
	poolRunning *prom.GaugeVec

	liveProcs prom.Gauge

	stateMu sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSnapshotPoller creates a snapshot poller and registers its collectors.
func NewSnapshotPoller(reg prom.Registerer, interval time.Duration) (*SnapshotPoller, error) {
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	if interval <= 0 {
		interval = time.Second
	}

	loadMean := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: "lightproc",
		Name:      "load_mean_level",
		Help:      "Mean per-core run queue depth at the last sample.",
	}, []string{"load"})
	loadGlobal := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: "lightproc",
		Name:      "load_global_run_queue",
		Help:      "Depth of the global run queue.",
	}, []string{"load"})
	loadCore := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: "lightproc",
		Name:      "load_core_run_queue",
		Help:      "Depth of each core-local run queue.",
	}, []string{"load", "core"})

	poolQueued := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: "lightproc",
		Name:      "pool_queued",
		Help:      "Queued procs per pool.",
	}, []string{"pool"})
	poolGlobal := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: "lightproc",
		Name:      "pool_global_queued",
		Help:      "Procs waiting in the pool global queue.",
	}, []string{"pool"})
	poolActive := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: "lightproc",
		Name:      "pool_active",
		Help:      "Procs currently being run per pool.",
	}, []string{"pool"})
	poolWorkers := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: "lightproc",
		Name:      "pool_workers",
		Help:      "Worker count per pool.",
	}, []string{"pool"})
	poolRunning := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: "lightproc",
		Name:      "pool_running",
		Help:      "Pool running state (1=running, 0=stopped).",
	}, []string{"pool"})

	liveProcs := prom.NewGauge(prom.GaugeOpts{
		Namespace: "lightproc",
		Name:      "live_procs",
		Help:      "Procs allocated and not yet released.",
	})

	var err error
	if loadMean, err = registerCollector(reg, loadMean); err != nil {
		return nil, err
	}
	if loadGlobal, err = registerCollector(reg, loadGlobal); err != nil {
		return nil, err
	}
	if loadCore, err = registerCollector(reg, loadCore); err != nil {
		return nil, err
	}
	if poolQueued, err = registerCollector(reg, poolQueued); err != nil {
		return nil, err
	}
	if poolGlobal, err = registerCollector(reg, poolGlobal); err != nil {
		return nil, err
	}
	if poolActive, err = registerCollector(reg, poolActive); err != nil {
		return nil, err
	}
	if poolWorkers, err = registerCollector(reg, poolWorkers); err != nil {
		return nil, err
	}
	if poolRunning, err = registerCollector(reg, poolRunning); err != nil {
		return nil, err
	}
	if liveProcs, err = registerCollector(reg, liveProcs); err != nil {
		return nil, err
	}

	return &SnapshotPoller{
		interval:    interval,
		loads:       make(map[string]LoadSnapshotProvider),
		pools:       make(map[string]PoolSnapshotProvider),
		loadMean:    loadMean,
		loadGlobal:  loadGlobal,
		loadCore:    loadCore,
		poolQueued:  poolQueued,
		poolGlobal:  poolGlobal,
		poolActive:  poolActive,
		poolWorkers: poolWorkers,
		poolRunning: poolRunning,
		liveProcs:   liveProcs,
	}, nil
}

// AddLoad adds or replaces a load statistics provider by name.
func (p *SnapshotPoller) AddLoad(name string, provider LoadSnapshotProvider) {
	if p == nil || provider == nil {
		return
	}
	name = normalizeLabel(name, "load")
	p.loadsMu.Lock()
	p.loads[name] = provider
	p.loadsMu.Unlock()
}

// AddPool adds or replaces a pool snapshot provider by name.
func (p *SnapshotPoller) AddPool(name string, provider PoolSnapshotProvider) {
	if p == nil || provider == nil {
		return
	}
	name = normalizeLabel(name, "pool")
	p.poolsMu.Lock()
	p.pools[name] = provider
	p.poolsMu.Unlock()
}

// Start begins periodic polling; repeated calls are no-ops.
func (p *SnapshotPoller) Start(ctx context.Context) {
	if p == nil {
		return
	}

	p.stateMu.Lock()
	if p.running {
		p.stateMu.Unlock()
		return
	}
	pollCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true
	p.stateMu.Unlock()

	go p.loop(pollCtx)
}

// Stop stops periodic polling; repeated calls are safe.
func (p *SnapshotPoller) Stop() {
	if p == nil {
		return
	}

	p.stateMu.Lock()
	if !p.running {
		p.stateMu.Unlock()
		return
	}
	cancel := p.cancel
	done := p.done
	p.stateMu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	p.stateMu.Lock()
	p.running = false
	p.cancel = nil
	p.done = nil
	p.stateMu.Unlock()
}

func (p *SnapshotPoller) loop(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.collectOnce()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.collectOnce()
		}
	}
}

func (p *SnapshotPoller) collectOnce() {
	p.liveProcs.Set(float64(core.LiveProcs()))

	p.loadsMu.RLock()
	for name, provider := range p.loads {
		stats := provider.Snapshot()
		p.loadMean.WithLabelValues(name).Set(float64(stats.MeanLevel))
		p.loadGlobal.WithLabelValues(name).Set(float64(stats.GlobalRunQueue))
		for id, depth := range stats.SMPQueues {
			p.loadCore.WithLabelValues(name, strconv.Itoa(id)).Set(float64(depth))
		}
	}
	p.loadsMu.RUnlock()

	p.poolsMu.RLock()
	for name, provider := range p.pools {
		stats := provider.Stats()
		p.poolQueued.WithLabelValues(name).Set(float64(stats.Queued))
		p.poolGlobal.WithLabelValues(name).Set(float64(stats.Global))
		p.poolActive.WithLabelValues(name).Set(float64(stats.Active))
		p.poolWorkers.WithLabelValues(name).Set(float64(stats.Workers))
		if stats.Running {
			p.poolRunning.WithLabelValues(name).Set(1)
		} else {
			p.poolRunning.WithLabelValues(name).Set(0)
		}
	}
	p.poolsMu.RUnlock()
}

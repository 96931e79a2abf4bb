package prometheus

import (
	"errors"
	"fmt"
	"time"

	"github.com/Swind/go-lightproc/core"
	prom "github.com/prometheus/client_golang/prometheus"
)

// ExporterOptions controls collector configuration.
type ExporterOptions struct {
	DurationBuckets []float64
}

// MetricsExporter adapts core.Metrics to Prometheus collectors. The stack
// options returned by StackOptions add per-proc lifecycle counters on top of
// the per-run figures reported by a pool.
type MetricsExporter struct {
	runSeconds *prom.HistogramVec // pool, priority
	panics     *prom.CounterVec   // pool, kind
	rejected   *prom.CounterVec   // pool, reason
	queued     *prom.GaugeVec     // pool
	started    *prom.CounterVec   // pool, priority
	outcomes   *prom.CounterVec   // pool, outcome
}

var _ core.Metrics = (*MetricsExporter)(nil)

// NewMetricsExporter creates and registers the collectors under namespace,
// "lightproc" when empty. Collectors already registered on reg are reused.
func NewMetricsExporter(namespace string, reg prom.Registerer, opts ExporterOptions) (*MetricsExporter, error) {
	if namespace == "" {
		namespace = "lightproc"
	}
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	buckets := opts.DurationBuckets
	if len(buckets) == 0 {
		buckets = prom.DefBuckets
	}

	b := &collectorSet{namespace: namespace, reg: reg}
	m := &MetricsExporter{
		runSeconds: b.histogram("proc_run_duration_seconds",
			"Duration of a single proc run step in seconds.", buckets, "pool", "priority"),
		panics: b.counter("proc_panic_total",
			"Unrecovered proc panics by panic value kind.", "pool", "kind"),
		rejected: b.counter("proc_rejected_total",
			"Procs dropped instead of queued.", "pool", "reason"),
		queued: b.gauge("queue_depth",
			"Procs currently queued.", "pool"),
		started: b.counter("proc_started_total",
			"Procs polled for the first time.", "pool", "priority"),
		outcomes: b.counter("proc_outcome_total",
			"Procs finished, by outcome.", "pool", "outcome"),
	}
	if b.err != nil {
		return nil, b.err
	}
	return m, nil
}

// RecordProcRun records the duration of one run step.
func (m *MetricsExporter) RecordProcRun(poolID string, priority core.Priority, duration time.Duration) {
	if m == nil {
		return
	}
	m.runSeconds.WithLabelValues(normalizeLabel(poolID, "unknown"), priority.String()).Observe(duration.Seconds())
}

// RecordProcPanic counts an unrecovered panic under the kind of its value.
func (m *MetricsExporter) RecordProcPanic(poolID string, panicInfo any) {
	if m == nil {
		return
	}
	m.panics.WithLabelValues(normalizeLabel(poolID, "unknown"), panicKind(panicInfo)).Inc()
}

// RecordQueueDepth records queue depth.
func (m *MetricsExporter) RecordQueueDepth(poolID string, depth int) {
	if m == nil {
		return
	}
	m.queued.WithLabelValues(normalizeLabel(poolID, "unknown")).Set(float64(depth))
}

// RecordProcRejected records a proc dropped instead of queued.
func (m *MetricsExporter) RecordProcRejected(poolID string, reason string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(normalizeLabel(poolID, "unknown"), normalizeLabel(reason, "unknown")).Inc()
}

// StackOptions returns hooks counting first polls and outcomes of the procs
// they are attached to, usually through lightproc.WithDefaultStackOptions.
func (m *MetricsExporter) StackOptions(poolID string) []core.StackOption {
	if m == nil {
		return nil
	}
	pool := normalizeLabel(poolID, "unknown")
	outcome := func(name string) core.Hook {
		c := m.outcomes.WithLabelValues(pool, name)
		return func(*core.ProcStack) { c.Inc() }
	}
	return []core.StackOption{
		core.WithBeforeStart(func(s *core.ProcStack) {
			m.started.WithLabelValues(pool, s.Priority.String()).Inc()
		}),
		core.WithAfterComplete(outcome("completed")),
		core.WithAfterPanic(outcome("panicked")),
		core.WithAfterCancel(outcome("cancelled")),
	}
}

// panicKind keeps the kind label to a fixed set.
func panicKind(v any) string {
	switch v.(type) {
	case nil:
		return "nil"
	case *core.ContractViolation:
		return "contract_violation"
	case error:
		return "error"
	case string:
		return "string"
	default:
		return "other"
	}
}

func normalizeLabel(v string, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

// collectorSet registers collectors under one namespace and keeps the first error.
type collectorSet struct {
	namespace string
	reg       prom.Registerer
	err       error
}

func (c *collectorSet) histogram(name, help string, buckets []float64, labels ...string) *prom.HistogramVec {
	return register(c, prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: c.namespace, Name: name, Help: help, Buckets: buckets,
	}, labels))
}

func (c *collectorSet) counter(name, help string, labels ...string) *prom.CounterVec {
	return register(c, prom.NewCounterVec(prom.CounterOpts{
		Namespace: c.namespace, Name: name, Help: help,
	}, labels))
}

func (c *collectorSet) gauge(name, help string, labels ...string) *prom.GaugeVec {
	return register(c, prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: c.namespace, Name: name, Help: help,
	}, labels))
}

func register[T prom.Collector](c *collectorSet, collector T) T {
	if c.err != nil {
		return collector
	}
	collector, c.err = registerCollector(c.reg, collector)
	return collector
}

func registerCollector[T prom.Collector](reg prom.Registerer, collector T) (T, error) {
	err := reg.Register(collector)
	if err == nil {
		return collector, nil
	}

	var alreadyRegisteredErr prom.AlreadyRegisteredError
	if errors.As(err, &alreadyRegisteredErr) {
		existing, ok := alreadyRegisteredErr.ExistingCollector.(T)
		if !ok {
			return collector, fmt.Errorf("collector type mismatch for %T", collector)
		}
		return existing, nil
	}

	return collector, err
}

package loadbalancer

import (
	"maps"
	"sync"
)

// Stats is a point-in-time copy of the load statistics.
type Stats struct {
	// GlobalRunQueue is the depth of the shared run queue.
	GlobalRunQueue int
	// MeanLevel is the mean per-core queue depth at the last sample.
	MeanLevel int
	// SMPQueues maps a core index to the depth of its local run queue.
	SMPQueues map[int]int
}

// Load is the shared statistics object. Queue depths are written by the worker
// pool; MeanLevel is written only by the LoadBalancer sampling it.
type Load struct {
	mu    sync.RWMutex
	stats Stats
}

// NewLoad creates an empty Load sized for the given number of cores.
func NewLoad(cores int) *Load {
	return &Load{
		stats: Stats{SMPQueues: make(map[int]int, max(cores, 0))},
	}
}

// Snapshot returns a copy of the current statistics.
func (l *Load) Snapshot() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s := l.stats
	s.SMPQueues = maps.Clone(l.stats.SMPQueues)
	return s
}

// MeanLevel returns the mean published by the last successful sample.
func (l *Load) MeanLevel() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.stats.MeanLevel
}

func (l *Load) GlobalRunQueue() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.stats.GlobalRunQueue
}

func (l *Load) CoreQueue(core int) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.stats.SMPQueues[core]
}

func (l *Load) SetCoreQueue(core, depth int) {
	l.mu.Lock()
	l.stats.SMPQueues[core] = depth
	l.mu.Unlock()
}

func (l *Load) AddCoreQueue(core, delta int) {
	l.mu.Lock()
	l.stats.SMPQueues[core] += delta
	l.mu.Unlock()
}

func (l *Load) SetGlobalRunQueue(depth int) {
	l.mu.Lock()
	l.stats.GlobalRunQueue = depth
	l.mu.Unlock()
}

func (l *Load) AddGlobalRunQueue(delta int) {
	l.mu.Lock()
	l.stats.GlobalRunQueue += delta
	l.mu.Unlock()
}

// tryUpdateMean republishes the mean over units without blocking. It reports
// false when the lock is contended and the sample was skipped.
func (l *Load) tryUpdateMean(units int) bool {
	if !l.mu.TryLock() {
		return false
	}
	defer l.mu.Unlock()

	sum := 0
	for _, depth := range l.stats.SMPQueues {
		sum += depth
	}
	l.stats.MeanLevel = sum / units
	return true
}

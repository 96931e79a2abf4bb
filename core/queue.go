package core

import (
	"container/heap"
	"sync"
)

const (
	defaultQueueCap     = 16
	compactMinCap       = 64 // Don't compact if capacity is less than this
	compactShrinkFactor = 4  // Trigger compaction when len < cap/4
)

// ProcQueue is a run queue of runnable procs.
type ProcQueue interface {
	Push(p *LightProc)
	Pop() (*LightProc, bool)
	PopUpTo(max int) []*LightProc
	Len() int
	IsEmpty() bool
	MaybeCompact()
	// Drain removes every queued proc and returns them; the caller owns them.
	Drain() []*LightProc
}

// =============================================================================
// FIFOProcQueue
// =============================================================================

type FIFOProcQueue struct {
	mu    sync.Mutex
	procs []*LightProc
}

func NewFIFOProcQueue() *FIFOProcQueue {
	return NewFIFOProcQueueSize(defaultQueueCap)
}

// NewFIFOProcQueueSize creates a FIFO queue with the given initial capacity.
// Non-positive sizes use the default.
func NewFIFOProcQueueSize(capacity int) *FIFOProcQueue {
	if capacity <= 0 {
		capacity = defaultQueueCap
	}
	return &FIFOProcQueue{
		procs: make([]*LightProc, 0, capacity),
	}
}

func (q *FIFOProcQueue) Push(p *LightProc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.procs = append(q.procs, p)
}

func (q *FIFOProcQueue) Pop() (*LightProc, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.procs) == 0 {
		return nil, false
	}

	p := q.procs[0]
	// Zero out the element in the underlying array so the proc can be collected
	q.procs[0] = nil
	q.procs = q.procs[1:]
	q.maybeCompactLocked()

	return p, true
}

func (q *FIFOProcQueue) PopUpTo(max int) []*LightProc {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.procs)
	if n == 0 || max <= 0 {
		return nil
	}
	if n > max {
		n = max
	}

	batch := make([]*LightProc, n)
	copy(batch, q.procs[:n])
	for i := range n {
		q.procs[i] = nil
	}

	q.procs = q.procs[n:]
	q.maybeCompactLocked()

	return batch
}

func (q *FIFOProcQueue) MaybeCompact() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.maybeCompactLocked()
}

func (q *FIFOProcQueue) maybeCompactLocked() {
	n := len(q.procs)
	c := cap(q.procs)

	if c < compactMinCap {
		return
	}
	if n == 0 {
		q.procs = make([]*LightProc, 0, defaultQueueCap)
		return
	}
	if n*compactShrinkFactor >= c {
		return
	}

	newCap := max(max(c/2, defaultQueueCap), n)

	newSlice := make([]*LightProc, n, newCap)
	copy(newSlice, q.procs)
	q.procs = newSlice
}

func (q *FIFOProcQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.procs)
}

func (q *FIFOProcQueue) IsEmpty() bool {
	return q.Len() == 0
}

func (q *FIFOProcQueue) Drain() []*LightProc {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.procs
	q.procs = make([]*LightProc, 0, defaultQueueCap)
	return out
}

// =============================================================================
// PriorityProcQueue: Min-Heap ordered by stack priority, FIFO within a priority
// =============================================================================

type priorityItem struct {
	proc     *LightProc
	priority Priority
	sequence uint64
}

type priorityHeap []*priorityItem

func (h priorityHeap) Len() int { return len(h) }

func (h priorityHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].sequence < h[j].sequence
}

func (h priorityHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *priorityHeap) Push(x any) {
	*h = append(*h, x.(*priorityItem))
}

func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil // Avoid memory leak
	*h = old[0 : n-1]
	return item
}

type PriorityProcQueue struct {
	mu           sync.Mutex
	pq           priorityHeap
	nextSequence uint64
}

func NewPriorityProcQueue() *PriorityProcQueue {
	return &PriorityProcQueue{
		pq: make(priorityHeap, 0, defaultQueueCap),
	}
}

func (q *PriorityProcQueue) Push(p *LightProc) {
	q.mu.Lock()
	defer q.mu.Unlock()

	heap.Push(&q.pq, &priorityItem{
		proc:     p,
		priority: p.Stack().Priority,
		sequence: q.nextSequence,
	})
	q.nextSequence++
}

func (q *PriorityProcQueue) Pop() (*LightProc, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pq) == 0 {
		return nil, false
	}
	return heap.Pop(&q.pq).(*priorityItem).proc, true
}

func (q *PriorityProcQueue) PopUpTo(max int) []*LightProc {
	q.mu.Lock()
	defer q.mu.Unlock()

	count := min(len(q.pq), max)
	if count <= 0 {
		return nil
	}

	batch := make([]*LightProc, count)
	for i := range count {
		batch[i] = heap.Pop(&q.pq).(*priorityItem).proc
	}
	return batch
}

func (q *PriorityProcQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pq)
}

func (q *PriorityProcQueue) IsEmpty() bool {
	return q.Len() == 0
}

// MaybeCompact is a no-op; the heap slice is managed by container/heap.
func (q *PriorityProcQueue) MaybeCompact() {}

func (q *PriorityProcQueue) Drain() []*LightProc {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*LightProc, 0, len(q.pq))
	for len(q.pq) > 0 {
		out = append(out, heap.Pop(&q.pq).(*priorityItem).proc)
	}
	q.nextSequence = 0
	return out
}

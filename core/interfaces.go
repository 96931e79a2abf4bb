package core

import (
	"context"
	"time"
)

// =============================================================================
// PanicHandler: Interface for handling unrecovered proc panics
// =============================================================================

// PanicHandler is called when a proc panics on a worker and the panic was not
// captured by a recoverable proc. By then the proc is already closed and its
// output handle observes cancellation.
//
// Implementations should be thread-safe as they may be called concurrently.
type PanicHandler interface {
	// HandlePanic is called when a proc panics.
	//
	// Parameters:
	// - ctx: The worker context
	// - poolID: The pool whose worker ran the proc
	// - workerID: The ID of the worker
	// - stack: The metadata of the panicking proc
	// - panicInfo: The panic value recovered from the proc
	// - stackTrace: The stack trace at the time of panic
	HandlePanic(ctx context.Context, poolID string, workerID int, stack *ProcStack, panicInfo any, stackTrace []byte)
}

// DefaultPanicHandler reports panics through the package logger.
type DefaultPanicHandler struct{}

// HandlePanic logs panic information at error level.
func (h *DefaultPanicHandler) HandlePanic(ctx context.Context, poolID string, workerID int, stack *ProcStack, panicInfo any, stackTrace []byte) {
	GetLogger().Error("lightproc: proc panicked",
		F("pool", poolID),
		F("worker", workerID),
		F("pid", stack.PID),
		F("name", stack.Name),
		F("panic", panicInfo),
		F("stack", string(stackTrace)))
}

// =============================================================================
// Metrics: Interface for observability and monitoring
// =============================================================================

// Metrics defines the interface for collecting proc execution metrics.
// Methods should be non-blocking and fast to avoid impacting the run loop.
type Metrics interface {
	// RecordProcRun records how long one Run step took.
	RecordProcRun(poolID string, priority Priority, duration time.Duration)

	// RecordProcPanic records that a proc panicked on a worker.
	RecordProcPanic(poolID string, panicInfo any)

	// RecordQueueDepth records the total number of queued procs.
	RecordQueueDepth(poolID string, depth int)

	// RecordProcRejected records that a proc was dropped instead of queued.
	RecordProcRejected(poolID string, reason string)
}

// NilMetrics provides a no-op metrics implementation that does nothing.
// This is the default when no metrics interface is provided.
type NilMetrics struct{}

func (m *NilMetrics) RecordProcRun(poolID string, priority Priority, duration time.Duration) {}
func (m *NilMetrics) RecordProcPanic(poolID string, panicInfo any)                           {}
func (m *NilMetrics) RecordQueueDepth(poolID string, depth int)                              {}
func (m *NilMetrics) RecordProcRejected(poolID string, reason string)                        {}

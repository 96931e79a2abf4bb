package core

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// =============================================================================
// Priority: placement hint carried by a proc
// =============================================================================

type Priority int

const (
	// PriorityBestEffort: Lowest priority
	PriorityBestEffort Priority = iota

	// PriorityUserVisible: Default priority
	PriorityUserVisible

	// PriorityUserBlocking: Highest priority
	PriorityUserBlocking
)

func (p Priority) String() string {
	switch p {
	case PriorityBestEffort:
		return "best_effort"
	case PriorityUserVisible:
		return "user_visible"
	case PriorityUserBlocking:
		return "user_blocking"
	default:
		return "unknown"
	}
}

// AnyCore means the proc has no affinity to a particular execution unit.
const AnyCore = -1

// NewID generates proc identities. Override in tests for determinism.
var NewID = uuid.New

var nextPID atomic.Uint64

// =============================================================================
// ProcStack: metadata owned inline by one proc
// =============================================================================

// Hook is a before/after-run extension point. Hooks run on the goroutine that
// drives the proc and must not block.
type Hook func(stack *ProcStack)

// ProcStack is the plain metadata attached to a proc. It is copied into the
// proc allocation at build time and read by hooks; only one runner touches it
// at a time.
type ProcStack struct {
	ID       uuid.UUID
	PID      uint64
	Name     string
	Priority Priority
	Affinity int

	beforeStart   Hook
	afterComplete Hook
	afterPanic    Hook
	afterCancel   Hook
}

// StackOption configures a ProcStack.
type StackOption func(*ProcStack)

// NewProcStack returns a stack with a fresh identity, default priority and no affinity.
func NewProcStack(opts ...StackOption) ProcStack {
	s := ProcStack{
		ID:       NewID(),
		PID:      nextPID.Add(1),
		Priority: PriorityUserVisible,
		Affinity: AnyCore,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&s)
		}
	}
	return s
}

func WithName(name string) StackOption {
	return func(s *ProcStack) { s.Name = name }
}

func WithPID(pid uint64) StackOption {
	return func(s *ProcStack) { s.PID = pid }
}

func WithPriority(p Priority) StackOption {
	return func(s *ProcStack) { s.Priority = p }
}

// WithAffinity pins the proc to the execution unit with the given index.
func WithAffinity(core int) StackOption {
	return func(s *ProcStack) { s.Affinity = core }
}

// WithBeforeStart registers a hook fired right before the first poll.
// Hooks of the same kind are chained in registration order.
func WithBeforeStart(h Hook) StackOption {
	return func(s *ProcStack) { s.beforeStart = chain(s.beforeStart, h) }
}

// WithAfterComplete registers a hook fired once the future returned ready.
// A panic caught by Recoverable fires AfterPanic instead.
func WithAfterComplete(h Hook) StackOption {
	return func(s *ProcStack) { s.afterComplete = chain(s.afterComplete, h) }
}

// WithAfterPanic registers a hook fired when the future panics, either
// unrecovered or caught by a recoverable proc.
func WithAfterPanic(h Hook) StackOption {
	return func(s *ProcStack) { s.afterPanic = chain(s.afterPanic, h) }
}

// WithAfterCancel registers a hook fired when a live future is dropped because
// the proc was closed.
func WithAfterCancel(h Hook) StackOption {
	return func(s *ProcStack) { s.afterCancel = chain(s.afterCancel, h) }
}

func chain(prev, next Hook) Hook {
	if prev == nil {
		return next
	}
	if next == nil {
		return prev
	}
	return func(s *ProcStack) {
		prev(s)
		next(s)
	}
}

// fire runs h, recovering and logging a panicking hook so it cannot corrupt
// the proc state machine.
func (s *ProcStack) fire(name string, h Hook) {
	if h == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			GetLogger().Error("lightproc: hook panicked",
				F("hook", name),
				F("pid", s.PID),
				F("panic", r))
		}
	}()
	h(s)
}

func (s *ProcStack) String() string {
	return fmt.Sprintf("ProcStack{pid: %d, id: %s, name: %q, priority: %s, affinity: %d}",
		s.PID, s.ID, s.Name, s.Priority, s.Affinity)
}

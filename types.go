package lightproc

import "github.com/Swind/go-lightproc/core"

// Re-export commonly used types from core package for convenience.
// This allows users to import only the lightproc package for most use cases.

// Future is a value computed by repeated polling
type Future[R any] = core.Future[R]

// FutureFunc adapts a poll function to Future
type FutureFunc[R any] = core.FutureFunc[R]

// Waker re-schedules a suspended proc
type Waker = core.Waker

// LightProc is the runnable handle of a proc
type LightProc = core.LightProc

// ProcHandle is the output handle of a proc
type ProcHandle[R any] = core.ProcHandle[R]

// RecoverableHandle is the output handle of a proc whose panics are captured
type RecoverableHandle[R any] = core.RecoverableHandle[R]

// ProcStack is the metadata attached to a proc
type ProcStack = core.ProcStack

// StackOption configures a ProcStack
type StackOption = core.StackOption

// Priority orders procs in the global queue
type Priority = core.Priority

// State is the lifecycle bit set of a proc
type State = core.State

// PanicError carries a panic captured by a recoverable proc
type PanicError = core.PanicError

// Priority constants
const (
	PriorityBestEffort   Priority = core.PriorityBestEffort
	PriorityUserVisible  Priority = core.PriorityUserVisible
	PriorityUserBlocking Priority = core.PriorityUserBlocking
)

// AnyCore means no affinity
const AnyCore = core.AnyCore

// Errors surfaced by output handles
var (
	ErrCancelled   = core.ErrCancelled
	ErrPanicked    = core.ErrPanicked
	ErrOutputTaken = core.ErrOutputTaken
)

// Stack options
var (
	NewProcStack      = core.NewProcStack
	WithName          = core.WithName
	WithPID           = core.WithPID
	WithPriority      = core.WithPriority
	WithAffinity      = core.WithAffinity
	WithBeforeStart   = core.WithBeforeStart
	WithAfterComplete = core.WithAfterComplete
	WithAfterPanic    = core.WithAfterPanic
	WithAfterCancel   = core.WithAfterCancel
	NewWaker          = core.NewWaker
)

// Ready returns a future that completes with v on its first poll.
func Ready[R any](v R) Future[R] {
	return core.Ready(v)
}

// FromFunc returns a future that calls fn on its first poll.
func FromFunc[R any](fn func() R) Future[R] {
	return core.FromFunc(fn)
}

// Build allocates a proc without scheduling it. It is re-exported for users
// who drive procs with their own scheduling callback.
func Build[R any](future Future[R], schedule func(*LightProc), stack ProcStack) (*LightProc, *ProcHandle[R]) {
	return core.Build(future, schedule, stack)
}

// Recoverable is Build with panics captured into the handle.
func Recoverable[R any](future Future[R], schedule func(*LightProc), stack ProcStack) (*LightProc, *RecoverableHandle[R]) {
	return core.Recoverable(future, schedule, stack)
}

package core

import "strings"

// State is the lifecycle bit set tracked atomically in a proc's control header.
// Bits are orthogonal and may be combined.
type State uint32

const (
	// StateScheduled is set while a LightProc for the proc has been handed to
	// the scheduling callback and has not started running yet. On a closed proc
	// it is also held while the future is being dropped.
	StateScheduled State = 1 << iota

	// StateRunning is set while a runner is polling the future.
	// At most one runner holds it at any instant.
	StateRunning

	// StateCompleted is set once the future returned ready.
	StateCompleted

	// StateClosed is set when the proc was cancelled or its output was consumed.
	StateClosed

	// StateHandle is set while the output handle is alive.
	StateHandle

	// StateAwaiter is set while a waker is registered on the output side.
	StateAwaiter

	// stateSuspended marks a pending proc whose runnable reference is parked
	// in the header until a waker fires or the proc is cancelled.
	stateSuspended
)

var stateNames = []struct {
	bit  State
	name string
}{
	{StateScheduled, "SCHEDULED"},
	{StateRunning, "RUNNING"},
	{StateCompleted, "COMPLETED"},
	{StateClosed, "CLOSED"},
	{StateHandle, "HANDLE"},
	{StateAwaiter, "AWAITER"},
	{stateSuspended, "SUSPENDED"},
}

// Has reports whether every bit in bits is set.
func (s State) Has(bits State) bool {
	return s&bits == bits
}

func (s State) String() string {
	if s == 0 {
		return "IDLE"
	}
	var parts []string
	for _, n := range stateNames {
		if s&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

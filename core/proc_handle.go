package core

import (
	"context"
	"fmt"
	"sync/atomic"
)

// ProcHandle is the output handle of a proc. It exclusively owns one reference
// and yields the output at most once, or ErrCancelled if the proc was closed
// before completing.
type ProcHandle[R any] struct {
	raw   atomic.Pointer[rawProc[R]]
	taken atomic.Bool
}

func newProcHandle[R any](raw *rawProc[R]) *ProcHandle[R] {
	h := &ProcHandle[R]{}
	h.raw.Store(raw)
	return h
}

func (h *ProcHandle[R]) load(op string) *rawProc[R] {
	raw := h.raw.Load()
	if raw == nil {
		violate(op, "proc handle already dropped")
	}
	return raw
}

// Poll checks for the output without blocking.
//
// It returns ready=false while the proc is still pending, after registering w
// to be woken on the next observable transition. Once ready, err is nil and
// value holds the output, or err is ErrCancelled. A closed proc that is still
// running or queued is reported as pending until its runner lets go of it.
func (h *ProcHandle[R]) Poll(w *Waker) (value R, ready bool, err error) {
	raw := h.load("poll")
	if h.taken.Load() {
		return value, true, ErrOutputTaken
	}

	pd := &raw.header
	registered := false
	for {
		s := pd.State()

		if s&StateClosed != 0 {
			if h.taken.Load() {
				return value, true, ErrOutputTaken
			}
			if s&(StateRunning|StateScheduled) != 0 {
				if !registered {
					pd.register(w)
					registered = true
					continue
				}
				return value, false, nil
			}
			pd.takeAwaiter()
			return value, true, ErrCancelled
		}

		if s&StateCompleted == 0 {
			if !registered {
				pd.register(w)
				registered = true
				continue
			}
			return value, false, nil
		}

		// Completed and not closed: closing claims the output. taken is
		// claimed first so a concurrent Poll never mistakes the claim for a cancel.
		if !h.taken.CompareAndSwap(false, true) {
			return value, true, ErrOutputTaken
		}
		if pd.cas(s, s|StateClosed) {
			pd.takeAwaiter()
			return raw.slot.take(), true, nil
		}
		h.taken.Store(false)
	}
}

// Wait blocks until the proc resolves or ctx is done.
func (h *ProcHandle[R]) Wait(ctx context.Context) (R, error) {
	signal := make(chan struct{}, 1)
	w := NewWaker(func() {
		select {
		case signal <- struct{}{}:
		default:
		}
	})

	for {
		v, ready, err := h.Poll(w)
		if ready {
			return v, err
		}
		select {
		case <-signal:
		case <-ctx.Done():
			var zero R
			return zero, ctx.Err()
		}
	}
}

// Cancel closes the proc. It is a no-op once the proc completed, so an
// already-produced output stays available.
func (h *ProcHandle[R]) Cancel() {
	h.load("cancel").header.cancel()
}

// Drop releases the handle. A pending proc is marked for cancellation and an
// unconsumed output is discarded. Dropping twice is a no-op.
func (h *ProcHandle[R]) Drop() {
	raw := h.raw.Swap(nil)
	if raw == nil {
		return
	}

	pd := &raw.header
	for {
		s := pd.State()
		if s&StateCompleted != 0 && s&StateClosed == 0 {
			if pd.cas(s, (s|StateClosed)&^StateHandle) {
				raw.slot.clear()
				break
			}
			continue
		}
		if pd.cas(s, s&^StateHandle) {
			break
		}
	}

	pd.cancel()
	pd.vtable.decrement()
}

// Stack returns the proc metadata.
func (h *ProcHandle[R]) Stack() *ProcStack {
	return &h.load("stack").stack
}

// State returns a snapshot of the proc lifecycle bits.
func (h *ProcHandle[R]) State() State {
	return h.load("state").header.State()
}

func (h *ProcHandle[R]) String() string {
	raw := h.raw.Load()
	if raw == nil {
		return "ProcHandle{dropped}"
	}
	return fmt.Sprintf("ProcHandle{pdata: %s, stack: %s}", &raw.header, &raw.stack)
}

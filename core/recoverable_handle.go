package core

import (
	"context"
	"runtime/debug"
)

type outcome[R any] struct {
	value R
	err   *PanicError
}

// caughtPanic is implemented by outputs that carry a recovered panic. Their
// completion fires AfterPanic only.
type caughtPanic interface {
	panicked() bool
}

func (o outcome[R]) panicked() bool { return o.err != nil }

// catchUnwind converts a panic raised while polling inner into a ready outcome.
type catchUnwind[R any] struct {
	inner Future[R]
	stack *ProcStack
}

func (c *catchUnwind[R]) Poll(w *Waker) (out outcome[R], ready bool) {
	defer func() {
		if p := recover(); p != nil {
			out = outcome[R]{err: &PanicError{Value: p, Stack: debug.Stack()}}
			ready = true
			if c.stack != nil {
				c.stack.fire("after_panic", c.stack.afterPanic)
			}
		}
	}()
	v, ok := c.inner.Poll(w)
	return outcome[R]{value: v}, ok
}

// RecoverableHandle is the output handle of a proc built with Recoverable.
// A panic in the future is delivered as a *PanicError instead of unwinding
// through the runner.
type RecoverableHandle[R any] struct {
	inner *ProcHandle[outcome[R]]
}

// Poll is ProcHandle.Poll with the captured panic surfaced as err.
func (h *RecoverableHandle[R]) Poll(w *Waker) (value R, ready bool, err error) {
	out, ready, err := h.inner.Poll(w)
	if !ready || err != nil {
		return value, ready, err
	}
	if out.err != nil {
		return value, true, out.err
	}
	return out.value, true, nil
}

// Wait blocks until the proc resolves or ctx is done. A panicking future yields
// a *PanicError matching ErrPanicked.
func (h *RecoverableHandle[R]) Wait(ctx context.Context) (R, error) {
	out, err := h.inner.Wait(ctx)
	if err != nil {
		var zero R
		return zero, err
	}
	if out.err != nil {
		var zero R
		return zero, out.err
	}
	return out.value, nil
}

func (h *RecoverableHandle[R]) Cancel() { h.inner.Cancel() }

func (h *RecoverableHandle[R]) Drop() { h.inner.Drop() }

func (h *RecoverableHandle[R]) Stack() *ProcStack { return h.inner.Stack() }

func (h *RecoverableHandle[R]) State() State { return h.inner.State() }

func (h *RecoverableHandle[R]) String() string { return h.inner.String() }

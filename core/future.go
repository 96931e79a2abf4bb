package core

// Future is a suspending computation producing a value of type R.
//
// Poll advances the computation. It returns the value and true once the
// computation is done. When it returns false the future must arrange for w
// to be woken once progress is possible again; the proc is then re-scheduled.
type Future[R any] interface {
	Poll(w *Waker) (R, bool)
}

// FutureFunc adapts a plain function to the Future interface.
type FutureFunc[R any] func(w *Waker) (R, bool)

// Poll calls f(w).
func (f FutureFunc[R]) Poll(w *Waker) (R, bool) {
	return f(w)
}

// Ready returns a future that completes with v on its first poll.
func Ready[R any](v R) Future[R] {
	return FutureFunc[R](func(*Waker) (R, bool) {
		return v, true
	})
}

// FromFunc returns a future that runs fn on its first poll and completes with its result.
func FromFunc[R any](fn func() R) Future[R] {
	return FutureFunc[R](func(*Waker) (R, bool) {
		return fn(), true
	})
}

// Waker signals that a suspended computation can make progress.
type Waker struct {
	wake func()
}

// NewWaker creates a Waker calling fn on every Wake.
func NewWaker(fn func()) *Waker {
	return &Waker{wake: fn}
}

// Wake notifies the owner of w. Safe on a nil Waker.
func (w *Waker) Wake() {
	if w == nil || w.wake == nil {
		return
	}
	w.wake()
}

package core

import (
	"errors"
	"fmt"
)

var (
	// ErrCancelled is returned by output handles when the proc was closed before
	// producing a value.
	ErrCancelled = errors.New("lightproc: process cancelled")

	// ErrPanicked is the sentinel wrapped by PanicError.
	ErrPanicked = errors.New("lightproc: process panicked")

	// ErrOutputTaken is returned when the output of a proc was already delivered.
	ErrOutputTaken = errors.New("lightproc: output already taken")
)

// PanicError carries a panic captured at the poll boundary of a recoverable proc.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("lightproc: process panicked: %v", e.Value)
}

// Unwrap returns ErrPanicked so callers can use errors.Is.
func (e *PanicError) Unwrap() error {
	return ErrPanicked
}

// ContractViolation is the panic value raised when a proc is misused, for
// example run twice concurrently or released more than once. It is never
// returned as an ordinary error.
type ContractViolation struct {
	Op     string
	Reason string
}

func (c *ContractViolation) Error() string {
	return fmt.Sprintf("lightproc: contract violation in %s: %s", c.Op, c.Reason)
}

func violate(op, reason string) {
	panic(&ContractViolation{Op: op, Reason: reason})
}

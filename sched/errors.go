package sched

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by Del and friends if no event has the
	// given ID, which is expected if it already fired.
	ErrNotFound = errors.New(`sched: not found`)

	// ErrClosed is returned by any operation after Close.
	ErrClosed = errors.New(`sched: closed`)

	// ErrNoWorkers is returned by New if the worker count isn't positive.
	ErrNoWorkers = errors.New(`sched: no workers`)
)

// PanicError wraps a value recovered from a callback.
type PanicError struct {
	Value any
}

func (e PanicError) Error() string {
	return fmt.Sprintf(`sched: callback panicked: %v`, e.Value)
}

// Unwrap returns the panic value, if it is an error.
func (e PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

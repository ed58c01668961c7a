package sharedloop

import (
	"errors"
	"fmt"
)

// Standard errors.
var (
	// ErrStartupFailure is returned (wrapped, with the cause) when the loop
	// failed to begin running. The count is rolled back, and the controller is
	// left stopped.
	ErrStartupFailure = errors.New("sharedloop: loop failed to start")

	// ErrShutdownTimeout is returned when the loop goroutine did not exit
	// within the shutdown timeout. The controller is left broken.
	ErrShutdownTimeout = errors.New("sharedloop: loop failed to stop within the shutdown timeout")

	// ErrForeignToken is returned when a token not issued by the manager is
	// released through it.
	ErrForeignToken = errors.New("sharedloop: token was not issued by this manager")

	// ErrBroken is returned by Start and Acquire after a shutdown timeout.
	ErrBroken = errors.New("sharedloop: controller is broken")

	// ErrReentrantStop is returned when stopping the loop is attempted from
	// the loop goroutine, which would otherwise join itself.
	ErrReentrantStop = errors.New("sharedloop: cannot stop the loop from within the loop")

	// ErrReentrantAcquire is returned when a token is acquired from the loop
	// goroutine, while the loop is being stopped by another goroutine.
	ErrReentrantAcquire = errors.New("sharedloop: cannot acquire from within the loop while it is stopping")

	// ErrLoopExited is returned (wrapped, with the cause) when the loop
	// returned on its own, rather than due to Stop.
	ErrLoopExited = errors.New("sharedloop: loop exited unexpectedly")

	// ErrLoopAlreadyRunning is returned by a Loop's Run method, if it is
	// already running.
	ErrLoopAlreadyRunning = errors.New("sharedloop: loop is already running")

	// ErrLoopOverloaded is returned by BuiltinLoop.Submit when the queue is full.
	ErrLoopOverloaded = errors.New("sharedloop: loop is overloaded")

	// ErrUnknownBackend is returned when a Config names an unregistered backend.
	ErrUnknownBackend = errors.New("sharedloop: unknown backend")

	// ErrInvalidConfig is returned (wrapped) for config values that cannot be parsed.
	ErrInvalidConfig = errors.New("sharedloop: invalid config")
)

// PanicError wraps a value recovered from a panic, e.g. within a task run by
// Await, or within a Loop's Run method.
type PanicError struct {
	Value any
}

func (e PanicError) Error() string {
	return fmt.Sprintf("sharedloop: panic: %v", e.Value)
}

// Unwrap returns the panic value, if it is an error.
func (e PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

func wrapErr(sentinel, cause error) error {
	if cause == nil {
		return sentinel
	}
	return fmt.Errorf("%w: %w", sentinel, cause)
}

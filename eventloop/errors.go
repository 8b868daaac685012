package eventloop

import (
	"errors"
	"fmt"
)

// Standard errors.
var (
	// ErrLoopRunning is returned when Run is called on a loop that is already running.
	ErrLoopRunning = errors.New("eventloop: loop is already running")
	// ErrReentrantRun is returned when Run or RunOnce is called from a loop callback.
	ErrReentrantRun = errors.New("eventloop: cannot call Run from within the loop")
	// ErrLoopClosed is returned by operations on a closed loop.
	ErrLoopClosed = errors.New("eventloop: loop closed")

	ErrPollerClosed        = errors.New("eventloop: poller closed")
	ErrInvalidFD           = errors.New("eventloop: invalid file descriptor")
	ErrFDAlreadyRegistered = errors.New("eventloop: fd already registered")
	ErrFDNotRegistered     = errors.New("eventloop: fd not registered")
	ErrUnsupportedPlatform = errors.New("eventloop: unsupported platform")

	// ErrEventClosed is returned by operations on an IOEvent after Close or Detach.
	ErrEventClosed = errors.New("eventloop: event closed")
)

// PanicError wraps a value recovered from a panicking callback.
type PanicError struct {
	Value any
}

func (e PanicError) Error() string {
	return fmt.Sprintf("eventloop: callback panicked: %v", e.Value)
}

// Unwrap returns the underlying error if the panic value is an error type,
// so that errors.Is and errors.As see through the panic.
func (e PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

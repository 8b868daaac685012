package eventloop

// LoopState represents the current state of the event loop.
//
//	StateIdle → StateRunning   [Run, RunOnce]
//	StateRunning → StateIdle   [Stop, context done, RunOnce returns]
//	StateIdle → StateClosed    [Close]
type LoopState int32

const (
	// StateIdle indicates the loop is not running. New loops start here.
	StateIdle LoopState = iota
	// StateRunning indicates a goroutine is inside Run or RunOnce.
	StateRunning
	// StateClosed is terminal.
	StateClosed
)

// String returns a human-readable representation of the state.
func (s LoopState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateRunning:
		return "Running"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

package eventloop

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Events is a platform-neutral readiness mask.
type Events uint32

const (
	// EventRead indicates the file descriptor is ready for reading.
	EventRead Events = 1 << iota
	// EventWrite indicates the file descriptor is ready for writing.
	EventWrite
	// EventError indicates an error condition on the file descriptor.
	EventError
	// EventClosed indicates the peer closed its end of the connection.
	EventClosed
)

func (e Events) String() string {
	if e == 0 {
		return "NONE"
	}
	var parts []string
	for _, v := range [...]struct {
		bit  Events
		name string
	}{
		{EventRead, "READ"},
		{EventWrite, "WRITE"},
		{EventError, "ERROR"},
		{EventClosed, "CLOSED"},
	} {
		if e&v.bit != 0 {
			parts = append(parts, v.name)
		}
	}
	return strings.Join(parts, "|")
}

// Ctrl selects the registration operation performed by Poller.SetEvents.
type Ctrl int

const (
	CtrlAdd Ctrl = iota
	CtrlUpdate
	CtrlDelete
)

func (c Ctrl) String() string {
	switch c {
	case CtrlAdd:
		return "ADD"
	case CtrlUpdate:
		return "UPDATE"
	case CtrlDelete:
		return "DELETE"
	default:
		return fmt.Sprintf("Ctrl(%d)", int(c))
	}
}

// Poller is a level-triggered readiness multiplexer.
//
// Implementations are not safe for concurrent use; a Poller belongs to the
// goroutine running its Loop.
type Poller interface {
	// SetEvents adds, updates or deletes the registration of fd. The data
	// value is handed back to the Poll callback verbatim. Negative fds are
	// rejected with ErrInvalidFD. Deleting an fd the kernel has already
	// forgotten (closed elsewhere) succeeds.
	SetEvents(fd int, ctrl Ctrl, events Events, data any) error

	// Poll waits up to timeout for readiness and invokes fn once per ready
	// fd. A negative timeout blocks until an fd is ready. An interrupted
	// wait reports zero events and no error.
	Poll(timeout time.Duration, fn func(data any, events Events)) (int, error)

	Close() error
}

// NewPoller returns the native Poller for the current platform: epoll on
// Linux, kqueue on Darwin.
func NewPoller() (Poller, error) {
	return newPlatformPoller()
}

// timeoutMillis converts a poll timeout to whole milliseconds, rounding up
// so that a timer due in under a millisecond does not cause a busy spin.
func timeoutMillis(d time.Duration) int {
	if d < 0 {
		return -1
	}
	ms := d / time.Millisecond
	if d%time.Millisecond != 0 {
		ms++
	}
	if ms > math.MaxInt32 {
		ms = math.MaxInt32
	}
	return int(ms)
}

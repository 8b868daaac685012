package eventloop

import (
	"fmt"
)

// IOHandler receives readiness for an IOEvent. Read and write readiness is
// only reported when enabled in the event's mask; errors and hangups always
// are.
type IOHandler func(ev *IOEvent, events Events)

// IOEvent owns one file descriptor registered with a Loop's poller. The fd
// stays registered, with whatever mask is set, until Close or Detach.
type IOEvent struct {
	loop    *Loop
	fn      IOHandler
	fd      int
	events  Events
	closed  bool
	onClose func()
}

// NewIO takes ownership of fd and registers it for events.
func (l *Loop) NewIO(fd int, events Events, fn IOHandler) (*IOEvent, error) {
	if l.closed {
		return nil, ErrLoopClosed
	}
	if fd < 0 {
		return nil, ErrInvalidFD
	}
	ev := &IOEvent{loop: l, fn: fn, fd: fd, events: events}
	if err := l.poller.SetEvents(fd, CtrlAdd, events, ev); err != nil {
		return nil, err
	}
	l.ioCount++
	return ev, nil
}

// FD returns the owned fd, or -1 after Close or Detach.
func (e *IOEvent) FD() int { return e.fd }

// Events returns the current readiness mask.
func (e *IOEvent) Events() Events { return e.events }

// Closed reports whether Close or Detach has run.
func (e *IOEvent) Closed() bool { return e.closed }

// Loop returns the owning loop.
func (e *IOEvent) Loop() *Loop { return e.loop }

// SetHandler replaces the readiness callback.
func (e *IOEvent) SetHandler(fn IOHandler) { e.fn = fn }

// SetEvents replaces the readiness mask.
func (e *IOEvent) SetEvents(events Events) error {
	if e.closed {
		return ErrEventClosed
	}
	if events == e.events {
		return nil
	}
	if err := e.loop.poller.SetEvents(e.fd, CtrlUpdate, events, e); err != nil {
		return err
	}
	e.events = events
	return nil
}

// Enable adds events to the mask.
func (e *IOEvent) Enable(events Events) error { return e.SetEvents(e.events | events) }

// Disable removes events from the mask.
func (e *IOEvent) Disable(events Events) error { return e.SetEvents(e.events &^ events) }

// OnClose registers fn to run once, after the fd is closed or detached.
func (e *IOEvent) OnClose(fn func()) { e.onClose = fn }

// Detach deregisters the fd and returns it without closing it.
func (e *IOEvent) Detach() (int, error) {
	if e.closed {
		return -1, ErrEventClosed
	}
	err := e.release()
	fd := e.fd
	e.fd = -1
	e.finish()
	return fd, err
}

// Close deregisters and closes the fd. It is idempotent.
func (e *IOEvent) Close() error {
	if e.closed {
		return nil
	}
	err := e.release()
	if cerr := closeFD(e.fd); cerr != nil && err == nil {
		err = fmt.Errorf("eventloop: close fd %d: %w", e.fd, cerr)
	}
	e.fd = -1
	e.finish()
	return err
}

func (e *IOEvent) release() error {
	e.closed = true
	e.loop.ioCount--
	if e.loop.closed {
		return nil
	}
	return e.loop.poller.SetEvents(e.fd, CtrlDelete, 0, nil)
}

func (e *IOEvent) finish() {
	if fn := e.onClose; fn != nil {
		e.onClose = nil
		fn()
	}
}

func (l *Loop) dispatchIO(data any, events Events) {
	if !l.polled {
		l.polled = true
		l.refreshNow()
	}
	switch v := data.(type) {
	case *IOEvent:
		if v.closed {
			return
		}
		events &= v.events | EventError | EventClosed
		if events == 0 {
			return
		}
		l.ioDispatched++
		l.safeCall(func() { v.fn(v, events) })
	case wakeToken:
		drainWakeFd(l.wakeR)
	}
}

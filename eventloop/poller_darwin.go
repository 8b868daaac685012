//go:build darwin

package eventloop

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

const (
	initialEventBuf = 128
	maxEventBuf     = 4096
)

type kqueueReg struct {
	data   any
	events Events
}

// kqueuePoller manages readiness registration using kqueue (Darwin).
type kqueuePoller struct {
	kq     int
	buf    []unix.Kevent_t
	regs   map[int]kqueueReg
	order  []int
	merged map[int]Events
	stale  map[int]struct{}

	dispatching bool
	closed      bool
}

// markStale drops the rest of the current batch's events for fd.
func (p *kqueuePoller) markStale(fd int) {
	if p.dispatching {
		p.stale[fd] = struct{}{}
	}
}

func newPlatformPoller() (Poller, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, fmt.Errorf("eventloop: kqueue: %w", err)
	}
	unix.CloseOnExec(kq)
	return &kqueuePoller{
		kq:     kq,
		buf:    make([]unix.Kevent_t, initialEventBuf),
		regs:   make(map[int]kqueueReg),
		merged: make(map[int]Events),
		stale:  make(map[int]struct{}),
	}, nil
}

func (p *kqueuePoller) SetEvents(fd int, ctrl Ctrl, events Events, data any) error {
	if p.closed {
		return ErrPollerClosed
	}
	if fd < 0 {
		return ErrInvalidFD
	}

	switch ctrl {
	case CtrlAdd:
		if _, ok := p.regs[fd]; ok {
			return ErrFDAlreadyRegistered
		}
		if err := p.apply(eventsToKevents(fd, events, unix.EV_ADD|unix.EV_ENABLE)); err != nil {
			return fmt.Errorf("eventloop: kevent add fd %d: %w", fd, err)
		}
		p.regs[fd] = kqueueReg{data: data, events: events}

	case CtrlUpdate:
		old, ok := p.regs[fd]
		if !ok {
			return ErrFDNotRegistered
		}
		// filters are independent in kqueue, so only the difference changes
		_ = p.apply(eventsToKevents(fd, old.events&^events, unix.EV_DELETE))
		if err := p.apply(eventsToKevents(fd, events&^old.events, unix.EV_ADD|unix.EV_ENABLE)); err != nil {
			return fmt.Errorf("eventloop: kevent mod fd %d: %w", fd, err)
		}
		p.regs[fd] = kqueueReg{data: data, events: events}

	case CtrlDelete:
		old, ok := p.regs[fd]
		delete(p.regs, fd)
		p.markStale(fd)
		if !ok {
			return nil
		}
		err := p.apply(eventsToKevents(fd, old.events, unix.EV_DELETE))
		if err != nil && !errors.Is(err, unix.ENOENT) && !errors.Is(err, unix.EBADF) {
			return fmt.Errorf("eventloop: kevent del fd %d: %w", fd, err)
		}

	default:
		return fmt.Errorf("eventloop: unknown ctrl %v", ctrl)
	}

	return nil
}

func (p *kqueuePoller) apply(changes []unix.Kevent_t) error {
	if len(changes) == 0 {
		return nil
	}
	_, err := unix.Kevent(p.kq, changes, nil, nil)
	return err
}

func (p *kqueuePoller) Poll(timeout time.Duration, fn func(data any, events Events)) (int, error) {
	if p.closed {
		return 0, ErrPollerClosed
	}

	var ts *unix.Timespec
	if ms := timeoutMillis(timeout); ms >= 0 {
		t := unix.NsecToTimespec(int64(ms) * int64(time.Millisecond))
		ts = &t
	}

	n, err := unix.Kevent(p.kq, nil, p.buf, ts)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, fmt.Errorf("eventloop: kevent wait: %w", err)
	}

	// read and write filters arrive as separate kevents, merge them per fd
	p.order = p.order[:0]
	for i := 0; i < n; i++ {
		fd := int(p.buf[i].Ident)
		events, seen := p.merged[fd]
		if !seen {
			p.order = append(p.order, fd)
		}
		p.merged[fd] = events | keventToEvents(&p.buf[i])
	}

	var dispatched int
	p.dispatching = true
	for _, fd := range p.order {
		events := p.merged[fd]
		delete(p.merged, fd)
		if _, ok := p.stale[fd]; ok {
			continue
		}
		reg, ok := p.regs[fd]
		if !ok {
			continue
		}
		fn(reg.data, events)
		dispatched++
	}
	p.dispatching = false
	clear(p.stale)

	if n == len(p.buf) && len(p.buf) < maxEventBuf {
		p.buf = make([]unix.Kevent_t, len(p.buf)*2)
	}

	return dispatched, nil
}

func (p *kqueuePoller) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	p.regs = nil
	return unix.Close(p.kq)
}

func eventsToKevents(fd int, events Events, flags uint16) []unix.Kevent_t {
	var kevents []unix.Kevent_t
	if events&EventRead != 0 {
		var ev unix.Kevent_t
		unix.SetKevent(&ev, fd, unix.EVFILT_READ, int(flags))
		kevents = append(kevents, ev)
	}
	if events&EventWrite != 0 {
		var ev unix.Kevent_t
		unix.SetKevent(&ev, fd, unix.EVFILT_WRITE, int(flags))
		kevents = append(kevents, ev)
	}
	return kevents
}

func keventToEvents(kev *unix.Kevent_t) Events {
	var events Events
	switch kev.Filter {
	case unix.EVFILT_READ:
		events |= EventRead
	case unix.EVFILT_WRITE:
		events |= EventWrite
	}
	if kev.Flags&unix.EV_ERROR != 0 {
		events |= EventError
	}
	if kev.Flags&unix.EV_EOF != 0 {
		events |= EventClosed
		if kev.Fflags != 0 {
			events |= EventError
		}
	}
	return events
}

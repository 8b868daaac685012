//go:build linux

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

// epollPoller manages readiness registration using epoll (Linux).
type epollPoller struct {
	epfd  int
	buf   []unix.EpollEvent
	data  map[int]any
	stale map[int]struct{}

	dispatching bool
	closed      bool
}

// markStale drops the rest of the current batch's events for fd.
func (p *epollPoller) markStale(fd int) {
	if p.dispatching {
		p.stale[fd] = struct{}{}
	}
}

func newPlatformPoller() (Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("eventloop: epoll_create1: %w", err)
	}
	return &epollPoller{
		epfd:  epfd,
		buf:   make([]unix.EpollEvent, initialEventBuf),
		data:  make(map[int]any),
		stale: make(map[int]struct{}),
	}, nil
}

func (p *epollPoller) SetEvents(fd int, ctrl Ctrl, events Events, data any) error {
	if p.closed {
		return ErrPollerClosed
	}
	if fd < 0 {
		return ErrInvalidFD
	}

	switch ctrl {
	case CtrlAdd:
		if _, ok := p.data[fd]; ok {
			return ErrFDAlreadyRegistered
		}
		ev := unix.EpollEvent{Events: eventsToEpoll(events), Fd: int32(fd)}
		if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
			return fmt.Errorf("eventloop: epoll_ctl add fd %d: %w", fd, err)
		}
		p.data[fd] = data

	case CtrlUpdate:
		if _, ok := p.data[fd]; !ok {
			return ErrFDNotRegistered
		}
		ev := unix.EpollEvent{Events: eventsToEpoll(events), Fd: int32(fd)}
		if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
			return fmt.Errorf("eventloop: epoll_ctl mod fd %d: %w", fd, err)
		}
		p.data[fd] = data

	case CtrlDelete:
		delete(p.data, fd)
		p.markStale(fd)
		err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
		if err != nil && !errors.Is(err, unix.ENOENT) && !errors.Is(err, unix.EBADF) {
			return fmt.Errorf("eventloop: epoll_ctl del fd %d: %w", fd, err)
		}

	default:
		return fmt.Errorf("eventloop: unknown ctrl %v", ctrl)
	}

	return nil
}

func (p *epollPoller) Poll(timeout time.Duration, fn func(data any, events Events)) (int, error) {
	if p.closed {
		return 0, ErrPollerClosed
	}

	n, err := unix.EpollWait(p.epfd, p.buf, timeoutMillis(timeout))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, fmt.Errorf("eventloop: epoll_wait: %w", err)
	}

	var dispatched int
	p.dispatching = true
	for i := 0; i < n; i++ {
		fd := int(p.buf[i].Fd)
		// a callback earlier in this batch may have deregistered the fd, and
		// a new registration may already reuse its number
		if _, ok := p.stale[fd]; ok {
			continue
		}
		data, ok := p.data[fd]
		if !ok {
			continue
		}
		fn(data, epollToEvents(p.buf[i].Events))
		dispatched++
	}
	p.dispatching = false
	clear(p.stale)

	if n == len(p.buf) && len(p.buf) < maxEventBuf {
		p.buf = make([]unix.EpollEvent, len(p.buf)*2)
	}

	return dispatched, nil
}

func (p *epollPoller) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	p.data = nil
	return unix.Close(p.epfd)
}

func eventsToEpoll(events Events) uint32 {
	var ep uint32
	if events&EventRead != 0 {
		ep |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if events&EventWrite != 0 {
		ep |= unix.EPOLLOUT
	}
	return ep
}

func epollToEvents(ep uint32) Events {
	var events Events
	if ep&unix.EPOLLIN != 0 {
		events |= EventRead
	}
	if ep&unix.EPOLLOUT != 0 {
		events |= EventWrite
	}
	if ep&unix.EPOLLERR != 0 {
		events |= EventError
	}
	if ep&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
		events |= EventClosed
	}
	return events
}

//go:build linux || darwin

package tcp

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
	"golang.org/x/sys/unix"

	"github.com/joeycumines/go-reactor/doublemap"
	"github.com/joeycumines/go-reactor/eventloop"
)

const (
	// acceptBatch bounds the accepts done per readiness notification.
	acceptBatch = 64
	// acceptBackoff pauses accepting after the process runs out of fds.
	acceptBackoff = 100 * time.Millisecond
)

var (
	ErrServerStarted = errors.New("tcp: server already started")
	ErrServerStopped = errors.New("tcp: server stopped")
)

// Server accepts TCP connections on a loop. All methods must be called on
// the loop goroutine, or while the loop is not running.
type Server struct {
	loop     *eventloop.Loop
	addr     *net.TCPAddr
	bound    net.Addr
	opts     *serverOptions
	logger   *logiface.Logger[logiface.Event]
	listener *eventloop.IOEvent
	conns    map[int]*Connection
	activity *doublemap.Map[uint64, *Connection]
	sweep    *eventloop.TimerEvent
	resume   *eventloop.TimerEvent
	warn     *catrate.Limiter
	nextID   uint64
	stopped  bool
}

// NewServer returns a server that will listen on addr, a host:port.
func NewServer(loop *eventloop.Loop, addr string, opts ...ServerOption) (*Server, error) {
	cfg, err := resolveServerOptions(opts)
	if err != nil {
		return nil, err
	}
	ta, err := resolve(addr)
	if err != nil {
		return nil, err
	}
	if cfg.logger == nil {
		cfg.logger = loop.Logger()
	}
	return &Server{
		loop:     loop,
		addr:     ta,
		opts:     cfg,
		logger:   cfg.logger,
		conns:    make(map[int]*Connection),
		activity: doublemap.New[uint64, *Connection](),
		warn:     catrate.NewLimiter(map[time.Duration]int{time.Second: 1, time.Minute: 10}),
	}, nil
}

// Start binds and listens. Errors are also passed to the server error
// callback; IsFatal classifies them.
func (s *Server) Start() error {
	if s.stopped {
		return ErrServerStopped
	}
	if s.listener != nil {
		return ErrServerStarted
	}

	fd, err := listen(s.addr)
	if err != nil {
		s.reportError(err)
		return err
	}
	s.bound = localAddr(fd)

	s.listener, err = s.loop.NewIO(fd, eventloop.EventRead, s.onAccept)
	if err != nil {
		_ = closeFD(fd)
		s.reportError(err)
		return err
	}

	if d := s.opts.idleTimeout; d > 0 {
		s.sweep = s.loop.Every(max(d/2, time.Millisecond), s.onSweep)
	}

	s.logger.Info().Str("addr", s.bound.String()).Log("tcp: listening")
	return nil
}

// Stop closes the listener and every connection. A stopped server cannot be
// restarted.
func (s *Server) Stop() {
	if s.stopped {
		return
	}
	s.stopped = true
	if s.sweep != nil {
		s.sweep.Stop()
	}
	if s.resume != nil {
		s.resume.Stop()
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
	for _, c := range s.snapshot() {
		c.Close()
	}
	s.logger.Info().Log("tcp: server stopped")
}

// Addr returns the bound address, resolving a zero port, or nil before
// Start.
func (s *Server) Addr() net.Addr { return s.bound }

// Len returns the number of open connections.
func (s *Server) Len() int { return len(s.conns) }

// Connection returns the open connection on fd.
func (s *Server) Connection(fd int) (*Connection, bool) {
	c, ok := s.conns[fd]
	return c, ok
}

// Range visits open connections until fn returns false. fn may close
// connections.
func (s *Server) Range(fn func(c *Connection) bool) {
	for _, c := range s.snapshot() {
		if c.Closed() {
			continue
		}
		if !fn(c) {
			return
		}
	}
}

func (s *Server) snapshot() []*Connection {
	out := make([]*Connection, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c)
	}
	return out
}

func (s *Server) onAccept(ev *eventloop.IOEvent, _ eventloop.Events) {
	for range acceptBatch {
		fd, _, err := accept(ev.FD())
		if err != nil {
			switch {
			case errors.Is(err, unix.EAGAIN):
				return
			case errors.Is(err, unix.EINTR), errors.Is(err, unix.ECONNABORTED):
				continue
			case errors.Is(err, unix.EMFILE), errors.Is(err, unix.ENFILE):
				s.pauseAccept(err)
				return
			default:
				s.reportError(fmt.Errorf("tcp: accept: %w", err))
				return
			}
		}
		s.add(fd)
		if s.stopped {
			return
		}
	}
}

// pauseAccept stops polling the listener for a while. The pending
// connection keeps it readable, so polling on would spin.
func (s *Server) pauseAccept(err error) {
	if _, ok := s.warn.Allow("accept"); ok {
		s.logger.Warning().Err(err).Dur("backoff", acceptBackoff).Log("tcp: accept failed, out of file descriptors")
	}
	if s.opts.onError != nil {
		s.opts.onError(fmt.Errorf("tcp: accept: %w", err))
	}
	if s.stopped || s.listener.Closed() {
		return
	}
	if err := s.listener.Disable(eventloop.EventRead); err != nil {
		return
	}
	if s.resume == nil {
		s.resume = s.loop.NewTimer(func(*eventloop.TimerEvent) {
			if !s.stopped && !s.listener.Closed() {
				_ = s.listener.Enable(eventloop.EventRead)
			}
		})
	}
	s.resume.Start(acceptBackoff, false)
}

func (s *Server) add(fd int) {
	s.nextID++
	c, err := newConnection(s.loop, fd, s.nextID, s, &s.opts.connOptions)
	if err != nil {
		s.reportError(err)
		return
	}
	s.conns[fd] = c
	if s.sweep != nil {
		s.activity.Insert(s.loop.Now(), c.id, c)
	}
	s.logger.Debug().Uint64("conn", c.id).Str("peer", addrString(c.peer)).Log("tcp: accepted")
	c.ready()
}

func (s *Server) connReceived(c *Connection) {
	if s.sweep != nil {
		s.activity.Touch(c.id, s.loop.Now())
	}
}

func (s *Server) connClosed(c *Connection) {
	if s.conns[c.fd] == c {
		delete(s.conns, c.fd)
	}
	s.activity.Erase(c.id)
}

func (s *Server) onSweep(*eventloop.TimerEvent) {
	s.activity.Expire(s.loop.Now(), s.opts.idleTimeout, func(id uint64, c *Connection, _ eventloop.TimeVal) {
		s.logger.Debug().Uint64("conn", id).Log("tcp: idle timeout")
		c.Close()
	})
}

func (s *Server) reportError(err error) {
	if IsFatal(err) {
		s.logger.Err().Err(err).Log("tcp: server error")
	} else if _, ok := s.warn.Allow("error"); ok {
		s.logger.Warning().Err(err).Log("tcp: server error")
	}
	if s.opts.onError != nil {
		s.opts.onError(err)
	}
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}

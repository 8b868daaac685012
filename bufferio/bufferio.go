// Package bufferio implements buffered, non-blocking message I/O on top of an
// eventloop.IOEvent: partial reads are reframed into messages, outgoing
// messages are queued and written as the socket accepts them, and an
// optional handshake step runs before either.
package bufferio

import (
	"errors"
	"fmt"

	"github.com/eapache/queue"
	"golang.org/x/sys/unix"

	"github.com/joeycumines/go-reactor/eventloop"
	"github.com/joeycumines/go-reactor/message"
)

// State is the connection state of an Event.
type State int32

const (
	Closed State = iota
	Connected
	Handshaking
	Ready
	Failed
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Connected:
		return "connected"
	case Handshaking:
		return "handshaking"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

const (
	// DefaultChunkSize bounds a single read.
	DefaultChunkSize = 64 << 10
	// DefaultReadBudget bounds the reads done per readiness notification.
	DefaultReadBudget = 16
)

var (
	ErrClosed     = errors.New("bufferio: closed")
	ErrDraining   = errors.New("bufferio: closing after drain")
	ErrIncomplete = errors.New("bufferio: message incomplete")
)

// Handler receives the events of an Event. All methods run on the loop
// goroutine.
type Handler interface {
	// OnReceived is called for each complete inbound message, in order.
	OnReceived(e *Event, m *message.Message)
	// OnSent is called when a queued message has been fully written.
	OnSent(e *Event, m *message.Message)
	// OnError reports a read, write, framing or handshake failure. It is
	// always followed by OnClosed.
	OnError(e *Event, err error)
	// OnClosed is called exactly once, after the fd is closed.
	OnClosed(e *Event)
}

// ReadyHandler may additionally be implemented by a Handler, to learn when
// a handshake completes.
type ReadyHandler interface {
	OnReady(e *Event)
}

// Handshaker performs a connection handshake, such as TLS, before messages
// flow. Handshake is called on every readiness notification until it reports
// done, and returns the readiness it needs next.
type Handshaker interface {
	Handshake(e *Event) (done bool, want eventloop.Events, err error)
}

// IOError describes a failed operation, carrying the errno where there is
// one.
type IOError struct {
	Err error
	Op  string
}

func (e *IOError) Error() string { return "bufferio: " + e.Op + ": " + e.Err.Error() }

func (e *IOError) Unwrap() error { return e.Err }

// Code returns the errno of the failure, or -1 when it was not a system
// error.
func (e *IOError) Code() int {
	var errno unix.Errno
	if errors.As(e.Err, &errno) {
		return int(errno)
	}
	return -1
}

type options struct {
	handshaker  Handshaker
	framing     []message.Option
	chunkSize   int
	readBudget  int
	messageType message.Type
}

// Option configures an Event.
type Option func(*options)

// WithMessageType selects the framing of inbound messages, and of SendBytes.
func WithMessageType(t message.Type) Option {
	return func(o *options) { o.messageType = t }
}

// WithFraming passes options, such as the maximum frame size, to the
// inbound message queue.
func WithFraming(opts ...message.Option) Option {
	return func(o *options) { o.framing = append(o.framing, opts...) }
}

// WithHandshaker runs h before the Event becomes Ready.
func WithHandshaker(h Handshaker) Option {
	return func(o *options) { o.handshaker = h }
}

// WithChunkSize overrides DefaultChunkSize.
func WithChunkSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.chunkSize = n
		}
	}
}

// WithReadBudget overrides DefaultReadBudget.
func WithReadBudget(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.readBudget = n
		}
	}
}

// Event is a buffered, message-framed connection on a non-blocking fd.
type Event struct {
	io         *eventloop.IOEvent
	handler    Handler
	handshaker Handshaker
	recv       *message.Queue
	out        *queue.Queue
	scratch    []byte
	sent       int
	readBudget int
	bytesIn    uint64
	bytesOut   uint64
	state      State
	draining   bool
}

// New takes ownership of fd, which must be non-blocking, and registers it
// with loop. Without a handshaker the Event starts Ready.
func New(loop *eventloop.Loop, fd int, h Handler, opts ...Option) (*Event, error) {
	o := options{chunkSize: DefaultChunkSize, readBudget: DefaultReadBudget}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	e := &Event{
		handler:    h,
		handshaker: o.handshaker,
		recv:       message.NewQueue(o.messageType, o.framing...),
		out:        queue.New(),
		scratch:    make([]byte, o.chunkSize),
		readBudget: o.readBudget,
		state:      Ready,
	}
	events := eventloop.EventRead
	if e.handshaker != nil {
		e.state = Connected
		events |= eventloop.EventWrite
	}

	io, err := loop.NewIO(fd, events, e.onEvents)
	if err != nil {
		return nil, err
	}
	e.io = io
	return e, nil
}

// FD returns the socket fd, or -1 once closed.
func (e *Event) FD() int { return e.io.FD() }

// Loop returns the loop the Event is registered with.
func (e *Event) Loop() *eventloop.Loop { return e.io.Loop() }

// State returns the connection state.
func (e *Event) State() State { return e.state }

// MessageType returns the framing used for inbound and outbound messages.
func (e *Event) MessageType() message.Type { return e.recv.Type() }

// Pending returns the number of queued outbound messages.
func (e *Event) Pending() int { return e.out.Length() }

// BytesIn returns the total bytes read.
func (e *Event) BytesIn() uint64 { return e.bytesIn }

// BytesOut returns the total bytes written.
func (e *Event) BytesOut() uint64 { return e.bytesOut }

// WantsWrite reports whether write readiness is registered.
func (e *Event) WantsWrite() bool {
	return !e.io.Closed() && e.io.Events()&eventloop.EventWrite != 0
}

// Send queues a complete message. Write readiness is registered while the
// queue is non-empty.
func (e *Event) Send(m *message.Message) error {
	switch {
	case e.state == Closed || e.state == Failed:
		return ErrClosed
	case e.draining:
		return ErrDraining
	case m == nil || !m.Complete():
		return ErrIncomplete
	}
	e.out.Add(m)
	if e.state == Ready && e.out.Length() == 1 {
		if err := e.io.Enable(eventloop.EventWrite); err != nil {
			e.fail("register", err)
			return err
		}
	}
	return nil
}

// SendBytes frames payload with the Event's message type and sends it.
func (e *Event) SendBytes(payload []byte) error {
	m, err := e.recv.Frame(payload)
	if err != nil {
		return err
	}
	return e.Send(m)
}

// SetHandshaker starts a handshake on an Event that has not yet exchanged
// any bytes, such as one upgraded after the connection is established.
func (e *Event) SetHandshaker(h Handshaker) error {
	if e.state == Closed || e.state == Failed {
		return ErrClosed
	}
	e.handshaker = h
	if h == nil {
		return nil
	}
	e.state = Connected
	if err := e.io.SetEvents(eventloop.EventRead | eventloop.EventWrite); err != nil {
		e.fail("register", err)
		return err
	}
	return nil
}

// Close tears the connection down immediately, dropping queued messages.
func (e *Event) Close() {
	e.teardown()
}

// CloseAfterDrain stops accepting sends and closes once every queued message
// has been written.
func (e *Event) CloseAfterDrain() {
	if e.state == Closed {
		return
	}
	if e.out.Length() == 0 {
		e.teardown()
		return
	}
	e.draining = true
}

func (e *Event) onEvents(_ *eventloop.IOEvent, events eventloop.Events) {
	if events&eventloop.EventError != 0 {
		e.fail("poll", socketError(e.io.FD()))
		return
	}

	if e.state == Connected || e.state == Handshaking {
		e.handshake()
		return
	}

	if events&(eventloop.EventRead|eventloop.EventClosed) != 0 && !e.handleRead() {
		return
	}
	if events&eventloop.EventWrite != 0 {
		e.handleWrite()
	}
}

func (e *Event) handshake() {
	e.state = Handshaking
	done, want, err := e.handshaker.Handshake(e)
	if err != nil {
		e.fail("handshake", err)
		return
	}
	if e.state != Handshaking {
		return
	}
	if !done {
		if err := e.io.SetEvents(want); err != nil {
			e.fail("register", err)
		}
		return
	}

	e.state = Ready
	events := eventloop.EventRead
	if e.out.Length() != 0 {
		events |= eventloop.EventWrite
	}
	if err := e.io.SetEvents(events); err != nil {
		e.fail("register", err)
		return
	}
	if rh, ok := e.handler.(ReadyHandler); ok {
		rh.OnReady(e)
	}
}

// handleRead reads until the fd would block, the budget runs out, or the
// connection ends. It reports whether the Event is still open.
func (e *Event) handleRead() bool {
	for i := 0; i < e.readBudget; i++ {
		size := len(e.scratch)
		if hint := e.recv.MoreSize(); hint > 0 && hint < size {
			size = hint
		}

		n, err := unix.Read(e.io.FD(), e.scratch[:size])
		if err != nil {
			switch {
			case errors.Is(err, unix.EINTR):
				continue
			case errors.Is(err, unix.EAGAIN):
				return true
			default:
				e.fail("read", err)
				return false
			}
		}
		if n == 0 {
			e.teardown()
			return false
		}

		e.bytesIn += uint64(n)
		// messages completed ahead of a framing error are still delivered
		frameErr := e.recv.Append(e.scratch[:n])
		for {
			m, ok := e.recv.Pop()
			if !ok {
				break
			}
			e.handler.OnReceived(e, m)
			if e.state != Ready {
				return false
			}
		}
		if frameErr != nil {
			e.fail("frame", frameErr)
			return false
		}
	}
	return true
}

// handleWrite writes queued messages until the queue drains or the fd would
// block.
func (e *Event) handleWrite() {
	for e.out.Length() != 0 {
		m := e.out.Peek().(*message.Message)
		b := m.Bytes()
		if e.sent < len(b) {
			n, err := unix.Write(e.io.FD(), b[e.sent:])
			if err != nil {
				switch {
				case errors.Is(err, unix.EINTR):
					continue
				case errors.Is(err, unix.EAGAIN):
					return
				default:
					e.fail("write", err)
					return
				}
			}
			e.sent += n
			e.bytesOut += uint64(n)
			if e.sent < len(b) {
				continue
			}
		}

		e.out.Remove()
		e.sent = 0
		e.handler.OnSent(e, m)
		if e.state != Ready {
			return
		}
	}

	if e.draining {
		e.teardown()
		return
	}
	if err := e.io.Disable(eventloop.EventWrite); err != nil {
		e.fail("register", err)
	}
}

func (e *Event) fail(op string, err error) {
	if e.state == Closed || e.state == Failed {
		return
	}
	e.state = Failed
	e.handler.OnError(e, &IOError{Op: op, Err: err})
	e.teardown()
}

func (e *Event) teardown() {
	if e.state == Closed {
		return
	}
	e.state = Closed
	_ = e.io.Close()
	for e.out.Length() != 0 {
		e.out.Remove()
	}
	e.sent = 0
	e.recv.Reset()
	e.handler.OnClosed(e)
}

// socketError fetches the pending error of a socket. Pollers report errors
// on non-sockets too, which get EIO.
func socketError(fd int) error {
	v, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil || v == 0 {
		return unix.EIO
	}
	return unix.Errno(v)
}

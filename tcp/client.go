//go:build linux || darwin

package tcp

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/eapache/queue"
	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"

	"github.com/joeycumines/go-reactor/bufferio"
	"github.com/joeycumines/go-reactor/eventloop"
	"github.com/joeycumines/go-reactor/message"
)

// ClientState is the connection state of a Client.
type ClientState int32

const (
	Disconnected ClientState = iota
	Connecting
	Connected
)

func (s ClientState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("ClientState(%d)", int32(s))
	}
}

var ErrClientClosed = errors.New("tcp: client closed")

// Client maintains one outbound connection. With WithAutoReconnect, a failed
// or lost connection is retried on a timer until Close. Messages sent while
// not connected are queued and written, in order, once connected.
//
// All methods must be called on the loop goroutine, or while the loop is not
// running.
type Client struct {
	loop     *eventloop.Loop
	addr     *net.TCPAddr
	opts     *clientOptions
	logger   *logiface.Logger[logiface.Event]
	conn     *Connection
	dialing  *eventloop.IOEvent
	pending  *queue.Queue
	retry    *eventloop.TimerEvent
	warn     *catrate.Limiter
	attempts uint64
	nextID   uint64
	state    ClientState
	closed   bool
}

// NewClient returns a disconnected client for addr, a host:port. A host name
// is resolved once, here.
func NewClient(loop *eventloop.Loop, addr string, opts ...ClientOption) (*Client, error) {
	cfg, err := resolveClientOptions(opts)
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
	return &Client{
		loop:    loop,
		addr:    ta,
		opts:    cfg,
		logger:  cfg.logger,
		pending: queue.New(),
		warn:    catrate.NewLimiter(map[time.Duration]int{time.Second: 1, time.Minute: 6}),
	}, nil
}

// State returns the connection state.
func (c *Client) State() ClientState { return c.state }

// Conn returns the established connection, or nil.
func (c *Client) Conn() *Connection { return c.conn }

// RemoteAddr returns the resolved server address.
func (c *Client) RemoteAddr() net.Addr { return c.addr }

// Pending returns the number of messages queued for the next connection.
func (c *Client) Pending() int { return c.pending.Length() }

// Attempts returns the number of connects started.
func (c *Client) Attempts() uint64 { return c.attempts }

// Connect starts connecting, if disconnected. An immediate failure is
// returned, and still arms the reconnect timer.
func (c *Client) Connect() error {
	if c.closed {
		return ErrClientClosed
	}
	if c.state != Disconnected {
		return nil
	}
	return c.dial()
}

// Send writes m on the connection, or queues it until connected.
func (c *Client) Send(m *message.Message) error {
	switch {
	case c.closed:
		return ErrClientClosed
	case m == nil || !m.Complete():
		return bufferio.ErrIncomplete
	case c.state == Connected:
		return c.conn.Send(m)
	}
	c.pending.Add(m)
	return nil
}

// SendBytes frames payload with the client's framing and sends it.
func (c *Client) SendBytes(payload []byte) error {
	m, err := message.Frame(c.opts.messageType, payload, c.opts.messageOptions()...)
	if err != nil {
		return err
	}
	return c.Send(m)
}

// Close disconnects, disables reconnect and drops queued messages.
func (c *Client) Close() {
	if c.closed {
		return
	}
	c.closed = true
	if c.retry != nil {
		c.retry.Stop()
	}
	if c.dialing != nil {
		_ = c.dialing.Close()
		c.dialing = nil
	}
	if c.conn != nil {
		c.conn.Close()
	}
	c.state = Disconnected
	for c.pending.Length() != 0 {
		c.pending.Remove()
	}
}

func (c *Client) dial() error {
	c.state = Connecting
	c.attempts++
	c.logger.Debug().Str("addr", c.addr.String()).Uint64("attempt", c.attempts).Log("tcp: connecting")

	fd, inProgress, err := dial(c.addr)
	if err != nil {
		c.connectFailed(err)
		return err
	}
	if !inProgress {
		return c.established(fd)
	}

	c.dialing, err = c.loop.NewIO(fd, eventloop.EventWrite, c.onDialed)
	if err != nil {
		_ = closeFD(fd)
		c.connectFailed(err)
		return err
	}
	return nil
}

func (c *Client) onDialed(ev *eventloop.IOEvent, _ eventloop.Events) {
	c.dialing = nil
	if err := connectError(ev.FD()); err != nil {
		_ = ev.Close()
		c.connectFailed(&net.OpError{Op: "dial", Net: "tcp", Addr: c.addr, Err: err})
		return
	}
	fd, err := ev.Detach()
	if err != nil {
		_ = closeFD(fd)
		c.connectFailed(err)
		return
	}
	_ = c.established(fd)
}

func (c *Client) established(fd int) error {
	c.nextID++
	conn, err := newConnection(c.loop, fd, c.nextID, c, &c.opts.connOptions)
	if err != nil {
		c.connectFailed(err)
		return err
	}
	c.conn = conn
	c.state = Connected
	if c.retry != nil {
		c.retry.Stop()
	}
	c.logger.Info().Str("addr", c.addr.String()).Uint64("conn", conn.id).Log("tcp: connected")

	if err := c.flushPending(conn); err != nil {
		c.logger.Warning().Err(err).Int("pending", c.pending.Length()).Log("tcp: flush interrupted, keeping queued messages")
	}
	conn.ready()
	return nil
}

// flushPending hands queued messages to s in order. A message leaves the
// queue only once s accepted it.
func (c *Client) flushPending(s interface{ Send(*message.Message) error }) error {
	for c.pending.Length() != 0 {
		if err := s.Send(c.pending.Peek().(*message.Message)); err != nil {
			return err
		}
		c.pending.Remove()
	}
	return nil
}

func (c *Client) connectFailed(err error) {
	c.state = Disconnected
	if _, ok := c.warn.Allow(c.addr.String()); ok {
		c.logger.Warning().Err(err).Str("addr", c.addr.String()).Log("tcp: connect failed")
	}
	c.scheduleRetry()
}

func (c *Client) scheduleRetry() {
	if c.closed || c.opts.reconnect <= 0 {
		return
	}
	if c.retry == nil {
		c.retry = c.loop.NewTimer(c.onRetry)
	}
	if !c.retry.Active() {
		c.retry.Start(c.opts.reconnect, true)
	}
}

func (c *Client) onRetry(*eventloop.TimerEvent) {
	if c.closed || c.state != Disconnected {
		return
	}
	_ = c.dial()
}

func (c *Client) connReceived(*Connection) {}

func (c *Client) connClosed(conn *Connection) {
	if c.conn != conn {
		return
	}
	c.conn = nil
	c.state = Disconnected
	if !c.closed {
		c.logger.Info().Str("addr", c.addr.String()).Log("tcp: disconnected")
		c.scheduleRetry()
	}
}

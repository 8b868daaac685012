//go:build linux || darwin

package tcp

import (
	"net"

	"github.com/joeycumines/logiface"

	"github.com/joeycumines/go-reactor/bufferio"
	"github.com/joeycumines/go-reactor/eventloop"
	"github.com/joeycumines/go-reactor/heartbeat"
	"github.com/joeycumines/go-reactor/message"
)

// Callbacks receive connection events on the loop goroutine. Nil fields are
// no-ops.
type Callbacks struct {
	// OnReady is called once the connection can send and receive.
	OnReady func(c *Connection)
	// OnMessage is called for each inbound message, in order.
	OnMessage func(c *Connection, m *message.Message)
	// OnSent is called once a message has been fully written.
	OnSent func(c *Connection, m *message.Message)
	// OnError reports the failure that ends a connection. Use errors.As with
	// *bufferio.IOError for the errno.
	OnError func(c *Connection, err error)
	// OnClosed is called exactly once per connection.
	OnClosed func(c *Connection)
}

// creator is the Server or Client owning a Connection.
type creator interface {
	connReceived(c *Connection)
	connClosed(c *Connection)
}

// Connection is an established TCP connection, owned by the Server that
// accepted it or the Client that dialed it.
type Connection struct {
	ev      *bufferio.Event
	owner   creator
	pinger  *heartbeat.Pinger
	logger  *logiface.Logger[logiface.Event]
	peer    net.Addr
	local   net.Addr
	context any
	cb      Callbacks
	id      uint64
	fd      int
}

// newConnection wraps fd, which must be a connected non-blocking socket.
// On failure fd is closed.
func newConnection(loop *eventloop.Loop, fd int, id uint64, owner creator, opts *connOptions) (*Connection, error) {
	c := &Connection{
		owner:  owner,
		logger: opts.logger,
		cb:     opts.callbacks,
		id:     id,
		fd:     fd,
		peer:   peerAddr(fd),
		local:  localAddr(fd),
	}

	_ = setNoDelay(fd)
	if opts.keepAlive != nil {
		if err := opts.keepAlive.apply(fd); err != nil {
			c.logger.Warning().Err(err).Int("fd", fd).Log("tcp: keepalive failed")
		}
	}

	ev, err := bufferio.New(loop, fd, (*connHandler)(c),
		bufferio.WithMessageType(opts.messageType),
		bufferio.WithFraming(opts.messageOptions()...),
	)
	if err != nil {
		_ = closeFD(fd)
		return nil, err
	}
	c.ev = ev

	switch {
	case opts.heartbeat != nil:
		c.pinger, err = heartbeat.NewPinger(loop, c, *opts.heartbeat, heartbeat.WithLogger(c.logger))
		if err != nil {
			ev.Close()
			return nil, err
		}
	case opts.responder:
		c.pinger = heartbeat.NewResponder(loop, c, heartbeat.WithLogger(c.logger))
	}

	return c, nil
}

// ready starts the heartbeat and reports the connection to OnReady.
func (c *Connection) ready() {
	if c.Closed() {
		return
	}
	if c.pinger != nil {
		c.pinger.Start()
	}
	if fn := c.cb.OnReady; fn != nil {
		fn(c)
	}
}

// ID is unique among the connections of one Server or Client.
func (c *Connection) ID() uint64 { return c.id }

// FD returns the socket fd the connection was created with. It stays the
// same after close, when the number may already be reused.
func (c *Connection) FD() int { return c.fd }

// PeerAddr returns the remote address.
func (c *Connection) PeerAddr() net.Addr { return c.peer }

// LocalAddr returns the local address.
func (c *Connection) LocalAddr() net.Addr { return c.local }

// MessageType returns the connection framing.
func (c *Connection) MessageType() message.Type { return c.ev.MessageType() }

// State returns the state of the underlying buffered event.
func (c *Connection) State() bufferio.State { return c.ev.State() }

// Closed reports whether the connection has been torn down.
func (c *Connection) Closed() bool { return c.ev.State() == bufferio.Closed }

// Event exposes the underlying buffered event.
func (c *Connection) Event() *bufferio.Event { return c.ev }

// Pinger returns the heartbeat, or nil.
func (c *Connection) Pinger() *heartbeat.Pinger { return c.pinger }

// Context returns the value set by SetContext.
func (c *Connection) Context() any { return c.context }

// SetContext attaches an arbitrary value to the connection.
func (c *Connection) SetContext(v any) { c.context = v }

// Send queues a complete message.
func (c *Connection) Send(m *message.Message) error { return c.ev.Send(m) }

// SendBytes frames payload with the connection's framing and queues it.
func (c *Connection) SendBytes(payload []byte) error { return c.ev.SendBytes(payload) }

// Close closes the connection immediately.
func (c *Connection) Close() { c.ev.Close() }

// CloseAfterDrain closes the connection once queued messages are written.
func (c *Connection) CloseAfterDrain() { c.ev.CloseAfterDrain() }

// connHandler adapts a Connection to bufferio.Handler without exporting
// the handler methods.
type connHandler Connection

func (h *connHandler) OnReceived(_ *bufferio.Event, m *message.Message) {
	c := (*Connection)(h)
	if c.owner != nil {
		c.owner.connReceived(c)
	}
	if c.pinger != nil && c.pinger.Handle(m) {
		return
	}
	if fn := c.cb.OnMessage; fn != nil {
		fn(c, m)
	}
}

func (h *connHandler) OnSent(_ *bufferio.Event, m *message.Message) {
	c := (*Connection)(h)
	if fn := c.cb.OnSent; fn != nil {
		fn(c, m)
	}
}

func (h *connHandler) OnError(_ *bufferio.Event, err error) {
	c := (*Connection)(h)
	c.logger.Debug().Err(err).Uint64("conn", c.id).Log("tcp: connection error")
	if fn := c.cb.OnError; fn != nil {
		fn(c, err)
	}
}

func (h *connHandler) OnClosed(*bufferio.Event) {
	c := (*Connection)(h)
	if c.pinger != nil {
		c.pinger.Stop()
	}
	c.logger.Debug().Uint64("conn", c.id).Log("tcp: connection closed")
	if c.owner != nil {
		c.owner.connClosed(c)
	}
	if fn := c.cb.OnClosed; fn != nil {
		fn(c)
	}
}

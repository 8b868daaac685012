//go:build linux || darwin

package tcp

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/joeycumines/go-reactor/bufferio"
	"github.com/joeycumines/go-reactor/eventloop"
	"github.com/joeycumines/go-reactor/heartbeat"
	"github.com/joeycumines/go-reactor/message"
)

func newLoop(t *testing.T) *eventloop.Loop {
	t.Helper()
	l, err := eventloop.New(eventloop.WithMaxWait(5 * time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

// pump runs loop iterations until cond holds.
func pump(t *testing.T, l *eventloop.Loop, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		require.True(t, time.Now().Before(deadline), "timed out waiting for condition")
		require.NoError(t, l.RunOnce())
	}
}

// pumpFor runs loop iterations for d.
func pumpFor(t *testing.T, l *eventloop.Loop, d time.Duration) {
	t.Helper()
	end := time.Now().Add(d)
	for time.Now().Before(end) {
		require.NoError(t, l.RunOnce())
	}
}

func startServer(t *testing.T, l *eventloop.Loop, addr string, opts ...ServerOption) *Server {
	t.Helper()
	s, err := NewServer(l, addr, opts...)
	require.NoError(t, err)
	require.NoError(t, s.Start())
	t.Cleanup(s.Stop)
	return s
}

func newClient(t *testing.T, l *eventloop.Loop, addr string, opts ...ClientOption) *Client {
	t.Helper()
	c, err := NewClient(l, addr, opts...)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func echo(c *Connection, m *message.Message) { _ = c.Send(m) }

func TestServer_BinaryEcho(t *testing.T) {
	l := newLoop(t)
	var ready []*Connection
	s := startServer(t, l, "127.0.0.1:0", WithCallbacks(Callbacks{
		OnReady:   func(c *Connection) { ready = append(ready, c) },
		OnMessage: echo,
	}))

	var got []*message.Message
	c := newClient(t, l, s.Addr().String(), WithCallbacks(Callbacks{
		OnMessage: func(_ *Connection, m *message.Message) { got = append(got, m) },
	}))
	require.NoError(t, c.Connect())
	require.NoError(t, c.SendBytes([]byte("ping")))

	pump(t, l, func() bool { return len(got) == 1 })
	assert.Equal(t, "ping", string(got[0].Payload()))
	h, ok := got[0].Header()
	require.True(t, ok)
	assert.Equal(t, uint32(message.HeaderSize+4), h.Length)

	assert.Equal(t, Connected, c.State())
	require.Len(t, ready, 1)
	assert.Equal(t, 1, s.Len())
	sc, ok := s.Connection(ready[0].FD())
	require.True(t, ok)
	assert.Same(t, ready[0], sc)
	assert.Equal(t, c.Conn().LocalAddr().String(), sc.PeerAddr().String())
}

func TestServer_CRLFDeliveredOnce(t *testing.T) {
	l := newLoop(t)
	var got []string
	s := startServer(t, l, "127.0.0.1:0",
		WithMessageType(message.CRLF),
		WithCallbacks(Callbacks{OnMessage: func(_ *Connection, m *message.Message) {
			got = append(got, string(m.Payload()))
		}}),
	)
	c := newClient(t, l, s.Addr().String(), WithMessageType(message.CRLF))
	require.NoError(t, c.Connect())
	require.NoError(t, c.SendBytes([]byte("hello")))

	pump(t, l, func() bool { return len(got) != 0 })
	pumpFor(t, l, 20*time.Millisecond)
	assert.Equal(t, []string{"hello"}, got)
}

func TestServer_KeepAlive(t *testing.T) {
	l := newLoop(t)
	var ready []*Connection
	s := startServer(t, l, "127.0.0.1:0",
		WithKeepAlive(KeepAlive{Idle: 90 * time.Second, Interval: 6500 * time.Millisecond, Count: 5}),
		WithCallbacks(Callbacks{OnReady: func(c *Connection) { ready = append(ready, c) }}),
	)
	c := newClient(t, l, s.Addr().String())
	require.NoError(t, c.Connect())
	pump(t, l, func() bool { return len(ready) == 1 })

	fd := ready[0].FD()
	for _, opt := range []struct {
		name         string
		level, which int
		want         int
	}{
		{"SO_KEEPALIVE", unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1},
		{"idle", unix.IPPROTO_TCP, tcpKeepIdle, 90},
		{"TCP_KEEPINTVL", unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, 7},
		{"TCP_KEEPCNT", unix.IPPROTO_TCP, unix.TCP_KEEPCNT, 5},
	} {
		v, err := unix.GetsockoptInt(fd, opt.level, opt.which)
		require.NoError(t, err, opt.name)
		if opt.which == unix.SO_KEEPALIVE {
			assert.NotZero(t, v, opt.name)
			continue
		}
		assert.Equal(t, opt.want, v, opt.name)
	}
}

// freePort returns a loopback address nothing listens on.
func freePort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestClient_ReconnectDeliversQueuedInOrder(t *testing.T) {
	l := newLoop(t)
	addr := freePort(t)

	c := newClient(t, l, addr, WithMessageType(message.JSON), WithAutoReconnect(20*time.Millisecond))
	_ = c.Connect()
	for _, p := range []string{`{"n":1}`, `{"n":2}`, `{"n":3}`} {
		require.NoError(t, c.SendBytes([]byte(p)))
	}

	pump(t, l, func() bool { return c.Attempts() >= 3 })
	assert.NotEqual(t, Connected, c.State())
	assert.Equal(t, 3, c.Pending())

	var got []string
	startServer(t, l, addr, WithMessageType(message.JSON), WithCallbacks(Callbacks{
		OnMessage: func(_ *Connection, m *message.Message) { got = append(got, string(m.Payload())) },
	}))

	pump(t, l, func() bool { return len(got) == 3 })
	assert.Equal(t, []string{`{"n":1}`, `{"n":2}`, `{"n":3}`}, got)
	assert.Equal(t, Connected, c.State())
	assert.Zero(t, c.Pending())
}

func TestClient_ReconnectAfterServerLoss(t *testing.T) {
	l := newLoop(t)
	var closed int
	s := startServer(t, l, "127.0.0.1:0")
	addr := s.Addr().String()
	c := newClient(t, l, addr, WithAutoReconnect(10*time.Millisecond), WithCallbacks(Callbacks{
		OnClosed: func(*Connection) { closed++ },
	}))
	require.NoError(t, c.Connect())
	pump(t, l, func() bool { return c.State() == Connected && s.Len() == 1 })

	s.Stop()
	pump(t, l, func() bool { return closed == 1 })
	assert.NotEqual(t, Connected, c.State())

	s2 := startServer(t, l, addr)
	pump(t, l, func() bool { return c.State() == Connected && s2.Len() == 1 })
}

type flakySender struct {
	sent   []string
	failAt int
}

func (f *flakySender) Send(m *message.Message) error {
	if len(f.sent) == f.failAt {
		f.failAt = -1
		return bufferio.ErrClosed
	}
	f.sent = append(f.sent, string(m.Payload()))
	return nil
}

func TestClient_FlushKeepsUnsent(t *testing.T) {
	l := newLoop(t)
	c := newClient(t, l, freePort(t), WithMessageType(message.CRLF))
	for _, p := range []string{"a", "b", "c"} {
		require.NoError(t, c.SendBytes([]byte(p)))
	}
	require.Equal(t, 3, c.Pending())

	s := &flakySender{failAt: 1}
	assert.ErrorIs(t, c.flushPending(s), bufferio.ErrClosed)
	assert.Equal(t, 2, c.Pending())

	require.NoError(t, c.flushPending(s))
	assert.Zero(t, c.Pending())
	assert.Equal(t, []string{"a", "b", "c"}, s.sent)
}

func TestClient_CloseDisablesReconnect(t *testing.T) {
	l := newLoop(t)
	c := newClient(t, l, freePort(t), WithAutoReconnect(5*time.Millisecond))
	_ = c.Connect()
	pump(t, l, func() bool { return c.Attempts() >= 2 })

	c.Close()
	n := c.Attempts()
	pumpFor(t, l, 30*time.Millisecond)
	assert.Equal(t, n, c.Attempts())
	assert.Equal(t, Disconnected, c.State())
	assert.ErrorIs(t, c.Connect(), ErrClientClosed)
	assert.ErrorIs(t, c.SendBytes([]byte("x")), ErrClientClosed)
}

func TestServer_IdleEviction(t *testing.T) {
	l := newLoop(t)
	s := startServer(t, l, "127.0.0.1:0", WithIdleTimeout(60*time.Millisecond))

	var clientClosed bool
	quiet := newClient(t, l, s.Addr().String(), WithCallbacks(Callbacks{
		OnClosed: func(*Connection) { clientClosed = true },
	}))
	require.NoError(t, quiet.Connect())
	chatty := newClient(t, l, s.Addr().String())
	require.NoError(t, chatty.Connect())
	pump(t, l, func() bool { return s.Len() == 2 })

	start := time.Now()
	pump(t, l, func() bool {
		_ = chatty.SendBytes([]byte("keepalive"))
		return clientClosed
	})
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, 1, s.Len(), "active connection kept")
	assert.Equal(t, Connected, chatty.State())
}

func TestServer_Heartbeat(t *testing.T) {
	cfg := heartbeat.Config{Idle: 30 * time.Millisecond, Interval: 20 * time.Millisecond, MaxPings: 2}

	t.Run("answered", func(t *testing.T) {
		l := newLoop(t)
		var serverMsgs int
		s := startServer(t, l, "127.0.0.1:0", WithHeartbeatResponder(), WithCallbacks(Callbacks{
			OnMessage: func(*Connection, *message.Message) { serverMsgs++ },
		}))
		c := newClient(t, l, s.Addr().String(), WithHeartbeat(cfg))
		require.NoError(t, c.Connect())
		pump(t, l, func() bool { return c.State() == Connected })

		pumpFor(t, l, 250*time.Millisecond)
		assert.Equal(t, Connected, c.State())
		assert.False(t, c.Conn().Pinger().Dead())
		assert.Zero(t, serverMsgs, "probes are consumed")
	})

	t.Run("unanswered", func(t *testing.T) {
		l := newLoop(t)
		var pings []string
		s := startServer(t, l, "127.0.0.1:0", WithCallbacks(Callbacks{
			OnMessage: func(_ *Connection, m *message.Message) { pings = append(pings, string(m.Payload())) },
		}))
		var closed int
		c := newClient(t, l, s.Addr().String(), WithMessageType(message.Binary), WithHeartbeat(cfg), WithCallbacks(Callbacks{
			OnClosed: func(*Connection) { closed++ },
		}))
		require.NoError(t, c.Connect())

		pump(t, l, func() bool { return closed != 0 })
		ping, _ := heartbeat.Payloads(message.Binary)
		pump(t, l, func() bool { return s.Len() == 0 })
		assert.Equal(t, []string{string(ping), string(ping)}, pings)
		assert.Equal(t, 1, closed)
	})
}

func TestServer_StartErrors(t *testing.T) {
	l := newLoop(t)
	s := startServer(t, l, "127.0.0.1:0")
	assert.ErrorIs(t, s.Start(), ErrServerStarted)

	var reported []error
	s2, err := NewServer(l, s.Addr().String(), WithServerError(func(err error) { reported = append(reported, err) }))
	require.NoError(t, err)
	err = s2.Start()
	require.Error(t, err)
	assert.True(t, IsFatal(err))
	assert.ErrorIs(t, err, unix.EADDRINUSE)
	require.Len(t, reported, 1)
	assert.Same(t, err, reported[0])

	s.Stop()
	assert.ErrorIs(t, s.Start(), ErrServerStopped)
}

func TestServer_StopClosesConnections(t *testing.T) {
	l := newLoop(t)
	var serverClosed, clientClosed int
	s := startServer(t, l, "127.0.0.1:0", WithCallbacks(Callbacks{OnClosed: func(*Connection) { serverClosed++ }}))
	for range 3 {
		c := newClient(t, l, s.Addr().String(), WithCallbacks(Callbacks{OnClosed: func(*Connection) { clientClosed++ }}))
		require.NoError(t, c.Connect())
	}
	pump(t, l, func() bool { return s.Len() == 3 })

	var seen int
	s.Range(func(*Connection) bool {
		seen++
		return true
	})
	assert.Equal(t, 3, seen)

	s.Stop()
	assert.Equal(t, 3, serverClosed)
	assert.Zero(t, s.Len())
	pump(t, l, func() bool { return clientClosed == 3 })
}

func TestConnection_ErrorCallback(t *testing.T) {
	l := newLoop(t)
	var errs []error
	s := startServer(t, l, "127.0.0.1:0", WithMaxFrameSize(8), WithCallbacks(Callbacks{
		OnError: func(_ *Connection, err error) { errs = append(errs, err) },
	}))
	c := newClient(t, l, s.Addr().String())
	require.NoError(t, c.Connect())
	require.NoError(t, c.SendBytes([]byte("too long for the limit")))

	pump(t, l, func() bool { return len(errs) != 0 })
	assert.ErrorIs(t, errs[0], message.ErrFrameTooLarge)
	var ioErr *bufferio.IOError
	assert.True(t, errors.As(errs[0], &ioErr))
	pump(t, l, func() bool { return c.State() != Connected })
}

func TestOptions_Validation(t *testing.T) {
	l := newLoop(t)
	_, err := NewServer(l, "127.0.0.1:0", WithIdleTimeout(-1))
	assert.Error(t, err)
	_, err = NewClient(l, "127.0.0.1:1", WithAutoReconnect(-1))
	assert.Error(t, err)
	_, err = NewClient(l, "127.0.0.1:1", WithMessageType(message.Type(9)))
	assert.Error(t, err)
	_, err = NewClient(l, "127.0.0.1:1", WithHeartbeat(heartbeat.Config{}))
	assert.Error(t, err)
	_, err = NewClient(l, "not an address")
	assert.Error(t, err)
}

func TestClientState_String(t *testing.T) {
	assert.Equal(t, "connecting", Connecting.String())
	assert.Equal(t, "ClientState(7)", ClientState(7).String())
}

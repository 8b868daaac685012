// Package heartbeat implements a per-connection liveness probe. After a
// period without inbound traffic a Pinger sends pings at a fixed interval, and
// declares the connection dead if no pong arrives before its attempts run
// out.
package heartbeat

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/joeycumines/go-utilpkg/jsonenc"
	"github.com/joeycumines/logiface"

	"github.com/joeycumines/go-reactor/eventloop"
	"github.com/joeycumines/go-reactor/message"
)

const (
	// PingMagic is the binary ping payload, "HBPI" as a big-endian u32.
	PingMagic uint32 = 0x48425049
	// PongMagic is the binary pong payload, "HBPO" as a big-endian u32.
	PongMagic uint32 = 0x4842504F
)

// Config controls the probe timing. The connection is declared dead
// Interval×MaxPings after the first ping, when no pong arrives.
type Config struct {
	// Idle is how long the connection may go without inbound traffic before
	// pinging starts.
	Idle time.Duration
	// Interval separates consecutive pings.
	Interval time.Duration
	// MaxPings bounds the pings sent per idle period.
	MaxPings int
}

// DefaultConfig pings after 30s of silence, every 5s, three times.
var DefaultConfig = Config{Idle: 30 * time.Second, Interval: 5 * time.Second, MaxPings: 3}

// Validate reports a configuration that could never fire.
func (c Config) Validate() error {
	switch {
	case c.Idle <= 0:
		return errors.New("heartbeat: idle must be positive")
	case c.Interval <= 0:
		return errors.New("heartbeat: interval must be positive")
	case c.MaxPings < 1:
		return errors.New("heartbeat: max pings must be at least 1")
	}
	return nil
}

// Conn is the connection a Pinger probes. bufferio.Event and tcp.Connection
// both implement it.
type Conn interface {
	MessageType() message.Type
	// SendBytes frames payload with the connection's framing and queues it.
	SendBytes(payload []byte) error
	Close()
}

// Payloads returns the ping and pong payloads for a message type.
func Payloads(t message.Type) (ping, pong []byte) {
	switch t {
	case message.Binary:
		return binary.BigEndian.AppendUint32(nil, PingMagic), binary.BigEndian.AppendUint32(nil, PongMagic)
	case message.JSON:
		return jsonProbe("ping"), jsonProbe("pong")
	default:
		return []byte("PING"), []byte("PONG")
	}
}

func jsonProbe(kind string) []byte {
	b := append(make([]byte, 0, 24), '{')
	b = jsonenc.AppendString(b, "heartbeat")
	b = append(b, ':')
	b = jsonenc.AppendString(b, kind)
	return append(b, '}')
}

// Option configures a Pinger.
type Option func(*Pinger)

// WithLogger logs probe activity at debug level, and failures to send.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return func(p *Pinger) { p.logger = logger }
}

// WithOnDead replaces the default dead-connection handler, which closes the
// connection.
func WithOnDead(fn func(Conn)) Option {
	return func(p *Pinger) {
		if fn != nil {
			p.onDead = fn
		}
	}
}

// Pinger runs the probe state machine for one connection, on the loop
// goroutine.
type Pinger struct {
	loop      *eventloop.Loop
	conn      Conn
	logger    *logiface.Logger[logiface.Event]
	onDead    func(Conn)
	idle      *eventloop.TimerEvent
	ping      *eventloop.TimerEvent
	pingBody  []byte
	pongBody  []byte
	last      eventloop.TimeVal
	cfg       Config
	sent      int
	responder bool
	started   bool
	dead      bool
}

// NewPinger returns a stopped Pinger for conn.
func NewPinger(loop *eventloop.Loop, conn Conn, cfg Config, opts ...Option) (*Pinger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := newPinger(loop, conn, opts)
	p.cfg = cfg
	p.idle = loop.NewTimer(p.onIdle)
	p.ping = loop.NewTimer(p.onPing)
	return p, nil
}

// NewResponder returns a Pinger that never pings, and only answers the
// peer's pings.
func NewResponder(loop *eventloop.Loop, conn Conn, opts ...Option) *Pinger {
	p := newPinger(loop, conn, opts)
	p.responder = true
	return p
}

func newPinger(loop *eventloop.Loop, conn Conn, opts []Option) *Pinger {
	p := &Pinger{loop: loop, conn: conn, onDead: Conn.Close}
	p.pingBody, p.pongBody = Payloads(conn.MessageType())
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Config returns the probe timing. It is zero for a responder.
func (p *Pinger) Config() Config { return p.cfg }

// Pinging reports whether a ping sequence is in progress.
func (p *Pinger) Pinging() bool { return p.ping != nil && p.ping.Active() }

// Sent returns the number of pings sent in the current sequence.
func (p *Pinger) Sent() int { return p.sent }

// Dead reports whether the dead-connection handler has run.
func (p *Pinger) Dead() bool { return p.dead }

// Start arms the idle timer, counting from now.
func (p *Pinger) Start() {
	if p.responder || p.dead || p.started {
		return
	}
	p.started = true
	p.last = p.loop.Now()
	p.idle.Start(p.cfg.Idle, false)
}

// Stop disarms both timers. A stopped Pinger still answers pings.
func (p *Pinger) Stop() {
	if p.responder {
		return
	}
	p.started = false
	p.idle.Stop()
	p.ping.Stop()
	p.sent = 0
}

// Touch records inbound traffic. It does not end a ping sequence already in
// progress; only a pong does.
func (p *Pinger) Touch() { p.last = p.loop.Now() }

// Handle inspects an inbound message, recording it as traffic. It answers
// pings and handles pongs, reporting whether the message was a probe that the
// caller should not process further.
func (p *Pinger) Handle(m *message.Message) bool {
	p.Touch()
	payload := m.Payload()
	switch {
	case bytes.Equal(payload, p.pingBody):
		if err := p.conn.SendBytes(p.pongBody); err != nil {
			p.logger.Warning().Err(err).Log("heartbeat: pong failed")
		}
		return true
	case bytes.Equal(payload, p.pongBody):
		p.onPong()
		return true
	default:
		return false
	}
}

func (p *Pinger) onPong() {
	if p.responder || !p.started || p.dead {
		return
	}
	p.ping.Stop()
	p.sent = 0
	p.idle.Start(p.cfg.Idle, false)
}

func (p *Pinger) onIdle(*eventloop.TimerEvent) {
	if p.dead {
		return
	}
	// traffic since the timer was armed pushes the deadline out
	if quiet := p.loop.Now().Sub(p.last); quiet < p.cfg.Idle {
		p.idle.StartAt(p.last.Add(p.cfg.Idle))
		return
	}
	p.sent = 0
	p.sendPing()
	if !p.dead {
		p.ping.Start(p.cfg.Interval, true)
	}
}

func (p *Pinger) onPing(*eventloop.TimerEvent) {
	if p.sent >= p.cfg.MaxPings {
		p.die(fmt.Errorf("heartbeat: no pong after %d pings", p.sent))
		return
	}
	p.sendPing()
}

func (p *Pinger) sendPing() {
	p.sent++
	p.logger.Debug().Int("attempt", p.sent).Log("heartbeat: ping")
	if err := p.conn.SendBytes(p.pingBody); err != nil {
		p.die(err)
	}
}

func (p *Pinger) die(err error) {
	if p.dead {
		return
	}
	p.dead = true
	p.idle.Stop()
	p.ping.Stop()
	p.logger.Warning().Err(err).Log("heartbeat: connection dead")
	p.onDead(p.conn)
}

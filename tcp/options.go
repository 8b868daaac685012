package tcp

import (
	"errors"
	"time"

	"github.com/joeycumines/logiface"

	"github.com/joeycumines/go-reactor/heartbeat"
	"github.com/joeycumines/go-reactor/message"
)

// KeepAlive configures TCP keepalive probes. Zero fields keep the system
// defaults.
type KeepAlive struct {
	Idle     time.Duration
	Interval time.Duration
	Count    int
}

// connOptions are shared by servers and clients, and apply to every
// connection they create.
type connOptions struct {
	logger      *logiface.Logger[logiface.Event]
	keepAlive   *KeepAlive
	heartbeat   *heartbeat.Config
	callbacks   Callbacks
	framing     []message.Option
	maxFrame    int
	messageType message.Type
	extended    bool
	responder   bool
	hasMaxFrame bool
}

func (o *connOptions) messageOptions() []message.Option {
	opts := append([]message.Option(nil), o.framing...)
	if o.extended {
		opts = append(opts, message.WithExtendedHeader())
	}
	if o.hasMaxFrame {
		opts = append(opts, message.WithMaxFrameSize(o.maxFrame))
	}
	return opts
}

type serverOptions struct {
	connOptions
	onError     func(error)
	idleTimeout time.Duration
}

type clientOptions struct {
	connOptions
	reconnect time.Duration
}

// --- Options ---

// ServerOption configures a Server.
type ServerOption interface {
	applyServer(*serverOptions) error
}

// ClientOption configures a Client.
type ClientOption interface {
	applyClient(*clientOptions) error
}

// Option configures either a Server or a Client.
type Option interface {
	ServerOption
	ClientOption
}

// connOptionImpl implements Option.
type connOptionImpl struct {
	applyFunc func(*connOptions) error
}

func (c *connOptionImpl) applyServer(opts *serverOptions) error {
	return c.applyFunc(&opts.connOptions)
}

func (c *connOptionImpl) applyClient(opts *clientOptions) error {
	return c.applyFunc(&opts.connOptions)
}

// serverOptionImpl implements ServerOption.
type serverOptionImpl struct {
	applyServerFunc func(*serverOptions) error
}

func (s *serverOptionImpl) applyServer(opts *serverOptions) error { return s.applyServerFunc(opts) }

// clientOptionImpl implements ClientOption.
type clientOptionImpl struct {
	applyClientFunc func(*clientOptions) error
}

func (c *clientOptionImpl) applyClient(opts *clientOptions) error { return c.applyClientFunc(opts) }

// WithMessageType selects the framing of every connection. The default is
// message.Binary.
func WithMessageType(t message.Type) Option {
	return &connOptionImpl{func(opts *connOptions) error {
		switch t {
		case message.Binary, message.CRLF, message.JSON:
		default:
			return errors.New("tcp: invalid message type")
		}
		opts.messageType = t
		return nil
	}}
}

// WithExtendedHeader selects the 11 byte binary header.
func WithExtendedHeader() Option {
	return &connOptionImpl{func(opts *connOptions) error {
		opts.extended = true
		return nil
	}}
}

// WithMaxFrameSize bounds inbound frames. Zero or less disables the limit,
// which otherwise defaults to message.DefaultMaxFrameSize.
func WithMaxFrameSize(n int) Option {
	return &connOptionImpl{func(opts *connOptions) error {
		opts.maxFrame = n
		opts.hasMaxFrame = true
		return nil
	}}
}

// WithFraming passes further options to the message framing.
func WithFraming(o ...message.Option) Option {
	return &connOptionImpl{func(opts *connOptions) error {
		opts.framing = append(opts.framing, o...)
		return nil
	}}
}

// WithKeepAlive enables TCP keepalive on every connection.
func WithKeepAlive(k KeepAlive) Option {
	return &connOptionImpl{func(opts *connOptions) error {
		if k.Idle < 0 || k.Interval < 0 || k.Count < 0 {
			return errors.New("tcp: negative keepalive setting")
		}
		opts.keepAlive = &k
		return nil
	}}
}

// WithHeartbeat runs a heartbeat.Pinger on every connection. Probe messages
// are consumed and never reach OnMessage.
func WithHeartbeat(cfg heartbeat.Config) Option {
	return &connOptionImpl{func(opts *connOptions) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		opts.heartbeat = &cfg
		opts.responder = false
		return nil
	}}
}

// WithHeartbeatResponder answers the peer's heartbeat pings on every
// connection, without sending any.
func WithHeartbeatResponder() Option {
	return &connOptionImpl{func(opts *connOptions) error {
		opts.heartbeat = nil
		opts.responder = true
		return nil
	}}
}

// WithCallbacks sets the connection callbacks.
func WithCallbacks(cb Callbacks) Option {
	return &connOptionImpl{func(opts *connOptions) error {
		opts.callbacks = cb
		return nil
	}}
}

// WithLogger overrides the loop's logger.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &connOptionImpl{func(opts *connOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithIdleTimeout closes server connections that receive nothing for d.
// Zero disables it.
func WithIdleTimeout(d time.Duration) ServerOption {
	return &serverOptionImpl{func(opts *serverOptions) error {
		if d < 0 {
			return errors.New("tcp: negative idle timeout")
		}
		opts.idleTimeout = d
		return nil
	}}
}

// WithServerError is called with accept failures, and with the error of a
// failed Start.
func WithServerError(fn func(error)) ServerOption {
	return &serverOptionImpl{func(opts *serverOptions) error {
		opts.onError = fn
		return nil
	}}
}

// WithAutoReconnect retries a failed or lost connection every interval,
// until Close. Zero disables it.
func WithAutoReconnect(interval time.Duration) ClientOption {
	return &clientOptionImpl{func(opts *clientOptions) error {
		if interval < 0 {
			return errors.New("tcp: negative reconnect interval")
		}
		opts.reconnect = interval
		return nil
	}}
}

func resolveServerOptions(opts []ServerOption) (*serverOptions, error) {
	cfg := &serverOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyServer(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func resolveClientOptions(opts []ClientOption) (*clientOptions, error) {
	cfg := &clientOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyClient(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

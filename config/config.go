// Package config loads TOML configuration for servers, clients and logging,
// and converts it to tcp options.
//
// Durations are Go duration strings, such as "1m30s".
//
//	[log]
//	level = "info"
//
//	[server]
//	listen = "0.0.0.0:10000"
//	message_type = "binary"
//	idle_timeout = "5m"
//
//	[server.heartbeat]
//	idle = "30s"
//	interval = "5s"
//	max_pings = 3
//
//	[client]
//	address = "127.0.0.1:10000"
//	reconnect = "2s"
package config

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"

	"github.com/joeycumines/go-reactor/heartbeat"
	"github.com/joeycumines/go-reactor/message"
	"github.com/joeycumines/go-reactor/tcp"
)

// Duration is a time.Duration written as a string.
type Duration struct {
	time.Duration
}

// MarshalText writes d as a Go duration string.
func (d Duration) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

// UnmarshalText parses a Go duration string, such as "1m30s".
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

type Config struct {
	Log    LogConfig     `toml:"log"`
	Server *ServerConfig `toml:"server"`
	Client *ClientConfig `toml:"client"`
}

type LogConfig struct {
	// Level is a syslog keyword: emerg, alert, crit, err, warning, notice,
	// info, debug or trace. Disabled turns logging off. The default is info.
	Level string `toml:"level"`
}

// ConnConfig applies to every connection of a server or client.
type ConnConfig struct {
	MessageType        message.Type     `toml:"message_type"`
	ExtendedHeader     bool             `toml:"extended_header"`
	MaxFrameSize       *int             `toml:"max_frame_size"`
	KeepAlive          *KeepAliveConfig `toml:"keepalive"`
	Heartbeat          *HeartbeatConfig `toml:"heartbeat"`
	HeartbeatResponder bool             `toml:"heartbeat_responder"`
}

type KeepAliveConfig struct {
	Idle     Duration `toml:"idle"`
	Interval Duration `toml:"interval"`
	Count    int      `toml:"count"`
}

type HeartbeatConfig struct {
	Idle     Duration `toml:"idle"`
	Interval Duration `toml:"interval"`
	MaxPings int      `toml:"max_pings"`
}

type ServerConfig struct {
	ConnConfig
	Listen      string   `toml:"listen"`
	IdleTimeout Duration `toml:"idle_timeout"`
}

type ClientConfig struct {
	ConnConfig
	Address   string   `toml:"address"`
	Reconnect Duration `toml:"reconnect"`
}

// Parse decodes a TOML document. Unknown keys are an error.
func Parse(data string) (*Config, error) {
	var c Config
	md, err := toml.Decode(data, &c)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return finish(&c, md)
}

// Load decodes the TOML file at path.
func Load(path string) (*Config, error) {
	var c Config
	md, err := toml.DecodeFile(path, &c)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return finish(&c, md)
}

func finish(c *Config, md toml.MetaData) (*Config, error) {
	if keys := md.Undecoded(); len(keys) != 0 {
		names := make([]string, len(keys))
		for i, k := range keys {
			names[i] = k.String()
		}
		return nil, fmt.Errorf("config: unknown keys: %s", strings.Join(names, ", "))
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks required fields and option combinations.
func (c *Config) Validate() error {
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	if s := c.Server; s != nil {
		if s.Listen == "" {
			return errors.New("config: server.listen is required")
		}
		if s.IdleTimeout.Duration < 0 {
			return errors.New("config: server.idle_timeout is negative")
		}
		if err := s.ConnConfig.validate("server"); err != nil {
			return err
		}
	}
	if cl := c.Client; cl != nil {
		if cl.Address == "" {
			return errors.New("config: client.address is required")
		}
		if cl.Reconnect.Duration < 0 {
			return errors.New("config: client.reconnect is negative")
		}
		if err := cl.ConnConfig.validate("client"); err != nil {
			return err
		}
	}
	return nil
}

func (c *ConnConfig) validate(section string) error {
	if h := c.Heartbeat; h != nil {
		if err := h.config().Validate(); err != nil {
			return fmt.Errorf("config: %s.heartbeat: %w", section, err)
		}
		if c.HeartbeatResponder {
			return fmt.Errorf("config: %s: heartbeat and heartbeat_responder are exclusive", section)
		}
	}
	if k := c.KeepAlive; k != nil && (k.Idle.Duration < 0 || k.Interval.Duration < 0 || k.Count < 0) {
		return fmt.Errorf("config: %s.keepalive: negative setting", section)
	}
	return nil
}

func (h *HeartbeatConfig) config() heartbeat.Config {
	return heartbeat.Config{Idle: h.Idle.Duration, Interval: h.Interval.Duration, MaxPings: h.MaxPings}
}

func (c *ConnConfig) options() []tcp.Option {
	opts := []tcp.Option{tcp.WithMessageType(c.MessageType)}
	if c.ExtendedHeader {
		opts = append(opts, tcp.WithExtendedHeader())
	}
	if c.MaxFrameSize != nil {
		opts = append(opts, tcp.WithMaxFrameSize(*c.MaxFrameSize))
	}
	if k := c.KeepAlive; k != nil {
		opts = append(opts, tcp.WithKeepAlive(tcp.KeepAlive{Idle: k.Idle.Duration, Interval: k.Interval.Duration, Count: k.Count}))
	}
	switch {
	case c.Heartbeat != nil:
		opts = append(opts, tcp.WithHeartbeat(c.Heartbeat.config()))
	case c.HeartbeatResponder:
		opts = append(opts, tcp.WithHeartbeatResponder())
	}
	return opts
}

// Options converts the server section. Callbacks and the logger are left to
// the caller.
func (s *ServerConfig) Options() []tcp.ServerOption {
	var opts []tcp.ServerOption
	for _, o := range s.ConnConfig.options() {
		opts = append(opts, o)
	}
	if s.IdleTimeout.Duration > 0 {
		opts = append(opts, tcp.WithIdleTimeout(s.IdleTimeout.Duration))
	}
	return opts
}

// Options converts the client section. Callbacks and the logger are left to
// the caller.
func (c *ClientConfig) Options() []tcp.ClientOption {
	var opts []tcp.ClientOption
	for _, o := range c.ConnConfig.options() {
		opts = append(opts, o)
	}
	if c.Reconnect.Duration > 0 {
		opts = append(opts, tcp.WithAutoReconnect(c.Reconnect.Duration))
	}
	return opts
}

// ParseLevel parses a syslog level keyword. The empty string is info.
func ParseLevel(s string) (logiface.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info", "informational":
		return logiface.LevelInformational, nil
	case "disabled", "off", "none":
		return logiface.LevelDisabled, nil
	case "emerg", "emergency":
		return logiface.LevelEmergency, nil
	case "alert":
		return logiface.LevelAlert, nil
	case "crit", "critical":
		return logiface.LevelCritical, nil
	case "err", "error":
		return logiface.LevelError, nil
	case "warning", "warn":
		return logiface.LevelWarning, nil
	case "notice":
		return logiface.LevelNotice, nil
	case "debug":
		return logiface.LevelDebug, nil
	case "trace":
		return logiface.LevelTrace, nil
	default:
		return 0, fmt.Errorf("config: unknown log level %q", s)
	}
}

// Logger builds a JSON logger writing to w at the configured level.
func (l LogConfig) Logger(w io.Writer) (*logiface.Logger[logiface.Event], error) {
	level, err := ParseLevel(l.Level)
	if err != nil {
		return nil, err
	}
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(w)),
		stumpy.L.WithLevel(level),
	).Logger(), nil
}

// Package message implements incremental stream framing. A Message
// accumulates bytes from a stream until its framing rule is satisfied, and a
// Queue splits an arbitrarily chunked stream into consecutive Messages.
//
// Three framings are supported:
//
//   - Binary: a big-endian header whose first field is the total frame
//     length, header included.
//   - CRLF: a line terminated by "\r\n".
//   - JSON: a single brace-balanced {...} object. Braces inside JSON strings
//     do not count, but the object is not otherwise validated.
package message

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
)

// Type selects the framing rule of a Message.
type Type int

const (
	Binary Type = iota
	CRLF
	JSON
)

func (t Type) String() string {
	switch t {
	case Binary:
		return "binary"
	case CRLF:
		return "crlf"
	case JSON:
		return "json"
	default:
		return fmt.Sprintf("Type(%d)", int(t))
	}
}

// ParseType parses the String form of a Type, case-insensitively.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "binary":
		return Binary, nil
	case "crlf":
		return CRLF, nil
	case "json":
		return JSON, nil
	default:
		return 0, fmt.Errorf("message: unknown type %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (t Type) MarshalText() ([]byte, error) {
	switch t {
	case Binary, CRLF, JSON:
		return []byte(t.String()), nil
	default:
		return nil, fmt.Errorf("message: unknown type %d", int(t))
	}
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Type) UnmarshalText(b []byte) error {
	v, err := ParseType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// DefaultMaxFrameSize bounds the size of a single frame of any type.
const DefaultMaxFrameSize = 16 << 20

var (
	// ErrFrameTooLarge is returned when a frame exceeds the maximum frame
	// size, whether declared by a binary header or accumulated by CRLF or
	// JSON framing.
	ErrFrameTooLarge = errors.New("message: frame too large")
	// ErrInvalidLength is returned for a binary header declaring a length
	// smaller than the header itself.
	ErrInvalidLength = errors.New("message: invalid frame length")
	// ErrInvalidFrame is returned when building a frame from a payload that
	// cannot be framed as the requested type.
	ErrInvalidFrame = errors.New("message: invalid frame")
)

var crlf = []byte("\r\n")

// config is shared by every Message a Queue creates.
type config struct {
	maxFrameSize int
	extended     bool
}

// Option configures framing of a Message or Queue.
type Option func(*config)

// WithExtendedHeader selects the 11 byte binary header carrying message
// type, message id and protocol after the length.
func WithExtendedHeader() Option {
	return func(c *config) { c.extended = true }
}

// WithMaxFrameSize overrides DefaultMaxFrameSize. Zero or less disables the
// limit.
func WithMaxFrameSize(n int) Option {
	return func(c *config) { c.maxFrameSize = n }
}

func newConfig(opts []Option) *config {
	c := &config{maxFrameSize: DefaultMaxFrameSize}
	for _, o := range opts {
		if o != nil {
			o(c)
		}
	}
	return c
}

// Message is a frame being accumulated, or a complete one. Once Complete
// reports true, Append consumes nothing and the contents no longer change.
type Message struct {
	cfg      *config
	buf      []byte
	err      error
	typ      Type
	length   int // binary: declared frame length, zero until the header is read
	depth    int // json: brace depth
	started  bool
	inString bool
	escaped  bool
	complete bool
}

// New returns an empty message of the given type.
func New(t Type, opts ...Option) *Message {
	return newMessage(t, newConfig(opts))
}

func newMessage(t Type, cfg *config) *Message {
	return &Message{typ: t, cfg: cfg}
}

// Type returns the framing of m.
func (m *Message) Type() Type { return m.typ }

// Complete reports whether the framing rule is satisfied.
func (m *Message) Complete() bool { return m.complete }

// Err returns the framing error that stopped accumulation, if any.
func (m *Message) Err() error { return m.err }

// Len returns the number of bytes accumulated, including any header or
// terminator.
func (m *Message) Len() int { return len(m.buf) }

// Bytes returns the frame as it appears on the wire. The slice aliases the
// message and must not be modified.
func (m *Message) Bytes() []byte { return m.buf }

// Payload returns the frame content: the bytes after the binary header, the
// line without its "\r\n" terminator, or the JSON object. For an incomplete
// message it returns what has been accumulated so far.
func (m *Message) Payload() []byte {
	switch m.typ {
	case Binary:
		if hs := m.headerSize(); len(m.buf) >= hs {
			return m.buf[hs:]
		}
		return nil
	case CRLF:
		if m.complete {
			return m.buf[:len(m.buf)-len(crlf)]
		}
		return m.buf
	default:
		return m.buf
	}
}

// MoreSize returns an advisory count of further bytes the message needs.
// Zero means complete, or that the framing cannot tell (CRLF and JSON).
func (m *Message) MoreSize() int {
	if m.complete || m.err != nil {
		return 0
	}
	if m.typ != Binary {
		return 0
	}
	if m.length == 0 {
		return m.headerSize() - len(m.buf)
	}
	return m.length - len(m.buf)
}

// Reset clears the message for reuse, keeping its type and options.
func (m *Message) Reset() {
	*m = Message{typ: m.typ, cfg: m.cfg, buf: m.buf[:0]}
}

// Append feeds stream bytes to the message, returning how many it consumed.
// It stops consuming at the end of the frame, so any remainder of p belongs
// to the next message. An error is sticky.
func (m *Message) Append(p []byte) (int, error) {
	if m.err != nil {
		return 0, m.err
	}
	if m.complete {
		return 0, nil
	}
	var n int
	switch m.typ {
	case Binary:
		n, m.err = m.appendBinary(p)
	case CRLF:
		n, m.err = m.appendCRLF(p)
	case JSON:
		n, m.err = m.appendJSON(p)
	default:
		m.err = fmt.Errorf("message: unknown type %d", int(m.typ))
	}
	return n, m.err
}

func (m *Message) checkSize(add int) error {
	if limit := m.cfg.maxFrameSize; limit > 0 && len(m.buf)+add > limit {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrFrameTooLarge, len(m.buf)+add, limit)
	}
	return nil
}

func (m *Message) appendCRLF(p []byte) (int, error) {
	take := len(p)
	switch {
	case len(p) == 0:
	case len(m.buf) != 0 && m.buf[len(m.buf)-1] == '\r' && p[0] == '\n':
		// terminator split across appends
		take = 1
		m.complete = true
	default:
		if i := bytes.Index(p, crlf); i >= 0 {
			take = i + len(crlf)
			m.complete = true
		}
	}
	if err := m.checkSize(take); err != nil {
		m.complete = false
		return 0, err
	}
	m.buf = append(m.buf, p[:take]...)
	return take, nil
}

func (m *Message) appendJSON(p []byte) (int, error) {
	var skip int
	if len(m.buf) == 0 {
		for skip < len(p) && isSpace(p[skip]) {
			skip++
		}
	}

	end := len(p)
scan:
	for i := skip; i < len(p); i++ {
		c := p[i]
		if m.inString {
			switch {
			case m.escaped:
				m.escaped = false
			case c == '\\':
				m.escaped = true
			case c == '"':
				m.inString = false
			}
			continue
		}
		switch c {
		case '"':
			if m.started {
				m.inString = true
			}
		case '{':
			m.started = true
			m.depth++
		case '}':
			if m.started {
				m.depth--
				if m.depth == 0 {
					end = i + 1
					m.complete = true
					break scan
				}
			}
		}
	}

	if err := m.checkSize(end - skip); err != nil {
		m.complete = false
		return 0, err
	}
	m.buf = append(m.buf, p[skip:end]...)
	return end, nil
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\n'
}

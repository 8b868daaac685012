package message

import (
	"encoding/binary"
	"fmt"
	"math"
)

const (
	// HeaderSize is the size of the basic binary header: a u32 length.
	HeaderSize = 4
	// ExtendedHeaderSize adds a u16 message type, u32 message id and u8
	// protocol after the length.
	ExtendedHeaderSize = 11
)

// Header is a decoded binary frame header. Length counts the whole frame,
// header included. The other fields are only present on the wire with the
// extended header.
type Header struct {
	Length   uint32
	MsgType  uint16
	MsgID    uint32
	Protocol uint8
}

func (m *Message) headerSize() int {
	if m.cfg.extended {
		return ExtendedHeaderSize
	}
	return HeaderSize
}

// Header decodes the binary header, once enough bytes have arrived.
func (m *Message) Header() (Header, bool) {
	if m.typ != Binary || len(m.buf) < m.headerSize() {
		return Header{}, false
	}
	h := Header{Length: binary.BigEndian.Uint32(m.buf)}
	if m.cfg.extended {
		h.MsgType = binary.BigEndian.Uint16(m.buf[4:])
		h.MsgID = binary.BigEndian.Uint32(m.buf[6:])
		h.Protocol = m.buf[10]
	}
	return h, true
}

func (m *Message) appendBinary(p []byte) (int, error) {
	hs := m.headerSize()
	var n int
	for len(p) > 0 && !m.complete {
		take := min(m.MoreSize(), len(p))
		m.buf = append(m.buf, p[:take]...)
		p = p[take:]
		n += take

		if m.length == 0 && len(m.buf) == hs {
			length := int64(binary.BigEndian.Uint32(m.buf))
			if length < int64(hs) {
				return n, fmt.Errorf("%w: %d is smaller than the %d byte header", ErrInvalidLength, length, hs)
			}
			if limit := m.cfg.maxFrameSize; limit > 0 && length > int64(limit) {
				return n, fmt.Errorf("%w: declared %d bytes exceeds %d", ErrFrameTooLarge, length, limit)
			}
			m.length = int(length)
		}
		if m.length != 0 && len(m.buf) == m.length {
			m.complete = true
		}
	}
	return n, nil
}

// NewBinary builds a complete frame with the basic header.
func NewBinary(payload []byte, opts ...Option) (*Message, error) {
	cfg := newConfig(opts)
	cfg.extended = false
	return buildBinary(cfg, Header{}, payload)
}

// NewExtended builds a complete frame with the extended header. The Length
// field of h is ignored and computed from the payload.
func NewExtended(h Header, payload []byte, opts ...Option) (*Message, error) {
	cfg := newConfig(opts)
	cfg.extended = true
	return buildBinary(cfg, h, payload)
}

func buildBinary(cfg *config, h Header, payload []byte) (*Message, error) {
	m := newMessage(Binary, cfg)
	hs := m.headerSize()
	total := hs + len(payload)
	if int64(total) > math.MaxUint32 {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, total)
	}
	if err := m.checkSize(total); err != nil {
		return nil, err
	}
	m.buf = make([]byte, total)
	binary.BigEndian.PutUint32(m.buf, uint32(total))
	if cfg.extended {
		binary.BigEndian.PutUint16(m.buf[4:], h.MsgType)
		binary.BigEndian.PutUint32(m.buf[6:], h.MsgID)
		m.buf[10] = h.Protocol
	}
	copy(m.buf[hs:], payload)
	m.length = total
	m.complete = true
	return m, nil
}

// Frame builds a complete message of type t around payload: a basic or
// extended binary header, an appended "\r\n", or the JSON object verbatim.
// A CRLF payload may not contain "\r\n", and a JSON payload must be exactly
// one balanced object.
func Frame(t Type, payload []byte, opts ...Option) (*Message, error) {
	return frame(t, newConfig(opts), payload)
}

func frame(t Type, cfg *config, payload []byte) (*Message, error) {
	switch t {
	case Binary:
		return buildBinary(cfg, Header{}, payload)

	case CRLF:
		m := newMessage(CRLF, cfg)
		if n, err := m.Append(payload); err != nil {
			return nil, err
		} else if m.complete || n != len(payload) {
			return nil, fmt.Errorf("%w: crlf payload contains a terminator", ErrInvalidFrame)
		}
		if _, err := m.Append(crlf); err != nil {
			return nil, err
		}
		return m, nil

	case JSON:
		m := newMessage(JSON, cfg)
		n, err := m.Append(payload)
		if err != nil {
			return nil, err
		}
		if !m.complete || !allSpace(payload[n:]) {
			return nil, fmt.Errorf("%w: json payload is not a single balanced object", ErrInvalidFrame)
		}
		return m, nil

	default:
		return nil, fmt.Errorf("message: unknown type %d", int(t))
	}
}

func allSpace(p []byte) bool {
	for _, c := range p {
		if !isSpace(c) {
			return false
		}
	}
	return true
}

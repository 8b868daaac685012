package message

import (
	"bytes"
	"encoding/binary"
	"math/rand/v2"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// drain pops every complete message, returning copies of their payloads.
func drain(q *Queue) []string {
	var out []string
	for {
		m, ok := q.Pop()
		if !ok {
			return out
		}
		out = append(out, string(m.Payload()))
	}
}

// feedChunked appends stream to q in random chunk sizes.
func feedChunked(t *testing.T, q *Queue, stream []byte, rng *rand.Rand) []string {
	t.Helper()
	var out []string
	for len(stream) > 0 {
		n := 1 + rng.IntN(min(len(stream), 17))
		require.NoError(t, q.Append(stream[:n]))
		stream = stream[n:]
		out = append(out, drain(q)...)
	}
	return out
}

func TestQueue_FragmentationInvariance(t *testing.T) {
	payloads := []string{"ping", "", "hello world", "{\"nested\":{\"a\":\"}\"}}", "x", "a longer payload spanning several chunks"}

	for _, tc := range []struct {
		typ  Type
		opts []Option
		// json payloads must be objects, crlf payloads must not contain CRLF
		payload func(string) string
	}{
		{Binary, nil, func(s string) string { return s }},
		{Binary, []Option{WithExtendedHeader()}, func(s string) string { return s }},
		{CRLF, nil, func(s string) string { return s }},
		{JSON, nil, func(s string) string { return `{"v":` + jsonQuote(s) + `}` }},
	} {
		t.Run(tc.typ.String(), func(t *testing.T) {
			var stream []byte
			var want []string
			for _, p := range payloads {
				p = tc.payload(p)
				m, err := Frame(tc.typ, []byte(p), tc.opts...)
				require.NoError(t, err)
				stream = append(stream, m.Bytes()...)
				want = append(want, p)
			}

			whole := NewQueue(tc.typ, tc.opts...)
			require.NoError(t, whole.Append(stream))
			if diff := cmp.Diff(want, drain(whole)); diff != "" {
				t.Fatalf("single append (-want +got):\n%s", diff)
			}

			for seed := range uint64(50) {
				q := NewQueue(tc.typ, tc.opts...)
				got := feedChunked(t, q, stream, rand.New(rand.NewPCG(seed, seed*7+1)))
				if diff := cmp.Diff(want, got); diff != "" {
					t.Fatalf("seed %d (-want +got):\n%s", seed, diff)
				}
				assert.Zero(t, q.Partial())
			}
		})
	}
}

func jsonQuote(s string) string {
	var b bytes.Buffer
	b.WriteByte('"')
	for _, c := range []byte(s) {
		if c == '"' || c == '\\' {
			b.WriteByte('\\')
		}
		b.WriteByte(c)
	}
	b.WriteByte('"')
	return b.String()
}

func TestBinary_RoundTrip(t *testing.T) {
	for _, payload := range [][]byte{nil, []byte("ping"), bytes.Repeat([]byte{0xAB}, 70000)} {
		m, err := NewBinary(payload)
		require.NoError(t, err)
		h, ok := m.Header()
		require.True(t, ok)
		assert.Equal(t, uint32(HeaderSize+len(payload)), h.Length)
		assert.Equal(t, HeaderSize+len(payload), m.Len())

		parsed := New(Binary)
		n, err := parsed.Append(m.Bytes())
		require.NoError(t, err)
		assert.Equal(t, m.Len(), n)
		require.True(t, parsed.Complete())
		assert.Equal(t, len(payload), len(parsed.Payload()))
		assert.True(t, bytes.Equal(payload, parsed.Payload()))
	}
}

func TestBinary_PingFrame(t *testing.T) {
	m, err := NewBinary([]byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 8, 'p', 'i', 'n', 'g'}, m.Bytes())
	assert.Equal(t, "ping", string(m.Payload()))
}

func TestBinary_ExtendedHeader(t *testing.T) {
	m, err := NewExtended(Header{Length: 999, MsgType: 7, MsgID: 0xDEADBEEF, Protocol: 2}, []byte("body"))
	require.NoError(t, err)
	assert.Equal(t, ExtendedHeaderSize+4, m.Len())

	parsed := New(Binary, WithExtendedHeader())
	_, err = parsed.Append(m.Bytes())
	require.NoError(t, err)
	require.True(t, parsed.Complete())
	h, ok := parsed.Header()
	require.True(t, ok)
	assert.Equal(t, Header{Length: uint32(ExtendedHeaderSize + 4), MsgType: 7, MsgID: 0xDEADBEEF, Protocol: 2}, h)
	assert.Equal(t, "body", string(parsed.Payload()))
}

func TestBinary_MoreSize(t *testing.T) {
	m := New(Binary)
	assert.Equal(t, HeaderSize, m.MoreSize())

	n, err := m.Append([]byte{0, 0})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, m.MoreSize())

	n, err = m.Append([]byte{0, 10, 'a', 'b'})
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, 4, m.MoreSize())

	n, err = m.Append([]byte("cdefXYZ"))
	require.NoError(t, err)
	assert.Equal(t, 4, n, "stops at the frame boundary")
	assert.True(t, m.Complete())
	assert.Zero(t, m.MoreSize())

	n, err = m.Append([]byte("more"))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestBinary_LengthErrors(t *testing.T) {
	t.Run("shorter than header", func(t *testing.T) {
		m := New(Binary)
		_, err := m.Append([]byte{0, 0, 0, 3})
		assert.ErrorIs(t, err, ErrInvalidLength)
		_, err = m.Append([]byte{1})
		assert.ErrorIs(t, err, ErrInvalidLength, "sticky")
	})

	t.Run("exceeds max frame size", func(t *testing.T) {
		hdr := binary.BigEndian.AppendUint32(nil, 1<<30)
		q := NewQueue(Binary)
		assert.ErrorIs(t, q.Append(hdr), ErrFrameTooLarge)
		assert.ErrorIs(t, q.Err(), ErrFrameTooLarge)

		q = NewQueue(Binary, WithMaxFrameSize(0))
		assert.NoError(t, q.Append(hdr), "limit disabled")
	})

	t.Run("build over limit", func(t *testing.T) {
		_, err := NewBinary(make([]byte, 10), WithMaxFrameSize(8))
		assert.ErrorIs(t, err, ErrFrameTooLarge)
	})
}

func TestCRLF_TerminatorConvention(t *testing.T) {
	q := NewQueue(CRLF)
	require.NoError(t, q.Append([]byte("hello\r\n")))
	require.Equal(t, 1, q.Len())
	m, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, "hello", string(m.Payload()), "payload excludes the terminator")
	assert.Equal(t, "hello\r\n", string(m.Bytes()), "wire bytes include it")
	_, ok = q.Pop()
	assert.False(t, ok, "completes exactly once")
}

func TestCRLF_TerminatorSplitAcrossAppends(t *testing.T) {
	m := New(CRLF)
	n, err := m.Append([]byte("abc\r"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.False(t, m.Complete())

	n, err = m.Append([]byte("\nnext"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, m.Complete())
	assert.Equal(t, "abc", string(m.Payload()))
}

func TestCRLF_LoneCarriageReturn(t *testing.T) {
	q := NewQueue(CRLF)
	require.NoError(t, q.Append([]byte("a\rb\r")))
	require.NoError(t, q.Append([]byte("c\r\n")))
	assert.Equal(t, []string{"a\rb\rc"}, drain(q))
}

func TestCRLF_MaxFrameSize(t *testing.T) {
	q := NewQueue(CRLF, WithMaxFrameSize(8))
	require.NoError(t, q.Append([]byte("1234")))
	assert.ErrorIs(t, q.Append([]byte("56789")), ErrFrameTooLarge)

	q = NewQueue(CRLF, WithMaxFrameSize(8))
	require.NoError(t, q.Append([]byte("123456\r\n")))
	assert.Equal(t, []string{"123456"}, drain(q))
}

func TestJSON_Framing(t *testing.T) {
	t.Run("braces in strings", func(t *testing.T) {
		q := NewQueue(JSON)
		require.NoError(t, q.Append([]byte(`{"a":"}{","b":"\"}"}{"c":{}}`)))
		assert.Equal(t, []string{`{"a":"}{","b":"\"}"}`, `{"c":{}}`}, drain(q))
	})

	t.Run("leading whitespace skipped", func(t *testing.T) {
		q := NewQueue(JSON)
		require.NoError(t, q.Append([]byte("  \r\n\t{\"k\":1}\n{}")))
		assert.Equal(t, []string{`{"k":1}`, `{}`}, drain(q))
	})

	t.Run("unbalanced never completes", func(t *testing.T) {
		m := New(JSON)
		_, err := m.Append([]byte(`{"a":{"b":1}`))
		require.NoError(t, err)
		assert.False(t, m.Complete())
		assert.Zero(t, m.MoreSize())
	})

	t.Run("max frame size", func(t *testing.T) {
		q := NewQueue(JSON, WithMaxFrameSize(16))
		assert.ErrorIs(t, q.Append([]byte(`{"a":"0123456789abcdef"}`)), ErrFrameTooLarge)
	})
}

func TestFrame_Validation(t *testing.T) {
	_, err := Frame(CRLF, []byte("a\r\nb"))
	assert.ErrorIs(t, err, ErrInvalidFrame)

	_, err = Frame(JSON, []byte(`{"a":1} {"b":2}`))
	assert.ErrorIs(t, err, ErrInvalidFrame)

	_, err = Frame(JSON, []byte(`{"a":1`))
	assert.ErrorIs(t, err, ErrInvalidFrame)

	m, err := Frame(JSON, []byte(` {"a":1} `))
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(m.Bytes()))

	m, err = Frame(CRLF, []byte("PING"))
	require.NoError(t, err)
	assert.Equal(t, "PING\r\n", string(m.Bytes()))
}

func TestMessage_Reset(t *testing.T) {
	m := New(JSON)
	_, err := m.Append([]byte(`{"a":"{`))
	require.NoError(t, err)
	m.Reset()
	assert.Zero(t, m.Len())
	_, err = m.Append([]byte(`{}`))
	require.NoError(t, err)
	assert.True(t, m.Complete())
}

func TestType_Text(t *testing.T) {
	for _, typ := range []Type{Binary, CRLF, JSON} {
		b, err := typ.MarshalText()
		require.NoError(t, err)
		var got Type
		require.NoError(t, got.UnmarshalText(b))
		assert.Equal(t, typ, got)
	}
	_, err := ParseType("xml")
	assert.Error(t, err)
	v, err := ParseType(" CRLF ")
	require.NoError(t, err)
	assert.Equal(t, CRLF, v)
}

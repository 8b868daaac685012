package message

// Queue reframes a byte stream into Messages. Bytes are fed to the newest,
// possibly incomplete, message; once it completes, a fresh message of the
// same type accumulates the rest. One Append may complete any number of
// messages.
type Queue struct {
	cfg   *config
	items []*Message
	head  int
	typ   Type
}

// NewQueue returns an empty queue framing messages of type t.
func NewQueue(t Type, opts ...Option) *Queue {
	return &Queue{typ: t, cfg: newConfig(opts)}
}

// Type returns the framing of queued messages.
func (q *Queue) Type() Type { return q.typ }

// Append feeds stream bytes to the queue. After an error, the queue is
// broken: the stream position is lost and every later Append fails.
func (q *Queue) Append(p []byte) error {
	for len(p) > 0 {
		m := q.tail()
		n, err := m.Append(p)
		if err != nil {
			return err
		}
		p = p[n:]
		if !m.complete {
			break
		}
	}
	return nil
}

// tail returns the incomplete message at the back, adding one if needed.
func (q *Queue) tail() *Message {
	if n := len(q.items); n > q.head {
		if last := q.items[n-1]; !last.complete {
			return last
		}
	}
	m := newMessage(q.typ, q.cfg)
	q.items = append(q.items, m)
	return m
}

// Pop removes and returns the oldest complete message.
func (q *Queue) Pop() (*Message, bool) {
	if q.head == len(q.items) || !q.items[q.head].complete {
		return nil, false
	}
	m := q.items[q.head]
	q.items[q.head] = nil
	q.head++
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	} else if q.head > 32 && q.head*2 > len(q.items) {
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}
	return m, true
}

// Len returns the number of complete messages waiting to be popped.
func (q *Queue) Len() int {
	n := len(q.items) - q.head
	if n > 0 && !q.items[len(q.items)-1].complete {
		n--
	}
	return n
}

// Partial returns the number of bytes buffered toward the next incomplete
// message.
func (q *Queue) Partial() int {
	if n := len(q.items); n > q.head {
		if last := q.items[n-1]; !last.complete {
			return last.Len()
		}
	}
	return 0
}

// Err returns the framing error that broke the queue, if any.
func (q *Queue) Err() error {
	if n := len(q.items); n > q.head {
		return q.items[n-1].err
	}
	return nil
}

// MoreSize returns the advisory read size for the next bytes: the partial
// message's hint, or for binary framing the header size of a fresh message.
// Zero means no hint.
func (q *Queue) MoreSize() int {
	if n := len(q.items); n > q.head {
		if last := q.items[n-1]; !last.complete {
			return last.MoreSize()
		}
	}
	if q.typ == Binary {
		if q.cfg.extended {
			return ExtendedHeaderSize
		}
		return HeaderSize
	}
	return 0
}

// NewMessage returns an empty message with the queue's type and options.
func (q *Queue) NewMessage() *Message { return newMessage(q.typ, q.cfg) }

// Frame is Frame using the queue's type and options.
func (q *Queue) Frame(payload []byte) (*Message, error) {
	return frame(q.typ, q.cfg, payload)
}

// Reset drops all buffered messages and clears any error.
func (q *Queue) Reset() {
	clear(q.items)
	q.items = q.items[:0]
	q.head = 0
}

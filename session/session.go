// Package session implements an idle-evicted session registry, swept on an
// event loop timer.
package session

import (
	"cmp"
	"errors"
	"time"

	"github.com/joeycumines/logiface"

	"github.com/joeycumines/go-reactor/doublemap"
	"github.com/joeycumines/go-reactor/eventloop"
)

var (
	ErrExists         = errors.New("session: already exists")
	ErrInvalidTimeout = errors.New("session: timeout must be positive")
)

type options[K cmp.Ordered, V any] struct {
	logger   *logiface.Logger[logiface.Event]
	onExpire func(id K, v V)
	interval time.Duration
}

// Option configures a Manager.
type Option[K cmp.Ordered, V any] func(*options[K, V])

// WithOnExpire is called for each session evicted by a sweep, after it has
// been removed.
func WithOnExpire[K cmp.Ordered, V any](fn func(id K, v V)) Option[K, V] {
	return func(o *options[K, V]) { o.onExpire = fn }
}

// WithSweepInterval overrides the sweep period, which defaults to half the
// timeout.
func WithSweepInterval[K cmp.Ordered, V any](d time.Duration) Option[K, V] {
	return func(o *options[K, V]) {
		if d > 0 {
			o.interval = d
		}
	}
}

// WithLogger logs evictions at debug level.
func WithLogger[K cmp.Ordered, V any](logger *logiface.Logger[logiface.Event]) Option[K, V] {
	return func(o *options[K, V]) { o.logger = logger }
}

// Manager tracks sessions by id, evicting those idle for at least the
// timeout. It must only be used on its loop's goroutine.
type Manager[K cmp.Ordered, V any] struct {
	loop     *eventloop.Loop
	sessions *doublemap.Map[K, V]
	sweep    *eventloop.TimerEvent
	opts     options[K, V]
	timeout  time.Duration
}

// New returns a stopped Manager.
func New[K cmp.Ordered, V any](loop *eventloop.Loop, timeout time.Duration, opts ...Option[K, V]) (*Manager[K, V], error) {
	if timeout <= 0 {
		return nil, ErrInvalidTimeout
	}
	m := &Manager[K, V]{
		loop:     loop,
		sessions: doublemap.New[K, V](),
		timeout:  timeout,
		opts:     options[K, V]{interval: max(timeout/2, time.Millisecond), logger: loop.Logger()},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&m.opts)
		}
	}
	m.sweep = loop.NewTimer(func(*eventloop.TimerEvent) { m.Sweep() })
	return m, nil
}

// Timeout returns the idle period after which sessions expire.
func (m *Manager[K, V]) Timeout() time.Duration { return m.timeout }

// Len returns the number of live sessions.
func (m *Manager[K, V]) Len() int { return m.sessions.Len() }

// Start arms the periodic sweep.
func (m *Manager[K, V]) Start() {
	if !m.sweep.Active() {
		m.sweep.Start(m.opts.interval, true)
	}
}

// Stop disarms the sweep. Sessions are kept.
func (m *Manager[K, V]) Stop() { m.sweep.Stop() }

// Create adds a session, active as of now.
func (m *Manager[K, V]) Create(id K, v V) error {
	if _, _, ok := m.sessions.Get(id); ok {
		return ErrExists
	}
	m.sessions.Insert(m.loop.Now(), id, v)
	return nil
}

// Put adds or replaces a session, active as of now.
func (m *Manager[K, V]) Put(id K, v V) { m.sessions.Insert(m.loop.Now(), id, v) }

// Get returns the session value without touching it.
func (m *Manager[K, V]) Get(id K) (V, bool) {
	v, _, ok := m.sessions.Get(id)
	return v, ok
}

// LastActive returns when id was created or last touched.
func (m *Manager[K, V]) LastActive(id K) (eventloop.TimeVal, bool) {
	_, at, ok := m.sessions.Get(id)
	return at, ok
}

// Touch marks id active as of now.
func (m *Manager[K, V]) Touch(id K) bool { return m.sessions.Touch(id, m.loop.Now()) }

// Delete removes id without calling the expiry callback.
func (m *Manager[K, V]) Delete(id K) bool { return m.sessions.Erase(id) }

// Sweep evicts sessions idle for at least the timeout, returning how many.
// The periodic sweep calls it.
func (m *Manager[K, V]) Sweep() int {
	return m.sessions.Expire(m.loop.Now(), m.timeout, func(id K, v V, at eventloop.TimeVal) {
		m.opts.logger.Debug().Str("last_active", at.String()).Log("session: expired")
		if fn := m.opts.onExpire; fn != nil {
			fn(id, v)
		}
	})
}

//go:build linux || darwin

package eventloop

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

type pollResult struct {
	data   any
	events Events
}

func pollOnce(t *testing.T, p Poller, timeout time.Duration) []pollResult {
	t.Helper()
	var out []pollResult
	n, err := p.Poll(timeout, func(data any, events Events) {
		out = append(out, pollResult{data, events})
	})
	require.NoError(t, err)
	require.Equal(t, n, len(out))
	return out
}

func newTestPoller(t *testing.T) Poller {
	t.Helper()
	p, err := NewPoller()
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestPoller_ReadWriteReadiness(t *testing.T) {
	p := newTestPoller(t)
	r, w := newPipe(t)
	defer unix.Close(r)
	defer unix.Close(w)

	require.NoError(t, p.SetEvents(r, CtrlAdd, EventRead, "reader"))
	assert.Empty(t, pollOnce(t, p, 0))

	_, err := unix.Write(w, []byte("x"))
	require.NoError(t, err)
	res := pollOnce(t, p, time.Second)
	require.Len(t, res, 1)
	assert.Equal(t, "reader", res[0].data)
	assert.Equal(t, EventRead, res[0].events&EventRead)

	// level-triggered: still readable until drained
	assert.Len(t, pollOnce(t, p, time.Second), 1)

	require.NoError(t, p.SetEvents(w, CtrlAdd, EventWrite, "writer"))
	res = pollOnce(t, p, time.Second)
	require.Len(t, res, 2)

	require.NoError(t, p.SetEvents(r, CtrlUpdate, 0, "reader"))
	res = pollOnce(t, p, time.Second)
	require.Len(t, res, 1)
	assert.Equal(t, "writer", res[0].data)
	assert.Equal(t, EventWrite, res[0].events)
}

func TestPoller_PeerClosed(t *testing.T) {
	p := newTestPoller(t)
	r, w := newPipe(t)
	defer unix.Close(r)

	require.NoError(t, p.SetEvents(r, CtrlAdd, EventRead, nil))
	require.NoError(t, unix.Close(w))

	res := pollOnce(t, p, time.Second)
	require.Len(t, res, 1)
	assert.NotZero(t, res[0].events&EventClosed, "got %v", res[0].events)
}

func TestPoller_InvalidFD(t *testing.T) {
	p := newTestPoller(t)
	for _, ctrl := range []Ctrl{CtrlAdd, CtrlUpdate, CtrlDelete} {
		assert.ErrorIs(t, p.SetEvents(-1, ctrl, EventRead, nil), ErrInvalidFD, ctrl.String())
	}
}

func TestPoller_RegistrationErrors(t *testing.T) {
	p := newTestPoller(t)
	r, w := newPipe(t)
	defer unix.Close(r)
	defer unix.Close(w)

	assert.ErrorIs(t, p.SetEvents(r, CtrlUpdate, EventRead, nil), ErrFDNotRegistered)
	require.NoError(t, p.SetEvents(r, CtrlAdd, EventRead, nil))
	assert.ErrorIs(t, p.SetEvents(r, CtrlAdd, EventRead, nil), ErrFDAlreadyRegistered)
	require.NoError(t, p.SetEvents(r, CtrlDelete, 0, nil))
	require.NoError(t, p.SetEvents(r, CtrlDelete, 0, nil), "repeat delete tolerated")
}

func TestPoller_DeleteAfterClose(t *testing.T) {
	p := newTestPoller(t)
	r, w := newPipe(t)
	defer unix.Close(w)

	require.NoError(t, p.SetEvents(r, CtrlAdd, EventRead, nil))
	require.NoError(t, unix.Close(r))
	assert.NoError(t, p.SetEvents(r, CtrlDelete, 0, nil))
}

func TestPoller_Closed(t *testing.T) {
	p, err := NewPoller()
	require.NoError(t, err)
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.ErrorIs(t, p.SetEvents(0, CtrlAdd, EventRead, nil), ErrPollerClosed)
	_, err = p.Poll(0, func(any, Events) {})
	assert.ErrorIs(t, err, ErrPollerClosed)
}

func TestEvents_String(t *testing.T) {
	assert.Equal(t, "NONE", Events(0).String())
	assert.Equal(t, "READ|CLOSED", (EventRead | EventClosed).String())
	assert.Equal(t, "READ|WRITE|ERROR|CLOSED", (EventRead | EventWrite | EventError | EventClosed).String())
}

func TestTimeoutMillis(t *testing.T) {
	assert.Equal(t, -1, timeoutMillis(-time.Nanosecond))
	assert.Equal(t, 0, timeoutMillis(0))
	assert.Equal(t, 1, timeoutMillis(time.Microsecond))
	assert.Equal(t, 2, timeoutMillis(1500*time.Microsecond))
	assert.Equal(t, 1000, timeoutMillis(time.Second))
}

func TestPoller_ReusedFDSkippedForBatch(t *testing.T) {
	p := newTestPoller(t)
	r1, w1 := newPipe(t)
	r2, w2 := newPipe(t)
	defer unix.Close(w1)
	defer unix.Close(w2)
	for _, w := range []int{w1, w2} {
		_, err := unix.Write(w, []byte("x"))
		require.NoError(t, err)
	}
	require.NoError(t, p.SetEvents(r1, CtrlAdd, EventRead, r1))
	require.NoError(t, p.SetEvents(r2, CtrlAdd, EventRead, r2))

	var (
		got     []any
		reused  = -1
		spareW  = -1
		replace = true
	)
	defer func() {
		if reused >= 0 {
			_ = unix.Close(reused)
			_ = unix.Close(spareW)
		}
	}()
	_, err := p.Poll(time.Second, func(data any, _ Events) {
		got = append(got, data)
		if !replace {
			return
		}
		replace = false
		other := r2
		if data == r2 {
			other = r1
		}
		require.NoError(t, p.SetEvents(other, CtrlDelete, 0, nil))
		require.NoError(t, unix.Close(other))
		reused, spareW = newPipe(t)
		if reused != other {
			t.Skipf("fd %d not reused, got %d", other, reused)
		}
		require.NoError(t, p.SetEvents(reused, CtrlAdd, EventRead, "fresh"))
	})
	require.NoError(t, err)
	require.Len(t, got, 1, "stale event reached the new registration: %v", got)

	first := got[0].(int)
	if first == r1 {
		_ = unix.Close(r1)
	} else {
		_ = unix.Close(r2)
	}
	assert.Empty(t, pollOnce(t, p, 0), "the new pipe has nothing to read")
}

package eventloop

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/logiface"
)

// wakeToken marks the loop's own wake fd in the poller.
type wakeToken struct{}

// Loop is a single-goroutine reactor multiplexing fd readiness, timers,
// signals and idle/tick callbacks.
//
// Only Post, Stop and State are safe to call from other goroutines. All
// other methods, and all methods of the events a Loop creates, must be called
// on the goroutine running the loop, or while it is not running.
type Loop struct {
	poller Poller
	timers *TimerManager
	logger *logiface.Logger[logiface.Event]
	clock  func() time.Time

	signals map[*SignalEvent]struct{}
	idles   []*UserEvent
	ticks   []*UserEvent

	tasks     []func()
	taskSpare []func()

	dueScratch   []*timerBucket
	timerScratch []*TimerEvent

	now        TimeVal
	maxWait    time.Duration
	iterations uint64
	nextUserID uint64

	wakeR, wakeW int
	ioCount      int
	ioDispatched int

	mu          sync.Mutex
	state       atomic.Int32
	goid        atomic.Uint64
	stopping    atomic.Bool
	wakePending atomic.Bool

	polled bool
	closed bool
}

// New creates a loop with its poller and wake fd.
func New(opts ...LoopOption) (*Loop, error) {
	cfg, err := resolveLoopOptions(opts)
	if err != nil {
		return nil, err
	}

	poller := cfg.poller
	if poller == nil {
		if poller, err = NewPoller(); err != nil {
			return nil, err
		}
	}

	wakeR, wakeW, err := createWakeFd()
	if err != nil {
		_ = poller.Close()
		return nil, fmt.Errorf("eventloop: wake fd: %w", err)
	}

	l := &Loop{
		poller:  poller,
		timers:  newTimerManager(),
		logger:  cfg.logger,
		clock:   cfg.clock,
		signals: make(map[*SignalEvent]struct{}),
		maxWait: cfg.maxWait,
		wakeR:   wakeR,
		wakeW:   wakeW,
	}
	l.refreshNow()

	if err := poller.SetEvents(wakeR, CtrlAdd, EventRead, wakeToken{}); err != nil {
		l.closeWake()
		_ = poller.Close()
		return nil, err
	}

	return l, nil
}

// Now returns the loop's cached time, refreshed at the start of every
// iteration and once more when fd events are dispatched.
func (l *Loop) Now() TimeVal { return l.now }

// Timers exposes the loop's timer index.
func (l *Loop) Timers() *TimerManager { return l.timers }

// Logger returns the configured logger, which may be nil.
func (l *Loop) Logger() *logiface.Logger[logiface.Event] { return l.logger }

// Iterations returns the number of completed iterations.
func (l *Loop) Iterations() uint64 { return l.iterations }

// IOCount returns the number of open IOEvents.
func (l *Loop) IOCount() int { return l.ioCount }

// State returns the current state. It is safe for concurrent use.
func (l *Loop) State() LoopState { return LoopState(l.state.Load()) }

func (l *Loop) refreshNow() { l.now = FromTime(l.clock()) }

// Run runs iterations until Stop is called or ctx is done. A Stop that
// happens before Run makes it return without iterating.
func (l *Loop) Run(ctx context.Context) error {
	if err := l.enter(); err != nil {
		return err
	}
	defer l.exit()

	if ctx.Done() != nil {
		unregister := context.AfterFunc(ctx, l.Stop)
		defer unregister()
	}

	l.logger.Debug().Log("eventloop: running")

	for !l.stopping.Load() {
		if err := l.iterate(); err != nil {
			return err
		}
	}
	l.stopping.Store(false)

	l.logger.Debug().Uint64("iterations", l.iterations).Log("eventloop: stopped")

	return ctx.Err()
}

// RunOnce runs a single iteration, blocking in the poll as Run would.
func (l *Loop) RunOnce() error {
	if err := l.enter(); err != nil {
		return err
	}
	defer l.exit()
	return l.iterate()
}

func (l *Loop) enter() error {
	if l.goid.Load() == getGoroutineID() {
		return ErrReentrantRun
	}
	if !l.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		if l.State() == StateClosed {
			return ErrLoopClosed
		}
		return ErrLoopRunning
	}
	l.goid.Store(getGoroutineID())
	return nil
}

func (l *Loop) exit() {
	l.goid.Store(0)
	l.state.Store(int32(StateIdle))
}

// Stop asks the loop to return from Run. It takes effect at the top of the
// next iteration, and wakes a loop blocked in poll.
func (l *Loop) Stop() {
	l.stopping.Store(true)
	l.wakeup()
}

// Post queues fn to run on the loop goroutine during the next iteration. It
// is safe for concurrent use, and may be called before Run.
func (l *Loop) Post(fn func()) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrLoopClosed
	}
	l.tasks = append(l.tasks, fn)
	l.mu.Unlock()
	l.wakeup()
	return nil
}

// wakeup writes the wake fd under mu, so it cannot race Close.
func (l *Loop) wakeup() {
	if !l.wakePending.CompareAndSwap(false, true) {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	if err := signalWakeFd(l.wakeW); err != nil {
		l.logger.Err().Err(err).Log("eventloop: wake failed")
	}
}

func (l *Loop) hasTasks() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tasks) != 0
}

// iterate runs one pass: timers, posted tasks, poll, then idle and tick
// events.
func (l *Loop) iterate() error {
	l.refreshNow()

	fired := l.runTimers()
	l.runTasks()

	l.polled = false
	l.ioDispatched = 0
	if _, err := l.poller.Poll(l.pollTimeout(), l.dispatchIO); err != nil {
		l.logger.Err().Err(err).Log("eventloop: poll failed")
		return err
	}
	if !l.polled {
		l.refreshNow()
	}

	if !fired && l.ioDispatched == 0 {
		l.runUserEvents(KindIdle)
	}
	l.runUserEvents(KindTick)

	l.iterations++
	return nil
}

func (l *Loop) pollTimeout() time.Duration {
	if l.stopping.Load() || l.hasTasks() {
		return 0
	}
	wait := l.maxWait
	if next, ok := l.timers.Next(); ok {
		until := max(next.Sub(l.now), 0)
		if wait < 0 || until < wait {
			wait = until
		}
	}
	return wait
}

func (l *Loop) runTasks() {
	// cleared before the swap, so a Post racing with it always wakes
	l.wakePending.Store(false)

	l.mu.Lock()
	tasks := l.tasks
	l.tasks = l.taskSpare[:0]
	l.mu.Unlock()

	for i, fn := range tasks {
		tasks[i] = nil
		l.safeCall(fn)
	}
	l.taskSpare = tasks[:0]
}

// safeCall runs fn, recovering and logging any panic so that one callback
// cannot take down the loop.
func (l *Loop) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Err().
				Err(PanicError{Value: r}).
				Str("stack", string(debug.Stack())).
				Log("eventloop: recovered panic in callback")
		}
	}()
	fn()
}

// Close releases the poller, wake fd and signal subscriptions. The loop must
// not be running. Events still holding fds are not closed, but become inert.
func (l *Loop) Close() error {
	if !l.state.CompareAndSwap(int32(StateIdle), int32(StateClosed)) {
		if l.State() == StateClosed {
			return nil
		}
		return ErrLoopRunning
	}
	for s := range l.signals {
		s.Stop()
	}
	l.mu.Lock()
	l.closed = true
	l.closeWake()
	l.mu.Unlock()
	return l.poller.Close()
}

func (l *Loop) closeWake() {
	_ = closeFD(l.wakeR)
	if l.wakeW != l.wakeR {
		_ = closeFD(l.wakeW)
	}
}

// getGoroutineID parses the current goroutine's id from its stack header.
func getGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}

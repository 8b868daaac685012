package eventloop

import (
	"slices"
	"time"

	"github.com/google/btree"
)

// TimerEvent is a one-shot or periodic timer owned by a Loop. All methods
// must be called on the loop goroutine.
type TimerEvent struct {
	loop     *Loop
	fn       func(*TimerEvent)
	bucket   *timerBucket
	deadline TimeVal
	interval time.Duration
	gen      uint64
}

// NewTimer returns an unarmed timer that runs fn when it fires.
func (l *Loop) NewTimer(fn func(*TimerEvent)) *TimerEvent {
	return &TimerEvent{loop: l, fn: fn}
}

// AfterFunc arms a one-shot timer that fires after d.
func (l *Loop) AfterFunc(d time.Duration, fn func(*TimerEvent)) *TimerEvent {
	t := l.NewTimer(fn)
	t.Start(d, false)
	return t
}

// Every arms a periodic timer that fires every d.
func (l *Loop) Every(d time.Duration, fn func(*TimerEvent)) *TimerEvent {
	t := l.NewTimer(fn)
	t.Start(d, true)
	return t
}

// Start (re)arms the timer to fire after the given duration, measured from
// the loop's cached time. A periodic timer is re-armed after each firing at
// the firing iteration's time plus the interval, so a loop that falls behind
// skips ahead instead of firing a backlog. A non-positive interval is always
// treated as one-shot.
func (t *TimerEvent) Start(after time.Duration, periodic bool) {
	t.StartAt(t.loop.now.Add(after))
	if periodic && after > 0 {
		t.interval = after
	}
}

// StartAt arms the timer as one-shot for an absolute deadline, replacing any
// earlier arming.
func (t *TimerEvent) StartAt(deadline TimeVal) {
	t.loop.timers.remove(t)
	t.gen++
	t.interval = 0
	t.loop.timers.add(t, deadline)
}

// Stop disarms the timer, reporting whether it was armed. It is safe to call
// from any loop callback, including the timer's own.
func (t *TimerEvent) Stop() bool {
	t.gen++
	return t.loop.timers.remove(t)
}

// Active reports whether the timer is armed.
func (t *TimerEvent) Active() bool { return t.bucket != nil }

// Deadline returns the most recent deadline the timer was armed for.
func (t *TimerEvent) Deadline() TimeVal { return t.deadline }

// Interval returns the period of a periodic timer, or zero.
func (t *TimerEvent) Interval() time.Duration { return t.interval }

// Loop returns the owning loop.
func (t *TimerEvent) Loop() *Loop { return t.loop }

type timerBucket struct {
	deadline TimeVal
	timers   []*TimerEvent
}

// TimerManager is the ordered deadline index of a Loop. Every armed timer is
// in exactly one bucket, and all timers of a bucket fire in the same pass.
type TimerManager struct {
	tree *btree.BTreeG[*timerBucket]
	n    int
}

func newTimerManager() *TimerManager {
	return &TimerManager{
		tree: btree.NewG(16, func(a, b *timerBucket) bool {
			return a.deadline.Before(b.deadline)
		}),
	}
}

// Len returns the number of armed timers.
func (m *TimerManager) Len() int { return m.n }

// Next returns the earliest armed deadline.
func (m *TimerManager) Next() (TimeVal, bool) {
	b, ok := m.tree.Min()
	if !ok {
		return TimeVal{}, false
	}
	return b.deadline, true
}

func (m *TimerManager) add(t *TimerEvent, deadline TimeVal) {
	deadline = deadline.normalize()
	b, ok := m.tree.Get(&timerBucket{deadline: deadline})
	if !ok {
		b = &timerBucket{deadline: deadline}
		m.tree.ReplaceOrInsert(b)
	}
	b.timers = append(b.timers, t)
	t.bucket = b
	t.deadline = deadline
	m.n++
}

func (m *TimerManager) remove(t *TimerEvent) bool {
	b := t.bucket
	if b == nil {
		return false
	}
	if i := slices.Index(b.timers, t); i >= 0 {
		b.timers = slices.Delete(b.timers, i, i+1)
	}
	t.bucket = nil
	m.n--
	if len(b.timers) == 0 {
		// b may already have been detached for firing, and a new bucket
		// for the same deadline may have replaced it
		if cur, ok := m.tree.Get(b); ok && cur == b {
			m.tree.Delete(b)
		}
	}
	return true
}

// popDue detaches every bucket due at or before now, earliest first.
func (m *TimerManager) popDue(now TimeVal, due []*timerBucket) []*timerBucket {
	for {
		b, ok := m.tree.Min()
		if !ok || b.deadline.After(now) {
			return due
		}
		m.tree.DeleteMin()
		due = append(due, b)
	}
}

// runTimers fires all due timers and reports whether any fired. Timers armed
// during this pass never fire in it, even if already due.
func (l *Loop) runTimers() bool {
	due := l.timers.popDue(l.now, l.dueScratch[:0])
	var fired bool
	for _, b := range due {
		batch := append(l.timerScratch[:0], b.timers...)
		for _, t := range batch {
			// stopped or re-armed by an earlier callback of this pass
			if t.bucket != b {
				continue
			}
			l.timers.remove(t)
			fired = true
			gen := t.gen
			l.safeCall(func() { t.fn(t) })
			if t.interval > 0 && t.gen == gen && t.bucket == nil {
				l.timers.add(t, l.now.Add(t.interval))
			}
		}
		clear(batch)
		l.timerScratch = batch[:0]
	}
	clear(due)
	l.dueScratch = due[:0]
	return fired
}

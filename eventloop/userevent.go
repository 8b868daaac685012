package eventloop

// RepeatForever keeps an idle or tick event registered until stopped.
const RepeatForever = -1

// UserKind distinguishes idle events from tick events.
type UserKind int

const (
	// KindIdle events run after an iteration in which no timer fired and no
	// fd was ready.
	KindIdle UserKind = iota
	// KindTick events run at the end of every iteration.
	KindTick
)

func (k UserKind) String() string {
	if k == KindTick {
		return "tick"
	}
	return "idle"
}

// UserEvent is an idle or tick callback that runs a fixed number of times,
// or until stopped when created with RepeatForever.
type UserEvent struct {
	loop   *Loop
	fn     func(*UserEvent)
	kind   UserKind
	id     uint64
	repeat int
	active bool
}

// NewIdle returns an unstarted idle event. A repeat count other than
// RepeatForever that is not positive runs once.
func (l *Loop) NewIdle(repeat int, fn func(*UserEvent)) *UserEvent {
	return l.newUserEvent(KindIdle, repeat, fn)
}

// NewTick returns an unstarted tick event, see NewIdle for repeat.
func (l *Loop) NewTick(repeat int, fn func(*UserEvent)) *UserEvent {
	return l.newUserEvent(KindTick, repeat, fn)
}

func (l *Loop) newUserEvent(kind UserKind, repeat int, fn func(*UserEvent)) *UserEvent {
	if repeat != RepeatForever && repeat < 1 {
		repeat = 1
	}
	l.nextUserID++
	return &UserEvent{loop: l, fn: fn, kind: kind, id: l.nextUserID, repeat: repeat}
}

// Start registers the event. Starting an event whose repeat count has run
// out has no effect; use Reset first.
func (u *UserEvent) Start() {
	if u.active || u.repeat == 0 {
		return
	}
	u.active = true
	list := u.loop.userList(u.kind)
	*list = append(*list, u)
}

// Stop deregisters the event, reporting whether it was registered.
func (u *UserEvent) Stop() bool {
	if !u.active {
		return false
	}
	u.active = false
	list := u.loop.userList(u.kind)
	for i, v := range *list {
		if v == u {
			// copy rather than shift, dispatch may be iterating the old array
			next := make([]*UserEvent, 0, len(*list)-1)
			next = append(next, (*list)[:i]...)
			*list = append(next, (*list)[i+1:]...)
			break
		}
	}
	return true
}

// Reset sets the remaining repeat count, without changing registration.
func (u *UserEvent) Reset(repeat int) {
	if repeat != RepeatForever && repeat < 1 {
		repeat = 1
	}
	u.repeat = repeat
}

// ID is unique among the user events of one loop.
func (u *UserEvent) ID() uint64 { return u.id }

// Kind returns KindIdle or KindTick.
func (u *UserEvent) Kind() UserKind { return u.kind }

// Active reports whether the event is registered.
func (u *UserEvent) Active() bool { return u.active }

// Remaining returns the number of runs left, or RepeatForever.
func (u *UserEvent) Remaining() int { return u.repeat }

func (l *Loop) userList(kind UserKind) *[]*UserEvent {
	if kind == KindTick {
		return &l.ticks
	}
	return &l.idles
}

// runUserEvents runs one pass over a snapshot of the registered events.
// Events started during the pass wait for the next one; events stopped
// during it are skipped.
func (l *Loop) runUserEvents(kind UserKind) int {
	snapshot := *l.userList(kind)
	var ran int
	for _, u := range snapshot {
		if !u.active {
			continue
		}
		if u.repeat > 0 {
			u.repeat--
			if u.repeat == 0 {
				u.Stop()
			}
		}
		ran++
		l.safeCall(func() { u.fn(u) })
	}
	return ran
}

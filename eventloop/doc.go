// Package eventloop provides a single-goroutine I/O reactor: a level-triggered
// readiness poller (epoll on Linux, kqueue on Darwin), an ordered timer index,
// process signal subscriptions, and idle/tick callbacks, all dispatched from
// one goroutine.
//
// # Iteration
//
// Each iteration of [Loop.Run] refreshes the cached time, fires every due
// timer (earliest deadline first, same-deadline timers together), runs tasks
// queued with [Loop.Post], polls for readiness with a timeout bounded by the
// next timer and [WithMaxWait], dispatches ready fds, runs idle events if
// nothing else happened, and finally runs tick events.
//
// Periodic timers are re-armed from the time of the iteration that fired
// them, not from their previous deadline, so an overloaded loop drops
// missed periods rather than firing a backlog.
//
// # Thread Safety
//
// [Loop.Post], [Loop.Stop] and [Loop.State] may be called from any goroutine.
// Signals arrive on runtime goroutines and are funnelled into each
// subscribing loop through its wake fd. Everything else, including every
// method of [IOEvent], [TimerEvent], [SignalEvent] and [UserEvent], belongs to
// the loop goroutine.
package eventloop

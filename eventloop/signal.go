package eventloop

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// SignalEvent subscribes a loop callback to a process signal. Delivery is
// process-wide: every started SignalEvent for a signal number is notified,
// across all loops, each on its own loop goroutine.
type SignalEvent struct {
	loop   *Loop
	sig    syscall.Signal
	fn     func(*SignalEvent, syscall.Signal)
	active bool
}

// NewSignal returns an unstarted subscription for sig.
func (l *Loop) NewSignal(sig syscall.Signal, fn func(*SignalEvent, syscall.Signal)) *SignalEvent {
	return &SignalEvent{loop: l, sig: sig, fn: fn}
}

// OnSignal is NewSignal followed by Start.
func (l *Loop) OnSignal(sig syscall.Signal, fn func(*SignalEvent, syscall.Signal)) (*SignalEvent, error) {
	s := l.NewSignal(sig, fn)
	if err := s.Start(); err != nil {
		return nil, err
	}
	return s, nil
}

// Start subscribes the event. The OS handler for the signal is installed
// when its first subscriber starts.
func (s *SignalEvent) Start() error {
	if s.loop.closed {
		return ErrLoopClosed
	}
	if s.active {
		return nil
	}
	s.active = true
	s.loop.signals[s] = struct{}{}
	signals.subscribe(s)
	return nil
}

// Stop unsubscribes the event. A signal already queued for this event is
// dropped. The OS handler is removed with the last subscriber.
func (s *SignalEvent) Stop() {
	if !s.active {
		return
	}
	s.active = false
	delete(s.loop.signals, s)
	signals.unsubscribe(s)
}

// Signal returns the subscribed signal number.
func (s *SignalEvent) Signal() syscall.Signal { return s.sig }

// Active reports whether the event is subscribed.
func (s *SignalEvent) Active() bool { return s.active }

// signalHub is the process-wide signal registry. Each signal number gets its
// own channel and goroutine while it has subscribers, and deliveries are
// posted to the subscribing loops, waking them through their wake fd.
type signalHub struct {
	mu   sync.Mutex
	subs map[syscall.Signal]*signalSubs
}

type signalSubs struct {
	ch     chan os.Signal
	events map[*SignalEvent]struct{}
}

var signals = &signalHub{subs: make(map[syscall.Signal]*signalSubs)}

func (h *signalHub) subscribe(s *SignalEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.subs[s.sig]
	if !ok {
		subs = &signalSubs{
			ch:     make(chan os.Signal, 16),
			events: make(map[*SignalEvent]struct{}),
		}
		h.subs[s.sig] = subs
		signal.Notify(subs.ch, s.sig)
		go h.forward(s.sig, subs)
	}
	subs.events[s] = struct{}{}
}

func (h *signalHub) unsubscribe(s *SignalEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.subs[s.sig]
	if !ok {
		return
	}
	delete(subs.events, s)
	if len(subs.events) == 0 {
		delete(h.subs, s.sig)
		// no sends happen after Stop returns
		signal.Stop(subs.ch)
		close(subs.ch)
	}
}

func (h *signalHub) forward(sig syscall.Signal, subs *signalSubs) {
	for range subs.ch {
		h.mu.Lock()
		targets := make([]*SignalEvent, 0, len(subs.events))
		for s := range subs.events {
			targets = append(targets, s)
		}
		h.mu.Unlock()

		for _, s := range targets {
			_ = s.loop.Post(func() {
				if s.active {
					s.fn(s, sig)
				}
			})
		}
	}
}

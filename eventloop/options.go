// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package eventloop

import (
	"errors"
	"time"

	"github.com/joeycumines/logiface"
)

// DefaultMaxWait bounds how long a single poll may block.
const DefaultMaxWait = time.Second

// loopOptions holds configuration options for Loop creation.
type loopOptions struct {
	logger  *logiface.Logger[logiface.Event]
	clock   func() time.Time
	poller  Poller
	maxWait time.Duration
}

// --- Loop Options ---

// LoopOption configures a Loop instance.
type LoopOption interface {
	applyLoop(*loopOptions) error
}

// loopOptionImpl implements LoopOption.
type loopOptionImpl struct {
	applyLoopFunc func(*loopOptions) error
}

func (l *loopOptionImpl) applyLoop(opts *loopOptions) error {
	return l.applyLoopFunc(opts)
}

// WithLogger sets the structured logger used for recovered panics, poll
// failures and lifecycle debugging. A nil logger disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithMaxWait bounds the time a single poll may block when no timer is due
// sooner. Zero makes every poll non-blocking, and a negative value lets the
// poll block until a timer, fd or wake-up.
func WithMaxWait(d time.Duration) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.maxWait = d
		return nil
	}}
}

// WithClock replaces time.Now as the loop's time source.
func WithClock(clock func() time.Time) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		if clock == nil {
			return errors.New("eventloop: nil clock")
		}
		opts.clock = clock
		return nil
	}}
}

// WithPoller supplies the Poller, instead of the platform default. The loop
// takes ownership and closes it on Close.
func WithPoller(p Poller) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.poller = p
		return nil
	}}
}

// resolveLoopOptions applies LoopOption instances to loopOptions.
func resolveLoopOptions(opts []LoopOption) (*loopOptions, error) {
	cfg := &loopOptions{
		clock:   time.Now,
		maxWait: DefaultMaxWait,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyLoop(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

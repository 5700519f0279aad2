// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package barrier implements the set/wait rendezvous used to order
// steps across hosts during a rollout, for example "secondaries wait
// until the primary has initialized the schema".
//
// An event is written once by [Barrier.Set] and read by any number of
// [Barrier.Wait] calls. Wait polls the [Store] at a fixed interval
// until the event appears or the caller's timeout elapses. When a
// [Notifier] is configured, a Set on any process wakes waiters early;
// the poll still runs, so a lost notification delays a waiter by at
// most one interval.
package barrier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bureau-foundation/rollout/lib/clock"
	"github.com/bureau-foundation/rollout/lib/metrics"
)

// DefaultPollInterval is used when Config.PollInterval is zero.
const DefaultPollInterval = 3 * time.Second

var (
	// ErrEventExists is returned by Set when the event id was already
	// set. Events are write-once.
	ErrEventExists = errors.New("event already set")

	// ErrTimeout is returned by Wait when the event did not appear in
	// time.
	ErrTimeout = errors.New("timed out waiting for event")
)

// Event is one rendezvous point.
type Event struct {
	ID       string
	Metadata map[string]any
	SetAt    time.Time
}

// Store persists events. Put must return ErrEventExists when the id is
// already present, including when a concurrent Put wins the race.
type Store interface {
	Put(ctx context.Context, event Event) error
	Get(ctx context.Context, id string) (Event, bool, error)
}

// Notifier carries "event set" wake-ups between processes.
type Notifier interface {
	Publish(ctx context.Context, id string) error

	// Subscribe returns a channel that receives a value after a Publish
	// for id, and a function that ends the subscription.
	Subscribe(id string) (<-chan struct{}, func(), error)
}

// Config configures New.
type Config struct {
	Store Store

	// Notifier is optional.
	Notifier Notifier

	// PollInterval defaults to DefaultPollInterval.
	PollInterval time.Duration

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Barrier sets and waits for events.
type Barrier struct {
	store        Store
	notifier     Notifier
	pollInterval time.Duration
	clock        clock.Clock
	logger       *slog.Logger
	metrics      *metrics.Metrics
}

// New validates cfg and returns a Barrier.
func New(cfg Config) (*Barrier, error) {
	if cfg.Store == nil {
		return nil, errors.New("barrier: Store is required")
	}
	if cfg.PollInterval < 0 {
		return nil, fmt.Errorf("barrier: negative poll interval %v", cfg.PollInterval)
	}
	interval := cfg.PollInterval
	if interval == 0 {
		interval = DefaultPollInterval
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Barrier{
		store:        cfg.Store,
		notifier:     cfg.Notifier,
		pollInterval: interval,
		clock:        clk,
		logger:       logger,
		metrics:      cfg.Metrics,
	}, nil
}

// Set records the event. A second Set of the same id fails with
// ErrEventExists and leaves the first metadata in place.
func (b *Barrier) Set(ctx context.Context, id string, metadata map[string]any) error {
	if id == "" {
		return errors.New("barrier: event id is required")
	}
	event := Event{ID: id, Metadata: metadata, SetAt: b.clock.Now().UTC()}
	if err := b.store.Put(ctx, event); err != nil {
		if errors.Is(err, ErrEventExists) {
			return fmt.Errorf("setting event %q: %w", id, err)
		}
		return fmt.Errorf("storing event %q: %w", id, err)
	}
	b.logger.Info("event set", "event", id)

	if b.notifier != nil {
		if err := b.notifier.Publish(ctx, id); err != nil {
			b.logger.Warn("event notification failed; waiters fall back to polling", "event", id, "error", err)
		}
	}
	return nil
}

// Wait blocks until the event is set, then returns its metadata. It
// returns ErrTimeout once timeout has elapsed without the event, and
// ctx.Err() if ctx ends first.
func (b *Barrier) Wait(ctx context.Context, id string, timeout time.Duration) (map[string]any, error) {
	if id == "" {
		return nil, errors.New("barrier: event id is required")
	}
	deadline := b.clock.Now().Add(timeout)

	var wake <-chan struct{}
	if b.notifier != nil {
		channel, cancel, err := b.notifier.Subscribe(id)
		if err != nil {
			b.logger.Warn("event subscription failed; polling only", "event", id, "error", err)
		} else {
			wake = channel
			defer cancel()
		}
	}

	for {
		event, found, err := b.store.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("reading event %q: %w", id, err)
		}
		if found {
			b.metrics.BarrierWaited("set")
			return event.Metadata, nil
		}

		remaining := deadline.Sub(b.clock.Now())
		if remaining <= 0 {
			b.metrics.BarrierWaited("timeout")
			b.logger.Info("event wait timed out", "event", id, "timeout", timeout)
			return nil, fmt.Errorf("event %q after %v: %w", id, timeout, ErrTimeout)
		}

		select {
		case <-b.clock.After(min(b.pollInterval, remaining)):
		case <-wake:
		case <-ctx.Done():
			b.metrics.BarrierWaited("cancelled")
			return nil, ctx.Err()
		}
	}
}

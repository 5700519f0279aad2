// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package barrier

import (
	"context"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/bureau-foundation/rollout/lib/bus"
)

var (
	_ Notifier = (*NATSNotifier)(nil)
	_ Notifier = (*MemoryNotifier)(nil)
)

// NATSNotifier publishes event wake-ups on <prefix>.barrier.<id>.
type NATSNotifier struct {
	conn   *nats.Conn
	prefix string
}

// NewNATSNotifier uses an established connection. The caller owns conn.
func NewNATSNotifier(conn *nats.Conn, prefix string) *NATSNotifier {
	return &NATSNotifier{conn: conn, prefix: prefix}
}

func (n *NATSNotifier) subject(id string) string {
	return bus.Subject(n.prefix, "barrier", id)
}

func (n *NATSNotifier) Publish(_ context.Context, id string) error {
	return n.conn.Publish(n.subject(id), []byte(id))
}

func (n *NATSNotifier) Subscribe(id string) (<-chan struct{}, func(), error) {
	wake := make(chan struct{}, 1)
	subscription, err := n.conn.Subscribe(n.subject(id), func(*nats.Msg) {
		signal(wake)
	})
	if err != nil {
		return nil, nil, err
	}
	return wake, func() { subscription.Unsubscribe() }, nil
}

// MemoryNotifier wakes waiters in the same process.
type MemoryNotifier struct {
	mu          sync.Mutex
	subscribers map[string]map[chan struct{}]struct{}
}

// NewMemoryNotifier returns an empty MemoryNotifier.
func NewMemoryNotifier() *MemoryNotifier {
	return &MemoryNotifier{subscribers: make(map[string]map[chan struct{}]struct{})}
}

func (n *MemoryNotifier) Publish(_ context.Context, id string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for wake := range n.subscribers[id] {
		signal(wake)
	}
	return nil
}

func (n *MemoryNotifier) Subscribe(id string) (<-chan struct{}, func(), error) {
	wake := make(chan struct{}, 1)
	n.mu.Lock()
	if n.subscribers[id] == nil {
		n.subscribers[id] = make(map[chan struct{}]struct{})
	}
	n.subscribers[id][wake] = struct{}{}
	n.mu.Unlock()

	cancel := func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.subscribers[id], wake)
		if len(n.subscribers[id]) == 0 {
			delete(n.subscribers, id)
		}
	}
	return wake, cancel, nil
}

// signal delivers a non-blocking wake-up.
func signal(wake chan struct{}) {
	select {
	case wake <- struct{}{}:
	default:
	}
}

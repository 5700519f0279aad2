// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package progress pushes best-effort deployment status to whoever is
// watching: the operator's terminal, or any NATS subscriber. Reporting
// never fails a deployment; errors are logged and dropped.
package progress

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/bureau-foundation/rollout/lib/bus"
)

// Message is one status update for a host.
type Message struct {
	Host    string    `json:"host"`
	Formula string    `json:"formula,omitempty"`
	State   string    `json:"state"`
	Detail  string    `json:"detail,omitempty"`
	Time    time.Time `json:"time"`
}

// Reporter receives status updates.
type Reporter interface {
	Notify(ctx context.Context, message Message)
}

// Discard drops every message.
type Discard struct{}

func (Discard) Notify(context.Context, Message) {}

// LogReporter writes messages to a structured logger.
type LogReporter struct {
	Logger *slog.Logger
}

func (r LogReporter) Notify(ctx context.Context, message Message) {
	if r.Logger == nil {
		return
	}
	r.Logger.InfoContext(ctx, "deployment progress",
		"host", message.Host,
		"formula", message.Formula,
		"state", message.State,
		"detail", message.Detail,
	)
}

// NATSReporter publishes JSON messages on <prefix>.progress.<host>.
type NATSReporter struct {
	conn   *nats.Conn
	prefix string
	logger *slog.Logger
}

// NewNATSReporter uses an established connection. The caller owns conn.
func NewNATSReporter(conn *nats.Conn, prefix string, logger *slog.Logger) *NATSReporter {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &NATSReporter{conn: conn, prefix: prefix, logger: logger}
}

// Subject returns the subject messages for host are published on.
func (r *NATSReporter) Subject(host string) string {
	return bus.Subject(r.prefix, "progress", host)
}

func (r *NATSReporter) Notify(_ context.Context, message Message) {
	payload, err := json.Marshal(message)
	if err != nil {
		r.logger.Warn("encoding progress message", "error", err)
		return
	}
	if err := r.conn.Publish(r.Subject(message.Host), payload); err != nil {
		r.logger.Warn("publishing progress message", "host", message.Host, "error", err)
	}
}

// Fanout sends every message to each reporter in order.
type Fanout []Reporter

func (f Fanout) Notify(ctx context.Context, message Message) {
	for _, reporter := range f {
		reporter.Notify(ctx, message)
	}
}

// Recorder keeps messages in memory. Safe for concurrent use.
type Recorder struct {
	mu       sync.Mutex
	messages []Message
}

func (r *Recorder) Notify(_ context.Context, message Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, message)
}

// Messages returns a copy of the recorded messages.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.messages...)
}

// States returns the recorded states for host, in order.
func (r *Recorder) States(host string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var states []string
	for _, message := range r.messages {
		if message.Host == host {
			states = append(states, message.State)
		}
	}
	return states
}

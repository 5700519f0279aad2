// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package bus connects to the NATS server that carries barrier wake-ups
// and deployment progress. Messages on the bus are hints: every
// consumer treats the durable store as authoritative and tolerates lost
// messages.
package bus

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// Config configures Connect.
type Config struct {
	URL string

	// Name identifies the client in NATS server monitoring.
	Name string

	Logger *slog.Logger
}

// Connect dials NATS and reconnects forever in the background.
func Connect(cfg Config) (*nats.Conn, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	name := cfg.Name
	if name == "" {
		name = "rollout"
	}
	conn, err := nats.Connect(cfg.URL,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			logger.Info("nats reconnected", "url", conn.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats at %s: %w", cfg.URL, err)
	}
	return conn, nil
}

// Subject joins a prefix and free-form tokens into a NATS subject.
// Characters that NATS treats specially are replaced with '_'.
func Subject(prefix string, tokens ...string) string {
	parts := make([]string, 0, len(tokens)+1)
	if prefix != "" {
		parts = append(parts, prefix)
	}
	for _, token := range tokens {
		parts = append(parts, Token(token))
	}
	return strings.Join(parts, ".")
}

// Token sanitizes one subject token.
func Token(value string) string {
	if value == "" {
		return "_"
	}
	return strings.Map(func(character rune) rune {
		switch {
		case character >= 'a' && character <= 'z',
			character >= 'A' && character <= 'Z',
			character >= '0' && character <= '9',
			character == '-', character == '_':
			return character
		default:
			return '_'
		}
	}, value)
}

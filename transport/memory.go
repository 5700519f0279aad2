// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
)

// ErrConnectionLost is the session-level failure MemoryDialer injects.
var ErrConnectionLost = errors.New("connection lost")

// MemoryCommand is one command as a MemoryDialer connection received
// it, after privilege rewriting.
type MemoryCommand struct {
	Command string
	Stdin   []byte
}

// MemoryDialer is an in-process Dialer for tests. Remote files are kept
// in memory per address. It is safe for concurrent use.
type MemoryDialer struct {
	// Respond answers each command. Nil exits 0 with no output.
	Respond func(address, command string) Output

	mu           sync.Mutex
	dials        map[string]int
	dialFailures map[string]int
	dropped      map[string]int
	commands     map[string][]MemoryCommand
	files        map[string]map[string][]byte
}

var _ Dialer = (*MemoryDialer)(nil)

// NewMemoryDialer returns an empty MemoryDialer.
func NewMemoryDialer() *MemoryDialer {
	return &MemoryDialer{
		dials:        make(map[string]int),
		dialFailures: make(map[string]int),
		dropped:      make(map[string]int),
		commands:     make(map[string][]MemoryCommand),
		files:        make(map[string]map[string][]byte),
	}
}

// FailDials makes the next count dials to address fail.
func (d *MemoryDialer) FailDials(address string, count int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialFailures[address] += count
}

// DropOperations makes the next count Run, Upload, or Download calls
// to address fail with ErrConnectionLost before doing anything.
func (d *MemoryDialer) DropOperations(address string, count int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dropped[address] += count
}

// Dials returns the number of dial attempts to address.
func (d *MemoryDialer) Dials(address string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials[address]
}

// TotalDials returns the number of dial attempts to any address.
func (d *MemoryDialer) TotalDials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	total := 0
	for _, count := range d.dials {
		total += count
	}
	return total
}

// Commands returns the commands address has run, in order.
func (d *MemoryDialer) Commands(address string) []MemoryCommand {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]MemoryCommand(nil), d.commands[address]...)
}

// File returns a remote file's contents.
func (d *MemoryDialer) File(address, path string) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	data, ok := d.files[address][path]
	return data, ok
}

// PutFile places a remote file for Download.
func (d *MemoryDialer) PutFile(address, path string, data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.files[address] == nil {
		d.files[address] = make(map[string][]byte)
	}
	d.files[address][path] = append([]byte(nil), data...)
}

func (d *MemoryDialer) Dial(ctx context.Context, endpoint Endpoint) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if endpoint.Password == nil && endpoint.PrivateKey == nil {
		return nil, ErrNoCredentials
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials[endpoint.Address]++
	if d.dialFailures[endpoint.Address] > 0 {
		d.dialFailures[endpoint.Address]--
		return nil, errors.New("connection refused")
	}
	return &memoryConn{dialer: d, address: endpoint.Address}, nil
}

// take consumes one injected drop for address.
func (d *MemoryDialer) take(address string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dropped[address] > 0 {
		d.dropped[address]--
		return true
	}
	return false
}

type memoryConn struct {
	dialer  *MemoryDialer
	address string
	closed  bool
}

func (c *memoryConn) Run(ctx context.Context, command string, stdin io.Reader) (Output, error) {
	if c.closed || c.dialer.take(c.address) {
		return Output{}, ErrConnectionLost
	}
	var input []byte
	if stdin != nil {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return Output{}, err
		}
		input = data
	}

	c.dialer.mu.Lock()
	c.dialer.commands[c.address] = append(c.dialer.commands[c.address], MemoryCommand{Command: command, Stdin: input})
	respond := c.dialer.Respond
	c.dialer.mu.Unlock()

	if respond == nil {
		return Output{}, nil
	}
	return respond(c.address, command), nil
}

func (c *memoryConn) Upload(ctx context.Context, source io.Reader, remotePath string) error {
	if c.closed || c.dialer.take(c.address) {
		return ErrConnectionLost
	}
	data, err := io.ReadAll(source)
	if err != nil {
		return err
	}
	c.dialer.PutFile(c.address, remotePath, data)
	return nil
}

func (c *memoryConn) Download(ctx context.Context, remotePath string, destination io.Writer) error {
	if c.closed || c.dialer.take(c.address) {
		return ErrConnectionLost
	}
	data, ok := c.dialer.File(c.address, remotePath)
	if !ok {
		return errors.New("no such file: " + remotePath)
	}
	_, err := io.Copy(destination, bytes.NewReader(data))
	return err
}

func (c *memoryConn) Close() error {
	c.closed = true
	return nil
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package inventory loads the managed host directory from a YAML file:
//
//	hosts:
//	  - id: web-1
//	    type: linux
//	    connection:
//	      address: 10.0.0.11
//	      user: deploy
//	      key_path: ~/.ssh/rollout
//	    facts:
//	      distro: ubuntu
//	      version: "22.04"
//	      arch: x86_64
//
// Credential fields may reference environment variables (${NAME}) so
// passwords stay out of the file.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/rollout/lib/host"
)

// ErrUnknownHost is returned by Lookup for an id not in the inventory.
var ErrUnknownHost = errors.New("unknown host")

// Inventory is an immutable host directory.
type Inventory struct {
	hosts map[string]host.Host
}

type file struct {
	Hosts []host.Host `yaml:"hosts"`
}

// Load reads and validates the inventory at path.
func Load(path string) (*Inventory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading inventory: %w", err)
	}
	inventory, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("inventory %s: %w", path, err)
	}
	return inventory, nil
}

// Parse decodes and validates inventory YAML.
func Parse(data []byte) (*Inventory, error) {
	var decoded file
	if err := yaml.Unmarshal(data, &decoded); err != nil {
		return nil, fmt.Errorf("parsing inventory: %w", err)
	}
	return New(decoded.Hosts...)
}

// New builds an inventory from hosts, validating each.
func New(hosts ...host.Host) (*Inventory, error) {
	inventory := &Inventory{hosts: make(map[string]host.Host, len(hosts))}
	var errs []error
	for index, entry := range hosts {
		if entry.ID == "" {
			errs = append(errs, fmt.Errorf("hosts[%d]: id is required", index))
			continue
		}
		if _, duplicate := inventory.hosts[entry.ID]; duplicate {
			errs = append(errs, fmt.Errorf("host %s: duplicate id", entry.ID))
			continue
		}
		hostType, err := host.ParseType(string(entry.Type))
		if err != nil {
			errs = append(errs, fmt.Errorf("host %s: %w", entry.ID, err))
		}
		entry.Type = hostType
		if entry.Connection.Address == "" {
			errs = append(errs, fmt.Errorf("host %s: connection.address is required", entry.ID))
		}
		entry.Connection.Password = os.ExpandEnv(entry.Connection.Password)
		entry.Connection.PrivateKey = os.ExpandEnv(entry.Connection.PrivateKey)
		entry.Connection.KeyPath = expandHome(os.ExpandEnv(entry.Connection.KeyPath))
		if entry.Name == "" {
			entry.Name = entry.ID
		}
		inventory.hosts[entry.ID] = entry
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return inventory, nil
}

// Lookup returns the host with id.
func (i *Inventory) Lookup(_ context.Context, id string) (host.Host, error) {
	entry, ok := i.hosts[id]
	if !ok {
		return host.Host{}, fmt.Errorf("%w: %s", ErrUnknownHost, id)
	}
	return entry, nil
}

// IDs returns every host id in sorted order.
func (i *Inventory) IDs() []string {
	ids := make([]string, 0, len(i.hosts))
	for id := range i.hosts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of hosts.
func (i *Inventory) Len() int {
	return len(i.hosts)
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

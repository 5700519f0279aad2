// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package host defines managed-host descriptors: how to reach a host
// over SSH and the operating-system facts used for support matching and
// template substitution.
package host

import (
	"fmt"
	"strconv"
	"strings"
)

// Type is the host operating-system family. It selects the code
// generator, the remote package path, and the execution command.
type Type string

const (
	Linux   Type = "linux"
	Windows Type = "windows"
)

// ParseType accepts "linux" or "windows" in any case. An empty string
// is Linux.
func ParseType(value string) (Type, error) {
	switch strings.ToLower(value) {
	case "", "linux":
		return Linux, nil
	case "windows":
		return Windows, nil
	default:
		return "", fmt.Errorf("unknown host type %q", value)
	}
}

// Connection describes how to open an SSH session to a host. Exactly
// one of Password, PrivateKey, or KeyPath is normally set; when several
// are present the key is tried first.
type Connection struct {
	Address    string `yaml:"address" json:"address"`
	Port       int    `yaml:"port,omitempty" json:"port,omitempty"`
	User       string `yaml:"user" json:"user"`
	Password   string `yaml:"password,omitempty" json:"-"`
	PrivateKey string `yaml:"private_key,omitempty" json:"-"`
	KeyPath    string `yaml:"key_path,omitempty" json:"key_path,omitempty"`
}

// Endpoint returns "address:port", defaulting the port to 22.
func (c Connection) Endpoint() string {
	port := c.Port
	if port == 0 {
		port = 22
	}
	return fmt.Sprintf("%s:%d", c.Address, port)
}

// IsRoot reports whether the connecting user needs no privilege
// escalation.
func (c Connection) IsRoot() bool {
	return c.User == "root"
}

// Facts are the operating-system facts gathered from a host.
type Facts struct {
	Distro   string         `yaml:"distro" json:"distro"`
	Version  string         `yaml:"version" json:"version"`
	Arch     string         `yaml:"arch" json:"arch"`
	Kernel   string         `yaml:"kernel,omitempty" json:"kernel,omitempty"`
	MemoryMB int64          `yaml:"memory_mb,omitempty" json:"memory_mb,omitempty"`
	Extra    map[string]any `yaml:"extra,omitempty" json:"extra,omitempty"`
}

// Platform returns the support-matrix triple for these facts.
func (f Facts) Platform() Platform {
	return Platform{Distro: strings.ToLower(f.Distro), Version: f.Version, Arch: f.Arch}
}

// Host is a managed host: identity, reachability, and facts.
type Host struct {
	ID         string     `yaml:"id" json:"id"`
	Name       string     `yaml:"name,omitempty" json:"name,omitempty"`
	Type       Type       `yaml:"type,omitempty" json:"type,omitempty"`
	Connection Connection `yaml:"connection" json:"connection"`
	Facts      Facts      `yaml:"facts" json:"facts"`
}

// Variables returns the host.* template variables.
func (h Host) Variables() map[string]string {
	variables := map[string]string{
		"host.id":       h.ID,
		"host.name":     h.Name,
		"host.type":     string(h.Type),
		"host.address":  h.Connection.Address,
		"host.distro":   strings.ToLower(h.Facts.Distro),
		"host.version":  h.Facts.Version,
		"host.arch":     h.Facts.Arch,
		"host.kernel":   h.Facts.Kernel,
		"host.memory":   strconv.FormatInt(h.Facts.MemoryMB, 10),
		"host.platform": h.Facts.Platform().String(),
	}
	for key, value := range flatten("host.extra", h.Facts.Extra) {
		variables[key] = value
	}
	return variables
}

// Lookup extracts a field from the host by dotted path, for example
// "facts.distro", "connection.address", or "facts.extra.nic.eth0".
// The path is case-insensitive on the fixed fields.
func (h Host) Lookup(path string) (string, bool) {
	segments := strings.Split(path, ".")
	switch strings.ToLower(segments[0]) {
	case "id":
		return h.ID, len(segments) == 1
	case "name":
		return h.Name, len(segments) == 1
	case "type":
		return string(h.Type), len(segments) == 1
	case "address":
		return h.Connection.Address, len(segments) == 1
	case "connection":
		if len(segments) != 2 {
			return "", false
		}
		switch strings.ToLower(segments[1]) {
		case "address":
			return h.Connection.Address, true
		case "port":
			return strconv.Itoa(h.Connection.Port), true
		case "user":
			return h.Connection.User, true
		}
		return "", false
	case "facts":
		if len(segments) < 2 {
			return "", false
		}
		switch strings.ToLower(segments[1]) {
		case "distro":
			return h.Facts.Distro, len(segments) == 2
		case "version":
			return h.Facts.Version, len(segments) == 2
		case "arch":
			return h.Facts.Arch, len(segments) == 2
		case "kernel":
			return h.Facts.Kernel, len(segments) == 2
		case "memory", "memory_mb":
			return strconv.FormatInt(h.Facts.MemoryMB, 10), len(segments) == 2
		case "extra":
			return lookupNested(h.Facts.Extra, segments[2:])
		}
	}
	return "", false
}

func lookupNested(value any, segments []string) (string, bool) {
	for _, segment := range segments {
		mapping, ok := value.(map[string]any)
		if !ok {
			return "", false
		}
		value, ok = mapping[segment]
		if !ok {
			return "", false
		}
	}
	switch typed := value.(type) {
	case nil:
		return "", false
	case map[string]any, []any:
		return "", false
	default:
		return fmt.Sprint(typed), true
	}
}

// flatten turns a nested map into dotted keys under prefix. Lists are
// rendered with fmt.
func flatten(prefix string, values map[string]any) map[string]string {
	result := make(map[string]string)
	for key, value := range values {
		name := prefix + "." + key
		if nested, ok := value.(map[string]any); ok {
			for nestedKey, nestedValue := range flatten(name, nested) {
				result[nestedKey] = nestedValue
			}
			continue
		}
		if value == nil {
			result[name] = ""
			continue
		}
		result[name] = fmt.Sprint(value)
	}
	return result
}

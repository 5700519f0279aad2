// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package compiler

// Step is one typed action in a compiled plan. Generators turn steps
// into script fragments; nothing upstream of a generator produces
// script text.
type Step interface {
	// EntryName is the manifest entry the step came from.
	EntryName() string
}

// State is the desired state a step converges to.
type State string

const (
	Present   State = "present"
	Absent    State = "absent"
	Latest    State = "latest"
	Started   State = "started"
	Stopped   State = "stopped"
	Restarted State = "restarted"
	Reloaded  State = "reloaded"
)

// Arg is one argv element. InPackage marks a path relative to the
// unpacked package directory, resolved by the script at run time.
type Arg struct {
	Value     string
	InPackage bool
}

// Literal returns a plain argv element.
func Literal(value string) Arg { return Arg{Value: value} }

// PackagePath returns an argv element resolved inside the package.
func PackagePath(relative string) Arg { return Arg{Value: relative, InPackage: true} }

// RunCommand executes argv directly. A shell appears in argv only when
// the manifest opted into one explicitly.
type RunCommand struct {
	Entry      string
	Key        string
	Argv       []Arg
	Privileged bool
	Directory  string
	Env        map[string]string
}

// DeployFile installs a materialized file from the package.
type DeployFile struct {
	Entry       string
	Source      string
	Destination string
	Mode        string
	Owner       string
	Group       string
	State       State
}

// EnsureFolder creates (or removes) a directory, optionally populated
// from a materialized tree in the package.
type EnsureFolder struct {
	Entry  string
	Path   string
	Mode   string
	Owner  string
	Group  string
	Source string
	State  State
}

// ManagePackage installs, upgrades, or removes OS packages.
type ManagePackage struct {
	Entry   string
	Manager string
	Names   []string
	State   State
}

// ConfigureRepository adds or removes a package repository.
type ConfigureRepository struct {
	Entry   string
	Manager string
	Name    string
	URL     string
	Key     string
	Suite   string
	Parts   []string
	State   State
}

// ManageService drives a system service.
type ManageService struct {
	Entry   string
	Name    string
	State   State
	Enabled *bool
}

// FirewallRule appends or deletes one packet filter rule.
type FirewallRule struct {
	Entry    string
	Chain    string
	Protocol string
	Port     string
	Source   string
	Action   string
	State    State
}

// ManageUser creates or removes a local account.
type ManageUser struct {
	Entry  string
	Name   string
	Groups []string
	Shell  string
	Home   string
	System bool
	State  State
}

// Unsupported stands in for an entry with no variant matching the
// host, or whose source could not be materialized. It renders as a
// comment.
type Unsupported struct {
	Section string
	Entry   string
	Reason  string
}

func (s RunCommand) EntryName() string          { return s.Entry }
func (s DeployFile) EntryName() string          { return s.Entry }
func (s EnsureFolder) EntryName() string        { return s.Entry }
func (s ManagePackage) EntryName() string       { return s.Entry }
func (s ConfigureRepository) EntryName() string { return s.Entry }
func (s ManageService) EntryName() string       { return s.Entry }
func (s FirewallRule) EntryName() string        { return s.Entry }
func (s ManageUser) EntryName() string          { return s.Entry }
func (s Unsupported) EntryName() string         { return s.Entry }

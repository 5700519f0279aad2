// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package authz decides whether an operator may apply a formula. The
// provider is chosen by name from a [Registry] populated at startup,
// so configuration picks the policy without loading code by name.
//
// Objects are formula identifiers (uuid or name). Subjects are operator
// names, normally the local user running the CLI.
package authz

import (
	"context"
	"errors"
	"fmt"
	"path"
	"slices"
	"sort"
	"sync"
)

// ErrDenied is returned by Check when the authorizer refuses.
var ErrDenied = errors.New("not authorized")

// Authorizer answers whether subject may act on object.
type Authorizer interface {
	Authorize(ctx context.Context, subject, object string) (bool, error)
}

// Options are provider-specific settings from the configuration file.
type Options struct {
	Settings map[string]string
	// Rules maps a subject to the object patterns it may apply.
	Rules map[string][]string
}

// Factory builds an Authorizer from options.
type Factory func(Options) (Authorizer, error)

// Registry maps provider names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry with the built-in providers:
// "allow-all" and "static".
func NewRegistry() *Registry {
	registry := &Registry{factories: make(map[string]Factory)}
	registry.Register("allow-all", func(Options) (Authorizer, error) { return AllowAll{}, nil })
	registry.Register("static", NewStatic)
	return registry
}

// Register adds or replaces a provider.
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New builds the named provider.
func (r *Registry) New(name string, options Options) (Authorizer, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown authorization provider %q (have %v)", name, r.Names())
	}
	authorizer, err := factory(options)
	if err != nil {
		return nil, fmt.Errorf("authorization provider %q: %w", name, err)
	}
	return authorizer, nil
}

// Check wraps Authorize so a refusal is an error wrapping ErrDenied.
func Check(ctx context.Context, authorizer Authorizer, subject, object string) error {
	allowed, err := authorizer.Authorize(ctx, subject, object)
	if err != nil {
		return fmt.Errorf("authorizing %s on %s: %w", subject, object, err)
	}
	if !allowed {
		return fmt.Errorf("%s on %s: %w", subject, object, ErrDenied)
	}
	return nil
}

// AllowAll permits everything. It is the development default.
type AllowAll struct{}

func (AllowAll) Authorize(context.Context, string, string) (bool, error) {
	return true, nil
}

// Static permits a subject to apply objects matching its patterns. The
// subject "*" applies to everyone. Patterns use path.Match syntax.
type Static struct {
	rules map[string][]string
}

// NewStatic validates every pattern up front.
func NewStatic(options Options) (Authorizer, error) {
	var problems []error
	rules := make(map[string][]string, len(options.Rules))
	for subject, patterns := range options.Rules {
		for _, pattern := range patterns {
			if _, err := path.Match(pattern, ""); err != nil {
				problems = append(problems, fmt.Errorf("rule for %q: pattern %q: %w", subject, pattern, err))
			}
		}
		rules[subject] = slices.Clone(patterns)
	}
	if err := errors.Join(problems...); err != nil {
		return nil, err
	}
	return &Static{rules: rules}, nil
}

func (s *Static) Authorize(_ context.Context, subject, object string) (bool, error) {
	for _, candidate := range []string{subject, "*"} {
		for _, pattern := range s.rules[candidate] {
			if matched, _ := path.Match(pattern, object); matched {
				return true, nil
			}
		}
	}
	return false, nil
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/bureau-foundation/rollout/lib/host"
)

var (
	// ErrUnresolvedPlaceholder means a placeholder names a parameter,
	// host, or host field that does not exist.
	ErrUnresolvedPlaceholder = errors.New("unresolved placeholder")

	// ErrPlaceholderCycle means placeholders refer to each other.
	ErrPlaceholderCycle = errors.New("placeholder cycle")
)

// maxResolveDepth bounds rescans of substituted text.
const maxResolveDepth = 16

var (
	// namePlaceholder is a whole value of the form @name. Embedded @
	// signs, as in mail addresses, are left alone.
	namePlaceholder = regexp.MustCompile(`^@([A-Za-z_][A-Za-z0-9_.\-]*)$`)

	// hostPlaceholder is {%HOST:<host id>%:<field path>%}.
	hostPlaceholder = regexp.MustCompile(`\{%HOST:([^%]+)%:([^%]+)%\}`)
)

// resolver substitutes placeholders in one target's parameters. Names
// are looked up in the target's own parameters first, then in the
// resolved parameters of earlier targets in declaration order, then in
// the group-level parameters.
type resolver struct {
	ctx    context.Context
	hosts  HostDirectory
	cache  map[string]host.Host
	scopes []map[string]any

	resolving map[string]bool
}

func newResolver(ctx context.Context, hosts HostDirectory, cache map[string]host.Host, scopes ...map[string]any) *resolver {
	return &resolver{ctx: ctx, hosts: hosts, cache: cache, scopes: scopes, resolving: make(map[string]bool)}
}

func (r *resolver) parameters(params map[string]any) (map[string]any, error) {
	resolved, err := r.value(params, 0)
	if err != nil {
		return nil, err
	}
	if resolved == nil {
		return map[string]any{}, nil
	}
	return resolved.(map[string]any), nil
}

func (r *resolver) value(value any, depth int) (any, error) {
	if depth > maxResolveDepth {
		return nil, fmt.Errorf("%w: nesting deeper than %d", ErrPlaceholderCycle, maxResolveDepth)
	}
	switch typed := value.(type) {
	case string:
		return r.text(typed, depth)
	case map[string]any:
		if typed == nil {
			return nil, nil
		}
		resolved := make(map[string]any, len(typed))
		for key, item := range typed {
			itemValue, err := r.value(item, depth)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			resolved[key] = itemValue
		}
		return resolved, nil
	case []any:
		resolved := make([]any, len(typed))
		for index, item := range typed {
			itemValue, err := r.value(item, depth)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", index, err)
			}
			resolved[index] = itemValue
		}
		return resolved, nil
	default:
		return value, nil
	}
}

func (r *resolver) text(text string, depth int) (any, error) {
	if match := namePlaceholder.FindStringSubmatch(text); match != nil {
		name := match[1]
		if r.resolving[name] {
			return nil, fmt.Errorf("%w: @%s", ErrPlaceholderCycle, name)
		}
		raw, ok := r.lookup(name)
		if !ok {
			return nil, fmt.Errorf("%w: @%s", ErrUnresolvedPlaceholder, name)
		}
		r.resolving[name] = true
		defer delete(r.resolving, name)
		return r.value(raw, depth+1)
	}

	if !hostPlaceholder.MatchString(text) {
		return text, nil
	}
	var failure error
	replaced := hostPlaceholder.ReplaceAllStringFunc(text, func(placeholder string) string {
		if failure != nil {
			return placeholder
		}
		parts := hostPlaceholder.FindStringSubmatch(placeholder)
		value, err := r.hostField(parts[1], parts[2])
		if err != nil {
			failure = err
			return placeholder
		}
		return value
	})
	if failure != nil {
		return nil, failure
	}
	return r.value(replaced, depth+1)
}

func (r *resolver) hostField(hostID, path string) (string, error) {
	target, cached := r.cache[hostID]
	if !cached {
		found, err := r.hosts.Lookup(r.ctx, hostID)
		if err != nil {
			return "", fmt.Errorf("%w: host %s: %w", ErrUnresolvedPlaceholder, hostID, err)
		}
		r.cache[hostID] = found
		target = found
	}
	value, ok := target.Lookup(path)
	if !ok {
		return "", fmt.Errorf("%w: host %s has no field %q", ErrUnresolvedPlaceholder, hostID, path)
	}
	return value, nil
}

// lookup finds name in the scopes, by exact key first and then as a
// dotted path into nested maps.
func (r *resolver) lookup(name string) (any, bool) {
	for _, scope := range r.scopes {
		if value, ok := scope[name]; ok {
			return value, true
		}
		if value, ok := walk(scope, strings.Split(name, ".")); ok {
			return value, true
		}
	}
	return nil, false
}

func walk(values map[string]any, segments []string) (any, bool) {
	current, ok := values[segments[0]]
	if !ok {
		return nil, false
	}
	if len(segments) == 1 {
		return current, true
	}
	nested, ok := current.(map[string]any)
	if !ok {
		return nil, false
	}
	return walk(nested, segments[1:])
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package formula

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/bureau-foundation/rollout/lib/host"
)

// Type classifies how a formula may be applied.
type Type string

const (
	// Service formulas are applied once per host. A second successful
	// application is rejected.
	Service Type = "service"

	// Utility formulas may be re-run any number of times.
	Utility Type = "utility"

	// Group formulas carry a targets block and fan out to other
	// formulas across several hosts.
	Group Type = "group"
)

// RunType selects which top-level template renders the package entry
// script.
type RunType string

const (
	Install   RunType = "install"
	Uninstall RunType = "uninstall"
	Update    RunType = "update"
)

// ParseRunType accepts install, uninstall, or update. Empty is install.
func ParseRunType(value string) (RunType, error) {
	switch RunType(strings.ToLower(value)) {
	case "", Install:
		return Install, nil
	case Uninstall:
		return Uninstall, nil
	case Update:
		return Update, nil
	default:
		return "", fmt.Errorf("unknown run type %q", value)
	}
}

// SectionNames lists manifest sections in the order the compiler
// processes them.
var SectionNames = []string{
	"repository",
	"packages",
	"users",
	"folders",
	"files",
	"commands",
	"services",
	"iptables",
}

// ErrMissingParameter is returned by ResolveFieldset when a required
// field has no value and no default.
var ErrMissingParameter = errors.New("missing required parameter")

// Formula is a declarative unit of configuration. Formulas are
// immutable once loaded; the compiler and coordinators only read them.
type Formula struct {
	UUID string `json:"uuid"`
	Name string `json:"name"`
	Type Type   `json:"type"`

	// Support is the top-level support matrix. A host whose platform is
	// not listed is rejected before any package is built.
	Support []string `json:"support"`

	// Dependencies names formulas that must already be applied. Recorded
	// on the run record; not enforced at apply time.
	Dependencies []string `json:"dependencies,omitempty"`

	Fieldset []Field  `json:"fieldset,omitempty"`
	Manifest Manifest `json:"manifest"`

	// Templates holds file templates and, under a run type name such
	// as "install", an entry-script template that replaces the built-in
	// one.
	Templates map[string]string `json:"templates,omitempty"`

	// Targets is the multi-host block of a group formula.
	Targets []Target `json:"targets,omitempty"`
}

// Field declares one runtime parameter.
type Field struct {
	Name     string `json:"name"`
	Required bool   `json:"required,omitempty"`
	Default  any    `json:"default,omitempty"`
	// Secret fields are never written to the run record.
	Secret bool `json:"secret,omitempty"`
}

// Target is one member of a group formula's targets block.
type Target struct {
	// Formula is the uuid (or name) of the formula applied to the host.
	Formula string `json:"formula"`

	// Host is the host id. It may itself be a placeholder resolved
	// against earlier targets' parameters.
	Host string `json:"host"`

	// Parameters may contain @name and {%HOST:<id>%:<path>%}
	// placeholders resolved by the group orchestrator.
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Supports reports whether the formula's top-level support matrix
// lists platform.
func (f *Formula) Supports(platform host.Platform) bool {
	return host.Supported(f.Support, platform)
}

// Template returns a named template.
func (f *Formula) Template(name string) (string, bool) {
	text, ok := f.Templates[name]
	return text, ok
}

// Validate checks structural invariants. It reports every problem.
func (f *Formula) Validate() error {
	var errs []error

	if f.UUID == "" {
		errs = append(errs, errors.New("uuid is required"))
	}
	if f.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	switch f.Type {
	case Service, Utility, Group:
	default:
		errs = append(errs, fmt.Errorf("type %q is not service, utility, or group", f.Type))
	}
	for _, entry := range f.Support {
		if _, err := host.ParsePlatform(entry); err != nil {
			errs = append(errs, fmt.Errorf("support: %w", err))
		}
	}
	for _, sectionName := range f.Manifest.SectionNames() {
		if !slices.Contains(SectionNames, sectionName) {
			errs = append(errs, fmt.Errorf("manifest: unknown section %q", sectionName))
		}
		for _, entry := range f.Manifest.Section(sectionName) {
			if len(entry.Variants) == 0 {
				errs = append(errs, fmt.Errorf("manifest.%s.%s: no target variants", sectionName, entry.Name))
			}
			for index, variant := range entry.Variants {
				if len(variant.Support) == 0 {
					errs = append(errs, fmt.Errorf("manifest.%s.%s.target[%d]: support is empty", sectionName, entry.Name, index))
				}
			}
		}
	}
	seenFields := make(map[string]bool)
	for _, field := range f.Fieldset {
		if field.Name == "" {
			errs = append(errs, errors.New("fieldset: field without a name"))
			continue
		}
		if seenFields[field.Name] {
			errs = append(errs, fmt.Errorf("fieldset: duplicate field %q", field.Name))
		}
		seenFields[field.Name] = true
	}
	if f.Type == Group {
		if len(f.Targets) == 0 {
			errs = append(errs, errors.New("group formula has no targets"))
		}
		for index, target := range f.Targets {
			if target.Formula == "" || target.Host == "" {
				errs = append(errs, fmt.Errorf("targets[%d]: formula and host are required", index))
			}
		}
	} else if len(f.Targets) > 0 {
		errs = append(errs, fmt.Errorf("%s formula must not declare targets", f.Type))
	}

	if len(errs) > 0 {
		return fmt.Errorf("formula %q: %w", f.Name, errors.Join(errs...))
	}
	return nil
}

// ResolveFieldset returns params completed with declared defaults.
// Every required field without a value is reported in one error
// wrapping ErrMissingParameter. Undeclared parameters pass through.
func ResolveFieldset(fields []Field, params map[string]any) (map[string]any, error) {
	resolved := make(map[string]any, len(params)+len(fields))
	for name, value := range params {
		resolved[name] = value
	}

	var missing []string
	for _, field := range fields {
		if _, present := resolved[field.Name]; present {
			continue
		}
		if field.Default != nil {
			resolved[field.Name] = field.Default
			continue
		}
		if field.Required {
			missing = append(missing, field.Name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("%w: %s", ErrMissingParameter, strings.Join(missing, ", "))
	}
	return resolved, nil
}

// SecretFields returns the names of fields marked secret.
func SecretFields(fields []Field) map[string]bool {
	secrets := make(map[string]bool)
	for _, field := range fields {
		if field.Secret {
			secrets[field.Name] = true
		}
	}
	return secrets
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package formula

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tidwall/jsonc"
)

// Parse strips JSONC comments and trailing commas from data and decodes
// the result. The returned formula is not validated.
func Parse(data []byte) (*Formula, error) {
	var parsed Formula
	if err := json.Unmarshal(jsonc.ToJSON(data), &parsed); err != nil {
		return nil, fmt.Errorf("parsing formula: %w", err)
	}
	return &parsed, nil
}

// ReadFile reads, parses, and validates a formula file.
func ReadFile(path string) (*Formula, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	parsed, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if err := parsed.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return parsed, nil
}

// ErrNotFound is returned by a Catalog when no formula matches.
var ErrNotFound = errors.New("formula not found")

// Source resolves formulas by uuid or name.
type Source interface {
	Formula(ctx context.Context, reference string) (*Formula, error)
}

// Catalog is an in-memory Source indexed by uuid and by name.
type Catalog struct {
	byUUID map[string]*Formula
	byName map[string]*Formula
}

// NewCatalog indexes formulas. Duplicate uuids or names are an error.
func NewCatalog(formulas ...*Formula) (*Catalog, error) {
	catalog := &Catalog{
		byUUID: make(map[string]*Formula),
		byName: make(map[string]*Formula),
	}
	for _, candidate := range formulas {
		if err := catalog.add(candidate); err != nil {
			return nil, err
		}
	}
	return catalog, nil
}

func (c *Catalog) add(candidate *Formula) error {
	if _, exists := c.byUUID[candidate.UUID]; exists {
		return fmt.Errorf("duplicate formula uuid %s", candidate.UUID)
	}
	if _, exists := c.byName[candidate.Name]; exists {
		return fmt.Errorf("duplicate formula name %q", candidate.Name)
	}
	c.byUUID[candidate.UUID] = candidate
	c.byName[candidate.Name] = candidate
	return nil
}

// LoadDirectory reads every *.json and *.jsonc file in directory.
func LoadDirectory(directory string) (*Catalog, error) {
	entries, err := os.ReadDir(directory)
	if err != nil {
		return nil, fmt.Errorf("reading formula directory: %w", err)
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		extension := strings.ToLower(filepath.Ext(entry.Name()))
		if extension == ".json" || extension == ".jsonc" {
			paths = append(paths, filepath.Join(directory, entry.Name()))
		}
	}
	sort.Strings(paths)

	catalog, _ := NewCatalog()
	for _, path := range paths {
		loaded, err := ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := catalog.add(loaded); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	return catalog, nil
}

// Formula looks up by uuid first, then by name.
func (c *Catalog) Formula(_ context.Context, reference string) (*Formula, error) {
	if found, ok := c.byUUID[reference]; ok {
		return found, nil
	}
	if found, ok := c.byName[reference]; ok {
		return found, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, reference)
}

// Len returns the number of formulas in the catalog.
func (c *Catalog) Len() int {
	return len(c.byUUID)
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ParseAssignments turns repeated --param key=value flags into formula
// parameters. A dotted key builds nested maps ("db.port=5432" sets
// params["db"]["port"]). A value that parses as JSON keeps its JSON
// type, so "replicas=3" is a number and "tags=[\"a\"]" a list; any
// other value is a string.
func ParseAssignments(assignments []string) (map[string]any, error) {
	params := make(map[string]any)
	for _, assignment := range assignments {
		key, raw, found := strings.Cut(assignment, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("parameter %q: want key=value", assignment)
		}
		if err := setPath(params, strings.Split(key, "."), parseValue(raw)); err != nil {
			return nil, fmt.Errorf("parameter %q: %w", assignment, err)
		}
	}
	return params, nil
}

func parseValue(raw string) any {
	var value any
	if err := json.Unmarshal([]byte(raw), &value); err == nil {
		return value
	}
	return raw
}

func setPath(params map[string]any, segments []string, value any) error {
	for _, segment := range segments[:len(segments)-1] {
		if segment == "" {
			return fmt.Errorf("empty key segment")
		}
		next, exists := params[segment]
		if !exists {
			child := make(map[string]any)
			params[segment] = child
			params = child
			continue
		}
		child, ok := next.(map[string]any)
		if !ok {
			return fmt.Errorf("%q is already set to a non-map value", segment)
		}
		params = child
	}
	last := segments[len(segments)-1]
	if last == "" {
		return fmt.Errorf("empty key segment")
	}
	params[last] = value
	return nil
}

// LoadParameters reads a YAML or JSON parameter file.
func LoadParameters(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading parameters: %w", err)
	}
	params := make(map[string]any)
	if err := yaml.Unmarshal(data, &params); err != nil {
		return nil, fmt.Errorf("parsing parameters %s: %w", path, err)
	}
	return params, nil
}

// MergeParameters overlays overlay onto base, recursing into maps
// present on both sides. Neither input is modified.
func MergeParameters(base, overlay map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(overlay))
	for key, value := range base {
		merged[key] = value
	}
	for key, value := range overlay {
		baseMap, baseIsMap := merged[key].(map[string]any)
		overlayMap, overlayIsMap := value.(map[string]any)
		if baseIsMap && overlayIsMap {
			merged[key] = MergeParameters(baseMap, overlayMap)
			continue
		}
		merged[key] = value
	}
	return merged
}

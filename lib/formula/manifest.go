// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package formula

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strconv"

	"github.com/bureau-foundation/rollout/lib/host"
)

// Manifest is the tree of configuration entries, grouped by section.
// Sections and entries keep the order in which they were declared.
type Manifest struct {
	order    []string
	sections map[string][]Entry
}

// Entry is one named item within a section, with one or more
// platform-specific variants.
type Entry struct {
	Name     string
	Variants []Variant
}

// Variant is one platform-specific rendition of an entry. Support lists
// the platforms it applies to; Params carries section-specific fields.
type Variant struct {
	Support []string
	Params  map[string]any
}

// Add appends an entry to a section, creating the section on first use.
func (m *Manifest) Add(section string, entry Entry) {
	if m.sections == nil {
		m.sections = make(map[string][]Entry)
	}
	if _, exists := m.sections[section]; !exists {
		m.order = append(m.order, section)
	}
	m.sections[section] = append(m.sections[section], entry)
}

// Section returns the entries of a section in declaration order.
func (m Manifest) Section(name string) []Entry {
	return m.sections[name]
}

// SectionNames returns the declared section names in declaration order.
func (m Manifest) SectionNames() []string {
	return slices.Clone(m.order)
}

// Len returns the total number of entries across all sections.
func (m Manifest) Len() int {
	total := 0
	for _, entries := range m.sections {
		total += len(entries)
	}
	return total
}

// Select returns the first variant, in declaration order, whose
// support list matches platform.
func (e Entry) Select(platform host.Platform) (Variant, bool) {
	for _, variant := range e.Variants {
		if host.Supported(variant.Support, platform) {
			return variant, true
		}
	}
	return Variant{}, false
}

// String returns a string parameter, or "" when absent. Numbers and
// booleans are formatted.
func (v Variant) String(key string) string {
	switch typed := v.Params[key].(type) {
	case nil:
		return ""
	case string:
		return typed
	case json.Number:
		return typed.String()
	default:
		return fmt.Sprint(typed)
	}
}

// Bool returns a boolean parameter. Strings "true" and "yes" count.
func (v Variant) Bool(key string) bool {
	switch typed := v.Params[key].(type) {
	case bool:
		return typed
	case string:
		return typed == "true" || typed == "yes"
	default:
		return false
	}
}

// Strings returns a list parameter. A single string becomes a
// one-element list.
func (v Variant) Strings(key string) []string {
	return toStrings(v.Params[key])
}

// Map returns a nested object parameter, or nil.
func (v Variant) Map(key string) map[string]any {
	mapping, _ := v.Params[key].(map[string]any)
	return mapping
}

// OrderedKeys returns the keys of a nested object parameter in
// ascending order: numerically when every key is an integer,
// lexically otherwise. The commands section relies on this so that
// "10" runs before "20" and before "100".
func (v Variant) OrderedKeys(key string) []string {
	mapping := v.Map(key)
	keys := make([]string, 0, len(mapping))
	numeric := true
	for name := range mapping {
		keys = append(keys, name)
		if _, err := strconv.ParseInt(name, 10, 64); err != nil {
			numeric = false
		}
	}
	if numeric {
		sort.Slice(keys, func(i, j int) bool {
			left, _ := strconv.ParseInt(keys[i], 10, 64)
			right, _ := strconv.ParseInt(keys[j], 10, 64)
			return left < right
		})
	} else {
		sort.Strings(keys)
	}
	return keys
}

func toStrings(value any) []string {
	switch typed := value.(type) {
	case nil:
		return nil
	case string:
		return []string{typed}
	case []string:
		return typed
	case []any:
		result := make([]string, 0, len(typed))
		for _, element := range typed {
			if element == nil {
				continue
			}
			if number, ok := element.(json.Number); ok {
				result = append(result, number.String())
				continue
			}
			result = append(result, fmt.Sprint(element))
		}
		return result
	default:
		return []string{fmt.Sprint(typed)}
	}
}

// UnmarshalJSON decodes {"section": {"entry": {"target": [...]}}}
// keeping the declaration order of sections and entries.
func (m *Manifest) UnmarshalJSON(data []byte) error {
	*m = Manifest{}

	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	return decodeObject(decoder, "manifest", func(sectionName string) error {
		return decodeObject(decoder, "manifest."+sectionName, func(entryName string) error {
			var raw struct {
				Target json.RawMessage `json:"target"`
			}
			if err := decoder.Decode(&raw); err != nil {
				return fmt.Errorf("manifest.%s.%s: %w", sectionName, entryName, err)
			}
			variants, err := decodeVariants(raw.Target)
			if err != nil {
				return fmt.Errorf("manifest.%s.%s: %w", sectionName, entryName, err)
			}
			m.Add(sectionName, Entry{Name: entryName, Variants: variants})
			return nil
		})
	})
}

// MarshalJSON writes the manifest back in its declared order.
func (m Manifest) MarshalJSON() ([]byte, error) {
	var buffer bytes.Buffer
	buffer.WriteByte('{')
	for sectionIndex, sectionName := range m.order {
		if sectionIndex > 0 {
			buffer.WriteByte(',')
		}
		writeKey(&buffer, sectionName)
		buffer.WriteByte('{')
		for entryIndex, entry := range m.sections[sectionName] {
			if entryIndex > 0 {
				buffer.WriteByte(',')
			}
			writeKey(&buffer, entry.Name)
			targets := make([]map[string]any, 0, len(entry.Variants))
			for _, variant := range entry.Variants {
				object := make(map[string]any, len(variant.Params)+1)
				for key, value := range variant.Params {
					object[key] = value
				}
				object["support"] = variant.Support
				targets = append(targets, object)
			}
			encoded, err := json.Marshal(map[string]any{"target": targets})
			if err != nil {
				return nil, err
			}
			buffer.Write(encoded)
		}
		buffer.WriteByte('}')
	}
	buffer.WriteByte('}')
	return buffer.Bytes(), nil
}

func writeKey(buffer *bytes.Buffer, key string) {
	encoded, _ := json.Marshal(key)
	buffer.Write(encoded)
	buffer.WriteByte(':')
}

// decodeObject walks the keys of a JSON object, calling each for every
// key with the decoder positioned at the key's value.
func decodeObject(decoder *json.Decoder, path string, each func(key string) error) error {
	token, err := decoder.Token()
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if delimiter, ok := token.(json.Delim); !ok || delimiter != '{' {
		return fmt.Errorf("%s: expected object", path)
	}
	for decoder.More() {
		token, err := decoder.Token()
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		key, ok := token.(string)
		if !ok {
			return fmt.Errorf("%s: expected string key", path)
		}
		if err := each(key); err != nil {
			return err
		}
	}
	if _, err := decoder.Token(); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// decodeVariants accepts either a single variant object or a list.
func decodeVariants(raw json.RawMessage) ([]Variant, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, fmt.Errorf("target is required")
	}

	var objects []map[string]any
	if raw[0] == '{' {
		objects = make([]map[string]any, 1)
		if err := unmarshalNumbers(raw, &objects[0]); err != nil {
			return nil, err
		}
	} else if err := unmarshalNumbers(raw, &objects); err != nil {
		return nil, err
	}

	variants := make([]Variant, 0, len(objects))
	for _, object := range objects {
		support := toStrings(object["support"])
		delete(object, "support")
		variants = append(variants, Variant{Support: support, Params: object})
	}
	return variants, nil
}

func unmarshalNumbers(data []byte, target any) error {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	return decoder.Decode(target)
}

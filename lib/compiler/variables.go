// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package compiler

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Variables maps dotted names ("params.port", "host.distro") to
// values. Templates reference them as {{ params.port }}.
type Variables map[string]string

// Merge layers later maps over earlier ones.
func Merge(layers ...Variables) Variables {
	merged := make(Variables)
	for _, layer := range layers {
		for name, value := range layer {
			merged[name] = value
		}
	}
	return merged
}

// Names returns every variable name in sorted order.
func (v Variables) Names() []string {
	names := make([]string, 0, len(v))
	for name := range v {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FromMap flattens a nested parameter map into dotted names under
// prefix. Nested objects recurse; lists are JSON-encoded.
func FromMap(prefix string, values map[string]any) Variables {
	result := make(Variables)
	flattenInto(result, prefix, values)
	return result
}

func flattenInto(result Variables, prefix string, values map[string]any) {
	for key, value := range values {
		name := key
		if prefix != "" {
			name = prefix + "." + key
		}
		switch typed := value.(type) {
		case map[string]any:
			flattenInto(result, name, typed)
		case nil:
			result[name] = ""
		case string:
			result[name] = typed
		case []any, []string:
			encoded, err := json.Marshal(typed)
			if err != nil {
				result[name] = fmt.Sprint(typed)
				continue
			}
			result[name] = string(encoded)
		default:
			result[name] = fmt.Sprint(typed)
		}
	}
}

// sectionPrefix marks placeholders filled with generated code rather
// than variables.
const sectionPrefix = "section."

// renderer substitutes {{ name }} placeholders in one pass. Replaced
// text is never rescanned, so a variable whose value contains braces
// cannot inject further placeholders.
type renderer struct {
	variables Variables

	// sections holds generated fragments for {{ section.<name> }}.
	// Multi-line fragments are re-indented to the placeholder's column.
	sections map[string]string

	// quote, when set, wraps every variable value and unresolved name
	// before it is written. Sections are written as-is.
	quote func(string) string

	// unresolved is called once per unknown reference. The reference
	// is replaced by its own name.
	unresolved func(name string)
}

func (r renderer) render(text string) string {
	var output strings.Builder
	output.Grow(len(text))
	var line lineTracker
	write := func(chunk string) {
		output.WriteString(chunk)
		line.advance(chunk)
	}

	for {
		start := strings.Index(text, "{{")
		if start < 0 {
			output.WriteString(text)
			return output.String()
		}
		end := strings.Index(text[start+2:], "}}")
		if end < 0 {
			output.WriteString(text)
			return output.String()
		}
		end += start + 2

		name := strings.TrimSpace(text[start+2 : end])
		if !isReference(name) {
			write(text[:end+2])
			text = text[end+2:]
			continue
		}

		write(text[:start])
		write(r.resolve(name, line.indent()))
		text = text[end+2:]
	}
}

func (r renderer) resolve(name, indent string) string {
	if section, ok := strings.CutPrefix(name, sectionPrefix); ok {
		if fragment, found := r.sections[section]; found {
			return reindent(fragment, indent)
		}
	}
	value, found := r.variables[name]
	if !found {
		if r.unresolved != nil {
			r.unresolved(name)
		}
		value = name
	}
	if r.quote != nil {
		return r.quote(value)
	}
	return value
}

// Render substitutes variables into text. Unknown references become
// their bare name and are reported through unresolved.
func Render(text string, variables Variables, unresolved func(name string)) string {
	return renderer{variables: variables, unresolved: unresolved}.render(text)
}

// isReference accepts dotted identifiers with at least one dot:
// "group.name", "params.db.host". Anything else between braces is left
// alone, so literal "{{" in scripts survives.
func isReference(name string) bool {
	if !strings.Contains(name, ".") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	for _, character := range name {
		switch {
		case character >= 'a' && character <= 'z',
			character >= 'A' && character <= 'Z',
			character >= '0' && character <= '9',
			character == '_', character == '-', character == '.':
		default:
			return false
		}
	}
	return !strings.Contains(name, "..")
}

// lineTracker follows the current output line so the indent at a
// placeholder is known without rescanning what was already written.
type lineTracker struct {
	prefix  string
	content bool
}

func (l *lineTracker) advance(chunk string) {
	if newline := strings.LastIndexByte(chunk, '\n'); newline >= 0 {
		chunk = chunk[newline+1:]
		l.prefix, l.content = "", false
	}
	if l.content {
		return
	}
	if trimmed := strings.TrimLeft(chunk, " \t"); trimmed != "" {
		l.prefix, l.content = "", true
		return
	}
	l.prefix += chunk
}

// indent is the whitespace prefix of the current line when nothing
// else has been written on it, and "" otherwise.
func (l *lineTracker) indent() string {
	if l.content {
		return ""
	}
	return l.prefix
}

// reindent prefixes every line after the first with indent. The first
// line already sits at the placeholder's column.
func reindent(fragment, indent string) string {
	fragment = strings.TrimRight(fragment, "\n")
	if indent == "" || !strings.Contains(fragment, "\n") {
		return fragment
	}
	lines := strings.Split(fragment, "\n")
	for index := 1; index < len(lines); index++ {
		if lines[index] != "" {
			lines[index] = indent + lines[index]
		}
	}
	return strings.Join(lines, "\n")
}

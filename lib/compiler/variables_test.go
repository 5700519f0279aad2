// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package compiler

import (
	"reflect"
	"testing"
)

func TestRenderSubstitutesAndReportsUnresolved(t *testing.T) {
	variables := Variables{"params.port": "8080", "host.distro": "ubuntu"}
	var missing []string

	got := Render("listen {{ params.port }} on {{host.distro}} as {{ params.user }}", variables, func(name string) {
		missing = append(missing, name)
	})

	if want := "listen 8080 on ubuntu as params.user"; got != want {
		t.Errorf("Render = %q, want %q", got, want)
	}
	if !reflect.DeepEqual(missing, []string{"params.user"}) {
		t.Errorf("unresolved = %v, want [params.user]", missing)
	}
}

func TestRenderLeavesNonReferencesAlone(t *testing.T) {
	text := `data = {{ "not": "a reference" }} and {{ plain }} and {{`
	if got := Render(text, Variables{}, nil); got != text {
		t.Errorf("Render = %q, want input unchanged", got)
	}
}

func TestRenderDoesNotRescanSubstitutedValues(t *testing.T) {
	variables := Variables{"params.a": "{{ params.b }}", "params.b": "secret"}
	if got := Render("{{ params.a }}", variables, nil); got != "{{ params.b }}" {
		t.Errorf("Render = %q, want the literal value of params.a", got)
	}
}

func TestRenderReindentsSections(t *testing.T) {
	r := renderer{sections: map[string]string{"body": "first()\nsecond()\n"}}
	got := r.render("def main():\n    {{ section.body }}\n    return 0\n")
	want := "def main():\n    first()\n    second()\n    return 0\n"
	if got != want {
		t.Errorf("render =\n%s\nwant\n%s", got, want)
	}
}

func TestRenderInlineSectionKeepsColumnZero(t *testing.T) {
	r := renderer{sections: map[string]string{"variables": "{\n    \"a\": \"b\",\n}"}}
	got := r.render("VARIABLES = {{ section.variables }}\n")
	want := "VARIABLES = {\n    \"a\": \"b\",\n}\n"
	if got != want {
		t.Errorf("render = %q, want %q", got, want)
	}
}

func TestRenderTracksIndentAcrossSubstitutions(t *testing.T) {
	r := renderer{
		variables: Variables{"params.flag": "enabled", "params.lines": "a\nb"},
		sections:  map[string]string{"body": "one()\ntwo()"},
	}
	got := r.render("if {{ params.flag }}:\n  {{ section.body }}\n{{ params.lines }} {{ section.body }}\n\t\t{{ section.body }}\n")
	want := "if enabled:\n  one()\n  two()\na\nb one()\ntwo()\n\t\tone()\n\t\ttwo()\n"
	if got != want {
		t.Errorf("render = %q, want %q", got, want)
	}
}

func TestRenderQuotesVariablesOnly(t *testing.T) {
	r := renderer{
		variables: Variables{"params.name": `x"; import os`},
		sections:  map[string]string{"body": "run()"},
		quote:     pyString,
	}
	got := r.render("NAME = {{ params.name }}\nMISSING = {{ params.gone }}\n{{ section.body }}\n")
	want := `NAME = "x\"; import os"` + "\n" + `MISSING = "params.gone"` + "\nrun()\n"
	if got != want {
		t.Errorf("render = %q, want %q", got, want)
	}
}

func TestFromMapFlattens(t *testing.T) {
	got := FromMap("params", map[string]any{
		"port": 80,
		"db":   map[string]any{"host": "db1"},
		"tags": []any{"a", "b"},
		"none": nil,
	})
	want := Variables{
		"params.port":    "80",
		"params.db.host": "db1",
		"params.tags":    `["a","b"]`,
		"params.none":    "",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("FromMap = %v, want %v", got, want)
	}
}

func TestMergeLaterLayersWin(t *testing.T) {
	merged := Merge(Variables{"a.x": "1", "a.y": "1"}, Variables{"a.y": "2"}, nil)
	if merged["a.x"] != "1" || merged["a.y"] != "2" {
		t.Errorf("Merge = %v", merged)
	}
}

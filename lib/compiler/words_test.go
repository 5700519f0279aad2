// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package compiler

import (
	"reflect"
	"testing"
)

func TestSplitWords(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{"plain", "nginx -s reload", []string{"nginx", "-s", "reload"}},
		{"extra spaces", "  a   b\tc ", []string{"a", "b", "c"}},
		{"single quotes", `echo 'a b' c`, []string{"echo", "a b", "c"}},
		{"double quotes", `echo "a \"b\" \$HOME"`, []string{"echo", `a "b" $HOME`}},
		{"backslash", `touch a\ b`, []string{"touch", "a b"}},
		{"operators are literal", "echo a; rm -rf /", []string{"echo", "a;", "rm", "-rf", "/"}},
		{"empty quoted word", `printf ''`, []string{"printf", ""}},
		{"placeholder kept whole", "echo {{ params.name }} done", []string{"echo", "{{ params.name }}", "done"}},
		{"placeholder inside word", "--port={{ params.port }}", []string{"--port={{ params.port }}"}},
		{"adjacent quoting", `--name="web server"`, []string{"--name=web server"}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got, err := splitWords(test.input)
			if err != nil {
				t.Fatalf("splitWords(%q): %v", test.input, err)
			}
			if !reflect.DeepEqual(got, test.want) {
				t.Errorf("splitWords(%q) = %q, want %q", test.input, got, test.want)
			}
		})
	}
}

func TestSplitWordsErrors(t *testing.T) {
	for _, input := range []string{`echo 'open`, `echo "open`, `echo \`} {
		if _, err := splitWords(input); err == nil {
			t.Errorf("splitWords(%q) succeeded, want error", input)
		}
	}
}

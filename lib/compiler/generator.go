// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package compiler

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/bureau-foundation/rollout/lib/host"
)

// Generator renders steps into Python statements for one target OS.
// Every value reaches the script as a quoted string literal inside an
// argv list handed to the prelude's _run, so manifest and parameter
// values are never parsed by a shell.
type Generator interface {
	// Prelude returns the runtime helpers the statements call.
	Prelude() string

	// Step renders one step. An error makes the step a stub comment.
	Step(step Step) (string, error)
}

// GeneratorFor returns the generator for a host type.
func GeneratorFor(hostType host.Type) Generator {
	if hostType == host.Windows {
		return WindowsGenerator{}
	}
	return LinuxGenerator{}
}

// renderSection renders a section's steps as consecutive statements.
// The first statement always marks the section, so the fragment is a
// valid function body even when the section is empty.
func renderSection(generator Generator, name string, steps []Step, onError func(Step, error)) string {
	lines := []string{"_section(" + pyString(name) + ")"}
	for _, step := range steps {
		if stub, ok := step.(Unsupported); ok {
			lines = append(lines, stubComment(stub))
			continue
		}
		rendered, err := generator.Step(step)
		if err != nil {
			if onError != nil {
				onError(step, err)
			}
			lines = append(lines, stubComment(Unsupported{Section: name, Entry: step.EntryName(), Reason: err.Error()}))
			continue
		}
		lines = append(lines, rendered)
	}
	return strings.Join(lines, "\n")
}

func stubComment(stub Unsupported) string {
	return "# " + commentText(stub.Section+"/"+stub.Entry+": "+stub.Reason)
}

// commentText flattens text so it cannot leave a comment line.
func commentText(text string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(text)
}

// pyString returns a Python 3 string literal. strconv's ASCII quoting
// emits only escapes Python shares: \n \t \\ \" \xNN \uNNNN \UNNNNNNNN.
func pyString(value string) string {
	return strconv.QuoteToASCII(value)
}

func pyArg(arg Arg) string {
	if arg.InPackage {
		return "_pkg(" + pyString(arg.Value) + ")"
	}
	return pyString(arg.Value)
}

func pyArgv(argv []Arg) string {
	parts := make([]string, len(argv))
	for index, arg := range argv {
		parts[index] = pyArg(arg)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func pyStrings(values []string) string {
	parts := make([]string, len(values))
	for index, value := range values {
		parts[index] = pyString(value)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func pyBool(value bool) string {
	if value {
		return "True"
	}
	return "False"
}

func pyDict(values map[string]string) string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for index, key := range keys {
		parts[index] = pyString(key) + ": " + pyString(values[key])
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// variablesLiteral renders variables as a multi-line dict literal.
func variablesLiteral(variables Variables) string {
	if len(variables) == 0 {
		return "{}"
	}
	var builder strings.Builder
	builder.WriteString("{\n")
	for _, name := range variables.Names() {
		fmt.Fprintf(&builder, "    %s: %s,\n", pyString(name), pyString(variables[name]))
	}
	builder.WriteString("}")
	return builder.String()
}

// call formats name(positional..., keyword=value...) skipping empty
// keyword values.
type call struct {
	name       string
	positional []string
	keywords   [][2]string
}

func newCall(name string, positional ...string) *call {
	return &call{name: name, positional: positional}
}

func (c *call) keyword(name, value string) *call {
	c.keywords = append(c.keywords, [2]string{name, value})
	return c
}

func (c *call) String() string {
	parts := append([]string(nil), c.positional...)
	for _, keyword := range c.keywords {
		parts = append(parts, keyword[0]+"="+keyword[1])
	}
	return c.name + "(" + strings.Join(parts, ", ") + ")"
}

// run renders a _run call.
func run(argv []Arg, privileged bool) *call {
	statement := newCall("_run", pyArgv(argv))
	if privileged {
		statement.keyword("privileged", "True")
	}
	return statement
}

func literals(values ...string) []Arg {
	argv := make([]Arg, len(values))
	for index, value := range values {
		argv[index] = Literal(value)
	}
	return argv
}

func joinStatements(statements ...fmt.Stringer) string {
	lines := make([]string, len(statements))
	for index, statement := range statements {
		lines[index] = statement.String()
	}
	return strings.Join(lines, "\n")
}

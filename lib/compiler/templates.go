// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package compiler

import (
	"embed"
	"fmt"

	"github.com/bureau-foundation/rollout/lib/formula"
)

//go:embed templates/*.py templates/*.py.tmpl
var templateFiles embed.FS

var (
	linuxPrelude   = mustReadTemplate("templates/linux_prelude.py")
	windowsPrelude = mustReadTemplate("templates/windows_prelude.py")
)

func mustReadTemplate(name string) string {
	data, err := templateFiles.ReadFile(name)
	if err != nil {
		panic("compiler: embedded template " + name + " missing: " + err.Error())
	}
	return string(data)
}

// runTemplate returns the entry-script template for runType: the
// formula's own template of that name when it has one, the built-in
// default otherwise. Variables in an entry-script template render as
// Python string literals; sections render as code.
func runTemplate(source *formula.Formula, runType formula.RunType) (string, error) {
	if text, ok := source.Template(string(runType)); ok {
		return text, nil
	}
	data, err := templateFiles.ReadFile("templates/" + string(runType) + ".py.tmpl")
	if err != nil {
		return "", fmt.Errorf("no template for run type %q", runType)
	}
	return string(data), nil
}

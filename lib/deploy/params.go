// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package deploy

import "github.com/bureau-foundation/rollout/lib/formula"

// reservedParameters carry run control rather than template input.
var reservedParameters = []string{"connection", "mode"}

// CompilerParameters returns params without the connection block and
// the mode flag, which must never become template variables.
func CompilerParameters(params map[string]any) map[string]any {
	sanitized := make(map[string]any, len(params))
	for name, value := range params {
		sanitized[name] = value
	}
	for _, name := range reservedParameters {
		delete(sanitized, name)
	}
	return sanitized
}

// RecordParameters returns params safe to persist on a run record:
// CompilerParameters with every secret field removed as well.
func RecordParameters(params map[string]any, fields []formula.Field) map[string]any {
	sanitized := CompilerParameters(params)
	for name := range formula.SecretFields(fields) {
		delete(sanitized, name)
	}
	return sanitized
}

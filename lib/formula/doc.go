// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package formula defines the declarative formula format: identity,
// the manifest of per-platform configuration entries, the parameter
// fieldset, named templates, and (for group formulas) the multi-host
// targets block.
//
// Formulas are authored as JSONC files (JSON with comments and trailing
// commas). The typical flow:
//
//  1. ReadFile or Parse: JSONC bytes → *Formula
//  2. Validate: structural checks on identity, variants, and targets
//  3. ResolveFieldset: runtime parameters + declared defaults, failing
//     on missing required fields
//  4. Entry.Select: choose the first variant supporting the host
//
// Manifest sections and their entries keep declaration order, so the
// generated script lists entries in the order the author wrote them.
package formula

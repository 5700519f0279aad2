// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for rollout packages.
//
// [RequireReceive] wraps the select-with-timeout safety valve so tests
// that wait on goroutines never hang the suite. [UniqueID] produces
// distinct identifiers for packages, events, and hosts within a test
// binary. [WriteFile] creates fixture files under a test's temporary
// directory.
//
// All helpers call t.Fatalf on failure; setup failures are not
// recoverable.
package testutil

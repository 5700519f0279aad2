// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the rollout control-plane configuration.
//
// Configuration comes from exactly one YAML file named by the
// ROLLOUT_CONFIG environment variable or the --config flag. There is no
// discovery and no environment-variable override of individual values.
//
// The file may carry development, staging, and production sections that
// override base values when the top-level environment matches. Paths
// may reference ${HOME} and ${ROLLOUT_ROOT}.
package config

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version carries build metadata injected with -ldflags:
//
//	go build -ldflags "-X github.com/bureau-foundation/rollout/lib/version.GitCommit=$(git rev-parse --short HEAD)"
package version

import (
	"fmt"
	"runtime"
)

var (
	// GitCommit is the short git SHA of the build.
	GitCommit = "unknown"

	// BuildTime is the UTC timestamp of the build.
	BuildTime = "unknown"

	// Version is the semantic version, set manually for releases.
	Version = "0.1.0-dev"
)

// Banner is what "<binary> version" prints: the version line followed
// by the Go toolchain and platform.
func Banner(binary string) string {
	return fmt.Sprintf("%s %s (%s, %s)\n  Go: %s\n  Platform: %s/%s",
		binary, Version, GitCommit, BuildTime, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// UserAgent identifies binary in HTTP requests to the control plane,
// e.g. "rollout-agent/0.1.0-dev (abc1234)".
func UserAgent(binary string) string {
	return fmt.Sprintf("%s/%s (%s)", binary, Version, GitCommit)
}

// LogAttrs are the slog key/value pairs servers log at startup.
func LogAttrs() []any {
	return []any{"version", Version, "commit", GitCommit}
}

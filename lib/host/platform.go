// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package host

import (
	"fmt"
	"strings"
)

// Platform is a support-matrix triple written "distro/version/arch",
// for example "ubuntu/22.04/x86_64". The distro is always lowercase.
type Platform struct {
	Distro  string
	Version string
	Arch    string
}

// ParsePlatform parses a support-matrix string. All three components
// are required.
func ParsePlatform(value string) (Platform, error) {
	parts := strings.Split(strings.TrimSpace(value), "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return Platform{}, fmt.Errorf("support entry %q is not distro/version/arch", value)
	}
	return Platform{Distro: strings.ToLower(parts[0]), Version: parts[1], Arch: parts[2]}, nil
}

// String returns the canonical "distro/version/arch" form.
func (p Platform) String() string {
	return p.Distro + "/" + p.Version + "/" + p.Arch
}

// Matches reports whether p equals other. Matching is exact on all
// three components; there is no wildcard or version-range syntax.
func (p Platform) Matches(other Platform) bool {
	return strings.EqualFold(p.Distro, other.Distro) &&
		p.Version == other.Version &&
		p.Arch == other.Arch
}

// Supported reports whether any entry of a support list matches
// platform. Unparseable entries never match.
func Supported(support []string, platform Platform) bool {
	for _, entry := range support {
		candidate, err := ParsePlatform(entry)
		if err != nil {
			continue
		}
		if candidate.Matches(platform) {
			return true
		}
	}
	return false
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package host

import "testing"

func TestSupported_ExactTupleEquality(t *testing.T) {
	ubuntu := Platform{Distro: "ubuntu", Version: "14.04", Arch: "x86_64"}

	tests := []struct {
		name    string
		support []string
		want    bool
	}{
		{"exact", []string{"ubuntu/14.04/x86_64"}, true},
		{"distro case-insensitive", []string{"Ubuntu/14.04/x86_64"}, true},
		{"other distro", []string{"centos/7/x86_64"}, false},
		{"version prefix is not a match", []string{"ubuntu/14/x86_64"}, false},
		{"no wildcard syntax", []string{"ubuntu/*/x86_64"}, false},
		{"other arch", []string{"ubuntu/14.04/aarch64"}, false},
		{"second entry matches", []string{"centos/7/x86_64", "ubuntu/14.04/x86_64"}, true},
		{"malformed entry ignored", []string{"ubuntu-14.04"}, false},
		{"empty list", nil, false},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := Supported(test.support, ubuntu); got != test.want {
				t.Errorf("Supported(%v) = %v, want %v", test.support, got, test.want)
			}
		})
	}
}

func TestParsePlatform(t *testing.T) {
	platform, err := ParsePlatform("CentOS/7/x86_64")
	if err != nil {
		t.Fatalf("ParsePlatform: %v", err)
	}
	if platform.String() != "centos/7/x86_64" {
		t.Errorf("String() = %q, want centos/7/x86_64", platform.String())
	}
	if _, err := ParsePlatform("centos/7"); err == nil {
		t.Error("expected error for two-component entry")
	}
}

func TestHostLookup(t *testing.T) {
	h := Host{
		ID:         "db-1",
		Connection: Connection{Address: "10.0.0.5", Port: 2222, User: "deploy"},
		Facts: Facts{
			Distro:  "Ubuntu",
			Version: "22.04",
			Arch:    "x86_64",
			Extra: map[string]any{
				"network": map[string]any{"private_ip": "192.168.1.5"},
			},
		},
	}

	tests := []struct {
		path   string
		want   string
		wantOK bool
	}{
		{"address", "10.0.0.5", true},
		{"connection.port", "2222", true},
		{"facts.distro", "Ubuntu", true},
		{"FACTS.Version", "22.04", true},
		{"facts.extra.network.private_ip", "192.168.1.5", true},
		{"facts.extra.network", "", false},
		{"facts.extra.missing", "", false},
		{"password", "", false},
	}
	for _, test := range tests {
		got, ok := h.Lookup(test.path)
		if got != test.want || ok != test.wantOK {
			t.Errorf("Lookup(%q) = (%q, %v), want (%q, %v)", test.path, got, ok, test.want, test.wantOK)
		}
	}
}

func TestHostVariables(t *testing.T) {
	h := Host{
		ID:    "web-1",
		Type:  Linux,
		Facts: Facts{Distro: "Debian", Version: "12", Arch: "aarch64", Extra: map[string]any{"rack": "r7"}},
	}
	variables := h.Variables()
	if variables["host.distro"] != "debian" {
		t.Errorf("host.distro = %q, want debian", variables["host.distro"])
	}
	if variables["host.platform"] != "debian/12/aarch64" {
		t.Errorf("host.platform = %q", variables["host.platform"])
	}
	if variables["host.extra.rack"] != "r7" {
		t.Errorf("host.extra.rack = %q, want r7", variables["host.extra.rack"])
	}
}

func TestConnectionEndpoint(t *testing.T) {
	if got := (Connection{Address: "a"}).Endpoint(); got != "a:22" {
		t.Errorf("Endpoint() = %q, want a:22", got)
	}
	if got := (Connection{Address: "a", Port: 2200}).Endpoint(); got != "a:2200" {
		t.Errorf("Endpoint() = %q, want a:2200", got)
	}
}

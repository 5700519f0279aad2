// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bureau-foundation/rollout/cmd/rollout/cli"
	"github.com/bureau-foundation/rollout/lib/deploy"
	"github.com/bureau-foundation/rollout/lib/host"
	"github.com/bureau-foundation/rollout/lib/orchestrator"
	"github.com/bureau-foundation/rollout/lib/pkgcrypt"
	"github.com/bureau-foundation/rollout/lib/registry"
	"github.com/bureau-foundation/rollout/lib/testutil"
)

// writeTestConfig points every path of a development config into a
// temporary directory.
func writeTestConfig(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	return testutil.WriteFile(t, root, "rollout.yaml", `
environment: development
paths:
  root: `+root+`
  workspaces: `+filepath.Join(root, "workspaces")+`
  state: `+filepath.Join(root, "state")+`
  inventory: `+filepath.Join(root, "hosts.yaml")+`
  formulas: `+filepath.Join(root, "formulas")+`
  sealing_key: `+filepath.Join(root, "state", "sealing.key")+`
barrier:
  poll_interval: 20ms
`)
}

func execute(t *testing.T, args ...string) error {
	t.Helper()
	return root().Execute(context.Background(), args)
}

func TestCommandTree(t *testing.T) {
	var walk func(prefix string, commands []*cli.Command)
	walk = func(prefix string, commands []*cli.Command) {
		for _, command := range commands {
			name := prefix + " " + command.Name
			if command.Summary == "" {
				t.Errorf("%s has no summary", name)
			}
			if command.Run == nil && len(command.Subcommands) == 0 {
				t.Errorf("%s has neither Run nor subcommands", name)
			}
			walk(name, command.Subcommands)
		}
	}
	walk("rollout", root().Subcommands)
}

func TestEventSetAndWait(t *testing.T) {
	configPath := writeTestConfig(t)

	if err := execute(t, "event", "set", "--config", configPath, "--meta", "version=42", "schema-ready"); err != nil {
		t.Fatalf("event set: %v", err)
	}
	if err := execute(t, "event", "wait", "--config", configPath, "--timeout", "1s", "schema-ready"); err != nil {
		t.Fatalf("event wait: %v", err)
	}

	err := execute(t, "event", "set", "--config", configPath, "schema-ready")
	if err == nil {
		t.Error("setting an event twice succeeded")
	}
}

func TestEventWaitTimeoutExitCode(t *testing.T) {
	configPath := writeTestConfig(t)

	err := execute(t, "event", "wait", "--config", configPath, "--timeout", "50ms", "never-set")
	var exitErr *cli.ExitError
	if !errors.As(err, &exitErr) || exitErr.Code != timeoutExitCode {
		t.Fatalf("event wait = %v, want exit code %d", err, timeoutExitCode)
	}
}

func TestPackageHandshake(t *testing.T) {
	configPath := writeTestConfig(t)
	archive := testutil.WriteFile(t, t.TempDir(), "pkg.tar.gz", "archive contents")
	const packageUUID = "0b9a8f0e-4f0c-4a51-9a7e-3f2f5d6c7b8a"

	if err := execute(t, "package", "register", "--config", configPath, "--uuid", packageUUID, "motd", "web-1", archive); err != nil {
		t.Fatalf("package register: %v", err)
	}
	checksum, err := pkgcrypt.Checksum(archive + ".enc")
	if err != nil {
		t.Fatal(err)
	}

	err = execute(t, "package", "verify", "--config", configPath, "--checksum", "wrong", "web-1", packageUUID)
	if !errors.Is(err, registry.ErrChecksumMismatch) {
		t.Fatalf("verify with a wrong checksum = %v, want ErrChecksumMismatch", err)
	}

	keyPath := filepath.Join(t.TempDir(), "key")
	if err := execute(t, "package", "verify", "--config", configPath, "--checksum", checksum, "--key-out", keyPath, "web-1", packageUUID); err != nil {
		t.Fatalf("package verify: %v", err)
	}
	key, err := os.ReadFile(keyPath)
	if err != nil || len(key) == 0 {
		t.Fatalf("released key = %q, %v", key, err)
	}

	if err := execute(t, "package", "confirm", "--config", configPath, "web-1", packageUUID); err != nil {
		t.Fatalf("package confirm: %v", err)
	}
	err = execute(t, "package", "confirm", "--config", configPath, "web-1", packageUUID)
	if !errors.Is(err, registry.ErrAlreadyDecrypted) {
		t.Errorf("second confirm = %v, want ErrAlreadyDecrypted", err)
	}
	if err := execute(t, "package", "status", "--config", configPath, "web-1", packageUUID); err != nil {
		t.Errorf("package status: %v", err)
	}
}

func TestHistoryWithoutRuns(t *testing.T) {
	configPath := writeTestConfig(t)
	if err := execute(t, "history", "--config", configPath, "web-1", "motd"); err != nil {
		t.Fatalf("history: %v", err)
	}
}

func TestRunFlagsParameters(t *testing.T) {
	run := runFlags{
		paramsFile: testutil.WriteFile(t, t.TempDir(), "params.yaml", "message: from file\nport: 80\n"),
		params:     []string{"port=8080", "tls.enabled=true"},
	}
	params, err := run.parameters()
	if err != nil {
		t.Fatalf("parameters: %v", err)
	}
	if params["message"] != "from file" || params["port"] != float64(8080) {
		t.Errorf("params = %#v", params)
	}
	if tls, _ := params["tls"].(map[string]any); tls["enabled"] != true {
		t.Errorf("tls = %#v", params["tls"])
	}
}

func TestExplicitHostBuild(t *testing.T) {
	target := explicitHost{
		address:  "10.0.0.7",
		port:     2222,
		user:     "admin",
		keyPath:  "/keys/id_ed25519",
		hostType: "linux",
		platform: "ubuntu/22.04/x86_64",
	}
	built, err := target.build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if built.ID != "10.0.0.7" || built.Type != host.Linux || built.Connection.Port != 2222 || built.Connection.User != "admin" {
		t.Errorf("host = %+v", built)
	}
	if built.Facts.Distro != "ubuntu" || built.Facts.Version != "22.04" || built.Facts.Arch != "x86_64" {
		t.Errorf("facts = %+v", built.Facts)
	}

	for name, broken := range map[string]explicitHost{
		"no address":   {hostType: "linux", platform: "ubuntu/22.04/x86_64"},
		"no platform":  {address: "10.0.0.7", hostType: "linux"},
		"bad platform": {address: "10.0.0.7", hostType: "linux", platform: "ubuntu"},
		"bad type":     {address: "10.0.0.7", hostType: "plan9", platform: "ubuntu/22.04/x86_64"},
	} {
		if _, err := broken.build(); err == nil {
			t.Errorf("%s: build succeeded", name)
		}
	}
}

func TestDeployArgumentErrors(t *testing.T) {
	configPath := writeTestConfig(t)
	if err := execute(t, "deploy", "--config", configPath); err == nil {
		t.Error("managed deploy without a formula succeeded")
	}
	if err := execute(t, "deploy", "--config", configPath, "--mode", "sideways", "motd"); err == nil {
		t.Error("unknown mode accepted")
	}
	if err := execute(t, "deploy", "--config", configPath, "--mode", "unmanaged", "motd", "web-1"); err == nil {
		t.Error("unmanaged deploy accepted a host id")
	}
}

func TestPrintFailures(t *testing.T) {
	var buffer bytes.Buffer
	printDeployFailure(&buffer, "web-1", &deploy.CommandError{
		Host:     "web-1",
		Command:  "python3 /tmp/pkg/main.py",
		ExitCode: 4,
		Stderr:   "permission denied\n",
	})
	output := buffer.String()
	for _, want := range []string{"web-1", "python3 /tmp/pkg/main.py", "4", "permission denied"} {
		if !strings.Contains(output, want) {
			t.Errorf("deploy failure output missing %q:\n%s", want, output)
		}
	}

	buffer.Reset()
	printGroupFailure(&buffer, "web-tier", &orchestrator.GroupError{
		Stage:    "validation",
		Total:    3,
		Failures: map[string]error{"db-1": errors.New("platform not supported"), "web-2": errors.New("not authorized")},
	})
	output = buffer.String()
	if !strings.Contains(output, "2 of 3") || strings.Index(output, "db-1") > strings.Index(output, "web-2") {
		t.Errorf("group failure output:\n%s", output)
	}
}

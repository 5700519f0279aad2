// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bureau-foundation/rollout/lib/host"
	"github.com/bureau-foundation/rollout/lib/metrics"
)

const testAddress = "10.0.0.5:22"

func passwordConnection(user string) host.Connection {
	return host.Connection{Address: "10.0.0.5", User: user, Password: "hunter2"}
}

func openSession(t *testing.T, dialer *MemoryDialer, hostType host.Type, connection host.Connection, m *metrics.Metrics) *Session {
	t.Helper()
	session, err := Open(context.Background(), Config{
		Dialer:     dialer,
		Type:       hostType,
		Connection: connection,
		Metrics:    m,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(session.Close)
	return session
}

func retriesCounter(t *testing.T, m *metrics.Metrics) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, family := range families {
		if family.GetName() == "rollout_transport_retries_total" {
			return family.GetMetric()[0].GetCounter().GetValue()
		}
	}
	return 0
}

func TestExecuteRunsInOrderAndReportsExitCodes(t *testing.T) {
	dialer := NewMemoryDialer()
	dialer.Respond = func(_, command string) Output {
		if command == "false" {
			return Output{ExitCode: 1, Stderr: []byte("nope")}
		}
		return Output{Stdout: []byte("ran " + command)}
	}
	session := openSession(t, dialer, host.Linux, passwordConnection("root"), nil)

	results := session.Execute(context.Background(), "true", "false", "echo hi")
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	if results[0].Failed() || results[0].Stdout != "ran true" {
		t.Errorf("first result = %+v", results[0])
	}
	if !results[1].Failed() || results[1].ExitCode != 1 || results[1].Stderr != "nope" {
		t.Errorf("second result = %+v", results[1])
	}
	if results[2].Failed() {
		t.Errorf("third result = %+v", results[2])
	}
	// A non-zero exit is a result, not a transport failure.
	if dials := dialer.Dials(testAddress); dials != 1 {
		t.Errorf("dials = %d, want 1", dials)
	}
	if got := len(dialer.Commands(testAddress)); got != 3 {
		t.Errorf("commands run = %d, want 3", got)
	}
}

func TestExecuteRetriesSessionFailureOnce(t *testing.T) {
	dialer := NewMemoryDialer()
	m := metrics.New("rollout")
	session := openSession(t, dialer, host.Linux, passwordConnection("root"), m)

	dialer.DropOperations(testAddress, 1)
	results := session.Execute(context.Background(), "uptime")
	if results[0].Failed() {
		t.Fatalf("command failed despite retry: %+v", results[0])
	}
	if dials := dialer.Dials(testAddress); dials != 2 {
		t.Errorf("dials = %d, want 2 (initial + one reconnect)", dials)
	}
	if got := retriesCounter(t, m); got != 1 {
		t.Errorf("retries metric = %v, want 1", got)
	}
}

func TestExecuteGivesUpAfterOneRetryAndContinues(t *testing.T) {
	dialer := NewMemoryDialer()
	session := openSession(t, dialer, host.Linux, passwordConnection("root"), nil)

	dialer.DropOperations(testAddress, 2)
	results := session.Execute(context.Background(), "first", "second")
	if results[0].Err == nil || results[0].ExitCode != -1 {
		t.Errorf("first result = %+v, want transport error", results[0])
	}
	if !errors.Is(results[0].Err, ErrConnectionLost) {
		t.Errorf("first error = %v, want ErrConnectionLost", results[0].Err)
	}
	if results[1].Failed() {
		t.Errorf("second command should still run: %+v", results[1])
	}
	commands := dialer.Commands(testAddress)
	if len(commands) != 1 || commands[0].Command != "second" {
		t.Errorf("commands = %+v, want only second", commands)
	}
	if dials := dialer.Dials(testAddress); dials != 2 {
		t.Errorf("dials = %d, want 2", dials)
	}
}

func TestExecuteFailedReconnectIsReported(t *testing.T) {
	dialer := NewMemoryDialer()
	session := openSession(t, dialer, host.Linux, passwordConnection("root"), nil)

	dialer.DropOperations(testAddress, 1)
	dialer.FailDials(testAddress, 1)
	results := session.Execute(context.Background(), "first", "second")
	if results[0].Err == nil {
		t.Errorf("first result = %+v, want error", results[0])
	}
	// The session has no connection now; the next command dials again.
	if results[1].Failed() {
		t.Errorf("second result = %+v", results[1])
	}
}

func TestPrivilegeRewriting(t *testing.T) {
	tests := []struct {
		name       string
		hostType   host.Type
		connection host.Connection
		wantLine   string
		wantStdin  string
	}{
		{
			name:       "root runs directly",
			hostType:   host.Linux,
			connection: passwordConnection("root"),
			wantLine:   "systemctl restart nginx",
		},
		{
			name:       "password user pipes password to sudo",
			hostType:   host.Linux,
			connection: passwordConnection("deploy"),
			wantLine:   "sudo -S -p '' systemctl restart nginx",
			wantStdin:  "hunter2\n",
		},
		{
			name:       "key user uses non-interactive sudo",
			hostType:   host.Linux,
			connection: host.Connection{Address: "10.0.0.5", User: "deploy", PrivateKey: "not parsed by the memory dialer"},
			wantLine:   "sudo -n systemctl restart nginx",
		},
		{
			name:       "windows strips the marker",
			hostType:   host.Windows,
			connection: passwordConnection("Administrator"),
			wantLine:   "systemctl restart nginx",
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			dialer := NewMemoryDialer()
			session := openSession(t, dialer, test.hostType, test.connection, nil)
			results := session.Execute(context.Background(), Privileged("systemctl restart nginx"))
			if results[0].Command != "sudo systemctl restart nginx" {
				t.Errorf("Result.Command = %q, want caller's command", results[0].Command)
			}
			commands := dialer.Commands(testAddress)
			if len(commands) != 1 {
				t.Fatalf("commands = %+v", commands)
			}
			if commands[0].Command != test.wantLine {
				t.Errorf("remote line = %q, want %q", commands[0].Command, test.wantLine)
			}
			if string(commands[0].Stdin) != test.wantStdin {
				t.Errorf("stdin = %q, want %q", commands[0].Stdin, test.wantStdin)
			}
		})
	}
}

func TestUnprivilegedCommandIsUntouched(t *testing.T) {
	dialer := NewMemoryDialer()
	session := openSession(t, dialer, host.Linux, passwordConnection("deploy"), nil)
	session.Execute(context.Background(), "id -u")
	commands := dialer.Commands(testAddress)
	if commands[0].Command != "id -u" || commands[0].Stdin != nil {
		t.Errorf("command = %+v", commands[0])
	}
}

func TestOpenDoesNotRetry(t *testing.T) {
	dialer := NewMemoryDialer()
	dialer.FailDials(testAddress, 1)
	_, err := Open(context.Background(), Config{Dialer: dialer, Type: host.Linux, Connection: passwordConnection("root")})
	if err == nil {
		t.Fatal("Open succeeded, want error")
	}
	if dials := dialer.Dials(testAddress); dials != 1 {
		t.Errorf("dials = %d, want 1", dials)
	}
}

func TestOpenRequiresCredentials(t *testing.T) {
	dialer := NewMemoryDialer()
	_, err := Open(context.Background(), Config{Dialer: dialer, Connection: host.Connection{Address: "10.0.0.5", User: "root"}})
	if !errors.Is(err, ErrNoCredentials) {
		t.Fatalf("Open error = %v, want ErrNoCredentials", err)
	}
}

func TestOpenReadsKeyPath(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(keyPath, []byte("key material"), 0o600); err != nil {
		t.Fatal(err)
	}
	dialer := NewMemoryDialer()
	session := openSession(t, dialer, host.Linux, host.Connection{Address: "10.0.0.5", User: "root", KeyPath: keyPath}, nil)
	key, err := session.endpoint.PrivateKey.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	if string(key) != "key material" {
		t.Errorf("key = %q", key)
	}
}

func TestSendFileAppliesModeAndOwner(t *testing.T) {
	local := filepath.Join(t.TempDir(), "pkg.tar.gz.enc")
	if err := os.WriteFile(local, []byte("payload"), 0o600); err != nil {
		t.Fatal(err)
	}
	dialer := NewMemoryDialer()
	session := openSession(t, dialer, host.Linux, passwordConnection("root"), nil)

	dialer.DropOperations(testAddress, 1)
	err := session.SendFile(context.Background(), local, "/tmp/pkg.tar.gz.enc", FileOptions{Mode: "0600", Owner: "rollout:rollout"})
	if err != nil {
		t.Fatalf("SendFile: %v", err)
	}
	data, ok := dialer.File(testAddress, "/tmp/pkg.tar.gz.enc")
	if !ok || string(data) != "payload" {
		t.Errorf("remote file = %q, %v", data, ok)
	}
	var lines []string
	for _, command := range dialer.Commands(testAddress) {
		lines = append(lines, command.Command)
	}
	want := "chmod 0600 /tmp/pkg.tar.gz.enc\nchown rollout:rollout /tmp/pkg.tar.gz.enc"
	if got := strings.Join(lines, "\n"); got != want {
		t.Errorf("commands =\n%s\nwant\n%s", got, want)
	}
}

func TestSendFileSkipsPermissionsOnWindows(t *testing.T) {
	local := filepath.Join(t.TempDir(), "pkg.tar.gz")
	if err := os.WriteFile(local, []byte("payload"), 0o600); err != nil {
		t.Fatal(err)
	}
	dialer := NewMemoryDialer()
	session := openSession(t, dialer, host.Windows, passwordConnection("Administrator"), nil)
	if err := session.SendFile(context.Background(), local, `C:\rollout\pkg.tar.gz`, FileOptions{Mode: "0600"}); err != nil {
		t.Fatalf("SendFile: %v", err)
	}
	if commands := dialer.Commands(testAddress); len(commands) != 0 {
		t.Errorf("windows ran commands: %+v", commands)
	}
}

func TestSendFileMissingLocalFileIsNotRetried(t *testing.T) {
	dialer := NewMemoryDialer()
	session := openSession(t, dialer, host.Linux, passwordConnection("root"), nil)
	err := session.SendFile(context.Background(), filepath.Join(t.TempDir(), "missing"), "/tmp/x", FileOptions{})
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("SendFile error = %v, want ErrNotExist", err)
	}
	if dials := dialer.Dials(testAddress); dials != 1 {
		t.Errorf("dials = %d, want 1", dials)
	}
}

func TestSendFileFailsAfterSecondDrop(t *testing.T) {
	local := filepath.Join(t.TempDir(), "pkg")
	if err := os.WriteFile(local, []byte("payload"), 0o600); err != nil {
		t.Fatal(err)
	}
	dialer := NewMemoryDialer()
	session := openSession(t, dialer, host.Linux, passwordConnection("root"), nil)
	dialer.DropOperations(testAddress, 2)
	if err := session.SendFile(context.Background(), local, "/tmp/pkg", FileOptions{}); err == nil {
		t.Fatal("SendFile succeeded after two drops")
	}
}

func TestGetFile(t *testing.T) {
	dialer := NewMemoryDialer()
	dialer.PutFile(testAddress, "/var/log/rollout.log", []byte("done\n"))
	session := openSession(t, dialer, host.Linux, passwordConnection("root"), nil)

	local := filepath.Join(t.TempDir(), "rollout.log")
	if err := session.GetFile(context.Background(), "/var/log/rollout.log", local); err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	data, err := os.ReadFile(local)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "done\n" {
		t.Errorf("local file = %q", data)
	}
}

func TestCloseReleasesCredentials(t *testing.T) {
	dialer := NewMemoryDialer()
	session, err := Open(context.Background(), Config{Dialer: dialer, Type: host.Linux, Connection: passwordConnection("deploy")})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	password := session.endpoint.Password
	session.Close()
	session.Close()
	if _, err := password.Bytes(); err == nil {
		t.Error("password still readable after Close")
	}
}

func TestQuote(t *testing.T) {
	tests := [][2]string{
		{"", "''"},
		{"/tmp/pkg.tar.gz", "/tmp/pkg.tar.gz"},
		{"user:group", "user:group"},
		{"has space", "'has space'"},
		{"it's", `'it'\''s'`},
		{"$(rm -rf /)", "'$(rm -rf /)'"},
		{"semi;colon", "'semi;colon'"},
	}
	for _, test := range tests {
		if got := Quote(test[0]); got != test[1] {
			t.Errorf("Quote(%q) = %q, want %q", test[0], got, test[1])
		}
	}
}

func TestRedactHidesSecretsFromResults(t *testing.T) {
	dialer := NewMemoryDialer()
	session := openSession(t, dialer, host.Windows, passwordConnection("Administrator"), nil)
	session.Redact("deadbeef", "")
	results := session.Execute(context.Background(), `agent exec-pkg --uuid 1 --decrypt deadbeef`)
	if results[0].Command != "agent exec-pkg --uuid 1 --decrypt [REDACTED]" {
		t.Errorf("Result.Command = %q", results[0].Command)
	}
	if got := dialer.Commands(testAddress)[0].Command; got != "agent exec-pkg --uuid 1 --decrypt deadbeef" {
		t.Errorf("remote received %q", got)
	}
}

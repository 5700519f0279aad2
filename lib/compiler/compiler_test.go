// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package compiler

import (
	"archive/tar"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"

	"github.com/bureau-foundation/rollout/lib/formula"
	"github.com/bureau-foundation/rollout/lib/host"
	"github.com/bureau-foundation/rollout/lib/pkgcrypt"
	"github.com/bureau-foundation/rollout/lib/store"
)

const webFormula = `{
	"uuid": "3f7f6f4e-1111-4c1e-9a55-5f0c6a1d0001",
	"name": "web",
	"type": "service",
	"support": ["ubuntu/22.04/x86_64", "ubuntu/14.04/x86_64"],
	"fieldset": [
		{"name": "port", "default": "80"},
		{"name": "server_name", "required": true}
	],
	"manifest": {
		"packages": {
			"nginx": {"target": [
				{"support": ["centos/7/x86_64"], "name": "nginx", "manager": "yum"},
				{"support": ["ubuntu/22.04/x86_64"], "names": ["nginx", "ssl-cert"]}
			]}
		},
		"files": {
			"legacy.conf": {"target": [
				{"support": ["centos/7/x86_64"], "path": "/etc/nginx/conf.d/legacy.conf", "template": "site"}
			]},
			"site.conf": {"target": {
				"support": ["ubuntu/22.04/x86_64", "ubuntu/14.04/x86_64"],
				"path": "/etc/nginx/sites-enabled/site.conf",
				"template": "site",
				"mode": "0640",
				"owner": "root"
			}}
		},
		"commands": {
			"configure": {"target": {
				"support": ["ubuntu/22.04/x86_64", "ubuntu/14.04/x86_64"],
				"sudo": true,
				"commands": {
					"20": "echo second {{ params.server_name }}",
					"10": "echo first",
					"100": ["echo", "third"]
				}
			}}
		},
		"services": {
			"nginx": {"target": {"support": ["ubuntu/22.04/x86_64"], "state": "restarted"}}
		}
	},
	"templates": {
		"site": "server {\n  listen {{ params.port }};\n  server_name {{ params.server_name }};\n  # {{ params.unknown }}\n}\n"
	}
}`

func ubuntuHost(version string) host.Host {
	return host.Host{
		ID:   "web-1",
		Name: "web-1",
		Type: host.Linux,
		Connection: host.Connection{
			Address: "10.0.0.11",
			User:    "deploy",
		},
		Facts: host.Facts{Distro: "Ubuntu", Version: version, Arch: "x86_64"},
	}
}

func mustParse(t *testing.T, text string) *formula.Formula {
	t.Helper()
	parsed, err := formula.Parse([]byte(text))
	if err != nil {
		t.Fatalf("formula.Parse: %v", err)
	}
	return parsed
}

func newTestCompiler(t *testing.T, groups GroupSource) *Compiler {
	t.Helper()
	compiler, err := New(Config{
		WorkspaceRoot: t.TempDir(),
		InstallRoot:   "/opt/rollout",
		APIEndpoint:   "https://control.example:8443",
		Groups:        groups,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return compiler
}

func compile(t *testing.T, compiler *Compiler, target host.Host, parameters map[string]any) *Package {
	t.Helper()
	built, err := compiler.Compile(context.Background(), Request{
		Formula:    mustParse(t, webFormula),
		Host:       target,
		Parameters: parameters,
		Managed:    true,
	})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	return built
}

func TestCompileUnsupportedVariantBecomesStub(t *testing.T) {
	compiler := newTestCompiler(t, nil)
	built := compile(t, compiler, ubuntuHost("14.04"), map[string]any{"server_name": "example.org"})

	packages := built.Plan.Section("packages")
	if len(packages) != 1 {
		t.Fatalf("packages steps = %d, want 1", len(packages))
	}
	stub, ok := packages[0].(Unsupported)
	if !ok {
		t.Fatalf("packages step = %T, want Unsupported", packages[0])
	}
	if stub.Reason != notSupported {
		t.Errorf("stub reason = %q", stub.Reason)
	}
	if !strings.Contains(built.Script, "# packages/nginx: group not supported on this system") {
		t.Errorf("script missing packages stub:\n%s", built.Script)
	}
	if !strings.Contains(built.Script, "# files/legacy.conf: group not supported on this system") {
		t.Errorf("script missing files stub")
	}
	// The supported entries of the same formula still compile.
	if !strings.Contains(built.Script, `"/etc/nginx/sites-enabled/site.conf"`) {
		t.Errorf("script missing supported file entry")
	}
}

func TestCompileCommandsInAscendingKeyOrder(t *testing.T) {
	compiler := newTestCompiler(t, nil)
	built := compile(t, compiler, ubuntuHost("22.04"), map[string]any{"server_name": "example.org"})

	var keys []string
	for _, step := range built.Plan.Section("commands") {
		keys = append(keys, step.(RunCommand).Key)
	}
	if strings.Join(keys, ",") != "10,20,100" {
		t.Fatalf("command keys = %v, want [10 20 100]", keys)
	}

	first := strings.Index(built.Script, `["echo", "first"]`)
	second := strings.Index(built.Script, `["echo", "second", "example.org"]`)
	third := strings.Index(built.Script, `["echo", "third"]`)
	if first < 0 || second < 0 || third < 0 {
		t.Fatalf("script missing commands:\n%s", built.Script)
	}
	if !(first < second && second < third) {
		t.Errorf("command order in script = %d, %d, %d; want ascending", first, second, third)
	}
	if !strings.Contains(built.Script, `_run(["echo", "first"], privileged=True)`) {
		t.Errorf("sudo variant did not mark commands privileged")
	}
}

func TestCompileParameterValuesStayLiteral(t *testing.T) {
	compiler := newTestCompiler(t, nil)
	built := compile(t, compiler, ubuntuHost("22.04"), map[string]any{"server_name": `x"; rm -rf / #`})

	if !strings.Contains(built.Script, `["echo", "second", "x\"; rm -rf / #"]`) {
		t.Errorf("hostile parameter was not kept as one quoted argument:\n%s", built.Script)
	}
}

func TestCompileCustomRunTemplateQuotesVariables(t *testing.T) {
	compiler := newTestCompiler(t, nil)
	custom := strings.Replace(webFormula, `"templates": {`,
		`"templates": {"install": "SERVER = {{ params.server_name }}\n{{ section.commands }}\n",`, 1)
	built, err := compiler.Compile(context.Background(), Request{
		Formula:    mustParse(t, custom),
		Host:       ubuntuHost("22.04"),
		Parameters: map[string]any{"server_name": "x\"\nimport os"},
	})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if !strings.HasPrefix(built.Script, `SERVER = "x\"\nimport os"`+"\n") {
		t.Errorf("custom template variable was not written as a string literal:\n%s", built.Script)
	}
	if strings.Contains(built.Script, "\nimport os") {
		t.Errorf("parameter value escaped its literal:\n%s", built.Script)
	}
}

func TestCompileMissingRequiredParameter(t *testing.T) {
	compiler := newTestCompiler(t, nil)
	_, err := compiler.Compile(context.Background(), Request{
		Formula: mustParse(t, webFormula),
		Host:    ubuntuHost("22.04"),
	})
	if !errors.Is(err, formula.ErrMissingParameter) {
		t.Fatalf("Compile error = %v, want ErrMissingParameter", err)
	}
	entries, _ := os.ReadDir(compiler.config.WorkspaceRoot)
	if len(entries) != 0 {
		t.Errorf("workspace root has %d entries after a failed compile, want none", len(entries))
	}
}

func TestCompileInvalidFormula(t *testing.T) {
	compiler := newTestCompiler(t, nil)
	if _, err := compiler.Compile(context.Background(), Request{Host: ubuntuHost("22.04")}); err == nil {
		t.Fatal("Compile without a formula succeeded")
	}
	broken := mustParse(t, webFormula)
	broken.Type = "daemon"
	if _, err := compiler.Compile(context.Background(), Request{Formula: broken, Host: ubuntuHost("22.04")}); err == nil {
		t.Fatal("Compile with an invalid formula succeeded")
	}
}

func TestCompileRendersTemplateFiles(t *testing.T) {
	compiler := newTestCompiler(t, nil)
	built := compile(t, compiler, ubuntuHost("22.04"), map[string]any{"server_name": "example.org", "port": "8080"})

	files := built.Plan.Section("files")
	var deployed DeployFile
	for _, step := range files {
		if file, ok := step.(DeployFile); ok {
			deployed = file
		}
	}
	if deployed.Source == "" {
		t.Fatalf("no DeployFile step in %+v", files)
	}
	content, err := os.ReadFile(filepath.Join(built.Workspace, deployed.Source))
	if err != nil {
		t.Fatalf("materialized file: %v", err)
	}
	for _, want := range []string{"listen 8080;", "server_name example.org;", "# params.unknown"} {
		if !strings.Contains(string(content), want) {
			t.Errorf("rendered template missing %q:\n%s", want, content)
		}
	}
	wantCall := `_run(["install", "-D", "-m", "0640", "-o", "root", _pkg("` + deployed.Source + `"), "/etc/nginx/sites-enabled/site.conf"], privileged=True)`
	if !strings.Contains(built.Script, wantCall) {
		t.Errorf("script missing %s", wantCall)
	}
}

func TestCompileArchiveLayout(t *testing.T) {
	compiler := newTestCompiler(t, nil)
	built := compile(t, compiler, ubuntuHost("22.04"), map[string]any{"server_name": "example.org"})

	if filepath.Base(built.ArchivePath) != built.UUID+".tar.gz" {
		t.Errorf("archive name = %s", filepath.Base(built.ArchivePath))
	}
	names := archiveNames(t, built.ArchivePath)
	for _, want := range []string{built.UUID + "/" + EntryScript, built.UUID + "/" + saltFile} {
		if !contains(names, want) {
			t.Errorf("archive entries %v missing %s", names, want)
		}
	}
	for _, name := range names {
		if name != built.UUID && !strings.HasPrefix(name, built.UUID+"/") {
			t.Errorf("archive entry %s is outside the package directory", name)
		}
	}
}

func TestCompileSaltMakesChecksumsDiffer(t *testing.T) {
	compiler := newTestCompiler(t, nil)
	parameters := map[string]any{"server_name": "example.org"}
	first := compile(t, compiler, ubuntuHost("22.04"), parameters)
	second := compile(t, compiler, ubuntuHost("22.04"), parameters)

	if strings.ReplaceAll(first.Script, first.UUID, "") != strings.ReplaceAll(second.Script, second.UUID, "") {
		t.Fatal("identical inputs produced different scripts")
	}

	firstSalt, _ := os.ReadFile(filepath.Join(first.Workspace, saltFile))
	secondSalt, _ := os.ReadFile(filepath.Join(second.Workspace, saltFile))
	if len(firstSalt) == 0 || string(firstSalt) == string(secondSalt) {
		t.Fatal("salt files missing or equal")
	}

	key, err := pkgcrypt.NewKey()
	if err != nil {
		t.Fatal(err)
	}
	var checksums []string
	for _, built := range []*Package{first, second} {
		encrypted := built.ArchivePath + ".enc"
		if err := pkgcrypt.EncryptFile(built.ArchivePath, encrypted, key); err != nil {
			t.Fatalf("EncryptFile: %v", err)
		}
		checksum, err := pkgcrypt.Checksum(encrypted)
		if err != nil {
			t.Fatalf("Checksum: %v", err)
		}
		checksums = append(checksums, checksum)
	}
	if checksums[0] == checksums[1] {
		t.Error("encrypted packages built from the same manifest share a checksum")
	}
}

func TestCompileMaterializationFailureDegrades(t *testing.T) {
	compiler := newTestCompiler(t, nil)
	source := mustParse(t, `{
		"uuid": "u-2", "name": "broken-files", "type": "utility",
		"support": ["ubuntu/22.04/x86_64"],
		"manifest": {"files": {
			"missing": {"target": {"support": ["ubuntu/22.04/x86_64"], "path": "/etc/x", "local": "does/not/exist"}},
			"inline": {"target": {"support": ["ubuntu/22.04/x86_64"], "path": "/etc/y", "content": "hello {{ host.id }}"}}
		}}
	}`)
	built, err := compiler.Compile(context.Background(), Request{Formula: source, Host: ubuntuHost("22.04")})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	steps := built.Plan.Section("files")
	if len(steps) != 2 {
		t.Fatalf("files steps = %d, want 2", len(steps))
	}
	stub, ok := steps[0].(Unsupported)
	if !ok || !strings.Contains(stub.Reason, "materializing file") {
		t.Errorf("missing local source step = %+v, want a materialization stub", steps[0])
	}
	inline, ok := steps[1].(DeployFile)
	if !ok {
		t.Fatalf("inline step = %T", steps[1])
	}
	content, _ := os.ReadFile(filepath.Join(built.Workspace, inline.Source))
	if string(content) != "hello web-1" {
		t.Errorf("inline content = %q", content)
	}
}

func TestCompileRemoteSourceVerifiesChecksum(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "remote payload")
	}))
	defer server.Close()

	payloadPath := filepath.Join(t.TempDir(), "payload")
	os.WriteFile(payloadPath, []byte("remote payload"), 0o644)
	goodChecksum, _ := pkgcrypt.Checksum(payloadPath)

	compiler := newTestCompiler(t, nil)
	source := mustParse(t, `{
		"uuid": "u-3", "name": "remote-files", "type": "utility",
		"support": ["ubuntu/22.04/x86_64"],
		"manifest": {"files": {
			"good": {"target": {"support": ["ubuntu/22.04/x86_64"], "path": "/opt/good", "url": "`+server.URL+`/good", "checksum": "`+goodChecksum+`"}},
			"tampered": {"target": {"support": ["ubuntu/22.04/x86_64"], "path": "/opt/bad", "url": "`+server.URL+`/bad", "checksum": "00"}}
		}}
	}`)
	built, err := compiler.Compile(context.Background(), Request{Formula: source, Host: ubuntuHost("22.04")})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	steps := built.Plan.Section("files")
	if _, ok := steps[0].(DeployFile); !ok {
		t.Errorf("good download step = %+v, want DeployFile", steps[0])
	}
	if _, ok := steps[1].(Unsupported); !ok {
		t.Errorf("tampered download step = %+v, want Unsupported", steps[1])
	}
}

type fakeGroups struct {
	groups []store.HostGroup
}

func (f fakeGroups) ForHost(context.Context, string) ([]store.HostGroup, error) {
	return f.groups, nil
}

func TestCompileVariableLayers(t *testing.T) {
	groups := fakeGroups{groups: []store.HostGroup{{
		Name:     "web",
		Metadata: map[string]any{"primary": "web-1"},
	}}}
	compiler := newTestCompiler(t, groups)
	built := compile(t, compiler, ubuntuHost("22.04"), map[string]any{"server_name": "example.org"})

	for _, want := range []string{
		`"paths.install_root": "/opt/rollout",`,
		`"control.api_endpoint": "https://control.example:8443",`,
		`"package.mode": "managed",`,
		`"params.port": "80",`,
		`"host.distro": "ubuntu",`,
		`"hostgroup.web.primary": "web-1",`,
	} {
		if !strings.Contains(built.Script, want) {
			t.Errorf("VARIABLES missing %s", want)
		}
	}
}

func TestCompileUninstallUsesReverseSemantics(t *testing.T) {
	compiler := newTestCompiler(t, nil)
	built, err := compiler.Compile(context.Background(), Request{
		Formula:    mustParse(t, webFormula),
		Host:       ubuntuHost("22.04"),
		Parameters: map[string]any{"server_name": "example.org"},
		RunType:    formula.Uninstall,
	})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if !strings.Contains(built.Script, `_run(["apt-get", "remove", "-y", "nginx", "ssl-cert"], privileged=True`) {
		t.Errorf("uninstall did not remove packages:\n%s", built.Script)
	}
	if !strings.Contains(built.Script, `_run(["rm", "-f", "--", "/etc/nginx/sites-enabled/site.conf"], privileged=True)`) {
		t.Errorf("uninstall did not remove the deployed file")
	}
	if len(built.Plan.Section("commands")) != 0 {
		t.Errorf("commands without an uninstall map should produce no steps")
	}
	if services := strings.Index(built.Script, `"systemctl", "stop"`); services < 0 || services > strings.Index(built.Script, `"apt-get", "remove"`) {
		t.Errorf("services should stop before packages are removed")
	}
}

func TestPackageCleanup(t *testing.T) {
	compiler := newTestCompiler(t, nil)
	built := compile(t, compiler, ubuntuHost("22.04"), map[string]any{"server_name": "example.org"})
	os.WriteFile(built.ArchivePath+".enc", []byte("x"), 0o600)

	if err := built.Cleanup(); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	for _, path := range []string{built.Workspace, built.ArchivePath, built.ArchivePath + ".enc"} {
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Errorf("%s still exists after Cleanup", path)
		}
	}
}

func archiveNames(t *testing.T, path string) []string {
	t.Helper()
	file, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer file.Close()
	decompressor, err := gzip.NewReader(file)
	if err != nil {
		t.Fatalf("gzip.NewReader: %v", err)
	}
	reader := tar.NewReader(decompressor)
	var names []string
	for {
		header, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("tar Next: %v", err)
		}
		names = append(names, strings.TrimSuffix(header.Name, "/"))
	}
	sort.Strings(names)
	return names
}

func contains(values []string, want string) bool {
	for _, value := range values {
		if value == want {
			return true
		}
	}
	return false
}

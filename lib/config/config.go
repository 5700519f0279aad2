// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// Config is the master configuration for the rollout control plane.
type Config struct {
	Environment Environment `yaml:"environment"`

	Paths         PathsConfig         `yaml:"paths"`
	Control       ControlConfig       `yaml:"control"`
	Transport     TransportConfig     `yaml:"transport"`
	Barrier       BarrierConfig       `yaml:"barrier"`
	Orchestrator  OrchestratorConfig  `yaml:"orchestrator"`
	Authorization AuthorizationConfig `yaml:"authorization"`
	Metrics       MetricsConfig       `yaml:"metrics"`

	Development *Overrides `yaml:"development,omitempty"`
	Staging     *Overrides `yaml:"staging,omitempty"`
	Production  *Overrides `yaml:"production,omitempty"`
}

// Overrides contains the fields that can be replaced per environment.
type Overrides struct {
	Paths        *PathsConfig        `yaml:"paths,omitempty"`
	Control      *ControlConfig      `yaml:"control,omitempty"`
	Barrier      *BarrierConfig      `yaml:"barrier,omitempty"`
	Orchestrator *OrchestratorConfig `yaml:"orchestrator,omitempty"`
}

// PathsConfig configures directory and file locations on the control
// plane.
type PathsConfig struct {
	// Root is the base directory for rollout data.
	Root string `yaml:"root"`

	// Workspaces is where per-package build directories are created.
	// Each build owns one subdirectory named by the package uuid.
	Workspaces string `yaml:"workspaces"`

	// State holds the SQLite database and the badger event store.
	State string `yaml:"state"`

	// Inventory is the YAML host inventory consulted in managed mode.
	Inventory string `yaml:"inventory"`

	// Formulas is the directory of JSONC formula files.
	Formulas string `yaml:"formulas"`

	// InstallRoot is the directory on managed hosts where formulas
	// install their payload. Exposed to templates as base.install_root.
	InstallRoot string `yaml:"install_root"`

	// SealingKey is the age identity file used to seal package keys in
	// the registry. Created on first use if missing.
	SealingKey string `yaml:"sealing_key"`
}

// ControlConfig describes how remote hosts reach back to the control
// plane and where the local agent lives on them.
type ControlConfig struct {
	// APIEndpoint is where agents reach the package API. Exposed to
	// templates as control.api_endpoint.
	APIEndpoint string `yaml:"api_endpoint"`

	// Listen is the address "rollout serve" binds the package API to.
	Listen string `yaml:"listen"`

	// AgentPath is the privileged local agent on managed Linux hosts.
	AgentPath string `yaml:"agent_path"`

	// WindowsAgentPath is the local agent on Windows hosts.
	WindowsAgentPath string `yaml:"windows_agent_path"`

	// Python runs the entry script of unmanaged Linux packages.
	Python string `yaml:"python"`

	// BootstrapFormula names the formula that installs the agent itself.
	// Runs of this formula pass the decryption key directly because no
	// agent exists yet to call verify.
	BootstrapFormula string `yaml:"bootstrap_formula"`
}

// TransportConfig tunes SSH sessions.
type TransportConfig struct {
	ConnectTimeout Duration `yaml:"connect_timeout"`

	// KnownHosts is an OpenSSH known_hosts file. Empty accepts any host
	// key, which is only valid in development.
	KnownHosts string `yaml:"known_hosts"`
}

// BarrierConfig tunes the cross-host event barrier.
type BarrierConfig struct {
	PollInterval   Duration `yaml:"poll_interval"`
	DefaultTimeout Duration `yaml:"default_timeout"`

	// NATSURL enables push notification of new events. Empty falls back
	// to pure polling.
	NATSURL string `yaml:"nats_url"`

	// SubjectPrefix namespaces barrier and progress subjects.
	SubjectPrefix string `yaml:"subject_prefix"`
}

// OrchestratorConfig bounds group-run concurrency.
type OrchestratorConfig struct {
	// Workers is the maximum number of hosts deployed concurrently.
	Workers int `yaml:"workers"`
}

// AuthorizationConfig selects an authorization provider by name from
// the provider registry.
type AuthorizationConfig struct {
	Provider string            `yaml:"provider"`
	Options  map[string]string `yaml:"options,omitempty"`
	// Rules is consumed by the "static" provider: subject → object globs.
	Rules map[string][]string `yaml:"rules,omitempty"`
}

// MetricsConfig configures the Prometheus collectors.
type MetricsConfig struct {
	Namespace string `yaml:"namespace"`
	// Listen is the optional address for a /metrics endpoint.
	Listen string `yaml:"listen"`
}

// Duration is a time.Duration that decodes from YAML strings like "30s".
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var text string
	if err := node.Decode(&text); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML writes the duration as a Go duration string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns the base configuration applied before the file is
// read. Every field has a usable value so partial files work.
func Default() *Config {
	homeDirectory, _ := os.UserHomeDir()
	root := filepath.Join(homeDirectory, ".local", "share", "rollout")

	return &Config{
		Environment: Development,
		Paths: PathsConfig{
			Root:        root,
			Workspaces:  filepath.Join(root, "workspaces"),
			State:       filepath.Join(root, "state"),
			Inventory:   filepath.Join(root, "hosts.yaml"),
			Formulas:    filepath.Join(root, "formulas"),
			InstallRoot: "/opt/rollout",
			SealingKey:  filepath.Join(root, "state", "sealing.key"),
		},
		Control: ControlConfig{
			APIEndpoint:      "http://localhost:8440",
			Listen:           ":8440",
			AgentPath:        "/usr/local/bin/rollout-agent",
			WindowsAgentPath: `C:\rollout\agent.exe`,
			Python:           "python",
			BootstrapFormula: "rollout-agent",
		},
		Transport: TransportConfig{
			ConnectTimeout: Duration(15 * time.Second),
		},
		Barrier: BarrierConfig{
			PollInterval:   Duration(3 * time.Second),
			DefaultTimeout: Duration(10 * time.Minute),
			SubjectPrefix:  "rollout",
		},
		Orchestrator: OrchestratorConfig{
			Workers: 16,
		},
		Authorization: AuthorizationConfig{
			Provider: "allow-all",
		},
		Metrics: MetricsConfig{
			Namespace: "rollout",
		},
	}
}

// Load reads the file named by ROLLOUT_CONFIG.
func Load() (*Config, error) {
	path := os.Getenv("ROLLOUT_CONFIG")
	if path == "" {
		return nil, fmt.Errorf("ROLLOUT_CONFIG environment variable not set; " +
			"set it to the path of your rollout.yaml, or use --config")
	}
	return LoadFile(path)
}

// LoadFile reads configuration from path on top of Default, applies
// the matching environment section, and expands path variables.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()
	return cfg, nil
}

func (c *Config) applyEnvironmentOverrides() {
	var overrides *Overrides
	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
	}
	if overrides == nil {
		return
	}

	if paths := overrides.Paths; paths != nil {
		overrideString(&c.Paths.Root, paths.Root)
		overrideString(&c.Paths.Workspaces, paths.Workspaces)
		overrideString(&c.Paths.State, paths.State)
		overrideString(&c.Paths.Inventory, paths.Inventory)
		overrideString(&c.Paths.Formulas, paths.Formulas)
		overrideString(&c.Paths.InstallRoot, paths.InstallRoot)
		overrideString(&c.Paths.SealingKey, paths.SealingKey)
	}
	if control := overrides.Control; control != nil {
		overrideString(&c.Control.APIEndpoint, control.APIEndpoint)
		overrideString(&c.Control.Listen, control.Listen)
		overrideString(&c.Control.AgentPath, control.AgentPath)
		overrideString(&c.Control.WindowsAgentPath, control.WindowsAgentPath)
		overrideString(&c.Control.BootstrapFormula, control.BootstrapFormula)
		overrideString(&c.Control.Python, control.Python)
	}
	if barrier := overrides.Barrier; barrier != nil {
		if barrier.PollInterval > 0 {
			c.Barrier.PollInterval = barrier.PollInterval
		}
		if barrier.DefaultTimeout > 0 {
			c.Barrier.DefaultTimeout = barrier.DefaultTimeout
		}
		overrideString(&c.Barrier.NATSURL, barrier.NATSURL)
		overrideString(&c.Barrier.SubjectPrefix, barrier.SubjectPrefix)
	}
	if orchestrator := overrides.Orchestrator; orchestrator != nil && orchestrator.Workers > 0 {
		c.Orchestrator.Workers = orchestrator.Workers
	}
}

func overrideString(target *string, value string) {
	if value != "" {
		*target = value
	}
}

var variablePattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func (c *Config) expandVariables() {
	vars := map[string]string{"HOME": os.Getenv("HOME")}
	c.Paths.Root = expandVariables(c.Paths.Root, vars)
	vars["ROLLOUT_ROOT"] = c.Paths.Root

	for _, field := range []*string{
		&c.Paths.Workspaces,
		&c.Paths.State,
		&c.Paths.Inventory,
		&c.Paths.Formulas,
		&c.Paths.SealingKey,
		&c.Transport.KnownHosts,
	} {
		*field = expandVariables(*field, vars)
	}
}

// expandVariables replaces ${VAR} and ${VAR:-default}. Known variables
// take precedence over the process environment.
func expandVariables(input string, vars map[string]string) string {
	return variablePattern.ReplaceAllStringFunc(input, func(match string) string {
		parts := variablePattern.FindStringSubmatch(match)
		name, fallback := parts[1], parts[2]
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return fallback
	})
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error

	switch c.Environment {
	case Development, Staging, Production:
	default:
		errs = append(errs, fmt.Errorf("invalid environment: %q", c.Environment))
	}
	if c.Paths.Root == "" {
		errs = append(errs, errors.New("paths.root is required"))
	}
	if c.Paths.Workspaces == "" {
		errs = append(errs, errors.New("paths.workspaces is required"))
	}
	if c.Paths.State == "" {
		errs = append(errs, errors.New("paths.state is required"))
	}
	if c.Barrier.PollInterval <= 0 {
		errs = append(errs, errors.New("barrier.poll_interval must be positive"))
	}
	if c.Orchestrator.Workers <= 0 {
		errs = append(errs, errors.New("orchestrator.workers must be positive"))
	}
	if c.Authorization.Provider == "" {
		errs = append(errs, errors.New("authorization.provider is required"))
	}
	if c.Environment == Production && c.Transport.KnownHosts == "" {
		errs = append(errs, errors.New("transport.known_hosts is required in production"))
	}

	return errors.Join(errs...)
}

// EnsurePaths creates the control-plane directories.
func (c *Config) EnsurePaths() error {
	for _, path := range []string{c.Paths.Root, c.Paths.Workspaces, c.Paths.State} {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}
	return nil
}

// DatabasePath is the SQLite file holding the registry, run history,
// and host groups.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Paths.State, "rollout.db")
}

// EventStorePath is the badger directory holding barrier events.
func (c *Config) EventStorePath() string {
	return filepath.Join(c.Paths.State, "events")
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultAgentConfigPath is read by rollout-agent when neither
// --config nor ROLLOUT_AGENT_CONFIG is given. The bootstrap formula
// installs the file there.
const DefaultAgentConfigPath = "/etc/rollout/agent.yaml"

// AgentConfig is the host-side configuration of rollout-agent.
type AgentConfig struct {
	// HostID must match the host's id in the control-plane inventory;
	// packages are registered for that id.
	HostID string `yaml:"host_id"`

	// Spool is where the control plane uploads packages.
	Spool string `yaml:"spool"`

	// APIEndpoint is the control-plane API serving verify and
	// confirm_decrypt.
	APIEndpoint string `yaml:"api_endpoint"`

	// Interpreter runs the package entry script.
	Interpreter string `yaml:"interpreter"`

	// RequestTimeout bounds each API call.
	RequestTimeout Duration `yaml:"request_timeout"`
}

// DefaultAgent returns the agent defaults for the running platform.
func DefaultAgent() *AgentConfig {
	cfg := &AgentConfig{
		Spool:          "/tmp",
		APIEndpoint:    "http://localhost:8440",
		Interpreter:    "python3",
		RequestTimeout: Duration(30 * time.Second),
	}
	if runtime.GOOS == "windows" {
		cfg.Spool = `C:\Windows\Temp`
		cfg.Interpreter = "python"
	}
	return cfg
}

// LoadAgent reads path when set, otherwise ROLLOUT_AGENT_CONFIG, and
// otherwise DefaultAgentConfigPath. A missing default file yields the
// defaults so that "--uuid --decrypt" runs work on a fresh host.
func LoadAgent(path string) (*AgentConfig, error) {
	explicit := true
	if path == "" {
		path = os.Getenv("ROLLOUT_AGENT_CONFIG")
	}
	if path == "" {
		path, explicit = DefaultAgentConfigPath, false
	}

	cfg := DefaultAgent()
	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading agent config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every agent configuration problem at once.
// needKeys is false for runs that carry their key on the command line.
func (c *AgentConfig) Validate(needKeys bool) error {
	var errs []error
	if c.Spool == "" {
		errs = append(errs, errors.New("spool is required"))
	}
	if c.Interpreter == "" {
		errs = append(errs, errors.New("interpreter is required"))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, errors.New("request_timeout must be positive"))
	}
	if needKeys {
		if c.HostID == "" {
			errs = append(errs, errors.New("host_id is required"))
		}
		if endpoint, err := url.Parse(c.APIEndpoint); err != nil || (endpoint.Scheme != "http" && endpoint.Scheme != "https") {
			errs = append(errs, fmt.Errorf("api_endpoint %q is not an http(s) URL", c.APIEndpoint))
		}
	}
	return errors.Join(errs...)
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package compiler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/bureau-foundation/rollout/lib/formula"
	"github.com/bureau-foundation/rollout/lib/host"
)

// notSupported is the stub reason for entries with no matching variant.
const notSupported = "group not supported on this system"

// PlanSection is the ordered steps of one manifest section.
type PlanSection struct {
	Name  string
	Steps []Step
}

// Plan is the compiled, host-specific step list for a formula.
type Plan struct {
	Sections []PlanSection
}

// Section returns the steps of a named section.
func (p Plan) Section(name string) []Step {
	for _, section := range p.Sections {
		if section.Name == name {
			return section.Steps
		}
	}
	return nil
}

type planner struct {
	formula  *formula.Formula
	host     host.Host
	platform host.Platform
	runType  formula.RunType
	render   func(string) string
	files    *materializer
	logger   *slog.Logger
}

func (p *planner) build(ctx context.Context) Plan {
	var plan Plan
	for _, sectionName := range formula.SectionNames {
		section := PlanSection{Name: sectionName}
		for _, entry := range p.formula.Manifest.Section(sectionName) {
			variant, ok := entry.Select(p.platform)
			if !ok {
				section.Steps = append(section.Steps, Unsupported{Section: sectionName, Entry: entry.Name, Reason: notSupported})
				continue
			}
			steps, err := p.entrySteps(ctx, sectionName, entry.Name, variant)
			if err != nil {
				p.logger.Warn("manifest entry degraded to stub",
					"section", sectionName,
					"entry", entry.Name,
					"error", err,
				)
				section.Steps = append(section.Steps, Unsupported{Section: sectionName, Entry: entry.Name, Reason: err.Error()})
				continue
			}
			section.Steps = append(section.Steps, steps...)
		}
		plan.Sections = append(plan.Sections, section)
	}
	return plan
}

func (p *planner) entrySteps(ctx context.Context, section, name string, variant formula.Variant) ([]Step, error) {
	switch section {
	case "commands":
		return p.commandSteps(name, variant)
	case "packages":
		return p.packageSteps(name, variant)
	case "repository":
		return p.repositorySteps(name, variant)
	case "users":
		return p.userSteps(name, variant)
	case "folders":
		return p.folderSteps(name, variant)
	case "files":
		return p.fileSteps(ctx, name, variant)
	case "services":
		return p.serviceSteps(name, variant)
	case "iptables":
		return p.firewallSteps(name, variant)
	default:
		return nil, fmt.Errorf("unknown section %q", section)
	}
}

func (p *planner) text(variant formula.Variant, key string) string {
	return p.render(variant.String(key))
}

func (p *planner) texts(variant formula.Variant, key string) []string {
	values := slices.Clone(variant.Strings(key))
	for index, value := range values {
		values[index] = p.render(value)
	}
	return values
}

// commandMapKey picks which command map of a variant applies to the
// run type. Update falls back to the install commands.
func (p *planner) commandMapKey(variant formula.Variant) string {
	switch p.runType {
	case formula.Uninstall:
		return "uninstall"
	case formula.Update:
		if variant.Map("update") != nil {
			return "update"
		}
	}
	return "commands"
}

func (p *planner) commandSteps(name string, variant formula.Variant) ([]Step, error) {
	mapKey := p.commandMapKey(variant)
	commands := variant.Map(mapKey)
	if commands == nil {
		if p.runType == formula.Install {
			return nil, errors.New("commands entry has no commands")
		}
		return nil, nil
	}

	privileged := variant.Bool("sudo")
	useShell := variant.Bool("shell")
	directory := p.text(variant, "cwd")
	var environment map[string]string
	if env := variant.Map("env"); env != nil {
		environment = make(map[string]string, len(env))
		for key, value := range FromMap("", env) {
			environment[key] = p.render(value)
		}
	}

	var steps []Step
	for _, key := range variant.OrderedKeys(mapKey) {
		step := RunCommand{
			Entry:      name,
			Key:        key,
			Privileged: privileged,
			Directory:  directory,
			Env:        environment,
		}
		argv, stepPrivileged, err := p.commandArgv(commands[key], useShell)
		if err != nil {
			return nil, fmt.Errorf("command %s: %w", key, err)
		}
		if len(argv) == 0 {
			continue
		}
		step.Argv = argv
		step.Privileged = step.Privileged || stepPrivileged
		steps = append(steps, step)
	}
	return steps, nil
}

// commandArgv accepts a command string (tokenized, never handed to a
// shell unless useShell) or an explicit argv list. Each word is
// rendered after splitting so variable values stay single arguments.
func (p *planner) commandArgv(value any, useShell bool) ([]Arg, bool, error) {
	switch typed := value.(type) {
	case string:
		line, privileged := strings.CutPrefix(strings.TrimSpace(typed), "sudo ")
		if useShell {
			return p.shellArgv(p.render(line)), privileged, nil
		}
		words, err := splitWords(line)
		if err != nil {
			return nil, false, err
		}
		return p.literalArgs(words), privileged, nil
	case []any:
		words := make([]string, 0, len(typed))
		for _, element := range typed {
			words = append(words, fmt.Sprint(element))
		}
		return p.literalArgs(words), false, nil
	case nil:
		return nil, false, nil
	default:
		return nil, false, fmt.Errorf("unsupported command value %T", value)
	}
}

func (p *planner) literalArgs(words []string) []Arg {
	argv := make([]Arg, len(words))
	for index, word := range words {
		argv[index] = Literal(p.render(word))
	}
	return argv
}

func (p *planner) shellArgv(line string) []Arg {
	if p.host.Type == host.Windows {
		return []Arg{Literal("cmd.exe"), Literal("/C"), Literal(line)}
	}
	return []Arg{Literal("/bin/sh"), Literal("-c"), Literal(line)}
}

func (p *planner) packageSteps(name string, variant formula.Variant) ([]Step, error) {
	names := p.texts(variant, "names")
	if len(names) == 0 {
		names = p.texts(variant, "name")
	}
	if len(names) == 0 {
		names = []string{name}
	}

	state := State(variant.String("state"))
	switch p.runType {
	case formula.Uninstall:
		state = Absent
	case formula.Update:
		state = Latest
	default:
		if state == "" {
			state = Present
		}
	}
	if state != Present && state != Absent && state != Latest {
		return nil, fmt.Errorf("package state %q is not present, absent, or latest", state)
	}

	manager := variant.String("manager")
	if manager == "" {
		manager = defaultPackageManager(p.host.Type, p.platform.Distro)
	}
	if manager == "" {
		return nil, fmt.Errorf("no package manager known for %s", p.platform.Distro)
	}
	return []Step{ManagePackage{Entry: name, Manager: manager, Names: names, State: state}}, nil
}

func (p *planner) repositorySteps(name string, variant formula.Variant) ([]Step, error) {
	repository := ConfigureRepository{
		Entry:   name,
		Manager: variant.String("manager"),
		Name:    p.text(variant, "name"),
		URL:     p.text(variant, "url"),
		Key:     p.text(variant, "key"),
		Suite:   p.text(variant, "suite"),
		Parts:   p.texts(variant, "components"),
		State:   Present,
	}
	if repository.Name == "" {
		repository.Name = safeName(name)
	}
	if repository.Manager == "" {
		repository.Manager = defaultPackageManager(p.host.Type, p.platform.Distro)
	}
	if p.runType == formula.Uninstall {
		repository.State = Absent
	} else if repository.URL == "" {
		return nil, errors.New("repository has no url")
	}
	return []Step{repository}, nil
}

func (p *planner) userSteps(name string, variant formula.Variant) ([]Step, error) {
	user := ManageUser{
		Entry:  name,
		Name:   p.text(variant, "name"),
		Groups: p.texts(variant, "groups"),
		Shell:  p.text(variant, "shell"),
		Home:   p.text(variant, "home"),
		System: variant.Bool("system"),
		State:  Present,
	}
	if user.Name == "" {
		user.Name = name
	}
	if p.runType == formula.Uninstall {
		user.State = Absent
	}
	return []Step{user}, nil
}

func (p *planner) folderSteps(name string, variant formula.Variant) ([]Step, error) {
	folder := EnsureFolder{
		Entry: name,
		Path:  p.text(variant, "path"),
		Mode:  variant.String("mode"),
		Owner: p.text(variant, "owner"),
		Group: p.text(variant, "group"),
		State: Present,
	}
	if folder.Path == "" {
		return nil, errors.New("folder has no path")
	}
	if p.runType == formula.Uninstall {
		if !variant.Bool("purge") {
			return nil, nil
		}
		folder.State = Absent
		return []Step{folder}, nil
	}

	source, err := p.files.folder(name, variant)
	if err != nil {
		return nil, fmt.Errorf("materializing folder: %w", err)
	}
	folder.Source = source
	return []Step{folder}, nil
}

func (p *planner) fileSteps(ctx context.Context, name string, variant formula.Variant) ([]Step, error) {
	file := DeployFile{
		Entry:       name,
		Destination: p.text(variant, "path"),
		Mode:        variant.String("mode"),
		Owner:       p.text(variant, "owner"),
		Group:       p.text(variant, "group"),
		State:       Present,
	}
	if file.Destination == "" {
		file.Destination = p.text(variant, "destination")
	}
	if file.Destination == "" {
		return nil, errors.New("file has no destination path")
	}
	if p.runType == formula.Uninstall {
		file.State = Absent
		return []Step{file}, nil
	}

	source, err := p.files.file(ctx, name, variant)
	if err != nil {
		return nil, fmt.Errorf("materializing file: %w", err)
	}
	file.Source = source
	return []Step{file}, nil
}

func (p *planner) serviceSteps(name string, variant formula.Variant) ([]Step, error) {
	service := ManageService{
		Entry: name,
		Name:  p.text(variant, "name"),
		State: State(variant.String("state")),
	}
	if service.Name == "" {
		service.Name = name
	}
	if _, declared := variant.Params["enabled"]; declared {
		enabled := variant.Bool("enabled")
		service.Enabled = &enabled
	}

	switch p.runType {
	case formula.Uninstall:
		disabled := false
		service.State = Stopped
		service.Enabled = &disabled
	case formula.Update:
		service.State = Restarted
	default:
		if service.State == "" {
			service.State = Started
		}
		if service.Enabled == nil {
			enabled := true
			service.Enabled = &enabled
		}
	}
	switch service.State {
	case Started, Stopped, Restarted, Reloaded:
	default:
		return nil, fmt.Errorf("service state %q is not started, stopped, restarted, or reloaded", service.State)
	}
	return []Step{service}, nil
}

func (p *planner) firewallSteps(name string, variant formula.Variant) ([]Step, error) {
	rule := FirewallRule{
		Entry:    name,
		Chain:    strings.ToUpper(variant.String("chain")),
		Protocol: strings.ToLower(variant.String("protocol")),
		Port:     p.text(variant, "port"),
		Source:   p.text(variant, "source"),
		Action:   strings.ToUpper(variant.String("action")),
		State:    Present,
	}
	if rule.Chain == "" {
		rule.Chain = "INPUT"
	}
	if rule.Protocol == "" {
		rule.Protocol = "tcp"
	}
	if rule.Action == "" {
		rule.Action = "ACCEPT"
	}
	if p.runType == formula.Uninstall {
		rule.State = Absent
	}
	return []Step{rule}, nil
}

func defaultPackageManager(hostType host.Type, distro string) string {
	if hostType == host.Windows {
		return "choco"
	}
	switch distro {
	case "ubuntu", "debian":
		return "apt"
	case "centos", "rhel", "redhat", "rocky", "almalinux", "amazon", "oracle":
		return "yum"
	case "fedora":
		return "dnf"
	case "opensuse", "sles", "suse":
		return "zypper"
	case "alpine":
		return "apk"
	case "arch":
		return "pacman"
	default:
		return ""
	}
}

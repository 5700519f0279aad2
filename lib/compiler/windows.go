// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package compiler

import (
	"fmt"
	"strings"
)

// WindowsGenerator targets Windows hosts: Chocolatey packages, the
// service control manager, and Windows Firewall through netsh. The
// agent runs elevated, so steps never request privilege.
type WindowsGenerator struct{}

func (WindowsGenerator) Prelude() string {
	return windowsPrelude
}

func (g WindowsGenerator) Step(step Step) (string, error) {
	switch typed := step.(type) {
	case RunCommand:
		statement := run(typed.Argv, false)
		if typed.Directory != "" {
			statement.keyword("cwd", pyString(typed.Directory))
		}
		if len(typed.Env) > 0 {
			statement.keyword("env", pyDict(typed.Env))
		}
		return "# " + commentText(typed.Entry+"/"+typed.Key) + "\n" + statement.String(), nil
	case ManagePackage:
		return g.packages(typed)
	case ConfigureRepository:
		return g.repository(typed)
	case ManageUser:
		return g.user(typed), nil
	case EnsureFolder:
		return g.folder(typed), nil
	case DeployFile:
		if typed.State == Absent {
			return newCall("_unlink", pyString(typed.Destination)).String(), nil
		}
		return newCall("_copy", pyArg(PackagePath(typed.Source)), pyString(typed.Destination)).String(), nil
	case ManageService:
		return g.service(typed)
	case FirewallRule:
		return g.firewall(typed), nil
	default:
		return "", fmt.Errorf("windows generator cannot render %T", step)
	}
}

func (WindowsGenerator) packages(step ManagePackage) (string, error) {
	if step.Manager != "choco" {
		return "", fmt.Errorf("package manager %q is not supported on windows", step.Manager)
	}
	verb := map[State]string{Present: "install", Latest: "upgrade", Absent: "uninstall"}[step.State]
	argv := literals(append([]string{"choco", verb, "-y", "--no-progress"}, step.Names...)...)
	return run(argv, false).String(), nil
}

func (WindowsGenerator) repository(step ConfigureRepository) (string, error) {
	if step.Manager != "choco" {
		return "", fmt.Errorf("repositories are not supported for package manager %q", step.Manager)
	}
	if step.State == Absent {
		return run(literals("choco", "source", "remove", "--name="+step.Name), false).keyword("check", "False").String(), nil
	}
	return run(literals("choco", "source", "add", "--name="+step.Name, "--source="+step.URL), false).String(), nil
}

func (WindowsGenerator) user(step ManageUser) string {
	if step.State == Absent {
		return run(literals("net", "user", step.Name, "/delete"), false).keyword("check", "False").String()
	}
	return newCall("_ensure_user", pyString(step.Name)).keyword("groups", pyStrings(step.Groups)).String()
}

func (WindowsGenerator) folder(step EnsureFolder) string {
	if step.State == Absent {
		return newCall("_rmtree", pyString(step.Path)).String()
	}
	statements := []fmt.Stringer{newCall("_makedirs", pyString(step.Path))}
	if step.Source != "" {
		statements = append(statements, newCall("_copytree", pyArg(PackagePath(step.Source)), pyString(step.Path)))
	}
	return joinStatements(statements...)
}

func (WindowsGenerator) service(step ManageService) (string, error) {
	var statements []fmt.Stringer
	if step.Enabled != nil {
		startType := "disabled"
		if *step.Enabled {
			startType = "auto"
		}
		statements = append(statements, run(literals("sc.exe", "config", step.Name, "start=", startType), false))
	}
	switch step.State {
	case Started:
		statements = append(statements, newCall("_service", pyString(step.Name), pyString("start")))
	case Stopped:
		statements = append(statements, newCall("_service", pyString(step.Name), pyString("stop")))
	case Restarted:
		statements = append(statements,
			newCall("_service", pyString(step.Name), pyString("stop")),
			newCall("_service", pyString(step.Name), pyString("start")))
	default:
		return "", fmt.Errorf("service state %q is not supported on windows", step.State)
	}
	return joinStatements(statements...), nil
}

func (WindowsGenerator) firewall(step FirewallRule) string {
	name := "name=rollout-" + safeName(step.Entry)
	if step.State == Absent {
		return run(literals("netsh", "advfirewall", "firewall", "delete", "rule", name), false).keyword("check", "False").String()
	}
	direction := "dir=in"
	if step.Chain == "OUTPUT" {
		direction = "dir=out"
	}
	action := "action=allow"
	if step.Action == "DROP" || step.Action == "REJECT" {
		action = "action=block"
	}
	argv := []string{"netsh", "advfirewall", "firewall", "add", "rule", name, direction, action,
		"protocol=" + strings.ToUpper(step.Protocol)}
	if step.Port != "" {
		if direction == "dir=in" {
			argv = append(argv, "localport="+step.Port)
		} else {
			argv = append(argv, "remoteport="+step.Port)
		}
	}
	if step.Source != "" {
		argv = append(argv, "remoteip="+step.Source)
	}
	return run(literals(argv...), false).String()
}

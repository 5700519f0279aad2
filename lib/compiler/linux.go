// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package compiler

import (
	"fmt"
	"strings"
)

// LinuxGenerator targets systemd hosts with iptables and the distro's
// native package manager.
type LinuxGenerator struct{}

func (LinuxGenerator) Prelude() string {
	return linuxPrelude
}

func (g LinuxGenerator) Step(step Step) (string, error) {
	switch typed := step.(type) {
	case RunCommand:
		return g.command(typed), nil
	case ManagePackage:
		return g.packages(typed)
	case ConfigureRepository:
		return g.repository(typed)
	case ManageUser:
		return g.user(typed), nil
	case EnsureFolder:
		return g.folder(typed), nil
	case DeployFile:
		return g.file(typed), nil
	case ManageService:
		return g.service(typed), nil
	case FirewallRule:
		return g.firewall(typed), nil
	default:
		return "", fmt.Errorf("linux generator cannot render %T", step)
	}
}

func (LinuxGenerator) command(step RunCommand) string {
	statement := run(step.Argv, step.Privileged)
	if step.Directory != "" {
		statement.keyword("cwd", pyString(step.Directory))
	}
	if len(step.Env) > 0 {
		statement.keyword("env", pyDict(step.Env))
	}
	return "# " + commentText(step.Entry+"/"+step.Key) + "\n" + statement.String()
}

var aptEnvironment = map[string]string{"DEBIAN_FRONTEND": "noninteractive"}

func (LinuxGenerator) packages(step ManagePackage) (string, error) {
	var verbs map[State][]string
	switch step.Manager {
	case "apt":
		verbs = map[State][]string{
			Present: {"apt-get", "install", "-y", "--no-upgrade"},
			Latest:  {"apt-get", "install", "-y"},
			Absent:  {"apt-get", "remove", "-y"},
		}
	case "yum", "dnf":
		verbs = map[State][]string{
			Present: {step.Manager, "install", "-y"},
			Latest:  {step.Manager, "upgrade", "-y"},
			Absent:  {step.Manager, "remove", "-y"},
		}
	case "zypper":
		verbs = map[State][]string{
			Present: {"zypper", "--non-interactive", "install"},
			Latest:  {"zypper", "--non-interactive", "update"},
			Absent:  {"zypper", "--non-interactive", "remove"},
		}
	case "apk":
		verbs = map[State][]string{
			Present: {"apk", "add"},
			Latest:  {"apk", "add", "--upgrade"},
			Absent:  {"apk", "del"},
		}
	case "pacman":
		verbs = map[State][]string{
			Present: {"pacman", "-S", "--noconfirm", "--needed"},
			Latest:  {"pacman", "-S", "--noconfirm"},
			Absent:  {"pacman", "-R", "--noconfirm"},
		}
	default:
		return "", fmt.Errorf("package manager %q is not supported on linux", step.Manager)
	}

	argv := literals(append(append([]string(nil), verbs[step.State]...), step.Names...)...)
	install := run(argv, true)
	if step.Manager != "apt" {
		return install.String(), nil
	}
	install.keyword("env", pyDict(aptEnvironment))
	if step.State == Absent {
		return install.String(), nil
	}
	update := run(literals("apt-get", "update"), true).keyword("env", pyDict(aptEnvironment))
	return joinStatements(update, install), nil
}

func (LinuxGenerator) repository(step ConfigureRepository) (string, error) {
	switch step.Manager {
	case "apt":
		listPath := "/etc/apt/sources.list.d/" + step.Name + ".list"
		keyPath := "/etc/apt/keyrings/" + step.Name + ".asc"
		if step.State == Absent {
			return run(literals("rm", "-f", listPath, keyPath), true).String(), nil
		}
		suite := step.Suite
		if suite == "" {
			suite = "./"
		}
		options := ""
		var statements []fmt.Stringer
		if step.Key != "" {
			options = "[signed-by=" + keyPath + "] "
			statements = append(statements,
				run(literals("install", "-d", "-m", "0755", "/etc/apt/keyrings"), true),
				newCall("_fetch", pyString(step.Key), pyString(keyPath)))
		}
		line := strings.TrimSpace("deb "+options+step.URL+" "+suite+" "+strings.Join(step.Parts, " ")) + "\n"
		statements = append(statements,
			newCall("_write", pyString(listPath), pyString(line)),
			run(literals("apt-get", "update"), true).keyword("env", pyDict(aptEnvironment)))
		return joinStatements(statements...), nil
	case "yum", "dnf":
		repoPath := "/etc/yum.repos.d/" + step.Name + ".repo"
		if step.State == Absent {
			return run(literals("rm", "-f", repoPath), true).String(), nil
		}
		var content strings.Builder
		fmt.Fprintf(&content, "[%s]\nname=%s\nbaseurl=%s\nenabled=1\n", step.Name, step.Name, step.URL)
		if step.Key != "" {
			fmt.Fprintf(&content, "gpgcheck=1\ngpgkey=%s\n", step.Key)
		} else {
			content.WriteString("gpgcheck=0\n")
		}
		return newCall("_write", pyString(repoPath), pyString(content.String())).String(), nil
	case "zypper":
		if step.State == Absent {
			return run(literals("zypper", "--non-interactive", "removerepo", step.Name), true).keyword("check", "False").String(), nil
		}
		return run(literals("zypper", "--non-interactive", "addrepo", "--refresh", step.URL, step.Name), true).String(), nil
	default:
		return "", fmt.Errorf("repositories are not supported for package manager %q", step.Manager)
	}
}

func (LinuxGenerator) user(step ManageUser) string {
	if step.State == Absent {
		return newCall("_remove_user", pyString(step.Name)).String()
	}
	return newCall("_ensure_user", pyString(step.Name)).
		keyword("groups", pyStrings(step.Groups)).
		keyword("shell", pyString(step.Shell)).
		keyword("home", pyString(step.Home)).
		keyword("system", pyBool(step.System)).
		String()
}

func (LinuxGenerator) owner(owner, group string) string {
	switch {
	case owner != "" && group != "":
		return owner + ":" + group
	case owner != "":
		return owner
	case group != "":
		return ":" + group
	default:
		return ""
	}
}

func (g LinuxGenerator) folder(step EnsureFolder) string {
	if step.State == Absent {
		return run(literals("rm", "-rf", "--", step.Path), true).String()
	}
	statements := []fmt.Stringer{run(literals("mkdir", "-p", "--", step.Path), true)}
	if step.Source != "" {
		statements = append(statements,
			run([]Arg{Literal("cp"), Literal("-a"), PackagePath(step.Source + "/."), Literal(step.Path)}, true))
	}
	if step.Mode != "" {
		statements = append(statements, run(literals("chmod", step.Mode, "--", step.Path), true))
	}
	if owner := g.owner(step.Owner, step.Group); owner != "" {
		statements = append(statements, run(literals("chown", "-R", owner, "--", step.Path), true))
	}
	return joinStatements(statements...)
}

func (LinuxGenerator) file(step DeployFile) string {
	if step.State == Absent {
		return run(literals("rm", "-f", "--", step.Destination), true).String()
	}
	mode := step.Mode
	if mode == "" {
		mode = "0644"
	}
	argv := literals("install", "-D", "-m", mode)
	if step.Owner != "" {
		argv = append(argv, Literal("-o"), Literal(step.Owner))
	}
	if step.Group != "" {
		argv = append(argv, Literal("-g"), Literal(step.Group))
	}
	argv = append(argv, PackagePath(step.Source), Literal(step.Destination))
	return run(argv, true).String()
}

func (LinuxGenerator) service(step ManageService) string {
	var statements []fmt.Stringer
	if step.Enabled != nil && *step.Enabled {
		statements = append(statements, run(literals("systemctl", "enable", step.Name), true))
	}
	verb := map[State]string{Started: "start", Stopped: "stop", Restarted: "restart", Reloaded: "reload"}[step.State]
	action := run(literals("systemctl", verb, step.Name), true)
	if step.State == Stopped {
		action.keyword("check", "False")
	}
	statements = append(statements, action)
	if step.Enabled != nil && !*step.Enabled {
		statements = append(statements, run(literals("systemctl", "disable", step.Name), true).keyword("check", "False"))
	}
	return joinStatements(statements...)
}

func (LinuxGenerator) firewall(step FirewallRule) string {
	rule := []string{step.Chain, "-p", step.Protocol}
	if step.Source != "" {
		rule = append(rule, "-s", step.Source)
	}
	if step.Port != "" {
		rule = append(rule, "--dport", step.Port)
	}
	rule = append(rule, "-j", step.Action)
	helper := "_ensure_rule"
	if step.State == Absent {
		helper = "_delete_rule"
	}
	return newCall(helper, pyStrings(rule)).String()
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/bureau-foundation/rollout/lib/api"
	"github.com/bureau-foundation/rollout/lib/deploy"
	"github.com/bureau-foundation/rollout/lib/orchestrator"
	"github.com/bureau-foundation/rollout/lib/store"
)

// Summary styles. lipgloss drops the colors when stdout is not a
// terminal, so piped output stays plain text.
var (
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Bold(true)
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	labelStyle  = lipgloss.NewStyle().Faint(true)
	headerStyle = lipgloss.NewStyle().Bold(true).Underline(true)
	detailStyle = lipgloss.NewStyle().PaddingLeft(4)
)

func printDeployment(w io.Writer, result *deploy.Result) {
	fmt.Fprintf(w, "%s %s %s\n", okStyle.Render("ok"), result.Host, labelStyle.Render(string(result.Mode)))
	printField(w, "package", result.PackageUUID)
	if result.RunID != "" {
		printField(w, "run", result.RunID)
	}
	for _, command := range result.Commands {
		printField(w, "ran", command.Command)
		if output := strings.TrimSpace(command.Stdout); output != "" {
			fmt.Fprintln(w, detailStyle.Render(output))
		}
	}
}

func printDeployFailure(w io.Writer, hostID string, err error) {
	fmt.Fprintf(w, "%s %s\n", failStyle.Render("failed"), hostID)
	var commandErr *deploy.CommandError
	if errors.As(err, &commandErr) {
		printField(w, "command", commandErr.Command)
		printField(w, "exit", fmt.Sprint(commandErr.ExitCode))
		if stderr := strings.TrimSpace(commandErr.Stderr); stderr != "" {
			fmt.Fprintln(w, detailStyle.Render(stderr))
		}
		return
	}
	printField(w, "error", err.Error())
}

func printGroup(w io.Writer, source string, result *orchestrator.Result) {
	fmt.Fprintln(w, headerStyle.Render(fmt.Sprintf("group %s: %d hosts", source, len(result.Deployments))))
	for _, hostID := range sortedKeys(result.Deployments) {
		for _, deployment := range result.Deployments[hostID] {
			printDeployment(w, deployment)
		}
	}
	if result.Group != nil {
		printField(w, "recorded", fmt.Sprintf("%s (%s)", result.Group.Name, result.Group.UUID))
	}
}

func printGroupFailure(w io.Writer, source string, groupErr *orchestrator.GroupError) {
	fmt.Fprintln(w, headerStyle.Render(fmt.Sprintf("group %s: %s failed on %d of %d hosts",
		source, groupErr.Stage, len(groupErr.Failures), groupErr.Total)))
	for _, hostID := range groupErr.Hosts() {
		printDeployFailure(w, hostID, groupErr.Failures[hostID])
	}
}

func printPackageStatus(w io.Writer, status api.PackageStatus) {
	state := "registered"
	switch {
	case status.Decrypted:
		state = "decrypted"
	case status.Verified:
		state = "verified"
	}
	fmt.Fprintf(w, "%s %s on %s\n", okStyle.Render(state), status.PackageUUID, status.HostID)
	printField(w, "formula", status.Formula)
	printField(w, "checksum", status.Checksum)
	printTime(w, "registered", status.RegisteredAt)
	printTime(w, "verified", status.VerifiedAt)
	printTime(w, "decrypted", status.DecryptedAt)
}

func printHistory(w io.Writer, records []store.RunRecord) {
	for _, record := range records {
		style := okStyle
		if record.Status == store.RunError {
			style = failStyle
		}
		marker := ""
		if record.Current {
			marker = labelStyle.Render(" (current)")
		}
		fmt.Fprintf(w, "%s %s%s\n", style.Render(string(record.Status)), record.ID, marker)
		printField(w, "package", record.PackageUUID)
		printTime(w, "started", record.StartedAt)
		printTime(w, "finished", record.FinishedAt)
		if record.Message != "" {
			printField(w, "message", record.Message)
		}
	}
}

func printField(w io.Writer, label, value string) {
	fmt.Fprintf(w, "  %s %s\n", labelStyle.Render(label+":"), value)
}

func printTime(w io.Writer, label string, value time.Time) {
	if value.IsZero() {
		return
	}
	printField(w, label, value.UTC().Format(time.RFC3339))
}

func sortedKeys[V any](values map[string]V) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

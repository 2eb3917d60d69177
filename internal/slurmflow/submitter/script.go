package submitter

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/G-Research/slurmflow/internal/common/util"
	"github.com/G-Research/slurmflow/internal/slurmflow/slurm"
)

// renderScript wraps command in a batch script that creates and enters the working directory first.
func renderScript(workingDirectory, command string) string {
	wd := shellQuote(workingDirectory)
	var b strings.Builder
	b.WriteString("#!/bin/bash\n")
	b.WriteString("set -e\n")
	fmt.Fprintf(&b, "mkdir -p %s\n", wd)
	fmt.Fprintf(&b, "cd %s\n", wd)
	b.WriteString(strings.TrimSpace(command))
	b.WriteString("\n")
	return b.String()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// nextflowRunName returns the -name of a nextflow command reporting to Tower, and false for any other command.
func nextflowRunName(command string) (string, bool) {
	fields := strings.Fields(command)
	isNextflow, withTower, name := false, false, ""
	for i, field := range fields {
		switch {
		case field == "nextflow" || strings.HasSuffix(field, "/nextflow"):
			isNextflow = true
		case field == "-with-tower" || strings.HasPrefix(field, "-with-tower="):
			withTower = true
		case field == "-name" && i+1 < len(fields):
			name = strings.Trim(fields[i+1], `'"`)
		case strings.HasPrefix(field, "-name="):
			name = strings.Trim(strings.TrimPrefix(field, "-name="), `'"`)
		}
	}
	return name, isNextflow && withTower && name != ""
}

type TowerConfig struct {
	Enabled      bool
	BaseUrl      string
	Organisation string
	Workspace    string
}

func (c TowerConfig) watchUrl(runName string) string {
	base := strings.TrimSuffix(c.BaseUrl, "/")
	if base == "" {
		base = "https://cloud.seqera.io"
	}
	return fmt.Sprintf("%s/orgs/%s/workspaces/%s/watch?search=%s",
		base, url.PathEscape(c.Organisation), url.PathEscape(c.Workspace), url.QueryEscape(runName))
}

func submissionArtifact(jobId slurm.JobId, submission *slurm.JobSubmission, timeLimit time.Duration, command string, tower TowerConfig) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Slurm job %d\n\n", jobId)
	fmt.Fprintf(&b, "Submitted job `%s` to the Slurm cluster:\n\n", submission.Name)
	b.WriteString("~~~\n")
	b.WriteString(submission.Script)
	b.WriteString("~~~\n\n")

	table := util.NewTabbedStringBuilder(1, 1, 1, ' ', 0)
	table.Writef("Time limit:\t%s (%s)\n", submission.TimeLimit, timeLimit)
	table.Writef("Memory:\t%s\n", submission.Memory)
	if submission.Partition != "" {
		table.Writef("Partition:\t%s\n", submission.Partition)
	}
	table.Writef("Working directory:\t%s\n", submission.WorkingDirectory)
	b.WriteString(table.String())

	if tower.Enabled {
		if runName, ok := nextflowRunName(command); ok {
			fmt.Fprintf(&b, "\nFollow the Nextflow run [%s](%s) on Tower.\n", runName, tower.watchUrl(runName))
		}
	}
	return b.String()
}

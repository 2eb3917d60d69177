package slurm

import (
	"context"
)

// JobId is the identifier Slurm assigns to a job on submission.
type JobId int64

// JobSubmission is the resource envelope and script for a single job, in Slurm's native formats.
type JobSubmission struct {
	Name string `json:"name"`
	// Script is the full batch script, including the shebang line.
	Script string `json:"script"`
	// TimeLimit in days-HH:MM:SS form.
	TimeLimit string `json:"time_limit"`
	// Memory per node as a Slurm size string, e.g. 100M.
	Memory           string            `json:"memory_per_node"`
	Partition        string            `json:"partition,omitempty"`
	WorkingDirectory string            `json:"working_directory"`
	Environment      map[string]string `json:"environment,omitempty"`
	// User the job is submitted on behalf of. Capacity and cancellation are scoped to this user.
	User string `json:"user"`
}

// JobInfo is the scheduler's view of a job.
type JobInfo struct {
	JobId            JobId
	Name             string
	User             string
	State            string
	WorkingDirectory string
	// Path of the file the job's standard output is written to. May be empty.
	StdOut string
}

func (j JobInfo) Status() Status {
	return ParseStatus(j.State)
}

// JobFilter selects jobs for ListJobs. Empty fields match everything.
type JobFilter struct {
	User   string
	Names  []string
	States []Status
}

func (f JobFilter) Matches(job JobInfo) bool {
	if f.User != "" && job.User != f.User {
		return false
	}
	if len(f.Names) > 0 && !containsString(f.Names, job.Name) {
		return false
	}
	if len(f.States) > 0 {
		status := job.Status()
		matched := false
		for _, s := range f.States {
			if s == status {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

// Client is the boundary to the cluster scheduler.
type Client interface {
	// Submit queues a job and returns the id assigned by the scheduler.
	Submit(ctx context.Context, submission *JobSubmission) (JobId, error)
	// Query returns the current state of a single job.
	Query(ctx context.Context, jobId JobId) (*JobInfo, error)
	// ListJobs returns all jobs known to the scheduler matching filter.
	ListJobs(ctx context.Context, filter JobFilter) ([]JobInfo, error)
	// Cancel asks the scheduler to cancel a job.
	Cancel(ctx context.Context, jobId JobId) error
}

func containsString(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}

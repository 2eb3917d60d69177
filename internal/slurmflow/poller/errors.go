package poller

import (
	"fmt"

	"github.com/G-Research/slurmflow/internal/slurmflow/slurm"
)

// ClusterJobFailedError means the job itself reached a failure status. It is an expected outcome
// rather than a fault in orchestration.
type ClusterJobFailedError struct {
	JobId  slurm.JobId
	Name   string
	Status slurm.Status
}

func (err *ClusterJobFailedError) Error() string {
	return fmt.Sprintf("slurm job %d (%s) ended with status %s", err.JobId, err.Name, err.Status)
}

// PollLimitExceededError is returned when a job is still not terminal after the configured number of checks.
type PollLimitExceededError struct {
	JobId      slurm.JobId
	Checks     int
	LastStatus slurm.Status
}

func (err *PollLimitExceededError) Error() string {
	return fmt.Sprintf("slurm job %d was still %s after %d checks", err.JobId, err.LastStatus, err.Checks)
}

package model

import (
	"time"

	"github.com/google/uuid"

	"github.com/G-Research/slurmflow/internal/slurmflow/slurm"
)

// Resources is the envelope a job asks the scheduler for.
type Resources struct {
	// Wall-time limit after which the scheduler kills the job.
	TimeLimit time.Duration
	// Memory per node, either a Slurm size (100M, 4G) or a Kubernetes-style quantity (100Mi).
	Memory    string
	Partition string
	// Environment variables exported into the job.
	Environment map[string]string
}

// JobRequest describes a unit of work to run on the cluster. Treat it as immutable once constructed.
type JobRequest struct {
	Name    string
	Command string
	// Owner is the scheduler account the job runs as. Capacity and cancellation are scoped to it.
	Owner            string
	Resources        Resources
	WorkingDirectory string
	// Content hashes of files the command reads. Changing an input changes the job's fingerprint.
	InputFileHashes []string
}

// JobFingerprint identifies a JobRequest by everything that affects its outcome.
type JobFingerprint string

// OrchestratedJobRecord is the durable trace of one submission to the cluster.
type OrchestratedJobRecord struct {
	Id          uuid.UUID
	Fingerprint JobFingerprint
	JobId       slurm.JobId
	Owner       string
	// Id of the workflow run that submitted (and is waiting on) the job.
	OwnerRunId      string
	Name            string
	LastKnownStatus slurm.Status
	StateCheckedAt  time.Time
	Created         time.Time
	// Set once a terminal status is first observed.
	Ended *time.Time
	// JSON-encoded slurm.JobSubmission as it was sent to the scheduler.
	SubmissionDescription string
	InputFileHashes       []string
	LogTail               string
}

// DeepCopy returns a copy sharing no mutable state with r.
func (r *OrchestratedJobRecord) DeepCopy() *OrchestratedJobRecord {
	if r == nil {
		return nil
	}
	copied := *r
	if r.Ended != nil {
		ended := *r.Ended
		copied.Ended = &ended
	}
	copied.InputFileHashes = append([]string(nil), r.InputFileHashes...)
	return &copied
}

// EndedOrChecked returns when the job ended, falling back to the last state check for records
// written before the end time was captured.
func (r *OrchestratedJobRecord) EndedOrChecked() time.Time {
	if r.Ended != nil {
		return *r.Ended
	}
	return r.StateCheckedAt
}

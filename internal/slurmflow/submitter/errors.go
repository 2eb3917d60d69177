package submitter

import (
	"fmt"

	"github.com/G-Research/slurmflow/internal/slurmflow/slurm"
)

// SubmissionFailedError is returned when the scheduler rejects a job. It is fatal to that submission attempt.
type SubmissionFailedError struct {
	Name string
	Err  error
}

func (err *SubmissionFailedError) Error() string {
	return fmt.Sprintf("slurm rejected job %s: %s", err.Name, err.Err)
}

func (err *SubmissionFailedError) Unwrap() error { return err.Err }

// InvalidWorkingDirectoryError is returned when a job's working directory cannot be resolved to an absolute path.
type InvalidWorkingDirectoryError struct {
	Path   string
	Reason string
}

func (err *InvalidWorkingDirectoryError) Error() string {
	return fmt.Sprintf("invalid working directory %q: %s", err.Path, err.Reason)
}

// AmbiguousCancelError is returned when cancelling by name finds anything other than exactly one active job.
// No job is cancelled in that case, since acting could cancel the wrong one.
type AmbiguousCancelError struct {
	Owner   string
	Name    string
	Matches []slurm.JobId
}

func (err *AmbiguousCancelError) Error() string {
	return fmt.Sprintf("expected exactly one active job named %s for %s but found %d %v", err.Name, err.Owner, len(err.Matches), err.Matches)
}

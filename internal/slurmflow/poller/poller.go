// Package poller watches a submitted job until the scheduler reports it finished.
package poller

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/slurmflow/internal/common/logging"
	"github.com/G-Research/slurmflow/internal/common/util"
	"github.com/G-Research/slurmflow/internal/slurmflow/metrics"
	"github.com/G-Research/slurmflow/internal/slurmflow/model"
	"github.com/G-Research/slurmflow/internal/slurmflow/repository"
	"github.com/G-Research/slurmflow/internal/slurmflow/slurm"
	"github.com/G-Research/slurmflow/internal/slurmflow/submitter"
)

const cancelTimeout = 30 * time.Second

type Config struct {
	Interval time.Duration
	// Give up after this many checks. Zero derives the limit from the job's time limit plus TimeLimitSlack,
	// or polls until the job ends when the time limit is unknown.
	MaxChecks int
	// Time a job may spend outside its time limit, e.g. queued, before polling gives up.
	TimeLimitSlack time.Duration
	// Lines of the job's output kept on its record once it ends.
	LogTailLines int
	// Cancel the job on the cluster when the caller stops waiting.
	CancelOnAbort bool
}

// Poller drives a job's record from submission to a terminal status. It never resubmits:
// whatever the outcome, the handle it was given is the handle it reports on.
type Poller struct {
	client  slurm.Client
	records repository.JobRecordRepository
	clock   util.Clock
	config  Config
	metrics *metrics.Metrics
}

func NewPoller(client slurm.Client, records repository.JobRecordRepository, clock util.Clock, config Config, m *metrics.Metrics) *Poller {
	return &Poller{client: client, records: records, clock: clock, config: config, metrics: m}
}

// WithoutCancelOnAbort returns a poller that leaves jobs running on the cluster when the caller stops waiting.
func (p *Poller) WithoutCancelOnAbort() *Poller {
	copied := *p
	copied.config.CancelOnAbort = false
	return &copied
}

func (p *Poller) CancelsOnAbort() bool {
	return p.config.CancelOnAbort
}

// Await polls the job behind recordId until it ends. It returns the final status, and a *ClusterJobFailedError
// when that status is a failure. Scheduler errors are treated as an unknown, non-terminal status.
func (p *Poller) Await(ctx context.Context, recordId uuid.UUID) (slurm.Status, error) {
	record, err := p.records.Get(ctx, recordId)
	if err != nil {
		return slurm.Unknown, err
	}
	logger := log.WithFields(log.Fields{"slurmflow": "Poller", "jobId": record.JobId, "job": record.Name})

	// Reused jobs may have ended long ago, and the scheduler may have forgotten them.
	if slurm.IsTerminal(record.LastKnownStatus) {
		logger.Debugf("job already ended with %s", record.LastKnownStatus)
		return record.LastKnownStatus, outcome(record)
	}

	maxChecks := p.maxChecks(record)
	checks := 0
	for {
		status := p.check(ctx, record, logger)
		if slurm.IsTerminal(status) {
			p.metrics.RecordJobFinished(status.Classification().String())
			logger.Infof("job ended with %s after %d checks", status, checks+1)
			return status, outcome(record)
		}
		checks++
		if maxChecks > 0 && checks >= maxChecks {
			return status, errors.WithStack(&PollLimitExceededError{JobId: record.JobId, Checks: checks, LastStatus: status})
		}

		select {
		case <-ctx.Done():
			p.abort(record, logger)
			return status, ctx.Err()
		case <-time.After(p.config.Interval):
		}
	}
}

// maxChecks is how many checks fit in the job's time limit plus slack, unless configured explicitly.
func (p *Poller) maxChecks(record *model.OrchestratedJobRecord) int {
	if p.config.MaxChecks > 0 || p.config.Interval <= 0 {
		return p.config.MaxChecks
	}
	var description slurm.JobSubmission
	if err := json.Unmarshal([]byte(record.SubmissionDescription), &description); err != nil || description.TimeLimit == "" {
		return 0
	}
	minutes, err := slurm.TimeLimitMinutes(description.TimeLimit)
	if err != nil || minutes <= 0 {
		return 0
	}
	budget := time.Duration(minutes)*time.Minute + p.config.TimeLimitSlack
	return int((budget + p.config.Interval - 1) / p.config.Interval)
}

// check queries the scheduler once and records what it saw.
func (p *Poller) check(ctx context.Context, record *model.OrchestratedJobRecord, logger *log.Entry) slurm.Status {
	status := slurm.Unknown
	info, err := p.client.Query(ctx, record.JobId)
	if err != nil {
		p.metrics.RecordSchedulerError("query")
		logging.WithStacktrace(logger, err).Warn("could not get job status from slurm")
	} else {
		status = info.Status()
	}
	p.metrics.RecordPoll(string(status))
	logger.Debugf("job status is %s", status)

	// An unknown status is not knowledge about the job, so the last known status stays as is.
	if status != slurm.Unknown {
		record.LastKnownStatus = status
	}
	record.StateCheckedAt = p.clock.Now()
	if slurm.IsTerminal(status) {
		if record.Ended == nil {
			ended := record.StateCheckedAt
			record.Ended = &ended
		}
		if info != nil && p.config.LogTailLines > 0 {
			tail, err := tailFile(info.StdOut, p.config.LogTailLines)
			if err != nil {
				logger.WithError(err).Debug("could not read job output")
			} else {
				record.LogTail = tail
			}
		}
	}
	if err := p.records.Update(ctx, record); err != nil {
		logging.WithStacktrace(logger, err).Error("could not update job record")
	}
	return status
}

func (p *Poller) abort(record *model.OrchestratedJobRecord, logger *log.Entry) {
	if !p.config.CancelOnAbort {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
	defer cancel()
	if _, err := submitter.CancelByName(ctx, p.client, record.Owner, record.Name); err != nil {
		var ambiguous *submitter.AmbiguousCancelError
		if errors.As(err, &ambiguous) {
			logger.Warnf("not cancelling: %s", ambiguous)
			return
		}
		logging.WithStacktrace(logger, err).Warn("could not cancel job")
	}
}

func outcome(record *model.OrchestratedJobRecord) error {
	if slurm.IsFinishedUnsuccessfully(record.LastKnownStatus) {
		return errors.WithStack(&ClusterJobFailedError{JobId: record.JobId, Name: record.Name, Status: record.LastKnownStatus})
	}
	return nil
}

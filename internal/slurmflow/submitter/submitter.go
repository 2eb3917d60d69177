// Package submitter turns job requests into Slurm jobs, at most once per fingerprint unless a
// resubmission policy says otherwise.
package submitter

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/slurmflow/internal/common/commonerrors"
	"github.com/G-Research/slurmflow/internal/common/logging"
	"github.com/G-Research/slurmflow/internal/common/util"
	"github.com/G-Research/slurmflow/internal/slurmflow/fingerprint"
	"github.com/G-Research/slurmflow/internal/slurmflow/metrics"
	"github.com/G-Research/slurmflow/internal/slurmflow/model"
	"github.com/G-Research/slurmflow/internal/slurmflow/policy"
	"github.com/G-Research/slurmflow/internal/slurmflow/repository"
	"github.com/G-Research/slurmflow/internal/slurmflow/slurm"
	"github.com/G-Research/slurmflow/internal/slurmflow/substrate"
)

const submissionArtifactKey = "slurm-job-submission"

type Config struct {
	// Used for requests that do not name a working directory.
	DefaultWorkingDirectory string
	Tower                   TowerConfig
}

type Outcome string

const (
	// A new job was sent to the scheduler.
	Submitted Outcome = "submitted"
	// An earlier identical job was reused according to the resubmission policy.
	Reused Outcome = "reused"
	// This invocation had already submitted the request.
	Memoized Outcome = "memoized"
)

// Submission is the handle to a job on the cluster.
type Submission struct {
	JobId       slurm.JobId          `json:"job_id"`
	RecordId    uuid.UUID            `json:"record_id"`
	Fingerprint model.JobFingerprint `json:"fingerprint"`
	Outcome     Outcome              `json:"-"`
}

type Submitter struct {
	client    slurm.Client
	records   repository.JobRecordRepository
	memo      substrate.Memo
	artifacts substrate.ArtifactSink
	clock     util.Clock
	config    Config
	metrics   *metrics.Metrics
}

func NewSubmitter(
	client slurm.Client,
	records repository.JobRecordRepository,
	memo substrate.Memo,
	artifacts substrate.ArtifactSink,
	clock util.Clock,
	config Config,
	m *metrics.Metrics,
) *Submitter {
	return &Submitter{
		client:    client,
		records:   records,
		memo:      memo,
		artifacts: artifacts,
		clock:     clock,
		config:    config,
		metrics:   m,
	}
}

// Submit sends req to the scheduler unless an identical job can be reused.
//
// A job submitted earlier by the same invocation is returned as is while it is unfinished or has completed,
// unless p always resubmits. Otherwise the most recent job with the same owner and fingerprint is reused when
// p says it should not be resubmitted.
func (s *Submitter) Submit(ctx context.Context, inv substrate.Invocation, req model.JobRequest, p policy.Policy) (*Submission, error) {
	if req.Owner == "" {
		req.Owner = inv.Owner
	}
	logger := log.WithFields(log.Fields{"slurmflow": "Submitter", "runId": inv.RunId, "job": req.Name})

	workingDirectory, err := s.resolveWorkingDirectory(req.WorkingDirectory)
	if err != nil {
		return nil, err
	}
	req.WorkingDirectory = workingDirectory
	fp := fingerprint.Fingerprint(req)
	logger = logger.WithField("fingerprint", fp)

	if submission, ok := s.loadMemoized(ctx, inv, fp, p, logger); ok {
		s.metrics.RecordSubmission(metrics.SubmissionMemoized)
		return submission, nil
	}

	previous, err := s.records.FindLatestByFingerprint(ctx, req.Owner, fp)
	if err != nil {
		return nil, errors.WithMessagef(err, "error looking up previous jobs for %s", req.Name)
	}
	if previous != nil {
		elapsed := s.clock.Now().Sub(previous.EndedOrChecked())
		if !policy.ShouldResubmit(p, previous.LastKnownStatus, elapsed) {
			logger.Infof("reusing job %d (%s) under policy %s", previous.JobId, previous.LastKnownStatus, p)
			submission := &Submission{JobId: previous.JobId, RecordId: previous.Id, Fingerprint: fp, Outcome: Reused}
			s.storeMemo(ctx, inv, submission, logger)
			s.metrics.RecordSubmission(metrics.SubmissionReused)
			return submission, nil
		}
		logger.Infof("previous job %d ended %s, resubmitting under policy %s", previous.JobId, previous.LastKnownStatus, p)
	}

	jobSubmission, err := s.describe(req)
	if err != nil {
		return nil, err
	}
	logger.Infof("submitting script\n%s", jobSubmission.Script)
	jobId, err := s.client.Submit(ctx, jobSubmission)
	if err != nil {
		s.metrics.RecordSubmission(metrics.SubmissionRejected)
		s.metrics.RecordSchedulerError("submit")
		return nil, errors.WithStack(&SubmissionFailedError{Name: req.Name, Err: err})
	}
	logger = logger.WithField("jobId", jobId)

	description, err := json.Marshal(jobSubmission)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	now := s.clock.Now()
	record := &model.OrchestratedJobRecord{
		Id:                    uuid.New(),
		Fingerprint:           fp,
		JobId:                 jobId,
		Owner:                 req.Owner,
		OwnerRunId:            inv.RunId,
		Name:                  req.Name,
		LastKnownStatus:       slurm.Pending,
		StateCheckedAt:        now,
		Created:               now,
		SubmissionDescription: string(description),
		InputFileHashes:       append([]string(nil), req.InputFileHashes...),
	}
	if err := s.records.Create(ctx, record); err != nil {
		logging.WithStacktrace(logger, err).Error("job was submitted but could not be recorded")
		return nil, errors.WithMessagef(err, "error recording slurm job %d", jobId)
	}

	submission := &Submission{JobId: jobId, RecordId: record.Id, Fingerprint: fp, Outcome: Submitted}
	s.storeMemo(ctx, inv, submission, logger)
	s.metrics.RecordSubmission(metrics.SubmissionNew)

	artifact := submissionArtifact(jobId, jobSubmission, req.Resources.TimeLimit, req.Command, s.config.Tower)
	if err := s.artifacts.CreateMarkdownArtifact(substrate.WithInvocation(ctx, inv), submissionArtifactKey, artifact); err != nil {
		logging.WithStacktrace(logger, err).Warn("could not record submission artifact")
	}
	logger.Infof("submitted job %d", jobId)
	return submission, nil
}

func (s *Submitter) resolveWorkingDirectory(path string) (string, error) {
	if path == "" {
		path = s.config.DefaultWorkingDirectory
	}
	if path == "" {
		return "", errors.WithStack(&InvalidWorkingDirectoryError{Path: path, Reason: "no working directory given and no default configured"})
	}
	if strings.ContainsRune(path, 0) {
		return "", errors.WithStack(&InvalidWorkingDirectoryError{Path: path, Reason: "path contains a NUL byte"})
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", errors.WithStack(&InvalidWorkingDirectoryError{Path: path, Reason: err.Error()})
	}
	if !filepath.IsAbs(abs) {
		return "", errors.WithStack(&InvalidWorkingDirectoryError{Path: path, Reason: "could not be made absolute"})
	}
	return abs, nil
}

// describe converts req into the scheduler's native formats.
func (s *Submitter) describe(req model.JobRequest) (*slurm.JobSubmission, error) {
	if strings.TrimSpace(req.Command) == "" {
		return nil, errors.WithStack(&commonerrors.ErrInvalidArgument{Name: "Command", Value: req.Command, Message: "command must not be empty"})
	}
	if req.Resources.TimeLimit <= 0 {
		return nil, errors.WithStack(&commonerrors.ErrInvalidArgument{
			Name:    "TimeLimit",
			Value:   req.Resources.TimeLimit,
			Message: "time limit must be positive",
		})
	}
	memory, err := slurm.FormatMemory(req.Resources.Memory)
	if err != nil {
		return nil, err
	}
	return &slurm.JobSubmission{
		Name:             req.Name,
		Script:           renderScript(req.WorkingDirectory, req.Command),
		TimeLimit:        slurm.FormatTimeLimit(req.Resources.TimeLimit),
		Memory:           memory,
		Partition:        req.Resources.Partition,
		WorkingDirectory: req.WorkingDirectory,
		Environment:      req.Resources.Environment,
		User:             req.Owner,
	}, nil
}

func (s *Submitter) loadMemoized(ctx context.Context, inv substrate.Invocation, fp model.JobFingerprint, p policy.Policy, logger *log.Entry) (*Submission, bool) {
	if inv.RunId == "" || p.Kind == policy.AlwaysResubmit {
		return nil, false
	}
	value, ok, err := s.memo.Load(ctx, fingerprint.MemoKey(inv.RunId, fp))
	if err != nil {
		logging.WithStacktrace(logger, err).Warn("could not read memoized submission")
		return nil, false
	}
	if !ok {
		return nil, false
	}
	submission := &Submission{}
	if err := json.Unmarshal(value, submission); err != nil {
		logging.WithStacktrace(logger, err).Warn("ignoring unreadable memoized submission")
		return nil, false
	}
	record, err := s.records.Get(ctx, submission.RecordId)
	if err != nil {
		logging.WithStacktrace(logger, err).Warn("ignoring memoized submission without a readable record")
		return nil, false
	}
	if slurm.IsFinishedUnsuccessfully(record.LastKnownStatus) {
		logger.Infof("job %d submitted by this run ended %s", submission.JobId, record.LastKnownStatus)
		return nil, false
	}
	submission.Outcome = Memoized
	logger.Infof("already submitted as job %d by this run", submission.JobId)
	return submission, true
}

func (s *Submitter) storeMemo(ctx context.Context, inv substrate.Invocation, submission *Submission, logger *log.Entry) {
	if inv.RunId == "" {
		return
	}
	value, err := json.Marshal(submission)
	if err == nil {
		err = s.memo.Store(ctx, fingerprint.MemoKey(inv.RunId, submission.Fingerprint), value)
	}
	if err != nil {
		logging.WithStacktrace(logger, err).Warn("could not memoize submission")
	}
}

// CancelByName cancels owner's single active job called name. Anything other than exactly one match
// is reported as an *AmbiguousCancelError and nothing is cancelled.
func CancelByName(ctx context.Context, client slurm.Client, owner, name string) (slurm.JobId, error) {
	jobs, err := client.ListJobs(ctx, slurm.JobFilter{
		User:   owner,
		Names:  []string{name},
		States: []slurm.Status{slurm.Pending, slurm.Running, slurm.Completing, slurm.Suspended},
	})
	if err != nil {
		return 0, errors.Wrap(err, "error listing jobs to cancel")
	}
	if len(jobs) != 1 {
		matches := make([]slurm.JobId, 0, len(jobs))
		for _, job := range jobs {
			matches = append(matches, job.JobId)
		}
		return 0, errors.WithStack(&AmbiguousCancelError{Owner: owner, Name: name, Matches: matches})
	}
	jobId := jobs[0].JobId
	if err := client.Cancel(ctx, jobId); err != nil {
		return 0, errors.Wrapf(err, "error cancelling job %d", jobId)
	}
	log.WithField("slurmflow", "Submitter").Infof("cancelled job %d (%s) for %s", jobId, name, owner)
	return jobId, nil
}

func (s Submission) String() string {
	return fmt.Sprintf("job %d (record %s, %s)", s.JobId, s.RecordId, s.Outcome)
}

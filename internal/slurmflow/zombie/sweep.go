// Package zombie recovers cluster jobs whose orchestrating workflow run died while the job carried on.
package zombie

import (
	"context"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/slurmflow/internal/common/logging"
	"github.com/G-Research/slurmflow/internal/common/util"
	"github.com/G-Research/slurmflow/internal/slurmflow/metrics"
	"github.com/G-Research/slurmflow/internal/slurmflow/model"
	"github.com/G-Research/slurmflow/internal/slurmflow/repository"
	"github.com/G-Research/slurmflow/internal/slurmflow/slurm"
	"github.com/G-Research/slurmflow/internal/slurmflow/substrate"
)

const (
	ZombieStateName   = "Crashed (Zombie)"
	RestartStateName  = "Awaiting restart"
	ManualCrashName   = "Crashed (Manually)"
	zombieMessage     = "Crashed by the zombie sweep"
	zombieParentMsg   = "Crashed by the zombie sweep, as an ancestor of a zombie run"
	restartMessage    = "Restarted by the zombie sweep, since this run or a subflow was a zombie"
	maxAncestryLength = 1000
)

// Report summarises one sweep.
type Report struct {
	// Records that looked abandoned.
	Candidates int
	// Runs confirmed dead and crashed.
	Zombies []string
	// Top-level runs scheduled for a fresh attempt.
	Rescheduled []string
	// Records that could not be handled this time round.
	Skipped int
	Errors  *multierror.Error
}

type Sweeper struct {
	records   repository.JobRecordRepository
	runs      substrate.Runs
	clock     util.Clock
	tolerance time.Duration
	metrics   *metrics.Metrics
}

func NewSweeper(records repository.JobRecordRepository, runs substrate.Runs, clock util.Clock, tolerance time.Duration, m *metrics.Metrics) *Sweeper {
	return &Sweeper{records: records, runs: runs, clock: clock, tolerance: tolerance, metrics: m}
}

// Sweep looks for jobs believed RUNNING that nobody has checked on for longer than the tolerance. When the run
// that owns such a job is still marked running but has not been heard from within the tolerance either, it is
// crashed together with all of its ancestors, and the top-most ancestor is rescheduled.
//
// Problems with individual records are logged and returned together; the records are retried on the next sweep.
func (s *Sweeper) Sweep(ctx context.Context) (*Report, error) {
	start := time.Now()
	defer func() { s.metrics.ObserveSweep(time.Since(start)) }()

	threshold := s.clock.Now().Add(-s.tolerance)
	logger := log.WithField("slurmflow", "ZombieSweep")
	logger.Infof("looking for RUNNING cluster jobs last checked before %s", threshold.Format(time.RFC3339))

	candidates, err := s.records.FindStale(ctx, slurm.Running, threshold)
	if err != nil {
		return nil, err
	}
	report := &Report{Candidates: len(candidates)}
	logger.Infof("found %d such jobs", len(candidates))

	sweep := &sweepState{crashed: map[string]bool{}, rescheduled: map[string]bool{}}
	for _, record := range candidates {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := s.handle(ctx, record, threshold, sweep, report); err != nil {
			report.Skipped++
			logging.WithStacktrace(logger.WithField("jobId", record.JobId), err).Warn("skipping record until the next sweep")
			report.Errors = multierror.Append(report.Errors, errors.WithMessagef(err, "job %d", record.JobId))
		}
	}
	return report, report.Errors.ErrorOrNil()
}

type sweepState struct {
	crashed     map[string]bool
	rescheduled map[string]bool
}

func (s *Sweeper) handle(ctx context.Context, record *model.OrchestratedJobRecord, threshold time.Time, sweep *sweepState, report *Report) error {
	logger := log.WithFields(log.Fields{"slurmflow": "ZombieSweep", "jobId": record.JobId, "runId": record.OwnerRunId})
	if record.OwnerRunId == "" {
		logger.Debug("job has no owning run")
		return nil
	}
	run, err := s.runs.ReadRun(ctx, record.OwnerRunId)
	if err != nil {
		return err
	}
	if !run.State.IsRunning() {
		logger.Infof("owning run is %s, not a zombie", run.State)
		return nil
	}
	if run.Updated.After(threshold) {
		logger.Infof("owning run was updated recently at %s", run.Updated.Format(time.RFC3339))
		return nil
	}

	ancestors, err := s.ancestors(ctx, run)
	if err != nil {
		return err
	}
	top := run
	if len(ancestors) > 0 {
		top = ancestors[len(ancestors)-1]
	}

	logger.Warnf("owning run %s has not been updated since %s, crashing it", run.Id, run.Updated.Format(time.RFC3339))
	s.metrics.RecordZombie()
	if err := s.crash(ctx, run.Id, zombieMessage, sweep); err != nil {
		return err
	}
	report.Zombies = append(report.Zombies, run.Id)
	for _, ancestor := range ancestors {
		if sweep.rescheduled[ancestor.Id] {
			continue
		}
		logger.Infof("ancestor run %s will also be crashed", ancestor.Id)
		if err := s.crash(ctx, ancestor.Id, zombieParentMsg, sweep); err != nil {
			return err
		}
	}

	if sweep.rescheduled[top.Id] {
		logger.Infof("top-level run %s was already rescheduled in this sweep", top.Id)
		return nil
	}
	err = s.runs.SetRunState(ctx, top.Id, substrate.StateChange{
		State:   substrate.RunScheduled,
		Name:    RestartStateName,
		Message: restartMessage,
	})
	if err != nil {
		return errors.WithMessagef(err, "error rescheduling run %s", top.Id)
	}
	sweep.rescheduled[top.Id] = true
	report.Rescheduled = append(report.Rescheduled, top.Id)
	s.metrics.RecordReschedule()
	logger.Infof("rescheduled top-level run %s (%s)", top.Id, top.Name)
	return nil
}

// ancestors returns run's parent, grandparent and so on, ending with the first run that has no parent.
// The whole chain is read before anything is changed, so a failed read leaves every run as it was.
func (s *Sweeper) ancestors(ctx context.Context, run *substrate.WorkflowRun) ([]*substrate.WorkflowRun, error) {
	var chain []*substrate.WorkflowRun
	seen := map[string]bool{run.Id: true}
	current := run
	for current.ParentId != "" {
		if seen[current.ParentId] || len(chain) >= maxAncestryLength {
			return nil, errors.Errorf("ancestry of run %s loops back to run %s", run.Id, current.ParentId)
		}
		parent, err := s.runs.ReadRun(ctx, current.ParentId)
		if err != nil {
			return nil, errors.WithMessagef(err, "error reading ancestor %s of run %s", current.ParentId, run.Id)
		}
		seen[parent.Id] = true
		chain = append(chain, parent)
		current = parent
	}
	return chain, nil
}

func (s *Sweeper) crash(ctx context.Context, runId string, message string, sweep *sweepState) error {
	if sweep.crashed[runId] {
		return nil
	}
	err := s.runs.SetRunState(ctx, runId, substrate.StateChange{
		State:   substrate.RunCrashed,
		Name:    ZombieStateName,
		Message: message,
		Force:   true,
	})
	if err != nil {
		return errors.WithMessagef(err, "error crashing run %s", runId)
	}
	sweep.crashed[runId] = true
	return nil
}

// ForceCrash moves a single run to the crashed state, whatever state it is in. Its parents and subflows are
// left alone.
func ForceCrash(ctx context.Context, runs substrate.Runs, runId string, message string) (*substrate.WorkflowRun, error) {
	logger := log.WithFields(log.Fields{"slurmflow": "ForceCrash", "runId": runId})
	run, err := runs.ReadRun(ctx, runId)
	if err != nil {
		return nil, err
	}
	logger.Infof("run %s (%s) is %s", run.Id, run.Name, run.State)
	err = runs.SetRunState(ctx, runId, substrate.StateChange{
		State:   substrate.RunCrashed,
		Name:    ManualCrashName,
		Message: message,
		Force:   true,
	})
	if err != nil {
		return nil, err
	}
	updated, err := runs.ReadRun(ctx, runId)
	if err != nil {
		return nil, err
	}
	logger.Infof("run is now %s (%s)", updated.State, updated.StateName)
	return updated, nil
}

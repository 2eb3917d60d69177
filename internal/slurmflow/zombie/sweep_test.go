package zombie

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/slurmflow/internal/common/commonerrors"
	"github.com/G-Research/slurmflow/internal/common/util"
	"github.com/G-Research/slurmflow/internal/slurmflow/model"
	"github.com/G-Research/slurmflow/internal/slurmflow/repository"
	"github.com/G-Research/slurmflow/internal/slurmflow/slurm"
	"github.com/G-Research/slurmflow/internal/slurmflow/substrate"
)

var (
	now       = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	tolerance = time.Hour
	longAgo   = now.Add(-3 * time.Hour)
	recently  = now.Add(-time.Minute)
)

type fixture struct {
	records *repository.MemoryJobRecordRepository
	runs    *substrate.MemoryRuns
	sweeper *Sweeper
	nextJob slurm.JobId
}

func newFixture(t *testing.T) *fixture {
	records, err := repository.NewMemoryJobRecordRepository()
	require.NoError(t, err)
	clock := util.NewDummyClock(now)
	runs, err := substrate.NewMemoryRuns(clock)
	require.NoError(t, err)
	return &fixture{records: records, runs: runs, sweeper: NewSweeper(records, runs, clock, tolerance, nil)}
}

func (f *fixture) run(t *testing.T, id, parent string, state substrate.RunState, updated time.Time) {
	require.NoError(t, f.runs.CreateRun(context.Background(), &substrate.WorkflowRun{
		Id: id, Name: "flow " + id, ParentId: parent, State: state, Updated: updated,
	}))
}

func (f *fixture) job(t *testing.T, runId string, status slurm.Status, checked time.Time) {
	f.nextJob++
	require.NoError(t, f.records.Create(context.Background(), &model.OrchestratedJobRecord{
		Id:              uuid.New(),
		Fingerprint:     "fp",
		JobId:           f.nextJob,
		Owner:           "alice",
		OwnerRunId:      runId,
		Name:            "job",
		LastKnownStatus: status,
		StateCheckedAt:  checked,
		Created:         checked,
	}))
}

func (f *fixture) state(t *testing.T, id string) *substrate.WorkflowRun {
	run, err := f.runs.ReadRun(context.Background(), id)
	require.NoError(t, err)
	return run
}

func TestSweep_CrashesAncestorsAndReschedulesTopOnce(t *testing.T) {
	f := newFixture(t)
	f.run(t, "study", "", substrate.RunRunning, longAgo)
	f.run(t, "assembly", "study", substrate.RunRunning, longAgo)
	f.run(t, "sample-1", "assembly", substrate.RunRunning, longAgo)
	f.run(t, "sample-2", "assembly", substrate.RunRunning, longAgo)
	f.job(t, "sample-1", slurm.Running, longAgo)
	f.job(t, "sample-2", slurm.Running, longAgo)

	report, err := f.sweeper.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, report.Candidates)
	assert.ElementsMatch(t, []string{"sample-1", "sample-2"}, report.Zombies)
	assert.Equal(t, []string{"study"}, report.Rescheduled)

	for _, id := range []string{"sample-1", "sample-2", "assembly"} {
		run := f.state(t, id)
		assert.Equal(t, substrate.RunCrashed, run.State, id)
		assert.Equal(t, ZombieStateName, run.StateName, id)
	}
	study := f.state(t, "study")
	assert.Equal(t, substrate.RunScheduled, study.State)
	assert.Equal(t, RestartStateName, study.StateName)
}

func TestSweep_TopLevelRunIsRescheduled(t *testing.T) {
	f := newFixture(t)
	f.run(t, "flow", "", substrate.RunRunning, longAgo)
	f.job(t, "flow", slurm.Running, longAgo)

	report, err := f.sweeper.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"flow"}, report.Zombies)
	assert.Equal(t, []string{"flow"}, report.Rescheduled)
	assert.Equal(t, substrate.RunScheduled, f.state(t, "flow").State)
}

func TestSweep_LiveOrFinishedRunsAreLeftAlone(t *testing.T) {
	f := newFixture(t)
	f.run(t, "recent", "", substrate.RunRunning, recently)
	f.run(t, "done", "", substrate.RunCompleted, longAgo)
	f.job(t, "recent", slurm.Running, longAgo)
	f.job(t, "done", slurm.Running, longAgo)

	report, err := f.sweeper.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, report.Candidates)
	assert.Empty(t, report.Zombies)
	assert.Empty(t, report.Rescheduled)
	assert.Equal(t, substrate.RunRunning, f.state(t, "recent").State)
	assert.Equal(t, substrate.RunCompleted, f.state(t, "done").State)
}

func TestSweep_OnlyStaleRunningRecordsAreCandidates(t *testing.T) {
	f := newFixture(t)
	f.run(t, "flow", "", substrate.RunRunning, longAgo)
	f.job(t, "flow", slurm.Running, recently)
	f.job(t, "flow", slurm.Completed, longAgo)
	f.job(t, "flow", slurm.Pending, longAgo)

	report, err := f.sweeper.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, report.Candidates)
	assert.Equal(t, substrate.RunRunning, f.state(t, "flow").State)
}

func TestSweep_UnreadableRunIsSkipped(t *testing.T) {
	f := newFixture(t)
	f.run(t, "flow", "", substrate.RunRunning, longAgo)
	f.job(t, "missing", slurm.Running, longAgo)
	f.job(t, "flow", slurm.Running, longAgo)

	report, err := f.sweeper.Sweep(context.Background())

	require.Error(t, err)
	assert.True(t, commonerrors.IsNotFound(report.Errors.Errors[0]))
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, []string{"flow"}, report.Rescheduled)
}

func TestSweep_UnreadableAncestorChangesNothing(t *testing.T) {
	f := newFixture(t)
	f.run(t, "child", "gone", substrate.RunRunning, longAgo)
	f.job(t, "child", slurm.Running, longAgo)

	report, err := f.sweeper.Sweep(context.Background())

	require.Error(t, err)
	assert.Equal(t, 1, report.Skipped)
	assert.Empty(t, report.Zombies)
	assert.Equal(t, substrate.RunRunning, f.state(t, "child").State)
}

func TestSweep_AncestryCycle(t *testing.T) {
	f := newFixture(t)
	f.run(t, "a", "b", substrate.RunRunning, longAgo)
	f.run(t, "b", "a", substrate.RunRunning, longAgo)
	f.job(t, "a", slurm.Running, longAgo)

	report, err := f.sweeper.Sweep(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "loops back")
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, substrate.RunRunning, f.state(t, "a").State)
}

func TestSweep_SecondSweepFindsNothingNew(t *testing.T) {
	f := newFixture(t)
	f.run(t, "parent", "", substrate.RunRunning, longAgo)
	f.run(t, "child", "parent", substrate.RunRunning, longAgo)
	f.job(t, "child", slurm.Running, longAgo)

	_, err := f.sweeper.Sweep(context.Background())
	require.NoError(t, err)
	report, err := f.sweeper.Sweep(context.Background())
	require.NoError(t, err)

	assert.Empty(t, report.Zombies)
	assert.Empty(t, report.Rescheduled)
	assert.Equal(t, substrate.RunScheduled, f.state(t, "parent").State)
}

func TestForceCrash(t *testing.T) {
	f := newFixture(t)
	f.run(t, "parent", "", substrate.RunRunning, recently)
	f.run(t, "child", "parent", substrate.RunRunning, recently)

	run, err := ForceCrash(context.Background(), f.runs, "child", "stuck on a dead node")
	require.NoError(t, err)

	assert.Equal(t, substrate.RunCrashed, run.State)
	assert.Equal(t, ManualCrashName, run.StateName)
	assert.Equal(t, "stuck on a dead node", run.Message)
	assert.Equal(t, substrate.RunRunning, f.state(t, "parent").State)
}

func TestForceCrash_UnknownRun(t *testing.T) {
	f := newFixture(t)
	_, err := ForceCrash(context.Background(), f.runs, "nope", "")
	var notFound *commonerrors.ErrNotFound
	assert.True(t, errors.As(err, &notFound))
}

package poller

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/slurmflow/internal/common/util"
	"github.com/G-Research/slurmflow/internal/slurmflow/model"
	"github.com/G-Research/slurmflow/internal/slurmflow/policy"
	"github.com/G-Research/slurmflow/internal/slurmflow/repository"
	"github.com/G-Research/slurmflow/internal/slurmflow/slurm"
	"github.com/G-Research/slurmflow/internal/slurmflow/submitter"
	"github.com/G-Research/slurmflow/internal/slurmflow/substrate"
)

var baseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	client    *slurm.FakeClient
	records   *repository.MemoryJobRecordRepository
	clock     *util.DummyClock
	submitter *submitter.Submitter
}

func newFixture(t *testing.T) *fixture {
	records, err := repository.NewMemoryJobRecordRepository()
	require.NoError(t, err)
	f := &fixture{client: slurm.NewFakeClient(), records: records, clock: util.NewDummyClock(baseTime)}
	f.submitter = submitter.NewSubmitter(f.client, records, substrate.NewMemoryMemo(0), &substrate.MemoryArtifactSink{}, f.clock,
		submitter.Config{DefaultWorkingDirectory: "/opt/jobs"}, nil)
	return f
}

func (f *fixture) poller(config Config) *Poller {
	if config.Interval == 0 {
		config.Interval = time.Millisecond
	}
	return NewPoller(f.client, f.records, f.clock, config, nil)
}

func (f *fixture) submit(t *testing.T, name string, workingDirectory string) *submitter.Submission {
	sub, err := f.submitter.Submit(context.Background(), substrate.Invocation{RunId: "run-" + name, Owner: "alice"}, model.JobRequest{
		Name:             name,
		Command:          "echo " + name,
		WorkingDirectory: workingDirectory,
		Resources:        model.Resources{TimeLimit: time.Minute, Memory: "100M"},
	}, policy.Default)
	require.NoError(t, err)
	return sub
}

func TestAwait_Success(t *testing.T) {
	f := newFixture(t)
	f.client.ScriptStates("job", slurm.Pending, slurm.Running, slurm.Running, slurm.Completed)
	sub := f.submit(t, "job", "")

	status, err := f.poller(Config{}).Await(context.Background(), sub.RecordId)
	require.NoError(t, err)
	assert.Equal(t, slurm.Completed, status)
	assert.Equal(t, 4, f.client.QueryCalls)

	record, err := f.records.Get(context.Background(), sub.RecordId)
	require.NoError(t, err)
	assert.Equal(t, slurm.Completed, record.LastKnownStatus)
	require.NotNil(t, record.Ended)
	assert.Equal(t, baseTime, *record.Ended)
}

func TestAwait_Failure(t *testing.T) {
	for _, failure := range []slurm.Status{slurm.Failed, slurm.Timeout, slurm.Cancelled, slurm.OutOfMemory} {
		t.Run(string(failure), func(t *testing.T) {
			f := newFixture(t)
			f.client.ScriptStates("job", slurm.Running, failure)
			sub := f.submit(t, "job", "")

			status, err := f.poller(Config{}).Await(context.Background(), sub.RecordId)

			assert.Equal(t, failure, status)
			var failed *ClusterJobFailedError
			require.True(t, errors.As(err, &failed))
			assert.Equal(t, sub.JobId, failed.JobId)
			assert.Equal(t, failure, failed.Status)
		})
	}
}

func TestAwait_UnknownNeverTerminates(t *testing.T) {
	f := newFixture(t)
	f.client.ScriptStates("job", slurm.Running, slurm.Status("SOMETHING_NEW"), slurm.Running, slurm.Completed)
	f.client.QueryErrors = []error{errors.New("connection refused"), errors.New("connection refused")}
	sub := f.submit(t, "job", "")

	status, err := f.poller(Config{}).Await(context.Background(), sub.RecordId)
	require.NoError(t, err)
	assert.Equal(t, slurm.Completed, status)
	// Two failed queries, then the four scripted states.
	assert.Equal(t, 6, f.client.QueryCalls)
}

func TestAwait_UnknownKeepsLastKnownStatus(t *testing.T) {
	f := newFixture(t)
	f.client.ScriptStates("job", slurm.Running)
	sub := f.submit(t, "job", "")
	p := f.poller(Config{MaxChecks: 1})

	_, err := p.Await(context.Background(), sub.RecordId)
	var limit *PollLimitExceededError
	require.True(t, errors.As(err, &limit))

	f.client.QueryErrors = []error{errors.New("connection refused")}
	f.clock.Advance(time.Minute)
	status, err := p.Await(context.Background(), sub.RecordId)
	require.True(t, errors.As(err, &limit))
	assert.Equal(t, slurm.Unknown, status)

	record, err := f.records.Get(context.Background(), sub.RecordId)
	require.NoError(t, err)
	assert.Equal(t, slurm.Running, record.LastKnownStatus)
	assert.Equal(t, baseTime.Add(time.Minute), record.StateCheckedAt)
}

func TestAwait_MaxChecks(t *testing.T) {
	f := newFixture(t)
	f.client.ScriptStates("job", slurm.Running)
	sub := f.submit(t, "job", "")

	status, err := f.poller(Config{MaxChecks: 3}).Await(context.Background(), sub.RecordId)

	assert.Equal(t, slurm.Running, status)
	var limit *PollLimitExceededError
	require.True(t, errors.As(err, &limit))
	assert.Equal(t, 3, limit.Checks)
	assert.Equal(t, 3, f.client.QueryCalls)
}

func TestAwait_AlreadyTerminalRecord(t *testing.T) {
	f := newFixture(t)
	sub := f.submit(t, "job", "")
	_, err := f.poller(Config{}).Await(context.Background(), sub.RecordId)
	require.NoError(t, err)
	calls := f.client.QueryCalls

	status, err := f.poller(Config{}).Await(context.Background(), sub.RecordId)
	require.NoError(t, err)
	assert.Equal(t, slurm.Completed, status)
	assert.Equal(t, calls, f.client.QueryCalls)
}

func TestAwait_CancelOnAbort(t *testing.T) {
	f := newFixture(t)
	f.client.ScriptStates("job", slurm.Running)
	sub := f.submit(t, "job", "")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := f.poller(Config{CancelOnAbort: true}).Await(ctx, sub.RecordId)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, f.client.CancelCalls)

	info, err := f.client.Query(context.Background(), sub.JobId)
	require.NoError(t, err)
	assert.Equal(t, slurm.Cancelled, info.Status())
}

func TestAwait_AbortWithAmbiguousNameIsNotFatal(t *testing.T) {
	f := newFixture(t)
	f.client.ScriptStates("job", slurm.Running)
	sub := f.submit(t, "job", "")
	f.client.AddExternalJob("alice", "job", slurm.Running)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := f.poller(Config{CancelOnAbort: true}).Await(ctx, sub.RecordId)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, f.client.CancelCalls)
}

func TestAwait_CapturesLogTail(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()
	sub := f.submit(t, "job", dir)

	var lines []string
	for i := 1; i <= 20; i++ {
		lines = append(lines, fmt.Sprintf("line %d", i))
	}
	path := filepath.Join(dir, fmt.Sprintf("slurm-%d.out", sub.JobId))
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))

	_, err := f.poller(Config{LogTailLines: 3}).Await(context.Background(), sub.RecordId)
	require.NoError(t, err)

	record, err := f.records.Get(context.Background(), sub.RecordId)
	require.NoError(t, err)
	assert.Equal(t, "line 18\nline 19\nline 20", record.LogTail)
}

func TestTailFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out")
	require.NoError(t, os.WriteFile(path, []byte("a\nb\n"), 0o644))

	tail, err := tailFile(path, 10)
	require.NoError(t, err)
	assert.Equal(t, "a\nb", tail)

	tail, err = tailFile(path, 1)
	require.NoError(t, err)
	assert.Equal(t, "b", tail)

	tail, err = tailFile(path, 0)
	require.NoError(t, err)
	assert.Empty(t, tail)

	_, err = tailFile(filepath.Join(dir, "missing"), 5)
	assert.Error(t, err)
}

func TestMaxChecks_DerivedFromTimeLimit(t *testing.T) {
	f := newFixture(t)
	sub := f.submit(t, "forgotten", "")

	// One minute of time limit and one of slack, checked every 30s.
	p := f.poller(Config{Interval: 30 * time.Second, TimeLimitSlack: time.Minute})
	record, err := f.records.Get(context.Background(), sub.RecordId)
	require.NoError(t, err)
	assert.Equal(t, 4, p.maxChecks(record))

	// An explicit limit wins.
	assert.Equal(t, 2, f.poller(Config{Interval: 30 * time.Second, MaxChecks: 2}).maxChecks(record))

	// Records without a readable time limit are polled until they end.
	record.SubmissionDescription = ""
	assert.Equal(t, 0, p.maxChecks(record))
}


package substrate

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis"
	"github.com/go-redis/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/slurmflow/internal/common/commonerrors"
	"github.com/G-Research/slurmflow/internal/common/util"
)

type runStore interface {
	Runs
	CreateRun(ctx context.Context, run *WorkflowRun) error
}

var testStart = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func testRuns(t *testing.T, runs runStore, clock *util.DummyClock) {
	ctx := context.Background()

	require.NoError(t, runs.CreateRun(ctx, &WorkflowRun{Id: "parent", Name: "study", State: RunRunning}))
	require.NoError(t, runs.CreateRun(ctx, &WorkflowRun{Id: "child", Name: "job", ParentId: "parent", State: RunRunning}))

	err := runs.CreateRun(ctx, &WorkflowRun{Id: "child"})
	var exists *commonerrors.ErrAlreadyExists
	assert.ErrorAs(t, err, &exists)

	child, err := runs.ReadRun(ctx, "child")
	require.NoError(t, err)
	assert.Equal(t, "parent", child.ParentId)
	assert.Equal(t, RunRunning, child.State)
	assert.True(t, testStart.Equal(child.Updated))

	_, err = runs.ReadRun(ctx, "nope")
	assert.True(t, commonerrors.IsNotFound(err))

	// Running -> Crashed is only allowed when forced.
	assert.Error(t, runs.SetRunState(ctx, "child", StateChange{State: RunCrashed}))

	clock.Advance(time.Minute)
	require.NoError(t, runs.SetRunState(ctx, "child", StateChange{State: RunCrashed, Name: "Crashed (Zombie)", Message: "zombie", Force: true}))
	child, err = runs.ReadRun(ctx, "child")
	require.NoError(t, err)
	assert.Equal(t, RunCrashed, child.State)
	assert.Equal(t, "Crashed (Zombie)", child.StateName)
	assert.Equal(t, "zombie", child.Message)
	assert.True(t, testStart.Add(time.Minute).Equal(child.Updated))

	require.NoError(t, runs.SetRunState(ctx, "child", StateChange{State: RunScheduled, Name: "Awaiting restart"}))

	assert.True(t, commonerrors.IsNotFound(runs.SetRunState(ctx, "nope", StateChange{State: RunScheduled})))
}

func TestMemoryRuns(t *testing.T) {
	clock := util.NewDummyClock(testStart)
	runs, err := NewMemoryRuns(clock)
	require.NoError(t, err)
	testRuns(t, runs, clock)
}

func TestRedisRuns(t *testing.T) {
	withRedis(func(r *redis.Client, _ *miniredis.Miniredis) {
		clock := util.NewDummyClock(testStart)
		testRuns(t, NewRedisRuns(r, clock), clock)
	})
}

func TestInvocationContext(t *testing.T) {
	_, ok := InvocationFrom(context.Background())
	assert.False(t, ok)

	ctx := WithInvocation(context.Background(), Invocation{RunId: "run-1", Owner: "svc"})
	inv, ok := InvocationFrom(ctx)
	assert.True(t, ok)
	assert.Equal(t, "run-1", inv.RunId)
}

func TestMemoryArtifactSink(t *testing.T) {
	sink := &MemoryArtifactSink{}
	ctx := WithInvocation(context.Background(), Invocation{RunId: "run-1"})
	require.NoError(t, sink.CreateMarkdownArtifact(ctx, "slurm-job-submission", "# Slurm job 1"))
	require.NoError(t, LogArtifactSink{}.CreateMarkdownArtifact(ctx, "slurm-job-submission", "# Slurm job 1"))

	artifacts := sink.Artifacts()
	require.Len(t, artifacts, 1)
	assert.Equal(t, "run-1", artifacts[0].RunId)
}

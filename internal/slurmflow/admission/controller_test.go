package admission

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/slurmflow/internal/slurmflow/slurm"
	"github.com/G-Research/slurmflow/internal/slurmflow/substrate"
)

func newController(client slurm.Client, memo substrate.Memo, limit int, attempts uint) *Controller {
	return NewController(client, memo, Config{
		IncompleteJobLimit:   limit,
		Attempts:             attempts,
		DelayBetweenAttempts: time.Millisecond,
	}, nil)
}

func addJobs(client *slurm.FakeClient, user string, state slurm.Status, n int) {
	for i := 0; i < n; i++ {
		client.AddExternalJob(user, "external", state)
	}
}

func TestCapacity(t *testing.T) {
	client := slurm.NewFakeClient()
	addJobs(client, "alice", slurm.Running, 2)
	addJobs(client, "alice", slurm.Pending, 3)
	addJobs(client, "alice", slurm.Completed, 10)
	addJobs(client, "bob", slurm.Running, 10)

	controller := newController(client, substrate.NewMemoryMemo(0), 10, 1)
	space, err := controller.Capacity(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, 5, space)
}

func TestCapacity_ClampedAtZero(t *testing.T) {
	client := slurm.NewFakeClient()
	addJobs(client, "alice", slurm.Running, 12)

	controller := newController(client, substrate.NewMemoryMemo(0), 10, 1)
	space, err := controller.Capacity(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, 0, space)
}

func TestCapacity_QueriesEveryTime(t *testing.T) {
	client := slurm.NewFakeClient()
	controller := newController(client, substrate.NewMemoryMemo(0), 10, 1)

	_, err := controller.Capacity(context.Background(), "alice")
	require.NoError(t, err)
	addJobs(client, "alice", slurm.Running, 4)
	space, err := controller.Capacity(context.Background(), "alice")
	require.NoError(t, err)

	assert.Equal(t, 6, space)
	assert.Equal(t, 2, client.ListCalls)
}

func TestAwaitCapacity_Immediate(t *testing.T) {
	client := slurm.NewFakeClient()
	addJobs(client, "alice", slurm.Running, 3)
	controller := newController(client, substrate.NewMemoryMemo(0), 10, 5)

	space, err := controller.AwaitCapacity(context.Background(), substrate.Invocation{RunId: "run-1", Owner: "alice"})
	require.NoError(t, err)
	assert.Equal(t, 7, space)
	assert.Equal(t, 1, client.ListCalls)
}

func TestAwaitCapacity_ExhaustsAttempts(t *testing.T) {
	client := slurm.NewFakeClient()
	addJobs(client, "alice", slurm.Running, 10)
	controller := newController(client, substrate.NewMemoryMemo(0), 10, 3)

	_, err := controller.AwaitCapacity(context.Background(), substrate.Invocation{RunId: "run-1", Owner: "alice"})

	var capacityErr *CapacityExceededError
	require.True(t, errors.As(err, &capacityErr), "expected CapacityExceededError, got %v", err)
	assert.Equal(t, "alice", capacityErr.Owner)
	assert.Equal(t, uint(3), capacityErr.Attempts)
	assert.Equal(t, 3, client.ListCalls)
}

func TestAwaitCapacity_SchedulerErrorsCountAsAttempts(t *testing.T) {
	client := slurm.NewFakeClient()
	client.ListErrors = []error{errors.New("slurmrestd unavailable"), errors.New("slurmrestd unavailable")}
	controller := newController(client, substrate.NewMemoryMemo(0), 10, 3)

	space, err := controller.AwaitCapacity(context.Background(), substrate.Invocation{RunId: "run-1", Owner: "alice"})
	require.NoError(t, err)
	assert.Equal(t, 10, space)
	assert.Equal(t, 3, client.ListCalls)
}

func TestAwaitCapacity_SchedulerErrorsExhaustAttempts(t *testing.T) {
	client := slurm.NewFakeClient()
	client.ListErrors = []error{errors.New("a"), errors.New("b")}
	controller := newController(client, substrate.NewMemoryMemo(0), 10, 2)

	_, err := controller.AwaitCapacity(context.Background(), substrate.Invocation{RunId: "run-1", Owner: "alice"})
	var capacityErr *CapacityExceededError
	assert.True(t, errors.As(err, &capacityErr))
}

func TestAwaitCapacity_WaitsForSpace(t *testing.T) {
	client := slurm.NewFakeClient()
	blocker := client.AddExternalJob("alice", "blocker", slurm.Running)
	controller := NewController(client, substrate.NewMemoryMemo(0), Config{
		IncompleteJobLimit:   1,
		Attempts:             100,
		DelayBetweenAttempts: 5 * time.Millisecond,
	}, nil)

	go func() {
		time.Sleep(20 * time.Millisecond)
		client.SetState(blocker, slurm.Completed)
	}()

	space, err := controller.AwaitCapacity(context.Background(), substrate.Invocation{RunId: "run-1", Owner: "alice"})
	require.NoError(t, err)
	assert.Equal(t, 1, space)
	assert.Greater(t, client.ListCalls, 1)
}

func TestAwaitCapacity_MemoizedPerInvocation(t *testing.T) {
	client := slurm.NewFakeClient()
	addJobs(client, "alice", slurm.Running, 4)
	memo := substrate.NewMemoryMemo(0)
	controller := newController(client, memo, 10, 1)
	inv := substrate.Invocation{RunId: "run-1", Owner: "alice"}

	first, err := controller.AwaitCapacity(context.Background(), inv)
	require.NoError(t, err)

	// The cluster fills up, but the same invocation was already admitted.
	addJobs(client, "alice", slurm.Running, 6)
	second, err := controller.AwaitCapacity(context.Background(), inv)
	require.NoError(t, err)

	assert.Equal(t, 6, first)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, client.ListCalls)

	// A different invocation sees the full cluster.
	_, err = controller.AwaitCapacity(context.Background(), substrate.Invocation{RunId: "run-2", Owner: "alice"})
	var capacityErr *CapacityExceededError
	assert.True(t, errors.As(err, &capacityErr))

	stored, ok, err := memo.Load(context.Background(), "cluster-delay-marker-run-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "6", string(stored))
}

func TestAwaitCapacity_ContextCancelled(t *testing.T) {
	client := slurm.NewFakeClient()
	addJobs(client, "alice", slurm.Running, 10)
	controller := NewController(client, substrate.NewMemoryMemo(0), Config{
		IncompleteJobLimit:   10,
		Attempts:             1000,
		DelayBetweenAttempts: 10 * time.Millisecond,
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := controller.AwaitCapacity(ctx, substrate.Invocation{RunId: "run-1", Owner: "alice"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

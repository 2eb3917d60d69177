package substrate

import (
	"context"
	"time"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"

	"github.com/G-Research/slurmflow/internal/common/commonerrors"
	"github.com/G-Research/slurmflow/internal/common/util"
)

const runKeyPrefix = "slurmflow:run:"

// RedisRuns stores workflow runs as Redis hashes, one per run.
type RedisRuns struct {
	db    redis.UniversalClient
	clock util.Clock
}

func NewRedisRuns(db redis.UniversalClient, clock util.Clock) *RedisRuns {
	return &RedisRuns{db: db, clock: clock}
}

func (r *RedisRuns) CreateRun(_ context.Context, run *WorkflowRun) error {
	updated := run.Updated
	if updated.IsZero() {
		updated = r.clock.Now()
	}
	created, err := r.db.HSetNX(runKeyPrefix+run.Id, "id", run.Id).Result()
	if err != nil {
		return errors.WithStack(err)
	}
	if !created {
		return errors.WithStack(&commonerrors.ErrAlreadyExists{Type: "workflow run", Value: run.Id})
	}
	return errors.WithStack(r.db.HMSet(runKeyPrefix+run.Id, map[string]interface{}{
		"name":       run.Name,
		"parent_id":  run.ParentId,
		"state":      string(run.State),
		"state_name": run.StateName,
		"message":    run.Message,
		"updated":    updated.UTC().Format(time.RFC3339Nano),
	}).Err())
}

func (r *RedisRuns) ReadRun(_ context.Context, runId string) (*WorkflowRun, error) {
	fields, err := r.db.HGetAll(runKeyPrefix + runId).Result()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if len(fields) == 0 {
		return nil, errors.WithStack(&commonerrors.ErrNotFound{Type: "workflow run", Value: runId})
	}
	updated, err := time.Parse(time.RFC3339Nano, fields["updated"])
	if err != nil {
		return nil, errors.Wrapf(err, "workflow run %s has malformed updated time", runId)
	}
	return &WorkflowRun{
		Id:        runId,
		Name:      fields["name"],
		ParentId:  fields["parent_id"],
		State:     RunState(fields["state"]),
		StateName: fields["state_name"],
		Message:   fields["message"],
		Updated:   updated,
	}, nil
}

func (r *RedisRuns) SetRunState(ctx context.Context, runId string, change StateChange) error {
	run, err := r.ReadRun(ctx, runId)
	if err != nil {
		return err
	}
	if !transitionAllowed(run.State, change.State, change.Force) {
		return errors.Errorf("workflow run %s cannot move from %s to %s without force", runId, run.State, change.State)
	}
	return errors.WithStack(r.db.HMSet(runKeyPrefix+runId, map[string]interface{}{
		"state":      string(change.State),
		"state_name": change.Name,
		"message":    change.Message,
		"updated":    r.clock.Now().UTC().Format(time.RFC3339Nano),
	}).Err())
}

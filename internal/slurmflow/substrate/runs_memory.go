package substrate

import (
	"context"

	"github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"

	"github.com/G-Research/slurmflow/internal/common/commonerrors"
	"github.com/G-Research/slurmflow/internal/common/util"
)

const (
	runsTable = "runs"
	idIndex   = "id"
)

func runsSchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			runsTable: {
				Name: runsTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:    idIndex,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Id"},
					},
				},
			},
		},
	}
}

// MemoryRuns is an in-process Runs implementation on top of go-memdb.
// Stored runs are never modified in place; updates insert a copy.
type MemoryRuns struct {
	db    *memdb.MemDB
	clock util.Clock
}

func NewMemoryRuns(clock util.Clock) (*MemoryRuns, error) {
	db, err := memdb.NewMemDB(runsSchema())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &MemoryRuns{db: db, clock: clock}, nil
}

// CreateRun adds a run. Updated is set to now if zero.
func (r *MemoryRuns) CreateRun(_ context.Context, run *WorkflowRun) error {
	txn := r.db.Txn(true)
	defer txn.Abort()
	existing, err := txn.First(runsTable, idIndex, run.Id)
	if err != nil {
		return errors.WithStack(err)
	}
	if existing != nil {
		return errors.WithStack(&commonerrors.ErrAlreadyExists{Type: "workflow run", Value: run.Id})
	}
	copied := *run
	if copied.Updated.IsZero() {
		copied.Updated = r.clock.Now()
	}
	if err := txn.Insert(runsTable, &copied); err != nil {
		return errors.WithStack(err)
	}
	txn.Commit()
	return nil
}

func (r *MemoryRuns) ReadRun(_ context.Context, runId string) (*WorkflowRun, error) {
	txn := r.db.Txn(false)
	defer txn.Abort()
	obj, err := txn.First(runsTable, idIndex, runId)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if obj == nil {
		return nil, errors.WithStack(&commonerrors.ErrNotFound{Type: "workflow run", Value: runId})
	}
	copied := *obj.(*WorkflowRun)
	return &copied, nil
}

func (r *MemoryRuns) SetRunState(_ context.Context, runId string, change StateChange) error {
	txn := r.db.Txn(true)
	defer txn.Abort()
	obj, err := txn.First(runsTable, idIndex, runId)
	if err != nil {
		return errors.WithStack(err)
	}
	if obj == nil {
		return errors.WithStack(&commonerrors.ErrNotFound{Type: "workflow run", Value: runId})
	}
	updated := *obj.(*WorkflowRun)
	if !transitionAllowed(updated.State, change.State, change.Force) {
		return errors.Errorf("workflow run %s cannot move from %s to %s without force", runId, updated.State, change.State)
	}
	updated.State = change.State
	updated.StateName = change.Name
	updated.Message = change.Message
	updated.Updated = r.clock.Now()
	if err := txn.Insert(runsTable, &updated); err != nil {
		return errors.WithStack(err)
	}
	txn.Commit()
	return nil
}

package repository

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"

	"github.com/G-Research/slurmflow/internal/common/commonerrors"
	"github.com/G-Research/slurmflow/internal/slurmflow/model"
	"github.com/G-Research/slurmflow/internal/slurmflow/slurm"
)

const (
	recordsTable     = "records"
	idIndex          = "id"          // index for looking up records by id
	fingerprintIndex = "fingerprint" // index for looking up records by owner and fingerprint
	statusIndex      = "status"      // index for looking up records by last known status
)

// recordRow is the memdb representation of a record. go-memdb indexes string fields only,
// so the indexed values are flattened out of the record.
type recordRow struct {
	Id          string
	Owner       string
	Fingerprint string
	Status      string
	Record      *model.OrchestratedJobRecord
}

func newRecordRow(record *model.OrchestratedJobRecord) *recordRow {
	return &recordRow{
		Id:          record.Id.String(),
		Owner:       record.Owner,
		Fingerprint: string(record.Fingerprint),
		Status:      string(record.LastKnownStatus),
		Record:      record.DeepCopy(),
	}
}

func recordsSchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			recordsTable: {
				Name: recordsTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:    idIndex,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Id"},
					},
					fingerprintIndex: {
						Name:   fingerprintIndex,
						Unique: false,
						Indexer: &memdb.CompoundIndex{
							Indexes: []memdb.Indexer{
								&memdb.StringFieldIndex{Field: "Owner"},
								&memdb.StringFieldIndex{Field: "Fingerprint"},
							},
							AllowMissing: true,
						},
					},
					statusIndex: {
						Name:    statusIndex,
						Unique:  false,
						Indexer: &memdb.StringFieldIndex{Field: "Status"},
					},
				},
			},
		},
	}
}

// MemoryJobRecordRepository keeps records in a go-memdb database.
// Rows are immutable once inserted; updates insert a fresh copy.
type MemoryJobRecordRepository struct {
	db *memdb.MemDB
}

func NewMemoryJobRecordRepository() (*MemoryJobRecordRepository, error) {
	db, err := memdb.NewMemDB(recordsSchema())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &MemoryJobRecordRepository{db: db}, nil
}

func (r *MemoryJobRecordRepository) Create(_ context.Context, record *model.OrchestratedJobRecord) error {
	txn := r.db.Txn(true)
	defer txn.Abort()
	existing, err := txn.First(recordsTable, idIndex, record.Id.String())
	if err != nil {
		return errors.WithStack(err)
	}
	if existing != nil {
		return errors.WithStack(&commonerrors.ErrAlreadyExists{Type: "orchestrated job record", Value: record.Id.String()})
	}
	if err := txn.Insert(recordsTable, newRecordRow(record)); err != nil {
		return errors.WithStack(err)
	}
	txn.Commit()
	return nil
}

func (r *MemoryJobRecordRepository) Update(_ context.Context, record *model.OrchestratedJobRecord) error {
	txn := r.db.Txn(true)
	defer txn.Abort()
	existing, err := txn.First(recordsTable, idIndex, record.Id.String())
	if err != nil {
		return errors.WithStack(err)
	}
	if existing == nil {
		return errors.WithStack(&commonerrors.ErrNotFound{Type: "orchestrated job record", Value: record.Id.String()})
	}
	if err := txn.Insert(recordsTable, newRecordRow(record)); err != nil {
		return errors.WithStack(err)
	}
	txn.Commit()
	return nil
}

func (r *MemoryJobRecordRepository) Get(_ context.Context, id uuid.UUID) (*model.OrchestratedJobRecord, error) {
	txn := r.db.Txn(false)
	defer txn.Abort()
	obj, err := txn.First(recordsTable, idIndex, id.String())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if obj == nil {
		return nil, errors.WithStack(&commonerrors.ErrNotFound{Type: "orchestrated job record", Value: id.String()})
	}
	return obj.(*recordRow).Record.DeepCopy(), nil
}

func (r *MemoryJobRecordRepository) FindLatestByFingerprint(_ context.Context, owner string, fp model.JobFingerprint) (*model.OrchestratedJobRecord, error) {
	txn := r.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(recordsTable, fingerprintIndex, owner, string(fp))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var latest *model.OrchestratedJobRecord
	for obj := it.Next(); obj != nil; obj = it.Next() {
		record := obj.(*recordRow).Record
		if latest == nil || createdAfter(record, latest) {
			latest = record
		}
	}
	return latest.DeepCopy(), nil
}

func (r *MemoryJobRecordRepository) FindStale(_ context.Context, status slurm.Status, checkedBefore time.Time) ([]*model.OrchestratedJobRecord, error) {
	txn := r.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(recordsTable, statusIndex, string(status))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var result []*model.OrchestratedJobRecord
	for obj := it.Next(); obj != nil; obj = it.Next() {
		record := obj.(*recordRow).Record
		if record.StateCheckedAt.Before(checkedBefore) {
			result = append(result, record.DeepCopy())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].StateCheckedAt.Before(result[j].StateCheckedAt)
	})
	return result, nil
}

// createdAfter orders records by creation time, breaking ties by scheduler job id.
func createdAfter(a, b *model.OrchestratedJobRecord) bool {
	if !a.Created.Equal(b.Created) {
		return a.Created.After(b.Created)
	}
	return a.JobId > b.JobId
}

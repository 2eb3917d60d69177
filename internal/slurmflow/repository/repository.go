package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/G-Research/slurmflow/internal/slurmflow/model"
	"github.com/G-Research/slurmflow/internal/slurmflow/slurm"
)

// JobRecordRepository stores OrchestratedJobRecords. Records are never deleted.
type JobRecordRepository interface {
	// Create stores a new record. Fails if a record with the same id exists.
	Create(ctx context.Context, record *model.OrchestratedJobRecord) error
	// Update replaces an existing record. Fails with *commonerrors.ErrNotFound if there is none.
	Update(ctx context.Context, record *model.OrchestratedJobRecord) error
	Get(ctx context.Context, id uuid.UUID) (*model.OrchestratedJobRecord, error)
	// FindLatestByFingerprint returns the most recently created record for owner with the given fingerprint,
	// or nil if there is none.
	FindLatestByFingerprint(ctx context.Context, owner string, fp model.JobFingerprint) (*model.OrchestratedJobRecord, error)
	// FindStale returns records whose last known status is status and whose state was last checked before the given time.
	FindStale(ctx context.Context, status slurm.Status, checkedBefore time.Time) ([]*model.OrchestratedJobRecord, error)
}

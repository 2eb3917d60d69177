package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/google/uuid"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgtype"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"

	"github.com/G-Research/slurmflow/internal/common/commonerrors"
	"github.com/G-Research/slurmflow/internal/slurmflow/model"
	"github.com/G-Research/slurmflow/internal/slurmflow/slurm"
)

const DefaultTableName = "orchestrated_cluster_job"

var dialect = goqu.Dialect("postgres")

var (
	col_id                    = goqu.C("id")
	col_fingerprint           = goqu.C("fingerprint")
	col_jobId                 = goqu.C("cluster_job_id")
	col_owner                 = goqu.C("owner")
	col_ownerRunId            = goqu.C("flow_run_id")
	col_name                  = goqu.C("name")
	col_lastKnownState        = goqu.C("last_known_state")
	col_stateCheckedAt        = goqu.C("state_checked_at")
	col_created               = goqu.C("created")
	col_ended                 = goqu.C("ended")
	col_submissionDescription = goqu.C("job_submit_description")
	col_inputFileHashes       = goqu.C("input_files_hashes")
	col_logTail               = goqu.C("cluster_log_tail")
)

var selectColumns = []interface{}{
	col_id, col_fingerprint, col_jobId, col_owner, col_ownerRunId, col_name, col_lastKnownState,
	col_stateCheckedAt, col_created, col_ended, col_submissionDescription, col_inputFileHashes, col_logTail,
}

// PostgresJobRecordRepository stores records in a postgres table. The table is created on first use.
type PostgresJobRecordRepository struct {
	db        *pgxpool.Pool
	tableName string
}

func NewPostgresJobRecordRepository(db *pgxpool.Pool, tableName string) (*PostgresJobRecordRepository, error) {
	if db == nil {
		return nil, errors.WithStack(&commonerrors.ErrInvalidArgument{
			Name:    "db",
			Value:   db,
			Message: "db must be non-nil",
		})
	}
	if tableName == "" {
		tableName = DefaultTableName
	}
	return &PostgresJobRecordRepository{db: db, tableName: tableName}, nil
}

func createTableStatements(tableName string) []string {
	return []string{
		fmt.Sprintf(`create table if not exists %s (
	id text primary key,
	fingerprint text not null,
	cluster_job_id bigint not null,
	owner text not null,
	flow_run_id text not null,
	name text not null,
	last_known_state text not null,
	state_checked_at timestamptz not null,
	created timestamptz not null,
	ended timestamptz,
	job_submit_description text not null,
	input_files_hashes text[] not null default '{}',
	cluster_log_tail text not null
);`, tableName),
		fmt.Sprintf("create index if not exists idx_%s_fingerprint on %s (owner, fingerprint, created);", tableName, tableName),
		fmt.Sprintf("create index if not exists idx_%s_state on %s (last_known_state, state_checked_at);", tableName, tableName),
	}
}

// EnsureSchema creates the table and its indexes if they don't already exist.
func (r *PostgresJobRecordRepository) EnsureSchema(ctx context.Context) error {
	for _, statement := range createTableStatements(r.tableName) {
		_, err := r.db.Exec(ctx, statement)
		var pgErr *pgconn.PgError
		// Concurrent creators can race even with "if not exists"; someone else winning is fine.
		if errors.As(err, &pgErr) && (pgErr.Code == pgerrcode.DuplicateTable || pgErr.Code == pgerrcode.UniqueViolation) {
			continue
		}
		if err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

func (r *PostgresJobRecordRepository) Create(ctx context.Context, record *model.OrchestratedJobRecord) error {
	sql, args, err := r.insertSql(record)
	if err != nil {
		return err
	}
	_, err = r.execWithSchema(ctx, sql, args)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
		return errors.WithStack(&commonerrors.ErrAlreadyExists{Type: "orchestrated job record", Value: record.Id.String()})
	}
	return err
}

func (r *PostgresJobRecordRepository) Update(ctx context.Context, record *model.OrchestratedJobRecord) error {
	sql, args, err := r.updateSql(record)
	if err != nil {
		return err
	}
	tag, err := r.execWithSchema(ctx, sql, args)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.WithStack(&commonerrors.ErrNotFound{Type: "orchestrated job record", Value: record.Id.String()})
	}
	return nil
}

func (r *PostgresJobRecordRepository) Get(ctx context.Context, id uuid.UUID) (*model.OrchestratedJobRecord, error) {
	sql, args, err := dialect.From(r.tableName).Select(selectColumns...).Where(col_id.Eq(id.String())).Prepared(true).ToSQL()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	records, err := r.query(ctx, sql, args)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, errors.WithStack(&commonerrors.ErrNotFound{Type: "orchestrated job record", Value: id.String()})
	}
	return records[0], nil
}

func (r *PostgresJobRecordRepository) FindLatestByFingerprint(ctx context.Context, owner string, fp model.JobFingerprint) (*model.OrchestratedJobRecord, error) {
	sql, args, err := r.latestByFingerprintSql(owner, fp)
	if err != nil {
		return nil, err
	}
	records, err := r.query(ctx, sql, args)
	if err != nil || len(records) == 0 {
		return nil, err
	}
	return records[0], nil
}

func (r *PostgresJobRecordRepository) FindStale(ctx context.Context, status slurm.Status, checkedBefore time.Time) ([]*model.OrchestratedJobRecord, error) {
	sql, args, err := r.staleSql(status, checkedBefore)
	if err != nil {
		return nil, err
	}
	return r.query(ctx, sql, args)
}

func (r *PostgresJobRecordRepository) insertSql(record *model.OrchestratedJobRecord) (string, []interface{}, error) {
	row, err := toRow(record)
	if err != nil {
		return "", nil, err
	}
	sql, args, err := dialect.Insert(r.tableName).Rows(row).Prepared(true).ToSQL()
	return sql, args, errors.WithStack(err)
}

func (r *PostgresJobRecordRepository) updateSql(record *model.OrchestratedJobRecord) (string, []interface{}, error) {
	row, err := toRow(record)
	if err != nil {
		return "", nil, err
	}
	delete(row, "id")
	sql, args, err := dialect.Update(r.tableName).Set(row).Where(col_id.Eq(record.Id.String())).Prepared(true).ToSQL()
	return sql, args, errors.WithStack(err)
}

func (r *PostgresJobRecordRepository) latestByFingerprintSql(owner string, fp model.JobFingerprint) (string, []interface{}, error) {
	sql, args, err := dialect.From(r.tableName).
		Select(selectColumns...).
		Where(col_owner.Eq(owner), col_fingerprint.Eq(string(fp))).
		Order(col_created.Desc(), col_jobId.Desc()).
		Limit(1).
		Prepared(true).
		ToSQL()
	return sql, args, errors.WithStack(err)
}

func (r *PostgresJobRecordRepository) staleSql(status slurm.Status, checkedBefore time.Time) (string, []interface{}, error) {
	sql, args, err := dialect.From(r.tableName).
		Select(selectColumns...).
		Where(col_lastKnownState.Eq(string(status)), col_stateCheckedAt.Lt(checkedBefore)).
		Order(col_stateCheckedAt.Asc()).
		Prepared(true).
		ToSQL()
	return sql, args, errors.WithStack(err)
}

// execWithSchema runs a statement, creating the table and retrying once if it doesn't exist yet.
func (r *PostgresJobRecordRepository) execWithSchema(ctx context.Context, sql string, args []interface{}) (pgconn.CommandTag, error) {
	tag, err := r.db.Exec(ctx, sql, args...)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UndefinedTable {
		if err := r.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		tag, err = r.db.Exec(ctx, sql, args...)
	}
	return tag, errors.WithStack(err)
}

func (r *PostgresJobRecordRepository) query(ctx context.Context, sql string, args []interface{}) ([]*model.OrchestratedJobRecord, error) {
	rows, err := r.db.Query(ctx, sql, args...)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UndefinedTable {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()
	var result []*model.OrchestratedJobRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, record)
	}
	return result, errors.WithStack(rows.Err())
}

func toRow(record *model.OrchestratedJobRecord) (goqu.Record, error) {
	hashes := record.InputFileHashes
	if hashes == nil {
		hashes = []string{}
	}
	var hashArray pgtype.TextArray
	if err := hashArray.Set(hashes); err != nil {
		return nil, errors.WithStack(err)
	}
	return goqu.Record{
		"id":                     record.Id.String(),
		"fingerprint":            string(record.Fingerprint),
		"cluster_job_id":         int64(record.JobId),
		"owner":                  record.Owner,
		"flow_run_id":            record.OwnerRunId,
		"name":                   record.Name,
		"last_known_state":       string(record.LastKnownStatus),
		"state_checked_at":       record.StateCheckedAt.UTC(),
		"created":                record.Created.UTC(),
		"ended":                  nullableTime(record.Ended),
		"job_submit_description": record.SubmissionDescription,
		"input_files_hashes":     hashArray,
		"cluster_log_tail":       record.LogTail,
	}, nil
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func scanRecord(rows pgx.Rows) (*model.OrchestratedJobRecord, error) {
	var (
		id, fingerprint, owner, ownerRunId, name, state string
		description, logTail                            string
		inputFileHashes                                 []string
		jobId                                           int64
		checked, created                                time.Time
		ended                                           *time.Time
	)
	err := rows.Scan(&id, &fingerprint, &jobId, &owner, &ownerRunId, &name, &state, &checked, &created, &ended, &description, &inputFileHashes, &logTail)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	parsedId, err := uuid.Parse(id)
	if err != nil {
		return nil, errors.Wrapf(err, "malformed record id %s", id)
	}
	return &model.OrchestratedJobRecord{
		Id:                    parsedId,
		Fingerprint:           model.JobFingerprint(fingerprint),
		JobId:                 slurm.JobId(jobId),
		Owner:                 owner,
		OwnerRunId:            ownerRunId,
		Name:                  name,
		LastKnownStatus:       slurm.Status(state),
		StateCheckedAt:        checked,
		Created:               created,
		Ended:                 ended,
		SubmissionDescription: description,
		InputFileHashes:       inputFileHashes,
		LogTail:               logTail,
	}, nil
}

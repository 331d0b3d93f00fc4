package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/momentumfirm/finhub/internal/db"
	"github.com/momentumfirm/finhub/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// Hot job-queue statements, prepared on each new connection. Workers
// poll these continuously while the queue drains.
const (
	sqlClaimNextJob = `UPDATE export_jobs
		SET status = 'running', started_at = $1, updated_at = $1
		WHERE id = (SELECT id FROM export_jobs WHERE status = 'queued' ORDER BY created_at, id LIMIT 1 FOR UPDATE SKIP LOCKED)
		RETURNING id, entity, period, scenario, kind, status, progress, error, filename,
			octet_length(artifact), created_at, updated_at, started_at, completed_at`

	sqlUpdateJobProgress = `UPDATE export_jobs SET progress = $1, updated_at = $2 WHERE id = $3 AND status = 'running'`

	sqlCompleteJob = `UPDATE export_jobs
		SET status = 'completed', progress = 100, filename = $1, artifact = $2, completed_at = $3, updated_at = $3
		WHERE id = $4 AND status = 'running'`

	sqlFailJob = `UPDATE export_jobs
		SET status = 'failed', error = $1, completed_at = $2, updated_at = $2
		WHERE id = $3 AND status NOT IN ('completed', 'failed')`

	sqlGetJob = `SELECT id, entity, period, scenario, kind, status, progress, error, filename,
			octet_length(artifact), created_at, updated_at, started_at, completed_at
		FROM export_jobs WHERE id = $1`
)

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the most frequently used store operations.
var preparedStatements = map[string]string{
	"claim_next_job":      sqlClaimNextJob,
	"update_job_progress": sqlUpdateJobProgress,
	"complete_job":        sqlCompleteJob,
	"fail_job":            sqlFailJob,
	"get_job":             sqlGetJob,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	// Apply pool sizing from config with sensible defaults.
	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	// Prepare frequently-used statements on each new connection.
	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool for subsystems that need
// direct query access.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS snapshots (
	id         TEXT PRIMARY KEY,
	entity     TEXT NOT NULL,
	period     TEXT NOT NULL,
	scenario   TEXT NOT NULL,
	upload_id  TEXT,
	fact_count INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (entity, period, scenario)
);

CREATE TABLE IF NOT EXISTS snapshot_facts (
	snapshot_id TEXT NOT NULL REFERENCES snapshots(id) ON DELETE CASCADE,
	ordinal     INTEGER NOT NULL DEFAULT 0,
	line_item   TEXT NOT NULL,
	value       DOUBLE PRECISION,
	statement   TEXT,
	sheet       TEXT,
	row_index   INTEGER,
	col         TEXT,
	upload_id   TEXT,
	PRIMARY KEY (snapshot_id, line_item)
);

CREATE TABLE IF NOT EXISTS export_jobs (
	id           TEXT PRIMARY KEY,
	entity       TEXT NOT NULL,
	period       TEXT NOT NULL,
	scenario     TEXT NOT NULL,
	kind         TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'queued',
	progress     INTEGER NOT NULL DEFAULT 0,
	error        TEXT,
	filename     TEXT,
	artifact     BYTEA,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at   TIMESTAMPTZ,
	completed_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_snapshots_entity ON snapshots(entity);
CREATE INDEX IF NOT EXISTS idx_snapshot_facts_snapshot_id ON snapshot_facts(snapshot_id);
CREATE INDEX IF NOT EXISTS idx_export_jobs_status ON export_jobs(status);
CREATE INDEX IF NOT EXISTS idx_export_jobs_created_at ON export_jobs(created_at);
CREATE INDEX IF NOT EXISTS idx_export_jobs_entity ON export_jobs(entity);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// SaveSnapshot replaces the persisted snapshot for the batch's
// (entity, period, scenario) key: the old snapshot row goes away with
// its fact rows, the new ones land via COPY, all in one transaction.
func (s *PostgresStore) SaveSnapshot(ctx context.Context, snap model.Snapshot, facts []model.Fact) error {
	createdAt := snap.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin save snapshot")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx,
		`DELETE FROM snapshots WHERE entity = $1 AND period = $2 AND scenario = $3`,
		snap.Entity, snap.Period, snap.Scenario,
	)
	if err != nil {
		return eris.Wrap(err, "postgres: delete old snapshot")
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO snapshots (id, entity, period, scenario, upload_id, fact_count, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		snap.ID, snap.Entity, snap.Period, snap.Scenario, snap.UploadID, len(facts), createdAt,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: insert snapshot %s", snap.ID)
	}

	rows := make([][]any, 0, len(facts))
	for i, f := range facts {
		rows = append(rows, []any{snap.ID, i, f.LineItem, f.Value, string(f.Statement), f.Sheet, f.RowIndex, f.Column, f.UploadID})
	}
	_, err = db.CopyFrom(ctx, tx, "snapshot_facts",
		[]string{"snapshot_id", "ordinal", "line_item", "value", "statement", "sheet", "row_index", "col", "upload_id"},
		rows,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: copy facts for snapshot %s", snap.ID)
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit save snapshot")
}

func (s *PostgresStore) LoadSnapshots(ctx context.Context) ([]SnapshotRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, entity, period, scenario, upload_id, fact_count, created_at
		FROM snapshots ORDER BY created_at, id`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: load snapshots")
	}
	defer rows.Close()

	var out []SnapshotRecord
	for rows.Next() {
		var rec SnapshotRecord
		var uploadID *string
		if err := rows.Scan(&rec.Snapshot.ID, &rec.Snapshot.Entity, &rec.Snapshot.Period, &rec.Snapshot.Scenario,
			&uploadID, &rec.Snapshot.FactCount, &rec.Snapshot.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan snapshot")
		}
		if uploadID != nil {
			rec.Snapshot.UploadID = *uploadID
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: load snapshots")
	}

	for i := range out {
		facts, err := s.loadFacts(ctx, &out[i].Snapshot)
		if err != nil {
			return nil, err
		}
		out[i].Facts = facts
	}
	return out, nil
}

func (s *PostgresStore) loadFacts(ctx context.Context, snap *model.Snapshot) ([]model.Fact, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT line_item, value, statement, sheet, row_index, col, upload_id
		FROM snapshot_facts WHERE snapshot_id = $1 ORDER BY ordinal`, snap.ID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: load facts for snapshot %s", snap.ID)
	}
	defer rows.Close()

	var out []model.Fact
	for rows.Next() {
		f := model.Fact{Entity: snap.Entity, Period: snap.Period, Scenario: snap.Scenario}
		var statement, sheet, col, uploadID *string
		if err := rows.Scan(&f.LineItem, &f.Value, &statement, &sheet, &f.RowIndex, &col, &uploadID); err != nil {
			return nil, eris.Wrap(err, "postgres: scan fact")
		}
		if statement != nil {
			f.Statement = model.Statement(*statement)
		}
		if sheet != nil {
			f.Sheet = *sheet
		}
		if col != nil {
			f.Column = *col
		}
		if uploadID != nil {
			f.UploadID = *uploadID
		}
		out = append(out, f)
	}
	return out, eris.Wrap(rows.Err(), "postgres: load facts")
}

func (s *PostgresStore) DeleteSnapshots(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM snapshots`)
	return eris.Wrap(err, "postgres: delete snapshots")
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *model.ExportJob) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	job.Status = model.JobQueued
	job.Progress = 0
	job.CreatedAt = now
	job.UpdatedAt = now

	_, err := s.pool.Exec(ctx, `
		INSERT INTO export_jobs (id, entity, period, scenario, kind, status, progress, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		job.ID, job.Entity, job.Period, job.Scenario, string(job.Kind), string(job.Status), job.Progress, now, now,
	)
	return eris.Wrapf(err, "postgres: insert job %s", job.ID)
}

// ClaimNextJob atomically flips the oldest queued job to running and
// returns it, or nil when the queue is empty.
func (s *PostgresStore) ClaimNextJob(ctx context.Context) (*model.ExportJob, error) {
	row := s.pool.QueryRow(ctx, sqlClaimNextJob, time.Now().UTC())
	job, err := scanPgJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: claim job")
	}
	return job, nil
}

func (s *PostgresStore) UpdateJobProgress(ctx context.Context, jobID string, progress int) error {
	_, err := s.pool.Exec(ctx, sqlUpdateJobProgress, progress, time.Now().UTC(), jobID)
	return eris.Wrapf(err, "postgres: update job progress %s", jobID)
}

func (s *PostgresStore) CompleteJob(ctx context.Context, jobID string, filename string, artifact []byte) error {
	_, err := s.pool.Exec(ctx, sqlCompleteJob, filename, artifact, time.Now().UTC(), jobID)
	return eris.Wrapf(err, "postgres: complete job %s", jobID)
}

func (s *PostgresStore) FailJob(ctx context.Context, jobID string, msg string) error {
	_, err := s.pool.Exec(ctx, sqlFailJob, msg, time.Now().UTC(), jobID)
	return eris.Wrapf(err, "postgres: fail job %s", jobID)
}

func (s *PostgresStore) ReapOverdueJobs(ctx context.Context, olderThan time.Duration) (int, error) {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE export_jobs
		SET status = 'failed', error = $1, completed_at = $2, updated_at = $2
		WHERE status IN ('queued', 'running') AND created_at <= $3`,
		fmt.Sprintf("export timed out after %s", olderThan), now, now.Add(-olderThan),
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: reap overdue jobs")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) GetJob(ctx context.Context, jobID string) (*model.ExportJob, error) {
	row := s.pool.QueryRow(ctx, sqlGetJob, jobID)
	job, err := scanPgJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrJobNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get job %s", jobID)
	}
	return job, nil
}

func (s *PostgresStore) GetArtifact(ctx context.Context, jobID string) (string, []byte, error) {
	var status string
	var filename *string
	var artifact []byte
	err := s.pool.QueryRow(ctx,
		`SELECT status, filename, artifact FROM export_jobs WHERE id = $1`, jobID,
	).Scan(&status, &filename, &artifact)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil, model.ErrJobNotFound
	}
	if err != nil {
		return "", nil, eris.Wrapf(err, "postgres: get artifact %s", jobID)
	}
	if model.JobStatus(status) != model.JobCompleted || len(artifact) == 0 {
		return "", nil, model.ErrArtifactNotReady
	}
	name := ""
	if filename != nil {
		name = *filename
	}
	return name, artifact, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter model.JobFilter) ([]model.ExportJob, error) {
	query := `SELECT id, entity, period, scenario, kind, status, progress, error, filename,
			octet_length(artifact), created_at, updated_at, started_at, completed_at
		FROM export_jobs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.Entity != "" {
		query += fmt.Sprintf(` AND entity = $%d`, argIdx)
		args = append(args, filter.Entity)
		argIdx++
	}
	if !filter.CreatedAfter.IsZero() {
		query += fmt.Sprintf(` AND created_at >= $%d`, argIdx)
		args = append(args, filter.CreatedAfter.UTC())
		argIdx++
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, argIdx)
		args = append(args, filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list jobs")
	}
	defer rows.Close()

	var out []model.ExportJob
	for rows.Next() {
		job, err := scanPgJob(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan job")
		}
		out = append(out, *job)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list jobs")
}

func scanPgJob(row pgx.Row) (*model.ExportJob, error) {
	var j model.ExportJob
	var errMsg, filename *string
	var size *int64

	err := row.Scan(&j.ID, &j.Entity, &j.Period, &j.Scenario, &j.Kind, &j.Status, &j.Progress,
		&errMsg, &filename, &size, &j.CreatedAt, &j.UpdatedAt, &j.StartedAt, &j.CompletedAt)
	if err != nil {
		return nil, err
	}

	if errMsg != nil {
		j.Error = *errMsg
	}
	if filename != nil {
		j.Filename = *filename
	}
	if size != nil {
		j.ArtifactSize = *size
	}
	return &j, nil
}

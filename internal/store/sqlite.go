package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/momentumfirm/finhub/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS snapshots (
	id         TEXT PRIMARY KEY,
	entity     TEXT NOT NULL,
	period     TEXT NOT NULL,
	scenario   TEXT NOT NULL,
	upload_id  TEXT,
	fact_count INTEGER NOT NULL DEFAULT 0,
	facts      TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (entity, period, scenario)
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
	artifact     BLOB,
	created_at   DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at   DATETIME NOT NULL DEFAULT (datetime('now')),
	started_at   DATETIME,
	completed_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_snapshots_entity ON snapshots(entity);
CREATE INDEX IF NOT EXISTS idx_export_jobs_status ON export_jobs(status);
CREATE INDEX IF NOT EXISTS idx_export_jobs_created_at ON export_jobs(created_at);
CREATE INDEX IF NOT EXISTS idx_export_jobs_entity ON export_jobs(entity);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveSnapshot replaces the persisted snapshot for the batch's
// (entity, period, scenario) key in one statement, so a crash can never
// leave rows from two uploads mixed.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snap model.Snapshot, facts []model.Fact) error {
	factsJSON, err := json.Marshal(facts)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal facts")
	}
	createdAt := snap.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snapshots (id, entity, period, scenario, upload_id, fact_count, facts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (entity, period, scenario) DO UPDATE SET
			id         = excluded.id,
			upload_id  = excluded.upload_id,
			fact_count = excluded.fact_count,
			facts      = excluded.facts,
			created_at = excluded.created_at`,
		snap.ID, snap.Entity, snap.Period, snap.Scenario, snap.UploadID, len(facts), string(factsJSON), createdAt,
	)
	return eris.Wrapf(err, "sqlite: save snapshot %s", snap.ID)
}

func (s *SQLiteStore) LoadSnapshots(ctx context.Context) ([]SnapshotRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity, period, scenario, upload_id, fact_count, facts, created_at
		FROM snapshots ORDER BY created_at, id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: load snapshots")
	}
	defer rows.Close()

	var out []SnapshotRecord
	for rows.Next() {
		var rec SnapshotRecord
		var uploadID sql.NullString
		var factsJSON string
		if err := rows.Scan(&rec.Snapshot.ID, &rec.Snapshot.Entity, &rec.Snapshot.Period, &rec.Snapshot.Scenario,
			&uploadID, &rec.Snapshot.FactCount, &factsJSON, &rec.Snapshot.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan snapshot")
		}
		rec.Snapshot.UploadID = uploadID.String
		if err := json.Unmarshal([]byte(factsJSON), &rec.Facts); err != nil {
			return nil, eris.Wrapf(err, "sqlite: unmarshal facts for snapshot %s", rec.Snapshot.ID)
		}
		out = append(out, rec)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: load snapshots")
}

func (s *SQLiteStore) DeleteSnapshots(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM snapshots`)
	return eris.Wrap(err, "sqlite: delete snapshots")
}

func (s *SQLiteStore) CreateJob(ctx context.Context, job *model.ExportJob) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	job.Status = model.JobQueued
	job.Progress = 0
	job.CreatedAt = now
	job.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO export_jobs (id, entity, period, scenario, kind, status, progress, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Entity, job.Period, job.Scenario, string(job.Kind), string(job.Status), job.Progress, now, now,
	)
	return eris.Wrapf(err, "sqlite: insert job %s", job.ID)
}

// jobColumns is the scan column list shared by every job query.
// Artifact bytes stay out of it; only their length travels with the
// row.
const jobColumns = `id, entity, period, scenario, kind, status, progress, error, filename,
	length(artifact), created_at, updated_at, started_at, completed_at`

// ClaimNextJob atomically flips the oldest queued job to running and
// returns it, or nil when the queue is empty.
func (s *SQLiteStore) ClaimNextJob(ctx context.Context) (*model.ExportJob, error) {
	now := time.Now().UTC()
	row := s.db.QueryRowContext(ctx, `
		UPDATE export_jobs
		SET status = ?, started_at = ?, updated_at = ?
		WHERE id = (SELECT id FROM export_jobs WHERE status = ? ORDER BY created_at, id LIMIT 1)
		RETURNING `+jobColumns,
		string(model.JobRunning), now, now, string(model.JobQueued),
	)
	job, err := scanJob(row)
	if errors.Is(err, model.ErrJobNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: claim job")
	}
	return job, nil
}

func (s *SQLiteStore) UpdateJobProgress(ctx context.Context, jobID string, progress int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE export_jobs SET progress = ?, updated_at = ? WHERE id = ? AND status = ?`,
		progress, time.Now().UTC(), jobID, string(model.JobRunning),
	)
	return eris.Wrapf(err, "sqlite: update job progress %s", jobID)
}

func (s *SQLiteStore) CompleteJob(ctx context.Context, jobID string, filename string, artifact []byte) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		UPDATE export_jobs
		SET status = ?, progress = 100, filename = ?, artifact = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(model.JobCompleted), filename, artifact, now, now, jobID, string(model.JobRunning),
	)
	return eris.Wrapf(err, "sqlite: complete job %s", jobID)
}

func (s *SQLiteStore) FailJob(ctx context.Context, jobID string, msg string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		UPDATE export_jobs
		SET status = ?, error = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status NOT IN (?, ?)`,
		string(model.JobFailed), msg, now, now, jobID, string(model.JobCompleted), string(model.JobFailed),
	)
	return eris.Wrapf(err, "sqlite: fail job %s", jobID)
}

func (s *SQLiteStore) ReapOverdueJobs(ctx context.Context, olderThan time.Duration) (int, error) {
	now := time.Now().UTC()
	cutoff := now.Add(-olderThan)
	res, err := s.db.ExecContext(ctx, `
		UPDATE export_jobs
		SET status = ?, error = ?, completed_at = ?, updated_at = ?
		WHERE status IN (?, ?) AND created_at <= ?`,
		string(model.JobFailed), fmt.Sprintf("export timed out after %s", olderThan), now, now,
		string(model.JobQueued), string(model.JobRunning), cutoff,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: reap overdue jobs")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: reap rows affected")
	}
	return int(n), nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, jobID string) (*model.ExportJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM export_jobs WHERE id = ?`, jobID)
	return scanJob(row)
}

func (s *SQLiteStore) GetArtifact(ctx context.Context, jobID string) (string, []byte, error) {
	var status string
	var filename sql.NullString
	var artifact []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT status, filename, artifact FROM export_jobs WHERE id = ?`, jobID,
	).Scan(&status, &filename, &artifact)
	if err == sql.ErrNoRows {
		return "", nil, model.ErrJobNotFound
	}
	if err != nil {
		return "", nil, eris.Wrapf(err, "sqlite: get artifact %s", jobID)
	}
	if model.JobStatus(status) != model.JobCompleted || len(artifact) == 0 {
		return "", nil, model.ErrArtifactNotReady
	}
	return filename.String, artifact, nil
}

func (s *SQLiteStore) ListJobs(ctx context.Context, filter model.JobFilter) ([]model.ExportJob, error) {
	q := `SELECT ` + jobColumns + ` FROM export_jobs`
	var conds []string
	var args []any
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Entity != "" {
		conds = append(conds, "entity = ?")
		args = append(args, filter.Entity)
	}
	if !filter.CreatedAfter.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, filter.CreatedAfter.UTC())
	}
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list jobs")
	}
	defer rows.Close()

	var out []model.ExportJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *job)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list jobs")
}

type scannable interface {
	Scan(dest ...any) error
}

func scanJob(row scannable) (*model.ExportJob, error) {
	var j model.ExportJob
	var errMsg, filename sql.NullString
	var size sql.NullInt64
	var startedAt, completedAt sql.NullTime

	err := row.Scan(&j.ID, &j.Entity, &j.Period, &j.Scenario, &j.Kind, &j.Status, &j.Progress,
		&errMsg, &filename, &size, &j.CreatedAt, &j.UpdatedAt, &startedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, model.ErrJobNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan job")
	}

	j.Error = errMsg.String
	j.Filename = filename.String
	j.ArtifactSize = size.Int64
	if startedAt.Valid {
		t := startedAt.Time
		j.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		j.CompletedAt = &t
	}
	return &j, nil
}

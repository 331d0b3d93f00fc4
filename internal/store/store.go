package store

import (
	"context"
	"time"

	"github.com/momentumfirm/finhub/internal/model"
)

// SnapshotRecord pairs a persisted snapshot with its fact rows, as
// loaded for startup restore.
type SnapshotRecord struct {
	Snapshot model.Snapshot
	Facts    []model.Fact
}

// Store defines the persistence interface backing fact snapshots and
// the export job queue.
//
// Job mutations are status-guarded: UpdateJobProgress and CompleteJob
// apply only while the row is still running, FailJob only while it is
// non-terminal. A guarded update that matches no row is a no-op, not an
// error; that is what keeps a worker finishing after the reaper from
// resurrecting a failed job.
type Store interface {
	// Snapshots
	SaveSnapshot(ctx context.Context, snap model.Snapshot, facts []model.Fact) error
	LoadSnapshots(ctx context.Context) ([]SnapshotRecord, error)
	DeleteSnapshots(ctx context.Context) error

	// Export jobs
	CreateJob(ctx context.Context, job *model.ExportJob) error
	ClaimNextJob(ctx context.Context) (*model.ExportJob, error)
	UpdateJobProgress(ctx context.Context, jobID string, progress int) error
	CompleteJob(ctx context.Context, jobID string, filename string, artifact []byte) error
	FailJob(ctx context.Context, jobID string, msg string) error
	ReapOverdueJobs(ctx context.Context, olderThan time.Duration) (int, error)
	GetJob(ctx context.Context, jobID string) (*model.ExportJob, error)
	GetArtifact(ctx context.Context, jobID string) (string, []byte, error)
	ListJobs(ctx context.Context, filter model.JobFilter) ([]model.ExportJob, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

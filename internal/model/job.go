package model

import "time"

// JobStatus is the lifecycle state of an export job. Transitions are
// monotone: queued -> running -> completed or failed. A terminal row
// never changes again.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether the status can no longer change.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// ExportKind selects which artifact an export job renders.
type ExportKind string

const (
	ExportBoardPack ExportKind = "board_pack"
	ExportFactPack  ExportKind = "fact_pack"
)

// ExportJob is one queued or finished artifact render. Only the worker
// executing the job and the timeout reaper mutate it after creation.
type ExportJob struct {
	ID           string     `json:"id"`
	Entity       string     `json:"entity"`
	Period       string     `json:"period"`
	Scenario     string     `json:"scenario"`
	Kind         ExportKind `json:"kind"`
	Status       JobStatus  `json:"status"`
	Progress     int        `json:"progress"`
	Error        string     `json:"error,omitempty"`
	Filename     string     `json:"filename,omitempty"`
	Artifact     []byte     `json:"-"`
	ArtifactSize int64      `json:"artifact_size,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// View returns the polling shape served to clients.
func (j *ExportJob) View() JobView {
	return JobView{
		JobID:         j.ID,
		Status:        j.Status,
		Progress:      j.Progress,
		Error:         j.Error,
		DownloadReady: j.Status == JobCompleted,
		Filename:      j.Filename,
		CreatedAt:     j.CreatedAt,
		CompletedAt:   j.CompletedAt,
	}
}

// JobView is the client-facing status of an export job.
type JobView struct {
	JobID         string     `json:"job_id"`
	Status        JobStatus  `json:"status"`
	Progress      int        `json:"progress"`
	Error         string     `json:"error,omitempty"`
	DownloadReady bool       `json:"download_ready"`
	Filename      string     `json:"filename,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// JobFilter narrows ListJobs results. Zero values mean no constraint.
type JobFilter struct {
	Status       JobStatus `json:"status,omitempty"`
	Entity       string    `json:"entity,omitempty"`
	CreatedAfter time.Time `json:"created_after,omitempty"`
	Limit        int       `json:"limit,omitempty"`
}

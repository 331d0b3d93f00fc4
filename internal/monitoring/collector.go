// Package monitoring gathers operational metrics from the store and the
// in-memory engines, evaluates them against alert thresholds, and
// exposes them as Prometheus series.
package monitoring

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/momentumfirm/finhub/internal/bridge"
	"github.com/momentumfirm/finhub/internal/derive"
	"github.com/momentumfirm/finhub/internal/facts"
	"github.com/momentumfirm/finhub/internal/model"
	"github.com/momentumfirm/finhub/internal/registry"
	"github.com/momentumfirm/finhub/internal/store"
)

// MetricsSnapshot holds a point-in-time view of system health.
type MetricsSnapshot struct {
	// Export job metrics (within lookback window).
	JobsTotal     int     `json:"jobs_total"`
	JobsQueued    int     `json:"jobs_queued"`
	JobsRunning   int     `json:"jobs_running"`
	JobsCompleted int     `json:"jobs_completed"`
	JobsFailed    int     `json:"jobs_failed"`
	JobsTimedOut  int     `json:"jobs_timed_out"`
	JobFailRate   float64 `json:"job_fail_rate"`
	AvgJobSecs    float64 `json:"avg_job_secs"`
	ArtifactBytes int64   `json:"artifact_bytes"`

	// Current queue depth, not windowed.
	QueueDepth int `json:"queue_depth"`

	// Fact store.
	Entities  int `json:"entities"`
	Snapshots int `json:"snapshots"`
	Facts     int `json:"facts"`

	// Derivation engine.
	RegistrySize int    `json:"registry_size"`
	CacheHits    uint64 `json:"cache_hits"`
	CacheMisses  uint64 `json:"cache_misses"`
	CacheEntries int    `json:"cache_entries"`

	// Variance bridge. Cumulative since process start.
	ReconciliationDefects uint64 `json:"reconciliation_defects"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Collector gathers metrics from the store and the in-memory engines.
type Collector struct {
	store    store.Store
	facts    *facts.Store
	engine   *derive.Engine
	bridge   *bridge.Calculator
	registry *registry.Registry
}

// NewCollector creates a new metrics collector.
func NewCollector(st store.Store, fs *facts.Store, eng *derive.Engine, br *bridge.Calculator, reg *registry.Registry) *Collector {
	return &Collector{store: st, facts: fs, engine: eng, bridge: br, registry: reg}
}

// Collect gathers a snapshot of system metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   time.Now().UTC(),
	}

	cutoff := time.Now().UTC().Add(-time.Duration(lookbackHours) * time.Hour)

	jobs, err := c.store.ListJobs(ctx, model.JobFilter{
		CreatedAfter: cutoff,
		Limit:        10000,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list jobs")
	}

	snap.JobsTotal = len(jobs)
	var totalDur time.Duration
	var measured int

	for _, j := range jobs {
		switch j.Status {
		case model.JobQueued:
			snap.JobsQueued++
		case model.JobRunning:
			snap.JobsRunning++
		case model.JobCompleted:
			snap.JobsCompleted++
			snap.ArtifactBytes += j.ArtifactSize
		case model.JobFailed:
			snap.JobsFailed++
			if strings.Contains(j.Error, "timed out") {
				snap.JobsTimedOut++
			}
		}
		if j.Status.Terminal() && j.StartedAt != nil && j.CompletedAt != nil {
			totalDur += j.CompletedAt.Sub(*j.StartedAt)
			measured++
		}
	}

	finished := snap.JobsCompleted + snap.JobsFailed
	if finished > 0 {
		snap.JobFailRate = float64(snap.JobsFailed) / float64(finished)
	}
	if measured > 0 {
		snap.AvgJobSecs = (totalDur / time.Duration(measured)).Seconds()
	}

	// Current queue depth, regardless of window. Reaped jobs age out of
	// the queue, so this stays bounded.
	queued, err := c.store.ListJobs(ctx, model.JobFilter{
		Status: model.JobQueued,
		Limit:  10000,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list queued jobs")
	}
	snap.QueueDepth = len(queued)

	snap.Entities = len(c.facts.Entities())
	snap.Snapshots, snap.Facts = c.facts.Stats()
	snap.RegistrySize = c.registry.Size()
	snap.CacheHits, snap.CacheMisses, snap.CacheEntries = c.engine.CacheStats()
	snap.ReconciliationDefects = c.bridge.Defects()

	return snap, nil
}

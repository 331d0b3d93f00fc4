// Package export runs the asynchronous artifact queue: a bounded
// worker pool claims persisted jobs, renders XLSX packs from the
// engine's view of the loaded snapshots, and stores the bytes back on
// the job row for download.
package export

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/momentumfirm/finhub/internal/bridge"
	"github.com/momentumfirm/finhub/internal/config"
	"github.com/momentumfirm/finhub/internal/derive"
	"github.com/momentumfirm/finhub/internal/facts"
	"github.com/momentumfirm/finhub/internal/model"
	"github.com/momentumfirm/finhub/internal/registry"
	"github.com/momentumfirm/finhub/internal/store"
)

// pollInterval bounds how stale a worker's view of the queue can get
// when a nudge is missed (e.g. jobs created by a previous process).
const pollInterval = 2 * time.Second

// Observer receives job lifecycle telemetry. Implementations must be
// safe for concurrent use.
type Observer interface {
	JobCreated()
	JobFinished(status model.JobStatus, d time.Duration)
	JobsReaped(n int)
	QueueDepth(n int)
}

// Manager owns the export job queue: creation, the worker pool, the
// timeout reaper and artifact download.
type Manager struct {
	store    store.Store
	facts    *facts.Store
	engine   *derive.Engine
	bridge   *bridge.Calculator
	reg      *registry.Registry
	renderer *Renderer

	workers      int
	jobTimeout   time.Duration
	reapInterval time.Duration

	nudge    chan struct{}
	observer atomic.Pointer[Observer]

	cancel context.CancelFunc
	group  *errgroup.Group
}

// NewManager wires the export queue over the given store and engine
// components. Call Start to launch the pool.
func NewManager(st store.Store, fs *facts.Store, eng *derive.Engine, br *bridge.Calculator, reg *registry.Registry, cfg config.ExportConfig) *Manager {
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	timeout := time.Duration(cfg.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	reap := time.Duration(cfg.ReapIntervalSecs) * time.Second
	if reap <= 0 {
		reap = 15 * time.Second
	}
	return &Manager{
		store:        st,
		facts:        fs,
		engine:       eng,
		bridge:       br,
		reg:          reg,
		renderer:     NewRenderer(cfg.Currency),
		workers:      workers,
		jobTimeout:   timeout,
		reapInterval: reap,
		nudge:        make(chan struct{}, 1),
	}
}

// SetObserver installs a job telemetry sink.
func (m *Manager) SetObserver(o Observer) {
	m.observer.Store(&o)
}

// Start launches the worker pool and the reaper. Workers run until the
// context is cancelled or Stop is called.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	m.group = g

	for i := 0; i < m.workers; i++ {
		id := i
		g.Go(func() error {
			m.runWorker(gctx, id)
			return nil
		})
	}
	g.Go(func() error {
		m.runReaper(gctx)
		return nil
	})

	zap.L().Info("export pool started",
		zap.Int("workers", m.workers),
		zap.Duration("job_timeout", m.jobTimeout),
		zap.Duration("reap_interval", m.reapInterval),
	)
}

// Stop cancels the pool and waits for in-flight jobs to settle.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	if m.group != nil {
		m.group.Wait() //nolint:errcheck
	}
	zap.L().Info("export pool stopped")
}

// Create validates and enqueues a new export job. It never blocks on
// rendering; repeated requests create independent jobs.
func (m *Manager) Create(ctx context.Context, entity, period, scenario string, kind model.ExportKind) (*model.ExportJob, error) {
	if entity == "" || period == "" {
		return nil, model.Validationf("entity and period are required")
	}
	switch kind {
	case model.ExportBoardPack, model.ExportFactPack:
	default:
		return nil, model.Validationf("unknown export kind %q", kind)
	}
	if scenario == "" {
		scenario = model.DefaultScenario
	}

	job := &model.ExportJob{Entity: entity, Period: period, Scenario: scenario, Kind: kind}
	if err := m.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}

	if o := m.observer.Load(); o != nil {
		(*o).JobCreated()
	}
	select {
	case m.nudge <- struct{}{}:
	default:
	}

	zap.L().Info("export: job queued",
		zap.String("job_id", job.ID),
		zap.String("entity", entity),
		zap.String("period", period),
		zap.String("kind", string(kind)),
	)
	return job, nil
}

// Status returns the client-facing view of a job.
func (m *Manager) Status(ctx context.Context, jobID string) (*model.JobView, error) {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	v := job.View()
	return &v, nil
}

// Download returns the finished artifact, or ErrJobNotFound /
// ErrArtifactNotReady.
func (m *Manager) Download(ctx context.Context, jobID string) (string, []byte, error) {
	return m.store.GetArtifact(ctx, jobID)
}

func (m *Manager) runWorker(ctx context.Context, id int) {
	log := zap.L().With(zap.String("component", "export.worker"), zap.Int("worker", id))
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		m.drain(ctx, log)
		select {
		case <-ctx.Done():
			return
		case <-m.nudge:
		case <-ticker.C:
		}
	}
}

// drain claims and executes jobs until the queue is empty.
func (m *Manager) drain(ctx context.Context, log *zap.Logger) {
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := m.store.ClaimNextJob(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Error("export: claim job", zap.Error(err))
			}
			return
		}
		if job == nil {
			return
		}
		m.execute(ctx, job, log)
	}
}

func (m *Manager) execute(ctx context.Context, job *model.ExportJob, log *zap.Logger) {
	start := time.Now()
	jobCtx, cancel := context.WithTimeout(ctx, m.jobTimeout)
	filename, artifact, err := m.render(jobCtx, job)
	cancel()
	elapsed := time.Since(start)

	if err != nil {
		log.Warn("export: job failed",
			zap.String("job_id", job.ID),
			zap.String("kind", string(job.Kind)),
			zap.Error(err),
			zap.Duration("elapsed", elapsed),
		)
		if failErr := m.store.FailJob(ctx, job.ID, err.Error()); failErr != nil {
			log.Error("export: record job failure", zap.String("job_id", job.ID), zap.Error(failErr))
		}
		m.observeFinished(model.JobFailed, elapsed)
		return
	}

	if err := m.store.CompleteJob(ctx, job.ID, filename, artifact); err != nil {
		log.Error("export: store artifact", zap.String("job_id", job.ID), zap.Error(err))
		m.observeFinished(model.JobFailed, elapsed)
		return
	}

	log.Info("export: job completed",
		zap.String("job_id", job.ID),
		zap.String("kind", string(job.Kind)),
		zap.String("filename", filename),
		zap.Int("bytes", len(artifact)),
		zap.Duration("elapsed", elapsed),
	)
	m.observeFinished(model.JobCompleted, elapsed)
}

// render produces the artifact for a claimed job. A panic anywhere in
// the gather or render path becomes a job failure, not a dead worker.
func (m *Manager) render(ctx context.Context, job *model.ExportJob) (filename string, artifact []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = eris.Errorf("export: render panic: %v", r)
		}
	}()

	snap, ok := m.facts.Snapshot(job.Entity, job.Period, job.Scenario)
	if !ok {
		return "", nil, eris.Wrapf(model.ErrFactNotFound, "export: no facts loaded for %s %s %s", job.Entity, job.Period, job.Scenario)
	}

	switch job.Kind {
	case model.ExportFactPack:
		rows := m.facts.Facts(job.Entity, job.Period, job.Scenario)
		m.progress(ctx, job.ID, 10)
		artifact, err = m.renderer.FactPack(snap, rows)
		if err != nil {
			return "", nil, err
		}
		m.progress(ctx, job.ID, 90)
		return artifactName(job.Kind, job.Entity, job.Period), artifact, nil

	case model.ExportBoardPack:
		data, err := m.gatherBoard(ctx, job, snap)
		if err != nil {
			return "", nil, err
		}
		artifact, err = m.renderer.BoardPack(data)
		if err != nil {
			return "", nil, err
		}
		m.progress(ctx, job.ID, 90)
		return artifactName(job.Kind, job.Entity, job.Period), artifact, nil

	default:
		return "", nil, eris.Errorf("export: unknown kind %q", job.Kind)
	}
}

// gatherBoard evaluates every registered metric plus the variance
// bridge against the prior period, advancing progress through the
// report sections.
func (m *Manager) gatherBoard(ctx context.Context, job *model.ExportJob, snap model.Snapshot) (*boardData, error) {
	m.progress(ctx, job.ID, 10)

	periods := m.facts.Periods(job.Entity, job.Scenario)
	data := &boardData{
		snapshot:   snap,
		prevPeriod: model.PreviousPeriod(periods, job.Period),
	}

	for _, def := range m.reg.Definitions() {
		metric, err := m.engine.Evaluate(ctx, def.Key, job.Entity, job.Period, job.Scenario)
		if err != nil {
			return nil, eris.Wrapf(err, "export: evaluate %s", def.Key)
		}
		row := metricRow{
			def:     def,
			value:   metric.Value,
			missing: metric.MissingInputs,
			lineage: metric.Lineage,
		}
		switch def.Kind {
		case model.MetricKPI:
			if data.prevPeriod != "" && metric.Value != nil {
				prev, err := m.engine.Evaluate(ctx, def.Key, job.Entity, data.prevPeriod, job.Scenario)
				if err != nil {
					return nil, eris.Wrapf(err, "export: evaluate %s for %s", def.Key, data.prevPeriod)
				}
				if prev.Value != nil {
					d := *metric.Value - *prev.Value
					row.delta = &d
				}
			}
			data.kpis = append(data.kpis, row)
		case model.MetricRatio:
			data.ratios = append(data.ratios, row)
		}
	}
	m.progress(ctx, job.ID, 40)

	if data.prevPeriod != "" {
		b, err := m.bridge.Bridge(ctx, m.reg.BridgeTarget(), job.Entity, data.prevPeriod, job.Period, job.Scenario)
		if b == nil && err != nil {
			return nil, eris.Wrap(err, "export: variance bridge")
		}
		// A reconciliation defect still renders; the sheet carries the flag.
		data.bridge = b
	}
	m.progress(ctx, job.ID, 70)

	return data, nil
}

// progress is best-effort: the guard in the store drops updates for
// jobs the reaper already failed.
func (m *Manager) progress(ctx context.Context, jobID string, pct int) {
	if err := m.store.UpdateJobProgress(ctx, jobID, pct); err != nil && ctx.Err() == nil {
		zap.L().Warn("export: update progress", zap.String("job_id", jobID), zap.Error(err))
	}
}

func (m *Manager) runReaper(ctx context.Context) {
	log := zap.L().With(zap.String("component", "export.reaper"))
	ticker := time.NewTicker(m.reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := m.store.ReapOverdueJobs(ctx, m.jobTimeout)
			if err != nil {
				if ctx.Err() == nil {
					log.Error("export: reap overdue jobs", zap.Error(err))
				}
				continue
			}
			if n > 0 {
				log.Warn("export: reaped overdue jobs", zap.Int("count", n))
				if o := m.observer.Load(); o != nil {
					(*o).JobsReaped(n)
				}
			}
			m.reportQueueDepth(ctx)
		}
	}
}

// reportQueueDepth feeds the queued-job gauge once per reaper tick.
func (m *Manager) reportQueueDepth(ctx context.Context) {
	o := m.observer.Load()
	if o == nil {
		return
	}
	jobs, err := m.store.ListJobs(ctx, model.JobFilter{Status: model.JobQueued})
	if err != nil {
		return
	}
	(*o).QueueDepth(len(jobs))
}

func (m *Manager) observeFinished(status model.JobStatus, d time.Duration) {
	if o := m.observer.Load(); o != nil {
		(*o).JobFinished(status, d)
	}
}

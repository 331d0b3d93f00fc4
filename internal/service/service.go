// Package service is the application facade the CLI and HTTP API talk
// to. It composes the fact store, the derivation engine, the variance
// bridge, the export manager and the operational collector behind one
// operation set, and owns the snapshot write-through to the store.
package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/momentumfirm/finhub/internal/bridge"
	"github.com/momentumfirm/finhub/internal/derive"
	"github.com/momentumfirm/finhub/internal/export"
	"github.com/momentumfirm/finhub/internal/facts"
	"github.com/momentumfirm/finhub/internal/model"
	"github.com/momentumfirm/finhub/internal/monitoring"
	"github.com/momentumfirm/finhub/internal/registry"
	"github.com/momentumfirm/finhub/internal/store"
)

const (
	persistTimeout  = 10 * time.Second
	evalConcurrency = 8
)

// MetricValue pairs a computed value with its change against the
// immediately preceding available period. Delta is nil when either side
// is missing.
type MetricValue struct {
	Value *float64 `json:"value"`
	Delta *float64 `json:"delta,omitempty"`
}

// MetricsView is the full metric response for one
// (entity, period, scenario).
type MetricsView struct {
	Entity     string                         `json:"entity"`
	Period     string                         `json:"period"`
	Scenario   string                         `json:"scenario"`
	SnapshotID string                         `json:"snapshot_id,omitempty"`
	KPIs       map[string]MetricValue         `json:"kpis"`
	Ratios     map[string]MetricValue         `json:"ratios"`
	Lineage    map[string]*model.EvidenceView `json:"lineage"`
}

// Service orchestrates the FinHub components.
type Service struct {
	store     store.Store
	facts     *facts.Store
	registry  *registry.Registry
	engine    *derive.Engine
	bridge    *bridge.Calculator
	exports   *export.Manager
	collector *monitoring.Collector
	lookback  int
}

// New creates the facade and subscribes the snapshot write-through.
func New(
	st store.Store,
	fs *facts.Store,
	reg *registry.Registry,
	eng *derive.Engine,
	br *bridge.Calculator,
	exp *export.Manager,
	col *monitoring.Collector,
	lookbackHours int,
) *Service {
	s := &Service{
		store:     st,
		facts:     fs,
		registry:  reg,
		engine:    eng,
		bridge:    br,
		exports:   exp,
		collector: col,
		lookback:  lookbackHours,
	}
	fs.Subscribe(s.persistSnapshot)
	return s
}

// Ingest publishes batch as the new snapshot for
// (entity, period, scenario) and returns the snapshot ID. The persisted
// copy is written through by the publish subscriber.
func (s *Service) Ingest(ctx context.Context, entity, period, scenario string, batch []model.Fact) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return s.facts.Ingest(entity, period, scenario, batch)
}

// persistSnapshot writes a freshly published snapshot to the store.
// Best-effort: a store failure logs and leaves the in-memory publish
// standing. Runs on the ingesting goroutine.
func (s *Service) persistSnapshot(meta model.Snapshot) {
	current, ok := s.facts.Snapshot(meta.Entity, meta.Period, meta.Scenario)
	if !ok || current.ID != meta.ID {
		// A newer publish already replaced this snapshot; its own
		// write-through wins.
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	batch := s.facts.Facts(meta.Entity, meta.Period, meta.Scenario)
	if err := s.store.SaveSnapshot(ctx, meta, batch); err != nil {
		zap.L().Warn("service: snapshot write-through failed",
			zap.String("entity", meta.Entity),
			zap.String("period", meta.Period),
			zap.String("scenario", meta.Scenario),
			zap.String("snapshot_id", meta.ID),
			zap.Error(err))
	}
}

// Metrics evaluates every registered definition for the key and returns
// KPIs with period-over-period deltas, ratios and per-metric evidence.
// Metrics over a key with no snapshot degrade to nulls rather than
// failing.
func (s *Service) Metrics(ctx context.Context, entity, period, scenario string) (*MetricsView, error) {
	if entity == "" || period == "" {
		return nil, model.Validationf("entity and period are required")
	}
	if scenario == "" {
		scenario = model.DefaultScenario
	}

	view := &MetricsView{
		Entity:   entity,
		Period:   period,
		Scenario: scenario,
		KPIs:     make(map[string]MetricValue),
		Ratios:   make(map[string]MetricValue),
		Lineage:  make(map[string]*model.EvidenceView),
	}
	if snap, ok := s.facts.Snapshot(entity, period, scenario); ok {
		view.SnapshotID = snap.ID
	}

	prev := model.PreviousPeriod(s.facts.Periods(entity, scenario), period)

	var mu sync.Mutex
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(evalConcurrency)

	for _, def := range s.registry.Definitions() {
		g.Go(func() error {
			m, err := s.engine.Evaluate(gCtx, def.Key, entity, period, scenario)
			if err != nil {
				return err
			}

			mv := MetricValue{Value: m.Value}
			if def.Kind == model.MetricKPI && prev != "" && m.Value != nil {
				pm, err := s.engine.Evaluate(gCtx, def.Key, entity, prev, scenario)
				if err != nil {
					return err
				}
				if pm.Value != nil {
					mv.Delta = model.Float(*m.Value - *pm.Value)
				}
			}

			mu.Lock()
			defer mu.Unlock()
			switch def.Kind {
			case model.MetricKPI:
				view.KPIs[def.Key] = mv
			case model.MetricRatio:
				view.Ratios[def.Key] = mv
			}
			view.Lineage[def.Key] = derive.ResolveEvidence(m)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return view, nil
}

// Variance computes the driver bridge for target between the two
// periods. A reconciliation defect is logged and counted by the
// calculator; the flagged bridge is still the response.
func (s *Service) Variance(ctx context.Context, entity, periodFrom, periodTo, scenario, target string) (*model.Bridge, error) {
	b, err := s.bridge.Bridge(ctx, target, entity, periodFrom, periodTo, scenario)
	if err != nil {
		var rerr *model.ReconciliationError
		if b != nil && errors.As(err, &rerr) {
			return b, nil
		}
		return nil, err
	}
	return b, nil
}

// Periods lists the periods with a published snapshot for
// (entity, scenario), oldest first.
func (s *Service) Periods(ctx context.Context, entity, scenario string) ([]string, error) {
	if entity == "" {
		return nil, model.Validationf("entity is required")
	}
	return s.facts.Periods(entity, scenario), nil
}

// CreateExport queues an artifact render and returns its job view.
func (s *Service) CreateExport(ctx context.Context, entity, period, scenario string, kind model.ExportKind) (*model.JobView, error) {
	job, err := s.exports.Create(ctx, entity, period, scenario, kind)
	if err != nil {
		return nil, err
	}
	v := job.View()
	return &v, nil
}

// ExportStatus returns the poll view of an export job.
func (s *Service) ExportStatus(ctx context.Context, jobID string) (*model.JobView, error) {
	return s.exports.Status(ctx, jobID)
}

// DownloadExport returns a completed job's filename and artifact bytes.
func (s *Service) DownloadExport(ctx context.Context, jobID string) (string, []byte, error) {
	return s.exports.Download(ctx, jobID)
}

// Reset drops every published snapshot, its persisted copies and the
// derivation cache. Export jobs and their artifacts are untouched.
func (s *Service) Reset(ctx context.Context) error {
	if err := s.store.DeleteSnapshots(ctx); err != nil {
		return eris.Wrap(err, "service: delete persisted snapshots")
	}
	s.facts.Clear()
	s.engine.InvalidateAll()
	zap.L().Info("service: all packs cleared")
	return nil
}

// Snapshot returns the operational health snapshot.
func (s *Service) Snapshot(ctx context.Context) (*monitoring.MetricsSnapshot, error) {
	return s.collector.Collect(ctx, s.lookback)
}

// Ping verifies the persisted store is reachable.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

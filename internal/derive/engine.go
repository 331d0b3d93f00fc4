// Package derive evaluates metric definitions against fact snapshots.
// Results are cached per (definition version, snapshot), so a cache hit
// returns the identical pointer and re-ingesting facts naturally
// invalidates everything computed from the replaced snapshot.
package derive

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/momentumfirm/finhub/internal/facts"
	"github.com/momentumfirm/finhub/internal/model"
	"github.com/momentumfirm/finhub/internal/registry"
)

// Observer receives evaluation telemetry. Implementations must be safe
// for concurrent use.
type Observer interface {
	EvaluationDone(key string, cached bool, d time.Duration)
}

type cacheKey struct {
	key        string
	entity     string
	period     string
	scenario   string
	version    int
	snapshotID string
}

func (k cacheKey) String() string {
	return fmt.Sprintf("%s|%s|%s|%s|%d|%s", k.key, k.entity, k.period, k.scenario, k.version, k.snapshotID)
}

// Engine computes metrics depth-first over the registry's dependency
// graph. Safe for concurrent use; concurrent evaluations of the same
// key coalesce into one computation.
type Engine struct {
	reg   *registry.Registry
	facts *facts.Store

	mu    sync.RWMutex
	cache map[cacheKey]*model.ComputedMetric

	group    singleflight.Group
	hits     atomic.Uint64
	misses   atomic.Uint64
	observer atomic.Pointer[Observer]
}

// NewEngine builds an engine over reg and st. The engine subscribes to
// snapshot publishes and drops cached results for the replaced
// (entity, period, scenario) key.
func NewEngine(reg *registry.Registry, st *facts.Store) *Engine {
	e := &Engine{
		reg:   reg,
		facts: st,
		cache: make(map[cacheKey]*model.ComputedMetric),
	}
	st.Subscribe(func(snap model.Snapshot) {
		e.InvalidatePair(snap.Entity, snap.Period, snap.Scenario)
	})
	return e
}

// SetObserver installs an evaluation telemetry sink.
func (e *Engine) SetObserver(o Observer) {
	e.observer.Store(&o)
}

// Evaluate computes the metric key for (entity, period, scenario). An
// unknown key or missing identifiers is a validation error; missing
// facts and formula failures degrade the value to null instead.
func (e *Engine) Evaluate(ctx context.Context, key, entity, period, scenario string) (*model.ComputedMetric, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if key == "" {
		return nil, model.Validationf("metric key is required")
	}
	if entity == "" || period == "" {
		return nil, model.Validationf("entity and period are required")
	}
	if scenario == "" {
		scenario = model.DefaultScenario
	}
	def, ok := e.reg.Get(key)
	if !ok {
		return nil, model.Validationf("unknown metric %q", key)
	}

	snapID := ""
	if snap, ok := e.facts.Snapshot(entity, period, scenario); ok {
		snapID = snap.ID
	}
	ck := cacheKey{key, entity, period, scenario, def.FormulaVersion, snapID}

	start := time.Now()
	if m, ok := e.lookup(ck); ok {
		e.hits.Add(1)
		e.observe(key, true, time.Since(start))
		return m, nil
	}

	ch := e.group.DoChan(ck.String(), func() (any, error) {
		if m, ok := e.lookup(ck); ok {
			return m, nil
		}
		e.misses.Add(1)
		m, err := e.compute(ctx, def, entity, period, scenario, snapID)
		if err != nil {
			return nil, err
		}
		e.store(ck, m)
		return m, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		e.observe(key, false, time.Since(start))
		return res.Val.(*model.ComputedMetric), nil
	}
}

// compute resolves inputs in declared order, recursing through metric
// references. Registry validation guarantees the graph below def is
// acyclic, so the recursion terminates.
func (e *Engine) compute(ctx context.Context, def *model.Definition, entity, period, scenario, snapID string) (*model.ComputedMetric, error) {
	inputs := make([]*float64, len(def.Inputs))
	children := make([]*model.Lineage, len(def.Inputs))
	missing := false

	for i, in := range def.Inputs {
		switch in.Kind {
		case model.RefFact:
			f, ok := e.facts.Get(entity, period, scenario, in.Key)
			if !ok {
				children[i] = model.MissingLineage(in.Key)
				missing = true
				zap.L().Debug("derive: input degraded to null",
					zap.String("metric", def.Key),
					zap.Error(&model.MissingDataError{Entity: entity, Period: period, Scenario: scenario, LineItem: in.Key}))
				continue
			}
			children[i] = model.PrimaryLineage(in.Key, f.Ref())
			if f.Value == nil {
				missing = true
			} else {
				inputs[i] = f.Value
			}
		case model.RefMetric:
			sub, err := e.Evaluate(ctx, in.Key, entity, period, scenario)
			if err != nil {
				return nil, err
			}
			children[i] = sub.Lineage
			inputs[i] = sub.Value
			if sub.Value == nil || sub.MissingInputs {
				missing = true
			}
		}
	}

	var value *float64
	if !missing || def.AllowPartial {
		value = e.run(def, inputs)
	}

	var lin *model.Lineage
	if len(def.Inputs) == 1 && def.Inputs[0].Kind == model.RefFact {
		// Passthrough: the metric is one cell, so its lineage is the
		// primary leaf itself rather than a composite of one.
		if leaf := children[0]; leaf.Kind == model.LineagePrimary {
			lin = model.PrimaryLineage(def.Key, *leaf.Source)
		} else {
			lin = model.MissingLineage(def.Key)
		}
	} else {
		lin = model.CompositeLineage(def.Key, children)
	}

	return &model.ComputedMetric{
		Key:            def.Key,
		Entity:         entity,
		Period:         period,
		Scenario:       scenario,
		FormulaVersion: def.FormulaVersion,
		Value:          value,
		Lineage:        lin,
		MissingInputs:  missing,
		SnapshotID:     snapID,
	}, nil
}

// run executes the formula, converting panics and non-finite results
// into a null value.
func (e *Engine) run(def *model.Definition, inputs []*float64) (out *float64) {
	defer func() {
		if r := recover(); r != nil {
			cerr := &model.ComputationError{Key: def.Key, Err: eris.Errorf("panic: %v", r)}
			zap.L().Error("derive: formula failed", zap.String("metric", def.Key), zap.Error(cerr))
			out = nil
		}
	}()
	v := def.Compute(inputs)
	if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
		return nil
	}
	return v
}

func (e *Engine) lookup(ck cacheKey) (*model.ComputedMetric, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	m, ok := e.cache[ck]
	return m, ok
}

func (e *Engine) store(ck cacheKey, m *model.ComputedMetric) {
	e.mu.Lock()
	e.cache[ck] = m
	e.mu.Unlock()
}

// InvalidatePair drops every cached result for (entity, period,
// scenario), whatever snapshot it was computed from.
func (e *Engine) InvalidatePair(entity, period, scenario string) {
	if scenario == "" {
		scenario = model.DefaultScenario
	}
	e.mu.Lock()
	for ck := range e.cache {
		if ck.entity == entity && ck.period == period && ck.scenario == scenario {
			delete(e.cache, ck)
		}
	}
	e.mu.Unlock()
}

// InvalidateAll drops the whole cache.
func (e *Engine) InvalidateAll() {
	e.mu.Lock()
	e.cache = make(map[cacheKey]*model.ComputedMetric)
	e.mu.Unlock()
}

// CacheStats returns cumulative hit/miss counters and the current
// entry count.
func (e *Engine) CacheStats() (hits, misses uint64, entries int) {
	e.mu.RLock()
	entries = len(e.cache)
	e.mu.RUnlock()
	return e.hits.Load(), e.misses.Load(), entries
}

func (e *Engine) observe(key string, cached bool, d time.Duration) {
	if p := e.observer.Load(); p != nil {
		(*p).EvaluationDone(key, cached, d)
	}
}

// Package bridge decomposes the change in a target metric between two
// periods into canonical driver contributions.
package bridge

import (
	"context"
	"math"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/momentumfirm/finhub/internal/derive"
	"github.com/momentumfirm/finhub/internal/model"
	"github.com/momentumfirm/finhub/internal/registry"
)

// Calculator builds variance bridges from engine evaluations. Driver
// membership and order come from the registry and are identical for
// every bridge of a given target.
type Calculator struct {
	engine  *derive.Engine
	reg     *registry.Registry
	defects atomic.Uint64
}

// New returns a calculator over engine and reg.
func New(engine *derive.Engine, reg *registry.Registry) *Calculator {
	return &Calculator{engine: engine, reg: reg}
}

// Bridge computes the variance bridge for target between periodFrom and
// periodTo. An empty target falls back to the registry's default.
//
// When every endpoint and driver delta is present but the deltas do not
// sum to the endpoint change within epsilon, the bridge is returned
// with Reconciled=false alongside a ReconciliationError; no synthetic
// balancing item is appended. A bridge with missing inputs is returned
// with Reconciled=false and a nil error.
func (c *Calculator) Bridge(ctx context.Context, target, entity, periodFrom, periodTo, scenario string) (*model.Bridge, error) {
	if target == "" {
		target = c.reg.BridgeTarget()
	}
	if target == "" {
		return nil, model.Validationf("bridge target is required")
	}
	if entity == "" {
		return nil, model.Validationf("entity is required")
	}
	if periodFrom == "" || periodTo == "" {
		return nil, model.Validationf("period_from and period_to are required")
	}
	if scenario == "" {
		scenario = model.DefaultScenario
	}
	if _, ok := c.reg.Get(target); !ok {
		return nil, model.Validationf("unknown bridge target %q", target)
	}

	start, err := c.engine.Evaluate(ctx, target, entity, periodFrom, scenario)
	if err != nil {
		return nil, err
	}
	end, err := c.engine.Evaluate(ctx, target, entity, periodTo, scenario)
	if err != nil {
		return nil, err
	}

	b := &model.Bridge{
		Target:     target,
		Entity:     entity,
		Scenario:   scenario,
		PeriodFrom: periodFrom,
		PeriodTo:   periodTo,
		Start:      start.Value,
		End:        end.Value,
	}

	var running float64
	runningKnown := start.Value != nil
	if runningKnown {
		running = *start.Value
	}
	complete := start.Value != nil && end.Value != nil

	drivers := c.reg.Drivers()
	b.Items = make([]model.BridgeItem, 0, len(drivers))
	for _, d := range drivers {
		fromM, err := c.engine.Evaluate(ctx, d.Metric, entity, periodFrom, scenario)
		if err != nil {
			return nil, err
		}
		toM, err := c.engine.Evaluate(ctx, d.Metric, entity, periodTo, scenario)
		if err != nil {
			return nil, err
		}

		item := model.BridgeItem{DriverKey: d.Key, Label: d.Label}
		if fromM.Value != nil && toM.Value != nil {
			delta := *toM.Value - *fromM.Value
			item.Delta = model.Float(delta)
			if runningKnown {
				running += delta
				item.RunningTotal = model.Float(running)
			}
		} else {
			item.MissingInputs = true
			complete = false
		}
		item.Evidence = append(derive.PrimaryRefs(fromM.Lineage), derive.PrimaryRefs(toM.Lineage)...)
		b.Items = append(b.Items, item)
	}

	if !complete {
		return b, nil
	}

	gap := running - *end.Value
	if math.Abs(gap) <= c.reg.Epsilon() {
		b.Reconciled = true
		return b, nil
	}

	c.defects.Add(1)
	rerr := &model.ReconciliationError{Target: target, PeriodFrom: periodFrom, PeriodTo: periodTo, Gap: gap}
	zap.L().Warn("bridge: drivers do not reconcile",
		zap.String("entity", entity),
		zap.String("target", target),
		zap.String("period_from", periodFrom),
		zap.String("period_to", periodTo),
		zap.Float64("gap", gap))
	return b, rerr
}

// Defects returns the cumulative count of reconciliation failures.
func (c *Calculator) Defects() uint64 {
	return c.defects.Load()
}

package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentumfirm/finhub/internal/model"
)

func kpiDef(key string, item string) model.Definition {
	return model.Definition{
		Key:            key,
		FormulaVersion: 1,
		Kind:           model.MetricKPI,
		Label:          key,
		Inputs:         []model.InputRef{model.FactInput(item)},
		Compute:        passthrough,
	}
}

func ratioDef(key, num, den string) model.Definition {
	return model.Definition{
		Key:            key,
		FormulaVersion: 1,
		Kind:           model.MetricRatio,
		Label:          key,
		Inputs:         []model.InputRef{model.MetricInput(num), model.MetricInput(den)},
		AllowPartial:   true,
		Compute:        ratioCompute(false),
	}
}

func TestRegisterValidation(t *testing.T) {
	tests := []struct {
		name string
		def  model.Definition
	}{
		{"empty key", model.Definition{FormulaVersion: 1, Kind: model.MetricKPI, Inputs: []model.InputRef{model.FactInput("x")}, Compute: passthrough}},
		{"zero version", model.Definition{Key: "m", Kind: model.MetricKPI, Inputs: []model.InputRef{model.FactInput("x")}, Compute: passthrough}},
		{"bad kind", model.Definition{Key: "m", FormulaVersion: 1, Kind: "gauge", Inputs: []model.InputRef{model.FactInput("x")}, Compute: passthrough}},
		{"nil compute", model.Definition{Key: "m", FormulaVersion: 1, Kind: model.MetricKPI, Inputs: []model.InputRef{model.FactInput("x")}}},
		{"no inputs", model.Definition{Key: "m", FormulaVersion: 1, Kind: model.MetricKPI, Compute: passthrough}},
		{"empty input key", model.Definition{Key: "m", FormulaVersion: 1, Kind: model.MetricKPI, Inputs: []model.InputRef{model.FactInput("")}, Compute: passthrough}},
		{"bad input kind", model.Definition{Key: "m", FormulaVersion: 1, Kind: model.MetricKPI, Inputs: []model.InputRef{{Kind: "column", Key: "x"}}, Compute: passthrough}},
		{"unknown metric input", model.Definition{Key: "m", FormulaVersion: 1, Kind: model.MetricRatio, Inputs: []model.InputRef{model.MetricInput("nope"), model.MetricInput("nope2")}, Compute: ratioCompute(false)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New()
			err := r.Register(tt.def)
			require.Error(t, err)
			var re *model.RegistrationError
			assert.ErrorAs(t, err, &re)
			assert.Zero(t, r.Size())
		})
	}
}

func TestRegisterAndGet(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(kpiDef("net_profit", "net_profit")))
	require.NoError(t, r.Register(kpiDef("total_assets", "total_assets")))
	require.NoError(t, r.Register(ratioDef("roa", "net_profit", "total_assets")))

	def, ok := r.Get("roa")
	require.True(t, ok)
	assert.Equal(t, model.MetricRatio, def.Kind)
	assert.Equal(t, 1, def.FormulaVersion)

	_, ok = r.Get("roe")
	assert.False(t, ok)

	defs := r.Definitions()
	require.Len(t, defs, 3)
	assert.Equal(t, "net_profit", defs[0].Key)
	assert.Equal(t, "total_assets", defs[1].Key)
	assert.Equal(t, "roa", defs[2].Key)
	assert.Equal(t, 3, r.Size())
}

func TestRegisterIdempotentAndConflicting(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(kpiDef("net_profit", "net_profit")))

	// Same key, same version, same shape: no-op.
	require.NoError(t, r.Register(kpiDef("net_profit", "net_profit")))
	assert.Equal(t, 1, r.Size())

	// Same version, different shape: rejected.
	conflicting := kpiDef("net_profit", "profit_after_tax")
	err := r.Register(conflicting)
	require.Error(t, err)
	var re *model.RegistrationError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "net_profit", re.Key)

	// The original definition survives.
	def, _ := r.Get("net_profit")
	assert.Equal(t, "net_profit", def.Inputs[0].Key)
}

func TestRegisterNewVersionReplaces(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(kpiDef("net_profit", "net_profit")))

	v2 := kpiDef("net_profit", "profit_after_tax")
	v2.FormulaVersion = 2
	require.NoError(t, r.Register(v2))

	def, ok := r.Get("net_profit")
	require.True(t, ok)
	assert.Equal(t, 2, def.FormulaVersion)
	assert.Equal(t, "profit_after_tax", def.Inputs[0].Key)
	assert.Equal(t, 1, r.Size())
}

func TestRegisterRejectsCycles(t *testing.T) {
	r := New()

	// Direct self-reference.
	self := model.Definition{
		Key: "a", FormulaVersion: 1, Kind: model.MetricRatio,
		Inputs:  []model.InputRef{model.MetricInput("a"), model.MetricInput("a")},
		Compute: ratioCompute(false), AllowPartial: true,
	}
	err := r.Register(self)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")

	// a -> fact, b -> a, then redefining a v2 to depend on b closes a loop.
	require.NoError(t, r.Register(kpiDef("a", "a")))
	require.NoError(t, r.Register(ratioDef("b", "a", "a")))

	av2 := ratioDef("a", "b", "b")
	av2.FormulaVersion = 2
	err = r.Register(av2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")

	// The v1 definition is untouched.
	def, _ := r.Get("a")
	assert.Equal(t, 1, def.FormulaVersion)
}

func TestDriversAndBridgeSettings(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(kpiDef("total_income", "total_income")))
	require.NoError(t, r.Register(kpiDef("net_profit", "net_profit")))

	err := r.SetDrivers([]model.DriverSpec{{Key: "income_change", Label: "Income change", Metric: "missing_metric"}})
	require.Error(t, err)

	err = r.SetDrivers([]model.DriverSpec{
		{Key: "income_change", Label: "Income change", Metric: "total_income"},
		{Key: "income_change", Label: "Again", Metric: "total_income"},
	})
	require.Error(t, err)

	require.NoError(t, r.SetDrivers([]model.DriverSpec{{Key: "income_change", Label: "Income change", Metric: "total_income"}}))
	drivers := r.Drivers()
	require.Len(t, drivers, 1)
	assert.Equal(t, "income_change", drivers[0].Key)

	require.Error(t, r.SetBridgeTarget("missing"))
	require.NoError(t, r.SetBridgeTarget("net_profit"))
	assert.Equal(t, "net_profit", r.BridgeTarget())

	assert.Equal(t, DefaultEpsilon, r.Epsilon())
	require.Error(t, r.SetEpsilon(0))
	require.NoError(t, r.SetEpsilon(0.01))
	assert.Equal(t, 0.01, r.Epsilon())
}

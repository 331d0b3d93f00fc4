package derive

import (
	"context"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentumfirm/finhub/internal/facts"
	"github.com/momentumfirm/finhub/internal/model"
	"github.com/momentumfirm/finhub/internal/registry"
)

func newTestEngine(t *testing.T) (*Engine, *facts.Store, *registry.Registry) {
	t.Helper()
	reg, err := registry.Build(registry.BuiltinCatalog())
	require.NoError(t, err)
	st := facts.NewStore()
	return NewEngine(reg, st), st, reg
}

func ingestMarch(t *testing.T, st *facts.Store) string {
	t.Helper()
	id, err := st.Ingest("BankX", "2025-03", "actual", []model.Fact{
		{LineItem: "total_assets", Value: model.Float(1_000_000), Statement: model.StatementBalanceSheet, Sheet: "BS", RowIndex: 12, Column: "C"},
		{LineItem: "total_equity", Value: model.Float(200_000), Statement: model.StatementBalanceSheet, Sheet: "BS", RowIndex: 30, Column: "C"},
		{LineItem: "net_profit", Value: model.Float(50_000), Statement: model.StatementProfitLoss, Sheet: "PL", RowIndex: 40, Column: "D"},
		{LineItem: "total_income", Value: model.Float(120_000), Statement: model.StatementProfitLoss, Sheet: "PL", RowIndex: 5, Column: "D"},
	})
	require.NoError(t, err)
	return id
}

func TestEvaluatePassthrough(t *testing.T) {
	e, st, _ := newTestEngine(t)
	snapID := ingestMarch(t, st)

	m, err := e.Evaluate(context.Background(), "total_assets", "BankX", "2025-03", "actual")
	require.NoError(t, err)
	require.NotNil(t, m.Value)
	assert.Equal(t, 1_000_000.0, *m.Value)
	assert.Equal(t, snapID, m.SnapshotID)
	assert.False(t, m.MissingInputs)

	require.NotNil(t, m.Lineage)
	assert.Equal(t, model.LineagePrimary, m.Lineage.Kind)
	assert.Equal(t, "total_assets", m.Lineage.Key)
	require.NotNil(t, m.Lineage.Source)
	assert.Equal(t, 12, m.Lineage.Source.RowIndex)
	assert.Equal(t, "C", m.Lineage.Source.Column)
	assert.Equal(t, "C12", m.Lineage.Source.Cell)
	assert.Equal(t, "BS", m.Lineage.Source.Sheet)
}

func TestEvaluateRatio(t *testing.T) {
	e, st, _ := newTestEngine(t)
	ingestMarch(t, st)

	m, err := e.Evaluate(context.Background(), "roa", "BankX", "2025-03", "actual")
	require.NoError(t, err)
	require.NotNil(t, m.Value)
	assert.InDelta(t, 0.05, *m.Value, 1e-12)

	require.Equal(t, model.LineageComposite, m.Lineage.Kind)
	require.Len(t, m.Lineage.Inputs, 2)
	assert.Equal(t, model.LineagePrimary, m.Lineage.Inputs[0].Kind)
	assert.Equal(t, "net_profit", m.Lineage.Inputs[0].Key)
	assert.Equal(t, model.LineagePrimary, m.Lineage.Inputs[1].Kind)
	assert.Equal(t, "total_assets", m.Lineage.Inputs[1].Key)
}

func TestEvaluateMissingInput(t *testing.T) {
	e, st, _ := newTestEngine(t)
	ingestMarch(t, st) // no operating_expenses in the batch

	m, err := e.Evaluate(context.Background(), "cost_to_income", "BankX", "2025-03", "actual")
	require.NoError(t, err)
	assert.Nil(t, m.Value)
	assert.True(t, m.MissingInputs)

	require.Equal(t, model.LineageComposite, m.Lineage.Kind)
	require.Len(t, m.Lineage.Inputs, 2)
	// The numerator metric exists but its own source cell is absent.
	assert.Equal(t, model.LineageMissing, m.Lineage.Inputs[0].Kind)
	assert.Equal(t, "operating_expenses", m.Lineage.Inputs[0].Key)
	assert.Equal(t, model.LineagePrimary, m.Lineage.Inputs[1].Kind)

	// Sibling metrics still compute.
	roa, err := e.Evaluate(context.Background(), "roa", "BankX", "2025-03", "actual")
	require.NoError(t, err)
	require.NotNil(t, roa.Value)
}

func TestEvaluateNullValueFact(t *testing.T) {
	e, st, _ := newTestEngine(t)
	_, err := st.Ingest("BankX", "2025-03", "actual", []model.Fact{
		{LineItem: "net_profit", Value: nil, Sheet: "PL", RowIndex: 40, Column: "D"},
	})
	require.NoError(t, err)

	m, err := e.Evaluate(context.Background(), "net_profit", "BankX", "2025-03", "actual")
	require.NoError(t, err)
	assert.Nil(t, m.Value)
	assert.True(t, m.MissingInputs)
	// The cell exists, so lineage still points at it.
	require.Equal(t, model.LineagePrimary, m.Lineage.Kind)
	assert.Equal(t, "D40", m.Lineage.Source.Cell)
}

func TestEvaluateNoSnapshot(t *testing.T) {
	e, _, _ := newTestEngine(t)

	m, err := e.Evaluate(context.Background(), "net_profit", "BankX", "2099-01", "actual")
	require.NoError(t, err)
	assert.Nil(t, m.Value)
	assert.True(t, m.MissingInputs)
	assert.Equal(t, model.LineageMissing, m.Lineage.Kind)
	assert.Empty(t, m.SnapshotID)
}

func TestEvaluateValidation(t *testing.T) {
	e, st, _ := newTestEngine(t)
	ingestMarch(t, st)

	_, err := e.Evaluate(context.Background(), "ebitda_margin", "BankX", "2025-03", "actual")
	require.Error(t, err)
	assert.True(t, model.IsValidation(err))

	_, err = e.Evaluate(context.Background(), "roa", "", "2025-03", "actual")
	require.Error(t, err)
	_, err = e.Evaluate(context.Background(), "", "BankX", "2025-03", "actual")
	require.Error(t, err)
}

func TestCacheHitReturnsIdenticalPointer(t *testing.T) {
	e, st, _ := newTestEngine(t)
	ingestMarch(t, st)

	a, err := e.Evaluate(context.Background(), "roa", "BankX", "2025-03", "actual")
	require.NoError(t, err)
	b, err := e.Evaluate(context.Background(), "roa", "BankX", "2025-03", "actual")
	require.NoError(t, err)
	assert.Same(t, a, b)

	hits, misses, entries := e.CacheStats()
	assert.GreaterOrEqual(t, hits, uint64(1))
	// roa plus its two inputs.
	assert.Equal(t, uint64(3), misses)
	assert.Equal(t, 3, entries)
}

func TestReingestInvalidatesCache(t *testing.T) {
	e, st, _ := newTestEngine(t)
	ingestMarch(t, st)

	before, err := e.Evaluate(context.Background(), "roa", "BankX", "2025-03", "actual")
	require.NoError(t, err)
	assert.InDelta(t, 0.05, *before.Value, 1e-12)

	_, err = st.Ingest("BankX", "2025-03", "actual", []model.Fact{
		{LineItem: "total_assets", Value: model.Float(2_000_000), Sheet: "BS", RowIndex: 12, Column: "C"},
		{LineItem: "net_profit", Value: model.Float(50_000), Sheet: "PL", RowIndex: 40, Column: "D"},
	})
	require.NoError(t, err)

	after, err := e.Evaluate(context.Background(), "roa", "BankX", "2025-03", "actual")
	require.NoError(t, err)
	require.NotNil(t, after.Value)
	assert.InDelta(t, 0.025, *after.Value, 1e-12)
	assert.NotSame(t, before, after)
	assert.NotEqual(t, before.SnapshotID, after.SnapshotID)

	// Other periods are untouched by the invalidation.
	_, err = st.Ingest("BankX", "2025-02", "actual", []model.Fact{
		{LineItem: "net_profit", Value: model.Float(10)},
		{LineItem: "total_assets", Value: model.Float(100)},
	})
	require.NoError(t, err)
	feb1, err := e.Evaluate(context.Background(), "roa", "BankX", "2025-02", "actual")
	require.NoError(t, err)
	feb2, err := e.Evaluate(context.Background(), "roa", "BankX", "2025-02", "actual")
	require.NoError(t, err)
	assert.Same(t, feb1, feb2)
}

func TestFormulaPanicDegradesToNull(t *testing.T) {
	e, st, reg := newTestEngine(t)
	ingestMarch(t, st)

	require.NoError(t, reg.Register(model.Definition{
		Key: "explosive", FormulaVersion: 1, Kind: model.MetricRatio, Label: "Explosive",
		Inputs:       []model.InputRef{model.MetricInput("net_profit"), model.MetricInput("total_assets")},
		AllowPartial: true,
		Compute:      func([]*float64) *float64 { panic("boom") },
	}))

	m, err := e.Evaluate(context.Background(), "explosive", "BankX", "2025-03", "actual")
	require.NoError(t, err)
	assert.Nil(t, m.Value)

	// Siblings are unaffected.
	roa, err := e.Evaluate(context.Background(), "roa", "BankX", "2025-03", "actual")
	require.NoError(t, err)
	require.NotNil(t, roa.Value)
}

func TestNonFiniteResultsCoerceToNull(t *testing.T) {
	e, st, reg := newTestEngine(t)
	ingestMarch(t, st)

	require.NoError(t, reg.Register(model.Definition{
		Key: "nan_metric", FormulaVersion: 1, Kind: model.MetricRatio, Label: "NaN",
		Inputs:       []model.InputRef{model.MetricInput("net_profit"), model.MetricInput("total_assets")},
		AllowPartial: true,
		Compute:      func([]*float64) *float64 { return model.Float(math.NaN()) },
	}))
	require.NoError(t, reg.Register(model.Definition{
		Key: "inf_metric", FormulaVersion: 1, Kind: model.MetricRatio, Label: "Inf",
		Inputs:       []model.InputRef{model.MetricInput("net_profit"), model.MetricInput("total_assets")},
		AllowPartial: true,
		Compute:      func([]*float64) *float64 { return model.Float(math.Inf(1)) },
	}))

	for _, key := range []string{"nan_metric", "inf_metric"} {
		m, err := e.Evaluate(context.Background(), key, "BankX", "2025-03", "actual")
		require.NoError(t, err)
		assert.Nil(t, m.Value, key)
	}
}

func TestConcurrentEvaluationsCoalesce(t *testing.T) {
	e, st, _ := newTestEngine(t)
	ingestMarch(t, st)

	const n = 16
	results := make([]*model.ComputedMetric, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m, err := e.Evaluate(context.Background(), "roe", "BankX", "2025-03", "actual")
			assert.NoError(t, err)
			results[i] = m
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		assert.Same(t, results[0], results[i])
	}
}

func TestEvaluateCancelledContext(t *testing.T) {
	e, st, _ := newTestEngine(t)
	ingestMarch(t, st)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.Evaluate(ctx, "roa", "BankX", "2025-03", "actual")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

package export

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/momentumfirm/finhub/internal/model"
)

func TestRenderer_BoardPackWithoutBridge(t *testing.T) {
	r := NewRenderer("EUR")
	def := &model.Definition{Key: "net_profit", Kind: model.MetricKPI, Label: "Net profit"}

	data := &boardData{
		snapshot: model.Snapshot{Entity: "BankX", Period: "2025-03", Scenario: "actual"},
		kpis: []metricRow{
			{def: def, value: model.Float(620_000), lineage: model.MissingLineage("net_profit")},
		},
	}

	bs, err := r.BoardPack(data)
	require.NoError(t, err)

	f, err := xlsx.OpenBinary(bs)
	require.NoError(t, err)
	require.Len(t, f.Sheets, 4)

	// Without a prior period the bridge sheet degrades to a note.
	bridgeSheet := f.Sheets[2]
	require.Len(t, bridgeSheet.Rows, 1)
	assert.Equal(t, "No prior period available", bridgeSheet.Rows[0].Cells[0].String())
}

func TestRenderer_MissingValuesRenderAsNA(t *testing.T) {
	r := NewRenderer("EUR")
	kpi := &model.Definition{Key: "net_profit", Kind: model.MetricKPI, Label: "Net profit"}
	ratio := &model.Definition{Key: "roa", Kind: model.MetricRatio, Label: "Return on assets"}

	data := &boardData{
		snapshot: model.Snapshot{Entity: "BankX", Period: "2025-03", Scenario: "actual"},
		kpis:     []metricRow{{def: kpi, missing: true, lineage: model.MissingLineage("net_profit")}},
		ratios:   []metricRow{{def: ratio, missing: true, lineage: model.MissingLineage("roa")}},
	}

	bs, err := r.BoardPack(data)
	require.NoError(t, err)
	f, err := xlsx.OpenBinary(bs)
	require.NoError(t, err)

	summary := f.Sheets[0]
	assert.Equal(t, "n/a", summary.Rows[3].Cells[1].String())
	ratios := f.Sheets[1]
	assert.Equal(t, "n/a", ratios.Rows[1].Cells[1].String())
}

func TestRenderer_FactPackBlankValue(t *testing.T) {
	r := NewRenderer("EUR")
	snap := model.Snapshot{ID: "snap-1", Entity: "BankX", Period: "2025-03", Scenario: "actual"}
	facts := []model.Fact{
		{LineItem: "net_profit", Value: model.Float(620_000), Sheet: "PL", RowIndex: 40, Column: "D"},
		{LineItem: "one_off_items", Value: nil, Sheet: "PL", RowIndex: 41, Column: "D"},
	}

	bs, err := r.FactPack(snap, facts)
	require.NoError(t, err)
	f, err := xlsx.OpenBinary(bs)
	require.NoError(t, err)

	sheet := f.Sheets[0]
	require.Len(t, sheet.Rows, 3)
	assert.Equal(t, "620000", sheet.Rows[1].Cells[1].String())
	assert.Equal(t, "", sheet.Rows[2].Cells[1].String())
	assert.Equal(t, "41", sheet.Rows[2].Cells[4].String())
}

func TestRenderer_CurrencyFormatting(t *testing.T) {
	r := NewRenderer("USD")
	def := &model.Definition{Key: "net_profit", Kind: model.MetricKPI, Label: "Net profit"}

	data := &boardData{
		snapshot: model.Snapshot{Entity: "BankX", Period: "2025-03", Scenario: "actual"},
		kpis:     []metricRow{{def: def, value: model.Float(1_234_567.89), lineage: model.MissingLineage("net_profit")}},
	}

	bs, err := r.BoardPack(data)
	require.NoError(t, err)
	f, err := xlsx.OpenBinary(bs)
	require.NoError(t, err)

	cell := f.Sheets[0].Rows[3].Cells[1].String()
	assert.Contains(t, cell, "1,234,567.89")
	assert.Contains(t, cell, "$")
}

package model

import (
	"fmt"
	"time"
)

// DefaultScenario is the data variant assumed when a caller does not
// name one.
const DefaultScenario = "actual"

// Statement identifies which financial statement a fact was lifted from.
type Statement string

const (
	StatementBalanceSheet Statement = "BS"
	StatementProfitLoss   Statement = "PL"
)

// Fact is one normalized line item from an ingested pack. Facts are
// immutable once published; a re-ingest for the same
// (entity, period, scenario) supersedes the whole batch atomically,
// never individual fields.
type Fact struct {
	Entity    string    `json:"entity"`
	Period    string    `json:"period"`
	Scenario  string    `json:"scenario"`
	Statement Statement `json:"statement,omitempty"`
	LineItem  string    `json:"line_item"`
	Value     *float64  `json:"value"` // nil when the source cell was blank
	Sheet     string    `json:"sheet,omitempty"`
	RowIndex  int       `json:"row_index,omitempty"`
	Column    string    `json:"column,omitempty"`
	UploadID  string    `json:"upload_id,omitempty"`
}

// Ref returns the provenance reference for the fact's source cell.
func (f *Fact) Ref() FactRef {
	r := FactRef{
		LineItem: f.LineItem,
		Period:   f.Period,
		Sheet:    f.Sheet,
		RowIndex: f.RowIndex,
		Column:   f.Column,
		Value:    f.Value,
	}
	if f.Column != "" && f.RowIndex > 0 {
		r.Cell = fmt.Sprintf("%s%d", f.Column, f.RowIndex)
	}
	return r
}

// FactRef points at the source cell a fact was lifted from.
type FactRef struct {
	LineItem string   `json:"line_item"`
	Period   string   `json:"period"`
	Sheet    string   `json:"sheet,omitempty"`
	RowIndex int      `json:"row_index,omitempty"`
	Column   string   `json:"column,omitempty"`
	Cell     string   `json:"cell,omitempty"`
	Value    *float64 `json:"value"`
}

// Snapshot names one atomic publish of a fact batch.
type Snapshot struct {
	ID        string    `json:"id"`
	Entity    string    `json:"entity"`
	Period    string    `json:"period"`
	Scenario  string    `json:"scenario"`
	UploadID  string    `json:"upload_id,omitempty"`
	FactCount int       `json:"fact_count"`
	CreatedAt time.Time `json:"created_at"`
}

// Float returns a pointer to v, for building optional fact values.
func Float(v float64) *float64 { return &v }

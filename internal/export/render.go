package export

import (
	"bytes"
	"fmt"
	"math"
	"strings"

	"github.com/Rhymond/go-money"
	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/momentumfirm/finhub/internal/derive"
	"github.com/momentumfirm/finhub/internal/model"
)

// Renderer turns gathered report data into XLSX workbooks. Money cells
// carry the configured currency; plain numbers use English thousands
// separators.
type Renderer struct {
	currency string
	printer  *message.Printer
}

// NewRenderer builds a renderer for the given ISO currency code.
func NewRenderer(currency string) *Renderer {
	if currency == "" {
		currency = money.EUR
	}
	return &Renderer{
		currency: currency,
		printer:  message.NewPrinter(language.English),
	}
}

// metricRow is one evaluated metric prepared for rendering.
type metricRow struct {
	def     *model.Definition
	value   *float64
	delta   *float64
	missing bool
	lineage *model.Lineage
}

// boardData is everything a board pack needs, gathered by the worker
// before rendering starts.
type boardData struct {
	snapshot   model.Snapshot
	prevPeriod string
	kpis       []metricRow
	ratios     []metricRow
	bridge     *model.Bridge
}

// BoardPack renders the four-sheet board workbook: Summary, Ratios,
// Variance Bridge and Evidence.
func (r *Renderer) BoardPack(data *boardData) ([]byte, error) {
	f := xlsx.NewFile()

	if err := r.summarySheet(f, data); err != nil {
		return nil, err
	}
	if err := r.ratiosSheet(f, data); err != nil {
		return nil, err
	}
	if err := r.bridgeSheet(f, data); err != nil {
		return nil, err
	}
	if err := r.evidenceSheet(f, data); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, eris.Wrap(err, "export: write board pack")
	}
	return buf.Bytes(), nil
}

// FactPack renders the raw fact table for one snapshot. Values stay
// numeric so the sheet round-trips through the tabular ingest reader.
func (r *Renderer) FactPack(snap model.Snapshot, facts []model.Fact) ([]byte, error) {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("Facts")
	if err != nil {
		return nil, eris.Wrap(err, "export: add facts sheet")
	}

	header := sheet.AddRow()
	for _, h := range []string{"line_item", "value", "statement", "sheet", "row", "column", "upload_id"} {
		header.AddCell().SetString(h)
	}

	for _, fact := range facts {
		row := sheet.AddRow()
		row.AddCell().SetString(fact.LineItem)
		if fact.Value != nil {
			row.AddCell().SetFloat(*fact.Value)
		} else {
			row.AddCell().SetString("")
		}
		row.AddCell().SetString(string(fact.Statement))
		row.AddCell().SetString(fact.Sheet)
		if fact.RowIndex > 0 {
			row.AddCell().SetInt(fact.RowIndex)
		} else {
			row.AddCell().SetString("")
		}
		row.AddCell().SetString(fact.Column)
		row.AddCell().SetString(fact.UploadID)
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, eris.Wrap(err, "export: write fact pack")
	}
	return buf.Bytes(), nil
}

func (r *Renderer) summarySheet(f *xlsx.File, data *boardData) error {
	sheet, err := f.AddSheet("Summary")
	if err != nil {
		return eris.Wrap(err, "export: add summary sheet")
	}

	title := sheet.AddRow()
	title.AddCell().SetString(fmt.Sprintf("%s %s (%s)", data.snapshot.Entity, data.snapshot.Period, data.snapshot.Scenario))
	sheet.AddRow()

	header := sheet.AddRow()
	header.AddCell().SetString("Metric")
	header.AddCell().SetString("Value")
	change := "Change"
	if data.prevPeriod != "" {
		change = fmt.Sprintf("Change vs %s", data.prevPeriod)
	}
	header.AddCell().SetString(change)

	for _, m := range data.kpis {
		row := sheet.AddRow()
		row.AddCell().SetString(m.def.Label)
		r.moneyCell(row.AddCell(), m.value)
		if m.delta != nil {
			r.moneyCell(row.AddCell(), m.delta)
		} else {
			row.AddCell().SetString("")
		}
	}
	return nil
}

func (r *Renderer) ratiosSheet(f *xlsx.File, data *boardData) error {
	sheet, err := f.AddSheet("Ratios")
	if err != nil {
		return eris.Wrap(err, "export: add ratios sheet")
	}

	header := sheet.AddRow()
	header.AddCell().SetString("Ratio")
	header.AddCell().SetString("Value")

	for _, m := range data.ratios {
		row := sheet.AddRow()
		row.AddCell().SetString(m.def.Label)
		if m.value != nil {
			row.AddCell().SetFloat(*m.value)
		} else {
			row.AddCell().SetString("n/a")
		}
	}
	return nil
}

func (r *Renderer) bridgeSheet(f *xlsx.File, data *boardData) error {
	sheet, err := f.AddSheet("Variance Bridge")
	if err != nil {
		return eris.Wrap(err, "export: add bridge sheet")
	}

	b := data.bridge
	if b == nil {
		sheet.AddRow().AddCell().SetString("No prior period available")
		return nil
	}

	header := sheet.AddRow()
	header.AddCell().SetString("Step")
	header.AddCell().SetString("Amount")
	header.AddCell().SetString("Running Total")

	start := sheet.AddRow()
	start.AddCell().SetString(fmt.Sprintf("%s %s", b.Target, b.PeriodFrom))
	r.moneyCell(start.AddCell(), b.Start)
	r.moneyCell(start.AddCell(), b.Start)

	for _, item := range b.Items {
		row := sheet.AddRow()
		row.AddCell().SetString(item.Label)
		r.moneyCell(row.AddCell(), item.Delta)
		if item.RunningTotal != nil {
			r.moneyCell(row.AddCell(), item.RunningTotal)
		} else {
			row.AddCell().SetString("")
		}
	}

	end := sheet.AddRow()
	end.AddCell().SetString(fmt.Sprintf("%s %s", b.Target, b.PeriodTo))
	r.moneyCell(end.AddCell(), b.End)
	end.AddCell().SetString("")

	sheet.AddRow()
	status := sheet.AddRow()
	status.AddCell().SetString("Reconciled")
	if b.Reconciled {
		status.AddCell().SetString("yes")
	} else {
		status.AddCell().SetString("no")
	}
	return nil
}

func (r *Renderer) evidenceSheet(f *xlsx.File, data *boardData) error {
	sheet, err := f.AddSheet("Evidence")
	if err != nil {
		return eris.Wrap(err, "export: add evidence sheet")
	}

	header := sheet.AddRow()
	for _, h := range []string{"Metric", "Line Item", "Sheet", "Cell", "Value"} {
		header.AddCell().SetString(h)
	}

	rows := make([]metricRow, 0, len(data.kpis)+len(data.ratios))
	rows = append(rows, data.kpis...)
	rows = append(rows, data.ratios...)
	for _, m := range rows {
		for _, ref := range derive.PrimaryRefs(m.lineage) {
			row := sheet.AddRow()
			row.AddCell().SetString(m.def.Label)
			row.AddCell().SetString(ref.LineItem)
			row.AddCell().SetString(ref.Sheet)
			row.AddCell().SetString(ref.Cell)
			if ref.Value != nil {
				row.AddCell().SetString(r.printer.Sprintf("%.2f", *ref.Value))
			} else {
				row.AddCell().SetString("missing")
			}
		}
	}
	return nil
}

// moneyCell writes v as a formatted amount in the report currency, or
// "n/a" when the value is absent.
func (r *Renderer) moneyCell(c *xlsx.Cell, v *float64) {
	if v == nil {
		c.SetString("n/a")
		return
	}
	c.SetString(money.New(int64(math.Round(*v*100)), r.currency).Display())
}

// artifactName builds the download filename for a finished job.
func artifactName(kind model.ExportKind, entity, period string) string {
	base := "board-pack"
	if kind == model.ExportFactPack {
		base = "fact-pack"
	}
	return fmt.Sprintf("%s-%s-%s.xlsx", base, slug(entity), period)
}

// slug reduces an entity name to a filename-safe token.
func slug(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_' || r == ' ':
			b.WriteByte('-')
		}
	}
	return strings.Trim(b.String(), "-")
}

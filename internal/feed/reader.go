package feed

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/momentumfirm/finhub/internal/model"
)

// Tabular batches must carry these header columns; the rest of the
// recognized set is optional and unknown columns are ignored.
var (
	requiredColumns = []string{"line_item", "value"}
	knownColumns    = []string{"line_item", "value", "statement", "sheet", "row", "column"}
)

// columnMap holds the header position of each recognized column, -1
// when the column is absent.
type columnMap map[string]int

func mapHeader(header []string) (columnMap, error) {
	cm := make(columnMap, len(knownColumns))
	for _, name := range knownColumns {
		cm[name] = -1
	}
	for i, h := range header {
		name := strings.ToLower(strings.TrimSpace(h))
		if _, known := cm[name]; known {
			cm[name] = i
		}
	}
	for _, name := range requiredColumns {
		if cm[name] < 0 {
			return nil, model.Validationf("batch header is missing required column %q", name)
		}
	}
	return cm, nil
}

func (cm columnMap) get(name string, rec []string) string {
	idx := cm[name]
	if idx < 0 || idx >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[idx])
}

// factFromRow maps one data row. rowNum is 1-based including the
// header, for error messages.
func factFromRow(cm columnMap, rec []string, rowNum int) (model.Fact, error) {
	f := model.Fact{
		LineItem:  cm.get("line_item", rec),
		Statement: model.Statement(cm.get("statement", rec)),
		Sheet:     cm.get("sheet", rec),
		Column:    cm.get("column", rec),
	}
	if f.LineItem == "" {
		return f, model.Validationf("row %d: line_item is empty", rowNum)
	}

	if raw := cm.get("value", rec); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return f, model.Validationf("row %d: value %q is not a number", rowNum, raw)
		}
		f.Value = &v
	}

	if raw := cm.get("row", rec); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return f, model.Validationf("row %d: row %q is not an integer", rowNum, raw)
		}
		f.RowIndex = n
	}
	return f, nil
}

func factsFromRows(rows [][]string) ([]model.Fact, error) {
	if len(rows) == 0 {
		return nil, model.Validationf("batch is empty")
	}
	cm, err := mapHeader(rows[0])
	if err != nil {
		return nil, err
	}

	out := make([]model.Fact, 0, len(rows)-1)
	for i, rec := range rows[1:] {
		if blankRow(rec) {
			continue
		}
		f, err := factFromRow(cm, rec, i+2)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

func blankRow(rec []string) bool {
	for _, c := range rec {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// ReadCSV parses a tabular fact batch with a header row.
func ReadCSV(r io.Reader) ([]model.Fact, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, eris.Wrap(err, "feed: read csv")
	}
	return factsFromRows(rows)
}

// ReadXLSXBytes parses the first sheet of a workbook as a tabular fact
// batch.
func ReadXLSXBytes(bs []byte) ([]model.Fact, error) {
	f, err := xlsx.OpenBinary(bs)
	if err != nil {
		return nil, eris.Wrap(err, "feed: open xlsx")
	}
	return factsFromSheet(f)
}

func factsFromSheet(f *xlsx.File) ([]model.Fact, error) {
	if len(f.Sheets) == 0 {
		return nil, model.Validationf("workbook has no sheets")
	}
	sheet := f.Sheets[0]

	rows := make([][]string, 0, len(sheet.Rows))
	for _, row := range sheet.Rows {
		cells := make([]string, len(row.Cells))
		for j, cell := range row.Cells {
			cells[j] = cell.String()
		}
		rows = append(rows, cells)
	}
	return factsFromRows(rows)
}

// ReadJSON parses an array of fact objects in the API wire shape.
func ReadJSON(r io.Reader) ([]model.Fact, error) {
	var out []model.Fact
	if err := json.NewDecoder(r).Decode(&out); err != nil {
		return nil, model.Validationf("invalid fact json: %v", err)
	}
	if len(out) == 0 {
		return nil, model.Validationf("batch is empty")
	}
	for i := range out {
		out[i].LineItem = strings.TrimSpace(out[i].LineItem)
		if out[i].LineItem == "" {
			return nil, model.Validationf("fact %d: line_item is empty", i)
		}
	}
	return out, nil
}

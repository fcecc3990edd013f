package fetcher

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
)

// XLSXOptions selects the sheet ReadXLSX reads. The first sheet is used
// when Sheet is empty.
type XLSXOptions struct {
	Sheet string
}

// ReadXLSX returns the non-blank rows of one sheet with trimmed cell text.
func ReadXLSX(path string, opts XLSXOptions) ([][]string, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "xlsx: open file")
	}

	var sheet *xlsx.Sheet
	switch {
	case opts.Sheet != "":
		s, ok := f.Sheet[opts.Sheet]
		if !ok {
			return nil, eris.Errorf("xlsx: sheet %q not found", opts.Sheet)
		}
		sheet = s
	case len(f.Sheets) == 0:
		return nil, eris.New("xlsx: workbook has no sheets")
	default:
		sheet = f.Sheets[0]
	}

	var rows [][]string
	for _, row := range sheet.Rows {
		if cells, ok := rowCells(row); ok {
			rows = append(rows, cells)
		}
	}
	return rows, nil
}

// XLSXText renders every sheet as tab-separated lines under a "## name"
// heading, for feeding workbook attachments to the analysis stages.
func XLSXText(path string) (string, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return "", eris.Wrap(err, "xlsx: open file")
	}

	var b strings.Builder
	for _, sheet := range f.Sheets {
		b.WriteString("## " + sheet.Name + "\n")
		for _, row := range sheet.Rows {
			cells, ok := rowCells(row)
			if !ok {
				continue
			}
			b.WriteString(strings.TrimRight(strings.Join(cells, "\t"), "\t"))
			b.WriteByte('\n')
		}
	}
	return b.String(), nil
}

// rowCells reports false when every cell is blank.
func rowCells(row *xlsx.Row) ([]string, bool) {
	if row == nil {
		return nil, false
	}
	cells := make([]string, len(row.Cells))
	blank := true
	for i, cell := range row.Cells {
		cells[i] = strings.TrimSpace(cell.String())
		if cells[i] != "" {
			blank = false
		}
	}
	return cells, !blank
}

package fetcher

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"
)

type sheetData struct {
	name string
	rows [][]string
}

func writeWorkbook(t *testing.T, sheets ...sheetData) string {
	t.Helper()
	f := xlsx.NewFile()
	for _, sd := range sheets {
		sheet, err := f.AddSheet(sd.name)
		require.NoError(t, err)
		for _, cells := range sd.rows {
			row := sheet.AddRow()
			for _, v := range cells {
				row.AddCell().SetString(v)
			}
		}
	}
	path := filepath.Join(t.TempDir(), "book.xlsx")
	require.NoError(t, f.Save(path))
	return path
}

func TestReadXLSX_FirstSheetSkipsBlankRows(t *testing.T) {
	path := writeWorkbook(t,
		sheetData{"Opportunities", [][]string{
			{"Notice ID", "Title"},
			{" N1 ", "Conference lodging"},
			{"", ""},
			{"N2", "Shuttle service"},
		}},
		sheetData{"Notes", [][]string{{"ignored"}}},
	)

	rows, err := ReadXLSX(path, XLSXOptions{})
	require.NoError(t, err)
	assert.Equal(t, [][]string{
		{"Notice ID", "Title"},
		{"N1", "Conference lodging"},
		{"N2", "Shuttle service"},
	}, rows)
}

func TestReadXLSX_NamedSheet(t *testing.T) {
	path := writeWorkbook(t,
		sheetData{"Cover", [][]string{{"x"}}},
		sheetData{"Attachments", [][]string{{"ID", "URL"}, {"a1", "https://sam.gov/a1.pdf"}}},
	)

	rows, err := ReadXLSX(path, XLSXOptions{Sheet: "Attachments"})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "https://sam.gov/a1.pdf", rows[1][1])

	_, err = ReadXLSX(path, XLSXOptions{Sheet: "Missing"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestXLSXText_AllSheets(t *testing.T) {
	path := writeWorkbook(t,
		sheetData{"Rooms", [][]string{
			{"Night", "Rooms", ""},
			{"2026-03-01", "40", ""},
			{"", "", ""},
		}},
		sheetData{"Meeting Space", [][]string{{"Ballroom", "200"}}},
	)

	text, err := XLSXText(path)
	require.NoError(t, err)
	assert.Equal(t, "## Rooms\nNight\tRooms\n2026-03-01\t40\n## Meeting Space\nBallroom\t200\n", text)
}

func TestXLSX_InvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.xlsx")
	require.NoError(t, os.WriteFile(path, []byte("nope"), 0o644))

	_, err := XLSXText(path)
	require.Error(t, err)
	_, err = ReadXLSX(path, XLSXOptions{})
	require.Error(t, err)
}

//go:build !integration

package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/bid-intel/internal/model"
	"github.com/sells-group/bid-intel/internal/store"
)

func newCmdStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "bids.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func TestImportCmd_Metadata(t *testing.T) {
	assert.Equal(t, "import", importCmd.Use)
	assert.NotEmpty(t, importCmd.Short)
	require.NotNil(t, importCmd.Flags().Lookup("file"))
	require.NotNil(t, importCmd.Flags().Lookup("kind"))
}

func TestReadTable_CSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "opps.csv")
	require.NoError(t, os.WriteFile(path, []byte("\ufeffNotice ID,Title,Location,Start Date\nN1, Conference lodging ,\"Denver, CO\",2026-06-01\nN2,Training,Austin TX,06/10/2026\n"), 0o644))

	header, rows, err := readTable(context.Background(), path)
	require.NoError(t, err)
	assert.Len(t, header, 4)
	require.Len(t, rows, 2)
	assert.Equal(t, "Conference lodging", rows[0][1])

	opps, err := parseOpportunities(columnIndex(header), rows)
	require.NoError(t, err)
	require.Len(t, opps, 2)
	assert.Equal(t, "N1", opps[0].NoticeID)
	assert.Equal(t, "Denver, CO", opps[0].Location)
	require.NotNil(t, opps[1].StartDate)
	assert.Equal(t, time.Date(2026, 6, 10, 0, 0, 0, 0, time.UTC), *opps[1].StartDate)
	assert.Nil(t, opps[0].EndDate)
}

func TestReadTable_XLSX(t *testing.T) {
	path := filepath.Join(t.TempDir(), "atts.xlsx")
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("Sheet1")
	require.NoError(t, err)
	for _, r := range [][]string{
		{"id", "opportunity_id", "name", "source_url"},
		{"a1", "N1", "SOW.pdf", "https://example.gov/sow.pdf"},
		{"a2", "N1", "", "ftp://ftp.example.gov/block.xlsx"},
	} {
		row := sheet.AddRow()
		for _, v := range r {
			row.AddCell().SetString(v)
		}
	}
	require.NoError(t, f.Save(path))

	header, rows, err := readTable(context.Background(), path)
	require.NoError(t, err)
	atts, err := parseAttachments(columnIndex(header), rows)
	require.NoError(t, err)
	require.Len(t, atts, 2)
	assert.Equal(t, "a2", atts[1].Name, "name defaults to id")
}

func TestReadTable_Unsupported(t *testing.T) {
	_, _, err := readTable(context.Background(), "opps.json")
	assert.Error(t, err)
}

func TestParseOpportunities_Errors(t *testing.T) {
	_, err := parseOpportunities(columnIndex([]string{"title"}), nil)
	assert.ErrorIs(t, err, model.ErrValidation)

	_, err = parseOpportunities(columnIndex([]string{"notice_id", "title", "end_date"}), [][]string{{"N1", "x", "next week"}})
	assert.ErrorIs(t, err, model.ErrValidation)
	assert.Contains(t, err.Error(), "row 2")
}

func TestParseAttachments_MissingOpportunity(t *testing.T) {
	_, err := parseAttachments(columnIndex([]string{"id", "opportunity_id", "name", "source_url"}), [][]string{{"a1", "", "SOW.pdf", "https://x"}})
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestImportRows(t *testing.T) {
	st := newCmdStore(t)
	ctx := context.Background()

	n, err := importRows(ctx, st, "opportunities", []string{"notice_id", "title"}, [][]string{{"N1", "Lodging"}, {"", "skipped"}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = importRows(ctx, st, "attachments", []string{"id", "opportunity_id", "name", "source_url"}, [][]string{{"a1", "N1", "SOW.pdf", "https://example.gov/sow.pdf"}})
	require.NoError(t, err)

	atts, err := st.ListAttachments(ctx, "N1")
	require.NoError(t, err)
	require.Len(t, atts, 1)
	assert.True(t, atts[0].Pending())

	_, err = importRows(ctx, st, "vendors", nil, nil)
	assert.Error(t, err)
}

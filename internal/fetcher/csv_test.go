package fetcher

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drainCSV(t *testing.T, rowCh <-chan []string, errCh <-chan error) ([][]string, error) {
	t.Helper()
	var rows [][]string
	for row := range rowCh {
		rows = append(rows, row)
	}
	return rows, <-errCh
}

const noticeExport = "\ufeffNotice ID,Title,Location\n" +
	"N1, Conference lodging ,\"Denver, CO\"\n" +
	",,\n" +
	"N2,Training room block,Austin TX\n"

func TestStreamCSV_HeaderAndRows(t *testing.T) {
	var header []string
	rowCh, errCh := StreamCSV(context.Background(), strings.NewReader(noticeExport), CSVOptions{
		HasHeader: true,
		OnHeader:  func(h []string) { header = h },
	})
	rows, err := drainCSV(t, rowCh, errCh)
	require.NoError(t, err)

	assert.Equal(t, []string{"Notice ID", "Title", "Location"}, header)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"N1", "Conference lodging", "Denver, CO"}, rows[0])
	assert.Equal(t, "N2", rows[1][0])
}

func TestStreamCSV_NoHeaderKeepsFirstRow(t *testing.T) {
	rowCh, errCh := StreamCSV(context.Background(), strings.NewReader("N1,Lodging\nN2,Transport\n"), CSVOptions{})
	rows, err := drainCSV(t, rowCh, errCh)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"N1", "Lodging"}, {"N2", "Transport"}}, rows)
}

func TestStreamCSV_DelimiterAndComment(t *testing.T) {
	input := "# exported 2026-05-01\nN1|Lodging\nN2|AV support\n"
	rowCh, errCh := StreamCSV(context.Background(), strings.NewReader(input), CSVOptions{
		Delimiter: '|',
		Comment:   '#',
	})
	rows, err := drainCSV(t, rowCh, errCh)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"N1", "Lodging"}, {"N2", "AV support"}}, rows)
}

func TestStreamCSV_BareQuote(t *testing.T) {
	input := "N1,the \"Grand\" ballroom\n"

	rowCh, errCh := StreamCSV(context.Background(), strings.NewReader(input), CSVOptions{})
	_, err := drainCSV(t, rowCh, errCh)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read record 1")

	rowCh, errCh = StreamCSV(context.Background(), strings.NewReader(input), CSVOptions{LazyQuotes: true})
	rows, err := drainCSV(t, rowCh, errCh)
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestStreamCSV_Empty(t *testing.T) {
	called := false
	rowCh, errCh := StreamCSV(context.Background(), strings.NewReader(""), CSVOptions{
		HasHeader: true,
		OnHeader:  func([]string) { called = true },
	})
	rows, err := drainCSV(t, rowCh, errCh)
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.False(t, called)
}

func TestStreamCSV_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rowCh, errCh := StreamCSV(ctx, strings.NewReader("N1,Lodging\n"), CSVOptions{})
	rows, err := drainCSV(t, rowCh, errCh)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "context cancelled")
	assert.Empty(t, rows)
}

package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/bid-intel/internal/fetcher"
	"github.com/sells-group/bid-intel/internal/model"
	"github.com/sells-group/bid-intel/internal/store"
)

const importBatchSize = 500

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import opportunity or attachment metadata from CSV or XLSX",
	Long: `Seeds the opportunity and attachment tables. The first row is a header; columns are matched by name.
  opportunities: notice_id, title, agency, naics_code, location, posted_date, response_date, start_date, end_date
  attachments:   id, opportunity_id, name, source_url`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		path, _ := cmd.Flags().GetString("file")
		kind, _ := cmd.Flags().GetString("kind")

		header, rows, err := readTable(ctx, path)
		if err != nil {
			return err
		}

		st, err := openStoreForCLI(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		n, err := importRows(ctx, st, kind, header, rows)
		if err != nil {
			return err
		}
		zap.L().Info("import complete",
			zap.String("file", path),
			zap.String("kind", kind),
			zap.Int64("upserted", n),
		)
		return nil
	},
}

func init() {
	importCmd.Flags().String("file", "", "path to a .csv or .xlsx file (required)")
	importCmd.Flags().String("kind", "opportunities", "opportunities or attachments")
	_ = importCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(importCmd)
}

// readTable returns the header and data rows of a CSV or XLSX file.
func readTable(ctx context.Context, path string) ([]string, [][]string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx":
		rows, err := fetcher.ReadXLSX(path, fetcher.XLSXOptions{})
		if err != nil {
			return nil, nil, err
		}
		if len(rows) == 0 {
			return nil, nil, eris.Errorf("import: %s is empty", path)
		}
		return rows[0], rows[1:], nil
	case ".csv":
		f, err := os.Open(path)
		if err != nil {
			return nil, nil, eris.Wrap(err, "import: open csv")
		}
		defer f.Close() //nolint:errcheck

		var header []string
		rowCh, errCh := fetcher.StreamCSV(ctx, f, fetcher.CSVOptions{
			HasHeader: true,
			OnHeader:  func(h []string) { header = h },
		})
		var rows [][]string
		for row := range rowCh {
			rows = append(rows, row)
		}
		if err := <-errCh; err != nil {
			return nil, nil, err
		}
		if header == nil {
			return nil, nil, eris.Errorf("import: %s is empty", path)
		}
		return header, rows, nil
	default:
		return nil, nil, eris.Errorf("import: unsupported file type %q", filepath.Ext(path))
	}
}

func importRows(ctx context.Context, st store.Store, kind string, header []string, rows [][]string) (int64, error) {
	cols := columnIndex(header)
	var total int64
	switch kind {
	case "opportunities":
		opps, err := parseOpportunities(cols, rows)
		if err != nil {
			return 0, err
		}
		for start := 0; start < len(opps); start += importBatchSize {
			n, err := st.UpsertOpportunities(ctx, opps[start:min(start+importBatchSize, len(opps))])
			if err != nil {
				return total, eris.Wrap(err, "import: upsert opportunities")
			}
			total += n
		}
	case "attachments":
		atts, err := parseAttachments(cols, rows)
		if err != nil {
			return 0, err
		}
		for start := 0; start < len(atts); start += importBatchSize {
			n, err := st.UpsertAttachments(ctx, atts[start:min(start+importBatchSize, len(atts))])
			if err != nil {
				return total, eris.Wrap(err, "import: upsert attachments")
			}
			total += n
		}
	default:
		return 0, eris.Errorf("import: unknown kind %q", kind)
	}
	return total, nil
}

// columns maps normalized header names to positions.
type columns map[string]int

func columnIndex(header []string) columns {
	c := make(columns, len(header))
	for i, h := range header {
		key := strings.ToLower(strings.TrimSpace(h))
		key = strings.ReplaceAll(key, " ", "_")
		c[key] = i
	}
	return c
}

func (c columns) get(row []string, name string) string {
	i, ok := c[name]
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

func (c columns) require(names ...string) error {
	for _, n := range names {
		if _, ok := c[n]; !ok {
			return eris.Wrapf(model.ErrValidation, "import: missing column %q", n)
		}
	}
	return nil
}

func parseOpportunities(cols columns, rows [][]string) ([]model.Opportunity, error) {
	if err := cols.require("notice_id", "title"); err != nil {
		return nil, err
	}
	var out []model.Opportunity
	for i, row := range rows {
		id := cols.get(row, "notice_id")
		if id == "" {
			continue
		}
		opp := model.Opportunity{
			NoticeID:  id,
			Title:     cols.get(row, "title"),
			Agency:    cols.get(row, "agency"),
			NAICSCode: cols.get(row, "naics_code"),
			Location:  cols.get(row, "location"),
		}
		for name, dst := range map[string]**time.Time{
			"posted_date":   &opp.PostedDate,
			"response_date": &opp.ResponseDate,
			"start_date":    &opp.StartDate,
			"end_date":      &opp.EndDate,
		} {
			t, err := parseDate(cols.get(row, name))
			if err != nil {
				return nil, eris.Wrapf(err, "import: row %d %s", i+2, name)
			}
			*dst = t
		}
		out = append(out, opp)
	}
	return out, nil
}

func parseAttachments(cols columns, rows [][]string) ([]model.Attachment, error) {
	if err := cols.require("id", "opportunity_id", "name", "source_url"); err != nil {
		return nil, err
	}
	var out []model.Attachment
	for i, row := range rows {
		a := model.Attachment{
			ID:            cols.get(row, "id"),
			OpportunityID: cols.get(row, "opportunity_id"),
			Name:          cols.get(row, "name"),
			SourceURL:     cols.get(row, "source_url"),
		}
		if a.ID == "" && a.OpportunityID == "" {
			continue
		}
		if a.ID == "" || a.OpportunityID == "" {
			return nil, eris.Wrapf(model.ErrValidation, "import: row %d needs id and opportunity_id", i+2)
		}
		if a.Name == "" {
			a.Name = a.ID
		}
		out = append(out, a)
	}
	return out, nil
}

var dateLayouts = []string{time.RFC3339, time.DateOnly, "01/02/2006", "2006-01-02 15:04:05"}

// parseDate accepts the date formats seen in SAM.gov exports. Empty input
// is nil.
func parseDate(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, eris.Wrapf(model.ErrValidation, "unrecognized date %q", s)
}

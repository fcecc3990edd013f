package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// UpsertConfig describes a bulk merge into one table.
type UpsertConfig struct {
	Table        string   // target table, optionally schema-qualified
	Columns      []string // columns present in every row, in row order
	ConflictKeys []string // unique key columns; must be a subset of Columns
	// UpdateCols are overwritten on conflict. nil means every non-key column;
	// an empty slice leaves existing rows untouched.
	UpdateCols []string
}

// BulkUpsert COPYs rows into a transaction-scoped temp table and merges them
// into the target with INSERT ... ON CONFLICT. Rows repeating a conflict key
// collapse to the last occurrence, since Postgres refuses to update the same
// row twice in one statement. It returns the number of rows merged.
func BulkUpsert(ctx context.Context, pool Pool, cfg UpsertConfig, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	plan, err := planUpsert(cfg)
	if err != nil {
		return 0, err
	}
	rows, err = lastByKey(rows, plan.keyIdx, len(cfg.Columns))
	if err != nil {
		return 0, err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "db: upsert: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, plan.createSQL); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: create staging table for %s", cfg.Table)
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{plan.staging}, cfg.Columns, pgx.CopyFromRows(rows)); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: copy into staging for %s", cfg.Table)
	}
	tag, err := tx.Exec(ctx, plan.mergeSQL)
	if err != nil {
		return 0, eris.Wrapf(err, "db: upsert: merge into %s", cfg.Table)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "db: upsert: commit tx")
	}
	return tag.RowsAffected(), nil
}

type upsertPlan struct {
	staging   string
	createSQL string
	mergeSQL  string
	keyIdx    []int
}

func planUpsert(cfg UpsertConfig) (*upsertPlan, error) {
	if len(cfg.Columns) == 0 {
		return nil, eris.New("db: upsert: no columns specified")
	}
	if len(cfg.ConflictKeys) == 0 {
		return nil, eris.New("db: upsert: no conflict keys specified")
	}

	pos := make(map[string]int, len(cfg.Columns))
	for i, c := range cfg.Columns {
		pos[c] = i
	}
	isKey := make(map[string]bool, len(cfg.ConflictKeys))
	keyIdx := make([]int, 0, len(cfg.ConflictKeys))
	for _, k := range cfg.ConflictKeys {
		i, ok := pos[k]
		if !ok {
			return nil, eris.Errorf("db: upsert: conflict key %q is not a column", k)
		}
		isKey[k] = true
		keyIdx = append(keyIdx, i)
	}

	update := cfg.UpdateCols
	if update == nil {
		for _, c := range cfg.Columns {
			if !isKey[c] {
				update = append(update, c)
			}
		}
	}

	action := "DO NOTHING"
	if len(update) > 0 {
		sets := make([]string, len(update))
		for i, c := range update {
			id := pgx.Identifier{c}.Sanitize()
			sets[i] = id + " = EXCLUDED." + id
		}
		action = "DO UPDATE SET " + strings.Join(sets, ", ")
	}

	staging := "_stage_" + strings.ReplaceAll(cfg.Table, ".", "_")
	target := sanitizeTable(cfg.Table)
	cols := quoteAndJoin(cfg.Columns)
	return &upsertPlan{
		staging:   staging,
		createSQL: fmt.Sprintf("CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP", pgx.Identifier{staging}.Sanitize(), target),
		mergeSQL: fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT (%s) %s",
			target, cols, cols, pgx.Identifier{staging}.Sanitize(), quoteAndJoin(cfg.ConflictKeys), action),
		keyIdx: keyIdx,
	}, nil
}

// lastByKey drops earlier rows whose key repeats later, keeping first-seen
// order for the survivors.
func lastByKey(rows [][]any, keyIdx []int, width int) ([][]any, error) {
	last := make(map[string]int, len(rows))
	keys := make([]string, len(rows))
	for i, r := range rows {
		if len(r) != width {
			return nil, eris.Errorf("db: upsert: row %d has %d values, want %d", i, len(r), width)
		}
		parts := make([]string, len(keyIdx))
		for j, k := range keyIdx {
			parts[j] = fmt.Sprint(r[k])
		}
		keys[i] = strings.Join(parts, "\x00")
		last[keys[i]] = i
	}
	if len(last) == len(rows) {
		return rows, nil
	}

	out := make([][]any, 0, len(last))
	seen := make(map[string]bool, len(last))
	for i := range rows {
		k := keys[i]
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, rows[last[k]])
	}
	return out, nil
}

// sanitizeTable quotes a table name, splitting an optional schema prefix.
func sanitizeTable(table string) string {
	if schema, name, ok := strings.Cut(table, "."); ok {
		return pgx.Identifier{schema, name}.Sanitize()
	}
	return pgx.Identifier{table}.Sanitize()
}

func quoteAndJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}

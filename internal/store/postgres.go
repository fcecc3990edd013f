package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/bid-intel/internal/db"
	"github.com/sells-group/bid-intel/internal/model"
)

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

const (
	sqlInsertRun = `INSERT INTO analysis_results (id, opportunity_id, analysis_type, status, options, warnings, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	sqlGetRun    = `SELECT ` + runColumns + ` FROM analysis_results WHERE id = $1`
	sqlRunStatus = `SELECT status FROM analysis_results WHERE id = $1`

	sqlUpdateRunResult = `UPDATE analysis_results SET result_json = $1, updated_at = $2 WHERE id = $3 AND status = 'running'`

	sqlInsertMessage = `INSERT INTO agent_messages (analysis_result_id, agent_run_id, stage, level, message, created_at) VALUES ($1, $2, $3, $4, $5, $6) RETURNING seq`
	sqlInsertLLMCall = `INSERT INTO llm_calls (id, analysis_result_id, agent_run_id, stage, model, input_tokens, output_tokens, cache_write_tokens, cache_read_tokens, latency_ms, cost_usd, attempts, success, error_message, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`
	sqlGetLogs       = `SELECT seq, analysis_result_id, agent_run_id, stage, level, message, created_at FROM (SELECT * FROM agent_messages WHERE analysis_result_id = $1 ORDER BY seq DESC LIMIT $2) recent ORDER BY seq ASC`

	sqlGetPattern = `SELECT key_hash, pattern_desc, payload, signature, source_run_id, created_at, updated_at FROM decision_patterns WHERE key_hash = $1`
	sqlPutPattern = `INSERT INTO decision_patterns (key_hash, pattern_desc, payload, signature, source_run_id, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $6)
ON CONFLICT (key_hash) DO UPDATE SET pattern_desc = EXCLUDED.pattern_desc, payload = EXCLUDED.payload, signature = EXCLUDED.signature, source_run_id = EXCLUDED.source_run_id, updated_at = EXCLUDED.updated_at`

	sqlGetDownloadJob = `SELECT job_id, opportunity_id, status, total_count, downloaded_count, failed_count, error_message, created_at, started_at, finished_at FROM download_jobs WHERE job_id = $1`

	runColumns = `id, opportunity_id, analysis_type, status, options, result_json, pdf_path, json_path, confidence, failure_reason, failed_stage, error_message, warnings, created_at, started_at, completed_at`
)

// preparedStatements lists queries to prepare on each new connection for
// the hottest store paths: progressive results, logs and polling reads.
var preparedStatements = map[string]string{
	"insert_run":        sqlInsertRun,
	"get_run":           sqlGetRun,
	"update_run_result": sqlUpdateRunResult,
	"insert_message":    sqlInsertMessage,
	"insert_llm_call":   sqlInsertLLMCall,
	"get_logs":          sqlGetLogs,
	"get_pattern":       sqlGetPattern,
	"get_download_job":  sqlGetDownloadJob,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresFromPool wraps an existing pool. Close is a no-op.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS opportunities (
	notice_id     TEXT PRIMARY KEY,
	title         TEXT NOT NULL DEFAULT '',
	agency        TEXT NOT NULL DEFAULT '',
	naics_code    TEXT NOT NULL DEFAULT '',
	location      TEXT NOT NULL DEFAULT '',
	posted_date   TIMESTAMPTZ,
	response_date TIMESTAMPTZ,
	start_date    TIMESTAMPTZ,
	end_date      TIMESTAMPTZ,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS attachments (
	id             TEXT PRIMARY KEY,
	opportunity_id TEXT NOT NULL REFERENCES opportunities(notice_id),
	name           TEXT NOT NULL DEFAULT '',
	source_url     TEXT NOT NULL DEFAULT '',
	local_path     TEXT,
	downloaded     BOOLEAN NOT NULL DEFAULT false,
	size_bytes     BIGINT NOT NULL DEFAULT 0,
	attempts       INTEGER NOT NULL DEFAULT 0,
	download_error TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_attachments_opportunity ON attachments(opportunity_id);

CREATE TABLE IF NOT EXISTS download_jobs (
	job_id           TEXT PRIMARY KEY,
	opportunity_id   TEXT NOT NULL,
	status           TEXT NOT NULL DEFAULT 'queued',
	total_count      INTEGER NOT NULL DEFAULT 0,
	downloaded_count INTEGER NOT NULL DEFAULT 0,
	failed_count     INTEGER NOT NULL DEFAULT 0,
	error_message    TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at       TIMESTAMPTZ,
	finished_at      TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_download_jobs_opportunity ON download_jobs(opportunity_id);

CREATE TABLE IF NOT EXISTS analysis_results (
	id             TEXT PRIMARY KEY,
	opportunity_id TEXT NOT NULL,
	analysis_type  TEXT NOT NULL,
	status         TEXT NOT NULL DEFAULT 'pending',
	options        JSONB NOT NULL DEFAULT '{}',
	result_json    JSONB,
	pdf_path       TEXT,
	json_path      TEXT,
	confidence     DOUBLE PRECISION,
	failure_reason TEXT NOT NULL DEFAULT '',
	failed_stage   TEXT NOT NULL DEFAULT '',
	error_message  TEXT NOT NULL DEFAULT '',
	warnings       JSONB NOT NULL DEFAULT '[]',
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at     TIMESTAMPTZ,
	completed_at   TIMESTAMPTZ,
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_analysis_results_active
	ON analysis_results(opportunity_id, analysis_type)
	WHERE status IN ('pending', 'running');
CREATE INDEX IF NOT EXISTS idx_analysis_results_opportunity ON analysis_results(opportunity_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_analysis_results_status ON analysis_results(status);

CREATE TABLE IF NOT EXISTS agent_runs (
	id                 TEXT PRIMARY KEY,
	analysis_result_id TEXT NOT NULL REFERENCES analysis_results(id),
	run_type           TEXT NOT NULL,
	status             TEXT NOT NULL DEFAULT 'running',
	started_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	finished_at        TIMESTAMPTZ,
	error_message      TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_agent_runs_result ON agent_runs(analysis_result_id);

CREATE TABLE IF NOT EXISTS agent_messages (
	seq                BIGSERIAL PRIMARY KEY,
	analysis_result_id TEXT NOT NULL REFERENCES analysis_results(id),
	agent_run_id       TEXT NOT NULL DEFAULT '',
	stage              TEXT NOT NULL DEFAULT '',
	level              TEXT NOT NULL DEFAULT 'info',
	message            TEXT NOT NULL,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_agent_messages_result_seq ON agent_messages(analysis_result_id, seq DESC);

CREATE TABLE IF NOT EXISTS llm_calls (
	id                 TEXT PRIMARY KEY,
	analysis_result_id TEXT NOT NULL REFERENCES analysis_results(id),
	agent_run_id       TEXT NOT NULL DEFAULT '',
	stage              TEXT NOT NULL DEFAULT '',
	model              TEXT NOT NULL DEFAULT '',
	input_tokens       BIGINT NOT NULL DEFAULT 0,
	output_tokens      BIGINT NOT NULL DEFAULT 0,
	cache_write_tokens BIGINT NOT NULL DEFAULT 0,
	cache_read_tokens  BIGINT NOT NULL DEFAULT 0,
	latency_ms         BIGINT NOT NULL DEFAULT 0,
	cost_usd           DOUBLE PRECISION NOT NULL DEFAULT 0,
	attempts           INTEGER NOT NULL DEFAULT 0,
	success            BOOLEAN NOT NULL DEFAULT false,
	error_message      TEXT NOT NULL DEFAULT '',
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_llm_calls_result ON llm_calls(analysis_result_id);

CREATE TABLE IF NOT EXISTS decision_patterns (
	key_hash      TEXT PRIMARY KEY,
	pattern_desc  TEXT NOT NULL DEFAULT '',
	payload       JSONB NOT NULL,
	signature     JSONB,
	source_run_id TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func isPgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// --- Opportunities ---

func (s *PostgresStore) GetOpportunity(ctx context.Context, noticeID string) (*model.Opportunity, error) {
	var o model.Opportunity
	err := s.pool.QueryRow(ctx,
		`SELECT notice_id, title, agency, naics_code, location, posted_date, response_date, start_date, end_date, created_at FROM opportunities WHERE notice_id = $1`,
		noticeID,
	).Scan(&o.NoticeID, &o.Title, &o.Agency, &o.NAICSCode, &o.Location, &o.PostedDate, &o.ResponseDate, &o.StartDate, &o.EndDate, &o.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrNotFound, "opportunity %s", noticeID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get opportunity %s", noticeID)
	}
	return &o, nil
}

func (s *PostgresStore) UpsertOpportunities(ctx context.Context, opps []model.Opportunity) (int64, error) {
	now := time.Now().UTC()
	rows := make([][]any, 0, len(opps))
	for _, o := range opps {
		created := o.CreatedAt
		if created.IsZero() {
			created = now
		}
		rows = append(rows, []any{o.NoticeID, o.Title, o.Agency, o.NAICSCode, o.Location, o.PostedDate, o.ResponseDate, o.StartDate, o.EndDate, created})
	}
	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "opportunities",
		Columns:      []string{"notice_id", "title", "agency", "naics_code", "location", "posted_date", "response_date", "start_date", "end_date", "created_at"},
		ConflictKeys: []string{"notice_id"},
		UpdateCols:   []string{"title", "agency", "naics_code", "location", "posted_date", "response_date", "start_date", "end_date"},
	}, rows)
	return n, eris.Wrap(err, "postgres: upsert opportunities")
}

// --- Attachments ---

func (s *PostgresStore) ListAttachments(ctx context.Context, opportunityID string) ([]model.Attachment, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, opportunity_id, name, source_url, local_path, downloaded, size_bytes, attempts, download_error, created_at, updated_at FROM attachments WHERE opportunity_id = $1 ORDER BY name, id`,
		opportunityID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list attachments %s", opportunityID)
	}
	defer rows.Close()

	var out []model.Attachment
	for rows.Next() {
		var a model.Attachment
		if err := rows.Scan(&a.ID, &a.OpportunityID, &a.Name, &a.SourceURL, &a.LocalPath, &a.Downloaded, &a.SizeBytes, &a.Attempts, &a.DownloadError, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan attachment")
		}
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate attachments")
}

// UpsertAttachments imports attachment metadata. Fetch state of existing
// rows is never overwritten.
func (s *PostgresStore) UpsertAttachments(ctx context.Context, atts []model.Attachment) (int64, error) {
	now := time.Now().UTC()
	rows := make([][]any, 0, len(atts))
	for _, a := range atts {
		rows = append(rows, []any{a.ID, a.OpportunityID, a.Name, a.SourceURL, a.LocalPath, a.LocalPath != nil, a.SizeBytes, now, now})
	}
	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "attachments",
		Columns:      []string{"id", "opportunity_id", "name", "source_url", "local_path", "downloaded", "size_bytes", "created_at", "updated_at"},
		ConflictKeys: []string{"id"},
		UpdateCols:   []string{"name", "source_url", "updated_at"},
	}, rows)
	return n, eris.Wrap(err, "postgres: upsert attachments")
}

func (s *PostgresStore) MarkAttachmentDownloaded(ctx context.Context, id, localPath string, size int64, attempts int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE attachments SET local_path = $1, downloaded = true, size_bytes = $2, attempts = attempts + $3, download_error = '', updated_at = $4 WHERE id = $5`,
		localPath, size, attempts, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark attachment downloaded %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(model.ErrNotFound, "attachment %s", id)
	}
	return nil
}

func (s *PostgresStore) MarkAttachmentFailed(ctx context.Context, id, msg string, attempts int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE attachments SET attempts = attempts + $1, download_error = $2, updated_at = $3 WHERE id = $4`,
		attempts, msg, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark attachment failed %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(model.ErrNotFound, "attachment %s", id)
	}
	return nil
}

// --- Download jobs ---

func (s *PostgresStore) CreateDownloadJob(ctx context.Context, job *model.DownloadJob) error {
	if job.JobID == "" {
		job.JobID = uuid.New().String()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO download_jobs (job_id, opportunity_id, status, total_count, downloaded_count, failed_count, error_message, created_at, started_at, finished_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		job.JobID, job.OpportunityID, string(job.Status), job.TotalCount, job.DownloadedCount, job.FailedCount, job.ErrorMessage, job.CreatedAt, job.StartedAt, job.FinishedAt,
	)
	return eris.Wrap(err, "postgres: insert download job")
}

func (s *PostgresStore) UpdateDownloadJob(ctx context.Context, jobID string, upd DownloadJobUpdate) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE download_jobs SET status = $1, total_count = $2, downloaded_count = $3, failed_count = $4, error_message = $5, started_at = COALESCE($6, started_at), finished_at = COALESCE($7, finished_at) WHERE job_id = $8`,
		string(upd.Status), upd.TotalCount, upd.DownloadedCount, upd.FailedCount, upd.ErrorMessage, upd.StartedAt, upd.FinishedAt, jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update download job %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(model.ErrNotFound, "download job %s", jobID)
	}
	return nil
}

func (s *PostgresStore) GetDownloadJob(ctx context.Context, jobID string) (*model.DownloadJob, error) {
	var j model.DownloadJob
	var status string
	err := s.pool.QueryRow(ctx, sqlGetDownloadJob, jobID).
		Scan(&j.JobID, &j.OpportunityID, &status, &j.TotalCount, &j.DownloadedCount, &j.FailedCount, &j.ErrorMessage, &j.CreatedAt, &j.StartedAt, &j.FinishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrNotFound, "download job %s", jobID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get download job %s", jobID)
	}
	j.Status = model.DownloadStatus(status)
	return &j, nil
}

// --- Runs ---

// CreateRun inserts a pending run. The partial unique index on
// (opportunity_id, analysis_type) over non-terminal rows makes the
// at-most-one check atomic; a violation surfaces as model.ErrConflict.
func (s *PostgresStore) CreateRun(ctx context.Context, opportunityID string, typ model.AnalysisType, opts model.RunOptions) (*model.AnalysisResult, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	optsJSON, err := json.Marshal(opts)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal options")
	}

	_, err = s.pool.Exec(ctx, sqlInsertRun,
		id, opportunityID, string(typ), string(model.RunStatusPending), optsJSON, []byte("[]"), now, now,
	)
	if err != nil {
		if isPgUniqueViolation(err) {
			return nil, eris.Wrapf(model.ErrConflict, "active %s run exists for opportunity %s", typ, opportunityID)
		}
		return nil, eris.Wrap(err, "postgres: insert run")
	}

	return &model.AnalysisResult{
		ID:            id,
		OpportunityID: opportunityID,
		AnalysisType:  typ,
		Status:        model.RunStatusPending,
		Options:       opts,
		CreatedAt:     now,
	}, nil
}

// transitionError explains why a guarded run update matched no row.
func (s *PostgresStore) transitionError(ctx context.Context, id, op string) error {
	var status string
	err := s.pool.QueryRow(ctx, sqlRunStatus, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return eris.Wrapf(model.ErrNotFound, "run %s", id)
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: %s %s", op, id)
	}
	return eris.Wrapf(model.ErrConflict, "%s: run %s is %s", op, id, status)
}

func (s *PostgresStore) MarkRunRunning(ctx context.Context, id string) error {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE analysis_results SET status = 'running', started_at = $1, updated_at = $1 WHERE id = $2 AND status = 'pending'`,
		now, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark run running %s", id)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionError(ctx, id, "mark running")
	}
	return nil
}

func (s *PostgresStore) UpdateRunResult(ctx context.Context, id string, result *model.ResultJSON) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal result")
	}
	tag, err := s.pool.Exec(ctx, sqlUpdateRunResult, resultJSON, time.Now().UTC(), id)
	if err != nil {
		return eris.Wrapf(err, "postgres: update run result %s", id)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionError(ctx, id, "update result")
	}
	return nil
}

func (s *PostgresStore) CompleteRun(ctx context.Context, id string, result *model.ResultJSON, confidence *float64, warnings []string) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal result")
	}
	warningsJSON, err := marshalWarnings(warnings)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal warnings")
	}
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE analysis_results SET status = 'completed', result_json = $1, confidence = $2, warnings = $3, completed_at = $4, updated_at = $4 WHERE id = $5 AND status = 'running'`,
		resultJSON, confidence, warningsJSON, now, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete run %s", id)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionError(ctx, id, "complete")
	}
	return nil
}

func (s *PostgresStore) FailRun(ctx context.Context, id string, reason model.FailureReason, msg string, failedStage model.StageName) error {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE analysis_results SET status = 'failed', failure_reason = $1, error_message = $2, failed_stage = $3, completed_at = $4, updated_at = $4 WHERE id = $5 AND status IN ('pending', 'running')`,
		string(reason), msg, string(failedStage), now, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: fail run %s", id)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionError(ctx, id, "fail")
	}
	return nil
}

func (s *PostgresStore) SetRunArtifacts(ctx context.Context, id string, pdfPath, jsonPath *string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE analysis_results SET pdf_path = COALESCE($1, pdf_path), json_path = COALESCE($2, json_path), updated_at = $3 WHERE id = $4`,
		pdfPath, jsonPath, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set run artifacts %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(model.ErrNotFound, "run %s", id)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, id string) (*model.AnalysisResult, error) {
	r, err := scanPgRun(s.pool.QueryRow(ctx, sqlGetRun, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrNotFound, "run %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", id)
	}
	return r, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.AnalysisResult, error) {
	query := `SELECT ` + runColumns + ` FROM analysis_results WHERE true`
	args := []any{}
	argIdx := 1

	if filter.OpportunityID != "" {
		query += fmt.Sprintf(` AND opportunity_id = $%d`, argIdx)
		args = append(args, filter.OpportunityID)
		argIdx++
	}
	if filter.AnalysisType != "" {
		query += fmt.Sprintf(` AND analysis_type = $%d`, argIdx)
		args = append(args, string(filter.AnalysisType))
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, clampRunLimit(filter.Limit))
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.AnalysisResult
	for rows.Next() {
		r, err := scanPgRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: iterate runs")
}

// FailStaleRuns marks non-terminal runs created before olderThan as failed
// with reason interrupted. It runs at startup, when no run can be active.
func (s *PostgresStore) FailStaleRuns(ctx context.Context, olderThan time.Time) (int, error) {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE analysis_results SET status = 'failed', failure_reason = $1, error_message = $2, completed_at = $3, updated_at = $3 WHERE status IN ('pending', 'running') AND created_at < $4`,
		string(model.FailureInterrupted), staleRunMessage, now, olderThan.UTC(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: fail stale runs")
	}
	return int(tag.RowsAffected()), nil
}

// --- Agent runs ---

func (s *PostgresStore) CreateAgentRun(ctx context.Context, resultID string, stage model.StageName) (*model.AgentRun, error) {
	ar := &model.AgentRun{
		ID:               uuid.New().String(),
		AnalysisResultID: resultID,
		RunType:          stage,
		Status:           model.AgentRunRunning,
		StartedAt:        time.Now().UTC(),
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO agent_runs (id, analysis_result_id, run_type, status, started_at) VALUES ($1, $2, $3, $4, $5)`,
		ar.ID, resultID, string(stage), string(ar.Status), ar.StartedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert agent run")
	}
	return ar, nil
}

func (s *PostgresStore) FinishAgentRun(ctx context.Context, id string, status model.AgentRunStatus, errMsg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE agent_runs SET status = $1, error_message = $2, finished_at = $3 WHERE id = $4`,
		string(status), errMsg, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish agent run %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(model.ErrNotFound, "agent run %s", id)
	}
	return nil
}

func (s *PostgresStore) ListAgentRuns(ctx context.Context, resultID string) ([]model.AgentRun, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, analysis_result_id, run_type, status, started_at, finished_at, error_message FROM agent_runs WHERE analysis_result_id = $1 ORDER BY started_at, id`,
		resultID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list agent runs")
	}
	defer rows.Close()

	var out []model.AgentRun
	for rows.Next() {
		var ar model.AgentRun
		var runType, status string
		if err := rows.Scan(&ar.ID, &ar.AnalysisResultID, &runType, &status, &ar.StartedAt, &ar.FinishedAt, &ar.ErrorMessage); err != nil {
			return nil, eris.Wrap(err, "postgres: scan agent run")
		}
		ar.RunType = model.StageName(runType)
		ar.Status = model.AgentRunStatus(status)
		out = append(out, ar)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate agent runs")
}

// --- Logs ---

func (s *PostgresStore) AppendMessage(ctx context.Context, msg *model.AgentMessage) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	err := s.pool.QueryRow(ctx, sqlInsertMessage,
		msg.AnalysisResultID, msg.AgentRunID, string(msg.Stage), string(msg.Level), msg.Message, msg.CreatedAt,
	).Scan(&msg.Seq)
	return eris.Wrap(err, "postgres: insert agent message")
}

func (s *PostgresStore) AppendLLMCall(ctx context.Context, c *model.LLMCall) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, sqlInsertLLMCall,
		c.ID, c.AnalysisResultID, c.AgentRunID, string(c.Stage), c.Model,
		c.InputTokens, c.OutputTokens, c.CacheWriteTokens, c.CacheReadTokens,
		c.LatencyMS, c.CostUSD, c.Attempts, c.Success, c.ErrorMessage, c.CreatedAt,
	)
	return eris.Wrap(err, "postgres: insert llm call")
}

// GetLogs returns the most recent limit messages of a run in write order.
func (s *PostgresStore) GetLogs(ctx context.Context, resultID string, limit int) ([]model.AgentMessage, error) {
	rows, err := s.pool.Query(ctx, sqlGetLogs, resultID, ClampLogLimit(limit))
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get logs")
	}
	defer rows.Close()

	var out []model.AgentMessage
	for rows.Next() {
		var m model.AgentMessage
		var stage, level string
		if err := rows.Scan(&m.Seq, &m.AnalysisResultID, &m.AgentRunID, &stage, &level, &m.Message, &m.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan agent message")
		}
		m.Stage = model.StageName(stage)
		m.Level = model.LogLevel(level)
		out = append(out, m)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate agent messages")
}

func (s *PostgresStore) ListLLMCalls(ctx context.Context, resultID string) ([]model.LLMCall, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, analysis_result_id, agent_run_id, stage, model, input_tokens, output_tokens, cache_write_tokens, cache_read_tokens, latency_ms, cost_usd, attempts, success, error_message, created_at FROM llm_calls WHERE analysis_result_id = $1 ORDER BY created_at, id`,
		resultID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list llm calls")
	}
	defer rows.Close()

	var out []model.LLMCall
	for rows.Next() {
		var c model.LLMCall
		var stage string
		if err := rows.Scan(&c.ID, &c.AnalysisResultID, &c.AgentRunID, &stage, &c.Model,
			&c.InputTokens, &c.OutputTokens, &c.CacheWriteTokens, &c.CacheReadTokens,
			&c.LatencyMS, &c.CostUSD, &c.Attempts, &c.Success, &c.ErrorMessage, &c.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan llm call")
		}
		c.Stage = model.StageName(stage)
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate llm calls")
}

// --- Decision patterns ---

// GetDecisionPattern returns (nil, nil) when no pattern is stored.
func (s *PostgresStore) GetDecisionPattern(ctx context.Context, keyHash string) (*model.DecisionPattern, error) {
	var p model.DecisionPattern
	var payload, signature []byte
	err := s.pool.QueryRow(ctx, sqlGetPattern, keyHash).
		Scan(&p.KeyHash, &p.PatternDesc, &payload, &signature, &p.SourceRunID, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get decision pattern %s", keyHash)
	}
	if err := json.Unmarshal(payload, &p.Payload); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal pattern payload")
	}
	if len(signature) > 0 {
		p.Signature = json.RawMessage(signature)
	}
	return &p, nil
}

// PutDecisionPattern upserts on key_hash; the last writer wins.
func (s *PostgresStore) PutDecisionPattern(ctx context.Context, p *model.DecisionPattern) error {
	payload, err := json.Marshal(p.Payload)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal pattern payload")
	}
	var signature []byte
	if len(p.Signature) > 0 {
		signature = p.Signature
	}
	now := time.Now().UTC()
	if _, err := s.pool.Exec(ctx, sqlPutPattern,
		p.KeyHash, p.PatternDesc, payload, signature, p.SourceRunID, now,
	); err != nil {
		return eris.Wrapf(err, "postgres: put decision pattern %s", p.KeyHash)
	}
	p.UpdatedAt = now
	return nil
}

func scanPgRun(row pgx.Row) (*model.AnalysisResult, error) {
	var r model.AnalysisResult
	var typ, status, reason, failedStage string
	var optsJSON, resultJSON, warningsJSON []byte

	if err := row.Scan(&r.ID, &r.OpportunityID, &typ, &status, &optsJSON, &resultJSON,
		&r.PDFPath, &r.JSONPath, &r.Confidence, &reason, &failedStage, &r.ErrorMessage,
		&warningsJSON, &r.CreatedAt, &r.StartedAt, &r.CompletedAt); err != nil {
		return nil, err
	}
	r.AnalysisType = model.AnalysisType(typ)
	r.Status = model.RunStatus(status)
	r.FailureReason = model.FailureReason(reason)
	r.FailedStage = model.StageName(failedStage)
	if err := decodeRunJSON(&r, optsJSON, resultJSON, warningsJSON); err != nil {
		return nil, err
	}
	return &r, nil
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/sells-group/bid-intel/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path. Pragmas are passed
// in the DSN so every pooled connection gets WAL mode and a busy timeout.
func NewSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, eris.Wrap(err, "sqlite: ping")
	}
	return &SQLiteStore{db: db}, nil
}

func sqliteDSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS opportunities (
	notice_id     TEXT PRIMARY KEY,
	title         TEXT NOT NULL DEFAULT '',
	agency        TEXT NOT NULL DEFAULT '',
	naics_code    TEXT NOT NULL DEFAULT '',
	location      TEXT NOT NULL DEFAULT '',
	posted_date   DATETIME,
	response_date DATETIME,
	start_date    DATETIME,
	end_date      DATETIME,
	created_at    DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS attachments (
	id             TEXT PRIMARY KEY,
	opportunity_id TEXT NOT NULL,
	name           TEXT NOT NULL DEFAULT '',
	source_url     TEXT NOT NULL DEFAULT '',
	local_path     TEXT,
	downloaded     BOOLEAN NOT NULL DEFAULT 0,
	size_bytes     INTEGER NOT NULL DEFAULT 0,
	attempts       INTEGER NOT NULL DEFAULT 0,
	download_error TEXT NOT NULL DEFAULT '',
	created_at     DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at     DATETIME NOT NULL DEFAULT (datetime('now'))
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
	created_at       DATETIME NOT NULL DEFAULT (datetime('now')),
	started_at       DATETIME,
	finished_at      DATETIME
);

CREATE TABLE IF NOT EXISTS analysis_results (
	id             TEXT PRIMARY KEY,
	opportunity_id TEXT NOT NULL,
	analysis_type  TEXT NOT NULL,
	status         TEXT NOT NULL DEFAULT 'pending',
	options        TEXT NOT NULL DEFAULT '{}',
	result_json    TEXT,
	pdf_path       TEXT,
	json_path      TEXT,
	confidence     REAL,
	failure_reason TEXT NOT NULL DEFAULT '',
	failed_stage   TEXT NOT NULL DEFAULT '',
	error_message  TEXT NOT NULL DEFAULT '',
	warnings       TEXT NOT NULL DEFAULT '[]',
	created_at     DATETIME NOT NULL DEFAULT (datetime('now')),
	started_at     DATETIME,
	completed_at   DATETIME,
	updated_at     DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_analysis_results_active
	ON analysis_results(opportunity_id, analysis_type)
	WHERE status IN ('pending', 'running');
CREATE INDEX IF NOT EXISTS idx_analysis_results_opportunity ON analysis_results(opportunity_id);
CREATE INDEX IF NOT EXISTS idx_analysis_results_status ON analysis_results(status);

CREATE TABLE IF NOT EXISTS agent_runs (
	id                 TEXT PRIMARY KEY,
	analysis_result_id TEXT NOT NULL,
	run_type           TEXT NOT NULL,
	status             TEXT NOT NULL DEFAULT 'running',
	started_at         DATETIME NOT NULL DEFAULT (datetime('now')),
	finished_at        DATETIME,
	error_message      TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_agent_runs_result ON agent_runs(analysis_result_id);

CREATE TABLE IF NOT EXISTS agent_messages (
	seq                INTEGER PRIMARY KEY AUTOINCREMENT,
	analysis_result_id TEXT NOT NULL,
	agent_run_id       TEXT NOT NULL DEFAULT '',
	stage              TEXT NOT NULL DEFAULT '',
	level              TEXT NOT NULL DEFAULT 'info',
	message            TEXT NOT NULL,
	created_at         DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_agent_messages_result_seq ON agent_messages(analysis_result_id, seq);

CREATE TABLE IF NOT EXISTS llm_calls (
	id                 TEXT PRIMARY KEY,
	analysis_result_id TEXT NOT NULL,
	agent_run_id       TEXT NOT NULL DEFAULT '',
	stage              TEXT NOT NULL DEFAULT '',
	model              TEXT NOT NULL DEFAULT '',
	input_tokens       INTEGER NOT NULL DEFAULT 0,
	output_tokens      INTEGER NOT NULL DEFAULT 0,
	cache_write_tokens INTEGER NOT NULL DEFAULT 0,
	cache_read_tokens  INTEGER NOT NULL DEFAULT 0,
	latency_ms         INTEGER NOT NULL DEFAULT 0,
	cost_usd           REAL NOT NULL DEFAULT 0,
	attempts           INTEGER NOT NULL DEFAULT 0,
	success            BOOLEAN NOT NULL DEFAULT 0,
	error_message      TEXT NOT NULL DEFAULT '',
	created_at         DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_llm_calls_result ON llm_calls(analysis_result_id);

CREATE TABLE IF NOT EXISTS decision_patterns (
	key_hash      TEXT PRIMARY KEY,
	pattern_desc  TEXT NOT NULL DEFAULT '',
	payload       TEXT NOT NULL,
	signature     TEXT,
	source_run_id TEXT NOT NULL DEFAULT '',
	created_at    DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at    DATETIME NOT NULL DEFAULT (datetime('now'))
);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func isSQLiteUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	if se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE {
		return true
	}
	return se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT && strings.Contains(se.Error(), "UNIQUE")
}

// --- Opportunities ---

func (s *SQLiteStore) GetOpportunity(ctx context.Context, noticeID string) (*model.Opportunity, error) {
	var o model.Opportunity
	var posted, response, start, end sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT notice_id, title, agency, naics_code, location, posted_date, response_date, start_date, end_date, created_at FROM opportunities WHERE notice_id = ?`,
		noticeID,
	).Scan(&o.NoticeID, &o.Title, &o.Agency, &o.NAICSCode, &o.Location, &posted, &response, &start, &end, &o.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrNotFound, "opportunity %s", noticeID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get opportunity %s", noticeID)
	}
	o.PostedDate = nullTimePtr(posted)
	o.ResponseDate = nullTimePtr(response)
	o.StartDate = nullTimePtr(start)
	o.EndDate = nullTimePtr(end)
	return &o, nil
}

func (s *SQLiteStore) UpsertOpportunities(ctx context.Context, opps []model.Opportunity) (int64, error) {
	if len(opps) == 0 {
		return 0, nil
	}
	now := time.Now().UTC()
	var n int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, o := range opps {
			created := o.CreatedAt
			if created.IsZero() {
				created = now
			}
			res, err := tx.ExecContext(ctx, `
INSERT INTO opportunities (notice_id, title, agency, naics_code, location, posted_date, response_date, start_date, end_date, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (notice_id) DO UPDATE SET title = excluded.title, agency = excluded.agency, naics_code = excluded.naics_code,
	location = excluded.location, posted_date = excluded.posted_date, response_date = excluded.response_date,
	start_date = excluded.start_date, end_date = excluded.end_date`,
				o.NoticeID, o.Title, o.Agency, o.NAICSCode, o.Location,
				timePtrArg(o.PostedDate), timePtrArg(o.ResponseDate), timePtrArg(o.StartDate), timePtrArg(o.EndDate), created,
			)
			if err != nil {
				return eris.Wrapf(err, "sqlite: upsert opportunity %s", o.NoticeID)
			}
			affected, _ := res.RowsAffected()
			n += affected
		}
		return nil
	})
	return n, err
}

// --- Attachments ---

func (s *SQLiteStore) ListAttachments(ctx context.Context, opportunityID string) ([]model.Attachment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, opportunity_id, name, source_url, local_path, downloaded, size_bytes, attempts, download_error, created_at, updated_at FROM attachments WHERE opportunity_id = ? ORDER BY name, id`,
		opportunityID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list attachments %s", opportunityID)
	}
	defer rows.Close()

	var out []model.Attachment
	for rows.Next() {
		var a model.Attachment
		var localPath sql.NullString
		if err := rows.Scan(&a.ID, &a.OpportunityID, &a.Name, &a.SourceURL, &localPath, &a.Downloaded, &a.SizeBytes, &a.Attempts, &a.DownloadError, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan attachment")
		}
		if localPath.Valid {
			a.LocalPath = &localPath.String
		}
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate attachments")
}

func (s *SQLiteStore) UpsertAttachments(ctx context.Context, atts []model.Attachment) (int64, error) {
	if len(atts) == 0 {
		return 0, nil
	}
	now := time.Now().UTC()
	var n int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, a := range atts {
			res, err := tx.ExecContext(ctx, `
INSERT INTO attachments (id, opportunity_id, name, source_url, local_path, downloaded, size_bytes, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET name = excluded.name, source_url = excluded.source_url, updated_at = excluded.updated_at`,
				a.ID, a.OpportunityID, a.Name, a.SourceURL, stringPtrArg(a.LocalPath), a.LocalPath != nil, a.SizeBytes, now, now,
			)
			if err != nil {
				return eris.Wrapf(err, "sqlite: upsert attachment %s", a.ID)
			}
			affected, _ := res.RowsAffected()
			n += affected
		}
		return nil
	})
	return n, err
}

func (s *SQLiteStore) MarkAttachmentDownloaded(ctx context.Context, id, localPath string, size int64, attempts int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE attachments SET local_path = ?, downloaded = 1, size_bytes = ?, attempts = attempts + ?, download_error = '', updated_at = ? WHERE id = ?`,
		localPath, size, attempts, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark attachment downloaded %s", id)
	}
	return checkRowsAffected(res, "attachment", id)
}

func (s *SQLiteStore) MarkAttachmentFailed(ctx context.Context, id, msg string, attempts int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE attachments SET attempts = attempts + ?, download_error = ?, updated_at = ? WHERE id = ?`,
		attempts, msg, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark attachment failed %s", id)
	}
	return checkRowsAffected(res, "attachment", id)
}

// --- Download jobs ---

func (s *SQLiteStore) CreateDownloadJob(ctx context.Context, job *model.DownloadJob) error {
	if job.JobID == "" {
		job.JobID = uuid.New().String()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO download_jobs (job_id, opportunity_id, status, total_count, downloaded_count, failed_count, error_message, created_at, started_at, finished_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.JobID, job.OpportunityID, string(job.Status), job.TotalCount, job.DownloadedCount, job.FailedCount, job.ErrorMessage, job.CreatedAt, timePtrArg(job.StartedAt), timePtrArg(job.FinishedAt),
	)
	return eris.Wrap(err, "sqlite: insert download job")
}

func (s *SQLiteStore) UpdateDownloadJob(ctx context.Context, jobID string, upd DownloadJobUpdate) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE download_jobs SET status = ?, total_count = ?, downloaded_count = ?, failed_count = ?, error_message = ?, started_at = COALESCE(?, started_at), finished_at = COALESCE(?, finished_at) WHERE job_id = ?`,
		string(upd.Status), upd.TotalCount, upd.DownloadedCount, upd.FailedCount, upd.ErrorMessage, timePtrArg(upd.StartedAt), timePtrArg(upd.FinishedAt), jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update download job %s", jobID)
	}
	return checkRowsAffected(res, "download job", jobID)
}

func (s *SQLiteStore) GetDownloadJob(ctx context.Context, jobID string) (*model.DownloadJob, error) {
	var j model.DownloadJob
	var started, finished sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT job_id, opportunity_id, status, total_count, downloaded_count, failed_count, error_message, created_at, started_at, finished_at FROM download_jobs WHERE job_id = ?`,
		jobID,
	).Scan(&j.JobID, &j.OpportunityID, &j.Status, &j.TotalCount, &j.DownloadedCount, &j.FailedCount, &j.ErrorMessage, &j.CreatedAt, &started, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrNotFound, "download job %s", jobID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get download job %s", jobID)
	}
	j.StartedAt = nullTimePtr(started)
	j.FinishedAt = nullTimePtr(finished)
	return &j, nil
}

// --- Runs ---

func (s *SQLiteStore) CreateRun(ctx context.Context, opportunityID string, typ model.AnalysisType, opts model.RunOptions) (*model.AnalysisResult, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	optsJSON, err := json.Marshal(opts)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal options")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO analysis_results (id, opportunity_id, analysis_type, status, options, warnings, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, opportunityID, string(typ), string(model.RunStatusPending), string(optsJSON), "[]", now, now,
	)
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return nil, eris.Wrapf(model.ErrConflict, "active %s run exists for opportunity %s", typ, opportunityID)
		}
		return nil, eris.Wrap(err, "sqlite: insert run")
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

func (s *SQLiteStore) transitionError(ctx context.Context, id, op string) error {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM analysis_results WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return eris.Wrapf(model.ErrNotFound, "run %s", id)
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: %s %s", op, id)
	}
	return eris.Wrapf(model.ErrConflict, "%s: run %s is %s", op, id, status)
}

func (s *SQLiteStore) guardedUpdate(ctx context.Context, id, op, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return eris.Wrapf(err, "sqlite: %s %s", op, id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return s.transitionError(ctx, id, op)
	}
	return nil
}

func (s *SQLiteStore) MarkRunRunning(ctx context.Context, id string) error {
	now := time.Now().UTC()
	return s.guardedUpdate(ctx, id, "mark running",
		`UPDATE analysis_results SET status = 'running', started_at = ?, updated_at = ? WHERE id = ? AND status = 'pending'`,
		now, now, id,
	)
}

func (s *SQLiteStore) UpdateRunResult(ctx context.Context, id string, result *model.ResultJSON) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal result")
	}
	return s.guardedUpdate(ctx, id, "update result",
		`UPDATE analysis_results SET result_json = ?, updated_at = ? WHERE id = ? AND status = 'running'`,
		string(resultJSON), time.Now().UTC(), id,
	)
}

func (s *SQLiteStore) CompleteRun(ctx context.Context, id string, result *model.ResultJSON, confidence *float64, warnings []string) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal result")
	}
	warningsJSON, err := marshalWarnings(warnings)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal warnings")
	}
	var conf any
	if confidence != nil {
		conf = *confidence
	}
	now := time.Now().UTC()
	return s.guardedUpdate(ctx, id, "complete",
		`UPDATE analysis_results SET status = 'completed', result_json = ?, confidence = ?, warnings = ?, completed_at = ?, updated_at = ? WHERE id = ? AND status = 'running'`,
		string(resultJSON), conf, string(warningsJSON), now, now, id,
	)
}

func (s *SQLiteStore) FailRun(ctx context.Context, id string, reason model.FailureReason, msg string, failedStage model.StageName) error {
	now := time.Now().UTC()
	return s.guardedUpdate(ctx, id, "fail",
		`UPDATE analysis_results SET status = 'failed', failure_reason = ?, error_message = ?, failed_stage = ?, completed_at = ?, updated_at = ? WHERE id = ? AND status IN ('pending', 'running')`,
		string(reason), msg, string(failedStage), now, now, id,
	)
}

func (s *SQLiteStore) SetRunArtifacts(ctx context.Context, id string, pdfPath, jsonPath *string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE analysis_results SET pdf_path = COALESCE(?, pdf_path), json_path = COALESCE(?, json_path), updated_at = ? WHERE id = ?`,
		stringPtrArg(pdfPath), stringPtrArg(jsonPath), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set run artifacts %s", id)
	}
	return checkRowsAffected(res, "run", id)
}

const sqliteRunColumns = `id, opportunity_id, analysis_type, status, options, result_json, pdf_path, json_path, confidence, failure_reason, failed_stage, error_message, warnings, created_at, started_at, completed_at`

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.AnalysisResult, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteRunColumns+` FROM analysis_results WHERE id = ?`, id)
	r, err := scanSQLiteRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrNotFound, "run %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get run %s", id)
	}
	return r, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.AnalysisResult, error) {
	query := `SELECT ` + sqliteRunColumns + ` FROM analysis_results WHERE 1=1`
	var args []any

	if filter.OpportunityID != "" {
		query += ` AND opportunity_id = ?`
		args = append(args, filter.OpportunityID)
	}
	if filter.AnalysisType != "" {
		query += ` AND analysis_type = ?`
		args = append(args, string(filter.AnalysisType))
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY rowid DESC LIMIT ?`
	args = append(args, clampRunLimit(filter.Limit))

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.AnalysisResult
	for rows.Next() {
		r, err := scanSQLiteRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

// FailStaleRuns filters by created_at in Go; SQLite stores timestamps as
// text and cannot compare them reliably across precisions.
func (s *SQLiteStore) FailStaleRuns(ctx context.Context, olderThan time.Time) (int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, created_at FROM analysis_results WHERE status IN ('pending', 'running')`,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: list active runs")
	}
	var stale []string
	for rows.Next() {
		var id string
		var created time.Time
		if err := rows.Scan(&id, &created); err != nil {
			rows.Close()
			return 0, eris.Wrap(err, "sqlite: scan active run")
		}
		if created.Before(olderThan) {
			stale = append(stale, id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, eris.Wrap(err, "sqlite: iterate active runs")
	}

	n := 0
	now := time.Now().UTC()
	for _, id := range stale {
		res, err := s.db.ExecContext(ctx,
			`UPDATE analysis_results SET status = 'failed', failure_reason = ?, error_message = ?, completed_at = ?, updated_at = ? WHERE id = ? AND status IN ('pending', 'running')`,
			string(model.FailureInterrupted), staleRunMessage, now, now, id,
		)
		if err != nil {
			return n, eris.Wrapf(err, "sqlite: fail stale run %s", id)
		}
		if affected, _ := res.RowsAffected(); affected > 0 {
			n++
		}
	}
	return n, nil
}

// --- Agent runs ---

func (s *SQLiteStore) CreateAgentRun(ctx context.Context, resultID string, stage model.StageName) (*model.AgentRun, error) {
	ar := &model.AgentRun{
		ID:               uuid.New().String(),
		AnalysisResultID: resultID,
		RunType:          stage,
		Status:           model.AgentRunRunning,
		StartedAt:        time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_runs (id, analysis_result_id, run_type, status, started_at) VALUES (?, ?, ?, ?, ?)`,
		ar.ID, resultID, string(stage), string(ar.Status), ar.StartedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert agent run")
	}
	return ar, nil
}

func (s *SQLiteStore) FinishAgentRun(ctx context.Context, id string, status model.AgentRunStatus, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agent_runs SET status = ?, error_message = ?, finished_at = ? WHERE id = ?`,
		string(status), errMsg, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish agent run %s", id)
	}
	return checkRowsAffected(res, "agent run", id)
}

func (s *SQLiteStore) ListAgentRuns(ctx context.Context, resultID string) ([]model.AgentRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, analysis_result_id, run_type, status, started_at, finished_at, error_message FROM agent_runs WHERE analysis_result_id = ? ORDER BY rowid`,
		resultID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list agent runs")
	}
	defer rows.Close()

	var out []model.AgentRun
	for rows.Next() {
		var ar model.AgentRun
		var finished sql.NullTime
		if err := rows.Scan(&ar.ID, &ar.AnalysisResultID, &ar.RunType, &ar.Status, &ar.StartedAt, &finished, &ar.ErrorMessage); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan agent run")
		}
		ar.FinishedAt = nullTimePtr(finished)
		out = append(out, ar)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate agent runs")
}

// --- Logs ---

func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *model.AgentMessage) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_messages (analysis_result_id, agent_run_id, stage, level, message, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		msg.AnalysisResultID, msg.AgentRunID, string(msg.Stage), string(msg.Level), msg.Message, msg.CreatedAt,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: insert agent message")
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return eris.Wrap(err, "sqlite: agent message seq")
	}
	msg.Seq = seq
	return nil
}

func (s *SQLiteStore) AppendLLMCall(ctx context.Context, c *model.LLMCall) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO llm_calls (id, analysis_result_id, agent_run_id, stage, model, input_tokens, output_tokens, cache_write_tokens, cache_read_tokens, latency_ms, cost_usd, attempts, success, error_message, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.AnalysisResultID, c.AgentRunID, string(c.Stage), c.Model,
		c.InputTokens, c.OutputTokens, c.CacheWriteTokens, c.CacheReadTokens,
		c.LatencyMS, c.CostUSD, c.Attempts, c.Success, c.ErrorMessage, c.CreatedAt,
	)
	return eris.Wrap(err, "sqlite: insert llm call")
}

func (s *SQLiteStore) GetLogs(ctx context.Context, resultID string, limit int) ([]model.AgentMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, analysis_result_id, agent_run_id, stage, level, message, created_at FROM (SELECT * FROM agent_messages WHERE analysis_result_id = ? ORDER BY seq DESC LIMIT ?) ORDER BY seq ASC`,
		resultID, ClampLogLimit(limit),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get logs")
	}
	defer rows.Close()

	var out []model.AgentMessage
	for rows.Next() {
		var m model.AgentMessage
		if err := rows.Scan(&m.Seq, &m.AnalysisResultID, &m.AgentRunID, &m.Stage, &m.Level, &m.Message, &m.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan agent message")
		}
		out = append(out, m)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate agent messages")
}

func (s *SQLiteStore) ListLLMCalls(ctx context.Context, resultID string) ([]model.LLMCall, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, analysis_result_id, agent_run_id, stage, model, input_tokens, output_tokens, cache_write_tokens, cache_read_tokens, latency_ms, cost_usd, attempts, success, error_message, created_at FROM llm_calls WHERE analysis_result_id = ? ORDER BY rowid`,
		resultID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list llm calls")
	}
	defer rows.Close()

	var out []model.LLMCall
	for rows.Next() {
		var c model.LLMCall
		if err := rows.Scan(&c.ID, &c.AnalysisResultID, &c.AgentRunID, &c.Stage, &c.Model,
			&c.InputTokens, &c.OutputTokens, &c.CacheWriteTokens, &c.CacheReadTokens,
			&c.LatencyMS, &c.CostUSD, &c.Attempts, &c.Success, &c.ErrorMessage, &c.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan llm call")
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate llm calls")
}

// --- Decision patterns ---

func (s *SQLiteStore) GetDecisionPattern(ctx context.Context, keyHash string) (*model.DecisionPattern, error) {
	var p model.DecisionPattern
	var payload string
	var signature sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT key_hash, pattern_desc, payload, signature, source_run_id, created_at, updated_at FROM decision_patterns WHERE key_hash = ?`,
		keyHash,
	).Scan(&p.KeyHash, &p.PatternDesc, &payload, &signature, &p.SourceRunID, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get decision pattern %s", keyHash)
	}
	if err := json.Unmarshal([]byte(payload), &p.Payload); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal pattern payload")
	}
	if signature.Valid && signature.String != "" {
		p.Signature = json.RawMessage(signature.String)
	}
	return &p, nil
}

func (s *SQLiteStore) PutDecisionPattern(ctx context.Context, p *model.DecisionPattern) error {
	payload, err := json.Marshal(p.Payload)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal pattern payload")
	}
	var signature any
	if len(p.Signature) > 0 {
		signature = string(p.Signature)
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
INSERT INTO decision_patterns (key_hash, pattern_desc, payload, signature, source_run_id, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (key_hash) DO UPDATE SET pattern_desc = excluded.pattern_desc, payload = excluded.payload,
	signature = excluded.signature, source_run_id = excluded.source_run_id, updated_at = excluded.updated_at`,
		p.KeyHash, p.PatternDesc, string(payload), signature, p.SourceRunID, now, now,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: put decision pattern %s", p.KeyHash)
	}
	p.UpdatedAt = now
	return nil
}

// --- helpers ---

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck
	if err := fn(tx); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit")
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(model.ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSQLiteRun(row scannable) (*model.AnalysisResult, error) {
	var r model.AnalysisResult
	var optsJSON, warningsJSON string
	var resultJSON, pdfPath, jsonPath sql.NullString
	var confidence sql.NullFloat64
	var started, completed sql.NullTime

	if err := row.Scan(&r.ID, &r.OpportunityID, &r.AnalysisType, &r.Status, &optsJSON, &resultJSON,
		&pdfPath, &jsonPath, &confidence, &r.FailureReason, &r.FailedStage, &r.ErrorMessage,
		&warningsJSON, &r.CreatedAt, &started, &completed); err != nil {
		return nil, err
	}
	if pdfPath.Valid {
		r.PDFPath = &pdfPath.String
	}
	if jsonPath.Valid {
		r.JSONPath = &jsonPath.String
	}
	if confidence.Valid {
		r.Confidence = &confidence.Float64
	}
	r.StartedAt = nullTimePtr(started)
	r.CompletedAt = nullTimePtr(completed)

	var result []byte
	if resultJSON.Valid {
		result = []byte(resultJSON.String)
	}
	if err := decodeRunJSON(&r, []byte(optsJSON), result, []byte(warningsJSON)); err != nil {
		return nil, err
	}
	return &r, nil
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func timePtrArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func stringPtrArg(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

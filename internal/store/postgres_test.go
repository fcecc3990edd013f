package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/bid-intel/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	return NewPostgresFromPool(mock), mock
}

func TestPostgresStore_GetRun_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, opportunity_id, analysis_type, status .* FROM analysis_results WHERE id = \$1`).
		WithArgs("nonexistent-run").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetRun(context.Background(), "nonexistent-run")
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO analysis_results`).
		WithArgs(pgxmock.AnyArg(), "opp-1", "sow_draft", "pending", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	run, err := s.CreateRun(context.Background(), "opp-1", model.AnalysisTypeSOWDraft, model.RunOptions{})
	require.NoError(t, err)
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, model.RunStatusPending, run.Status)
	assert.Nil(t, run.Result)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateRun_UniqueViolationIsConflict(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO analysis_results`).
		WithArgs(pgxmock.AnyArg(), "opp-1", "hotel_match", "pending", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "uq_analysis_results_active"})

	_, err := s.CreateRun(context.Background(), "opp-1", model.AnalysisTypeHotelMatch, model.RunOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrConflict))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateRun_OtherErrorIsNotConflict(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO analysis_results`).
		WithArgs(pgxmock.AnyArg(), "opp-1", "hotel_match", "pending", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(errors.New("connection reset"))

	_, err := s.CreateRun(context.Background(), "opp-1", model.AnalysisTypeHotelMatch, model.RunOptions{})
	require.Error(t, err)
	assert.False(t, errors.Is(err, model.ErrConflict))
	assert.Contains(t, err.Error(), "insert run")
}

func TestPostgresStore_FailRun_TerminalIsConflict(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE analysis_results SET status = 'failed'`).
		WithArgs("cancelled", "stop", "", pgxmock.AnyArg(), "run-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT status FROM analysis_results WHERE id = \$1`).
		WithArgs("run-1").
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("completed"))

	err := s.FailRun(context.Background(), "run-1", model.FailureCancelled, "stop", "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrConflict))
	assert.Contains(t, err.Error(), "completed")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateRunResult_MissingRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE analysis_results SET result_json = \$1`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), "gone").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT status FROM analysis_results`).
		WithArgs("gone").
		WillReturnError(pgx.ErrNoRows)

	err := s.UpdateRunResult(context.Background(), "gone", model.NewResultJSON())
	assert.True(t, errors.Is(err, model.ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetLogs_WriteOrder(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	rows := pgxmock.NewRows([]string{"seq", "analysis_result_id", "agent_run_id", "stage", "level", "message", "created_at"}).
		AddRow(int64(4), "run-1", "ar-1", "document_processing", "info", "fourth", now).
		AddRow(int64(5), "run-1", "ar-1", "document_processing", "warn", "fifth", now)
	mock.ExpectQuery(`FROM \(SELECT \* FROM agent_messages WHERE analysis_result_id = \$1 ORDER BY seq DESC LIMIT \$2\) recent ORDER BY seq ASC`).
		WithArgs("run-1", 2).
		WillReturnRows(rows)

	logs, err := s.GetLogs(context.Background(), "run-1", 2)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, int64(4), logs[0].Seq)
	assert.Equal(t, "fifth", logs[1].Message)
	assert.Equal(t, model.LogWarn, logs[1].Level)
	assert.Equal(t, model.StageDocumentProcessing, logs[0].Stage)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetLogs_DefaultLimit(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM \(SELECT \* FROM agent_messages`).
		WithArgs("run-1", DefaultLogLimit).
		WillReturnRows(pgxmock.NewRows([]string{"seq", "analysis_result_id", "agent_run_id", "stage", "level", "message", "created_at"}))

	logs, err := s.GetLogs(context.Background(), "run-1", 0)
	require.NoError(t, err)
	assert.Empty(t, logs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AppendMessage_AssignsSeq(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`INSERT INTO agent_messages .* RETURNING seq`).
		WithArgs("run-1", "ar-1", "compliance_analysis", "info", "matrix built", pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"seq"}).AddRow(int64(42)))

	msg := &model.AgentMessage{
		AnalysisResultID: "run-1",
		AgentRunID:       "ar-1",
		Stage:            model.StageComplianceAnalysis,
		Level:            model.LogInfo,
		Message:          "matrix built",
	}
	require.NoError(t, s.AppendMessage(context.Background(), msg))
	assert.Equal(t, int64(42), msg.Seq)
	assert.False(t, msg.CreatedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetDecisionPattern_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM decision_patterns WHERE key_hash = \$1`).
		WithArgs("deadbeef").
		WillReturnError(pgx.ErrNoRows)

	p, err := s.GetDecisionPattern(context.Background(), "deadbeef")
	require.NoError(t, err)
	assert.Nil(t, p)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_PutDecisionPattern_Upsert(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`ON CONFLICT \(key_hash\) DO UPDATE`).
		WithArgs("abc123", "Austin hotels", pgxmock.AnyArg(), pgxmock.AnyArg(), "run-9", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.PutDecisionPattern(context.Background(), &model.DecisionPattern{
		KeyHash:     "abc123",
		PatternDesc: "Austin hotels",
		Payload:     model.PatternPayload{RecommendedHotels: []model.Recommendation{{Name: "Hotel A"}}},
		SourceRunID: "run-9",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FailStaleRuns(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	cutoff := time.Now().Add(-time.Hour)

	mock.ExpectExec(`WHERE status IN \('pending', 'running'\) AND created_at < \$4`).
		WithArgs("interrupted", staleRunMessage, pgxmock.AnyArg(), cutoff.UTC()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))

	n, err := s.FailStaleRuns(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_MarkAttachmentDownloaded_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE attachments SET local_path = \$1, downloaded = true`).
		WithArgs("/tmp/a.pdf", int64(10), 1, pgxmock.AnyArg(), "att-x").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.MarkAttachmentDownloaded(context.Background(), "att-x", "/tmp/a.pdf", 10, 1)
	assert.True(t, errors.Is(err, model.ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetDownloadJob_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM download_jobs WHERE job_id = \$1`).
		WithArgs("job-x").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetDownloadJob(context.Background(), "job-x")
	assert.True(t, errors.Is(err, model.ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertOpportunities_UsesCopy(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_stage_opportunities"`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_stage_opportunities"},
		[]string{"notice_id", "title", "agency", "naics_code", "location", "posted_date", "response_date", "start_date", "end_date", "created_at"}).
		WillReturnResult(1)
	mock.ExpectExec(`INSERT INTO "opportunities" .* ON CONFLICT \("notice_id"\) DO UPDATE SET "title" = EXCLUDED."title"`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	n, err := s.UpsertOpportunities(context.Background(), []model.Opportunity{{NoticeID: "N1", Title: "Lodging"}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`CREATE UNIQUE INDEX IF NOT EXISTS uq_analysis_results_active`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

//go:build !integration

package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/bid-intel/internal/model"
)

func TestFormatRunsList(t *testing.T) {
	now := time.Date(2026, 6, 15, 10, 30, 0, 0, time.UTC)
	done := now.Add(2 * time.Minute)
	res := model.NewResultJSON()
	res.CompletedStages = model.StageOrder

	runs := []model.AnalysisResult{
		{
			ID:            "abc12345-6789-0000-0000-000000000000",
			OpportunityID: "N1",
			AnalysisType:  model.AnalysisTypeHotelMatch,
			Status:        model.RunStatusCompleted,
			Result:        res,
			CreatedAt:     now,
			StartedAt:     &now,
			CompletedAt:   &done,
		},
		{
			ID:            "def12345-6789-0000-0000-000000000000",
			OpportunityID: "N2",
			AnalysisType:  model.AnalysisTypeSOWDraft,
			Status:        model.RunStatusFailed,
			FailureReason: model.FailureCancelled,
			CreatedAt:     now,
		},
	}

	var buf bytes.Buffer
	formatRunsList(&buf, runs)

	output := buf.String()
	assert.Contains(t, output, "OPPORTUNITY")
	assert.Contains(t, output, "abc12345")
	assert.Contains(t, output, "hotel_match")
	assert.Contains(t, output, "5/5")
	assert.Contains(t, output, "0/5")
	assert.Contains(t, output, "2m0s")
	assert.Contains(t, output, "failed (cancelled)")
	assert.Contains(t, output, "2026-06-15 10:30")
}

func TestFormatLogs(t *testing.T) {
	at := time.Date(2026, 6, 15, 10, 30, 5, 0, time.UTC)
	var buf bytes.Buffer
	formatLogs(&buf, []model.AgentMessage{
		{Level: model.LogInfo, Message: "run started", CreatedAt: at},
		{Level: model.LogWarn, Stage: model.StageComplianceAnalysis, Message: "1 requirement(s) not assessed; graded high", CreatedAt: at},
	})
	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)
	assert.Contains(t, string(lines[0]), "10:30:05 info")
	assert.Contains(t, string(lines[1]), "compliance_analysis")
}

func TestTruncateID(t *testing.T) {
	assert.Equal(t, "abc12345", truncateID("abc12345-6789"))
	assert.Equal(t, "short", truncateID("short"))
}

func TestCancelInStore(t *testing.T) {
	st := newCmdStore(t)
	ctx := context.Background()
	_, err := st.UpsertOpportunities(ctx, []model.Opportunity{{NoticeID: "N1", Title: "Lodging"}})
	require.NoError(t, err)
	run, err := st.CreateRun(ctx, "N1", model.AnalysisTypeSOWDraft, model.RunOptions{})
	require.NoError(t, err)

	require.NoError(t, cancelInStore(ctx, st, run.ID))
	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, got.Status)
	assert.Equal(t, model.FailureCancelled, got.FailureReason)

	assert.ErrorIs(t, cancelInStore(ctx, st, run.ID), model.ErrConflict)
	assert.ErrorIs(t, cancelInStore(ctx, st, "missing"), model.ErrNotFound)
}

func TestReapStaleRuns(t *testing.T) {
	st := newCmdStore(t)
	ctx := context.Background()
	_, err := st.UpsertOpportunities(ctx, []model.Opportunity{{NoticeID: "N1", Title: "Lodging"}})
	require.NoError(t, err)
	run, err := st.CreateRun(ctx, "N1", model.AnalysisTypeSOWDraft, model.RunOptions{})
	require.NoError(t, err)

	n, err := reapStaleRuns(ctx, st, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n, "fresh runs are kept")

	n, err = reapStaleRuns(ctx, st, time.Nanosecond)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.FailureInterrupted, got.FailureReason)
}

package model

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRequirementCategory(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want RequirementCategory
	}{
		{"capacity", CategoryCapacity},
		{" Dates ", CategoryDate},
		{"shuttle", CategoryTransport},
		{"A/V", CategoryAV},
		{"billing", CategoryInvoice},
		{"FAR", CategoryClauses},
		{"catering", CategoryOther},
		{"", CategoryOther},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, ParseRequirementCategory(tt.in))
		})
	}
}

func TestMaxRisk(t *testing.T) {
	t.Parallel()

	assert.Equal(t, RiskLow, MaxRisk())
	assert.Equal(t, RiskMedium, MaxRisk(RiskLow, RiskMedium))
	assert.Equal(t, RiskCritical, MaxRisk(RiskHigh, RiskCritical, RiskLow))
}

func TestParseRiskLevel(t *testing.T) {
	t.Parallel()

	r, ok := ParseRiskLevel(" HIGH")
	assert.True(t, ok)
	assert.Equal(t, RiskHigh, r)

	_, ok = ParseRiskLevel("extreme")
	assert.False(t, ok)
}

func TestParseAnalysisType(t *testing.T) {
	t.Parallel()

	at, err := ParseAnalysisType("SOW_DRAFT")
	require.NoError(t, err)
	assert.Equal(t, AnalysisTypeSOWDraft, at)

	_, err = ParseAnalysisType("bogus")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestStatusTerminal(t *testing.T) {
	t.Parallel()

	assert.False(t, RunStatusPending.Terminal())
	assert.False(t, RunStatusRunning.Terminal())
	assert.True(t, RunStatusCompleted.Terminal())
	assert.True(t, RunStatusFailed.Terminal())
	assert.False(t, DownloadStatusQueued.Terminal())
	assert.True(t, DownloadStatusFailed.Terminal())
}

func TestAttachmentPending(t *testing.T) {
	t.Parallel()

	p := "/tmp/x.pdf"
	empty := ""
	assert.True(t, Attachment{}.Pending())
	assert.True(t, Attachment{LocalPath: &empty}.Pending())
	assert.False(t, Attachment{LocalPath: &p}.Pending())
}

package model

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// AnalysisType selects what a pipeline run produces.
type AnalysisType string

const (
	AnalysisTypeSOWDraft         AnalysisType = "sow_draft"
	AnalysisTypeHotelMatch       AnalysisType = "hotel_match"
	AnalysisTypeComplianceReview AnalysisType = "compliance_review"
)

// ParseAnalysisType validates a caller-supplied analysis type.
func ParseAnalysisType(s string) (AnalysisType, error) {
	switch t := AnalysisType(strings.ToLower(strings.TrimSpace(s))); t {
	case AnalysisTypeSOWDraft, AnalysisTypeHotelMatch, AnalysisTypeComplianceReview:
		return t, nil
	default:
		return "", eris.Wrapf(ErrValidation, "unknown analysis type %q", s)
	}
}

// RunStatus represents the state of an analysis run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Terminal reports whether the run can no longer transition.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// FailureReason distinguishes why a run ended in RunStatusFailed.
type FailureReason string

const (
	FailureStageFailed FailureReason = "stage_failed"
	FailureTimeout     FailureReason = "timeout"
	FailureCancelled   FailureReason = "cancelled"
	FailureInternal    FailureReason = "internal"
	FailureInterrupted FailureReason = "interrupted"
)

// RunOptions are the caller-supplied knobs for a run.
type RunOptions struct {
	AttachmentIDs []string          `json:"attachment_ids,omitempty"`
	Extra         map[string]string `json:"options,omitempty"`
}

// AnalysisResult is the single record produced by one pipeline run.
type AnalysisResult struct {
	ID            string        `json:"id"`
	OpportunityID string        `json:"opportunity_id"`
	AnalysisType  AnalysisType  `json:"analysis_type"`
	Status        RunStatus     `json:"status"`
	Options       RunOptions    `json:"options"`
	Result        *ResultJSON   `json:"result_json"`
	PDFPath       *string       `json:"pdf_path,omitempty"`
	JSONPath      *string       `json:"json_path,omitempty"`
	Confidence    *float64      `json:"confidence,omitempty"`
	FailureReason FailureReason `json:"failure_reason,omitempty"`
	FailedStage   StageName     `json:"failed_stage,omitempty"`
	ErrorMessage  string        `json:"error_message,omitempty"`
	Warnings      []string      `json:"warnings,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	StartedAt     *time.Time    `json:"started_at,omitempty"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`
}

// AgentRunStatus is the state of one stage execution.
type AgentRunStatus string

const (
	AgentRunPending   AgentRunStatus = "pending"
	AgentRunRunning   AgentRunStatus = "running"
	AgentRunCompleted AgentRunStatus = "completed"
	AgentRunFailed    AgentRunStatus = "failed"
)

// AgentRun records one stage execution within an analysis run.
type AgentRun struct {
	ID               string         `json:"id"`
	AnalysisResultID string         `json:"analysis_result_id"`
	RunType          StageName      `json:"run_type"`
	Status           AgentRunStatus `json:"status"`
	StartedAt        time.Time      `json:"started_at"`
	FinishedAt       *time.Time     `json:"finished_at,omitempty"`
	ErrorMessage     string         `json:"error_message,omitempty"`
}

// LogLevel tags agent narration.
type LogLevel string

const (
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// AgentMessage is an append-only narration entry. Seq is assigned by the
// store and totally orders entries of one run.
type AgentMessage struct {
	Seq              int64     `json:"seq"`
	AnalysisResultID string    `json:"analysis_result_id"`
	AgentRunID       string    `json:"agent_run_id,omitempty"`
	Stage            StageName `json:"stage,omitempty"`
	Level            LogLevel  `json:"level"`
	Message          string    `json:"message"`
	CreatedAt        time.Time `json:"created_at"`
}

// LLMCall is an append-only record of one model invocation.
type LLMCall struct {
	ID               string    `json:"id"`
	AnalysisResultID string    `json:"analysis_result_id"`
	AgentRunID       string    `json:"agent_run_id"`
	Stage            StageName `json:"stage"`
	Model            string    `json:"model"`
	InputTokens      int64     `json:"input_tokens"`
	OutputTokens     int64     `json:"output_tokens"`
	CacheWriteTokens int64     `json:"cache_write_tokens"`
	CacheReadTokens  int64     `json:"cache_read_tokens"`
	LatencyMS        int64     `json:"latency_ms"`
	CostUSD          float64   `json:"cost_usd"`
	Attempts         int       `json:"attempts"`
	Success          bool      `json:"success"`
	ErrorMessage     string    `json:"error_message,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

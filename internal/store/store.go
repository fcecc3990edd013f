// Package store persists opportunities, attachments, download jobs,
// analysis runs and their logs, and decision patterns.
package store

import (
	"context"
	"time"

	"github.com/sells-group/bid-intel/internal/model"
)

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	OpportunityID string             `json:"opportunity_id,omitempty"`
	AnalysisType  model.AnalysisType `json:"analysis_type,omitempty"`
	Status        model.RunStatus    `json:"status,omitempty"`
	Limit         int                `json:"limit,omitempty"`
	Offset        int                `json:"offset,omitempty"`
}

// DownloadJobUpdate carries the mutable fields of a download job.
type DownloadJobUpdate struct {
	Status          model.DownloadStatus
	TotalCount      int
	DownloadedCount int
	FailedCount     int
	ErrorMessage    string
	StartedAt       *time.Time
	FinishedAt      *time.Time
}

// Default and maximum page sizes for log and run listings.
const (
	DefaultLogLimit = 100
	MaxLogLimit     = 1000
	defaultRunLimit = 100
)

// Store defines the persistence interface for the analysis pipeline.
type Store interface {
	// Opportunities
	GetOpportunity(ctx context.Context, noticeID string) (*model.Opportunity, error)
	UpsertOpportunities(ctx context.Context, opps []model.Opportunity) (int64, error)

	// Attachments
	ListAttachments(ctx context.Context, opportunityID string) ([]model.Attachment, error)
	UpsertAttachments(ctx context.Context, atts []model.Attachment) (int64, error)
	MarkAttachmentDownloaded(ctx context.Context, id, localPath string, size int64, attempts int) error
	MarkAttachmentFailed(ctx context.Context, id, msg string, attempts int) error

	// Download jobs
	CreateDownloadJob(ctx context.Context, job *model.DownloadJob) error
	UpdateDownloadJob(ctx context.Context, jobID string, upd DownloadJobUpdate) error
	GetDownloadJob(ctx context.Context, jobID string) (*model.DownloadJob, error)

	// Runs
	CreateRun(ctx context.Context, opportunityID string, typ model.AnalysisType, opts model.RunOptions) (*model.AnalysisResult, error)
	MarkRunRunning(ctx context.Context, id string) error
	UpdateRunResult(ctx context.Context, id string, result *model.ResultJSON) error
	CompleteRun(ctx context.Context, id string, result *model.ResultJSON, confidence *float64, warnings []string) error
	FailRun(ctx context.Context, id string, reason model.FailureReason, msg string, failedStage model.StageName) error
	SetRunArtifacts(ctx context.Context, id string, pdfPath, jsonPath *string) error
	GetRun(ctx context.Context, id string) (*model.AnalysisResult, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.AnalysisResult, error)
	FailStaleRuns(ctx context.Context, olderThan time.Time) (int, error)

	// Agent runs
	CreateAgentRun(ctx context.Context, resultID string, stage model.StageName) (*model.AgentRun, error)
	FinishAgentRun(ctx context.Context, id string, status model.AgentRunStatus, errMsg string) error
	ListAgentRuns(ctx context.Context, resultID string) ([]model.AgentRun, error)

	// Logs
	AppendMessage(ctx context.Context, msg *model.AgentMessage) error
	AppendLLMCall(ctx context.Context, call *model.LLMCall) error
	GetLogs(ctx context.Context, resultID string, limit int) ([]model.AgentMessage, error)
	ListLLMCalls(ctx context.Context, resultID string) ([]model.LLMCall, error)

	// Decision patterns
	GetDecisionPattern(ctx context.Context, keyHash string) (*model.DecisionPattern, error)
	PutDecisionPattern(ctx context.Context, p *model.DecisionPattern) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// ClampLogLimit applies the default and maximum log page size.
func ClampLogLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLogLimit
	case limit > MaxLogLimit:
		return MaxLogLimit
	default:
		return limit
	}
}

func clampRunLimit(limit int) int {
	if limit <= 0 || limit > MaxLogLimit {
		return defaultRunLimit
	}
	return limit
}

// Package monitoring computes run-health metrics from the store and raises
// webhook alerts when they cross configured thresholds.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/bid-intel/internal/model"
	"github.com/sells-group/bid-intel/internal/store"
)

// MetricsSnapshot holds a point-in-time view of analysis run health.
type MetricsSnapshot struct {
	// Runs created within the lookback window.
	RunsTotal     int     `json:"runs_total"`
	RunsCompleted int     `json:"runs_completed"`
	RunsFailed    int     `json:"runs_failed"`
	RunsActive    int     `json:"runs_active"`
	FailRate      float64 `json:"fail_rate"`
	AvgConfidence float64 `json:"avg_confidence"`

	FailuresByReason map[model.FailureReason]int `json:"failures_by_reason,omitempty"`
	FailuresByStage  map[model.StageName]int     `json:"failures_by_stage,omitempty"`

	// LLM usage of those runs.
	LLMCalls        int     `json:"llm_calls"`
	LLMFailedCalls  int     `json:"llm_failed_calls"`
	LLMErrorRate    float64 `json:"llm_error_rate"`
	LLMCostUSD      float64 `json:"llm_cost_usd"`
	LLMInputTokens  int64   `json:"llm_input_tokens"`
	LLMOutputTokens int64   `json:"llm_output_tokens"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// RunSource is the subset of the store the collector reads.
type RunSource interface {
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.AnalysisResult, error)
	ListLLMCalls(ctx context.Context, resultID string) ([]model.LLMCall, error)
}

// Collector gathers metrics from the store.
type Collector struct {
	src      RunSource
	pageSize int
}

// NewCollector creates a new metrics collector.
func NewCollector(src RunSource) *Collector {
	return &Collector{src: src, pageSize: store.MaxLogLimit}
}

// Collect gathers a snapshot of run metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	if lookbackHours <= 0 {
		lookbackHours = 24
	}
	now := time.Now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours:    lookbackHours,
		CollectedAt:      now,
		FailuresByReason: map[model.FailureReason]int{},
		FailuresByStage:  map[model.StageName]int{},
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	runs, err := c.runsSince(ctx, cutoff)
	if err != nil {
		return nil, err
	}

	var confSum float64
	var confN int
	for _, r := range runs {
		snap.RunsTotal++
		switch r.Status {
		case model.RunStatusCompleted:
			snap.RunsCompleted++
			if r.Confidence != nil {
				confSum += *r.Confidence
				confN++
			}
		case model.RunStatusFailed:
			snap.RunsFailed++
			snap.FailuresByReason[r.FailureReason]++
			if r.FailedStage != "" {
				snap.FailuresByStage[r.FailedStage]++
			}
		default:
			snap.RunsActive++
		}

		calls, err := c.src.ListLLMCalls(ctx, r.ID)
		if err != nil {
			return nil, eris.Wrapf(err, "monitoring: list llm calls for %s", r.ID)
		}
		for _, call := range calls {
			snap.LLMCalls++
			if !call.Success {
				snap.LLMFailedCalls++
			}
			snap.LLMCostUSD += call.CostUSD
			snap.LLMInputTokens += call.InputTokens
			snap.LLMOutputTokens += call.OutputTokens
		}
	}

	if finished := snap.RunsCompleted + snap.RunsFailed; finished > 0 {
		snap.FailRate = float64(snap.RunsFailed) / float64(finished)
	}
	if snap.LLMCalls > 0 {
		snap.LLMErrorRate = float64(snap.LLMFailedCalls) / float64(snap.LLMCalls)
	}
	if confN > 0 {
		snap.AvgConfidence = confSum / float64(confN)
	}
	return snap, nil
}

// runsSince pages through runs newest first until one predates cutoff.
func (c *Collector) runsSince(ctx context.Context, cutoff time.Time) ([]model.AnalysisResult, error) {
	var out []model.AnalysisResult
	for offset := 0; ; offset += c.pageSize {
		page, err := c.src.ListRuns(ctx, store.RunFilter{Limit: c.pageSize, Offset: offset})
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: list runs")
		}
		for _, r := range page {
			if r.CreatedAt.Before(cutoff) {
				return out, nil
			}
			out = append(out, r)
		}
		if len(page) < c.pageSize {
			return out, nil
		}
	}
}

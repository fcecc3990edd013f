package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/bid-intel/internal/config"
	"github.com/sells-group/bid-intel/internal/resilience"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertRunFailureRate AlertType = "run_failure_rate"
	AlertLLMErrorRate   AlertType = "llm_error_rate"
	AlertCostOverrun    AlertType = "cost_overrun"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitorConfig
	client *http.Client
	retry  resilience.RetryConfig
}

// NewAlerter creates a new Alerter with the given monitor config.
func NewAlerter(cfg config.MonitorConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		retry: resilience.RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: time.Second,
			MaxBackoff:     5 * time.Second,
		},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
// A zero threshold disables its check.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	minRuns := a.cfg.MinFinishedRuns
	if minRuns <= 0 {
		minRuns = 5
	}

	finished := snap.RunsCompleted + snap.RunsFailed
	if a.cfg.FailureRateThreshold > 0 && finished >= minRuns && snap.FailRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertRunFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Analysis failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %dh)",
				snap.FailRate*100, a.cfg.FailureRateThreshold*100,
				snap.RunsFailed, finished, snap.LookbackHours,
			),
			Details: map[string]any{
				"failure_rate": snap.FailRate,
				"threshold":    a.cfg.FailureRateThreshold,
				"failed":       snap.RunsFailed,
				"finished":     finished,
				"by_reason":    snap.FailuresByReason,
				"by_stage":     snap.FailuresByStage,
			},
			Timestamp: now,
		})
	}

	if a.cfg.LLMErrorThreshold > 0 && snap.LLMCalls >= minRuns && snap.LLMErrorRate > a.cfg.LLMErrorThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertLLMErrorRate,
			Severity: "medium",
			Message: fmt.Sprintf(
				"LLM error rate %.1f%% exceeds threshold %.1f%% (%d of %d calls in last %dh)",
				snap.LLMErrorRate*100, a.cfg.LLMErrorThreshold*100,
				snap.LLMFailedCalls, snap.LLMCalls, snap.LookbackHours,
			),
			Details: map[string]any{
				"error_rate":   snap.LLMErrorRate,
				"threshold":    a.cfg.LLMErrorThreshold,
				"failed_calls": snap.LLMFailedCalls,
				"calls":        snap.LLMCalls,
			},
			Timestamp: now,
		})
	}

	if a.cfg.CostThresholdUSD > 0 && snap.LLMCostUSD > a.cfg.CostThresholdUSD {
		alerts = append(alerts, Alert{
			Type:     AlertCostOverrun,
			Severity: "high",
			Message: fmt.Sprintf(
				"LLM cost $%.2f exceeds threshold $%.2f in last %dh",
				snap.LLMCostUSD, a.cfg.CostThresholdUSD, snap.LookbackHours,
			),
			Details: map[string]any{
				"cost_usd":      snap.LLMCostUSD,
				"threshold_usd": a.cfg.CostThresholdUSD,
				"runs_total":    snap.RunsTotal,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts posts each alert as JSON to the webhook, retrying transient
// failures, and returns how many were accepted. Without a webhook URL it
// sends nothing.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		retry := a.retry
		retry.OnRetry = resilience.RetryLogger("webhook", string(alert.Type))
		if err := resilience.Do(ctx, retry, func(ctx context.Context) error {
			return a.post(ctx, alert)
		}); err != nil {
			zap.L().Error("monitoring: deliver alert",
				zap.String("type", string(alert.Type)),
				zap.String("class", resilience.ClassifyError(err)),
				zap.Error(err),
			)
			continue
		}
		sent++
	}
	return sent
}

// post makes one delivery attempt. Retryable statuses come back as
// transient errors; any other rejection is permanent.
func (a *Alerter) post(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return resilience.Permanent(eris.Wrap(err, "monitoring: encode alert"))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return resilience.Permanent(eris.Wrap(err, "monitoring: build webhook request"))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: post webhook")
	}
	defer resp.Body.Close() //nolint:errcheck
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode < 300:
		return nil
	case resilience.IsTransientHTTPStatus(resp.StatusCode):
		return resilience.NewTransientError(eris.Errorf("monitoring: webhook status %d", resp.StatusCode), resp.StatusCode)
	default:
		return resilience.Permanent(eris.Errorf("monitoring: webhook status %d", resp.StatusCode))
	}
}

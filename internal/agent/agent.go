// Package agent is the LLM backend the analysis stages call.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/bid-intel/internal/config"
	"github.com/sells-group/bid-intel/internal/cost"
	"github.com/sells-group/bid-intel/internal/model"
	"github.com/sells-group/bid-intel/internal/resilience"
	"github.com/sells-group/bid-intel/pkg/anthropic"
)

// Request is one stage prompt.
type Request struct {
	Stage     model.StageName
	System    string
	Prompt    string
	MaxTokens int64
}

// Response is the model's text plus the call record.
type Response struct {
	Text string
	Call model.LLMCall
}

// Backend completes stage prompts.
type Backend interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// CallError is returned when a completion fails after the model was
// invoked. Call describes the failed invocation.
type CallError struct {
	Call model.LLMCall
	Err  error
}

func (e *CallError) Error() string { return e.Err.Error() }

func (e *CallError) Unwrap() error { return e.Err }

// FailedCall extracts the call record from a Complete error, if any.
func FailedCall(err error) (model.LLMCall, bool) {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Call, true
	}
	return model.LLMCall{}, false
}

// BackendConfig configures AnthropicBackend.
type BackendConfig struct {
	Model     string
	MaxTokens int64
	Retry     resilience.RetryConfig
	Circuit   resilience.CircuitBreakerConfig
	Costs     *cost.Calculator
}

// FromConfig builds a BackendConfig from the app config.
func FromConfig(cfg *config.Config) BackendConfig {
	return BackendConfig{
		Model:     cfg.Anthropic.Model,
		MaxTokens: cfg.Anthropic.MaxTokens,
		Retry:     resilience.RetryFromConfig(cfg.Retry),
		Circuit:   resilience.CircuitFromConfig("anthropic", cfg.Circuit),
		Costs:     cost.NewCalculator(cfg.Pricing.Anthropic),
	}
}

// AnthropicBackend calls Claude with retries on transient failures behind
// a circuit breaker.
type AnthropicBackend struct {
	client  anthropic.Client
	cfg     BackendConfig
	breaker *resilience.CircuitBreaker
}

// NewAnthropicBackend creates an AnthropicBackend.
func NewAnthropicBackend(client anthropic.Client, cfg BackendConfig) *AnthropicBackend {
	if cfg.Model == "" {
		cfg.Model = "claude-sonnet-4-5-20250929"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	if cfg.Costs == nil {
		cfg.Costs = cost.NewCalculator(nil)
	}
	return &AnthropicBackend{
		client:  client,
		cfg:     cfg,
		breaker: resilience.NewCircuitBreaker(cfg.Circuit),
	}
}

// Complete sends req and returns the response text. Transient API errors
// are retried; everything else fails on the first attempt.
func (b *AnthropicBackend) Complete(ctx context.Context, req Request) (*Response, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = b.cfg.MaxTokens
	}
	msgReq := anthropic.MessageRequest{
		Model:     b.cfg.Model,
		MaxTokens: maxTokens,
		Prompt:    req.Prompt,
	}
	if req.System != "" {
		msgReq.System = anthropic.BuildCachedSystemBlocks(req.System)
	}

	retry := b.cfg.Retry
	retry.OnRetry = resilience.RetryLogger("anthropic", string(req.Stage))

	start := time.Now()
	resp, attempts, err := resilience.DoCount(ctx, retry, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		return resilience.ExecuteVal(ctx, b.breaker, func(ctx context.Context) (*anthropic.MessageResponse, error) {
			r, err := b.client.CreateMessage(ctx, msgReq)
			return r, classify(err)
		})
	})

	call := model.LLMCall{
		Stage:     req.Stage,
		Model:     b.cfg.Model,
		LatencyMS: time.Since(start).Milliseconds(),
		Attempts:  attempts,
	}
	if err != nil {
		call.ErrorMessage = err.Error()
		return nil, &CallError{Call: call, Err: eris.Wrapf(err, "agent: %s completion", req.Stage)}
	}

	call.Success = true
	if resp.Model != "" {
		call.Model = resp.Model
	}
	call.InputTokens = resp.Usage.InputTokens
	call.OutputTokens = resp.Usage.OutputTokens
	call.CacheWriteTokens = resp.Usage.CacheCreationInputTokens
	call.CacheReadTokens = resp.Usage.CacheReadInputTokens
	b.cfg.Costs.Call(&call)

	zap.L().Debug("agent: completion",
		zap.String("stage", string(req.Stage)),
		zap.String("model", call.Model),
		zap.Int64("input_tokens", call.InputTokens),
		zap.Int64("output_tokens", call.OutputTokens),
		zap.Int64("latency_ms", call.LatencyMS),
		zap.Float64("cost_usd", call.CostUSD),
	)

	if resp.Truncated() {
		zap.L().Warn("agent: reply hit max_tokens",
			zap.String("stage", string(req.Stage)),
			zap.Int64("max_tokens", maxTokens),
		)
	}

	text := strings.TrimSpace(resp.Text)
	if text == "" {
		call.Success = false
		call.ErrorMessage = "empty response"
		return nil, &CallError{Call: call, Err: resilience.Permanent(eris.Wrapf(model.ErrValidation, "agent: %s returned no text", req.Stage))}
	}
	return &Response{Text: text, Call: call}, nil
}

// classify marks API errors transient or permanent by status code.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if code, ok := anthropic.StatusCode(err); ok {
		if resilience.IsTransientHTTPStatus(code) {
			return resilience.NewTransientError(err, code)
		}
		return resilience.Permanent(err)
	}
	return err
}

// DecodeJSON parses the first JSON object in text into T. Models often wrap
// JSON in prose or code fences. A decode failure is a validation error and
// is never retried.
func DecodeJSON[T any](text string) (T, error) {
	var out T
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return out, resilience.Permanent(eris.Wrap(model.ErrValidation, "agent: no JSON object in response"))
	}
	dec := json.NewDecoder(strings.NewReader(text[start:]))
	if err := dec.Decode(&out); err != nil {
		return out, resilience.Permanent(eris.Wrapf(model.ErrValidation, "agent: decode response: %v", err))
	}
	return out, nil
}

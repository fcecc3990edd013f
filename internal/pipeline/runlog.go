package pipeline

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/bid-intel/internal/model"
	"github.com/sells-group/bid-intel/internal/store"
)

// runLogger writes stage narration to agent_messages and mirrors it to zap.
// Store failures are logged and never fail the run.
type runLogger struct {
	store store.Store
	runID string
	zl    *zap.Logger
}

func newRunLogger(st store.Store, run *model.AnalysisResult) *runLogger {
	return &runLogger{
		store: st,
		runID: run.ID,
		zl: zap.L().With(
			zap.String("run_id", run.ID),
			zap.String("opportunity_id", run.OpportunityID),
			zap.String("analysis_type", string(run.AnalysisType)),
		),
	}
}

func (l *runLogger) Info(stage model.StageName, agentRunID, msg string) {
	l.append(model.LogInfo, stage, agentRunID, msg)
}

func (l *runLogger) Warn(stage model.StageName, agentRunID, msg string) {
	l.append(model.LogWarn, stage, agentRunID, msg)
}

func (l *runLogger) Error(stage model.StageName, agentRunID, msg string) {
	l.append(model.LogError, stage, agentRunID, msg)
}

func (l *runLogger) append(level model.LogLevel, stage model.StageName, agentRunID, msg string) {
	fields := []zap.Field{zap.String("stage", string(stage))}
	switch level {
	case model.LogWarn:
		l.zl.Warn("pipeline: "+msg, fields...)
	case model.LogError:
		l.zl.Error("pipeline: "+msg, fields...)
	default:
		l.zl.Info("pipeline: "+msg, fields...)
	}

	err := l.store.AppendMessage(context.Background(), &model.AgentMessage{
		AnalysisResultID: l.runID,
		AgentRunID:       agentRunID,
		Stage:            stage,
		Level:            level,
		Message:          msg,
	})
	if err != nil {
		l.zl.Warn("pipeline: append agent message", zap.Error(err))
	}
}

// recordCall persists an LLM call against the run and agent run.
func (l *runLogger) recordCall(call model.LLMCall, agentRunID string, stage model.StageName) {
	call.AnalysisResultID = l.runID
	call.AgentRunID = agentRunID
	call.Stage = stage
	if err := l.store.AppendLLMCall(context.Background(), &call); err != nil {
		l.zl.Warn("pipeline: append llm call", zap.Error(err))
	}
}

// writeArtifact dumps the final run as <artifacts_dir>/<id>.json.
func (o *Orchestrator) writeArtifact(ctx context.Context, resultID string) (string, error) {
	run, err := o.store.GetRun(ctx, resultID)
	if err != nil {
		return "", err
	}
	calls, err := o.store.ListLLMCalls(ctx, resultID)
	if err != nil {
		return "", err
	}
	doc := struct {
		*model.AnalysisResult
		LLMCalls []model.LLMCall `json:"llm_calls"`
	}{run, calls}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", eris.Wrap(err, "pipeline: marshal artifact")
	}
	if err := os.MkdirAll(o.cfg.ArtifactsDir, 0o755); err != nil {
		return "", eris.Wrap(err, "pipeline: create artifacts dir")
	}
	path := filepath.Join(o.cfg.ArtifactsDir, resultID+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", eris.Wrap(err, "pipeline: write artifact")
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", eris.Wrap(err, "pipeline: rename artifact")
	}
	return path, nil
}

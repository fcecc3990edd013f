// Package pipeline runs the guided analysis: five ordered stages over an
// opportunity's documents, persisted progressively as one AnalysisResult.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/bid-intel/internal/agent"
	"github.com/sells-group/bid-intel/internal/config"
	"github.com/sells-group/bid-intel/internal/docproc"
	"github.com/sells-group/bid-intel/internal/model"
	"github.com/sells-group/bid-intel/internal/patterns"
	"github.com/sells-group/bid-intel/internal/store"
)

// Downloader makes sure an opportunity's attachments are on disk.
type Downloader interface {
	Ensure(ctx context.Context, opportunityID string) (*model.DownloadJob, error)
}

// Extractor turns a downloaded file into text.
type Extractor interface {
	Extract(ctx context.Context, path string) (docproc.Document, error)
}

// PatternCache is the decision pattern cache.
type PatternCache interface {
	Lookup(ctx context.Context, opp model.Opportunity) (*model.DecisionPattern, bool, error)
	Store(ctx context.Context, sig patterns.Signature, p *model.DecisionPattern) error
}

// Config controls stage execution.
type Config struct {
	DefaultStageTimeout time.Duration
	StageTimeouts       map[model.StageName]time.Duration
	DocWorkers          int
	ArtifactsDir        string
	// PromptChars caps the document text sent to the model.
	PromptChars int
}

// FromConfig converts the pipeline section of the app config.
func FromConfig(cfg config.PipelineConfig) Config {
	c := Config{
		DefaultStageTimeout: time.Duration(cfg.StageTimeoutSecs) * time.Second,
		StageTimeouts:       make(map[model.StageName]time.Duration),
		DocWorkers:          cfg.DocWorkers,
		ArtifactsDir:        cfg.ArtifactsDir,
		PromptChars:         cfg.MaxDocumentChars,
	}
	for _, s := range model.StageOrder {
		c.StageTimeouts[s] = cfg.StageTimeout(string(s))
	}
	return c
}

func (c Config) timeout(stage model.StageName) time.Duration {
	if d, ok := c.StageTimeouts[stage]; ok && d > 0 {
		return d
	}
	if c.DefaultStageTimeout > 0 {
		return c.DefaultStageTimeout
	}
	return 5 * time.Minute
}

// RunRequest is a request to start an analysis run.
type RunRequest struct {
	OpportunityID string            `json:"opportunity_id" validate:"required"`
	AnalysisType  string            `json:"analysis_type" validate:"required"`
	AttachmentIDs []string          `json:"attachment_ids,omitempty" validate:"omitempty,dive,required"`
	Options       map[string]string `json:"options,omitempty"`
}

// activeRun is the in-process handle of an executing run.
type activeRun struct {
	cancelled atomic.Bool
}

// Orchestrator starts, executes and cancels analysis runs.
type Orchestrator struct {
	store        store.Store
	downloads    Downloader
	cache        PatternCache
	backend      agent.Backend
	extractor    Extractor
	capabilities *Catalogue
	cfg          Config

	mu     sync.Mutex
	active map[string]*activeRun
	wg     sync.WaitGroup
}

// New creates an Orchestrator. A nil catalogue uses DefaultCapabilities.
func New(st store.Store, downloads Downloader, cache PatternCache, backend agent.Backend, extractor Extractor, capabilities *Catalogue, cfg Config) *Orchestrator {
	if capabilities == nil {
		capabilities = DefaultCapabilities()
	}
	if cfg.DocWorkers <= 0 {
		cfg.DocWorkers = 4
	}
	if cfg.PromptChars <= 0 {
		cfg.PromptChars = docproc.DefaultMaxChars
	}
	return &Orchestrator{
		store:        st,
		downloads:    downloads,
		cache:        cache,
		backend:      backend,
		extractor:    extractor,
		capabilities: capabilities,
		cfg:          cfg,
		active:       make(map[string]*activeRun),
	}
}

// Start validates req, atomically creates the pending run and executes it
// in the background. A non-terminal run for the same opportunity and type
// yields model.ErrConflict.
func (o *Orchestrator) Start(ctx context.Context, req RunRequest) (*model.AnalysisResult, error) {
	typ, err := model.ParseAnalysisType(req.AnalysisType)
	if err != nil {
		return nil, err
	}
	if req.OpportunityID == "" {
		return nil, eris.Wrap(model.ErrValidation, "pipeline: opportunity_id is required")
	}
	if _, err := o.store.GetOpportunity(ctx, req.OpportunityID); err != nil {
		return nil, err
	}
	if err := o.checkAttachmentIDs(ctx, req.OpportunityID, req.AttachmentIDs); err != nil {
		return nil, err
	}

	run, err := o.store.CreateRun(ctx, req.OpportunityID, typ, model.RunOptions{
		AttachmentIDs: req.AttachmentIDs,
		Extra:         req.Options,
	})
	if err != nil {
		return nil, err
	}

	o.register(run.ID)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if err := o.Execute(context.WithoutCancel(ctx), run.ID); err != nil {
			zap.L().Error("pipeline: run failed",
				zap.String("run_id", run.ID),
				zap.String("opportunity_id", run.OpportunityID),
				zap.Error(err),
			)
		}
	}()

	zap.L().Info("pipeline: run started",
		zap.String("run_id", run.ID),
		zap.String("opportunity_id", run.OpportunityID),
		zap.String("analysis_type", string(typ)),
	)
	return run, nil
}

func (o *Orchestrator) checkAttachmentIDs(ctx context.Context, opportunityID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	atts, err := o.store.ListAttachments(ctx, opportunityID)
	if err != nil {
		return eris.Wrap(err, "pipeline: list attachments")
	}
	known := make(map[string]bool, len(atts))
	for _, a := range atts {
		known[a.ID] = true
	}
	for _, id := range ids {
		if !known[id] {
			return eris.Wrapf(model.ErrValidation, "pipeline: attachment %s does not belong to opportunity %s", id, opportunityID)
		}
	}
	return nil
}

// Wait blocks until every run started by Start has finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Shutdown requests cancellation of every executing run and waits for them
// to stop, or for ctx to end.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	for _, a := range o.active {
		a.cancelled.Store(true)
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return eris.Wrap(ctx.Err(), "pipeline: shutdown")
	}
}

// Cancel requests cooperative cancellation. An executing run stops at its
// next stage or document boundary; a non-terminal run that is not executing
// in this process is failed immediately.
func (o *Orchestrator) Cancel(ctx context.Context, resultID string) error {
	run, err := o.store.GetRun(ctx, resultID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return eris.Wrapf(model.ErrConflict, "pipeline: run %s is already %s", resultID, run.Status)
	}

	o.mu.Lock()
	a, ok := o.active[resultID]
	o.mu.Unlock()
	if ok {
		a.cancelled.Store(true)
		zap.L().Info("pipeline: cancellation requested", zap.String("run_id", resultID))
		return nil
	}

	return o.store.FailRun(ctx, resultID, model.FailureCancelled, "cancelled", "")
}

// GetResult returns the run; result_json holds only completed stages.
func (o *Orchestrator) GetResult(ctx context.Context, resultID string) (*model.AnalysisResult, error) {
	return o.store.GetRun(ctx, resultID)
}

// GetLogs returns the most recent limit messages of a run in write order.
func (o *Orchestrator) GetLogs(ctx context.Context, resultID string, limit int) ([]model.AgentMessage, error) {
	if _, err := o.store.GetRun(ctx, resultID); err != nil {
		return nil, err
	}
	return o.store.GetLogs(ctx, resultID, store.ClampLogLimit(limit))
}

// ListRuns lists runs matching filter.
func (o *Orchestrator) ListRuns(ctx context.Context, filter store.RunFilter) ([]model.AnalysisResult, error) {
	return o.store.ListRuns(ctx, filter)
}

// PatternLookup is the decision pattern consulted for an opportunity.
type PatternLookup struct {
	Found   bool                   `json:"found"`
	KeyHash string                 `json:"key_hash"`
	Pattern *model.DecisionPattern `json:"pattern,omitempty"`
}

// DecisionPattern looks up the cached pattern for an opportunity. Absence
// is not an error.
func (o *Orchestrator) DecisionPattern(ctx context.Context, opportunityID string) (*PatternLookup, error) {
	opp, err := o.store.GetOpportunity(ctx, opportunityID)
	if err != nil {
		return nil, err
	}
	p, ok, err := o.cache.Lookup(ctx, *opp)
	if err != nil {
		return nil, err
	}
	return &PatternLookup{Found: ok, KeyHash: patterns.SignatureOf(*opp).KeyHash(), Pattern: p}, nil
}

func (o *Orchestrator) register(id string) *activeRun {
	o.mu.Lock()
	defer o.mu.Unlock()
	a, ok := o.active[id]
	if !ok {
		a = &activeRun{}
		o.active[id] = a
	}
	return a
}

func (o *Orchestrator) unregister(id string) {
	o.mu.Lock()
	delete(o.active, id)
	o.mu.Unlock()
}

// runState is the in-memory state of one executing run.
type runState struct {
	run     *model.AnalysisResult
	opp     model.Opportunity
	result  *model.ResultJSON
	handle  *activeRun
	log     *runLogger
	pattern *model.DecisionPattern

	// docs carries full document text between stages; only excerpts are
	// persisted.
	docs     []model.ProcessedDocument
	warnings []string
}

func (rs *runState) cancelled() bool { return rs.handle.cancelled.Load() }

func (rs *runState) warn(stage model.StageName, msg string) {
	rs.warnings = append(rs.warnings, msg)
	rs.log.Warn(stage, "", msg)
}

// stageError is a stage failure with the reason it is recorded under.
type stageError struct {
	stage  model.StageName
	reason model.FailureReason
	err    error
}

func (e *stageError) Error() string {
	return fmt.Sprintf("stage %s failed: %v", e.stage, e.err)
}

func (e *stageError) Unwrap() error { return e.err }

// Execute runs a pending run to a terminal state. It is what Start runs in
// the background and may be called directly.
func (o *Orchestrator) Execute(ctx context.Context, resultID string) error {
	handle := o.register(resultID)
	defer o.unregister(resultID)

	run, err := o.store.GetRun(ctx, resultID)
	if err != nil {
		return err
	}
	if run.Status != model.RunStatusPending {
		return eris.Wrapf(model.ErrConflict, "pipeline: run %s is %s", resultID, run.Status)
	}

	rs := &runState{
		run:    run,
		result: model.NewResultJSON(),
		handle: handle,
		log:    newRunLogger(o.store, run),
	}

	if rs.cancelled() {
		return o.fail(ctx, rs, &stageError{reason: model.FailureCancelled, err: model.ErrCancelled})
	}
	if err := o.store.MarkRunRunning(ctx, resultID); err != nil {
		return o.fail(ctx, rs, &stageError{reason: model.FailureInternal, err: eris.Wrap(err, "mark run running")})
	}
	rs.log.Info("", "", "run started")

	opp, err := o.store.GetOpportunity(ctx, run.OpportunityID)
	if err != nil {
		return o.fail(ctx, rs, &stageError{reason: model.FailureInternal, err: err})
	}
	rs.opp = *opp

	o.consultCache(ctx, rs)

	job, err := o.downloads.Ensure(ctx, run.OpportunityID)
	if err != nil {
		return o.fail(ctx, rs, &stageError{reason: model.FailureInternal, err: eris.Wrap(err, "ensure downloads")})
	}
	if job.FailedCount > 0 {
		rs.warn("", fmt.Sprintf("%d attachment(s) could not be downloaded: %s", job.FailedCount, job.ErrorMessage))
	}

	for _, stage := range model.StageOrder {
		if rs.cancelled() {
			return o.fail(ctx, rs, &stageError{stage: stage, reason: model.FailureCancelled, err: model.ErrCancelled})
		}

		out, err := o.runStage(ctx, rs, stage)
		if err == nil {
			err = rs.result.Apply(out)
		}
		if err != nil {
			if stage == model.StageQualityAssurance && !errors.Is(err, model.ErrCancelled) {
				rs.warn(stage, fmt.Sprintf("quality assurance failed: %v", err))
				break
			}
			return o.fail(ctx, rs, o.asStageError(ctx, stage, err))
		}

		if stage != model.StageQualityAssurance {
			if err := o.store.UpdateRunResult(ctx, resultID, rs.result); err != nil {
				return o.fail(ctx, rs, &stageError{reason: model.FailureInternal, err: err})
			}
		}
	}

	return o.complete(ctx, rs)
}

// consultCache records a decision pattern hit. Cache errors only warn; the
// run computes from scratch.
func (o *Orchestrator) consultCache(ctx context.Context, rs *runState) {
	p, ok, err := o.cache.Lookup(ctx, rs.opp)
	switch {
	case err != nil:
		rs.warn("", fmt.Sprintf("decision pattern lookup failed: %v", err))
	case ok && len(p.Payload.For(rs.run.AnalysisType)) == 0:
		rs.log.Info("", "", fmt.Sprintf("decision pattern %s holds no %s recommendations; computing from scratch", p.PatternDesc, rs.run.AnalysisType))
	case ok:
		rs.pattern = p
		rs.result.DecisionPattern = &model.DecisionPatternRef{KeyHash: p.KeyHash, PatternDesc: p.PatternDesc}
		rs.log.Info("", "", "decision pattern hit: "+p.PatternDesc)
		if err := o.store.UpdateRunResult(ctx, rs.run.ID, rs.result); err != nil {
			rs.log.Warn("", "", fmt.Sprintf("persist decision pattern reference: %v", err))
		}
	default:
		rs.log.Info("", "", "no decision pattern cached; computing from scratch")
	}
}

func (o *Orchestrator) asStageError(ctx context.Context, stage model.StageName, err error) *stageError {
	reason := model.FailureStageFailed
	switch {
	case errors.Is(err, model.ErrCancelled):
		reason = model.FailureCancelled
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		reason = model.FailureTimeout
	}
	return &stageError{stage: stage, reason: reason, err: err}
}

// runStage executes one stage under its own AgentRun and timeout.
func (o *Orchestrator) runStage(ctx context.Context, rs *runState, stage model.StageName) (model.StageOutput, error) {
	ar, err := o.store.CreateAgentRun(ctx, rs.run.ID, stage)
	if err != nil {
		return nil, eris.Wrap(err, "create agent run")
	}
	sc := &stageContext{o: o, rs: rs, stage: stage, agentRunID: ar.ID}

	timeout := o.cfg.timeout(stage)
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	rs.log.Info(stage, ar.ID, "stage started")
	out, err := o.callStage(sctx, sc)
	if err == nil && out != nil {
		err = out.Validate()
	}
	if errors.Is(sctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		err = eris.Wrapf(context.DeadlineExceeded, "timed out after %s", timeout)
	}
	duration := time.Since(start).Milliseconds()

	status, msg := model.AgentRunCompleted, ""
	if err != nil {
		status, msg = model.AgentRunFailed, err.Error()
		rs.log.Error(stage, ar.ID, "stage failed: "+msg)
	} else {
		rs.log.Info(stage, ar.ID, fmt.Sprintf("stage complete in %dms", duration))
	}
	if ferr := o.store.FinishAgentRun(context.WithoutCancel(ctx), ar.ID, status, msg); ferr != nil {
		zap.L().Warn("pipeline: finish agent run", zap.String("agent_run_id", ar.ID), zap.Error(ferr))
	}

	zap.L().Info("pipeline: stage finished",
		zap.String("run_id", rs.run.ID),
		zap.String("stage", string(stage)),
		zap.String("status", string(status)),
		zap.Int64("duration_ms", duration),
	)
	return out, err
}

type stageResult struct {
	out model.StageOutput
	err error
}

// callStage runs the stage function and returns when it does or when sctx
// ends, whichever is first. A stage that ignores sctx is abandoned; its
// late result is discarded.
func (o *Orchestrator) callStage(sctx context.Context, sc *stageContext) (model.StageOutput, error) {
	fn := o.stageFunc(sc.stage)
	done := make(chan stageResult, 1)
	go func() {
		out, err := fn(sctx, sc)
		done <- stageResult{out: out, err: err}
	}()
	select {
	case r := <-done:
		return r.out, r.err
	case <-sctx.Done():
		return nil, sctx.Err()
	}
}

// fail records a terminal failure. The returned error is the stage error.
func (o *Orchestrator) fail(ctx context.Context, rs *runState, se *stageError) error {
	ctx = context.WithoutCancel(ctx)
	msg := se.Error()
	if se.stage == "" {
		msg = se.err.Error()
	}
	if se.reason == model.FailureCancelled {
		msg = "cancelled"
		if se.stage != "" {
			msg = fmt.Sprintf("cancelled before stage %s", se.stage)
		}
	}
	rs.log.Error(se.stage, "", "run failed: "+msg)
	if err := o.store.FailRun(ctx, rs.run.ID, se.reason, msg, se.stage); err != nil {
		return eris.Wrapf(err, "pipeline: record failure of run %s", rs.run.ID)
	}
	return se
}

// complete marks the run completed, writes the JSON artifact and stores the
// decision pattern.
func (o *Orchestrator) complete(ctx context.Context, rs *runState) error {
	var confidence *float64
	if rs.result.QA != nil {
		score := rs.result.QA.Score
		confidence = &score
	}
	if err := o.store.CompleteRun(ctx, rs.run.ID, rs.result, confidence, rs.warnings); err != nil {
		return o.fail(ctx, rs, &stageError{reason: model.FailureInternal, err: eris.Wrap(err, "complete run")})
	}
	rs.log.Info("", "", "run completed")

	if o.cfg.ArtifactsDir != "" {
		if path, err := o.writeArtifact(ctx, rs.run.ID); err != nil {
			zap.L().Warn("pipeline: write artifact", zap.String("run_id", rs.run.ID), zap.Error(err))
		} else if err := o.store.SetRunArtifacts(ctx, rs.run.ID, nil, &path); err != nil {
			zap.L().Warn("pipeline: backfill json_path", zap.String("run_id", rs.run.ID), zap.Error(err))
		}
	}

	o.storePattern(ctx, rs)
	return nil
}

func (o *Orchestrator) storePattern(ctx context.Context, rs *runState) {
	p := rs.result.Proposal
	if p == nil || p.FromCache || len(p.Recommendations) == 0 {
		return
	}
	sig := patterns.SignatureOf(rs.opp)
	if sig.Empty() {
		rs.log.Info("", "", "opportunity has no signature fields; decision pattern not stored")
		return
	}
	dp := &model.DecisionPattern{SourceRunID: rs.run.ID}
	if rs.run.AnalysisType == model.AnalysisTypeHotelMatch {
		dp.Payload.RecommendedHotels = p.Recommendations
	} else {
		dp.Payload.Recommendations = p.Recommendations
	}
	if err := o.cache.Store(ctx, sig, dp); err != nil {
		zap.L().Warn("pipeline: store decision pattern", zap.String("run_id", rs.run.ID), zap.Error(err))
		return
	}
	rs.log.Info("", "", "decision pattern stored: "+dp.PatternDesc)
}

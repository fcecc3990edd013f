package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/bid-intel/internal/agent"
	"github.com/sells-group/bid-intel/internal/model"
)

// excerptChars is how much of each document is persisted in result_json.
const excerptChars = 500

type stageFunc func(ctx context.Context, sc *stageContext) (model.StageOutput, error)

// stageContext is what a stage sees of its run.
type stageContext struct {
	o          *Orchestrator
	rs         *runState
	stage      model.StageName
	agentRunID string
}

func (sc *stageContext) info(msg string) { sc.rs.log.Info(sc.stage, sc.agentRunID, msg) }

func (sc *stageContext) warn(msg string) { sc.rs.log.Warn(sc.stage, sc.agentRunID, msg) }

// complete calls the model and records the call, successful or not.
func (sc *stageContext) complete(ctx context.Context, system, prompt string) (string, error) {
	resp, err := sc.o.backend.Complete(ctx, agent.Request{
		Stage:  sc.stage,
		System: system,
		Prompt: prompt,
	})
	if err != nil {
		if call, ok := agent.FailedCall(err); ok {
			sc.rs.log.recordCall(call, sc.agentRunID, sc.stage)
		}
		return "", err
	}
	sc.rs.log.recordCall(resp.Call, sc.agentRunID, sc.stage)
	return resp.Text, nil
}

func (o *Orchestrator) stageFunc(stage model.StageName) stageFunc {
	switch stage {
	case model.StageDocumentProcessing:
		return processDocuments
	case model.StageRequirementsExtraction:
		return extractRequirements
	case model.StageComplianceAnalysis:
		return analyzeCompliance
	case model.StageProposalWriting:
		return writeProposal
	case model.StageQualityAssurance:
		return assessQuality
	default:
		return func(context.Context, *stageContext) (model.StageOutput, error) {
			return nil, eris.Errorf("pipeline: unknown stage %q", stage)
		}
	}
}

// --- Document processing ---

// processDocuments extracts every selected, downloaded attachment with
// bounded parallelism. Failed documents are excluded, not fatal.
func processDocuments(ctx context.Context, sc *stageContext) (model.StageOutput, error) {
	rs := sc.rs
	atts, err := sc.o.store.ListAttachments(ctx, rs.run.OpportunityID)
	if err != nil {
		return nil, eris.Wrap(err, "list attachments")
	}
	atts = selectAttachments(atts, rs.run.Options.AttachmentIDs)
	if len(atts) == 0 {
		return nil, eris.Wrap(model.ErrValidation, "no attachments selected")
	}

	type slot struct {
		doc      *model.ProcessedDocument
		excluded *model.ExcludedDocument
	}
	slots := make([]slot, len(atts))

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sc.o.cfg.DocWorkers)
	for i, att := range atts {
		if rs.cancelled() {
			break
		}
		if att.Pending() {
			slots[i].excluded = &model.ExcludedDocument{AttachmentID: att.ID, Name: att.Name, Reason: "not downloaded"}
			continue
		}
		g.Go(func() error {
			// No new document starts once cancellation is observed.
			if rs.cancelled() {
				return nil
			}
			doc, err := sc.o.extractor.Extract(gctx, *att.LocalPath)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				slots[i].excluded = &model.ExcludedDocument{AttachmentID: att.ID, Name: att.Name, Reason: err.Error()}
				return nil
			}
			text := doc.Text
			slots[i].doc = &model.ProcessedDocument{
				AttachmentID: att.ID,
				Name:         att.Name,
				Kind:         string(doc.Kind),
				Chars:        doc.Chars,
				Truncated:    doc.Truncated,
				Excerpt:      clip(text, excerptChars),
				Text:         text,
			}
			return nil
		})
	}
	_ = g.Wait()
	if rs.cancelled() {
		return nil, model.ErrCancelled
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := model.DocumentsOutput{Documents: []model.ProcessedDocument{}}
	for _, s := range slots {
		switch {
		case s.doc != nil:
			out.Documents = append(out.Documents, *s.doc)
			sc.info(fmt.Sprintf("extracted %s (%s, %d chars)", s.doc.Name, s.doc.Kind, s.doc.Chars))
		case s.excluded != nil:
			out.Excluded = append(out.Excluded, *s.excluded)
			sc.warn(fmt.Sprintf("excluded %s: %s", s.excluded.Name, s.excluded.Reason))
		}
	}
	if len(out.Documents) == 0 {
		return nil, eris.Errorf("no usable documents (%d excluded)", len(out.Excluded))
	}
	rs.docs = out.Documents
	return out, nil
}

func selectAttachments(atts []model.Attachment, ids []string) []model.Attachment {
	if len(ids) == 0 {
		return atts
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []model.Attachment
	for _, a := range atts {
		if want[a.ID] {
			out = append(out, a)
		}
	}
	return out
}

// --- Requirements extraction ---

const requirementsSystem = `You extract requirements from government solicitation documents for lodging, event and travel support contracts.
Respond with a single JSON object: {"requirements":[{"id":"R1","category":"capacity|date|transport|av|invoice|clauses|other","text":"...","priority":"low|medium|high","source_document":"file name"}]}.`

type requirementsPayload struct {
	Requirements []struct {
		ID             string `json:"id"`
		Category       string `json:"category"`
		Text           string `json:"text"`
		Priority       string `json:"priority"`
		SourceDocument string `json:"source_document"`
	} `json:"requirements"`
}

func extractRequirements(ctx context.Context, sc *stageContext) (model.StageOutput, error) {
	prompt := fmt.Sprintf("Opportunity: %s\nAgency: %s\nNAICS: %s\nLocation: %s\n\n%s",
		sc.rs.opp.Title, sc.rs.opp.Agency, sc.rs.opp.NAICSCode, sc.rs.opp.Location,
		documentsPrompt(sc.rs.docs, sc.o.cfg.PromptChars))

	text, err := sc.complete(ctx, requirementsSystem, prompt)
	if err != nil {
		return nil, err
	}
	payload, err := agent.DecodeJSON[requirementsPayload](text)
	if err != nil {
		return nil, err
	}

	out := model.RequirementsOutput{}
	seen := make(map[string]bool)
	for i, r := range payload.Requirements {
		body := strings.TrimSpace(r.Text)
		if body == "" {
			continue
		}
		base := strings.TrimSpace(r.ID)
		if base == "" {
			base = fmt.Sprintf("R%d", i+1)
		}
		id := base
		for n := 2; seen[id]; n++ {
			id = fmt.Sprintf("%s-%d", base, n)
		}
		seen[id] = true
		out.Requirements = append(out.Requirements, model.Requirement{
			ID:             id,
			Category:       model.ParseRequirementCategory(r.Category),
			Text:           body,
			Priority:       model.ParsePriority(r.Priority),
			SourceDocument: r.SourceDocument,
		})
	}
	if len(out.Requirements) == 0 {
		return nil, eris.Wrap(model.ErrValidation, "no requirements extracted")
	}
	sc.info(fmt.Sprintf("extracted %d requirements", len(out.Requirements)))
	return out, nil
}

func documentsPrompt(docs []model.ProcessedDocument, budget int) string {
	var b strings.Builder
	per := budget
	if len(docs) > 0 {
		per = budget / len(docs)
	}
	for _, d := range docs {
		fmt.Fprintf(&b, "=== %s ===\n%s\n\n", d.Name, clip(d.Text, per))
	}
	return b.String()
}

// --- Compliance analysis ---

const complianceSystem = `You assess whether a contractor can meet each solicitation requirement given its capability catalogue.
Respond with a single JSON object: {"assessments":[{"requirement_id":"R1","risk":"low|medium|high|critical","capability":"catalogue entry name or empty","rationale":"..."}]}.`

type compliancePayload struct {
	Assessments []struct {
		RequirementID string `json:"requirement_id"`
		Risk          string `json:"risk"`
		Capability    string `json:"capability"`
		Rationale     string `json:"rationale"`
	} `json:"assessments"`
}

// analyzeCompliance builds one matrix entry per requirement. Requirements
// the model did not assess are graded high.
func analyzeCompliance(ctx context.Context, sc *stageContext) (model.StageOutput, error) {
	reqs := sc.rs.result.Requirements
	reqJSON, err := json.Marshal(reqs)
	if err != nil {
		return nil, eris.Wrap(err, "encode requirements")
	}
	capJSON, err := json.Marshal(sc.o.capabilities)
	if err != nil {
		return nil, eris.Wrap(err, "encode capabilities")
	}
	prompt := fmt.Sprintf("Capability catalogue:\n%s\n\nRequirements:\n%s", capJSON, reqJSON)

	text, err := sc.complete(ctx, complianceSystem, prompt)
	if err != nil {
		return nil, err
	}
	payload, err := agent.DecodeJSON[compliancePayload](text)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]int, len(payload.Assessments))
	for i, a := range payload.Assessments {
		byID[strings.TrimSpace(a.RequirementID)] = i
	}

	out := model.ComplianceOutput{Matrix: make([]model.ComplianceEntry, 0, len(reqs))}
	levels := make([]model.RiskLevel, 0, len(reqs))
	var unassessed int
	for _, r := range reqs {
		entry := model.ComplianceEntry{
			RequirementID: r.ID,
			Category:      r.Category,
			Requirement:   r.Text,
			Risk:          model.RiskHigh,
		}
		if i, ok := byID[r.ID]; ok {
			a := payload.Assessments[i]
			if risk, valid := model.ParseRiskLevel(a.Risk); valid {
				entry.Risk = risk
				entry.Assessed = true
			}
			entry.Capability = a.Capability
			entry.Rationale = a.Rationale
		}
		if !entry.Assessed {
			unassessed++
			if entry.Rationale == "" {
				entry.Rationale = "not assessed"
			}
		}
		if entry.Capability == "" {
			if m := sc.o.capabilities.Match(r); len(m) > 0 {
				entry.Capability = m[0].Name
			}
		}
		out.Matrix = append(out.Matrix, entry)
		levels = append(levels, entry.Risk)
	}
	out.OverallRisk = model.MaxRisk(levels...)

	if unassessed > 0 {
		sc.warn(fmt.Sprintf("%d requirement(s) not assessed; graded high", unassessed))
	}
	sc.info(fmt.Sprintf("overall risk %s across %d requirements", out.OverallRisk, len(out.Matrix)))
	return out, nil
}

// --- Proposal writing ---

const proposalSystem = `You write proposal drafts for government lodging and event support solicitations.
Respond with a single JSON object: {"sections":[{"title":"Executive Summary","body":"..."},{"title":"Technical Approach","body":"..."}]}.`

const recommendationsSystem = `You recommend vendors and venues for a government lodging or event solicitation.
Respond with a single JSON object: {"recommendations":[{"name":"...","rationale":"..."}]}.`

type proposalPayload struct {
	Sections []model.ProposalSection `json:"sections"`
}

type recommendationsPayload struct {
	Recommendations []model.Recommendation `json:"recommendations"`
}

// writeProposal drafts the narrative sections. Recommendations come from
// the decision pattern when one was cached, otherwise from a second call.
func writeProposal(ctx context.Context, sc *stageContext) (model.StageOutput, error) {
	rs := sc.rs
	compliance, _ := rs.result.Compliance()
	summary, err := json.Marshal(struct {
		Opportunity  model.Opportunity       `json:"opportunity"`
		AnalysisType model.AnalysisType      `json:"analysis_type"`
		Requirements []model.Requirement     `json:"requirements"`
		Compliance   []model.ComplianceEntry `json:"compliance_matrix"`
		OverallRisk  model.RiskLevel         `json:"overall_risk"`
	}{rs.opp, rs.run.AnalysisType, rs.result.Requirements, compliance.Matrix, compliance.OverallRisk})
	if err != nil {
		return nil, eris.Wrap(err, "encode proposal input")
	}

	text, err := sc.complete(ctx, proposalSystem, string(summary))
	if err != nil {
		return nil, err
	}
	payload, err := agent.DecodeJSON[proposalPayload](text)
	if err != nil {
		return nil, err
	}
	out := model.ProposalOutput{}
	for _, s := range payload.Sections {
		if strings.TrimSpace(s.Title) != "" && strings.TrimSpace(s.Body) != "" {
			out.Sections = append(out.Sections, s)
		}
	}

	if cached := cachedRecommendations(rs.pattern, rs.run.AnalysisType); len(cached) > 0 {
		out.Recommendations = cached
		out.FromCache = true
		sc.info(fmt.Sprintf("using %d cached recommendations from %s", len(cached), rs.pattern.PatternDesc))
	} else {
		if rs.cancelled() {
			return nil, model.ErrCancelled
		}
		text, err := sc.complete(ctx, recommendationsSystem, string(summary))
		if err != nil {
			return nil, err
		}
		recs, err := agent.DecodeJSON[recommendationsPayload](text)
		if err != nil {
			return nil, err
		}
		for _, r := range recs.Recommendations {
			if strings.TrimSpace(r.Name) != "" {
				out.Recommendations = append(out.Recommendations, r)
			}
		}
	}
	sc.info(fmt.Sprintf("drafted %d sections, %d recommendations", len(out.Sections), len(out.Recommendations)))
	return out, nil
}

func cachedRecommendations(p *model.DecisionPattern, t model.AnalysisType) []model.Recommendation {
	if p == nil {
		return nil
	}
	return p.Payload.For(t)
}

// --- Quality assurance ---

const qaSystem = `You review a proposal draft against the solicitation requirements.
Respond with a single JSON object: {"completeness":0.0-1.0,"format_compliance":0.0-1.0,"requirement_coverage":0.0-1.0,"score":0.0-1.0,"recommendations":["actionable suggestion"]}.`

func assessQuality(ctx context.Context, sc *stageContext) (model.StageOutput, error) {
	rs := sc.rs
	input, err := json.Marshal(struct {
		Requirements []model.Requirement   `json:"requirements"`
		Proposal     *model.ProposalOutput `json:"proposal"`
	}{rs.result.Requirements, rs.result.Proposal})
	if err != nil {
		return nil, eris.Wrap(err, "encode qa input")
	}

	text, err := sc.complete(ctx, qaSystem, string(input))
	if err != nil {
		return nil, err
	}
	out, err := agent.DecodeJSON[model.QAOutput](text)
	if err != nil {
		return nil, err
	}
	if out.Score == 0 {
		out.Score = (out.Completeness + out.FormatCompliance + out.RequirementCoverage) / 3
	}
	sc.info(fmt.Sprintf("qa score %.2f", out.Score))
	return out, nil
}

// clip returns at most n runes of s.
func clip(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for j := range s {
		if i == n {
			return s[:j]
		}
		i++
	}
	return s
}

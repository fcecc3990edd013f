package model

import (
	"github.com/rotisserie/eris"
)

// StageName identifies one pipeline stage. The zero value is not a stage.
type StageName string

const (
	StageDocumentProcessing     StageName = "document_processing"
	StageRequirementsExtraction StageName = "requirements_extraction"
	StageComplianceAnalysis     StageName = "compliance_analysis"
	StageProposalWriting        StageName = "proposal_writing"
	StageQualityAssurance       StageName = "quality_assurance"
)

// StageOrder is the fixed execution order.
var StageOrder = []StageName{
	StageDocumentProcessing,
	StageRequirementsExtraction,
	StageComplianceAnalysis,
	StageProposalWriting,
	StageQualityAssurance,
}

// StageOutput is the closed set of stage results. Each implementation is
// validated before the next stage consumes it.
type StageOutput interface {
	Stage() StageName
	Validate() error
}

// ProcessedDocument is one attachment whose text was extracted.
type ProcessedDocument struct {
	AttachmentID string `json:"attachment_id"`
	Name         string `json:"name"`
	Kind         string `json:"kind"`
	Chars        int    `json:"chars"`
	Truncated    bool   `json:"truncated,omitempty"`
	Excerpt      string `json:"excerpt,omitempty"`
	Text         string `json:"-"`
}

// ExcludedDocument is an attachment dropped from later stages.
type ExcludedDocument struct {
	AttachmentID string `json:"attachment_id"`
	Name         string `json:"name"`
	Reason       string `json:"reason"`
}

// DocumentsOutput is produced by document processing.
type DocumentsOutput struct {
	Documents []ProcessedDocument `json:"documents"`
	Excluded  []ExcludedDocument  `json:"excluded,omitempty"`
}

func (DocumentsOutput) Stage() StageName { return StageDocumentProcessing }

func (o DocumentsOutput) Validate() error {
	if len(o.Documents) == 0 {
		return eris.New("documents: no usable documents")
	}
	for _, d := range o.Documents {
		if d.AttachmentID == "" {
			return eris.New("documents: document without attachment id")
		}
	}
	return nil
}

// RequirementsOutput is produced by requirements extraction.
type RequirementsOutput struct {
	Requirements []Requirement `json:"requirements"`
}

func (RequirementsOutput) Stage() StageName { return StageRequirementsExtraction }

func (o RequirementsOutput) Validate() error {
	if len(o.Requirements) == 0 {
		return eris.New("requirements: none extracted")
	}
	seen := make(map[string]bool, len(o.Requirements))
	for _, r := range o.Requirements {
		if r.ID == "" || r.Text == "" {
			return eris.Errorf("requirements: incomplete requirement %q", r.ID)
		}
		if seen[r.ID] {
			return eris.Errorf("requirements: duplicate id %q", r.ID)
		}
		seen[r.ID] = true
		if ParseRequirementCategory(string(r.Category)) != r.Category {
			return eris.Errorf("requirements: unknown category %q", r.Category)
		}
	}
	return nil
}

// ComplianceOutput is produced by compliance analysis. It carries one
// matrix entry per requirement.
type ComplianceOutput struct {
	Matrix      []ComplianceEntry `json:"compliance_matrix"`
	OverallRisk RiskLevel         `json:"overall_risk"`
}

func (ComplianceOutput) Stage() StageName { return StageComplianceAnalysis }

func (o ComplianceOutput) Validate() error {
	if len(o.Matrix) == 0 {
		return eris.New("compliance: empty matrix")
	}
	levels := make([]RiskLevel, 0, len(o.Matrix))
	for _, e := range o.Matrix {
		if !e.Risk.Valid() {
			return eris.Errorf("compliance: invalid risk %q for %s", e.Risk, e.RequirementID)
		}
		levels = append(levels, e.Risk)
	}
	if o.OverallRisk != MaxRisk(levels...) {
		return eris.Errorf("compliance: overall risk %q does not match matrix", o.OverallRisk)
	}
	return nil
}

// ProposalSection is one narrative block of the draft.
type ProposalSection struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// ProposalOutput is produced by proposal writing.
type ProposalOutput struct {
	Sections        []ProposalSection `json:"sections"`
	Recommendations []Recommendation  `json:"recommendations,omitempty"`
	FromCache       bool              `json:"recommendations_from_cache,omitempty"`
}

func (ProposalOutput) Stage() StageName { return StageProposalWriting }

func (o ProposalOutput) Validate() error {
	if len(o.Sections) == 0 {
		return eris.New("proposal: no sections")
	}
	for i, s := range o.Sections {
		if s.Title == "" || s.Body == "" {
			return eris.Errorf("proposal: section %d is empty", i)
		}
	}
	return nil
}

// QAOutput is produced by quality assurance. Scores are in [0,1].
type QAOutput struct {
	Completeness        float64  `json:"completeness"`
	FormatCompliance    float64  `json:"format_compliance"`
	RequirementCoverage float64  `json:"requirement_coverage"`
	Score               float64  `json:"score"`
	Recommendations     []string `json:"recommendations"`
}

func (QAOutput) Stage() StageName { return StageQualityAssurance }

func (o QAOutput) Validate() error {
	for name, v := range map[string]float64{
		"completeness":         o.Completeness,
		"format_compliance":    o.FormatCompliance,
		"requirement_coverage": o.RequirementCoverage,
		"score":                o.Score,
	} {
		if v < 0 || v > 1 {
			return eris.Errorf("qa: %s %.2f out of range", name, v)
		}
	}
	if len(o.Recommendations) == 0 {
		return eris.New("qa: no recommendations")
	}
	return nil
}

// DecisionPatternRef records a cache hit consulted by the run.
type DecisionPatternRef struct {
	KeyHash     string `json:"key_hash"`
	PatternDesc string `json:"pattern_desc"`
}

// ResultJSON is the persisted projection of a run's stage outputs. Only
// stages that completed are present.
type ResultJSON struct {
	CompletedStages  []StageName         `json:"completed_stages"`
	DecisionPattern  *DecisionPatternRef `json:"decision_pattern,omitempty"`
	Documents        *DocumentsOutput    `json:"documents,omitempty"`
	Requirements     []Requirement       `json:"requirements,omitempty"`
	ComplianceMatrix []ComplianceEntry   `json:"compliance_matrix,omitempty"`
	OverallRisk      RiskLevel           `json:"overall_risk,omitempty"`
	Proposal         *ProposalOutput     `json:"proposal,omitempty"`
	QA               *QAOutput           `json:"qa,omitempty"`
}

// NewResultJSON returns an empty projection.
func NewResultJSON() *ResultJSON {
	return &ResultJSON{CompletedStages: []StageName{}}
}

// Next returns the stage expected to complete next, or "" when all are done.
func (r *ResultJSON) Next() StageName {
	if len(r.CompletedStages) >= len(StageOrder) {
		return ""
	}
	return StageOrder[len(r.CompletedStages)]
}

// Has reports whether the stage's output is present.
func (r *ResultJSON) Has(stage StageName) bool {
	for _, s := range r.CompletedStages {
		if s == stage {
			return true
		}
	}
	return false
}

// Apply validates out and records it. Outputs must arrive in StageOrder.
func (r *ResultJSON) Apply(out StageOutput) error {
	if out == nil {
		return eris.New("result: nil stage output")
	}
	if want := r.Next(); out.Stage() != want {
		return eris.Errorf("result: got %s output, expected %s", out.Stage(), want)
	}
	if err := out.Validate(); err != nil {
		return eris.Wrapf(err, "result: invalid %s output", out.Stage())
	}

	switch o := out.(type) {
	case DocumentsOutput:
		r.Documents = &o
	case RequirementsOutput:
		r.Requirements = o.Requirements
	case ComplianceOutput:
		r.ComplianceMatrix = o.Matrix
		r.OverallRisk = o.OverallRisk
	case ProposalOutput:
		r.Proposal = &o
	case QAOutput:
		r.QA = &o
	default:
		return eris.Errorf("result: unsupported output type %T", out)
	}
	r.CompletedStages = append(r.CompletedStages, out.Stage())
	return nil
}

// Compliance returns the compliance output, if that stage completed.
func (r *ResultJSON) Compliance() (ComplianceOutput, bool) {
	if !r.Has(StageComplianceAnalysis) {
		return ComplianceOutput{}, false
	}
	return ComplianceOutput{Matrix: r.ComplianceMatrix, OverallRisk: r.OverallRisk}, true
}

package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validDocs() DocumentsOutput {
	return DocumentsOutput{Documents: []ProcessedDocument{{AttachmentID: "a1", Name: "sow.pdf", Kind: "pdf", Chars: 10, Text: "room block"}}}
}

func validReqs() RequirementsOutput {
	return RequirementsOutput{Requirements: []Requirement{
		{ID: "R1", Category: CategoryCapacity, Text: "150 rooms", Priority: PriorityHigh, SourceDocument: "sow.pdf"},
		{ID: "R2", Category: CategoryAV, Text: "projector", Priority: PriorityLow, SourceDocument: "sow.pdf"},
	}}
}

func validCompliance() ComplianceOutput {
	return ComplianceOutput{
		Matrix: []ComplianceEntry{
			{RequirementID: "R1", Category: CategoryCapacity, Risk: RiskHigh, Assessed: true},
			{RequirementID: "R2", Category: CategoryAV, Risk: RiskLow, Assessed: true},
		},
		OverallRisk: RiskHigh,
	}
}

func TestResultJSON_ApplyInOrder(t *testing.T) {
	t.Parallel()

	r := NewResultJSON()
	require.NoError(t, r.Apply(validDocs()))
	require.NoError(t, r.Apply(validReqs()))
	require.NoError(t, r.Apply(validCompliance()))
	require.NoError(t, r.Apply(ProposalOutput{Sections: []ProposalSection{{Title: "Executive Summary", Body: "We propose"}}}))
	require.NoError(t, r.Apply(QAOutput{Score: 0.8, Completeness: 0.9, FormatCompliance: 1, RequirementCoverage: 0.7, Recommendations: []string{"add pricing"}}))

	assert.Equal(t, StageOrder, r.CompletedStages)
	assert.Equal(t, StageName(""), r.Next())
	assert.Len(t, r.ComplianceMatrix, 2)
	assert.Equal(t, RiskHigh, r.OverallRisk)
	assert.NotNil(t, r.QA)
}

func TestResultJSON_ApplyOutOfOrder(t *testing.T) {
	t.Parallel()

	r := NewResultJSON()
	err := r.Apply(validReqs())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected document_processing")
	assert.Empty(t, r.CompletedStages)
}

func TestResultJSON_ApplyRejectsInvalid(t *testing.T) {
	t.Parallel()

	r := NewResultJSON()
	require.NoError(t, r.Apply(validDocs()))
	err := r.Apply(RequirementsOutput{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "none extracted")
	assert.Nil(t, r.Requirements)
	assert.Equal(t, StageRequirementsExtraction, r.Next())
}

func TestResultJSON_ProgressiveJSON(t *testing.T) {
	t.Parallel()

	r := NewResultJSON()
	require.NoError(t, r.Apply(validDocs()))

	raw, err := json.Marshal(r)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.Contains(t, m, "documents")
	assert.NotContains(t, m, "requirements")
	assert.NotContains(t, m, "compliance_matrix")
	assert.NotContains(t, m, "proposal")
	assert.NotContains(t, m, "qa")
	assert.NotContains(t, string(raw), "room block", "document text stays out of result_json")
}

func TestComplianceOutput_Validate(t *testing.T) {
	t.Parallel()

	c := validCompliance()
	c.OverallRisk = RiskLow
	assert.Error(t, c.Validate())

	c = validCompliance()
	c.Matrix[0].Risk = "severe"
	assert.Error(t, c.Validate())

	assert.NoError(t, validCompliance().Validate())
}

func TestQAOutput_Validate(t *testing.T) {
	t.Parallel()

	assert.Error(t, QAOutput{Score: 1.5, Recommendations: []string{"x"}}.Validate())
	assert.Error(t, QAOutput{Score: 0.5}.Validate())
	assert.NoError(t, QAOutput{Score: 0.5, Recommendations: []string{"x"}}.Validate())
}

func TestRequirementsOutput_DuplicateID(t *testing.T) {
	t.Parallel()

	o := validReqs()
	o.Requirements[1].ID = "R1"
	err := o.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

package model

import "strings"

// RequirementCategory classifies an extracted requirement.
type RequirementCategory string

const (
	CategoryCapacity  RequirementCategory = "capacity"
	CategoryDate      RequirementCategory = "date"
	CategoryTransport RequirementCategory = "transport"
	CategoryAV        RequirementCategory = "av"
	CategoryInvoice   RequirementCategory = "invoice"
	CategoryClauses   RequirementCategory = "clauses"
	CategoryOther     RequirementCategory = "other"
)

// RequirementCategories lists every category in display order.
var RequirementCategories = []RequirementCategory{
	CategoryCapacity, CategoryDate, CategoryTransport, CategoryAV,
	CategoryInvoice, CategoryClauses, CategoryOther,
}

// ParseRequirementCategory maps free text onto the taxonomy. Unknown values
// land in CategoryOther.
func ParseRequirementCategory(s string) RequirementCategory {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "capacity", "lodging", "rooms":
		return CategoryCapacity
	case "date", "dates", "schedule":
		return CategoryDate
	case "transport", "transportation", "shuttle":
		return CategoryTransport
	case "av", "a/v", "audio_visual", "audiovisual":
		return CategoryAV
	case "invoice", "invoicing", "billing":
		return CategoryInvoice
	case "clauses", "clause", "far", "contract":
		return CategoryClauses
	default:
		return CategoryOther
	}
}

// Priority ranks a requirement's importance.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// ParsePriority defaults unknown values to PriorityMedium.
func ParsePriority(s string) Priority {
	switch p := Priority(strings.ToLower(strings.TrimSpace(s))); p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return p
	default:
		return PriorityMedium
	}
}

// RiskLevel grades how hard a requirement is to satisfy.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Rank orders risk levels; 0 means unknown.
func (r RiskLevel) Rank() int {
	switch r {
	case RiskLow:
		return 1
	case RiskMedium:
		return 2
	case RiskHigh:
		return 3
	case RiskCritical:
		return 4
	default:
		return 0
	}
}

// Valid reports whether r is one of the four known levels.
func (r RiskLevel) Valid() bool { return r.Rank() > 0 }

// ParseRiskLevel returns the level and whether s named a known one.
func ParseRiskLevel(s string) (RiskLevel, bool) {
	r := RiskLevel(strings.ToLower(strings.TrimSpace(s)))
	return r, r.Valid()
}

// MaxRisk returns the most severe level, or RiskLow for an empty input.
func MaxRisk(levels ...RiskLevel) RiskLevel {
	out := RiskLow
	for _, l := range levels {
		if l.Rank() > out.Rank() {
			out = l
		}
	}
	return out
}

// Requirement is one typed obligation pulled from the solicitation.
type Requirement struct {
	ID             string              `json:"id"`
	Category       RequirementCategory `json:"category"`
	Text           string              `json:"text"`
	Priority       Priority            `json:"priority"`
	SourceDocument string              `json:"source_document"`
}

// ComplianceEntry is one row of the compliance matrix.
type ComplianceEntry struct {
	RequirementID string              `json:"requirement_id"`
	Category      RequirementCategory `json:"category"`
	Requirement   string              `json:"requirement"`
	Risk          RiskLevel           `json:"risk"`
	Capability    string              `json:"capability,omitempty"`
	Rationale     string              `json:"rationale,omitempty"`
	Assessed      bool                `json:"assessed"`
}

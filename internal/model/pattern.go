package model

import (
	"encoding/json"
	"time"
)

// DecisionPattern is a cached recommendation keyed by the signature of the
// opportunity attributes that produced it.
type DecisionPattern struct {
	KeyHash     string          `json:"key_hash"`
	PatternDesc string          `json:"pattern_desc"`
	Payload     PatternPayload  `json:"payload"`
	Signature   json.RawMessage `json:"signature,omitempty"`
	SourceRunID string          `json:"source_run_id,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// PatternPayload is the recommendation body stored with a pattern.
type PatternPayload struct {
	RecommendedHotels []Recommendation `json:"recommended_hotels,omitempty"`
	Recommendations   []Recommendation `json:"recommendations,omitempty"`
}

// Empty reports whether the payload holds no recommendations at all.
func (p PatternPayload) Empty() bool {
	return len(p.RecommendedHotels) == 0 && len(p.Recommendations) == 0
}

// Merge returns p with every non-empty field of next applied over it.
func (p PatternPayload) Merge(next PatternPayload) PatternPayload {
	if len(next.RecommendedHotels) > 0 {
		p.RecommendedHotels = next.RecommendedHotels
	}
	if len(next.Recommendations) > 0 {
		p.Recommendations = next.Recommendations
	}
	return p
}

// For returns the recommendations cached for one analysis type. Hotel
// matches read only the hotel list; every other type reads the generic
// list.
func (p PatternPayload) For(t AnalysisType) []Recommendation {
	if t == AnalysisTypeHotelMatch {
		return p.RecommendedHotels
	}
	return p.Recommendations
}

// Recommendation is a single named suggestion with a rationale.
type Recommendation struct {
	Name      string `json:"name"`
	Rationale string `json:"rationale,omitempty"`
}

package pipeline

import (
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/bid-intel/internal/model"
)

// Capability is one thing the company can deliver, used to judge how risky
// a requirement is.
type Capability struct {
	Name         string                      `yaml:"name" json:"name"`
	Description  string                      `yaml:"description" json:"description,omitempty"`
	Categories   []model.RequirementCategory `yaml:"categories" json:"categories"`
	Keywords     []string                    `yaml:"keywords" json:"keywords,omitempty"`
	BaselineRisk model.RiskLevel             `yaml:"baseline_risk" json:"baseline_risk"`
}

// Catalogue is the capability data compliance analysis cross-references.
type Catalogue struct {
	Capabilities []Capability `yaml:"capabilities" json:"capabilities"`
}

// LoadCapabilities reads a YAML catalogue. An empty path returns the
// built-in catalogue.
func LoadCapabilities(path string) (*Catalogue, error) {
	if path == "" {
		return DefaultCapabilities(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: read capabilities %s", path)
	}
	var c Catalogue
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, eris.Wrapf(err, "pipeline: parse capabilities %s", path)
	}
	if err := c.normalize(); err != nil {
		return nil, eris.Wrapf(err, "pipeline: capabilities %s", path)
	}
	return &c, nil
}

func (c *Catalogue) normalize() error {
	if len(c.Capabilities) == 0 {
		return eris.New("no capabilities defined")
	}
	for i := range c.Capabilities {
		cp := &c.Capabilities[i]
		if strings.TrimSpace(cp.Name) == "" {
			return eris.Errorf("capability %d has no name", i)
		}
		for j, cat := range cp.Categories {
			cp.Categories[j] = model.ParseRequirementCategory(string(cat))
		}
		if cp.BaselineRisk == "" {
			cp.BaselineRisk = model.RiskMedium
		}
		risk, ok := model.ParseRiskLevel(string(cp.BaselineRisk))
		if !ok {
			return eris.Errorf("capability %q: invalid baseline_risk %q", cp.Name, cp.BaselineRisk)
		}
		cp.BaselineRisk = risk
		for j, kw := range cp.Keywords {
			cp.Keywords[j] = strings.ToLower(strings.TrimSpace(kw))
		}
	}
	return nil
}

// Match returns the capabilities covering req, best first: a keyword hit
// within the category ranks above a bare category match.
func (c *Catalogue) Match(req model.Requirement) []Capability {
	text := strings.ToLower(req.Text)
	var strong, weak []Capability
	for _, cp := range c.Capabilities {
		if !cp.covers(req.Category) {
			continue
		}
		if cp.mentioned(text) {
			strong = append(strong, cp)
		} else {
			weak = append(weak, cp)
		}
	}
	return append(strong, weak...)
}

func (cp Capability) covers(cat model.RequirementCategory) bool {
	for _, c := range cp.Categories {
		if c == cat {
			return true
		}
	}
	return false
}

func (cp Capability) mentioned(text string) bool {
	for _, kw := range cp.Keywords {
		if kw != "" && strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

// DefaultCapabilities is the built-in catalogue for lodging and event
// support contracts.
func DefaultCapabilities() *Catalogue {
	return &Catalogue{Capabilities: []Capability{
		{
			Name:         "Room block sourcing",
			Description:  "Contracted room blocks at government per diem across partner hotels.",
			Categories:   []model.RequirementCategory{model.CategoryCapacity, model.CategoryDate},
			Keywords:     []string{"room", "lodging", "hotel", "per diem", "night"},
			BaselineRisk: model.RiskLow,
		},
		{
			Name:         "Meeting space and AV",
			Description:  "Breakout rooms, general session space and standard audio-visual packages.",
			Categories:   []model.RequirementCategory{model.CategoryAV, model.CategoryCapacity},
			Keywords:     []string{"projector", "microphone", "meeting room", "breakout", "a/v", "audio"},
			BaselineRisk: model.RiskMedium,
		},
		{
			Name:         "Ground transportation",
			Description:  "Airport and venue shuttles through subcontracted carriers.",
			Categories:   []model.RequirementCategory{model.CategoryTransport},
			Keywords:     []string{"shuttle", "bus", "airport", "transport"},
			BaselineRisk: model.RiskMedium,
		},
		{
			Name:         "Government invoicing",
			Description:  "Consolidated invoicing through IPP and WAWF.",
			Categories:   []model.RequirementCategory{model.CategoryInvoice},
			Keywords:     []string{"invoice", "wawf", "ipp", "payment"},
			BaselineRisk: model.RiskLow,
		},
		{
			Name:         "FAR clause compliance",
			Description:  "Standard FAR/DFARS flow-downs; no facility clearance.",
			Categories:   []model.RequirementCategory{model.CategoryClauses},
			Keywords:     []string{"far", "dfars", "52.", "clause"},
			BaselineRisk: model.RiskMedium,
		},
	}}
}

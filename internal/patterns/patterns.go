// Package patterns caches recommendations under a deterministic signature
// of the opportunity attributes that produced them.
package patterns

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/bid-intel/internal/model"
)

// ErrNoSignature is returned by Store when every signature field is blank.
// Such opportunities share no attributes worth caching under.
var ErrNoSignature = eris.New("patterns: opportunity has no signature fields")

// keyVersion is mixed into every hash so a change to the canonical
// encoding cannot collide with older keys.
const keyVersion = "v1"

// Signature is the normalised subset of opportunity fields that identifies
// a decision pattern. Only these fields affect the key.
type Signature struct {
	Location  string `json:"location"`
	NAICS     string `json:"naics"`
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
}

// Field is one named signature input.
type Field struct {
	Name  string
	Value string
}

// SignatureOf extracts and normalises the signature fields of opp.
func SignatureOf(opp model.Opportunity) Signature {
	return Signature{
		Location:  NormalizeLocation(opp.Location),
		NAICS:     strings.Join(strings.Fields(opp.NAICSCode), ""),
		StartDate: day(opp.StartDate),
		EndDate:   day(opp.EndDate),
	}
}

// NormalizeLocation applies NFKC, collapses whitespace and case-folds.
func NormalizeLocation(s string) string {
	s = norm.NFKC.String(s)
	s = strings.Join(strings.Fields(s), " ")
	// Casers are stateful; one per call.
	return cases.Fold().String(s)
}

func day(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.DateOnly)
}

// Empty reports whether every signature field is blank.
func (s Signature) Empty() bool {
	return s == Signature{}
}

// Fields returns the signature inputs in their fixed hashing order.
func (s Signature) Fields() []Field {
	return []Field{
		{Name: "location", Value: s.Location},
		{Name: "naics", Value: s.NAICS},
		{Name: "start_date", Value: s.StartDate},
		{Name: "end_date", Value: s.EndDate},
	}
}

// KeyHash is the hex SHA-256 of the length-prefixed canonical encoding.
func (s Signature) KeyHash() string {
	h := sha256.New()
	h.Write([]byte(keyVersion))
	for _, f := range s.Fields() {
		for _, part := range []string{f.Name, f.Value} {
			h.Write([]byte(strconv.Itoa(len(part))))
			h.Write([]byte{':'})
			h.Write([]byte(part))
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Describe renders a short human-readable label.
func (s Signature) Describe() string {
	var parts []string
	if s.NAICS != "" {
		parts = append(parts, "NAICS "+s.NAICS)
	}
	if s.Location != "" {
		parts = append(parts, "in "+s.Location)
	}
	if s.StartDate != "" || s.EndDate != "" {
		parts = append(parts, fmt.Sprintf("%s..%s", s.StartDate, s.EndDate))
	}
	if len(parts) == 0 {
		return "any opportunity"
	}
	return strings.Join(parts, " ")
}

// Store is the persistence the cache needs.
type Store interface {
	GetDecisionPattern(ctx context.Context, keyHash string) (*model.DecisionPattern, error)
	PutDecisionPattern(ctx context.Context, p *model.DecisionPattern) error
}

// Cache reads and writes decision patterns. It holds no state of its own;
// build one per process and pass it to the pipeline.
type Cache struct {
	store Store
}

// New creates a Cache over st.
func New(st Store) *Cache {
	return &Cache{store: st}
}

// Lookup returns the pattern for opp's signature. Absence is (nil, false, nil).
func (c *Cache) Lookup(ctx context.Context, opp model.Opportunity) (*model.DecisionPattern, bool, error) {
	return c.LookupSignature(ctx, SignatureOf(opp))
}

// LookupSignature is Lookup for a precomputed signature. An empty signature
// is always a miss.
func (c *Cache) LookupSignature(ctx context.Context, sig Signature) (*model.DecisionPattern, bool, error) {
	if sig.Empty() {
		return nil, false, nil
	}
	p, err := c.store.GetDecisionPattern(ctx, sig.KeyHash())
	if err != nil {
		return nil, false, eris.Wrap(err, "patterns: lookup")
	}
	if p == nil {
		return nil, false, nil
	}
	return p, true, nil
}

// Store saves p under sig. Each payload field p sets replaces the stored
// one; fields p leaves empty keep their stored value, so writers of
// different analysis types do not erase each other. The key is always
// derived from sig; a caller-supplied KeyHash is ignored.
func (c *Cache) Store(ctx context.Context, sig Signature, p *model.DecisionPattern) error {
	if p == nil {
		return eris.Wrap(model.ErrValidation, "patterns: nil pattern")
	}
	if p.Payload.Empty() {
		return eris.Wrap(model.ErrValidation, "patterns: empty payload")
	}
	if sig.Empty() {
		return ErrNoSignature
	}
	prev, err := c.store.GetDecisionPattern(ctx, sig.KeyHash())
	if err != nil {
		return eris.Wrap(err, "patterns: load for merge")
	}
	if prev != nil {
		p.Payload = prev.Payload.Merge(p.Payload)
	}
	raw, err := json.Marshal(sig)
	if err != nil {
		return eris.Wrap(err, "patterns: encode signature")
	}
	p.KeyHash = sig.KeyHash()
	p.Signature = raw
	if p.PatternDesc == "" {
		p.PatternDesc = sig.Describe()
	}
	if err := c.store.PutDecisionPattern(ctx, p); err != nil {
		return eris.Wrap(err, "patterns: store")
	}
	zap.L().Debug("patterns: stored",
		zap.String("key_hash", p.KeyHash),
		zap.String("desc", p.PatternDesc),
	)
	return nil
}

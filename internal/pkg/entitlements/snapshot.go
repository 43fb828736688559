package entitlements

import (
	"sort"
	"time"

	"github.com/ManuelReschke/ChatCredits/app/models"
)

// PersonaRule is one row of the persona cost table.
type PersonaRule struct {
	Name    string `json:"name"`
	Cost    int64  `json:"cost"`
	MinPlan Plan   `json:"min_plan"`
}

// Snapshot is an immutable view of the persona cost table. Readers take one
// snapshot per decision so cost and access come from the same version.
type Snapshot struct {
	Version  uint64
	LoadedAt time.Time
	rules    map[string]PersonaRule
}

func newSnapshot(version uint64, rows []models.PersonaCost) *Snapshot {
	rules := make(map[string]PersonaRule, len(rows))
	for _, row := range rows {
		rules[normalizeName(row.Name)] = PersonaRule{
			Name:    normalizeName(row.Name),
			Cost:    row.Cost,
			MinPlan: NormalizePlan(row.MinPlan),
		}
	}
	return &Snapshot{Version: version, LoadedAt: time.Now(), rules: rules}
}

// Lookup returns the rule of a persona.
func (s *Snapshot) Lookup(persona string) (PersonaRule, bool) {
	if s == nil {
		return PersonaRule{}, false
	}
	rule, ok := s.rules[normalizeName(persona)]
	return rule, ok
}

// CostOf returns the per-use cost of persona.
func (s *Snapshot) CostOf(persona string) (int64, error) {
	rule, ok := s.Lookup(persona)
	if !ok {
		return 0, ErrUnknownPersona
	}
	return rule.Cost, nil
}

// IsUnlocked reports whether plan may use persona. Unknown personas are
// locked.
func (s *Snapshot) IsUnlocked(plan Plan, persona string) bool {
	rule, ok := s.Lookup(persona)
	return ok && plan.Includes(rule.MinPlan)
}

// Personas lists all rules sorted by cost, then name.
func (s *Snapshot) Personas() []PersonaRule {
	if s == nil {
		return nil
	}
	out := make([]PersonaRule, 0, len(s.rules))
	for _, rule := range s.rules {
		out = append(out, rule)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Cost != out[j].Cost {
			return out[i].Cost < out[j].Cost
		}
		return out[i].Name < out[j].Name
	})
	return out
}

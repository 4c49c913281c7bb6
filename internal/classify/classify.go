// Package classify assigns facility types to providers from the numeric
// suffix of the 6-digit provider identifier.
package classify

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"costbench/internal/model"
)

// Facility types returned for identifiers outside every range.
const (
	TypeOther   = "Other"
	TypeUnknown = "Unknown"
)

// Range maps an inclusive suffix interval to a facility type.
type Range struct {
	Min          int    `yaml:"min"`
	Max          int    `yaml:"max"`
	FacilityType string `yaml:"facility_type"`
}

// Ruleset is an ordered set of disjoint suffix ranges.
type Ruleset struct {
	Ranges  []Range `yaml:"ranges"`
	Default string  `yaml:"default"`
}

// DefaultRuleset returns the standard provider-number ranges.
func DefaultRuleset() *Ruleset {
	return &Ruleset{
		Ranges: []Range{
			{Min: 1, Max: 899, FacilityType: "Short Term Acute Care"},
			{Min: 1300, Max: 1399, FacilityType: "Critical Access"},
			{Min: 2000, Max: 2299, FacilityType: "Long Term"},
			{Min: 3025, Max: 3099, FacilityType: "Rehabilitation"},
			{Min: 3300, Max: 3399, FacilityType: "Children's"},
			{Min: 4000, Max: 4499, FacilityType: "Psychiatric"},
		},
		Default: TypeOther,
	}
}

// LoadRuleset reads a YAML ruleset. An empty path yields DefaultRuleset.
func LoadRuleset(path string) (*Ruleset, error) {
	if path == "" {
		return DefaultRuleset(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read classification ruleset: %w", err)
	}
	var rs Ruleset
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("parse classification ruleset: %w", err)
	}
	if rs.Default == "" {
		rs.Default = TypeOther
	}
	if err := rs.Validate(); err != nil {
		return nil, err
	}
	return &rs, nil
}

// Validate rejects empty, inverted and overlapping ranges, and sorts the
// ranges by Min.
func (rs *Ruleset) Validate() error {
	if len(rs.Ranges) == 0 {
		return fmt.Errorf("classification ruleset has no ranges")
	}
	sort.Slice(rs.Ranges, func(i, j int) bool { return rs.Ranges[i].Min < rs.Ranges[j].Min })
	for i, r := range rs.Ranges {
		if r.FacilityType == "" {
			return fmt.Errorf("range %d-%d has no facility type", r.Min, r.Max)
		}
		if r.Min < 0 || r.Max > 9999 || r.Min > r.Max {
			return fmt.Errorf("range %d-%d (%s) is not within 0-9999 or is inverted", r.Min, r.Max, r.FacilityType)
		}
		if i > 0 && r.Min <= rs.Ranges[i-1].Max {
			prev := rs.Ranges[i-1]
			return fmt.Errorf("range %d-%d (%s) overlaps %d-%d (%s)",
				r.Min, r.Max, r.FacilityType, prev.Min, prev.Max, prev.FacilityType)
		}
	}
	return nil
}

// Classify returns the facility type of providerID. Identifiers that are
// not exactly six ASCII digits are Unknown. The suffix is the last four
// digits; the first two are the jurisdiction.
func (rs *Ruleset) Classify(providerID string) string {
	suffix, ok := suffixOf(providerID)
	if !ok {
		return TypeUnknown
	}
	for _, r := range rs.Ranges {
		if suffix >= r.Min && suffix <= r.Max {
			return r.FacilityType
		}
	}
	return rs.Default
}

// Build classifies every provider. Output is sorted by provider id and
// contains each id once.
func (rs *Ruleset) Build(providerIDs []string) []model.ProviderClassification {
	seen := make(map[string]bool, len(providerIDs))
	out := make([]model.ProviderClassification, 0, len(providerIDs))
	for _, id := range providerIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, model.ProviderClassification{
			ProviderID:   id,
			Jurisdiction: model.JurisdictionOf(id),
			FacilityType: rs.Classify(id),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProviderID < out[j].ProviderID })
	return out
}

func suffixOf(providerID string) (int, bool) {
	if len(providerID) != 6 {
		return 0, false
	}
	n := 0
	for i := 0; i < 6; i++ {
		c := providerID[i]
		if c < '0' || c > '9' {
			return 0, false
		}
		if i >= 2 {
			n = n*10 + int(c-'0')
		}
	}
	return n, true
}

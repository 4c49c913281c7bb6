// Package kpi derives financial ratios from worksheet facts.
package kpi

import (
	"fmt"
	"os"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"

	"costbench/internal/model"
)

// Selector picks facts by worksheet and by line and column code patterns.
// Patterns are regular expressions matched against the whole 5-character
// code, so "00100" matches only line 1 and "0(23|29)00" matches lines 23
// and 29.
type Selector struct {
	Worksheet string `yaml:"worksheet"`
	Line      string `yaml:"line"`
	Column    string `yaml:"column"`
	// Sign multiplies every matched value; 0 means +1.
	Sign float64 `yaml:"sign,omitempty"`
	// PositiveOnly drops matched values <= 0 from the sum.
	PositiveOnly bool `yaml:"positive_only,omitempty"`

	line   *regexp.Regexp
	column *regexp.Regexp
}

// Formula is sum(numerator) / sum(denominator) * scale.
type Formula struct {
	Name        string     `yaml:"name"`
	Description string     `yaml:"description,omitempty"`
	Numerator   []Selector `yaml:"numerator"`
	Denominator []Selector `yaml:"denominator"`
	Scale       float64    `yaml:"scale"`
}

// Catalog is the ordered set of KPI formulas.
type Catalog struct {
	Formulas []Formula `yaml:"kpis"`
}

var validScales = map[float64]bool{1: true, 100: true, 365: true}

// DefaultCatalog returns the built-in KPIs over the balance sheet
// (G000000), the statement of revenues and expenses (G300000) and the
// uncompensated care worksheet (S100000), all from column 1 unless noted.
func DefaultCatalog() *Catalog {
	sel := func(ws, line, col string) Selector {
		return Selector{Worksheet: ws, Line: line, Column: col}
	}
	c := &Catalog{Formulas: []Formula{
		{
			Name:        "Current_Ratio",
			Description: "Total current assets / total current liabilities",
			Numerator:   []Selector{sel("G000000", "01100", "00100")},
			Denominator: []Selector{sel("G000000", "04500", "00100")},
			Scale:       1,
		},
		{
			Name:        "Days_Cash_On_Hand",
			Description: "Cash on hand and in banks / (total operating expenses / 365)",
			Numerator:   []Selector{sel("G000000", "00100", "00100")},
			Denominator: []Selector{sel("G300000", "00400", "00100")},
			Scale:       365,
		},
		{
			Name:        "Operating_Margin",
			Description: "Net income from service to patients / net patient revenue, percent",
			Numerator:   []Selector{sel("G300000", "00500", "00100")},
			Denominator: []Selector{sel("G300000", "00300", "00100")},
			Scale:       100,
		},
		{
			Name:        "Net_Income_Margin",
			Description: "Net income / net patient revenue, percent",
			Numerator:   []Selector{sel("G300000", "02900", "00100")},
			Denominator: []Selector{sel("G300000", "00300", "00100")},
			Scale:       100,
		},
		{
			Name:        "Debt_to_Equity",
			Description: "Total liabilities / total fund balances",
			Numerator:   []Selector{sel("G000000", "05200", "00100")},
			Denominator: []Selector{sel("G000000", "05900", "00100")},
			Scale:       1,
		},
		{
			Name:        "Uncompensated_Care_Pct",
			Description: "Cost of charity care plus non-Medicare bad debt / net patient revenue, percent",
			Numerator: []Selector{
				{Worksheet: "S100000", Line: "02300", Column: "00300", PositiveOnly: true},
				{Worksheet: "S100000", Line: "02900", Column: "00100", PositiveOnly: true},
			},
			Denominator: []Selector{sel("G300000", "00300", "00100")},
			Scale:       100,
		},
		{
			Name:        "Return_on_Assets",
			Description: "Net income / total assets, percent",
			Numerator:   []Selector{sel("G300000", "02900", "00100")},
			Denominator: []Selector{sel("G000000", "03600", "00100")},
			Scale:       100,
		},
	}}
	if err := c.Compile(); err != nil {
		panic(err)
	}
	return c
}

// LoadCatalog reads a YAML catalog. An empty path yields DefaultCatalog.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read kpi catalog: %w", err)
	}
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse kpi catalog %s: %w", path, err)
	}
	if err := c.Compile(); err != nil {
		return nil, fmt.Errorf("kpi catalog %s: %w", path, err)
	}
	return &c, nil
}

// Compile validates the catalog and compiles its patterns. It must be
// called before a hand-built catalog is evaluated.
func (c *Catalog) Compile() error {
	if len(c.Formulas) == 0 {
		return fmt.Errorf("catalog has no formulas")
	}
	seen := make(map[string]bool, len(c.Formulas))
	for i := range c.Formulas {
		f := &c.Formulas[i]
		if f.Name == "" {
			return fmt.Errorf("formula %d has no name", i)
		}
		if seen[f.Name] {
			return fmt.Errorf("duplicate formula %q", f.Name)
		}
		seen[f.Name] = true
		if !validScales[f.Scale] {
			return fmt.Errorf("formula %s: scale %v not one of 1, 100, 365", f.Name, f.Scale)
		}
		if len(f.Numerator) == 0 || len(f.Denominator) == 0 {
			return fmt.Errorf("formula %s: numerator and denominator need at least one selector", f.Name)
		}
		for _, side := range [][]Selector{f.Numerator, f.Denominator} {
			for k := range side {
				if err := side[k].compile(); err != nil {
					return fmt.Errorf("formula %s: %w", f.Name, err)
				}
			}
		}
	}
	return nil
}

func (s *Selector) compile() error {
	s.Worksheet = model.NormalizeWorksheet(s.Worksheet)
	if err := model.ValidateWorksheet(s.Worksheet); err != nil {
		return err
	}
	switch s.Sign {
	case 0:
		s.Sign = 1
	case 1, -1:
	default:
		return fmt.Errorf("selector %s: sign must be 1 or -1", s.Worksheet)
	}
	var err error
	if s.line, err = regexp.Compile("^(?:" + s.Line + ")$"); err != nil {
		return fmt.Errorf("selector %s line pattern: %w", s.Worksheet, err)
	}
	if s.column, err = regexp.Compile("^(?:" + s.Column + ")$"); err != nil {
		return fmt.Errorf("selector %s column pattern: %w", s.Worksheet, err)
	}
	return nil
}

func (s *Selector) matches(f *model.WorksheetFact) bool {
	return f.WorksheetCode == s.Worksheet && s.line.MatchString(f.LineCode) && s.column.MatchString(f.ColumnCode)
}

// Names returns the formula names in catalog order.
func (c *Catalog) Names() []string {
	out := make([]string, len(c.Formulas))
	for i, f := range c.Formulas {
		out[i] = f.Name
	}
	return out
}

// Worksheets returns the distinct worksheets referenced by any selector.
func (c *Catalog) Worksheets() []string {
	set := make(map[string]bool)
	for _, f := range c.Formulas {
		for _, s := range f.Numerator {
			set[s.Worksheet] = true
		}
		for _, s := range f.Denominator {
			set[s.Worksheet] = true
		}
	}
	out := make([]string, 0, len(set))
	for ws := range set {
		out = append(out, ws)
	}
	sort.Strings(out)
	return out
}

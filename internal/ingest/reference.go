package ingest

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"costbench/internal/model"
)

// labelKey addresses one dictionary entry by normalized codes.
type labelKey struct {
	worksheet string
	line      string
	column    string
}

// Labels are the descriptive labels of one (worksheet, line, column).
type Labels struct {
	LineL1   *string
	LineL2   *string
	ColumnL1 *string
	ColumnL2 *string
}

// LabelDictionary maps (worksheet, line, column) to labels. Lookups are
// code-exact on the normalized 5-character codes.
type LabelDictionary struct {
	entries map[labelKey]Labels
}

// NewLabelDictionary returns an empty dictionary.
func NewLabelDictionary() *LabelDictionary {
	return &LabelDictionary{entries: make(map[labelKey]Labels)}
}

// LoadLabelDictionary reads a dictionary CSV with the header
// worksheet_code,line_code,column_code,line_label_l1,line_label_l2,column_label_l1,column_label_l2.
// Columns are located by header name; label columns may be absent.
func LoadLabelDictionary(path string) (*LabelDictionary, error) {
	r, err := OpenExtract(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	header, err := r.Next()
	if err != nil {
		return nil, fmt.Errorf("read label dictionary header: %w", err)
	}
	colIdx := headerIndex(header)
	for _, required := range []string{"worksheet_code", "line_code", "column_code"} {
		if _, ok := colIdx[required]; !ok {
			return nil, fmt.Errorf("label dictionary %s: missing column %q", path, required)
		}
	}

	d := NewLabelDictionary()
	for {
		rec, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read label dictionary row %d: %w", r.RowNum(), err)
		}
		key := labelKey{
			worksheet: model.NormalizeWorksheet(valAt(rec, colIdx, "worksheet_code")),
			line:      model.NormalizeCode(valAt(rec, colIdx, "line_code")),
			column:    model.NormalizeCode(valAt(rec, colIdx, "column_code")),
		}
		d.entries[key] = Labels{
			LineL1:   optStr(rec, colIdx, "line_label_l1"),
			LineL2:   optStr(rec, colIdx, "line_label_l2"),
			ColumnL1: optStr(rec, colIdx, "column_label_l1"),
			ColumnL2: optStr(rec, colIdx, "column_label_l2"),
		}
	}
	return d, nil
}

// Put adds or replaces an entry. Codes are normalized.
func (d *LabelDictionary) Put(worksheet, line, column string, l Labels) {
	d.entries[labelKey{model.NormalizeWorksheet(worksheet), model.NormalizeCode(line), model.NormalizeCode(column)}] = l
}

// Lookup returns the labels for normalized codes.
func (d *LabelDictionary) Lookup(worksheet, line, column string) (Labels, bool) {
	if d == nil {
		return Labels{}, false
	}
	l, ok := d.entries[labelKey{worksheet, line, column}]
	return l, ok
}

// Len returns the number of entries.
func (d *LabelDictionary) Len() int {
	if d == nil {
		return 0
	}
	return len(d.entries)
}

// JurisdictionRef resolves jurisdiction codes and abbreviations.
type JurisdictionRef struct {
	byCode map[string]model.Jurisdiction
	byAbbr map[string]model.Jurisdiction
}

// LoadJurisdictions reads a reference CSV with the header code,name,abbreviation.
// An empty path yields an empty reference that accepts numeric codes only.
func LoadJurisdictions(path string) (*JurisdictionRef, error) {
	ref := &JurisdictionRef{
		byCode: make(map[string]model.Jurisdiction),
		byAbbr: make(map[string]model.Jurisdiction),
	}
	if path == "" {
		return ref, nil
	}

	r, err := OpenExtract(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	header, err := r.Next()
	if err != nil {
		return nil, fmt.Errorf("read jurisdiction header: %w", err)
	}
	colIdx := headerIndex(header)
	if _, ok := colIdx["code"]; !ok {
		return nil, fmt.Errorf("jurisdiction file %s: missing column \"code\"", path)
	}

	for {
		rec, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read jurisdiction row %d: %w", r.RowNum(), err)
		}
		code, ok := padJurisdiction(valAt(rec, colIdx, "code"))
		if !ok {
			continue
		}
		j := model.Jurisdiction{
			Code:         code,
			Name:         valAt(rec, colIdx, "name"),
			Abbreviation: strings.ToUpper(valAt(rec, colIdx, "abbreviation")),
		}
		ref.byCode[code] = j
		if j.Abbreviation != "" {
			ref.byAbbr[j.Abbreviation] = j
		}
	}
	return ref, nil
}

// Resolve turns a numeric code ("1", "01") or an abbreviation ("AL") into a
// two-digit jurisdiction code.
func (ref *JurisdictionRef) Resolve(s string) (string, error) {
	s = strings.TrimSpace(s)
	if code, ok := padJurisdiction(s); ok {
		if len(ref.byCode) > 0 {
			if _, known := ref.byCode[code]; !known {
				return "", fmt.Errorf("unknown jurisdiction code %q", s)
			}
		}
		return code, nil
	}
	if j, ok := ref.byAbbr[strings.ToUpper(s)]; ok {
		return j.Code, nil
	}
	return "", fmt.Errorf("unknown jurisdiction %q", s)
}

// ResolveAll resolves and de-duplicates a list, preserving first-seen order.
func (ref *JurisdictionRef) ResolveAll(in []string) ([]string, error) {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		code, err := ref.Resolve(s)
		if err != nil {
			return nil, err
		}
		if !seen[code] {
			seen[code] = true
			out = append(out, code)
		}
	}
	return out, nil
}

// All returns every known jurisdiction sorted by code.
func (ref *JurisdictionRef) All() []model.Jurisdiction {
	out := make([]model.Jurisdiction, 0, len(ref.byCode))
	for _, j := range ref.byCode {
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Code < out[k].Code })
	return out
}

func padJurisdiction(s string) (string, bool) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || n > 99 {
		return "", false
	}
	return fmt.Sprintf("%02d", n), true
}

func headerIndex(header []string) map[string]int {
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.ToLower(strings.TrimSpace(h))] = i
	}
	return idx
}

// Column access helpers. Values are trimmed and sanitized to valid UTF-8
// (Parquet requirement; some extracts are Windows-1252).

func valAt(row []string, idx map[string]int, col string) string {
	if i, ok := idx[col]; ok && i < len(row) {
		return strings.ToValidUTF8(strings.TrimSpace(row[i]), "\uFFFD")
	}
	return ""
}

func optStr(row []string, idx map[string]int, col string) *string {
	if s := valAt(row, idx, col); s != "" {
		return &s
	}
	return nil
}

package model

import (
	"fmt"
	"regexp"
	"strings"
)

// CodeWidth is the fixed width of line and column codes.
const CodeWidth = 5

var worksheetRe = regexp.MustCompile(`^[A-Z][0-9A-Z]{6}$`)

// NormalizeCode trims and left-pads a raw line or column code with zeros to
// CodeWidth characters. Codes already wider than CodeWidth are returned
// trimmed but otherwise untouched so that a bad code never collides with a
// good one.
func NormalizeCode(raw string) string {
	s := strings.TrimSpace(raw)
	if len(s) >= CodeWidth {
		return s
	}
	return strings.Repeat("0", CodeWidth-len(s)) + s
}

// NormalizeWorksheet upper-cases and trims a worksheet code.
func NormalizeWorksheet(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}

// ValidateWorksheet reports whether code is a 7-character worksheet code
// such as "G000000" or "S100000". Worksheet codes become table names, so
// anything else is rejected before it reaches the warehouse.
func ValidateWorksheet(code string) error {
	if !worksheetRe.MatchString(code) {
		return fmt.Errorf("invalid worksheet code %q", code)
	}
	return nil
}

// WorksheetTable returns the warehouse table name for a worksheet code.
func WorksheetTable(code string) string {
	return "ws_" + strings.ToLower(code)
}

// JurisdictionOf returns the two-digit jurisdiction prefix of a provider
// identifier, or "" when the identifier is too short.
func JurisdictionOf(providerID string) string {
	if len(providerID) < 2 {
		return ""
	}
	return providerID[:2]
}

package retrieve

import (
	"regexp"
)

// Identifier is a structured article reference parsed out of a query, e.g.
// "Article 17", "art. 17-3", or "Article 17(2)".
type Identifier struct {
	// Number is the article number ("17").
	Number string

	// Range is the second half of a hyphenated number ("3" in "17-3").
	Range string

	// Sub is the parenthesized subdivision ("2" in "17(2)").
	Sub string
}

var identifierRe = regexp.MustCompile(`(?i)(?:\bart(?:icle)?\.?|§)\s*(\d+)(?:\s*-\s*(\d+))?\s*(?:\(\s*(\d+)\s*\))?`)

// ParseIdentifier extracts the first article reference from a query. The
// second return is false when the query carries no recognizable reference.
func ParseIdentifier(query string) (Identifier, bool) {
	m := identifierRe.FindStringSubmatch(query)
	if m == nil {
		return Identifier{}, false
	}
	return Identifier{Number: m[1], Range: m[2], Sub: m[3]}, true
}

// Pattern builds the identifier-index regex for this reference. A bare
// "Article 17" matches both the article and its subdivisions ("...Art.17",
// "...Art.17(2)") but not longer numbers ("...Art.170"); an explicit
// subdivision matches only itself.
func (id Identifier) Pattern() string {
	p := `(?i)art(?:icle)?\.?\s*` + id.Number
	if id.Range != "" {
		p += `-` + id.Range
	}
	if id.Sub != "" {
		return p + `\(` + id.Sub + `\)$`
	}
	return p + `(?:\([0-9]+\))?$`
}

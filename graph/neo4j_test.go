package graph

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
)

// The assignment rewrite runs with one row per provision after the UNWIND.
// The member recount at the tail must first collapse back to a single row per
// domain: a bare WITH d keeps the UNWIND cardinality, and the recount then
// multiplies the edge count by the batch size. Pin the collapse so the query
// cannot regress without a live database in the loop.
func TestReplaceAssignmentsCypher_CollapsesCardinalityBeforeRecount(t *testing.T) {
	recount := regexp.MustCompile(`WITH DISTINCT d\s+MATCH \(:Provision\)-\[e:ASSIGNED_TO\]->\(d\)`)
	assert.Regexp(t, recount, replaceAssignmentsCypher,
		"member recount must run at one row per domain")
}

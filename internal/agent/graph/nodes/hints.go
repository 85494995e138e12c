package nodes

import (
	"fmt"
	"sort"
	"strings"

	"github.com/chatbi-core/server/internal/agent/model"
	"github.com/chatbi-core/server/internal/sqltext"
)

// probeTargets groups the WHERE string literals of sql by table.column.
func probeTargets(sql string) []model.ProbeTarget {
	byKey := map[string]*model.ProbeTarget{}
	var keys []string
	for _, lit := range sqltext.WhereLiterals(sql) {
		if lit.Table == "" || lit.Column == "" {
			continue
		}
		key := lit.Table + "." + lit.Column
		t, ok := byKey[key]
		if !ok {
			t = &model.ProbeTarget{Table: lit.Table, Column: lit.Column}
			byKey[key] = t
			keys = append(keys, key)
		}
		t.Values = append(t.Values, lit.Value)
	}
	out := make([]model.ProbeTarget, 0, len(keys))
	for _, k := range keys {
		t := *byKey[k]
		if len(t.Values) == 1 {
			t.Value, t.Values = t.Values[0], nil
		}
		out = append(out, t)
	}
	return out
}

// valueReplacement tells the planner which literals to swap for stored
// values. Several candidates for one literal become an IN list.
func valueReplacement(report model.VerificationResult) string {
	if len(report.Mappings) == 0 {
		return ""
	}
	literals := make([]string, 0, len(report.Mappings))
	for lit := range report.Mappings {
		literals = append(literals, lit)
	}
	sort.Strings(literals)

	var b strings.Builder
	b.WriteString("Replace user literals with the values actually stored:")
	for _, lit := range literals {
		cands := report.Candidates[lit]
		if len(cands) > 1 {
			quoted := make([]string, len(cands))
			for i, c := range cands {
				quoted[i] = "'" + strings.ReplaceAll(c, "'", "''") + "'"
			}
			fmt.Fprintf(&b, "\n- '%s' matches several stored values, use IN (%s)", lit, strings.Join(quoted, ", "))
			continue
		}
		fmt.Fprintf(&b, "\n- '%s' -> '%s'", lit, report.Mappings[lit])
	}
	if report.Suggestion != "" {
		b.WriteString("\n" + report.Suggestion)
	}
	return b.String()
}

func semanticHint(r *model.SemanticResult) string {
	if r == nil || r.IsComplete {
		return ""
	}
	var b strings.Builder
	b.WriteString("The previous SQL ignored part of the question.")
	for _, c := range r.MissingConditions {
		fmt.Fprintf(&b, "\n- missing filter on %s %s %s", c.FieldHint, c.Operator, strings.Join(c.Value, ", "))
	}
	if len(r.MissingValues) > 0 {
		b.WriteString("\n- values absent from the result: " + strings.Join(r.MissingValues, ", "))
	}
	if r.Suggestion != "" {
		b.WriteString("\n" + r.Suggestion)
	}
	return b.String()
}

func completenessHint(r *model.CompletenessResult) string {
	if r == nil || r.IsComplete {
		return ""
	}
	var b strings.Builder
	b.WriteString("The previous SQL does not have the requested shape.")
	if r.MissingSort {
		b.WriteString("\n- add the requested ORDER BY")
	}
	if r.MissingLimit && r.ExpectedLimit != nil {
		fmt.Fprintf(&b, "\n- use LIMIT %d", *r.ExpectedLimit)
	}
	if len(r.MissingDimensions) > 0 {
		b.WriteString("\n- group by: " + strings.Join(r.MissingDimensions, ", "))
	}
	if len(r.MissingMetrics) > 0 {
		b.WriteString("\n- include metrics: " + strings.Join(r.MissingMetrics, ", "))
	}
	if r.Suggestion != "" {
		b.WriteString("\n" + r.Suggestion)
	}
	return b.String()
}

func joinHints(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n\n")
}

func mergeMappings(dst, src map[string]string) map[string]string {
	if dst == nil {
		dst = make(map[string]string, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

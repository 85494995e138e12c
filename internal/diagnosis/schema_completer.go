package diagnosis

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/chatbi-core/server/internal/agent/model"
	"github.com/chatbi-core/server/internal/retrieval"
	logx "github.com/chatbi-core/server/pkg/logger"
)

var (
	fkSuffixes     = []string{"_id", "_code"}
	contextTable   = regexp.MustCompile(`\[(\w+)\]`)
	contextFKCol   = regexp.MustCompile(`(?i)-\s*(\w+(?:_id|_code))\s*:`)
	qualifiedFKCol = regexp.MustCompile(`(?i)\b(\w+)\.(\w+(?:_id|_code))\b`)
	conditionFKCol = regexp.MustCompile(`(?i)(\w+)\.(\w+(?:_id|_code))\s*=`)
)

// leafTables are base entity tables worth pulling in when they sit one
// hop away from a retrieved table. dim_* tables always qualify.
var leafTables = map[string]bool{
	"categories": true, "logistics_providers": true, "users": true,
	"shops": true, "products": true, "coupons": true,
}

// SchemaCheck is the outcome of a completeness check over retrieved tables.
type SchemaCheck struct {
	IsComplete    bool
	MissingTables []string
	Evidence      []string
	Confidence    float64
	FKAnalysis    []model.FKLink
}

// SchemaCompletion is the enriched schema context.
type SchemaCompletion struct {
	Context     string
	AddedTables []string
}

// SchemaCompleter finds tables reachable through foreign keys that were
// never retrieved and appends their columns to the schema context.
type SchemaCompleter struct {
	catalog   *retrieval.Catalog
	fkTargets map[string]string // fk prefix -> table
}

func NewSchemaCompleter(c *retrieval.Catalog) *SchemaCompleter {
	return &SchemaCompleter{catalog: c, fkTargets: buildFKTargets(c)}
}

// buildFKTargets derives fk prefix -> target table from the relationship
// conditions, then from plural table names.
func buildFKTargets(c *retrieval.Catalog) map[string]string {
	out := map[string]string{}
	for _, rel := range c.Relationships() {
		for _, m := range conditionFKCol.FindAllStringSubmatch(rel.Condition, -1) {
			prefix := fkPrefix(m[2])
			if prefix == "" || prefix == "parent" {
				continue
			}
			if _, ok := out[prefix]; !ok {
				out[prefix] = rel.Target
			}
		}
	}
	for _, t := range c.TableNames() {
		lower := strings.ToLower(t)
		var prefix string
		switch {
		case strings.HasSuffix(lower, "ies") && len(lower) > 4:
			prefix = lower[:len(lower)-3] + "y"
		case strings.HasSuffix(lower, "s") && len(lower) > 2:
			prefix = lower[:len(lower)-1]
		default:
			continue
		}
		if _, ok := out[prefix]; !ok {
			out[prefix] = t
		}
	}
	return out
}

func fkPrefix(col string) string {
	lower := strings.ToLower(col)
	for _, s := range fkSuffixes {
		if strings.HasSuffix(lower, s) && len(lower) > len(s) {
			return lower[:len(lower)-len(s)]
		}
	}
	return ""
}

// CheckCompleteness reports tables referenced by FK-shaped columns of the
// context, or one hop away from a retrieved table, that are missing from
// both selected and the context itself.
func (s *SchemaCompleter) CheckCompleteness(sql string, selected []string, schemaContext string) *SchemaCheck {
	present := map[string]bool{}
	for _, t := range selected {
		present[strings.ToLower(t)] = true
	}
	for _, m := range contextTable.FindAllStringSubmatch(schemaContext, -1) {
		present[strings.ToLower(m[1])] = true
	}

	res := &SchemaCheck{}
	missing := map[string]bool{}
	addMissing := func(table, reason string) {
		if missing[table] {
			return
		}
		missing[table] = true
		res.MissingTables = append(res.MissingTables, table)
		res.Evidence = append(res.Evidence, reason)
	}

	for _, fk := range extractFKColumns(schemaContext) {
		target := s.inferTarget(fk.table, fk.column)
		if target == "" || strings.EqualFold(target, fk.table) {
			continue
		}
		link := model.FKLink{SourceTable: fk.table, Column: fk.column, TargetTable: target, Present: present[strings.ToLower(target)]}
		res.FKAnalysis = append(res.FKAnalysis, link)
		if !link.Present {
			addMissing(target, fmt.Sprintf("column %s.%s references %s, which was not retrieved", fk.table, fk.column, target))
		}
	}

	for _, t := range selected {
		for _, rel := range s.catalog.Neighbors(t) {
			other := rel.Target
			if strings.EqualFold(other, t) {
				other = rel.Source
			}
			if present[strings.ToLower(other)] || !isLeafTable(other, t) {
				continue
			}
			addMissing(other, fmt.Sprintf("table %s joins %s via %s, but %s was not retrieved", t, other, rel.Condition, other))
		}
	}

	if strings.TrimSpace(sql) == "" {
		res.Evidence = append(res.Evidence, "no SQL was generated, schema context may be insufficient")
	}

	res.IsComplete = len(res.MissingTables) == 0
	res.Confidence = 1.0
	if !res.IsComplete {
		res.Confidence = 0.9
	}
	logx.Debug().Strs("selected", selected).Strs("missing", res.MissingTables).Msg("Schema completeness checked")
	return res
}

type fkColumn struct {
	table  string
	column string
}

func extractFKColumns(schemaContext string) []fkColumn {
	var out []fkColumn
	seen := map[string]bool{}
	add := func(t, c string) {
		key := strings.ToLower(t + "." + c)
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, fkColumn{table: t, column: c})
	}

	current := ""
	for _, line := range strings.Split(schemaContext, "\n") {
		if m := contextTable.FindStringSubmatch(line); m != nil {
			current = m[1]
			continue
		}
		if m := contextFKCol.FindStringSubmatch(line); m != nil && current != "" {
			add(current, m[1])
		}
	}
	for _, m := range qualifiedFKCol.FindAllStringSubmatch(schemaContext, -1) {
		add(m[1], m[2])
	}
	return out
}

// inferTarget resolves the table an FK-shaped column points at, or "".
func (s *SchemaCompleter) inferTarget(table, column string) string {
	prefix := fkPrefix(column)
	if prefix == "" || prefix == "parent" {
		return ""
	}
	if t, ok := s.fkTargets[prefix]; ok {
		return t
	}
	// shipping_region -> region -> dim_region
	for p := prefix; p != ""; {
		for _, cand := range []string{p + "s", "dim_" + p, p} {
			if t, ok := s.catalog.Table(cand); ok {
				return t.Name
			}
		}
		i := strings.Index(p, "_")
		if i < 0 {
			break
		}
		p = p[i+1:]
	}
	for _, rel := range s.catalog.Neighbors(table) {
		if strings.Contains(strings.ToLower(rel.Condition), strings.ToLower(column)) {
			if strings.EqualFold(rel.Source, table) {
				return rel.Target
			}
			return rel.Source
		}
	}
	return ""
}

func isLeafTable(table, source string) bool {
	if strings.EqualFold(table, source) {
		return false
	}
	lower := strings.ToLower(table)
	return strings.HasPrefix(lower, "dim_") || leafTables[lower]
}

// CompleteSchema appends the missing tables' columns and join hints to
// current. Existing text is never edited; tables already present are
// skipped, so a second run with the same inputs returns current unchanged.
func (s *SchemaCompleter) CompleteSchema(current string, currentTables, missing []string) SchemaCompletion {
	present := map[string]bool{}
	for _, t := range currentTables {
		present[strings.ToLower(t)] = true
	}
	for _, m := range contextTable.FindAllStringSubmatch(current, -1) {
		present[strings.ToLower(m[1])] = true
	}

	var b strings.Builder
	var added []string
	for _, name := range missing {
		t, ok := s.catalog.Table(name)
		if !ok || present[strings.ToLower(t.Name)] || len(t.Columns) == 0 {
			continue
		}
		present[strings.ToLower(t.Name)] = true
		added = append(added, t.Name)
		b.WriteString("\n[" + t.Name + "]\n")
		for _, c := range t.Columns {
			b.WriteString("  - " + c.Name + ": " + truncateRunes(c.Description, 50) + "\n")
		}
	}
	if len(added) == 0 {
		return SchemaCompletion{Context: current}
	}

	var hints []string
	for _, t := range added {
		for _, rel := range s.catalog.Neighbors(t) {
			other := rel.Target
			if strings.EqualFold(other, t) {
				other = rel.Source
			}
			if containsFold(currentTables, other) || containsFold(added, other) && !strings.EqualFold(other, t) {
				hints = append(hints, fmt.Sprintf("- %s <-> %s: %s", rel.Source, rel.Target, rel.Condition))
			}
		}
	}
	sort.Strings(hints)
	hints = dedupe(hints)

	out := current
	if out != "" {
		out += "\n\n"
	}
	out += retrieval.SupplementaryHeader + "\n" + b.String()
	if len(hints) > 0 {
		out += "\n" + retrieval.JoinHintsHeader + "\n" + strings.Join(hints, "\n")
	}
	logx.Info().Strs("added", added).Msg("Schema context completed")
	return SchemaCompletion{Context: out, AddedTables: added}
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

func dedupe(sorted []string) []string {
	out := sorted[:0]
	for i, s := range sorted {
		if i > 0 && s == sorted[i-1] {
			continue
		}
		out = append(out, s)
	}
	return out
}

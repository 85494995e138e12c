package diagnosis

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/chatbi-core/server/internal/agent/model"
	"github.com/chatbi-core/server/internal/executor"
	"github.com/chatbi-core/server/internal/metrics"
	"github.com/chatbi-core/server/internal/retrieval"
	"github.com/chatbi-core/server/internal/sqltext"
	logx "github.com/chatbi-core/server/pkg/logger"
)

// mappingColumns usually store codes rather than the words users type.
var mappingColumns = map[string]bool{
	"pay_method": true, "payment_method": true, "status": true, "order_status": true,
	"refund_status": true, "pay_status": true, "shop_type": true, "city_level": true,
	"service_level": true, "type": true, "scope": true,
}

var hardcodedValue = regexp.MustCompile(`=\s*'([^']+)'`)

// Input is everything the Diagnoser looks at for one failed attempt.
type Input struct {
	SQL            string
	Query          string
	SelectedTables []string
	SchemaContext  string
	ExecError      string
	SchemaError    *model.SchemaErrorInfo
	Empty          bool
	Verified       map[string]string
}

// Diagnoser picks the single best-fit cause for an empty result, a
// structural execution error or a failed generation.
type Diagnoser struct {
	catalog   *retrieval.Catalog
	completer *SchemaCompleter
}

func NewDiagnoser(c *retrieval.Catalog, completer *SchemaCompleter) *Diagnoser {
	return &Diagnoser{catalog: c, completer: completer}
}

// Diagnose applies, in order: structural error parse, FK reachability,
// SQL-shape heuristics, then genuine emptiness.
func (d *Diagnoser) Diagnose(in Input) *model.Diagnosis {
	diag := d.diagnose(in)
	metrics.Diagnoses.WithLabelValues(string(diag.Kind())).Inc()
	logx.Info().
		Str("kind", string(diag.Kind())).
		Float64("confidence", diag.Confidence).
		Str("root_cause", diag.RootCause).
		Msg("Diagnosis complete")
	return diag
}

func (d *Diagnoser) diagnose(in Input) *model.Diagnosis {
	info := in.SchemaError
	if info == nil && in.ExecError != "" {
		info = executor.ParseSchemaError(in.ExecError)
	}
	if info != nil {
		return d.structural(info, in)
	}

	if check := d.completer.CheckCompleteness(in.SQL, in.SelectedTables, in.SchemaContext); !check.IsComplete {
		return &model.Diagnosis{
			Confidence: check.Confidence,
			RootCause:  "retrieved schema is missing tables reachable by foreign key: " + strings.Join(check.MissingTables, ", "),
			Evidence:   check.Evidence,
			Detail:     model.SchemaIncompleteDetail{MissingTables: check.MissingTables, FKAnalysis: check.FKAnalysis},
		}
	}

	if strings.TrimSpace(in.SQL) == "" {
		return &model.Diagnosis{
			Confidence: 0.3,
			RootCause:  "no SQL was generated and the schema shows no missing tables",
			Detail:     model.UnknownDetail{},
		}
	}

	if diag := d.entityHeuristic(in); diag != nil {
		return diag
	}
	if diag := shapeHeuristic(in.SQL); diag != nil {
		return diag
	}

	if !in.Empty {
		return &model.Diagnosis{Confidence: 0.3, RootCause: "no diagnosable signal", Detail: model.UnknownDetail{}}
	}
	for _, lit := range sqltext.WhereLiterals(in.SQL) {
		if !d.catalog.HasColumn(lit.Table, lit.Column) {
			return &model.Diagnosis{
				Confidence: 0.4,
				RootCause:  fmt.Sprintf("filter column %s.%s cannot be verified against the schema", lit.Table, lit.Column),
				Detail:     model.UnknownDetail{},
			}
		}
	}
	return &model.Diagnosis{
		Confidence: 0.8,
		RootCause:  "the query is well formed and every filter maps to the schema, the data is genuinely empty",
		Detail:     model.DataTrulyEmptyDetail{},
	}
}

func (d *Diagnoser) structural(info *model.SchemaErrorInfo, in Input) *model.Diagnosis {
	evidence := []string{info.Raw}
	switch info.Object {
	case "table":
		if d.catalog.HasTable(info.Name) {
			return &model.Diagnosis{
				Confidence: 0.95,
				RootCause:  fmt.Sprintf("table %s exists but was not retrieved", info.Name),
				Evidence:   evidence,
				Detail:     model.SchemaIncompleteDetail{MissingTables: []string{info.Name}},
			}
		}
		similar := d.catalog.SimilarTables(info.Name, 3)
		return &model.Diagnosis{
			Confidence: 0.95,
			RootCause:  fmt.Sprintf("table %s does not exist", info.Name),
			Evidence:   evidence,
			Detail: model.SQLLogicDetail{
				Suggestions:  []model.FixSuggestion{{Issue: "unknown table " + info.Name, Suggestion: useInstead("table", info.Name, similar)}},
				Alternatives: similar,
			},
		}
	default:
		table, column := splitQualified(info.Name, sqltext.Aliases(in.SQL))
		if owners := d.unretrievedOwners(column, in.SelectedTables); len(owners) > 0 {
			return &model.Diagnosis{
				Confidence: 0.9,
				RootCause:  fmt.Sprintf("column %s lives in %s, which was not retrieved", column, strings.Join(owners, ", ")),
				Evidence:   evidence,
				Detail:     model.SchemaIncompleteDetail{MissingTables: owners},
			}
		}
		var similar []string
		if table != "" && d.catalog.HasTable(table) {
			similar = d.catalog.SimilarColumns(table, column, 3)
		} else {
			for _, t := range in.SelectedTables {
				similar = append(similar, d.catalog.SimilarColumns(t, column, 2)...)
			}
		}
		return &model.Diagnosis{
			Confidence: 0.9,
			RootCause:  fmt.Sprintf("column %s does not exist", info.Name),
			Evidence:   evidence,
			Detail: model.SQLLogicDetail{
				Suggestions:  []model.FixSuggestion{{Issue: "unknown column " + info.Name, Suggestion: useInstead("column", info.Name, similar)}},
				Alternatives: similar,
			},
		}
	}
}

// unretrievedOwners lists catalog tables outside selected that have column.
func (d *Diagnoser) unretrievedOwners(column string, selected []string) []string {
	var out []string
	for _, t := range d.catalog.TablesWithColumn(column) {
		if !containsFold(selected, t) {
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out
}

func splitQualified(name string, aliases map[string]string) (table, column string) {
	i := strings.LastIndex(name, ".")
	if i < 0 {
		return "", name
	}
	table, column = name[:i], name[i+1:]
	if j := strings.LastIndex(table, "."); j >= 0 {
		table = table[j+1:]
	}
	if real, ok := aliases[strings.ToLower(table)]; ok {
		table = real
	}
	return table, column
}

func useInstead(kind, name string, similar []string) string {
	if len(similar) == 0 {
		return fmt.Sprintf("do not use %s %s", kind, name)
	}
	return fmt.Sprintf("do not use %s %s, consider %s", kind, name, strings.Join(similar, ", "))
}

// entityHeuristic flags WHERE literals that look like user vocabulary
// rather than stored values: CJK text, or any literal on a code column.
func (d *Diagnoser) entityHeuristic(in Input) *model.Diagnosis {
	byKey := map[string]*model.ProbeTarget{}
	var order []string
	var evidence []string
	for _, lit := range sqltext.WhereLiterals(in.SQL) {
		if isVerified(lit.Value, in.Verified) {
			continue
		}
		if !containsCJK(lit.Value) && !mappingColumns[strings.ToLower(lit.Column)] {
			continue
		}
		key := strings.ToLower(lit.Table + "." + lit.Column)
		t, ok := byKey[key]
		if !ok {
			t = &model.ProbeTarget{Table: lit.Table, Column: lit.Column}
			byKey[key] = t
			order = append(order, key)
		}
		t.Values = append(t.Values, lit.Value)
		evidence = append(evidence, fmt.Sprintf("literal %q on %s.%s may not match the stored value", lit.Value, lit.Table, lit.Column))
	}
	if len(order) == 0 {
		return nil
	}
	targets := make([]model.ProbeTarget, 0, len(order))
	for _, k := range order {
		t := *byKey[k]
		if len(t.Values) == 1 {
			t.Value, t.Values = t.Values[0], nil
		}
		targets = append(targets, t)
	}
	return &model.Diagnosis{
		Confidence: 0.75,
		RootCause:  "filter literals probably differ from the values stored in the database",
		Evidence:   evidence,
		Detail:     model.EntityMappingDetail{Targets: targets},
	}
}

func isVerified(v string, verified map[string]string) bool {
	if _, ok := verified[v]; ok {
		return true
	}
	for _, mapped := range verified {
		if mapped == v {
			return true
		}
	}
	return false
}

// shapeHeuristic catches SQL that is likely over-filtered.
func shapeHeuristic(sql string) *model.Diagnosis {
	upper := strings.ToUpper(sql)
	var fixes []model.FixSuggestion

	inner := strings.Count(upper, "INNER JOIN")
	implicit := strings.Count(upper, " JOIN ") - strings.Count(upper, "LEFT JOIN") - strings.Count(upper, "RIGHT JOIN") - inner
	if joins := inner + max(0, implicit); joins >= 4 {
		fixes = append(fixes, model.FixSuggestion{
			Issue:      fmt.Sprintf("%d inner joins may filter out every row", joins),
			Suggestion: "turn optional INNER JOINs into LEFT JOINs",
		})
	}
	if n := sqltext.WhereConditionCount(sql); n >= 4 {
		fixes = append(fixes, model.FixSuggestion{
			Issue:      fmt.Sprintf("WHERE has %d conditions, the combination may be too strict", n),
			Suggestion: "drop conditions the user did not ask for",
		})
	}
	if strings.Contains(upper, "IN (SELECT") || strings.Contains(upper, "IN(SELECT") {
		fixes = append(fixes, model.FixSuggestion{
			Issue:      "IN subquery may return an empty set",
			Suggestion: "replace the subquery with a join or verify it returns rows",
		})
	}
	if n := len(hardcodedValue.FindAllString(sql, -1)); n >= 3 {
		fixes = append(fixes, model.FixSuggestion{
			Issue:      fmt.Sprintf("%d hard-coded filter values", n),
			Suggestion: "check each value against the stored values",
		})
	}
	if len(fixes) == 0 {
		return nil
	}
	evidence := make([]string, len(fixes))
	for i, f := range fixes {
		evidence[i] = f.Issue
	}
	return &model.Diagnosis{
		Confidence: 0.6,
		RootCause:  "SQL shape likely filters out all rows",
		Evidence:   evidence,
		Detail:     model.SQLLogicDetail{Suggestions: fixes},
	}
}

func containsCJK(s string) bool {
	for _, r := range s {
		if r >= '一' && r <= '鿿' {
			return true
		}
	}
	return false
}

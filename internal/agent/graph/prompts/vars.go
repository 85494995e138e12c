package prompts

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/chatbi-core/server/internal/agent/model"
)

var weekdays = [...]string{"星期日", "星期一", "星期二", "星期三", "星期四", "星期五", "星期六"}

type IntentVars struct {
	Query     string
	History   string
	Today     time.Time
	LastQuery *model.LastQueryContext
	Verified  map[string]string
}

// RenderIntent renders the classifier prompt.
func RenderIntent(ctx context.Context, v IntentVars) (Rendered, error) {
	vars := map[string]any{
		"query":        v.Query,
		"history":      v.History,
		"today":        v.Today.Format("2006-01-02"),
		"weekday":      weekdays[v.Today.Weekday()],
		"year":         v.Today.Year(),
		"last_year":    v.Today.Year() - 1,
		"last_query":   v.LastQuery,
		"last_columns": "",
		"last_sample":  "",
		"verified":     v.Verified,
	}
	if v.LastQuery != nil {
		vars["last_columns"] = strings.Join(v.LastQuery.Columns, ", ")
		vars["last_sample"] = compactJSON(v.LastQuery.SampleRows)
	}
	return render(ctx, "intent", intentSystem, intentUser, vars)
}

type PlannerVars struct {
	Query            string
	Dialect          string
	Schema           string
	Today            time.Time
	Filters          []model.FilterCondition
	Requirements     *model.QueryRequirements
	Verified         map[string]string
	PreviousSQL      string
	PreviousError    string
	FixHint          string
	EntityHint       string
	SchemaCorrection string
}

// RenderPlanner renders the SQL generation prompt, including any
// correction context from a previous attempt.
func RenderPlanner(ctx context.Context, v PlannerVars) (Rendered, error) {
	dialect := v.Dialect
	if dialect == "" {
		dialect = "MySQL"
	}
	req := ""
	if !v.Requirements.IsEmpty() || (v.Requirements != nil && v.Requirements.HasAggregation) {
		req = compactJSON(v.Requirements)
	}
	return render(ctx, "planner", plannerSystem, plannerUser, map[string]any{
		"query":             v.Query,
		"dialect":           dialect,
		"schema":            v.Schema,
		"today":             v.Today.Format("2006-01-02"),
		"filters":           v.Filters,
		"requirements":      req,
		"verified":          v.Verified,
		"previous_sql":      v.PreviousSQL,
		"previous_error":    v.PreviousError,
		"fix_hint":          v.FixHint,
		"entity_hint":       v.EntityHint,
		"schema_correction": v.SchemaCorrection,
	})
}

// RenderProbeVariants renders the value-variant prompt for one literal.
func RenderProbeVariants(ctx context.Context, target model.ProbeTarget, value, description string, limit int) (Rendered, error) {
	return render(ctx, "probe_variants", probeVariants, simpleUser, map[string]any{
		"table":       target.Table,
		"column":      target.Column,
		"description": description,
		"value":       value,
		"limit":       limit,
		"query":       value,
	})
}

type DataAnswerVars struct {
	Query     string
	Summary   *model.DataSummary
	Truncated bool
	Diagnosis string
}

// RenderDataAnswer renders the narration prompt over a data summary.
func RenderDataAnswer(ctx context.Context, v DataAnswerVars) (Rendered, error) {
	s := v.Summary
	if s == nil {
		s = &model.DataSummary{}
	}
	stats := ""
	if len(s.Numeric) > 0 {
		stats = compactJSON(s.Numeric)
	}
	return render(ctx, "responder_data", dataSystem, dataUser, map[string]any{
		"query":     v.Query,
		"empty":     s.RowCount == 0,
		"diagnosis": v.Diagnosis,
		"row_count": s.RowCount,
		"truncated": v.Truncated,
		"columns":   strings.Join(s.Columns, ", "),
		"preview":   compactJSON(s.Preview),
		"stats":     stats,
	})
}

// RenderHistoryAnswer renders the follow-up prompt over the previous result.
func RenderHistoryAnswer(ctx context.Context, query string, last *model.LastQueryContext) (Rendered, error) {
	if last == nil {
		last = &model.LastQueryContext{}
	}
	return render(ctx, "responder_history", historySystem, simpleUser, map[string]any{
		"query":      query,
		"last_query": last.Query,
		"columns":    strings.Join(last.Columns, ", "),
		"row_count":  last.RowCount,
		"sample":     compactJSON(last.SampleRows),
	})
}

func RenderChitchat(ctx context.Context, query string) (Rendered, error) {
	return render(ctx, "responder_chitchat", chitchatSystem, simpleUser, map[string]any{"query": query})
}

func compactJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

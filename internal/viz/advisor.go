// Package viz picks a chart type from the shape of a query result.
package viz

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/chatbi-core/server/internal/agent/model"
)

const (
	maxChartRows      = 100
	maxPieCategories  = 6
	maxBarCategories  = 20
	maxGroupedBarRows = 20
	longLabelRunes    = 6
)

var (
	timeName     = regexp.MustCompile(`date|time|day|month|year|week|created|updated|paid|ordered|refunded|_at$`)
	categoryName = regexp.MustCompile(`type|status|category|name|province|city|region|channel|brand|shop|level|tier`)
	dateValue    = regexp.MustCompile(`^\d{4}[-/]\d{2}([-/]\d{2})?`)

	proportionWords = []string{"占比", "比例", "分布", "构成", "组成", "各占", "proportion", "distribution", "share"}
)

// Advise recommends how to display res for the question.
// A single scalar is answered in text, so it gets no chart.
func Advise(question string, res *model.QueryResult) model.ChartRecommendation {
	rows := res.RowCount()
	if rows == 0 {
		return model.ChartRecommendation{Type: model.ChartNone, Reason: "empty result"}
	}
	cols := res.Columns

	if rows == 1 && len(cols) == 1 {
		return model.ChartRecommendation{Type: model.ChartNone, Reason: "single value answered in text"}
	}
	if rows == 1 {
		return model.ChartRecommendation{Type: model.ChartTable, Columns: cols, Reason: "single record"}
	}
	if rows > maxChartRows {
		return model.ChartRecommendation{Type: model.ChartTable, Columns: cols, Reason: fmt.Sprintf("%d rows is too many to plot", rows)}
	}

	timeCols := timeColumns(res)
	numeric := NumericColumns(res)

	if len(timeCols) > 0 && len(numeric) > 0 {
		t := model.ChartLine
		if len(numeric) > 1 {
			t = model.ChartMultiLine
		}
		return model.ChartRecommendation{Type: t, X: timeCols[0], Y: numeric, Columns: cols, Reason: "time series"}
	}

	if cats := categoryColumns(res, numeric); len(cats) > 0 && len(numeric) > 0 {
		cat := cats[0]
		distinct, longest := categoryShape(res, cat)
		rec := model.ChartRecommendation{X: cat, Y: numeric[:1], Columns: cols}
		switch {
		case mentionsProportion(question) || distinct <= maxPieCategories:
			rec.Type = model.ChartPie
			rec.Reason = fmt.Sprintf("%d categories", distinct)
		case distinct <= maxBarCategories:
			rec.Type = model.ChartBar
			if longest > longLabelRunes {
				rec.Type = model.ChartHorizontalBar
			}
			rec.Reason = fmt.Sprintf("%d categories", distinct)
		default:
			rec = model.ChartRecommendation{Type: model.ChartTable, Columns: cols, Reason: fmt.Sprintf("%d categories is too many to plot", distinct)}
		}
		return rec
	}

	if len(numeric) >= 2 && rows <= maxGroupedBarRows {
		return model.ChartRecommendation{Type: model.ChartGroupedBar, Y: numeric, Columns: cols, Reason: "several measures"}
	}
	return model.ChartRecommendation{Type: model.ChartTable, Columns: cols, Reason: "no plottable shape"}
}

func mentionsProportion(q string) bool {
	q = strings.ToLower(q)
	for _, w := range proportionWords {
		if strings.Contains(q, w) {
			return true
		}
	}
	return false
}

// NumericColumns returns the columns whose first non-null value is a
// number, skipping identifier-like names.
func NumericColumns(res *model.QueryResult) []string {
	var out []string
	for _, c := range res.Columns {
		if isIdentifier(c) {
			continue
		}
		if _, ok := toFloat(firstValue(res, c)); ok {
			out = append(out, c)
		}
	}
	return out
}

func isIdentifier(col string) bool {
	l := strings.ToLower(col)
	return l == "id" || strings.HasSuffix(l, "_id") || strings.HasSuffix(l, "_pk") || strings.HasSuffix(l, "_key")
}

func timeColumns(res *model.QueryResult) []string {
	var out []string
	for _, c := range res.Columns {
		if timeName.MatchString(strings.ToLower(c)) {
			out = append(out, c)
			continue
		}
		if s, ok := firstValue(res, c).(string); ok && dateValue.MatchString(s) {
			out = append(out, c)
		}
	}
	return out
}

func categoryColumns(res *model.QueryResult, numeric []string) []string {
	isNumeric := make(map[string]bool, len(numeric))
	for _, n := range numeric {
		isNumeric[n] = true
	}
	var out []string
	for _, c := range res.Columns {
		if isNumeric[c] {
			continue
		}
		if categoryName.MatchString(strings.ToLower(c)) {
			out = append(out, c)
			continue
		}
		if _, ok := firstValue(res, c).(string); ok {
			out = append(out, c)
		}
	}
	return out
}

func categoryShape(res *model.QueryResult, col string) (distinct, longest int) {
	seen := make(map[string]bool)
	for _, row := range res.Rows {
		label := fmt.Sprint(row[col])
		seen[label] = true
		if n := len([]rune(label)); n > longest {
			longest = n
		}
	}
	return len(seen), longest
}

func firstValue(res *model.QueryResult, col string) any {
	for _, row := range res.Rows {
		if v := row[col]; v != nil {
			return v
		}
	}
	return nil
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint64:
		return float64(x), true
	case float32:
		return float64(x), true
	case float64:
		return x, true
	}
	return 0, false
}

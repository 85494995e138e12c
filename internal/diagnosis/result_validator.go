package diagnosis

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/chatbi-core/server/internal/agent/model"
	logx "github.com/chatbi-core/server/pkg/logger"
)

// fieldHintPatterns maps an intent field hint to SQL fragments that filter on it.
var fieldHintPatterns = map[string][]*regexp.Regexp{
	"coupon_type":        compileAll(`coupons?\.type`, `c\.type`, `cp\.type`, `coupon.*type`),
	"shop_type":          compileAll(`shops?\.shop_type`, `s\.shop_type`),
	"category":           compileAll(`categories\.name`, `c\.name`, `category.*name`),
	"pay_method":         compileAll(`payments?\.pay_method`, `p\.pay_method`),
	"city_level":         compileAll(`dim_region\.city_level`, `dr\.city_level`, `city_level`),
	"logistics_provider": compileAll(`logistics_providers?\.name`, `lp\.name`),
	"channel":            compileAll(`order_channel_code`, `dim_channel`, `channel_code`),
	"city":               compileAll(`dim_region\.city`, `dr\.city`, `\.city\s*=`),
	"brand":              compileAll(`products?\.brand`, `p\.brand`, `brand\s*=`),
	"refund_status":      compileAll(`refunds?\.refund_status`, `r\.refund_status`, `refund_status`),
	"pay_status":         compileAll(`payments?\.pay_status`, `p\.pay_status`, `pay_status`),
	"order_status":       compileAll(`orders?\.status`, `o\.status`, `order.*status`),
}

// findingConfidence is reported for any missing filter or compared value.
const findingConfidence = 0.9

var comparisonKeywords = []string{"对比", "VS", "vs", "比较", "和", "与", "或"}

func compileAll(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile(`(?i)` + p)
	}
	return out
}

// ResultValidator checks that executed SQL and its rows actually answer
// the extracted filter conditions.
type ResultValidator struct{}

func NewResultValidator() *ResultValidator {
	return &ResultValidator{}
}

// Validate checks required filter coverage in the SQL, and for comparison
// questions that every compared value shows up in the rows. Confidence is
// the certainty of the verdict: 1 when complete, findingConfidence when
// something is missing.
func (v *ResultValidator) Validate(query string, conds []model.FilterCondition, sql string, res *model.QueryResult) *model.SemanticResult {
	if len(conds) == 0 {
		return &model.SemanticResult{IsComplete: true, Confidence: 1}
	}
	if strings.TrimSpace(sql) == "" {
		return &model.SemanticResult{
			Confidence:        1,
			MissingConditions: conds,
			Issues:            []string{"no SQL"},
			Suggestion:        "regenerate the SQL",
		}
	}

	out := &model.SemanticResult{}
	lower := strings.ToLower(sql)
	for _, c := range conds {
		if !c.Required {
			continue
		}
		if conditionInSQL(c, lower) {
			continue
		}
		out.MissingConditions = append(out.MissingConditions, c)
		out.Issues = append(out.Issues, fmt.Sprintf("condition %s=%v missing from SQL", c.FieldHint, []string(c.Value)))
	}
	if missing := comparisonGaps(query, conds, res); len(missing) > 0 {
		out.MissingValues = missing
		out.Issues = append(out.Issues, "comparison result lacks: "+strings.Join(missing, ", "))
	}

	out.IsComplete = len(out.MissingConditions) == 0 && len(out.MissingValues) == 0
	out.Confidence = 1
	if !out.IsComplete {
		out.Confidence = findingConfidence
		out.Suggestion = resultSuggestion(out)
	}
	logx.Debug().
		Bool("complete", out.IsComplete).
		Float64("confidence", out.Confidence).
		Int("missing_conditions", len(out.MissingConditions)).
		Strs("missing_values", out.MissingValues).
		Msg("Result validated")
	return out
}

// conditionInSQL matches the field hint's known patterns; unknown hints
// fall back to the hint name itself or any of the literal values.
func conditionInSQL(c model.FilterCondition, lowerSQL string) bool {
	hint := strings.ToLower(strings.TrimSpace(c.FieldHint))
	if patterns, ok := fieldHintPatterns[hint]; ok {
		for _, re := range patterns {
			if re.MatchString(lowerSQL) {
				return true
			}
		}
		return false
	}
	if hint != "" && strings.Contains(lowerSQL, hint) {
		return true
	}
	for _, val := range c.Value {
		if val != "" && strings.Contains(lowerSQL, strings.ToLower(val)) {
			return true
		}
	}
	return false
}

// comparisonGaps returns the compared values absent from the rows.
func comparisonGaps(query string, conds []model.FilterCondition, res *model.QueryResult) []string {
	isComparison := false
	for _, kw := range comparisonKeywords {
		if strings.Contains(query, kw) {
			isComparison = true
			break
		}
	}
	if !isComparison {
		return nil
	}
	var expected []string
	for _, c := range conds {
		if c.IsMulti() {
			expected = append(expected, c.Value...)
		}
	}
	if len(expected) == 0 {
		return nil
	}
	if res.RowCount() == 0 {
		return expected
	}
	b, err := json.Marshal(res.Rows)
	if err != nil {
		return nil
	}
	text := strings.ToLower(string(b))
	var missing []string
	for _, v := range expected {
		if !strings.Contains(text, strings.ToLower(v)) {
			missing = append(missing, v)
		}
	}
	return missing
}

func resultSuggestion(r *model.SemanticResult) string {
	var parts []string
	if len(r.MissingConditions) > 0 {
		hints := make([]string, len(r.MissingConditions))
		for i, c := range r.MissingConditions {
			hints[i] = c.FieldHint
		}
		parts = append(parts, "add the missing filters: "+strings.Join(hints, ", "))
	}
	if len(r.MissingValues) > 0 {
		parts = append(parts, "return rows for every compared value: "+strings.Join(r.MissingValues, ", "))
	}
	return strings.Join(parts, " | ")
}

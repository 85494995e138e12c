package parsers

import (
	"encoding/json"
	"strings"

	"github.com/chatbi-core/server/internal/agent/model"
	logx "github.com/chatbi-core/server/pkg/logger"
)

const maxFilterConditions = 20

// valueSeparators split a single literal that actually names several
// alternatives, e.g. "顺丰或中通".
var valueSeparators = []string{"或者", "或", "、", "，", ",", "/", "|"}

var operators = map[string]string{
	"=": "=", "==": "=", "EQ": "=", "EQUALS": "=",
	"!=": "!=", "<>": "!=", "NE": "!=",
	">": ">", ">=": ">=", "<": "<", "<=": "<=",
	"IN": "IN", "NOT IN": "NOT IN", "LIKE": "LIKE", "BETWEEN": "BETWEEN",
}

// ParseIntent decodes the classifier completion for query. The result's
// OriginalQuery is always query; multi-value conditions are split and
// carried as IN.
func ParseIntent(content, query string) (intent *model.Intent, err error) {
	defer recoverParse("intent_parser", &err)

	content = stripFences(bound("intent_parser", content))
	raw, ok := extractJSON(content, '{')
	if !ok {
		return nil, parseErr("no JSON object in intent completion: %s", safeSnippet(content))
	}

	var out model.Intent
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, parseErr("decode intent: %v", err)
	}

	out.Type = model.IntentType(strings.ToLower(strings.TrimSpace(string(out.Type))))
	if !out.Type.Valid() {
		return nil, parseErr("unknown intent type %q", out.Type)
	}
	out.OriginalQuery = query
	out.RewrittenQuery = strings.TrimSpace(out.RewrittenQuery)
	if out.RewrittenQuery == "" {
		out.RewrittenQuery = query
	}
	if out.Type != model.IntentQueryData {
		out.CanAnswerFromHistory = false
	}
	out.NeedConfirmation = out.NeedConfirmation && out.Type == model.IntentQueryData
	if out.NeedConfirmation && strings.TrimSpace(out.ClarificationQuestion) == "" {
		out.ClarificationQuestion = "Could you tell me more precisely what you want to see?"
	}

	out.FilterConditions = normalizeConditions(out.FilterConditions)
	if r := out.Requirements; r != nil {
		if r.Limit != nil && *r.Limit <= 0 {
			r.Limit = nil
		}
		if r.SortBy != nil {
			r.SortBy.Order = strings.ToUpper(strings.TrimSpace(r.SortBy.Order))
			if r.SortBy.Order != "ASC" {
				r.SortBy.Order = "DESC"
			}
			if strings.TrimSpace(r.SortBy.Field) == "" {
				r.SortBy = nil
			}
		}
		if r.IsEmpty() && !r.HasAggregation {
			out.Requirements = nil
		}
	}
	out.ClearHints()

	logx.Debug().
		Str("intent", string(out.Type)).
		Int("filters", len(out.FilterConditions)).
		Bool("from_history", out.CanAnswerFromHistory).
		Bool("need_confirmation", out.NeedConfirmation).
		Msg("Intent parsed")
	return &out, nil
}

func normalizeConditions(conds []model.FilterCondition) []model.FilterCondition {
	out := make([]model.FilterCondition, 0, len(conds))
	for _, c := range conds {
		if len(out) >= maxFilterConditions {
			break
		}
		c.FieldHint = strings.TrimSpace(c.FieldHint)
		c.Value = splitValues(c.Value)
		if len(c.Value) == 0 {
			continue
		}
		op := strings.ToUpper(strings.TrimSpace(c.Operator))
		c.Operator = operators[op]
		if c.Operator == "" {
			c.Operator = "="
		}
		if c.IsMulti() && c.Operator != "NOT IN" && c.Operator != "BETWEEN" {
			c.Operator = "IN"
		}
		out = append(out, c)
	}
	return out
}

func splitValues(vals model.FilterValue) model.FilterValue {
	if len(vals) != 1 {
		return vals
	}
	parts := []string{vals[0]}
	for _, sep := range valueSeparators {
		var next []string
		for _, p := range parts {
			next = append(next, strings.Split(p, sep)...)
		}
		parts = next
	}
	out := make(model.FilterValue, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

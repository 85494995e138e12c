package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// IntentType is the closed four-way classification of a user utterance.
type IntentType string

const (
	IntentQueryData IntentType = "query_data"
	IntentChitchat  IntentType = "chitchat"
	IntentUnclear   IntentType = "unclear"
	IntentRejection IntentType = "rejection"
)

// Valid reports whether t is one of the known intent types.
func (t IntentType) Valid() bool {
	switch t {
	case IntentQueryData, IntentChitchat, IntentUnclear, IntentRejection:
		return true
	}
	return false
}

// FilterValue holds one or more literal values. It decodes from a JSON
// string, number or array so multi-value conditions are never collapsed.
type FilterValue []string

func (v *FilterValue) UnmarshalJSON(b []byte) error {
	b = []byte(strings.TrimSpace(string(b)))
	if len(b) == 0 || string(b) == "null" {
		*v = nil
		return nil
	}
	switch b[0] {
	case '[':
		var raw []any
		if err := json.Unmarshal(b, &raw); err != nil {
			return err
		}
		out := make([]string, 0, len(raw))
		for _, r := range raw {
			if s := scalarString(r); s != "" {
				out = append(out, s)
			}
		}
		*v = out
		return nil
	default:
		var raw any
		if err := json.Unmarshal(b, &raw); err != nil {
			return err
		}
		if s := scalarString(raw); s != "" {
			*v = FilterValue{s}
		} else {
			*v = nil
		}
		return nil
	}
}

// MarshalJSON emits a bare string for single values and an array otherwise.
func (v FilterValue) MarshalJSON() ([]byte, error) {
	if len(v) == 1 {
		return json.Marshal(v[0])
	}
	return json.Marshal([]string(v))
}

func scalarString(r any) string {
	switch x := r.(type) {
	case string:
		return strings.TrimSpace(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case nil:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(x))
	}
}

// FilterCondition is one WHERE-level constraint extracted from the utterance.
type FilterCondition struct {
	FieldHint string      `json:"field_hint"`
	Value     FilterValue `json:"value"`
	Operator  string      `json:"operator"`
	Required  bool        `json:"required"`
}

// UnmarshalJSON treats an omitted "required" as true.
func (f *FilterCondition) UnmarshalJSON(data []byte) error {
	type plain FilterCondition
	aux := struct {
		*plain
		Required *bool `json:"required"`
	}{plain: (*plain)(f)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	f.Required = aux.Required == nil || *aux.Required
	return nil
}

// IsMulti reports whether the condition names more than one value.
func (f FilterCondition) IsMulti() bool {
	return len(f.Value) > 1
}

type SortSpec struct {
	Field string `json:"field"`
	Order string `json:"order"`
}

// QueryRequirements captures the structural shape the user asked for.
type QueryRequirements struct {
	SortBy          *SortSpec `json:"sort_by,omitempty"`
	Limit           *int      `json:"limit,omitempty"`
	GroupDimensions []string  `json:"group_dimensions,omitempty"`
	RequiredMetrics []string  `json:"required_metrics,omitempty"`
	HasAggregation  bool      `json:"has_aggregation"`
}

// IsEmpty reports whether there is nothing for a completeness check to verify.
func (q *QueryRequirements) IsEmpty() bool {
	if q == nil {
		return true
	}
	return q.SortBy == nil && q.Limit == nil && len(q.GroupDimensions) == 0 && len(q.RequiredMetrics) == 0
}

// Intent is the classification result for one turn plus any correction
// hints attached by diagnosis.
type Intent struct {
	Type                  IntentType         `json:"intent_type"`
	OriginalQuery         string             `json:"original_query"`
	RewrittenQuery        string             `json:"rewritten_query"`
	Entities              map[string]any     `json:"entities,omitempty"`
	FilterConditions      []FilterCondition  `json:"filter_conditions,omitempty"`
	Requirements          *QueryRequirements `json:"query_requirements,omitempty"`
	CanAnswerFromHistory  bool               `json:"can_answer_from_history"`
	HistoryAnswerReason   string             `json:"history_answer_reason,omitempty"`
	NeedConfirmation      bool               `json:"need_user_confirmation"`
	ClarificationQuestion string             `json:"clarification_question,omitempty"`
	Reason                string             `json:"reason,omitempty"`
	Guidance              string             `json:"guidance,omitempty"`
	DetectedKeywords      []string           `json:"detected_keywords,omitempty"`

	SQLFixHint        string `json:"-"`
	EntityMappingHint string `json:"-"`
	SchemaCorrection  string `json:"-"`
}

// Query returns the rewritten query when present, else the original.
func (i *Intent) Query() string {
	if i == nil {
		return ""
	}
	if q := strings.TrimSpace(i.RewrittenQuery); q != "" {
		return q
	}
	return i.OriginalQuery
}

// ClearHints drops correction hints from a previous turn.
func (i *Intent) ClearHints() {
	if i == nil {
		return
	}
	i.SQLFixHint = ""
	i.EntityMappingHint = ""
	i.SchemaCorrection = ""
}

// UnclearIntent builds the degraded classification used when parsing fails.
func UnclearIntent(query, guidance string) *Intent {
	return &Intent{
		Type:           IntentUnclear,
		OriginalQuery:  query,
		RewrittenQuery: query,
		Reason:         "intent could not be parsed",
		Guidance:       guidance,
	}
}

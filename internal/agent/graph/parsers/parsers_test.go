package parsers

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatbi-core/server/internal/agent/model"
	"github.com/chatbi-core/server/internal/llm"
)

func TestParseIntentQueryData(t *testing.T) {
	content := "```json\n" + `{
		"intent_type": "query_data",
		"rewritten_query": "2025年销售总额",
		"filter_conditions": [
			{"field_hint": "快递公司", "value": "顺丰或中通", "operator": "=", "required": true},
			{"field_hint": "城市", "value": ["北京"], "operator": "eq"},
			{"field_hint": "空", "value": null}
		],
		"query_requirements": {"limit": 0, "sort_by": {"field": "sales", "order": "desc"}, "has_aggregation": true}
	}` + "\n```"

	intent, err := ParseIntent(content, "今年顺丰或中通的销售额")
	require.NoError(t, err)
	assert.Equal(t, model.IntentQueryData, intent.Type)
	assert.Equal(t, "今年顺丰或中通的销售额", intent.OriginalQuery)
	assert.Equal(t, "2025年销售总额", intent.RewrittenQuery)

	require.Len(t, intent.FilterConditions, 2)
	carrier := intent.FilterConditions[0]
	assert.Equal(t, model.FilterValue{"顺丰", "中通"}, carrier.Value)
	assert.Equal(t, "IN", carrier.Operator)
	assert.True(t, carrier.Required)
	assert.Equal(t, "=", intent.FilterConditions[1].Operator)
	assert.True(t, intent.FilterConditions[1].Required)

	require.NotNil(t, intent.Requirements)
	assert.Nil(t, intent.Requirements.Limit)
	assert.Equal(t, "DESC", intent.Requirements.SortBy.Order)
}

func TestParseIntentArrayValueStaysMulti(t *testing.T) {
	intent, err := ParseIntent(`{"intent_type":"query_data","filter_conditions":[{"field_hint":"渠道","value":["app","web"]}]}`, "q")
	require.NoError(t, err)
	require.Len(t, intent.FilterConditions, 1)
	assert.True(t, intent.FilterConditions[0].IsMulti())
	assert.Equal(t, "IN", intent.FilterConditions[0].Operator)
	assert.Equal(t, "q", intent.RewrittenQuery)
}

func TestParseIntentKeepsExplicitOptionalFilter(t *testing.T) {
	intent, err := ParseIntent(`{"intent_type":"query_data","filter_conditions":[
		{"field_hint":"city","value":"上海","required":false},
		{"field_hint":"status","value":"paid"}]}`, "q")
	require.NoError(t, err)
	require.Len(t, intent.FilterConditions, 2)
	assert.False(t, intent.FilterConditions[0].Required)
	assert.True(t, intent.FilterConditions[1].Required)
}

func TestParseIntentProseAround(t *testing.T) {
	intent, err := ParseIntent(`Sure! {"intent_type": "Chitchat", "can_answer_from_history": true} hope that helps`, "你好")
	require.NoError(t, err)
	assert.Equal(t, model.IntentChitchat, intent.Type)
	assert.False(t, intent.CanAnswerFromHistory)
}

func TestParseIntentFailures(t *testing.T) {
	for name, content := range map[string]string{
		"no json":      "I think this is a data question",
		"bad type":     `{"intent_type": "weather"}`,
		"broken json":  `{"intent_type": "query_data",}`,
		"unterminated": `{"intent_type": "query_data"`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseIntent(content, "q")
			assert.ErrorIs(t, err, llm.ErrParse)
		})
	}
}

func TestParseIntentConfirmationDefaultsQuestion(t *testing.T) {
	intent, err := ParseIntent(`{"intent_type":"query_data","need_user_confirmation":true}`, "q")
	require.NoError(t, err)
	assert.True(t, intent.NeedConfirmation)
	assert.NotEmpty(t, intent.ClarificationQuestion)
}

func TestParsePlan(t *testing.T) {
	tests := []struct {
		name    string
		content string
		sql     string
		clarify string
	}{
		{"json", `{"sql": "SELECT SUM(amount) FROM orders;", "explanation": "total"}`, "SELECT SUM(amount) FROM orders", ""},
		{"fenced", "```sql\nSELECT id FROM orders WHERE city = '北京';;\n```", "SELECT id FROM orders WHERE city = '北京'", ""},
		{"bare", "WITH t AS (SELECT 1 AS x) SELECT x FROM t", "WITH t AS (SELECT 1 AS x) SELECT x FROM t", ""},
		{"clarification json", `{"sql": "", "clarification": "Which year?"}`, "", "Which year?"},
		{"prose", "Which metric do you mean, GMV or paid amount?", "", "Which metric do you mean, GMV or paid amount?"},
		{"sql wins", `{"sql": "SELECT 1", "clarification": "maybe"}`, "SELECT 1", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := ParsePlan(tt.content)
			require.NoError(t, err)
			assert.Equal(t, tt.sql, p.SQL)
			assert.Equal(t, tt.clarify, p.Clarification)
		})
	}
}

func TestParsePlanRejects(t *testing.T) {
	for name, content := range map[string]string{
		"multiple": "SELECT 1; SELECT 2",
		"write":    `{"sql": "DELETE FROM orders"}`,
		"empty":    "   ",
		"nothing":  `{"explanation": "none"}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParsePlan(content)
			assert.ErrorIs(t, err, llm.ErrParse)
		})
	}
}

func TestParseVariants(t *testing.T) {
	v, err := ParseVariants(`{"variants": ["SF Express", "顺丰速运", "SF Express", "", 3]}`, 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"SF Express", "顺丰速运"}, v)

	v, err = ParseVariants("```json\n[\"a\",\"b\",\"c\"]\n```", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, v)

	_, err = ParseVariants("none", 5)
	assert.ErrorIs(t, err, llm.ErrParse)
}

func TestBoundTruncates(t *testing.T) {
	long := strings.Repeat("x", maxContentLen+10)
	assert.Len(t, bound("t", long), maxContentLen)
}

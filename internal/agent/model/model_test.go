package model

import (
	"encoding/json"
	"testing"

	"github.com/cloudwego/eino/schema"
	"github.com/kelseyhightower/envconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterValueDecodesScalarsAndLists(t *testing.T) {
	var conds []FilterCondition
	raw := `[
		{"field_hint":"logistics_provider","value":["顺丰","中通"],"operator":"IN","required":true},
		{"field_hint":"city","value":"上海","operator":"=","required":false},
		{"field_hint":"year","value":2024,"operator":"="},
		{"field_hint":"empty","value":null}
	]`
	require.NoError(t, json.Unmarshal([]byte(raw), &conds))
	require.Len(t, conds, 4)

	assert.Equal(t, FilterValue{"顺丰", "中通"}, conds[0].Value)
	assert.True(t, conds[0].IsMulti())
	assert.Equal(t, FilterValue{"上海"}, conds[1].Value)
	assert.Equal(t, FilterValue{"2024"}, conds[2].Value)
	assert.Empty(t, conds[3].Value)

	b, err := json.Marshal(conds[1].Value)
	require.NoError(t, err)
	assert.JSONEq(t, `"上海"`, string(b))
}

func TestFilterConditionRequiredDefaultsToTrue(t *testing.T) {
	var conds []FilterCondition
	raw := `[
		{"field_hint":"city","value":"上海","required":false},
		{"field_hint":"city","value":"北京","required":true},
		{"field_hint":"year","value":2024}
	]`
	require.NoError(t, json.Unmarshal([]byte(raw), &conds))
	require.Len(t, conds, 3)
	assert.False(t, conds[0].Required)
	assert.True(t, conds[1].Required)
	assert.True(t, conds[2].Required)
	assert.Equal(t, "year", conds[2].FieldHint)
	assert.Equal(t, FilterValue{"2024"}, conds[2].Value)
}

func TestPipelineConfigHistoryWindow(t *testing.T) {
	var cfg PipelineConfig
	require.NoError(t, envconfig.Process("", &cfg))
	assert.Equal(t, 40, cfg.HistoryMessages)

	t.Setenv("PIPELINE_HISTORY_MESSAGES", "12")
	require.NoError(t, envconfig.Process("", &cfg))
	assert.Equal(t, 12, cfg.HistoryMessages)
}

func TestQueryResultIsEmpty(t *testing.T) {
	cases := []struct {
		name string
		res  *QueryResult
		want bool
	}{
		{"nil", nil, true},
		{"no rows", &QueryResult{Columns: []string{"a"}}, true},
		{"all null row", &QueryResult{Columns: []string{"a", "b"}, Rows: []map[string]any{{"a": nil, "b": nil}}}, true},
		{"single zero", &QueryResult{Columns: []string{"total"}, Rows: []map[string]any{{"total": int64(0)}}}, true},
		{"single value", &QueryResult{Columns: []string{"total"}, Rows: []map[string]any{{"total": 12.5}}}, false},
		{"two rows", &QueryResult{Columns: []string{"a"}, Rows: []map[string]any{{"a": nil}, {"a": nil}}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.res.IsEmpty())
		})
	}
}

func TestResetForTurnKeepsCrossTurnFields(t *testing.T) {
	lqc := &LastQueryContext{Query: "q"}
	s := &ConversationState{
		Intent:                 &Intent{SQLFixHint: "fix"},
		RetryCount:             3,
		DiagnosisAttempted:     true,
		DiagnosisCount:         2,
		CachedSchemaContext:    "[orders]",
		VerificationResult:     &VerificationResult{},
		VerifiedEntityMappings: map[string]string{"顺丰": "SF"},
		LastQueryContext:       lqc,
	}
	s.ResetForTurn()

	assert.Zero(t, s.RetryCount)
	assert.False(t, s.DiagnosisAttempted)
	assert.Zero(t, s.DiagnosisCount)
	assert.Empty(t, s.CachedSchemaContext)
	assert.Nil(t, s.VerificationResult)
	assert.Empty(t, s.Intent.SQLFixHint)
	assert.Equal(t, "SF", s.VerifiedEntityMappings["顺丰"])
	assert.Same(t, lqc, s.LastQueryContext)
}

func TestDiagnosisKindFollowsDetail(t *testing.T) {
	var d *Diagnosis
	assert.Equal(t, DiagnosisUnknown, d.Kind())
	assert.Equal(t, DiagnosisSchemaIncomplete, (&Diagnosis{Detail: SchemaIncompleteDetail{}}).Kind())
	assert.Equal(t, DiagnosisEntityMapping, (&Diagnosis{Detail: EntityMappingDetail{}}).Kind())
}

func TestComputeCost(t *testing.T) {
	c := ComputeCost("gemini-2.5-flash-001", &schema.TokenUsage{PromptTokens: 1_000_000, CompletionTokens: 1_000_000})
	assert.InDelta(t, 0.30, c.InputCost, 1e-9)
	assert.InDelta(t, 2.80, c.Total(), 1e-9)

	assert.Zero(t, ComputeCost("unknown", &schema.TokenUsage{PromptTokens: 10}).Total())
}

package nodes

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/chatbi-core/server/internal/agent/model"
)

func TestProbeTargetsGroupsByColumn(t *testing.T) {
	targets := probeTargets("SELECT SUM(o.amount) FROM orders o WHERE o.city IN ('北京', '上海') AND o.carrier = '顺丰'")
	assert.Len(t, targets, 2)
	for _, tg := range targets {
		switch tg.Column {
		case "city":
			assert.Equal(t, []string{"北京", "上海"}, tg.Literals())
		case "carrier":
			assert.Equal(t, "顺丰", tg.Value)
			assert.Equal(t, "orders", tg.Table)
		default:
			t.Fatalf("unexpected target %+v", tg)
		}
	}
}

func TestValueReplacement(t *testing.T) {
	hint := valueReplacement(model.VerificationResult{
		Mappings:   map[string]string{"北京": "北京市", "顺丰": "顺丰速运"},
		Candidates: map[string][]string{"北京": {"北京市"}, "顺丰": {"顺丰速运", "顺丰快运"}},
	})
	assert.Contains(t, hint, "'北京' -> '北京市'")
	assert.Contains(t, hint, "IN ('顺丰速运', '顺丰快运')")
	assert.Empty(t, valueReplacement(model.VerificationResult{}))
}

func TestValidatorHints(t *testing.T) {
	limit := 5
	assert.Contains(t, completenessHint(&model.CompletenessResult{MissingLimit: true, ExpectedLimit: &limit}), "LIMIT 5")
	assert.Empty(t, completenessHint(&model.CompletenessResult{IsComplete: true}))
	assert.Contains(t, semanticHint(&model.SemanticResult{
		MissingConditions: []model.FilterCondition{{FieldHint: "城市", Operator: "=", Value: model.FilterValue{"北京"}}},
	}), "城市 = 北京")
	assert.Equal(t, "a\n\nb", joinHints("a", " ", "b"))
}

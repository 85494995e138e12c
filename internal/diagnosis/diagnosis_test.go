package diagnosis

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatbi-core/server/internal/agent/model"
	"github.com/chatbi-core/server/internal/retrieval"
)

const testCatalog = `{
  "tables": [
    {"name": "orders", "description": "订单表", "columns": [
      {"name": "id", "type": "bigint", "description": "订单ID"},
      {"name": "user_id", "type": "bigint", "description": "用户ID"},
      {"name": "shipping_region_id", "type": "bigint", "description": "配送区域ID"},
      {"name": "logistics_provider_id", "type": "bigint", "description": "物流商ID"},
      {"name": "status", "type": "varchar", "description": "订单状态: paid/shipped/closed"},
      {"name": "pay_amount", "type": "decimal", "description": "支付金额"}
    ]},
    {"name": "users", "description": "用户表", "columns": [
      {"name": "id", "type": "bigint", "description": "用户ID"},
      {"name": "city", "type": "varchar", "description": "城市"}
    ]},
    {"name": "dim_region", "description": "区域维表", "columns": [
      {"name": "id", "type": "bigint", "description": "区域ID"},
      {"name": "region_name", "type": "varchar", "description": "区域名称"},
      {"name": "parent_id", "type": "bigint", "description": "上级区域"}
    ]},
    {"name": "logistics_providers", "description": "物流商", "columns": [
      {"name": "id", "type": "bigint", "description": "物流商ID"},
      {"name": "name", "type": "varchar", "description": "物流商名称，英文简称如 SF Express, ZTO"}
    ]}
  ],
  "relationships": [
    {"source": "orders", "target": "users", "condition": "orders.user_id = users.id"},
    {"source": "orders", "target": "dim_region", "condition": "orders.shipping_region_id = dim_region.id"},
    {"source": "orders", "target": "logistics_providers", "condition": "orders.logistics_provider_id = logistics_providers.id"}
  ]
}`

func mustCatalog(t *testing.T) *retrieval.Catalog {
	t.Helper()
	c, err := retrieval.ParseCatalog([]byte(testCatalog))
	require.NoError(t, err)
	return c
}

func intPtr(v int) *int { return &v }

func TestCompletenessMissingSort(t *testing.T) {
	v := NewCompletenessValidator()
	res := v.Validate("SELECT city, SUM(pay_amount) FROM orders GROUP BY city LIMIT 10", &model.QueryRequirements{
		SortBy: &model.SortSpec{Field: "pay_amount", Order: "desc"},
		Limit:  intPtr(10),
	})

	assert.False(t, res.IsComplete)
	assert.True(t, res.MissingSort)
	assert.False(t, res.MissingLimit)
	assert.Equal(t, "semantic", res.FailureType)
	assert.Equal(t, model.RetryLightweight, res.Strategy)
	assert.Contains(t, res.Suggestion, "ORDER BY pay_amount DESC")
}

func TestCompletenessLimitMismatch(t *testing.T) {
	v := NewCompletenessValidator()
	res := v.Validate("SELECT name FROM shops ORDER BY sales DESC LIMIT 5", &model.QueryRequirements{Limit: intPtr(10)})

	assert.False(t, res.IsComplete)
	assert.True(t, res.MissingLimit)
	require.NotNil(t, res.ActualLimit)
	require.NotNil(t, res.ExpectedLimit)
	assert.Equal(t, 5, *res.ActualLimit)
	assert.Equal(t, 10, *res.ExpectedLimit)
}

func TestCompletenessDimensionsAndMetrics(t *testing.T) {
	v := NewCompletenessValidator()

	res := v.Validate("SELECT SUM(pay_amount) FROM orders", &model.QueryRequirements{
		GroupDimensions: []string{"省份"},
		HasAggregation:  true,
	})
	assert.False(t, res.IsComplete)
	assert.Equal(t, []string{"省份"}, res.MissingDimensions)

	res = v.Validate("SELECT r.province, COUNT(*) FROM orders o JOIN dim_region r ON r.id = o.shipping_region_id GROUP BY r.province", &model.QueryRequirements{
		GroupDimensions: []string{"省份"},
		RequiredMetrics: []string{"订单数", "客单价"},
		HasAggregation:  true,
	})
	assert.True(t, res.IsComplete)
	assert.Equal(t, []string{"客单价"}, res.MissingMetrics)
	assert.Contains(t, res.Suggestion, "客单价")

	res = v.Validate("SELECT 1", nil)
	assert.True(t, res.IsComplete)
}

func TestMetricFallbacks(t *testing.T) {
	assert.True(t, metricInSQL("用户数", "SELECT COUNT(DISTINCT USER_ID) FROM ORDERS"))
	assert.True(t, metricInSQL("退货额", "SELECT SUM(X) FROM T"))
	assert.True(t, metricInSQL("平均客单价", "SELECT AVG(X) FROM T"))
	assert.False(t, metricInSQL("平均客单价", "SELECT MAX(X) FROM T"))
}

func TestSchemaCompleterReportsFKGap(t *testing.T) {
	c := mustCatalog(t)
	sc := NewSchemaCompleter(c)
	ctx := retrieval.RenderTable(mustTable(t, c, "orders"))

	check := sc.CheckCompleteness("", []string{"orders"}, ctx)
	assert.False(t, check.IsComplete)
	assert.Contains(t, check.MissingTables, "dim_region")
	assert.Contains(t, check.MissingTables, "users")
	assert.Contains(t, check.MissingTables, "logistics_providers")
	assert.InDelta(t, 0.9, check.Confidence, 1e-9)

	var link *model.FKLink
	for i := range check.FKAnalysis {
		if check.FKAnalysis[i].Column == "shipping_region_id" {
			link = &check.FKAnalysis[i]
		}
	}
	require.NotNil(t, link)
	assert.Equal(t, "dim_region", link.TargetTable)
	assert.False(t, link.Present)
}

func TestSchemaCompleterInfersByNamingWithoutRelationships(t *testing.T) {
	c, err := retrieval.NewCatalog([]retrieval.Table{
		{Name: "orders", Columns: []retrieval.Column{{Name: "shipping_region_id"}, {Name: "category_id"}}},
		{Name: "dim_region", Columns: []retrieval.Column{{Name: "id"}}},
		{Name: "categories", Columns: []retrieval.Column{{Name: "id"}, {Name: "parent_id"}}},
	}, nil)
	require.NoError(t, err)
	sc := NewSchemaCompleter(c)

	check := sc.CheckCompleteness("SELECT 1", []string{"orders"}, "[orders]\n  - shipping_region_id: region\n  - category_id: category\n")
	assert.ElementsMatch(t, []string{"dim_region", "categories"}, check.MissingTables)
}

func TestCompleteSchemaIsAppendOnlyAndIdempotent(t *testing.T) {
	c := mustCatalog(t)
	sc := NewSchemaCompleter(c)
	base := c.RenderContext([]string{"orders"})

	first := sc.CompleteSchema(base, []string{"orders"}, []string{"dim_region", "nope"})
	assert.Equal(t, []string{"dim_region"}, first.AddedTables)
	assert.True(t, len(first.Context) > len(base))
	assert.Equal(t, base, first.Context[:len(base)])
	assert.Contains(t, first.Context, retrieval.SupplementaryHeader)
	assert.Contains(t, first.Context, "[dim_region]\n  - id: 区域ID")
	assert.Contains(t, first.Context, "- orders <-> dim_region: orders.shipping_region_id = dim_region.id")

	second := sc.CompleteSchema(first.Context, []string{"orders"}, []string{"dim_region"})
	assert.Empty(t, second.AddedTables)
	assert.Equal(t, first.Context, second.Context)

	check := sc.CheckCompleteness("", []string{"orders"}, first.Context)
	assert.NotContains(t, check.MissingTables, "dim_region")
}

func mustTable(t *testing.T, c *retrieval.Catalog, name string) retrieval.Table {
	t.Helper()
	tbl, ok := c.Table(name)
	require.True(t, ok)
	return tbl
}

type stubQuerier struct {
	calls   []string
	args    [][]any
	results []string
	err     error
}

func (s *stubQuerier) QueryStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	s.calls = append(s.calls, query)
	s.args = append(s.args, args)
	return s.results, s.err
}

func TestProbeFindsMappingAndUsesVariants(t *testing.T) {
	q := &stubQuerier{results: []string{"ZTO Express", "SF Express"}}
	variants := func(ctx context.Context, target model.ProbeTarget, desc string) ([]string, error) {
		assert.Contains(t, desc, "英文简称")
		return []string{"SF", "shunfeng", "顺丰"}, nil
	}
	p := NewEntityProbe(q, mustCatalog(t), variants, 10)

	report, err := p.Probe(context.Background(), []model.ProbeTarget{{Table: "logistics_providers", Column: "name", Value: "顺丰"}}, nil)
	require.NoError(t, err)

	require.Len(t, q.calls, 1)
	assert.Equal(t, "SELECT DISTINCT name FROM logistics_providers WHERE name LIKE ? ESCAPE '!' OR name LIKE ? ESCAPE '!' OR name LIKE ? ESCAPE '!' LIMIT 10", q.calls[0])
	assert.Equal(t, []any{"%顺丰%", "%SF%", "%shunfeng%"}, q.args[0])
	assert.True(t, report.Success)
	// no exact or containment match for the CJK literal, so the first value wins
	assert.Equal(t, "ZTO Express", report.Mappings["顺丰"])
	assert.Equal(t, []string{"ZTO Express", "SF Express"}, report.Candidates["顺丰"])
}

func TestProbeEscapesLikeWildcards(t *testing.T) {
	q := &stubQuerier{results: []string{"50%_off!"}}
	p := NewEntityProbe(q, mustCatalog(t), nil, 10)

	report, err := p.Probe(context.Background(), []model.ProbeTarget{{Table: "orders", Column: "status", Value: "50%_off!"}}, nil)
	require.NoError(t, err)
	require.Len(t, q.calls, 1)
	assert.Contains(t, q.calls[0], "status LIKE ? ESCAPE '!'")
	assert.Equal(t, []any{"%50!%!_off!!%"}, q.args[0])
	assert.Equal(t, "50%_off!", report.Mappings["50%_off!"])
}

func TestProbeSkipsVerifiedLiterals(t *testing.T) {
	q := &stubQuerier{results: []string{"SF Express"}}
	p := NewEntityProbe(q, mustCatalog(t), nil, 10)
	target := []model.ProbeTarget{{Table: "logistics_providers", Column: "name", Values: []string{"SF"}}}

	first, err := p.Probe(context.Background(), target, map[string]string{})
	require.NoError(t, err)
	require.Len(t, q.calls, 1)
	assert.Equal(t, "SF Express", first.Mappings["SF"])

	second, err := p.Probe(context.Background(), target, first.Mappings)
	require.NoError(t, err)
	assert.Len(t, q.calls, 1)
	assert.Empty(t, second.Outcomes)
	assert.True(t, second.Success)
}

func TestProbeNoCandidatesIsNotAMatch(t *testing.T) {
	q := &stubQuerier{}
	p := NewEntityProbe(q, mustCatalog(t), nil, 10)

	report, err := p.Probe(context.Background(), []model.ProbeTarget{{Table: "orders", Column: "status", Value: "已退款"}}, nil)
	require.NoError(t, err)
	assert.False(t, report.Success)
	assert.Empty(t, report.Mappings)
	assert.Contains(t, report.Suggestion, "已退款")
}

func TestProbeRejectsUnknownColumns(t *testing.T) {
	q := &stubQuerier{}
	p := NewEntityProbe(q, mustCatalog(t), nil, 10)

	report, err := p.Probe(context.Background(), []model.ProbeTarget{
		{Table: "orders; DROP TABLE x", Column: "status", Value: "a"},
		{Table: "orders", Column: "ghost", Value: "b"},
	}, nil)
	require.NoError(t, err)
	assert.Empty(t, q.calls)
	assert.False(t, report.Success)
}

func TestProbeQueryErrorIsUnmatched(t *testing.T) {
	q := &stubQuerier{err: errors.New("boom")}
	p := NewEntityProbe(q, mustCatalog(t), nil, 10)

	report, err := p.Probe(context.Background(), []model.ProbeTarget{{Table: "orders", Column: "status", Value: "paid"}}, nil)
	require.NoError(t, err)
	assert.False(t, report.Success)
}

func TestBestMatch(t *testing.T) {
	assert.Equal(t, "WeChat", BestMatch("wechat", []string{"wechat_pay", "WeChat"}))
	assert.Equal(t, "wechat_pay", BestMatch("wechat", []string{"alipay", "wechat_pay"}))
	assert.Equal(t, "alipay", BestMatch("微信", []string{"alipay", "card"}))
	assert.Empty(t, BestMatch("x", nil))
}

func TestResultValidatorFlagsMissingCondition(t *testing.T) {
	v := NewResultValidator()
	conds := []model.FilterCondition{
		{FieldHint: "logistics_provider", Value: model.FilterValue{"顺丰"}, Required: true},
		{FieldHint: "city", Value: model.FilterValue{"上海"}, Required: true},
		{FieldHint: "brand", Value: model.FilterValue{"x"}, Required: false},
	}
	res := v.Validate("上海的顺丰订单", conds, "SELECT COUNT(*) FROM orders o JOIN logistics_providers lp ON lp.id = o.logistics_provider_id WHERE lp.name = 'SF Express'", &model.QueryResult{})

	assert.False(t, res.IsComplete)
	assert.InDelta(t, findingConfidence, res.Confidence, 1e-9)
	require.Len(t, res.MissingConditions, 1)
	assert.Equal(t, "city", res.MissingConditions[0].FieldHint)
}

func TestResultValidatorSingleMissingFilterIsConfident(t *testing.T) {
	v := NewResultValidator()
	conds := []model.FilterCondition{{FieldHint: "city", Value: model.FilterValue{"上海市"}, Required: true}}

	res := v.Validate("上海市的销售额", conds, "SELECT SUM(amount) AS total FROM orders", &model.QueryResult{})
	assert.False(t, res.IsComplete)
	assert.GreaterOrEqual(t, res.Confidence, 0.7)

	res = v.Validate("上海市的销售额", conds, "SELECT SUM(amount) AS total FROM orders WHERE orders.city = '上海市'", &model.QueryResult{})
	assert.True(t, res.IsComplete)
	assert.InDelta(t, 1.0, res.Confidence, 1e-9)
}

func TestResultValidatorComparisonCoverage(t *testing.T) {
	v := NewResultValidator()
	conds := []model.FilterCondition{{FieldHint: "logistics_provider", Value: model.FilterValue{"SF", "ZTO"}, Operator: "IN", Required: true}}
	sql := "SELECT lp.name, COUNT(*) FROM orders o JOIN logistics_providers lp ON lp.id = o.logistics_provider_id WHERE lp.name IN ('SF','ZTO') GROUP BY lp.name"

	res := v.Validate("SF和ZTO对比", conds, sql, &model.QueryResult{Columns: []string{"name", "n"}, Rows: []map[string]any{{"name": "SF", "n": 3}}})
	assert.False(t, res.IsComplete)
	assert.Equal(t, []string{"ZTO"}, res.MissingValues)
	assert.InDelta(t, findingConfidence, res.Confidence, 1e-9)

	res = v.Validate("SF和ZTO对比", conds, sql, &model.QueryResult{Columns: []string{"name", "n"}, Rows: []map[string]any{{"name": "SF", "n": 3}, {"name": "ZTO", "n": 1}}})
	assert.True(t, res.IsComplete)

	res = v.Validate("anything", nil, sql, nil)
	assert.True(t, res.IsComplete)
}

func newDiagnoser(t *testing.T) *Diagnoser {
	c := mustCatalog(t)
	return NewDiagnoser(c, NewSchemaCompleter(c))
}

func TestDiagnoseMissingTable(t *testing.T) {
	d := newDiagnoser(t)

	diag := d.Diagnose(Input{ExecError: "no such table: dim_region", SelectedTables: []string{"orders"}})
	assert.Equal(t, model.DiagnosisSchemaIncomplete, diag.Kind())
	assert.Equal(t, []string{"dim_region"}, diag.Detail.(model.SchemaIncompleteDetail).MissingTables)
	assert.InDelta(t, 0.95, diag.Confidence, 1e-9)

	diag = d.Diagnose(Input{SchemaError: &model.SchemaErrorInfo{Object: "table", Name: "order"}})
	assert.Equal(t, model.DiagnosisSQLLogicError, diag.Kind())
	assert.Contains(t, diag.Detail.(model.SQLLogicDetail).Alternatives, "orders")
}

func TestDiagnoseMissingColumn(t *testing.T) {
	d := newDiagnoser(t)
	sql := "SELECT o.region_name FROM orders o"

	diag := d.Diagnose(Input{SQL: sql, ExecError: "no such column: o.region_name", SelectedTables: []string{"orders"}})
	assert.Equal(t, model.DiagnosisSchemaIncomplete, diag.Kind())
	assert.Equal(t, []string{"dim_region"}, diag.Detail.(model.SchemaIncompleteDetail).MissingTables)

	diag = d.Diagnose(Input{SQL: "SELECT o.pay_amout FROM orders o", ExecError: "no such column: o.pay_amout", SelectedTables: []string{"orders"}})
	assert.Equal(t, model.DiagnosisSQLLogicError, diag.Kind())
	assert.Contains(t, diag.Detail.(model.SQLLogicDetail).Alternatives, "orders.pay_amount")
}

func TestDiagnoseFKGapBeforeHeuristics(t *testing.T) {
	d := newDiagnoser(t)
	c := mustCatalog(t)

	diag := d.Diagnose(Input{
		SQL:            "SELECT COUNT(*) FROM orders WHERE status = '已支付'",
		SelectedTables: []string{"orders"},
		SchemaContext:  c.RenderContext([]string{"orders"}),
		Empty:          true,
	})
	assert.Equal(t, model.DiagnosisSchemaIncomplete, diag.Kind())
}

func TestDiagnoseEntityMapping(t *testing.T) {
	d := newDiagnoser(t)
	c := mustCatalog(t)
	tables := []string{"orders", "users", "dim_region", "logistics_providers"}

	diag := d.Diagnose(Input{
		SQL:            "SELECT COUNT(*) FROM orders o JOIN logistics_providers lp ON lp.id = o.logistics_provider_id WHERE lp.name IN ('顺丰', '中通') AND o.status = 'paid'",
		SelectedTables: tables,
		SchemaContext:  c.RenderContext(tables),
		Empty:          true,
		Verified:       map[string]string{"已支付": "paid"},
	})
	require.Equal(t, model.DiagnosisEntityMapping, diag.Kind())
	targets := diag.Detail.(model.EntityMappingDetail).Targets
	require.Len(t, targets, 1)
	assert.Equal(t, "logistics_providers", targets[0].Table)
	assert.Equal(t, []string{"顺丰", "中通"}, targets[0].Values)
	assert.GreaterOrEqual(t, diag.Confidence, 0.5)
}

func TestDiagnoseShapeAndEmpty(t *testing.T) {
	d := newDiagnoser(t)
	c := mustCatalog(t)
	tables := []string{"orders", "users", "dim_region", "logistics_providers"}
	ctx := c.RenderContext(tables)

	diag := d.Diagnose(Input{
		SQL:            "SELECT * FROM orders WHERE id IN (SELECT id FROM orders WHERE pay_amount > 100)",
		SelectedTables: tables, SchemaContext: ctx, Empty: true,
	})
	assert.Equal(t, model.DiagnosisSQLLogicError, diag.Kind())

	diag = d.Diagnose(Input{
		SQL:            "SELECT SUM(o.pay_amount) FROM orders o WHERE o.pay_amount > 1000000",
		SelectedTables: tables, SchemaContext: ctx, Empty: true,
	})
	assert.Equal(t, model.DiagnosisDataTrulyEmpty, diag.Kind())
	assert.GreaterOrEqual(t, diag.Confidence, 0.5)

	diag = d.Diagnose(Input{SelectedTables: tables, SchemaContext: ctx})
	assert.Equal(t, model.DiagnosisUnknown, diag.Kind())
	assert.Less(t, diag.Confidence, 0.5)
}

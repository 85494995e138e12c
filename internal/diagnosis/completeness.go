package diagnosis

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/chatbi-core/server/internal/agent/model"
	logx "github.com/chatbi-core/server/pkg/logger"
)

// metricPatterns maps a requested metric to the SQL fragments that satisfy it.
var metricPatterns = map[string][]string{
	"订单数":  {"COUNT", "订单数", "order_count"},
	"销售金额": {"SUM", "销售金额", "金额", "pay_amount", "total_amount", "sales"},
	"销售额":  {"SUM", "销售额", "金额", "pay_amount", "total_amount", "sales"},
	"消费金额": {"SUM", "消费金额", "金额", "pay_amount", "total_consumption"},
	"退款金额": {"SUM", "退款金额", "refund_amount"},
	"退款数量": {"COUNT", "退款数量", "refund_count"},
	"平均":   {"AVG", "平均"},
	"签收率":  {"签收率", "delivery_rate", "/", "CASE"},
	"签收数量": {"COUNT", "签收", "delivered"},
}

// dimensionPatterns maps a requested grouping dimension to its synonyms.
var dimensionPatterns = map[string][]string{
	"省份":    {"province", "省份", "省"},
	"城市":    {"city", "城市", "市"},
	"品类":    {"category", "品类", "categories"},
	"支付方式":  {"pay_method", "支付方式", "payment"},
	"物流商":   {"logistics_provider", "物流商", "物流"},
	"店铺":    {"shop", "店铺"},
	"渠道":    {"channel", "渠道"},
	"用户等级":  {"level", "用户等级", "会员等级", "user_level"},
	"注册渠道":  {"register_channel", "注册渠道", "channel_name"},
	"优惠券类型": {"coupon_type", "优惠券类型", "type"},
}

var limitClause = regexp.MustCompile(`LIMIT\s+(\d+)`)

// CompletenessValidator checks generated SQL against the structural query
// requirements. It is pure and never calls the LLM.
type CompletenessValidator struct{}

func NewCompletenessValidator() *CompletenessValidator {
	return &CompletenessValidator{}
}

// Validate reports which requirement categories the SQL fails. Metrics are
// reported but do not make the result incomplete on their own.
func (v *CompletenessValidator) Validate(sql string, req *model.QueryRequirements) *model.CompletenessResult {
	if strings.TrimSpace(sql) == "" || req.IsEmpty() {
		return &model.CompletenessResult{IsComplete: true, Evidence: []string{"nothing to validate"}}
	}

	res := &model.CompletenessResult{Strategy: model.RetryLightweight}
	upper := strings.ToUpper(sql)

	if req.SortBy != nil {
		if strings.Contains(upper, "ORDER BY") {
			res.Evidence = append(res.Evidence, "ORDER BY present")
		} else {
			res.MissingSort = true
			res.Evidence = append(res.Evidence, fmt.Sprintf("sort by %q requested but SQL has no ORDER BY", req.SortBy.Field))
		}
	}

	if req.Limit != nil && *req.Limit > 0 {
		expected := *req.Limit
		res.ExpectedLimit = &expected
		m := limitClause.FindStringSubmatch(upper)
		switch {
		case m == nil:
			res.MissingLimit = true
			res.Evidence = append(res.Evidence, fmt.Sprintf("top %d requested but SQL has no LIMIT", expected))
		default:
			actual, _ := strconv.Atoi(m[1])
			res.ActualLimit = &actual
			if actual != expected {
				res.MissingLimit = true
				res.Evidence = append(res.Evidence, fmt.Sprintf("LIMIT mismatch: expected %d, got %d", expected, actual))
			} else {
				res.Evidence = append(res.Evidence, fmt.Sprintf("LIMIT %d present", expected))
			}
		}
	}

	if len(req.GroupDimensions) > 0 {
		if !strings.Contains(upper, "GROUP BY") && req.HasAggregation {
			res.MissingDimensions = append([]string(nil), req.GroupDimensions...)
			res.Evidence = append(res.Evidence, fmt.Sprintf("grouping by %v requested but SQL has no GROUP BY", req.GroupDimensions))
		} else {
			for _, dim := range req.GroupDimensions {
				if dimensionInSQL(dim, upper) {
					res.Evidence = append(res.Evidence, fmt.Sprintf("dimension %q present", dim))
					continue
				}
				res.MissingDimensions = append(res.MissingDimensions, dim)
				res.Evidence = append(res.Evidence, fmt.Sprintf("dimension %q may be missing", dim))
			}
		}
	}

	for _, metric := range req.RequiredMetrics {
		if metricInSQL(metric, upper) {
			res.Evidence = append(res.Evidence, fmt.Sprintf("metric %q present", metric))
			continue
		}
		res.MissingMetrics = append(res.MissingMetrics, metric)
		res.Evidence = append(res.Evidence, fmt.Sprintf("metric %q may be missing", metric))
	}

	res.IsComplete = !res.MissingSort && !res.MissingLimit && len(res.MissingDimensions) == 0
	if !res.IsComplete {
		res.FailureType = "semantic"
	}
	if !res.IsComplete || len(res.MissingMetrics) > 0 {
		res.Suggestion = suggestion(res, req)
	}

	logx.Debug().
		Bool("complete", res.IsComplete).
		Bool("missing_sort", res.MissingSort).
		Bool("missing_limit", res.MissingLimit).
		Strs("missing_dimensions", res.MissingDimensions).
		Strs("missing_metrics", res.MissingMetrics).
		Msg("Completeness validated")
	return res
}

func dimensionInSQL(dim, upper string) bool {
	patterns, ok := dimensionPatterns[dim]
	if !ok {
		patterns = []string{dim}
	}
	for _, p := range patterns {
		if strings.Contains(upper, strings.ToUpper(p)) {
			return true
		}
	}
	return strings.Contains(strings.ToLower(upper), strings.ToLower(dim))
}

func metricInSQL(metric, upper string) bool {
	patterns, ok := metricPatterns[metric]
	if !ok {
		patterns = []string{metric}
	}
	for _, p := range patterns {
		if strings.Contains(upper, strings.ToUpper(p)) {
			return true
		}
	}
	if strings.Contains(strings.ToLower(upper), strings.ToLower(metric)) {
		return true
	}
	switch {
	case (strings.Contains(metric, "数") || strings.Contains(metric, "量")) && strings.Contains(upper, "COUNT"):
		return true
	case (strings.Contains(metric, "金额") || strings.Contains(metric, "额")) && strings.Contains(upper, "SUM"):
		return true
	case strings.Contains(metric, "平均") && strings.Contains(upper, "AVG"):
		return true
	}
	return false
}

func suggestion(res *model.CompletenessResult, req *model.QueryRequirements) string {
	var parts []string
	if res.MissingSort && req.SortBy != nil {
		order := req.SortBy.Order
		if order == "" {
			order = "DESC"
		}
		parts = append(parts, fmt.Sprintf("add ORDER BY %s %s", req.SortBy.Field, strings.ToUpper(order)))
	}
	if res.MissingLimit && res.ExpectedLimit != nil {
		parts = append(parts, fmt.Sprintf("add LIMIT %d", *res.ExpectedLimit))
	}
	if len(res.MissingDimensions) > 0 {
		parts = append(parts, "make GROUP BY include: "+strings.Join(res.MissingDimensions, ", "))
	}
	if len(res.MissingMetrics) > 0 {
		parts = append(parts, "make SELECT include metrics: "+strings.Join(res.MissingMetrics, ", "))
	}
	if len(parts) == 0 {
		return "check that the SQL satisfies the requested structure"
	}
	return strings.Join(parts, " | ")
}

package nodes

import (
	"context"

	"github.com/cloudwego/eino/compose"

	"github.com/chatbi-core/server/internal/agent/model"
	"github.com/chatbi-core/server/internal/viz"
)

// NewAnalyzerNode summarises the result and picks a chart. It is pure.
func NewAnalyzerNode(d *Deps) *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, _ model.StageResult) (model.StageResult, error) {
		var (
			res      *model.QueryResult
			question string
		)
		if err := readState(ctx, func(s *model.ConversationState) {
			if s.Error == "" {
				res = s.DataResult
			}
			question = s.Intent.Query()
			if question == "" {
				question = s.Query
			}
		}); err != nil {
			return model.StageResult{}, err
		}

		chart := model.ChartRecommendation{Type: model.ChartNone, Reason: "no data"}
		var summary *model.DataSummary
		if res != nil {
			summary = viz.Summarize(res)
			chart = viz.Advise(question, res)
		}

		return advance(ctx, NodeAnalyzer, d.Pipeline, func(s *model.ConversationState) {
			s.Summary = summary
			s.Chart = chart
		})
	})
}

package observers

import (
	"context"
	"time"

	einocb "github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/compose"

	"github.com/chatbi-core/server/internal/agent/model"
	"github.com/chatbi-core/server/internal/metrics"
	logx "github.com/chatbi-core/server/pkg/logger"
)

type startKey struct{}

func isNode(info *einocb.RunInfo) bool {
	return info != nil && info.Component == compose.ComponentOfLambda && info.Name != ""
}

// NewNodeMetricsHandler records duration and errors of every lambda node.
func NewNodeMetricsHandler() einocb.Handler {
	return einocb.NewHandlerBuilder().
		OnStartFn(func(ctx context.Context, info *einocb.RunInfo, _ einocb.CallbackInput) context.Context {
			if !isNode(info) {
				return ctx
			}
			return context.WithValue(ctx, startKey{}, time.Now())
		}).
		OnEndFn(func(ctx context.Context, info *einocb.RunInfo, _ einocb.CallbackOutput) context.Context {
			if !isNode(info) {
				return ctx
			}
			if start, ok := ctx.Value(startKey{}).(time.Time); ok {
				metrics.NodeDuration.WithLabelValues(info.Name).Observe(time.Since(start).Seconds())
			}
			return ctx
		}).
		OnErrorFn(func(ctx context.Context, info *einocb.RunInfo, err error) context.Context {
			if !isNode(info) {
				return ctx
			}
			metrics.NodeErrors.WithLabelValues(info.Name).Inc()
			if start, ok := ctx.Value(startKey{}).(time.Time); ok {
				metrics.NodeDuration.WithLabelValues(info.Name).Observe(time.Since(start).Seconds())
			}
			logx.Warn().Err(err).Str("node", info.Name).Msg("Graph node failed")
			return ctx
		}).
		Build()
}

// NewProgressHandler calls fn with the node name each time a lambda node
// starts. fn runs on the graph goroutine and must not block.
func NewProgressHandler(fn func(node string)) einocb.Handler {
	return einocb.NewHandlerBuilder().
		OnStartFn(func(ctx context.Context, info *einocb.RunInfo, _ einocb.CallbackInput) context.Context {
			if isNode(info) {
				fn(info.Name)
			}
			return ctx
		}).
		Build()
}

// NewAnswerHandler calls fn with the answer once a node has produced the
// turn result, so it survives a cancellation that lands afterwards.
func NewAnswerHandler(fn func(answer string)) einocb.Handler {
	return einocb.NewHandlerBuilder().
		OnEndFn(func(ctx context.Context, info *einocb.RunInfo, output einocb.CallbackOutput) context.Context {
			if !isNode(info) {
				return ctx
			}
			if res, ok := output.(*model.TurnResult); ok && res != nil && res.Answer != "" {
				fn(res.Answer)
			}
			return ctx
		}).
		Build()
}

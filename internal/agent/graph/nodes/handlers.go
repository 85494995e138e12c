package nodes

import (
	"context"
	"time"

	"github.com/cloudwego/eino/compose"

	"github.com/chatbi-core/server/internal/agent/model"
	"github.com/chatbi-core/server/internal/metrics"
	logx "github.com/chatbi-core/server/pkg/logger"
)

// NewTurnPreHandler seeds the local state from the turn input. Cross-turn
// fields are copied so the session's own values stay untouched until the
// turn completes.
func NewTurnPreHandler() func(context.Context, model.TurnInput, *model.ConversationState) (model.TurnInput, error) {
	return func(ctx context.Context, in model.TurnInput, s *model.ConversationState) (model.TurnInput, error) {
		if err := ctx.Err(); err != nil {
			return in, err
		}
		s.ResetForTurn()
		s.SessionID = in.SessionID
		s.MessageID = in.MessageID
		s.Query = in.Query
		s.Today = in.Today
		if s.Today.IsZero() {
			s.Today = time.Now()
		}
		s.Messages = append(make([]model.Message, 0, len(in.History)+2), in.History...)
		s.Messages = append(s.Messages, model.Message{
			ID: in.MessageID, Role: model.RoleUser, Content: in.Query, CreatedAt: s.Today,
		})
		s.VerifiedEntityMappings = model.CloneMappings(in.VerifiedEntityMappings)
		s.LastQueryContext = in.LastQueryContext
		s.Stage = NodeCacheCheck
		s.Path = append(s.Path[:0], NodeCacheCheck)
		return in, nil
	}
}

// NewStagePreHandler is the cancellation point in front of every node
// after the first; it also records the path taken.
func NewStagePreHandler(node string) func(context.Context, model.StageResult, *model.ConversationState) (model.StageResult, error) {
	return func(ctx context.Context, in model.StageResult, s *model.ConversationState) (model.StageResult, error) {
		if err := ctx.Err(); err != nil {
			return in, err
		}
		s.Stage = node
		s.Path = append(s.Path, node)
		return in, nil
	}
}

// NewRouteCondition is the branch condition after a node: the node has
// already decided, so it only forwards the choice.
func NewRouteCondition() func(context.Context, model.StageResult) (string, error) {
	return func(_ context.Context, in model.StageResult) (string, error) {
		return in.Next, nil
	}
}

// advance applies write and then the node's transition inside one state
// access, and returns the stage result carrying the chosen successor.
func advance(ctx context.Context, from string, cfg model.PipelineConfig, write func(s *model.ConversationState)) (model.StageResult, error) {
	var next string
	err := compose.ProcessState(ctx, func(_ context.Context, s *model.ConversationState) error {
		if write != nil {
			write(s)
		}
		*s, next = Transitions[from](*s, cfg)
		return nil
	})
	if err != nil {
		return model.StageResult{}, err
	}
	metrics.RouteDecisions.WithLabelValues(from, next).Inc()
	logx.Debug().Str("from", from).Str("to", next).Msg("Route decided")
	return model.StageResult{Stage: from, Next: next}, nil
}

// readState copies what a node needs out of the state.
func readState(ctx context.Context, read func(s *model.ConversationState)) error {
	return compose.ProcessState(ctx, func(_ context.Context, s *model.ConversationState) error {
		read(s)
		return nil
	})
}

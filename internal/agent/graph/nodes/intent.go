package nodes

import (
	"context"

	"github.com/cloudwego/eino/compose"

	"github.com/chatbi-core/server/internal/agent/graph/conversations"
	"github.com/chatbi-core/server/internal/agent/graph/parsers"
	"github.com/chatbi-core/server/internal/agent/graph/prompts"
	"github.com/chatbi-core/server/internal/agent/model"
	"github.com/chatbi-core/server/internal/llm"
	logx "github.com/chatbi-core/server/pkg/logger"
)

const unclearGuidance = "Please name the metric and, if relevant, the time range or filters, for example: 今年各城市的销售额."

// NewIntentNode classifies the utterance. Any LLM or parse failure
// degrades to an unclear intent instead of failing the turn.
func NewIntentNode(d *Deps) *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, _ model.StageResult) (model.StageResult, error) {
		var (
			vars      prompts.IntentVars
			sessionID string
			hasLast   bool
		)
		if err := readState(ctx, func(s *model.ConversationState) {
			sessionID = s.SessionID
			hasLast = s.LastQueryContext != nil
			vars = prompts.IntentVars{
				Query:     s.Query,
				History:   conversations.FormatHistory(priorMessages(s)),
				Today:     s.Today,
				LastQuery: s.LastQueryContext,
				Verified:  model.CloneMappings(s.VerifiedEntityMappings),
			}
		}); err != nil {
			return model.StageResult{}, err
		}

		intent, err := classify(ctx, d, vars)
		if err != nil {
			return model.StageResult{}, err
		}
		if intent.CanAnswerFromHistory && !hasLast {
			intent.CanAnswerFromHistory = false
		}
		logx.Info().
			Str("session_id", sessionID).
			Str("intent", string(intent.Type)).
			Str("rewritten", intent.RewrittenQuery).
			Msg("Intent resolved")

		return advance(ctx, NodeIntent, d.Pipeline, func(s *model.ConversationState) {
			s.Intent = intent
		})
	})
}

// classify only returns an error when ctx is done.
func classify(ctx context.Context, d *Deps, vars prompts.IntentVars) (*model.Intent, error) {
	r, err := prompts.RenderIntent(ctx, vars)
	if err != nil {
		logx.Error().Err(err).Msg("Intent prompt render failed")
		return model.UnclearIntent(vars.Query, unclearGuidance), nil
	}
	text, err := d.complete(ctx, llm.TaskIntent, r, true)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logx.Warn().Err(err).Msg("Intent classification failed, degrading to unclear")
		return model.UnclearIntent(vars.Query, unclearGuidance), nil
	}
	intent, err := parsers.ParseIntent(text, vars.Query)
	if err != nil {
		logx.Warn().Err(err).Msg("Intent completion unparseable, degrading to unclear")
		return model.UnclearIntent(vars.Query, unclearGuidance), nil
	}
	return intent, nil
}

// priorMessages is the history without the current user message.
func priorMessages(s *model.ConversationState) []model.Message {
	if n := len(s.Messages); n > 0 && s.Messages[n-1].ID == s.MessageID && s.Messages[n-1].Role == model.RoleUser {
		return s.Messages[:n-1]
	}
	return s.Messages
}

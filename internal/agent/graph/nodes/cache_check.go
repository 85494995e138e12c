package nodes

import (
	"context"

	"github.com/cloudwego/eino/compose"

	"github.com/chatbi-core/server/internal/agent/model"
	logx "github.com/chatbi-core/server/pkg/logger"
)

// NewCacheCheckNode looks the question up in the query cache. A hit
// carries the cached SQL straight to execution with a minimal intent.
func NewCacheCheckNode(d *Deps) *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, in model.TurnInput) (model.StageResult, error) {
		var hit *model.CacheHit
		if d.CacheConfig.Enabled && d.Cache != nil {
			h, err := d.Cache.Check(ctx, in.Query)
			switch {
			case ctx.Err() != nil:
				return model.StageResult{}, ctx.Err()
			case err != nil:
				// a broken cache must never fail the turn
				logx.Warn().Err(err).Str("session_id", in.SessionID).Msg("Query cache lookup failed")
			default:
				hit = h
			}
		}

		return advance(ctx, NodeCacheCheck, d.Pipeline, func(s *model.ConversationState) {
			if hit == nil {
				return
			}
			s.CacheHit = hit
			s.SQL = hit.SQL
			s.SelectedTables = hit.TablesUsed
			s.Intent = &model.Intent{
				Type:           model.IntentQueryData,
				OriginalQuery:  s.Query,
				RewrittenQuery: hit.RewrittenQuery,
			}
			logx.Info().Str("session_id", s.SessionID).Uint64("cache_id", hit.ID).Msg("Query cache hit")
		})
	})
}

package nodes

import (
	"context"

	"github.com/cloudwego/eino/compose"

	"github.com/chatbi-core/server/internal/agent/graph/parsers"
	"github.com/chatbi-core/server/internal/agent/graph/prompts"
	"github.com/chatbi-core/server/internal/agent/model"
	"github.com/chatbi-core/server/internal/llm"
	logx "github.com/chatbi-core/server/pkg/logger"
)

// NewPlannerNode generates one read-only statement. Correction context
// (previous SQL, its error and every pending hint) is folded into the
// prompt on retries.
func NewPlannerNode(d *Deps) *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, _ model.StageResult) (model.StageResult, error) {
		var (
			vars   prompts.PlannerVars
			schema string
			query  string
			retry  int
		)
		if err := readState(ctx, func(s *model.ConversationState) {
			in := s.Intent
			query = in.Query()
			schema = s.CachedSchemaContext
			retry = s.RetryCount
			prev := s.OriginalFailedSQL
			if prev == "" {
				prev = s.SQL
			}
			entityHint := in.EntityMappingHint
			if s.VerificationResult != nil {
				entityHint = joinHints(entityHint, s.VerificationResult.Suggestion)
			}
			vars = prompts.PlannerVars{
				Query:            query,
				Dialect:          d.Dialect,
				Today:            s.Today,
				Filters:          in.FilterConditions,
				Requirements:     in.Requirements,
				Verified:         model.CloneMappings(s.VerifiedEntityMappings),
				PreviousSQL:      prev,
				PreviousError:    s.Error,
				FixHint:          joinHints(in.SQLFixHint, semanticHint(s.SemanticValidationResult), completenessHint(s.CompletenessValidationResult)),
				EntityHint:       entityHint,
				SchemaCorrection: in.SchemaCorrection,
			}
		}); err != nil {
			return model.StageResult{}, err
		}

		// The last attempt of a turn works from a freshly retrieved schema.
		var tables []string
		fresh := schema == "" || retry >= d.Pipeline.MaxRetries
		if fresh {
			sc, err := d.Retrieval.SchemaFor(ctx, query, d.Pipeline.RetrievalTopK)
			switch {
			case err != nil && ctx.Err() != nil:
				return model.StageResult{}, ctx.Err()
			case err != nil && schema != "":
				logx.Warn().Err(err).Msg("Schema refresh failed, keeping cached schema")
				fresh = false
			default:
				if err != nil {
					logx.Warn().Err(err).Msg("Schema retrieval failed")
				}
				schema, tables = sc.Text, sc.Tables
			}
		}
		vars.Schema = schema

		p := generate(ctx, d, vars)
		if err := ctx.Err(); err != nil {
			return model.StageResult{}, err
		}
		logx.Info().
			Int("retry", retry).
			Bool("has_sql", p.SQL != "").
			Str("sql", p.SQL).
			Msg("SQL planned")

		return advance(ctx, NodePlanner, d.Pipeline, func(s *model.ConversationState) {
			if fresh {
				s.CachedSchemaContext = schema
				s.SelectedTables = tables
			}
			s.SQL = p.SQL
			s.Clarification = p.Clarification
			s.OriginalFailedSQL = ""
			s.Error = ""
			s.ErrorKind = model.ExecErrNone
			s.SchemaErrorInfo = nil
			s.DataResult = nil
			s.VerificationResult = nil
			s.SemanticValidationResult = nil
			s.CompletenessValidationResult = nil
		})
	})
}

// generate never fails: anything unusable becomes an empty plan.
func generate(ctx context.Context, d *Deps, vars prompts.PlannerVars) *parsers.Plan {
	r, err := prompts.RenderPlanner(ctx, vars)
	if err != nil {
		logx.Error().Err(err).Msg("Planner prompt render failed")
		return &parsers.Plan{}
	}
	text, err := d.complete(ctx, llm.TaskPlanner, r, true)
	if err != nil {
		logx.Warn().Err(err).Msg("SQL generation failed")
		return &parsers.Plan{}
	}
	p, err := parsers.ParsePlan(text)
	if err != nil {
		logx.Warn().Err(err).Msg("SQL generation unusable")
		return &parsers.Plan{}
	}
	return p
}

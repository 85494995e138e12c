package nodes

import (
	"context"
	"errors"

	"github.com/cloudwego/eino/compose"

	"github.com/chatbi-core/server/internal/agent/model"
	"github.com/chatbi-core/server/internal/executor"
	logx "github.com/chatbi-core/server/pkg/logger"
)

const minSemanticConfidence = 0.7

// snapshot is what the executor needs from the state.
type snapshot struct {
	sql          string
	query        string
	conds        []model.FilterCondition
	requirements *model.QueryRequirements
	verified     map[string]string
	cacheHit     bool
	retry        int

	verificationAttempted bool
	semanticAttempted     bool
	completenessAttempted bool
}

// validation collects the validator verdicts of one execution.
type validation struct {
	verificationAttempted bool
	verification          *model.VerificationResult
	newMappings           map[string]string

	semanticAttempted bool
	semantic          *model.SemanticResult
	semanticPassed    bool

	completenessAttempted bool
	completeness          *model.CompletenessResult
	completenessPassed    bool
}

func (v validation) pending() bool {
	return v.verification != nil || v.semantic != nil || v.completeness != nil
}

// NewExecutorNode runs the planned SQL and, on success, checks the result
// against the question. A validator that finds a problem leaves its result
// in the state, which sends the turn back to the planner.
func NewExecutorNode(d *Deps) *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, _ model.StageResult) (model.StageResult, error) {
		var snap snapshot
		if err := readState(ctx, func(s *model.ConversationState) {
			snap = snapshot{
				sql:                   s.SQL,
				query:                 s.Query,
				verified:              model.CloneMappings(s.VerifiedEntityMappings),
				cacheHit:              s.CacheHit != nil,
				retry:                 s.RetryCount,
				verificationAttempted: s.VerificationAttempted,
				semanticAttempted:     s.SemanticValidationAttempted,
				completenessAttempted: s.CompletenessValidationAttempted,
			}
			if s.Intent != nil {
				snap.query = s.Intent.Query()
				snap.conds = s.Intent.FilterConditions
				snap.requirements = s.Intent.Requirements
			}
		}); err != nil {
			return model.StageResult{}, err
		}

		res, err := d.Executor.Execute(ctx, snap.sql)
		if ctx.Err() != nil {
			return model.StageResult{}, ctx.Err()
		}
		if err != nil {
			execErr := classifyExecError(err)
			logx.Warn().
				Str("kind", string(execErr.Kind)).
				Str("sql", snap.sql).
				Str("error", execErr.Message).
				Msg("SQL execution failed")
			return advance(ctx, NodeExecutor, d.Pipeline, func(s *model.ConversationState) {
				s.DataResult = nil
				s.Error = execErr.Message
				s.ErrorKind = execErr.Kind
				s.OriginalFailedSQL = snap.sql
				s.SchemaErrorInfo = nil
				if execErr.Kind == model.ExecErrMissingTable || execErr.Kind == model.ExecErrMissingColumn {
					s.SchemaErrorInfo = executor.ParseSchemaError(execErr.Message)
				}
			})
		}

		logx.Info().Int("rows", res.RowCount()).Bool("cache_hit", snap.cacheHit).Msg("SQL executed")

		var v validation
		if !snap.cacheHit && snap.retry < d.Pipeline.MaxRetries {
			v, err = d.validate(ctx, snap, res)
			if err != nil {
				return model.StageResult{}, err
			}
		}

		return advance(ctx, NodeExecutor, d.Pipeline, func(s *model.ConversationState) {
			s.DataResult = res
			s.Error = ""
			s.ErrorKind = model.ExecErrNone
			s.SchemaErrorInfo = nil

			s.VerificationAttempted = s.VerificationAttempted || v.verificationAttempted
			s.SemanticValidationAttempted = s.SemanticValidationAttempted || v.semanticAttempted
			s.CompletenessValidationAttempted = s.CompletenessValidationAttempted || v.completenessAttempted
			if v.semanticPassed {
				s.SemanticValidationPassed = true
			}
			if v.completenessPassed {
				s.CompletenessValidationPassed = true
			}
			s.VerificationResult = v.verification
			s.SemanticValidationResult = v.semantic
			s.CompletenessValidationResult = v.completeness
			if len(v.newMappings) > 0 {
				s.VerifiedEntityMappings = mergeMappings(s.VerifiedEntityMappings, v.newMappings)
			}
			if v.pending() {
				s.OriginalFailedSQL = snap.sql
			}
			if v.completeness != nil && v.completeness.Strategy == model.RetryFull {
				s.CachedSchemaContext = ""
				s.SelectedTables = nil
			}
		})
	})
}

// validate runs at most one validator that reports a problem: entity
// verification for empty results, then semantic, then completeness.
func (d *Deps) validate(ctx context.Context, snap snapshot, res *model.QueryResult) (validation, error) {
	var v validation

	if res.IsEmpty() {
		if snap.verificationAttempted {
			return v, nil
		}
		v.verificationAttempted = true
		targets := probeTargets(snap.sql)
		if len(targets) == 0 {
			return v, nil
		}
		report, err := d.Probe.Probe(ctx, targets, snap.verified)
		if err != nil {
			if ctx.Err() != nil {
				return v, ctx.Err()
			}
			logx.Warn().Err(err).Msg("Entity verification failed")
			return v, nil
		}
		if len(report.Mappings) == 0 {
			return v, nil
		}
		vr := &model.VerificationResult{
			Mappings:   report.Mappings,
			Candidates: report.Candidates,
			Evidence:   report.Evidence,
			Suggestion: report.Suggestion,
		}
		vr.Suggestion = valueReplacement(*vr)
		v.verification = vr
		v.newMappings = report.Mappings
		logx.Info().Interface("mappings", report.Mappings).Msg("Empty result explained by stored values")
		return v, nil
	}

	if !snap.semanticAttempted {
		v.semanticAttempted = true
		if len(snap.conds) == 0 {
			v.semanticPassed = true
		} else {
			r := d.Results.Validate(snap.query, snap.conds, snap.sql, res)
			switch {
			case r.IsComplete:
				v.semanticPassed = true
			case r.Confidence >= minSemanticConfidence:
				logx.Info().Strs("issues", r.Issues).Float64("confidence", r.Confidence).Msg("Result misses part of the question")
				v.semantic = r
				return v, nil
			}
		}
	}

	if !snap.completenessAttempted {
		v.completenessAttempted = true
		r := d.Completeness.Validate(snap.sql, snap.requirements)
		if r.IsComplete {
			v.completenessPassed = true
			return v, nil
		}
		logx.Info().Str("failure", r.FailureType).Str("strategy", string(r.Strategy)).Msg("SQL misses requested structure")
		v.completeness = r
	}
	return v, nil
}

func classifyExecError(err error) *executor.Error {
	var execErr *executor.Error
	if errors.As(err, &execErr) {
		return execErr
	}
	return &executor.Error{Kind: executor.Classify(err), Message: err.Error(), Err: err}
}

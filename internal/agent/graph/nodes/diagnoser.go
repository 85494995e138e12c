package nodes

import (
	"context"
	"strings"

	"github.com/cloudwego/eino/compose"

	"github.com/chatbi-core/server/internal/agent/model"
	"github.com/chatbi-core/server/internal/diagnosis"
	logx "github.com/chatbi-core/server/pkg/logger"
)

// NewDiagnoserNode explains an empty result, a structural execution error
// or a failed generation. For entity-mapping causes it also probes the
// suspect literals so the planner gets concrete stored values.
func NewDiagnoserNode(d *Deps) *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, _ model.StageResult) (model.StageResult, error) {
		var (
			in       diagnosis.Input
			verified map[string]string
		)
		if err := readState(ctx, func(s *model.ConversationState) {
			verified = model.CloneMappings(s.VerifiedEntityMappings)
			in = diagnosis.Input{
				SQL:            s.SQL,
				Query:          s.Intent.Query(),
				SelectedTables: append([]string(nil), s.SelectedTables...),
				SchemaContext:  s.CachedSchemaContext,
				ExecError:      s.Error,
				SchemaError:    s.SchemaErrorInfo,
				Empty:          s.Error == "" && s.DataResult.IsEmpty(),
				Verified:       verified,
			}
			if in.SQL == "" {
				in.SQL = s.OriginalFailedSQL
			}
		}); err != nil {
			return model.StageResult{}, err
		}

		diag := d.Diagnoser.Diagnose(in)

		var (
			hint     string
			mappings map[string]string
		)
		if detail, ok := diag.Detail.(model.EntityMappingDetail); ok && len(detail.Targets) > 0 {
			report, err := d.Probe.Probe(ctx, detail.Targets, verified)
			switch {
			case ctx.Err() != nil:
				return model.StageResult{}, ctx.Err()
			case err != nil:
				logx.Warn().Err(err).Msg("Entity probe failed")
			case len(report.Mappings) > 0:
				mappings = report.Mappings
				hint = valueReplacement(model.VerificationResult{
					Mappings:   report.Mappings,
					Candidates: report.Candidates,
					Suggestion: report.Suggestion,
				})
				diag.Evidence = append(diag.Evidence, report.Evidence...)
			default:
				diag.Evidence = append(diag.Evidence, report.Evidence...)
			}
		}

		return advance(ctx, NodeDiagnoser, d.Pipeline, func(s *model.ConversationState) {
			s.Diagnosis = diag
			if s.Intent != nil {
				intent := *s.Intent
				intent.EntityMappingHint = hint
				s.Intent = &intent
			}
			if len(mappings) > 0 {
				s.VerifiedEntityMappings = mergeMappings(s.VerifiedEntityMappings, mappings)
			}
		})
	})
}

// NewSchemaCompleterNode appends the tables the diagnosis found missing to
// the schema context and tells the planner what changed.
func NewSchemaCompleterNode(d *Deps) *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, _ model.StageResult) (model.StageResult, error) {
		var (
			current string
			tables  []string
			missing []string
		)
		if err := readState(ctx, func(s *model.ConversationState) {
			current = s.CachedSchemaContext
			tables = append([]string(nil), s.SelectedTables...)
			if s.Diagnosis == nil {
				return
			}
			if detail, ok := s.Diagnosis.Detail.(model.SchemaIncompleteDetail); ok {
				missing = detail.MissingTables
			}
		}); err != nil {
			return model.StageResult{}, err
		}

		completion := d.Completer.CompleteSchema(current, tables, missing)
		logx.Info().Strs("added", completion.AddedTables).Strs("missing", missing).Msg("Schema completed")

		return advance(ctx, NodeSchemaCompleter, d.Pipeline, func(s *model.ConversationState) {
			s.CachedSchemaContext = completion.Context
			s.SelectedTables = append(s.SelectedTables, completion.AddedTables...)
			if s.Intent != nil {
				intent := *s.Intent
				intent.SchemaCorrection = "Tables added to the schema: " + strings.Join(missing, ", ") +
					". Join them through the listed keys instead of guessing columns."
				s.Intent = &intent
			}
		})
	})
}

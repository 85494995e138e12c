package nodes

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/compose"

	"github.com/chatbi-core/server/internal/agent/graph/prompts"
	"github.com/chatbi-core/server/internal/agent/model"
	"github.com/chatbi-core/server/internal/cache"
	errx "github.com/chatbi-core/server/internal/core/error"
	"github.com/chatbi-core/server/internal/llm"
	"github.com/chatbi-core/server/internal/sqltext"
	logx "github.com/chatbi-core/server/pkg/logger"
)

const (
	sampleRows      = 10
	chitchatDefault = "Hi! I answer questions about your business data, for example: 今年销售额多少?"
	noDataAnswer    = "No data matched the question."
)

// reply is the responder's decision before any LLM narration.
type reply struct {
	answer    string
	failed    bool
	errorCode errx.Code
	success   bool // a data answer over a non-empty result
}

// NewResponderNode composes the final answer, offers successful SQL to the
// query cache and builds the turn result.
func NewResponderNode(d *Deps) *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, _ model.StageResult) (*model.TurnResult, error) {
		var s model.ConversationState
		if err := readState(ctx, func(st *model.ConversationState) {
			s = *st
		}); err != nil {
			return nil, err
		}

		r, err := d.decide(ctx, &s)
		if err != nil {
			return nil, err
		}

		saved, score := false, 0
		if r.success && s.CacheHit == nil && d.CacheConfig.Enabled && d.Cache != nil {
			saved, score = d.saveToCache(ctx, &s)
		}

		var result *model.TurnResult
		err = compose.ProcessState(ctx, func(_ context.Context, st *model.ConversationState) error {
			st.FinalAnswer = r.answer
			st.CacheSaved = saved
			st.CacheScore = score
			if r.success {
				st.LastQueryContext = lastQueryContext(st, r.answer)
			}
			msg := model.Message{
				ID:        st.MessageID + "-a",
				Role:      model.RoleAssistant,
				Content:   r.answer,
				CreatedAt: time.Now(),
			}
			if r.success {
				msg.SQL = st.SQL
				chart := st.Chart
				msg.Chart = &chart
			}
			st.Messages = append(st.Messages, msg)
			result = d.turnResult(st, r)
			return nil
		})
		if err != nil {
			return nil, err
		}
		logx.Info().
			Str("session_id", s.SessionID).
			Strs("path", s.Path).
			Bool("failed", result.Failed).
			Bool("cache_saved", saved).
			Msg("Turn answered")
		return result, nil
	})
}

func (d *Deps) decide(ctx context.Context, s *model.ConversationState) (reply, error) {
	in := s.Intent
	if in == nil {
		return reply{answer: errx.UserMessage(errx.CodeIntent), failed: true, errorCode: errx.CodeIntent}, nil
	}

	switch in.Type {
	case model.IntentChitchat:
		r, err := prompts.RenderChitchat(ctx, s.Query)
		if err != nil {
			return reply{answer: chitchatDefault}, nil
		}
		return d.narrate(ctx, r, chitchatDefault)

	case model.IntentRejection:
		answer := joinLines(in.Reason, in.Guidance)
		if answer == "" {
			answer = "Sorry, I can only help with questions about the business data."
		}
		return reply{answer: answer}, nil

	case model.IntentUnclear:
		guidance := in.Guidance
		if guidance == "" {
			guidance = errx.UserMessage(errx.CodeIntent)
		}
		if len(in.DetectedKeywords) > 0 {
			guidance += "\nKeywords I noticed: " + strings.Join(in.DetectedKeywords, ", ")
		}
		return reply{answer: guidance}, nil
	}

	switch {
	case in.NeedConfirmation:
		return reply{answer: in.ClarificationQuestion}, nil

	case in.CanAnswerFromHistory && s.SQL == "" && s.LastQueryContext != nil:
		r, err := prompts.RenderHistoryAnswer(ctx, s.Query, s.LastQueryContext)
		fallback := fmt.Sprintf("The previous result had %d rows: %s.", s.LastQueryContext.RowCount, s.LastQueryContext.Summary)
		if err != nil {
			return reply{answer: fallback}, nil
		}
		return d.narrate(ctx, r, fallback)

	case s.Error != "":
		// driver text stays in logs and the debug payload
		return reply{answer: errx.UserMessage(errx.CodeExecutor), failed: true, errorCode: errx.CodeExecutor}, nil

	case s.SQL == "":
		answer := s.Clarification
		if answer == "" {
			answer = errx.UserMessage(errx.CodePlanner) + " Could you rephrase it with the metric and time range?"
		}
		return reply{answer: answer}, nil
	}

	fallback := deterministicAnswer(s.DataResult)
	vars := prompts.DataAnswerVars{Query: in.Query(), Summary: s.Summary, Truncated: s.DataResult != nil && s.DataResult.Truncated}
	empty := s.DataResult.IsEmpty()
	if empty && s.Diagnosis != nil {
		vars.Diagnosis = s.Diagnosis.RootCause
	}
	r, err := prompts.RenderDataAnswer(ctx, vars)
	if err != nil {
		return reply{answer: fallback, success: !empty}, nil
	}
	out, err := d.narrate(ctx, r, fallback)
	out.success = !empty
	return out, err
}

// narrate asks the LLM for the final wording and falls back on failure.
func (d *Deps) narrate(ctx context.Context, r prompts.Rendered, fallback string) (reply, error) {
	text, err := d.complete(ctx, llm.TaskResponder, r, false)
	if err != nil {
		if ctx.Err() != nil {
			return reply{}, ctx.Err()
		}
		logx.Warn().Err(err).Msg("Answer narration failed, using fallback")
		return reply{answer: fallback}, nil
	}
	if text = strings.TrimSpace(text); text == "" {
		text = fallback
	}
	return reply{answer: text}, nil
}

func (d *Deps) saveToCache(ctx context.Context, s *model.ConversationState) (bool, int) {
	score := cache.Score(cache.ScoreInput{
		SQLSucceeded:       true,
		NonEmpty:           true,
		ResultValidated:    s.SemanticValidationPassed,
		CompletenessPassed: s.CompletenessValidationPassed,
		PathValidated:      d.pathValidated(s.SQL),
	})
	if score < d.CacheConfig.ScoreThreshold {
		logx.Debug().Int("score", score).Msg("Turn below cache threshold")
		return false, score
	}
	saved, err := d.Cache.Save(ctx, cache.SaveInput{
		OriginalQuery:  s.Query,
		RewrittenQuery: s.Intent.RewrittenQuery,
		SQL:            s.SQL,
		TablesUsed:     sqltext.TablesUsed(s.SQL),
		Score:          score,
	})
	if err != nil {
		logx.Warn().Err(err).Msg("Query cache save failed")
		return false, score
	}
	return saved, score
}

// pathValidated reports whether every table the SQL reads is in the catalog.
func (d *Deps) pathValidated(sql string) bool {
	tables := sqltext.TablesUsed(sql)
	if len(tables) == 0 {
		return false
	}
	catalog := d.Retrieval.Catalog()
	for _, t := range tables {
		if !catalog.HasTable(t) {
			return false
		}
	}
	return true
}

func (d *Deps) turnResult(s *model.ConversationState, r reply) *model.TurnResult {
	out := &model.TurnResult{
		MessageID:              s.MessageID,
		Answer:                 r.answer,
		SQL:                    s.SQL,
		Intent:                 s.Intent,
		Summary:                s.Summary,
		Chart:                  s.Chart,
		CacheHit:               s.CacheHit != nil,
		CacheSaved:             s.CacheSaved,
		CacheScore:             s.CacheScore,
		Failed:                 r.failed,
		ErrorCode:              string(r.errorCode),
		VerifiedEntityMappings: model.CloneMappings(s.VerifiedEntityMappings),
		LastQueryContext:       s.LastQueryContext,
	}
	if out.Chart.Type == "" {
		out.Chart.Type = model.ChartNone
	}
	if s.Error == "" && s.DataResult != nil {
		out.Rows = s.DataResult.Rows
		out.Columns = s.DataResult.Columns
	}
	if d.Pipeline.Debug {
		debug := map[string]any{
			"path":            s.Path,
			"retry_count":     s.RetryCount,
			"diagnosis_count": s.DiagnosisCount,
			"tables":          s.SelectedTables,
			"cache_score":     s.CacheScore,
		}
		if s.Diagnosis != nil {
			debug["diagnosis_kind"] = string(s.Diagnosis.Kind())
			debug["root_cause"] = s.Diagnosis.RootCause
		}
		if s.Error != "" {
			debug["error"] = s.Error
		}
		out.Debug = debug
	}
	return out
}

func lastQueryContext(s *model.ConversationState, answer string) *model.LastQueryContext {
	res := s.DataResult
	n := min(sampleRows, len(res.Rows))
	return &model.LastQueryContext{
		Query:      s.Query,
		SQL:        s.SQL,
		RowCount:   res.RowCount(),
		Columns:    append([]string(nil), res.Columns...),
		SampleRows: append([]map[string]any(nil), res.Rows[:n]...),
		Summary:    answer,
	}
}

// deterministicAnswer is used when narration is unavailable.
func deterministicAnswer(res *model.QueryResult) string {
	if res.IsEmpty() {
		return noDataAnswer
	}
	if len(res.Rows) == 1 && len(res.Columns) == 1 {
		return fmt.Sprintf("The result is %v.", res.Rows[0][res.Columns[0]])
	}
	return fmt.Sprintf("Found %d rows.", res.RowCount())
}

func joinLines(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n")
}

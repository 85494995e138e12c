package nodes

import (
	"fmt"
	"strings"

	"github.com/chatbi-core/server/internal/agent/model"
)

// Transition takes the state a node has just written and returns the
// state to carry forward and the next node. Transitions own every retry
// and diagnosis counter change; they never perform I/O.
type Transition func(s model.ConversationState, cfg model.PipelineConfig) (model.ConversationState, string)

// Transitions is the full routing table, keyed by the node that just ran.
var Transitions = map[string]Transition{
	NodeCacheCheck:      cacheCheckTransition,
	NodeIntent:          intentTransition,
	NodePlanner:         plannerTransition,
	NodeExecutor:        executorTransition,
	NodeDiagnoser:       diagnoserTransition,
	NodeSchemaCompleter: schemaCompleterTransition,
	NodeAnalyzer:        analyzerTransition,
}

// Successors lists the nodes each branch may pick, for graph wiring.
var Successors = map[string][]string{
	NodeCacheCheck:      {NodeExecutor, NodeIntent},
	NodeIntent:          {NodePlanner, NodeResponder},
	NodePlanner:         {NodeExecutor, NodeDiagnoser, NodeResponder},
	NodeExecutor:        {NodePlanner, NodeDiagnoser, NodeAnalyzer, NodeResponder},
	NodeDiagnoser:       {NodeSchemaCompleter, NodePlanner, NodeResponder},
	NodeSchemaCompleter: {NodePlanner},
	NodeAnalyzer:        {NodeResponder},
}

const minDiagnosisConfidence = 0.5

// A cache hit short-circuits intent and planning regardless of anything else.
func cacheCheckTransition(s model.ConversationState, _ model.PipelineConfig) (model.ConversationState, string) {
	if s.CacheHit != nil {
		return s, NodeExecutor
	}
	return s, NodeIntent
}

func intentTransition(s model.ConversationState, _ model.PipelineConfig) (model.ConversationState, string) {
	in := s.Intent
	if in == nil || in.Type != model.IntentQueryData || in.NeedConfirmation {
		return s, NodeResponder
	}
	if in.CanAnswerFromHistory && s.LastQueryContext != nil {
		return s, NodeResponder
	}
	return s, NodePlanner
}

func plannerTransition(s model.ConversationState, cfg model.PipelineConfig) (model.ConversationState, string) {
	if strings.TrimSpace(s.SQL) != "" && s.Clarification == "" {
		return s, NodeExecutor
	}
	if !s.DiagnosisAttempted && s.DiagnosisCount < cfg.MaxDiagnoses {
		return s, NodeDiagnoser
	}
	return s, NodeResponder
}

// executorTransition checks, in order: pending validator results, fatal
// errors, structural schema errors, retryable errors, empty results.
// Validator results are only ever recorded while RetryCount is below the
// ceiling, so the increment here cannot overshoot it.
func executorTransition(s model.ConversationState, cfg model.PipelineConfig) (model.ConversationState, string) {
	if s.VerificationResult != nil || s.SemanticValidationResult != nil || s.CompletenessValidationResult != nil {
		s.RetryCount++
		return s, NodePlanner
	}
	if s.Error != "" {
		switch {
		case s.ErrorKind.Fatal():
			return s, NodeResponder
		case s.SchemaErrorInfo != nil && s.DiagnosisCount < cfg.MaxDiagnoses:
			return s, NodeDiagnoser
		case s.RetryCount < cfg.MaxRetries:
			s.RetryCount++
			return s, NodePlanner
		}
		return s, NodeAnalyzer
	}
	if s.DataResult.IsEmpty() && !s.DiagnosisAttempted && s.DiagnosisCount < cfg.MaxDiagnoses {
		return s, NodeDiagnoser
	}
	return s, NodeAnalyzer
}

func diagnoserTransition(s model.ConversationState, _ model.PipelineConfig) (model.ConversationState, string) {
	s.DiagnosisAttempted = true
	s.DiagnosisCount++

	d := s.Diagnosis
	if d == nil || d.Confidence < minDiagnosisConfidence || s.Intent == nil {
		return s, NodeResponder
	}
	switch detail := d.Detail.(type) {
	case model.SchemaIncompleteDetail:
		if len(detail.MissingTables) == 0 {
			return s, NodeResponder
		}
		return s, NodeSchemaCompleter
	case model.SQLLogicDetail:
		in := *s.Intent
		in.SQLFixHint = sqlFixHint(d, detail)
		s.Intent = &in
		s.RetryCount = 0
		return s, NodePlanner
	case model.EntityMappingDetail:
		// the node attaches a hint only when probing found stored values
		if s.Intent.EntityMappingHint == "" {
			return s, NodeResponder
		}
		s.RetryCount = 0
		return s, NodePlanner
	case model.DataTrulyEmptyDetail, model.UnknownDetail:
		return s, NodeResponder
	}
	return s, NodeResponder
}

func schemaCompleterTransition(s model.ConversationState, _ model.PipelineConfig) (model.ConversationState, string) {
	return s, NodePlanner
}

func analyzerTransition(s model.ConversationState, _ model.PipelineConfig) (model.ConversationState, string) {
	return s, NodeResponder
}

func sqlFixHint(d *model.Diagnosis, detail model.SQLLogicDetail) string {
	var b strings.Builder
	b.WriteString(d.RootCause)
	for _, f := range detail.Suggestions {
		fmt.Fprintf(&b, "\n- %s: %s", f.Issue, f.Suggestion)
	}
	if len(detail.Alternatives) > 0 {
		b.WriteString("\nNames that do exist: " + strings.Join(detail.Alternatives, ", "))
	}
	return b.String()
}

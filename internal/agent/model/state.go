package model

import (
	"maps"
	"time"
)

// Role of a logged message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of a session's append-only log.
type Message struct {
	ID        string               `json:"id"`
	Role      Role                 `json:"role"`
	Content   string               `json:"content"`
	SQL       string               `json:"sql,omitempty"`
	Chart     *ChartRecommendation `json:"chart,omitempty"`
	CreatedAt time.Time            `json:"created_at"`
}

// ExecErrorKind classifies an execution failure.
type ExecErrorKind string

const (
	ExecErrNone          ExecErrorKind = ""
	ExecErrSyntax        ExecErrorKind = "syntax_error"
	ExecErrMissingTable  ExecErrorKind = "missing_table"
	ExecErrMissingColumn ExecErrorKind = "missing_column"
	ExecErrTimeout       ExecErrorKind = "timeout"
	ExecErrPermission    ExecErrorKind = "permission_denied"
	ExecErrConnection    ExecErrorKind = "connection_error"
	ExecErrRejected      ExecErrorKind = "rejected"
	ExecErrOther         ExecErrorKind = "other"
)

// Fatal reports whether the error ends the turn without replanning.
func (k ExecErrorKind) Fatal() bool {
	switch k {
	case ExecErrTimeout, ExecErrPermission, ExecErrConnection:
		return true
	}
	return false
}

// QueryResult is the row set of one execution, columns in select order.
type QueryResult struct {
	SQL     string           `json:"sql"`
	Columns []string         `json:"columns"`
	Rows    []map[string]any `json:"rows"`
	// Truncated is set when the executor stopped at its row cap.
	Truncated bool `json:"truncated,omitempty"`
}

// RowCount returns the number of returned rows.
func (r *QueryResult) RowCount() int {
	if r == nil {
		return 0
	}
	return len(r.Rows)
}

// IsEmpty applies the empty-result rule: no rows, a single row whose values
// are all null, or a single column whose only value is zero or null.
func (r *QueryResult) IsEmpty() bool {
	if r == nil || len(r.Rows) == 0 {
		return true
	}
	if len(r.Rows) != 1 {
		return false
	}
	row := r.Rows[0]
	allNull := true
	for _, v := range row {
		if v != nil {
			allNull = false
			break
		}
	}
	if allNull {
		return true
	}
	if len(r.Columns) == 1 {
		return isZero(row[r.Columns[0]])
	}
	return false
}

func isZero(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case int64:
		return x == 0
	case int:
		return x == 0
	case float64:
		return x == 0
	case string:
		return x == "0" || x == "0.0" || x == "0.00"
	}
	return false
}

// LastQueryContext summarises the most recent successful data answer so
// follow-up questions can be answered without a new query.
type LastQueryContext struct {
	Query      string           `json:"query"`
	SQL        string           `json:"sql"`
	RowCount   int              `json:"row_count"`
	Columns    []string         `json:"columns"`
	SampleRows []map[string]any `json:"sample_rows"`
	Summary    string           `json:"summary,omitempty"`
}

// CacheHit is a reusable SQL found for the normalized question.
type CacheHit struct {
	ID             uint64   `json:"id"`
	QueryHash      string   `json:"query_hash"`
	OriginalQuery  string   `json:"original_query"`
	RewrittenQuery string   `json:"rewritten_query"`
	SQL            string   `json:"sql"`
	TablesUsed     []string `json:"tables_used"`
	Score          int      `json:"score"`
	HitCount       int      `json:"hit_count"`
}

// ColumnStats are aggregates over one numeric column.
type ColumnStats struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
	Sum float64 `json:"sum"`
	Avg float64 `json:"avg"`
}

// DataSummary is the analyzer's condensed view of a result set.
type DataSummary struct {
	RowCount int                    `json:"row_count"`
	Columns  []string               `json:"columns"`
	Preview  []map[string]any       `json:"preview"`
	Numeric  map[string]ColumnStats `json:"numeric,omitempty"`
	Insight  string                 `json:"insight,omitempty"`
}

type ChartType string

const (
	ChartNone          ChartType = "none"
	ChartTable         ChartType = "table"
	ChartLine          ChartType = "line"
	ChartMultiLine     ChartType = "multi_line"
	ChartBar           ChartType = "bar"
	ChartHorizontalBar ChartType = "horizontal_bar"
	ChartGroupedBar    ChartType = "grouped_bar"
	ChartPie           ChartType = "pie"
)

// ChartRecommendation is the advisor's pick for a result shape.
type ChartRecommendation struct {
	Type    ChartType `json:"chart_type"`
	X       string    `json:"x,omitempty"`
	Y       []string  `json:"y,omitempty"`
	Reason  string    `json:"reason,omitempty"`
	Columns []string  `json:"columns,omitempty"`
}

// ConversationState stores per-turn state for the Eino Graph.
// Concurrency model:
//   - This struct is registered as Graph Local State via compose.WithGenLocalState.
//   - All reads/writes happen only inside Eino state handlers:
//     WithStatePreHandler, WithStatePostHandler, or compose.ProcessState.
//   - Nodes copy what they need out of the state, release it for external
//     I/O, then write results back in a second ProcessState call.
//   - Cross-turn fields are copies of the session's; the session only
//     takes them back when the turn completes.
type ConversationState struct {
	SessionID string
	MessageID string
	Query     string
	Messages  []Message // append-only
	Today     time.Time

	Intent        *Intent
	SQL           string
	Clarification string

	SelectedTables      []string
	CachedSchemaContext string // replaced wholesale, never edited

	DataResult        *QueryResult
	Error             string
	ErrorKind         ExecErrorKind
	OriginalFailedSQL string
	SchemaErrorInfo   *SchemaErrorInfo
	RetryCount        int

	Diagnosis          *Diagnosis
	DiagnosisAttempted bool
	DiagnosisCount     int

	VerificationAttempted           bool
	VerificationResult              *VerificationResult
	SemanticValidationAttempted     bool
	SemanticValidationResult        *SemanticResult
	SemanticValidationPassed        bool
	CompletenessValidationAttempted bool
	CompletenessValidationResult    *CompletenessResult
	CompletenessValidationPassed    bool

	CacheHit *CacheHit

	VerifiedEntityMappings map[string]string
	LastQueryContext       *LastQueryContext

	Summary     *DataSummary
	Chart       ChartRecommendation
	FinalAnswer string
	CacheSaved  bool
	CacheScore  int

	Stage string
	Path  []string
}

// ResetForTurn clears everything that must not survive between turns
// while keeping the cross-turn fields.
func (s *ConversationState) ResetForTurn() {
	s.Intent.ClearHints()
	s.SQL = ""
	s.Clarification = ""
	s.SelectedTables = nil
	s.CachedSchemaContext = ""
	s.DataResult = nil
	s.Error = ""
	s.ErrorKind = ExecErrNone
	s.OriginalFailedSQL = ""
	s.SchemaErrorInfo = nil
	s.RetryCount = 0
	s.Diagnosis = nil
	s.DiagnosisAttempted = false
	s.DiagnosisCount = 0
	s.VerificationAttempted = false
	s.VerificationResult = nil
	s.SemanticValidationAttempted = false
	s.SemanticValidationResult = nil
	s.SemanticValidationPassed = false
	s.CompletenessValidationAttempted = false
	s.CompletenessValidationResult = nil
	s.CompletenessValidationPassed = false
}

// TurnInput seeds the local state of one graph run.
type TurnInput struct {
	SessionID              string
	MessageID              string
	Query                  string
	History                []Message
	VerifiedEntityMappings map[string]string
	LastQueryContext       *LastQueryContext
	Today                  time.Time
}

// StageResult is what every node hands to the next; state travels in the
// graph local state. Next is the branch chosen by the node's transition.
type StageResult struct {
	Stage string
	Next  string
}

// TurnResult is the graph output for one completed turn.
type TurnResult struct {
	MessageID  string              `json:"message_id"`
	Answer     string              `json:"answer"`
	SQL        string              `json:"sql,omitempty"`
	Intent     *Intent             `json:"intent,omitempty"`
	Summary    *DataSummary        `json:"summary,omitempty"`
	Chart      ChartRecommendation `json:"chart"`
	Rows       []map[string]any    `json:"rows,omitempty"`
	Columns    []string            `json:"columns,omitempty"`
	CacheHit   bool                `json:"cache_hit"`
	CacheSaved bool                `json:"cache_saved"`
	CacheScore int                 `json:"cache_score"`
	Debug      map[string]any      `json:"debug,omitempty"`
	Failed     bool                `json:"failed"`
	ErrorCode  string              `json:"error_code,omitempty"`

	// Cross-turn outputs folded back into the session on completion.
	VerifiedEntityMappings map[string]string `json:"-"`
	LastQueryContext       *LastQueryContext `json:"-"`
}

// CloneMappings returns an independent copy of m.
func CloneMappings(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	maps.Copy(out, m)
	return out
}

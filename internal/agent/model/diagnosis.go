package model

// DiagnosisKind names one cause in the closed diagnosis taxonomy.
type DiagnosisKind string

const (
	DiagnosisEntityMapping    DiagnosisKind = "entity_mapping"
	DiagnosisSchemaIncomplete DiagnosisKind = "schema_incomplete"
	DiagnosisSQLLogicError    DiagnosisKind = "sql_logic_error"
	DiagnosisDataTrulyEmpty   DiagnosisKind = "data_truly_empty"
	DiagnosisUnknown          DiagnosisKind = "unknown"
)

// DiagnosisDetail is the per-cause payload. The unexported method seals
// the set of variants to this package; consumers type-switch over it.
type DiagnosisDetail interface {
	diagnosisKind() DiagnosisKind
}

// ProbeTarget is a suspect literal sitting in table.column.
type ProbeTarget struct {
	Table    string   `json:"table"`
	Column   string   `json:"column"`
	Value    string   `json:"value"`
	Values   []string `json:"values,omitempty"`
	Variants []string `json:"variants,omitempty"`
}

// Literals returns every user-supplied literal carried by the target.
func (p ProbeTarget) Literals() []string {
	if len(p.Values) > 0 {
		return p.Values
	}
	if p.Value == "" {
		return nil
	}
	return []string{p.Value}
}

// FKLink records one foreign-key shaped column and its inferred target.
type FKLink struct {
	SourceTable string `json:"source_table"`
	Column      string `json:"column"`
	TargetTable string `json:"target_table"`
	Present     bool   `json:"present"`
}

type FixSuggestion struct {
	Issue      string `json:"issue"`
	Suggestion string `json:"suggestion"`
}

type EntityMappingDetail struct {
	Targets []ProbeTarget
}

type SchemaIncompleteDetail struct {
	MissingTables []string
	FKAnalysis    []FKLink
}

type SQLLogicDetail struct {
	Suggestions []FixSuggestion
	// Alternatives are catalog names similar to a hallucinated identifier.
	Alternatives []string
}

type DataTrulyEmptyDetail struct{}

type UnknownDetail struct{}

func (EntityMappingDetail) diagnosisKind() DiagnosisKind    { return DiagnosisEntityMapping }
func (SchemaIncompleteDetail) diagnosisKind() DiagnosisKind { return DiagnosisSchemaIncomplete }
func (SQLLogicDetail) diagnosisKind() DiagnosisKind         { return DiagnosisSQLLogicError }
func (DataTrulyEmptyDetail) diagnosisKind() DiagnosisKind   { return DiagnosisDataTrulyEmpty }
func (UnknownDetail) diagnosisKind() DiagnosisKind          { return DiagnosisUnknown }

// Diagnosis is the single best-fit cause for an empty result or failure.
type Diagnosis struct {
	Confidence float64
	RootCause  string
	Evidence   []string
	Detail     DiagnosisDetail
}

// Kind derives the taxonomy tag from the detail variant.
func (d *Diagnosis) Kind() DiagnosisKind {
	if d == nil || d.Detail == nil {
		return DiagnosisUnknown
	}
	return d.Detail.diagnosisKind()
}

// SchemaErrorInfo is the parsed form of a missing table/column execution error.
type SchemaErrorInfo struct {
	Object string `json:"object"` // "table" or "column"
	Name   string `json:"name"`
	Raw    string `json:"raw"`
}

// RetryStrategy selects how much context a completeness replan keeps.
type RetryStrategy string

const (
	RetryLightweight RetryStrategy = "lightweight"
	RetryFull        RetryStrategy = "full"
)

// CompletenessResult is the rule-based structural check of SQL against requirements.
type CompletenessResult struct {
	IsComplete        bool          `json:"is_complete"`
	FailureType       string        `json:"failure_type,omitempty"`
	MissingSort       bool          `json:"missing_sort"`
	MissingLimit      bool          `json:"missing_limit"`
	ExpectedLimit     *int          `json:"expected_limit,omitempty"`
	ActualLimit       *int          `json:"actual_limit,omitempty"`
	MissingDimensions []string      `json:"missing_dimensions,omitempty"`
	MissingMetrics    []string      `json:"missing_metrics,omitempty"`
	Evidence          []string      `json:"evidence,omitempty"`
	Suggestion        string        `json:"suggestion,omitempty"`
	Strategy          RetryStrategy `json:"retry_strategy,omitempty"`
}

// SemanticResult is the ResultValidator verdict over SQL and returned rows.
type SemanticResult struct {
	IsComplete        bool              `json:"is_complete"`
	Confidence        float64           `json:"confidence"`
	MissingConditions []FilterCondition `json:"missing_conditions,omitempty"`
	MissingValues     []string          `json:"missing_values,omitempty"`
	Issues            []string          `json:"issues,omitempty"`
	Suggestion        string            `json:"suggestion,omitempty"`
}

// VerificationResult is produced when a zero-row result was re-checked by probing.
type VerificationResult struct {
	Mappings   map[string]string   `json:"mappings"`
	Candidates map[string][]string `json:"candidates,omitempty"`
	Evidence   []string            `json:"evidence,omitempty"`
	Suggestion string              `json:"suggestion,omitempty"`
}

package nodes

const (
	NodeCacheCheck      = "cache_check"
	NodeIntent          = "intent"
	NodePlanner         = "planner"
	NodeExecutor        = "executor"
	NodeDiagnoser       = "diagnoser"
	NodeSchemaCompleter = "schema_completer"
	NodeAnalyzer        = "analyzer"
	NodeResponder       = "responder"
)

// Progress is what a client sees while a node runs.
type Progress struct {
	Stage   string
	Percent int
}

// diagnosis and schema completion are reported as planning work.
var stageProgress = map[string]Progress{
	NodeCacheCheck:      {Stage: NodeCacheCheck, Percent: 5},
	NodeIntent:          {Stage: NodeIntent, Percent: 15},
	NodePlanner:         {Stage: NodePlanner, Percent: 35},
	NodeDiagnoser:       {Stage: NodePlanner, Percent: 35},
	NodeSchemaCompleter: {Stage: NodePlanner, Percent: 35},
	NodeExecutor:        {Stage: NodeExecutor, Percent: 55},
	NodeAnalyzer:        {Stage: NodeAnalyzer, Percent: 75},
	NodeResponder:       {Stage: NodeResponder, Percent: 90},
}

// StageOf maps a node name to its client-facing stage.
func StageOf(node string) (Progress, bool) {
	p, ok := stageProgress[node]
	return p, ok
}

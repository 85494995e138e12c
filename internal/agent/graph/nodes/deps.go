package nodes

import (
	"context"
	"errors"

	"github.com/chatbi-core/server/internal/agent/graph/parsers"
	"github.com/chatbi-core/server/internal/agent/graph/prompts"
	"github.com/chatbi-core/server/internal/agent/model"
	"github.com/chatbi-core/server/internal/cache"
	"github.com/chatbi-core/server/internal/diagnosis"
	"github.com/chatbi-core/server/internal/llm"
	"github.com/chatbi-core/server/internal/retrieval"
)

const maxVariants = 5

// SQLExecutor runs one read-only statement. *executor.Executor satisfies it.
type SQLExecutor interface {
	Execute(ctx context.Context, query string) (*model.QueryResult, error)
}

// QueryCache is the verified question to SQL store. *cache.Store satisfies it.
type QueryCache interface {
	Check(ctx context.Context, query string) (*model.CacheHit, error)
	Save(ctx context.Context, in cache.SaveInput) (bool, error)
}

// Deps are the collaborators shared by every node. All of them are safe
// for concurrent use by many turns.
type Deps struct {
	LLM          llm.Client
	Retrieval    *retrieval.Service
	Executor     SQLExecutor
	Cache        QueryCache
	Probe        *diagnosis.EntityProbe
	Diagnoser    *diagnosis.Diagnoser
	Completer    *diagnosis.SchemaCompleter
	Results      *diagnosis.ResultValidator
	Completeness *diagnosis.CompletenessValidator
	Pipeline     model.PipelineConfig
	CacheConfig  model.CacheConfig
	Dialect      string
}

// Validate reports the first missing collaborator.
func (d *Deps) Validate() error {
	switch {
	case d == nil:
		return errors.New("node deps are nil")
	case d.LLM == nil:
		return errors.New("llm client is nil")
	case d.Retrieval == nil:
		return errors.New("retrieval service is nil")
	case d.Executor == nil:
		return errors.New("sql executor is nil")
	case d.Probe == nil, d.Diagnoser == nil, d.Completer == nil:
		return errors.New("diagnosis components are nil")
	case d.Results == nil, d.Completeness == nil:
		return errors.New("validators are nil")
	}
	return nil
}

func (d *Deps) complete(ctx context.Context, task llm.Task, r prompts.Rendered, json bool) (string, error) {
	return d.LLM.Complete(ctx, llm.Request{Task: task, System: r.System, User: r.User, JSON: json})
}

// NewVariantFunc asks the LLM for stored-value spellings of a literal.
func NewVariantFunc(client llm.Client) diagnosis.VariantFunc {
	return func(ctx context.Context, target model.ProbeTarget, columnDescription string) ([]string, error) {
		r, err := prompts.RenderProbeVariants(ctx, target, target.Value, columnDescription, maxVariants)
		if err != nil {
			return nil, err
		}
		text, err := client.Complete(ctx, llm.Request{Task: llm.TaskProbe, System: r.System, User: r.User, JSON: true})
		if err != nil {
			return nil, err
		}
		return parsers.ParseVariants(text, maxVariants)
	}
}

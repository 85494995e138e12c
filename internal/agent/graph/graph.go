package graph

import (
	"context"
	"fmt"

	einocb "github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/compose"

	"github.com/chatbi-core/server/internal/agent/graph/nodes"
	"github.com/chatbi-core/server/internal/agent/graph/observers"
	"github.com/chatbi-core/server/internal/agent/model"
	logx "github.com/chatbi-core/server/pkg/logger"
)

// maxRunSteps bounds one turn. Retries and diagnoses are bounded by the
// transitions; this is the backstop.
const maxRunSteps = 60

// Runner executes one conversation turn through the compiled graph.
type Runner interface {
	Invoke(ctx context.Context, in model.TurnInput, handlers ...einocb.Handler) (*model.TurnResult, error)
}

// GraphBuilder handles the construction of the query pipeline graph.
type GraphBuilder struct {
	deps  *nodes.Deps
	graph *compose.Graph[model.TurnInput, *model.TurnResult]
}

type graphRunner struct {
	runnable compose.Runnable[model.TurnInput, *model.TurnResult]
}

// Invoke runs one turn. Extra handlers, such as a progress reporter, are
// attached next to the logging and metrics observers.
func (r *graphRunner) Invoke(ctx context.Context, in model.TurnInput, handlers ...einocb.Handler) (*model.TurnResult, error) {
	all := append([]einocb.Handler{observers.NewAllCallbacks(), observers.NewNodeMetricsHandler()}, handlers...)
	out, err := r.runnable.Invoke(ctx, in, compose.WithCallbacks(all...))
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, fmt.Errorf("graph returned no result")
	}
	return out, nil
}

// BuildGraph validates deps, wires every node and returns a Runner.
func BuildGraph(ctx context.Context, deps *nodes.Deps) (Runner, error) {
	if err := deps.Validate(); err != nil {
		return nil, fmt.Errorf("invalid graph deps: %w", err)
	}

	b := &GraphBuilder{
		deps: deps,
		graph: compose.NewGraph[model.TurnInput, *model.TurnResult](
			compose.WithGenLocalState(func(ctx context.Context) *model.ConversationState {
				return &model.ConversationState{}
			}),
		),
	}

	if err := b.addNodes(); err != nil {
		return nil, err
	}
	if err := b.addEdges(); err != nil {
		return nil, err
	}
	if err := b.addBranches(); err != nil {
		return nil, err
	}

	runnable, err := b.compile(ctx)
	if err != nil {
		return nil, err
	}
	logx.Debug().Msg("Query graph built successfully")
	return &graphRunner{runnable: runnable}, nil
}

// addNodes adds all processing nodes to the graph
func (b *GraphBuilder) addNodes() error {
	d := b.deps
	if err := b.graph.AddLambdaNode(nodes.NodeCacheCheck,
		nodes.NewCacheCheckNode(d),
		compose.WithStatePreHandler(nodes.NewTurnPreHandler()),
		compose.WithNodeName(nodes.NodeCacheCheck),
	); err != nil {
		return fmt.Errorf("add node %s: %w", nodes.NodeCacheCheck, err)
	}

	stages := []struct {
		name   string
		lambda *compose.Lambda
	}{
		{nodes.NodeIntent, nodes.NewIntentNode(d)},
		{nodes.NodePlanner, nodes.NewPlannerNode(d)},
		{nodes.NodeExecutor, nodes.NewExecutorNode(d)},
		{nodes.NodeDiagnoser, nodes.NewDiagnoserNode(d)},
		{nodes.NodeSchemaCompleter, nodes.NewSchemaCompleterNode(d)},
		{nodes.NodeAnalyzer, nodes.NewAnalyzerNode(d)},
		{nodes.NodeResponder, nodes.NewResponderNode(d)},
	}
	for _, s := range stages {
		if err := b.graph.AddLambdaNode(s.name, s.lambda,
			compose.WithStatePreHandler(nodes.NewStagePreHandler(s.name)),
			compose.WithNodeName(s.name),
		); err != nil {
			return fmt.Errorf("add node %s: %w", s.name, err)
		}
	}
	return nil
}

// addEdges creates the fixed entry and exit of the graph
func (b *GraphBuilder) addEdges() error {
	edges := [][2]string{
		{compose.START, nodes.NodeCacheCheck},
		{nodes.NodeResponder, compose.END},
	}
	for _, edge := range edges {
		if err := b.graph.AddEdge(edge[0], edge[1]); err != nil {
			return fmt.Errorf("add edge %s -> %s: %w", edge[0], edge[1], err)
		}
	}
	return nil
}

// addBranches creates one branch per routing node from the transition table
func (b *GraphBuilder) addBranches() error {
	for from, successors := range nodes.Successors {
		ends := make(map[string]bool, len(successors))
		for _, s := range successors {
			ends[s] = true
		}
		branch := compose.NewGraphBranch(nodes.NewRouteCondition(), ends)
		if err := b.graph.AddBranch(from, branch); err != nil {
			logx.Error().Err(err).Str("from", from).Msg("Error adding branch")
			return fmt.Errorf("error adding branch from %s: %w", from, err)
		}
	}
	return nil
}

// compile finalizes and compiles the graph
func (b *GraphBuilder) compile(ctx context.Context) (compose.Runnable[model.TurnInput, *model.TurnResult], error) {
	runnable, err := b.graph.Compile(ctx, compose.WithMaxRunSteps(maxRunSteps), compose.WithGraphName("chatbi"))
	if err != nil {
		logx.Error().Err(err).Msg("Error compiling graph")
		return nil, fmt.Errorf("error compiling graph: %w", err)
	}
	logx.Debug().Msg("Graph compiled successfully")
	return runnable, nil
}

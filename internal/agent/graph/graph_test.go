package graph

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/chatbi-core/server/internal/agent/graph/nodes"
	"github.com/chatbi-core/server/internal/agent/graph/observers"
	"github.com/chatbi-core/server/internal/agent/model"
	"github.com/chatbi-core/server/internal/cache"
	"github.com/chatbi-core/server/internal/diagnosis"
	"github.com/chatbi-core/server/internal/executor"
	"github.com/chatbi-core/server/internal/llm"
	"github.com/chatbi-core/server/internal/retrieval"
)

// scriptedLLM answers by task; planner answers are consumed in order and
// the last one repeats. With holdPlanner set, planner calls signal
// plannerStarted and block until their context ends.
type scriptedLLM struct {
	mu      sync.Mutex
	intent  string
	plans   []string
	answer  string
	prompts map[llm.Task][]string

	holdPlanner    bool
	plannerStarted chan struct{}
	startOnce      sync.Once
}

func (s *scriptedLLM) Complete(ctx context.Context, req llm.Request) (string, error) {
	s.mu.Lock()
	if s.prompts == nil {
		s.prompts = map[llm.Task][]string{}
	}
	s.prompts[req.Task] = append(s.prompts[req.Task], req.System+"\n"+req.User)
	var out string
	switch req.Task {
	case llm.TaskIntent:
		out = s.intent
	case llm.TaskPlanner:
		out = s.plans[0]
		if len(s.plans) > 1 {
			s.plans = s.plans[1:]
		}
	case llm.TaskProbe:
		out = `{"variants": []}`
	default:
		out = s.answer
	}
	hold := s.holdPlanner && req.Task == llm.TaskPlanner
	s.mu.Unlock()

	if hold {
		s.startOnce.Do(func() { close(s.plannerStarted) })
		<-ctx.Done()
		return "", ctx.Err()
	}
	return out, nil
}

func (s *scriptedLLM) calls(task llm.Task) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prompts[task]
}

// countingRetriever counts schema retrievals.
type countingRetriever struct {
	next retrieval.Retriever
	mu   sync.Mutex
	n    int
}

func (c *countingRetriever) Retrieve(ctx context.Context, query string, topK int) ([]retrieval.Snippet, error) {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
	return c.next.Retrieve(ctx, query, topK)
}

func (c *countingRetriever) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

type fixture struct {
	runner Runner
	llm    *scriptedLLM
	cache  *cache.Store
}

type fixtureConfig struct {
	statements    []string
	tables        []retrieval.Table
	relationships []retrieval.Relationship
	wrap          func(retrieval.Retriever) retrieval.Retriever
}

type fixtureOption func(*fixtureConfig)

func withRetriever(wrap func(retrieval.Retriever) retrieval.Retriever) fixtureOption {
	return func(c *fixtureConfig) { c.wrap = wrap }
}

// withUsers adds a users table that orders reference through user_id.
func withUsers() fixtureOption {
	return func(c *fixtureConfig) {
		c.statements = []string{
			`CREATE TABLE orders (id INTEGER PRIMARY KEY, city TEXT, amount REAL, order_date TEXT, user_id INTEGER)`,
			`INSERT INTO orders (id, city, amount, order_date, user_id) VALUES
				(1, '北京市', 10.5, '2026-02-01', 1), (2, '上海市', 20, '2026-03-01', 2), (3, '北京市', 5, '2025-12-30', 1)`,
			`CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT)`,
			`INSERT INTO users (id, name) VALUES (1, 'alice'), (2, 'bob')`,
		}
		c.tables[0].Columns = append(c.tables[0].Columns, retrieval.Column{Name: "user_id", Type: "int", Description: "buyer"})
		c.tables = append(c.tables, retrieval.Table{
			Name:        "users",
			Description: "customer accounts",
			Columns: []retrieval.Column{
				{Name: "id", Type: "int"},
				{Name: "name", Type: "varchar", Description: "login name"},
			},
		})
		c.relationships = append(c.relationships, retrieval.Relationship{
			Source: "orders", Target: "users", Condition: "orders.user_id = users.id",
		})
	}
}

func newFixture(t *testing.T, client *scriptedLLM, opts ...fixtureOption) *fixture {
	t.Helper()
	cfg := &fixtureConfig{
		statements: []string{
			`CREATE TABLE orders (id INTEGER PRIMARY KEY, city TEXT, amount REAL, order_date TEXT)`,
			`INSERT INTO orders (id, city, amount, order_date) VALUES
				(1, '北京市', 10.5, '2026-02-01'), (2, '上海市', 20, '2026-03-01'), (3, '北京市', 5, '2025-12-30')`,
		},
		tables: []retrieval.Table{{
			Name:        "orders",
			Description: "订单 sales orders",
			Columns: []retrieval.Column{
				{Name: "id", Type: "int"},
				{Name: "city", Type: "varchar", Description: "城市"},
				{Name: "amount", Type: "decimal", Description: "销售额 order amount"},
				{Name: "order_date", Type: "date", Description: "下单日期"},
			},
		}},
	}
	for _, opt := range opts {
		opt(cfg)
	}

	db, err := gorm.Open(gormsqlite.Open("file:graph_"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	for _, stmt := range cfg.statements {
		require.NoError(t, db.Exec(stmt).Error)
	}

	catalog, err := retrieval.NewCatalog(cfg.tables, cfg.relationships)
	require.NoError(t, err)

	var retriever retrieval.Retriever = retrieval.NewKeywordRetriever(catalog)
	if cfg.wrap != nil {
		retriever = cfg.wrap(retriever)
	}

	store := cache.NewStore(db)
	require.NoError(t, store.Migrate(context.Background()))

	exec := executor.New(db, model.ExecutorConfig{Timeout: 5 * time.Second, MaxRows: 100})
	completer := diagnosis.NewSchemaCompleter(catalog)
	deps := &nodes.Deps{
		LLM:          client,
		Retrieval:    retrieval.NewService(retriever, catalog),
		Executor:     exec,
		Cache:        store,
		Probe:        diagnosis.NewEntityProbe(exec, catalog, nodes.NewVariantFunc(client), 20),
		Diagnoser:    diagnosis.NewDiagnoser(catalog, completer),
		Completer:    completer,
		Results:      diagnosis.NewResultValidator(),
		Completeness: diagnosis.NewCompletenessValidator(),
		Pipeline:     model.PipelineConfig{MaxRetries: 3, MaxDiagnoses: 2, RetrievalTopK: 5, Debug: true},
		CacheConfig:  model.CacheConfig{Enabled: true, ScoreThreshold: 80},
		Dialect:      "SQLite",
	}
	runner, err := BuildGraph(context.Background(), deps)
	require.NoError(t, err)
	return &fixture{runner: runner, llm: client, cache: store}
}

func turn(query string) model.TurnInput {
	return model.TurnInput{
		SessionID: "s1",
		MessageID: "m-" + query,
		Query:     query,
		Today:     time.Date(2026, 10, 18, 0, 0, 0, 0, time.UTC),
	}
}

func TestSingleValueQuestionIsAnsweredAndCached(t *testing.T) {
	client := &scriptedLLM{
		intent: `{"intent_type": "query_data", "rewritten_query": "2026年销售总额", "query_requirements": {"has_aggregation": true}}`,
		plans:  []string{`{"sql": "SELECT SUM(amount) AS total FROM orders WHERE order_date >= '2026-01-01'"}`},
		answer: "今年销售额为 30.5。",
	}
	f := newFixture(t, client)

	var mu sync.Mutex
	var stages []string
	progress := observers.NewProgressHandler(func(node string) {
		mu.Lock()
		defer mu.Unlock()
		stages = append(stages, node)
	})

	res, err := f.runner.Invoke(context.Background(), turn("今年销售额多少"), progress)
	require.NoError(t, err)
	assert.False(t, res.Failed)
	assert.Equal(t, "今年销售额为 30.5。", res.Answer)
	assert.Equal(t, model.ChartNone, res.Chart.Type)
	require.Len(t, res.Rows, 1)
	assert.InDelta(t, 30.5, res.Rows[0]["total"], 0.001)
	assert.False(t, res.CacheHit)
	assert.True(t, res.CacheSaved)
	assert.Equal(t, 100, res.CacheScore)
	require.NotNil(t, res.LastQueryContext)
	assert.Equal(t, 1, res.LastQueryContext.RowCount)
	assert.Equal(t, []string{
		nodes.NodeCacheCheck, nodes.NodeIntent, nodes.NodePlanner,
		nodes.NodeExecutor, nodes.NodeAnalyzer, nodes.NodeResponder,
	}, res.Debug["path"])
	mu.Lock()
	assert.Contains(t, stages, nodes.NodePlanner)
	mu.Unlock()

	// the same question, differently cased, is served from the cache
	again, err := f.runner.Invoke(context.Background(), turn("今年销售额多少 "))
	require.NoError(t, err)
	assert.True(t, again.CacheHit)
	assert.False(t, again.CacheSaved)
	assert.Equal(t, res.SQL, again.SQL)
	assert.Len(t, client.calls(llm.TaskIntent), 1)
	assert.Len(t, client.calls(llm.TaskPlanner), 1)
}

func TestHallucinatedTableIsDiagnosedAndReplanned(t *testing.T) {
	client := &scriptedLLM{
		intent: `{"intent_type": "query_data", "rewritten_query": "订单总数"}`,
		plans: []string{
			`{"sql": "SELECT COUNT(*) AS n FROM ordrs"}`,
			`{"sql": "SELECT COUNT(*) AS n FROM orders"}`,
		},
		answer: "一共 3 笔订单。",
	}
	f := newFixture(t, client)

	res, err := f.runner.Invoke(context.Background(), turn("一共多少订单"))
	require.NoError(t, err)
	assert.False(t, res.Failed)
	assert.Equal(t, "SELECT COUNT(*) AS n FROM orders", res.SQL)
	assert.Equal(t, "sql_logic_error", res.Debug["diagnosis_kind"])

	planner := client.calls(llm.TaskPlanner)
	require.Len(t, planner, 2)
	assert.Contains(t, planner[1], "orders")
	assert.Contains(t, planner[1], "ordrs")
}

func TestUnparseableIntentDegradesToGuidance(t *testing.T) {
	f := newFixture(t, &scriptedLLM{intent: "I am not JSON", plans: []string{""}})

	res, err := f.runner.Invoke(context.Background(), turn("嗯"))
	require.NoError(t, err)
	assert.False(t, res.Failed)
	assert.Equal(t, model.IntentUnclear, res.Intent.Type)
	assert.NotEmpty(t, res.Answer)
	assert.Empty(t, f.llm.calls(llm.TaskPlanner))
}

func TestPersistentSyntaxErrorsEndInExecutorError(t *testing.T) {
	client := &scriptedLLM{
		intent: `{"intent_type": "query_data"}`,
		plans:  []string{`{"sql": "SELECT SUM(amount FROM orders"}`},
	}
	f := newFixture(t, client)

	res, err := f.runner.Invoke(context.Background(), turn("销售额"))
	require.NoError(t, err)
	assert.True(t, res.Failed)
	assert.Equal(t, "EXECUTOR_ERROR", res.ErrorCode)
	assert.NotContains(t, strings.ToLower(res.Answer), "syntax")
	assert.Equal(t, 3, res.Debug["retry_count"])
	assert.Len(t, client.calls(llm.TaskPlanner), 4)
	assert.False(t, res.CacheSaved)
}

func TestMissingRequiredFilterIsReplanned(t *testing.T) {
	client := &scriptedLLM{
		intent: `{"intent_type": "query_data", "rewritten_query": "上海市的销售额",
			"filter_conditions": [{"field_hint": "city", "value": "上海市", "required": true}]}`,
		plans: []string{
			`{"sql": "SELECT SUM(amount) AS total FROM orders"}`,
			`{"sql": "SELECT SUM(amount) AS total FROM orders WHERE orders.city = '上海市'"}`,
		},
		answer: "上海市销售额为 20。",
	}
	f := newFixture(t, client)

	res, err := f.runner.Invoke(context.Background(), turn("上海市的销售额"))
	require.NoError(t, err)
	assert.False(t, res.Failed)

	planner := client.calls(llm.TaskPlanner)
	require.Len(t, planner, 2)
	assert.Contains(t, planner[1], "missing filter on city = 上海市")
	assert.Contains(t, planner[1], "SELECT SUM(amount) AS total FROM orders")
	assert.Equal(t, 1, res.Debug["retry_count"])
	require.Len(t, res.Rows, 1)
	assert.InDelta(t, 20, res.Rows[0]["total"], 0.001)
}

func TestLimitMismatchIsReplanned(t *testing.T) {
	client := &scriptedLLM{
		intent: `{"intent_type": "query_data", "rewritten_query": "销售额最高的一笔订单",
			"query_requirements": {"limit": 1, "sort_by": {"field": "amount", "order": "desc"}}}`,
		plans: []string{
			`{"sql": "SELECT city, amount FROM orders ORDER BY amount DESC LIMIT 3"}`,
			`{"sql": "SELECT city, amount FROM orders ORDER BY amount DESC LIMIT 1"}`,
		},
		answer: "最高的一笔在上海市。",
	}
	f := newFixture(t, client)

	res, err := f.runner.Invoke(context.Background(), turn("销售额最高的一笔订单"))
	require.NoError(t, err)
	assert.False(t, res.Failed)

	planner := client.calls(llm.TaskPlanner)
	require.Len(t, planner, 2)
	assert.Contains(t, planner[1], "use LIMIT 1")
	assert.Equal(t, 1, res.Debug["retry_count"])
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "上海市", res.Rows[0]["city"])
}

func TestEmptyResultIsReplannedWithStoredValue(t *testing.T) {
	client := &scriptedLLM{
		intent: `{"intent_type": "query_data", "rewritten_query": "北京的销售额",
			"filter_conditions": [{"field_hint": "city", "value": "北京"}]}`,
		plans: []string{
			`{"sql": "SELECT SUM(amount) AS total FROM orders WHERE orders.city = '北京'"}`,
			`{"sql": "SELECT SUM(amount) AS total FROM orders WHERE orders.city = '北京市'"}`,
		},
		answer: "北京市销售额为 15.5。",
	}
	f := newFixture(t, client)

	res, err := f.runner.Invoke(context.Background(), turn("北京的销售额"))
	require.NoError(t, err)
	assert.False(t, res.Failed)
	assert.Len(t, client.calls(llm.TaskProbe), 1)

	planner := client.calls(llm.TaskPlanner)
	require.Len(t, planner, 2)
	assert.Contains(t, planner[1], `"北京" -> '北京市'`)
	assert.Contains(t, planner[1], "'北京' -> '北京市'")
	assert.Equal(t, "北京市", res.VerifiedEntityMappings["北京"])
	require.Len(t, res.Rows, 1)
	assert.InDelta(t, 15.5, res.Rows[0]["total"], 0.001)
}

func TestVerifiedLiteralIsNotLookedUpAgain(t *testing.T) {
	client := &scriptedLLM{
		intent: `{"intent_type": "query_data", "rewritten_query": "北京的销售额",
			"filter_conditions": [{"field_hint": "city", "value": "北京"}]}`,
		plans:  []string{`{"sql": "SELECT SUM(amount) AS total FROM orders WHERE city = '北京'"}`},
		answer: "没有数据。",
	}
	f := newFixture(t, client)

	in := turn("北京的销售额")
	in.VerifiedEntityMappings = map[string]string{"北京": "北京市"}
	res, err := f.runner.Invoke(context.Background(), in)
	require.NoError(t, err)

	assert.Empty(t, client.calls(llm.TaskProbe))
	planner := client.calls(llm.TaskPlanner)
	require.NotEmpty(t, planner)
	assert.Contains(t, planner[0], `"北京" -> '北京市'`)
	assert.Equal(t, map[string]string{"北京": "北京市"}, res.VerifiedEntityMappings)
	assert.False(t, res.CacheSaved)
}

func TestMissingJoinedTableIsCompleted(t *testing.T) {
	client := &scriptedLLM{
		intent: `{"intent_type": "query_data", "rewritten_query": "有买家的订单数量"}`,
		plans: []string{
			`{"sql": "SELECT COUNT(*) AS n FROM orders WHERE user_id = 99"}`,
			`{"sql": "SELECT COUNT(*) AS n FROM orders o JOIN users u ON u.id = o.user_id"}`,
		},
		answer: "一共 3 笔订单。",
	}
	f := newFixture(t, client, withUsers())

	res, err := f.runner.Invoke(context.Background(), turn("订单数量"))
	require.NoError(t, err)
	assert.False(t, res.Failed)
	assert.Contains(t, res.Debug["path"], nodes.NodeSchemaCompleter)
	assert.Equal(t, "schema_incomplete", res.Debug["diagnosis_kind"])

	planner := client.calls(llm.TaskPlanner)
	require.Len(t, planner, 2)
	assert.NotContains(t, planner[0], "[users]")
	assert.Contains(t, planner[1], "[users]")
	assert.Contains(t, planner[1], "Tables added to the schema: users")
	require.Len(t, res.Rows, 1)
	assert.EqualValues(t, 3, res.Rows[0]["n"])
}

func TestSchemaIsRefreshedForTheLastAttempt(t *testing.T) {
	counter := &countingRetriever{}
	client := &scriptedLLM{
		intent: `{"intent_type": "query_data"}`,
		plans:  []string{`{"sql": "SELECT SUM(amount FROM orders"}`},
	}
	f := newFixture(t, client, withRetriever(func(next retrieval.Retriever) retrieval.Retriever {
		counter.next = next
		return counter
	}))

	res, err := f.runner.Invoke(context.Background(), turn("销售额"))
	require.NoError(t, err)
	assert.True(t, res.Failed)
	assert.Equal(t, 3, res.Debug["retry_count"])
	assert.Len(t, client.calls(llm.TaskPlanner), 4)
	assert.Equal(t, 2, counter.count())
}

func TestCancelDuringPlanningStopsTheTurn(t *testing.T) {
	client := &scriptedLLM{
		intent:         `{"intent_type": "query_data"}`,
		plans:          []string{`{"sql": "SELECT SUM(amount) AS total FROM orders"}`},
		holdPlanner:    true,
		plannerStarted: make(chan struct{}),
	}
	f := newFixture(t, client)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		<-client.plannerStarted
		cancel()
	}()
	res, err := f.runner.Invoke(ctx, turn("销售额"))
	require.Error(t, err)
	assert.Nil(t, res)
	assert.Contains(t, err.Error(), context.Canceled.Error())
	assert.Len(t, client.calls(llm.TaskPlanner), 1)

	stats, err := f.cache.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Total)
}

func TestCancelledTurnStops(t *testing.T) {
	f := newFixture(t, &scriptedLLM{intent: `{"intent_type": "chitchat"}`, plans: []string{""}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.runner.Invoke(ctx, turn("你好"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), context.Canceled.Error())
}

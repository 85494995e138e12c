package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	NodeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chatbi_graph_node_duration_seconds",
		Help:    "Duration of graph node executions.",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
	}, []string{"node"})
	NodeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatbi_graph_node_errors_total", Help: "Graph node executions that returned an error.",
	}, []string{"node"})
	RouteDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatbi_graph_route_decisions_total", Help: "Routing decisions taken after each node.",
	}, []string{"from", "to"})
	Turns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatbi_turns_total", Help: "Completed, failed and cancelled user turns.",
	}, []string{"outcome"})

	LLMCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatbi_llm_calls_total", Help: "LLM calls by task and result.",
	}, []string{"task", "result"})
	LLMGateWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "chatbi_llm_gate_wait_seconds",
		Help:    "Time spent waiting for an LLM concurrency permit.",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	})
	LLMInflight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatbi_llm_inflight", Help: "LLM calls currently holding a permit.",
	})
	LLMCostUSD = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatbi_llm_cost_usd_total", Help: "Estimated LLM spend in USD.",
	}, []string{"model"})

	SQLExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatbi_sql_executions_total", Help: "SQL executions by outcome kind.",
	}, []string{"kind"})
	ProbeQueries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatbi_probe_queries_total", Help: "Entity probe discovery queries.",
	}, []string{"result"})
	Diagnoses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatbi_diagnoses_total", Help: "Diagnoses by kind.",
	}, []string{"kind"})

	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatbi_query_cache_lookups_total", Help: "Query cache lookups by result.",
	}, []string{"result"})
	CacheSaves = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatbi_query_cache_saves_total", Help: "Query cache save attempts by result.",
	}, []string{"result"})
	CacheEntries = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chatbi_query_cache_entries", Help: "Query cache entries by status, refreshed periodically.",
	}, []string{"status"})
	RetrievalCache = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatbi_retrieval_cache_total", Help: "Schema retrieval cache lookups by result.",
	}, []string{"result"})
	TableEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatbi_table_events_total", Help: "Table change events consumed by result.",
	}, []string{"result"})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatbi_sessions_active", Help: "Sessions currently held in memory.",
	})
	ActiveTasks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatbi_tasks_active", Help: "In-flight turn tasks.",
	})
	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatbi_ws_connections", Help: "Open WebSocket connections.",
	})
)

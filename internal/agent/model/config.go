package model

import (
	"time"

	"github.com/chatbi-core/server/internal/core"
)

// ================ Config ================
type LLMConfig struct {
	APIKey        string        `envconfig:"GEMINI_API_KEY" required:"true"`
	BaseURL       string        `envconfig:"GEMINI_BASE_URL"`
	Model         string        `envconfig:"LLM_MODEL" default:"gemini-2.5-flash"`
	FastModel     string        `envconfig:"LLM_FAST_MODEL" default:"gemini-2.5-flash-lite"`
	MaxTokens     int           `envconfig:"LLM_MAX_TOKENS" default:"4000"`
	Temperature   float32       `envconfig:"LLM_TEMPERATURE" default:"0.1"`
	MaxConcurrent int64         `envconfig:"LLM_MAX_CONCURRENT_CALLS" default:"10"`
	Timeout       time.Duration `envconfig:"LLM_TIMEOUT" default:"60s"`
	MaxRetries    int           `envconfig:"LLM_MAX_RETRIES" default:"3"`
}

type PipelineConfig struct {
	MaxRetries      int  `envconfig:"PIPELINE_MAX_RETRIES" default:"3"`
	MaxDiagnoses    int  `envconfig:"PIPELINE_MAX_DIAGNOSES" default:"2"`
	HistoryMessages int  `envconfig:"PIPELINE_HISTORY_MESSAGES" default:"40"`
	RetrievalTopK   int  `envconfig:"PIPELINE_RETRIEVAL_TOP_K" default:"10"`
	ProbeLimit      int  `envconfig:"PIPELINE_PROBE_LIMIT" default:"20"`
	Debug           bool `envconfig:"PIPELINE_DEBUG" default:"false"`
}

type CacheConfig struct {
	Enabled        bool `envconfig:"CACHE_ENABLED" default:"true"`
	ScoreThreshold int  `envconfig:"CACHE_SCORE_THRESHOLD" default:"80"`
}

type SessionConfig struct {
	IdleTimeout           time.Duration `envconfig:"CHAT_SESSION_EXPIRE" default:"1h"`
	MaxMessageLength      int           `envconfig:"CHAT_MESSAGE_MAX_LENGTH" default:"500"`
	MaxConcurrentRequests int           `envconfig:"CHAT_MAX_CONCURRENT_REQUESTS" default:"10"`
	HistoryTTL            time.Duration `envconfig:"CHAT_HISTORY_TTL" default:"24h"`
}

type ExecutorConfig struct {
	Timeout time.Duration `envconfig:"SQL_TIMEOUT" default:"30s"`
	MaxRows int           `envconfig:"SQL_MAX_ROWS" default:"1000"`
}

type CatalogConfig struct {
	Path string `envconfig:"SCHEMA_CATALOG_PATH" default:"schema_catalog.json"`
}

type ServerConfig struct {
	Addr        string           `envconfig:"HTTP_ADDR" default:":8080"`
	Environment core.Environment `envconfig:"APP_ENV" default:"development"`
}

type RabbitMQConfig struct {
	URL               string `envconfig:"RABBITMQ_URL"`
	TableEventsQueue  string `envconfig:"RABBITMQ_TABLE_EVENTS_QUEUE" default:"chatbi.table_events"`
	RetryDelaySeconds int    `envconfig:"RABBITMQ_RETRY_DELAY_SECONDS" default:"10"`
}

// Enabled reports whether table-change events should be consumed.
func (c RabbitMQConfig) Enabled() bool {
	return c.URL != ""
}

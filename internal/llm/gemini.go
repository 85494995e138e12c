package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/gemini"
	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"

	"github.com/chatbi-core/server/internal/agent/model"
	"github.com/chatbi-core/server/internal/metrics"
	logx "github.com/chatbi-core/server/pkg/logger"
)

const jsonInstruction = "\n\nRespond with a single JSON object only. Do not wrap it in prose."

// GeminiClient is the production Client. Intent and probe calls go to the
// fast model; planning, diagnosis and narration go to the main model.
type GeminiClient struct {
	main          *gemini.ChatModel
	fast          *gemini.ChatModel
	mainModelName string
	fastModelName string
}

// NewGeminiClient creates both chat models over one genai client.
func NewGeminiClient(ctx context.Context, cfg model.LLMConfig) (*GeminiClient, error) {
	clientCfg := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		clientCfg.HTTPOptions.BaseURL = cfg.BaseURL
	}

	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		logx.Error().Err(err).Msg("Error creating Gemini client")
		return nil, fmt.Errorf("error creating Gemini client: %w", err)
	}

	fastName := cfg.FastModel
	if fastName == "" {
		fastName = cfg.Model
	}

	main, err := newChatModel(ctx, client, cfg.Model, cfg)
	if err != nil {
		return nil, err
	}
	fast, err := newChatModel(ctx, client, fastName, cfg)
	if err != nil {
		return nil, err
	}

	return &GeminiClient{
		main:          main,
		fast:          fast,
		mainModelName: cfg.Model,
		fastModelName: fastName,
	}, nil
}

func newChatModel(ctx context.Context, client *genai.Client, name string, cfg model.LLMConfig) (*gemini.ChatModel, error) {
	temperature := cfg.Temperature
	maxTokens := cfg.MaxTokens
	cm, err := gemini.NewChatModel(ctx, &gemini.Config{
		Client:      client,
		Model:       name,
		Temperature: &temperature,
		MaxTokens:   &maxTokens,
		ThinkingConfig: &genai.ThinkingConfig{
			IncludeThoughts: false,
			ThinkingBudget:  genai.Ptr(int32(1024)),
		},
	})
	if err != nil {
		logx.Error().Err(err).Str("model", name).Msg("Error creating chat model")
		return nil, fmt.Errorf("error creating chat model %s: %w", name, err)
	}
	return cm, nil
}

func (c *GeminiClient) pick(task Task) (*gemini.ChatModel, string) {
	switch task {
	case TaskIntent, TaskProbe:
		return c.fast, c.fastModelName
	default:
		return c.main, c.mainModelName
	}
}

func (c *GeminiClient) Complete(ctx context.Context, req Request) (string, error) {
	cm, name := c.pick(req.Task)

	system := req.System
	if req.JSON {
		system += jsonInstruction
	}
	msgs := []*schema.Message{
		schema.SystemMessage(system),
		schema.UserMessage(req.User),
	}

	var opts []einomodel.Option
	if req.Temperature != nil {
		opts = append(opts, einomodel.WithTemperature(*req.Temperature))
	}

	out, err := cm.Generate(ctx, msgs, opts...)
	if err != nil {
		return "", err
	}
	if out == nil {
		return "", fmt.Errorf("%w: empty response", ErrProvider)
	}

	if out.ResponseMeta != nil && out.ResponseMeta.Usage != nil {
		cost := model.ComputeCost(name, out.ResponseMeta.Usage)
		metrics.LLMCostUSD.WithLabelValues(name).Add(cost.Total())
		logx.Debug().
			Str("task", string(req.Task)).
			Str("model", name).
			Int("prompt_tokens", cost.PromptTokens).
			Int("completion_tokens", cost.CompletionTokens).
			Float64("total_cost_usd", cost.Total()).
			Msg("LLM usage")
	}

	return strings.TrimSpace(out.Content), nil
}

var _ Client = (*GeminiClient)(nil)

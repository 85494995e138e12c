package model

import (
	"strings"

	"github.com/cloudwego/eino/schema"
)

// Pricing defines USD cost per 1M tokens for input/output.
type Pricing struct {
	InputPerM  float64
	OutputPerM float64
}

// defaultPricing holds USD pricing per 1M text tokens.
var defaultPricing = map[string]Pricing{
	"gemini-2.5-pro":        {InputPerM: 1.25, OutputPerM: 10.00},
	"gemini-2.5-flash":      {InputPerM: 0.30, OutputPerM: 2.50},
	"gemini-2.5-flash-lite": {InputPerM: 0.10, OutputPerM: 0.40},
}

// UsageCost is the priced token usage of one LLM call.
type UsageCost struct {
	Model            string
	PromptTokens     int
	CompletionTokens int
	InputCost        float64
	OutputCost       float64
}

// Total returns input plus output cost in USD.
func (u UsageCost) Total() float64 {
	return u.InputCost + u.OutputCost
}

// ResolvePricing returns pricing for a model; unknown models cost zero.
// Versioned names such as "gemini-2.5-flash-001" resolve to their family.
func ResolvePricing(model string) Pricing {
	if p, ok := defaultPricing[model]; ok {
		return p
	}
	best := ""
	for name := range defaultPricing {
		if strings.HasPrefix(model, name+"-") && len(name) > len(best) {
			best = name
		}
	}
	return defaultPricing[best]
}

// ComputeCost converts token usage to USD cost.
func ComputeCost(model string, usage *schema.TokenUsage) UsageCost {
	if usage == nil {
		return UsageCost{Model: model}
	}
	p := ResolvePricing(model)
	return UsageCost{
		Model:            model,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		InputCost:        p.InputPerM * float64(usage.PromptTokens) / 1_000_000.0,
		OutputCost:       p.OutputPerM * float64(usage.CompletionTokens) / 1_000_000.0,
	}
}

package llm

import (
	"strings"
	"unicode/utf8"
)

// EstimateTokens approximates the token count of text at about four characters
// per token, never less than the number of words.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	chars := utf8.RuneCountInString(text)
	tokens := (chars + 3) / 4
	if words := len(strings.Fields(text)); words > tokens {
		tokens = words
	}
	return tokens
}

// Pricing is the USD price per 1K tokens for a model.
type Pricing struct {
	InputPer1K  float64
	OutputPer1K float64
}

// Cost prices a usage record.
func (p Pricing) Cost(u Usage) float64 {
	return float64(u.PromptTokens)/1000*p.InputPer1K + float64(u.CompletionTokens)/1000*p.OutputPer1K
}

// pricingTable maps model name prefixes to prices. Longest prefix wins.
type pricingTable map[string]Pricing

func (t pricingTable) lookup(model string) (Pricing, bool) {
	best, found := "", false
	for prefix := range t {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best, found = prefix, true
		}
	}
	if !found {
		return Pricing{}, false
	}
	return t[best], true
}

var (
	openAIPricing = pricingTable{
		"gpt-4o-mini":   {InputPer1K: 0.00015, OutputPer1K: 0.0006},
		"gpt-4o":        {InputPer1K: 0.0025, OutputPer1K: 0.01},
		"gpt-4-turbo":   {InputPer1K: 0.01, OutputPer1K: 0.03},
		"gpt-4":         {InputPer1K: 0.03, OutputPer1K: 0.06},
		"gpt-3.5-turbo": {InputPer1K: 0.0005, OutputPer1K: 0.0015},
	}
	anthropicPricing = pricingTable{
		"claude-3-haiku":    {InputPer1K: 0.00025, OutputPer1K: 0.00125},
		"claude-3-5-haiku":  {InputPer1K: 0.0008, OutputPer1K: 0.004},
		"claude-3-sonnet":   {InputPer1K: 0.003, OutputPer1K: 0.015},
		"claude-3-5-sonnet": {InputPer1K: 0.003, OutputPer1K: 0.015},
		"claude-3-opus":     {InputPer1K: 0.015, OutputPer1K: 0.075},
	}
	geminiPricing = pricingTable{
		"gemini-1.5-flash": {InputPer1K: 0.000075, OutputPer1K: 0.0003},
		"gemini-1.5-pro":   {InputPer1K: 0.00125, OutputPer1K: 0.005},
		"gemini-2.0-flash": {InputPer1K: 0.0001, OutputPer1K: 0.0004},
	}
)

// estimateRequestCost prices the prompt estimate plus the requested output budget.
func estimateRequestCost(table pricingTable, model string, req GenerationRequest, maxTokens int) float64 {
	p, ok := table.lookup(model)
	if !ok {
		return 0
	}
	prompt := EstimateTokens(req.SystemPrompt) + EstimateTokens(req.Prompt)
	return p.Cost(NewUsage(prompt, maxTokens))
}

var pricingByProvider = map[ProviderType]pricingTable{
	ProviderOpenAI:    openAIPricing,
	ProviderAnthropic: anthropicPricing,
	ProviderGemini:    geminiPricing,
}

// CostOf prices actual usage for a model. It reports false for local inference
// and for models without a known price.
func CostOf(provider ProviderType, model string, u Usage) (float64, bool) {
	table, ok := pricingByProvider[provider]
	if !ok {
		return 0, false
	}
	p, ok := table.lookup(model)
	if !ok {
		return 0, false
	}
	return p.Cost(u), true
}

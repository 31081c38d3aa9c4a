package llm

import (
	"context"
	"log/slog"
	"strings"

	"github.com/tmc/langchaingo/llms/anthropic"
)

const anthropicVersion = "2023-06-01"

// AnthropicClient implements Provider for the Anthropic messages API.
type AnthropicClient struct {
	*chatProvider
}

// NewAnthropicClient creates an Anthropic provider. An API key is required.
func NewAnthropicClient(config *ProviderConfig, logger *slog.Logger) (*AnthropicClient, error) {
	config = config.withDefaults("https://api.anthropic.com/v1", "claude-3-haiku-20240307")
	if config.APIKey == "" {
		return nil, NewError(KindConfig, ProviderAnthropic, "API key is required", nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "llm", "provider", ProviderAnthropic)
	httpClient := newHTTPClient(logger)

	model, err := anthropic.New(
		anthropic.WithToken(config.APIKey),
		anthropic.WithModel(config.DefaultModel),
		anthropic.WithBaseURL(config.BaseURL),
		anthropic.WithHTTPClient(httpClient),
	)
	if err != nil {
		return nil, NewError(KindConfig, ProviderAnthropic, "failed to create client", err)
	}

	baseURL := strings.TrimSuffix(config.BaseURL, "/")
	p := &chatProvider{
		providerType: ProviderAnthropic,
		llm:          model,
		config:       config,
		limits: ProviderLimits{
			MaxTokensPerRequest:  8192,
			MaxRequestsPerMinute: 50,
			MaxTokensPerMinute:   40000,
			MaxContextLength:     200000,
			MinTemperature:       0,
			MaxTemperature:       1,
		},
		pricing: anthropicPricing,
		catalog: catalogWithPricing(anthropicPricing, []ModelInfo{
			{ID: "claude-3-haiku-20240307", Name: "Claude 3 Haiku", ContextLength: 200000},
			{ID: "claude-3-5-haiku-20241022", Name: "Claude 3.5 Haiku", ContextLength: 200000},
			{ID: "claude-3-5-sonnet-20241022", Name: "Claude 3.5 Sonnet", ContextLength: 200000},
			{ID: "claude-3-opus-20240229", Name: "Claude 3 Opus", ContextLength: 200000},
		}),
		httpClient:   httpClient,
		logger:       logger,
		usage:        newUsageTracker(),
		finishReason: anthropicFinishReason,
		usageKeys:    [2]string{"InputTokens", "OutputTokens"},
	}
	p.health = func(ctx context.Context) (bool, error) {
		return p.checkEndpoint(ctx, baseURL+"/models", map[string]string{
			"x-api-key":         config.APIKey,
			"anthropic-version": anthropicVersion,
		})
	}
	return &AnthropicClient{chatProvider: p}, nil
}

func anthropicFinishReason(reason string) FinishReason {
	switch reason {
	case "end_turn", "stop_sequence", "":
		return FinishStop
	case "max_tokens":
		return FinishLength
	case "tool_use":
		return FinishToolCall
	case "refusal":
		return FinishContentFilter
	default:
		return FinishOther
	}
}

var _ Provider = (*AnthropicClient)(nil)

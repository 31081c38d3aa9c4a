package llm

import (
	"context"
	"log/slog"
	"strings"

	"github.com/tmc/langchaingo/llms/openai"
)

// OpenAIClient implements Provider for the OpenAI chat completions API.
type OpenAIClient struct {
	*chatProvider
}

// NewOpenAIClient creates an OpenAI provider. An API key is required.
func NewOpenAIClient(config *ProviderConfig, logger *slog.Logger) (*OpenAIClient, error) {
	config = config.withDefaults("https://api.openai.com/v1", "gpt-4o-mini")
	if config.APIKey == "" {
		return nil, NewError(KindConfig, ProviderOpenAI, "API key is required", nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "llm", "provider", ProviderOpenAI)
	httpClient := newHTTPClient(logger)

	model, err := openai.New(
		openai.WithToken(config.APIKey),
		openai.WithModel(config.DefaultModel),
		openai.WithBaseURL(config.BaseURL),
		openai.WithHTTPClient(httpClient),
	)
	if err != nil {
		return nil, NewError(KindConfig, ProviderOpenAI, "failed to create client", err)
	}

	baseURL := strings.TrimSuffix(config.BaseURL, "/")
	p := &chatProvider{
		providerType: ProviderOpenAI,
		llm:          model,
		config:       config,
		limits: ProviderLimits{
			MaxTokensPerRequest:  16384,
			MaxRequestsPerMinute: 500,
			MaxTokensPerMinute:   200000,
			MaxContextLength:     128000,
			MinTemperature:       0,
			MaxTemperature:       2,
		},
		pricing: openAIPricing,
		catalog: catalogWithPricing(openAIPricing, []ModelInfo{
			{ID: "gpt-4o-mini", Name: "GPT-4o mini", ContextLength: 128000},
			{ID: "gpt-4o", Name: "GPT-4o", ContextLength: 128000},
			{ID: "gpt-4-turbo", Name: "GPT-4 Turbo", ContextLength: 128000},
			{ID: "gpt-3.5-turbo", Name: "GPT-3.5 Turbo", ContextLength: 16385},
		}),
		httpClient:   httpClient,
		logger:       logger,
		usage:        newUsageTracker(),
		finishReason: openAIFinishReason,
		usageKeys:    [2]string{"PromptTokens", "CompletionTokens"},
	}
	p.health = func(ctx context.Context) (bool, error) {
		return p.checkEndpoint(ctx, baseURL+"/models", map[string]string{"Authorization": "Bearer " + config.APIKey})
	}
	return &OpenAIClient{chatProvider: p}, nil
}

func openAIFinishReason(reason string) FinishReason {
	switch reason {
	case "stop", "":
		return FinishStop
	case "length":
		return FinishLength
	case "content_filter":
		return FinishContentFilter
	case "tool_calls", "function_call":
		return FinishToolCall
	default:
		return FinishOther
	}
}

var _ Provider = (*OpenAIClient)(nil)

package llm

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"
)

// GeminiClient implements Provider for the Gemini API.
type GeminiClient struct {
	client     *genai.Client
	config     *ProviderConfig
	httpClient *http.Client
	logger     *slog.Logger
	usage      *usageTracker
}

// NewGeminiClient creates a Gemini provider. An API key is required.
func NewGeminiClient(ctx context.Context, config *ProviderConfig, logger *slog.Logger) (*GeminiClient, error) {
	config = config.withDefaults("", "gemini-1.5-flash")
	if config.APIKey == "" {
		return nil, NewError(KindConfig, ProviderGemini, "API key is required", nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "llm", "provider", ProviderGemini)
	httpClient := newHTTPClient(logger)

	clientConfig := &genai.ClientConfig{
		APIKey:     config.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: httpClient,
	}
	if config.BaseURL != "" {
		clientConfig.HTTPOptions = genai.HTTPOptions{BaseURL: config.BaseURL}
	}

	client, err := genai.NewClient(ctx, clientConfig)
	if err != nil {
		return nil, NewError(KindConfig, ProviderGemini, "failed to create client", err)
	}

	return &GeminiClient{
		client:     client,
		config:     config,
		httpClient: httpClient,
		logger:     logger,
		usage:      newUsageTracker(),
	}, nil
}

func (c *GeminiClient) Type() ProviderType {
	return ProviderGemini
}

func (c *GeminiClient) Limits() ProviderLimits {
	limits := ProviderLimits{
		MaxTokensPerRequest:  8192,
		MaxRequestsPerMinute: 60,
		MaxTokensPerMinute:   1000000,
		MaxContextLength:     1048576,
		MinTemperature:       0,
		MaxTemperature:       2,
	}
	if c.config.RequestsPerMinute > 0 {
		limits.MaxRequestsPerMinute = c.config.RequestsPerMinute
	}
	return limits
}

func (c *GeminiClient) CountTokens(text string) int {
	return EstimateTokens(text)
}

func (c *GeminiClient) EstimateCost(req GenerationRequest) float64 {
	return estimateRequestCost(geminiPricing, req.modelOr(c.config.DefaultModel), req, req.maxTokensOr(c.config.DefaultMaxTokens))
}

func (c *GeminiClient) UsageStats(window UsageWindow) UsageStats {
	return c.usage.stats(window)
}

func (c *GeminiClient) contentConfig(req GenerationRequest) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(float32(req.temperatureOr(c.config.temperature()))),
		MaxOutputTokens: int32(req.maxTokensOr(c.config.DefaultMaxTokens)),
		StopSequences:   req.Stop,
	}
	if req.TopP != nil {
		cfg.TopP = genai.Ptr(float32(*req.TopP))
	}
	if req.FrequencyPenalty != nil {
		cfg.FrequencyPenalty = genai.Ptr(float32(*req.FrequencyPenalty))
	}
	if req.PresencePenalty != nil {
		cfg.PresencePenalty = genai.Ptr(float32(*req.PresencePenalty))
	}
	if req.SystemPrompt != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.SystemPrompt}}}
	}
	if req.StructuredOutput {
		cfg.ResponseMIMEType = "application/json"
	}
	return cfg
}

func (c *GeminiClient) Generate(ctx context.Context, req GenerationRequest) (*GenerationResponse, error) {
	if err := c.Limits().Validate(ProviderGemini, req, c.CountTokens); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	model := req.modelOr(c.config.DefaultModel)
	start := time.Now()
	resp, err := c.client.Models.GenerateContent(ctx, model, genai.Text(req.Prompt), c.contentConfig(req))
	if err != nil {
		c.usage.recordFailure()
		return nil, c.classify(ctx, err)
	}

	text, finish, err := geminiText(resp)
	if err != nil {
		c.usage.recordFailure()
		return nil, err
	}

	usage := geminiUsage(resp, req, text)
	var cost float64
	if p, ok := geminiPricing.lookup(model); ok {
		cost = p.Cost(usage)
	}
	c.usage.recordSuccess(usage, cost)

	if resp.ModelVersion != "" {
		model = resp.ModelVersion
	}
	return &GenerationResponse{
		Text:         text,
		Model:        model,
		Usage:        usage,
		FinishReason: finish,
		Latency:      time.Since(start),
		Metadata:     map[string]string{},
	}, nil
}

func (c *GeminiClient) GenerateStream(ctx context.Context, req GenerationRequest) (<-chan StreamChunk, error) {
	if err := c.Limits().Validate(ProviderGemini, req, c.CountTokens); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	model := req.modelOr(c.config.DefaultModel)
	out := make(chan StreamChunk)

	go func() {
		defer close(out)
		defer cancel()

		send := func(chunk StreamChunk) bool {
			select {
			case out <- chunk:
				return true
			case <-ctx.Done():
				return false
			}
		}

		var (
			full   strings.Builder
			finish = FinishStop
			last   *genai.GenerateContentResponse
		)
		for resp, err := range c.client.Models.GenerateContentStream(ctx, model, genai.Text(req.Prompt), c.contentConfig(req)) {
			if err != nil {
				c.usage.recordFailure()
				send(StreamChunk{Err: c.classify(ctx, err), FinishReason: FinishError})
				return
			}
			text, reason, err := geminiText(resp)
			if err != nil {
				c.usage.recordFailure()
				send(StreamChunk{Err: err, FinishReason: FinishError})
				return
			}
			last = resp
			finish = reason
			full.WriteString(text)
			if text != "" && !send(StreamChunk{Text: text}) {
				return
			}
		}

		usage := geminiUsage(last, req, full.String())
		var cost float64
		if p, ok := geminiPricing.lookup(model); ok {
			cost = p.Cost(usage)
		}
		c.usage.recordSuccess(usage, cost)
		send(StreamChunk{Done: true, FinishReason: finish, Model: model})
	}()

	return out, nil
}

// geminiText joins the text parts of the first candidate. Blocked prompts and
// safety stops become ContentFilter errors.
func geminiText(resp *genai.GenerateContentResponse) (string, FinishReason, error) {
	if resp == nil {
		return "", FinishError, NewError(KindProvider, ProviderGemini, "empty response", nil)
	}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return "", FinishContentFilter, NewError(KindContentFilter, ProviderGemini,
			"prompt blocked: "+string(resp.PromptFeedback.BlockReason), nil)
	}
	if len(resp.Candidates) == 0 {
		return "", FinishError, NewError(KindProvider, ProviderGemini, "response contained no candidates", nil)
	}

	candidate := resp.Candidates[0]
	finish := geminiFinishReason(candidate.FinishReason)

	var b strings.Builder
	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			if part != nil && !part.Thought {
				b.WriteString(part.Text)
			}
		}
	}
	if finish == FinishContentFilter && b.Len() == 0 {
		return "", finish, NewError(KindContentFilter, ProviderGemini, "response blocked by safety settings", nil)
	}
	return b.String(), finish, nil
}

func geminiUsage(resp *genai.GenerateContentResponse, req GenerationRequest, text string) Usage {
	if resp != nil && resp.UsageMetadata != nil && resp.UsageMetadata.PromptTokenCount > 0 {
		return NewUsage(int(resp.UsageMetadata.PromptTokenCount), int(resp.UsageMetadata.CandidatesTokenCount))
	}
	return NewUsage(EstimateTokens(req.SystemPrompt)+EstimateTokens(req.Prompt), EstimateTokens(text))
}

func geminiFinishReason(reason genai.FinishReason) FinishReason {
	switch reason {
	case genai.FinishReasonStop, "":
		return FinishStop
	case genai.FinishReasonMaxTokens:
		return FinishLength
	case genai.FinishReasonSafety, genai.FinishReasonRecitation, genai.FinishReasonBlocklist,
		genai.FinishReasonProhibitedContent, genai.FinishReasonSPII:
		return FinishContentFilter
	default:
		return FinishOther
	}
}

// classify maps SDK errors, preferring the structured APIError status code.
func (c *GeminiClient) classify(ctx context.Context, err error) *Error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return NewError(geminiKind(apiErr), ProviderGemini, apiErr.Message, err)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return NewError(geminiKind(*apiErrPtr), ProviderGemini, apiErrPtr.Message, err)
	}
	return classifyTransportError(ctx, ProviderGemini, err)
}

// geminiKind maps an API error. The Gemini API rejects bad keys with
// 400 INVALID_ARGUMENT, so key problems are recognised by reason or message.
func geminiKind(apiErr genai.APIError) ErrorKind {
	if apiErr.Code == http.StatusBadRequest && geminiKeyRejected(apiErr) {
		return KindAuth
	}
	return kindForStatus(apiErr.Code)
}

func geminiKeyRejected(apiErr genai.APIError) bool {
	for _, d := range apiErr.Details {
		if reason, _ := d["reason"].(string); reason == "API_KEY_INVALID" {
			return true
		}
	}
	return strings.Contains(strings.ToLower(apiErr.Message), "api key")
}

func (c *GeminiClient) ListModels(ctx context.Context) ([]ModelInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	page, err := c.client.Models.List(ctx, &genai.ListModelsConfig{})
	if err != nil {
		return nil, c.classify(ctx, err)
	}

	models := make([]ModelInfo, 0, len(page.Items))
	for _, m := range page.Items {
		id := strings.TrimPrefix(m.Name, "models/")
		info := ModelInfo{
			ID:                id,
			Name:              m.DisplayName,
			ContextLength:     int(m.InputTokenLimit),
			SupportsStreaming: true,
		}
		if p, ok := geminiPricing.lookup(id); ok {
			info.InputCostPer1K = p.InputPer1K
			info.OutputCostPer1K = p.OutputPer1K
		}
		models = append(models, info)
	}
	return models, nil
}

// GetModelInfo returns nil for models the API reports as not found.
func (c *GeminiClient) GetModelInfo(ctx context.Context, id string) (*ModelInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	m, err := c.client.Models.Get(ctx, id, nil)
	if err != nil {
		classified := c.classify(ctx, err)
		if classified.Kind == KindModelNotFound {
			return nil, nil
		}
		return nil, classified
	}
	info := &ModelInfo{
		ID:                strings.TrimPrefix(m.Name, "models/"),
		Name:              m.DisplayName,
		ContextLength:     int(m.InputTokenLimit),
		SupportsStreaming: true,
	}
	if p, ok := geminiPricing.lookup(info.ID); ok {
		info.InputCostPer1K = p.InputPer1K
		info.OutputCostPer1K = p.OutputPer1K
	}
	return info, nil
}

func (c *GeminiClient) HealthCheck(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	if _, err := c.client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1}); err != nil {
		return false, c.classify(ctx, err)
	}
	return true, nil
}

func (c *GeminiClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

var _ Provider = (*GeminiClient)(nil)

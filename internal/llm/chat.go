package llm

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
)

// chatProvider is the shared core of the providers backed by a langchaingo model.
type chatProvider struct {
	providerType ProviderType
	llm          llms.Model
	config       *ProviderConfig
	limits       ProviderLimits
	pricing      pricingTable
	catalog      []ModelInfo
	httpClient   *http.Client
	logger       *slog.Logger
	usage        *usageTracker

	// health performs a lightweight authenticated request against the backend.
	health func(ctx context.Context) (bool, error)
	// finishReason maps the vendor stop reason.
	finishReason func(string) FinishReason
	// usageKeys are the GenerationInfo keys holding prompt and completion counts.
	usageKeys [2]string
}

func (p *chatProvider) Type() ProviderType {
	return p.providerType
}

func (p *chatProvider) Limits() ProviderLimits {
	limits := p.limits
	if p.config.RequestsPerMinute > 0 {
		limits.MaxRequestsPerMinute = p.config.RequestsPerMinute
	}
	return limits
}

func (p *chatProvider) CountTokens(text string) int {
	return EstimateTokens(text)
}

func (p *chatProvider) EstimateCost(req GenerationRequest) float64 {
	return estimateRequestCost(p.pricing, req.modelOr(p.config.DefaultModel), req, req.maxTokensOr(p.config.DefaultMaxTokens))
}

func (p *chatProvider) UsageStats(window UsageWindow) UsageStats {
	return p.usage.stats(window)
}

func (p *chatProvider) HealthCheck(ctx context.Context) (bool, error) {
	return p.health(ctx)
}

func (p *chatProvider) ListModels(context.Context) ([]ModelInfo, error) {
	out := make([]ModelInfo, len(p.catalog))
	copy(out, p.catalog)
	return out, nil
}

func (p *chatProvider) GetModelInfo(_ context.Context, id string) (*ModelInfo, error) {
	for _, m := range p.catalog {
		if m.ID == id {
			return &m, nil
		}
	}
	return nil, nil
}

func (p *chatProvider) Close() error {
	p.httpClient.CloseIdleConnections()
	return nil
}

func (p *chatProvider) messages(req GenerationRequest) []llms.MessageContent {
	msgs := make([]llms.MessageContent, 0, 2)
	if req.SystemPrompt != "" {
		msgs = append(msgs, llms.TextParts(llms.ChatMessageTypeSystem, req.SystemPrompt))
	}
	return append(msgs, llms.TextParts(llms.ChatMessageTypeHuman, req.Prompt))
}

func (p *chatProvider) callOptions(req GenerationRequest, model string) []llms.CallOption {
	opts := []llms.CallOption{
		llms.WithModel(model),
		llms.WithMaxTokens(req.maxTokensOr(p.config.DefaultMaxTokens)),
		llms.WithTemperature(req.temperatureOr(p.config.temperature())),
	}
	if req.TopP != nil {
		opts = append(opts, llms.WithTopP(*req.TopP))
	}
	if len(req.Stop) > 0 {
		opts = append(opts, llms.WithStopWords(req.Stop))
	}
	if req.FrequencyPenalty != nil {
		opts = append(opts, llms.WithFrequencyPenalty(*req.FrequencyPenalty))
	}
	if req.PresencePenalty != nil {
		opts = append(opts, llms.WithPresencePenalty(*req.PresencePenalty))
	}
	if req.StructuredOutput {
		opts = append(opts, llms.WithJSONMode())
	}
	return opts
}

func (p *chatProvider) Generate(ctx context.Context, req GenerationRequest) (*GenerationResponse, error) {
	if err := p.Limits().Validate(p.providerType, req, p.CountTokens); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	model := req.modelOr(p.config.DefaultModel)
	start := time.Now()
	resp, err := p.llm.GenerateContent(ctx, p.messages(req), p.callOptions(req, model)...)
	if err != nil {
		p.usage.recordFailure()
		return nil, classifyTransportError(ctx, p.providerType, err)
	}
	return p.complete(req, model, resp, time.Since(start))
}

// complete converts a langchaingo response, recording usage.
func (p *chatProvider) complete(req GenerationRequest, model string, resp *llms.ContentResponse, latency time.Duration) (*GenerationResponse, error) {
	if resp == nil || len(resp.Choices) == 0 {
		p.usage.recordFailure()
		return nil, NewError(KindProvider, p.providerType, "response contained no choices", nil)
	}
	choice := resp.Choices[0]
	finish := p.finishReason(choice.StopReason)
	if finish == FinishContentFilter && strings.TrimSpace(choice.Content) == "" {
		p.usage.recordFailure()
		return nil, NewError(KindContentFilter, p.providerType, "response blocked by content filter", nil)
	}

	usage := p.extractUsage(choice.GenerationInfo, req, choice.Content)
	var cost float64
	if pricing, ok := p.pricing.lookup(model); ok {
		cost = pricing.Cost(usage)
	}
	p.usage.recordSuccess(usage, cost)

	return &GenerationResponse{
		Text:         choice.Content,
		Model:        model,
		Usage:        usage,
		FinishReason: finish,
		Latency:      latency,
		Metadata:     map[string]string{"stop_reason": choice.StopReason},
	}, nil
}

// extractUsage reads vendor token counts, estimating any that are missing.
func (p *chatProvider) extractUsage(info map[string]any, req GenerationRequest, text string) Usage {
	prompt, okPrompt := intFromInfo(info, p.usageKeys[0])
	completion, okCompletion := intFromInfo(info, p.usageKeys[1])
	if !okPrompt {
		prompt = EstimateTokens(req.SystemPrompt) + EstimateTokens(req.Prompt)
	}
	if !okCompletion {
		completion = EstimateTokens(text)
	}
	return NewUsage(prompt, completion)
}

func intFromInfo(info map[string]any, key string) (int, bool) {
	v, ok := info[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

func (p *chatProvider) GenerateStream(ctx context.Context, req GenerationRequest) (<-chan StreamChunk, error) {
	if err := p.Limits().Validate(p.providerType, req, p.CountTokens); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	model := req.modelOr(p.config.DefaultModel)
	out := make(chan StreamChunk)

	go func() {
		defer close(out)
		defer cancel()

		onChunk := func(ctx context.Context, chunk []byte) error {
			select {
			case out <- StreamChunk{Text: string(chunk)}:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		start := time.Now()
		opts := append(p.callOptions(req, model), llms.WithStreamingFunc(onChunk))
		resp, err := p.llm.GenerateContent(ctx, p.messages(req), opts...)
		if err == nil {
			_, err = p.complete(req, model, resp, time.Since(start))
		} else {
			p.usage.recordFailure()
			err = classifyTransportError(ctx, p.providerType, err)
		}

		final := StreamChunk{Done: true, FinishReason: FinishStop, Model: model}
		if err != nil {
			final = StreamChunk{Err: err, FinishReason: FinishError}
		} else if len(resp.Choices) > 0 {
			final.FinishReason = p.finishReason(resp.Choices[0].StopReason)
		}
		select {
		case out <- final:
		case <-ctx.Done():
		}
	}()

	return out, nil
}

// checkEndpoint issues an authenticated GET and reports whether the backend answered 200.
func (p *chatProvider) checkEndpoint(ctx context.Context, url string, headers map[string]string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return false, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("%s not reachable: %w", p.providerType, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, NewError(kindForStatus(resp.StatusCode), p.providerType, fmt.Sprintf("health check returned status %d", resp.StatusCode), nil)
	}
	return true, nil
}

func catalogWithPricing(table pricingTable, models []ModelInfo) []ModelInfo {
	for i := range models {
		if p, ok := table.lookup(models[i].ID); ok {
			models[i].InputCostPer1K = p.InputPer1K
			models[i].OutputCostPer1K = p.OutputPer1K
		}
		models[i].SupportsStreaming = true
	}
	return models
}

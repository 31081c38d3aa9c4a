package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// OllamaClient implements the Provider interface for a local Ollama server.
type OllamaClient struct {
	config     *ProviderConfig
	httpClient *http.Client
	baseURL    string
	logger     *slog.Logger
	usage      *usageTracker
}

// OllamaRequest represents a request to the Ollama API.
type OllamaRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	System  string         `json:"system,omitempty"`
	Stream  bool           `json:"stream"`
	Format  string         `json:"format,omitempty"`
	Options *OllamaOptions `json:"options,omitempty"`
}

// OllamaOptions represents optional parameters for Ollama requests.
type OllamaOptions struct {
	NumPredict       int      `json:"num_predict,omitempty"`
	Temperature      *float64 `json:"temperature,omitempty"`
	TopP             *float64 `json:"top_p,omitempty"`
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64 `json:"presence_penalty,omitempty"`
	Stop             []string `json:"stop,omitempty"`
}

// OllamaResponse represents a response (or a stream line) from the Ollama API.
type OllamaResponse struct {
	Model           string `json:"model"`
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	DoneReason      string `json:"done_reason,omitempty"`
	TotalDuration   int64  `json:"total_duration,omitempty"`
	PromptEvalCount int    `json:"prompt_eval_count,omitempty"`
	EvalCount       int    `json:"eval_count,omitempty"`
	Error           string `json:"error,omitempty"`
}

// OllamaModel represents a model returned by the /api/tags endpoint.
type OllamaModel struct {
	Name       string    `json:"name"`
	ModifiedAt time.Time `json:"modified_at"`
	Size       int64     `json:"size"`
	Details    struct {
		Family        string `json:"family"`
		ParameterSize string `json:"parameter_size"`
	} `json:"details"`
}

// OllamaModelsResponse represents the response from /api/tags.
type OllamaModelsResponse struct {
	Models []OllamaModel `json:"models"`
}

// OllamaError represents an error response from Ollama.
type OllamaError struct {
	Error string `json:"error"`
}

const ollamaContextLength = 8192

// NewOllamaClient creates a new OllamaClient.
func NewOllamaClient(config *ProviderConfig, logger *slog.Logger) *OllamaClient {
	config = config.withDefaults("http://localhost:11434", "llama3.2")
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "llm", "provider", ProviderOllama)

	httpClient := newHTTPClient(logger)
	return &OllamaClient{
		config:     config,
		baseURL:    strings.TrimSuffix(config.BaseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
		usage:      newUsageTracker(),
	}
}

// Type returns the provider identity.
func (c *OllamaClient) Type() ProviderType {
	return ProviderOllama
}

// Limits returns local inference limits. Requests per minute are unlimited
// unless configured.
func (c *OllamaClient) Limits() ProviderLimits {
	return ProviderLimits{
		MaxTokensPerRequest:  ollamaContextLength,
		MaxRequestsPerMinute: c.config.RequestsPerMinute,
		MaxContextLength:     ollamaContextLength,
		MinTemperature:       0,
		MaxTemperature:       2,
	}
}

func (c *OllamaClient) CountTokens(text string) int {
	return EstimateTokens(text)
}

// EstimateCost is always zero for local inference.
func (c *OllamaClient) EstimateCost(GenerationRequest) float64 {
	return 0
}

func (c *OllamaClient) UsageStats(window UsageWindow) UsageStats {
	return c.usage.stats(window)
}

func (c *OllamaClient) buildRequest(req GenerationRequest, stream bool) *OllamaRequest {
	temperature := req.temperatureOr(c.config.temperature())
	out := &OllamaRequest{
		Model:  req.modelOr(c.config.DefaultModel),
		Prompt: req.Prompt,
		System: req.SystemPrompt,
		Stream: stream,
		Options: &OllamaOptions{
			NumPredict:       req.maxTokensOr(c.config.DefaultMaxTokens),
			Temperature:      &temperature,
			TopP:             req.TopP,
			FrequencyPenalty: req.FrequencyPenalty,
			PresencePenalty:  req.PresencePenalty,
			Stop:             req.Stop,
		},
	}
	if req.StructuredOutput {
		out.Format = "json"
	}
	return out
}

// Generate generates text using the Ollama API.
func (c *OllamaClient) Generate(ctx context.Context, req GenerationRequest) (*GenerationResponse, error) {
	if err := c.Limits().Validate(ProviderOllama, req, c.CountTokens); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	startTime := time.Now()
	resp, err := c.post(ctx, c.buildRequest(req, false))
	if err != nil {
		c.usage.recordFailure()
		return nil, err
	}
	defer resp.Body.Close()

	var ollamaResp OllamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&ollamaResp); err != nil {
		c.usage.recordFailure()
		return nil, classifyTransportError(ctx, ProviderOllama, fmt.Errorf("failed to decode response: %w", err))
	}

	completion := ollamaResp.EvalCount
	if completion == 0 && ollamaResp.Response != "" {
		// Rough estimate if not provided
		completion = EstimateTokens(ollamaResp.Response)
	}
	usage := NewUsage(ollamaResp.PromptEvalCount, completion)
	c.usage.recordSuccess(usage, 0)

	metadata := map[string]string{}
	if ollamaResp.TotalDuration > 0 {
		metadata["total_duration"] = time.Duration(ollamaResp.TotalDuration).String()
	}

	return &GenerationResponse{
		Text:         ollamaResp.Response,
		Model:        ollamaResp.Model,
		Usage:        usage,
		FinishReason: ollamaFinishReason(ollamaResp.DoneReason),
		Latency:      time.Since(startTime),
		Metadata:     metadata,
	}, nil
}

// GenerateStream streams newline-delimited JSON fragments from /api/generate.
func (c *OllamaClient) GenerateStream(ctx context.Context, req GenerationRequest) (<-chan StreamChunk, error) {
	if err := c.Limits().Validate(ProviderOllama, req, c.CountTokens); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	body := c.buildRequest(req, true)
	resp, err := c.post(ctx, body)
	if err != nil {
		cancel()
		c.usage.recordFailure()
		return nil, err
	}

	out := make(chan StreamChunk)
	go func() {
		defer close(out)
		defer cancel()
		defer resp.Body.Close()

		send := func(chunk StreamChunk) bool {
			select {
			case out <- chunk:
				return true
			case <-ctx.Done():
				return false
			}
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var part OllamaResponse
			if err := json.Unmarshal(line, &part); err != nil {
				c.usage.recordFailure()
				send(StreamChunk{Err: NewError(KindProvider, ProviderOllama, "malformed stream line", err), FinishReason: FinishError})
				return
			}
			if part.Error != "" {
				c.usage.recordFailure()
				send(StreamChunk{Err: NewError(KindProvider, ProviderOllama, part.Error, nil), FinishReason: FinishError})
				return
			}
			if part.Done {
				c.usage.recordSuccess(NewUsage(part.PromptEvalCount, part.EvalCount), 0)
				model := part.Model
				if model == "" {
					model = body.Model
				}
				send(StreamChunk{Text: part.Response, FinishReason: ollamaFinishReason(part.DoneReason), Done: true, Model: model})
				return
			}
			if !send(StreamChunk{Text: part.Response}) {
				return
			}
		}

		err := scanner.Err()
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		c.usage.recordFailure()
		send(StreamChunk{Err: classifyTransportError(ctx, ProviderOllama, err), FinishReason: FinishError})
	}()

	return out, nil
}

// post sends a generate request and returns the response when the status is OK.
func (c *OllamaClient) post(ctx context.Context, req *OllamaRequest) (*http.Response, error) {
	reqBody, err := json.Marshal(req)
	if err != nil {
		return nil, NewError(KindInvalidRequest, ProviderOllama, "failed to marshal request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(reqBody))
	if err != nil {
		return nil, NewError(KindConfig, ProviderOllama, "failed to create HTTP request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(ctx, ProviderOllama, err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, c.statusError(resp)
	}
	return resp, nil
}

func (c *OllamaClient) statusError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	msg := strings.TrimSpace(string(body))
	var ollamaErr OllamaError
	if json.Unmarshal(body, &ollamaErr) == nil && ollamaErr.Error != "" {
		msg = ollamaErr.Error
	}
	kind := kindForStatus(resp.StatusCode)
	if resp.StatusCode == http.StatusNotFound && !strings.Contains(strings.ToLower(msg), "model") {
		kind = KindProvider
	}
	return NewError(kind, ProviderOllama, fmt.Sprintf("status %d: %s", resp.StatusCode, msg), nil)
}

func ollamaFinishReason(reason string) FinishReason {
	switch reason {
	case "", "stop":
		return FinishStop
	case "length":
		return FinishLength
	default:
		return FinishOther
	}
}

// ListModels returns the models pulled into the Ollama instance.
func (c *OllamaClient) ListModels(ctx context.Context) ([]ModelInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", http.NoBody)
	if err != nil {
		return nil, NewError(KindConfig, ProviderOllama, "failed to create HTTP request", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(ctx, ProviderOllama, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError(resp)
	}

	var modelsResp OllamaModelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&modelsResp); err != nil {
		return nil, NewError(KindProvider, ProviderOllama, "failed to decode response", err)
	}

	models := make([]ModelInfo, len(modelsResp.Models))
	for i, model := range modelsResp.Models {
		models[i] = ModelInfo{
			ID:                model.Name,
			Name:              strings.TrimSpace(model.Name + " " + model.Details.ParameterSize),
			ContextLength:     ollamaContextLength,
			SupportsStreaming: true,
		}
	}
	return models, nil
}

// GetModelInfo looks the model up in the local tag list.
func (c *OllamaClient) GetModelInfo(ctx context.Context, id string) (*ModelInfo, error) {
	models, err := c.ListModels(ctx)
	if err != nil {
		return nil, err
	}
	for _, m := range models {
		if m.ID == id || strings.TrimSuffix(m.ID, ":latest") == id {
			return &m, nil
		}
	}
	return nil, nil
}

// HealthCheck checks if the Ollama instance is available.
func (c *OllamaClient) HealthCheck(ctx context.Context) (bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", http.NoBody)
	if err != nil {
		return false, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return false, fmt.Errorf("ollama instance not reachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("ollama instance returned status %d", resp.StatusCode)
	}
	return true, nil
}

// Close cleans up resources (no-op for HTTP client).
func (c *OllamaClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

var _ Provider = (*OllamaClient)(nil)

package llm

import (
	"maps"
	"slices"
	"time"
)

// GenerationRequest describes a single completion call. Values are built with
// NewRequest and the With* methods, each of which returns a modified copy.
type GenerationRequest struct {
	Prompt           string
	Model            string
	SystemPrompt     string
	Temperature      *float64
	TopP             *float64
	FrequencyPenalty *float64
	PresencePenalty  *float64
	MaxTokens        int
	Stop             []string
	Stream           bool
	StructuredOutput bool
	Metadata         map[string]string
}

// NewRequest starts a request for prompt.
func NewRequest(prompt string) GenerationRequest {
	return GenerationRequest{Prompt: prompt}
}

func (r GenerationRequest) clone() GenerationRequest {
	r.Stop = slices.Clone(r.Stop)
	r.Metadata = maps.Clone(r.Metadata)
	return r
}

func (r GenerationRequest) WithModel(model string) GenerationRequest {
	out := r.clone()
	out.Model = model
	return out
}

func (r GenerationRequest) WithSystemPrompt(prompt string) GenerationRequest {
	out := r.clone()
	out.SystemPrompt = prompt
	return out
}

func (r GenerationRequest) WithTemperature(t float64) GenerationRequest {
	out := r.clone()
	out.Temperature = &t
	return out
}

func (r GenerationRequest) WithTopP(p float64) GenerationRequest {
	out := r.clone()
	out.TopP = &p
	return out
}

func (r GenerationRequest) WithFrequencyPenalty(p float64) GenerationRequest {
	out := r.clone()
	out.FrequencyPenalty = &p
	return out
}

func (r GenerationRequest) WithPresencePenalty(p float64) GenerationRequest {
	out := r.clone()
	out.PresencePenalty = &p
	return out
}

func (r GenerationRequest) WithMaxTokens(n int) GenerationRequest {
	out := r.clone()
	out.MaxTokens = n
	return out
}

func (r GenerationRequest) WithStop(sequences ...string) GenerationRequest {
	out := r.clone()
	out.Stop = append(out.Stop, sequences...)
	return out
}

func (r GenerationRequest) WithStreaming(stream bool) GenerationRequest {
	out := r.clone()
	out.Stream = stream
	return out
}

func (r GenerationRequest) WithStructuredOutput(structured bool) GenerationRequest {
	out := r.clone()
	out.StructuredOutput = structured
	return out
}

func (r GenerationRequest) WithMetadata(key, value string) GenerationRequest {
	out := r.clone()
	if out.Metadata == nil {
		out.Metadata = make(map[string]string)
	}
	out.Metadata[key] = value
	return out
}

func (r GenerationRequest) temperatureOr(def float64) float64 {
	if r.Temperature != nil {
		return *r.Temperature
	}
	return def
}

func (r GenerationRequest) maxTokensOr(def int) int {
	if r.MaxTokens > 0 {
		return r.MaxTokens
	}
	return def
}

func (r GenerationRequest) modelOr(def string) string {
	if r.Model != "" {
		return r.Model
	}
	return def
}

// Usage holds token counts. TotalTokens is always PromptTokens + CompletionTokens.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// NewUsage builds a Usage, computing the total from its parts. Totals reported by
// a backend are never trusted.
func NewUsage(prompt, completion int) Usage {
	if prompt < 0 {
		prompt = 0
	}
	if completion < 0 {
		completion = 0
	}
	return Usage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: prompt + completion}
}

// FinishReason says why a generation stopped.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishContentFilter FinishReason = "content_filter"
	FinishToolCall      FinishReason = "tool_call"
	FinishOther         FinishReason = "other"
	FinishError         FinishReason = "error"
)

// GenerationResponse represents a response from an LLM generation request.
type GenerationResponse struct {
	Text         string
	// Provider is filled in by the manager that served the request.
	Provider     ProviderType
	Model        string
	Usage        Usage
	FinishReason FinishReason
	Latency      time.Duration
	Metadata     map[string]string
}

// StreamChunk is one fragment of a streamed generation.
type StreamChunk struct {
	Text         string
	FinishReason FinishReason
	Done         bool
	Err          error
	// Model is set on the final chunk to the model that served the stream.
	Model        string
}

// ModelInfo describes a model offered by a provider.
type ModelInfo struct {
	ID                string  `json:"id"`
	Name              string  `json:"name"`
	ContextLength     int     `json:"context_length"`
	SupportsStreaming bool    `json:"supports_streaming"`
	InputCostPer1K    float64 `json:"input_cost_per_1k"`
	OutputCostPer1K   float64 `json:"output_cost_per_1k"`
}

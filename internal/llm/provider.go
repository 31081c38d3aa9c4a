package llm

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ProviderType identifies a backend. It is used as the routing key in the manager.
type ProviderType string

const (
	ProviderOllama    ProviderType = "ollama"
	ProviderOpenAI    ProviderType = "openai"
	ProviderAnthropic ProviderType = "anthropic"
	ProviderGemini    ProviderType = "gemini"
)

// AllProviderTypes returns every known provider in default-preference order.
func AllProviderTypes() []ProviderType {
	return []ProviderType{ProviderOllama, ProviderOpenAI, ProviderAnthropic, ProviderGemini}
}

// ParseProviderType converts a configuration string into a ProviderType.
func ParseProviderType(s string) (ProviderType, error) {
	switch t := ProviderType(strings.ToLower(strings.TrimSpace(s))); t {
	case ProviderOllama, ProviderOpenAI, ProviderAnthropic, ProviderGemini:
		return t, nil
	case "local":
		return ProviderOllama, nil
	default:
		return "", fmt.Errorf("unknown provider type %q", s)
	}
}

// IsLocal reports whether the provider runs on local inference with no API key.
func (t ProviderType) IsLocal() bool {
	return t == ProviderOllama
}

func (t ProviderType) String() string {
	return string(t)
}

// Provider defines the interface for different LLM services.
type Provider interface {
	// Type returns the stable identity of this provider.
	Type() ProviderType

	// HealthCheck reports whether the backend is currently usable. An unreachable
	// backend yields false and possibly an error; it never panics.
	HealthCheck(ctx context.Context) (bool, error)

	// ListModels returns available models for this provider.
	ListModels(ctx context.Context) ([]ModelInfo, error)

	// GetModelInfo returns nil without error when the model is unknown.
	GetModelInfo(ctx context.Context, id string) (*ModelInfo, error)

	// Generate performs a single text completion.
	Generate(ctx context.Context, req GenerationRequest) (*GenerationResponse, error)

	// GenerateStream yields incremental fragments. The channel is closed after a
	// chunk with Done or Err set.
	GenerateStream(ctx context.Context, req GenerationRequest) (<-chan StreamChunk, error)

	// EstimateCost returns the expected USD cost of the request, zero when unpriced.
	EstimateCost(req GenerationRequest) float64

	// CountTokens returns a best-effort token count for text.
	CountTokens(text string) int

	// Limits returns the static limits used for local request validation.
	Limits() ProviderLimits

	// UsageStats returns counters recorded by this provider for the window.
	UsageStats(window UsageWindow) UsageStats

	// Close cleans up any resources used by the provider.
	Close() error
}

// ProviderConfig holds common configuration for LLM providers.
type ProviderConfig struct {
	APIKey             string
	BaseURL            string
	Timeout            time.Duration
	DefaultModel       string
	DefaultMaxTokens   int
	// DefaultTemperature is used when a request sets none. Nil means 0.7; an
	// explicit zero is kept.
	DefaultTemperature *float64
	// RequestsPerMinute overrides the provider's built-in request limit when > 0.
	RequestsPerMinute int
}

const defaultTemperature = 0.7

// DefaultProviderConfig returns default configuration values.
func DefaultProviderConfig() *ProviderConfig {
	t := defaultTemperature
	return &ProviderConfig{
		Timeout:            60 * time.Second,
		DefaultMaxTokens:   2048,
		DefaultTemperature: &t,
	}
}

// withDefaults fills zero fields from DefaultProviderConfig without touching the caller's copy.
func (c *ProviderConfig) withDefaults(baseURL, model string) *ProviderConfig {
	out := DefaultProviderConfig()
	if c != nil {
		*out = *c
	}
	if out.Timeout <= 0 {
		out.Timeout = 60 * time.Second
	}
	if out.DefaultMaxTokens <= 0 {
		out.DefaultMaxTokens = 2048
	}
	t := defaultTemperature
	if out.DefaultTemperature != nil {
		t = *out.DefaultTemperature
	}
	out.DefaultTemperature = &t
	if out.BaseURL == "" {
		out.BaseURL = baseURL
	}
	if out.DefaultModel == "" {
		out.DefaultModel = model
	}
	return out
}

func (c *ProviderConfig) temperature() float64 {
	if c.DefaultTemperature == nil {
		return defaultTemperature
	}
	return *c.DefaultTemperature
}

package llm

import (
	"fmt"
	"strings"
)

// ProviderLimits are static per-provider constraints checked before dispatch.
type ProviderLimits struct {
	MaxTokensPerRequest  int
	MaxRequestsPerMinute int // 0 means no enforced quota
	MaxTokensPerMinute   int
	MaxContextLength     int
	MinTemperature       float64
	MaxTemperature       float64
}

// Validate rejects requests the backend would refuse. It never performs I/O.
func (l ProviderLimits) Validate(provider ProviderType, req GenerationRequest, countTokens func(string) int) error {
	if strings.TrimSpace(req.Prompt) == "" {
		return NewError(KindInvalidRequest, provider, "prompt is empty", nil)
	}
	if req.Temperature != nil {
		t := *req.Temperature
		if t < l.MinTemperature || t > l.MaxTemperature {
			return NewError(KindInvalidRequest, provider,
				fmt.Sprintf("temperature %.2f outside allowed range [%.2f, %.2f]", t, l.MinTemperature, l.MaxTemperature), nil)
		}
	}
	if req.TopP != nil && (*req.TopP < 0 || *req.TopP > 1) {
		return NewError(KindInvalidRequest, provider, fmt.Sprintf("top_p %.2f outside [0, 1]", *req.TopP), nil)
	}
	for name, p := range map[string]*float64{"frequency_penalty": req.FrequencyPenalty, "presence_penalty": req.PresencePenalty} {
		if p != nil && (*p < -2 || *p > 2) {
			return NewError(KindInvalidRequest, provider, fmt.Sprintf("%s %.2f outside [-2, 2]", name, *p), nil)
		}
	}
	if req.MaxTokens < 0 {
		return NewError(KindInvalidRequest, provider, "max tokens must not be negative", nil)
	}
	if l.MaxTokensPerRequest > 0 && req.MaxTokens > l.MaxTokensPerRequest {
		return NewError(KindInvalidRequest, provider,
			fmt.Sprintf("max tokens %d exceeds limit %d", req.MaxTokens, l.MaxTokensPerRequest), nil)
	}
	if l.MaxContextLength > 0 && countTokens != nil {
		prompt := countTokens(req.SystemPrompt) + countTokens(req.Prompt)
		if prompt+req.MaxTokens > l.MaxContextLength {
			return NewError(KindTokenLimit, provider,
				fmt.Sprintf("prompt of ~%d tokens plus %d output tokens exceeds context length %d", prompt, req.MaxTokens, l.MaxContextLength), nil)
		}
	}
	return nil
}

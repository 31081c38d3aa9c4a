package content

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"curriculum-curator/internal/llm"
	"curriculum-curator/internal/manager"
	"curriculum-curator/internal/utils"
)

// TextGenerator is the generation entry point the content layer depends on.
// *manager.Manager satisfies it.
type TextGenerator interface {
	Generate(ctx context.Context, req llm.GenerationRequest, opts manager.GenerateOptions) (*llm.GenerationResponse, error)
}

// StreamGenerator is implemented by generators that can stream output.
type StreamGenerator interface {
	GenerateStream(ctx context.Context, req llm.GenerationRequest, opts manager.GenerateOptions) (<-chan llm.StreamChunk, error)
}

// Generator produces one GeneratedContent per requested material kind.
type Generator struct {
	llm         TextGenerator
	provider    llm.ProviderType
	maxTokens   int
	temperature *float64
	now         func() time.Time
	logger      *slog.Logger
}

// Option configures a Generator.
type Option func(*Generator)

// WithProvider routes every call to provider t instead of the manager default.
func WithProvider(t llm.ProviderType) Option {
	return func(g *Generator) {
		g.provider = t
	}
}

// WithSampling overrides the provider defaults for max tokens and temperature.
// Zero maxTokens keeps the provider default.
func WithSampling(maxTokens int, temperature float64) Option {
	return func(g *Generator) {
		g.maxTokens = maxTokens
		g.temperature = &temperature
	}
}

func WithClock(now func() time.Time) Option {
	return func(g *Generator) {
		g.now = now
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(g *Generator) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// NewGenerator creates a Generator backed by gen.
func NewGenerator(gen TextGenerator, opts ...Option) *Generator {
	g := &Generator{
		llm:    gen,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With("component", "content")
	return g
}

// Generate issues one generation call per requested material kind, in request
// order. The first failure aborts the request; no partial result is returned.
func (g *Generator) Generate(ctx context.Context, req ContentRequest) ([]GeneratedContent, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	difficulty := InferDifficulty(req.Audience)
	results := make([]GeneratedContent, 0, len(req.Materials))

	for _, kind := range req.Materials {
		item, err := g.generateOne(ctx, kind, req, difficulty)
		if err != nil {
			g.logger.Error("material generation failed", "topic", req.Topic, "kind", kind, "error", err)
			return nil, fmt.Errorf("generating %s for %q: %w", kind, req.Topic, err)
		}
		results = append(results, *item)
	}

	g.logger.Info("materials generated", "topic", req.Topic, "count", len(results), "difficulty", difficulty)
	return results, nil
}

// Stream generates a single material kind and returns the raw text fragments
// as they arrive. The text is not cleaned or recorded as GeneratedContent.
func (g *Generator) Stream(ctx context.Context, kind MaterialKind, req ContentRequest) (<-chan llm.StreamChunk, error) {
	req.Materials = []MaterialKind{kind}
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	sg, ok := g.llm.(StreamGenerator)
	if !ok {
		return nil, llm.NewError(llm.KindConfig, g.provider, "generator does not support streaming", nil)
	}
	genReq, err := g.buildRequest(kind, req, InferDifficulty(req.Audience))
	if err != nil {
		return nil, err
	}
	return sg.GenerateStream(ctx, genReq.WithStreaming(true), g.options(kind))
}

func (g *Generator) buildRequest(kind MaterialKind, req ContentRequest, difficulty Difficulty) (llm.GenerationRequest, error) {
	prompt, err := renderPrompt(kind, req, difficulty)
	if err != nil {
		return llm.GenerationRequest{}, llm.NewError(llm.KindInvalidRequest, "", "rendering prompt", err)
	}

	genReq := llm.NewRequest(prompt).
		WithSystemPrompt(systemPrompt).
		WithMetadata("material_kind", string(kind)).
		WithMetadata("topic", req.Topic)
	if g.maxTokens > 0 {
		genReq = genReq.WithMaxTokens(g.maxTokens)
	}
	if g.temperature != nil {
		genReq = genReq.WithTemperature(*g.temperature)
	}
	return genReq, nil
}

func (g *Generator) options(kind MaterialKind) manager.GenerateOptions {
	return manager.GenerateOptions{Provider: g.provider, Category: string(kind)}
}

func (g *Generator) generateOne(ctx context.Context, kind MaterialKind, req ContentRequest, difficulty Difficulty) (*GeneratedContent, error) {
	genReq, err := g.buildRequest(kind, req, difficulty)
	if err != nil {
		return nil, err
	}

	resp, err := g.llm.Generate(ctx, genReq, g.options(kind))
	if err != nil {
		return nil, err
	}

	text := utils.CleanModelOutput(resp.Text)
	title := utils.FirstHeading(text)
	if title == "" {
		title = fmt.Sprintf("%s: %s", kind.Title(), strings.TrimSpace(req.Topic))
	}

	g.logger.Debug("material generated", "kind", kind, "model", resp.Model, "tokens", resp.Usage.TotalTokens)

	return &GeneratedContent{
		ID:      uuid.New(),
		Kind:    kind,
		Title:   title,
		Content: text,
		Metadata: Metadata{
			WordCount:         utils.WordCount(text),
			EstimatedDuration: req.Duration,
			Difficulty:        difficulty,
			Provider:          string(resp.Provider),
			Model:             resp.Model,
			TokensUsed:        resp.Usage.TotalTokens,
		},
		CreatedAt: g.now(),
	}, nil
}

func validateRequest(req ContentRequest) error {
	if strings.TrimSpace(req.Topic) == "" {
		return llm.NewError(llm.KindInvalidRequest, "", "content request has no topic", nil)
	}
	if len(req.Materials) == 0 {
		return llm.NewError(llm.KindInvalidRequest, "", "content request has no materials", nil)
	}
	for _, k := range req.Materials {
		if _, ok := templates[k]; !ok {
			return llm.NewError(llm.KindInvalidRequest, "", fmt.Sprintf("unknown material kind %q", k), nil)
		}
	}
	return nil
}

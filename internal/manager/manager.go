// Package manager routes generation requests across registered providers,
// applying rate limits, retries and usage accounting.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"curriculum-curator/internal/llm"
	"curriculum-curator/internal/metrics"
	"curriculum-curator/internal/ratelimit"
)

// minPermitWait is the smallest sleep taken when another caller won a refilled token.
const minPermitWait = 10 * time.Millisecond

// Config holds the retry and throttling policy.
type Config struct {
	// MaxRetries is the total number of attempts per request, including the first.
	MaxRetries       int
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	MaxRateLimitWait time.Duration
}

// DefaultConfig returns the default retry policy.
func DefaultConfig() Config {
	return Config{
		MaxRetries:       3,
		BaseDelay:        time.Second,
		MaxDelay:         30 * time.Second,
		MaxRateLimitWait: time.Minute,
	}
}

// UsageSink receives every usage record appended to the ledger.
type UsageSink interface {
	SaveUsage(ctx context.Context, record UsageRecord) error
}

// GenerateOptions selects the provider and labels the request.
type GenerateOptions struct {
	// Provider overrides the default provider when set.
	Provider llm.ProviderType
	// Category labels the usage record, e.g. the material kind.
	Category string
}

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithSleeper replaces the sleep used between attempts and while waiting for a permit.
func WithSleeper(s Sleeper) Option {
	return func(m *Manager) {
		m.sleep = s
	}
}

// WithClock replaces the clock used for usage record timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(m *Manager) {
		if r != nil {
			m.metrics = r
		}
	}
}

func WithUsageSink(sink UsageSink) Option {
	return func(m *Manager) {
		m.sink = sink
	}
}

// WithLimiterOptions is applied to every limiter the manager creates.
func WithLimiterOptions(opts ...ratelimit.Option) Option {
	return func(m *Manager) {
		m.limiterOpts = append(m.limiterOpts, opts...)
	}
}

// Manager is the single entry point for generation.
type Manager struct {
	cfg         Config
	logger      *slog.Logger
	sleep       Sleeper
	now         func() time.Time
	metrics     metrics.Recorder
	sink        UsageSink
	limiterOpts []ratelimit.Option

	mu              sync.Mutex
	providers       map[llm.ProviderType]llm.Provider
	limiters        map[llm.ProviderType]*ratelimit.Limiter
	defaultProvider llm.ProviderType

	ledgerMu sync.Mutex
	ledger   []UsageRecord
}

// New creates an empty Manager.
func New(cfg Config, opts ...Option) *Manager {
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	m := &Manager{
		cfg:       cfg,
		logger:    slog.Default(),
		sleep:     SleepContext,
		now:       time.Now,
		metrics:   metrics.NoopRecorder{},
		providers: make(map[llm.ProviderType]llm.Provider),
		limiters:  make(map[llm.ProviderType]*ratelimit.Limiter),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "manager")
	return m
}

// AddProvider registers p, replacing any provider of the same type.
func (m *Manager) AddProvider(p llm.Provider) {
	t := p.Type()
	limiter := ratelimit.New(p.Limits().MaxRequestsPerMinute, m.limiterOpts...)

	m.mu.Lock()
	old, replaced := m.providers[t]
	m.providers[t] = p
	m.limiters[t] = limiter
	m.mu.Unlock()

	if replaced && old != p {
		if err := old.Close(); err != nil {
			m.logger.Warn("failed to close replaced provider", "provider", t, "error", err)
		}
	}
	m.logger.Info("registered provider", "provider", t, "replaced", replaced,
		"requests_per_minute", limiter.Capacity(), "unlimited", limiter.IsUnlimited())
}

// RemoveProvider unregisters t, clearing the default if it pointed at t.
func (m *Manager) RemoveProvider(t llm.ProviderType) bool {
	m.mu.Lock()
	p, ok := m.providers[t]
	delete(m.providers, t)
	delete(m.limiters, t)
	if m.defaultProvider == t {
		m.defaultProvider = ""
	}
	m.mu.Unlock()

	if ok {
		_ = p.Close()
	}
	return ok
}

// SetDefaultProvider selects the provider used when a request names none.
func (m *Manager) SetDefaultProvider(t llm.ProviderType) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.providers[t]; !ok {
		return llm.NewError(llm.KindConfig, t, "cannot set default: provider not registered", nil)
	}
	m.defaultProvider = t
	return nil
}

// DefaultProvider returns the default provider type, if one is set.
func (m *Manager) DefaultProvider() (llm.ProviderType, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.defaultProvider, m.defaultProvider != ""
}

// Provider returns the registered provider of type t.
func (m *Manager) Provider(t llm.ProviderType) (llm.Provider, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.providers[t]
	return p, ok
}

// ProviderTypes lists registered providers in preference order.
func (m *Manager) ProviderTypes() []llm.ProviderType {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []llm.ProviderType
	for _, t := range llm.AllProviderTypes() {
		if _, ok := m.providers[t]; ok {
			out = append(out, t)
		}
	}
	return out
}

// LimiterStatus reports requests used in the current minute and the quota for t.
func (m *Manager) LimiterStatus(t llm.ProviderType) (used, capacity int, unlimited bool, ok bool) {
	m.mu.Lock()
	limiter, ok := m.limiters[t]
	m.mu.Unlock()
	if !ok {
		return 0, 0, false, false
	}
	return limiter.RequestsInWindow(), limiter.Capacity(), limiter.IsUnlimited(), true
}

func (m *Manager) resolve(override llm.ProviderType) (llm.Provider, *ratelimit.Limiter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := override
	if t == "" {
		t = m.defaultProvider
	}
	if t == "" {
		return nil, nil, llm.NewError(llm.KindConfig, "", "no provider configured", nil)
	}
	p, ok := m.providers[t]
	if !ok {
		return nil, nil, llm.NewError(llm.KindConfig, t, "provider not registered", nil)
	}
	return p, m.limiters[t], nil
}

// Generate sends req to the selected provider, waiting for rate limiter permits
// and retrying transient failures with exponential backoff.
func (m *Manager) Generate(ctx context.Context, req llm.GenerationRequest, opts GenerateOptions) (*llm.GenerationResponse, error) {
	provider, limiter, err := m.resolve(opts.Provider)
	if err != nil {
		return nil, err
	}
	pt := provider.Type()
	logger := m.logger.With("provider", pt)

	var lastErr error
	for attempt := 1; attempt <= m.cfg.MaxRetries; attempt++ {
		if attempt > 1 {
			delay := Backoff(attempt-1, m.cfg.BaseDelay, m.cfg.MaxDelay)
			m.metrics.ObserveRetry(string(pt))
			logger.Warn("retrying generation", "attempt", attempt, "delay", delay, "error", lastErr)
			if err := m.sleep(ctx, delay); err != nil {
				return nil, fmt.Errorf("generation cancelled while backing off: %w", err)
			}
		}

		if err := m.acquire(ctx, pt, limiter); err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("generation cancelled while rate limited: %w", err)
			}
			lastErr = err
			continue
		}

		start := time.Now()
		resp, err := provider.Generate(ctx, req)
		elapsed := time.Since(start)
		if err == nil {
			resp.Provider = pt
			m.metrics.ObserveGeneration(string(pt), "success", elapsed)
			m.metrics.ObserveTokens(string(pt), resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
			m.record(ctx, pt, resp.Model, resp.Usage, opts.Category)
			logger.Debug("generation completed", "attempt", attempt, "model", resp.Model,
				"tokens", resp.Usage.TotalTokens, "latency", elapsed)
			return resp, nil
		}

		m.metrics.ObserveGeneration(string(pt), llm.KindOf(err).String(), elapsed)
		lastErr = err
		if ctx.Err() != nil || !llm.IsRetryable(err) {
			logger.Error("generation failed", "attempt", attempt, "kind", llm.KindOf(err), "error", err)
			return nil, err
		}
	}

	logger.Error("generation retries exhausted", "attempts", m.cfg.MaxRetries, "error", lastErr)
	return nil, fmt.Errorf("generation failed after %d attempts: %w", m.cfg.MaxRetries, lastErr)
}

// acquire takes one permit, sleeping for the computed refill time while the
// bucket is empty. Waiting longer than MaxRateLimitWait in total is a RateLimit error.
func (m *Manager) acquire(ctx context.Context, pt llm.ProviderType, limiter *ratelimit.Limiter) error {
	var waited time.Duration
	for !limiter.TryAcquire(1) {
		wait := limiter.TimeUntilAvailable(1)
		if wait < minPermitWait {
			wait = minPermitWait
		}
		if wait > m.cfg.MaxRateLimitWait-waited {
			return llm.NewError(llm.KindRateLimit, pt,
				fmt.Sprintf("permit not available within %s", m.cfg.MaxRateLimitWait), nil)
		}
		if err := m.sleep(ctx, wait); err != nil {
			return err
		}
		waited += wait
	}
	if waited > 0 {
		m.metrics.ObserveRateLimitWait(string(pt), waited)
		m.logger.Debug("waited for rate limiter", "provider", pt, "wait", waited)
	}
	return nil
}

// GenerateStream opens a stream on the selected provider. Streams are not
// retried. Usage is recorded once the stream finishes successfully.
func (m *Manager) GenerateStream(ctx context.Context, req llm.GenerationRequest, opts GenerateOptions) (<-chan llm.StreamChunk, error) {
	provider, limiter, err := m.resolve(opts.Provider)
	if err != nil {
		return nil, err
	}
	pt := provider.Type()

	if err := m.acquire(ctx, pt, limiter); err != nil {
		return nil, err
	}

	start := time.Now()
	in, err := provider.GenerateStream(ctx, req)
	if err != nil {
		m.metrics.ObserveGeneration(string(pt), llm.KindOf(err).String(), time.Since(start))
		return nil, err
	}

	out := make(chan llm.StreamChunk)
	go func() {
		defer close(out)
		var text strings.Builder
		for chunk := range in {
			text.WriteString(chunk.Text)
			if chunk.Done && chunk.Err == nil {
				usage := llm.NewUsage(provider.CountTokens(req.SystemPrompt)+provider.CountTokens(req.Prompt), provider.CountTokens(text.String()))
				m.metrics.ObserveGeneration(string(pt), "success", time.Since(start))
				m.metrics.ObserveTokens(string(pt), usage.PromptTokens, usage.CompletionTokens)
				model := chunk.Model
				if model == "" {
					model = req.Model
				}
				m.record(ctx, pt, model, usage, opts.Category)
			} else if chunk.Err != nil {
				m.metrics.ObserveGeneration(string(pt), llm.KindOf(chunk.Err).String(), time.Since(start))
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				// Drain so the provider goroutine can finish.
				for range in {
				}
				return
			}
		}
	}()
	return out, nil
}

func (m *Manager) record(ctx context.Context, pt llm.ProviderType, model string, usage llm.Usage, category string) {
	rec := UsageRecord{
		ID:               uuid.New(),
		Provider:         pt,
		Model:            model,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		TotalTokens:      usage.TotalTokens,
		Category:         category,
		Timestamp:        m.now(),
	}
	if cost, ok := llm.CostOf(pt, model, usage); ok {
		rec.Cost = &cost
	}

	m.ledgerMu.Lock()
	m.ledger = append(m.ledger, rec)
	m.ledgerMu.Unlock()

	if m.sink != nil {
		if err := m.sink.SaveUsage(context.WithoutCancel(ctx), rec); err != nil {
			m.logger.Warn("failed to persist usage record", "provider", pt, "error", err)
		}
	}
}

// UsageRecords returns a copy of the ledger.
func (m *Manager) UsageRecords() []UsageRecord {
	m.ledgerMu.Lock()
	defer m.ledgerMu.Unlock()
	return slices.Clone(m.ledger)
}

// CostAnalysis aggregates the ledger. It has no side effects.
func (m *Manager) CostAnalysis() CostReport {
	return AnalyzeCosts(m.UsageRecords())
}

// HealthCheckAll checks every registered provider. A provider returning an
// error is reported unhealthy.
func (m *Manager) HealthCheckAll(ctx context.Context) map[llm.ProviderType]bool {
	m.mu.Lock()
	providers := make([]llm.Provider, 0, len(m.providers))
	for _, p := range m.providers {
		providers = append(providers, p)
	}
	m.mu.Unlock()

	out := make(map[llm.ProviderType]bool, len(providers))
	for _, p := range providers {
		ok, err := p.HealthCheck(ctx)
		if err != nil {
			m.logger.Warn("provider health check failed", "provider", p.Type(), "error", err)
			ok = false
		}
		out[p.Type()] = ok
	}
	return out
}

// ProviderStats collects self-reported usage from every registered provider.
func (m *Manager) ProviderStats(window llm.UsageWindow) map[llm.ProviderType]llm.UsageStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[llm.ProviderType]llm.UsageStats, len(m.providers))
	for t, p := range m.providers {
		out[t] = p.UsageStats(window)
	}
	return out
}

// Close closes every registered provider.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []string
	for t, p := range m.providers {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", t, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("closing providers: %s", strings.Join(errs, "; "))
	}
	return nil
}

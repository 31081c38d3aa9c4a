package manager

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"curriculum-curator/internal/llm"
	"curriculum-curator/internal/ratelimit"
)

// fakeProvider fails with the scripted errors in order, then succeeds.
type fakeProvider struct {
	typ    llm.ProviderType
	limits llm.ProviderLimits
	model  string

	mu      sync.Mutex
	errs    []error
	calls   int
	closed  bool
	healthy bool
}

func newFakeProvider(t llm.ProviderType, errs ...error) *fakeProvider {
	return &fakeProvider{typ: t, errs: errs, model: "gpt-4o-mini", healthy: true, limits: llm.ProviderLimits{MaxTemperature: 2}}
}

func (f *fakeProvider) Type() llm.ProviderType { return f.typ }

func (f *fakeProvider) HealthCheck(context.Context) (bool, error) {
	if !f.healthy {
		return false, errors.New("unreachable")
	}
	return true, nil
}

func (f *fakeProvider) ListModels(context.Context) ([]llm.ModelInfo, error) { return nil, nil }

func (f *fakeProvider) GetModelInfo(context.Context, string) (*llm.ModelInfo, error) {
	return nil, nil
}

func (f *fakeProvider) Generate(_ context.Context, req llm.GenerationRequest) (*llm.GenerationResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return nil, err
	}
	return &llm.GenerationResponse{
		Text:         "ok: " + req.Prompt,
		Model:        f.model,
		Usage:        llm.NewUsage(1000, 500),
		FinishReason: llm.FinishStop,
	}, nil
}

func (f *fakeProvider) GenerateStream(_ context.Context, req llm.GenerationRequest) (<-chan llm.StreamChunk, error) {
	out := make(chan llm.StreamChunk, 3)
	out <- llm.StreamChunk{Text: "one "}
	out <- llm.StreamChunk{Text: "two"}
	out <- llm.StreamChunk{Done: true, FinishReason: llm.FinishStop, Model: f.model}
	close(out)
	return out, nil
}

func (f *fakeProvider) EstimateCost(llm.GenerationRequest) float64 { return 0 }
func (f *fakeProvider) CountTokens(text string) int                { return llm.EstimateTokens(text) }
func (f *fakeProvider) Limits() llm.ProviderLimits                 { return f.limits }

func (f *fakeProvider) UsageStats(llm.UsageWindow) llm.UsageStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return llm.UsageStats{Requests: f.calls}
}

func (f *fakeProvider) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// recordingSleeper records requested delays and advances an optional clock.
type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
	clock  *testClock
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	if s.clock != nil {
		s.clock.Advance(d)
	}
	return ctx.Err()
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testConfig() Config {
	return Config{
		MaxRetries:       4,
		BaseDelay:        100 * time.Millisecond,
		MaxDelay:         10 * time.Second,
		MaxRateLimitWait: time.Minute,
	}
}

func TestGenerateWithoutProviderIsConfigError(t *testing.T) {
	m := New(testConfig())

	_, err := m.Generate(context.Background(), llm.NewRequest("hi"), GenerateOptions{})
	require.Error(t, err)
	assert.Equal(t, llm.KindConfig, llm.KindOf(err))
	assert.Contains(t, err.Error(), "no provider configured")

	_, err = m.Generate(context.Background(), llm.NewRequest("hi"), GenerateOptions{Provider: llm.ProviderGemini})
	assert.Equal(t, llm.KindConfig, llm.KindOf(err))
}

func TestSetDefaultProviderRequiresRegistration(t *testing.T) {
	m := New(testConfig())

	err := m.SetDefaultProvider(llm.ProviderOpenAI)
	assert.Equal(t, llm.KindConfig, llm.KindOf(err))

	m.AddProvider(newFakeProvider(llm.ProviderOpenAI))
	require.NoError(t, m.SetDefaultProvider(llm.ProviderOpenAI))

	def, ok := m.DefaultProvider()
	assert.True(t, ok)
	assert.Equal(t, llm.ProviderOpenAI, def)
}

func TestAddProviderReplacesSameType(t *testing.T) {
	m := New(testConfig())
	first := newFakeProvider(llm.ProviderOllama)
	second := newFakeProvider(llm.ProviderOllama)

	m.AddProvider(first)
	m.AddProvider(second)

	assert.Equal(t, []llm.ProviderType{llm.ProviderOllama}, m.ProviderTypes())
	p, ok := m.Provider(llm.ProviderOllama)
	require.True(t, ok)
	assert.Same(t, second, p)
	assert.True(t, first.closed)
}

func TestRemoveProviderClearsDefault(t *testing.T) {
	m := New(testConfig())
	m.AddProvider(newFakeProvider(llm.ProviderOllama))
	require.NoError(t, m.SetDefaultProvider(llm.ProviderOllama))

	assert.True(t, m.RemoveProvider(llm.ProviderOllama))
	_, ok := m.DefaultProvider()
	assert.False(t, ok)
	assert.False(t, m.RemoveProvider(llm.ProviderOllama))
}

func TestGenerateAuthErrorIsNotRetried(t *testing.T) {
	sleeper := &recordingSleeper{}
	m := New(testConfig(), WithSleeper(sleeper.Sleep))
	p := newFakeProvider(llm.ProviderOpenAI, llm.NewError(llm.KindAuth, llm.ProviderOpenAI, "bad key", nil))
	m.AddProvider(p)
	require.NoError(t, m.SetDefaultProvider(llm.ProviderOpenAI))

	_, err := m.Generate(context.Background(), llm.NewRequest("hello"), GenerateOptions{})

	require.Error(t, err)
	assert.Equal(t, llm.KindAuth, llm.KindOf(err))
	assert.Equal(t, 1, p.callCount())
	assert.Empty(t, sleeper.delays)
	assert.Empty(t, m.UsageRecords())
}

func TestGeneratePermanentKindsAreNotRetried(t *testing.T) {
	for _, kind := range []llm.ErrorKind{llm.KindInvalidRequest, llm.KindContentFilter, llm.KindModelNotFound, llm.KindTokenLimit} {
		t.Run(kind.String(), func(t *testing.T) {
			sleeper := &recordingSleeper{}
			m := New(testConfig(), WithSleeper(sleeper.Sleep))
			p := newFakeProvider(llm.ProviderAnthropic, llm.NewError(kind, llm.ProviderAnthropic, "no", nil))
			m.AddProvider(p)

			_, err := m.Generate(context.Background(), llm.NewRequest("x"), GenerateOptions{Provider: llm.ProviderAnthropic})
			assert.Equal(t, kind, llm.KindOf(err))
			assert.Equal(t, 1, p.callCount())
			assert.Empty(t, sleeper.delays)
		})
	}
}

func TestGenerateNetworkErrorRetriedToExhaustion(t *testing.T) {
	sleeper := &recordingSleeper{}
	cfg := testConfig()
	m := New(cfg, WithSleeper(sleeper.Sleep))

	netErr := llm.NewError(llm.KindNetwork, llm.ProviderOllama, "connection refused", nil)
	p := newFakeProvider(llm.ProviderOllama, netErr, netErr, netErr, netErr, netErr)
	m.AddProvider(p)
	require.NoError(t, m.SetDefaultProvider(llm.ProviderOllama))

	_, err := m.Generate(context.Background(), llm.NewRequest("hello"), GenerateOptions{})

	require.Error(t, err)
	assert.Equal(t, llm.KindNetwork, llm.KindOf(err))
	assert.Equal(t, cfg.MaxRetries, p.callCount())
	require.Len(t, sleeper.delays, cfg.MaxRetries-1)
	for i := 1; i < len(sleeper.delays); i++ {
		assert.Greater(t, sleeper.delays[i], sleeper.delays[i-1], "delays must strictly increase")
	}
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}, sleeper.delays)
}

func TestGenerateTransientThenSuccessRecordsUsage(t *testing.T) {
	sleeper := &recordingSleeper{}
	now := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	sink := &memorySink{}
	m := New(testConfig(), WithSleeper(sleeper.Sleep), WithClock(func() time.Time { return now }), WithUsageSink(sink))

	p := newFakeProvider(llm.ProviderOpenAI,
		llm.NewError(llm.KindTimeout, llm.ProviderOpenAI, "slow", nil),
		llm.NewError(llm.KindProvider, llm.ProviderOpenAI, "500", nil))
	m.AddProvider(p)

	resp, err := m.Generate(context.Background(), llm.NewRequest("hello"), GenerateOptions{Provider: llm.ProviderOpenAI, Category: "quiz"})
	require.NoError(t, err)
	assert.Equal(t, "ok: hello", resp.Text)
	assert.Equal(t, 3, p.callCount())
	assert.Len(t, sleeper.delays, 2)

	records := m.UsageRecords()
	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, llm.ProviderOpenAI, rec.Provider)
	assert.Equal(t, "quiz", rec.Category)
	assert.Equal(t, 1500, rec.TotalTokens)
	assert.Equal(t, now, rec.Timestamp)
	require.NotNil(t, rec.Cost)
	assert.InDelta(t, 0.00015+0.0003, *rec.Cost, 1e-9)

	require.Len(t, sink.records, 1)
	assert.Equal(t, rec.ID, sink.records[0].ID)
}

func TestGenerateLocalProviderHasNilCost(t *testing.T) {
	m := New(testConfig())
	p := newFakeProvider(llm.ProviderOllama)
	p.model = "llama3.2"
	m.AddProvider(p)

	_, err := m.Generate(context.Background(), llm.NewRequest("hello"), GenerateOptions{Provider: llm.ProviderOllama})
	require.NoError(t, err)

	records := m.UsageRecords()
	require.Len(t, records, 1)
	assert.Nil(t, records[0].Cost)
}

func TestGenerateWaitsForRateLimiter(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)}
	sleeper := &recordingSleeper{clock: clock}
	m := New(testConfig(), WithSleeper(sleeper.Sleep), WithLimiterOptions(ratelimit.WithClock(clock.Now)))

	p := newFakeProvider(llm.ProviderGemini)
	p.limits.MaxRequestsPerMinute = 1
	m.AddProvider(p)

	opts := GenerateOptions{Provider: llm.ProviderGemini}
	_, err := m.Generate(context.Background(), llm.NewRequest("first"), opts)
	require.NoError(t, err)
	assert.Empty(t, sleeper.delays)

	_, err = m.Generate(context.Background(), llm.NewRequest("second"), opts)
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{time.Minute}, sleeper.delays)

	used, capacity, unlimited, ok := m.LimiterStatus(llm.ProviderGemini)
	assert.True(t, ok)
	assert.Equal(t, 1, used)
	assert.Equal(t, 1, capacity)
	assert.False(t, unlimited)
}

func TestGenerateRateLimitWaitExceeded(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)}
	sleeper := &recordingSleeper{clock: clock}
	cfg := testConfig()
	cfg.MaxRetries = 1
	cfg.MaxRateLimitWait = 10 * time.Second
	m := New(cfg, WithSleeper(sleeper.Sleep), WithLimiterOptions(ratelimit.WithClock(clock.Now)))

	p := newFakeProvider(llm.ProviderAnthropic)
	p.limits.MaxRequestsPerMinute = 1
	m.AddProvider(p)

	opts := GenerateOptions{Provider: llm.ProviderAnthropic}
	_, err := m.Generate(context.Background(), llm.NewRequest("first"), opts)
	require.NoError(t, err)

	_, err = m.Generate(context.Background(), llm.NewRequest("second"), opts)
	require.Error(t, err)
	assert.Equal(t, llm.KindRateLimit, llm.KindOf(err))
	assert.Equal(t, 1, p.callCount(), "provider must not be called without a permit")
}

func TestGenerateStopsOnCancelledContext(t *testing.T) {
	m := New(testConfig(), WithSleeper(SleepContext))
	netErr := llm.NewError(llm.KindNetwork, llm.ProviderOllama, "down", nil)
	p := newFakeProvider(llm.ProviderOllama, netErr, netErr, netErr, netErr)
	m.AddProvider(p)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.Generate(ctx, llm.NewRequest("x"), GenerateOptions{Provider: llm.ProviderOllama})
	require.Error(t, err)
	assert.Equal(t, 1, p.callCount())
}

func TestGenerateStreamRecordsUsage(t *testing.T) {
	m := New(testConfig())
	m.AddProvider(newFakeProvider(llm.ProviderOllama))

	stream, err := m.GenerateStream(context.Background(), llm.NewRequest("count"), GenerateOptions{Provider: llm.ProviderOllama, Category: "slides"})
	require.NoError(t, err)

	var text string
	for chunk := range stream {
		text += chunk.Text
	}
	assert.Equal(t, "one two", text)

	records := m.UsageRecords()
	require.Len(t, records, 1)
	assert.Equal(t, "slides", records[0].Category)
	assert.Equal(t, records[0].PromptTokens+records[0].CompletionTokens, records[0].TotalTokens)
}

func TestGenerateStreamPricesCloudUsageWithServedModel(t *testing.T) {
	m := New(testConfig())
	m.AddProvider(newFakeProvider(llm.ProviderOpenAI))

	stream, err := m.GenerateStream(context.Background(), llm.NewRequest("count"), GenerateOptions{Provider: llm.ProviderOpenAI})
	require.NoError(t, err)
	for range stream {
	}

	records := m.UsageRecords()
	require.Len(t, records, 1)
	assert.Equal(t, "gpt-4o-mini", records[0].Model)
	require.NotNil(t, records[0].Cost, "streamed cloud usage must be priced")
	assert.Greater(t, *records[0].Cost, 0.0)
}

func TestGenerateStreamFallsBackToRequestedModel(t *testing.T) {
	p := newFakeProvider(llm.ProviderOpenAI)
	p.model = ""
	m := New(testConfig())
	m.AddProvider(p)

	stream, err := m.GenerateStream(context.Background(), llm.NewRequest("count").WithModel("gpt-4o"), GenerateOptions{Provider: llm.ProviderOpenAI})
	require.NoError(t, err)
	for range stream {
	}

	records := m.UsageRecords()
	require.Len(t, records, 1)
	assert.Equal(t, "gpt-4o", records[0].Model)
	assert.NotNil(t, records[0].Cost)
}

func TestHealthCheckAllAndStats(t *testing.T) {
	m := New(testConfig())
	healthy := newFakeProvider(llm.ProviderOllama)
	down := newFakeProvider(llm.ProviderOpenAI)
	down.healthy = false
	m.AddProvider(healthy)
	m.AddProvider(down)

	health := m.HealthCheckAll(context.Background())
	assert.Equal(t, map[llm.ProviderType]bool{llm.ProviderOllama: true, llm.ProviderOpenAI: false}, health)

	_, err := m.Generate(context.Background(), llm.NewRequest("x"), GenerateOptions{Provider: llm.ProviderOllama})
	require.NoError(t, err)
	stats := m.ProviderStats(llm.WindowToday)
	assert.Equal(t, 1, stats[llm.ProviderOllama].Requests)
	assert.Equal(t, 0, stats[llm.ProviderOpenAI].Requests)

	require.NoError(t, m.Close())
	assert.True(t, healthy.closed)
}

func TestConcurrentGenerateAppendsEveryRecord(t *testing.T) {
	m := New(testConfig())
	m.AddProvider(newFakeProvider(llm.ProviderOllama))
	require.NoError(t, m.SetDefaultProvider(llm.ProviderOllama))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = m.Generate(context.Background(), llm.NewRequest("x"), GenerateOptions{})
		}()
	}
	wg.Wait()

	assert.Len(t, m.UsageRecords(), 50)
}

type memorySink struct {
	mu      sync.Mutex
	records []UsageRecord
}

func (s *memorySink) SaveUsage(_ context.Context, r UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
	return nil
}

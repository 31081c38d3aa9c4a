// Package factory builds ready-to-use managers from stored credentials.
package factory

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"curriculum-curator/internal/credentials"
	"curriculum-curator/internal/llm"
	"curriculum-curator/internal/manager"
)

// Profile names a provider selection policy.
type Profile string

const (
	ProfileLocal  Profile = "local"
	ProfileAll    Profile = "all"
	ProfileCloud  Profile = "cloud"
	ProfileSingle Profile = "single"
)

// Constructor builds a provider from its configuration.
type Constructor func(ctx context.Context, cfg *llm.ProviderConfig, logger *slog.Logger) (llm.Provider, error)

// DefaultConstructors returns the constructors for the built-in backends.
func DefaultConstructors() map[llm.ProviderType]Constructor {
	return map[llm.ProviderType]Constructor{
		llm.ProviderOllama: func(_ context.Context, cfg *llm.ProviderConfig, logger *slog.Logger) (llm.Provider, error) {
			return llm.NewOllamaClient(cfg, logger), nil
		},
		llm.ProviderOpenAI: func(_ context.Context, cfg *llm.ProviderConfig, logger *slog.Logger) (llm.Provider, error) {
			return llm.NewOpenAIClient(cfg, logger)
		},
		llm.ProviderAnthropic: func(_ context.Context, cfg *llm.ProviderConfig, logger *slog.Logger) (llm.Provider, error) {
			return llm.NewAnthropicClient(cfg, logger)
		},
		llm.ProviderGemini: func(ctx context.Context, cfg *llm.ProviderConfig, logger *slog.Logger) (llm.Provider, error) {
			return llm.NewGeminiClient(ctx, cfg, logger)
		},
	}
}

// Factory assembles Managers.
type Factory struct {
	store          credentials.Store
	managerConfig  manager.Config
	managerOptions []manager.Option
	defaults       llm.ProviderConfig
	constructors   map[llm.ProviderType]Constructor
	preferred      llm.ProviderType
	healthTimeout  time.Duration
	baseLogger     *slog.Logger
	logger         *slog.Logger
}

// Option configures a Factory.
type Option func(*Factory)

func WithManagerConfig(cfg manager.Config, opts ...manager.Option) Option {
	return func(f *Factory) {
		f.managerConfig = cfg
		f.managerOptions = append(f.managerOptions, opts...)
	}
}

// WithProviderDefaults sets the generation defaults applied to every provider.
func WithProviderDefaults(cfg llm.ProviderConfig) Option {
	return func(f *Factory) {
		f.defaults = cfg
	}
}

// WithConstructors overrides provider constructors by type.
func WithConstructors(c map[llm.ProviderType]Constructor) Option {
	return func(f *Factory) {
		for t, fn := range c {
			f.constructors[t] = fn
		}
	}
}

// WithPreferredDefault makes t the default provider whenever it is registered.
func WithPreferredDefault(t llm.ProviderType) Option {
	return func(f *Factory) {
		f.preferred = t
	}
}

func WithHealthTimeout(d time.Duration) Option {
	return func(f *Factory) {
		f.healthTimeout = d
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(f *Factory) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// New creates a Factory reading credentials from store.
func New(store credentials.Store, opts ...Option) *Factory {
	f := &Factory{
		store:         store,
		managerConfig: manager.DefaultConfig(),
		defaults:      *llm.DefaultProviderConfig(),
		constructors:  DefaultConstructors(),
		healthTimeout: 5 * time.Second,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.baseLogger = f.logger
	f.logger = f.logger.With("component", "factory")
	return f
}

// Build dispatches on profile. provider is only used by ProfileSingle.
func (f *Factory) Build(ctx context.Context, profile Profile, provider llm.ProviderType) (*manager.Manager, error) {
	switch profile {
	case ProfileLocal:
		return f.LocalOnly(ctx)
	case ProfileAll, "":
		return f.AllProviders(ctx)
	case ProfileCloud:
		return f.CloudOnly(ctx)
	case ProfileSingle:
		return f.SingleProvider(ctx, provider)
	default:
		return nil, llm.NewError(llm.KindConfig, "", fmt.Sprintf("unknown provider profile %q", profile), nil)
	}
}

// LocalOnly registers the local provider even when it is unreachable, so the
// manager becomes usable once the server comes online.
func (f *Factory) LocalOnly(ctx context.Context) (*manager.Manager, error) {
	m := f.newManager()
	creds, err := f.lookup(ctx, llm.ProviderOllama)
	if err != nil {
		return nil, err
	}
	if err := f.register(ctx, m, llm.ProviderOllama, creds); err != nil {
		return nil, err
	}
	if err := f.chooseDefault(m); err != nil {
		return nil, err
	}
	return m, nil
}

// AllProviders registers the local provider and every cloud provider with usable credentials.
func (f *Factory) AllProviders(ctx context.Context) (*manager.Manager, error) {
	m := f.newManager()

	for _, t := range llm.AllProviderTypes() {
		creds, err := f.lookup(ctx, t)
		if err != nil {
			f.logger.Warn("credential lookup failed, skipping provider", "provider", t, "error", err)
			continue
		}
		if !t.IsLocal() && !creds.Usable() {
			f.logger.Debug("provider not configured", "provider", t)
			continue
		}
		if err := f.register(ctx, m, t, creds); err != nil {
			f.logger.Warn("failed to create provider, skipping", "provider", t, "error", err)
		}
	}

	if len(m.ProviderTypes()) == 0 {
		return nil, llm.NewError(llm.KindConfig, "", "no providers could be created", nil)
	}
	if err := f.chooseDefault(m); err != nil {
		return nil, err
	}
	return m, nil
}

// CloudOnly registers every cloud provider with usable credentials and fails
// when there are none.
func (f *Factory) CloudOnly(ctx context.Context) (*manager.Manager, error) {
	m := f.newManager()

	for _, t := range llm.AllProviderTypes() {
		if t.IsLocal() {
			continue
		}
		creds, err := f.lookup(ctx, t)
		if err != nil {
			f.logger.Warn("credential lookup failed, skipping provider", "provider", t, "error", err)
			continue
		}
		if !creds.Usable() {
			continue
		}
		if err := f.register(ctx, m, t, creds); err != nil {
			f.logger.Warn("failed to create provider, skipping", "provider", t, "error", err)
		}
	}

	if len(m.ProviderTypes()) == 0 {
		return nil, llm.NewError(llm.KindConfig, "", "no cloud providers configured", nil)
	}
	if err := f.chooseDefault(m); err != nil {
		return nil, err
	}
	return m, nil
}

// SingleProvider registers exactly provider t.
func (f *Factory) SingleProvider(ctx context.Context, t llm.ProviderType) (*manager.Manager, error) {
	if t == "" {
		return nil, llm.NewError(llm.KindConfig, "", "single-provider profile requires a provider type", nil)
	}
	creds, err := f.lookup(ctx, t)
	if err != nil {
		return nil, err
	}
	if !t.IsLocal() && !creds.Usable() {
		return nil, llm.NewError(llm.KindConfig, t, "no usable credentials configured", nil)
	}

	m := f.newManager()
	if err := f.register(ctx, m, t, creds); err != nil {
		return nil, err
	}
	if err := m.SetDefaultProvider(t); err != nil {
		return nil, err
	}
	return m, nil
}

func (f *Factory) newManager() *manager.Manager {
	opts := append([]manager.Option{manager.WithLogger(f.baseLogger)}, f.managerOptions...)
	return manager.New(f.managerConfig, opts...)
}

func (f *Factory) lookup(ctx context.Context, t llm.ProviderType) (*credentials.Credentials, error) {
	if f.store == nil {
		return nil, nil
	}
	creds, err := f.store.Credentials(ctx, t)
	if err != nil {
		return nil, fmt.Errorf("loading %s credentials: %w", t, err)
	}
	return creds, nil
}

func (f *Factory) providerConfig(creds *credentials.Credentials) *llm.ProviderConfig {
	cfg := f.defaults
	if creds != nil {
		cfg.APIKey = creds.APIKey
		if creds.BaseURL != "" {
			cfg.BaseURL = creds.BaseURL
		}
		if creds.Model != "" {
			cfg.DefaultModel = creds.Model
		}
		if creds.RequestsPerMinute > 0 {
			cfg.RequestsPerMinute = creds.RequestsPerMinute
		}
		if creds.Timeout > 0 {
			cfg.Timeout = creds.Timeout
		}
	}
	return &cfg
}

// register builds, health-checks and adds one provider. A failed health check
// only logs a warning.
func (f *Factory) register(ctx context.Context, m *manager.Manager, t llm.ProviderType, creds *credentials.Credentials) error {
	construct, ok := f.constructors[t]
	if !ok {
		return llm.NewError(llm.KindConfig, t, "no constructor registered", nil)
	}
	p, err := construct(ctx, f.providerConfig(creds), f.baseLogger)
	if err != nil {
		return err
	}

	hctx, cancel := context.WithTimeout(ctx, f.healthTimeout)
	healthy, err := p.HealthCheck(hctx)
	cancel()
	switch {
	case err != nil:
		f.logger.Warn("provider health check failed; registering anyway", "provider", t, "error", err)
	case !healthy:
		f.logger.Warn("provider reported unhealthy; registering anyway", "provider", t)
	default:
		f.logger.Info("provider healthy", "provider", t)
	}

	m.AddProvider(p)
	return nil
}

// chooseDefault applies the preferred provider if registered, else the first
// registered in preference order.
func (f *Factory) chooseDefault(m *manager.Manager) error {
	registered := m.ProviderTypes()
	if len(registered) == 0 {
		return llm.NewError(llm.KindConfig, "", "no provider configured", nil)
	}
	if f.preferred != "" {
		if _, ok := m.Provider(f.preferred); ok {
			return m.SetDefaultProvider(f.preferred)
		}
		f.logger.Warn("preferred default provider not registered", "provider", f.preferred, "using", registered[0])
	}
	return m.SetDefaultProvider(registered[0])
}

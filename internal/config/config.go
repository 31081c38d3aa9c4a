// Package config loads the curator configuration from YAML, environment
// variables and built-in defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"curriculum-curator/internal/batch"
	"curriculum-curator/internal/credentials"
	"curriculum-curator/internal/factory"
	"curriculum-curator/internal/llm"
	"curriculum-curator/internal/manager"
)

// EnvPrefix prefixes every environment override, e.g. CURATOR_RETRY_MAX_RETRIES.
const EnvPrefix = "CURATOR"

// Config stores the application configuration.
type Config struct {
	DatabasePath string           `mapstructure:"database_path" validate:"required"`
	LogLevel     string           `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	LogFormat    string           `mapstructure:"log_format" validate:"oneof=text json"`
	Providers    ProvidersConfig  `mapstructure:"providers"`
	Retry        RetryConfig      `mapstructure:"retry"`
	Generation   GenerationConfig `mapstructure:"generation"`
	Batch        batch.Options    `mapstructure:"batch"`
	Daemon       DaemonConfig     `mapstructure:"daemon"`
}

// ProvidersConfig selects and configures the LLM backends.
type ProvidersConfig struct {
	Profile   string         `mapstructure:"profile" validate:"oneof=local all cloud single"`
	Default   string         `mapstructure:"default" validate:"omitempty,oneof=ollama openai anthropic gemini"`
	Ollama    ProviderConfig `mapstructure:"ollama"`
	OpenAI    ProviderConfig `mapstructure:"openai"`
	Anthropic ProviderConfig `mapstructure:"anthropic"`
	Gemini    ProviderConfig `mapstructure:"gemini"`
}

// ProviderConfig stores the connection settings of one provider.
type ProviderConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	APIKey            string        `mapstructure:"api_key"`
	BaseURL           string        `mapstructure:"base_url" validate:"omitempty,url"`
	Model             string        `mapstructure:"model"`
	Timeout           time.Duration `mapstructure:"timeout" validate:"min=0"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute" validate:"min=0"`
}

// RetryConfig stores the manager retry and throttling policy.
type RetryConfig struct {
	MaxRetries       int           `mapstructure:"max_retries" validate:"min=1,max=10"`
	BaseDelay        time.Duration `mapstructure:"base_delay" validate:"min=0"`
	MaxDelay         time.Duration `mapstructure:"max_delay" validate:"min=0"`
	MaxRateLimitWait time.Duration `mapstructure:"max_rate_limit_wait" validate:"min=0"`
}

// GenerationConfig stores sampling defaults.
type GenerationConfig struct {
	Temperature float64 `mapstructure:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens" validate:"min=1"`
}

// DaemonConfig stores settings for the long-running mode.
type DaemonConfig struct {
	InboxDir       string `mapstructure:"inbox_dir"`
	OutputDir      string `mapstructure:"output_dir"`
	Schedule       string `mapstructure:"schedule"`
	ScheduleBatch  string `mapstructure:"schedule_batch" validate:"required_with=Schedule"`
	ListenAddr     string `mapstructure:"listen_addr"`
	ProgressBuffer int    `mapstructure:"progress_buffer" validate:"min=1"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// LoadConfig loads the configuration from path. An empty path searches for
// curator.yaml in the working directory and the user config directory; a
// missing file is not an error in that case.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("curator")
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(dir + "/curriculum-curator")
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("reading config: %w", err)
			}
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	applyEnvOverrides(&c)

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &c, nil
}

// applyEnvOverrides applies the conventional vendor variables, which win over
// the config file.
func applyEnvOverrides(c *Config) {
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		c.Providers.OpenAI.APIKey = key
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		c.Providers.Anthropic.APIKey = key
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.Providers.Gemini.APIKey = key
	}
	if host := os.Getenv("OLLAMA_HOST"); host != "" {
		if !strings.Contains(host, "://") {
			host = "http://" + host
		}
		c.Providers.Ollama.BaseURL = host
	}
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper) {
	v.SetDefault("database_path", "curator.db")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")

	v.SetDefault("providers.profile", string(factory.ProfileAll))
	v.SetDefault("providers.default", "")
	for _, p := range llm.AllProviderTypes() {
		prefix := "providers." + string(p) + "."
		v.SetDefault(prefix+"enabled", true)
		v.SetDefault(prefix+"api_key", "")
		v.SetDefault(prefix+"base_url", "")
		v.SetDefault(prefix+"model", "")
		v.SetDefault(prefix+"timeout", "60s")
		v.SetDefault(prefix+"requests_per_minute", 0)
	}
	v.SetDefault("providers.ollama.timeout", "120s")

	retry := manager.DefaultConfig()
	v.SetDefault("retry.max_retries", retry.MaxRetries)
	v.SetDefault("retry.base_delay", retry.BaseDelay.String())
	v.SetDefault("retry.max_delay", retry.MaxDelay.String())
	v.SetDefault("retry.max_rate_limit_wait", retry.MaxRateLimitWait.String())

	gen := llm.DefaultProviderConfig()
	v.SetDefault("generation.temperature", *gen.DefaultTemperature)
	v.SetDefault("generation.max_tokens", gen.DefaultMaxTokens)

	opts := batch.DefaultOptions()
	v.SetDefault("batch.parallel", opts.Parallel)
	v.SetDefault("batch.max_concurrent", opts.MaxConcurrent)
	v.SetDefault("batch.continue_on_error", opts.ContinueOnError)
	v.SetDefault("batch.retry_failed_items", opts.RetryFailedItems)
	v.SetDefault("batch.max_retries", opts.MaxRetries)

	v.SetDefault("daemon.inbox_dir", "inbox")
	v.SetDefault("daemon.output_dir", "output")
	v.SetDefault("daemon.schedule", "")
	v.SetDefault("daemon.schedule_batch", "")
	v.SetDefault("daemon.listen_addr", "127.0.0.1:8089")
	v.SetDefault("daemon.progress_buffer", batch.DefaultProgressBuffer)
}

// Validate checks struct constraints and the cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}

	if c.Generation.Temperature < 0 || c.Generation.Temperature > 2 {
		return fmt.Errorf("generation.temperature must be between 0 and 2, got %f", c.Generation.Temperature)
	}
	if c.Retry.MaxDelay > 0 && c.Retry.BaseDelay > c.Retry.MaxDelay {
		return fmt.Errorf("retry.base_delay (%s) exceeds retry.max_delay (%s)", c.Retry.BaseDelay, c.Retry.MaxDelay)
	}
	if factory.Profile(c.Providers.Profile) == factory.ProfileSingle && c.Providers.Default == "" {
		return errors.New("providers.default is required for the single profile")
	}
	if err := c.Batch.Validate(); err != nil {
		return err
	}
	return nil
}

// Provider returns the settings for provider t.
func (c *Config) Provider(t llm.ProviderType) ProviderConfig {
	switch t {
	case llm.ProviderOllama:
		return c.Providers.Ollama
	case llm.ProviderOpenAI:
		return c.Providers.OpenAI
	case llm.ProviderAnthropic:
		return c.Providers.Anthropic
	case llm.ProviderGemini:
		return c.Providers.Gemini
	default:
		return ProviderConfig{}
	}
}

// Credentials exposes the provider settings as a credential store.
func (c *Config) Credentials() credentials.Static {
	out := make(credentials.Static, 4)
	for _, t := range llm.AllProviderTypes() {
		p := c.Provider(t)
		out[t] = credentials.Credentials{
			Provider:          t,
			APIKey:            p.APIKey,
			BaseURL:           p.BaseURL,
			Model:             p.Model,
			Enabled:           p.Enabled,
			RequestsPerMinute: p.RequestsPerMinute,
			Timeout:           p.Timeout,
		}
	}
	return out
}

// ManagerConfig returns the retry policy for the provider manager.
func (c *Config) ManagerConfig() manager.Config {
	return manager.Config{
		MaxRetries:       c.Retry.MaxRetries,
		BaseDelay:        c.Retry.BaseDelay,
		MaxDelay:         c.Retry.MaxDelay,
		MaxRateLimitWait: c.Retry.MaxRateLimitWait,
	}
}

// ProviderDefaults returns the generation defaults shared by all providers.
func (c *Config) ProviderDefaults() llm.ProviderConfig {
	d := *llm.DefaultProviderConfig()
	temperature := c.Generation.Temperature
	d.DefaultTemperature = &temperature
	d.DefaultMaxTokens = c.Generation.MaxTokens
	return d
}

// Profile returns the provider profile and, for the single profile, its provider.
func (c *Config) Profile() (factory.Profile, llm.ProviderType) {
	return factory.Profile(c.Providers.Profile), llm.ProviderType(c.Providers.Default)
}

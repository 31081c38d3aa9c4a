package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"curriculum-curator/internal/config"
	"curriculum-curator/internal/credentials"
	"curriculum-curator/internal/factory"
	"curriculum-curator/internal/llm"
	"curriculum-curator/internal/logging"
	"curriculum-curator/internal/manager"
	"curriculum-curator/internal/storage"
)

// Globals are the flags shared by every command.
type Globals struct {
	Config    string `help:"Path to the configuration file." short:"c" type:"path"`
	EnvFile   string `help:"Optional .env file loaded before the configuration." default:".env" type:"path"`
	LogLevel  string `help:"Override the configured log level (debug, info, warn, error)."`
	LogFormat string `help:"Override the configured log format (text, json)."`
}

// CLI is the command tree.
type CLI struct {
	Globals

	Generate    GenerateCmd    `cmd:"" help:"Generate course materials for one topic."`
	Batch       BatchCmd       `cmd:"" help:"Run a YAML batch file."`
	Daemon      DaemonCmd      `cmd:"" help:"Watch the inbox, run scheduled batches and serve progress and metrics."`
	Usage       UsageCmd       `cmd:"" help:"Show token usage and cost analysis from the ledger."`
	Providers   ProvidersCmd   `cmd:"" help:"Check provider health and list models."`
	Credentials CredentialsCmd `cmd:"" help:"Manage stored provider credentials."`
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("curriculum-curator"),
		kong.Description("Generate course materials with local and cloud LLM providers."),
		kong.UsageOnError(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	kctx.BindTo(ctx, (*context.Context)(nil))
	err := kctx.Run(&cli.Globals)
	kctx.FatalIfErrorf(err)
}

// app holds what every command needs after configuration is loaded.
type app struct {
	cfg    *config.Config
	db     *storage.DB
	logger *slog.Logger
}

// open loads .env, configuration and logging, then opens the database.
func (g *Globals) open() (*app, error) {
	if err := godotenv.Load(g.EnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading %s: %w", g.EnvFile, err)
	}

	cfg, err := config.LoadConfig(g.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	level, format := cfg.LogLevel, cfg.LogFormat
	if g.LogLevel != "" {
		level = g.LogLevel
	}
	if g.LogFormat != "" {
		format = g.LogFormat
	}
	logger := logging.Setup(os.Stderr, level, format)

	db, err := storage.NewDB(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return &app{cfg: cfg, db: db, logger: logger}, nil
}

func (a *app) Close() {
	if err := a.db.Close(); err != nil {
		a.logger.Warn("closing database", "error", err)
	}
}

// credentialStore prefers credentials saved with "credentials set" over the config file.
func (a *app) credentialStore() credentials.Store {
	return credentials.Chain{a.db, a.cfg.Credentials()}
}

// ProviderSelection picks a profile and provider, letting flags override the config.
type ProviderSelection struct {
	Profile  string `help:"Provider profile: local, all, cloud or single."`
	Provider string `help:"Provider to use (ollama, openai, anthropic, gemini). Implies the single profile when no profile is set." short:"p"`
}

// newManager builds a Manager for the selection. Every completed request is
// persisted to the usage ledger.
func (a *app) newManager(ctx context.Context, sel ProviderSelection, opts ...manager.Option) (*manager.Manager, error) {
	profile, def := a.cfg.Profile()
	if sel.Provider != "" {
		t, err := llm.ParseProviderType(sel.Provider)
		if err != nil {
			return nil, err
		}
		def = t
		if sel.Profile == "" {
			profile = factory.ProfileSingle
		}
	}
	if sel.Profile != "" {
		profile = factory.Profile(sel.Profile)
	}

	mopts := append([]manager.Option{manager.WithUsageSink(a.db)}, opts...)
	f := factory.New(a.credentialStore(),
		factory.WithManagerConfig(a.cfg.ManagerConfig(), mopts...),
		factory.WithProviderDefaults(a.cfg.ProviderDefaults()),
		factory.WithPreferredDefault(def),
		factory.WithLogger(a.logger),
	)
	return f.Build(ctx, profile, def)
}

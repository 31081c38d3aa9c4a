package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"curriculum-curator/internal/credentials"
	"curriculum-curator/internal/llm"
)

// CredentialsCmd manages the credentials stored in the database.
type CredentialsCmd struct {
	Set  CredentialsSetCmd  `cmd:"" help:"Store or update credentials for a provider."`
	List CredentialsListCmd `cmd:"" help:"List stored credentials with keys masked."`
	Rm   CredentialsRmCmd   `cmd:"" help:"Delete stored credentials for a provider."`
}

type CredentialsSetCmd struct {
	Provider string        `arg:"" help:"Provider (ollama, openai, anthropic, gemini)."`
	APIKey   string        `name:"api-key" env:"CURATOR_API_KEY" help:"API key. Read from CURATOR_API_KEY when not given."`
	BaseURL  string        `name:"base-url" help:"Override the API base URL."`
	Model    string        `help:"Default model."`
	RPM      int           `name:"rpm" help:"Requests per minute; 0 keeps the provider default."`
	Timeout  time.Duration `help:"Request timeout; 0 keeps the provider default."`
	Disable  bool          `help:"Store the entry disabled."`
}

func (c *CredentialsSetCmd) Run(ctx context.Context, g *Globals) error {
	t, err := llm.ParseProviderType(c.Provider)
	if err != nil {
		return err
	}
	if !t.IsLocal() && c.APIKey == "" && !c.Disable {
		return fmt.Errorf("%s requires an API key", t)
	}

	a, err := g.open()
	if err != nil {
		return err
	}
	defer a.Close()

	creds := credentials.Credentials{
		Provider:          t,
		APIKey:            c.APIKey,
		BaseURL:           c.BaseURL,
		Model:             c.Model,
		Enabled:           !c.Disable,
		RequestsPerMinute: c.RPM,
		Timeout:           c.Timeout,
	}
	if err := a.db.SaveCredentials(ctx, creds); err != nil {
		return fmt.Errorf("saving credentials: %w", err)
	}
	fmt.Printf("saved %s credentials (%s)\n", t, credentials.Mask(c.APIKey))
	return nil
}

type CredentialsListCmd struct{}

func (c *CredentialsListCmd) Run(ctx context.Context, g *Globals) error {
	a, err := g.open()
	if err != nil {
		return err
	}
	defer a.Close()

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PROVIDER\tSOURCE\tENABLED\tAPI KEY\tMODEL\tBASE URL")
	sources := []struct {
		name  string
		store credentials.Store
	}{
		{"database", a.db},
		{"config", a.cfg.Credentials()},
	}
	for _, t := range llm.AllProviderTypes() {
		for _, src := range sources {
			creds, err := src.store.Credentials(ctx, t)
			if err != nil {
				return err
			}
			if creds == nil {
				continue
			}
			fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%s\t%s\n", t, src.name, creds.Enabled,
				credentials.Mask(creds.APIKey), creds.Model, creds.BaseURL)
			break
		}
	}
	return tw.Flush()
}

type CredentialsRmCmd struct {
	Provider string `arg:"" help:"Provider whose stored credentials are removed."`
}

func (c *CredentialsRmCmd) Run(ctx context.Context, g *Globals) error {
	t, err := llm.ParseProviderType(c.Provider)
	if err != nil {
		return err
	}
	a, err := g.open()
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.db.DeleteCredentials(ctx, t); err != nil {
		return fmt.Errorf("deleting credentials: %w", err)
	}
	fmt.Printf("removed stored %s credentials\n", t)
	return nil
}

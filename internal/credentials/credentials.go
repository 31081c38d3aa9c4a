// Package credentials supplies per-provider connection settings to the factory.
package credentials

import (
	"context"
	"errors"
	"strings"
	"time"

	"curriculum-curator/internal/llm"
)

// Credentials are the stored settings for one provider.
type Credentials struct {
	Provider          llm.ProviderType `db:"provider"`
	APIKey            string           `db:"api_key"`
	BaseURL           string           `db:"base_url"`
	Model             string           `db:"model"`
	Enabled           bool             `db:"enabled"`
	RequestsPerMinute int              `db:"requests_per_minute"`
	Timeout           time.Duration    `db:"-"`
}

// Usable reports whether the entry can be used to build a provider: it must be
// enabled, and cloud providers need an API key.
func (c *Credentials) Usable() bool {
	if c == nil || !c.Enabled {
		return false
	}
	return c.Provider.IsLocal() || strings.TrimSpace(c.APIKey) != ""
}

// Store looks up credentials. A missing entry is (nil, nil), never an error.
type Store interface {
	Credentials(ctx context.Context, provider llm.ProviderType) (*Credentials, error)
}

// Static is an in-memory store, typically built from the config file.
type Static map[llm.ProviderType]Credentials

func (s Static) Credentials(_ context.Context, provider llm.ProviderType) (*Credentials, error) {
	c, ok := s[provider]
	if !ok {
		return nil, nil
	}
	c.Provider = provider
	return &c, nil
}

// Chain consults stores in order and returns the first usable entry, falling
// back to the first entry found at all.
type Chain []Store

func (c Chain) Credentials(ctx context.Context, provider llm.ProviderType) (*Credentials, error) {
	var (
		first *Credentials
		errs  []error
	)
	for _, store := range c {
		if store == nil {
			continue
		}
		creds, err := store.Credentials(ctx, provider)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if creds.Usable() {
			return creds, nil
		}
		if first == nil && creds != nil {
			first = creds
		}
	}
	if first != nil {
		return first, nil
	}
	return nil, errors.Join(errs...)
}

// Mask keeps the first three and last four characters of a secret and
// replaces the middle with a fixed run of asterisks. Secrets of eight
// characters or fewer are hidden entirely.
func Mask(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return strings.Repeat("*", len(secret))
	}
	return secret[:3] + strings.Repeat("*", 8) + secret[len(secret)-4:]
}

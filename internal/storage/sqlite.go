// Package storage persists generated materials, the usage ledger and provider
// credentials in SQLite.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"curriculum-curator/internal/content"
	"curriculum-curator/internal/credentials"
	"curriculum-curator/internal/llm"
	"curriculum-curator/internal/manager"
)

// DB is a wrapper around sqlx.DB for SQLite operations.
type DB struct {
	*sqlx.DB
}

// NewDB opens the database and creates the schema if needed.
func NewDB(dataSourceName string) (*DB, error) {
	db, err := sqlx.Connect("sqlite", dataSourceName)
	if err != nil {
		return nil, err
	}
	// SQLite allows one writer; parallel batches share this handle.
	db.SetMaxOpenConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	return &DB{db}, nil
}

// createSchema creates the database schema if it doesn't exist.
func createSchema(db *sqlx.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS generated_content (
		id TEXT PRIMARY KEY,
		batch_name TEXT NOT NULL DEFAULT '',
		item_id TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL,
		title TEXT NOT NULL,
		content TEXT NOT NULL,
		word_count INTEGER NOT NULL,
		estimated_duration TEXT NOT NULL DEFAULT '',
		difficulty TEXT NOT NULL,
		provider TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		tokens_used INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_content_batch ON generated_content(batch_name, item_id);

	CREATE TABLE IF NOT EXISTS usage_records (
		id TEXT PRIMARY KEY,
		provider TEXT NOT NULL,
		model TEXT NOT NULL DEFAULT '',
		prompt_tokens INTEGER NOT NULL,
		completion_tokens INTEGER NOT NULL,
		total_tokens INTEGER NOT NULL,
		cost REAL,
		category TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_usage_created ON usage_records(created_at);

	CREATE TABLE IF NOT EXISTS provider_credentials (
		provider TEXT PRIMARY KEY,
		api_key TEXT NOT NULL DEFAULT '',
		base_url TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		enabled BOOLEAN NOT NULL DEFAULT 1,
		requests_per_minute INTEGER NOT NULL DEFAULT 0,
		timeout_ms INTEGER NOT NULL DEFAULT 0,
		updated_at DATETIME NOT NULL
	);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	return nil
}

// contentRow is the flattened form of content.GeneratedContent.
type contentRow struct {
	ID                string    `db:"id"`
	BatchName         string    `db:"batch_name"`
	ItemID            string    `db:"item_id"`
	Kind              string    `db:"kind"`
	Title             string    `db:"title"`
	Content           string    `db:"content"`
	WordCount         int       `db:"word_count"`
	EstimatedDuration string    `db:"estimated_duration"`
	Difficulty        string    `db:"difficulty"`
	Provider          string    `db:"provider"`
	Model             string    `db:"model"`
	TokensUsed        int       `db:"tokens_used"`
	CreatedAt         time.Time `db:"created_at"`
}

// StoredContent is a generated material together with the batch item it belongs to.
type StoredContent struct {
	BatchName string
	ItemID    string
	content.GeneratedContent
}

// SaveContent stores one generated material. batchName and itemID may be empty
// for materials generated outside a batch.
func (db *DB) SaveContent(ctx context.Context, batchName, itemID string, c content.GeneratedContent) error {
	row := contentRow{
		ID:                c.ID.String(),
		BatchName:         batchName,
		ItemID:            itemID,
		Kind:              string(c.Kind),
		Title:             c.Title,
		Content:           c.Content,
		WordCount:         c.Metadata.WordCount,
		EstimatedDuration: c.Metadata.EstimatedDuration,
		Difficulty:        string(c.Metadata.Difficulty),
		Provider:          c.Metadata.Provider,
		Model:             c.Metadata.Model,
		TokensUsed:        c.Metadata.TokensUsed,
		CreatedAt:         c.CreatedAt.UTC(),
	}
	query := `
	INSERT OR REPLACE INTO generated_content
		(id, batch_name, item_id, kind, title, content, word_count, estimated_duration,
		 difficulty, provider, model, tokens_used, created_at)
	VALUES
		(:id, :batch_name, :item_id, :kind, :title, :content, :word_count, :estimated_duration,
		 :difficulty, :provider, :model, :tokens_used, :created_at)
	`
	_, err := db.DB.NamedExecContext(ctx, query, row)
	return err
}

// ContentForBatch returns the materials stored for a batch, oldest first.
func (db *DB) ContentForBatch(ctx context.Context, batchName string) ([]StoredContent, error) {
	var rows []contentRow
	query := `
	SELECT * FROM generated_content
	WHERE batch_name = ?
	ORDER BY created_at, item_id
	`
	if err := db.DB.SelectContext(ctx, &rows, query, batchName); err != nil {
		return nil, err
	}

	out := make([]StoredContent, 0, len(rows))
	for _, r := range rows {
		id, err := uuid.Parse(r.ID)
		if err != nil {
			return nil, fmt.Errorf("content %q: %w", r.ID, err)
		}
		out = append(out, StoredContent{
			BatchName: r.BatchName,
			ItemID:    r.ItemID,
			GeneratedContent: content.GeneratedContent{
				ID:      id,
				Kind:    content.MaterialKind(r.Kind),
				Title:   r.Title,
				Content: r.Content,
				Metadata: content.Metadata{
					WordCount:         r.WordCount,
					EstimatedDuration: r.EstimatedDuration,
					Difficulty:        content.Difficulty(r.Difficulty),
					Provider:          r.Provider,
					Model:             r.Model,
					TokensUsed:        r.TokensUsed,
				},
				CreatedAt: r.CreatedAt,
			},
		})
	}
	return out, nil
}

// SaveUsage appends a usage record. Records are keyed by ID, so redelivery is harmless.
func (db *DB) SaveUsage(ctx context.Context, r manager.UsageRecord) error {
	r.Timestamp = r.Timestamp.UTC()
	query := `
	INSERT OR IGNORE INTO usage_records
		(id, provider, model, prompt_tokens, completion_tokens, total_tokens, cost, category, created_at)
	VALUES
		(:id, :provider, :model, :prompt_tokens, :completion_tokens, :total_tokens, :cost, :category, :created_at)
	`
	_, err := db.DB.NamedExecContext(ctx, query, r)
	return err
}

// UsageSince returns the usage records created at or after since, oldest first.
func (db *DB) UsageSince(ctx context.Context, since time.Time) ([]manager.UsageRecord, error) {
	var records []manager.UsageRecord
	query := `
	SELECT id, provider, model, prompt_tokens, completion_tokens, total_tokens, cost, category, created_at
	FROM usage_records
	WHERE created_at >= ?
	ORDER BY created_at
	`
	if err := db.DB.SelectContext(ctx, &records, query, since.UTC()); err != nil {
		return nil, err
	}
	return records, nil
}

// DeleteUsageBefore removes ledger entries older than before and returns how many were removed.
func (db *DB) DeleteUsageBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := db.DB.ExecContext(ctx, `DELETE FROM usage_records WHERE created_at < ?`, before.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type credentialRow struct {
	Provider          string    `db:"provider"`
	APIKey            string    `db:"api_key"`
	BaseURL           string    `db:"base_url"`
	Model             string    `db:"model"`
	Enabled           bool      `db:"enabled"`
	RequestsPerMinute int       `db:"requests_per_minute"`
	TimeoutMS         int64     `db:"timeout_ms"`
	UpdatedAt         time.Time `db:"updated_at"`
}

// Credentials implements credentials.Store. A provider without a row is (nil, nil).
func (db *DB) Credentials(ctx context.Context, provider llm.ProviderType) (*credentials.Credentials, error) {
	var row credentialRow
	err := db.DB.GetContext(ctx, &row, `SELECT * FROM provider_credentials WHERE provider = ?`, string(provider))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &credentials.Credentials{
		Provider:          llm.ProviderType(row.Provider),
		APIKey:            row.APIKey,
		BaseURL:           row.BaseURL,
		Model:             row.Model,
		Enabled:           row.Enabled,
		RequestsPerMinute: row.RequestsPerMinute,
		Timeout:           time.Duration(row.TimeoutMS) * time.Millisecond,
	}, nil
}

// SaveCredentials inserts or replaces the entry for c.Provider.
func (db *DB) SaveCredentials(ctx context.Context, c credentials.Credentials) error {
	if c.Provider == "" {
		return errors.New("credentials have no provider")
	}
	row := credentialRow{
		Provider:          string(c.Provider),
		APIKey:            c.APIKey,
		BaseURL:           c.BaseURL,
		Model:             c.Model,
		Enabled:           c.Enabled,
		RequestsPerMinute: c.RequestsPerMinute,
		TimeoutMS:         c.Timeout.Milliseconds(),
		UpdatedAt:         time.Now().UTC(),
	}
	query := `
	INSERT INTO provider_credentials
		(provider, api_key, base_url, model, enabled, requests_per_minute, timeout_ms, updated_at)
	VALUES
		(:provider, :api_key, :base_url, :model, :enabled, :requests_per_minute, :timeout_ms, :updated_at)
	ON CONFLICT(provider) DO UPDATE SET
		api_key = excluded.api_key,
		base_url = excluded.base_url,
		model = excluded.model,
		enabled = excluded.enabled,
		requests_per_minute = excluded.requests_per_minute,
		timeout_ms = excluded.timeout_ms,
		updated_at = excluded.updated_at
	`
	_, err := db.DB.NamedExecContext(ctx, query, row)
	return err
}

// DeleteCredentials removes the entry for provider.
func (db *DB) DeleteCredentials(ctx context.Context, provider llm.ProviderType) error {
	_, err := db.DB.ExecContext(ctx, `DELETE FROM provider_credentials WHERE provider = ?`, string(provider))
	return err
}

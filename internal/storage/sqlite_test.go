package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"curriculum-curator/internal/content"
	"curriculum-curator/internal/credentials"
	"curriculum-curator/internal/llm"
	"curriculum-curator/internal/manager"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "curator.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestNewDBIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "curator.db")
	db, err := NewDB(path)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = NewDB(path)
	require.NoError(t, err)
	require.NoError(t, db.Close())
}

func TestSaveAndListContent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	created := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	quiz := content.GeneratedContent{
		ID:      uuid.New(),
		Kind:    content.KindQuiz,
		Title:   "Recursion Quiz",
		Content: "# Recursion Quiz\n\n1. What is a base case?",
		Metadata: content.Metadata{
			WordCount:         9,
			EstimatedDuration: "50 minutes",
			Difficulty:        content.Beginner,
			Provider:          "ollama",
			Model:             "llama3.2",
			TokensUsed:        100,
		},
		CreatedAt: created,
	}
	require.NoError(t, db.SaveContent(ctx, "week3", "recursion", quiz))
	require.NoError(t, db.SaveContent(ctx, "week4", "sorting", content.GeneratedContent{
		ID: uuid.New(), Kind: content.KindSlides, Title: "Sorting", Content: "x", CreatedAt: created,
	}))

	got, err := db.ContentForBatch(ctx, "week3")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "recursion", got[0].ItemID)
	assert.Equal(t, quiz.ID, got[0].ID)
	assert.Equal(t, quiz.Metadata, got[0].Metadata)
	assert.True(t, created.Equal(got[0].CreatedAt))
}

func cost(v float64) *float64 { return &v }

func TestUsageLedger(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	records := []manager.UsageRecord{
		{ID: uuid.New(), Provider: llm.ProviderOpenAI, Model: "gpt-4o-mini", PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150, Cost: cost(0.0012), Category: "quiz", Timestamp: now.Add(-48 * time.Hour)},
		{ID: uuid.New(), Provider: llm.ProviderOllama, Model: "llama3.2", PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30, Category: "slides", Timestamp: now.Add(-time.Hour)},
		{ID: uuid.New(), Provider: llm.ProviderGemini, Model: "gemini-1.5-flash", PromptTokens: 5, CompletionTokens: 5, TotalTokens: 10, Cost: cost(0.00001), Timestamp: now},
	}
	for _, r := range records {
		require.NoError(t, db.SaveUsage(ctx, r))
	}
	require.NoError(t, db.SaveUsage(ctx, records[0]), "duplicate delivery is ignored")

	recent, err := db.UsageSince(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, llm.ProviderOllama, recent[0].Provider)
	assert.Nil(t, recent[0].Cost)
	assert.Equal(t, records[1].ID, recent[0].ID)
	require.NotNil(t, recent[1].Cost)
	assert.InDelta(t, 0.00001, *recent[1].Cost, 1e-12)

	all, err := db.UsageSince(ctx, time.Time{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	report := manager.AnalyzeCosts(all)
	assert.Equal(t, 3, report.TotalRequests)
	assert.Equal(t, 190, report.TotalTokens)

	removed, err := db.DeleteUsageBefore(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
}

func TestCredentialsStore(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	var store credentials.Store = db
	missing, err := store.Credentials(ctx, llm.ProviderOpenAI)
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, db.SaveCredentials(ctx, credentials.Credentials{
		Provider:          llm.ProviderOpenAI,
		APIKey:            "sk-test-1234567890",
		Model:             "gpt-4o-mini",
		Enabled:           true,
		RequestsPerMinute: 100,
		Timeout:           90 * time.Second,
	}))
	require.NoError(t, db.SaveCredentials(ctx, credentials.Credentials{
		Provider: llm.ProviderOpenAI,
		APIKey:   "sk-rotated-0987654321",
		Model:    "gpt-4o",
		Enabled:  true,
		Timeout:  30 * time.Second,
	}))

	got, err := store.Credentials(ctx, llm.ProviderOpenAI)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "sk-rotated-0987654321", got.APIKey)
	assert.Equal(t, "gpt-4o", got.Model)
	assert.Equal(t, 30*time.Second, got.Timeout)
	assert.True(t, got.Usable())

	require.NoError(t, db.DeleteCredentials(ctx, llm.ProviderOpenAI))
	got, err = store.Credentials(ctx, llm.ProviderOpenAI)
	require.NoError(t, err)
	assert.Nil(t, got)

	assert.Error(t, db.SaveCredentials(ctx, credentials.Credentials{}))
}

func TestUsageSinkWiring(t *testing.T) {
	db := newTestDB(t)
	var sink manager.UsageSink = db
	require.NoError(t, sink.SaveUsage(context.Background(), manager.UsageRecord{
		ID: uuid.New(), Provider: llm.ProviderAnthropic, PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2, Timestamp: time.Now(),
	}))

	var n int
	require.NoError(t, db.Get(&n, `SELECT COUNT(*) FROM usage_records`))
	assert.Equal(t, 1, n)
}

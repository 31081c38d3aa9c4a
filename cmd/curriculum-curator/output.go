package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"curriculum-curator/internal/batch"
	"curriculum-curator/internal/content"
	"curriculum-curator/internal/storage"
)

var unsafePathChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// slug turns s into a safe single path element.
func slug(s string) string {
	s = strings.Trim(unsafePathChars.ReplaceAllString(strings.TrimSpace(s), "-"), "-.")
	if s == "" {
		return "untitled"
	}
	return strings.ToLower(s)
}

// writeMaterials writes each material to dir/<kind>.md and records it in the database.
func writeMaterials(ctx context.Context, db *storage.DB, dir, batchName, itemID string, items []content.GeneratedContent) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	for _, c := range items {
		path := filepath.Join(dir, string(c.Kind)+".md")
		if err := os.WriteFile(path, []byte(c.Content+"\n"), 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", path, err)
		}
		if err := db.SaveContent(ctx, batchName, itemID, c); err != nil {
			return fmt.Errorf("saving %s: %w", c.Kind, err)
		}
		fmt.Printf("  %-18s %-45s %s words, %s tokens\n", c.Kind, truncate(c.Title, 45),
			humanize.Comma(int64(c.Metadata.WordCount)), humanize.Comma(int64(c.Metadata.TokensUsed)))
	}
	return nil
}

// writeBatchResult stores every successful item's materials under out/<batch>/<item>
// and the aggregate result as result.json.
func writeBatchResult(ctx context.Context, db *storage.DB, out string, res *batch.Result) error {
	base := filepath.Join(out, slug(res.Name))
	for _, item := range res.Items {
		if !item.Success {
			continue
		}
		fmt.Printf("%s\n", item.ItemID)
		if err := writeMaterials(ctx, db, filepath.Join(base, slug(item.ItemID)), res.Name, item.ItemID, item.Contents); err != nil {
			return err
		}
	}

	if err := os.MkdirAll(base, 0o755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(base, "result.json"), data, 0o644)
}

func printBatchSummary(res *batch.Result) {
	fmt.Printf("\nBatch %q: %d/%d succeeded, %d failed", res.Name, res.Successful, res.Total, res.Failed)
	if n := res.Unattempted(); n > 0 {
		fmt.Printf(", %d not attempted", n)
	}
	fmt.Printf(" in %s\n", res.TotalElapsed.Round(10*time.Millisecond))
	for _, e := range res.Errors {
		fmt.Printf("  error: %s\n", e)
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"curriculum-curator/internal/manager"
)

// UsageCmd reports from the persisted usage ledger.
type UsageCmd struct {
	Since time.Duration `default:"168h" help:"How far back to report."`
	Prune time.Duration `help:"Delete ledger entries older than this before reporting."`
	JSON  bool          `help:"Print the report as JSON."`
}

func (c *UsageCmd) Run(ctx context.Context, g *Globals) error {
	a, err := g.open()
	if err != nil {
		return err
	}
	defer a.Close()

	now := time.Now()
	if c.Prune > 0 {
		n, err := a.db.DeleteUsageBefore(ctx, now.Add(-c.Prune))
		if err != nil {
			return fmt.Errorf("pruning usage: %w", err)
		}
		a.logger.Info("pruned usage ledger", "removed", n)
	}

	records, err := a.db.UsageSince(ctx, now.Add(-c.Since))
	if err != nil {
		return fmt.Errorf("loading usage: %w", err)
	}
	report := manager.AnalyzeCosts(records)

	if c.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	fmt.Printf("Usage since %s: %s requests, %s tokens, $%.4f\n\n",
		humanize.Time(now.Add(-c.Since)), humanize.Comma(int64(report.TotalRequests)),
		humanize.Comma(int64(report.TotalTokens)), report.TotalCost)
	if len(report.Providers) == 0 {
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PROVIDER\tREQUESTS\tPROMPT\tCOMPLETION\tCOST\t$/1K")
	for _, p := range report.Providers {
		cost, per1k := "free", "-"
		if p.Priced {
			cost, per1k = fmt.Sprintf("$%.4f", p.Cost), fmt.Sprintf("%.5f", p.CostPer1K())
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\n", p.Provider, p.Requests,
			humanize.Comma(int64(p.PromptTokens)), humanize.Comma(int64(p.CompletionTokens)), cost, per1k)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(report.ByCategory) > 0 {
		fmt.Println("\nCost by material:")
		for category, cost := range report.ByCategory {
			fmt.Printf("  %-18s $%.4f\n", category, cost)
		}
	}
	if len(report.Recommendations) > 0 {
		fmt.Println("\nRecommendations:")
		for _, r := range report.Recommendations {
			fmt.Printf("  - %s\n", r)
		}
	}
	return nil
}

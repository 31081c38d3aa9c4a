package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
)

// ProvidersCmd shows the health and rate limit status of configured providers.
type ProvidersCmd struct {
	ProviderSelection

	Models bool `help:"Also list the models each provider offers."`
}

func (c *ProvidersCmd) Run(ctx context.Context, g *Globals) error {
	a, err := g.open()
	if err != nil {
		return err
	}
	defer a.Close()

	mgr, err := a.newManager(ctx, c.ProviderSelection)
	if err != nil {
		return err
	}
	defer mgr.Close()

	def, _ := mgr.DefaultProvider()
	health := mgr.HealthCheckAll(ctx)

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PROVIDER\tDEFAULT\tHEALTHY\tRATE LIMIT")
	for _, t := range mgr.ProviderTypes() {
		limit := "-"
		if used, capacity, unlimited, ok := mgr.LimiterStatus(t); ok {
			if unlimited {
				limit = "unlimited"
			} else {
				limit = fmt.Sprintf("%d/%d per minute", used, capacity)
			}
		}
		marker := ""
		if t == def {
			marker = "*"
		}
		fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n", t, marker, health[t], limit)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if !c.Models {
		return nil
	}
	for _, t := range mgr.ProviderTypes() {
		p, _ := mgr.Provider(t)
		models, err := p.ListModels(ctx)
		if err != nil {
			fmt.Printf("\n%s: %v\n", t, err)
			continue
		}
		fmt.Printf("\n%s models:\n", t)
		for _, m := range models {
			line := "  " + m.ID
			if m.ContextLength > 0 {
				line += fmt.Sprintf(" (context %d", m.ContextLength)
				if m.InputCostPer1K > 0 || m.OutputCostPer1K > 0 {
					line += fmt.Sprintf(", $%.5f in / $%.5f out per 1K", m.InputCostPer1K, m.OutputCostPer1K)
				}
				line += ")"
			}
			fmt.Println(line)
		}
	}
	return nil
}

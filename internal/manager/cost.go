package manager

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"curriculum-curator/internal/llm"
)

// UsageRecord is one completed request in the append-only ledger.
type UsageRecord struct {
	ID               uuid.UUID        `db:"id" json:"id"`
	Provider         llm.ProviderType `db:"provider" json:"provider"`
	Model            string           `db:"model" json:"model"`
	PromptTokens     int              `db:"prompt_tokens" json:"prompt_tokens"`
	CompletionTokens int              `db:"completion_tokens" json:"completion_tokens"`
	TotalTokens      int              `db:"total_tokens" json:"total_tokens"`
	// Cost is nil when the provider has no priced usage.
	Cost      *float64  `db:"cost" json:"cost,omitempty"`
	Category  string    `db:"category" json:"category"`
	Timestamp time.Time `db:"created_at" json:"timestamp"`
}

// ProviderCost aggregates the ledger for one provider.
type ProviderCost struct {
	Provider         llm.ProviderType `json:"provider"`
	Requests         int              `json:"requests"`
	PromptTokens     int              `json:"prompt_tokens"`
	CompletionTokens int              `json:"completion_tokens"`
	TotalTokens      int              `json:"total_tokens"`
	Cost             float64          `json:"cost"`
	Priced           bool             `json:"priced"`
}

// CostPer1K returns the average cost per thousand tokens.
func (p ProviderCost) CostPer1K() float64 {
	if p.TotalTokens == 0 {
		return 0
	}
	return p.Cost / float64(p.TotalTokens) * 1000
}

// CostReport is the output of AnalyzeCosts.
type CostReport struct {
	Providers       []ProviderCost     `json:"providers"`
	ByCategory      map[string]float64 `json:"by_category"`
	TotalRequests   int                `json:"total_requests"`
	TotalTokens     int                `json:"total_tokens"`
	TotalCost       float64            `json:"total_cost"`
	Recommendations []string           `json:"recommendations"`
}

// expensiveRatio is the cost-per-1K ratio above which a cheaper provider is suggested.
const expensiveRatio = 2.0

// AnalyzeCosts aggregates records by provider and derives recommendations.
func AnalyzeCosts(records []UsageRecord) CostReport {
	byProvider := make(map[llm.ProviderType]*ProviderCost)
	report := CostReport{ByCategory: make(map[string]float64)}

	for _, r := range records {
		pc, ok := byProvider[r.Provider]
		if !ok {
			pc = &ProviderCost{Provider: r.Provider}
			byProvider[r.Provider] = pc
		}
		pc.Requests++
		pc.PromptTokens += r.PromptTokens
		pc.CompletionTokens += r.CompletionTokens
		pc.TotalTokens += r.PromptTokens + r.CompletionTokens
		if r.Cost != nil {
			pc.Cost += *r.Cost
			pc.Priced = true
			category := r.Category
			if category == "" {
				category = "uncategorized"
			}
			report.ByCategory[category] += *r.Cost
		}

		report.TotalRequests++
		report.TotalTokens += r.PromptTokens + r.CompletionTokens
		if r.Cost != nil {
			report.TotalCost += *r.Cost
		}
	}

	for _, pc := range byProvider {
		report.Providers = append(report.Providers, *pc)
	}
	sort.Slice(report.Providers, func(i, j int) bool {
		a, b := report.Providers[i], report.Providers[j]
		if a.Cost != b.Cost {
			return a.Cost > b.Cost
		}
		return a.Provider < b.Provider
	})

	report.Recommendations = recommend(report.Providers)
	return report
}

func recommend(providers []ProviderCost) []string {
	var recs []string

	var cheapest *ProviderCost
	for i := range providers {
		p := &providers[i]
		if !p.Priced || p.TotalTokens == 0 || p.Cost == 0 {
			continue
		}
		if cheapest == nil || p.CostPer1K() < cheapest.CostPer1K() {
			cheapest = p
		}
	}
	if cheapest != nil {
		for _, p := range providers {
			if !p.Priced || p.Provider == cheapest.Provider || p.TotalTokens == 0 {
				continue
			}
			ratio := p.CostPer1K() / cheapest.CostPer1K()
			if ratio >= expensiveRatio {
				recs = append(recs, fmt.Sprintf(
					"%s costs %.1fx more than %s per 1K tokens for comparable volume; consider routing bulk generation to %s",
					p.Provider, ratio, cheapest.Provider, cheapest.Provider))
			}
		}
	}

	var paidTokens, localTokens int
	var paidCost float64
	for _, p := range providers {
		if p.Provider.IsLocal() {
			localTokens += p.TotalTokens
			continue
		}
		if p.Priced {
			paidTokens += p.TotalTokens
			paidCost += p.Cost
		}
	}
	if paidTokens > 0 && paidCost > 0 {
		share := float64(paidTokens) / float64(paidTokens+localTokens) * 100
		if localTokens == 0 {
			recs = append(recs, fmt.Sprintf(
				"all %d tokens went to paid providers ($%.4f); drafts could run on the local %s provider at no cost",
				paidTokens, paidCost, llm.ProviderOllama))
		} else if share >= 80 {
			recs = append(recs, fmt.Sprintf(
				"%.0f%% of tokens went to paid providers; shifting drafts to %s would reduce spend", share, llm.ProviderOllama))
		}
	}
	return recs
}

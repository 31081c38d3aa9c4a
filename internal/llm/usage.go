package llm

import (
	"sync"
	"time"
)

// UsageWindow selects the period for UsageStats.
type UsageWindow string

const (
	WindowToday       UsageWindow = "today"
	WindowLast24Hours UsageWindow = "last_24h"
	WindowLast7Days   UsageWindow = "last_7d"
)

// Since returns the start of the window relative to now.
func (w UsageWindow) Since(now time.Time) time.Time {
	switch w {
	case WindowToday:
		y, m, d := now.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, now.Location())
	case WindowLast7Days:
		return now.Add(-7 * 24 * time.Hour)
	default:
		return now.Add(-24 * time.Hour)
	}
}

// UsageStats are the counters a provider reports about its own traffic.
type UsageStats struct {
	Requests         int     `json:"requests"`
	Failures         int     `json:"failures"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	Cost             float64 `json:"cost"`
}

type usageEntry struct {
	at     time.Time
	usage  Usage
	cost   float64
	failed bool
}

// usageTracker keeps the self-reported counters shared by every provider.
type usageTracker struct {
	mu      sync.Mutex
	entries []usageEntry
	now     func() time.Time
}

func newUsageTracker() *usageTracker {
	return &usageTracker{now: time.Now}
}

func (t *usageTracker) recordSuccess(u Usage, cost float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = append(t.entries, usageEntry{at: t.now(), usage: u, cost: cost})
	t.prune()
}

func (t *usageTracker) recordFailure() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = append(t.entries, usageEntry{at: t.now(), failed: true})
	t.prune()
}

// prune drops entries older than the largest window. Caller holds mu.
func (t *usageTracker) prune() {
	cutoff := t.now().Add(-8 * 24 * time.Hour)
	i := 0
	for i < len(t.entries) && t.entries[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		t.entries = append(t.entries[:0], t.entries[i:]...)
	}
}

func (t *usageTracker) stats(window UsageWindow) UsageStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	since := window.Since(t.now())
	var s UsageStats
	for _, e := range t.entries {
		if e.at.Before(since) {
			continue
		}
		s.Requests++
		if e.failed {
			s.Failures++
			continue
		}
		s.PromptTokens += e.usage.PromptTokens
		s.CompletionTokens += e.usage.CompletionTokens
		s.Cost += e.cost
	}
	s.TotalTokens = s.PromptTokens + s.CompletionTokens
	return s
}

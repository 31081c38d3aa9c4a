// Package metrics holds the instrumentation hooks for generation traffic.
package metrics

import "time"

// Recorder defines metric hooks for provider and batch instrumentation.
type Recorder interface {
	ObserveGeneration(provider string, status string, duration time.Duration)
	ObserveTokens(provider string, prompt, completion int)
	ObserveRetry(provider string)
	ObserveRateLimitWait(provider string, wait time.Duration)
	ObserveBatchItem(status string, duration time.Duration)
}

// NoopRecorder discards everything.
type NoopRecorder struct{}

func (NoopRecorder) ObserveGeneration(string, string, time.Duration) {}
func (NoopRecorder) ObserveTokens(string, int, int)                  {}
func (NoopRecorder) ObserveRetry(string)                             {}
func (NoopRecorder) ObserveRateLimitWait(string, time.Duration)      {}
func (NoopRecorder) ObserveBatchItem(string, time.Duration)          {}

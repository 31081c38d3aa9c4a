package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusRecorder reports generation metrics using Prometheus primitives.
type PrometheusRecorder struct {
	generations *prometheus.CounterVec
	durations   *prometheus.HistogramVec
	tokens      *prometheus.CounterVec
	retries     *prometheus.CounterVec
	waits       *prometheus.HistogramVec
	batchItems  *prometheus.CounterVec
	itemTimes   prometheus.Histogram
}

func NewPrometheusRecorder(registry *prometheus.Registry) (*PrometheusRecorder, error) {
	if registry == nil {
		return nil, fmt.Errorf("prometheus registry is nil")
	}

	r := &PrometheusRecorder{
		generations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "curator_generations_total",
			Help: "Total number of provider generation attempts by status",
		}, []string{"provider", "status"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "curator_generation_duration_seconds",
			Help:    "Provider generation latency in seconds",
			Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"provider"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "curator_tokens_total",
			Help: "Tokens consumed by provider and direction",
		}, []string{"provider", "direction"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "curator_retry_attempts_total",
			Help: "Total retry attempts by provider",
		}, []string{"provider"}),
		waits: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "curator_rate_limit_wait_seconds",
			Help:    "Time spent waiting for a rate limiter permit",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider"}),
		batchItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "curator_batch_items_total",
			Help: "Batch items processed by outcome",
		}, []string{"status"}),
		itemTimes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "curator_batch_item_duration_seconds",
			Help:    "Batch item processing time including retries",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
	}

	for _, collector := range []prometheus.Collector{r.generations, r.durations, r.tokens, r.retries, r.waits, r.batchItems, r.itemTimes} {
		if err := registry.Register(collector); err != nil {
			return nil, fmt.Errorf("register collector: %w", err)
		}
	}
	return r, nil
}

func (r *PrometheusRecorder) ObserveGeneration(provider string, status string, duration time.Duration) {
	r.generations.WithLabelValues(provider, status).Inc()
	r.durations.WithLabelValues(provider).Observe(duration.Seconds())
}

func (r *PrometheusRecorder) ObserveTokens(provider string, prompt, completion int) {
	r.tokens.WithLabelValues(provider, "prompt").Add(float64(prompt))
	r.tokens.WithLabelValues(provider, "completion").Add(float64(completion))
}

func (r *PrometheusRecorder) ObserveRetry(provider string) {
	r.retries.WithLabelValues(provider).Inc()
}

func (r *PrometheusRecorder) ObserveRateLimitWait(provider string, wait time.Duration) {
	r.waits.WithLabelValues(provider).Observe(wait.Seconds())
}

func (r *PrometheusRecorder) ObserveBatchItem(status string, duration time.Duration) {
	r.batchItems.WithLabelValues(status).Inc()
	r.itemTimes.Observe(duration.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

package batch

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/pool"

	"curriculum-curator/internal/content"
	"curriculum-curator/internal/manager"
	"curriculum-curator/internal/metrics"
)

// itemBackoffBase is the delay before the first item retry.
const itemBackoffBase = 100 * time.Millisecond

// ItemBackoff returns the delay before retrying an item that has already been
// retried attempt times: 100ms, 200ms, 400ms, ...
func ItemBackoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 20 {
		attempt = 20
	}
	return itemBackoffBase << attempt
}

// ContentGenerator produces the materials for one request.
// *content.Generator satisfies it.
type ContentGenerator interface {
	Generate(ctx context.Context, req content.ContentRequest) ([]content.GeneratedContent, error)
}

// Generator executes batches. It holds no per-batch state and may run
// several batches concurrently.
type Generator struct {
	content ContentGenerator
	sleep   manager.Sleeper
	now     func() time.Time
	metrics metrics.Recorder
	logger  *slog.Logger
}

// Option configures a Generator.
type Option func(*Generator)

func WithSleeper(s manager.Sleeper) Option {
	return func(g *Generator) {
		g.sleep = s
	}
}

func WithClock(now func() time.Time) Option {
	return func(g *Generator) {
		g.now = now
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(g *Generator) {
		if r != nil {
			g.metrics = r
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(g *Generator) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// NewGenerator creates a batch Generator on top of c.
func NewGenerator(c ContentGenerator, opts ...Option) *Generator {
	g := &Generator{
		content: c,
		sleep:   manager.SleepContext,
		now:     time.Now,
		metrics: metrics.NoopRecorder{},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With("component", "batch")
	return g
}

// SortByPriority returns the items ordered Critical first, keeping input
// order among equal priorities.
func SortByPriority(items []Item) []Item {
	sorted := slices.Clone(items)
	slices.SortStableFunc(sorted, func(a, b Item) int {
		return int(b.Priority) - int(a.Priority)
	})
	return sorted
}

// run holds the mutable state of one batch execution.
type run struct {
	g        *Generator
	name     string
	total    int
	start    time.Time
	progress *ProgressStream

	mu     sync.Mutex
	result Result
}

// GenerateBatch executes b and returns the aggregate result. Item failures are
// collected in the result; an error is returned only for malformed options or
// when ctx ends before the batch finishes, in which case the partial result is
// returned alongside it. progress may be nil.
func (g *Generator) GenerateBatch(ctx context.Context, b Batch, opts Options, progress *ProgressStream) (*Result, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	r := &run{
		g:        g,
		name:     b.Name,
		total:    len(b.Items),
		start:    g.now(),
		progress: progress,
		result: Result{
			Name:      b.Name,
			State:     StateCreated,
			Requested: len(b.Items),
			Items:     make([]ItemResult, 0, len(b.Items)),
		},
	}

	logger := g.logger.With("batch", b.Name)
	if len(b.Items) == 0 {
		r.result.State = StateCompleted
		r.publish("", "batch completed")
		logger.Info("empty batch")
		return r.snapshotResult(), nil
	}

	r.result.State = StateRunning
	logger.Info("batch started", "items", len(b.Items), "parallel", opts.Parallel,
		"max_concurrent", opts.MaxConcurrent, "continue_on_error", opts.ContinueOnError)
	r.publish("", "batch started")

	sorted := SortByPriority(b.Items)
	if opts.Parallel {
		r.runParallel(ctx, sorted, opts)
	} else {
		r.runSequential(ctx, sorted, opts)
	}

	r.mu.Lock()
	r.result.State = StateCompleted
	r.result.TotalElapsed = g.now().Sub(r.start)
	r.mu.Unlock()
	r.publish("", "batch completed")

	res := r.snapshotResult()
	logger.Info("batch completed", "attempted", res.Total, "successful", res.Successful,
		"failed", res.Failed, "unattempted", res.Unattempted(), "elapsed", res.TotalElapsed)

	if err := ctx.Err(); err != nil {
		return res, fmt.Errorf("batch %q interrupted: %w", b.Name, err)
	}
	return res, nil
}

func (r *run) runSequential(ctx context.Context, items []Item, opts Options) {
	for _, item := range items {
		if ctx.Err() != nil {
			return
		}
		r.publish(item.ID, fmt.Sprintf("generating %s", item.ID))
		res := r.g.runItem(ctx, item, opts)
		r.add(res)
		r.publish(item.ID, itemOperation(res))

		if !res.Success && !opts.ContinueOnError {
			r.g.logger.Warn("stopping batch after item failure", "batch", r.name, "item", item.ID)
			return
		}
	}
}

// runParallel dispatches items in priority order to at most MaxConcurrent
// workers. When ContinueOnError is false, items that have not started when a
// failure is recorded are skipped; in-flight items run to completion.
func (r *run) runParallel(ctx context.Context, items []Item, opts Options) {
	var stop atomic.Bool
	p := pool.New().WithMaxGoroutines(opts.MaxConcurrent)

	for _, item := range items {
		if stop.Load() || ctx.Err() != nil {
			break
		}
		p.Go(func() {
			if stop.Load() || ctx.Err() != nil {
				return
			}
			res := r.g.runItem(ctx, item, opts)
			r.add(res)
			r.publish(item.ID, itemOperation(res))
			if !res.Success && !opts.ContinueOnError {
				stop.Store(true)
			}
		})
	}
	p.Wait()
}

// runItem generates one item, retrying with ItemBackoff when allowed.
func (g *Generator) runItem(ctx context.Context, item Item, opts Options) ItemResult {
	start := g.now()
	retries := 0
	for {
		contents, err := g.content.Generate(ctx, item.Request)
		if err == nil {
			elapsed := g.now().Sub(start)
			g.metrics.ObserveBatchItem("success", elapsed)
			return ItemResult{ItemID: item.ID, Success: true, Contents: contents, Elapsed: elapsed, RetryCount: retries}
		}

		canRetry := opts.RetryFailedItems && retries < opts.MaxRetries && ctx.Err() == nil
		if canRetry {
			delay := ItemBackoff(retries)
			g.logger.Warn("item failed, retrying", "item", item.ID, "retry", retries+1, "delay", delay, "error", err)
			if serr := g.sleep(ctx, delay); serr == nil {
				retries++
				continue
			}
		}

		elapsed := g.now().Sub(start)
		g.metrics.ObserveBatchItem("failure", elapsed)
		g.logger.Error("item failed", "item", item.ID, "retries", retries, "error", err)
		return ItemResult{ItemID: item.ID, Success: false, Error: err.Error(), Elapsed: elapsed, RetryCount: retries}
	}
}

func (r *run) add(res ItemResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.result.Items = append(r.result.Items, res)
	r.result.Total++
	if res.Success {
		r.result.Successful++
	} else {
		r.result.Failed++
		r.result.Errors = append(r.result.Errors, fmt.Sprintf("%s: %s", res.ItemID, res.Error))
	}
}

// publish emits a snapshot of the current counters.
func (r *run) publish(current, operation string) {
	if r.progress == nil {
		return
	}
	r.mu.Lock()
	p := r.progressLocked(current, operation)
	r.mu.Unlock()
	r.progress.Publish(p)
}

func (r *run) progressLocked(current, operation string) Progress {
	processed := r.result.Successful + r.result.Failed
	elapsed := r.g.now().Sub(r.start)
	p := Progress{
		Batch:       r.name,
		Total:       r.total,
		Completed:   r.result.Successful,
		Failed:      r.result.Failed,
		CurrentItem: current,
		Operation:   operation,
		Percent:     100,
		Elapsed:     elapsed,
		Errors:      slices.Clone(r.result.Errors),
	}
	if r.total > 0 {
		p.Percent = float64(processed) / float64(r.total) * 100
	}
	if processed > 0 {
		remaining := r.total - processed
		p.EstimatedRemaining = elapsed / time.Duration(processed) * time.Duration(remaining)
	}
	return p
}

func (r *run) snapshotResult() *Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := r.result
	res.Items = slices.Clone(r.result.Items)
	res.Errors = slices.Clone(r.result.Errors)
	return &res
}

func itemOperation(res ItemResult) string {
	if res.Success {
		return fmt.Sprintf("completed %s", res.ItemID)
	}
	return fmt.Sprintf("failed %s", res.ItemID)
}

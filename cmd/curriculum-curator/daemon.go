package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"
	"github.com/sourcegraph/conc"

	"curriculum-curator/internal/inbox"
	"curriculum-curator/internal/manager"
	"curriculum-curator/internal/metrics"
	"curriculum-curator/internal/progress"
)

// DaemonCmd runs batch files dropped into the inbox and on a schedule.
type DaemonCmd struct {
	ProviderSelection

	Listen string        `help:"Override the HTTP listen address for /ws, /metrics and /healthz."`
	Settle time.Duration `default:"2s" help:"Quiet period before an inbox file is picked up."`
}

func (c *DaemonCmd) Run(ctx context.Context, g *Globals) error {
	a, err := g.open()
	if err != nil {
		return err
	}
	defer a.Close()
	cfg := a.cfg.Daemon
	logger := a.logger.With("component", "daemon")

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder, err := metrics.NewPrometheusRecorder(registry)
	if err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}

	mgr, err := a.newManager(ctx, c.ProviderSelection, manager.WithMetrics(recorder))
	if err != nil {
		return err
	}
	defer mgr.Close()

	relay := progress.NewRelay(progress.WithQueueSize(cfg.ProgressBuffer), progress.WithLogger(a.logger))
	defer relay.Close()
	r := a.newRunner(mgr, recorder, relay)

	// Inbox and scheduled batches share the manager's rate limits; run them one at a time.
	var runMu sync.Mutex
	runBatch := func(ctx context.Context, path string) error {
		runMu.Lock()
		defer runMu.Unlock()
		res, err := r.runFile(ctx, path, cfg.OutputDir)
		if res != nil {
			logger.Info("batch finished", "batch", res.Name, "successful", res.Successful,
				"failed", res.Failed, "unattempted", res.Unattempted(), "elapsed", res.TotalElapsed)
		}
		return err
	}

	watcher, err := inbox.New(cfg.InboxDir, runBatch, inbox.WithSettle(c.Settle), inbox.WithLogger(a.logger))
	if err != nil {
		return err
	}

	sched := cron.New()
	if cfg.Schedule != "" {
		if _, err := sched.AddFunc(cfg.Schedule, func() {
			if err := runBatch(ctx, cfg.ScheduleBatch); err != nil {
				logger.Error("scheduled batch failed", "file", cfg.ScheduleBatch, "error", err)
			}
		}); err != nil {
			return fmt.Errorf("failed to schedule batch %q: %w", cfg.Schedule, err)
		}
	}
	if _, err := sched.AddFunc("@every 5m", func() {
		for t, ok := range mgr.HealthCheckAll(ctx) {
			if !ok {
				logger.Warn("provider unhealthy", "provider", t)
			}
		}
	}); err != nil {
		return err
	}
	sched.Start()
	defer func() { <-sched.Stop().Done() }()

	mux := http.NewServeMux()
	mux.Handle("/ws", relay)
	mux.Handle("/metrics", metrics.Handler(registry))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		health := mgr.HealthCheckAll(req.Context())
		status := http.StatusOK
		for _, ok := range health {
			if !ok {
				status = http.StatusServiceUnavailable
			}
		}
		w.WriteHeader(status)
		for t, ok := range health {
			fmt.Fprintf(w, "%s %t\n", t, ok)
		}
	})

	addr := cfg.ListenAddr
	if c.Listen != "" {
		addr = c.Listen
	}
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	logger.Info("daemon started", "inbox", cfg.InboxDir, "output", cfg.OutputDir, "listen", addr,
		"schedule", cfg.Schedule, "providers", mgr.ProviderTypes())

	var wg conc.WaitGroup
	errs := make(chan error, 2)
	wg.Go(func() {
		if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errs <- fmt.Errorf("inbox watcher: %w", err)
		}
	})
	wg.Go(func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- fmt.Errorf("http server: %w", err)
		}
	})

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errs:
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	relay.Close()
	if runErr != nil {
		// the watcher only stops with ctx, so don't wait on it after a server failure
		return runErr
	}
	wg.Wait()
	return nil
}

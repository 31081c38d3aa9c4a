package main

import (
	"context"
	"fmt"
	"time"

	"curriculum-curator/internal/batch"
	"curriculum-curator/internal/content"
	"curriculum-curator/internal/manager"
	"curriculum-curator/internal/metrics"
	"curriculum-curator/internal/progress"
)

// BatchCmd runs one batch file.
type BatchCmd struct {
	ProviderSelection

	File          string `arg:"" type:"existingfile" help:"YAML batch file."`
	Parallel      bool   `help:"Run items in parallel regardless of the file's options."`
	MaxConcurrent int    `help:"Override the maximum number of parallel items."`
	Out           string `default:"output" type:"path" help:"Output directory."`
	Quiet         bool   `short:"q" help:"Do not print progress."`
}

func (c *BatchCmd) Run(ctx context.Context, g *Globals) error {
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

	r := a.newRunner(mgr, metrics.NoopRecorder{}, nil)
	r.override = func(o *batch.Options) {
		if c.Parallel {
			o.Parallel = true
		}
		if c.MaxConcurrent > 0 {
			o.MaxConcurrent = c.MaxConcurrent
		}
	}
	if !c.Quiet {
		r.onProgress = printProgress
	}

	res, err := r.runFile(ctx, c.File, c.Out)
	if res != nil {
		printBatchSummary(res)
	}
	return err
}

// runner executes batch files for the batch and daemon commands.
type runner struct {
	app        *app
	batches    *batch.Generator
	relay      *progress.Relay
	override   func(*batch.Options)
	onProgress func(batch.Progress)
}

func (a *app) newRunner(mgr *manager.Manager, rec metrics.Recorder, relay *progress.Relay) *runner {
	gen := content.NewGenerator(mgr,
		content.WithSampling(a.cfg.Generation.MaxTokens, a.cfg.Generation.Temperature),
		content.WithLogger(a.logger))
	return &runner{
		app:     a,
		batches: batch.NewGenerator(gen, batch.WithMetrics(rec), batch.WithLogger(a.logger)),
		relay:   relay,
	}
}

// runFile loads path, runs it and writes the results under out.
func (r *runner) runFile(ctx context.Context, path, out string) (*batch.Result, error) {
	f, err := batch.LoadFile(path, r.app.cfg.Batch)
	if err != nil {
		return nil, err
	}
	opts := f.Options
	if r.override != nil {
		r.override(&opts)
	}

	stream := batch.NewProgressStream(r.app.cfg.Daemon.ProgressBuffer)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if r.relay != nil {
			r.relay.Forward(ctx, stream)
			return
		}
		for p := range stream.C() {
			if r.onProgress != nil {
				r.onProgress(p)
			}
		}
	}()

	res, runErr := r.batches.GenerateBatch(ctx, f.Batch(), opts, stream)
	stream.Close()
	<-done

	if res == nil {
		return nil, runErr
	}
	if r.relay != nil {
		r.relay.PublishResult(res)
	}
	if err := writeBatchResult(context.WithoutCancel(ctx), r.app.db, out, res); err != nil {
		return res, err
	}
	return res, runErr
}

func printProgress(p batch.Progress) {
	line := fmt.Sprintf("[%5.1f%%] %s", p.Percent, p.Operation)
	if p.EstimatedRemaining > 0 {
		line += fmt.Sprintf(" (about %s left)", p.EstimatedRemaining.Round(time.Second))
	}
	fmt.Println(line)
}

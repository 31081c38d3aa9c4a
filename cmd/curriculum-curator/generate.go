package main

import (
	"context"
	"fmt"
	"path/filepath"

	"curriculum-curator/internal/content"
)

// GenerateCmd generates materials for a single topic.
type GenerateCmd struct {
	ProviderSelection

	Topic      string   `arg:"" help:"Lesson topic."`
	Objectives []string `name:"objective" short:"o" help:"Learning objective (repeatable)."`
	Audience   string   `short:"a" help:"Audience description; also used to infer difficulty."`
	Duration   string   `short:"d" default:"50 minutes" help:"Session length."`
	Materials  []string `name:"material" short:"m" default:"slides,instructor_notes" help:"Material kinds: slides, instructor_notes, worksheet, quiz, activity_guide."`
	Out        string   `default:"output" type:"path" help:"Output directory."`
	Stream     bool     `help:"Stream the first material to stdout instead of saving."`
}

func (c *GenerateCmd) Run(ctx context.Context, g *Globals) error {
	a, err := g.open()
	if err != nil {
		return err
	}
	defer a.Close()

	req := content.ContentRequest{
		Topic:              c.Topic,
		LearningObjectives: c.Objectives,
		Audience:           c.Audience,
		Duration:           c.Duration,
	}
	for _, m := range c.Materials {
		kind, err := content.ParseMaterialKind(m)
		if err != nil {
			return err
		}
		req.Materials = append(req.Materials, kind)
	}

	mgr, err := a.newManager(ctx, c.ProviderSelection)
	if err != nil {
		return err
	}
	defer mgr.Close()

	gen := content.NewGenerator(mgr,
		content.WithSampling(a.cfg.Generation.MaxTokens, a.cfg.Generation.Temperature),
		content.WithLogger(a.logger))

	if c.Stream {
		return c.stream(ctx, gen, req)
	}

	items, err := gen.Generate(ctx, req)
	if err != nil {
		return err
	}
	fmt.Printf("%s (%s)\n", req.Topic, content.InferDifficulty(req.Audience))
	return writeMaterials(ctx, a.db, filepath.Join(c.Out, slug(req.Topic)), "", "", items)
}

func (c *GenerateCmd) stream(ctx context.Context, gen *content.Generator, req content.ContentRequest) error {
	if len(req.Materials) == 0 {
		return fmt.Errorf("no material kind to stream")
	}
	ch, err := gen.Stream(ctx, req.Materials[0], req)
	if err != nil {
		return err
	}
	for chunk := range ch {
		if chunk.Err != nil {
			return chunk.Err
		}
		fmt.Print(chunk.Text)
	}
	fmt.Println()
	return nil
}

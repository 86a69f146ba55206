package consolidate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"ChatConsolidator/internal/config"
	"ChatConsolidator/internal/extractor"
	"ChatConsolidator/internal/generator"
	"ChatConsolidator/internal/session"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ErrWrite is returned when the output document cannot be written.
var ErrWrite = errors.New("failed to write output")

// Options are per-run overrides from the command line
type Options struct {
	OutputDir  string // Overrides config.OutputDir when set
	OutputFile string // Overrides config.OutputFilename when set
	Diagnose   bool   // Collect store diagnostics
	SystemInfo generator.SystemInfo
}

// Result describes a completed run
type Result struct {
	RunID       string
	OutputPath  string
	Bytes       int
	Sessions    int
	Generations int
	Prompts     int
	Info        *extractor.DatabaseInfo
}

// Pipeline runs the extract, render and write stages
type Pipeline struct {
	config *config.Config
	logger *slog.Logger
	tracer trace.Tracer
	meter  metric.Meter
	now    func() time.Time
}

// NewPipeline creates a Pipeline. A nil logger, tracer or meter falls back to
// the process defaults.
func NewPipeline(cfg *config.Config, logger *slog.Logger, tracer trace.Tracer, meter metric.Meter) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if tracer == nil {
		tracer = otel.Tracer("consolidator")
	}
	if meter == nil {
		meter = otel.Meter("consolidator")
	}
	return &Pipeline{
		config: cfg,
		logger: logger,
		tracer: tracer,
		meter:  meter,
		now:    time.Now,
	}
}

// Run extracts the chat records, renders the document and writes it.
// Nothing is written unless every earlier stage succeeds.
func (p *Pipeline) Run(ctx context.Context, opts Options) (*Result, error) {
	runID := uuid.NewString()
	logger := p.logger.With("run_id", runID)

	ctx, span := p.tracer.Start(ctx, "consolidate",
		trace.WithAttributes(attribute.String("run.id", runID)))
	defer span.End()

	start := time.Now()
	res, err := p.run(ctx, logger, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("consolidation failed", "error", err)
		return nil, err
	}
	res.RunID = runID

	histogram, err := p.meter.Float64Histogram(
		"consolidate.run.duration",
		metric.WithDescription("Consolidation run duration in milliseconds"),
	)
	if err == nil {
		histogram.Record(ctx, float64(time.Since(start).Milliseconds()))
	}

	logger.Info("consolidation complete",
		"output", p.config.SanitizePath(res.OutputPath),
		"bytes", res.Bytes,
		"sessions", res.Sessions,
	)
	return res, nil
}

func (p *Pipeline) run(ctx context.Context, logger *slog.Logger, opts Options) (*Result, error) {
	if err := p.config.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrConfig, err)
	}

	ex, err := extractor.New(ctx, p.config,
		extractor.WithLogger(logger),
		extractor.WithTracer(p.tracer),
		extractor.WithMeter(p.meter),
	)
	if err != nil {
		return nil, err
	}
	defer ex.Close()

	res := &Result{}
	if opts.Diagnose {
		info, err := ex.DatabaseInfo(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read database info: %w", err)
		}
		res.Info = info
	}

	bundles, err := ex.ExtractSessions(ctx)
	if err != nil {
		return nil, err
	}
	generations, err := ex.ExtractGenerations(ctx)
	if err != nil {
		return nil, err
	}
	prompts, err := ex.ExtractPrompts(ctx)
	if err != nil {
		return nil, err
	}

	gen := generator.New(p.config,
		generator.WithClock(p.now),
		generator.WithSystemInfo(opts.SystemInfo),
	)
	doc, err := p.render(ctx, gen, generator.Input{
		Sessions:    bundles,
		Generations: generations,
		Prompts:     prompts,
	})
	if err != nil {
		return nil, err
	}

	path, err := p.write(ctx, opts, doc)
	if err != nil {
		return nil, err
	}

	res.Sessions = session.CountSessions(bundles)
	res.Generations = len(generations)
	res.Prompts = len(prompts)
	res.OutputPath = path
	res.Bytes = len(doc)
	return res, nil
}

func (p *Pipeline) render(ctx context.Context, gen *generator.Generator, in generator.Input) (string, error) {
	_, span := p.tracer.Start(ctx, "render")
	defer span.End()

	doc, err := gen.Generate(in)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("failed to generate document: %w", err)
	}
	span.SetAttributes(attribute.Int("document.bytes", len(doc)))
	return doc, nil
}

// OutputPath returns the destination for the document after applying overrides.
func (p *Pipeline) OutputPath(opts Options) string {
	dir := p.config.OutputDir
	if opts.OutputDir != "" {
		dir = opts.OutputDir
	}
	name := p.config.OutputFilename
	if opts.OutputFile != "" {
		name = opts.OutputFile
	}
	return filepath.Join(dir, name)
}

// write stores doc at the output path via a temporary file in the same
// directory, so an existing document is only ever replaced whole.
func (p *Pipeline) write(ctx context.Context, opts Options, doc string) (string, error) {
	_, span := p.tracer.Start(ctx, "write")
	defer span.End()

	path := p.OutputPath(opts)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("%w: failed to create output directory %s: %v", ErrWrite, dir, err)
	}

	// Created with 0644 so the umask applies; an existing document keeps its mode.
	tmpName := filepath.Join(dir, ".consolidated-"+uuid.NewString()+".tmp")
	tmp, err := os.OpenFile(tmpName, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("%w: failed to create temp file: %v", ErrWrite, err)
	}
	defer os.Remove(tmpName)

	if _, err := tmp.WriteString(doc); err != nil {
		tmp.Close()
		return "", fmt.Errorf("%w: %v", ErrWrite, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrWrite, err)
	}
	if existing, err := os.Stat(path); err == nil {
		if err := os.Chmod(tmpName, existing.Mode().Perm()); err != nil {
			return "", fmt.Errorf("%w: %v", ErrWrite, err)
		}
	}
	if err := os.Rename(tmpName, path); err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("%w: failed to replace %s: %v", ErrWrite, path, err)
	}

	span.SetAttributes(attribute.String("output.path", p.config.SanitizePath(path)))
	return path, nil
}

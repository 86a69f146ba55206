package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"ChatConsolidator/internal/config"
	"ChatConsolidator/internal/consolidate"
	"ChatConsolidator/internal/generator"
	"ChatConsolidator/internal/telemetry"
)

func main() {
	var configPath string
	var opts consolidate.Options
	var verbose bool

	flag.StringVar(&configPath, "config", "config.env", "Path to the settings file (dotenv or .toml)")
	flag.StringVar(&configPath, "c", "config.env", "Shorthand for -config")
	flag.StringVar(&opts.OutputDir, "output-dir", "", "Output directory (overrides OUTPUT_DIR)")
	flag.StringVar(&opts.OutputFile, "output-file", "", "Output filename (overrides OUTPUT_FILENAME)")
	flag.BoolVar(&verbose, "verbose", false, "Print extra information about the run")
	flag.BoolVar(&verbose, "v", false, "Shorthand for -verbose")
	flag.Parse()

	if err := run(configPath, opts, verbose); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, opts consolidate.Options, verbose bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	level := cfg.LogLevel
	if verbose {
		level = "debug"
	}
	logger, logFile, err := telemetry.InitLogger(cfg.LogDir, level)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logFile.Close()

	ctx := context.Background()
	tracer, meter, cleanup, err := telemetry.InitTelemetry(ctx, cfg.LogDir)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer cleanup()

	pipeline := consolidate.NewPipeline(cfg, logger, tracer, meter)
	if verbose {
		fmt.Printf("Configuration loaded from: %s\n", configPath)
		fmt.Printf("Database path: %s\n", cfg.SanitizePath(cfg.DatabasePath()))
		fmt.Printf("Output directory: %s\n", filepath.Dir(pipeline.OutputPath(opts)))
	}

	opts.Diagnose = verbose
	opts.SystemInfo = generator.DetectSystemInfo()

	res, err := pipeline.Run(ctx, opts)
	if err != nil {
		return err
	}

	if verbose {
		if res.Info != nil {
			fmt.Printf("Tables: %s\n", strings.Join(res.Info.Tables, ", "))
			fmt.Printf("Stored items: %d\n", res.Info.ItemCount)
		}
		fmt.Printf("Extracted %d chat sessions\n", res.Sessions)
		fmt.Printf("Extracted %d generations\n", res.Generations)
		fmt.Printf("Extracted %d prompts\n", res.Prompts)
	}

	fmt.Println("Chat history consolidated successfully!")
	fmt.Printf("Output file: %s\n", res.OutputPath)
	return nil
}

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/ayauxd/website-crawler/internal/config"
	"github.com/ayauxd/website-crawler/internal/crawler"
)

func main() {
	cfgPath := flag.String("config", "", "Path to crawler configuration file (optional)")
	seed := flag.String("seed", "", "Seed URL to crawl")
	out := flag.String("out", "", "Results file (defaults to <output dir>/results.json)")
	flag.Parse()

	if *seed == "" && flag.NArg() > 0 {
		*seed = flag.Arg(0)
	}
	if *seed == "" {
		fmt.Fprintln(os.Stderr, "usage: crawler [-config file] -seed <url>")
		os.Exit(2)
	}

	cfg := config.Default()
	if *cfgPath != "" {
		loaded, err := config.Load(*cfgPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
			os.Exit(1)
		}
		cfg = *loaded
	}

	engine, err := crawler.NewEngine(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise engine: %v\n", err)
		os.Exit(1)
	}
	defer engine.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	results, err := engine.Run(ctx, *seed)
	if err != nil {
		fmt.Fprintf(os.Stderr, "crawl failed: %v\n", err)
		os.Exit(1)
	}

	path := *out
	if path == "" {
		path = filepath.Join(cfg.Output.Dir, "results.json")
	}
	if err := writeResults(path, results); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write results: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("crawled %d pages (%d failed), results in %s\n",
		results.Metadata.TotalPages, results.Metadata.FailedPages, path)
}

func writeResults(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

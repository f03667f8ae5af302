// crawler-batch runs one bounded batch of a resumable crawl job and prints
// the batch report as JSON. Re-invoke it with the same job ID until the
// report's status is "completed"; state is persisted between invocations.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ayauxd/website-crawler/internal/config"
	"github.com/ayauxd/website-crawler/internal/crawler"
)

func main() {
	cfgPath := flag.String("config", "", "Path to crawler configuration file (optional)")
	seed := flag.String("seed", "", "Seed URL for the job")
	jobID := flag.String("job", "", "Job identifier (state is keyed by this)")
	all := flag.Bool("all", false, "Keep processing batches until the job completes")
	flag.Parse()

	if *seed == "" || *jobID == "" {
		fmt.Fprintln(os.Stderr, "usage: crawler-batch [-config file] -job <id> -seed <url> [-all]")
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

	enc := json.NewEncoder(os.Stdout)
	for {
		report, err := engine.ProcessBatch(ctx, *jobID, *seed)
		if err != nil {
			fmt.Fprintf(os.Stderr, "batch failed: %v\n", err)
			os.Exit(1)
		}
		if encodeErr := enc.Encode(report); encodeErr != nil {
			fmt.Fprintf(os.Stderr, "failed to encode report: %v\n", encodeErr)
			os.Exit(1)
		}
		if !*all || report.Status == "completed" || ctx.Err() != nil {
			break
		}
	}
}

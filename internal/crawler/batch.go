package crawler

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ayauxd/website-crawler/internal/frontier"
	"github.com/ayauxd/website-crawler/internal/urlutil"
	"github.com/ayauxd/website-crawler/pkg/types"
)

// BatchReport is what one ProcessBatch invocation returns to its caller.
// Callers poll until Status is completed.
type BatchReport struct {
	Status         frontier.Status `json:"status"`
	ProcessedCount int             `json:"processedCount"`
	Remaining      int             `json:"remaining"`
	TotalProcessed int             `json:"totalProcessed"`
	Elapsed        time.Duration   `json:"elapsed"`
}

// ProcessBatch runs one bounded slice of the crawl identified by jobID:
// it restores persisted state (or initializes it from the seed on the first
// call), fetches up to batchSize URLs under the batch deadline, requeues
// anything still in flight at the deadline, and persists the updated state.
// Per-URL failures never abort the batch; only an unusable seed or
// unreadable persisted state is an error.
func (e *Engine) ProcessBatch(ctx context.Context, jobID, rawSeed string) (*BatchReport, error) {
	start := time.Now().UTC()

	seed, err := urlutil.Normalize(rawSeed)
	if err != nil {
		return nil, fmt.Errorf("invalid seed url %q: %w", rawSeed, err)
	}
	seedURL, err := url.Parse(seed)
	if err != nil {
		return nil, fmt.Errorf("invalid seed url %q: %w", rawSeed, err)
	}

	state, found, err := e.store.LoadState(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("load state for job %s: %w", jobID, err)
	}

	var f *frontier.Frontier
	if found {
		f, err = frontier.Restore(state, e.cfg.Crawl.MaxDepth)
		if err != nil {
			return nil, fmt.Errorf("restore state for job %s: %w", jobID, err)
		}
	} else {
		f = frontier.New(jobID, seed, e.cfg.Crawl.MaxDepth)
		e.seedFrontier(ctx, f, seedURL)
	}

	if f.Status() == frontier.StatusCompleted {
		return e.report(f, 0, start), nil
	}
	f.SetStatus(frontier.StatusRunning)

	width := e.cfg.Batch.Size
	if b := e.budget(f); b < width {
		width = b
	}
	batch := f.Dequeue(width)

	processed := 0
	if len(batch) > 0 {
		batchCtx, cancel := context.WithTimeout(ctx, e.cfg.Batch.Timeout.Duration)
		results := make([]*taskResult, len(batch))
		g, taskCtx := errgroup.WithContext(batchCtx)
		for i, entry := range batch {
			i, entry := i, entry
			g.Go(func() error {
				results[i] = e.fetchOne(taskCtx, entry)
				return nil
			})
		}
		_ = g.Wait()
		cancel()

		pages := make(map[string]*types.PageResult, len(results))
		for _, res := range results {
			e.fold(ctx, f, res, pages)
			if !res.timedOut {
				processed++
			}
		}
	}

	if f.Done() || e.budget(f) == 0 {
		f.SetStatus(frontier.StatusCompleted)
	}

	e.persistCache()
	if err := e.store.SaveState(ctx, f.State()); err != nil {
		f.RecordError(fmt.Sprintf("persist state: %v", err))
		e.logger.Error("state persistence failed", "job", jobID, "error", err)
	}
	if err := e.store.SaveStats(ctx, f.Stats()); err != nil {
		e.logger.Warn("stats persistence failed", "job", jobID, "error", err)
	}

	report := e.report(f, processed, start)
	e.logger.Info("batch finished", "job", jobID, "status", report.Status,
		"processed", report.ProcessedCount, "remaining", report.Remaining,
		"elapsed", report.Elapsed)
	return report, nil
}

func (e *Engine) report(f *frontier.Frontier, processed int, start time.Time) *BatchReport {
	return &BatchReport{
		Status:         f.Status(),
		ProcessedCount: processed,
		Remaining:      f.QueueLen(),
		TotalProcessed: f.VisitedCount(),
		Elapsed:        time.Since(start),
	}
}

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

// Run crawls from the seed until the frontier drains or maxPages is
// reached, and returns the in-memory results object. Per-URL failures are
// folded into the results; only an unusable seed surfaces as an error.
func (e *Engine) Run(ctx context.Context, rawSeed string) (*types.Results, error) {
	seed, err := urlutil.Normalize(rawSeed)
	if err != nil {
		return nil, fmt.Errorf("invalid seed url %q: %w", rawSeed, err)
	}
	if !urlutil.Crawlable(seed) {
		return nil, fmt.Errorf("seed url %q is not crawlable", rawSeed)
	}
	seedURL, err := url.Parse(seed)
	if err != nil {
		return nil, fmt.Errorf("invalid seed url %q: %w", rawSeed, err)
	}

	f := frontier.New(newJobID(seed), seed, e.cfg.Crawl.MaxDepth)
	f.SetStatus(frontier.StatusRunning)
	e.seedFrontier(ctx, f, seedURL)
	e.logger.Info("crawl started", "seed", seed, "job", f.JobID(),
		"max_pages", e.cfg.Crawl.MaxPages, "max_depth", e.cfg.Crawl.MaxDepth)

	start := time.Now().UTC()
	pages := make(map[string]*types.PageResult)

	for !f.Done() && e.budget(f) > 0 && ctx.Err() == nil {
		width := e.cfg.Crawl.MaxConcurrentRequests
		if b := e.budget(f); b < width {
			width = b
		}
		batch := f.Dequeue(width)
		if len(batch) == 0 {
			break
		}

		results := make([]*taskResult, len(batch))
		g, taskCtx := errgroup.WithContext(ctx)
		for i, entry := range batch {
			i, entry := i, entry
			g.Go(func() error {
				results[i] = e.fetchOne(taskCtx, entry)
				return nil
			})
		}
		_ = g.Wait()

		for _, res := range results {
			e.fold(ctx, f, res, pages)
		}
	}

	f.SetStatus(frontier.StatusCompleted)
	e.persistCache()

	results := &types.Results{
		Pages: pages,
		Metadata: types.ResultsMetadata{
			StartTime: start,
			EndTime:   time.Now().UTC(),
			Settings:  e.cfg.SettingsSummary(),
		},
	}
	for _, page := range pages {
		if page.Success {
			results.Metadata.TotalPages++
		} else {
			results.Metadata.FailedPages++
		}
	}
	e.logger.Info("crawl finished", "job", f.JobID(),
		"pages", results.Metadata.TotalPages, "failed", results.Metadata.FailedPages,
		"elapsed", results.Metadata.EndTime.Sub(start))
	return results, nil
}

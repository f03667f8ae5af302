// Package crawler drives the crawl: it owns the frontier state machine,
// schedules fetches under the politeness limits, folds extraction results,
// and exposes the two operating modes (run-to-completion and batch).
package crawler

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ayauxd/website-crawler/internal/cache"
	"github.com/ayauxd/website-crawler/internal/config"
	"github.com/ayauxd/website-crawler/internal/extract"
	"github.com/ayauxd/website-crawler/internal/fetcher"
	"github.com/ayauxd/website-crawler/internal/frontier"
	"github.com/ayauxd/website-crawler/internal/politeness"
	"github.com/ayauxd/website-crawler/internal/resources"
	"github.com/ayauxd/website-crawler/internal/sitemap"
	"github.com/ayauxd/website-crawler/internal/statestore"
	"github.com/ayauxd/website-crawler/internal/storage"
	"github.com/ayauxd/website-crawler/internal/urlutil"
	"github.com/ayauxd/website-crawler/pkg/types"
)

// Engine coordinates one crawl job at a time. It is the only writer of the
// frontier; fetch tasks hand their results back for folding.
type Engine struct {
	cfg       config.Config
	logger    *slog.Logger
	fetch     fetcher.Fetcher
	robots    *politeness.Agent
	limiter   *politeness.Limiter
	cache     *cache.Store
	sitemaps  *sitemap.Discoverer
	localizer *resources.Localizer
	sink      storage.Sink
	store     statestore.Store

	closers   []func() error
	closeOnce sync.Once
}

// NewEngine wires the engine from configuration.
func NewEngine(cfg config.Config) (*Engine, error) {
	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	httpFetcher := fetcher.NewHTTPFetcher(fetcher.Options{
		UserAgent:    cfg.Crawl.UserAgent,
		Timeout:      cfg.Crawl.RequestTimeout.Duration,
		MaxBodyBytes: cfg.Crawl.MaxFileSize,
	})

	var renderer fetcher.Renderer
	if cfg.Rendering.Enabled {
		switch strings.ToLower(cfg.Rendering.Engine) {
		case "chromedp", "chrome":
			renderer = fetcher.NewChromedpRenderer(fetcher.RenderOptions{
				Timeout:            cfg.Rendering.Timeout.Duration,
				WaitForSelector:    cfg.Rendering.WaitForSelector,
				UserAgent:          cfg.Crawl.UserAgent,
				MaxBodyBytes:       cfg.Crawl.MaxFileSize,
				DisableHeadless:    cfg.Rendering.DisableHeadless,
				ConcurrentSessions: cfg.Rendering.ConcurrentSessions,
			})
		case "none":
		default:
			return nil, fmt.Errorf("unsupported rendering engine %q", cfg.Rendering.Engine)
		}
	}
	composite := fetcher.NewComposite(httpFetcher, renderer, logger)

	robots := politeness.NewAgent(cfg.Robots, httpFetcher.Client())
	limiter := politeness.NewLimiter(cfg.Crawl.MaxConcurrentRequests, cfg.Crawl.PerDomainSlots, cfg.Crawl.MinRequestInterval.Duration)

	var contentCache *cache.Store
	if cfg.Crawl.TrackChanges {
		contentCache = cache.Open(cfg.Cache.Dir, logger)
	}

	var localizer *resources.Localizer
	if cfg.Resources.Enabled {
		localizer = resources.NewLocalizer(httpFetcher, cfg.Resources, filepath.Join(cfg.Output.Dir, "resources"), logger)
	}

	e := &Engine{
		cfg:       cfg,
		logger:    logger,
		fetch:     composite,
		robots:    robots,
		limiter:   limiter,
		cache:     contentCache,
		sitemaps:  sitemap.NewDiscoverer(httpFetcher, robots, logger),
		localizer: localizer,
	}

	if cfg.DB.Driver != "" && cfg.DB.DSN != "" {
		sqlWriter, err := storage.NewSQLWriter(cfg.DB)
		if err != nil {
			return nil, err
		}
		e.sink = sqlWriter
		e.closers = append(e.closers, sqlWriter.Close)
	}

	store, err := statestore.Open(cfg.State, filepath.Join(cfg.Output.Dir, "state"))
	if err != nil {
		return nil, err
	}
	e.store = store
	e.closers = append(e.closers, store.Close)

	return e, nil
}

// Close releases resources owned by the engine.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		for _, closer := range e.closers {
			if cerr := closer(); cerr != nil && err == nil {
				err = cerr
			}
		}
	})
	return err
}

// taskResult carries one fetch task's outcome back to the folding loop.
type taskResult struct {
	entry    frontier.Entry
	page     *types.PageResult
	links    []types.Link
	counts   map[string]int
	timedOut bool
}

// fetchOne performs the full per-URL pipeline: politeness lease, conditional
// fetch, change classification, extraction, and optional resource
// localization. It never mutates shared state.
func (e *Engine) fetchOne(ctx context.Context, entry frontier.Entry) *taskResult {
	res := &taskResult{entry: entry}
	target, err := url.Parse(entry.URL)
	if err != nil {
		res.page = failedPage(entry, 0, fmt.Sprintf("invalid url: %v", err))
		return res
	}

	release, err := e.limiter.Acquire(ctx, urlutil.Domain(entry.URL))
	if err != nil {
		res.timedOut = true
		return res
	}
	defer release()

	req := fetcher.Request{URL: target}
	if e.cache != nil {
		headers := e.cache.ConditionalHeaders(entry.URL)
		req.IfNoneMatch = headers.IfNoneMatch
		req.IfModifiedSince = headers.IfModifiedSince
	}

	fres, err := e.fetch.Fetch(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			res.timedOut = true
			return res
		}
		res.page = failedPage(entry, 0, fmt.Sprintf("network error: %v", err))
		return res
	}

	switch fres.Outcome {
	case fetcher.OutcomeNotModified:
		page := &types.PageResult{
			URL:        entry.URL,
			Success:    true,
			StatusCode: fres.StatusCode,
			FromCache:  true,
			Depth:      entry.Depth,
		}
		if e.cache != nil {
			change := e.cache.NotModified(entry.URL)
			page.Change = &change
			page.ContentHash = e.cache.ContentHash(entry.URL)
		}
		res.page = page
		return res
	case fetcher.OutcomeSuccess:
		return e.buildSuccess(ctx, entry, fres, res)
	case fetcher.OutcomeSkipped:
		res.page = failedPage(entry, fres.StatusCode, "skipped: "+fres.Reason)
		return res
	case fetcher.OutcomeTooLarge:
		res.page = failedPage(entry, fres.StatusCode, "body too large: "+fres.Reason)
		return res
	default:
		res.page = failedPage(entry, fres.StatusCode, fmt.Sprintf("http status %d", fres.StatusCode))
		return res
	}
}

func (e *Engine) buildSuccess(ctx context.Context, entry frontier.Entry, fres *fetcher.Result, res *taskResult) *taskResult {
	finalURL := entry.URL
	if fres.FinalURL != nil {
		if normalized, err := urlutil.NormalizeURL(fres.FinalURL); err == nil {
			finalURL = normalized
		}
	}

	page := &types.PageResult{
		URL:        finalURL,
		Success:    true,
		StatusCode: fres.StatusCode,
		HTML:       string(fres.Body),
		Depth:      entry.Depth,
	}

	if e.cache != nil {
		hash := cache.HashContent(fres.Body)
		change := e.cache.Classify(entry.URL, hash)
		e.cache.SetValidators(entry.URL, fres.ETag, fres.LastModified)
		page.ContentHash = hash
		page.Change = &change
	}

	base := fres.FinalURL
	doc, err := extract.Parse(base, fres.Body)
	if err != nil {
		e.logger.Warn("extraction failed", "url", entry.URL, "error", err)
		res.page = page
		return res
	}
	page.Title = doc.Title()
	page.Text = doc.Text()
	page.Links = doc.Links()
	if e.cfg.Crawl.ExtractImages {
		page.Images = doc.Images()
	}
	if e.cfg.Crawl.ExtractSchema {
		page.SchemaData = doc.SchemaData()
	}
	res.links = page.Links

	if e.localizer != nil {
		assets := doc.Resources()
		localized, err := e.localizer.Localize(ctx, base, fres.Body, assets)
		if err != nil {
			e.logger.Warn("resource localization failed", "url", entry.URL, "error", err)
		} else {
			res.counts = localized.Counts
			if len(localized.HTML) > 0 {
				page.HTML = string(localized.HTML)
			}
		}
	}

	res.page = page
	return res
}

func failedPage(entry frontier.Entry, status int, reason string) *types.PageResult {
	return &types.PageResult{
		URL:        entry.URL,
		Success:    false,
		StatusCode: status,
		Depth:      entry.Depth,
		Error:      reason,
	}
}

// fold applies one task result to the frontier and the results map. It runs
// on the engine goroutine only.
func (e *Engine) fold(ctx context.Context, f *frontier.Frontier, res *taskResult, pages map[string]*types.PageResult) {
	if res.timedOut {
		f.Requeue(res.entry)
		return
	}
	page := res.page
	f.Complete(res.entry.URL, page.Success)
	pages[res.entry.URL] = page
	if !page.Success {
		f.RecordError(res.entry.URL + ": " + page.Error)
		e.logger.Debug("page failed", "url", res.entry.URL, "reason", page.Error)
	}

	for _, link := range res.links {
		f.RecordLink(link.URL)
		if link.IsExternal && !e.cfg.Crawl.FollowExternalLinks {
			continue
		}
		e.admit(ctx, f, link.URL, res.entry.Depth+1)
	}
	for resourceType, n := range res.counts {
		f.AddResources(resourceType, n)
	}

	if page.Success && !page.FromCache && e.sink != nil {
		rec := storage.PageRecord{
			JobID:       f.JobID(),
			URL:         res.entry.URL,
			FinalURL:    page.URL,
			Depth:       page.Depth,
			StatusCode:  page.StatusCode,
			Title:       page.Title,
			ContentHash: page.ContentHash,
			Text:        page.Text,
			FetchedAt:   time.Now().UTC(),
		}
		if err := e.sink.SavePage(ctx, rec); err != nil {
			e.logger.Warn("page persistence failed", "url", res.entry.URL, "error", err)
		}
	}
}

// admit gates a URL into the queue: it must be crawlable, within the depth
// limit, unseen, and allowed by robots.txt. Disallowed URLs are skipped
// silently; they are not failures.
func (e *Engine) admit(ctx context.Context, f *frontier.Frontier, rawURL string, depth int) bool {
	if depth > e.cfg.Crawl.MaxDepth {
		return false
	}
	if !urlutil.Crawlable(rawURL) {
		return false
	}
	if f.Visited(rawURL) {
		return false
	}
	target, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	if !e.robots.Allowed(ctx, target) {
		e.logger.Debug("robots disallow", "url", rawURL)
		return false
	}
	return f.Enqueue(rawURL, depth)
}

// seedFrontier admits the seed and, when enabled, the URLs advertised by the
// site's sitemap.
func (e *Engine) seedFrontier(ctx context.Context, f *frontier.Frontier, seed *url.URL) {
	e.admit(ctx, f, f.SeedURL(), 0)
	if !e.cfg.Crawl.SitemapDiscovery {
		return
	}
	for _, u := range e.sitemaps.Discover(ctx, seed) {
		e.admit(ctx, f, u, 1)
	}
}

// budget is how many more URLs may be scheduled without breaching maxPages.
func (e *Engine) budget(f *frontier.Frontier) int {
	remaining := e.cfg.Crawl.MaxPages - f.VisitedCount() - f.InProgressLen()
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (e *Engine) persistCache() {
	if e.cache == nil {
		return
	}
	if err := e.cache.Persist(); err != nil {
		e.logger.Warn("content cache persist failed", "error", err)
	}
}

// newJobID derives a stable job identifier from the seed URL.
func newJobID(seed string) string {
	sum := md5.Sum([]byte(seed))
	return hex.EncodeToString(sum[:])[:12]
}

func buildLogger(cfg config.LoggingConfig) (*slog.Logger, error) {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("unsupported log level %q", cfg.Level)
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Structured {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler), nil
}

// Package sitemap discovers page URLs advertised by a site's sitemaps.
package sitemap

import (
	"context"
	"encoding/xml"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/ayauxd/website-crawler/internal/fetcher"
	"github.com/ayauxd/website-crawler/internal/urlutil"
)

// Well-known locations tried when robots.txt advertises no sitemap.
var fallbackPaths = []string{
	"/sitemap.xml",
	"/sitemap_index.xml",
	"/sitemap/sitemap.xml",
}

// maxIndexDepth bounds recursion through nested sitemap index files.
const maxIndexDepth = 3

// RobotsSource lists the sitemap URLs a host advertises in robots.txt.
type RobotsSource interface {
	Sitemaps(ctx context.Context, target *url.URL) []string
}

// Discoverer locates a site's sitemap and collects the page URLs it lists.
type Discoverer struct {
	fetcher fetcher.Fetcher
	robots  RobotsSource
	retry   fetcher.RetryPolicy
	logger  *slog.Logger
}

func NewDiscoverer(f fetcher.Fetcher, robots RobotsSource, logger *slog.Logger) *Discoverer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discoverer{
		fetcher: f,
		robots:  robots,
		retry:   fetcher.DefaultRetryPolicy(),
		logger:  logger,
	}
}

type sitemapIndex struct {
	XMLName  xml.Name `xml:"sitemapindex"`
	Sitemaps []struct {
		Loc string `xml:"loc"`
	} `xml:"sitemap"`
}

type urlSet struct {
	XMLName xml.Name `xml:"urlset"`
	URLs    []struct {
		Loc string `xml:"loc"`
	} `xml:"url"`
}

// Discover returns the normalized page URLs listed by the first sitemap
// candidate that yields any. Candidates are the robots.txt Sitemap
// directives, in order, then the well-known fallback paths. An empty slice
// means the site advertises no usable sitemap; that is not an error.
func (d *Discoverer) Discover(ctx context.Context, seed *url.URL) []string {
	var candidates []string
	if d.robots != nil {
		candidates = append(candidates, d.robots.Sitemaps(ctx, seed)...)
	}
	for _, p := range fallbackPaths {
		candidates = append(candidates, (&url.URL{Scheme: seed.Scheme, Host: seed.Host, Path: p}).String())
	}

	for _, cand := range candidates {
		urls, err := d.collect(ctx, cand, 0)
		if err != nil {
			d.logger.Debug("sitemap candidate failed", "url", cand, "error", err)
			continue
		}
		if len(urls) > 0 {
			d.logger.Info("sitemap discovered", "url", cand, "pages", len(urls))
			return urls
		}
	}
	return nil
}

// collect fetches one sitemap document and returns the page URLs it lists,
// recursing through index files. Duplicates are removed, in first-seen order.
func (d *Discoverer) collect(ctx context.Context, loc string, depth int) ([]string, error) {
	if depth > maxIndexDepth {
		return nil, fmt.Errorf("sitemap index nested more than %d levels", maxIndexDepth)
	}
	target, err := url.Parse(loc)
	if err != nil {
		return nil, fmt.Errorf("parse sitemap url: %w", err)
	}

	var res *fetcher.Result
	err = d.retry.Do(ctx, func() error {
		var ferr error
		res, ferr = d.fetcher.Fetch(ctx, fetcher.Request{URL: target, AnyContentType: true})
		return ferr
	})
	if err != nil {
		return nil, fmt.Errorf("fetch sitemap: %w", err)
	}
	if res.Outcome != fetcher.OutcomeSuccess {
		return nil, fmt.Errorf("sitemap fetch returned status %d", res.StatusCode)
	}

	// Try an index document first; a urlset element will not decode into it.
	var index sitemapIndex
	if xml.Unmarshal(res.Body, &index) == nil && len(index.Sitemaps) > 0 {
		var pages []string
		for _, child := range index.Sitemaps {
			childLoc := strings.TrimSpace(child.Loc)
			if childLoc == "" {
				continue
			}
			childPages, err := d.collect(ctx, childLoc, depth+1)
			if err != nil {
				d.logger.Warn("nested sitemap skipped", "url", childLoc, "error", err)
				continue
			}
			pages = append(pages, childPages...)
		}
		return dedupe(pages), nil
	}

	var set urlSet
	if err := xml.Unmarshal(res.Body, &set); err != nil {
		return nil, fmt.Errorf("parse sitemap xml: %w", err)
	}
	var pages []string
	for _, entry := range set.URLs {
		normalized, err := urlutil.Normalize(strings.TrimSpace(entry.Loc))
		if err != nil {
			continue
		}
		pages = append(pages, normalized)
	}
	return dedupe(pages), nil
}

func dedupe(urls []string) []string {
	seen := make(map[string]struct{}, len(urls))
	out := urls[:0]
	for _, u := range urls {
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}

// Package resources downloads the CSS, JS, and font assets a page references
// and stores them locally, optionally rewriting the page HTML to point at
// the local copies.
package resources

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/ayauxd/website-crawler/internal/config"
	"github.com/ayauxd/website-crawler/internal/extract"
	"github.com/ayauxd/website-crawler/internal/fetcher"
)

// Type names double as the on-disk directory and the counter key in the
// crawl state's resourcesDownloaded map.
const (
	TypeCSS  = "css"
	TypeJS   = "js"
	TypeFont = "fonts"
)

var defaultExtensions = map[string]string{
	TypeCSS:  ".css",
	TypeJS:   ".js",
	TypeFont: ".woff",
}

// Result reports one page's localization: how many assets of each type were
// stored, where each remote URL landed, and which downloads failed.
type Result struct {
	Counts map[string]int
	Saved  map[string]string
	Failed []string
	HTML   []byte
}

// Localizer downloads page assets through the shared fetcher and retry
// policy. Failed downloads are recorded and never abort the page.
type Localizer struct {
	fetcher    fetcher.Fetcher
	retry      fetcher.RetryPolicy
	dir        string
	rewrite    bool
	maxPerPage int
	logger     *slog.Logger
}

func NewLocalizer(f fetcher.Fetcher, cfg config.ResourcesConfig, dir string, logger *slog.Logger) *Localizer {
	if logger == nil {
		logger = slog.Default()
	}
	retry := fetcher.DefaultRetryPolicy()
	if cfg.MaxRetries > 0 {
		retry.MaxRetries = cfg.MaxRetries
	}
	return &Localizer{
		fetcher:    f,
		retry:      retry,
		dir:        dir,
		rewrite:    cfg.RewriteHTML,
		maxPerPage: cfg.MaxPerPage,
		logger:     logger,
	}
}

// Localize downloads the assets discovered on one page. pageHTML is only
// consulted when rewriting is enabled; the rewritten document is returned in
// Result.HTML, otherwise Result.HTML is nil.
func (l *Localizer) Localize(ctx context.Context, pageURL *url.URL, pageHTML []byte, res extract.Resources) (*Result, error) {
	result := &Result{
		Counts: map[string]int{},
		Saved:  map[string]string{},
	}

	l.fetchAll(ctx, res.Stylesheets, TypeCSS, result, func(cssURL string, body []byte) {
		// @font-face rules usually live in external stylesheets; resolve
		// their url() references against the stylesheet, not the page.
		base, err := url.Parse(cssURL)
		if err != nil {
			return
		}
		var fonts []string
		for _, ref := range extract.FontURLs(string(body)) {
			parsed, err := url.Parse(ref)
			if err != nil {
				continue
			}
			fonts = append(fonts, base.ResolveReference(parsed).String())
		}
		l.fetchAll(ctx, fonts, TypeFont, result, nil)
	})
	l.fetchAll(ctx, res.Scripts, TypeJS, result, nil)
	l.fetchAll(ctx, res.Fonts, TypeFont, result, nil)

	if l.rewrite && len(result.Saved) > 0 {
		rewritten, err := rewriteHTML(pageHTML, result.Saved)
		if err != nil {
			l.logger.Warn("html rewrite failed", "url", pageURL, "error", err)
		} else {
			result.HTML = rewritten
		}
	}
	return result, nil
}

func (l *Localizer) fetchAll(ctx context.Context, urls []string, resourceType string, result *Result, onBody func(string, []byte)) {
	for _, raw := range urls {
		if l.maxPerPage > 0 && len(result.Saved) >= l.maxPerPage {
			return
		}
		if _, done := result.Saved[raw]; done {
			continue
		}
		body, err := l.download(ctx, raw)
		if err != nil {
			l.logger.Warn("resource download failed", "url", raw, "type", resourceType, "error", err)
			result.Failed = append(result.Failed, raw)
			continue
		}
		local, err := l.store(raw, resourceType, body)
		if err != nil {
			l.logger.Warn("resource store failed", "url", raw, "error", err)
			result.Failed = append(result.Failed, raw)
			continue
		}
		result.Saved[raw] = local
		result.Counts[resourceType]++
		if onBody != nil {
			onBody(raw, body)
		}
	}
}

func (l *Localizer) download(ctx context.Context, raw string) ([]byte, error) {
	target, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse resource url: %w", err)
	}
	var res *fetcher.Result
	err = l.retry.Do(ctx, func() error {
		var ferr error
		res, ferr = l.fetcher.Fetch(ctx, fetcher.Request{URL: target, AnyContentType: true})
		return ferr
	})
	if err != nil {
		return nil, err
	}
	if res.Outcome != fetcher.OutcomeSuccess {
		return nil, fmt.Errorf("status %d", res.StatusCode)
	}
	return res.Body, nil
}

func (l *Localizer) store(raw, resourceType string, body []byte) (string, error) {
	name := Filename(raw, resourceType)
	rel := path.Join(resourceType, name)
	full := filepath.Join(l.dir, resourceType, name)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("create resource dir: %w", err)
	}
	if err := os.WriteFile(full, body, 0o644); err != nil {
		return "", fmt.Errorf("write resource: %w", err)
	}
	return rel, nil
}

// Filename derives a safe local file name for a resource URL. The URL path's
// base name is used when it has an extension; otherwise, or when a query
// string makes the name ambiguous, a short URL hash disambiguates it.
func Filename(raw, resourceType string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return shortHash(raw) + defaultExtensions[resourceType]
	}
	name := path.Base(parsed.Path)
	if name == "." || name == "/" || !strings.Contains(name, ".") {
		return shortHash(raw) + defaultExtensions[resourceType]
	}
	if parsed.RawQuery != "" {
		ext := path.Ext(name)
		name = strings.TrimSuffix(name, ext) + "_" + shortHash(raw) + ext
	}
	return name
}

func shortHash(raw string) string {
	sum := md5.Sum([]byte(raw))
	return hex.EncodeToString(sum[:])[:8]
}

// rewriteHTML repoints stylesheet hrefs, script srcs, and inline-CSS font
// references at their local copies. Markup not tied to a saved resource is
// left untouched.
func rewriteHTML(pageHTML []byte, saved map[string]string) ([]byte, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(pageHTML))
	if err != nil {
		return nil, fmt.Errorf("parse html for rewrite: %w", err)
	}
	replace := func(s *goquery.Selection, attr string) {
		ref, ok := s.Attr(attr)
		if !ok {
			return
		}
		if local := lookupSaved(saved, ref); local != "" {
			s.SetAttr(attr, local)
		}
	}
	doc.Find(`link[rel="stylesheet"]`).Each(func(_ int, s *goquery.Selection) { replace(s, "href") })
	doc.Find("script[src]").Each(func(_ int, s *goquery.Selection) { replace(s, "src") })
	doc.Find("style").Each(func(_ int, s *goquery.Selection) {
		css := s.Text()
		changed := false
		for remote, local := range saved {
			for _, ref := range []string{remote, remoteRefVariants(remote)} {
				if ref != "" && strings.Contains(css, ref) {
					css = strings.ReplaceAll(css, ref, local)
					changed = true
				}
			}
		}
		if changed {
			s.SetText(css)
		}
	})

	out, err := doc.Html()
	if err != nil {
		return nil, fmt.Errorf("serialize rewritten html: %w", err)
	}
	return []byte(out), nil
}

// lookupSaved matches an attribute value to a saved resource, tolerating the
// attribute being relative while the saved key is absolute.
func lookupSaved(saved map[string]string, ref string) string {
	if local, ok := saved[ref]; ok {
		return local
	}
	for remote, local := range saved {
		if strings.HasSuffix(remote, ref) {
			return local
		}
	}
	return ""
}

// remoteRefVariants returns the path-only form of an absolute URL, the shape
// inline CSS most often uses.
func remoteRefVariants(remote string) string {
	parsed, err := url.Parse(remote)
	if err != nil {
		return ""
	}
	if parsed.Path == "" {
		return ""
	}
	ref := parsed.Path
	if parsed.RawQuery != "" {
		ref += "?" + parsed.RawQuery
	}
	return ref
}

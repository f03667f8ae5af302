package types

import (
	"net/url"
	"time"
)

// CrawlRequest models a work item handed to the fetcher.
type CrawlRequest struct {
	URL        *url.URL
	Depth      int
	Render     bool
	EnqueuedAt time.Time
}

// Link is a hyperlink discovered on a page, resolved to an absolute URL.
type Link struct {
	URL        string `json:"url"`
	Text       string `json:"text,omitempty"`
	IsExternal bool   `json:"is_external"`
}

// Image is an <img> reference discovered on a page.
type Image struct {
	URL    string `json:"url"`
	Alt    string `json:"alt,omitempty"`
	Title  string `json:"title,omitempty"`
	Width  string `json:"width,omitempty"`
	Height string `json:"height,omitempty"`
}

// ChangeInfo reports whether page content differs from the previous crawl.
type ChangeInfo struct {
	IsChanged   bool      `json:"is_changed"`
	FirstSeen   time.Time `json:"first_seen"`
	LastChanged time.Time `json:"last_changed"`
}

// PageResult is the per-URL outcome folded into the crawl results. It is
// ephemeral: the engine consumes it and keeps only what the results object
// and the content cache need.
type PageResult struct {
	URL         string           `json:"url"`
	Success     bool             `json:"success"`
	StatusCode  int              `json:"status_code,omitempty"`
	Title       string           `json:"title,omitempty"`
	HTML        string           `json:"html,omitempty"`
	Text        string           `json:"text,omitempty"`
	Links       []Link           `json:"links,omitempty"`
	Images      []Image          `json:"images,omitempty"`
	SchemaData  []map[string]any `json:"schema_data,omitempty"`
	ContentHash string           `json:"content_hash,omitempty"`
	Change      *ChangeInfo      `json:"change_data,omitempty"`
	FromCache   bool             `json:"from_cache,omitempty"`
	Depth       int              `json:"depth"`
	Error       string           `json:"error,omitempty"`
}

// ResultsMetadata summarises a completed run-to-completion crawl.
type ResultsMetadata struct {
	StartTime   time.Time      `json:"start_time"`
	EndTime     time.Time      `json:"end_time"`
	TotalPages  int            `json:"total_pages"`
	FailedPages int            `json:"failed_pages"`
	Settings    map[string]any `json:"settings"`
}

// Results is the in-memory crawl output consumed by downstream writers.
type Results struct {
	Pages    map[string]*PageResult `json:"pages"`
	Metadata ResultsMetadata        `json:"metadata"`
}

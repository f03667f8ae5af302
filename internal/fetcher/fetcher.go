// Package fetcher issues single HTTP GETs for the crawl engine, classifying
// every response into an outcome the engine can fold without inspecting
// transport details.
package fetcher

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
)

// Outcome classifies a completed fetch.
type Outcome int

const (
	// OutcomeSuccess is a 200 response whose body was read in full.
	OutcomeSuccess Outcome = iota
	// OutcomeNotModified is a 304 response to a conditional request.
	OutcomeNotModified
	// OutcomeSkipped is a 200 response with a content type the caller
	// does not want (non-HTML page fetches).
	OutcomeSkipped
	// OutcomeTooLarge is a response whose declared or streamed size
	// exceeded the configured limit.
	OutcomeTooLarge
	// OutcomeHTTPError is any other HTTP status.
	OutcomeHTTPError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeNotModified:
		return "not_modified"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeTooLarge:
		return "too_large"
	case OutcomeHTTPError:
		return "http_error"
	default:
		return "unknown"
	}
}

// Request describes one fetch. Conditional validators, when set, are sent as
// If-None-Match / If-Modified-Since. AnyContentType admits non-HTML bodies;
// page fetches leave it false so binary responses become OutcomeSkipped.
type Request struct {
	URL             *url.URL
	IfNoneMatch     string
	IfModifiedSince string
	AnyContentType  bool
}

// Result is the classified outcome of a fetch.
type Result struct {
	Outcome      Outcome
	StatusCode   int
	FinalURL     *url.URL
	ContentType  string
	ETag         string
	LastModified string
	Body         []byte
	// Size holds the offending byte count for OutcomeTooLarge.
	Size    int64
	Reason  string
	Latency time.Duration
}

// Fetcher retrieves a single URL.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (*Result, error)
}

// Options controls HTTP fetching behaviour.
type Options struct {
	UserAgent    string
	Timeout      time.Duration
	MaxBodyBytes int64
}

// HTTPFetcher implements Fetcher via the Go http.Client.
type HTTPFetcher struct {
	client       *http.Client
	userAgent    string
	maxBodyBytes int64
}

// NewHTTPFetcher constructs an HTTP fetcher using the provided options.
func NewHTTPFetcher(opts Options) *HTTPFetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 10 * 1024 * 1024
	}

	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &HTTPFetcher{
		client: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		},
		userAgent:    opts.UserAgent,
		maxBodyBytes: opts.MaxBodyBytes,
	}
}

// Client exposes the underlying HTTP client for reuse (eg. robots.txt fetches).
func (f *HTTPFetcher) Client() *http.Client {
	if f == nil {
		return nil
	}
	return f.client
}

// Fetch downloads a single URL. Redirects are followed by the client's
// default policy; the final URL lands in Result.FinalURL so the engine can
// record the canonical crawled URL.
func (f *HTTPFetcher) Fetch(ctx context.Context, req Request) (*Result, error) {
	if req.URL == nil {
		return nil, errors.New("request URL is nil")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	if f.userAgent != "" {
		httpReq.Header.Set("User-Agent", f.userAgent)
	}
	httpReq.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	httpReq.Header.Set("Accept-Language", "en-US,en;q=0.8")
	httpReq.Header.Set("Accept-Encoding", "gzip, deflate, br")
	if req.IfNoneMatch != "" {
		httpReq.Header.Set("If-None-Match", req.IfNoneMatch)
	}
	if req.IfModifiedSince != "" {
		httpReq.Header.Set("If-Modified-Since", req.IfModifiedSince)
	}

	start := time.Now()
	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http fetch failed: %w", err)
	}
	defer resp.Body.Close()

	finalURL := req.URL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL
	}

	result := &Result{
		StatusCode:   resp.StatusCode,
		FinalURL:     finalURL,
		ContentType:  resp.Header.Get("Content-Type"),
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
		Latency:      time.Since(start),
	}

	if resp.StatusCode == http.StatusNotModified {
		result.Outcome = OutcomeNotModified
		return result, nil
	}
	if resp.StatusCode != http.StatusOK {
		result.Outcome = OutcomeHTTPError
		result.Reason = fmt.Sprintf("HTTP %d", resp.StatusCode)
		return result, nil
	}

	if declared := resp.Header.Get("Content-Length"); declared != "" {
		if n, err := strconv.ParseInt(declared, 10, 64); err == nil && n > f.maxBodyBytes {
			result.Outcome = OutcomeTooLarge
			result.Size = n
			result.Reason = fmt.Sprintf("declared size %d bytes", n)
			return result, nil
		}
	}

	contentType := strings.ToLower(result.ContentType)
	if !req.AnyContentType && !strings.HasPrefix(contentType, "text/html") {
		result.Outcome = OutcomeSkipped
		result.Reason = "non-html: " + contentType
		return result, nil
	}

	body, err := f.readBody(resp)
	if err != nil {
		if errors.Is(err, errBodyTooLarge) {
			result.Outcome = OutcomeTooLarge
			result.Size = f.maxBodyBytes
			result.Reason = fmt.Sprintf("body exceeds %d bytes", f.maxBodyBytes)
			return result, nil
		}
		return nil, err
	}

	result.Outcome = OutcomeSuccess
	result.Body = body
	return result, nil
}

var errBodyTooLarge = errors.New("response body exceeds limit")

func (f *HTTPFetcher) readBody(resp *http.Response) ([]byte, error) {
	if resp == nil || resp.Body == nil {
		return nil, errors.New("empty response body")
	}

	reader := io.Reader(resp.Body)
	var closers []io.Closer

	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	switch encoding {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("gzip decode: %w", err)
		}
		reader = gz
		closers = append(closers, gz)
	case "br":
		reader = brotli.NewReader(resp.Body)
	case "deflate":
		fl := flate.NewReader(resp.Body)
		reader = fl
		closers = append(closers, fl)
	}

	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].Close()
		}
	}()

	limited := io.LimitReader(reader, f.maxBodyBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > f.maxBodyBytes {
		return nil, errBodyTooLarge
	}
	return body, nil
}

package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"
)

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	return u
}

func TestFetchSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") != "TestBot/1.0" {
			t.Errorf("missing user agent, got %q", r.Header.Get("User-Agent"))
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("ETag", `"abc"`)
		w.Write([]byte("<html><body>hello</body></html>"))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(Options{UserAgent: "TestBot/1.0"})
	res, err := f.Fetch(context.Background(), Request{URL: mustParse(t, srv.URL+"/page")})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if res.Outcome != OutcomeSuccess {
		t.Fatalf("outcome = %v, want success", res.Outcome)
	}
	if res.ETag != `"abc"` {
		t.Fatalf("etag = %q", res.ETag)
	}
	if !strings.Contains(string(res.Body), "hello") {
		t.Fatalf("unexpected body %q", res.Body)
	}
}

func TestFetchConditionalNotModified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"abc"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html></html>"))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(Options{})
	res, err := f.Fetch(context.Background(), Request{URL: mustParse(t, srv.URL), IfNoneMatch: `"abc"`})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if res.Outcome != OutcomeNotModified {
		t.Fatalf("outcome = %v, want not_modified", res.Outcome)
	}
}

func TestFetchNonHTMLSkipped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		w.Write([]byte("%PDF-"))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(Options{})
	res, err := f.Fetch(context.Background(), Request{URL: mustParse(t, srv.URL)})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if res.Outcome != OutcomeSkipped {
		t.Fatalf("outcome = %v, want skipped", res.Outcome)
	}

	// The same response is admitted for resource fetches.
	res, err = f.Fetch(context.Background(), Request{URL: mustParse(t, srv.URL), AnyContentType: true})
	if err != nil {
		t.Fatalf("fetch any: %v", err)
	}
	if res.Outcome != OutcomeSuccess {
		t.Fatalf("outcome = %v, want success for AnyContentType", res.Outcome)
	}
}

func TestFetchTooLarge(t *testing.T) {
	big := strings.Repeat("x", 2048)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(big))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(Options{MaxBodyBytes: 1024})
	res, err := f.Fetch(context.Background(), Request{URL: mustParse(t, srv.URL)})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if res.Outcome != OutcomeTooLarge {
		t.Fatalf("outcome = %v, want too_large", res.Outcome)
	}
}

func TestFetchHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	defer srv.Close()

	f := NewHTTPFetcher(Options{})
	res, err := f.Fetch(context.Background(), Request{URL: mustParse(t, srv.URL)})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if res.Outcome != OutcomeHTTPError || res.StatusCode != http.StatusGone {
		t.Fatalf("outcome = %v status %d", res.Outcome, res.StatusCode)
	}
}

func TestFetchNetworkError(t *testing.T) {
	f := NewHTTPFetcher(Options{Timeout: 200 * time.Millisecond})
	_, err := f.Fetch(context.Background(), Request{URL: mustParse(t, "http://127.0.0.1:1/")})
	if err == nil {
		t.Fatal("expected a transport error")
	}
}

func TestFetchFollowsRedirects(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/":
			http.Redirect(w, r, srv.URL+"/final", http.StatusMovedPermanently)
		case "/final":
			w.Header().Set("Content-Type", "text/html")
			w.Write([]byte("<html>done</html>"))
		}
	}))
	defer srv.Close()

	f := NewHTTPFetcher(Options{})
	res, err := f.Fetch(context.Background(), Request{URL: mustParse(t, srv.URL+"/")})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if res.Outcome != OutcomeSuccess {
		t.Fatalf("outcome = %v", res.Outcome)
	}
	if res.FinalURL.Path != "/final" {
		t.Fatalf("final url = %q, want /final", res.FinalURL)
	}
}

func TestRetryPolicy(t *testing.T) {
	calls := 0
	policy := RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond, BackoffMultiplier: 2}
	err := policy.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return context.DeadlineExceeded
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

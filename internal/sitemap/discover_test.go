package sitemap

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/ayauxd/website-crawler/internal/fetcher"
)

type staticRobots struct{ urls []string }

func (s staticRobots) Sitemaps(context.Context, *url.URL) []string { return s.urls }

func urlset(locs ...string) string {
	body := `<?xml version="1.0" encoding="UTF-8"?><urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">`
	for _, loc := range locs {
		body += "<url><loc>" + loc + "</loc></url>"
	}
	return body + "</urlset>"
}

func newDiscoverer(srv *httptest.Server, robots RobotsSource) *Discoverer {
	d := NewDiscoverer(fetcher.NewHTTPFetcher(fetcher.Options{}), robots, nil)
	d.retry = fetcher.RetryPolicy{MaxRetries: 0}
	return d
}

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	return u
}

func TestDiscoverFallbackSitemap(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sitemap.xml" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, urlset(srv.URL+"/a", srv.URL+"/b", srv.URL+"/a"))
	}))
	defer srv.Close()

	d := newDiscoverer(srv, staticRobots{})
	got := d.Discover(context.Background(), mustParse(t, srv.URL))
	if len(got) != 2 {
		t.Fatalf("got %d urls %v, want 2 deduplicated", len(got), got)
	}
	if got[0] != srv.URL+"/a" || got[1] != srv.URL+"/b" {
		t.Fatalf("unexpected urls %v", got)
	}
}

func TestDiscoverPrefersRobotsDirective(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/custom-map.xml":
			fmt.Fprint(w, urlset(srv.URL+"/from-robots"))
		case "/sitemap.xml":
			fmt.Fprint(w, urlset(srv.URL+"/from-fallback"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	d := newDiscoverer(srv, staticRobots{urls: []string{srv.URL + "/custom-map.xml"}})
	got := d.Discover(context.Background(), mustParse(t, srv.URL))
	if len(got) != 1 || got[0] != srv.URL+"/from-robots" {
		t.Fatalf("got %v, want the robots-advertised sitemap to win", got)
	}
}

func TestDiscoverSitemapIndex(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/sitemap.xml":
			fmt.Fprintf(w, `<?xml version="1.0"?><sitemapindex xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">`+
				`<sitemap><loc>%s/part1.xml</loc></sitemap>`+
				`<sitemap><loc>%s/part2.xml</loc></sitemap>`+
				`</sitemapindex>`, srv.URL, srv.URL)
		case "/part1.xml":
			fmt.Fprint(w, urlset(srv.URL+"/p1"))
		case "/part2.xml":
			fmt.Fprint(w, urlset(srv.URL+"/p2"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	d := newDiscoverer(srv, staticRobots{})
	got := d.Discover(context.Background(), mustParse(t, srv.URL))
	if len(got) != 2 || got[0] != srv.URL+"/p1" || got[1] != srv.URL+"/p2" {
		t.Fatalf("got %v, want pages from both index children", got)
	}
}

func TestDiscoverMalformedXMLMovesOn(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/sitemap.xml":
			fmt.Fprint(w, "<urlset><url><loc>broken")
		case "/sitemap_index.xml":
			fmt.Fprint(w, urlset(srv.URL+"/ok"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	d := newDiscoverer(srv, staticRobots{})
	got := d.Discover(context.Background(), mustParse(t, srv.URL))
	if len(got) != 1 || got[0] != srv.URL+"/ok" {
		t.Fatalf("got %v, want the next candidate after malformed XML", got)
	}
}

func TestDiscoverNoSitemap(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	d := newDiscoverer(srv, staticRobots{})
	if got := d.Discover(context.Background(), mustParse(t, srv.URL)); got != nil {
		t.Fatalf("got %v, want nil when no sitemap exists", got)
	}
}

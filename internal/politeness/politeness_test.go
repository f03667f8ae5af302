package politeness

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/ayauxd/website-crawler/internal/config"
)

func TestAgentAllowed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			w.Write([]byte("User-agent: *\nDisallow: /private/\nSitemap: https://example.com/sm.xml\n"))
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	agent := NewAgent(config.RobotsConfig{Respect: true, UserAgent: "TestBot/1.0"}, srv.Client())

	open, _ := url.Parse(srv.URL + "/public/page")
	if !agent.Allowed(context.Background(), open) {
		t.Fatal("expected /public/page to be allowed")
	}
	blocked, _ := url.Parse(srv.URL + "/private/page")
	if agent.Allowed(context.Background(), blocked) {
		t.Fatal("expected /private/page to be disallowed")
	}

	maps := agent.Sitemaps(context.Background(), open)
	if len(maps) != 1 || maps[0] != "https://example.com/sm.xml" {
		t.Fatalf("unexpected sitemap directives: %v", maps)
	}
}

func TestAgentFailsOpen(t *testing.T) {
	// No server at all: the robots fetch fails and the agent must allow.
	agent := NewAgent(config.RobotsConfig{Respect: true, UserAgent: "TestBot/1.0"},
		&http.Client{Timeout: 100 * time.Millisecond})
	u, _ := url.Parse("http://127.0.0.1:1/page")
	if !agent.Allowed(context.Background(), u) {
		t.Fatal("expected fail-open when robots.txt is unreachable")
	}
}

func TestAgentRespectDisabled(t *testing.T) {
	agent := NewAgent(config.RobotsConfig{Respect: false, UserAgent: "TestBot/1.0"}, nil)
	u, _ := url.Parse("http://example.com/anything")
	if !agent.Allowed(context.Background(), u) {
		t.Fatal("expected allowed when respect is disabled")
	}
}

func TestLimiterMinimumInterval(t *testing.T) {
	interval := 120 * time.Millisecond
	limiter := NewLimiter(5, 2, interval)

	var mu sync.Mutex
	var starts []time.Time

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := limiter.Acquire(context.Background(), "a.test")
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			mu.Lock()
			starts = append(starts, time.Now())
			mu.Unlock()
			release()
		}()
	}
	wg.Wait()

	if len(starts) != 2 {
		t.Fatalf("expected 2 starts, got %d", len(starts))
	}
	gap := starts[1].Sub(starts[0])
	if gap < 0 {
		gap = -gap
	}
	// Allow slight scheduler jitter below the nominal interval.
	if gap < interval-20*time.Millisecond {
		t.Fatalf("request starts %v apart, want >= %v", gap, interval)
	}
}

func TestLimiterDomainSlots(t *testing.T) {
	limiter := NewLimiter(10, 1, 0)

	release, err := limiter.Acquire(context.Background(), "a.test")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	// Second acquire on the same domain must block until release.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := limiter.Acquire(ctx, "a.test"); err == nil {
		t.Fatal("expected second same-domain acquire to block")
	}

	// A different domain is not affected.
	otherRelease, err := limiter.Acquire(context.Background(), "b.test")
	if err != nil {
		t.Fatalf("acquire other domain: %v", err)
	}
	otherRelease()

	release()
	again, err := limiter.Acquire(context.Background(), "a.test")
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	again()
}

func TestLimiterGlobalCap(t *testing.T) {
	limiter := NewLimiter(1, 2, 0)

	release, err := limiter.Acquire(context.Background(), "a.test")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := limiter.Acquire(ctx, "b.test"); err == nil {
		t.Fatal("expected global cap to block a second domain")
	}
}

package crawler

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"docsearch/config"
	"docsearch/internal/domain"
	"docsearch/internal/port"
)

type stubResponse struct {
	res *port.FetchResult
	err error
}

// stubFetcher serves scripted responses per URL; the last response for
// a URL repeats.
type stubFetcher struct {
	mu        sync.Mutex
	responses map[string][]stubResponse
	calls     map[string]int
	lastCond  map[string]port.Conditional
}

func newStubFetcher() *stubFetcher {
	return &stubFetcher{
		responses: make(map[string][]stubResponse),
		calls:     make(map[string]int),
		lastCond:  make(map[string]port.Conditional),
	}
}

func (f *stubFetcher) add(url string, res *port.FetchResult, err error) {
	f.responses[url] = append(f.responses[url], stubResponse{res: res, err: err})
}

func (f *stubFetcher) Fetch(_ context.Context, rawURL string, cond port.Conditional) (*port.FetchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls[rawURL]++
	f.lastCond[rawURL] = cond

	q := f.responses[rawURL]
	if len(q) == 0 {
		return &port.FetchResult{FinalURL: rawURL, StatusCode: 404}, nil
	}
	r := q[0]
	if len(q) > 1 {
		f.responses[rawURL] = q[1:]
	}
	return r.res, r.err
}

func (f *stubFetcher) callCount(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

func htmlResult(url, body string) *port.FetchResult {
	return &port.FetchResult{
		FinalURL:    url,
		StatusCode:  200,
		Body:        []byte(body),
		ContentType: "text/html; charset=utf-8",
	}
}

func testCrawlConfig() config.CrawlConfig {
	return config.CrawlConfig{
		MaxPages:          20,
		Concurrency:       1,
		RequestsPerSecond: 1000,
		MaxRetries:        2,
		RetryBaseMs:       100,
		RetryMaxMs:        1000,
		FailureThreshold:  5,
		FailureWindowSec:  60,
		CooldownSec:       120,
	}
}

func collectPages(t *testing.T, c *Crawler, seeds []string) ([]domain.Page, *domain.CrawlSummary) {
	t.Helper()
	var pages []domain.Page
	summary, err := c.Run(context.Background(), seeds, func(p domain.Page) error {
		pages = append(pages, p)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return pages, summary
}

func TestCrawlFollowsLinksAndDeduplicates(t *testing.T) {
	f := newStubFetcher()
	f.add("https://docs.example.com", htmlResult("https://docs.example.com",
		`<a href="/guide">guide</a> <a href="/guide/">dup</a> <a href="/guide#frag">dup2</a>`), nil)
	f.add("https://docs.example.com/guide", htmlResult("https://docs.example.com/guide",
		`<a href="/">back</a>`), nil)

	c := New(f, nil, newFakeClock(), testCrawlConfig(), nil)
	pages, summary := collectPages(t, c, []string{"https://docs.example.com/"})

	if summary.Fetched != 2 {
		t.Fatalf("expected 2 fetched, got %+v", summary)
	}
	if len(pages) != 2 {
		t.Fatalf("expected 2 pages, got %d", len(pages))
	}
	if got := f.callCount("https://docs.example.com/guide"); got != 1 {
		t.Errorf("expected guide fetched once, got %d", got)
	}
}

func TestCrawlSkipsNonHTMLContent(t *testing.T) {
	f := newStubFetcher()
	f.add("https://docs.example.com/file.pdf", &port.FetchResult{
		FinalURL:    "https://docs.example.com/file.pdf",
		StatusCode:  200,
		Body:        []byte("%PDF-1.4"),
		ContentType: "application/pdf",
	}, nil)

	c := New(f, nil, newFakeClock(), testCrawlConfig(), nil)
	pages, summary := collectPages(t, c, []string{"https://docs.example.com/file.pdf"})

	if len(pages) != 0 {
		t.Fatalf("expected no pages, got %d", len(pages))
	}
	if summary.Skipped != 1 {
		t.Errorf("expected 1 skipped, got %+v", summary)
	}
}

func TestCrawlRefusesOffHostRedirect(t *testing.T) {
	f := newStubFetcher()
	f.add("https://docs.example.com/start",
		htmlResult("https://malicious.example.net/redirected", "<p>redirected</p>"), nil)

	c := New(f, nil, newFakeClock(), testCrawlConfig(), nil)
	pages, summary := collectPages(t, c, []string{"https://docs.example.com/start"})

	if len(pages) != 0 {
		t.Fatalf("expected redirect off base domain to be refused, got %d pages", len(pages))
	}
	if summary.Skipped != 1 {
		t.Errorf("expected 1 skipped, got %+v", summary)
	}
}

func TestCrawlRetriesTransientFailures(t *testing.T) {
	url := "https://docs.example.com/flaky"
	f := newStubFetcher()
	f.add(url, &port.FetchResult{FinalURL: url, StatusCode: 503}, nil)
	f.add(url, &port.FetchResult{FinalURL: url, StatusCode: 503}, nil)
	f.add(url, htmlResult(url, "<p>finally some real page content</p>"), nil)

	clock := newFakeClock()
	c := New(f, nil, clock, testCrawlConfig(), nil)
	pages, summary := collectPages(t, c, []string{url})

	if len(pages) != 1 || summary.Fetched != 1 {
		t.Fatalf("expected page after retries, got %d pages, %+v", len(pages), summary)
	}
	if got := f.callCount(url); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
}

func TestCrawlStopsRetryingPermanentFailures(t *testing.T) {
	url := "https://docs.example.com/gone"
	f := newStubFetcher()
	f.add(url, &port.FetchResult{FinalURL: url, StatusCode: 404}, nil)

	c := New(f, nil, newFakeClock(), testCrawlConfig(), nil)
	_, summary := collectPages(t, c, []string{url})

	if summary.Failed != 1 {
		t.Fatalf("expected 1 failed, got %+v", summary)
	}
	if got := f.callCount(url); got != 1 {
		t.Errorf("expected single attempt for 404, got %d", got)
	}
}

func TestCrawlDefersWhenCircuitOpens(t *testing.T) {
	cfg := testCrawlConfig()
	cfg.MaxRetries = 0
	cfg.FailureThreshold = 2

	f := newStubFetcher()
	seeds := []string{
		"https://docs.example.com/a",
		"https://docs.example.com/b",
		"https://docs.example.com/c",
	}
	for _, s := range seeds {
		f.add(s, &port.FetchResult{FinalURL: s, StatusCode: 500}, nil)
	}

	c := New(f, nil, newFakeClock(), cfg, nil)
	_, summary := collectPages(t, c, seeds)

	if summary.Failed != 2 {
		t.Errorf("expected 2 failures before the circuit opened, got %+v", summary)
	}
	if summary.Deferred != 1 {
		t.Errorf("expected 1 deferred fetch, got %+v", summary)
	}
}

func TestCrawlHonorsPageLimit(t *testing.T) {
	cfg := testCrawlConfig()
	cfg.MaxPages = 1

	f := newStubFetcher()
	f.add("https://docs.example.com", htmlResult("https://docs.example.com",
		`<a href="/one">1</a><a href="/two">2</a>`), nil)
	f.add("https://docs.example.com/one", htmlResult("https://docs.example.com/one", "<p>one</p>"), nil)
	f.add("https://docs.example.com/two", htmlResult("https://docs.example.com/two", "<p>two</p>"), nil)

	c := New(f, nil, newFakeClock(), cfg, nil)
	pages, _ := collectPages(t, c, []string{"https://docs.example.com"})

	if len(pages) != 1 {
		t.Fatalf("expected page limit of 1, got %d pages", len(pages))
	}
}

func TestCrawlConditionalRefetch(t *testing.T) {
	url := "https://docs.example.com/guide"
	cachePath := filepath.Join(t.TempDir(), "cache.db")

	cache, err := OpenContentCache(cachePath)
	if err != nil {
		t.Fatal(err)
	}
	defer cache.Close()

	// First crawl: page served with an ETag.
	f := newStubFetcher()
	res := htmlResult(url, "<p>stable page content for caching</p>")
	res.ETag = `"v1"`
	f.add(url, res, nil)

	c := New(f, cache, newFakeClock(), testCrawlConfig(), nil)
	pages, _ := collectPages(t, c, []string{url})
	if len(pages) != 1 {
		t.Fatalf("expected initial fetch, got %d pages", len(pages))
	}

	// Second crawl: the server answers 304 and the handler receives
	// the cached copy instead of a fresh body.
	f2 := newStubFetcher()
	f2.add(url, &port.FetchResult{FinalURL: url, StatusCode: 304, NotModified: true}, nil)

	c2 := New(f2, cache, newFakeClock(), testCrawlConfig(), nil)
	pages2, summary := collectPages(t, c2, []string{url})

	if len(pages2) != 1 || !pages2[0].FromCache {
		t.Fatalf("expected cached page delivery on 304, got %+v", pages2)
	}
	if summary.NotModified != 1 {
		t.Errorf("expected 1 not-modified, got %+v", summary)
	}
	if cond := f2.lastCond[url]; cond.ETag != `"v1"` {
		t.Errorf("expected conditional request with cached ETag, got %+v", cond)
	}
}

func TestContentCacheRoundTrip(t *testing.T) {
	cache, err := OpenContentCache(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer cache.Close()

	page := domain.Page{
		URL:          "https://docs.example.com/guide",
		Body:         []byte("<p>hello</p>"),
		Type:         domain.DocTypeHTML,
		ETag:         `"abc"`,
		LastModified: "Wed, 01 Jan 2025 00:00:00 GMT",
		FetchedAt:    time.Unix(1735689600, 0),
	}
	if err := cache.Put(page); err != nil {
		t.Fatal(err)
	}

	got, found, err := cache.Get(page.URL)
	if err != nil {
		t.Fatal(err)
	}
	if !found {
		t.Fatal("expected cached page")
	}
	if string(got.Body) != string(page.Body) || got.ETag != page.ETag || got.Type != page.Type {
		t.Errorf("cache round trip mismatch: %+v", got)
	}
	if !got.FromCache {
		t.Error("expected FromCache to be set")
	}

	_, found, err = cache.Get("https://docs.example.com/missing")
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Error("expected miss for unknown URL")
	}
}

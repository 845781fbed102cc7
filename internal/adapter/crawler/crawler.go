// Package crawler fetches pages from seed URLs with per-domain
// politeness: rate limiting, retry with exponential backoff and a
// circuit breaker. Fetched content is cached on disk with its
// conditional-fetch validators so re-crawls skip unchanged pages.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"docsearch/config"
	"docsearch/internal/domain"
	"docsearch/internal/port"
)

// errTransient marks retryable fetch failures (timeouts, 429, 5xx).
var errTransient = errors.New("transient fetch failure")

// transientStatus reports whether an HTTP status is retryable (429, 5xx).
func transientStatus(code int) bool {
	return code == 429 || code >= 500
}

// Handler receives each fetched page. Returning an error aborts the
// crawl; per-page soft failures should be absorbed by the handler.
type Handler func(page domain.Page) error

// Crawler walks the link closure of the seed URLs within the seeds'
// hosts, bounded by the configured page limit.
type Crawler struct {
	fetcher port.Fetcher
	cache   *ContentCache
	clock   port.Clock
	cfg     config.CrawlConfig
	logger  *slog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	circuits map[string]*CircuitBreaker
	visited  map[string]bool
	frontier []string
	fetched  int
	allowed  map[string]bool
	summary  domain.CrawlSummary
}

// New creates a Crawler. The cache may be nil to disable conditional
// fetching, which forces a full re-fetch of every page.
func New(fetcher port.Fetcher, cache *ContentCache, clock port.Clock, cfg config.CrawlConfig, logger *slog.Logger) *Crawler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Crawler{
		fetcher:  fetcher,
		cache:    cache,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
		limiters: make(map[string]*rate.Limiter),
		circuits: make(map[string]*CircuitBreaker),
		visited:  make(map[string]bool),
		allowed:  make(map[string]bool),
	}
}

// Run crawls from the seeds and invokes handle for every fetched page.
// Failures local to one URL are absorbed into the summary; only
// handler errors and cancellation abort the run.
func (c *Crawler) Run(ctx context.Context, seeds []string, handle Handler) (*domain.CrawlSummary, error) {
	for _, seed := range seeds {
		norm, err := NormalizeURL(seed)
		if err != nil {
			return nil, fmt.Errorf("seed: %w", err)
		}
		u, _ := url.Parse(norm)
		c.allowed[u.Hostname()] = true
		c.frontier = append(c.frontier, norm)
	}

	for {
		c.mu.Lock()
		batch := c.frontier
		c.frontier = nil
		budgetLeft := c.fetched < c.cfg.MaxPages
		c.mu.Unlock()

		if len(batch) == 0 || !budgetLeft {
			break
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(c.cfg.Concurrency)
		for _, u := range batch {
			u := u
			g.Go(func() error {
				return c.visit(gctx, u, handle)
			})
		}
		if err := g.Wait(); err != nil {
			return &c.summary, err
		}
	}

	return &c.summary, nil
}

// visit fetches one URL end to end: scope and dedup checks, circuit
// and rate gates, conditional fetch with retries, caching, link
// discovery and handing the page to the handler.
func (c *Crawler) visit(ctx context.Context, normURL string, handle Handler) error {
	u, err := url.Parse(normURL)
	if err != nil {
		return nil
	}
	if !c.inScope(u) {
		c.count(func(s *domain.CrawlSummary) { s.Skipped++ })
		return nil
	}

	c.mu.Lock()
	if c.visited[normURL] || c.fetched >= c.cfg.MaxPages {
		c.mu.Unlock()
		return nil
	}
	c.visited[normURL] = true
	limiter := c.limiterLocked(u.Hostname())
	circuit := c.circuitLocked(u.Hostname())
	c.mu.Unlock()

	if err := circuit.Allow(); err != nil {
		c.logger.Info("domain circuit open, deferring", "url", normURL)
		c.count(func(s *domain.CrawlSummary) { s.Deferred++ })
		return nil
	}

	if err := limiter.Wait(ctx); err != nil {
		return err
	}

	var cond port.Conditional
	var cached domain.Page
	var haveCached bool
	if c.cache != nil {
		cached, haveCached, _ = c.cache.Get(normURL)
		if haveCached {
			cond = port.Conditional{ETag: cached.ETag, LastModified: cached.LastModified}
		}
	}

	res, err := c.fetchWithRetry(ctx, normURL, cond)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, errTransient) {
			circuit.RecordFailure()
		}
		c.logger.Warn("fetch failed", "url", normURL, "error", err)
		c.count(func(s *domain.CrawlSummary) {
			s.Failed++
			s.FailedURLs = append(s.FailedURLs, normURL)
		})
		return nil
	}
	circuit.RecordSuccess()

	if res.NotModified {
		c.count(func(s *domain.CrawlSummary) { s.NotModified++ })
		if !haveCached {
			return nil
		}
		if cached.Type == domain.DocTypeHTML {
			c.enqueueLinks(string(cached.Body), normURL)
		}
		// The cached page still flows to the handler so downstream
		// bookkeeping sees every reachable page.
		return handle(cached)
	}

	// Refuse content served from outside the allowed host set after a
	// redirect.
	if final, err := url.Parse(res.FinalURL); err != nil || !c.allowed[strings.ToLower(final.Hostname())] {
		c.logger.Warn("redirected off allowed hosts, refusing", "url", normURL, "final", res.FinalURL)
		c.count(func(s *domain.CrawlSummary) { s.Skipped++ })
		return nil
	}

	docType, ok := docTypeFor(res.ContentType, u.Path)
	if !ok {
		c.logger.Debug("unsupported content type", "url", normURL, "content_type", res.ContentType)
		c.count(func(s *domain.CrawlSummary) { s.Skipped++ })
		return nil
	}

	page := domain.Page{
		URL:          normURL,
		Body:         res.Body,
		Type:         docType,
		ETag:         res.ETag,
		LastModified: res.LastModified,
		FetchedAt:    c.clock.Now(),
	}

	if c.cache != nil {
		if err := c.cache.Put(page); err != nil {
			c.logger.Warn("content cache write failed", "url", normURL, "error", err)
		}
	}

	c.mu.Lock()
	c.summary.Fetched++
	c.fetched++
	c.mu.Unlock()

	if docType == domain.DocTypeHTML {
		c.enqueueLinks(string(res.Body), normURL)
	}

	return handle(page)
}

// fetchWithRetry retries transient failures with exponential backoff.
// Permanent statuses (404 and other 4xx) fail immediately.
func (c *Crawler) fetchWithRetry(ctx context.Context, normURL string, cond port.Conditional) (*port.FetchResult, error) {
	var lastErr error

	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(c.cfg.RetryBase(), c.cfg.RetryMax(), attempt-1)
			if err := c.clock.Sleep(ctx, delay); err != nil {
				return nil, err
			}
		}

		res, err := c.fetcher.Fetch(ctx, normURL, cond)
		if err != nil {
			lastErr = fmt.Errorf("%w: %v", errTransient, err)
			continue
		}

		switch {
		case res.NotModified || (res.StatusCode >= 200 && res.StatusCode < 300):
			return res, nil
		case transientStatus(res.StatusCode):
			lastErr = fmt.Errorf("%w: HTTP %d", errTransient, res.StatusCode)
		default:
			return nil, fmt.Errorf("HTTP %d", res.StatusCode)
		}
	}

	return nil, lastErr
}

// enqueueLinks extracts in-scope links from an HTML body into the
// frontier.
func (c *Crawler) enqueueLinks(body, baseURL string) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, link := range extractLinks(body, base) {
		if c.visited[link] {
			continue
		}
		c.frontier = append(c.frontier, link)
	}
}

// inScope applies the same-host policy and the configured URL path
// glob patterns.
func (c *Crawler) inScope(u *url.URL) bool {
	if !c.allowed[strings.ToLower(u.Hostname())] {
		return false
	}

	path := u.Path
	if path == "" {
		path = "/"
	}
	for _, pattern := range c.cfg.Excludes {
		if ok, _ := doublestar.Match(pattern, path); ok {
			return false
		}
	}
	if len(c.cfg.Includes) == 0 {
		return true
	}
	for _, pattern := range c.cfg.Includes {
		if ok, _ := doublestar.Match(pattern, path); ok {
			return true
		}
	}
	return false
}

func (c *Crawler) limiterLocked(host string) *rate.Limiter {
	l, ok := c.limiters[host]
	if !ok {
		rps := c.cfg.RequestsPerSecond
		if rps <= 0 {
			rps = 1
		}
		l = rate.NewLimiter(rate.Limit(rps), 1)
		c.limiters[host] = l
	}
	return l
}

func (c *Crawler) circuitLocked(host string) *CircuitBreaker {
	b, ok := c.circuits[host]
	if !ok {
		b = NewCircuitBreaker(c.cfg.FailureThreshold, c.cfg.FailureWindow(), c.cfg.Cooldown(), c.clock)
		c.circuits[host] = b
	}
	return b
}

func (c *Crawler) count(update func(*domain.CrawlSummary)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	update(&c.summary)
}

var hrefPattern = regexp.MustCompile(`(?i)href\s*=\s*["']([^"'#]+)["']`)

// extractLinks resolves href targets against the base URL and returns
// normalized absolute http(s) links.
func extractLinks(body string, base *url.URL) []string {
	var links []string
	seen := make(map[string]bool)

	for _, m := range hrefPattern.FindAllStringSubmatch(body, -1) {
		ref, err := url.Parse(strings.TrimSpace(m[1]))
		if err != nil {
			continue
		}
		abs := base.ResolveReference(ref)
		if abs.Scheme != "http" && abs.Scheme != "https" {
			continue
		}
		norm, err := NormalizeURL(abs.String())
		if err != nil || seen[norm] {
			continue
		}
		seen[norm] = true
		links = append(links, norm)
	}

	return links
}

// docTypeFor maps a Content-Type header (and path extension fallback)
// to a supported document type.
func docTypeFor(contentType, path string) (domain.DocType, bool) {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "text/html"), strings.Contains(ct, "application/xhtml"):
		return domain.DocTypeHTML, true
	case strings.Contains(ct, "text/markdown"):
		return domain.DocTypeMarkdown, true
	case strings.Contains(ct, "text/plain") && strings.HasSuffix(strings.ToLower(path), ".md"):
		return domain.DocTypeMarkdown, true
	default:
		return "", false
	}
}

// backoffDelay is base * 2^attempt capped at max.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	d := base << uint(attempt)
	if max > 0 && (d > max || d <= 0) {
		d = max
	}
	return d
}

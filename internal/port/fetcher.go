package port

import "context"

// Conditional carries validators from a previous fetch of the same URL
// so the server can answer 304 Not Modified.
type Conditional struct {
	ETag         string
	LastModified string
}

// FetchResult is one HTTP fetch outcome. FinalURL reflects redirects.
type FetchResult struct {
	FinalURL     string
	StatusCode   int
	Body         []byte
	ContentType  string
	ETag         string
	LastModified string
	NotModified  bool
}

// Fetcher abstracts HTTP page fetching for testability.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string, cond Conditional) (*FetchResult, error)
}

package port

import "context"

// Reranker scores query-passage pairs for relevance with a
// cross-encoder style model. Higher scores are more relevant.
type Reranker interface {
	// Rerank scores the passages against the query and returns them
	// ordered by relevance score (highest first).
	Rerank(ctx context.Context, query string, passages []string) ([]RerankedResult, error)

	// ModelName returns the name of the reranking model.
	ModelName() string
}

// RerankedResult references a passage by its original index.
type RerankedResult struct {
	Index int
	Score float64
}

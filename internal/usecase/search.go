package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"docsearch/internal/adapter/cache"
	"docsearch/internal/adapter/retriever"
	"docsearch/internal/adapter/store"
	"docsearch/internal/domain"
	"docsearch/internal/port"
)

// Searcher runs the full query pipeline: hybrid retrieval, optional
// cross-encoder re-ranking of the head, and parent context expansion.
// Identical queries against an unchanged index return identical
// result lists.
type Searcher struct {
	store         *store.BoltStore
	hybrid        *retriever.HybridRetriever
	reranker      port.Reranker
	embedder      port.Embedder
	rerankTopN    int
	expandParents bool
	cache         *cache.QueryCache
	logger        *slog.Logger
}

func NewSearcher(st *store.BoltStore, hybrid *retriever.HybridRetriever, reranker port.Reranker, embedder port.Embedder, rerankTopN int, expandParents bool, logger *slog.Logger) *Searcher {
	if rerankTopN <= 0 {
		rerankTopN = 30
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Searcher{
		store:         st,
		hybrid:        hybrid,
		reranker:      reranker,
		embedder:      embedder,
		rerankTopN:    rerankTopN,
		expandParents: expandParents,
		logger:        logger,
	}
}

// WithCache memoizes result lists across repeated queries. Entries
// are keyed on the index build time, so any ingest or compaction
// invalidates them.
func (u *Searcher) WithCache(c *cache.QueryCache) *Searcher {
	u.cache = c
	return u
}

func (u *Searcher) Search(ctx context.Context, query string, k int, filter domain.SearchFilter) ([]domain.ScoredChunk, error) {
	// A query embedded with a different model than the index was
	// built with would produce silently wrong rankings.
	if err := u.store.ValidateModel(u.embedder.ModelName(), u.embedder.Dimension()); err != nil {
		return nil, err
	}

	var key, gen string
	if u.cache != nil {
		if meta, err := u.store.Metadata(); err == nil {
			gen = meta.LastBuild.UTC().Format(time.RFC3339Nano)
			key = cache.Key(query, k, filter)
			if hit, ok := u.cache.Get(key, gen); ok {
				return hit, nil
			}
		}
	}

	results, err := u.hybrid.Search(ctx, query, max(k, u.rerankTopN), filter)
	if err != nil {
		return nil, fmt.Errorf("retrieval failed: %w", err)
	}
	if len(results) == 0 {
		return nil, nil
	}

	results = u.rerank(ctx, query, results)

	if len(results) > k {
		results = results[:k]
	}
	if u.expandParents {
		u.fillParents(results)
	}
	if u.cache != nil && gen != "" {
		u.cache.Put(key, gen, results)
	}
	return results, nil
}

// rerank reorders only the head of the fused list. Candidates past
// rerankTopN keep their fused order behind the reranked head, and a
// reranker failure leaves the fused order untouched.
func (u *Searcher) rerank(ctx context.Context, query string, results []domain.ScoredChunk) []domain.ScoredChunk {
	if u.reranker == nil {
		return results
	}

	n := u.rerankTopN
	if n > len(results) {
		n = len(results)
	}
	head := results[:n]

	passages := make([]string, n)
	for i, r := range head {
		passages[i] = r.Chunk.Text
	}

	ranked, err := u.reranker.Rerank(ctx, query, passages)
	if err != nil {
		u.logger.Warn("reranker unavailable, keeping fused order", "error", err)
		return results
	}

	reordered := make([]domain.ScoredChunk, 0, len(results))
	for _, rr := range ranked {
		if rr.Index < 0 || rr.Index >= n {
			continue
		}
		sc := head[rr.Index]
		sc.Score = rr.Score
		reordered = append(reordered, sc)
	}
	if len(reordered) != n {
		u.logger.Warn("reranker returned incomplete results, keeping fused order")
		return results
	}
	return append(reordered, results[n:]...)
}

func (u *Searcher) fillParents(results []domain.ScoredChunk) {
	parents := make(map[string]string)
	for i, r := range results {
		pid := r.Chunk.ParentID
		if pid == "" {
			continue
		}
		text, ok := parents[pid]
		if !ok {
			parent, err := u.store.GetChunk(pid)
			if err != nil {
				parents[pid] = ""
				continue
			}
			text = parent.Text
			parents[pid] = text
		}
		results[i].ParentText = text
	}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

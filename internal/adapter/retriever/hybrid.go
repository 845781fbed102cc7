package retriever

import (
	"context"
	"log/slog"
	"sort"

	"docsearch/internal/adapter/store"
	"docsearch/internal/domain"
	"docsearch/internal/port"
)

// HybridRetriever fuses BM25 and dense cosine rankings with
// reciprocal rank fusion. Equal texts always fuse to the same order:
// ties on fused score fall back to the best individual rank and then
// to the chunk ID.
type HybridRetriever struct {
	sparse          *SparseRetriever
	store           *store.BoltStore
	embedder        port.Embedder
	logger          *slog.Logger
	rrfK            int
	widthMultiplier int
}

func NewHybridRetriever(sparse *SparseRetriever, st *store.BoltStore, embedder port.Embedder, rrfK, widthMultiplier int, logger *slog.Logger) *HybridRetriever {
	if rrfK <= 0 {
		rrfK = 60
	}
	if widthMultiplier <= 0 {
		widthMultiplier = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HybridRetriever{
		sparse:          sparse,
		store:           st,
		embedder:        embedder,
		logger:          logger,
		rrfK:            rrfK,
		widthMultiplier: widthMultiplier,
	}
}

// width is how deep each ranking reaches before fusion.
func (r *HybridRetriever) width(k int) int {
	w := k * r.widthMultiplier
	if w < 20 {
		w = 20
	}
	return w
}

func (r *HybridRetriever) Search(ctx context.Context, query string, k int, filter domain.SearchFilter) ([]domain.ScoredChunk, error) {
	width := r.width(k)

	sparseResults, err := r.sparse.Search(query, width, filter)
	if err != nil {
		return nil, err
	}

	denseResults, err := r.denseSearch(ctx, query, width, filter)
	if err != nil {
		// A dead embedding backend degrades to lexical-only search
		// rather than failing the query.
		r.logger.Warn("dense search unavailable, using sparse only", "error", err)
		denseResults = nil
	}

	fused := r.fuse(sparseResults, denseResults)
	if len(fused) > k {
		fused = fused[:k]
	}
	return fused, nil
}

func (r *HybridRetriever) denseSearch(ctx context.Context, query string, k int, filter domain.SearchFilter) ([]domain.ScoredChunk, error) {
	embeddings, err := r.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	if len(embeddings) == 0 {
		return nil, nil
	}

	docs := newDocCache(r.store)
	chunks := make(map[string]domain.Chunk)
	allow := func(chunkID string) bool {
		chunk, err := r.store.GetChunk(chunkID)
		if err != nil || chunk.Tombstoned {
			return false
		}
		if !docs.matches(chunk.DocID, filter) {
			return false
		}
		chunks[chunkID] = chunk
		return true
	}

	hits := r.store.SearchDense(embeddings[0], k, allow)
	results := make([]domain.ScoredChunk, 0, len(hits))
	for _, hit := range hits {
		chunk := chunks[hit.ID]
		results = append(results, domain.ScoredChunk{
			Chunk: chunk,
			Score: hit.Score,
			URL:   docs.url(chunk.DocID),
		})
	}
	return results, nil
}

type fusedEntry struct {
	chunk    domain.ScoredChunk
	score    float64
	bestRank int
}

func (r *HybridRetriever) fuse(rankings ...[]domain.ScoredChunk) []domain.ScoredChunk {
	entries := make(map[string]*fusedEntry)

	for _, ranking := range rankings {
		for rank, result := range ranking {
			e, ok := entries[result.Chunk.ID]
			if !ok {
				e = &fusedEntry{chunk: result, bestRank: rank}
				entries[result.Chunk.ID] = e
			} else if rank < e.bestRank {
				e.bestRank = rank
			}
			e.score += 1 / float64(r.rrfK+rank+1)
		}
	}

	fused := make([]domain.ScoredChunk, 0, len(entries))
	for _, e := range entries {
		sc := e.chunk
		sc.Score = e.score
		fused = append(fused, sc)
	}

	best := make(map[string]int, len(entries))
	for id, e := range entries {
		best[id] = e.bestRank
	}
	sort.Slice(fused, func(i, j int) bool {
		if fused[i].Score != fused[j].Score {
			return fused[i].Score > fused[j].Score
		}
		bi, bj := best[fused[i].Chunk.ID], best[fused[j].Chunk.ID]
		if bi != bj {
			return bi < bj
		}
		return fused[i].Chunk.ID < fused[j].Chunk.ID
	})
	return fused
}

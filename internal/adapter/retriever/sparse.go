package retriever

import (
	"math"
	"sort"

	"docsearch/internal/adapter/analyzer"
	"docsearch/internal/adapter/store"
	"docsearch/internal/domain"
)

// SparseRetriever ranks child chunks with BM25 over the persisted
// term postings. Tombstoned chunks stay in the postings until
// compaction and are skipped here.
type SparseRetriever struct {
	store     *store.BoltStore
	tokenizer *analyzer.Tokenizer
	k1        float64
	b         float64
}

func NewSparseRetriever(st *store.BoltStore, tokenizer *analyzer.Tokenizer, k1, b float64) *SparseRetriever {
	return &SparseRetriever{
		store:     st,
		tokenizer: tokenizer,
		k1:        k1,
		b:         b,
	}
}

func (r *SparseRetriever) Search(query string, k int, filter domain.SearchFilter) ([]domain.ScoredChunk, error) {
	queryTokens := r.tokenizer.Tokenize(query)
	if len(queryTokens) == 0 {
		return nil, nil
	}

	meta, err := r.store.Metadata()
	if err != nil {
		return nil, err
	}
	if meta.ChunkCount == 0 {
		return nil, nil
	}
	n := float64(meta.ChunkCount)
	avgDl := meta.AvgChunkLen

	scores := make(map[string]float64)
	chunks := make(map[string]domain.Chunk)
	docs := newDocCache(r.store)

	for _, term := range queryTokens {
		postings, err := r.store.GetPostings(term)
		if err != nil {
			continue
		}

		df := float64(len(postings))
		idf := math.Log((n-df+0.5)/(df+0.5) + 1)

		for _, posting := range postings {
			chunk, ok := chunks[posting.ChunkID]
			if !ok {
				c, err := r.store.GetChunk(posting.ChunkID)
				if err != nil || c.Tombstoned {
					continue
				}
				if !docs.matches(c.DocID, filter) {
					continue
				}
				chunks[posting.ChunkID] = c
				chunk = c
			}

			dl := float64(chunk.TokenCount)
			tf := float64(posting.TF)
			scores[posting.ChunkID] += idf * (tf * (r.k1 + 1)) / (tf + r.k1*(1-r.b+r.b*dl/avgDl))
		}
	}

	results := make([]domain.ScoredChunk, 0, len(scores))
	for id, score := range scores {
		chunk := chunks[id]
		results = append(results, domain.ScoredChunk{
			Chunk: chunk,
			Score: score,
			URL:   docs.url(chunk.DocID),
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Chunk.ID < results[j].Chunk.ID
	})

	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// docCache memoizes document lookups and filter decisions within one
// search.
type docCache struct {
	store *store.BoltStore
	docs  map[string]*domain.Document
}

func newDocCache(st *store.BoltStore) *docCache {
	return &docCache{store: st, docs: make(map[string]*domain.Document)}
}

func (c *docCache) get(docID string) *domain.Document {
	if doc, ok := c.docs[docID]; ok {
		return doc
	}
	doc, err := c.store.GetDoc(docID)
	if err != nil {
		c.docs[docID] = nil
		return nil
	}
	c.docs[docID] = &doc
	return &doc
}

func (c *docCache) matches(docID string, filter domain.SearchFilter) bool {
	doc := c.get(docID)
	if doc == nil || doc.Tombstoned {
		return false
	}
	if filter.Type != "" && doc.Type != filter.Type {
		return false
	}
	if !filter.FetchedAfter.IsZero() && doc.FetchedAt.Before(filter.FetchedAfter) {
		return false
	}
	if !filter.FetchedBefore.IsZero() && doc.FetchedAt.After(filter.FetchedBefore) {
		return false
	}
	return true
}

func (c *docCache) url(docID string) string {
	if doc := c.get(docID); doc != nil {
		return doc.URL
	}
	return ""
}

package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"docsearch/internal/adapter/store"
	"docsearch/internal/domain"
	"docsearch/internal/port"
)

// Ingestor turns fetched pages into index entries: chunk, embed,
// upsert. Documents whose content hash is unchanged are skipped
// entirely, and chunks whose IDs survive a re-chunk reuse their
// stored embeddings.
type Ingestor struct {
	store          *store.BoltStore
	chunker        port.Chunker
	embedder       port.Embedder
	contextualizer *Contextualizer
	embedWorkers   int
	logger         *slog.Logger

	mu      sync.Mutex
	summary domain.IngestSummary
	seen    map[string]struct{}
	pinned  bool
}

func NewIngestor(st *store.BoltStore, chunker port.Chunker, embedder port.Embedder, contextualizer *Contextualizer, embedWorkers int, logger *slog.Logger) *Ingestor {
	if embedWorkers <= 0 {
		embedWorkers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{
		store:          st,
		chunker:        chunker,
		embedder:       embedder,
		contextualizer: contextualizer,
		embedWorkers:   embedWorkers,
		logger:         logger,
		seen:           make(map[string]struct{}),
	}
}

// DocID derives the stable document identity from its URL.
func DocID(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:8])
}

// IngestPage indexes one fetched page. Errors local to a chunk are
// absorbed into the summary; a returned error means the page as a
// whole could not be indexed.
func (u *Ingestor) IngestPage(ctx context.Context, page domain.Page) error {
	docID := DocID(page.URL)
	contentSum := sha256.Sum256(page.Body)
	contentHash := hex.EncodeToString(contentSum[:])

	u.mu.Lock()
	u.seen[docID] = struct{}{}
	u.mu.Unlock()

	if existing, err := u.store.GetDoc(docID); err == nil &&
		!existing.Tombstoned && existing.ContentHash == contentHash {
		u.count(func(s *domain.IngestSummary) { s.DocsUnchanged++ })
		return nil
	}

	doc := domain.Document{
		ID:           docID,
		URL:          page.URL,
		ContentHash:  contentHash,
		FetchedAt:    page.FetchedAt,
		ETag:         page.ETag,
		LastModified: page.LastModified,
		Type:         page.Type,
	}

	chunks, err := u.chunker.Chunk(doc, string(page.Body))
	if err != nil {
		if errors.Is(err, domain.ErrDegenerateContent) {
			u.logger.Debug("page has no indexable content", "url", page.URL)
			u.count(func(s *domain.IngestSummary) { s.DocsSkipped++ })
			return nil
		}
		return fmt.Errorf("failed to chunk %s: %w", page.URL, err)
	}

	if err := u.ensureModel(); err != nil {
		return err
	}

	writes, failed, err := u.buildWrites(ctx, docID, chunks)
	if err != nil {
		return err
	}

	res, err := u.store.UpsertDocument(doc, writes)
	if err != nil {
		return fmt.Errorf("failed to upsert %s: %w", page.URL, err)
	}

	u.count(func(s *domain.IngestSummary) {
		s.DocsIndexed++
		s.ChunksWritten += res.Written
		s.ChunksReused += res.Reused
		s.ChunksFailed += failed
		s.Tombstoned += res.Tombstoned
	})
	return nil
}

func (u *Ingestor) ensureModel() error {
	u.mu.Lock()
	pinned := u.pinned
	u.mu.Unlock()
	if pinned {
		return nil
	}
	if err := u.store.EnsureModel(u.embedder.ModelName(), u.embedder.Dimension()); err != nil {
		return err
	}
	u.mu.Lock()
	u.pinned = true
	u.mu.Unlock()
	return nil
}

// buildWrites splits the chunk tree into writes. Children whose IDs
// already exist in the store carry no vector: their embedding is
// reused. New children are embedded in one batch; a chunk whose
// embedding fails is dropped from this upsert and counted.
func (u *Ingestor) buildWrites(ctx context.Context, docID string, chunks []domain.Chunk) ([]store.ChunkWrite, int, error) {
	parents := make(map[string]string)
	for _, c := range chunks {
		if c.IsParent() {
			parents[c.ID] = c.Text
		}
	}

	var toEmbed []domain.Chunk
	existing := make(map[string]bool)
	for _, c := range chunks {
		if c.IsParent() {
			continue
		}
		if prev, err := u.store.GetChunk(c.ID); err == nil && prev.ID != "" {
			existing[c.ID] = true
			continue
		}
		toEmbed = append(toEmbed, c)
	}

	vectors, failedIDs, err := u.embedChunks(ctx, toEmbed, parents)
	if err != nil {
		return nil, 0, err
	}

	writes := make([]store.ChunkWrite, 0, len(chunks))
	for _, c := range chunks {
		if c.IsParent() {
			writes = append(writes, store.ChunkWrite{Chunk: c})
			continue
		}
		if existing[c.ID] {
			writes = append(writes, store.ChunkWrite{Chunk: c})
			continue
		}
		vec, ok := vectors[c.ID]
		if !ok {
			continue
		}
		postings := make(map[string]int, len(c.Tokens))
		for _, term := range c.Tokens {
			postings[term]++
		}
		writes = append(writes, store.ChunkWrite{Chunk: c, Postings: postings, Vector: vec})
	}
	return writes, len(failedIDs), nil
}

func (u *Ingestor) embedChunks(ctx context.Context, chunks []domain.Chunk, parents map[string]string) (map[string][]float32, []string, error) {
	if len(chunks) == 0 {
		return nil, nil, nil
	}

	texts := make([]string, len(chunks))
	if u.contextualizer != nil {
		inputs, err := u.contextualizer.Prepare(ctx, chunks, func(parentID string) string {
			return parents[parentID]
		})
		if err != nil {
			return nil, nil, err
		}
		for i, in := range inputs {
			texts[i] = in.text
		}
	} else {
		for i, c := range chunks {
			texts[i] = c.Text
		}
	}

	// Shard across workers so one slow or failing batch neither
	// serializes the rest nor drops chunks outside its shard.
	shard := (len(chunks) + u.embedWorkers - 1) / u.embedWorkers

	vectors := make(map[string][]float32, len(chunks))
	var (
		resMu  sync.Mutex
		failed []string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(u.embedWorkers)
	for lo := 0; lo < len(chunks); lo += shard {
		hi := lo + shard
		if hi > len(chunks) {
			hi = len(chunks)
		}
		lo, hi := lo, hi
		g.Go(func() error {
			embeddings, err := u.embedder.Embed(gctx, texts[lo:hi])
			if err == nil && len(embeddings) != hi-lo {
				err = fmt.Errorf("embedder returned %d vectors for %d chunks", len(embeddings), hi-lo)
			}
			resMu.Lock()
			defer resMu.Unlock()
			if err != nil {
				// The embedding backend failing drops this shard from
				// the upsert but keeps the crawl alive.
				u.logger.Warn("embedding failed, dropping chunks from this upsert",
					"chunks", hi-lo, "error", err)
				for _, c := range chunks[lo:hi] {
					failed = append(failed, c.ID)
				}
				return nil
			}
			for i, c := range chunks[lo:hi] {
				vectors[c.ID] = embeddings[i]
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return vectors, failed, nil
}

// PruneMissing tombstones documents that this run no longer reaches.
// Only documents whose URL starts with scope are considered, so a
// local-directory run cannot prune crawled pages and vice versa. Call
// after a full run; a partial one would tombstone live pages.
func (u *Ingestor) PruneMissing(scope string) (int, error) {
	docs, err := u.store.ListDocs()
	if err != nil {
		return 0, err
	}

	u.mu.Lock()
	seen := make(map[string]struct{}, len(u.seen))
	for id := range u.seen {
		seen[id] = struct{}{}
	}
	u.mu.Unlock()

	pruned := 0
	for _, doc := range docs {
		if doc.Tombstoned || !strings.HasPrefix(doc.URL, scope) {
			continue
		}
		if _, ok := seen[doc.ID]; ok {
			continue
		}
		if err := u.store.TombstoneDocument(doc.ID); err != nil {
			u.count(func(s *domain.IngestSummary) {
				s.Errors = append(s.Errors, fmt.Sprintf("failed to prune %s: %v", doc.URL, err))
			})
			continue
		}
		pruned++
	}
	u.count(func(s *domain.IngestSummary) { s.Tombstoned += pruned })
	return pruned, nil
}

func (u *Ingestor) count(fn func(*domain.IngestSummary)) {
	u.mu.Lock()
	fn(&u.summary)
	u.mu.Unlock()
}

// Summary returns the counters accumulated so far.
func (u *Ingestor) Summary() domain.IngestSummary {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.summary
}

package usecase

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"docsearch/internal/adapter/analyzer"
	"docsearch/internal/adapter/cache"
	"docsearch/internal/adapter/chunker"
	"docsearch/internal/adapter/embedding"
	"docsearch/internal/adapter/retriever"
	"docsearch/internal/adapter/store"
	"docsearch/internal/domain"
)

const pageV1 = `# Transactions

Bolt supports fully serializable transactions with snapshot isolation.
Read transactions never block writers and writers never block readers.

# Caching

The page cache keeps hot pages in memory between transactions.
Eviction follows a simple least recently used policy.
`

const pageV2 = `# Transactions

Bolt supports fully serializable transactions with snapshot isolation.
Read transactions never block writers and writers never block readers.

# Caching

The page cache was rewritten to use a clock sweep eviction policy.
It keeps hot pages resident while bounding total memory use.
`

func newTestIngestor(t *testing.T) (*Ingestor, *store.BoltStore, *embedding.MockEmbedder) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	tok := analyzer.NewTokenizer()
	ch := chunker.NewHierarchicalChunker(64, 8, 40, 16, nil, tok)
	emb := embedding.NewMockEmbedder(16)
	return NewIngestor(s, ch, emb, nil, 2, nil), s, emb
}

func mdPage(url, body string) domain.Page {
	return domain.Page{
		URL:       url,
		Body:      []byte(body),
		Type:      domain.DocTypeMarkdown,
		FetchedAt: time.Now().UTC(),
	}
}

func TestIngestIsIdempotent(t *testing.T) {
	ing, _, _ := newTestIngestor(t)
	page := mdPage("https://docs.example.com/bolt", pageV1)

	if err := ing.IngestPage(context.Background(), page); err != nil {
		t.Fatal(err)
	}
	first := ing.Summary()
	if first.DocsIndexed != 1 || first.ChunksWritten == 0 {
		t.Fatalf("unexpected first ingest summary: %+v", first)
	}

	if err := ing.IngestPage(context.Background(), page); err != nil {
		t.Fatal(err)
	}
	second := ing.Summary()
	if second.DocsUnchanged != 1 {
		t.Fatalf("expected unchanged doc on re-ingest, got %+v", second)
	}
	if second.ChunksWritten != first.ChunksWritten {
		t.Errorf("re-ingest wrote chunks: %+v", second)
	}
}

func TestIngestReusesUnchangedChunks(t *testing.T) {
	ing, s, _ := newTestIngestor(t)

	if err := ing.IngestPage(context.Background(), mdPage("https://docs.example.com/bolt", pageV1)); err != nil {
		t.Fatal(err)
	}
	if err := ing.IngestPage(context.Background(), mdPage("https://docs.example.com/bolt", pageV2)); err != nil {
		t.Fatal(err)
	}

	sum := ing.Summary()
	if sum.DocsIndexed != 2 {
		t.Fatalf("expected both versions indexed, got %+v", sum)
	}
	// The transactions section is untouched, so its chunks keep their
	// IDs and embeddings; only the caching section is rewritten.
	if sum.ChunksReused == 0 {
		t.Errorf("expected chunk reuse on partial change, got %+v", sum)
	}
	if sum.Tombstoned == 0 {
		t.Errorf("expected stale chunks tombstoned, got %+v", sum)
	}

	meta, err := s.Metadata()
	if err != nil {
		t.Fatal(err)
	}
	if meta.TombstoneCount == 0 {
		t.Errorf("expected tombstones in metadata, got %+v", meta)
	}
}

func TestIngestRejectsModelMismatch(t *testing.T) {
	ing, s, _ := newTestIngestor(t)
	if err := s.EnsureModel("some-other-model", 512); err != nil {
		t.Fatal(err)
	}

	err := ing.IngestPage(context.Background(), mdPage("https://docs.example.com/bolt", pageV1))
	if !errors.Is(err, domain.ErrModelMismatch) {
		t.Fatalf("expected model mismatch, got %v", err)
	}
}

func TestIngestSkipsDegenerateContent(t *testing.T) {
	ing, _, _ := newTestIngestor(t)

	if err := ing.IngestPage(context.Background(), mdPage("https://docs.example.com/empty", "ok\n")); err != nil {
		t.Fatal(err)
	}
	sum := ing.Summary()
	if sum.DocsSkipped != 1 || sum.DocsIndexed != 0 {
		t.Fatalf("expected degenerate page skipped, got %+v", sum)
	}
}

func TestPruneMissingTombstonesUnseenDocs(t *testing.T) {
	ing, s, _ := newTestIngestor(t)
	if err := ing.IngestPage(context.Background(), mdPage("https://docs.example.com/keep", pageV1)); err != nil {
		t.Fatal(err)
	}
	if err := ing.IngestPage(context.Background(), mdPage("https://docs.example.com/drop", pageV2)); err != nil {
		t.Fatal(err)
	}
	if err := ing.IngestPage(context.Background(), mdPage("file:///srv/docs/local.md", pageV2)); err != nil {
		t.Fatal(err)
	}

	// A fresh ingestor models the next crawl, which only reaches one
	// of the two pages.
	tok := analyzer.NewTokenizer()
	next := NewIngestor(s, chunker.NewHierarchicalChunker(64, 8, 40, 16, nil, tok), embedding.NewMockEmbedder(16), nil, 2, nil)
	if err := next.IngestPage(context.Background(), mdPage("https://docs.example.com/keep", pageV1)); err != nil {
		t.Fatal(err)
	}

	pruned, err := next.PruneMissing("https://")
	if err != nil {
		t.Fatal(err)
	}
	if pruned != 1 {
		t.Fatalf("expected one doc pruned, got %d", pruned)
	}

	// The local file is outside the crawl scope and must survive.
	local, err := s.GetDoc(DocID("file:///srv/docs/local.md"))
	if err != nil {
		t.Fatal(err)
	}
	if local.Tombstoned {
		t.Fatal("out-of-scope document was pruned")
	}

	doc, err := s.GetDoc(DocID("https://docs.example.com/drop"))
	if err != nil {
		t.Fatal(err)
	}
	if !doc.Tombstoned {
		t.Error("expected unseen doc tombstoned")
	}
}

func newTestSearcher(t *testing.T, s *store.BoltStore, emb *embedding.MockEmbedder) *Searcher {
	t.Helper()
	tok := analyzer.NewTokenizer()
	sparse := retriever.NewSparseRetriever(s, tok, 1.2, 0.75)
	hybrid := retriever.NewHybridRetriever(sparse, s, emb, 60, 4, nil)
	reranker := retriever.NewLexicalReranker(tok)
	return NewSearcher(s, hybrid, reranker, emb, 30, true, nil)
}

func TestSearchReturnsParentContext(t *testing.T) {
	ing, s, emb := newTestIngestor(t)
	if err := ing.IngestPage(context.Background(), mdPage("https://docs.example.com/bolt", pageV1)); err != nil {
		t.Fatal(err)
	}

	searcher := newTestSearcher(t, s, emb)
	results, err := searcher.Search(context.Background(), "serializable transactions", 5, domain.SearchFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) == 0 {
		t.Fatal("expected search results")
	}
	if !strings.Contains(results[0].Chunk.Text, "serializable") {
		t.Errorf("unexpected top chunk: %q", results[0].Chunk.Text)
	}
	if results[0].ParentText == "" {
		t.Error("expected parent context on results")
	}
	if !strings.Contains(results[0].ParentText, "# Transactions") {
		t.Errorf("parent text should carry the section heading: %q", results[0].ParentText)
	}
	if results[0].URL != "https://docs.example.com/bolt" {
		t.Errorf("expected URL attribution, got %q", results[0].URL)
	}
}

func TestSearchIsDeterministic(t *testing.T) {
	ing, s, emb := newTestIngestor(t)
	if err := ing.IngestPage(context.Background(), mdPage("https://docs.example.com/bolt", pageV1)); err != nil {
		t.Fatal(err)
	}
	searcher := newTestSearcher(t, s, emb)

	var prev []string
	for i := 0; i < 3; i++ {
		results, err := searcher.Search(context.Background(), "page cache eviction", 5, domain.SearchFilter{})
		if err != nil {
			t.Fatal(err)
		}
		ids := make([]string, len(results))
		for j, r := range results {
			ids[j] = r.Chunk.ID
		}
		if prev != nil && strings.Join(ids, ",") != strings.Join(prev, ",") {
			t.Fatalf("result order changed between runs: %v vs %v", prev, ids)
		}
		prev = ids
	}
}

func TestSearchRejectsModelMismatch(t *testing.T) {
	ing, s, _ := newTestIngestor(t)
	if err := ing.IngestPage(context.Background(), mdPage("https://docs.example.com/bolt", pageV1)); err != nil {
		t.Fatal(err)
	}

	other := embedding.NewMockEmbedder(32) // different dimension
	tok := analyzer.NewTokenizer()
	sparse := retriever.NewSparseRetriever(s, tok, 1.2, 0.75)
	hybrid := retriever.NewHybridRetriever(sparse, s, other, 60, 4, nil)
	searcher := NewSearcher(s, hybrid, nil, other, 30, false, nil)

	_, err := searcher.Search(context.Background(), "anything", 5, domain.SearchFilter{})
	if !errors.Is(err, domain.ErrModelMismatch) {
		t.Fatalf("expected model mismatch, got %v", err)
	}
}

func TestHealthVerdicts(t *testing.T) {
	ing, s, _ := newTestIngestor(t)

	hc := NewHealthChecker(s, "mock", 0.3)
	report, err := hc.Check()
	if err != nil {
		t.Fatal(err)
	}
	if report.Status != domain.HealthDegraded {
		t.Errorf("expected empty index degraded, got %s", report.Status)
	}

	if err := ing.IngestPage(context.Background(), mdPage("https://docs.example.com/bolt", pageV1)); err != nil {
		t.Fatal(err)
	}
	report, err = hc.Check()
	if err != nil {
		t.Fatal(err)
	}
	if report.Status != domain.HealthOK {
		t.Errorf("expected healthy index, got %+v", report)
	}
	if !report.ModelMatch || report.CorruptChunks != 0 {
		t.Errorf("unexpected report: %+v", report)
	}

	misconfigured := NewHealthChecker(s, "some-other-model", 0.3)
	report, err = misconfigured.Check()
	if err != nil {
		t.Fatal(err)
	}
	if report.Status != domain.HealthUnhealthy {
		t.Errorf("expected model mismatch unhealthy, got %+v", report)
	}
}

type fakeLLM struct {
	calls atomic.Int64
}

func (f *fakeLLM) Generate(_ context.Context, _ string) (string, error) {
	f.calls.Add(1)
	return "This chunk describes transaction isolation.", nil
}

func (f *fakeLLM) ModelName() string { return "fake" }

func TestContextualizerCachesByContentHash(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	llm := &fakeLLM{}
	c := NewContextualizer(llm, s, 2, nil)

	chunks := []domain.Chunk{{
		ID:          "c1",
		ParentID:    "p1",
		Text:        "writers never block readers",
		ContentHash: "h1",
	}}
	parent := func(string) string { return "full section text" }

	inputs, err := c.Prepare(context.Background(), chunks, parent)
	if err != nil {
		t.Fatal(err)
	}
	if len(inputs) != 1 {
		t.Fatalf("expected one input, got %d", len(inputs))
	}
	if !strings.HasPrefix(inputs[0].text, "<context>") || !strings.Contains(inputs[0].text, chunks[0].Text) {
		t.Errorf("unexpected embed input: %q", inputs[0].text)
	}

	// Second pass hits the cache, not the LLM.
	if _, err := c.Prepare(context.Background(), chunks, parent); err != nil {
		t.Fatal(err)
	}
	if got := llm.calls.Load(); got != 1 {
		t.Errorf("expected one LLM call, got %d", got)
	}
}

type countingEmbedder struct {
	*embedding.MockEmbedder
	calls atomic.Int64
}

func (e *countingEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	e.calls.Add(1)
	return e.MockEmbedder.Embed(ctx, texts)
}

func TestSearchCacheServesRepeatsUntilIngest(t *testing.T) {
	ing, s, emb := newTestIngestor(t)
	if err := ing.IngestPage(context.Background(), mdPage("https://docs.example.com/bolt", pageV1)); err != nil {
		t.Fatal(err)
	}

	counting := &countingEmbedder{MockEmbedder: emb}
	tok := analyzer.NewTokenizer()
	sparse := retriever.NewSparseRetriever(s, tok, 1.2, 0.75)
	hybrid := retriever.NewHybridRetriever(sparse, s, counting, 60, 4, nil)
	searcher := NewSearcher(s, hybrid, nil, counting, 30, false, nil).
		WithCache(cache.New(10, time.Minute))

	first, err := searcher.Search(context.Background(), "serializable transactions", 3, domain.SearchFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(first) == 0 {
		t.Fatal("expected results")
	}
	base := counting.calls.Load()

	second, err := searcher.Search(context.Background(), "serializable transactions", 3, domain.SearchFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if counting.calls.Load() != base {
		t.Fatal("repeated query was recomputed instead of served from cache")
	}
	if len(second) != len(first) || second[0].Chunk.ID != first[0].Chunk.ID {
		t.Fatalf("cached results differ: %v vs %v", second, first)
	}

	// Indexing anything moves the build time and invalidates the cache.
	if err := ing.IngestPage(context.Background(), mdPage("https://docs.example.com/other", pageV2)); err != nil {
		t.Fatal(err)
	}
	if _, err := searcher.Search(context.Background(), "serializable transactions", 3, domain.SearchFilter{}); err != nil {
		t.Fatal(err)
	}
	if counting.calls.Load() == base {
		t.Fatal("stale cache entry survived an index update")
	}
}

func embedTestChunks(texts ...string) []domain.Chunk {
	chunks := make([]domain.Chunk, len(texts))
	for i, text := range texts {
		chunks[i] = domain.Chunk{
			ID:       fmt.Sprintf("c%d", i+1),
			ParentID: "p1",
			Text:     text,
		}
	}
	return chunks
}

func TestEmbedChunksShardsAcrossWorkers(t *testing.T) {
	_, s, emb := newTestIngestor(t)
	counting := &countingEmbedder{MockEmbedder: emb}
	ing := NewIngestor(s, nil, counting, nil, 2, nil)

	chunks := embedTestChunks("alpha", "beta", "gamma", "delta")
	vectors, failed, err := ing.embedChunks(context.Background(), chunks, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 0 {
		t.Fatalf("unexpected failures: %v", failed)
	}
	if len(vectors) != len(chunks) {
		t.Fatalf("expected %d vectors, got %d", len(chunks), len(vectors))
	}
	if got := counting.calls.Load(); got != 2 {
		t.Fatalf("expected 2 embed batches across workers, got %d", got)
	}
}

type faultyEmbedder struct {
	*embedding.MockEmbedder
}

func (e *faultyEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	for _, text := range texts {
		if strings.Contains(text, "poison") {
			return nil, errors.New("backend down")
		}
	}
	return e.MockEmbedder.Embed(ctx, texts)
}

func TestEmbedChunksDropsOnlyFailedShard(t *testing.T) {
	_, s, emb := newTestIngestor(t)
	ing := NewIngestor(s, nil, &faultyEmbedder{MockEmbedder: emb}, nil, 2, nil)

	chunks := embedTestChunks("alpha", "beta", "poison", "delta")
	vectors, failed, err := ing.embedChunks(context.Background(), chunks, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 2 {
		t.Fatalf("expected the failing shard's 2 chunks dropped, got %v", failed)
	}
	for _, id := range []string{"c1", "c2"} {
		if _, ok := vectors[id]; !ok {
			t.Errorf("healthy shard chunk %s missing a vector", id)
		}
	}
	for _, id := range failed {
		if _, ok := vectors[id]; ok {
			t.Errorf("failed chunk %s still got a vector", id)
		}
	}
}

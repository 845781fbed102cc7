package domain

import "time"

// DocType identifies the source format of a crawled document.
type DocType string

const (
	DocTypeHTML     DocType = "html"
	DocTypeMarkdown DocType = "markdown"
)

// Document is one crawled source unit. A document is never mutated in
// place: a re-fetch with a different content hash supersedes the old
// generation by tombstoning its chunks and inserting new ones.
type Document struct {
	ID           string
	URL          string
	ContentHash  string
	FetchedAt    time.Time
	ETag         string
	LastModified string
	Type         DocType
	Tombstoned   bool
}

// Chunk is a retrievable unit of text. Parent chunks carry coarse
// section context and have an empty ParentID; child chunks are the
// token-bounded retrieval units and point at their parent by ID.
type Chunk struct {
	ID          string
	ParentID    string
	DocID       string
	Text        string
	Tokens      []string
	TokenCount  int
	ContentHash string
	StartOffset int
	EndOffset   int
	Tombstoned  bool
}

// IsParent reports whether the chunk is a parent-level section chunk.
func (c Chunk) IsParent() bool { return c.ParentID == "" }

// ScoredChunk is a search result. ParentText is filled by the
// post-ranking parent-context expansion step.
type ScoredChunk struct {
	Chunk      Chunk
	Score      float64
	URL        string
	ParentText string
}

type Posting struct {
	ChunkID string
	TF      int
}

// SearchFilter narrows the candidate universe before retrieval width
// is applied. Zero values mean no constraint.
type SearchFilter struct {
	Type          DocType
	FetchedAfter  time.Time
	FetchedBefore time.Time
}

// IndexMetadata describes the persisted index as a whole. The health
// checker uses it to detect model mismatches and staleness before a
// query is served.
type IndexMetadata struct {
	EmbeddingModel string    `json:"embedding_model"`
	Dimension      int       `json:"dimension"`
	DocCount       int       `json:"doc_count"`
	ChunkCount     int       `json:"chunk_count"`
	TombstoneCount int       `json:"tombstone_count"`
	AvgChunkLen    float64   `json:"avg_chunk_len"`
	LastBuild      time.Time `json:"last_build"`
	LastError      string    `json:"last_error,omitempty"`
}

// TombstoneRatio returns the fraction of stored chunks that are
// logically deleted but not yet compacted away.
func (m IndexMetadata) TombstoneRatio() float64 {
	total := m.ChunkCount + m.TombstoneCount
	if total == 0 {
		return 0
	}
	return float64(m.TombstoneCount) / float64(total)
}

// Page is the crawler's output: one successfully fetched source unit.
type Page struct {
	URL          string
	Body         []byte
	Type         DocType
	ETag         string
	LastModified string
	FetchedAt    time.Time
	FromCache    bool
}

// CrawlSummary aggregates per-URL outcomes of one crawl run. Failures
// local to a URL are absorbed here rather than aborting the run.
type CrawlSummary struct {
	Fetched     int
	NotModified int
	Skipped     int
	Deferred    int
	Failed      int
	FailedURLs  []string
}

// IngestSummary aggregates per-document and per-chunk outcomes of one
// indexing run.
type IngestSummary struct {
	DocsIndexed   int
	DocsUnchanged int
	DocsSkipped   int
	ChunksWritten int
	ChunksReused  int
	ChunksFailed  int
	Tombstoned    int
	Errors        []string
}

// HealthStatus is the overall serving verdict for the index.
type HealthStatus string

const (
	HealthOK        HealthStatus = "ok"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// HealthReport is the read-only output of a health check.
type HealthReport struct {
	Status          HealthStatus `json:"status"`
	IndexAge        string       `json:"index_age"`
	DocCount        int          `json:"doc_count"`
	ChunkCount      int          `json:"chunk_count"`
	TombstoneRatio  float64      `json:"tombstone_ratio"`
	CompactionDue   bool         `json:"compaction_due"`
	ModelConfigured string       `json:"model_configured"`
	ModelIndexed    string       `json:"model_indexed"`
	ModelMatch      bool         `json:"model_match"`
	CorruptChunks   int          `json:"corrupt_chunks"`
	LastError       string       `json:"last_error,omitempty"`
}

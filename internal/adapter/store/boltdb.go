package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"docsearch/internal/domain"
)

var (
	bucketDocs      = []byte("docs")
	bucketChunks    = []byte("chunks")
	bucketBlobs     = []byte("blobs")
	bucketTerms     = []byte("terms")
	bucketVectors   = []byte("vectors")
	bucketDocChunks = []byte("doc_chunks")
	bucketContexts  = []byte("contexts")
	bucketMeta      = []byte("meta")
	keyMeta         = []byte("index_meta")
)

var allBuckets = [][]byte{
	bucketDocs, bucketChunks, bucketBlobs, bucketTerms,
	bucketVectors, bucketDocChunks, bucketContexts, bucketMeta,
}

// BoltStore persists documents, chunks, the sparse term index and the
// dense vectors in a single BoltDB file, so one document upsert is one
// atomic transaction across both indexes. Live child vectors are
// mirrored in memory for brute-force similarity search.
type BoltStore struct {
	mu      sync.RWMutex
	path    string
	db      *bbolt.DB
	vectors map[string][]float32

	// rename swaps the compacted file over the live one; a seam so
	// the failure path is testable.
	rename func(oldpath, newpath string) error
}

// storedChunk is a chunk without its text, which lives in the blobs
// bucket keyed by the same ID.
type storedChunk struct {
	ParentID    string   `json:"parent_id,omitempty"`
	DocID       string   `json:"doc_id"`
	Tokens      []string `json:"tokens,omitempty"`
	TokenCount  int      `json:"token_count,omitempty"`
	ContentHash string   `json:"content_hash"`
	StartOffset int      `json:"start"`
	EndOffset   int      `json:"end"`
	Tombstoned  bool     `json:"tombstoned,omitempty"`
}

// storedMeta carries running totals so AvgChunkLen stays incremental.
// Chunk counts cover child chunks only; parents are context, not
// retrieval units.
type storedMeta struct {
	EmbeddingModel string    `json:"embedding_model"`
	Dimension      int       `json:"dimension"`
	DocCount       int       `json:"doc_count"`
	ChunkCount     int       `json:"chunk_count"`
	TombstoneCount int       `json:"tombstone_count"`
	TotalTokens    int       `json:"total_tokens"`
	LastBuild      time.Time `json:"last_build"`
	LastError      string    `json:"last_error,omitempty"`
}

type storedContext struct {
	ContentHash string `json:"content_hash"`
	Text        string `json:"text"`
}

func Open(path string) (*BoltStore, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}

	s := &BoltStore{path: path, db: db, rename: os.Rename}
	if err := s.loadVectors(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load vectors: %w", err)
	}
	return s, nil
}

func openDB(path string) (*bbolt.DB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open index db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// loadVectors fills the in-memory mirror with the vectors of live
// child chunks.
func (s *BoltStore) loadVectors() error {
	vectors := make(map[string][]float32)
	err := s.db.View(func(tx *bbolt.Tx) error {
		chunks := tx.Bucket(bucketChunks)
		vecs := tx.Bucket(bucketVectors)
		return chunks.ForEach(func(k, v []byte) error {
			var sc storedChunk
			if err := json.Unmarshal(v, &sc); err != nil {
				return fmt.Errorf("%w: chunk %s: %v", domain.ErrIndexCorrupt, k, err)
			}
			if sc.Tombstoned || sc.ParentID == "" {
				return nil
			}
			if data := vecs.Get(k); data != nil {
				vectors[string(k)] = decodeVector(data)
			}
			return nil
		})
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.vectors = vectors
	s.mu.Unlock()
	return nil
}

func (s *BoltStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// EnsureModel pins the index to an embedding model on first use and
// rejects any later writer or reader using a different one.
func (s *BoltStore) EnsureModel(model string, dimension int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(tx *bbolt.Tx) error {
		meta := readMeta(tx)
		if meta.EmbeddingModel == "" {
			meta.EmbeddingModel = model
			meta.Dimension = dimension
			return writeMeta(tx, meta)
		}
		if meta.EmbeddingModel != model || meta.Dimension != dimension {
			return fmt.Errorf("%w: index built with %s/%d, got %s/%d",
				domain.ErrModelMismatch, meta.EmbeddingModel, meta.Dimension, model, dimension)
		}
		return nil
	})
}

// ValidateModel checks the pinned model without modifying the index.
// An empty index accepts any model.
func (s *BoltStore) ValidateModel(model string, dimension int) error {
	meta, err := s.Metadata()
	if err != nil {
		return err
	}
	if meta.EmbeddingModel == "" {
		return nil
	}
	if meta.EmbeddingModel != model || meta.Dimension != dimension {
		return fmt.Errorf("%w: index built with %s/%d, got %s/%d",
			domain.ErrModelMismatch, meta.EmbeddingModel, meta.Dimension, model, dimension)
	}
	return nil
}

// ChunkWrite is one chunk of a document upsert. Postings and Vector
// are only set for child chunks; a nil Vector on a child means the
// chunk ID already exists and its stored vector should be reused.
type ChunkWrite struct {
	Chunk    domain.Chunk
	Postings map[string]int
	Vector   []float32
}

type UpsertResult struct {
	Written    int
	Reused     int
	Tombstoned int
}

// UpsertDocument replaces a document's chunk set in one transaction.
// Chunks absent from the new set are tombstoned, chunks whose IDs
// already exist are reused without rewriting, and new chunks land in
// both the sparse and dense index atomically.
func (s *BoltStore) UpsertDocument(doc domain.Document, chunks []ChunkWrite) (UpsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res UpsertResult
	mirrorAdd := make(map[string][]float32)
	mirrorDel := make(map[string]struct{})

	err := s.db.Update(func(tx *bbolt.Tx) error {
		meta := readMeta(tx)

		newIDs := make(map[string]struct{}, len(chunks))
		for _, cw := range chunks {
			newIDs[cw.Chunk.ID] = struct{}{}
		}

		// Tombstone chunks that the new version of the document no
		// longer produces.
		oldIDs, err := readChunkList(tx, doc.ID)
		if err != nil {
			return err
		}
		for _, id := range oldIDs {
			if _, keep := newIDs[id]; keep {
				continue
			}
			tombstoned, err := tombstoneChunk(tx, id, &meta)
			if err != nil {
				return err
			}
			if tombstoned {
				res.Tombstoned++
				mirrorDel[id] = struct{}{}
			}
		}

		chunkBucket := tx.Bucket(bucketChunks)
		for _, cw := range chunks {
			existing := chunkBucket.Get([]byte(cw.Chunk.ID))
			if existing != nil {
				var sc storedChunk
				if err := json.Unmarshal(existing, &sc); err != nil {
					return fmt.Errorf("%w: chunk %s: %v", domain.ErrIndexCorrupt, cw.Chunk.ID, err)
				}
				if sc.Tombstoned {
					// Content came back unchanged after a delete.
					sc.Tombstoned = false
					if err := putJSON(chunkBucket, cw.Chunk.ID, sc); err != nil {
						return err
					}
					meta.TombstoneCount--
					if sc.ParentID != "" {
						meta.ChunkCount++
						meta.TotalTokens += sc.TokenCount
						if data := tx.Bucket(bucketVectors).Get([]byte(cw.Chunk.ID)); data != nil {
							mirrorAdd[cw.Chunk.ID] = decodeVector(data)
						}
					}
				}
				res.Reused++
				continue
			}

			if err := writeChunk(tx, cw, &meta); err != nil {
				return err
			}
			res.Written++
			if !cw.Chunk.IsParent() && cw.Vector != nil {
				mirrorAdd[cw.Chunk.ID] = cw.Vector
			}
		}

		docBucket := tx.Bucket(bucketDocs)
		if prev := docBucket.Get([]byte(doc.ID)); prev == nil {
			meta.DocCount++
		} else {
			var old domain.Document
			if err := json.Unmarshal(prev, &old); err == nil && old.Tombstoned {
				meta.DocCount++
			}
		}
		doc.Tombstoned = false
		if err := putJSON(docBucket, doc.ID, doc); err != nil {
			return err
		}

		ids := make([]string, len(chunks))
		for i, cw := range chunks {
			ids[i] = cw.Chunk.ID
		}
		if err := putJSON(tx.Bucket(bucketDocChunks), doc.ID, ids); err != nil {
			return err
		}

		meta.LastBuild = time.Now().UTC()
		return writeMeta(tx, meta)
	})
	if err != nil {
		return UpsertResult{}, err
	}

	for id := range mirrorDel {
		delete(s.vectors, id)
	}
	for id, vec := range mirrorAdd {
		s.vectors[id] = vec
	}
	return res, nil
}

func writeChunk(tx *bbolt.Tx, cw ChunkWrite, meta *storedMeta) error {
	c := cw.Chunk
	sc := storedChunk{
		ParentID:    c.ParentID,
		DocID:       c.DocID,
		Tokens:      c.Tokens,
		TokenCount:  c.TokenCount,
		ContentHash: c.ContentHash,
		StartOffset: c.StartOffset,
		EndOffset:   c.EndOffset,
	}
	if err := putJSON(tx.Bucket(bucketChunks), c.ID, sc); err != nil {
		return err
	}
	if err := tx.Bucket(bucketBlobs).Put([]byte(c.ID), []byte(c.Text)); err != nil {
		return err
	}
	if c.IsParent() {
		return nil
	}

	meta.ChunkCount++
	meta.TotalTokens += c.TokenCount

	if cw.Vector != nil {
		if meta.Dimension != 0 && len(cw.Vector) != meta.Dimension {
			return fmt.Errorf("vector dimension mismatch for chunk %s: expected %d, got %d",
				c.ID, meta.Dimension, len(cw.Vector))
		}
		if err := tx.Bucket(bucketVectors).Put([]byte(c.ID), encodeVector(cw.Vector)); err != nil {
			return err
		}
	}

	terms := tx.Bucket(bucketTerms)
	for term, tf := range cw.Postings {
		var postings []domain.Posting
		if data := terms.Get([]byte(term)); data != nil {
			if err := json.Unmarshal(data, &postings); err != nil {
				return fmt.Errorf("%w: term %s: %v", domain.ErrIndexCorrupt, term, err)
			}
		}
		postings = append(postings, domain.Posting{ChunkID: c.ID, TF: tf})
		if err := putJSON(terms, term, postings); err != nil {
			return err
		}
	}
	return nil
}

func tombstoneChunk(tx *bbolt.Tx, id string, meta *storedMeta) (bool, error) {
	b := tx.Bucket(bucketChunks)
	data := b.Get([]byte(id))
	if data == nil {
		return false, nil
	}
	var sc storedChunk
	if err := json.Unmarshal(data, &sc); err != nil {
		return false, fmt.Errorf("%w: chunk %s: %v", domain.ErrIndexCorrupt, id, err)
	}
	if sc.Tombstoned {
		return false, nil
	}
	sc.Tombstoned = true
	if err := putJSON(b, id, sc); err != nil {
		return false, err
	}
	meta.TombstoneCount++
	if sc.ParentID != "" {
		meta.ChunkCount--
		meta.TotalTokens -= sc.TokenCount
	}
	return true, nil
}

// TombstoneDocument logically deletes a document and all its chunks.
// The data stays on disk until the next compaction.
func (s *BoltStore) TombstoneDocument(docID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []string
	err := s.db.Update(func(tx *bbolt.Tx) error {
		docBucket := tx.Bucket(bucketDocs)
		data := docBucket.Get([]byte(docID))
		if data == nil {
			return fmt.Errorf("%w: document %s", domain.ErrNotFound, docID)
		}
		var doc domain.Document
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("%w: document %s: %v", domain.ErrIndexCorrupt, docID, err)
		}
		if doc.Tombstoned {
			return nil
		}

		meta := readMeta(tx)
		ids, err := readChunkList(tx, docID)
		if err != nil {
			return err
		}
		for _, id := range ids {
			tombstoned, err := tombstoneChunk(tx, id, &meta)
			if err != nil {
				return err
			}
			if tombstoned {
				removed = append(removed, id)
			}
		}

		doc.Tombstoned = true
		if err := putJSON(docBucket, docID, doc); err != nil {
			return err
		}
		meta.DocCount--
		return writeMeta(tx, meta)
	})
	if err != nil {
		return err
	}

	for _, id := range removed {
		delete(s.vectors, id)
	}
	return nil
}

func (s *BoltStore) GetDoc(id string) (domain.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var doc domain.Document
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketDocs).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: document %s", domain.ErrNotFound, id)
		}
		return json.Unmarshal(data, &doc)
	})
	return doc, err
}

// ListDocs returns every stored document, tombstoned ones included.
func (s *BoltStore) ListDocs() ([]domain.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var docs []domain.Document
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketDocs).ForEach(func(k, v []byte) error {
			var doc domain.Document
			if err := json.Unmarshal(v, &doc); err != nil {
				return fmt.Errorf("%w: document %s: %v", domain.ErrIndexCorrupt, k, err)
			}
			docs = append(docs, doc)
			return nil
		})
	})
	return docs, err
}

func (s *BoltStore) GetChunk(id string) (domain.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var chunk domain.Chunk
	err := s.db.View(func(tx *bbolt.Tx) error {
		c, err := readChunk(tx, id)
		if err != nil {
			return err
		}
		chunk = c
		return nil
	})
	return chunk, err
}

func readChunk(tx *bbolt.Tx, id string) (domain.Chunk, error) {
	data := tx.Bucket(bucketChunks).Get([]byte(id))
	if data == nil {
		return domain.Chunk{}, fmt.Errorf("%w: chunk %s", domain.ErrNotFound, id)
	}
	var sc storedChunk
	if err := json.Unmarshal(data, &sc); err != nil {
		return domain.Chunk{}, fmt.Errorf("%w: chunk %s: %v", domain.ErrIndexCorrupt, id, err)
	}
	text := tx.Bucket(bucketBlobs).Get([]byte(id))
	return domain.Chunk{
		ID:          id,
		ParentID:    sc.ParentID,
		DocID:       sc.DocID,
		Text:        string(text),
		Tokens:      sc.Tokens,
		TokenCount:  sc.TokenCount,
		ContentHash: sc.ContentHash,
		StartOffset: sc.StartOffset,
		EndOffset:   sc.EndOffset,
		Tombstoned:  sc.Tombstoned,
	}, nil
}

// GetChunksByDoc returns a document's live chunks in storage order,
// each parent directly before its children.
func (s *BoltStore) GetChunksByDoc(docID string) ([]domain.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var chunks []domain.Chunk
	err := s.db.View(func(tx *bbolt.Tx) error {
		ids, err := readChunkList(tx, docID)
		if err != nil {
			return err
		}
		for _, id := range ids {
			c, err := readChunk(tx, id)
			if err != nil {
				continue
			}
			if c.Tombstoned {
				continue
			}
			chunks = append(chunks, c)
		}
		return nil
	})
	return chunks, err
}

func (s *BoltStore) GetPostings(term string) ([]domain.Posting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var postings []domain.Posting
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketTerms).Get([]byte(term))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &postings)
	})
	return postings, err
}

// GetContext returns the cached contextualization for a chunk, valid
// only while the chunk content is unchanged.
func (s *BoltStore) GetContext(chunkID, contentHash string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var text string
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketContexts).Get([]byte(chunkID))
		if data == nil {
			return nil
		}
		var sc storedContext
		if err := json.Unmarshal(data, &sc); err != nil {
			return nil
		}
		if sc.ContentHash == contentHash {
			text = sc.Text
			found = true
		}
		return nil
	})
	return text, found, err
}

func (s *BoltStore) PutContext(chunkID, contentHash, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(tx *bbolt.Tx) error {
		return putJSON(tx.Bucket(bucketContexts), chunkID, storedContext{
			ContentHash: contentHash,
			Text:        text,
		})
	})
}

func (s *BoltStore) Metadata() (domain.IndexMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var meta storedMeta
	err := s.db.View(func(tx *bbolt.Tx) error {
		meta = readMeta(tx)
		return nil
	})
	if err != nil {
		return domain.IndexMetadata{}, err
	}
	return meta.toDomain(), nil
}

func (m storedMeta) toDomain() domain.IndexMetadata {
	out := domain.IndexMetadata{
		EmbeddingModel: m.EmbeddingModel,
		Dimension:      m.Dimension,
		DocCount:       m.DocCount,
		ChunkCount:     m.ChunkCount,
		TombstoneCount: m.TombstoneCount,
		LastBuild:      m.LastBuild,
		LastError:      m.LastError,
	}
	if m.ChunkCount > 0 {
		out.AvgChunkLen = float64(m.TotalTokens) / float64(m.ChunkCount)
	}
	return out
}

// SetLastError records the most recent index maintenance failure so
// the health report can surface it.
func (s *BoltStore) SetLastError(msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(tx *bbolt.Tx) error {
		meta := readMeta(tx)
		meta.LastError = msg
		return writeMeta(tx, meta)
	})
}

// SampleChunks returns up to n live child chunks for integrity
// spot checks.
func (s *BoltStore) SampleChunks(n int) ([]domain.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var chunks []domain.Chunk
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketChunks).Cursor()
		for k, _ := c.First(); k != nil && len(chunks) < n; k, _ = c.Next() {
			chunk, err := readChunk(tx, string(k))
			if err != nil {
				return err
			}
			if chunk.Tombstoned || chunk.IsParent() {
				continue
			}
			chunks = append(chunks, chunk)
		}
		return nil
	})
	return chunks, err
}

// VectorHit is one dense search result.
type VectorHit struct {
	ID    string
	Score float64
}

// SearchDense scans the in-memory mirror with cosine similarity. The
// allow predicate, when non-nil, drops chunks before ranking. It runs
// after the mirror lock is released: predicates read back into the
// store, and a nested read lock would deadlock behind a queued writer.
func (s *BoltStore) SearchDense(query []float32, k int, allow func(chunkID string) bool) []VectorHit {
	s.mu.RLock()
	hits := make([]VectorHit, 0, len(s.vectors))
	for id, vec := range s.vectors {
		hits = append(hits, VectorHit{ID: id, Score: cosineSimilarity(query, vec)})
	}
	s.mu.RUnlock()

	if allow != nil {
		kept := hits[:0]
		for _, hit := range hits {
			if allow(hit.ID) {
				kept = append(kept, hit)
			}
		}
		hits = kept
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})

	if len(hits) > k {
		hits = hits[:k]
	}
	return hits
}

// Compact rewrites the index without tombstoned data into a sibling
// file, then atomically renames it over the live one. Readers holding
// View transactions on the old file finish against their snapshot
// before the old handle closes.
func (s *BoltStore) Compact() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tmpPath := s.path + ".rebuild"
	os.Remove(tmpPath)

	dst, err := openDB(tmpPath)
	if err != nil {
		return fmt.Errorf("failed to open rebuild db: %w", err)
	}

	if err := s.copyLive(dst); err != nil {
		dst.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("compaction failed: %w", err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to finalize rebuild db: %w", err)
	}

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close live db: %w", err)
	}
	if err := s.rename(tmpPath, s.path); err != nil {
		// The old file is still in place; reopen it so the store
		// keeps serving.
		if db, openErr := openDB(s.path); openErr == nil {
			s.db = db
		}
		os.Remove(tmpPath)
		return fmt.Errorf("failed to swap rebuilt index: %w", err)
	}

	db, err := openDB(s.path)
	if err != nil {
		return fmt.Errorf("failed to reopen index: %w", err)
	}
	s.db = db
	return s.reloadVectorsLocked()
}

func (s *BoltStore) reloadVectorsLocked() error {
	vectors := make(map[string][]float32)
	err := s.db.View(func(tx *bbolt.Tx) error {
		chunks := tx.Bucket(bucketChunks)
		vecs := tx.Bucket(bucketVectors)
		return chunks.ForEach(func(k, v []byte) error {
			var sc storedChunk
			if err := json.Unmarshal(v, &sc); err != nil {
				return err
			}
			if sc.Tombstoned || sc.ParentID == "" {
				return nil
			}
			if data := vecs.Get(k); data != nil {
				vectors[string(k)] = decodeVector(data)
			}
			return nil
		})
	})
	if err != nil {
		return err
	}
	s.vectors = vectors
	return nil
}

func (s *BoltStore) copyLive(dst *bbolt.DB) error {
	return s.db.View(func(src *bbolt.Tx) error {
		return dst.Update(func(tx *bbolt.Tx) error {
			live := make(map[string]struct{})
			srcChunks := src.Bucket(bucketChunks)
			err := srcChunks.ForEach(func(k, v []byte) error {
				var sc storedChunk
				if err := json.Unmarshal(v, &sc); err != nil {
					return fmt.Errorf("%w: chunk %s: %v", domain.ErrIndexCorrupt, k, err)
				}
				if !sc.Tombstoned {
					live[string(k)] = struct{}{}
				}
				return nil
			})
			if err != nil {
				return err
			}

			for _, name := range [][]byte{bucketChunks, bucketBlobs, bucketVectors, bucketContexts} {
				srcB := src.Bucket(name)
				dstB := tx.Bucket(name)
				err := srcB.ForEach(func(k, v []byte) error {
					if _, ok := live[string(k)]; !ok {
						return nil
					}
					return dstB.Put(k, v)
				})
				if err != nil {
					return err
				}
			}

			meta := readMeta(src)
			meta.TombstoneCount = 0
			meta.LastBuild = time.Now().UTC()

			dstDocs := tx.Bucket(bucketDocs)
			dstLists := tx.Bucket(bucketDocChunks)
			err = src.Bucket(bucketDocs).ForEach(func(k, v []byte) error {
				var doc domain.Document
				if err := json.Unmarshal(v, &doc); err != nil {
					return fmt.Errorf("%w: document %s: %v", domain.ErrIndexCorrupt, k, err)
				}
				if doc.Tombstoned {
					return nil
				}
				if err := dstDocs.Put(k, v); err != nil {
					return err
				}
				ids, err := readChunkList(src, string(k))
				if err != nil {
					return err
				}
				kept := make([]string, 0, len(ids))
				for _, id := range ids {
					if _, ok := live[id]; ok {
						kept = append(kept, id)
					}
				}
				return putJSON(dstLists, string(k), kept)
			})
			if err != nil {
				return err
			}

			dstTerms := tx.Bucket(bucketTerms)
			err = src.Bucket(bucketTerms).ForEach(func(k, v []byte) error {
				var postings []domain.Posting
				if err := json.Unmarshal(v, &postings); err != nil {
					return fmt.Errorf("%w: term %s: %v", domain.ErrIndexCorrupt, k, err)
				}
				kept := postings[:0]
				for _, p := range postings {
					if _, ok := live[p.ChunkID]; ok {
						kept = append(kept, p)
					}
				}
				if len(kept) == 0 {
					return nil
				}
				return putJSON(dstTerms, string(k), kept)
			})
			if err != nil {
				return err
			}

			return writeMeta(tx, meta)
		})
	})
}

func readMeta(tx *bbolt.Tx) storedMeta {
	var meta storedMeta
	if data := tx.Bucket(bucketMeta).Get(keyMeta); data != nil {
		json.Unmarshal(data, &meta)
	}
	return meta
}

func writeMeta(tx *bbolt.Tx, meta storedMeta) error {
	return putJSON(tx.Bucket(bucketMeta), string(keyMeta), meta)
}

func readChunkList(tx *bbolt.Tx, docID string) ([]string, error) {
	data := tx.Bucket(bucketDocChunks).Get([]byte(docID))
	if data == nil {
		return nil, nil
	}
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("%w: chunk list for %s: %v", domain.ErrIndexCorrupt, docID, err)
	}
	return ids, nil
}

func putJSON(b *bbolt.Bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}

func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(data []byte) []float32 {
	vec := make([]float32, len(data)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return vec
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

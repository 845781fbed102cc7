package port

import "docsearch/internal/domain"

// Chunker turns raw page content into an ordered chunk tree: parents
// first, each followed by its children. Deterministic for identical
// input and configuration.
type Chunker interface {
	Chunk(doc domain.Document, content string) ([]domain.Chunk, error)
}

package domain

import "errors"

var (
	// ErrNotFound is returned when a document or chunk does not exist
	// in the store.
	ErrNotFound = errors.New("not found")

	// ErrModelMismatch is returned when the configured embedding model
	// differs from the one the index was built with. The index must be
	// rebuilt before it can serve queries again.
	ErrModelMismatch = errors.New("embedding model mismatch")

	// ErrIndexCorrupt is returned when a stored chunk's recomputed
	// content hash no longer matches its recorded hash.
	ErrIndexCorrupt = errors.New("index corruption detected")

	// ErrCircuitOpen signals that a domain's circuit breaker is open
	// and the fetch was skipped without an attempt.
	ErrCircuitOpen = errors.New("domain circuit open")

	// ErrDegenerateContent signals that a page produced no indexable
	// chunks after boilerplate removal.
	ErrDegenerateContent = errors.New("content too short to index")
)

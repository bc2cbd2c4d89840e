package retrieval

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrEmbeddingService is returned when the embedding backend fails or
	// answers with unusable vectors.
	ErrEmbeddingService = errors.New("embedding service error")

	// ErrStorageWrite is returned when a collection cannot be written.
	ErrStorageWrite = errors.New("storage write error")

	// ErrStorageRead is returned when a collection cannot be read.
	ErrStorageRead = errors.New("storage read error")

	// ErrCollectionNotFound is a storage read error for a collection that
	// does not exist on disk.
	ErrCollectionNotFound = fmt.Errorf("collection not found: %w", ErrStorageRead)

	// ErrDimensionMismatch is returned when a vector does not match the
	// dimension a collection or embedder was created with.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrModelMismatch is returned when a collection built with one
	// embedding model is reopened for another.
	ErrModelMismatch = errors.New("embedding model mismatch")
)

// VectorStore is a single collection of embedded chunks searchable by
// cosine similarity. *Collection is the SQLite-backed implementation.
type VectorStore interface {
	// Insert adds records. Ids are generated for records without one.
	Insert(ctx context.Context, records []Record) error

	// Query returns at most k records ordered by descending similarity.
	Query(ctx context.Context, vector []float32, k int) ([]ScoredRecord, error)

	// Count returns the number of stored records.
	Count(ctx context.Context) (int, error)

	Close() error
}

// Record is one embedded chunk in a collection.
type Record struct {
	ID        string
	Source    string // file name the chunk came from
	Position  int    // chunk order within the source
	TextChunk string
	Embedding []float32
	CreatedAt time.Time
}

// ScoredRecord is a Record with a similarity score attached.
type ScoredRecord struct {
	Record
	Score float32
}

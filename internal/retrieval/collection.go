package retrieval

import (
	"container/heap"
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// DefaultTopK is used when Query is called with k <= 0.
const DefaultTopK = 3

const collectionFile = "collection.db"

const collectionSchema = `
CREATE TABLE IF NOT EXISTS collection_meta (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS vectors (
    id         TEXT PRIMARY KEY,
    position   INTEGER NOT NULL,
    source     TEXT NOT NULL,
    text_chunk TEXT NOT NULL,
    embedding  BLOB NOT NULL,
    created_at DATETIME NOT NULL
);`

// Compile-time check that Collection implements VectorStore.
var _ VectorStore = (*Collection)(nil)

// Collection is a durable vector collection stored as a single SQLite file
// inside its own directory. Similarity search is a brute-force cosine scan,
// which is adequate for the few thousand chunks a document produces.
type Collection struct {
	db    *sql.DB
	dir   string
	model string
	dim   int
}

// OpenOrCreate opens the collection in dir, creating the directory and
// schema when missing. The collection is bound to the embedding model and
// dimension it was first created with; reopening it for a different model
// or dimension fails.
func OpenOrCreate(dir, model string, dim int) (*Collection, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("%w: invalid dimension %d", ErrDimensionMismatch, dim)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: creating collection directory: %v", ErrStorageWrite, err)
	}
	db, err := openDB(filepath.Join(dir, collectionFile))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageWrite, err)
	}
	if _, err := db.Exec(collectionSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: creating schema: %v", ErrStorageWrite, err)
	}

	c := &Collection{db: db, dir: dir}
	storedModel, storedDim, err := c.readMeta()
	if err != nil {
		db.Close()
		return nil, err
	}
	switch {
	case storedDim == 0:
		if _, err := db.Exec(`INSERT INTO collection_meta (key, value) VALUES ('model', ?), ('dimension', ?)`, model, strconv.Itoa(dim)); err != nil {
			db.Close()
			return nil, fmt.Errorf("%w: writing metadata: %v", ErrStorageWrite, err)
		}
	case storedModel != model:
		db.Close()
		return nil, fmt.Errorf("%w: collection built with %q, got %q", ErrModelMismatch, storedModel, model)
	case storedDim != dim:
		db.Close()
		return nil, fmt.Errorf("%w: collection has dimension %d, got %d", ErrDimensionMismatch, storedDim, dim)
	}
	c.model, c.dim = model, dim
	return c, nil
}

// Open opens an existing collection for querying. It never creates files.
func Open(dir string) (*Collection, error) {
	path := filepath.Join(dir, collectionFile)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrCollectionNotFound, dir)
		}
		return nil, fmt.Errorf("%w: %v", ErrStorageRead, err)
	}
	db, err := openDB(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageRead, err)
	}
	c := &Collection{db: db, dir: dir}
	model, dim, err := c.readMeta()
	if err != nil {
		db.Close()
		return nil, err
	}
	if dim == 0 {
		db.Close()
		return nil, fmt.Errorf("%w: %s has no metadata", ErrStorageRead, dir)
	}
	c.model, c.dim = model, dim
	return c, nil
}

func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening collection: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	return db, nil
}

func (c *Collection) readMeta() (model string, dim int, err error) {
	rows, err := c.db.Query(`SELECT key, value FROM collection_meta`)
	if err != nil {
		return "", 0, fmt.Errorf("%w: reading metadata: %v", ErrStorageRead, err)
	}
	defer rows.Close()
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return "", 0, fmt.Errorf("%w: reading metadata: %v", ErrStorageRead, err)
		}
		switch k {
		case "model":
			model = v
		case "dimension":
			if dim, err = strconv.Atoi(v); err != nil {
				return "", 0, fmt.Errorf("%w: invalid dimension %q", ErrStorageRead, v)
			}
		}
	}
	if err := rows.Err(); err != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrStorageRead, err)
	}
	return model, dim, nil
}

// Dir returns the directory holding the collection.
func (c *Collection) Dir() string { return c.dir }

// Model returns the embedding model the collection was built with.
func (c *Collection) Model() string { return c.model }

// Dimension returns the vector dimension of the collection.
func (c *Collection) Dimension() int { return c.dim }

// Close closes the underlying database.
func (c *Collection) Close() error {
	return c.db.Close()
}

// Insert adds records in a single transaction; either all are stored or none.
func (c *Collection) Insert(ctx context.Context, records []Record) error {
	for _, r := range records {
		if len(r.Embedding) != c.dim {
			return fmt.Errorf("%w: record has dimension %d, collection %d", ErrDimensionMismatch, len(r.Embedding), c.dim)
		}
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: beginning insert transaction: %v", ErrStorageWrite, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO vectors (id, position, source, text_chunk, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("%w: preparing insert statement: %v", ErrStorageWrite, err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, r := range records {
		id := r.ID
		if id == "" {
			id = uuid.New().String()
		}
		createdAt := r.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		if _, err := stmt.ExecContext(ctx, id, r.Position, r.Source, r.TextChunk, encodeFloat32s(r.Embedding), createdAt.UTC().Format(time.RFC3339)); err != nil {
			return fmt.Errorf("%w: inserting record %s: %v", ErrStorageWrite, id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: committing insert: %v", ErrStorageWrite, err)
	}
	return nil
}

// candidate holds what the scan phase of Query needs to rank a row.
type candidate struct {
	ID       string
	Position int
	Score    float32
}

// better orders candidates by descending score, then ascending position
// and id, so equal scores always rank the same way.
func better(a, b candidate) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.Position != b.Position {
		return a.Position < b.Position
	}
	return a.ID < b.ID
}

// Query performs brute-force cosine similarity search and returns the top k
// records. k <= 0 means DefaultTopK.
func (c *Collection) Query(ctx context.Context, vector []float32, k int) ([]ScoredRecord, error) {
	if k <= 0 {
		k = DefaultTopK
	}
	if len(vector) != c.dim {
		return nil, fmt.Errorf("%w: query has dimension %d, collection %d", ErrDimensionMismatch, len(vector), c.dim)
	}
	queryNorm := norm(vector)
	if queryNorm == 0 {
		return nil, nil
	}

	// Phase 1: scan id, position and embedding only.
	rows, err := c.db.QueryContext(ctx, `SELECT id, position, embedding FROM vectors`)
	if err != nil {
		return nil, fmt.Errorf("%w: querying vectors: %v", ErrStorageRead, err)
	}
	defer rows.Close()

	h := &candidateHeap{}
	var buf []float32
	for rows.Next() {
		var cand candidate
		var blob []byte
		if err := rows.Scan(&cand.ID, &cand.Position, &blob); err != nil {
			return nil, fmt.Errorf("%w: scanning row: %v", ErrStorageRead, err)
		}
		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil || len(buf) != c.dim {
			return nil, fmt.Errorf("%w: corrupt embedding for %s", ErrStorageRead, cand.ID)
		}
		cand.Score = cosine(vector, buf, queryNorm)

		if h.Len() < k {
			heap.Push(h, cand)
		} else if better(cand, (*h)[0]) {
			(*h)[0] = cand
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating rows: %v", ErrStorageRead, err)
	}
	rows.Close()

	if h.Len() == 0 {
		return nil, nil
	}

	// Phase 2: fetch full records for the winners.
	winners := make(map[string]candidate, h.Len())
	args := make([]any, 0, h.Len())
	for _, cand := range *h {
		winners[cand.ID] = cand
		args = append(args, cand.ID)
	}
	fullRows, err := c.db.QueryContext(ctx, `SELECT id, position, source, text_chunk, created_at
		FROM vectors WHERE id IN (?`+strings.Repeat(",?", len(args)-1)+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: fetching top-k records: %v", ErrStorageRead, err)
	}
	defer fullRows.Close()

	results := make([]ScoredRecord, 0, len(winners))
	for fullRows.Next() {
		var r Record
		var createdAt string
		if err := fullRows.Scan(&r.ID, &r.Position, &r.Source, &r.TextChunk, &createdAt); err != nil {
			return nil, fmt.Errorf("%w: scanning record: %v", ErrStorageRead, err)
		}
		if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
			r.CreatedAt = t
		}
		results = append(results, ScoredRecord{Record: r, Score: winners[r.ID].Score})
	}
	if err := fullRows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating records: %v", ErrStorageRead, err)
	}

	sort.Slice(results, func(i, j int) bool {
		return better(
			candidate{ID: results[i].ID, Position: results[i].Position, Score: results[i].Score},
			candidate{ID: results[j].ID, Position: results[j].Position, Score: results[j].Score},
		)
	})
	return results, nil
}

// Count returns the number of records in the collection.
func (c *Collection) Count(ctx context.Context) (int, error) {
	var n int
	if err := c.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM vectors").Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: counting vectors: %v", ErrStorageRead, err)
	}
	return n, nil
}

// Replace atomically swaps the collection in dir for a freshly built one
// holding records. The new database is built in a hidden directory inside
// dir and renamed over the collection file, so dir never disappears and
// readers open either the old or the new file.
// Callers must serialize Replace calls for the same dir.
func Replace(ctx context.Context, dir, model string, dim int, records []Record) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: creating collection directory: %v", ErrStorageWrite, err)
	}
	tmp, err := os.MkdirTemp(dir, ".building-")
	if err != nil {
		return fmt.Errorf("%w: creating build directory: %v", ErrStorageWrite, err)
	}
	defer os.RemoveAll(tmp)

	c, err := OpenOrCreate(tmp, model, dim)
	if err != nil {
		return err
	}
	if err := c.Insert(ctx, records); err != nil {
		c.Close()
		return err
	}
	if err := c.Close(); err != nil {
		return fmt.Errorf("%w: closing new collection: %v", ErrStorageWrite, err)
	}

	if err := os.Rename(filepath.Join(tmp, collectionFile), filepath.Join(dir, collectionFile)); err != nil {
		return fmt.Errorf("%w: installing new collection: %v", ErrStorageWrite, err)
	}
	return nil
}

// Exists reports whether dir holds a collection file.
func Exists(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, collectionFile))
	return err == nil && info.Mode().IsRegular()
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32sInto decodes little-endian bytes into buf, reusing its
// capacity across rows of a scan.
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

// norm returns the L2 norm of a vector.
func norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// cosine computes dot(a,b) / (aNorm * |b|). aNorm is the precomputed norm of a.
func cosine(a, b []float32, aNorm float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot, bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	if bNormSq == 0 {
		return 0
	}
	return float32(dot / (float64(aNorm) * math.Sqrt(bNormSq)))
}

// candidateHeap keeps the worst of the current top-k at the root.
type candidateHeap []candidate

func (h candidateHeap) Len() int           { return len(h) }
func (h candidateHeap) Less(i, j int) bool { return better(h[j], h[i]) }
func (h candidateHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *candidateHeap) Push(x any)        { *h = append(*h, x.(candidate)) }
func (h *candidateHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

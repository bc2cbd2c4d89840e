// Package ingest turns a bot's source files into vector collections.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/kalambet/chatbridge/internal/loader"
	"github.com/kalambet/chatbridge/internal/lockmap"
	"github.com/kalambet/chatbridge/internal/retrieval"
)

var (
	// ErrNoContent is recorded for files that produced no chunks.
	ErrNoContent = errors.New("document has no text content")

	// ErrBotDirMissing is returned when the bot directory does not exist.
	ErrBotDirMissing = errors.New("bot directory does not exist")
)

// BatchEmbedder generates embeddings for many texts at once.
type BatchEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
	Dimension() int
}

// FileResult is the outcome of ingesting one file.
type FileResult struct {
	File   string // base name
	Chunks int
	Err    error
}

// Report lists per-file results in processing order.
type Report struct {
	Files []FileResult
}

// Succeeded returns the base names of files that were ingested.
func (r Report) Succeeded() []string {
	var out []string
	for _, f := range r.Files {
		if f.Err == nil {
			out = append(out, f.File)
		}
	}
	return out
}

// Failed returns the results of files that could not be ingested.
func (r Report) Failed() []FileResult {
	var out []FileResult
	for _, f := range r.Files {
		if f.Err != nil {
			out = append(out, f)
		}
	}
	return out
}

// Ingester loads, chunks and embeds files and stores one collection per file.
type Ingester struct {
	embedder      BatchEmbedder
	locks         *lockmap.Map
	maxChunkChars int
	logger        *slog.Logger
}

// New creates an Ingester. locks must be shared with every component that
// mutates a bot directory; keys are bot directories.
func New(embedder BatchEmbedder, locks *lockmap.Map, maxChunkChars int) *Ingester {
	if maxChunkChars <= 0 {
		maxChunkChars = loader.DefaultMaxChunkChars
	}
	return &Ingester{
		embedder:      embedder,
		locks:         locks,
		maxChunkChars: maxChunkChars,
		logger:        slog.Default(),
	}
}

// Ingest ingests every regular, non-hidden file directly inside dir, in name
// order. A file that fails is reported and the rest continue. The error is
// non-nil only when dir cannot be read or ctx is cancelled.
func (in *Ingester) Ingest(ctx context.Context, scope retrieval.Scope, dir string) (Report, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Report{}, fmt.Errorf("reading source directory: %w", err)
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	sort.Strings(paths)
	return in.IngestFiles(ctx, scope, paths)
}

// IngestFiles ingests the given files in order, holding the bot's lock for
// the whole run. Re-ingesting a file replaces its collection atomically.
// scope.BotDir must already exist.
func (in *Ingester) IngestFiles(ctx context.Context, scope retrieval.Scope, paths []string) (Report, error) {
	unlock := in.locks.Lock(scope.BotDir)
	defer unlock()

	// The bot may have been deleted while we waited for the lock.
	if info, err := os.Stat(scope.BotDir); err != nil || !info.IsDir() {
		return Report{}, fmt.Errorf("%w: %s", ErrBotDirMissing, scope.BotDir)
	}

	var report Report
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		start := time.Now()
		n, err := in.ingestFile(ctx, scope, path)
		res := FileResult{File: filepath.Base(path), Chunks: n, Err: err}
		report.Files = append(report.Files, res)

		if err != nil {
			in.logger.Warn("ingestion failed", "bot_id", scope.BotID, "file", res.File, "error", err)
			continue
		}
		in.logger.Info("ingested document", "bot_id", scope.BotID, "file", res.File,
			"chunks", n, "duration", time.Since(start))
	}
	return report, nil
}

func (in *Ingester) ingestFile(ctx context.Context, scope retrieval.Scope, path string) (int, error) {
	seq, err := loader.Load(path, in.maxChunkChars)
	if err != nil {
		return 0, err
	}
	chunks := loader.Collect(seq)
	if len(chunks) == 0 {
		return 0, ErrNoContent
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	// Embed everything before touching disk so a failure leaves the
	// previous collection, if any, in place.
	vecs, err := in.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("embedding chunks: %w", err)
	}

	base := filepath.Base(path)
	now := time.Now().UTC()
	records := make([]retrieval.Record, len(chunks))
	for i, c := range chunks {
		records[i] = retrieval.Record{
			Source:    base,
			Position:  c.Position,
			TextChunk: c.Text,
			Embedding: vecs[i],
			CreatedAt: now,
		}
	}

	dir := retrieval.CollectionDir(scope.BotDir, scope.BotID, base)
	if err := retrieval.Replace(ctx, dir, in.embedder.Model(), in.embedder.Dimension(), records); err != nil {
		return 0, fmt.Errorf("storing collection: %w", err)
	}
	return len(chunks), nil
}

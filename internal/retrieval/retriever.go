package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// ContextChunk is a retrieved context fragment with its similarity score.
type ContextChunk struct {
	ID       string
	Source   string
	Position int
	Text     string
	Score    float32
}

// Scope identifies the collections of one bot: its directory, id and the
// source files whose collections should be searched, in order.
type Scope struct {
	BotDir string
	BotID  string
	Files  []string
}

// QueryEmbedder turns a query into a vector.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Retriever embeds a query once and searches every collection of a bot.
type Retriever struct {
	embedder QueryEmbedder
	topK     int
	open     func(dir string) (VectorStore, error)
	logger   *slog.Logger
}

// NewRetriever creates a Retriever returning up to topK chunks per
// collection. topK <= 0 means DefaultTopK.
func NewRetriever(embedder QueryEmbedder, topK int) *Retriever {
	if topK <= 0 {
		topK = DefaultTopK
	}
	return &Retriever{
		embedder: embedder,
		topK:     topK,
		open:     func(dir string) (VectorStore, error) { return Open(dir) },
		logger:   slog.Default(),
	}
}

// Retrieve returns the top chunks of every collection in scope, grouped by
// file in scope order and by descending score within a file. Collections
// that are missing or fail to answer are logged and skipped. The query is
// embedded only when at least one collection exists; a failure to embed it
// is the only error, which callers treat as empty context.
func (r *Retriever) Retrieve(ctx context.Context, query string, scope Scope) ([]ContextChunk, error) {
	files := make([]string, 0, len(scope.Files))
	for _, file := range scope.Files {
		if !Exists(CollectionDir(scope.BotDir, scope.BotID, file)) {
			r.logger.Info("collection missing, skipping", "bot_id", scope.BotID, "file", file)
			continue
		}
		files = append(files, file)
	}
	if len(files) == 0 {
		return []ContextChunk{}, nil
	}

	vec, err := r.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	perFile := make([][]ContextChunk, len(files))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for i, file := range files {
		g.Go(func() error {
			dir := CollectionDir(scope.BotDir, scope.BotID, file)
			chunks, err := r.queryCollection(gCtx, dir, vec)
			switch {
			case errors.Is(err, ErrCollectionNotFound):
				r.logger.Info("collection missing, skipping", "bot_id", scope.BotID, "file", file)
			case err != nil:
				r.logger.Warn("collection query failed, skipping", "bot_id", scope.BotID, "file", file, "error", err)
			default:
				perFile[i] = chunks
			}
			return nil
		})
	}
	g.Wait()

	out := []ContextChunk{}
	for _, chunks := range perFile {
		out = append(out, chunks...)
	}
	return out, nil
}

func (r *Retriever) queryCollection(ctx context.Context, dir string, vec []float32) ([]ContextChunk, error) {
	store, err := r.open(dir)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	scored, err := store.Query(ctx, vec, r.topK)
	if err != nil {
		return nil, err
	}
	return scoredToChunks(scored), nil
}

// Texts returns the text of each chunk, preserving order.
func Texts(chunks []ContextChunk) []string {
	out := make([]string, len(chunks))
	for i, c := range chunks {
		out[i] = c.Text
	}
	return out
}

func scoredToChunks(scored []ScoredRecord) []ContextChunk {
	chunks := make([]ContextChunk, len(scored))
	for i, s := range scored {
		chunks[i] = ContextChunk{
			ID:       s.ID,
			Source:   s.Source,
			Position: s.Position,
			Text:     s.TextChunk,
			Score:    s.Score,
		}
	}
	return chunks
}

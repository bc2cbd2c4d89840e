package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kalambet/chatbridge/internal/engine"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// EmbedderOptions tunes how an Embedder talks to its engine.
type EmbedderOptions struct {
	BatchSize int           // texts per request, default 32
	RateLimit float64       // requests per second, 0 disables limiting
	Timeout   time.Duration // per request, 0 means no extra timeout
}

// Embedder wraps an Engine to turn text into vectors of one fixed dimension.
// The dimension is learned from the first response and enforced afterwards.
type Embedder struct {
	engine    engine.Engine
	model     string
	batchSize int
	timeout   time.Duration
	limiter   *rate.Limiter
	logger    *slog.Logger

	mu  sync.Mutex
	dim int
}

// NewEmbedder creates an Embedder using the given Engine and model name.
func NewEmbedder(e engine.Engine, model string, opts EmbedderOptions) *Embedder {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 32
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), 1)
	}
	return &Embedder{
		engine:    e,
		model:     model,
		batchSize: opts.BatchSize,
		timeout:   opts.Timeout,
		limiter:   limiter,
		logger:    slog.Default(),
	}
}

// Model returns the embedding model name.
func (e *Embedder) Model() string { return e.model }

// Dimension returns the vector dimension, or 0 before the first call.
func (e *Embedder) Dimension() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dim
}

// EmbedQuery returns the embedding vector for a single text.
func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch returns one vector per text, in input order. Texts are sent in
// batches, at most four in flight. Returns nil (not error) for empty input.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	results := make([][]float32, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for start := 0; start < len(texts); start += e.batchSize {
		end := min(start+e.batchSize, len(texts))
		g.Go(func() error {
			vecs, err := e.embed(gCtx, texts[start:end])
			if err != nil {
				return fmt.Errorf("embedding texts %d-%d: %w", start, end-1, err)
			}
			copy(results[start:end], vecs)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (e *Embedder) embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingService, err)
	}
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	vecs, err := e.engine.Embed(ctx, e.model, texts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingService, err)
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("%w: got %d vectors for %d texts", ErrEmbeddingService, len(vecs), len(texts))
	}
	for _, v := range vecs {
		if err := e.checkDimension(len(v)); err != nil {
			return nil, err
		}
	}
	return vecs, nil
}

func (e *Embedder) checkDimension(n int) error {
	if n == 0 {
		return fmt.Errorf("%w: empty vector", ErrEmbeddingService)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dim == 0 {
		e.dim = n
		e.logger.Debug("embedding dimension detected", "model", e.model, "dimension", n)
		return nil
	}
	if n != e.dim {
		return fmt.Errorf("%w: %w: got %d, want %d", ErrEmbeddingService, ErrDimensionMismatch, n, e.dim)
	}
	return nil
}

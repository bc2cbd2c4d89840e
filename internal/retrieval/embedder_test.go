package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/kalambet/chatbridge/internal/engine"
)

// mockEngine implements engine.Engine for testing.
type mockEngine struct {
	embedFn func(ctx context.Context, model string, texts []string) ([][]float32, error)
}

func (m *mockEngine) Chat(_ context.Context, _ string, _ []engine.Message) (string, error) {
	return "", fmt.Errorf("not implemented")
}
func (m *mockEngine) Embed(ctx context.Context, model string, texts []string) ([][]float32, error) {
	return m.embedFn(ctx, model, texts)
}
func (m *mockEngine) IsRunning(_ context.Context) bool { return true }

func fixedDimEngine(dim int) *mockEngine {
	return &mockEngine{
		embedFn: func(_ context.Context, _ string, texts []string) ([][]float32, error) {
			out := make([][]float32, len(texts))
			for i := range texts {
				out[i] = makeTestVector(dim, float32(len(texts[i])))
			}
			return out, nil
		},
	}
}

func TestEmbedQuery_ReturnsDimension(t *testing.T) {
	e := NewEmbedder(fixedDimEngine(384), "nomic-embed-text", EmbedderOptions{})

	vec, err := e.EmbedQuery(context.Background(), "hello world")
	if err != nil {
		t.Fatalf("EmbedQuery: %v", err)
	}
	if len(vec) != 384 {
		t.Errorf("got %d dimensions, want 384", len(vec))
	}
	if e.Dimension() != 384 {
		t.Errorf("Dimension() = %d, want 384", e.Dimension())
	}
}

func TestEmbedQuery_EngineError(t *testing.T) {
	mock := &mockEngine{
		embedFn: func(_ context.Context, _ string, _ []string) ([][]float32, error) {
			return nil, errors.New("connection refused")
		},
	}
	e := NewEmbedder(mock, "nomic-embed-text", EmbedderOptions{})

	_, err := e.EmbedQuery(context.Background(), "hello")
	if !errors.Is(err, ErrEmbeddingService) {
		t.Fatalf("err = %v, want ErrEmbeddingService", err)
	}
}

func TestEmbedBatch_OrderAndBatching(t *testing.T) {
	var calls atomic.Int32
	mock := &mockEngine{
		embedFn: func(_ context.Context, _ string, texts []string) ([][]float32, error) {
			calls.Add(1)
			if len(texts) > 2 {
				return nil, fmt.Errorf("batch of %d exceeds limit", len(texts))
			}
			out := make([][]float32, len(texts))
			for i, text := range texts {
				out[i] = []float32{float32(len(text)), 1}
			}
			return out, nil
		},
	}
	e := NewEmbedder(mock, "m", EmbedderOptions{BatchSize: 2})

	texts := []string{"a", "bb", "ccc", "dddd", "eeeee"}
	vecs, err := e.EmbedBatch(context.Background(), texts)
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(vecs) != len(texts) {
		t.Fatalf("got %d vectors, want %d", len(vecs), len(texts))
	}
	for i, v := range vecs {
		if int(v[0]) != len(texts[i]) {
			t.Errorf("vecs[%d] belongs to a different text", i)
		}
	}
	if calls.Load() != 3 {
		t.Errorf("engine called %d times, want 3", calls.Load())
	}
}

func TestEmbedBatch_Empty(t *testing.T) {
	e := NewEmbedder(fixedDimEngine(3), "m", EmbedderOptions{})

	vecs, err := e.EmbedBatch(context.Background(), nil)
	if err != nil {
		t.Fatalf("EmbedBatch(nil): %v", err)
	}
	if vecs != nil {
		t.Errorf("EmbedBatch(nil) = %v, want nil", vecs)
	}
}

func TestEmbed_DimensionPinned(t *testing.T) {
	dim := 3
	mock := &mockEngine{
		embedFn: func(_ context.Context, _ string, texts []string) ([][]float32, error) {
			out := make([][]float32, len(texts))
			for i := range texts {
				out[i] = make([]float32, dim)
				out[i][0] = 1
			}
			return out, nil
		},
	}
	e := NewEmbedder(mock, "m", EmbedderOptions{})

	if _, err := e.EmbedQuery(context.Background(), "first"); err != nil {
		t.Fatalf("EmbedQuery: %v", err)
	}
	dim = 5
	_, err := e.EmbedQuery(context.Background(), "second")
	if !errors.Is(err, ErrDimensionMismatch) || !errors.Is(err, ErrEmbeddingService) {
		t.Errorf("err = %v, want ErrDimensionMismatch within ErrEmbeddingService", err)
	}
}

func TestEmbed_CountMismatch(t *testing.T) {
	mock := &mockEngine{
		embedFn: func(_ context.Context, _ string, _ []string) ([][]float32, error) {
			return [][]float32{{1, 2}}, nil
		},
	}
	e := NewEmbedder(mock, "m", EmbedderOptions{})

	if _, err := e.EmbedBatch(context.Background(), []string{"a", "b"}); !errors.Is(err, ErrEmbeddingService) {
		t.Errorf("err = %v, want ErrEmbeddingService", err)
	}
}

func TestEmbed_QueryAndBatchShareDimension(t *testing.T) {
	e := NewEmbedder(fixedDimEngine(16), "m", EmbedderOptions{})

	q, err := e.EmbedQuery(context.Background(), "query")
	if err != nil {
		t.Fatalf("EmbedQuery: %v", err)
	}
	docs, err := e.EmbedBatch(context.Background(), []string{"doc one", "doc two"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	for i, d := range docs {
		if len(d) != len(q) {
			t.Errorf("doc %d dimension %d != query dimension %d", i, len(d), len(q))
		}
	}
}

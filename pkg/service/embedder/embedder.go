package embedder

import (
	"context"
	"errors"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/gollem"
	"github.com/secmon-lab/onboarder/pkg/domain/model"
	"github.com/secmon-lab/onboarder/pkg/service/chunker"
	"github.com/secmon-lab/onboarder/pkg/utils/logging"
)

// Embedder turns texts into fixed-dimension vectors through an LLM backend.
// It holds no state between calls.
type Embedder struct {
	client         gollem.LLMClient
	dimension      int
	batchSize      int
	maxInputTokens int
}

// Option configures an Embedder
type Option func(*Embedder)

// WithDimension sets the vector dimension requested from the backend
func WithDimension(d int) Option {
	return func(e *Embedder) {
		e.dimension = d
	}
}

// WithBatchSize sets how many texts are sent per backend call
func WithBatchSize(n int) Option {
	return func(e *Embedder) {
		e.batchSize = n
	}
}

// WithMaxInputTokens sets the largest accepted input, counted in chunker tokens
func WithMaxInputTokens(n int) Option {
	return func(e *Embedder) {
		e.maxInputTokens = n
	}
}

// New creates an Embedder backed by client
func New(client gollem.LLMClient, opts ...Option) *Embedder {
	e := &Embedder{
		client:         client,
		dimension:      model.EmbeddingDimension,
		batchSize:      32,
		maxInputTokens: 2048,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.batchSize < 1 {
		e.batchSize = 1
	}
	return e
}

// Dimension returns the vector dimension
func (e *Embedder) Dimension() int {
	return e.dimension
}

// BatchSize returns the number of texts per backend call
func (e *Embedder) BatchSize() int {
	return e.batchSize
}

// Embed returns one vector per text, in input order. Oversized inputs are
// rejected with model.ErrInputTooLarge before any backend call. Backend
// failures wrap both model.ErrEmbeddingService and the backend error, so
// callers can classify them for retry.
func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	for i, text := range texts {
		if n := chunker.CountTokens(text); e.maxInputTokens > 0 && n > e.maxInputTokens {
			return nil, goerr.Wrap(model.ErrInputTooLarge, "embedding input exceeds limit",
				goerr.V("index", i),
				goerr.V("tokens", n),
				goerr.V("max_tokens", e.maxInputTokens))
		}
	}

	vectors := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.batchSize {
		end := min(start+e.batchSize, len(texts))
		batch, err := e.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, goerr.Wrap(err, "failed to embed batch", goerr.V("offset", start))
		}
		vectors = append(vectors, batch...)
	}

	logging.From(ctx).Debug("embedded texts", "count", len(texts), "dimension", e.dimension)
	return vectors, nil
}

func (e *Embedder) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	raw, err := e.client.GenerateEmbedding(ctx, e.dimension, texts)
	if err != nil {
		return nil, goerr.Wrap(errors.Join(model.ErrEmbeddingService, err), "embedding backend call failed",
			goerr.V("batch_size", len(texts)))
	}

	if len(raw) != len(texts) {
		return nil, goerr.Wrap(model.ErrEmbeddingService, "embedding count mismatch",
			goerr.V("expected", len(texts)),
			goerr.V("actual", len(raw)))
	}

	vectors := make([][]float32, len(raw))
	for i, v := range raw {
		if len(v) != e.dimension {
			return nil, goerr.Wrap(model.ErrEmbeddingService, "embedding dimension mismatch",
				goerr.V("index", i),
				goerr.V("expected", e.dimension),
				goerr.V("actual", len(v)))
		}
		vectors[i] = toFloat32(v)
	}
	return vectors, nil
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, f := range v {
		out[i] = float32(f)
	}
	return out
}

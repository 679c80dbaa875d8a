package interfaces

import "context"

// Embedder turns texts into vectors of a fixed dimension, preserving order
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
	BatchSize() int
}

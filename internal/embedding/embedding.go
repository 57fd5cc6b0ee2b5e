// Package embedding provides a pluggable interface for text embedding providers.
package embedding

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rcliao/support-memory/internal/config"
)

// Vector is a float32 embedding vector.
type Vector = []float32

// Embedder generates embedding vectors from text.
type Embedder interface {
	Embed(ctx context.Context, text string) (Vector, error)
	Dims() int
	// Name identifies the embedding space. Vectors from embedders with
	// different names are not comparable.
	Name() string
}

// CosineSimilarity computes cosine similarity between two vectors.
func CosineSimilarity(a, b Vector) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Normalize scales v to unit length in place. A zero vector is left unchanged.
func Normalize(v Vector) Vector {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		return v
	}
	n := float32(math.Sqrt(norm))
	for i := range v {
		v[i] /= n
	}
	return v
}

// New builds the configured embedder, wrapped with retry and a cache.
func New(cfg config.EmbeddingConfig, retryAttempts int, retryInitial time.Duration) (Embedder, error) {
	var base Embedder
	switch cfg.Provider {
	case "", "lexical":
		base = NewLexical(cfg.Dims)
	case "ollama":
		model := cfg.Model
		if model == "" {
			model = "nomic-embed-text"
		}
		base = NewOllamaEmbedder(cfg.URL, model, cfg.Dims)
	case "openai":
		base = NewOpenAIEmbedder(cfg.URL, cfg.APIKey, cfg.Model, cfg.Dims)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}

	if cfg.Provider == "ollama" || cfg.Provider == "openai" {
		base = WithRetry(base, retryAttempts, retryInitial)
	}
	if cfg.CacheSize <= 0 {
		return base, nil
	}
	return NewCached(base, cfg.CacheSize)
}

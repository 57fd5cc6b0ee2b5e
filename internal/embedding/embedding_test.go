package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/support-memory/internal/config"
	"github.com/rcliao/support-memory/internal/model"
)

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name     string
		a, b     Vector
		expected float64
		delta    float64
	}{
		{"identical", Vector{1, 0, 0}, Vector{1, 0, 0}, 1.0, 0.001},
		{"orthogonal", Vector{1, 0, 0}, Vector{0, 1, 0}, 0.0, 0.001},
		{"opposite", Vector{1, 0, 0}, Vector{-1, 0, 0}, -1.0, 0.001},
		{"similar", Vector{1, 1, 0}, Vector{1, 0, 0}, 0.707, 0.01},
		{"empty", Vector{}, Vector{}, 0.0, 0.001},
		{"different lengths", Vector{1, 0}, Vector{1, 0, 0}, 0.0, 0.001},
		{"zero vector", Vector{0, 0, 0}, Vector{1, 0, 0}, 0.0, 0.001},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CosineSimilarity(tt.a, tt.b)
			if math.Abs(got-tt.expected) > tt.delta {
				t.Errorf("CosineSimilarity(%v, %v) = %f, want %f (±%f)", tt.a, tt.b, got, tt.expected, tt.delta)
			}
		})
	}
}

func TestLexicalDeterministic(t *testing.T) {
	ctx := context.Background()
	l := NewLexical(0)
	a, err := l.Embed(ctx, "Hydraulic pump overheat shutdown")
	require.NoError(t, err)
	b, _ := l.Embed(ctx, "hydraulic pump overheat shutdown")
	assert.Len(t, a, DefaultLexicalDims)
	assert.InDelta(t, 1.0, CosineSimilarity(a, b), 1e-6)
	assert.Equal(t, "lexical:1024", l.Name())
}

func TestLexicalRelatedText(t *testing.T) {
	ctx := context.Background()
	l := NewLexical(0)
	q, _ := l.Embed(ctx, "pump overheating alarm")
	rec, _ := l.Embed(ctx, model.EmbeddingText("hydraulic pump overheat shutdown", "replaced the coolant relay and reset the thermal cutout"))
	other, _ := l.Embed(ctx, model.EmbeddingText("label printer jams on startup", "cleaned the feed rollers"))

	assert.Greater(t, CosineSimilarity(q, rec), 0.3)
	assert.Less(t, CosineSimilarity(q, other), CosineSimilarity(q, rec))
}

func TestTokens(t *testing.T) {
	assert.Equal(t, []string{"pump", "overh", "alarm", "h12"}, Tokens("The pump is OVERHEATING, alarm H12!"))
}

type countingEmbedder struct {
	calls atomic.Int32
	err   error
	fails int32
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) (Vector, error) {
	n := c.calls.Add(1)
	if n <= c.fails {
		return nil, c.err
	}
	return Vector{1, 0}, nil
}
func (c *countingEmbedder) Dims() int    { return 2 }
func (c *countingEmbedder) Name() string { return "counting" }

func TestCached(t *testing.T) {
	inner := &countingEmbedder{}
	c, err := NewCached(inner, 100)
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	_, err = c.Embed(ctx, "same")
	require.NoError(t, err)
	c.Wait()
	v, err := c.Embed(ctx, "same")
	require.NoError(t, err)
	assert.Equal(t, Vector{1, 0}, v)
	assert.Equal(t, int32(1), inner.calls.Load())
	assert.Equal(t, "counting", c.Name())
}

func TestRetryTransient(t *testing.T) {
	inner := &countingEmbedder{err: model.ErrTransient, fails: 2}
	r := WithRetry(inner, 3, time.Millisecond)
	v, err := r.Embed(context.Background(), "x")
	require.NoError(t, err)
	assert.Len(t, v, 2)
	assert.Equal(t, int32(3), inner.calls.Load())
}

func TestRetryPermanent(t *testing.T) {
	boom := errors.New("bad request")
	inner := &countingEmbedder{err: boom, fails: 5}
	_, err := WithRetry(inner, 3, time.Millisecond).Embed(context.Background(), "x")
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int32(1), inner.calls.Load())
}

func TestOllamaEmbedder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embeddings", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{"embedding": []float32{0.1, 0.2, 0.3}})
	}))
	defer srv.Close()

	e := NewOllamaEmbedder(srv.URL, "tiny", 3)
	v, err := e.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, Vector{0.1, 0.2, 0.3}, v)
	assert.Equal(t, "ollama:tiny:3", e.Name())
}

func TestOpenAIEmbedderTransientStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewOpenAIEmbedder(srv.URL, "key", "m", 4).Embed(context.Background(), "hello")
	assert.ErrorIs(t, err, model.ErrTransient)
}

func TestNewFromConfig(t *testing.T) {
	e, err := New(config.EmbeddingConfig{Provider: "lexical", CacheSize: 10}, 3, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "lexical:1024", e.Name())

	_, err = New(config.EmbeddingConfig{Provider: "nope"}, 3, time.Millisecond)
	assert.Error(t, err)
}

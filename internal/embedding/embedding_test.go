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

	"github.com/scrypster/fanout/internal/config"
	"github.com/scrypster/fanout/internal/logging"
)

func norm(v []float32) float64 {
	var s float64
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}

func TestHashEmbedder_DeterministicUnitVectors(t *testing.T) {
	h := NewHashEmbedder(384)
	ctx := context.Background()

	a1, err := h.Embed(ctx, "signed up")
	require.NoError(t, err)
	a2, _ := h.Embed(ctx, "signed up")
	b, _ := h.Embed(ctx, "cancelled plan")

	assert.Len(t, a1, 384)
	assert.Equal(t, a1, a2, "same text must give the same vector")
	assert.NotEqual(t, a1, b)
	assert.InDelta(t, 1.0, norm(a1), 1e-5)
	assert.Equal(t, HashModel, h.Model())
}

func TestHashEmbedder_EmptyTextUsesDefaultVector(t *testing.T) {
	h := NewHashEmbedder(4)
	v, err := h.Embed(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, DefaultVector(4), v)
	assert.InDelta(t, 1.0, norm(v), 1e-6)
	for _, x := range v {
		assert.InDelta(t, 0.5, x, 1e-6)
	}
}

// stubEmbedder returns a fixed vector or error.
type stubEmbedder struct {
	vec   []float32
	err   error
	calls atomic.Int32
}

func (s *stubEmbedder) Embed(context.Context, string) ([]float32, error) {
	s.calls.Add(1)
	return s.vec, s.err
}
func (s *stubEmbedder) Dimension() int { return len(s.vec) }
func (s *stubEmbedder) Model() string  { return "stub" }

func TestFallbackEmbedder_UsesPrimary(t *testing.T) {
	primary := &stubEmbedder{vec: []float32{1, 0, 0}}
	f := NewFallbackEmbedder(primary, 3, logging.Discard(), nil)

	v, err := f.Embed(context.Background(), "text")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0, 0}, v)
	assert.Equal(t, "stub", f.Model())
}

func TestFallbackEmbedder_ErrorFallsBack(t *testing.T) {
	primary := &stubEmbedder{err: errors.New("provider down")}
	f := NewFallbackEmbedder(primary, 8, logging.Discard(), nil)

	v, err := f.Embed(context.Background(), "text")
	require.NoError(t, err, "fallback embedder never fails")
	assert.Len(t, v, 8)
	assert.Equal(t, NewHashEmbedder(8).Vector("text"), v)
}

func TestFallbackEmbedder_WrongDimensionFallsBack(t *testing.T) {
	primary := &stubEmbedder{vec: []float32{1, 2}}
	f := NewFallbackEmbedder(primary, 8, logging.Discard(), nil)

	v, err := f.Embed(context.Background(), "text")
	require.NoError(t, err)
	assert.Len(t, v, 8)
}

func TestFallbackEmbedder_EmptyTextSkipsPrimary(t *testing.T) {
	primary := &stubEmbedder{vec: []float32{1, 0}}
	f := NewFallbackEmbedder(primary, 2, logging.Discard(), nil)

	v, err := f.Embed(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, DefaultVector(2), v)
	assert.Equal(t, int32(0), primary.calls.Load())
}

func TestNew_SelectsByConfigPresence(t *testing.T) {
	logger := logging.Discard()

	hash := New(config.EmbeddingConfig{}, 16, logger, nil)
	assert.IsType(t, &HashEmbedder{}, hash)

	ollama := New(config.EmbeddingConfig{OllamaURL: "http://localhost:11434", OllamaModel: "all-minilm"}, 16, logger, nil)
	require.IsType(t, &FallbackEmbedder{}, ollama)
	assert.Equal(t, "all-minilm", ollama.Model())

	openai := New(config.EmbeddingConfig{
		OpenAIAPIKey: "sk-test",
		OpenAIModel:  "text-embedding-3-small",
		OllamaURL:    "http://localhost:11434",
	}, 16, logger, nil)
	require.IsType(t, &FallbackEmbedder{}, openai)
	assert.Equal(t, "text-embedding-3-small", openai.Model(), "OpenAI key wins over Ollama URL")
	assert.Equal(t, 16, openai.Dimension())
}

func TestOpenAIEmbedder_Request(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req openAIEmbeddingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, 3, req.Dimensions)
		assert.Equal(t, "hello", req.Input)

		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]interface{}{{"embedding": []float32{0.1, 0.2, 0.3}}},
		})
	}))
	defer srv.Close()

	e := NewOpenAIEmbedder(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL + "/", Dimension: 3})
	v, err := e.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, v)
	assert.Equal(t, "closed", e.CircuitState())
}

func TestOllamaEmbedder_Request(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embed", r.URL.Path)
		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "all-minilm", req.Model)
		_ = json.NewEncoder(w).Encode(embedResponse{Embeddings: [][]float32{{1, 2}}})
	}))
	defer srv.Close()

	e := NewOllamaEmbedder(OllamaConfig{BaseURL: srv.URL, Dimension: 2})
	v, err := e.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2}, v)
}

func TestOllamaEmbedder_CircuitOpensAfterFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	e := NewOllamaEmbedder(OllamaConfig{BaseURL: srv.URL, Dimension: 2, Timeout: time.Second})
	for i := 0; i < 3; i++ {
		_, err := e.Embed(context.Background(), "x")
		require.Error(t, err)
	}
	assert.Equal(t, "open", e.CircuitState())

	_, err := e.Embed(context.Background(), "x")
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, int32(3), hits.Load(), "open circuit must not reach the server")

	// The fallback wrapper hides the open circuit.
	f := NewFallbackEmbedder(e, 2, logging.Discard(), nil)
	v, err := f.Embed(context.Background(), "x")
	require.NoError(t, err)
	assert.Len(t, v, 2)
}

func TestCircuitState_ReportsThroughFallback(t *testing.T) {
	cb := NewCircuitBreakerWithConfig(CircuitBreakerConfig{Name: "t", MaxFailures: 2, Timeout: time.Minute, HalfOpenMaxSuccesses: 1})
	_, err := cb.Execute(context.Background(), func() ([]float32, error) { return []float32{1}, nil })
	require.NoError(t, err)
	assert.Equal(t, "closed", cb.State())

	for i := 0; i < 2; i++ {
		_, err = cb.Execute(context.Background(), func() ([]float32, error) { return nil, errors.New("x") })
		require.Error(t, err)
	}
	assert.Equal(t, "open", cb.State())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	primary := NewOllamaEmbedder(OllamaConfig{BaseURL: srv.URL, Dimension: 2, Timeout: time.Second})
	f := NewFallbackEmbedder(primary, 2, logging.Discard(), nil)
	assert.Equal(t, "closed", CircuitState(f))
	for i := 0; i < 3; i++ {
		_, err := f.Embed(context.Background(), "x")
		require.NoError(t, err)
	}
	assert.Equal(t, "open", CircuitState(f))

	assert.Equal(t, "none", CircuitState(NewHashEmbedder(2)))
}

package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEmbedder records calls and returns a fixed vector or error
type fakeEmbedder struct {
	mu    sync.Mutex
	calls []string
	vec   []float64
	err   error
	delay time.Duration
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	f.mu.Lock()
	f.calls = append(f.calls, text)
	f.mu.Unlock()
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.vec, f.err
}

type memCache struct {
	m map[string][]float64
}

func (c *memCache) Get(_ context.Context, hash string) ([]float64, bool, error) {
	v, ok := c.m[hash]
	return v, ok, nil
}

func (c *memCache) Set(_ context.Context, hash string, emb []float64) error {
	c.m[hash] = emb
	return nil
}

func TestResolvePrecomputedSkipsProvider(t *testing.T) {
	f := &fakeEmbedder{vec: []float64{9}}
	r := NewResolver(f, ResolverOptions{})

	got := r.Resolve(context.Background(), Request{Text: "hello", Precomputed: []float64{1, 2}})
	assert.Equal(t, []float64{1, 2}, got)
	assert.Empty(t, f.calls)
}

func TestResolveTruncatesInput(t *testing.T) {
	f := &fakeEmbedder{vec: []float64{1}}
	r := NewResolver(f, ResolverOptions{MaxInputChars: 8000})

	long := strings.Repeat("é", 9000)
	require.NotNil(t, r.Resolve(context.Background(), Request{Text: long}))
	require.Len(t, f.calls, 1)
	assert.Equal(t, 8000, utf8.RuneCountInString(f.calls[0]))
	assert.True(t, utf8.ValidString(f.calls[0]))
}

func TestResolveDegradesOnFailure(t *testing.T) {
	f := &fakeEmbedder{err: errors.New("provider down")}
	r := NewResolver(f, ResolverOptions{})

	assert.Nil(t, r.Resolve(context.Background(), Request{Text: "hello"}))
	assert.Len(t, f.calls, 1)
}

func TestResolveDeadline(t *testing.T) {
	f := &fakeEmbedder{vec: []float64{1}, delay: time.Second}
	r := NewResolver(f, ResolverOptions{Timeout: 20 * time.Millisecond})

	start := time.Now()
	assert.Nil(t, r.Resolve(context.Background(), Request{Text: "slow"}))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestResolveUsesCache(t *testing.T) {
	f := &fakeEmbedder{vec: []float64{0.5, 0.5}}
	cache := &memCache{m: map[string][]float64{}}
	r := NewResolver(f, ResolverOptions{Cache: cache})
	ctx := context.Background()

	first := r.Resolve(ctx, Request{Text: "same content"})
	second := r.Resolve(ctx, Request{Text: "same content"})
	assert.Equal(t, first, second)
	assert.Len(t, f.calls, 1, "second resolve served from cache")
	assert.Contains(t, cache.m, ContentHash("same content"))
}

func TestTruncateRunes(t *testing.T) {
	assert.Equal(t, "abc", TruncateRunes("abc", 10))
	assert.Equal(t, "ab", TruncateRunes("abc", 2))
	assert.Equal(t, "日本", TruncateRunes("日本語", 2))
	assert.Equal(t, "abc", TruncateRunes("abc", 0))
}

func TestOllamaClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/embeddings":
			var req embeddingRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "nomic-embed-text", req.Model)
			json.NewEncoder(w).Encode(embeddingResponse{Embedding: []float64{0.1, 0.2}})
		case "/api/generate":
			var req generateRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "json", req.Format)
			json.NewEncoder(w).Encode(generateResponse{Response: `{"patterns":[]}`, Done: true})
		default:
			http.Error(w, "nope", http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, "")
	ctx := context.Background()

	emb, err := c.Embed(ctx, "text")
	require.NoError(t, err)
	assert.Equal(t, []float64{0.1, 0.2}, emb)

	out, err := c.Complete(ctx, "prompt")
	require.NoError(t, err)
	assert.JSONEq(t, `{"patterns":[]}`, out)

	_, err = c.Embed(ctx, "")
	assert.Error(t, err)
}

func TestOllamaClientStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewOllamaClient(srv.URL, "").Embed(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")
}

func TestRedisCache(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	ctx := context.Background()
	c, err := NewRedisCache(ctx, url, time.Minute)
	require.NoError(t, err)
	defer c.Close()

	hash := ContentHash("redis-test-" + time.Now().String())
	_, ok, err := c.Get(ctx, hash)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, hash, []float64{1, 2, 3}))
	got, ok, err := c.Get(ctx, hash)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []float64{1, 2, 3}, got)
}

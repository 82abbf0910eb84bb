package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aigateway/backend/internal/core"
)

// fakeEntryStore is an in-memory hash store.
type fakeEntryStore struct {
	hashes map[string]map[string]string
	ttls   map[string]time.Duration
}

func newFakeEntryStore() *fakeEntryStore {
	return &fakeEntryStore{hashes: map[string]map[string]string{}, ttls: map[string]time.Duration{}}
}

func (f *fakeEntryStore) Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd {
	keys := make([]string, 0, len(f.hashes))
	for k := range f.hashes {
		keys = append(keys, k)
	}
	return redis.NewScanCmdResult(keys, 0, nil)
}

func (f *fakeEntryStore) HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd {
	fields, ok := f.hashes[key]
	if !ok {
		return redis.NewMapStringStringResult(map[string]string{}, nil)
	}
	return redis.NewMapStringStringResult(fields, nil)
}

func (f *fakeEntryStore) HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	fields, ok := f.hashes[key]
	if !ok {
		fields = map[string]string{}
		f.hashes[key] = fields
	}
	for i := 0; i+1 < len(values); i += 2 {
		name := values[i].(string)
		switch v := values[i+1].(type) {
		case []byte:
			fields[name] = string(v)
		case string:
			fields[name] = v
		}
	}
	return redis.NewIntResult(int64(len(values) / 2), nil)
}

func (f *fakeEntryStore) Expire(ctx context.Context, key string, ttl time.Duration) *redis.BoolCmd {
	f.ttls[key] = ttl
	return redis.NewBoolResult(true, nil)
}

// stubEmbedder maps exact texts to fixed vectors.
type stubEmbedder struct {
	vectors map[string][]float32
	err     error
}

func (s *stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if s.err != nil {
		return nil, s.err
	}
	if v, ok := s.vectors[text]; ok {
		return v, nil
	}
	return []float32{0, 0, 1}, nil
}

func envelope(completion string) *core.Envelope {
	return &core.Envelope{
		Completion:       completion,
		PromptTokens:     10,
		CompletionTokens: 5,
		TotalTokens:      15,
		Model:            "gpt-3.5-turbo",
		CostUSD:          0.0003,
		Provider:         "openai",
	}
}

func TestSemanticCacheHitOnSimilarQuery(t *testing.T) {
	store := newFakeEntryStore()
	embedder := &stubEmbedder{vectors: map[string][]float32{
		"what is the capital of France":  {1, 0, 0},
		"what's the capital of France??": {0.99, 0.14, 0}, // cosine ≈ 0.99
	}}
	c := NewSemanticCache(store, embedder, true, time.Hour, 0.95)
	ctx := context.Background()

	c.Set(ctx, "what is the capital of France", envelope("Paris"))
	require.Len(t, store.hashes, 1)

	got := c.Get(ctx, "what's the capital of France??")
	require.NotNil(t, got)
	assert.Equal(t, "Paris", got.Completion)
	assert.Equal(t, 15, got.TotalTokens)
}

func TestSemanticCacheMissBelowThreshold(t *testing.T) {
	store := newFakeEntryStore()
	embedder := &stubEmbedder{vectors: map[string][]float32{
		"capital of France":  {1, 0, 0},
		"weather in Ankara?": {0, 1, 0},
	}}
	c := NewSemanticCache(store, embedder, true, time.Hour, 0.95)
	ctx := context.Background()

	c.Set(ctx, "capital of France", envelope("Paris"))
	assert.Nil(t, c.Get(ctx, "weather in Ankara?"))
}

func TestSemanticCacheDisabled(t *testing.T) {
	store := newFakeEntryStore()
	c := NewSemanticCache(store, &stubEmbedder{}, false, time.Hour, 0.95)
	ctx := context.Background()

	c.Set(ctx, "query", envelope("answer"))
	assert.Empty(t, store.hashes)
	assert.Nil(t, c.Get(ctx, "query"))
}

func TestSemanticCacheEmbedderFailureIsMiss(t *testing.T) {
	store := newFakeEntryStore()
	c := NewSemanticCache(store, &stubEmbedder{err: errors.New("quota")}, true, time.Hour, 0.95)
	ctx := context.Background()

	c.Set(ctx, "query", envelope("answer"))
	assert.Empty(t, store.hashes)
	assert.Nil(t, c.Get(ctx, "query"))
}

func TestSemanticCacheKeyAndTTL(t *testing.T) {
	store := newFakeEntryStore()
	embedder := &stubEmbedder{vectors: map[string][]float32{"q": {1, 0, 0}}}
	c := NewSemanticCache(store, embedder, true, 2*time.Hour, 0.95)

	c.Set(context.Background(), "q", envelope("a"))

	key := Key("q")
	assert.Contains(t, store.hashes, key)
	assert.Equal(t, 2*time.Hour, store.ttls[key])
	assert.Equal(t, "q", store.hashes[key]["text"])
}

func TestVectorRoundTrip(t *testing.T) {
	v := []float32{0.5, -1.25, 3.75, 0}
	assert.Equal(t, v, bytesToVector(vectorToBytes(v)))
}

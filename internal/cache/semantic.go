package cache

import (
	"context"
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"math"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aigateway/backend/internal/core"
)

const scanBatchSize = 100

// Embedder turns text into a fixed-dimension float32 vector. Implemented
// by the provider embedding clients.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// EntryStore is the subset of go-redis the cache needs; *redis.Client
// satisfies it.
type EntryStore interface {
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	Expire(ctx context.Context, key string, ttl time.Duration) *redis.BoolCmd
}

// SemanticCache stores provider envelopes keyed by cache:<md5(query)> and
// matches lookups by cosine similarity over the live key population. The
// scan is linear; TTL keeps the population bounded. Infrastructure
// failures degrade to a miss and never propagate.
type SemanticCache struct {
	store     EntryStore
	embedder  Embedder
	enabled   bool
	ttl       time.Duration
	threshold float64
	logger    *slog.Logger
}

func NewSemanticCache(store EntryStore, embedder Embedder, enabled bool, ttl time.Duration, threshold float64) *SemanticCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if threshold <= 0 {
		threshold = 0.95
	}
	return &SemanticCache{
		store:     store,
		embedder:  embedder,
		enabled:   enabled,
		ttl:       ttl,
		threshold: threshold,
		logger:    slog.Default().With("component", "semantic_cache"),
	}
}

// Get returns the stored envelope of the most similar live entry when its
// similarity meets the threshold, or nil on miss.
func (c *SemanticCache) Get(ctx context.Context, query string) *core.Envelope {
	if !c.enabled || c.store == nil || c.embedder == nil {
		return nil
	}

	queryVector, err := c.embedder.Embed(ctx, query)
	if err != nil {
		c.logger.Warn("embedding failed, treating as miss", "error", err)
		return nil
	}

	var (
		bestResponse   string
		bestSimilarity float64
		cursor         uint64
	)
	for {
		keys, next, err := c.store.Scan(ctx, cursor, "cache:*", scanBatchSize).Result()
		if err != nil {
			c.logger.Warn("cache scan failed", "error", err)
			return nil
		}

		for _, key := range keys {
			fields, err := c.store.HGetAll(ctx, key).Result()
			if err != nil || len(fields) == 0 {
				continue
			}
			response := fields["response"]
			vectorData := fields["vector"]
			if response == "" || vectorData == "" {
				continue
			}

			similarity := CosineSimilarity(queryVector, bytesToVector([]byte(vectorData)))
			if similarity > bestSimilarity {
				bestSimilarity = similarity
				bestResponse = response
			}
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	if bestResponse == "" || bestSimilarity < c.threshold {
		return nil
	}

	var envelope core.Envelope
	if err := json.Unmarshal([]byte(bestResponse), &envelope); err != nil {
		c.logger.Warn("cached response is corrupt", "error", err)
		return nil
	}
	return &envelope
}

// Set stores the envelope under cache:<md5(query)> with the configured
// TTL. Failures are logged, never returned.
func (c *SemanticCache) Set(ctx context.Context, query string, envelope *core.Envelope) {
	if !c.enabled || c.store == nil || c.embedder == nil || envelope == nil {
		return
	}

	vector, err := c.embedder.Embed(ctx, query)
	if err != nil {
		c.logger.Warn("embedding failed, skipping cache store", "error", err)
		return
	}

	response, err := json.Marshal(envelope)
	if err != nil {
		c.logger.Warn("marshal cache entry failed", "error", err)
		return
	}

	key := Key(query)
	err = c.store.HSet(ctx, key,
		"vector", vectorToBytes(vector),
		"text", query,
		"response", response,
	).Err()
	if err != nil {
		c.logger.Warn("cache store failed", "key", key, "error", err)
		return
	}
	if err := c.store.Expire(ctx, key, c.ttl).Err(); err != nil {
		c.logger.Warn("cache expire failed", "key", key, "error", err)
	}
}

// Key returns the Redis key for a query.
func Key(query string) string {
	sum := md5.Sum([]byte(query))
	return "cache:" + hex.EncodeToString(sum[:])
}

// Vectors are stored as packed little-endian float32, matching the
// embedding wire format.
func vectorToBytes(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func bytesToVector(data []byte) []float32 {
	v := make([]float32, len(data)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return v
}

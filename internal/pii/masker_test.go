package pii

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSessionStore is an in-memory SessionStore.
type fakeSessionStore struct {
	mu   sync.Mutex
	data map[string]string
	ttls map[string]time.Duration
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{data: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (f *fakeSessionStore) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch v := value.(type) {
	case []byte:
		f.data[key] = string(v)
	case string:
		f.data[key] = v
	}
	f.ttls[key] = ttl
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeSessionStore) Get(ctx context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeSessionStore) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, key := range keys {
		if _, ok := f.data[key]; ok {
			delete(f.data, key)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func TestMaskUnmaskRoundTrip(t *testing.T) {
	store := newFakeSessionStore()
	masker := NewMasker(store, time.Hour)
	ctx := context.Background()

	text := "Contact jane@example.com with ID 10000000146"
	entities := DetectPatterns(text)
	require.NotEmpty(t, entities)

	masked, sessionID, err := masker.Mask(ctx, text, entities)
	require.NoError(t, err)
	require.NotEmpty(t, sessionID)
	assert.True(t, strings.HasPrefix(sessionID, "session_"))

	// No entity surface survives masking.
	for _, e := range entities {
		assert.NotContains(t, masked, e.Text)
	}
	assert.Contains(t, masked, "<EMAIL:"+sessionID+":")

	unmasked, err := masker.Unmask(ctx, masked, sessionID)
	require.NoError(t, err)
	assert.Equal(t, text, unmasked)

	// The session is consumed on unmask.
	_, ok := store.data["mask:"+sessionID]
	assert.False(t, ok)
}

func TestMaskNoEntities(t *testing.T) {
	masker := NewMasker(newFakeSessionStore(), time.Hour)

	masked, sessionID, err := masker.Mask(context.Background(), "nothing sensitive here", nil)
	require.NoError(t, err)
	assert.Equal(t, "nothing sensitive here", masked)
	assert.Empty(t, sessionID)
}

func TestUnmaskExpiredSession(t *testing.T) {
	masker := NewMasker(newFakeSessionStore(), time.Hour)

	text := "still has <EMAIL:session_gone:EMAIL_0> inside"
	out, err := masker.Unmask(context.Background(), text, "session_gone")
	require.NoError(t, err)
	assert.Equal(t, text, out)
}

func TestUnmaskLeavesForeignSessionSentinels(t *testing.T) {
	store := newFakeSessionStore()
	masker := NewMasker(store, time.Hour)
	ctx := context.Background()

	text := "write to a@b.co now"
	entities := DetectPatterns(text)
	masked, sessionID, err := masker.Mask(ctx, text, entities)
	require.NoError(t, err)

	// A sentinel minted under another session id must stay untouched.
	foreign := masked + " <EMAIL:session_other:EMAIL_0>"
	out, err := masker.Unmask(ctx, foreign, sessionID)
	require.NoError(t, err)
	assert.Contains(t, out, "a@b.co")
	assert.Contains(t, out, "<EMAIL:session_other:EMAIL_0>")
}

func TestUnmaskSessionAppliesPerChunk(t *testing.T) {
	store := newFakeSessionStore()
	masker := NewMasker(store, time.Hour)
	ctx := context.Background()

	text := "send it to a@b.co"
	entities := DetectPatterns(text)
	masked, sessionID, err := masker.Mask(ctx, text, entities)
	require.NoError(t, err)

	session, err := masker.Session(ctx, sessionID)
	require.NoError(t, err)

	// Multiple chunks can reference the same mapping.
	assert.Equal(t, text, session.Apply(masked))
	assert.Equal(t, text, session.Apply(masked))

	session.Close(ctx)
	_, ok := store.data["mask:"+sessionID]
	assert.False(t, ok)
}

func TestMaskSessionTTLStored(t *testing.T) {
	store := newFakeSessionStore()
	masker := NewMasker(store, 30*time.Minute)

	text := "mail a@b.co"
	_, sessionID, err := masker.Mask(context.Background(), text, DetectPatterns(text))
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, store.ttls["mask:"+sessionID])
}

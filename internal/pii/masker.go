package pii

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// SessionStore is the subset of go-redis the masker needs. Tests inject a
// fake; production wiring passes a *redis.Client.
type SessionStore interface {
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Masker rewrites PII entities into reversible sentinels of the form
// <KIND:session_id:KIND_idx> and stores the reverse mapping in Redis under
// mask:<session_id>. The mapping expires after the session TTL and is
// consumed on first successful unmask.
type Masker struct {
	mu    sync.Mutex // serialises session minting and the Redis write batch
	store SessionStore
	ttl   time.Duration
}

func NewMasker(store SessionStore, ttl time.Duration) *Masker {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Masker{store: store, ttl: ttl}
}

func newSessionID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("masking: read random: %v", err))
	}
	return "session_" + base64.RawURLEncoding.EncodeToString(buf)
}

// Mask replaces every entity in text with its sentinel and returns the
// masked text plus the session id needed to reverse it. Empty entity sets
// return the text unchanged with an empty session id.
func (m *Masker) Mask(ctx context.Context, text string, entities []Entity) (string, string, error) {
	if len(entities) == 0 {
		return text, "", nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	sessionID := newSessionID()
	mapping := make(map[string]string, len(entities))

	// Rewrite right-to-left so earlier offsets stay valid.
	sorted := make([]Entity, len(entities))
	copy(sorted, entities)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Start > sorted[j].Start
	})

	masked := text
	idx := 0
	lastStart := len(text) + 1
	for _, entity := range sorted {
		// Overlapping spans (a TCKN run also matching the phone pattern,
		// say) would corrupt the offsets; the first span claimed wins.
		if entity.End > lastStart {
			continue
		}
		lastStart = entity.Start

		entityID := fmt.Sprintf("%s_%d", entity.Kind, idx)
		sentinel := fmt.Sprintf("<%s:%s:%s>", entity.Kind, sessionID, entityID)
		masked = masked[:entity.Start] + sentinel + masked[entity.End:]
		mapping[entityID] = entity.Text
		idx++
	}

	if m.store != nil {
		data, err := json.Marshal(mapping)
		if err != nil {
			return "", "", fmt.Errorf("marshal mask mapping: %w", err)
		}
		if err := m.store.Set(ctx, "mask:"+sessionID, data, m.ttl).Err(); err != nil {
			return "", "", fmt.Errorf("store mask session: %w", err)
		}
	}

	return masked, sessionID, nil
}

// Unmask substitutes every sentinel belonging to sessionID with its stored
// original and deletes the session. Expired or unknown sessions return the
// text unchanged; sentinels with unknown entity ids are left as-is.
func (m *Masker) Unmask(ctx context.Context, text, sessionID string) (string, error) {
	if sessionID == "" || m.store == nil {
		return text, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := m.store.Get(ctx, "mask:"+sessionID).Result()
	if err == redis.Nil {
		return text, nil
	}
	if err != nil {
		return text, fmt.Errorf("load mask session: %w", err)
	}

	var mapping map[string]string
	if err := json.Unmarshal([]byte(data), &mapping); err != nil {
		return text, fmt.Errorf("decode mask session: %w", err)
	}

	pattern, err := regexp.Compile(`<([A-Z_]+):` + regexp.QuoteMeta(sessionID) + `:([A-Z_]+_\d+)>`)
	if err != nil {
		return text, fmt.Errorf("compile unmask pattern: %w", err)
	}

	unmasked := pattern.ReplaceAllStringFunc(text, func(match string) string {
		sub := pattern.FindStringSubmatch(match)
		if original, ok := mapping[sub[2]]; ok {
			return original
		}
		return match
	})

	if err := m.store.Del(ctx, "mask:"+sessionID).Err(); err != nil {
		slog.Warn("masking: delete session failed", "session_id", sessionID, "error", err)
	}

	return unmasked, nil
}

// UnmaskSession holds a loaded mapping so streamed chunks can be
// unmasked without a Redis round trip per chunk. Close deletes the
// mapping once the stream ends.
type UnmaskSession struct {
	masker    *Masker
	sessionID string
	mapping   map[string]string
	pattern   *regexp.Regexp
}

// Session loads the mapping for sessionID. An expired or empty session
// yields a pass-through session whose Apply returns text unchanged.
func (m *Masker) Session(ctx context.Context, sessionID string) (*UnmaskSession, error) {
	s := &UnmaskSession{masker: m, sessionID: sessionID}
	if sessionID == "" || m.store == nil {
		return s, nil
	}

	data, err := m.store.Get(ctx, "mask:"+sessionID).Result()
	if err == redis.Nil {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load mask session: %w", err)
	}
	if err := json.Unmarshal([]byte(data), &s.mapping); err != nil {
		return nil, fmt.Errorf("decode mask session: %w", err)
	}

	s.pattern, err = regexp.Compile(`<([A-Z_]+):` + regexp.QuoteMeta(sessionID) + `:([A-Z_]+_\d+)>`)
	if err != nil {
		return nil, fmt.Errorf("compile unmask pattern: %w", err)
	}
	return s, nil
}

// Apply substitutes the session's sentinels in one chunk.
func (s *UnmaskSession) Apply(text string) string {
	if s.pattern == nil || len(s.mapping) == 0 {
		return text
	}
	return s.pattern.ReplaceAllStringFunc(text, func(match string) string {
		sub := s.pattern.FindStringSubmatch(match)
		if original, ok := s.mapping[sub[2]]; ok {
			return original
		}
		return match
	})
}

// Close deletes the session mapping.
func (s *UnmaskSession) Close(ctx context.Context) {
	if s.sessionID == "" || s.masker == nil || s.masker.store == nil {
		return
	}
	if err := s.masker.store.Del(ctx, "mask:"+s.sessionID).Err(); err != nil {
		slog.Warn("masking: delete session failed", "session_id", s.sessionID, "error", err)
	}
}

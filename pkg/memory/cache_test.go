package memory

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*EmbedCache, *Store) {
	t.Helper()

	store, err := OpenStore(filepath.Join(t.TempDir(), "cache.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return NewEmbedCache(store.DB(), zerolog.Nop()), store
}

func TestEmbedCache_PutGet(t *testing.T) {
	cache, _ := newTestCache(t)

	assert.Nil(t, cache.Get("unseen"))

	vec := []float32{0.1, 0.2, 0.3}
	require.NoError(t, cache.Put("seen", vec))
	assert.Equal(t, vec, cache.Get("seen"))

	rate := cache.HitRate()
	require.NotNil(t, rate)
	assert.InDelta(t, 0.5, *rate, 1e-9)
}

func TestEmbedCache_ExpiredEntryIsMiss(t *testing.T) {
	cache, store := newTestCache(t)

	require.NoError(t, cache.Put("old", []float32{1}))

	// Age the entry past the TTL
	stale := time.Now().Add(-cacheTTL - time.Hour).Unix()
	_, err := store.DB().Exec("UPDATE embedding_cache SET created_at = ?", stale)
	require.NoError(t, err)

	assert.Nil(t, cache.Get("old"))
}

func TestEmbedCache_Sweep(t *testing.T) {
	cache, store := newTestCache(t)

	require.NoError(t, cache.Put("old", []float32{1}))
	require.NoError(t, cache.Put("fresh", []float32{2}))

	stale := time.Now().Add(-cacheTTL - time.Hour).Unix()
	_, err := store.DB().Exec(
		"UPDATE embedding_cache SET created_at = ? WHERE content_hash = ?",
		stale, ContentHash("old"))
	require.NoError(t, err)

	removed, err := cache.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, []float32{2}, cache.Get("fresh"))
}

func TestContentHash_Stable(t *testing.T) {
	assert.Equal(t, ContentHash("a"), ContentHash("a"))
	assert.NotEqual(t, ContentHash("a"), ContentHash("b"))
	assert.Len(t, ContentHash("a"), 64)
}

package memory

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/rs/zerolog"
)

// cacheTTL is how long a computed embedding stays reusable
const cacheTTL = 24 * time.Hour

// EmbedCache is a content-hash-keyed store of computed embeddings. Entries
// older than the TTL are treated as absent and swept lazily.
type EmbedCache struct {
	db     *sql.DB
	logger zerolog.Logger

	hits   int
	misses int
}

// NewEmbedCache creates a cache over the shared database. The schema is
// owned by Store.
func NewEmbedCache(db *sql.DB, logger zerolog.Logger) *EmbedCache {
	return &EmbedCache{db: db, logger: logger}
}

// ContentHash returns the cache key for a text
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// Get returns the cached embedding for content, or nil on miss or expiry
func (c *EmbedCache) Get(content string) []float32 {
	var blob []byte
	var createdAt int64
	err := c.db.QueryRow(
		"SELECT embedding, created_at FROM embedding_cache WHERE content_hash = ?",
		ContentHash(content)).Scan(&blob, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		c.misses++
		return nil
	}
	if err != nil {
		c.logger.Warn().Err(err).Msg("Embedding cache read failed")
		c.misses++
		return nil
	}

	if time.Since(time.Unix(createdAt, 0)) > cacheTTL {
		c.misses++
		return nil
	}

	var embedding []float32
	if err := json.Unmarshal(blob, &embedding); err != nil {
		c.logger.Warn().Err(err).Msg("Discarding corrupt cache entry")
		c.misses++
		return nil
	}

	c.hits++
	return embedding
}

// Put stores a computed embedding
func (c *EmbedCache) Put(content string, embedding []float32) error {
	blob, err := json.Marshal(embedding)
	if err != nil {
		return fmt.Errorf("failed to marshal embedding: %w", err)
	}

	_, err = c.db.Exec(`
		INSERT OR REPLACE INTO embedding_cache (content_hash, embedding, dimension, created_at)
		VALUES (?, ?, ?, ?)
	`, ContentHash(content), blob, len(embedding), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to cache embedding: %w", err)
	}
	return nil
}

// Sweep deletes expired entries and returns how many were removed
func (c *EmbedCache) Sweep() (int, error) {
	cutoff := time.Now().Add(-cacheTTL).Unix()
	res, err := c.db.Exec("DELETE FROM embedding_cache WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// HitRate returns the fraction of lookups served from cache, or nil before
// the first lookup.
func (c *EmbedCache) HitRate() *float64 {
	total := c.hits + c.misses
	if total == 0 {
		return nil
	}
	rate := float64(c.hits) / float64(total)
	return &rate
}

// listingCache keeps recent ListByProject results in memory, invalidated on
// any mutation of the project.
type listingCache struct {
	cache *ristretto.Cache
}

func newListingCache() *listingCache {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10_000,
		MaxCost:     1 << 24,
		BufferItems: 64,
	})
	if err != nil {
		// Static config; only fails on invalid parameters
		panic(err)
	}
	return &listingCache{cache: cache}
}

func listingKey(projectID, scope string, limit int) string {
	return fmt.Sprintf("%s|%s|%d", projectID, scope, limit)
}

func (l *listingCache) get(projectID, scope string, limit int) ([]*Memory, bool) {
	v, ok := l.cache.Get(listingKey(projectID, scope, limit))
	if !ok {
		return nil, false
	}
	memories, ok := v.([]*Memory)
	return memories, ok
}

func (l *listingCache) put(projectID, scope string, limit int, memories []*Memory) {
	cost := int64(1)
	for _, m := range memories {
		cost += int64(len(m.Content))
	}
	l.cache.Set(listingKey(projectID, scope, limit), memories, cost)
	l.cache.Wait()
}

// invalidate drops every cached listing. Per-project eviction would need key
// tracking ristretto does not offer; full invalidation is cheap at this size.
func (l *listingCache) invalidate(projectID string) {
	l.cache.Clear()
}

func (l *listingCache) close() {
	l.cache.Close()
}

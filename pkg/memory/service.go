package memory

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/engramdev/engram/pkg/embedding"
	"github.com/engramdev/engram/pkg/vector"
)

// Embedding-sync bounds. A batch with zero successes aborts the pass; the
// iteration cap is the hard circuit breaker against a permanently broken
// provider.
const (
	reindexBatchSize  = 50
	pendingBatchSize  = 50
	pendingMaxRetries = 3
	pendingMaxIters   = 20
)

// Metadata keys recording the identity the index was last built with
const (
	metaIndexModel      = "index_model"
	metaIndexDimensions = "index_dimensions"
)

// recencyFallbackDistance is reported for every result when ranking comes
// from recency instead of vector similarity.
const recencyFallbackDistance = 1.0

// CreateInput describes a memory to create
type CreateInput struct {
	ProjectID string
	Scope     string
	Content   string
	FilePath  string
}

// CreateResult is the outcome of Create. Deduplicated means an existing
// memory was returned instead of a new row.
type CreateResult struct {
	Memory       *Memory
	Deduplicated bool
}

// SearchResult pairs a memory with its cosine distance to the query. The
// distance is the sentinel 1.0 when ranking degraded to recency.
type SearchResult struct {
	Memory   *Memory
	Distance float64
}

// ReindexStats summarizes a reindex run
type ReindexStats struct {
	Total   int `json:"total"`
	Success int `json:"success"`
	Failed  int `json:"failed"`
}

// Service is the memory façade: CRUD with deduplication, embedding cache
// coordination and drift-aware reindexing. Failures below the service
// degrade; storage failures propagate.
type Service struct {
	store    *Store
	vectors  vector.Store
	provider embedding.Provider
	cache    *EmbedCache
	listings *listingCache
	logger   zerolog.Logger

	dedupThreshold float64
	model          string
	dimensions     int
}

// ServiceConfig wires the service's collaborators
type ServiceConfig struct {
	Store          *Store
	Vectors        vector.Store
	Provider       embedding.Provider
	Logger         zerolog.Logger
	DedupThreshold float64
	Model          string
	Dimensions     int
}

// NewService builds the memory service
func NewService(cfg ServiceConfig) *Service {
	return &Service{
		store:          cfg.Store,
		vectors:        cfg.Vectors,
		provider:       cfg.Provider,
		cache:          NewEmbedCache(cfg.Store.DB(), cfg.Logger),
		listings:       newListingCache(),
		logger:         cfg.Logger,
		dedupThreshold: cfg.DedupThreshold,
		model:          cfg.Model,
		dimensions:     cfg.Dimensions,
	}
}

// Create stores a new memory unless an exact or near duplicate exists. The
// dedup sequence is: exact lookup, similarity probe, then an exact re-check
// inside the insert transaction to close the race with concurrent writers.
// The vector insert happens outside the transaction; its failure leaves the
// memory pending reindex, not absent.
func (s *Service) Create(ctx context.Context, input CreateInput) (*CreateResult, error) {
	if input.ProjectID == "" {
		return nil, errors.New("project id is required")
	}
	if input.Content == "" {
		return nil, errors.New("content is required")
	}
	if !ValidScope(input.Scope) {
		return nil, fmt.Errorf("invalid scope %q (must be: convention, decision, context)", input.Scope)
	}

	// Exact duplicate
	if existing, err := s.store.GetByExactContent(input.ProjectID, input.Content); err == nil {
		return &CreateResult{Memory: existing, Deduplicated: true}, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	// Near duplicate
	vec := s.embedTexts(ctx, []string{input.Content})[0]
	if s.vectors.Available() && !embedding.IsZeroVector(vec) {
		hits, err := s.vectors.FindSimilar(vec, input.ProjectID, s.dedupThreshold, 1)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Similarity probe failed, skipping dedup check")
		} else if len(hits) > 0 {
			existing, err := s.store.GetByID(hits[0].MemoryID)
			if err == nil {
				return &CreateResult{Memory: existing, Deduplicated: true}, nil
			}
			// Stray vector without a row; fall through and create
			s.logger.Warn().Str("memoryId", hits[0].MemoryID).Msg("Vector hit has no memory row")
		}
	}

	tx, err := s.store.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Re-check under the transaction
	if existing, err := s.store.GetByExactContentTx(tx, input.ProjectID, input.Content); err == nil {
		return &CreateResult{Memory: existing, Deduplicated: true}, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	m, err := s.store.Insert(tx, input.ProjectID, input.Scope, input.Content, input.FilePath)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}

	s.insertVector(vec, m)
	s.listings.invalidate(input.ProjectID)

	return &CreateResult{Memory: m}, nil
}

// Update rewrites a memory. A content change replaces the embedding with a
// delete-then-insert, never in place.
func (s *Service) Update(ctx context.Context, id, content, scope string) (*Memory, error) {
	existing, err := s.store.GetByID(id)
	if err != nil {
		return nil, err
	}

	if scope == "" {
		scope = existing.Scope
	} else if !ValidScope(scope) {
		return nil, fmt.Errorf("invalid scope %q (must be: convention, decision, context)", scope)
	}
	if content == "" {
		content = existing.Content
	}

	updated, err := s.store.Update(id, content, scope)
	if err != nil {
		return nil, err
	}

	if content != existing.Content {
		if err := s.vectors.Delete(id); err != nil {
			s.logger.Warn().Err(err).Str("memoryId", id).Msg("Failed to delete old embedding")
		}
		_ = s.store.ClearEmbedded(id)

		vec := s.embedTexts(ctx, []string{content})[0]
		s.insertVector(vec, updated)
	}

	s.listings.invalidate(updated.ProjectID)
	return updated, nil
}

// Delete removes the vector, then the row
func (s *Service) Delete(id string) error {
	m, err := s.store.GetByID(id)
	if err != nil {
		return err
	}

	if err := s.vectors.Delete(id); err != nil {
		s.logger.Warn().Err(err).Str("memoryId", id).Msg("Failed to delete embedding")
	}

	if err := s.store.Delete(id); err != nil {
		return err
	}

	s.listings.invalidate(m.ProjectID)
	return nil
}

// Search ranks a project's memories against the query. When the vector
// store is unavailable, errors, or returns nothing, it degrades to recency
// ordering with the sentinel distance.
func (s *Service) Search(ctx context.Context, query, projectID, scope string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 10
	}

	if !s.vectors.Available() {
		return s.recencyFallback(projectID, scope, limit)
	}

	vec := s.embedTexts(ctx, []string{query})[0]
	if embedding.IsZeroVector(vec) {
		s.logger.Warn().Msg("Query embedding degraded to zero vector, using recency")
		return s.recencyFallback(projectID, scope, limit)
	}

	hits, err := s.vectors.Search(vec, projectID, scope, limit)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Vector search failed, using recency")
		return s.recencyFallback(projectID, scope, limit)
	}
	if len(hits) == 0 {
		return s.recencyFallback(projectID, scope, limit)
	}

	ids := make([]string, len(hits))
	distance := make(map[string]float64, len(hits))
	for i, h := range hits {
		ids[i] = h.MemoryID
		distance[h.MemoryID] = h.Distance
	}

	memories, err := s.store.GetByIDs(ids)
	if err != nil {
		return nil, err
	}

	// The worker backend cannot filter by scope; re-check on the rows
	results := make([]SearchResult, 0, len(memories))
	accessed := make([]string, 0, len(memories))
	for _, m := range memories {
		if scope != "" && m.Scope != scope {
			continue
		}
		results = append(results, SearchResult{Memory: m, Distance: distance[m.ID]})
		accessed = append(accessed, m.ID)
	}

	if err := s.store.TrackAccess(accessed); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to track memory access")
	}

	return results, nil
}

// ListByProject lists memories by recency, served from the listing cache
// when possible.
func (s *Service) ListByProject(projectID, scope string, limit int) ([]*Memory, error) {
	if cached, ok := s.listings.get(projectID, scope, limit); ok {
		return cached, nil
	}

	memories, err := s.store.ListByProject(projectID, scope, limit)
	if err != nil {
		return nil, err
	}

	s.listings.put(projectID, scope, limit, memories)
	return memories, nil
}

// CountByProject counts a project's memories
func (s *Service) CountByProject(projectID string) (int, error) {
	return s.store.CountByProject(projectID)
}

// Get fetches one memory by id
func (s *Service) Get(id string) (*Memory, error) {
	return s.store.GetByID(id)
}

// Reindex rebuilds embeddings for all memories of projectID, or every
// project when empty. Embeds run in batches to amortize provider overhead.
func (s *Service) Reindex(ctx context.Context, projectID string) (*ReindexStats, error) {
	memories, err := s.store.ListAll(projectID)
	if err != nil {
		return nil, err
	}

	stats := &ReindexStats{Total: len(memories)}

	for start := 0; start < len(memories); start += reindexBatchSize {
		end := start + reindexBatchSize
		if end > len(memories) {
			end = len(memories)
		}
		batch := memories[start:end]

		texts := make([]string, len(batch))
		for i, m := range batch {
			texts[i] = m.Content
		}
		vecs := s.embedTexts(ctx, texts)

		for i, m := range batch {
			if embedding.IsZeroVector(vecs[i]) {
				stats.Failed++
				_ = s.store.ClearEmbedded(m.ID)
				continue
			}

			if err := s.vectors.Delete(m.ID); err != nil {
				s.logger.Warn().Err(err).Str("memoryId", m.ID).Msg("Failed to delete old embedding")
			}
			if err := s.vectors.Insert(vecs[i], m.ID, m.ProjectID); err != nil {
				s.logger.Warn().Err(err).Str("memoryId", m.ID).Msg("Failed to insert embedding")
				stats.Failed++
				_ = s.store.ClearEmbedded(m.ID)
				continue
			}

			_ = s.store.MarkEmbedded(m.ID)
			stats.Success++
		}
	}

	if err := s.recordIndexIdentity(); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to record index identity")
	}

	s.logger.Info().
		Int("total", stats.Total).
		Int("success", stats.Success).
		Int("failed", stats.Failed).
		Str("projectId", projectID).
		Msg("Reindex completed")

	return stats, nil
}

// CheckDrift compares the configured embedding identity against the one the
// index was last built with. A mismatch means search quality is degraded
// until reindex.
func (s *Service) CheckDrift() (bool, string, error) {
	indexModel, err := s.store.GetMetadata(metaIndexModel)
	if err != nil {
		return false, "", err
	}
	indexDims, err := s.store.GetMetadata(metaIndexDimensions)
	if err != nil {
		return false, "", err
	}

	if indexModel == "" {
		// Never indexed; nothing to drift from
		return false, "", nil
	}

	current := fmt.Sprintf("%s/%d", s.model, s.dimensions)
	indexed := indexModel + "/" + indexDims
	if current != indexed {
		return true, fmt.Sprintf("index built with %s, config is %s", indexed, current), nil
	}
	return false, "", nil
}

// EmbedPending embeds memories that have no current embedding. Each item is
// retried a few times; a batch with zero successes aborts the pass and the
// iteration cap bounds the whole run.
func (s *Service) EmbedPending(ctx context.Context) (*ReindexStats, error) {
	stats := &ReindexStats{}

	for iter := 0; iter < pendingMaxIters; iter++ {
		pending, err := s.store.ListPending(pendingBatchSize)
		if err != nil {
			return stats, err
		}
		if len(pending) == 0 {
			return stats, nil
		}

		stats.Total += len(pending)

		texts := make([]string, len(pending))
		for i, m := range pending {
			texts[i] = m.Content
		}
		vecs := s.embedTexts(ctx, texts)

		batchSuccess := 0
		for i, m := range pending {
			if s.embedOne(ctx, m, vecs[i]) {
				batchSuccess++
				stats.Success++
			} else {
				stats.Failed++
			}
		}

		if batchSuccess == 0 {
			s.logger.Warn().Int("batch", len(pending)).Msg("Embedding sync aborted, whole batch failed")
			return stats, nil
		}
	}

	s.logger.Warn().Int("iterations", pendingMaxIters).Msg("Embedding sync hit iteration cap")
	return stats, nil
}

// embedOne stores one pending embedding, retrying on failure. A failed item
// is left pending for the next pass; to avoid spinning on it forever the
// caller aborts when a whole batch fails.
func (s *Service) embedOne(ctx context.Context, m *Memory, vec []float32) bool {
	for attempt := 0; attempt < pendingMaxRetries; attempt++ {
		if embedding.IsZeroVector(vec) {
			vec = s.embedTexts(ctx, []string{m.Content})[0]
			continue
		}

		if err := s.vectors.Insert(vec, m.ID, m.ProjectID); err != nil {
			s.logger.Warn().Err(err).Str("memoryId", m.ID).Int("attempt", attempt+1).
				Msg("Failed to insert pending embedding")
			continue
		}

		_ = s.store.MarkEmbedded(m.ID)
		return true
	}
	return false
}

// CacheHitRate exposes the embedding cache hit rate for health reporting
func (s *Service) CacheHitRate() *float64 {
	return s.cache.HitRate()
}

// VectorsAvailable reports whether semantic ranking is active
func (s *Service) VectorsAvailable() bool {
	return s.vectors.Available()
}

// Close releases the listing cache. The store and vector store are owned by
// the caller that opened them.
func (s *Service) Close() error {
	s.listings.close()
	return nil
}

// embedTexts runs the cache-partitioned embed: cached texts are served
// locally, the miss set goes to the provider in one call, and results come
// back in the original order.
func (s *Service) embedTexts(ctx context.Context, texts []string) [][]float32 {
	results := make([][]float32, len(texts))

	var missTexts []string
	var missIdx []int
	for i, text := range texts {
		if cached := s.cache.Get(text); cached != nil {
			results[i] = cached
			continue
		}
		missTexts = append(missTexts, text)
		missIdx = append(missIdx, i)
	}

	if len(missTexts) == 0 {
		return results
	}

	vecs := s.provider.Embed(ctx, missTexts)
	for j, i := range missIdx {
		results[i] = vecs[j]
		if !embedding.IsZeroVector(vecs[j]) {
			if err := s.cache.Put(texts[i], vecs[j]); err != nil {
				s.logger.Warn().Err(err).Msg("Failed to populate embedding cache")
			}
		}
	}

	return results
}

// insertVector stores a fresh embedding for m. Failures are logged and leave
// the memory pending reindex.
func (s *Service) insertVector(vec []float32, m *Memory) {
	if !s.vectors.Available() || embedding.IsZeroVector(vec) {
		return
	}

	if err := s.vectors.Insert(vec, m.ID, m.ProjectID); err != nil {
		s.logger.Warn().Err(err).Str("memoryId", m.ID).Msg("Failed to insert embedding")
		return
	}
	_ = s.store.MarkEmbedded(m.ID)
}

func (s *Service) recencyFallback(projectID, scope string, limit int) ([]SearchResult, error) {
	memories, err := s.store.ListByProject(projectID, scope, limit)
	if err != nil {
		return nil, err
	}

	results := make([]SearchResult, len(memories))
	ids := make([]string, len(memories))
	for i, m := range memories {
		results[i] = SearchResult{Memory: m, Distance: recencyFallbackDistance}
		ids[i] = m.ID
	}

	if err := s.store.TrackAccess(ids); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to track memory access")
	}

	return results, nil
}

func (s *Service) recordIndexIdentity() error {
	if err := s.store.SetMetadata(metaIndexModel, s.model); err != nil {
		return err
	}
	return s.store.SetMetadata(metaIndexDimensions, strconv.Itoa(s.dimensions))
}

// Package vector persists embeddings and answers nearest-neighbor queries.
// Three backends exist in priority order: an in-process sqlite-vec index, a
// worker subprocess owning the extension for hosts where it cannot load in
// process, and a no-op store that degrades search to recency ordering.
package vector

// Result is one nearest-neighbor hit. Distance is cosine distance: smaller
// means more similar.
type Result struct {
	MemoryID string
	Distance float64
}

// Store is the vector index contract. Implementations with Available()
// false silently no-op every mutation and return empty search results;
// callers fall back to recency listing.
type Store interface {
	// Initialize prepares the index for vectors of the given dimension
	Initialize(dimensions int) error

	// Insert stores the embedding for a memory
	Insert(embedding []float32, memoryID, projectID string) error

	// Delete removes one memory's embedding
	Delete(memoryID string) error

	// DeleteByProject removes all embeddings of a project
	DeleteByProject(projectID string) error

	// DeleteByMemoryIDs removes the embeddings of the given memories
	DeleteByMemoryIDs(memoryIDs []string) error

	// Search returns up to limit hits ordered ascending by distance.
	// Empty projectID or scope means no filter on that field.
	Search(embedding []float32, projectID, scope string, limit int) ([]Result, error)

	// FindSimilar is Search restricted to hits with distance < threshold
	FindSimilar(embedding []float32, projectID string, threshold float64, limit int) ([]Result, error)

	// Count returns the number of stored embeddings
	Count() (int, error)

	// Available reports whether vector operations do anything at all
	Available() bool

	// Close releases the backend
	Close() error
}

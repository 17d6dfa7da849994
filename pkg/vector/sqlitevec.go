package vector

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	"github.com/rs/zerolog"
)

func init() {
	// Auto-register sqlite-vec extension on every new connection
	sqlite_vec.Auto()
}

// Direct is the in-process sqlite-vec backend. It shares the memory
// database, so project and scope filters join against the memories table.
type Direct struct {
	db     *sql.DB
	logger zerolog.Logger
	ready  bool
}

// NewDirect creates a direct backend over the shared database handle
func NewDirect(db *sql.DB, logger zerolog.Logger) *Direct {
	return &Direct{
		db:     db,
		logger: logger,
	}
}

// Initialize creates the vec0 virtual table. Failure means the extension
// could not load in this process; callers try the worker backend next.
func (s *Direct) Initialize(dimensions int) error {
	schema := fmt.Sprintf(`
		CREATE VIRTUAL TABLE IF NOT EXISTS memory_vectors USING vec0(
			memory_id TEXT PRIMARY KEY,
			embedding float[%d] distance_metric=cosine
		);
	`, dimensions)

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create vector table: %w", err)
	}

	s.ready = true
	s.logger.Debug().Int("dimensions", dimensions).Msg("In-process vector index ready")
	return nil
}

func (s *Direct) Insert(embedding []float32, memoryID, projectID string) error {
	data, err := json.Marshal(embedding)
	if err != nil {
		return fmt.Errorf("failed to marshal embedding: %w", err)
	}

	_, err = s.db.Exec(
		"INSERT OR REPLACE INTO memory_vectors (memory_id, embedding) VALUES (?, ?)",
		memoryID, string(data),
	)
	if err != nil {
		return fmt.Errorf("failed to insert vector: %w", err)
	}
	return nil
}

func (s *Direct) Delete(memoryID string) error {
	_, err := s.db.Exec("DELETE FROM memory_vectors WHERE memory_id = ?", memoryID)
	return err
}

func (s *Direct) DeleteByProject(projectID string) error {
	_, err := s.db.Exec(`
		DELETE FROM memory_vectors
		WHERE memory_id IN (SELECT id FROM memories WHERE project_id = ?)
	`, projectID)
	return err
}

func (s *Direct) DeleteByMemoryIDs(memoryIDs []string) error {
	if len(memoryIDs) == 0 {
		return nil
	}

	placeholders := strings.Repeat("?,", len(memoryIDs))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]interface{}, len(memoryIDs))
	for i, id := range memoryIDs {
		args[i] = id
	}

	_, err := s.db.Exec(
		"DELETE FROM memory_vectors WHERE memory_id IN ("+placeholders+")", args...)
	return err
}

func (s *Direct) Search(embedding []float32, projectID, scope string, limit int) ([]Result, error) {
	data, err := json.Marshal(embedding)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embedding: %w", err)
	}

	query := `
		SELECT v.memory_id, vec_distance_cosine(v.embedding, ?) AS distance
		FROM memory_vectors v
		JOIN memories m ON m.id = v.memory_id
		WHERE (? = '' OR m.project_id = ?)
		  AND (? = '' OR m.scope = ?)
		ORDER BY distance ASC
		LIMIT ?
	`

	rows, err := s.db.Query(query, string(data), projectID, projectID, scope, scope, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.MemoryID, &r.Distance); err != nil {
			return nil, err
		}
		results = append(results, r)
	}

	return results, rows.Err()
}

func (s *Direct) FindSimilar(embedding []float32, projectID string, threshold float64, limit int) ([]Result, error) {
	hits, err := s.Search(embedding, projectID, "", limit)
	if err != nil {
		return nil, err
	}

	var results []Result
	for _, hit := range hits {
		if hit.Distance < threshold {
			results = append(results, hit)
		}
	}
	return results, nil
}

func (s *Direct) Count() (int, error) {
	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM memory_vectors").Scan(&count)
	return count, err
}

func (s *Direct) Available() bool {
	return s.ready
}

// Close is a no-op: the database handle belongs to the memory store
func (s *Direct) Close() error {
	return nil
}

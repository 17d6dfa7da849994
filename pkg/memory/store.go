package memory

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// Memory scopes
const (
	ScopeConvention = "convention"
	ScopeDecision   = "decision"
	ScopeContext    = "context"
)

// ErrNotFound is returned when a memory id does not exist
var ErrNotFound = errors.New("memory not found")

// Memory is one stored fact
type Memory struct {
	ID             string     `json:"id"`
	ProjectID      string     `json:"project_id"`
	Scope          string     `json:"scope"`
	Content        string     `json:"content"`
	FilePath       string     `json:"file_path,omitempty"`
	AccessCount    int        `json:"access_count"`
	LastAccessedAt *time.Time `json:"last_accessed_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// ValidScope reports whether s is a known memory scope
func ValidScope(s string) bool {
	switch s {
	case ScopeConvention, ScopeDecision, ScopeContext:
		return true
	}
	return false
}

// Store persists memory rows in SQLite. Vector data lives in the vector
// store; the embedded_at column tracks whether a row has a current embedding.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// OpenStore opens the database at dbPath and creates the schema
func OpenStore(dbPath string, logger zerolog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL mode for concurrent tool processes
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			scope TEXT NOT NULL,
			content TEXT NOT NULL,
			file_path TEXT,
			access_count INTEGER NOT NULL DEFAULT 0,
			last_accessed_at INTEGER,
			embedded_at INTEGER,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_memories_project ON memories(project_id);
		CREATE INDEX IF NOT EXISTS idx_memories_project_scope ON memories(project_id, scope);
		CREATE INDEX IF NOT EXISTS idx_memories_updated ON memories(updated_at);

		CREATE TABLE IF NOT EXISTS embedding_cache (
			content_hash TEXT PRIMARY KEY,
			embedding BLOB NOT NULL,
			dimension INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_cache_created ON embedding_cache(created_at);

		CREATE TABLE IF NOT EXISTS metadata (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// DB exposes the underlying handle so the vector store and session store can
// share one database file.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Insert writes a new memory row inside tx and returns it
func (s *Store) Insert(tx *sql.Tx, projectID, scope, content, filePath string) (*Memory, error) {
	now := time.Now()
	m := &Memory{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Scope:     scope,
		Content:   content,
		FilePath:  filePath,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := tx.Exec(`
		INSERT INTO memories (id, project_id, scope, content, file_path, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.ProjectID, m.Scope, m.Content, nullable(m.FilePath), now.Unix(), now.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to insert memory: %w", err)
	}

	return m, nil
}

// GetByID fetches one memory
func (s *Store) GetByID(id string) (*Memory, error) {
	row := s.db.QueryRow(selectColumns+" FROM memories WHERE id = ?", id)
	return scanMemory(row)
}

// GetByExactContent finds a memory with byte-identical content in a project
func (s *Store) GetByExactContent(projectID, content string) (*Memory, error) {
	row := s.db.QueryRow(
		selectColumns+" FROM memories WHERE project_id = ? AND content = ? LIMIT 1",
		projectID, content)
	return scanMemory(row)
}

// GetByExactContentTx is GetByExactContent inside a transaction, used for
// the dedup re-check.
func (s *Store) GetByExactContentTx(tx *sql.Tx, projectID, content string) (*Memory, error) {
	row := tx.QueryRow(
		selectColumns+" FROM memories WHERE project_id = ? AND content = ? LIMIT 1",
		projectID, content)
	return scanMemory(row)
}

// ListByProject returns a project's memories ordered by recency. Empty scope
// means all scopes; limit <= 0 means no limit.
func (s *Store) ListByProject(projectID, scope string, limit int) ([]*Memory, error) {
	query := selectColumns + ` FROM memories
		WHERE project_id = ? AND (? = '' OR scope = ?)
		ORDER BY updated_at DESC, created_at DESC`
	args := []interface{}{projectID, scope, scope}

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	return s.queryMemories(query, args...)
}

// GetByIDs fetches the given memories, preserving the input order
func (s *Store) GetByIDs(ids []string) ([]*Memory, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.queryMemories(
		selectColumns+" FROM memories WHERE id IN ("+placeholders+")", args...)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*Memory, len(rows))
	for _, m := range rows {
		byID[m.ID] = m
	}

	ordered := make([]*Memory, 0, len(rows))
	for _, id := range ids {
		if m, ok := byID[id]; ok {
			ordered = append(ordered, m)
		}
	}
	return ordered, nil
}

// Update rewrites content and scope. Returns the updated row.
func (s *Store) Update(id, content, scope string) (*Memory, error) {
	res, err := s.db.Exec(`
		UPDATE memories SET content = ?, scope = ?, updated_at = ? WHERE id = ?
	`, content, scope, time.Now().Unix(), id)
	if err != nil {
		return nil, fmt.Errorf("failed to update memory: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return s.GetByID(id)
}

// Delete removes a memory row
func (s *Store) Delete(id string) error {
	res, err := s.db.Exec("DELETE FROM memories WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete memory: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountByProject counts a project's memories
func (s *Store) CountByProject(projectID string) (int, error) {
	var count int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM memories WHERE project_id = ?", projectID).Scan(&count)
	return count, err
}

// Count counts all memories
func (s *Store) Count() (int, error) {
	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM memories").Scan(&count)
	return count, err
}

// TrackAccess bumps access counters for the given memories
func (s *Store) TrackAccess(ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, time.Now().Unix())
	for _, id := range ids {
		args = append(args, id)
	}

	_, err := s.db.Exec(`
		UPDATE memories SET access_count = access_count + 1, last_accessed_at = ?
		WHERE id IN (`+placeholders+`)
	`, args...)
	return err
}

// MarkEmbedded records that a memory's current content has an embedding
func (s *Store) MarkEmbedded(id string) error {
	_, err := s.db.Exec(
		"UPDATE memories SET embedded_at = ? WHERE id = ?", time.Now().Unix(), id)
	return err
}

// ClearEmbedded marks a memory as needing reindexing
func (s *Store) ClearEmbedded(id string) error {
	_, err := s.db.Exec("UPDATE memories SET embedded_at = NULL WHERE id = ?", id)
	return err
}

// ListPending returns memories without a current embedding, oldest first
func (s *Store) ListPending(limit int) ([]*Memory, error) {
	return s.queryMemories(selectColumns+`
		FROM memories WHERE embedded_at IS NULL
		ORDER BY created_at ASC LIMIT ?
	`, limit)
}

// ListAll returns all memories of a project, or every memory when projectID
// is empty. Used by reindex and export.
func (s *Store) ListAll(projectID string) ([]*Memory, error) {
	return s.queryMemories(selectColumns+`
		FROM memories WHERE (? = '' OR project_id = ?)
		ORDER BY created_at ASC
	`, projectID, projectID)
}

// Begin starts a transaction on the underlying database
func (s *Store) Begin() (*sql.Tx, error) {
	return s.db.Begin()
}

// GetMetadata reads one metadata value; missing keys return ""
func (s *Store) GetMetadata(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM metadata WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

// SetMetadata writes one metadata value
func (s *Store) SetMetadata(key, value string) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO metadata (key, value) VALUES (?, ?)", key, value)
	return err
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

const selectColumns = `SELECT id, project_id, scope, content, file_path,
	access_count, last_accessed_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMemory(row rowScanner) (*Memory, error) {
	var m Memory
	var filePath sql.NullString
	var lastAccessed sql.NullInt64
	var createdAt, updatedAt int64

	err := row.Scan(&m.ID, &m.ProjectID, &m.Scope, &m.Content, &filePath,
		&m.AccessCount, &lastAccessed, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	m.FilePath = filePath.String
	if lastAccessed.Valid {
		t := time.Unix(lastAccessed.Int64, 0)
		m.LastAccessedAt = &t
	}
	m.CreatedAt = time.Unix(createdAt, 0)
	m.UpdatedAt = time.Unix(updatedAt, 0)

	return &m, nil
}

func (s *Store) queryMemories(query string, args ...interface{}) ([]*Memory, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var memories []*Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		memories = append(memories, m)
	}
	return memories, rows.Err()
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

package vector

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/engramdev/engram/internal/ipc"
)

// WorkerServer is the subprocess side of the worker backend. It owns a
// dedicated vectors database with a side table mapping memory ids to
// projects, since it cannot see the memory rows of its parent.
type WorkerServer struct {
	dataDir string
	paths   WorkerPaths
	logger  zerolog.Logger

	mu         sync.Mutex
	db         *sql.DB
	dimensions int
	owner      net.Conn
	done       chan struct{}
	doneOnce   sync.Once
}

// NewWorkerServer creates the worker process server for dataDir
func NewWorkerServer(dataDir string, logger zerolog.Logger) *WorkerServer {
	return &WorkerServer{
		dataDir: dataDir,
		paths:   WorkerPathsFor(dataDir),
		logger:  logger,
	}
}

// Run serves requests until the supervising parent disconnects or ctx ends.
// The worker is single-tenant: losing the connection that initialized it
// means the parent is gone and the process should exit. Connections that
// never initialize, such as readiness probes, do not count.
func (s *WorkerServer) Run(ctx context.Context) error {
	s.done = make(chan struct{})

	srv := ipc.NewServer(s.paths.Socket, s.handle, s.logger)
	srv.SetConnHook(func(conn net.Conn, connected bool) {
		if connected {
			return
		}
		s.mu.Lock()
		owner := s.owner
		s.mu.Unlock()
		if conn == owner {
			s.doneOnce.Do(func() { close(s.done) })
		}
	})

	if err := srv.Listen(); err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	go func() {
		select {
		case <-ctx.Done():
		case <-s.done:
		}
		srv.Close()
	}()

	err := srv.Serve()

	s.mu.Lock()
	if s.db != nil {
		s.db.Close()
		s.db = nil
	}
	s.mu.Unlock()

	return err
}

func (s *WorkerServer) handle(conn net.Conn, req ipc.Request) ipc.Response {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch req.Action {
	case ipc.ActionInit:
		return s.handleInit(conn, req)
	case ipc.ActionInsert:
		return s.handleInsert(req)
	case ipc.ActionDelete:
		return s.exec("DELETE FROM memory_vectors WHERE memory_id = ?", req.MemoryID)
	case ipc.ActionDeleteByProject:
		return s.exec(`
			DELETE FROM memory_vectors
			WHERE memory_id IN (SELECT memory_id FROM vector_meta WHERE project_id = ?)
		`, req.ProjectID)
	case ipc.ActionDeleteByMemoryIDs:
		return s.handleDeleteByMemoryIDs(req)
	case ipc.ActionSearch:
		return s.handleSearch(req, -1)
	case ipc.ActionFindSimilar:
		return s.handleSearch(req, req.Threshold)
	case ipc.ActionCount:
		return s.handleCount()
	default:
		return ipc.Errorf("unknown_action", fmt.Sprintf("unknown action %q", req.Action))
	}
}

func (s *WorkerServer) handleInit(conn net.Conn, req ipc.Request) ipc.Response {
	if req.Dimensions <= 0 {
		return ipc.Errorf("bad_request", "dimensions must be positive")
	}
	s.owner = conn

	if s.db == nil {
		db, err := sql.Open("sqlite3", s.paths.Database)
		if err != nil {
			return ipc.Errorf("db_open_failed", err.Error())
		}
		s.db = db
	}

	schema := fmt.Sprintf(`
		CREATE VIRTUAL TABLE IF NOT EXISTS memory_vectors USING vec0(
			memory_id TEXT PRIMARY KEY,
			embedding float[%d] distance_metric=cosine
		);
		CREATE TABLE IF NOT EXISTS vector_meta (
			memory_id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_vector_meta_project ON vector_meta(project_id);
	`, req.Dimensions)

	if _, err := s.db.Exec(schema); err != nil {
		return ipc.Errorf("init_failed", err.Error())
	}

	s.dimensions = req.Dimensions
	return ipc.Response{Status: "ok", Dimensions: req.Dimensions}
}

func (s *WorkerServer) handleInsert(req ipc.Request) ipc.Response {
	if s.db == nil {
		return ipc.Errorf("not_initialized", "init must run first")
	}

	data, err := json.Marshal(req.Embedding)
	if err != nil {
		return ipc.Errorf("bad_embedding", err.Error())
	}

	if _, err := s.db.Exec(
		"INSERT OR REPLACE INTO memory_vectors (memory_id, embedding) VALUES (?, ?)",
		req.MemoryID, string(data)); err != nil {
		return ipc.Errorf("insert_failed", err.Error())
	}

	if _, err := s.db.Exec(
		"INSERT OR REPLACE INTO vector_meta (memory_id, project_id) VALUES (?, ?)",
		req.MemoryID, req.ProjectID); err != nil {
		return ipc.Errorf("insert_failed", err.Error())
	}

	return ipc.Response{Status: "ok"}
}

func (s *WorkerServer) handleDeleteByMemoryIDs(req ipc.Request) ipc.Response {
	if len(req.MemoryIDs) == 0 {
		return ipc.Response{Status: "ok"}
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(req.MemoryIDs)), ",")
	args := make([]interface{}, len(req.MemoryIDs))
	for i, id := range req.MemoryIDs {
		args[i] = id
	}

	if resp := s.exec("DELETE FROM memory_vectors WHERE memory_id IN ("+placeholders+")", args...); resp.Error != "" {
		return resp
	}
	return s.exec("DELETE FROM vector_meta WHERE memory_id IN ("+placeholders+")", args...)
}

// handleSearch answers both search and findSimilar; a negative threshold
// means no distance cutoff.
func (s *WorkerServer) handleSearch(req ipc.Request, threshold float64) ipc.Response {
	if s.db == nil {
		return ipc.Errorf("not_initialized", "init must run first")
	}

	data, err := json.Marshal(req.Embedding)
	if err != nil {
		return ipc.Errorf("bad_embedding", err.Error())
	}

	limit := req.Limit
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.db.Query(`
		SELECT v.memory_id, vec_distance_cosine(v.embedding, ?) AS distance
		FROM memory_vectors v
		JOIN vector_meta m ON m.memory_id = v.memory_id
		WHERE (? = '' OR m.project_id = ?)
		ORDER BY distance ASC
		LIMIT ?
	`, string(data), req.ProjectID, req.ProjectID, limit)
	if err != nil {
		return ipc.Errorf("search_failed", err.Error())
	}
	defer rows.Close()

	var hits []ipc.SearchHit
	for rows.Next() {
		var h ipc.SearchHit
		if err := rows.Scan(&h.MemoryID, &h.Distance); err != nil {
			return ipc.Errorf("search_failed", err.Error())
		}
		if threshold >= 0 && h.Distance >= threshold {
			continue
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return ipc.Errorf("search_failed", err.Error())
	}

	return ipc.Response{Status: "ok", Results: hits}
}

func (s *WorkerServer) handleCount() ipc.Response {
	if s.db == nil {
		return ipc.Errorf("not_initialized", "init must run first")
	}

	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM memory_vectors").Scan(&count); err != nil {
		return ipc.Errorf("count_failed", err.Error())
	}
	return ipc.Response{Status: "ok", Count: count}
}

func (s *WorkerServer) exec(query string, args ...interface{}) ipc.Response {
	if s.db == nil {
		return ipc.Errorf("not_initialized", "init must run first")
	}
	if _, err := s.db.Exec(query, args...); err != nil {
		return ipc.Errorf("exec_failed", err.Error())
	}
	return ipc.Response{Status: "ok"}
}

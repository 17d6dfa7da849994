package vector

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/engramdev/engram/internal/ipc"
)

const (
	workerCallTimeout  = 10 * time.Second
	workerStartWait    = 10 * time.Second
	workerPollInterval = 100 * time.Millisecond
)

// WorkerPaths groups the worker witness locations under one data directory
type WorkerPaths struct {
	Socket   string
	Database string
}

// WorkerPathsFor returns the vector worker paths under dataDir
func WorkerPathsFor(dataDir string) WorkerPaths {
	return WorkerPaths{
		Socket:   filepath.Join(dataDir, "vector-worker.sock"),
		Database: filepath.Join(dataDir, "vectors.db"),
	}
}

// Worker proxies vector operations to a supervised subprocess that owns the
// sqlite-vec extension. Used on hosts where the extension cannot load in
// process. The child dies with its parent; it is not shared across processes.
type Worker struct {
	dataDir string
	paths   WorkerPaths
	logger  zerolog.Logger

	mu    sync.Mutex
	cmd   *exec.Cmd
	conn  *ipc.Client
	ready bool
}

// NewWorker creates a worker-backed store. Nothing is spawned until
// Initialize.
func NewWorker(dataDir string, logger zerolog.Logger) *Worker {
	return &Worker{
		dataDir: dataDir,
		paths:   WorkerPathsFor(dataDir),
		logger:  logger,
	}
}

// Initialize spawns the worker subprocess and creates the index
func (w *Worker) Initialize(dimensions int) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.spawnLocked(); err != nil {
		return err
	}

	if _, err := w.callLocked(ipc.Request{Action: ipc.ActionInit, Dimensions: dimensions}); err != nil {
		return fmt.Errorf("worker init failed: %w", err)
	}

	w.ready = true
	return nil
}

func (w *Worker) Insert(embedding []float32, memoryID, projectID string) error {
	_, err := w.call(ipc.Request{
		Action:    ipc.ActionInsert,
		Embedding: embedding,
		MemoryID:  memoryID,
		ProjectID: projectID,
	})
	return err
}

func (w *Worker) Delete(memoryID string) error {
	_, err := w.call(ipc.Request{Action: ipc.ActionDelete, MemoryID: memoryID})
	return err
}

func (w *Worker) DeleteByProject(projectID string) error {
	_, err := w.call(ipc.Request{Action: ipc.ActionDeleteByProject, ProjectID: projectID})
	return err
}

func (w *Worker) DeleteByMemoryIDs(memoryIDs []string) error {
	if len(memoryIDs) == 0 {
		return nil
	}
	_, err := w.call(ipc.Request{Action: ipc.ActionDeleteByMemoryIDs, MemoryIDs: memoryIDs})
	return err
}

// Search forwards the query. The worker only knows project membership, so
// scope filtering happens in the caller after hydrating the rows.
func (w *Worker) Search(embedding []float32, projectID, scope string, limit int) ([]Result, error) {
	resp, err := w.call(ipc.Request{
		Action:    ipc.ActionSearch,
		Embedding: embedding,
		ProjectID: projectID,
		Scope:     scope,
		Limit:     limit,
	})
	if err != nil {
		return nil, err
	}
	return hitsToResults(resp.Results), nil
}

func (w *Worker) FindSimilar(embedding []float32, projectID string, threshold float64, limit int) ([]Result, error) {
	resp, err := w.call(ipc.Request{
		Action:    ipc.ActionFindSimilar,
		Embedding: embedding,
		ProjectID: projectID,
		Threshold: threshold,
		Limit:     limit,
	})
	if err != nil {
		return nil, err
	}
	return hitsToResults(resp.Results), nil
}

func (w *Worker) Count() (int, error) {
	resp, err := w.call(ipc.Request{Action: ipc.ActionCount})
	if err != nil {
		return 0, err
	}
	return resp.Count, nil
}

func (w *Worker) Available() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ready
}

// Close disconnects and stops the subprocess
func (w *Worker) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.ready = false

	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}

	if w.cmd != nil && w.cmd.Process != nil {
		_ = w.cmd.Process.Kill()
		_ = w.cmd.Wait()
		w.cmd = nil
	}

	return nil
}

// spawnLocked starts the subprocess and waits for its socket. Callers hold
// w.mu.
func (w *Worker) spawnLocked() error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to resolve executable: %w", err)
	}

	if err := os.MkdirAll(w.dataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	_ = os.Remove(w.paths.Socket)

	cmd := exec.Command(exe, "vector-worker", "--data-dir", w.dataDir)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start vector worker: %w", err)
	}
	w.cmd = cmd

	deadline := time.Now().Add(workerStartWait)
	for time.Now().Before(deadline) {
		conn, err := ipc.Dial(w.paths.Socket, workerPollInterval)
		if err == nil {
			w.conn = conn
			w.logger.Info().Int("pid", cmd.Process.Pid).Msg("Vector worker started")
			return nil
		}
		time.Sleep(workerPollInterval)
	}

	_ = cmd.Process.Kill()
	_ = cmd.Wait()
	w.cmd = nil
	return fmt.Errorf("vector worker did not come up within %s", workerStartWait)
}

func (w *Worker) call(req ipc.Request) (*ipc.Response, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.ready {
		return nil, fmt.Errorf("vector worker is not running")
	}
	return w.callLocked(req)
}

func (w *Worker) callLocked(req ipc.Request) (*ipc.Response, error) {
	if w.conn == nil {
		return nil, fmt.Errorf("vector worker is not connected")
	}
	return w.conn.Call(req, workerCallTimeout)
}

func hitsToResults(hits []ipc.SearchHit) []Result {
	if len(hits) == 0 {
		return nil
	}
	results := make([]Result, len(hits))
	for i, h := range hits {
		results[i] = Result{MemoryID: h.MemoryID, Distance: h.Distance}
	}
	return results
}

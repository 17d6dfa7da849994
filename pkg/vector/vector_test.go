package vector

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramdev/engram/internal/ipc"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`
		CREATE TABLE memories (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			scope TEXT NOT NULL,
			content TEXT NOT NULL
		);
	`)
	require.NoError(t, err)
	return db
}

func seedMemory(t *testing.T, db *sql.DB, id, projectID, scope string) {
	t.Helper()
	_, err := db.Exec(
		"INSERT INTO memories (id, project_id, scope, content) VALUES (?, ?, ?, ?)",
		id, projectID, scope, "content of "+id)
	require.NoError(t, err)
}

func unitVec(dims, hot int) []float32 {
	v := make([]float32, dims)
	v[hot] = 1
	return v
}

func TestDirect_InsertAndSearch(t *testing.T) {
	db := openTestDB(t)
	store := NewDirect(db, zerolog.Nop())
	require.NoError(t, store.Initialize(4))
	require.True(t, store.Available())

	seedMemory(t, db, "m1", "proj-a", "project")
	seedMemory(t, db, "m2", "proj-a", "project")
	seedMemory(t, db, "m3", "proj-b", "project")

	require.NoError(t, store.Insert(unitVec(4, 0), "m1", "proj-a"))
	require.NoError(t, store.Insert(unitVec(4, 1), "m2", "proj-a"))
	require.NoError(t, store.Insert(unitVec(4, 0), "m3", "proj-b"))

	results, err := store.Search(unitVec(4, 0), "proj-a", "", 10)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "m1", results[0].MemoryID, "identical vector must rank first")
	assert.InDelta(t, 0.0, results[0].Distance, 1e-5)
	assert.Less(t, results[0].Distance, results[1].Distance)
}

func TestDirect_ScopeFilter(t *testing.T) {
	db := openTestDB(t)
	store := NewDirect(db, zerolog.Nop())
	require.NoError(t, store.Initialize(4))

	seedMemory(t, db, "m1", "proj-a", "project")
	seedMemory(t, db, "m2", "proj-a", "global")

	require.NoError(t, store.Insert(unitVec(4, 0), "m1", "proj-a"))
	require.NoError(t, store.Insert(unitVec(4, 0), "m2", "proj-a"))

	results, err := store.Search(unitVec(4, 0), "proj-a", "global", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "m2", results[0].MemoryID)
}

func TestDirect_FindSimilarThreshold(t *testing.T) {
	db := openTestDB(t)
	store := NewDirect(db, zerolog.Nop())
	require.NoError(t, store.Initialize(4))

	seedMemory(t, db, "near", "p", "project")
	seedMemory(t, db, "far", "p", "project")

	require.NoError(t, store.Insert([]float32{1, 0.01, 0, 0}, "near", "p"))
	require.NoError(t, store.Insert(unitVec(4, 1), "far", "p"))

	results, err := store.FindSimilar(unitVec(4, 0), "p", 0.25, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "near", results[0].MemoryID)
}

func TestDirect_DeleteVariants(t *testing.T) {
	db := openTestDB(t)
	store := NewDirect(db, zerolog.Nop())
	require.NoError(t, store.Initialize(4))

	for _, m := range []struct{ id, project string }{
		{"a1", "proj-a"}, {"a2", "proj-a"}, {"b1", "proj-b"}, {"b2", "proj-b"},
	} {
		seedMemory(t, db, m.id, m.project, "project")
		require.NoError(t, store.Insert(unitVec(4, 0), m.id, m.project))
	}

	require.NoError(t, store.Delete("a1"))
	count, err := store.Count()
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	require.NoError(t, store.DeleteByProject("proj-b"))
	count, err = store.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.NoError(t, store.DeleteByMemoryIDs([]string{"a2"}))
	count, err = store.Count()
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestDirect_InsertReplacesExisting(t *testing.T) {
	db := openTestDB(t)
	store := NewDirect(db, zerolog.Nop())
	require.NoError(t, store.Initialize(4))

	seedMemory(t, db, "m1", "p", "project")
	require.NoError(t, store.Insert(unitVec(4, 0), "m1", "p"))
	require.NoError(t, store.Insert(unitVec(4, 1), "m1", "p"))

	count, err := store.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	results, err := store.Search(unitVec(4, 1), "p", "", 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.InDelta(t, 0.0, results[0].Distance, 1e-5)
}

func TestNoop_DegradedContract(t *testing.T) {
	store := NewNoop()

	assert.False(t, store.Available())
	assert.NoError(t, store.Initialize(384))
	assert.NoError(t, store.Insert(unitVec(4, 0), "m1", "p"))
	assert.NoError(t, store.Delete("m1"))

	results, err := store.Search(unitVec(4, 0), "p", "", 10)
	assert.NoError(t, err)
	assert.Empty(t, results)

	count, err := store.Count()
	assert.NoError(t, err)
	assert.Equal(t, 0, count)
}

// startWorkerServer runs the worker process loop in-process for protocol
// tests; spawning would exec the test binary.
func startWorkerServer(t *testing.T) string {
	t.Helper()

	dataDir := t.TempDir()
	srv := NewWorkerServer(dataDir, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(ctx) }()

	socket := WorkerPathsFor(dataDir).Socket
	require.Eventually(t, func() bool {
		c, err := ipc.Dial(socket, 100*time.Millisecond)
		if err != nil {
			return false
		}
		c.Close()
		return true
	}, 5*time.Second, 25*time.Millisecond, "worker did not come up")

	t.Cleanup(func() {
		cancel()
		select {
		case <-errCh:
		case <-time.After(2 * time.Second):
		}
	})

	return socket
}

func TestWorkerServer_FullProtocol(t *testing.T) {
	socket := startWorkerServer(t)

	c, err := ipc.Dial(socket, time.Second)
	require.NoError(t, err)

	resp, err := c.Call(ipc.Request{Action: ipc.ActionInit, Dimensions: 4}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 4, resp.Dimensions)

	for _, in := range []struct {
		id, project string
		hot         int
	}{
		{"m1", "proj-a", 0}, {"m2", "proj-a", 1}, {"m3", "proj-b", 0},
	} {
		_, err := c.Call(ipc.Request{
			Action:    ipc.ActionInsert,
			Embedding: unitVec(4, in.hot),
			MemoryID:  in.id,
			ProjectID: in.project,
		}, time.Second)
		require.NoError(t, err)
	}

	resp, err = c.Call(ipc.Request{Action: ipc.ActionCount}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 3, resp.Count)

	resp, err = c.Call(ipc.Request{
		Action:    ipc.ActionSearch,
		Embedding: unitVec(4, 0),
		ProjectID: "proj-a",
		Limit:     10,
	}, time.Second)
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, "m1", resp.Results[0].MemoryID)

	resp, err = c.Call(ipc.Request{
		Action:    ipc.ActionFindSimilar,
		Embedding: unitVec(4, 0),
		ProjectID: "proj-a",
		Threshold: 0.25,
		Limit:     10,
	}, time.Second)
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "m1", resp.Results[0].MemoryID)

	_, err = c.Call(ipc.Request{Action: ipc.ActionDeleteByProject, ProjectID: "proj-a"}, time.Second)
	require.NoError(t, err)

	resp, err = c.Call(ipc.Request{Action: ipc.ActionCount}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Count)

	// Keep the connection open until assertions finish: its close shuts
	// the worker down.
	c.Close()
}

func TestWorkerServer_RequiresInit(t *testing.T) {
	socket := startWorkerServer(t)

	c, err := ipc.Dial(socket, time.Second)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Call(ipc.Request{Action: ipc.ActionCount}, time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not_initialized")
}

func TestHitsToResults(t *testing.T) {
	assert.Nil(t, hitsToResults(nil))

	results := hitsToResults([]ipc.SearchHit{{MemoryID: "m1", Distance: 0.3}})
	require.Len(t, results, 1)
	assert.Equal(t, Result{MemoryID: "m1", Distance: 0.3}, results[0])
}

package session

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *StateStore {
	t.Helper()

	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "session.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := NewStateStore(db, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(store.Stop)

	return store
}

func TestStateStore_SetGetDelete(t *testing.T) {
	store := newTestStore(t)

	type payload struct {
		Name string `json:"name"`
	}

	require.NoError(t, store.Set("k1", "p1", payload{Name: "value"}, time.Hour))

	var got payload
	require.NoError(t, store.Get("k1", &got))
	assert.Equal(t, "value", got.Name)

	require.NoError(t, store.Delete("k1"))
	assert.ErrorIs(t, store.Get("k1", &got), ErrNotFound)
}

func TestStateStore_ExpiredReadsAsAbsent(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Set("ephemeral", "p1", "x", time.Second))

	// Age the row past its expiry
	_, err := store.db.Exec("UPDATE session_state SET expires_at = ? WHERE key = ?",
		time.Now().Add(-time.Minute).Unix(), "ephemeral")
	require.NoError(t, err)

	var got string
	assert.ErrorIs(t, store.Get("ephemeral", &got), ErrNotFound)
}

func TestStateStore_NoTTLNeverExpires(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Set("durable", "p1", "x", 0))

	removed, err := store.SweepExpired()
	require.NoError(t, err)
	assert.Equal(t, 0, removed)

	var got string
	require.NoError(t, store.Get("durable", &got))
	assert.Equal(t, "x", got)
}

func TestStateStore_SweepExpired(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Set("old", "p1", "x", time.Second))
	require.NoError(t, store.Set("fresh", "p1", "y", time.Hour))

	_, err := store.db.Exec("UPDATE session_state SET expires_at = ? WHERE key = ?",
		time.Now().Add(-time.Minute).Unix(), "old")
	require.NoError(t, err)

	removed, err := store.SweepExpired()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	var got string
	require.NoError(t, store.Get("fresh", &got))
}

func TestMergePlanning_AccumulatesSets(t *testing.T) {
	store := newTestStore(t)

	first, err := store.MergePlanning("sess-1", "p1", PlanningState{
		Objective: "ship the feature",
		Phases:    []string{"design", "build", "test"},
		Findings:  []string{"config lives in ~/.engram"},
	})
	require.NoError(t, err)
	assert.Equal(t, "ship the feature", first.Objective)

	second, err := store.MergePlanning("sess-1", "p1", PlanningState{
		Current:  "build",
		Findings: []string{"config lives in ~/.engram", "tests use testify"},
		Errors:   []string{"flaky socket test"},
	})
	require.NoError(t, err)

	assert.Equal(t, "ship the feature", second.Objective, "merge keeps prior fields")
	assert.Equal(t, "build", second.Current)
	assert.Equal(t, []string{"design", "build", "test"}, second.Phases)
	assert.Equal(t, []string{"config lives in ~/.engram", "tests use testify"}, second.Findings,
		"findings deduplicate as a set")
	assert.Equal(t, []string{"flaky socket test"}, second.Errors)

	// Persisted, not just returned
	loaded, err := store.GetPlanning("sess-1")
	require.NoError(t, err)
	assert.Equal(t, second, loaded)
}

func TestMergePlanning_ReplacesPhases(t *testing.T) {
	store := newTestStore(t)

	_, err := store.MergePlanning("sess-1", "p1", PlanningState{Phases: []string{"a", "b"}})
	require.NoError(t, err)

	merged, err := store.MergePlanning("sess-1", "p1", PlanningState{Phases: []string{"c"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, merged.Phases)
}

func TestGetPlanning_AbsentIsNil(t *testing.T) {
	store := newTestStore(t)

	state, err := store.GetPlanning("nobody")
	require.NoError(t, err)
	assert.Nil(t, state)
}

func TestSnapshotRoundtrip(t *testing.T) {
	store := newTestStore(t)

	snap := &PreCompactionSnapshot{
		Timestamp: time.Now().Truncate(time.Second),
		SessionID: "sess-1",
		Branch:    "main",
		PlanningState: &PlanningState{
			Objective: "carry across compaction",
		},
	}
	require.NoError(t, store.SaveSnapshot("p1", snap))

	loaded, err := store.GetSnapshot("sess-1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "main", loaded.Branch)
	assert.Equal(t, "carry across compaction", loaded.PlanningState.Objective)

	missing, err := store.GetSnapshot("sess-2")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestStartSweeper_RejectsBadSpec(t *testing.T) {
	store := newTestStore(t)

	assert.Error(t, store.StartSweeper("not a schedule"))
	require.NoError(t, store.StartSweeper("@hourly"))
	assert.Error(t, store.StartSweeper("@hourly"), "second start is rejected")
}

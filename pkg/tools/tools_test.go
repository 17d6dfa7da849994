package tools

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramdev/engram/pkg/embedding"
	"github.com/engramdev/engram/pkg/memory"
	"github.com/engramdev/engram/pkg/session"
	"github.com/engramdev/engram/pkg/vector"
)

func newToolkit(t *testing.T) (*Toolkit, *embedding.Mock) {
	t.Helper()

	store, err := memory.OpenStore(filepath.Join(t.TempDir(), "engram.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	direct := vector.NewDirect(store.DB(), zerolog.Nop())
	require.NoError(t, direct.Initialize(4))

	mock := embedding.NewMock(4)
	svc := memory.NewService(memory.ServiceConfig{
		Store:          store,
		Vectors:        direct,
		Provider:       mock,
		Logger:         zerolog.Nop(),
		DedupThreshold: 0.25,
		Model:          "mock",
		Dimensions:     4,
	})
	t.Cleanup(func() { svc.Close() })

	sessions, err := session.NewStateStore(store.DB(), zerolog.Nop())
	require.NoError(t, err)

	return NewToolkit(svc, sessions, "p1", zerolog.Nop()), mock
}

func TestWriteAndRead(t *testing.T) {
	tk, _ := newToolkit(t)
	ctx := context.Background()

	out := tk.Write(ctx, "Use 2 spaces for indentation", memory.ScopeConvention)
	assert.Contains(t, out, "Stored convention memory")

	out = tk.Read(ctx, "Use 2 spaces for indentation", "", 10)
	assert.Contains(t, out, "Use 2 spaces for indentation")
	assert.Contains(t, out, "distance:")
}

func TestWrite_ReportsDuplicate(t *testing.T) {
	tk, _ := newToolkit(t)
	ctx := context.Background()

	first := tk.Write(ctx, "Use tabs", memory.ScopeConvention)
	assert.Contains(t, first, "Stored")

	second := tk.Write(ctx, "Use tabs", memory.ScopeConvention)
	assert.Contains(t, second, "similar memory already exists")
	assert.Contains(t, second, "Nothing stored")
}

func TestWrite_InvalidScopeIsTextualError(t *testing.T) {
	tk, _ := newToolkit(t)

	out := tk.Write(context.Background(), "x", "opinion")
	assert.Contains(t, out, "Failed to store memory")
}

func TestRead_EmptyQueryListsByRecency(t *testing.T) {
	tk, mock := newToolkit(t)
	ctx := context.Background()

	// Keep the two facts far apart so the dedup probe ignores them
	mock.WithFixture("first fact", []float32{1, 0, 0, 0})
	mock.WithFixture("second fact", []float32{0, 1, 0, 0})

	tk.Write(ctx, "first fact", memory.ScopeContext)
	tk.Write(ctx, "second fact", memory.ScopeContext)

	out := tk.Read(ctx, "", "", 10)
	assert.Contains(t, out, "2 memories")
	assert.Contains(t, out, "first fact")
	assert.Contains(t, out, "second fact")
}

func TestEditAndDelete(t *testing.T) {
	tk, _ := newToolkit(t)
	ctx := context.Background()

	out := tk.Write(ctx, "draft decision", memory.ScopeDecision)
	id := extractID(t, out)

	out = tk.Edit(ctx, id, "final decision", "")
	assert.Contains(t, out, "Updated memory")
	assert.Contains(t, out, "final decision")

	out = tk.Delete(id)
	assert.Contains(t, out, "Deleted memory")

	out = tk.Delete(id)
	assert.Contains(t, out, "No memory with id")

	out = tk.Edit(ctx, "missing-id", "x", "")
	assert.Contains(t, out, "No memory with id")
}

func TestHealth_CheckAndReindex(t *testing.T) {
	tk, _ := newToolkit(t)
	ctx := context.Background()

	tk.Write(ctx, "some fact", memory.ScopeContext)

	out := tk.Health(ctx, HealthCheck)
	assert.Contains(t, out, "Memories: 1")
	assert.Contains(t, out, "Vector search: available")

	out = tk.Health(ctx, HealthReindex)
	assert.Contains(t, out, "Reindexed 1 memories (1 ok, 0 failed)")

	out = tk.Health(ctx, "purge")
	assert.Contains(t, out, "Unknown health action")
}

func TestPlanningUpdateAndGet(t *testing.T) {
	tk, _ := newToolkit(t)

	out := tk.PlanningGet("sess-1")
	assert.Contains(t, out, "No planning state")

	out = tk.PlanningUpdate("sess-1", session.PlanningState{
		Objective: "ship it",
		Findings:  []string{"one"},
	})
	assert.Contains(t, out, "Planning state updated")
	assert.Contains(t, out, "Objective: ship it")

	out = tk.PlanningUpdate("sess-1", session.PlanningState{
		Findings: []string{"one", "two"},
	})
	assert.Equal(t, 1, strings.Count(out, "Finding: one"), "findings stay a set")
	assert.Contains(t, out, "Finding: two")

	out = tk.PlanningGet("sess-1")
	assert.Contains(t, out, "Objective: ship it")

	assert.Contains(t, tk.PlanningGet(""), "session id is required")
	assert.Contains(t, tk.PlanningUpdate("", session.PlanningState{}), "session id is required")
}

// extractID pulls the "(id: ...)" out of a tool response
func extractID(t *testing.T, out string) string {
	t.Helper()

	start := strings.Index(out, "(id: ")
	require.GreaterOrEqual(t, start, 0, "response should carry an id: %s", out)
	rest := out[start+len("(id: "):]
	end := strings.IndexAny(rest, ").")
	require.Greater(t, end, 0)
	return rest[:end]
}

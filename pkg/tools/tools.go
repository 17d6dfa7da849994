// Package tools is the surface the host assistant calls. Every tool returns
// a human-readable string on both success and failure; errors below the
// memory service never surface as Go errors here.
package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/engramdev/engram/pkg/memory"
	"github.com/engramdev/engram/pkg/session"
)

// Health actions
const (
	HealthCheck   = "check"
	HealthReindex = "reindex"
)

// Toolkit binds the tool surface to one project
type Toolkit struct {
	memories  *memory.Service
	sessions  *session.StateStore
	projectID string
	logger    zerolog.Logger
}

// NewToolkit creates the tool surface for a project
func NewToolkit(memories *memory.Service, sessions *session.StateStore, projectID string, logger zerolog.Logger) *Toolkit {
	return &Toolkit{
		memories:  memories,
		sessions:  sessions,
		projectID: projectID,
		logger:    logger,
	}
}

// Read searches memories, or lists by recency when the query is empty
func (t *Toolkit) Read(ctx context.Context, query, scope string, limit int) string {
	if limit <= 0 {
		limit = 10
	}

	if query == "" {
		memories, err := t.memories.ListByProject(t.projectID, scope, limit)
		if err != nil {
			return "Failed to list memories: " + err.Error()
		}
		return formatList(memories)
	}

	results, err := t.memories.Search(ctx, query, t.projectID, scope, limit)
	if err != nil {
		return "Failed to search memories: " + err.Error()
	}
	if len(results) == 0 {
		return "No memories found."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d memories:\n", len(results))
	for _, r := range results {
		fmt.Fprintf(&b, "- [%s] %s (id: %s, distance: %.2f)\n",
			r.Memory.Scope, r.Memory.Content, r.Memory.ID, r.Distance)
	}
	return strings.TrimRight(b.String(), "\n")
}

// Write stores a new memory
func (t *Toolkit) Write(ctx context.Context, content, scope string) string {
	res, err := t.memories.Create(ctx, memory.CreateInput{
		ProjectID: t.projectID,
		Scope:     scope,
		Content:   content,
	})
	if err != nil {
		return "Failed to store memory: " + err.Error()
	}

	if res.Deduplicated {
		return fmt.Sprintf("A similar memory already exists (id: %s). Nothing stored.", res.Memory.ID)
	}
	return fmt.Sprintf("Stored %s memory (id: %s).", res.Memory.Scope, res.Memory.ID)
}

// Edit rewrites a memory's content and optionally its scope
func (t *Toolkit) Edit(ctx context.Context, id, content, scope string) string {
	updated, err := t.memories.Update(ctx, id, content, scope)
	if errors.Is(err, memory.ErrNotFound) {
		return fmt.Sprintf("No memory with id %s.", id)
	}
	if err != nil {
		return "Failed to edit memory: " + err.Error()
	}
	return fmt.Sprintf("Updated memory %s ([%s] %s).", updated.ID, updated.Scope, updated.Content)
}

// Delete removes a memory
func (t *Toolkit) Delete(id string) string {
	err := t.memories.Delete(id)
	if errors.Is(err, memory.ErrNotFound) {
		return fmt.Sprintf("No memory with id %s.", id)
	}
	if err != nil {
		return "Failed to delete memory: " + err.Error()
	}
	return fmt.Sprintf("Deleted memory %s.", id)
}

// Health reports index health or runs a reindex
func (t *Toolkit) Health(ctx context.Context, action string) string {
	switch action {
	case HealthReindex:
		stats, err := t.memories.Reindex(ctx, t.projectID)
		if err != nil {
			return "Reindex failed: " + err.Error()
		}
		return fmt.Sprintf("Reindexed %d memories (%d ok, %d failed).",
			stats.Total, stats.Success, stats.Failed)

	case HealthCheck, "":
		count, err := t.memories.CountByProject(t.projectID)
		if err != nil {
			return "Health check failed: " + err.Error()
		}

		var b strings.Builder
		fmt.Fprintf(&b, "Memories: %d\n", count)
		if t.memories.VectorsAvailable() {
			b.WriteString("Vector search: available\n")
		} else {
			b.WriteString("Vector search: unavailable (recency fallback active)\n")
		}
		if rate := t.memories.CacheHitRate(); rate != nil {
			fmt.Fprintf(&b, "Embedding cache hit rate: %.0f%%\n", *rate*100)
		}

		drifted, reason, err := t.memories.CheckDrift()
		if err != nil {
			fmt.Fprintf(&b, "Drift check failed: %s\n", err.Error())
		} else if drifted {
			fmt.Fprintf(&b, "Embedding drift detected: %s. Run memory-health reindex.\n", reason)
		}

		return strings.TrimRight(b.String(), "\n")

	default:
		return fmt.Sprintf("Unknown health action %q (must be: check, reindex).", action)
	}
}

// PlanningUpdate merges an update into the session's planning state
func (t *Toolkit) PlanningUpdate(sessionID string, update session.PlanningState) string {
	if sessionID == "" {
		return "A session id is required."
	}

	merged, err := t.sessions.MergePlanning(sessionID, t.projectID, update)
	if err != nil {
		return "Failed to update planning state: " + err.Error()
	}
	return "Planning state updated.\n" + formatPlanning(merged)
}

// PlanningGet returns the session's planning state
func (t *Toolkit) PlanningGet(sessionID string) string {
	if sessionID == "" {
		return "A session id is required."
	}

	state, err := t.sessions.GetPlanning(sessionID)
	if err != nil {
		return "Failed to load planning state: " + err.Error()
	}
	if state == nil {
		return "No planning state for this session."
	}
	return formatPlanning(state)
}

func formatList(memories []*memory.Memory) string {
	if len(memories) == 0 {
		return "No memories found."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d memories (most recent first):\n", len(memories))
	for _, m := range memories {
		fmt.Fprintf(&b, "- [%s] %s (id: %s)\n", m.Scope, m.Content, m.ID)
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatPlanning(p *session.PlanningState) string {
	var b strings.Builder

	if p.Objective != "" {
		fmt.Fprintf(&b, "Objective: %s\n", p.Objective)
	}
	if p.Current != "" {
		fmt.Fprintf(&b, "Current: %s\n", p.Current)
	}
	if p.Next != "" {
		fmt.Fprintf(&b, "Next: %s\n", p.Next)
	}
	if len(p.Phases) > 0 {
		fmt.Fprintf(&b, "Phases: %s\n", strings.Join(p.Phases, ", "))
	}
	for _, f := range p.Findings {
		fmt.Fprintf(&b, "Finding: %s\n", f)
	}
	for _, e := range p.Errors {
		fmt.Fprintf(&b, "Error: %s\n", e)
	}

	out := strings.TrimRight(b.String(), "\n")
	if out == "" {
		return "Planning state is empty."
	}
	return out
}

// Package compaction builds the token-budgeted digest injected into the
// assistant's context right before it is truncated.
package compaction

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/engramdev/engram/pkg/memory"
	"github.com/engramdev/engram/pkg/session"
)

// DefaultBudget is the digest's token budget when config does not set one
const DefaultBudget = 4000

// memoriesPerScope caps how many convention and decision memories enter the
// digest.
const memoriesPerScope = 10

// Priority orders sections for inclusion and decides the trim strategy when
// the budget runs out.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
)

// Section is one candidate block of the digest
type Section struct {
	Title    string
	Content  string
	Priority Priority
}

// EstimateTokens approximates the token count of s as ceil(len/4)
func EstimateTokens(s string) int {
	return (len(s) + 3) / 4
}

// Assembler builds pre-compaction digests and persists the session state the
// next cycle will need.
type Assembler struct {
	memories *memory.Service
	sessions *session.StateStore
	logger   zerolog.Logger
	budget   int
}

// NewAssembler creates an assembler. budget <= 0 selects the default.
func NewAssembler(memories *memory.Service, sessions *session.StateStore, budget int, logger zerolog.Logger) *Assembler {
	if budget <= 0 {
		budget = DefaultBudget
	}
	return &Assembler{
		memories: memories,
		sessions: sessions,
		logger:   logger,
		budget:   budget,
	}
}

// BuildDigest assembles the digest for a session about to compact, then
// persists the planning state and a fresh snapshot for the next cycle.
func (a *Assembler) BuildDigest(ctx context.Context, sessionID, projectID, branch string) (string, error) {
	planning, err := a.sessions.GetPlanning(sessionID)
	if err != nil {
		return "", fmt.Errorf("failed to load planning state: %w", err)
	}

	snapshot, err := a.sessions.GetSnapshot(sessionID)
	if err != nil {
		return "", fmt.Errorf("failed to load snapshot: %w", err)
	}

	var sections []Section
	if planning != nil {
		sections = append(sections, Section{
			Title:    "Current Plan",
			Content:  formatPlanning(planning),
			Priority: PriorityHigh,
		})
	}
	if snapshot != nil {
		sections = append(sections, Section{
			Title:    "Previous Compaction",
			Content:  formatSnapshot(snapshot),
			Priority: PriorityMedium,
		})
	}

	for _, scope := range []string{memory.ScopeConvention, memory.ScopeDecision} {
		memories, err := a.memories.ListByProject(projectID, scope, memoriesPerScope)
		if err != nil {
			a.logger.Warn().Err(err).Str("scope", scope).Msg("Failed to load memories for digest")
			continue
		}
		if len(memories) == 0 {
			continue
		}
		sections = append(sections, Section{
			Title:    "Project " + strings.ToUpper(scope[:1]) + scope[1:] + "s",
			Content:  formatMemories(memories),
			Priority: PriorityLow,
		})
	}

	digest := Assemble(sections, a.budget)

	// Persist state for the next cycle
	if planning != nil {
		if err := a.sessions.SavePlanning(sessionID, projectID, planning); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to refresh planning state")
		}
	}
	snap := &session.PreCompactionSnapshot{
		Timestamp:     time.Now(),
		SessionID:     sessionID,
		PlanningState: planning,
		Branch:        branch,
	}
	if err := a.sessions.SaveSnapshot(projectID, snap); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to save pre-compaction snapshot")
	}

	return digest, nil
}

// Assemble fits sections into the token budget, highest priority first.
// When a section does not fit, its priority decides the trim: low sections
// hard-truncate, medium sections drop their tail lines, high sections are
// truncated only because nothing else can give.
func Assemble(sections []Section, budget int) string {
	ordered := make([]Section, 0, len(sections))
	for _, p := range []Priority{PriorityHigh, PriorityMedium, PriorityLow} {
		for _, s := range sections {
			if s.Priority == p {
				ordered = append(ordered, s)
			}
		}
	}

	var b strings.Builder
	remaining := budget

	for _, s := range ordered {
		// The separator is part of the block so the estimate covers it
		block := "## " + s.Title + "\n\n" + s.Content
		if b.Len() > 0 {
			block = "\n\n" + block
		}

		tokens := EstimateTokens(block)
		if tokens <= remaining {
			b.WriteString(block)
			remaining -= tokens
			continue
		}

		trimmed := trim(block, remaining, s.Priority)
		if trimmed == "" {
			continue
		}
		b.WriteString(trimmed)
		remaining -= EstimateTokens(trimmed)
	}

	return b.String()
}

// trim shrinks block to at most remaining tokens, or returns "" to drop it
func trim(block string, remaining int, priority Priority) string {
	if remaining <= 0 {
		return ""
	}

	switch priority {
	case PriorityMedium:
		// Shed the tail in ~20% steps
		lines := strings.Split(block, "\n")
		for len(lines) > 0 {
			cut := len(lines) / 5
			if cut == 0 {
				cut = 1
			}
			lines = lines[:len(lines)-cut]
			candidate := strings.Join(lines, "\n")
			if EstimateTokens(candidate) <= remaining {
				return candidate
			}
		}
		return ""
	default:
		// Hard truncation, for low priority and the high-priority last resort
		maxChars := remaining * 4
		if maxChars <= len("...") {
			return ""
		}
		if len(block) <= maxChars {
			return block
		}
		return block[:maxChars-3] + "..."
	}
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
		fmt.Fprintf(&b, "Phases: %s\n", strings.Join(p.Phases, " -> "))
	}
	if len(p.Findings) > 0 {
		b.WriteString("Findings:\n")
		for _, f := range p.Findings {
			fmt.Fprintf(&b, "- %s\n", f)
		}
	}
	if len(p.Errors) > 0 {
		b.WriteString("Errors:\n")
		for _, e := range p.Errors {
			fmt.Fprintf(&b, "- %s\n", e)
		}
	}

	return strings.TrimRight(b.String(), "\n")
}

func formatSnapshot(s *session.PreCompactionSnapshot) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Taken: %s\n", s.Timestamp.Format(time.RFC3339))
	if s.Branch != "" {
		fmt.Fprintf(&b, "Branch: %s\n", s.Branch)
	}
	if s.PlanningState != nil && s.PlanningState.Objective != "" {
		fmt.Fprintf(&b, "Objective then: %s\n", s.PlanningState.Objective)
	}

	return strings.TrimRight(b.String(), "\n")
}

func formatMemories(memories []*memory.Memory) string {
	var b strings.Builder
	for _, m := range memories {
		fmt.Fprintf(&b, "- %s\n", strings.ReplaceAll(m.Content, "\n", " "))
	}
	return strings.TrimRight(b.String(), "\n")
}

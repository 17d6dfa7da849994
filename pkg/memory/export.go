package memory

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

// Export formats
const (
	FormatJSON     = "json"
	FormatMarkdown = "markdown"
)

// ExportOptions filters what gets exported
type ExportOptions struct {
	ProjectID string
	Scope     string
	Format    string
}

// ImportOptions controls import behavior. Force inserts rows whose content
// already exists instead of skipping them.
type ImportOptions struct {
	ProjectID string
	Format    string
	Force     bool
}

// ImportStats summarizes an import run
type ImportStats struct {
	Imported int `json:"imported"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
}

// exportDoc is the JSON export envelope
type exportDoc struct {
	ExportedAt time.Time `json:"exported_at"`
	Memories   []*Memory `json:"memories"`
}

// Export writes the matching memories to w
func (s *Service) Export(w io.Writer, opts ExportOptions) (int, error) {
	memories, err := s.store.ListAll(opts.ProjectID)
	if err != nil {
		return 0, err
	}

	if opts.Scope != "" {
		filtered := memories[:0]
		for _, m := range memories {
			if m.Scope == opts.Scope {
				filtered = append(filtered, m)
			}
		}
		memories = filtered
	}

	switch opts.Format {
	case FormatMarkdown:
		return len(memories), writeMarkdown(w, memories)
	case FormatJSON, "":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return len(memories), enc.Encode(exportDoc{ExportedAt: time.Now(), Memories: memories})
	default:
		return 0, fmt.Errorf("unknown export format %q (must be: json, markdown)", opts.Format)
	}
}

func writeMarkdown(w io.Writer, memories []*Memory) error {
	bw := bufio.NewWriter(w)

	byScope := map[string][]*Memory{}
	for _, m := range memories {
		byScope[m.Scope] = append(byScope[m.Scope], m)
	}

	fmt.Fprintf(bw, "# Memory Export\n\n")
	for _, scope := range []string{ScopeConvention, ScopeDecision, ScopeContext} {
		group := byScope[scope]
		if len(group) == 0 {
			continue
		}

		fmt.Fprintf(bw, "## %s\n\n", strings.ToUpper(scope[:1])+scope[1:])
		for _, m := range group {
			fmt.Fprintf(bw, "- %s\n", strings.ReplaceAll(m.Content, "\n", " "))
		}
		fmt.Fprintln(bw)
	}

	return bw.Flush()
}

// Import reads memories from r and creates them through the normal dedup
// path, so near duplicates are skipped too unless Force is set.
func (s *Service) Import(ctx context.Context, r io.Reader, opts ImportOptions) (*ImportStats, error) {
	if opts.ProjectID == "" {
		return nil, fmt.Errorf("project id is required for import")
	}

	var entries []*Memory
	var err error
	switch opts.Format {
	case FormatMarkdown:
		entries, err = parseMarkdown(r)
	case FormatJSON, "":
		entries, err = parseJSON(r)
	default:
		return nil, fmt.Errorf("unknown import format %q (must be: json, markdown)", opts.Format)
	}
	if err != nil {
		return nil, err
	}

	stats := &ImportStats{}
	for _, entry := range entries {
		scope := entry.Scope
		if !ValidScope(scope) {
			scope = ScopeContext
		}

		if opts.Force {
			if err := s.forceInsert(ctx, opts.ProjectID, scope, entry.Content, entry.FilePath); err != nil {
				stats.Failed++
				s.logger.Warn().Err(err).Msg("Import insert failed")
			} else {
				stats.Imported++
			}
			continue
		}

		res, err := s.Create(ctx, CreateInput{
			ProjectID: opts.ProjectID,
			Scope:     scope,
			Content:   entry.Content,
			FilePath:  entry.FilePath,
		})
		switch {
		case err != nil:
			stats.Failed++
			s.logger.Warn().Err(err).Msg("Import create failed")
		case res.Deduplicated:
			stats.Skipped++
		default:
			stats.Imported++
		}
	}

	return stats, nil
}

// forceInsert bypasses deduplication
func (s *Service) forceInsert(ctx context.Context, projectID, scope, content, filePath string) error {
	tx, err := s.store.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	m, err := s.store.Insert(tx, projectID, scope, content, filePath)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	vec := s.embedTexts(ctx, []string{content})[0]
	s.insertVector(vec, m)
	s.listings.invalidate(projectID)
	return nil
}

func parseJSON(r io.Reader) ([]*Memory, error) {
	var doc exportDoc
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to parse JSON export: %w", err)
	}
	return doc.Memories, nil
}

// parseMarkdown reads the export's list format: "## Scope" headings with
// "- content" bullets.
func parseMarkdown(r io.Reader) ([]*Memory, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var entries []*Memory
	scope := ScopeContext

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if strings.HasPrefix(line, "## ") {
			heading := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(line, "## ")))
			if ValidScope(heading) {
				scope = heading
			}
			continue
		}

		if strings.HasPrefix(line, "- ") {
			content := strings.TrimSpace(strings.TrimPrefix(line, "- "))
			if content != "" {
				entries = append(entries, &Memory{Scope: scope, Content: content})
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read markdown export: %w", err)
	}
	return entries, nil
}

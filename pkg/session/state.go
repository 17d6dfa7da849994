// Package session keeps ephemeral per-session state: planning progress and
// pre-compaction snapshots, stored as a keyed TTL key-value table swept in
// the background.
package session

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// TTLs of the two state shapes
const (
	PlanningTTL = 7 * 24 * time.Hour
	SnapshotTTL = 24 * time.Hour
)

// ErrNotFound is returned when a key is absent or expired
var ErrNotFound = errors.New("session state not found")

// PlanningState is the structured record of an in-progress task, persisted
// across context compaction. Findings and errors behave as sets.
type PlanningState struct {
	Objective string   `json:"objective,omitempty"`
	Current   string   `json:"current,omitempty"`
	Next      string   `json:"next,omitempty"`
	Phases    []string `json:"phases,omitempty"`
	Findings  []string `json:"findings,omitempty"`
	Errors    []string `json:"errors,omitempty"`
}

// PreCompactionSnapshot is what the previous compaction cycle saved
type PreCompactionSnapshot struct {
	Timestamp     time.Time      `json:"timestamp"`
	SessionID     string         `json:"session_id"`
	PlanningState *PlanningState `json:"planning_state,omitempty"`
	Branch        string         `json:"branch,omitempty"`
}

// StateStore is a keyed TTL store over SQLite. Expired rows read as absent
// and are removed by the background sweep.
type StateStore struct {
	db     *sql.DB
	logger zerolog.Logger
	cron   *cron.Cron
}

// NewStateStore creates the store and its schema over a shared database
func NewStateStore(db *sql.DB, logger zerolog.Logger) (*StateStore, error) {
	s := &StateStore{db: db, logger: logger}

	schema := `
		CREATE TABLE IF NOT EXISTS session_state (
			key TEXT PRIMARY KEY,
			project_id TEXT NOT NULL DEFAULT '',
			data TEXT NOT NULL,
			expires_at INTEGER,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_session_state_expires ON session_state(expires_at);
	`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to initialize session schema: %w", err)
	}

	return s, nil
}

// Set stores value under key with a TTL. ttl <= 0 means no expiry.
func (s *StateStore) Set(key, projectID string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal session state: %w", err)
	}

	now := time.Now()
	var expiresAt interface{}
	if ttl > 0 {
		expiresAt = now.Add(ttl).Unix()
	}

	_, err = s.db.Exec(`
		INSERT INTO session_state (key, project_id, data, expires_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			project_id = excluded.project_id,
			data = excluded.data,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at
	`, key, projectID, string(data), expiresAt, now.Unix(), now.Unix())
	if err != nil {
		return fmt.Errorf("failed to store session state: %w", err)
	}
	return nil
}

// Get reads the value under key into out. Expired rows are misses.
func (s *StateStore) Get(key string, out interface{}) error {
	var data string
	var expiresAt sql.NullInt64
	err := s.db.QueryRow(
		"SELECT data, expires_at FROM session_state WHERE key = ?", key).
		Scan(&data, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	if expiresAt.Valid && time.Now().Unix() > expiresAt.Int64 {
		return ErrNotFound
	}

	if err := json.Unmarshal([]byte(data), out); err != nil {
		return fmt.Errorf("corrupt session state under %q: %w", key, err)
	}
	return nil
}

// Delete removes one key
func (s *StateStore) Delete(key string) error {
	_, err := s.db.Exec("DELETE FROM session_state WHERE key = ?", key)
	return err
}

// SweepExpired removes expired rows and returns how many were deleted
func (s *StateStore) SweepExpired() (int, error) {
	res, err := s.db.Exec(
		"DELETE FROM session_state WHERE expires_at IS NOT NULL AND expires_at < ?",
		time.Now().Unix())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// StartSweeper schedules the expiry sweep in the background. Stop tears it
// down.
func (s *StateStore) StartSweeper(spec string) error {
	if s.cron != nil {
		return errors.New("sweeper already running")
	}

	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		n, err := s.SweepExpired()
		if err != nil {
			s.logger.Warn().Err(err).Msg("Session state sweep failed")
			return
		}
		if n > 0 {
			s.logger.Debug().Int("removed", n).Msg("Swept expired session state")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", spec, err)
	}

	c.Start()
	s.cron = c
	return nil
}

// Stop halts the background sweep
func (s *StateStore) Stop() {
	if s.cron != nil {
		s.cron.Stop()
		s.cron = nil
	}
}

func planningKey(sessionID string) string {
	return "planning:" + sessionID
}

func snapshotKey(sessionID string) string {
	return "snapshot:" + sessionID
}

// GetPlanning returns the planning state for a session, or nil when absent
func (s *StateStore) GetPlanning(sessionID string) (*PlanningState, error) {
	var state PlanningState
	err := s.Get(planningKey(sessionID), &state)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// MergePlanning folds an update into the existing planning state. Scalar
// fields overwrite when non-empty; phases replace when provided; findings
// and errors accumulate as sets. The merged state gets a fresh TTL.
func (s *StateStore) MergePlanning(sessionID, projectID string, update PlanningState) (*PlanningState, error) {
	existing, err := s.GetPlanning(sessionID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		existing = &PlanningState{}
	}

	if update.Objective != "" {
		existing.Objective = update.Objective
	}
	if update.Current != "" {
		existing.Current = update.Current
	}
	if update.Next != "" {
		existing.Next = update.Next
	}
	if len(update.Phases) > 0 {
		existing.Phases = update.Phases
	}
	existing.Findings = mergeSet(existing.Findings, update.Findings)
	existing.Errors = mergeSet(existing.Errors, update.Errors)

	if err := s.Set(planningKey(sessionID), projectID, existing, PlanningTTL); err != nil {
		return nil, err
	}
	return existing, nil
}

// SavePlanning stores the planning state as-is with a fresh TTL
func (s *StateStore) SavePlanning(sessionID, projectID string, state *PlanningState) error {
	return s.Set(planningKey(sessionID), projectID, state, PlanningTTL)
}

// GetSnapshot returns the prior pre-compaction snapshot, or nil when absent
func (s *StateStore) GetSnapshot(sessionID string) (*PreCompactionSnapshot, error) {
	var snap PreCompactionSnapshot
	err := s.Get(snapshotKey(sessionID), &snap)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// SaveSnapshot stores a pre-compaction snapshot with its short TTL
func (s *StateStore) SaveSnapshot(projectID string, snap *PreCompactionSnapshot) error {
	return s.Set(snapshotKey(snap.SessionID), projectID, snap, SnapshotTTL)
}

// mergeSet appends the items of add not already present in base, preserving
// order of first appearance.
func mergeSet(base, add []string) []string {
	if len(add) == 0 {
		return base
	}

	seen := make(map[string]bool, len(base))
	for _, v := range base {
		seen[v] = true
	}
	for _, v := range add {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		base = append(base, v)
	}
	return base
}

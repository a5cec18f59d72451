package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/mkessler/teamloop/internal/types"
)

// ErrNotFound is returned by point lookups when no row exists
var ErrNotFound = errors.New("not found")

// Store implements durable persistence using SQLite
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS retry_contexts (
	task_id    INTEGER PRIMARY KEY,
	data       TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS handoffs (
	id         TEXT PRIMARY KEY,
	agent_id   TEXT NOT NULL,
	role       TEXT NOT NULL,
	task_id    INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL,
	data       TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_handoffs_role_created
	ON handoffs(role, created_at DESC);

CREATE TABLE IF NOT EXISTS human_messages (
	id         TEXT PRIMARY KEY,
	task_id    INTEGER NOT NULL DEFAULT 0,
	type       TEXT NOT NULL,
	status     TEXT NOT NULL,
	blocking   INTEGER NOT NULL DEFAULT 0,
	priority   INTEGER NOT NULL DEFAULT 0,
	body       TEXT NOT NULL,
	response   TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS instances (
	instance_id    TEXT PRIMARY KEY,
	hostname       TEXT NOT NULL,
	pid            INTEGER NOT NULL,
	status         TEXT NOT NULL,
	started_at     TIMESTAMP NOT NULL,
	last_heartbeat TIMESTAMP NOT NULL,
	version        TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS config (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// New creates a new SQLite store at the given path
func New(path string) (*Store, error) {
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	// WAL mode for better concurrency between the loop controller
	// and CLI status queries
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=ON")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}

// GetRetryContext looks up the retry context for a task.
// Returns ErrNotFound when the task has no recorded failures.
func (s *Store) GetRetryContext(ctx context.Context, taskID int) (*types.RetryContext, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		"SELECT data FROM retry_contexts WHERE task_id = ?", taskID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query retry context: %w", err)
	}

	var rc types.RetryContext
	if err := json.Unmarshal([]byte(data), &rc); err != nil {
		return nil, fmt.Errorf("failed to decode retry context: %w", err)
	}
	return &rc, nil
}

// SaveRetryContext inserts or replaces the retry context for a task
func (s *Store) SaveRetryContext(ctx context.Context, rc *types.RetryContext) error {
	rc.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(rc)
	if err != nil {
		return fmt.Errorf("failed to encode retry context: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO retry_contexts (task_id, data, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			data = excluded.data,
			updated_at = excluded.updated_at
	`, rc.TaskID, string(data), rc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save retry context: %w", err)
	}
	return nil
}

// DeleteRetryContext removes the retry context for a task. Deleting a
// context that does not exist is not an error.
func (s *Store) DeleteRetryContext(ctx context.Context, taskID int) error {
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM retry_contexts WHERE task_id = ?", taskID); err != nil {
		return fmt.Errorf("failed to delete retry context: %w", err)
	}
	return nil
}

// RecordHandoff inserts a new handoff record. Records are immutable;
// there is deliberately no update path.
func (s *Store) RecordHandoff(ctx context.Context, h *types.AgentHandoff) error {
	data, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("failed to encode handoff: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO handoffs (id, agent_id, role, task_id, created_at, data)
		VALUES (?, ?, ?, ?, ?, ?)
	`, h.ID, h.AgentID, string(h.Role), h.TaskID, h.Timestamp.UTC(), string(data))
	if err != nil {
		return fmt.Errorf("failed to record handoff: %w", err)
	}
	return nil
}

// GetHandoff looks up a handoff record by id
func (s *Store) GetHandoff(ctx context.Context, id string) (*types.AgentHandoff, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		"SELECT data FROM handoffs WHERE id = ?", id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query handoff: %w", err)
	}

	var h types.AgentHandoff
	if err := json.Unmarshal([]byte(data), &h); err != nil {
		return nil, fmt.Errorf("failed to decode handoff: %w", err)
	}
	return &h, nil
}

// ListHandoffsByRole returns handoff records for a role, newest first.
// A limit <= 0 returns all records.
func (s *Store) ListHandoffsByRole(ctx context.Context, role types.AgentRole, limit int) ([]*types.AgentHandoff, error) {
	query := "SELECT data FROM handoffs WHERE role = ? ORDER BY created_at DESC"
	args := []interface{}{string(role)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list handoffs: %w", err)
	}
	defer rows.Close()

	var out []*types.AgentHandoff
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan handoff row: %w", err)
		}
		var h types.AgentHandoff
		if err := json.Unmarshal([]byte(data), &h); err != nil {
			return nil, fmt.Errorf("failed to decode handoff: %w", err)
		}
		out = append(out, &h)
	}
	return out, rows.Err()
}

// AddHumanMessage inserts a message into the human queue
func (s *Store) AddHumanMessage(ctx context.Context, m *types.HumanMessage) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	blocking := 0
	if m.Blocking {
		blocking = 1
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO human_messages (id, task_id, type, status, blocking, priority, body, response, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.TaskID, string(m.Type), string(m.Status), blocking, m.Priority, m.Body, m.Response, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to add human message: %w", err)
	}
	return nil
}

// UpdateHumanMessage updates a message's status and optional response
func (s *Store) UpdateHumanMessage(ctx context.Context, id string, status types.HumanMessageStatus, response string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE human_messages SET status = ?, response = ? WHERE id = ?",
		string(status), response, id)
	if err != nil {
		return fmt.Errorf("failed to update human message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListHumanMessages returns messages matching the filter, highest
// priority first, oldest first within a priority.
func (s *Store) ListHumanMessages(ctx context.Context, filter types.HumanMessageFilter) ([]*types.HumanMessage, error) {
	query := "SELECT id, task_id, type, status, blocking, priority, body, response, created_at FROM human_messages WHERE 1=1"
	var args []interface{}

	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if filter.Type != "" {
		query += " AND type = ?"
		args = append(args, string(filter.Type))
	}
	if filter.TaskID != 0 {
		query += " AND task_id = ?"
		args = append(args, filter.TaskID)
	}
	if filter.Blocking != nil {
		query += " AND blocking = ?"
		if *filter.Blocking {
			args = append(args, 1)
		} else {
			args = append(args, 0)
		}
	}
	query += " ORDER BY priority DESC, created_at ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list human messages: %w", err)
	}
	defer rows.Close()

	var out []*types.HumanMessage
	for rows.Next() {
		var m types.HumanMessage
		var blocking int
		var msgType, status string
		if err := rows.Scan(&m.ID, &m.TaskID, &msgType, &status, &blocking, &m.Priority, &m.Body, &m.Response, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan human message: %w", err)
		}
		m.Type = types.HumanMessageType(msgType)
		m.Status = types.HumanMessageStatus(status)
		m.Blocking = blocking != 0
		out = append(out, &m)
	}
	return out, rows.Err()
}

// RegisterInstance records a running orchestrator instance
func (s *Store) RegisterInstance(ctx context.Context, inst *types.OrchestratorInstance) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO instances (instance_id, hostname, pid, status, started_at, last_heartbeat, version)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, inst.InstanceID, inst.Hostname, inst.PID, inst.Status, inst.StartedAt.UTC(), inst.LastHeartbeat.UTC(), inst.Version)
	if err != nil {
		return fmt.Errorf("failed to register instance: %w", err)
	}
	return nil
}

// UpdateHeartbeat refreshes an instance's liveness timestamp
func (s *Store) UpdateHeartbeat(ctx context.Context, instanceID string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE instances SET last_heartbeat = ? WHERE instance_id = ?",
		time.Now().UTC(), instanceID)
	if err != nil {
		return fmt.Errorf("failed to update heartbeat: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check heartbeat result: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkInstanceStopped marks an instance as no longer running
func (s *Store) MarkInstanceStopped(ctx context.Context, instanceID string) error {
	if _, err := s.db.ExecContext(ctx,
		"UPDATE instances SET status = 'stopped' WHERE instance_id = ?", instanceID); err != nil {
		return fmt.Errorf("failed to mark instance stopped: %w", err)
	}
	return nil
}

// GetActiveInstances returns instances whose status is running
func (s *Store) GetActiveInstances(ctx context.Context) ([]*types.OrchestratorInstance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT instance_id, hostname, pid, status, started_at, last_heartbeat, version
		FROM instances WHERE status = 'running'
		ORDER BY started_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query instances: %w", err)
	}
	defer rows.Close()

	var out []*types.OrchestratorInstance
	for rows.Next() {
		var inst types.OrchestratorInstance
		if err := rows.Scan(&inst.InstanceID, &inst.Hostname, &inst.PID, &inst.Status,
			&inst.StartedAt, &inst.LastHeartbeat, &inst.Version); err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}
		out = append(out, &inst)
	}
	return out, rows.Err()
}

// PruneStoppedInstances deletes stopped instance rows older than the
// cutoff, always retaining the `keep` most recent as history. Returns
// the number of rows deleted.
func (s *Store) PruneStoppedInstances(ctx context.Context, olderThan time.Duration, keep int) (int, error) {
	if olderThan <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().Add(-olderThan)

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM instances
		WHERE status = 'stopped'
		  AND last_heartbeat < ?
		  AND instance_id NOT IN (
			SELECT instance_id FROM instances
			WHERE status = 'stopped'
			ORDER BY last_heartbeat DESC
			LIMIT ?
		  )
	`, cutoff, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune stopped instances: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count pruned instances: %w", err)
	}
	return int(n), nil
}

// GetConfig returns a config value. Returns ErrNotFound for a missing key.
func (s *Store) GetConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM config WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to query config: %w", err)
	}
	return value, nil
}

// SetConfig inserts or replaces a config value
func (s *Store) SetConfig(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set config: %w", err)
	}
	return nil
}

package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/a2aproject/a2a-go/a2a"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// SQLRepository implements Repository over database/sql, supporting the
// same three dialects the teacher's task store supports. One *sql.DB is
// shared across every table to avoid "database is locked" errors under
// SQLite, exactly as v2/task.SQLTaskStore documents.
type SQLRepository struct {
	db      *sql.DB
	dialect string
}

// NewSQLRepository opens the repository schema against an existing
// connection. dialect is one of "postgres", "mysql", "sqlite" ("sqlite3"
// is accepted and normalized).
func NewSQLRepository(db *sql.DB, dialect string) (*SQLRepository, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	normalized := dialect
	if dialect == "sqlite3" {
		normalized = "sqlite"
	}
	switch normalized {
	case "postgres", "mysql", "sqlite":
	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: postgres, mysql, sqlite)", dialect)
	}

	r := &SQLRepository{db: db, dialect: normalized}
	if err := r.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return r, nil
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS devices (
    device_id VARCHAR(255) PRIMARY KEY,
    name VARCHAR(255) NOT NULL,
    kind VARCHAR(255),
    source_ref TEXT,
    tools_json TEXT,
    keywords_json TEXT,
    system_prompt TEXT,
    liveness VARCHAR(32) NOT NULL,
    last_seen TIMESTAMP,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
)`

const tasksTableSQL = `
CREATE TABLE IF NOT EXISTS broker_tasks (
    id VARCHAR(255) PRIMARY KEY,
    context_id VARCHAR(255) NOT NULL,
    status_json TEXT NOT NULL,
    history_json TEXT,
    artifacts_json TEXT,
    metadata_json TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
)`

const tasksContextIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_broker_tasks_context_id ON broker_tasks(context_id)`

const pushConfigsTableSQL = `
CREATE TABLE IF NOT EXISTS push_configs (
    task_id VARCHAR(255) NOT NULL,
    config_id VARCHAR(255) NOT NULL,
    callback_url TEXT NOT NULL,
    secret_or_auth TEXT,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (task_id, config_id)
)`

const streamCursorsTableSQL = `
CREATE TABLE IF NOT EXISTS stream_cursors (
    device_id VARCHAR(255) PRIMARY KEY,
    seq BIGINT NOT NULL,
    updated_at TIMESTAMP NOT NULL
)`

const agentEndpointsTableSQL = `
CREATE TABLE IF NOT EXISTS agent_endpoints (
    agent_id VARCHAR(255) PRIMARY KEY,
    url TEXT NOT NULL,
    capability_tags_json TEXT,
    auth_ref TEXT,
    enabled BOOLEAN NOT NULL,
    last_success_at TIMESTAMP
)`

func (r *SQLRepository) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stmts := []string{
		schemaSQL, tasksTableSQL, tasksContextIndexSQL,
		pushConfigsTableSQL, streamCursorsTableSQL, agentEndpointsTableSQL,
	}
	for _, stmt := range stmts {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement: %w", err)
		}
	}
	return nil
}

func (r *SQLRepository) Close() error { return r.db.Close() }

// --- devices ---

func (r *SQLRepository) SaveDevice(ctx context.Context, d *Device) error {
	toolsJSON, err := json.Marshal(d.Tools)
	if err != nil {
		return fmt.Errorf("failed to marshal tools: %w", err)
	}
	keywordsJSON, err := json.Marshal(d.IntentKeywords)
	if err != nil {
		return fmt.Errorf("failed to marshal keywords: %w", err)
	}

	now := time.Now()
	query := `
INSERT INTO devices (device_id, name, kind, source_ref, tools_json, keywords_json, system_prompt, liveness, last_seen, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE
    name = VALUES(name), kind = VALUES(kind), source_ref = VALUES(source_ref),
    tools_json = VALUES(tools_json), keywords_json = VALUES(keywords_json),
    system_prompt = VALUES(system_prompt), liveness = VALUES(liveness),
    last_seen = VALUES(last_seen), updated_at = VALUES(updated_at)
`
	switch r.dialect {
	case "postgres":
		query = `
INSERT INTO devices (device_id, name, kind, source_ref, tools_json, keywords_json, system_prompt, liveness, last_seen, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (device_id) DO UPDATE SET
    name = EXCLUDED.name, kind = EXCLUDED.kind, source_ref = EXCLUDED.source_ref,
    tools_json = EXCLUDED.tools_json, keywords_json = EXCLUDED.keywords_json,
    system_prompt = EXCLUDED.system_prompt, liveness = EXCLUDED.liveness,
    last_seen = EXCLUDED.last_seen, updated_at = EXCLUDED.updated_at
`
	case "sqlite":
		query = `
INSERT INTO devices (device_id, name, kind, source_ref, tools_json, keywords_json, system_prompt, liveness, last_seen, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(device_id) DO UPDATE SET
    name = excluded.name, kind = excluded.kind, source_ref = excluded.source_ref,
    tools_json = excluded.tools_json, keywords_json = excluded.keywords_json,
    system_prompt = excluded.system_prompt, liveness = excluded.liveness,
    last_seen = excluded.last_seen, updated_at = excluded.updated_at
`
	}

	createdAt := d.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	_, err = r.db.ExecContext(ctx, query,
		d.DeviceID, d.Name, d.Kind, d.SourceRef, string(toolsJSON), string(keywordsJSON),
		d.SystemPrompt, d.Liveness, d.LastSeen, createdAt, now)
	if err != nil {
		return fmt.Errorf("failed to save device: %w", err)
	}
	return nil
}

func (r *SQLRepository) GetDevice(ctx context.Context, deviceID string) (*Device, error) {
	query := `SELECT device_id, name, kind, source_ref, tools_json, keywords_json, system_prompt, liveness, last_seen, created_at, updated_at FROM devices WHERE device_id = ?`
	if r.dialect == "postgres" {
		query = `SELECT device_id, name, kind, source_ref, tools_json, keywords_json, system_prompt, liveness, last_seen, created_at, updated_at FROM devices WHERE device_id = $1`
	}
	row := r.db.QueryRowContext(ctx, query, deviceID)
	d, err := scanDevice(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query device: %w", err)
	}
	return d, nil
}

func (r *SQLRepository) ListDevices(ctx context.Context) ([]*Device, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT device_id, name, kind, source_ref, tools_json, keywords_json, system_prompt, liveness, last_seen, created_at, updated_at FROM devices`)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer rows.Close()

	var out []*Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device row: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *SQLRepository) DeleteDevice(ctx context.Context, deviceID string) error {
	query := `DELETE FROM devices WHERE device_id = ?`
	if r.dialect == "postgres" {
		query = `DELETE FROM devices WHERE device_id = $1`
	}
	_, err := r.db.ExecContext(ctx, query, deviceID)
	if err != nil {
		return fmt.Errorf("failed to delete device: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*Device, error) {
	var d Device
	var toolsJSON, keywordsJSON sql.NullString
	var lastSeen sql.NullTime
	if err := row.Scan(&d.DeviceID, &d.Name, &d.Kind, &d.SourceRef, &toolsJSON, &keywordsJSON,
		&d.SystemPrompt, &d.Liveness, &lastSeen, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	if lastSeen.Valid {
		d.LastSeen = lastSeen.Time
	}
	if toolsJSON.Valid && toolsJSON.String != "" {
		if err := json.Unmarshal([]byte(toolsJSON.String), &d.Tools); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tools: %w", err)
		}
	}
	if keywordsJSON.Valid && keywordsJSON.String != "" {
		if err := json.Unmarshal([]byte(keywordsJSON.String), &d.IntentKeywords); err != nil {
			return nil, fmt.Errorf("failed to unmarshal keywords: %w", err)
		}
	}
	return &d, nil
}

// --- tasks (grounded directly on v2/task.SQLTaskStore's Save/Get idiom) ---

func (r *SQLRepository) SaveTask(ctx context.Context, t *a2a.Task) error {
	if t == nil {
		return fmt.Errorf("task is required")
	}

	statusJSON, err := json.Marshal(t.Status)
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}
	historyJSON, err := json.Marshal(t.History)
	if err != nil {
		return fmt.Errorf("failed to marshal history: %w", err)
	}
	artifactsJSON, err := json.Marshal(t.Artifacts)
	if err != nil {
		return fmt.Errorf("failed to marshal artifacts: %w", err)
	}
	metadataJSON, err := json.Marshal(t.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	now := time.Now()
	query := `
INSERT INTO broker_tasks (id, context_id, status_json, history_json, artifacts_json, metadata_json, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE
    context_id = VALUES(context_id), status_json = VALUES(status_json),
    history_json = VALUES(history_json), artifacts_json = VALUES(artifacts_json),
    metadata_json = VALUES(metadata_json), updated_at = VALUES(updated_at)
`
	switch r.dialect {
	case "postgres":
		query = `
INSERT INTO broker_tasks (id, context_id, status_json, history_json, artifacts_json, metadata_json, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (id) DO UPDATE SET
    context_id = EXCLUDED.context_id, status_json = EXCLUDED.status_json,
    history_json = EXCLUDED.history_json, artifacts_json = EXCLUDED.artifacts_json,
    metadata_json = EXCLUDED.metadata_json, updated_at = EXCLUDED.updated_at
`
	case "sqlite":
		query = `
INSERT INTO broker_tasks (id, context_id, status_json, history_json, artifacts_json, metadata_json, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    context_id = excluded.context_id, status_json = excluded.status_json,
    history_json = excluded.history_json, artifacts_json = excluded.artifacts_json,
    metadata_json = excluded.metadata_json, updated_at = excluded.updated_at
`
	}

	_, err = r.db.ExecContext(ctx, query, string(t.ID), t.ContextID, string(statusJSON),
		string(historyJSON), string(artifactsJSON), string(metadataJSON), now, now)
	if err != nil {
		return fmt.Errorf("failed to save task: %w", err)
	}
	return nil
}

func (r *SQLRepository) GetTask(ctx context.Context, taskID a2a.TaskID) (*a2a.Task, error) {
	query := `SELECT id, context_id, status_json, history_json, artifacts_json, metadata_json FROM broker_tasks WHERE id = ?`
	if r.dialect == "postgres" {
		query = `SELECT id, context_id, status_json, history_json, artifacts_json, metadata_json FROM broker_tasks WHERE id = $1`
	}
	row := r.db.QueryRowContext(ctx, query, string(taskID))
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		slog.Error("repository: query task failed", "taskID", taskID, "error", err)
		return nil, fmt.Errorf("failed to query task: %w", err)
	}
	return t, nil
}

func (r *SQLRepository) ListTasksByContext(ctx context.Context, contextID string) ([]*a2a.Task, error) {
	query := `SELECT id, context_id, status_json, history_json, artifacts_json, metadata_json FROM broker_tasks WHERE context_id = ?`
	if r.dialect == "postgres" {
		query = `SELECT id, context_id, status_json, history_json, artifacts_json, metadata_json FROM broker_tasks WHERE context_id = $1`
	}
	rows, err := r.db.QueryContext(ctx, query, contextID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks by context: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (r *SQLRepository) ListTasks(ctx context.Context, limit int) ([]*a2a.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, context_id, status_json, history_json, artifacts_json, metadata_json FROM broker_tasks ORDER BY updated_at DESC LIMIT ?`
	if r.dialect == "postgres" {
		query = `SELECT id, context_id, status_json, history_json, artifacts_json, metadata_json FROM broker_tasks ORDER BY updated_at DESC LIMIT $1`
	}
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

func scanTasks(rows *sql.Rows) ([]*a2a.Task, error) {
	var out []*a2a.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task row: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTask(row rowScanner) (*a2a.Task, error) {
	var id, contextID, statusJSON string
	var historyJSON, artifactsJSON, metadataJSON sql.NullString
	if err := row.Scan(&id, &contextID, &statusJSON, &historyJSON, &artifactsJSON, &metadataJSON); err != nil {
		return nil, err
	}

	t := &a2a.Task{ID: a2a.TaskID(id), ContextID: contextID}
	if err := json.Unmarshal([]byte(statusJSON), &t.Status); err != nil {
		return nil, fmt.Errorf("failed to unmarshal status: %w", err)
	}
	if historyJSON.Valid && historyJSON.String != "" && historyJSON.String != "[]" {
		if err := json.Unmarshal([]byte(historyJSON.String), &t.History); err != nil {
			return nil, fmt.Errorf("failed to unmarshal history: %w", err)
		}
	}
	if artifactsJSON.Valid && artifactsJSON.String != "" && artifactsJSON.String != "[]" {
		if err := json.Unmarshal([]byte(artifactsJSON.String), &t.Artifacts); err != nil {
			return nil, fmt.Errorf("failed to unmarshal artifacts: %w", err)
		}
	}
	if metadataJSON.Valid && metadataJSON.String != "" && metadataJSON.String != "{}" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &t.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return t, nil
}

// --- push configs ---

func (r *SQLRepository) SavePushConfig(ctx context.Context, cfg *PushConfig) error {
	now := time.Now()
	query := `
INSERT INTO push_configs (task_id, config_id, callback_url, secret_or_auth, created_at)
VALUES (?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE callback_url = VALUES(callback_url), secret_or_auth = VALUES(secret_or_auth)
`
	switch r.dialect {
	case "postgres":
		query = `
INSERT INTO push_configs (task_id, config_id, callback_url, secret_or_auth, created_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (task_id, config_id) DO UPDATE SET callback_url = EXCLUDED.callback_url, secret_or_auth = EXCLUDED.secret_or_auth
`
	case "sqlite":
		query = `
INSERT INTO push_configs (task_id, config_id, callback_url, secret_or_auth, created_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(task_id, config_id) DO UPDATE SET callback_url = excluded.callback_url, secret_or_auth = excluded.secret_or_auth
`
	}
	_, err := r.db.ExecContext(ctx, query, cfg.TaskID, cfg.ConfigID, cfg.CallbackURL, cfg.SecretOrAuth, now)
	if err != nil {
		return fmt.Errorf("failed to save push config: %w", err)
	}
	return nil
}

func (r *SQLRepository) GetPushConfig(ctx context.Context, taskID, configID string) (*PushConfig, error) {
	query := `SELECT task_id, config_id, callback_url, secret_or_auth, created_at FROM push_configs WHERE task_id = ? AND config_id = ?`
	if r.dialect == "postgres" {
		query = `SELECT task_id, config_id, callback_url, secret_or_auth, created_at FROM push_configs WHERE task_id = $1 AND config_id = $2`
	}
	var cfg PushConfig
	err := r.db.QueryRowContext(ctx, query, taskID, configID).Scan(
		&cfg.TaskID, &cfg.ConfigID, &cfg.CallbackURL, &cfg.SecretOrAuth, &cfg.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query push config: %w", err)
	}
	return &cfg, nil
}

func (r *SQLRepository) ListPushConfigs(ctx context.Context, taskID string) ([]*PushConfig, error) {
	query := `SELECT task_id, config_id, callback_url, secret_or_auth, created_at FROM push_configs WHERE task_id = ?`
	if r.dialect == "postgres" {
		query = `SELECT task_id, config_id, callback_url, secret_or_auth, created_at FROM push_configs WHERE task_id = $1`
	}
	rows, err := r.db.QueryContext(ctx, query, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list push configs: %w", err)
	}
	defer rows.Close()

	var out []*PushConfig
	for rows.Next() {
		var cfg PushConfig
		if err := rows.Scan(&cfg.TaskID, &cfg.ConfigID, &cfg.CallbackURL, &cfg.SecretOrAuth, &cfg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan push config: %w", err)
		}
		out = append(out, &cfg)
	}
	return out, rows.Err()
}

func (r *SQLRepository) DeletePushConfig(ctx context.Context, taskID, configID string) error {
	query := `DELETE FROM push_configs WHERE task_id = ? AND config_id = ?`
	if r.dialect == "postgres" {
		query = `DELETE FROM push_configs WHERE task_id = $1 AND config_id = $2`
	}
	_, err := r.db.ExecContext(ctx, query, taskID, configID)
	if err != nil {
		return fmt.Errorf("failed to delete push config: %w", err)
	}
	return nil
}

// --- stream cursors (scan loop high-water marks, Open Question #1) ---

func (r *SQLRepository) SaveStreamCursor(ctx context.Context, deviceID string, seq uint64) error {
	now := time.Now()
	query := `
INSERT INTO stream_cursors (device_id, seq, updated_at)
VALUES (?, ?, ?)
ON DUPLICATE KEY UPDATE seq = VALUES(seq), updated_at = VALUES(updated_at)
`
	switch r.dialect {
	case "postgres":
		query = `
INSERT INTO stream_cursors (device_id, seq, updated_at)
VALUES ($1, $2, $3)
ON CONFLICT (device_id) DO UPDATE SET seq = EXCLUDED.seq, updated_at = EXCLUDED.updated_at
`
	case "sqlite":
		query = `
INSERT INTO stream_cursors (device_id, seq, updated_at)
VALUES (?, ?, ?)
ON CONFLICT(device_id) DO UPDATE SET seq = excluded.seq, updated_at = excluded.updated_at
`
	}
	_, err := r.db.ExecContext(ctx, query, deviceID, seq, now)
	if err != nil {
		return fmt.Errorf("failed to save stream cursor: %w", err)
	}
	return nil
}

func (r *SQLRepository) GetStreamCursor(ctx context.Context, deviceID string) (uint64, error) {
	query := `SELECT seq FROM stream_cursors WHERE device_id = ?`
	if r.dialect == "postgres" {
		query = `SELECT seq FROM stream_cursors WHERE device_id = $1`
	}
	var seq uint64
	err := r.db.QueryRowContext(ctx, query, deviceID).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to query stream cursor: %w", err)
	}
	return seq, nil
}

// --- agent endpoints ---

func (r *SQLRepository) SaveAgentEndpoint(ctx context.Context, e *AgentEndpoint) error {
	tagsJSON, err := json.Marshal(e.CapabilityTags)
	if err != nil {
		return fmt.Errorf("failed to marshal capability tags: %w", err)
	}
	query := `
INSERT INTO agent_endpoints (agent_id, url, capability_tags_json, auth_ref, enabled, last_success_at)
VALUES (?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE url = VALUES(url), capability_tags_json = VALUES(capability_tags_json),
    auth_ref = VALUES(auth_ref), enabled = VALUES(enabled), last_success_at = VALUES(last_success_at)
`
	switch r.dialect {
	case "postgres":
		query = `
INSERT INTO agent_endpoints (agent_id, url, capability_tags_json, auth_ref, enabled, last_success_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (agent_id) DO UPDATE SET url = EXCLUDED.url, capability_tags_json = EXCLUDED.capability_tags_json,
    auth_ref = EXCLUDED.auth_ref, enabled = EXCLUDED.enabled, last_success_at = EXCLUDED.last_success_at
`
	case "sqlite":
		query = `
INSERT INTO agent_endpoints (agent_id, url, capability_tags_json, auth_ref, enabled, last_success_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(agent_id) DO UPDATE SET url = excluded.url, capability_tags_json = excluded.capability_tags_json,
    auth_ref = excluded.auth_ref, enabled = excluded.enabled, last_success_at = excluded.last_success_at
`
	}
	var lastSuccess any
	if !e.LastSuccessAt.IsZero() {
		lastSuccess = e.LastSuccessAt
	}
	_, err = r.db.ExecContext(ctx, query, e.AgentID, e.URL, string(tagsJSON), e.AuthRef, e.Enabled, lastSuccess)
	if err != nil {
		return fmt.Errorf("failed to save agent endpoint: %w", err)
	}
	return nil
}

func (r *SQLRepository) GetAgentEndpoint(ctx context.Context, agentID string) (*AgentEndpoint, error) {
	query := `SELECT agent_id, url, capability_tags_json, auth_ref, enabled, last_success_at FROM agent_endpoints WHERE agent_id = ?`
	if r.dialect == "postgres" {
		query = `SELECT agent_id, url, capability_tags_json, auth_ref, enabled, last_success_at FROM agent_endpoints WHERE agent_id = $1`
	}
	row := r.db.QueryRowContext(ctx, query, agentID)
	e, err := scanAgentEndpoint(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query agent endpoint: %w", err)
	}
	return e, nil
}

func (r *SQLRepository) ListAgentEndpoints(ctx context.Context) ([]*AgentEndpoint, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT agent_id, url, capability_tags_json, auth_ref, enabled, last_success_at FROM agent_endpoints`)
	if err != nil {
		return nil, fmt.Errorf("failed to list agent endpoints: %w", err)
	}
	defer rows.Close()

	var out []*AgentEndpoint
	for rows.Next() {
		e, err := scanAgentEndpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent endpoint: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *SQLRepository) DeleteAgentEndpoint(ctx context.Context, agentID string) error {
	query := `DELETE FROM agent_endpoints WHERE agent_id = ?`
	if r.dialect == "postgres" {
		query = `DELETE FROM agent_endpoints WHERE agent_id = $1`
	}
	_, err := r.db.ExecContext(ctx, query, agentID)
	if err != nil {
		return fmt.Errorf("failed to delete agent endpoint: %w", err)
	}
	return nil
}

func scanAgentEndpoint(row rowScanner) (*AgentEndpoint, error) {
	var e AgentEndpoint
	var tagsJSON sql.NullString
	var lastSuccess sql.NullTime
	if err := row.Scan(&e.AgentID, &e.URL, &tagsJSON, &e.AuthRef, &e.Enabled, &lastSuccess); err != nil {
		return nil, err
	}
	if lastSuccess.Valid {
		e.LastSuccessAt = lastSuccess.Time
	}
	if tagsJSON.Valid && tagsJSON.String != "" {
		if err := json.Unmarshal([]byte(tagsJSON.String), &e.CapabilityTags); err != nil {
			return nil, fmt.Errorf("failed to unmarshal capability tags: %w", err)
		}
	}
	return &e, nil
}

var _ Repository = (*SQLRepository)(nil)

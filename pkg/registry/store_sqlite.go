// SQLite-backed durable store.
//
// SQLiteStore persists servers, tool catalogs, intent configuration,
// execution history and users in a single database file. It is the
// default backend for single-node deployments.
//
// For multi-node deployments, use PostgresStore instead.
package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGo)
)

// SQLiteStore implements the Store interface with SQLite persistence.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath. Use
// ":memory:" for an in-memory database (testing).
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dsn := dbPath
	if dbPath != ":memory:" {
		dsn = dbPath + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}

	if dbPath == ":memory:" {
		// Every pool connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent read performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return store, nil
}

// migrate creates or updates the database schema.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS servers (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			transport TEXT NOT NULL DEFAULT 'stdio',
			command TEXT NOT NULL DEFAULT '',
			args TEXT NOT NULL DEFAULT '[]',
			env TEXT NOT NULL DEFAULT '{}',
			url TEXT NOT NULL DEFAULT '',
			headers TEXT NOT NULL DEFAULT '{}',
			enabled INTEGER NOT NULL DEFAULT 1,
			status TEXT NOT NULL DEFAULT 'inactive',
			error_message TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tools (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			server_id TEXT NOT NULL,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			input_schema TEXT NOT NULL DEFAULT '{}',
			output_schema TEXT NOT NULL DEFAULT '{}',
			category TEXT NOT NULL DEFAULT '',
			tags TEXT NOT NULL DEFAULT '[]',
			intent_patterns TEXT NOT NULL DEFAULT '[]',
			enabled INTEGER NOT NULL DEFAULT 1,
			timeout_seconds INTEGER NOT NULL DEFAULT 60,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			UNIQUE(server_id, name)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tools_name ON tools(name)`,
		`CREATE INDEX IF NOT EXISTS idx_tools_server ON tools(server_id)`,
		`CREATE TABLE IF NOT EXISTS intent_overrides (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			pattern TEXT NOT NULL,
			pattern_type TEXT NOT NULL DEFAULT 'regex',
			target_intent TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			enabled INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL,
			UNIQUE(pattern, target_intent)
		)`,
		`CREATE TABLE IF NOT EXISTS rules (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			description TEXT NOT NULL DEFAULT '',
			logic TEXT NOT NULL DEFAULT '{}',
			rule_type TEXT NOT NULL DEFAULT 'security',
			decision TEXT NOT NULL DEFAULT 'allow',
			modifications TEXT NOT NULL DEFAULT '{}',
			priority INTEGER NOT NULL DEFAULT 0,
			enabled INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS training_samples (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			text TEXT NOT NULL,
			intent TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT 'manual',
			confidence_weight REAL NOT NULL DEFAULT 1.0,
			is_validated INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL DEFAULT '',
			session_id TEXT NOT NULL DEFAULT '',
			tool_name TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT '',
			record TEXT NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_exec_user ON executions(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_exec_tool ON executions(tool_name)`,
		`CREATE INDEX IF NOT EXISTS idx_exec_created ON executions(created_at)`,
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL UNIQUE,
			email TEXT NOT NULL DEFAULT '',
			password_hash TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'user',
			is_active INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL,
			last_login_at DATETIME
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ------------------------------------------------------------------
// Tool servers
// ------------------------------------------------------------------

func (s *SQLiteStore) UpsertServer(ctx context.Context, srv *ServerRecord) error {
	now := time.Now().UTC()
	created := srv.CreatedAt
	if created.IsZero() {
		created = now
	}
	status := srv.Status
	if status == "" {
		status = ServerStatusInactive
	}
	argsJSON, _ := json.Marshal(orEmptySlice(srv.Args))
	envJSON, _ := json.Marshal(orEmptyMap(srv.Env))
	headersJSON, _ := json.Marshal(orEmptyMap(srv.Headers))

	// Status and error_message survive upserts; they only change via
	// SetServerStatus.
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO servers (id, name, description, transport, command, args, env, url, headers, enabled, status, error_message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, description=excluded.description, transport=excluded.transport,
			command=excluded.command, args=excluded.args, env=excluded.env,
			url=excluded.url, headers=excluded.headers, enabled=excluded.enabled,
			updated_at=excluded.updated_at
	`, srv.ID, srv.Name, srv.Description, srv.Transport, srv.Command,
		string(argsJSON), string(envJSON), srv.URL, string(headersJSON),
		srv.Enabled, string(status), srv.ErrorMessage, created, now)
	return err
}

func (s *SQLiteStore) GetServer(ctx context.Context, id string) (*ServerRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, transport, command, args, env, url, headers, enabled, status, error_message, created_at, updated_at
		 FROM servers WHERE id = ?`, id)
	return scanServer(row)
}

func (s *SQLiteStore) ListServers(ctx context.Context, enabledOnly bool) ([]*ServerRecord, error) {
	query := `SELECT id, name, description, transport, command, args, env, url, headers, enabled, status, error_message, created_at, updated_at FROM servers`
	if enabledOnly {
		query += " WHERE enabled = 1"
	}
	query += " ORDER BY id"
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanServers(rows)
}

func (s *SQLiteStore) SetServerStatus(ctx context.Context, id string, status ServerStatus, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE servers SET status = ?, error_message = ?, updated_at = ? WHERE id = ?",
		string(status), errMsg, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("server %q: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) DeleteServer(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, "DELETE FROM tools WHERE server_id = ?", id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM servers WHERE id = ?", id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("server %q: %w", id, ErrNotFound)
	}
	return tx.Commit()
}

// ------------------------------------------------------------------
// Tool catalog
// ------------------------------------------------------------------

const toolColumns = `id, server_id, name, description, input_schema, output_schema, category, tags, intent_patterns, enabled, timeout_seconds, created_at, updated_at`

func (s *SQLiteStore) UpsertTool(ctx context.Context, tool *ToolRecord) error {
	now := time.Now().UTC()
	created := tool.CreatedAt
	if created.IsZero() {
		created = now
	}
	timeout := tool.TimeoutSeconds
	if timeout <= 0 {
		timeout = 60
	}
	inJSON, _ := json.Marshal(orEmptyAnyMap(tool.InputSchema))
	outJSON, _ := json.Marshal(orEmptyAnyMap(tool.OutputSchema))
	tagsJSON, _ := json.Marshal(orEmptySlice(tool.Tags))
	patternsJSON, _ := json.Marshal(orEmptySlice(tool.IntentPatterns))

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tools (server_id, name, description, input_schema, output_schema, category, tags, intent_patterns, enabled, timeout_seconds, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(server_id, name) DO UPDATE SET
			description=excluded.description, input_schema=excluded.input_schema,
			output_schema=excluded.output_schema, category=excluded.category,
			tags=excluded.tags, intent_patterns=excluded.intent_patterns,
			enabled=excluded.enabled, timeout_seconds=excluded.timeout_seconds,
			updated_at=excluded.updated_at
	`, tool.ServerID, tool.Name, tool.Description, string(inJSON), string(outJSON),
		tool.Category, string(tagsJSON), string(patternsJSON), tool.Enabled,
		timeout, created, now)
	return err
}

func (s *SQLiteStore) GetTool(ctx context.Context, name string) (*ToolRecord, error) {
	// When several servers expose the same tool name the lowest
	// server id wins, so lookups stay deterministic.
	row := s.db.QueryRowContext(ctx,
		`SELECT `+toolColumns+` FROM tools WHERE name = ? ORDER BY server_id LIMIT 1`, name)
	tool, err := scanTool(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("tool %q: %w", name, ErrNotFound)
	}
	return tool, err
}

func (s *SQLiteStore) ListTools(ctx context.Context, f ToolFilter) ([]*ToolRecord, error) {
	query := `SELECT ` + toolColumns + ` FROM tools WHERE 1=1`
	var args []any
	if f.ServerID != "" {
		query += " AND server_id = ?"
		args = append(args, f.ServerID)
	}
	if f.Category != "" {
		query += " AND category = ?"
		args = append(args, f.Category)
	}
	if f.EnabledOnly {
		query += " AND enabled = 1"
	}
	query += " ORDER BY name, server_id"
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTools(rows)
}

func (s *SQLiteStore) DeleteToolsForServer(ctx context.Context, serverID string) (int, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM tools WHERE server_id = ?", serverID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) ReplaceCatalog(ctx context.Context, serverID string, tools []*ToolRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM tools WHERE server_id = ?", serverID); err != nil {
		return fmt.Errorf("clear catalog: %w", err)
	}
	now := time.Now().UTC()
	for _, tool := range tools {
		timeout := tool.TimeoutSeconds
		if timeout <= 0 {
			timeout = 60
		}
		inJSON, _ := json.Marshal(orEmptyAnyMap(tool.InputSchema))
		outJSON, _ := json.Marshal(orEmptyAnyMap(tool.OutputSchema))
		tagsJSON, _ := json.Marshal(orEmptySlice(tool.Tags))
		patternsJSON, _ := json.Marshal(orEmptySlice(tool.IntentPatterns))
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tools (server_id, name, description, input_schema, output_schema, category, tags, intent_patterns, enabled, timeout_seconds, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, serverID, tool.Name, tool.Description, string(inJSON), string(outJSON),
			tool.Category, string(tagsJSON), string(patternsJSON), tool.Enabled,
			timeout, now, now); err != nil {
			return fmt.Errorf("insert tool %s: %w", tool.Name, err)
		}
	}
	return tx.Commit()
}

// ------------------------------------------------------------------
// Intent configuration
// ------------------------------------------------------------------

func (s *SQLiteStore) ListOverrides(ctx context.Context, enabledOnly bool) ([]*OverrideRecord, error) {
	query := `SELECT id, pattern, pattern_type, target_intent, priority, enabled, created_at FROM intent_overrides`
	if enabledOnly {
		query += " WHERE enabled = 1"
	}
	// Equal priorities keep insertion order.
	query += " ORDER BY priority DESC, id ASC"
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*OverrideRecord
	for rows.Next() {
		o, err := scanOverride(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpsertOverride(ctx context.Context, o *OverrideRecord) error {
	created := o.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	patternType := o.PatternType
	if patternType == "" {
		patternType = "regex"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO intent_overrides (pattern, pattern_type, target_intent, priority, enabled, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(pattern, target_intent) DO UPDATE SET
			pattern_type=excluded.pattern_type, priority=excluded.priority, enabled=excluded.enabled
	`, o.Pattern, patternType, o.TargetIntent, o.Priority, o.Enabled, created)
	return err
}

func (s *SQLiteStore) ListRules(ctx context.Context, kind string, enabledOnly bool) ([]*RuleRecord, error) {
	query := `SELECT id, name, description, logic, rule_type, decision, modifications, priority, enabled, created_at, updated_at FROM rules WHERE 1=1`
	var args []any
	if kind != "" {
		query += " AND rule_type = ?"
		args = append(args, kind)
	}
	if enabledOnly {
		query += " AND enabled = 1"
	}
	query += " ORDER BY priority DESC, id ASC"
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*RuleRecord
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpsertRule(ctx context.Context, r *RuleRecord) error {
	now := time.Now().UTC()
	created := r.CreatedAt
	if created.IsZero() {
		created = now
	}
	kind := r.Kind
	if kind == "" {
		kind = "security"
	}
	decision := r.Decision
	if decision == "" {
		decision = "allow"
	}
	logicJSON, _ := json.Marshal(orEmptyAnyMap(r.Logic))
	modsJSON, _ := json.Marshal(orEmptyAnyMap(r.Modifications))
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rules (name, description, logic, rule_type, decision, modifications, priority, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			description=excluded.description, logic=excluded.logic,
			rule_type=excluded.rule_type, decision=excluded.decision,
			modifications=excluded.modifications, priority=excluded.priority,
			enabled=excluded.enabled, updated_at=excluded.updated_at
	`, r.Name, r.Description, string(logicJSON), kind, decision, string(modsJSON), r.Priority, r.Enabled, created, now)
	return err
}

func (s *SQLiteStore) AddTrainingSample(ctx context.Context, sample *TrainingSample) error {
	created := sample.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	source := sample.Source
	if source == "" {
		source = "manual"
	}
	weight := sample.ConfidenceWeight
	if weight == 0 {
		weight = 1.0
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO training_samples (text, intent, source, confidence_weight, is_validated, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, sample.Text, sample.Intent, source, weight, sample.IsValidated, created)
	return err
}

func (s *SQLiteStore) ListTrainingSamples(ctx context.Context, validatedOnly bool) ([]*TrainingSample, error) {
	query := `SELECT id, text, intent, source, confidence_weight, is_validated, created_at FROM training_samples`
	if validatedOnly {
		query += " WHERE is_validated = 1"
	}
	query += " ORDER BY id"
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*TrainingSample
	for rows.Next() {
		sm, err := scanSample(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sm)
	}
	return out, rows.Err()
}

// ------------------------------------------------------------------
// Execution history
// ------------------------------------------------------------------

func (s *SQLiteStore) RecordExecution(ctx context.Context, rec *ExecutionRecord) error {
	created := rec.StartedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	recJSON, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal execution: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO executions (id, user_id, session_id, tool_name, status, record, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			tool_name=excluded.tool_name, status=excluded.status, record=excluded.record
	`, rec.ID, rec.UserID, rec.SessionID, rec.ToolName, string(rec.Status), string(recJSON), created.UTC())
	return err
}

func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*ExecutionRecord, error) {
	var recJSON string
	err := s.db.QueryRowContext(ctx, "SELECT record FROM executions WHERE id = ?", id).Scan(&recJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("execution %q: %w", id, ErrNotFound)
		}
		return nil, err
	}
	var rec ExecutionRecord
	if err := json.Unmarshal([]byte(recJSON), &rec); err != nil {
		return nil, fmt.Errorf("unmarshal execution: %w", err)
	}
	return &rec, nil
}

func (s *SQLiteStore) ListExecutions(ctx context.Context, opts ListExecutionsOptions) ([]*ExecutionRecord, error) {
	query := "SELECT record FROM executions WHERE 1=1"
	var args []any
	if opts.UserID != "" {
		query += " AND user_id = ?"
		args = append(args, opts.UserID)
	}
	if opts.ToolName != "" {
		query += " AND tool_name = ?"
		args = append(args, opts.ToolName)
	}
	if opts.Status != "" {
		query += " AND status = ?"
		args = append(args, string(opts.Status))
	}
	if !opts.Since.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, opts.Since.UTC())
	}
	query += " ORDER BY created_at DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	} else if opts.Offset > 0 {
		// SQLite has no bare OFFSET; LIMIT -1 means unbounded.
		query += " LIMIT -1"
	}
	if opts.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ExecutionRecord
	for rows.Next() {
		var recJSON string
		if err := rows.Scan(&recJSON); err != nil {
			return nil, err
		}
		var rec ExecutionRecord
		if err := json.Unmarshal([]byte(recJSON), &rec); err != nil {
			return nil, err
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CountExecutions(ctx context.Context, opts ListExecutionsOptions) (int, error) {
	query := "SELECT COUNT(*) FROM executions WHERE 1=1"
	var args []any
	if opts.UserID != "" {
		query += " AND user_id = ?"
		args = append(args, opts.UserID)
	}
	if opts.ToolName != "" {
		query += " AND tool_name = ?"
		args = append(args, opts.ToolName)
	}
	if opts.Status != "" {
		query += " AND status = ?"
		args = append(args, string(opts.Status))
	}
	if !opts.Since.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, opts.Since.UTC())
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// ------------------------------------------------------------------
// Accounts
// ------------------------------------------------------------------

func (s *SQLiteStore) CreateUser(ctx context.Context, u *UserRecord) error {
	created := u.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	role := u.Role
	if role == "" {
		role = "user"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, email, password_hash, role, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, u.ID, u.Username, u.Email, u.PasswordHash, role, u.IsActive, created)
	if err != nil {
		return fmt.Errorf("create user %s: %w", u.Username, err)
	}
	return nil
}

func (s *SQLiteStore) GetUserByName(ctx context.Context, username string) (*UserRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, email, password_hash, role, is_active, created_at, last_login_at FROM users WHERE username = ?`,
		username)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %q: %w", username, ErrNotFound)
	}
	return u, err
}

func (s *SQLiteStore) TouchUserLogin(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "UPDATE users SET last_login_at = ? WHERE id = ?", time.Now().UTC(), id)
	return err
}

// ------------------------------------------------------------------
// Scan helpers (shared with the PostgreSQL backend)
// ------------------------------------------------------------------

type scanner interface {
	Scan(dest ...any) error
}

func scanServer(row scanner) (*ServerRecord, error) {
	var srv ServerRecord
	var argsJSON, envJSON, headersJSON, statusStr string
	err := row.Scan(&srv.ID, &srv.Name, &srv.Description, &srv.Transport, &srv.Command,
		&argsJSON, &envJSON, &srv.URL, &headersJSON, &srv.Enabled,
		&statusStr, &srv.ErrorMessage, &srv.CreatedAt, &srv.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("server: %w", ErrNotFound)
		}
		return nil, err
	}
	srv.Status = ServerStatus(statusStr)
	json.Unmarshal([]byte(argsJSON), &srv.Args)
	json.Unmarshal([]byte(envJSON), &srv.Env)
	json.Unmarshal([]byte(headersJSON), &srv.Headers)
	return &srv, nil
}

func scanServers(rows *sql.Rows) ([]*ServerRecord, error) {
	var out []*ServerRecord
	for rows.Next() {
		srv, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, srv)
	}
	return out, rows.Err()
}

func scanTool(row scanner) (*ToolRecord, error) {
	var t ToolRecord
	var inJSON, outJSON, tagsJSON, patternsJSON string
	err := row.Scan(&t.ID, &t.ServerID, &t.Name, &t.Description, &inJSON, &outJSON,
		&t.Category, &tagsJSON, &patternsJSON, &t.Enabled, &t.TimeoutSeconds,
		&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	json.Unmarshal([]byte(inJSON), &t.InputSchema)
	json.Unmarshal([]byte(outJSON), &t.OutputSchema)
	json.Unmarshal([]byte(tagsJSON), &t.Tags)
	json.Unmarshal([]byte(patternsJSON), &t.IntentPatterns)
	if t.InputSchema == nil {
		t.InputSchema = make(map[string]any)
	}
	return &t, nil
}

func scanTools(rows *sql.Rows) ([]*ToolRecord, error) {
	var out []*ToolRecord
	for rows.Next() {
		t, err := scanTool(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanOverride(row scanner) (*OverrideRecord, error) {
	var o OverrideRecord
	err := row.Scan(&o.ID, &o.Pattern, &o.PatternType, &o.TargetIntent,
		&o.Priority, &o.Enabled, &o.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func scanRule(row scanner) (*RuleRecord, error) {
	var r RuleRecord
	var logicJSON, modsJSON string
	err := row.Scan(&r.ID, &r.Name, &r.Description, &logicJSON, &r.Kind,
		&r.Decision, &modsJSON, &r.Priority, &r.Enabled, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	json.Unmarshal([]byte(logicJSON), &r.Logic)
	if modsJSON != "" && modsJSON != "{}" {
		json.Unmarshal([]byte(modsJSON), &r.Modifications)
	}
	return &r, nil
}

func scanSample(row scanner) (*TrainingSample, error) {
	var ts TrainingSample
	err := row.Scan(&ts.ID, &ts.Text, &ts.Intent, &ts.Source,
		&ts.ConfidenceWeight, &ts.IsValidated, &ts.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &ts, nil
}

func scanUser(row scanner) (*UserRecord, error) {
	var u UserRecord
	var lastLogin sql.NullTime
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.Role,
		&u.IsActive, &u.CreatedAt, &lastLogin)
	if err != nil {
		return nil, err
	}
	if lastLogin.Valid {
		u.LastLoginAt = lastLogin.Time
	}
	return &u, nil
}

func orEmptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func orEmptyMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func orEmptyAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// PostgreSQL-backed durable store.
//
// PostgresStore implements the Store interface with PostgreSQL for
// deployments where several gateway instances share one database.
// See store_sqlite.go for the scan helpers both backends use.
package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// PostgresStore implements the Store interface with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// PostgresConfig holds connection parameters for PostgreSQL.
type PostgresConfig struct {
	Host     string `json:"host"     env:"TOOLGATE_PG_HOST"`
	Port     int    `json:"port"     env:"TOOLGATE_PG_PORT"`
	User     string `json:"user"     env:"TOOLGATE_PG_USER"`
	Password string `json:"password" env:"TOOLGATE_PG_PASSWORD"`
	Database string `json:"database" env:"TOOLGATE_PG_DATABASE"`
	SSLMode  string `json:"ssl_mode" env:"TOOLGATE_PG_SSLMODE"` // "disable", "require", "verify-full"
}

// DSN returns a PostgreSQL connection string.
func (c PostgresConfig) DSN() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "require"
	}
	port := c.Port
	if port == 0 {
		port = 5432
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, port, c.User, c.Password, c.Database, sslMode)
}

// NewPostgresStore opens a pooled connection and runs migrations.
func NewPostgresStore(cfg PostgresConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &PostgresStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return store, nil
}

// migrate creates or updates the database schema.
func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS servers (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			transport TEXT NOT NULL DEFAULT 'stdio',
			command TEXT NOT NULL DEFAULT '',
			args JSONB NOT NULL DEFAULT '[]',
			env JSONB NOT NULL DEFAULT '{}',
			url TEXT NOT NULL DEFAULT '',
			headers JSONB NOT NULL DEFAULT '{}',
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			status TEXT NOT NULL DEFAULT 'inactive',
			error_message TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tools (
			id BIGSERIAL PRIMARY KEY,
			server_id TEXT NOT NULL,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			input_schema JSONB NOT NULL DEFAULT '{}',
			output_schema JSONB NOT NULL DEFAULT '{}',
			category TEXT NOT NULL DEFAULT '',
			tags JSONB NOT NULL DEFAULT '[]',
			intent_patterns JSONB NOT NULL DEFAULT '[]',
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			timeout_seconds INTEGER NOT NULL DEFAULT 60,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			UNIQUE(server_id, name)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tools_name ON tools(name)`,
		`CREATE INDEX IF NOT EXISTS idx_tools_server ON tools(server_id)`,
		`CREATE TABLE IF NOT EXISTS intent_overrides (
			id BIGSERIAL PRIMARY KEY,
			pattern TEXT NOT NULL,
			pattern_type TEXT NOT NULL DEFAULT 'regex',
			target_intent TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL,
			UNIQUE(pattern, target_intent)
		)`,
		`CREATE TABLE IF NOT EXISTS rules (
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			description TEXT NOT NULL DEFAULT '',
			logic JSONB NOT NULL DEFAULT '{}',
			rule_type TEXT NOT NULL DEFAULT 'security',
			decision TEXT NOT NULL DEFAULT 'allow',
			modifications JSONB NOT NULL DEFAULT '{}',
			priority INTEGER NOT NULL DEFAULT 0,
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS training_samples (
			id BIGSERIAL PRIMARY KEY,
			text TEXT NOT NULL,
			intent TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT 'manual',
			confidence_weight DOUBLE PRECISION NOT NULL DEFAULT 1.0,
			is_validated BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL DEFAULT '',
			session_id TEXT NOT NULL DEFAULT '',
			tool_name TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT '',
			record JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_exec_user ON executions(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_exec_tool ON executions(tool_name)`,
		`CREATE INDEX IF NOT EXISTS idx_exec_created ON executions(created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL UNIQUE,
			email TEXT NOT NULL DEFAULT '',
			password_hash TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'user',
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL,
			last_login_at TIMESTAMPTZ
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// ------------------------------------------------------------------
// Tool servers
// ------------------------------------------------------------------

func (s *PostgresStore) UpsertServer(ctx context.Context, srv *ServerRecord) error {
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

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO servers (id, name, description, transport, command, args, env, url, headers, enabled, status, error_message, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT(id) DO UPDATE SET
			name=EXCLUDED.name, description=EXCLUDED.description, transport=EXCLUDED.transport,
			command=EXCLUDED.command, args=EXCLUDED.args, env=EXCLUDED.env,
			url=EXCLUDED.url, headers=EXCLUDED.headers, enabled=EXCLUDED.enabled,
			updated_at=EXCLUDED.updated_at
	`, srv.ID, srv.Name, srv.Description, srv.Transport, srv.Command,
		string(argsJSON), string(envJSON), srv.URL, string(headersJSON),
		srv.Enabled, string(status), srv.ErrorMessage, created, now)
	return err
}

func (s *PostgresStore) GetServer(ctx context.Context, id string) (*ServerRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, transport, command, args, env, url, headers, enabled, status, error_message, created_at, updated_at
		 FROM servers WHERE id = $1`, id)
	return scanServer(row)
}

func (s *PostgresStore) ListServers(ctx context.Context, enabledOnly bool) ([]*ServerRecord, error) {
	query := `SELECT id, name, description, transport, command, args, env, url, headers, enabled, status, error_message, created_at, updated_at FROM servers`
	if enabledOnly {
		query += " WHERE enabled = TRUE"
	}
	query += " ORDER BY id"
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanServers(rows)
}

func (s *PostgresStore) SetServerStatus(ctx context.Context, id string, status ServerStatus, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE servers SET status = $1, error_message = $2, updated_at = $3 WHERE id = $4",
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

func (s *PostgresStore) DeleteServer(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, "DELETE FROM tools WHERE server_id = $1", id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM servers WHERE id = $1", id)
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

func (s *PostgresStore) UpsertTool(ctx context.Context, tool *ToolRecord) error {
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
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT(server_id, name) DO UPDATE SET
			description=EXCLUDED.description, input_schema=EXCLUDED.input_schema,
			output_schema=EXCLUDED.output_schema, category=EXCLUDED.category,
			tags=EXCLUDED.tags, intent_patterns=EXCLUDED.intent_patterns,
			enabled=EXCLUDED.enabled, timeout_seconds=EXCLUDED.timeout_seconds,
			updated_at=EXCLUDED.updated_at
	`, tool.ServerID, tool.Name, tool.Description, string(inJSON), string(outJSON),
		tool.Category, string(tagsJSON), string(patternsJSON), tool.Enabled,
		timeout, created, now)
	return err
}

func (s *PostgresStore) GetTool(ctx context.Context, name string) (*ToolRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+toolColumns+` FROM tools WHERE name = $1 ORDER BY server_id LIMIT 1`, name)
	tool, err := scanTool(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("tool %q: %w", name, ErrNotFound)
	}
	return tool, err
}

func (s *PostgresStore) ListTools(ctx context.Context, f ToolFilter) ([]*ToolRecord, error) {
	query := `SELECT ` + toolColumns + ` FROM tools WHERE true`
	var args []any
	argIdx := 1
	if f.ServerID != "" {
		query += fmt.Sprintf(" AND server_id = $%d", argIdx)
		args = append(args, f.ServerID)
		argIdx++
	}
	if f.Category != "" {
		query += fmt.Sprintf(" AND category = $%d", argIdx)
		args = append(args, f.Category)
		argIdx++
	}
	if f.EnabledOnly {
		query += " AND enabled = TRUE"
	}
	query += " ORDER BY name, server_id"
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTools(rows)
}

func (s *PostgresStore) DeleteToolsForServer(ctx context.Context, serverID string) (int, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM tools WHERE server_id = $1", serverID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *PostgresStore) ReplaceCatalog(ctx context.Context, serverID string, tools []*ToolRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM tools WHERE server_id = $1", serverID); err != nil {
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
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
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

func (s *PostgresStore) ListOverrides(ctx context.Context, enabledOnly bool) ([]*OverrideRecord, error) {
	query := `SELECT id, pattern, pattern_type, target_intent, priority, enabled, created_at FROM intent_overrides`
	if enabledOnly {
		query += " WHERE enabled = TRUE"
	}
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

func (s *PostgresStore) UpsertOverride(ctx context.Context, o *OverrideRecord) error {
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
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT(pattern, target_intent) DO UPDATE SET
			pattern_type=EXCLUDED.pattern_type, priority=EXCLUDED.priority, enabled=EXCLUDED.enabled
	`, o.Pattern, patternType, o.TargetIntent, o.Priority, o.Enabled, created)
	return err
}

func (s *PostgresStore) ListRules(ctx context.Context, kind string, enabledOnly bool) ([]*RuleRecord, error) {
	query := `SELECT id, name, description, logic, rule_type, decision, modifications, priority, enabled, created_at, updated_at FROM rules WHERE true`
	var args []any
	if kind != "" {
		query += " AND rule_type = $1"
		args = append(args, kind)
	}
	if enabledOnly {
		query += " AND enabled = TRUE"
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

func (s *PostgresStore) UpsertRule(ctx context.Context, r *RuleRecord) error {
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
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT(name) DO UPDATE SET
			description=EXCLUDED.description, logic=EXCLUDED.logic,
			rule_type=EXCLUDED.rule_type, decision=EXCLUDED.decision,
			modifications=EXCLUDED.modifications, priority=EXCLUDED.priority,
			enabled=EXCLUDED.enabled, updated_at=EXCLUDED.updated_at
	`, r.Name, r.Description, string(logicJSON), kind, decision, string(modsJSON), r.Priority, r.Enabled, created, now)
	return err
}

func (s *PostgresStore) AddTrainingSample(ctx context.Context, sample *TrainingSample) error {
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
		VALUES ($1, $2, $3, $4, $5, $6)
	`, sample.Text, sample.Intent, source, weight, sample.IsValidated, created)
	return err
}

func (s *PostgresStore) ListTrainingSamples(ctx context.Context, validatedOnly bool) ([]*TrainingSample, error) {
	query := `SELECT id, text, intent, source, confidence_weight, is_validated, created_at FROM training_samples`
	if validatedOnly {
		query += " WHERE is_validated = TRUE"
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

func (s *PostgresStore) RecordExecution(ctx context.Context, rec *ExecutionRecord) error {
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
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT(id) DO UPDATE SET
			tool_name=EXCLUDED.tool_name, status=EXCLUDED.status, record=EXCLUDED.record
	`, rec.ID, rec.UserID, rec.SessionID, rec.ToolName, string(rec.Status), string(recJSON), created.UTC())
	return err
}

func (s *PostgresStore) GetExecution(ctx context.Context, id string) (*ExecutionRecord, error) {
	var recJSON string
	err := s.db.QueryRowContext(ctx, "SELECT record FROM executions WHERE id = $1", id).Scan(&recJSON)
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

func (s *PostgresStore) ListExecutions(ctx context.Context, opts ListExecutionsOptions) ([]*ExecutionRecord, error) {
	query := "SELECT record FROM executions WHERE true"
	var args []any
	argIdx := 1
	if opts.UserID != "" {
		query += fmt.Sprintf(" AND user_id = $%d", argIdx)
		args = append(args, opts.UserID)
		argIdx++
	}
	if opts.ToolName != "" {
		query += fmt.Sprintf(" AND tool_name = $%d", argIdx)
		args = append(args, opts.ToolName)
		argIdx++
	}
	if opts.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(opts.Status))
		argIdx++
	}
	if !opts.Since.IsZero() {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, opts.Since.UTC())
		argIdx++
	}
	query += " ORDER BY created_at DESC"
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
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

func (s *PostgresStore) CountExecutions(ctx context.Context, opts ListExecutionsOptions) (int, error) {
	query := "SELECT COUNT(*) FROM executions WHERE true"
	var args []any
	argIdx := 1
	if opts.UserID != "" {
		query += fmt.Sprintf(" AND user_id = $%d", argIdx)
		args = append(args, opts.UserID)
		argIdx++
	}
	if opts.ToolName != "" {
		query += fmt.Sprintf(" AND tool_name = $%d", argIdx)
		args = append(args, opts.ToolName)
		argIdx++
	}
	if opts.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(opts.Status))
		argIdx++
	}
	if !opts.Since.IsZero() {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
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

func (s *PostgresStore) CreateUser(ctx context.Context, u *UserRecord) error {
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
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, u.ID, u.Username, u.Email, u.PasswordHash, role, u.IsActive, created)
	if err != nil {
		return fmt.Errorf("create user %s: %w", u.Username, err)
	}
	return nil
}

func (s *PostgresStore) GetUserByName(ctx context.Context, username string) (*UserRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, email, password_hash, role, is_active, created_at, last_login_at FROM users WHERE username = $1`,
		username)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %q: %w", username, ErrNotFound)
	}
	return u, err
}

func (s *PostgresStore) TouchUserLogin(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "UPDATE users SET last_login_at = $1 WHERE id = $2", time.Now().UTC(), id)
	return err
}

// Package registry is the persistent source of truth for the gateway:
// tool servers, their discovered tool catalogs, forced intent
// overrides, rule definitions, intent training data, execution history
// and user accounts.
//
// Persistence is pluggable via the Store interface:
//   - MemoryStore (dev/test)
//   - SQLiteStore (single-node production)
//   - PostgresStore (multi-node production)
//
// The Registry type layers a process-local tool cache and intent
// matching on top of a Store. Callers never hold live connections
// through this package; records are plain values.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is wrapped by lookups that find no matching record.
var ErrNotFound = errors.New("not found")

// ServerStatus tracks the discovery lifecycle of a tool server.
type ServerStatus string

const (
	ServerStatusInactive    ServerStatus = "inactive"
	ServerStatusDiscovering ServerStatus = "discovering"
	ServerStatusActive      ServerStatus = "active"
	ServerStatusError       ServerStatus = "error"
)

// ServerRecord describes one tool server. Transport is stored as the
// lowercase mechanism name ("stdio", "http", "websocket").
type ServerRecord struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Description  string            `json:"description,omitempty"`
	Transport    string            `json:"transport"`
	Command      string            `json:"command,omitempty"`
	Args         []string          `json:"args,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
	URL          string            `json:"url,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	Enabled      bool              `json:"enabled"`
	Status       ServerStatus      `json:"status"`
	ErrorMessage string            `json:"error_message,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// ToolRecord is one discovered tool. (ServerID, Name) is unique; the
// same tool name may exist on several servers.
type ToolRecord struct {
	ID             int64          `json:"id"`
	ServerID       string         `json:"server_id"`
	Name           string         `json:"name"`
	Description    string         `json:"description,omitempty"`
	InputSchema    map[string]any `json:"input_schema"`
	OutputSchema   map[string]any `json:"output_schema,omitempty"`
	Category       string         `json:"category,omitempty"`
	Tags           []string       `json:"tags,omitempty"`
	IntentPatterns []string       `json:"intent_patterns,omitempty"`
	Enabled        bool           `json:"enabled"`
	TimeoutSeconds int            `json:"timeout_seconds"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// OverrideRecord is a forced intent mapping. PatternType is one of
// "exact", "prefix", "contains", "regex".
type OverrideRecord struct {
	ID           int64     `json:"id"`
	Pattern      string    `json:"pattern"`
	PatternType  string    `json:"pattern_type"`
	TargetIntent string    `json:"target_intent"`
	Priority     int       `json:"priority"`
	Enabled      bool      `json:"enabled"`
	CreatedAt    time.Time `json:"created_at"`
}

// RuleRecord is a stored JSON-Logic rule. Decision is what a match
// means: "allow", "deny" or "modify" (empty reads as allow);
// Modifications carries the map a modify rule merges into the run.
type RuleRecord struct {
	ID            int64          `json:"id"`
	Name          string         `json:"name"`
	Description   string         `json:"description,omitempty"`
	Logic         map[string]any `json:"logic"`
	Kind          string         `json:"kind"` // "security", "permission", "business", "rate_limit"
	Decision      string         `json:"decision"`
	Modifications map[string]any `json:"modifications,omitempty"`
	Priority      int            `json:"priority"`
	Enabled       bool           `json:"enabled"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// TrainingSample is one labelled utterance for the intent classifier.
type TrainingSample struct {
	ID               int64     `json:"id"`
	Text             string    `json:"text"`
	Intent           string    `json:"intent"`
	Source           string    `json:"source"` // "manual", "import", "feedback"
	ConfidenceWeight float64   `json:"confidence_weight"`
	IsValidated      bool      `json:"is_validated"`
	CreatedAt        time.Time `json:"created_at"`
}

// ExecutionStatus is the terminal state of one pipeline run.
type ExecutionStatus string

const (
	ExecutionPending ExecutionStatus = "pending"
	ExecutionRunning ExecutionStatus = "running"
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionFailed  ExecutionStatus = "failed"
	ExecutionDenied  ExecutionStatus = "denied"
)

// StageTiming is one pipeline stage as recorded in the execution log.
type StageTiming struct {
	Name       string `json:"name"`
	Success    bool   `json:"success"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// ExecutionRecord is the durable trace of one request through the
// pipeline, whatever stage it ended at.
type ExecutionRecord struct {
	ID               string          `json:"id"`
	UserID           string          `json:"user_id,omitempty"`
	SessionID        string          `json:"session_id,omitempty"`
	InputText        string          `json:"input_text"`
	Entities         json.RawMessage `json:"entities,omitempty"`
	Intent           string          `json:"intent,omitempty"`
	IntentConfidence float64         `json:"intent_confidence,omitempty"`
	ForcedIntent     bool            `json:"forced_intent,omitempty"`
	RuleDecision     string          `json:"rule_decision,omitempty"`
	RuleReason       string          `json:"rule_reason,omitempty"`
	Modifications    map[string]any  `json:"modifications,omitempty"`
	ToolName         string          `json:"tool_name,omitempty"`
	ServerID         string          `json:"server_id,omitempty"`
	Parameters       map[string]any  `json:"parameters,omitempty"`
	Status           ExecutionStatus `json:"status"`
	FailedStage      string          `json:"failed_stage,omitempty"`
	Stages           []StageTiming   `json:"stages,omitempty"`
	Result           json.RawMessage `json:"result,omitempty"`
	Error            string          `json:"error,omitempty"`
	ErrorCode        string          `json:"error_code,omitempty"`
	StartedAt        time.Time       `json:"started_at"`
	CompletedAt      time.Time       `json:"completed_at"`
	DurationMS       int64           `json:"duration_ms"`
	Metadata         map[string]any  `json:"metadata,omitempty"`
}

// UserRecord is a gateway account.
type UserRecord struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email,omitempty"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
	LastLoginAt  time.Time `json:"last_login_at"`
}

// ToolFilter narrows ListTools.
type ToolFilter struct {
	ServerID    string
	Category    string
	EnabledOnly bool
}

// ListExecutionsOptions filters execution history. Results are always
// newest first.
type ListExecutionsOptions struct {
	UserID   string
	ToolName string
	Status   ExecutionStatus
	Since    time.Time
	Limit    int
	Offset   int
}

// Store is the persistence interface for gateway state.
type Store interface {
	// Tool servers
	UpsertServer(ctx context.Context, srv *ServerRecord) error
	GetServer(ctx context.Context, id string) (*ServerRecord, error)
	ListServers(ctx context.Context, enabledOnly bool) ([]*ServerRecord, error)
	SetServerStatus(ctx context.Context, id string, status ServerStatus, errMsg string) error
	DeleteServer(ctx context.Context, id string) error

	// Tool catalog
	UpsertTool(ctx context.Context, tool *ToolRecord) error
	GetTool(ctx context.Context, name string) (*ToolRecord, error)
	ListTools(ctx context.Context, f ToolFilter) ([]*ToolRecord, error)
	DeleteToolsForServer(ctx context.Context, serverID string) (int, error)
	// ReplaceCatalog swaps a server's tool set in a single transaction:
	// concurrent readers see the old catalog or the new one, never a mix.
	ReplaceCatalog(ctx context.Context, serverID string, tools []*ToolRecord) error

	// Intent configuration
	ListOverrides(ctx context.Context, enabledOnly bool) ([]*OverrideRecord, error)
	UpsertOverride(ctx context.Context, o *OverrideRecord) error
	ListRules(ctx context.Context, kind string, enabledOnly bool) ([]*RuleRecord, error)
	UpsertRule(ctx context.Context, r *RuleRecord) error
	AddTrainingSample(ctx context.Context, s *TrainingSample) error
	ListTrainingSamples(ctx context.Context, validatedOnly bool) ([]*TrainingSample, error)

	// Execution history
	RecordExecution(ctx context.Context, rec *ExecutionRecord) error
	GetExecution(ctx context.Context, id string) (*ExecutionRecord, error)
	ListExecutions(ctx context.Context, opts ListExecutionsOptions) ([]*ExecutionRecord, error)
	// CountExecutions counts the records ListExecutions would match,
	// ignoring Limit and Offset.
	CountExecutions(ctx context.Context, opts ListExecutionsOptions) (int, error)

	// Accounts
	CreateUser(ctx context.Context, u *UserRecord) error
	GetUserByName(ctx context.Context, username string) (*UserRecord, error)
	TouchUserLogin(ctx context.Context, id string) error

	Close() error
}

package gateway

import (
	"time"

	"github.com/toolgate/toolgate/pkg/observability"
	"github.com/toolgate/toolgate/pkg/registry"
)

// ErrorResponse is the body of every non-2xx answer. Detail carries
// structured context, such as the validation error list.
type ErrorResponse struct {
	Error     string `json:"error"`
	Detail    any    `json:"detail,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
}

// ExecuteRequest drives the natural-language pipeline.
type ExecuteRequest struct {
	InputText string         `json:"input_text"`
	SessionID string         `json:"session_id,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
	Overrides map[string]any `json:"overrides,omitempty"`
}

const maxInputLength = 10000

// ExecuteResponse is shared by the pipeline and direct execution
// endpoints. Success false with a 200 means the request was handled
// but the execution itself was denied or failed.
type ExecuteResponse struct {
	Success     bool           `json:"success"`
	ExecutionID string         `json:"execution_id"`
	ToolName    string         `json:"tool_name,omitempty"`
	Result      any            `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// ToolExecuteRequest carries the parameters of a direct invocation.
// ToolName is accepted for symmetry with clients that mirror the
// request body; the path segment is authoritative.
type ToolExecuteRequest struct {
	ToolName   string         `json:"tool_name,omitempty"`
	Parameters map[string]any `json:"parameters"`
}

// ToolSchema is the catalog view of one tool.
type ToolSchema struct {
	ToolID       int64          `json:"tool_id"`
	ToolName     string         `json:"tool_name"`
	Description  string         `json:"description,omitempty"`
	InputSchema  map[string]any `json:"input_schema"`
	OutputSchema map[string]any `json:"output_schema,omitempty"`
	Category     string         `json:"category,omitempty"`
	Tags         []string       `json:"tags,omitempty"`
	ServerID     string         `json:"server_id"`
}

func toolSchema(t *registry.ToolRecord) ToolSchema {
	return ToolSchema{
		ToolID:       t.ID,
		ToolName:     t.Name,
		Description:  t.Description,
		InputSchema:  t.InputSchema,
		OutputSchema: t.OutputSchema,
		Category:     t.Category,
		Tags:         t.Tags,
		ServerID:     t.ServerID,
	}
}

type ToolListResponse struct {
	Tools []ToolSchema `json:"tools"`
	Total int          `json:"total"`
}

// ServerSchema is the catalog view of one tool server.
type ServerSchema struct {
	ServerID    string `json:"server_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Transport   string `json:"transport"`
	Status      string `json:"status"`
	Enabled     bool   `json:"enabled"`
	ToolsCount  int    `json:"tools_count"`
}

type ServerListResponse struct {
	Servers []ServerSchema `json:"servers"`
	Total   int            `json:"total"`
}

// DiscoveryResponse reports one server sweep.
type DiscoveryResponse struct {
	ServerID        string `json:"server_id"`
	Success         bool   `json:"success"`
	ToolsDiscovered int    `json:"tools_discovered"`
	Error           string `json:"error,omitempty"`
}

type DiscoveryAllResponse struct {
	Results           []DiscoveryResponse `json:"results"`
	TotalServers      int                 `json:"total_servers"`
	SuccessfulServers int                 `json:"successful_servers"`
	TotalTools        int                 `json:"total_tools"`
}

// AuditLogEntry is the list view of one execution record.
type AuditLogEntry struct {
	ID               string    `json:"id"`
	InputText        string    `json:"input_text"`
	Intent           string    `json:"intent,omitempty"`
	IntentConfidence float64   `json:"intent_confidence,omitempty"`
	ToolName         string    `json:"tool_name,omitempty"`
	ExecutionStatus  string    `json:"execution_status"`
	DurationMS       int64     `json:"execution_duration_ms"`
	CreatedAt        time.Time `json:"created_at"`
}

type AuditLogListResponse struct {
	Logs     []AuditLogEntry `json:"logs"`
	Total    int             `json:"total"`
	Page     int             `json:"page"`
	PageSize int             `json:"page_size"`
}

type TraceListResponse struct {
	Spans []*observability.Span `json:"spans"`
	Total int                   `json:"total"`
}

// RegisterRequest creates an account. New accounts always get the user
// role; only the CLI can mint admins.
type RegisterRequest struct {
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
	Password string `json:"password"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

type UserResponse struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email,omitempty"`
	Role      string    `json:"role"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

func userResponse(u *registry.UserRecord) UserResponse {
	return UserResponse{
		ID:        u.ID,
		Username:  u.Username,
		Email:     u.Email,
		Role:      u.Role,
		IsActive:  u.IsActive,
		CreatedAt: u.CreatedAt,
	}
}

// AddSampleRequest contributes one labelled utterance to the training
// set.
type AddSampleRequest struct {
	Text      string `json:"text"`
	Intent    string `json:"intent"`
	Validated bool   `json:"validated,omitempty"`
}

// TrainRequest narrows which stored samples the run uses.
type TrainRequest struct {
	ValidatedOnly bool `json:"validated_only,omitempty"`
}

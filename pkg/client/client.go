// Package client maintains sessions with tool servers. Each session
// owns one transport, runs the protocol handshake (initialize →
// notifications/initialized → tools/list), caches the advertised tool
// list, and invokes tools with classified error codes.
//
// Connection attempts retry with backoff; per-server circuit breakers
// stop hammering servers that keep failing.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/toolgate/toolgate/pkg/protocol"
	"github.com/toolgate/toolgate/pkg/resilience"
	"github.com/toolgate/toolgate/pkg/transport"
)

// session is the live state for one connected server.
type session struct {
	serverID    string
	tr          transport.Transport
	caps        *protocol.InitializeResult
	tools       []protocol.ToolInfo
	initialized bool
}

// SessionInfo is a point-in-time snapshot of one session, safe to hand
// to HTTP handlers and the CLI.
type SessionInfo struct {
	ServerID      string `json:"server_id"`
	Transport     string `json:"transport"`
	Connected     bool   `json:"connected"`
	Initialized   bool   `json:"initialized"`
	ServerName    string `json:"server_name,omitempty"`
	ServerVersion string `json:"server_version,omitempty"`
	ToolCount     int    `json:"tool_count"`
}

// CallResult is the outcome of one tool invocation. On success Content
// holds the lifted text of the first text block, or the raw content
// blocks when the result is not textual.
type CallResult struct {
	Success   bool           `json:"success"`
	Content   any            `json:"content,omitempty"`
	Error     string         `json:"error,omitempty"`
	ErrorCode int            `json:"error_code,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Client manages sessions with any number of tool servers. The RWMutex
// guards only the session map; dialing and tool calls run outside it so
// a slow or failing server never blocks calls to the others. Connects
// to the same server serialize on a per-server dial lock instead.
type Client struct {
	name    string
	version string
	log     *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*session
	breakers map[string]*resilience.CircuitBreaker

	dialMu    sync.Mutex
	dialLocks map[string]*sync.Mutex

	retry resilience.RetryConfig

	// newTransport is swapped out in tests.
	newTransport func(transport.Config, *slog.Logger) (transport.Transport, error)
}

// New creates a client that identifies itself as name/version during
// the handshake.
func New(name, version string, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		name:      name,
		version:   version,
		log:       log,
		sessions:  make(map[string]*session),
		breakers:  make(map[string]*resilience.CircuitBreaker),
		dialLocks: make(map[string]*sync.Mutex),
		retry: resilience.RetryConfig{
			MaxAttempts:  3,
			InitialDelay: time.Second,
			RetryableErr: func(err error) bool { return true },
		},
		newTransport: transport.New,
	}
}

// SetRetry tunes the connection retry policy. Zero or negative values
// leave the corresponding default in place.
func (c *Client) SetRetry(attempts int, delay time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if attempts > 0 {
		c.retry.MaxAttempts = attempts
	}
	if delay > 0 {
		c.retry.InitialDelay = delay
	}
}

// Connect establishes a session with a server and runs the handshake.
// An existing session for the same id is torn down first. The dial and
// retry loop run outside the session-map lock: only the teardown and
// the final swap take it, so calls to other servers proceed while this
// one connects.
func (c *Client) Connect(ctx context.Context, serverID string, cfg transport.Config) error {
	lock := c.dialLock(serverID)
	lock.Lock()
	defer lock.Unlock()

	c.mu.Lock()
	retry := c.retry
	if old, ok := c.sessions[serverID]; ok {
		c.closeSession(old)
		delete(c.sessions, serverID)
	}
	c.mu.Unlock()

	var sess *session
	err := resilience.Retry(ctx, retry, func(attempt int) error {
		if attempt > 0 {
			c.log.Warn("retrying server connection", "server", serverID, "attempt", attempt+1)
		}
		tr, err := c.newTransport(cfg, c.log)
		if err != nil {
			return err
		}
		if err := tr.Connect(ctx); err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		s := &session{serverID: serverID, tr: tr}
		if err := c.handshake(ctx, s); err != nil {
			tr.Disconnect()
			return err
		}
		sess = s
		return nil
	})
	if err != nil {
		return fmt.Errorf("server %s: %w", serverID, err)
	}

	c.mu.Lock()
	c.sessions[serverID] = sess
	c.mu.Unlock()
	c.log.Info("connected to tool server",
		"server", serverID, "transport", cfg.Kind, "tools", len(sess.tools))
	return nil
}

// dialLock returns the per-server connect lock, creating it on first
// use.
func (c *Client) dialLock(serverID string) *sync.Mutex {
	c.dialMu.Lock()
	defer c.dialMu.Unlock()
	l, ok := c.dialLocks[serverID]
	if !ok {
		l = &sync.Mutex{}
		c.dialLocks[serverID] = l
	}
	return l
}

// EnsureConnected connects only when no live session exists for the
// server. Used by the pipeline before dispatching a call.
func (c *Client) EnsureConnected(ctx context.Context, serverID string, cfg transport.Config) error {
	if c.Connected(serverID) {
		return nil
	}
	return c.Connect(ctx, serverID, cfg)
}

// handshake runs the protocol negotiation on a fresh transport.
func (c *Client) handshake(ctx context.Context, s *session) error {
	params := protocol.InitializeParams{
		ProtocolVersion: protocol.ProtocolVersion,
		Capabilities: protocol.ClientCapability{
			Roots: protocol.RootsCapability{ListChanged: true},
		},
		ClientInfo: protocol.EntityInfo{Name: c.name, Version: c.version},
	}
	resp, err := s.tr.Send(ctx, protocol.MethodInitialize, params)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("initialize: %w", resp.Error)
	}

	var result protocol.InitializeResult
	if len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			return fmt.Errorf("initialize result: %w", err)
		}
	}
	s.caps = &result

	if err := s.tr.Notify(ctx, protocol.MethodInitialized, struct{}{}); err != nil {
		return fmt.Errorf("initialized notification: %w", err)
	}
	s.initialized = true

	if result.HasCapability("tools") {
		c.discoverTools(ctx, s)
	}
	return nil
}

// discoverTools refreshes the session's tool list. A failure here is
// logged but does not fail the handshake; the server may still accept
// calls.
func (c *Client) discoverTools(ctx context.Context, s *session) {
	resp, err := s.tr.Send(ctx, protocol.MethodListTools, struct{}{})
	if err != nil {
		c.log.Warn("tool discovery failed", "server", s.serverID, "error", err)
		return
	}
	if resp.Error != nil {
		c.log.Warn("tool discovery failed", "server", s.serverID, "error", resp.Error)
		return
	}
	var result protocol.ToolsListResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		c.log.Warn("tool discovery result malformed", "server", s.serverID, "error", err)
		return
	}
	s.tools = result.Tools
	c.log.Debug("discovered tools", "server", s.serverID, "count", len(s.tools))
}

// Disconnect tears down one session. Unknown ids are a no-op.
func (c *Client) Disconnect(serverID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.sessions[serverID]; ok {
		c.closeSession(s)
		delete(c.sessions, serverID)
		c.log.Info("disconnected from tool server", "server", serverID)
	}
}

// DisconnectAll tears down every session. Called on shutdown.
func (c *Client) DisconnectAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, s := range c.sessions {
		c.closeSession(s)
		delete(c.sessions, id)
	}
}

func (c *Client) closeSession(s *session) {
	if err := s.tr.Disconnect(); err != nil {
		c.log.Warn("disconnect error", "server", s.serverID, "error", err)
	}
}

// Connected reports whether a live session exists for the server.
func (c *Client) Connected(serverID string) bool {
	s := c.session(serverID)
	return s != nil && s.tr.Connected()
}

// Servers lists the ids of all current sessions, sorted.
func (c *Client) Servers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ServerTools returns the tool list discovered during the handshake.
func (c *Client) ServerTools(serverID string) []protocol.ToolInfo {
	s := c.session(serverID)
	if s == nil {
		return nil
	}
	return s.tools
}

// Info snapshots one session's state.
func (c *Client) Info(serverID string) (SessionInfo, bool) {
	s := c.session(serverID)
	if s == nil {
		return SessionInfo{ServerID: serverID}, false
	}
	info := SessionInfo{
		ServerID:    serverID,
		Transport:   string(s.tr.Kind()),
		Connected:   s.tr.Connected(),
		Initialized: s.initialized,
		ToolCount:   len(s.tools),
	}
	if s.caps != nil {
		info.ServerName = s.caps.ServerInfo.Name
		info.ServerVersion = s.caps.ServerInfo.Version
	}
	return info, true
}

func (c *Client) session(serverID string) *session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessions[serverID]
}

// Call invokes a tool. Failures never return a Go error; they come
// back as a CallResult with Success=false and a classified ErrorCode
// so the pipeline can record exactly what went wrong.
func (c *Client) Call(ctx context.Context, serverID, toolName string, args map[string]any) *CallResult {
	s := c.session(serverID)
	if s == nil {
		return &CallResult{
			Success:   false,
			Error:     fmt.Sprintf("server not connected: %s", serverID),
			ErrorCode: protocol.ErrDisconnected,
		}
	}
	if !s.initialized {
		return &CallResult{
			Success:   false,
			Error:     fmt.Sprintf("server not initialized: %s", serverID),
			ErrorCode: protocol.ErrNotInitialized,
		}
	}

	params := protocol.ToolCallParams{Name: toolName, Arguments: args}
	var resp *protocol.Response
	err := c.breaker(serverID).Execute(func() error {
		var sendErr error
		resp, sendErr = s.tr.Send(ctx, protocol.MethodCallTool, params)
		return sendErr
	})
	if err != nil {
		return &CallResult{Success: false, Error: err.Error(), ErrorCode: errorCode(err)}
	}
	if resp.Error != nil {
		return &CallResult{Success: false, Error: resp.Error.Message, ErrorCode: resp.Error.Code}
	}

	var result protocol.ToolCallResult
	if len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			return &CallResult{
				Success:   false,
				Error:     fmt.Sprintf("malformed tool result: %v", err),
				ErrorCode: protocol.ErrInternal,
			}
		}
	}

	var content any = result.Content
	if len(result.Content) > 0 && result.Content[0].Type == "text" {
		content = result.Content[0].Text
	}
	return &CallResult{
		Success: true,
		Content: content,
		Metadata: map[string]any{
			"server_id": serverID,
			"tool_name": toolName,
		},
	}
}

// Ping checks liveness. False on any transport or protocol error, and
// on a rejected call while the server's breaker is open. Pings go
// through the same breaker as calls so health checking and call gating
// agree on server state: a successful probe ping closes the breaker.
func (c *Client) Ping(ctx context.Context, serverID string) bool {
	s := c.session(serverID)
	if s == nil {
		return false
	}
	err := c.breaker(serverID).Execute(func() error {
		resp, err := s.tr.Send(ctx, protocol.MethodPing, struct{}{})
		if err != nil {
			return err
		}
		if resp.Error != nil {
			return resp.Error
		}
		return nil
	})
	return err == nil
}

// breaker returns the circuit breaker for a server, creating it on
// first use.
func (c *Client) breaker(serverID string) *resilience.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	cb, ok := c.breakers[serverID]
	if !ok {
		cb = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name: "server:" + serverID,
			OnStateChange: func(name string, from, to resilience.CircuitState) {
				c.log.Warn("circuit breaker state change", "breaker", name, "from", from, "to", to)
			},
		})
		c.breakers[serverID] = cb
	}
	return cb
}

// errorCode classifies a transport-level failure into the protocol
// error space. Transport errors already carry a code; anything else is
// a timeout or an internal fault.
func errorCode(err error) int {
	var pe *protocol.Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return protocol.ErrTimeout
	}
	return protocol.ErrInternal
}

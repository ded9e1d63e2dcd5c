// Package audit provides an immutable, structured audit trail for the
// gateway.
//
// Every pipeline execution, direct tool call, rule decision, discovery
// run and login is recorded as a structured event. Events are
// append-only and can be exported to JSON for SIEM ingestion. The
// registry store keeps the full per-stage execution records; this
// trail is the flat who-did-what log layered on top.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EventType categorizes audit events.
type EventType string

const (
	EventPipelineExec  EventType = "pipeline.exec"
	EventToolExec      EventType = "tool.exec"
	EventRuleDecision  EventType = "rule.decision"
	EventDiscoveryRun  EventType = "discovery.run"
	EventServerConnect EventType = "server.connect"
	EventAuthLogin     EventType = "auth.login"
	EventIntentTrain   EventType = "intent.train"
	EventUserCreate    EventType = "user.create"
)

// Event is a single immutable audit record.
type Event struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"ts"`
	Type      EventType      `json:"type"`
	User      string         `json:"user"`
	Action    string         `json:"action"`
	Target    *EventTarget   `json:"target,omitempty"`
	Result    *EventResult   `json:"result,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// EventTarget describes what the action touched.
type EventTarget struct {
	Tool   string   `json:"tool,omitempty"`
	Server string   `json:"server,omitempty"`
	Intent string   `json:"intent,omitempty"`
	Rules  []string `json:"rules,omitempty"`
}

// EventResult captures the outcome of the action.
type EventResult struct {
	Status      string `json:"status"` // "success", "denied", "failed"
	FailedStage string `json:"failed_stage,omitempty"`
	DurationMS  int64  `json:"duration_ms,omitempty"`
	Error       string `json:"error,omitempty"`
}

// QueryOptions filters audit log queries.
type QueryOptions struct {
	User  string
	Type  EventType
	Since time.Time
	Until time.Time
	Limit int
}

// Store is the persistence interface for the audit trail.
type Store interface {
	// Append writes an event to the audit log. Events are immutable once written.
	Append(ctx context.Context, event *Event) error

	// Query retrieves events matching the given filters.
	Query(ctx context.Context, opts QueryOptions) ([]*Event, error)

	// Export returns all events since the given time.
	Export(ctx context.Context, since time.Time) ([]*Event, error)
}

// ------------------------------------------------------------------
// File-based audit store (append-only JSONL)
// ------------------------------------------------------------------

// FileStore is an append-only file-based audit store using JSON Lines format.
// Each line is a complete JSON event. The file is never modified, only appended to.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates a file-based audit store at the given directory.
func NewFileStore(dir string) *FileStore {
	os.MkdirAll(dir, 0o700)
	return &FileStore{dir: dir}
}

func (s *FileStore) logFile() string {
	return filepath.Join(s.dir, "audit.jsonl")
}

// Append writes an event to the audit log.
func (s *FileStore) Append(ctx context.Context, event *Event) error {
	if event.ID == "" {
		event.ID = fmt.Sprintf("evt_%d", time.Now().UnixNano())
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.logFile(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}

	return nil
}

// Query reads events matching the given filters.
func (s *FileStore) Query(ctx context.Context, opts QueryOptions) ([]*Event, error) {
	all, err := s.readAll()
	if err != nil {
		return nil, err
	}

	var results []*Event
	for _, e := range all {
		if opts.User != "" && e.User != opts.User {
			continue
		}
		if opts.Type != "" && e.Type != opts.Type {
			continue
		}
		if !opts.Since.IsZero() && e.Timestamp.Before(opts.Since) {
			continue
		}
		if !opts.Until.IsZero() && e.Timestamp.After(opts.Until) {
			continue
		}
		results = append(results, e)
		if opts.Limit > 0 && len(results) >= opts.Limit {
			break
		}
	}

	return results, nil
}

// Export returns all events since the given time.
func (s *FileStore) Export(ctx context.Context, since time.Time) ([]*Event, error) {
	return s.Query(ctx, QueryOptions{Since: since})
}

func (s *FileStore) readAll() ([]*Event, error) {
	data, err := os.ReadFile(s.logFile())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var events []*Event
	for _, line := range splitLines(data) {
		if len(line) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			continue // skip malformed lines
		}
		events = append(events, &e)
	}
	return events, nil
}

func splitLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i := range data {
		if data[i] == '\n' {
			lines = append(lines, data[start:i])
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, data[start:])
	}
	return lines
}

// ------------------------------------------------------------------
// Logger is a convenience wrapper for emitting audit events
// ------------------------------------------------------------------

// Logger provides helper methods for the common event shapes. Build
// one per acting user; construction is free.
type Logger struct {
	store Store
	user  string
}

// NewLogger creates an audit logger for the given user.
func NewLogger(store Store, user string) *Logger {
	return &Logger{store: store, user: user}
}

// LogPipelineExec records a natural-language execution run.
func (l *Logger) LogPipelineExec(ctx context.Context, input, sessionID string, target *EventTarget, result *EventResult) error {
	return l.store.Append(ctx, &Event{
		Type:      EventPipelineExec,
		User:      l.user,
		Action:    "pipeline.exec",
		Target:    target,
		Result:    result,
		SessionID: sessionID,
		Metadata: map[string]any{
			"input": input,
		},
	})
}

// LogToolExec records a direct tool invocation that bypassed the
// language stages.
func (l *Logger) LogToolExec(ctx context.Context, tool, server string, result *EventResult) error {
	return l.store.Append(ctx, &Event{
		Type:   EventToolExec,
		User:   l.user,
		Action: "tool.exec",
		Target: &EventTarget{Tool: tool, Server: server},
		Result: result,
	})
}

// LogRuleDecision records a rule engine verdict.
func (l *Logger) LogRuleDecision(ctx context.Context, decision, reason string, matched []string, target *EventTarget) error {
	if target == nil {
		target = &EventTarget{}
	}
	target.Rules = matched
	return l.store.Append(ctx, &Event{
		Type:   EventRuleDecision,
		User:   l.user,
		Action: "rule." + decision,
		Target: target,
		Metadata: map[string]any{
			"decision": decision,
			"reason":   reason,
		},
	})
}

// LogDiscoveryRun records a catalog discovery sweep.
func (l *Logger) LogDiscoveryRun(ctx context.Context, servers, tools int, result *EventResult) error {
	return l.store.Append(ctx, &Event{
		Type:   EventDiscoveryRun,
		User:   l.user,
		Action: "discovery.run",
		Result: result,
		Metadata: map[string]any{
			"servers": servers,
			"tools":   tools,
		},
	})
}

// LogServerConnect records a transport connect attempt.
func (l *Logger) LogServerConnect(ctx context.Context, serverID string, result *EventResult) error {
	return l.store.Append(ctx, &Event{
		Type:   EventServerConnect,
		User:   l.user,
		Action: "server.connect",
		Target: &EventTarget{Server: serverID},
		Result: result,
	})
}

// LogLogin records an authentication attempt.
func (l *Logger) LogLogin(ctx context.Context, success bool) error {
	status := "success"
	if !success {
		status = "failed"
	}
	return l.store.Append(ctx, &Event{
		Type:   EventAuthLogin,
		User:   l.user,
		Action: "auth.login",
		Result: &EventResult{Status: status},
	})
}

// LogTrain records an intent model training run.
func (l *Logger) LogTrain(ctx context.Context, samples int, result *EventResult) error {
	return l.store.Append(ctx, &Event{
		Type:   EventIntentTrain,
		User:   l.user,
		Action: "intent.train",
		Result: result,
		Metadata: map[string]any{
			"samples": samples,
		},
	})
}

// LogUserCreate records an account registration. The logger user is the
// caller; the created account goes in the metadata.
func (l *Logger) LogUserCreate(ctx context.Context, username, role string) error {
	return l.store.Append(ctx, &Event{
		Type:   EventUserCreate,
		User:   l.user,
		Action: "user.create",
		Metadata: map[string]any{
			"username": username,
			"role":     role,
		},
	})
}

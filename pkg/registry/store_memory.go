package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process registry store for development and
// testing. For production, use SQLiteStore or PostgresStore.
type MemoryStore struct {
	mu         sync.RWMutex
	servers    map[string]ServerRecord
	tools      map[toolKey]ToolRecord
	overrides  map[overrideKey]OverrideRecord
	rules      map[string]RuleRecord
	samples    []TrainingSample
	executions map[string]ExecutionRecord
	users      map[string]UserRecord

	nextToolID     int64
	nextOverrideID int64
	nextRuleID     int64
	nextSampleID   int64
}

type toolKey struct {
	serverID string
	name     string
}

type overrideKey struct {
	pattern      string
	targetIntent string
}

// NewMemoryStore creates an in-memory registry store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		servers:    make(map[string]ServerRecord),
		tools:      make(map[toolKey]ToolRecord),
		overrides:  make(map[overrideKey]OverrideRecord),
		rules:      make(map[string]RuleRecord),
		executions: make(map[string]ExecutionRecord),
		users:      make(map[string]UserRecord),
	}
}

func (s *MemoryStore) Close() error { return nil }

// ------------------------------------------------------------------
// Tool servers
// ------------------------------------------------------------------

func (s *MemoryStore) UpsertServer(_ context.Context, srv *ServerRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	rec := *srv
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.Status == "" {
		rec.Status = ServerStatusInactive
	}
	rec.UpdatedAt = now
	// Status and error_message survive upserts; they only change via
	// SetServerStatus.
	if prev, ok := s.servers[rec.ID]; ok {
		rec.Status = prev.Status
		rec.ErrorMessage = prev.ErrorMessage
		rec.CreatedAt = prev.CreatedAt
	}
	s.servers[rec.ID] = rec
	return nil
}

func (s *MemoryStore) GetServer(_ context.Context, id string) (*ServerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.servers[id]
	if !ok {
		return nil, fmt.Errorf("server %q: %w", id, ErrNotFound)
	}
	return &rec, nil
}

func (s *MemoryStore) ListServers(_ context.Context, enabledOnly bool) ([]*ServerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*ServerRecord
	for _, rec := range s.servers {
		if enabledOnly && !rec.Enabled {
			continue
		}
		rec := rec
		out = append(out, &rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) SetServerStatus(_ context.Context, id string, status ServerStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.servers[id]
	if !ok {
		return fmt.Errorf("server %q: %w", id, ErrNotFound)
	}
	rec.Status = status
	rec.ErrorMessage = errMsg
	rec.UpdatedAt = time.Now().UTC()
	s.servers[id] = rec
	return nil
}

func (s *MemoryStore) DeleteServer(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.servers[id]; !ok {
		return fmt.Errorf("server %q: %w", id, ErrNotFound)
	}
	delete(s.servers, id)
	for k := range s.tools {
		if k.serverID == id {
			delete(s.tools, k)
		}
	}
	return nil
}

// ------------------------------------------------------------------
// Tool catalog
// ------------------------------------------------------------------

func (s *MemoryStore) UpsertTool(_ context.Context, tool *ToolRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putToolLocked(tool)
	return nil
}

// putToolLocked applies the upsert semantics shared with ReplaceCatalog.
// Caller holds s.mu.
func (s *MemoryStore) putToolLocked(tool *ToolRecord) {
	now := time.Now().UTC()
	rec := *tool
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.TimeoutSeconds <= 0 {
		rec.TimeoutSeconds = 60
	}
	rec.UpdatedAt = now
	key := toolKey{serverID: rec.ServerID, name: rec.Name}
	if prev, ok := s.tools[key]; ok {
		rec.ID = prev.ID
		rec.CreatedAt = prev.CreatedAt
	} else {
		s.nextToolID++
		rec.ID = s.nextToolID
	}
	s.tools[key] = rec
}

func (s *MemoryStore) GetTool(_ context.Context, name string) (*ToolRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	// When several servers expose the same tool name the lowest
	// server id wins, so lookups stay deterministic.
	var best *ToolRecord
	for k, rec := range s.tools {
		if k.name != name {
			continue
		}
		if best == nil || rec.ServerID < best.ServerID {
			rec := rec
			best = &rec
		}
	}
	if best == nil {
		return nil, fmt.Errorf("tool %q: %w", name, ErrNotFound)
	}
	return best, nil
}

func (s *MemoryStore) ListTools(_ context.Context, f ToolFilter) ([]*ToolRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*ToolRecord
	for _, rec := range s.tools {
		if f.ServerID != "" && rec.ServerID != f.ServerID {
			continue
		}
		if f.Category != "" && rec.Category != f.Category {
			continue
		}
		if f.EnabledOnly && !rec.Enabled {
			continue
		}
		rec := rec
		out = append(out, &rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ServerID < out[j].ServerID
	})
	return out, nil
}

func (s *MemoryStore) DeleteToolsForServer(_ context.Context, serverID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k := range s.tools {
		if k.serverID == serverID {
			delete(s.tools, k)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ReplaceCatalog(_ context.Context, serverID string, tools []*ToolRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.tools {
		if k.serverID == serverID {
			delete(s.tools, k)
		}
	}
	for _, tool := range tools {
		t := *tool
		t.ServerID = serverID
		t.ID = 0
		t.CreatedAt = time.Time{}
		s.putToolLocked(&t)
	}
	return nil
}

// ------------------------------------------------------------------
// Intent configuration
// ------------------------------------------------------------------

func (s *MemoryStore) ListOverrides(_ context.Context, enabledOnly bool) ([]*OverrideRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*OverrideRecord
	for _, rec := range s.overrides {
		if enabledOnly && !rec.Enabled {
			continue
		}
		rec := rec
		out = append(out, &rec)
	}
	// Equal priorities keep insertion order.
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) UpsertOverride(_ context.Context, o *OverrideRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := *o
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.PatternType == "" {
		rec.PatternType = "regex"
	}
	key := overrideKey{pattern: rec.Pattern, targetIntent: rec.TargetIntent}
	if prev, ok := s.overrides[key]; ok {
		rec.ID = prev.ID
		rec.CreatedAt = prev.CreatedAt
	} else {
		s.nextOverrideID++
		rec.ID = s.nextOverrideID
	}
	s.overrides[key] = rec
	return nil
}

func (s *MemoryStore) ListRules(_ context.Context, kind string, enabledOnly bool) ([]*RuleRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*RuleRecord
	for _, rec := range s.rules {
		if kind != "" && rec.Kind != kind {
			continue
		}
		if enabledOnly && !rec.Enabled {
			continue
		}
		rec := rec
		out = append(out, &rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) UpsertRule(_ context.Context, r *RuleRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	rec := *r
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.Kind == "" {
		rec.Kind = "security"
	}
	if rec.Decision == "" {
		rec.Decision = "allow"
	}
	rec.UpdatedAt = now
	if prev, ok := s.rules[rec.Name]; ok {
		rec.ID = prev.ID
		rec.CreatedAt = prev.CreatedAt
	} else {
		s.nextRuleID++
		rec.ID = s.nextRuleID
	}
	s.rules[rec.Name] = rec
	return nil
}

func (s *MemoryStore) AddTrainingSample(_ context.Context, sample *TrainingSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := *sample
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.Source == "" {
		rec.Source = "manual"
	}
	if rec.ConfidenceWeight == 0 {
		rec.ConfidenceWeight = 1.0
	}
	s.nextSampleID++
	rec.ID = s.nextSampleID
	s.samples = append(s.samples, rec)
	return nil
}

func (s *MemoryStore) ListTrainingSamples(_ context.Context, validatedOnly bool) ([]*TrainingSample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*TrainingSample
	for i := range s.samples {
		if validatedOnly && !s.samples[i].IsValidated {
			continue
		}
		rec := s.samples[i]
		out = append(out, &rec)
	}
	return out, nil
}

// ------------------------------------------------------------------
// Execution history
// ------------------------------------------------------------------

func (s *MemoryStore) RecordExecution(_ context.Context, rec *ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	if cp.StartedAt.IsZero() {
		cp.StartedAt = time.Now().UTC()
	}
	s.executions[cp.ID] = cp
	return nil
}

func (s *MemoryStore) GetExecution(_ context.Context, id string) (*ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.executions[id]
	if !ok {
		return nil, fmt.Errorf("execution %q: %w", id, ErrNotFound)
	}
	return &rec, nil
}

func (s *MemoryStore) ListExecutions(_ context.Context, opts ListExecutionsOptions) ([]*ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*ExecutionRecord
	for _, rec := range s.executions {
		if opts.UserID != "" && rec.UserID != opts.UserID {
			continue
		}
		if opts.ToolName != "" && rec.ToolName != opts.ToolName {
			continue
		}
		if opts.Status != "" && rec.Status != opts.Status {
			continue
		}
		if !opts.Since.IsZero() && rec.StartedAt.Before(opts.Since) {
			continue
		}
		rec := rec
		out = append(out, &rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	// Simple pagination
	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (s *MemoryStore) CountExecutions(_ context.Context, opts ListExecutionsOptions) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, rec := range s.executions {
		if opts.UserID != "" && rec.UserID != opts.UserID {
			continue
		}
		if opts.ToolName != "" && rec.ToolName != opts.ToolName {
			continue
		}
		if opts.Status != "" && rec.Status != opts.Status {
			continue
		}
		if !opts.Since.IsZero() && rec.StartedAt.Before(opts.Since) {
			continue
		}
		n++
	}
	return n, nil
}

// ------------------------------------------------------------------
// Accounts
// ------------------------------------------------------------------

func (s *MemoryStore) CreateUser(_ context.Context, u *UserRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if existing.Username == u.Username {
			return fmt.Errorf("create user %s: username taken", u.Username)
		}
	}
	rec := *u
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.Role == "" {
		rec.Role = "user"
	}
	s.users[rec.ID] = rec
	return nil
}

func (s *MemoryStore) GetUserByName(_ context.Context, username string) (*UserRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.users {
		if rec.Username == username {
			rec := rec
			return &rec, nil
		}
	}
	return nil, fmt.Errorf("user %q: %w", username, ErrNotFound)
}

func (s *MemoryStore) TouchUserLogin(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.users[id]
	if !ok {
		return nil
	}
	rec.LastLoginAt = time.Now().UTC()
	s.users[id] = rec
	return nil
}

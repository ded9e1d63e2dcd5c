package registry

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// withEachStore runs fn against every embeddable backend so memory and
// SQLite stay behaviorally interchangeable.
func withEachStore(t *testing.T, fn func(t *testing.T, store Store)) {
	t.Helper()
	backends := []struct {
		name string
		mk   func(t *testing.T) Store
	}{
		{"memory", func(t *testing.T) Store { return NewMemoryStore() }},
		{"sqlite", func(t *testing.T) Store {
			store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
			if err != nil {
				t.Fatalf("NewSQLiteStore: %v", err)
			}
			return store
		}},
	}
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			store := b.mk(t)
			defer store.Close()
			fn(t, store)
		})
	}
}

func TestStore_ServerCRUD(t *testing.T) {
	withEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		srv := &ServerRecord{
			ID:        "files",
			Name:      "File Server",
			Transport: "stdio",
			Command:   "file-server",
			Args:      []string{"--root", "/srv"},
			Env:       map[string]string{"LOG_LEVEL": "info"},
			Enabled:   true,
		}
		if err := store.UpsertServer(ctx, srv); err != nil {
			t.Fatalf("UpsertServer: %v", err)
		}

		got, err := store.GetServer(ctx, "files")
		if err != nil {
			t.Fatalf("GetServer: %v", err)
		}
		if got.Name != "File Server" {
			t.Errorf("name = %q, want %q", got.Name, "File Server")
		}
		if got.Status != ServerStatusInactive {
			t.Errorf("initial status = %q, want %q", got.Status, ServerStatusInactive)
		}
		if got.Env["LOG_LEVEL"] != "info" {
			t.Errorf("env LOG_LEVEL = %q, want %q", got.Env["LOG_LEVEL"], "info")
		}

		if err := store.SetServerStatus(ctx, "files", ServerStatusActive, ""); err != nil {
			t.Fatalf("SetServerStatus: %v", err)
		}

		// Re-upserting config must not clobber the discovery status.
		srv.Description = "updated"
		if err := store.UpsertServer(ctx, srv); err != nil {
			t.Fatalf("UpsertServer (again): %v", err)
		}
		got, _ = store.GetServer(ctx, "files")
		if got.Description != "updated" {
			t.Errorf("description = %q, want %q", got.Description, "updated")
		}
		if got.Status != ServerStatusActive {
			t.Errorf("status after re-upsert = %q, want %q", got.Status, ServerStatusActive)
		}

		store.UpsertServer(ctx, &ServerRecord{ID: "web", Name: "Web", Transport: "http", URL: "http://localhost:9000", Enabled: false})

		all, err := store.ListServers(ctx, false)
		if err != nil {
			t.Fatalf("ListServers: %v", err)
		}
		if len(all) != 2 {
			t.Fatalf("ListServers = %d servers, want 2", len(all))
		}
		if all[0].ID != "files" || all[1].ID != "web" {
			t.Errorf("order = [%s %s], want [files web]", all[0].ID, all[1].ID)
		}

		enabled, _ := store.ListServers(ctx, true)
		if len(enabled) != 1 || enabled[0].ID != "files" {
			t.Errorf("ListServers(enabledOnly) = %d, want just files", len(enabled))
		}

		if err := store.DeleteServer(ctx, "web"); err != nil {
			t.Fatalf("DeleteServer: %v", err)
		}
		if _, err := store.GetServer(ctx, "web"); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetServer(deleted) = %v, want ErrNotFound", err)
		}
		if err := store.SetServerStatus(ctx, "web", ServerStatusError, "x"); !errors.Is(err, ErrNotFound) {
			t.Errorf("SetServerStatus(deleted) = %v, want ErrNotFound", err)
		}
	})
}

func TestStore_ToolCatalog(t *testing.T) {
	withEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		store.UpsertServer(ctx, &ServerRecord{ID: "a", Name: "A", Transport: "stdio", Enabled: true})
		store.UpsertServer(ctx, &ServerRecord{ID: "b", Name: "B", Transport: "stdio", Enabled: true})

		mk := func(serverID, name, category string) *ToolRecord {
			return &ToolRecord{
				ServerID:       serverID,
				Name:           name,
				Description:    name + " tool",
				InputSchema:    map[string]any{"type": "object"},
				Category:       category,
				IntentPatterns: []string{name},
				Enabled:        true,
			}
		}
		for _, tool := range []*ToolRecord{
			mk("a", "read_file", "filesystem"),
			mk("a", "write_file", "filesystem"),
			mk("b", "read_file", "filesystem"),
			mk("b", "http_get", "network"),
		} {
			if err := store.UpsertTool(ctx, tool); err != nil {
				t.Fatalf("UpsertTool(%s/%s): %v", tool.ServerID, tool.Name, err)
			}
		}

		// Duplicate names resolve to the lowest server id.
		got, err := store.GetTool(ctx, "read_file")
		if err != nil {
			t.Fatalf("GetTool: %v", err)
		}
		if got.ServerID != "a" {
			t.Errorf("GetTool(read_file).ServerID = %q, want %q", got.ServerID, "a")
		}
		if got.TimeoutSeconds != 60 {
			t.Errorf("default timeout = %d, want 60", got.TimeoutSeconds)
		}

		if _, err := store.GetTool(ctx, "nope"); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetTool(missing) = %v, want ErrNotFound", err)
		}

		all, err := store.ListTools(ctx, ToolFilter{})
		if err != nil {
			t.Fatalf("ListTools: %v", err)
		}
		if len(all) != 4 {
			t.Fatalf("ListTools = %d, want 4", len(all))
		}
		if all[0].Name != "http_get" {
			t.Errorf("first tool = %q, want http_get (name order)", all[0].Name)
		}

		byServer, _ := store.ListTools(ctx, ToolFilter{ServerID: "a"})
		if len(byServer) != 2 {
			t.Errorf("ListTools(server=a) = %d, want 2", len(byServer))
		}
		byCat, _ := store.ListTools(ctx, ToolFilter{Category: "network"})
		if len(byCat) != 1 || byCat[0].Name != "http_get" {
			t.Errorf("ListTools(category=network) = %d, want just http_get", len(byCat))
		}

		// Upsert updates in place rather than duplicating.
		upd := mk("a", "read_file", "filesystem")
		upd.Description = "rev2"
		if err := store.UpsertTool(ctx, upd); err != nil {
			t.Fatalf("UpsertTool (update): %v", err)
		}
		all, _ = store.ListTools(ctx, ToolFilter{})
		if len(all) != 4 {
			t.Errorf("tool count after update = %d, want 4", len(all))
		}
		got, _ = store.GetTool(ctx, "read_file")
		if got.Description != "rev2" {
			t.Errorf("description after update = %q, want rev2", got.Description)
		}

		n, err := store.DeleteToolsForServer(ctx, "a")
		if err != nil {
			t.Fatalf("DeleteToolsForServer: %v", err)
		}
		if n != 2 {
			t.Errorf("deleted = %d, want 2", n)
		}
	})
}

func TestStore_ReplaceCatalog(t *testing.T) {
	withEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		store.UpsertServer(ctx, &ServerRecord{ID: "srv", Name: "S", Transport: "stdio", Enabled: true})
		store.UpsertTool(ctx, &ToolRecord{ServerID: "srv", Name: "old_one", Enabled: true})
		store.UpsertTool(ctx, &ToolRecord{ServerID: "srv", Name: "old_two", Enabled: true})
		store.UpsertTool(ctx, &ToolRecord{ServerID: "other", Name: "keep_me", Enabled: true})

		err := store.ReplaceCatalog(ctx, "srv", []*ToolRecord{
			{Name: "new_one", Enabled: true},
			{Name: "new_two", Enabled: true},
			{Name: "new_three", Enabled: true},
		})
		if err != nil {
			t.Fatalf("ReplaceCatalog: %v", err)
		}

		mine, _ := store.ListTools(ctx, ToolFilter{ServerID: "srv"})
		if len(mine) != 3 {
			t.Fatalf("tools after replace = %d, want 3", len(mine))
		}
		for _, tool := range mine {
			if tool.Name == "old_one" || tool.Name == "old_two" {
				t.Errorf("stale tool %q survived replace", tool.Name)
			}
			if tool.ServerID != "srv" {
				t.Errorf("tool %q server = %q, want srv", tool.Name, tool.ServerID)
			}
		}

		// Other servers' catalogs are untouched.
		if _, err := store.GetTool(ctx, "keep_me"); err != nil {
			t.Errorf("GetTool(keep_me): %v", err)
		}
	})
}

func TestStore_Overrides(t *testing.T) {
	withEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		for _, o := range []*OverrideRecord{
			{Pattern: "help", PatternType: "exact", TargetIntent: "show_help", Priority: 200, Enabled: true},
			{Pattern: "open ", PatternType: "prefix", TargetIntent: "browser_navigate", Priority: 150, Enabled: true},
			{Pattern: `\bdelete\b`, PatternType: "regex", TargetIntent: "file_delete", Priority: 150, Enabled: true},
			{Pattern: "debug", PatternType: "contains", TargetIntent: "debug_mode", Priority: 10, Enabled: false},
		} {
			if err := store.UpsertOverride(ctx, o); err != nil {
				t.Fatalf("UpsertOverride(%s): %v", o.Pattern, err)
			}
		}

		all, err := store.ListOverrides(ctx, false)
		if err != nil {
			t.Fatalf("ListOverrides: %v", err)
		}
		if len(all) != 4 {
			t.Fatalf("ListOverrides = %d, want 4", len(all))
		}
		if all[0].Pattern != "help" {
			t.Errorf("first override = %q, want help (highest priority)", all[0].Pattern)
		}
		// Equal priorities keep insertion order.
		if all[1].TargetIntent != "browser_navigate" || all[2].TargetIntent != "file_delete" {
			t.Errorf("tie order = [%s %s], want [browser_navigate file_delete]", all[1].TargetIntent, all[2].TargetIntent)
		}

		enabled, _ := store.ListOverrides(ctx, true)
		if len(enabled) != 3 {
			t.Errorf("ListOverrides(enabledOnly) = %d, want 3", len(enabled))
		}

		// Same (pattern, target) updates rather than duplicates.
		if err := store.UpsertOverride(ctx, &OverrideRecord{Pattern: "help", PatternType: "exact", TargetIntent: "show_help", Priority: 300, Enabled: true}); err != nil {
			t.Fatalf("UpsertOverride (update): %v", err)
		}
		all, _ = store.ListOverrides(ctx, false)
		if len(all) != 4 {
			t.Errorf("count after update = %d, want 4", len(all))
		}
		if all[0].Priority != 300 {
			t.Errorf("priority after update = %d, want 300", all[0].Priority)
		}
	})
}

func TestStore_Rules(t *testing.T) {
	withEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		deny := map[string]any{"<": []any{map[string]any{"var": "intent.confidence"}, 0.5}}
		for _, r := range []*RuleRecord{
			{Name: "confidence_threshold", Logic: deny, Kind: "security", Priority: 100, Enabled: true},
			{Name: "guest_readonly", Logic: deny, Kind: "permission", Priority: 90, Enabled: true, Decision: "deny"},
			{Name: "inject_region", Logic: deny, Kind: "context", Priority: 50, Enabled: true, Decision: "modify", Modifications: map[string]any{"region": "us-east-1"}},
			{Name: "retired", Logic: deny, Kind: "security", Priority: 10, Enabled: false},
		} {
			if err := store.UpsertRule(ctx, r); err != nil {
				t.Fatalf("UpsertRule(%s): %v", r.Name, err)
			}
		}

		all, err := store.ListRules(ctx, "", false)
		if err != nil {
			t.Fatalf("ListRules: %v", err)
		}
		if len(all) != 4 {
			t.Fatalf("ListRules = %d, want 4", len(all))
		}
		if all[0].Name != "confidence_threshold" {
			t.Errorf("first rule = %q, want confidence_threshold", all[0].Name)
		}
		if _, ok := all[0].Logic["<"]; !ok {
			t.Errorf("logic lost on round-trip: %v", all[0].Logic)
		}
		// Absent decision reads back as allow.
		if all[0].Decision != "allow" {
			t.Errorf("default decision = %q, want allow", all[0].Decision)
		}
		byName := map[string]*RuleRecord{}
		for _, r := range all {
			byName[r.Name] = r
		}
		if byName["guest_readonly"].Decision != "deny" {
			t.Errorf("guest_readonly decision = %q, want deny", byName["guest_readonly"].Decision)
		}
		if mods := byName["inject_region"].Modifications; mods["region"] != "us-east-1" {
			t.Errorf("modifications lost on round-trip: %v", mods)
		}

		security, _ := store.ListRules(ctx, "security", true)
		if len(security) != 1 || security[0].Name != "confidence_threshold" {
			t.Errorf("ListRules(security, enabled) = %d, want just confidence_threshold", len(security))
		}

		// Name is the conflict key.
		if err := store.UpsertRule(ctx, &RuleRecord{Name: "guest_readonly", Logic: deny, Kind: "permission", Priority: 95, Enabled: true}); err != nil {
			t.Fatalf("UpsertRule (update): %v", err)
		}
		all, _ = store.ListRules(ctx, "", false)
		if len(all) != 4 {
			t.Errorf("count after update = %d, want 4", len(all))
		}
	})
}

func TestStore_TrainingSamples(t *testing.T) {
	withEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		if err := store.AddTrainingSample(ctx, &TrainingSample{Text: "read the config file", Intent: "file_read"}); err != nil {
			t.Fatalf("AddTrainingSample: %v", err)
		}
		store.AddTrainingSample(ctx, &TrainingSample{Text: "open example.com", Intent: "browser_navigate", Source: "import", ConfidenceWeight: 0.5, IsValidated: true})

		all, err := store.ListTrainingSamples(ctx, false)
		if err != nil {
			t.Fatalf("ListTrainingSamples: %v", err)
		}
		if len(all) != 2 {
			t.Fatalf("samples = %d, want 2", len(all))
		}
		if all[0].Source != "manual" || all[0].ConfidenceWeight != 1.0 {
			t.Errorf("defaults = (%q, %v), want (manual, 1)", all[0].Source, all[0].ConfidenceWeight)
		}

		validated, _ := store.ListTrainingSamples(ctx, true)
		if len(validated) != 1 || validated[0].Intent != "browser_navigate" {
			t.Errorf("validated = %d, want just browser_navigate", len(validated))
		}
	})
}

func TestStore_Executions(t *testing.T) {
	withEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

		recs := []*ExecutionRecord{
			{ID: "e1", UserID: "alice", ToolName: "read_file", Status: ExecutionSuccess, InputText: "read a.txt", StartedAt: base},
			{ID: "e2", UserID: "bob", ToolName: "read_file", Status: ExecutionFailed, InputText: "read b.txt", StartedAt: base.Add(1 * time.Minute)},
			{ID: "e3", UserID: "alice", ToolName: "http_get", Status: ExecutionDenied, InputText: "fetch x", StartedAt: base.Add(2 * time.Minute)},
		}
		for _, rec := range recs {
			if err := store.RecordExecution(ctx, rec); err != nil {
				t.Fatalf("RecordExecution(%s): %v", rec.ID, err)
			}
		}

		got, err := store.GetExecution(ctx, "e2")
		if err != nil {
			t.Fatalf("GetExecution: %v", err)
		}
		if got.Status != ExecutionFailed || got.InputText != "read b.txt" {
			t.Errorf("e2 = (%s, %q)", got.Status, got.InputText)
		}

		// Re-recording the same id updates it (pending → terminal).
		if err := store.RecordExecution(ctx, &ExecutionRecord{ID: "e2", UserID: "bob", ToolName: "read_file", Status: ExecutionSuccess, InputText: "read b.txt", StartedAt: base.Add(1 * time.Minute)}); err != nil {
			t.Fatalf("RecordExecution (update): %v", err)
		}
		got, _ = store.GetExecution(ctx, "e2")
		if got.Status != ExecutionSuccess {
			t.Errorf("e2 status after update = %s, want success", got.Status)
		}

		all, err := store.ListExecutions(ctx, ListExecutionsOptions{})
		if err != nil {
			t.Fatalf("ListExecutions: %v", err)
		}
		if len(all) != 3 {
			t.Fatalf("ListExecutions = %d, want 3", len(all))
		}
		if all[0].ID != "e3" || all[2].ID != "e1" {
			t.Errorf("order = [%s %s %s], want newest first", all[0].ID, all[1].ID, all[2].ID)
		}

		alice, _ := store.ListExecutions(ctx, ListExecutionsOptions{UserID: "alice"})
		if len(alice) != 2 {
			t.Errorf("ListExecutions(alice) = %d, want 2", len(alice))
		}
		denied, _ := store.ListExecutions(ctx, ListExecutionsOptions{Status: ExecutionDenied})
		if len(denied) != 1 || denied[0].ID != "e3" {
			t.Errorf("ListExecutions(denied) = %d, want just e3", len(denied))
		}
		since, _ := store.ListExecutions(ctx, ListExecutionsOptions{Since: base.Add(30 * time.Second)})
		if len(since) != 2 {
			t.Errorf("ListExecutions(since) = %d, want 2", len(since))
		}
		page, _ := store.ListExecutions(ctx, ListExecutionsOptions{Limit: 1, Offset: 1})
		if len(page) != 1 || page[0].ID != "e2" {
			t.Errorf("page = %v, want [e2]", page)
		}

		// Count ignores pagination but honors the filters.
		total, err := store.CountExecutions(ctx, ListExecutionsOptions{Limit: 1, Offset: 1})
		if err != nil {
			t.Fatalf("CountExecutions: %v", err)
		}
		if total != 3 {
			t.Errorf("CountExecutions = %d, want 3", total)
		}
		aliceTotal, _ := store.CountExecutions(ctx, ListExecutionsOptions{UserID: "alice"})
		if aliceTotal != 2 {
			t.Errorf("CountExecutions(alice) = %d, want 2", aliceTotal)
		}

		if _, err := store.GetExecution(ctx, "nope"); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetExecution(missing) = %v, want ErrNotFound", err)
		}
	})
}

func TestStore_Users(t *testing.T) {
	withEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		u := &UserRecord{ID: "u-1", Username: "alice", PasswordHash: "x", IsActive: true}
		if err := store.CreateUser(ctx, u); err != nil {
			t.Fatalf("CreateUser: %v", err)
		}
		if err := store.CreateUser(ctx, &UserRecord{ID: "u-2", Username: "alice", PasswordHash: "y"}); err == nil {
			t.Error("expected error for duplicate username")
		}

		got, err := store.GetUserByName(ctx, "alice")
		if err != nil {
			t.Fatalf("GetUserByName: %v", err)
		}
		if got.Role != "user" {
			t.Errorf("default role = %q, want user", got.Role)
		}
		if !got.LastLoginAt.IsZero() {
			t.Errorf("last login before any login = %v, want zero", got.LastLoginAt)
		}

		if err := store.TouchUserLogin(ctx, "u-1"); err != nil {
			t.Fatalf("TouchUserLogin: %v", err)
		}
		got, _ = store.GetUserByName(ctx, "alice")
		if got.LastLoginAt.IsZero() {
			t.Error("last login not recorded")
		}

		if _, err := store.GetUserByName(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetUserByName(missing) = %v, want ErrNotFound", err)
		}
	})
}

func TestSQLiteStore_Persistence(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "persist.db")

	store1, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore (write): %v", err)
	}
	store1.UpsertServer(context.Background(), &ServerRecord{
		ID:        "persist",
		Name:      "Persistent",
		Transport: "stdio",
		Command:   "server",
		Enabled:   true,
	})
	store1.Close()

	store2, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore (read): %v", err)
	}
	defer store2.Close()

	srv, err := store2.GetServer(context.Background(), "persist")
	if err != nil {
		t.Fatalf("GetServer after reopen: %v", err)
	}
	if srv.Name != "Persistent" {
		t.Errorf("name after reopen = %q, want Persistent", srv.Name)
	}

	if _, err := os.Stat(dbPath); err != nil {
		t.Errorf("database file should exist on disk: %v", err)
	}
}

func testStoreLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestNewStore_Factory(t *testing.T) {
	logger := testStoreLogger()

	memStore, err := NewStore(StoreConfig{Backend: "memory"}, logger)
	if err != nil {
		t.Fatalf("NewStore(memory): %v", err)
	}
	if _, ok := memStore.(*MemoryStore); !ok {
		t.Error("expected *MemoryStore")
	}

	dir := t.TempDir()
	sqlStore, err := NewStore(StoreConfig{
		Backend:    "sqlite",
		SQLitePath: filepath.Join(dir, "factory.db"),
	}, logger)
	if err != nil {
		t.Fatalf("NewStore(sqlite): %v", err)
	}
	if s, ok := sqlStore.(*SQLiteStore); ok {
		s.Close()
	} else {
		t.Error("expected *SQLiteStore")
	}

	if _, err := NewStore(StoreConfig{Backend: "redis"}, logger); err == nil {
		t.Error("expected error for unknown backend")
	}
}

package registry

import (
	"context"
	"errors"
	"testing"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := New(NewMemoryStore(), testStoreLogger())
	ctx := context.Background()
	reg.Store().UpsertServer(ctx, &ServerRecord{ID: "fs", Name: "FS", Transport: "stdio", Enabled: true})
	tools := []*ToolRecord{
		{ServerID: "fs", Name: "read_file", IntentPatterns: []string{"read_file", "read-file", "file_read"}, Enabled: true},
		{ServerID: "fs", Name: "write_file", IntentPatterns: []string{"write_file", "file_write"}, Enabled: true},
		{ServerID: "fs", Name: "disabled_tool", IntentPatterns: []string{"disabled_tool"}, Enabled: false},
	}
	for _, tool := range tools {
		if err := reg.UpsertTool(ctx, tool); err != nil {
			t.Fatalf("UpsertTool(%s): %v", tool.Name, err)
		}
	}
	return reg
}

func TestRegistry_GetTool(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	tool, err := reg.GetTool(ctx, "read_file")
	if err != nil {
		t.Fatalf("GetTool: %v", err)
	}
	if tool.ServerID != "fs" {
		t.Errorf("server = %q, want fs", tool.ServerID)
	}

	// Disabled tools are invisible through the cache.
	if _, err := reg.GetTool(ctx, "disabled_tool"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetTool(disabled) = %v, want ErrNotFound", err)
	}
}

func TestRegistry_GetToolWithServer(t *testing.T) {
	reg := newTestRegistry(t)

	tool, srv, err := reg.GetToolWithServer(context.Background(), "write_file")
	if err != nil {
		t.Fatalf("GetToolWithServer: %v", err)
	}
	if tool.Name != "write_file" || srv.ID != "fs" {
		t.Errorf("got (%s, %s), want (write_file, fs)", tool.Name, srv.ID)
	}
}

func TestRegistry_FindToolByIntent(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	tests := []struct {
		intent string
		want   string
	}{
		{"read_file", "read_file"},   // exact tool name
		{"file_read", "read_file"},   // intent pattern
		{"read-file", "read_file"},   // pattern listed with dashes
		{"file-write", "write_file"}, // only matches after -/_ normalization
		{"write-file", "write_file"},
	}
	for _, tc := range tests {
		tool, err := reg.FindToolByIntent(ctx, tc.intent)
		if err != nil {
			t.Errorf("FindToolByIntent(%q): %v", tc.intent, err)
			continue
		}
		if tool.Name != tc.want {
			t.Errorf("FindToolByIntent(%q) = %q, want %q", tc.intent, tool.Name, tc.want)
		}
	}

	if _, err := reg.FindToolByIntent(ctx, "launch_rocket"); !errors.Is(err, ErrNotFound) {
		t.Errorf("FindToolByIntent(unknown) = %v, want ErrNotFound", err)
	}
}

func TestRegistry_CacheInvalidation(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	// Warm the cache.
	if _, err := reg.GetTool(ctx, "read_file"); err != nil {
		t.Fatalf("GetTool: %v", err)
	}

	// A write through the store alone is invisible until invalidation.
	reg.Store().UpsertTool(ctx, &ToolRecord{ServerID: "fs", Name: "stale_tool", Enabled: true})
	if _, err := reg.GetTool(ctx, "stale_tool"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("stale cache should not see direct store writes, got %v", err)
	}
	reg.Invalidate()
	if _, err := reg.GetTool(ctx, "stale_tool"); err != nil {
		t.Errorf("after Invalidate: %v", err)
	}

	// Mutating wrappers invalidate on their own.
	if err := reg.ReplaceCatalog(ctx, "fs", []*ToolRecord{{Name: "only_tool", Enabled: true}}); err != nil {
		t.Fatalf("ReplaceCatalog: %v", err)
	}
	if _, err := reg.GetTool(ctx, "read_file"); !errors.Is(err, ErrNotFound) {
		t.Errorf("replaced tool still cached: %v", err)
	}
	if _, err := reg.GetTool(ctx, "only_tool"); err != nil {
		t.Errorf("GetTool(only_tool): %v", err)
	}

	n, err := reg.DeleteToolsForServer(ctx, "fs")
	if err != nil {
		t.Fatalf("DeleteToolsForServer: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted = %d, want 1", n)
	}
	if _, err := reg.GetTool(ctx, "only_tool"); !errors.Is(err, ErrNotFound) {
		t.Errorf("deleted tool still cached: %v", err)
	}
}

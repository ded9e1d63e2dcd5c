package discovery

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/toolgate/toolgate/pkg/protocol"
	"github.com/toolgate/toolgate/pkg/registry"
	"github.com/toolgate/toolgate/pkg/transport"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeClient satisfies ToolClient without any real transport.
type fakeClient struct {
	tools    map[string][]protocol.ToolInfo
	failWith map[string]error
	connects []string
}

func (f *fakeClient) Connect(_ context.Context, serverID string, _ transport.Config) error {
	f.connects = append(f.connects, serverID)
	if err, ok := f.failWith[serverID]; ok {
		return err
	}
	return nil
}

func (f *fakeClient) ServerTools(serverID string) []protocol.ToolInfo {
	return f.tools[serverID]
}

func writeManifest(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	return path
}

func newTestService(t *testing.T, path string, fc *fakeClient) (*Service, *registry.Registry) {
	t.Helper()
	reg := registry.New(registry.NewMemoryStore(), testLogger())
	return NewService(path, fc, reg, testLogger()), reg
}

func TestLoad_MapForm(t *testing.T) {
	path := writeManifest(t, "servers.json", `{
		"mcpServers": {
			"filesystem": {"command": "fs-server", "args": ["--root", "/data"]},
			"browser": {"transport": "websocket", "url": "ws://localhost:9222"},
			"legacy": {"command": "old-server", "enabled": false}
		}
	}`)
	svc, _ := newTestService(t, path, &fakeClient{})

	configs, err := svc.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(configs) != 2 {
		t.Fatalf("Load() = %d configs, want 2 (disabled skipped)", len(configs))
	}
	// Map-form entries come back ordered by id.
	if configs[0].ID != "browser" || configs[1].ID != "filesystem" {
		t.Fatalf("ids = %s, %s, want browser, filesystem", configs[0].ID, configs[1].ID)
	}
	if configs[0].Transport != "websocket" || configs[0].URL != "ws://localhost:9222" {
		t.Errorf("browser config = %+v", configs[0])
	}
	fs := configs[1]
	if fs.Name != "Filesystem" {
		t.Errorf("Name = %q, want Filesystem (title-cased id)", fs.Name)
	}
	if fs.Transport != "stdio" {
		t.Errorf("Transport = %q, want stdio default", fs.Transport)
	}
	if !reflect.DeepEqual(fs.Args, []string{"--root", "/data"}) {
		t.Errorf("Args = %v", fs.Args)
	}
}

func TestLoad_ArrayFormYAML(t *testing.T) {
	path := writeManifest(t, "servers.yaml", `
servers:
  - id: web
    name: Web Tools
    transport: http
    url: http://localhost:8900/rpc
  - id: muted
    command: muted-server
    enabled: false
`)
	svc, _ := newTestService(t, path, &fakeClient{})

	configs, err := svc.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(configs) != 1 {
		t.Fatalf("Load() = %d configs, want 1", len(configs))
	}
	if configs[0].ID != "web" || configs[0].Name != "Web Tools" || configs[0].Transport != "http" {
		t.Errorf("config = %+v", configs[0])
	}
}

func TestLoad_MissingAndInvalid(t *testing.T) {
	svc, _ := newTestService(t, filepath.Join(t.TempDir(), "absent.json"), &fakeClient{})
	configs, err := svc.Load()
	if err != nil || configs != nil {
		t.Errorf("Load(missing) = (%v, %v), want (nil, nil)", configs, err)
	}

	bad := writeManifest(t, "servers.json", `{"mcpServers": `)
	svc, _ = newTestService(t, bad, &fakeClient{})
	if _, err := svc.Load(); err == nil {
		t.Errorf("Load(truncated) error = nil, want parse error")
	}
}

func TestIntentPatterns(t *testing.T) {
	tests := []struct {
		name string
		want []string
	}{
		{"read_file", []string{"read_file", "read-file", "readfile", "file_read"}},
		{"read-file", []string{"read-file", "read_file", "readfile", "file_read"}},
		{"screenshot", []string{"screenshot"}},
		{"browser_take_screenshot", []string{
			"browser_take_screenshot", "browser-take-screenshot",
			"browsertakescreenshot", "screenshot_take_browser"}},
	}
	for _, tc := range tests {
		if got := IntentPatterns(tc.name); !reflect.DeepEqual(got, tc.want) {
			t.Errorf("IntentPatterns(%q) = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestDiscoverAll(t *testing.T) {
	path := writeManifest(t, "servers.json", `{
		"servers": [
			{"id": "alpha", "command": "alpha-server"},
			{"id": "beta", "command": "beta-server"}
		]
	}`)
	fc := &fakeClient{
		tools: map[string][]protocol.ToolInfo{
			"alpha": {
				{Name: "read_file", Description: "Read a file",
					InputSchema: map[string]any{"type": "object"}},
				{Name: "write_file", InputSchema: map[string]any{"type": "object"}},
			},
		},
		failWith: map[string]error{"beta": errors.New("connection refused")},
	}
	svc, reg := newTestService(t, path, fc)

	results, err := svc.DiscoverAll(context.Background())
	if err != nil {
		t.Fatalf("DiscoverAll() error = %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	if !results[0].Success || results[0].Tools != 2 {
		t.Errorf("alpha result = %+v, want success with 2 tools", results[0])
	}
	if results[1].Success || results[1].Error != "connection refused" {
		t.Errorf("beta result = %+v, want failure", results[1])
	}

	ctx := context.Background()
	alpha, err := reg.Store().GetServer(ctx, "alpha")
	if err != nil {
		t.Fatalf("GetServer(alpha) error = %v", err)
	}
	if alpha.Status != registry.ServerStatusActive {
		t.Errorf("alpha status = %v, want active", alpha.Status)
	}
	beta, err := reg.Store().GetServer(ctx, "beta")
	if err != nil {
		t.Fatalf("GetServer(beta) error = %v", err)
	}
	if beta.Status != registry.ServerStatusError || beta.ErrorMessage != "connection refused" {
		t.Errorf("beta = %v/%q, want error status with message", beta.Status, beta.ErrorMessage)
	}

	tools, err := reg.Store().ListTools(ctx, registry.ToolFilter{ServerID: "alpha"})
	if err != nil {
		t.Fatalf("ListTools() error = %v", err)
	}
	if len(tools) != 2 {
		t.Fatalf("alpha tools = %d, want 2", len(tools))
	}
	var readFile *registry.ToolRecord
	for _, tool := range tools {
		if tool.Name == "read_file" {
			readFile = tool
		}
	}
	if readFile == nil {
		t.Fatalf("read_file not persisted: %v", tools)
	}
	if !reflect.DeepEqual(readFile.IntentPatterns, []string{"read_file", "read-file", "readfile", "file_read"}) {
		t.Errorf("IntentPatterns = %v", readFile.IntentPatterns)
	}
}

func TestRefreshServer_FailureKeepsCatalog(t *testing.T) {
	path := writeManifest(t, "servers.json", `{
		"servers": [{"id": "alpha", "command": "alpha-server"}]
	}`)
	fc := &fakeClient{
		tools: map[string][]protocol.ToolInfo{
			"alpha": {
				{Name: "read_file", InputSchema: map[string]any{"type": "object"}},
				{Name: "list_dir", InputSchema: map[string]any{"type": "object"}},
			},
		},
	}
	svc, reg := newTestService(t, path, fc)
	ctx := context.Background()

	if _, err := svc.DiscoverAll(ctx); err != nil {
		t.Fatalf("DiscoverAll() error = %v", err)
	}

	// Second pass fails at connect: previous catalog must survive.
	fc.failWith = map[string]error{"alpha": errors.New("server crashed")}
	res, err := svc.RefreshServer(ctx, "alpha")
	if err != nil {
		t.Fatalf("RefreshServer() error = %v", err)
	}
	if res.Success {
		t.Fatalf("RefreshServer() = %+v, want failure", res)
	}

	tools, err := reg.Store().ListTools(ctx, registry.ToolFilter{ServerID: "alpha"})
	if err != nil {
		t.Fatalf("ListTools() error = %v", err)
	}
	if len(tools) != 2 {
		t.Errorf("catalog after failed refresh = %d tools, want previous 2", len(tools))
	}
	srv, err := reg.Store().GetServer(ctx, "alpha")
	if err != nil {
		t.Fatalf("GetServer() error = %v", err)
	}
	if srv.Status != registry.ServerStatusError || srv.ErrorMessage != "server crashed" {
		t.Errorf("server = %v/%q, want error status", srv.Status, srv.ErrorMessage)
	}
}

func TestRefreshServer_FromRegistryRecord(t *testing.T) {
	fc := &fakeClient{
		tools: map[string][]protocol.ToolInfo{
			"gamma": {{Name: "ping", InputSchema: map[string]any{"type": "object"}}},
		},
	}
	svc, reg := newTestService(t, filepath.Join(t.TempDir(), "absent.json"), fc)
	ctx := context.Background()

	err := reg.Store().UpsertServer(ctx, &registry.ServerRecord{
		ID: "gamma", Name: "Gamma", Transport: "stdio", Command: "gamma-server", Enabled: true,
	})
	if err != nil {
		t.Fatalf("UpsertServer() error = %v", err)
	}

	res, err := svc.RefreshServer(ctx, "gamma")
	if err != nil {
		t.Fatalf("RefreshServer() error = %v", err)
	}
	if !res.Success || res.Tools != 1 {
		t.Errorf("RefreshServer() = %+v, want success with 1 tool", res)
	}

	if _, err := svc.RefreshServer(ctx, "nope"); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("RefreshServer(nope) error = %v, want ErrNotFound", err)
	}
}

func TestTitleCase(t *testing.T) {
	tests := []struct{ in, want string }{
		{"filesystem", "Filesystem"},
		{"file_server", "File_Server"},
		{"webAPI", "Webapi"},
		{"", ""},
	}
	for _, tc := range tests {
		if got := titleCase(tc.in); got != tc.want {
			t.Errorf("titleCase(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

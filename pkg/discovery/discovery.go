// Package discovery populates the registry from tool servers: it loads
// a server manifest, connects to each enabled server, fetches its tool
// catalog and persists the tools with derived intent patterns.
// Discovery is control-plane only; it never executes tools.
package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"unicode"

	"gopkg.in/yaml.v3"

	"github.com/toolgate/toolgate/pkg/protocol"
	"github.com/toolgate/toolgate/pkg/registry"
	"github.com/toolgate/toolgate/pkg/transport"
)

// ToolClient is the slice of the MCP client discovery needs: open a
// session, read the advertised tools.
type ToolClient interface {
	Connect(ctx context.Context, serverID string, cfg transport.Config) error
	ServerTools(serverID string) []protocol.ToolInfo
}

// ServerConfig is one manifest entry. Enabled is a pointer so that an
// absent key means enabled, matching the manifest contract.
type ServerConfig struct {
	ID          string            `json:"id" yaml:"id"`
	Name        string            `json:"name" yaml:"name"`
	Description string            `json:"description" yaml:"description"`
	Transport   string            `json:"transport" yaml:"transport"`
	Command     string            `json:"command" yaml:"command"`
	Args        []string          `json:"args" yaml:"args"`
	Env         map[string]string `json:"env" yaml:"env"`
	URL         string            `json:"url" yaml:"url"`
	Headers     map[string]string `json:"headers" yaml:"headers"`
	Enabled     *bool             `json:"enabled" yaml:"enabled"`
}

// IsEnabled treats a missing enabled key as true.
func (c ServerConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// Result reports discovery of a single server.
type Result struct {
	ServerID string `json:"server_id"`
	Success  bool   `json:"success"`
	Tools    int    `json:"tools_discovered"`
	Error    string `json:"error,omitempty"`
}

// manifest accepts both accepted shapes: the map form keyed by server
// id under "mcpServers", and the array form under "servers".
type manifest struct {
	MCPServers map[string]ServerConfig `json:"mcpServers" yaml:"mcpServers"`
	Servers    []ServerConfig          `json:"servers" yaml:"servers"`
}

// Service drives discovery against a client and the registry.
type Service struct {
	mu      sync.Mutex
	path    string
	client  ToolClient
	reg     *registry.Registry
	log     *slog.Logger
	configs []ServerConfig
}

func NewService(manifestPath string, cl ToolClient, reg *registry.Registry, log *slog.Logger) *Service {
	return &Service{
		path:   manifestPath,
		client: cl,
		reg:    reg,
		log:    log,
	}
}

// Load reads the manifest and caches the enabled server configs. A
// missing manifest is not an error: discovery simply has nothing to
// do. Map-form entries are ordered by id so runs are reproducible.
func (s *Service) Load() ([]ServerConfig, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.log.Warn("server manifest not found", "path", s.path)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var m manifest
	switch strings.ToLower(filepath.Ext(s.path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &m)
	default:
		err = json.Unmarshal(data, &m)
	}
	if err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", s.path, err)
	}

	var configs []ServerConfig
	switch {
	case len(m.MCPServers) > 0:
		ids := make([]string, 0, len(m.MCPServers))
		for id := range m.MCPServers {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			cfg := m.MCPServers[id]
			cfg.ID = id
			configs = append(configs, normalizeConfig(cfg))
		}
	case len(m.Servers) > 0:
		for _, cfg := range m.Servers {
			configs = append(configs, normalizeConfig(cfg))
		}
	default:
		s.log.Warn("manifest has no mcpServers or servers key", "path", s.path)
	}

	enabled := configs[:0]
	for _, cfg := range configs {
		if cfg.IsEnabled() {
			enabled = append(enabled, cfg)
		}
	}

	s.mu.Lock()
	s.configs = enabled
	s.mu.Unlock()

	s.log.Info("loaded server manifest", "path", s.path, "servers", len(enabled))
	return enabled, nil
}

func normalizeConfig(cfg ServerConfig) ServerConfig {
	if cfg.Name == "" {
		cfg.Name = titleCase(cfg.ID)
	}
	if cfg.Transport == "" {
		cfg.Transport = string(transport.KindStdio)
	}
	return cfg
}

// DiscoverAll registers every configured server and discovers each
// one. A failing server does not stop the run; its result carries the
// error.
func (s *Service) DiscoverAll(ctx context.Context) ([]Result, error) {
	configs := s.cachedConfigs()
	if len(configs) == 0 {
		var err error
		configs, err = s.Load()
		if err != nil {
			return nil, err
		}
	}

	for _, cfg := range configs {
		if err := s.registerServer(ctx, cfg); err != nil {
			s.log.Error("register server failed", "server", cfg.ID, "error", err)
		}
	}

	results := make([]Result, 0, len(configs))
	for _, cfg := range configs {
		results = append(results, s.discoverServer(ctx, cfg))
	}

	successful := 0
	tools := 0
	for _, r := range results {
		if r.Success {
			successful++
			tools += r.Tools
		}
	}
	s.log.Info("discovery complete", "servers", len(results), "successful", successful, "tools", tools)
	return results, nil
}

// RefreshServer rediscovers one server from the cached manifest or,
// failing that, from its registry record.
func (s *Service) RefreshServer(ctx context.Context, serverID string) (Result, error) {
	for _, cfg := range s.cachedConfigs() {
		if cfg.ID == serverID {
			return s.discoverServer(ctx, cfg), nil
		}
	}

	rec, err := s.reg.Store().GetServer(ctx, serverID)
	if err != nil {
		return Result{}, fmt.Errorf("server %s: %w", serverID, err)
	}
	enabled := rec.Enabled
	cfg := ServerConfig{
		ID:          rec.ID,
		Name:        rec.Name,
		Description: rec.Description,
		Transport:   rec.Transport,
		Command:     rec.Command,
		Args:        rec.Args,
		Env:         rec.Env,
		URL:         rec.URL,
		Headers:     rec.Headers,
		Enabled:     &enabled,
	}
	return s.discoverServer(ctx, cfg), nil
}

func (s *Service) cachedConfigs() []ServerConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ServerConfig, len(s.configs))
	copy(out, s.configs)
	return out
}

func (s *Service) registerServer(ctx context.Context, cfg ServerConfig) error {
	return s.reg.Store().UpsertServer(ctx, &registry.ServerRecord{
		ID:          cfg.ID,
		Name:        cfg.Name,
		Description: cfg.Description,
		Transport:   cfg.Transport,
		Command:     cfg.Command,
		Args:        cfg.Args,
		Env:         cfg.Env,
		URL:         cfg.URL,
		Headers:     cfg.Headers,
		Enabled:     cfg.IsEnabled(),
		Status:      registry.ServerStatusInactive,
	})
}

// discoverServer connects, pulls the tool list and swaps the server's
// catalog in one transaction. On any failure the server is marked
// "error" and its previous catalog stays untouched.
func (s *Service) discoverServer(ctx context.Context, cfg ServerConfig) Result {
	s.log.Info("discovering server", "server", cfg.ID, "transport", cfg.Transport)
	s.setStatus(ctx, cfg.ID, registry.ServerStatusDiscovering, "")

	kind, err := transport.ParseKind(cfg.Transport)
	if err != nil {
		return s.fail(ctx, cfg.ID, err)
	}

	err = s.client.Connect(ctx, cfg.ID, transport.Config{
		Kind:    kind,
		Command: cfg.Command,
		Args:    cfg.Args,
		Env:     cfg.Env,
		URL:     cfg.URL,
		Headers: cfg.Headers,
	})
	if err != nil {
		return s.fail(ctx, cfg.ID, err)
	}

	tools := s.client.ServerTools(cfg.ID)
	records := make([]*registry.ToolRecord, 0, len(tools))
	for _, t := range tools {
		records = append(records, &registry.ToolRecord{
			ServerID:       cfg.ID,
			Name:           t.Name,
			Description:    t.Description,
			InputSchema:    t.InputSchema,
			IntentPatterns: IntentPatterns(t.Name),
			Enabled:        true,
		})
	}
	if err := s.reg.ReplaceCatalog(ctx, cfg.ID, records); err != nil {
		return s.fail(ctx, cfg.ID, fmt.Errorf("persist catalog: %w", err))
	}

	s.setStatus(ctx, cfg.ID, registry.ServerStatusActive, "")
	s.log.Info("discovered server", "server", cfg.ID, "tools", len(records))
	return Result{ServerID: cfg.ID, Success: true, Tools: len(records)}
}

func (s *Service) fail(ctx context.Context, serverID string, err error) Result {
	s.log.Error("discovery failed", "server", serverID, "error", err)
	s.setStatus(ctx, serverID, registry.ServerStatusError, err.Error())
	return Result{ServerID: serverID, Success: false, Error: err.Error()}
}

func (s *Service) setStatus(ctx context.Context, serverID string, status registry.ServerStatus, msg string) {
	if err := s.reg.Store().SetServerStatus(ctx, serverID, status, msg); err != nil {
		s.log.Warn("set server status failed", "server", serverID, "status", status, "error", err)
	}
}

// IntentPatterns derives the lookup patterns for a tool name: the name
// itself, separator variants, the squashed form, and for multi-part
// names the parts reversed. Order is stable and duplicates are
// dropped.
func IntentPatterns(toolName string) []string {
	patterns := []string{
		toolName,
		strings.ReplaceAll(toolName, "_", "-"),
		strings.ReplaceAll(toolName, "-", "_"),
		strings.NewReplacer("_", "", "-", "").Replace(toolName),
	}

	parts := strings.Split(strings.ReplaceAll(toolName, "-", "_"), "_")
	if len(parts) > 1 {
		reversed := make([]string, len(parts))
		for i, p := range parts {
			reversed[len(parts)-1-i] = p
		}
		patterns = append(patterns, strings.Join(reversed, "_"))
	}

	seen := make(map[string]bool, len(patterns))
	out := patterns[:0]
	for _, p := range patterns {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

// titleCase uppercases the first letter of every word, the manifest
// fallback for entries without a display name.
func titleCase(s string) string {
	runes := []rune(s)
	startWord := true
	for i, r := range runes {
		if unicode.IsLetter(r) {
			if startWord {
				runes[i] = unicode.ToUpper(r)
			} else {
				runes[i] = unicode.ToLower(r)
			}
			startWord = false
		} else {
			startWord = true
		}
	}
	return string(runes)
}

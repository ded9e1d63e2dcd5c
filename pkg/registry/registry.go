package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// Registry fronts a Store with a process-local cache of enabled tools
// and implements intent-to-tool matching. Any mutation of the tool
// catalog invalidates the cache; the next lookup rebuilds it.
type Registry struct {
	store Store
	log   *slog.Logger

	mu    sync.RWMutex
	tools []*ToolRecord // sorted by (name, server_id) for deterministic matching
	fresh bool
}

// New wraps store. The registry starts with a cold cache.
func New(store Store, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{store: store, log: log}
}

// Store exposes the underlying persistence layer for operations the
// cache does not mediate.
func (r *Registry) Store() Store { return r.store }

// Invalidate drops the tool cache. Called after any catalog mutation.
func (r *Registry) Invalidate() {
	r.mu.Lock()
	r.fresh = false
	r.tools = nil
	r.mu.Unlock()
}

func (r *Registry) cached(ctx context.Context) ([]*ToolRecord, error) {
	r.mu.RLock()
	if r.fresh {
		tools := r.tools
		r.mu.RUnlock()
		return tools, nil
	}
	r.mu.RUnlock()

	tools, err := r.store.ListTools(ctx, ToolFilter{EnabledOnly: true})
	if err != nil {
		return nil, fmt.Errorf("load tool cache: %w", err)
	}
	sort.Slice(tools, func(i, j int) bool {
		if tools[i].Name != tools[j].Name {
			return tools[i].Name < tools[j].Name
		}
		return tools[i].ServerID < tools[j].ServerID
	})

	r.mu.Lock()
	r.tools = tools
	r.fresh = true
	r.mu.Unlock()
	r.log.Debug("tool cache rebuilt", "tools", len(tools))
	return tools, nil
}

// GetTool returns the enabled tool with the given name. When several
// servers expose the same name the lowest server id wins.
func (r *Registry) GetTool(ctx context.Context, name string) (*ToolRecord, error) {
	tools, err := r.cached(ctx)
	if err != nil {
		return nil, err
	}
	for _, t := range tools {
		if t.Name == name {
			return t, nil
		}
	}
	return nil, fmt.Errorf("tool %q: %w", name, ErrNotFound)
}

// GetToolWithServer resolves a tool together with its server record.
func (r *Registry) GetToolWithServer(ctx context.Context, name string) (*ToolRecord, *ServerRecord, error) {
	tool, err := r.GetTool(ctx, name)
	if err != nil {
		return nil, nil, err
	}
	srv, err := r.store.GetServer(ctx, tool.ServerID)
	if err != nil {
		return nil, nil, fmt.Errorf("server %q for tool %q: %w", tool.ServerID, name, err)
	}
	return tool, srv, nil
}

// FindToolByIntent maps an intent name to a tool. Two passes over the
// cache, both in sorted order so ties resolve the same way every time:
//
//  1. the intent equals the tool name or appears verbatim in the
//     tool's intent patterns;
//  2. same comparison with "-" and "_" treated as interchangeable.
func (r *Registry) FindToolByIntent(ctx context.Context, intent string) (*ToolRecord, error) {
	tools, err := r.cached(ctx)
	if err != nil {
		return nil, err
	}

	for _, t := range tools {
		if t.Name == intent {
			return t, nil
		}
		for _, p := range t.IntentPatterns {
			if p == intent {
				return t, nil
			}
		}
	}

	want := normalizeIntent(intent)
	for _, t := range tools {
		if normalizeIntent(t.Name) == want {
			return t, nil
		}
		for _, p := range t.IntentPatterns {
			if normalizeIntent(p) == want {
				return t, nil
			}
		}
	}
	return nil, fmt.Errorf("no tool for intent %q: %w", intent, ErrNotFound)
}

func normalizeIntent(s string) string {
	return strings.ReplaceAll(s, "-", "_")
}

// ------------------------------------------------------------------
// Mutating wrappers (cache invalidation)
// ------------------------------------------------------------------

// UpsertTool writes one tool and invalidates the cache.
func (r *Registry) UpsertTool(ctx context.Context, tool *ToolRecord) error {
	if err := r.store.UpsertTool(ctx, tool); err != nil {
		return err
	}
	r.Invalidate()
	return nil
}

// DeleteToolsForServer removes a server's tools and invalidates the
// cache. Returns the number of tools removed.
func (r *Registry) DeleteToolsForServer(ctx context.Context, serverID string) (int, error) {
	n, err := r.store.DeleteToolsForServer(ctx, serverID)
	if err != nil {
		return n, err
	}
	r.Invalidate()
	return n, nil
}

// ReplaceCatalog atomically swaps a server's tool set and invalidates
// the cache.
func (r *Registry) ReplaceCatalog(ctx context.Context, serverID string, tools []*ToolRecord) error {
	if err := r.store.ReplaceCatalog(ctx, serverID, tools); err != nil {
		return err
	}
	r.Invalidate()
	return nil
}

package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/toolgate/toolgate/pkg/audit"
	"github.com/toolgate/toolgate/pkg/registry"
)

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tools, err := s.reg.Store().ListTools(r.Context(), registry.ToolFilter{
		ServerID: q.Get("server_id"),
		Category: q.Get("category"),
	})
	if err != nil {
		s.log.Error("list tools failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	out := make([]ToolSchema, 0, len(tools))
	for _, t := range tools {
		out = append(out, toolSchema(t))
	}
	writeJSON(w, http.StatusOK, ToolListResponse{Tools: out, Total: len(out)})
}

func (s *Server) handleGetTool(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	tool, err := s.reg.GetTool(r.Context(), name)
	if errors.Is(err, registry.ErrNotFound) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("Tool not found: %s", name))
		return
	}
	if err != nil {
		s.log.Error("get tool failed", "tool", name, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, toolSchema(tool))
}

func (s *Server) handleListServers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	servers, err := s.reg.Store().ListServers(ctx, false)
	if err != nil {
		s.log.Error("list servers failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	tools, err := s.reg.Store().ListTools(ctx, registry.ToolFilter{})
	if err != nil {
		s.log.Error("list tools failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	counts := make(map[string]int, len(servers))
	for _, t := range tools {
		counts[t.ServerID]++
	}

	out := make([]ServerSchema, 0, len(servers))
	for _, srv := range servers {
		out = append(out, ServerSchema{
			ServerID:    srv.ID,
			Name:        srv.Name,
			Description: srv.Description,
			Transport:   srv.Transport,
			Status:      string(srv.Status),
			Enabled:     srv.Enabled,
			ToolsCount:  counts[srv.ID],
		})
	}
	writeJSON(w, http.StatusOK, ServerListResponse{Servers: out, Total: len(out)})
}

// handleDiscoverAll reloads the manifest and sweeps every configured
// server. Admin only.
func (s *Server) handleDiscoverAll(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, err := s.disco.Load(); err != nil {
		s.log.Error("manifest load failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	results, err := s.disco.DiscoverAll(ctx)
	if err != nil {
		s.log.Error("discovery failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	resp := DiscoveryAllResponse{
		Results:      make([]DiscoveryResponse, 0, len(results)),
		TotalServers: len(results),
	}
	for _, res := range results {
		resp.Results = append(resp.Results, DiscoveryResponse{
			ServerID:        res.ServerID,
			Success:         res.Success,
			ToolsDiscovered: res.Tools,
			Error:           res.Error,
		})
		if res.Success {
			resp.SuccessfulServers++
			resp.TotalTools += res.Tools
		}
	}

	s.recordDiscovery(ctx, resp.TotalServers, resp.SuccessfulServers, resp.TotalTools)
	writeJSON(w, http.StatusOK, resp)
}

// handleDiscoverServer re-sweeps one server. Admin only.
func (s *Server) handleDiscoverServer(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ctx := r.Context()

	if _, err := s.disco.Load(); err != nil {
		s.log.Warn("manifest load failed", "error", err)
	}
	res, err := s.disco.RefreshServer(ctx, id)
	if errors.Is(err, registry.ErrNotFound) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("Server not found: %s", id))
		return
	}
	if err != nil {
		s.log.Error("server discovery failed", "server", id, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	success := 0
	status := "success"
	if res.Success {
		success = 1
	} else {
		status = "failed"
	}
	s.auditLogger(ctx).LogServerConnect(ctx, id, &audit.EventResult{Status: status, Error: res.Error})
	s.recordDiscovery(ctx, 1, success, res.Tools)
	writeJSON(w, http.StatusOK, DiscoveryResponse{
		ServerID:        res.ServerID,
		Success:         res.Success,
		ToolsDiscovered: res.Tools,
		Error:           res.Error,
	})
}

// recordDiscovery updates the catalog gauges, counters, audit trail
// and the event stream after a sweep.
func (s *Server) recordDiscovery(ctx context.Context, servers, successful, tools int) {
	s.metrics.DiscoveryRuns.Inc()
	if successful < servers {
		s.metrics.DiscoveryErrors.Inc()
	}

	if all, err := s.reg.Store().ListServers(ctx, false); err == nil {
		s.metrics.CatalogServers.Set(int64(len(all)))
	}
	if all, err := s.reg.Store().ListTools(ctx, registry.ToolFilter{}); err == nil {
		s.metrics.CatalogTools.Set(int64(len(all)))
	}

	status := "success"
	if successful < servers {
		status = "failed"
	}
	s.auditLogger(ctx).LogDiscoveryRun(ctx, servers, tools, &audit.EventResult{Status: status})
	s.hub.publish(Event{
		Type:    EventDiscoveryCompleted,
		Status:  status,
		Servers: servers,
		Tools:   tools,
	})
}

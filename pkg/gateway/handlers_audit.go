package gateway

import (
	"net/http"
	"strconv"

	"github.com/toolgate/toolgate/pkg/observability"
	"github.com/toolgate/toolgate/pkg/registry"
)

// handleAuditLogs pages through execution history, newest first.
// Admin only.
func (s *Server) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	page, err := positiveParam(q.Get("page"), 1)
	if err != nil || page < 1 {
		writeError(w, http.StatusBadRequest, "page must be a positive integer")
		return
	}
	pageSize, err := positiveParam(q.Get("page_size"), 50)
	if err != nil || pageSize < 1 || pageSize > 100 {
		writeError(w, http.StatusBadRequest, "page_size must be between 1 and 100")
		return
	}

	opts := registry.ListExecutionsOptions{
		ToolName: q.Get("tool_name"),
		Status:   registry.ExecutionStatus(q.Get("status")),
		Limit:    pageSize,
		Offset:   (page - 1) * pageSize,
	}

	ctx := r.Context()
	total, err := s.reg.Store().CountExecutions(ctx, opts)
	if err != nil {
		s.log.Error("count executions failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	recs, err := s.reg.Store().ListExecutions(ctx, opts)
	if err != nil {
		s.log.Error("list executions failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	logs := make([]AuditLogEntry, 0, len(recs))
	for _, rec := range recs {
		logs = append(logs, AuditLogEntry{
			ID:               rec.ID,
			InputText:        rec.InputText,
			Intent:           rec.Intent,
			IntentConfidence: rec.IntentConfidence,
			ToolName:         rec.ToolName,
			ExecutionStatus:  string(rec.Status),
			DurationMS:       rec.DurationMS,
			CreatedAt:        rec.StartedAt,
		})
	}

	writeJSON(w, http.StatusOK, AuditLogListResponse{
		Logs:     logs,
		Total:    total,
		Page:     page,
		PageSize: pageSize,
	})
}

// handleTraces lists recent pipeline spans, optionally narrowed to one
// trace. Admin only.
func (s *Server) handleTraces(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit, err := positiveParam(q.Get("limit"), 100)
	if err != nil || limit < 1 || limit > 1000 {
		writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
		return
	}

	spans := s.tracer.QuerySpans(observability.SpanQueryOptions{
		TraceID: q.Get("trace_id"),
		Name:    q.Get("name"),
		Status:  q.Get("status"),
		Limit:   limit,
	})
	if spans == nil {
		spans = make([]*observability.Span, 0)
	}

	writeJSON(w, http.StatusOK, TraceListResponse{Spans: spans, Total: len(spans)})
}

func positiveParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

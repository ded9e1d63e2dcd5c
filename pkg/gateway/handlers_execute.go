package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/toolgate/toolgate/pkg/audit"
	"github.com/toolgate/toolgate/pkg/auth"
	"github.com/toolgate/toolgate/pkg/pipeline"
	"github.com/toolgate/toolgate/pkg/registry"
	"github.com/toolgate/toolgate/pkg/rules"
)

// handleExecute runs the full eight-stage pipeline. The response is
// always 200 once the input parses; denial and failure travel in the
// body so clients see the stage trace semantics uniformly.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.InputText == "" || len(req.InputText) > maxInputLength {
		writeError(w, http.StatusBadRequest, "input_text must be between 1 and 10000 characters")
		return
	}

	ctx := r.Context()
	identity := auth.IdentityFrom(ctx)
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	in := pipeline.Input{
		Text:            req.InputText,
		UserID:          identity.UserID,
		UserRole:        identity.Role,
		UserPermissions: identity.Permissions,
		SessionID:       sessionID,
		RequestCount:    s.sessions.touch(sessionID),
		Context:         req.Context,
		Overrides:       req.Overrides,
	}

	s.metrics.ExecutionsTotal.Inc()
	s.hub.publish(Event{Type: EventExecutionStarted, SessionID: sessionID})

	// The run gets its own deadline; persistence below stays on the
	// request context so a timed-out run is still recorded.
	execCtx := ctx
	if t := s.cfg.Client.ExecutionTimeout(); t > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}

	spanCtx, span := s.tracer.StartSpan(execCtx, "pipeline.execute", map[string]string{
		"session_id": sessionID,
		"user":       identity.Username,
	})

	result := s.pipe.Execute(spanCtx, in)
	rec := result.Record(in)

	var execErr error
	if result.Error != "" {
		execErr = errors.New(result.Error)
	}
	s.tracer.EndSpan(span, execErr)

	if err := s.reg.Store().RecordExecution(ctx, rec); err != nil {
		s.log.Error("persist execution failed", "execution_id", rec.ID, "error", err)
	}
	s.observeExecution(rec)
	s.auditLogger(ctx).LogPipelineExec(ctx, req.InputText, sessionID, &audit.EventTarget{
		Tool:   rec.ToolName,
		Server: rec.ServerID,
		Intent: rec.Intent,
	}, auditResult(rec))

	s.hub.publish(Event{
		Type:        EventExecutionCompleted,
		ExecutionID: rec.ID,
		SessionID:   sessionID,
		ToolName:    rec.ToolName,
		Intent:      rec.Intent,
		Status:      string(rec.Status),
		Error:       rec.Error,
	})

	metadata := map[string]any{"duration_ms": rec.DurationMS}
	if result.Intent != nil {
		metadata["intent"] = result.Intent.Intent
		metadata["confidence"] = result.Intent.Confidence
	}
	writeJSON(w, http.StatusOK, ExecuteResponse{
		Success:     result.Success,
		ExecutionID: rec.ID,
		ToolName:    result.ToolName,
		Result:      result.Output,
		Error:       result.Error,
		Metadata:    metadata,
	})
}

// handleExecuteTool invokes one tool directly, bypassing the language
// stages. Schema validation and the rule engine still apply, and every
// attempt past the catalog lookup leaves an execution record.
func (s *Server) handleExecuteTool(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	var req ToolExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	params := req.Parameters
	if params == nil {
		params = map[string]any{}
	}

	ctx := r.Context()
	identity := auth.IdentityFrom(ctx)

	tool, server, err := s.reg.GetToolWithServer(ctx, name)
	if errors.Is(err, registry.ErrNotFound) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("Tool not found: %s", name))
		return
	}
	if err != nil {
		s.log.Error("tool lookup failed", "tool", name, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	startedAt := time.Now().UTC()
	rec := &registry.ExecutionRecord{
		ID:               uuid.NewString(),
		UserID:           identity.UserID,
		InputText:        fmt.Sprintf("[DIRECT] %s", name),
		Intent:           "direct_execute",
		IntentConfidence: 1.0,
		ForcedIntent:     true,
		ToolName:         name,
		ServerID:         server.ID,
		Parameters:       params,
		StartedAt:        startedAt,
	}

	if ok, errs := s.builder.ValidateParams(params, tool.InputSchema); !ok {
		rec.Status = registry.ExecutionFailed
		rec.FailedStage = pipeline.StageValidation
		rec.Error = strings.Join(errs, "; ")
		s.finishDirect(ctx, rec, startedAt)
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:  "Parameter validation failed",
			Detail: map[string]any{"errors": errs},
		})
		return
	}

	ruleRes := s.rules.Evaluate(rules.Context{
		UserID:           identity.UserID,
		UserRole:         identity.Role,
		UserPermissions:  identity.Permissions,
		Intent:           "direct_execute",
		IntentConfidence: 1.0,
		IsForcedIntent:   true,
		ToolName:         name,
		ToolCategory:     tool.Category,
	})
	s.auditLogger(ctx).LogRuleDecision(ctx, string(ruleRes.Decision), ruleRes.Reason, ruleRes.MatchedRules, &audit.EventTarget{
		Tool:   name,
		Server: server.ID,
		Intent: "direct_execute",
	})
	if ruleRes.Decision == rules.Deny {
		rec.Status = registry.ExecutionDenied
		rec.RuleDecision = string(ruleRes.Decision)
		rec.RuleReason = ruleRes.Reason
		rec.Error = ruleRes.Reason
		s.finishDirect(ctx, rec, startedAt)
		writeError(w, http.StatusForbidden, fmt.Sprintf("Execution denied: %s", ruleRes.Reason))
		return
	}
	rec.RuleDecision = string(ruleRes.Decision)

	// Direct calls assume the server session is already up; the
	// pipeline path is the one that dials on demand.
	callCtx := ctx
	if t := s.cfg.Client.ExecutionTimeout(); t > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	callStart := time.Now()
	res := s.caller.Call(callCtx, server.ID, name, params)
	s.metrics.ToolCalls.Inc()
	s.metrics.ToolLatency.Observe(time.Since(callStart).Seconds())

	rec.Status = registry.ExecutionSuccess
	if !res.Success {
		rec.Status = registry.ExecutionFailed
		rec.FailedStage = pipeline.StageExecution
		rec.Error = res.Error
		s.metrics.ToolErrors.Inc()
	}
	if res.Content != nil {
		if b, err := json.Marshal(res.Content); err == nil {
			rec.Result = b
		}
	}
	s.finishDirect(ctx, rec, startedAt)
	s.auditLogger(ctx).LogToolExec(ctx, name, server.ID, auditResult(rec))

	writeJSON(w, http.StatusOK, ExecuteResponse{
		Success:     res.Success,
		ExecutionID: rec.ID,
		ToolName:    name,
		Result:      res.Content,
		Error:       res.Error,
		Metadata:    res.Metadata,
	})
}

// finishDirect stamps the timing fields, persists the record and
// pushes the completion event.
func (s *Server) finishDirect(ctx context.Context, rec *registry.ExecutionRecord, startedAt time.Time) {
	rec.CompletedAt = time.Now().UTC()
	rec.DurationMS = rec.CompletedAt.Sub(startedAt).Milliseconds()
	if err := s.reg.Store().RecordExecution(ctx, rec); err != nil {
		s.log.Error("persist execution failed", "execution_id", rec.ID, "error", err)
	}
	s.observeExecution(rec)
	s.hub.publish(Event{
		Type:        EventExecutionCompleted,
		ExecutionID: rec.ID,
		ToolName:    rec.ToolName,
		Intent:      rec.Intent,
		Status:      string(rec.Status),
		Error:       rec.Error,
	})
}

func (s *Server) observeExecution(rec *registry.ExecutionRecord) {
	s.metrics.ExecutionLatency.Observe(float64(rec.DurationMS) / 1000)
	switch rec.Status {
	case registry.ExecutionDenied:
		s.metrics.ExecutionsDenied.Inc()
	case registry.ExecutionFailed:
		s.metrics.ExecutionsFailed.Inc()
	}
	for _, st := range rec.Stages {
		s.metrics.ObserveStage(st.Name, float64(st.DurationMS)/1000)
	}
}

func auditResult(rec *registry.ExecutionRecord) *audit.EventResult {
	return &audit.EventResult{
		Status:      string(rec.Status),
		FailedStage: rec.FailedStage,
		DurationMS:  rec.DurationMS,
		Error:       rec.Error,
	}
}

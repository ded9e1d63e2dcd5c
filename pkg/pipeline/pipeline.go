// Package pipeline drives one request through the fixed eight-stage
// execution sequence: entity extraction, intent classification, rule
// evaluation, tool selection, parameter building, schema validation,
// tool execution and response formatting.
//
// The stages run in strict order within a single Execute call; none is
// skipped and none runs out of order. A stage failure stops the run and
// marks the failed stage on the result. Multiple Execute calls may run
// concurrently; the pipeline itself holds no per-request state.
//
// No stage contains tool-specific logic. Everything the pipeline knows
// about a tool comes from its registry record and its JSON schema.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/toolgate/toolgate/pkg/client"
	"github.com/toolgate/toolgate/pkg/executor"
	"github.com/toolgate/toolgate/pkg/intent"
	"github.com/toolgate/toolgate/pkg/nlp"
	"github.com/toolgate/toolgate/pkg/protocol"
	"github.com/toolgate/toolgate/pkg/registry"
	"github.com/toolgate/toolgate/pkg/rules"
	"github.com/toolgate/toolgate/pkg/transport"
)

// Stage names as they appear in execution records, in run order.
const (
	StageExtraction     = "entity_extraction"
	StageClassification = "intent_classification"
	StageRules          = "rule_evaluation"
	StageSelection      = "tool_selection"
	StageParameters     = "parameter_building"
	StageValidation     = "schema_validation"
	StageExecution      = "tool_execution"
	StageFormatting     = "response_formatting"
)

// StageOrder is the fixed run order. Every recorded stage list is a
// prefix of this sequence.
var StageOrder = []string{
	StageExtraction,
	StageClassification,
	StageRules,
	StageSelection,
	StageParameters,
	StageValidation,
	StageExecution,
	StageFormatting,
}

// ToolCaller is the slice of the tool client the execution stage needs.
// *client.Client satisfies it.
type ToolCaller interface {
	EnsureConnected(ctx context.Context, serverID string, cfg transport.Config) error
	Call(ctx context.Context, serverID, toolName string, args map[string]any) *client.CallResult
}

// Input is one request to the pipeline. Context doubles as the default
// parameter map for the build stage; Overrides always win over every
// other parameter source.
type Input struct {
	Text            string         `json:"text"`
	UserID          string         `json:"user_id,omitempty"`
	UserRole        string         `json:"user_role,omitempty"`
	UserPermissions []string       `json:"user_permissions,omitempty"`
	SessionID       string         `json:"session_id,omitempty"`
	RequestCount    int            `json:"request_count,omitempty"`
	Context         map[string]any `json:"context,omitempty"`
	Overrides       map[string]any `json:"overrides,omitempty"`
}

// Result is the complete outcome of one pipeline run: the terminal
// status, every intermediate stage output that was produced, and the
// per-stage trace.
type Result struct {
	Success bool                     `json:"success"`
	Status  registry.ExecutionStatus `json:"status"`

	Entities    *nlp.Result           `json:"entities,omitempty"`
	Intent      *intent.Result        `json:"intent,omitempty"`
	RuleResult  *rules.Result         `json:"rule_result,omitempty"`
	Tool        *registry.ToolRecord  `json:"tool,omitempty"`
	ServerID    string                `json:"server_id,omitempty"`
	BuildResult *executor.BuildResult `json:"parameter_result,omitempty"`
	CallResult  *client.CallResult    `json:"tool_result,omitempty"`

	ToolName   string         `json:"tool_name,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Output     any            `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`

	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	DurationMS  int64     `json:"duration_ms"`

	Stages      []registry.StageTiming `json:"stage_results"`
	FailedStage string                 `json:"failed_stage,omitempty"`
}

func (r *Result) pass(name string, start time.Time) {
	r.Stages = append(r.Stages, registry.StageTiming{
		Name:       name,
		Success:    true,
		DurationMS: time.Since(start).Milliseconds(),
	})
}

// Pipeline wires the stages together. Construct with New; the zero
// value is not usable.
type Pipeline struct {
	extractor  *nlp.Extractor
	intents    *intent.Engine
	ruleEngine *rules.Engine
	builder    *executor.Builder
	reg        *registry.Registry
	caller     ToolCaller
	log        *slog.Logger
}

// New builds a pipeline around the stateful components. The extractor
// and parameter builder are stateless and constructed internally.
func New(intents *intent.Engine, ruleEngine *rules.Engine, reg *registry.Registry, caller ToolCaller, log *slog.Logger) *Pipeline {
	return &Pipeline{
		extractor:  nlp.NewExtractor(),
		intents:    intents,
		ruleEngine: ruleEngine,
		builder:    executor.NewBuilder(log),
		reg:        reg,
		caller:     caller,
		log:        log,
	}
}

// Execute runs all eight stages in order. It never returns an error:
// every failure mode ends up as a terminal status, a failed stage and
// an error string on the result.
func (p *Pipeline) Execute(ctx context.Context, in Input) *Result {
	res := &Result{
		Status:    registry.ExecutionPending,
		StartedAt: time.Now().UTC(),
	}

	role := in.UserRole
	if role == "" {
		role = "guest"
	}

	// Stage 1: entity extraction. Total by construction; empty input
	// yields an empty result, never an error.
	start := time.Now()
	res.Entities = p.extractor.Extract(in.Text)
	res.pass(StageExtraction, start)
	p.log.Debug("entities extracted", "count", len(res.Entities.Entities))

	// Stage 2: intent classification.
	start = time.Now()
	ir := p.intents.Classify(in.Text)
	res.Intent = &ir
	res.pass(StageClassification, start)
	p.log.Debug("intent classified",
		"intent", ir.Intent, "confidence", ir.Confidence, "forced", ir.IsForced)

	// Stage 3: rule evaluation.
	start = time.Now()
	rr := p.ruleEngine.Evaluate(rules.Context{
		UserID:           in.UserID,
		UserRole:         role,
		UserPermissions:  in.UserPermissions,
		Intent:           ir.Intent,
		IntentConfidence: ir.Confidence,
		IsForcedIntent:   ir.IsForced,
		IsDestructive:    DestructiveIntent(ir.Intent),
		SessionID:        in.SessionID,
		RequestCount:     in.RequestCount,
		Custom:           in.Context,
	})
	res.RuleResult = &rr
	res.pass(StageRules, start)
	p.log.Debug("rules evaluated", "decision", rr.Decision, "matched", rr.MatchedRules)

	if rr.Decision == rules.Deny {
		res.Status = registry.ExecutionDenied
		res.Error = rr.Reason
		if res.Error == "" {
			res.Error = "Denied by rule engine"
		}
		return p.finalize(res)
	}
	if truthy(rr.Modifications["requires_confirmation"]) && !truthy(in.Context["confirmed"]) {
		res.Status = registry.ExecutionDenied
		res.Error = fmt.Sprintf("Confirmation required for %s: re-submit with confirmed=true in context", ir.Intent)
		return p.finalize(res)
	}

	// Stage 4: tool selection.
	start = time.Now()
	tool, err := p.reg.FindToolByIntent(ctx, ir.Intent)
	if err != nil {
		msg := err.Error()
		if errors.Is(err, registry.ErrNotFound) {
			msg = fmt.Sprintf("No tool found for intent: %s", ir.Intent)
		}
		return p.fail(res, StageSelection, start, msg)
	}
	res.Tool = tool
	res.ToolName = tool.Name
	res.pass(StageSelection, start)
	p.log.Debug("tool selected", "tool", tool.Name, "server", tool.ServerID)

	// Stage 5: parameter building. Request context acts as the default
	// map; request overrides always win.
	start = time.Now()
	build := p.builder.Build(tool.InputSchema, res.Entities, in.Context, in.Overrides)
	res.BuildResult = &build
	res.Parameters = build.Parameters
	if !build.Success {
		msg := "Parameter building failed"
		if len(build.MissingRequired) > 0 {
			msg += fmt.Sprintf(": missing required params %v", build.MissingRequired)
		}
		if len(build.ValidationErrors) > 0 {
			msg += fmt.Sprintf(": %v", build.ValidationErrors)
		}
		return p.fail(res, StageParameters, start, msg)
	}
	res.pass(StageParameters, start)

	// Stage 6: schema validation. The builder already validated; this
	// run catches callers that mutate the parameter map afterwards.
	start = time.Now()
	if ok, errs := p.builder.ValidateParams(res.Parameters, tool.InputSchema); !ok {
		return p.fail(res, StageValidation, start, fmt.Sprintf("Validation failed: %v", errs))
	}
	res.pass(StageValidation, start)

	// Stage 7: tool execution.
	start = time.Now()
	call, serverID, errMsg := p.callTool(ctx, tool, res.Parameters)
	res.ServerID = serverID
	res.CallResult = call
	if errMsg != "" {
		return p.fail(res, StageExecution, start, errMsg)
	}
	res.pass(StageExecution, start)

	// Stage 8: response formatting. Never fails; at worst the raw
	// content comes back untouched.
	start = time.Now()
	res.Output = FormatContent(call.Content)
	res.pass(StageFormatting, start)

	res.Success = true
	res.Status = registry.ExecutionSuccess
	return p.finalize(res)
}

// callTool resolves the owning server, reconnects from the stored
// transport configuration when the session is gone, and dispatches the
// call. A non-empty message means the stage failed.
func (p *Pipeline) callTool(ctx context.Context, tool *registry.ToolRecord, params map[string]any) (*client.CallResult, string, string) {
	rec, srv, err := p.reg.GetToolWithServer(ctx, tool.Name)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return nil, "", "Tool or server not found"
		}
		return nil, "", err.Error()
	}

	kind, err := transport.ParseKind(srv.Transport)
	if err != nil {
		return nil, srv.ID, err.Error()
	}
	cfg := transport.Config{
		Kind:    kind,
		Command: srv.Command,
		Args:    srv.Args,
		Env:     srv.Env,
		URL:     srv.URL,
		Headers: srv.Headers,
	}
	if err := p.caller.EnsureConnected(ctx, srv.ID, cfg); err != nil {
		return nil, srv.ID, fmt.Sprintf("Could not connect to server %s: %v", srv.ID, err)
	}

	if rec.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(rec.TimeoutSeconds)*time.Second)
		defer cancel()
	}
	call := p.caller.Call(ctx, srv.ID, tool.Name, params)
	if !call.Success {
		return call, srv.ID, call.Error
	}
	return call, srv.ID, ""
}

// fail records the failed stage and closes out the result. The status
// is left alone when a stage already set a terminal one.
func (p *Pipeline) fail(res *Result, name string, start time.Time, msg string) *Result {
	res.Stages = append(res.Stages, registry.StageTiming{
		Name:       name,
		Success:    false,
		DurationMS: time.Since(start).Milliseconds(),
		Error:      msg,
	})
	res.FailedStage = name
	res.Error = msg
	if res.Status == registry.ExecutionPending {
		res.Status = registry.ExecutionFailed
	}
	p.log.Warn("pipeline stage failed", "stage", name, "error", msg)
	return p.finalize(res)
}

func (p *Pipeline) finalize(res *Result) *Result {
	res.CompletedAt = time.Now().UTC()
	res.DurationMS = res.CompletedAt.Sub(res.StartedAt).Milliseconds()
	return res
}

// FormatContent renders a tool result for the user. Block sequences
// collapse to one string: text blocks join with newlines, image blocks
// become a placeholder, anything else is stringified. Content that is
// not a block sequence passes through unchanged.
func FormatContent(content any) any {
	switch blocks := content.(type) {
	case []protocol.ContentBlock:
		parts := make([]string, 0, len(blocks))
		for _, blk := range blocks {
			switch blk.Type {
			case "text":
				parts = append(parts, blk.Text)
			case "image":
				parts = append(parts, "[Image content]")
			default:
				parts = append(parts, fmt.Sprint(blk))
			}
		}
		return strings.Join(parts, "\n")
	case []any:
		parts := make([]string, 0, len(blocks))
		for _, item := range blocks {
			m, ok := item.(map[string]any)
			if !ok {
				parts = append(parts, fmt.Sprint(item))
				continue
			}
			switch m["type"] {
			case "text":
				text, _ := m["text"].(string)
				parts = append(parts, text)
			case "image":
				parts = append(parts, "[Image content]")
			default:
				parts = append(parts, fmt.Sprint(m))
			}
		}
		return strings.Join(parts, "\n")
	default:
		return content
	}
}

var destructiveWords = map[string]bool{
	"delete":  true,
	"remove":  true,
	"drop":    true,
	"kill":    true,
	"destroy": true,
	"purge":   true,
	"wipe":    true,
}

// DestructiveIntent reports whether any segment of the intent name is a
// destructive verb. Segment comparison keeps "dropbox_sync" from
// matching "drop".
func DestructiveIntent(name string) bool {
	parts := strings.FieldsFunc(strings.ToLower(name), func(r rune) bool {
		return r == '_' || r == '-' || r == '.' || r == ' '
	})
	for _, part := range parts {
		if destructiveWords[part] {
			return true
		}
	}
	return false
}

// truthy interprets the loose booleans request contexts carry.
func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return strings.EqualFold(t, "true")
	default:
		return false
	}
}

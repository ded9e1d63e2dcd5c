package pipeline

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/toolgate/toolgate/pkg/registry"
)

// Error kinds recorded per failed stage. Denied runs carry "rule_deny".
var stageErrorCodes = map[string]string{
	StageSelection:  "no_tool_for_intent",
	StageParameters: "parameter",
	StageValidation: "schema_validation",
	StageExecution:  "transport",
}

// Record flattens the run into a durable execution record. The caller
// owns persistence; the pipeline itself never writes the audit trail.
func (r *Result) Record(in Input) *registry.ExecutionRecord {
	rec := &registry.ExecutionRecord{
		ID:          uuid.NewString(),
		UserID:      in.UserID,
		SessionID:   in.SessionID,
		InputText:   in.Text,
		ToolName:    r.ToolName,
		ServerID:    r.ServerID,
		Parameters:  r.Parameters,
		Status:      r.Status,
		FailedStage: r.FailedStage,
		Stages:      r.Stages,
		Error:       r.Error,
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
		DurationMS:  r.DurationMS,
	}

	if r.Entities != nil {
		if b, err := json.Marshal(r.Entities); err == nil {
			rec.Entities = b
		}
	}
	if r.Intent != nil {
		rec.Intent = r.Intent.Intent
		rec.IntentConfidence = r.Intent.Confidence
		rec.ForcedIntent = r.Intent.IsForced
	}
	if r.RuleResult != nil {
		rec.RuleDecision = string(r.RuleResult.Decision)
		rec.RuleReason = r.RuleResult.Reason
		rec.Modifications = r.RuleResult.Modifications
	}
	if r.Output != nil {
		if b, err := json.Marshal(r.Output); err == nil {
			rec.Result = b
		}
	}

	switch {
	case r.Status == registry.ExecutionDenied:
		rec.ErrorCode = "rule_deny"
	case r.FailedStage != "":
		rec.ErrorCode = stageErrorCodes[r.FailedStage]
	}
	return rec
}

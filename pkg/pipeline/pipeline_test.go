package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolgate/toolgate/pkg/client"
	"github.com/toolgate/toolgate/pkg/intent"
	"github.com/toolgate/toolgate/pkg/protocol"
	"github.com/toolgate/toolgate/pkg/registry"
	"github.com/toolgate/toolgate/pkg/rules"
	"github.com/toolgate/toolgate/pkg/transport"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type recordedCall struct {
	ServerID string
	Tool     string
	Args     map[string]any
}

// fakeCaller satisfies ToolCaller without any real transport.
type fakeCaller struct {
	mu         sync.Mutex
	connectErr map[string]error
	results    map[string]*client.CallResult
	connects   []string
	calls      []recordedCall
}

func (f *fakeCaller) EnsureConnected(_ context.Context, serverID string, _ transport.Config) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.connectErr[serverID]; err != nil {
		return err
	}
	f.connects = append(f.connects, serverID)
	return nil
}

func (f *fakeCaller) Call(_ context.Context, serverID, toolName string, args map[string]any) *client.CallResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, recordedCall{ServerID: serverID, Tool: toolName, Args: args})
	if r, ok := f.results[toolName]; ok {
		return r
	}
	return &client.CallResult{Success: true, Content: "ok"}
}

func textResult(text string) *client.CallResult {
	return &client.CallResult{Success: true, Content: text}
}

// newTestPipeline seeds a registry with the gateway's standard demo
// catalog and wires a pipeline around the fake caller.
func newTestPipeline(t *testing.T, fc *fakeCaller) *Pipeline {
	t.Helper()
	log := testLogger()
	ctx := context.Background()

	reg := registry.New(registry.NewMemoryStore(), log)
	servers := map[string][]*registry.ToolRecord{
		"core": {
			{Name: "show_help", Description: "Show command help",
				InputSchema: map[string]any{"type": "object", "properties": map[string]any{}}},
		},
		"browser": {
			{Name: "browser_navigate", Description: "Navigate the browser",
				InputSchema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"url": map[string]any{"type": "string", "description": "URL to navigate to"},
					},
					"required": []any{"url"},
				}},
		},
		"filesystem": {
			{Name: "read_file", Description: "Read a file",
				InputSchema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"path":     map[string]any{"type": "string", "description": "Path to the file"},
						"encoding": map[string]any{"type": "string", "default": "utf-8"},
					},
					"required": []any{"path"},
				}},
			{Name: "delete_file", Description: "Delete a file",
				InputSchema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"path": map[string]any{"type": "string", "description": "Path to the file"},
					},
					"required": []any{"path"},
				}},
		},
	}
	for id, tools := range servers {
		err := reg.Store().UpsertServer(ctx, &registry.ServerRecord{
			ID: id, Name: id, Transport: "stdio", Command: "server-" + id, Enabled: true,
		})
		require.NoError(t, err)
		for _, tool := range tools {
			tool.ServerID = id
			tool.Enabled = true
		}
		require.NoError(t, reg.ReplaceCatalog(ctx, id, tools))
	}

	intents := intent.NewEngine(filepath.Join(t.TempDir(), "model.json"), log)
	return New(intents, rules.NewEngine(0.7, log), reg, fc, log)
}

func stageNames(res *Result) []string {
	names := make([]string, len(res.Stages))
	for i, s := range res.Stages {
		names[i] = s.Name
	}
	return names
}

func TestExecute_HelpRunsAllStages(t *testing.T) {
	fc := &fakeCaller{results: map[string]*client.CallResult{"show_help": textResult("usage: ...")}}
	p := newTestPipeline(t, fc)

	res := p.Execute(context.Background(), Input{Text: "help", UserRole: "guest"})

	require.Equal(t, registry.ExecutionSuccess, res.Status)
	assert.True(t, res.Success)
	assert.Equal(t, "show_help", res.ToolName)
	assert.True(t, res.Intent.IsForced)
	assert.Equal(t, 1.0, res.Intent.Confidence)
	assert.Equal(t, "usage: ...", res.Output)
	assert.Empty(t, res.FailedStage)
	assert.Equal(t, StageOrder, stageNames(res))
	for _, s := range res.Stages {
		assert.True(t, s.Success, "stage %s", s.Name)
	}
}

func TestExecute_NavigateFillsURLFromToken(t *testing.T) {
	fc := &fakeCaller{}
	p := newTestPipeline(t, fc)
	in := Input{Text: "navigate to google", UserID: "u1", UserRole: "user"}

	res := p.Execute(context.Background(), in)

	require.Equal(t, registry.ExecutionSuccess, res.Status)
	assert.Equal(t, "browser_navigate", res.ToolName)
	assert.Equal(t, "browser", res.ServerID)
	require.Len(t, fc.calls, 1)
	assert.Equal(t, map[string]any{"url": "https://google.com"}, fc.calls[0].Args)

	// Same input, same tool, same parameters.
	again := p.Execute(context.Background(), in)
	assert.Equal(t, res.ToolName, again.ToolName)
	assert.Equal(t, res.Parameters, again.Parameters)
}

func TestExecute_ReadFileAppliesSchemaDefault(t *testing.T) {
	fc := &fakeCaller{}
	p := newTestPipeline(t, fc)

	res := p.Execute(context.Background(), Input{Text: "read file /tmp/a.txt", UserRole: "user"})

	require.Equal(t, registry.ExecutionSuccess, res.Status)
	assert.Equal(t, "read_file", res.ToolName)
	assert.Equal(t, "/tmp/a.txt", res.Parameters["path"])
	assert.Equal(t, "utf-8", res.Parameters["encoding"])
	assert.Equal(t, "schema_default", res.BuildResult.MappingLog["encoding"])
}

func TestExecute_GuestLowConfidenceDenied(t *testing.T) {
	fc := &fakeCaller{}
	p := newTestPipeline(t, fc)

	res := p.Execute(context.Background(), Input{Text: "delete everything", UserRole: "guest"})

	require.Equal(t, registry.ExecutionDenied, res.Status)
	assert.False(t, res.Success)
	assert.Equal(t, rules.Deny, res.RuleResult.Decision)
	assert.Equal(t, "Deny if intent confidence is below threshold", res.Error)
	assert.Empty(t, res.FailedStage)
	assert.Equal(t, []string{StageExtraction, StageClassification, StageRules}, stageNames(res))
	assert.Empty(t, fc.calls, "denied request must not reach the tool")
}

func TestExecute_DestructiveIntentNeedsConfirmation(t *testing.T) {
	fc := &fakeCaller{}
	p := newTestPipeline(t, fc)

	res := p.Execute(context.Background(), Input{Text: "delete file /tmp/a.txt", UserRole: "user"})

	require.Equal(t, registry.ExecutionDenied, res.Status)
	assert.Equal(t, rules.Modify, res.RuleResult.Decision)
	assert.Equal(t, true, res.RuleResult.Modifications["requires_confirmation"])
	assert.Contains(t, res.Error, "Confirmation required for delete_file")
	assert.Empty(t, fc.calls)

	confirmed := p.Execute(context.Background(), Input{
		Text:     "delete file /tmp/a.txt",
		UserRole: "user",
		Context:  map[string]any{"confirmed": true},
	})
	require.Equal(t, registry.ExecutionSuccess, confirmed.Status)
	require.Len(t, fc.calls, 1)
	assert.Equal(t, "delete_file", fc.calls[0].Tool)
}

func TestExecute_NoToolForIntent(t *testing.T) {
	fc := &fakeCaller{}
	p := newTestPipeline(t, fc)

	res := p.Execute(context.Background(), Input{Text: "take a screenshot", UserRole: "user"})

	require.Equal(t, registry.ExecutionFailed, res.Status)
	assert.Equal(t, StageSelection, res.FailedStage)
	assert.Equal(t, "No tool found for intent: browser_screenshot", res.Error)
	assert.Equal(t, []string{
		StageExtraction, StageClassification, StageRules, StageSelection,
	}, stageNames(res))
	last := res.Stages[len(res.Stages)-1]
	assert.False(t, last.Success)
	assert.Equal(t, res.Error, last.Error)
}

func TestExecute_MissingRequiredParameter(t *testing.T) {
	fc := &fakeCaller{}
	p := newTestPipeline(t, fc)

	res := p.Execute(context.Background(), Input{Text: "read file", UserRole: "user"})

	require.Equal(t, registry.ExecutionFailed, res.Status)
	assert.Equal(t, StageParameters, res.FailedStage)
	assert.Contains(t, res.Error, "missing required params [path]")
	require.NotNil(t, res.BuildResult)
	assert.Equal(t, []string{"path"}, res.BuildResult.MissingRequired)
	assert.Empty(t, fc.calls)
}

func TestExecute_ConnectFailure(t *testing.T) {
	fc := &fakeCaller{connectErr: map[string]error{"browser": errors.New("spawn failed")}}
	p := newTestPipeline(t, fc)

	res := p.Execute(context.Background(), Input{Text: "navigate to google", UserRole: "user"})

	require.Equal(t, registry.ExecutionFailed, res.Status)
	assert.Equal(t, StageExecution, res.FailedStage)
	assert.Equal(t, "Could not connect to server browser: spawn failed", res.Error)
	assert.Empty(t, fc.calls)
}

func TestExecute_ToolCallFailure(t *testing.T) {
	fc := &fakeCaller{results: map[string]*client.CallResult{
		"browser_navigate": {Success: false, Error: "net::ERR_NAME_NOT_RESOLVED", ErrorCode: protocol.ErrInternal},
	}}
	p := newTestPipeline(t, fc)

	res := p.Execute(context.Background(), Input{Text: "navigate to google", UserRole: "user"})

	require.Equal(t, registry.ExecutionFailed, res.Status)
	assert.Equal(t, StageExecution, res.FailedStage)
	assert.Equal(t, "net::ERR_NAME_NOT_RESOLVED", res.Error)
	assert.Equal(t, []string{
		StageExtraction, StageClassification, StageRules, StageSelection,
		StageParameters, StageValidation, StageExecution,
	}, stageNames(res))
}

func TestExecute_OverridesWinOverEntities(t *testing.T) {
	fc := &fakeCaller{}
	p := newTestPipeline(t, fc)

	res := p.Execute(context.Background(), Input{
		Text:      "navigate to google",
		UserRole:  "user",
		Overrides: map[string]any{"url": "https://example.org"},
	})

	require.Equal(t, registry.ExecutionSuccess, res.Status)
	assert.Equal(t, "https://example.org", res.Parameters["url"])
	assert.Equal(t, "override", res.BuildResult.MappingLog["url"])
}

func TestFormatContent(t *testing.T) {
	blocks := []protocol.ContentBlock{
		{Type: "text", Text: "line one"},
		{Type: "image", Data: "base64...", MimeType: "image/png"},
		{Type: "text", Text: "line two"},
	}
	got := FormatContent(blocks)
	assert.Equal(t, "line one\n[Image content]\nline two", got)

	decoded := []any{
		map[string]any{"type": "text", "text": "alpha"},
		map[string]any{"type": "image", "data": "zz"},
		"plain",
	}
	assert.Equal(t, "alpha\n[Image content]\nplain", FormatContent(decoded))

	assert.Equal(t, "already a string", FormatContent("already a string"))
	assert.Nil(t, FormatContent(nil))
	num := FormatContent(42)
	assert.Equal(t, 42, num)
}

func TestDestructiveIntent(t *testing.T) {
	cases := []struct {
		intent string
		want   bool
	}{
		{"delete_file", true},
		{"remove-container", true},
		{"purge cache", true},
		{"kill_process", true},
		{"dropbox_sync", false},
		{"read_file", false},
		{"", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, DestructiveIntent(tc.intent), "intent %q", tc.intent)
	}
}

func TestRecord_SuccessRun(t *testing.T) {
	fc := &fakeCaller{}
	p := newTestPipeline(t, fc)
	in := Input{Text: "navigate to google", UserID: "u1", UserRole: "user", SessionID: "s1"}

	res := p.Execute(context.Background(), in)
	require.Equal(t, registry.ExecutionSuccess, res.Status)

	rec := res.Record(in)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, "u1", rec.UserID)
	assert.Equal(t, "s1", rec.SessionID)
	assert.Equal(t, "navigate to google", rec.InputText)
	assert.Equal(t, "browser_navigate", rec.Intent)
	assert.Equal(t, 1.0, rec.IntentConfidence)
	assert.True(t, rec.ForcedIntent)
	assert.Equal(t, "allow", rec.RuleDecision)
	assert.Equal(t, "browser_navigate", rec.ToolName)
	assert.Equal(t, "browser", rec.ServerID)
	assert.Equal(t, registry.ExecutionSuccess, rec.Status)
	assert.Empty(t, rec.ErrorCode)
	assert.Len(t, rec.Stages, len(StageOrder))
	assert.NotEmpty(t, rec.Entities)
	assert.Equal(t, `"ok"`, string(rec.Result))

	// A second record of the same run gets a fresh id.
	assert.NotEqual(t, rec.ID, res.Record(in).ID)
}

func TestRecord_ErrorCodes(t *testing.T) {
	fc := &fakeCaller{}
	p := newTestPipeline(t, fc)

	denied := p.Execute(context.Background(), Input{Text: "delete everything", UserRole: "guest"})
	assert.Equal(t, "rule_deny", denied.Record(Input{}).ErrorCode)

	missing := p.Execute(context.Background(), Input{Text: "read file", UserRole: "user"})
	assert.Equal(t, "parameter", missing.Record(Input{}).ErrorCode)

	noTool := p.Execute(context.Background(), Input{Text: "take a screenshot", UserRole: "user"})
	assert.Equal(t, "no_tool_for_intent", noTool.Record(Input{}).ErrorCode)
}

func TestExecute_RateLimitDeniesBySessionCount(t *testing.T) {
	fc := &fakeCaller{}
	p := newTestPipeline(t, fc)

	res := p.Execute(context.Background(), Input{
		Text:         "help",
		UserRole:     "user",
		SessionID:    "busy",
		RequestCount: 1500,
	})

	require.Equal(t, registry.ExecutionDenied, res.Status)
	assert.Equal(t, "Deny if too many requests in session", res.Error)
}

func TestExecute_ConcurrentRunsShareNothing(t *testing.T) {
	fc := &fakeCaller{results: map[string]*client.CallResult{"show_help": textResult("usage")}}
	p := newTestPipeline(t, fc)

	done := make(chan *Result, 8)
	for i := 0; i < 8; i++ {
		go func(n int) {
			done <- p.Execute(context.Background(), Input{
				Text:      "help",
				UserRole:  "user",
				SessionID: fmt.Sprintf("s%d", n),
			})
		}(i)
	}
	for i := 0; i < 8; i++ {
		res := <-done
		assert.Equal(t, registry.ExecutionSuccess, res.Status)
		assert.Equal(t, "show_help", res.ToolName)
	}
}

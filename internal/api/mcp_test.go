package api

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/twincast/twincast/internal/convo"
	"github.com/twincast/twincast/internal/queue"
	"github.com/twincast/twincast/internal/storage"
)

func newTestMCPDeps(t *testing.T) (MCPDeps, *storage.Store, *fakeJobs) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	jobs := &fakeJobs{jobs: map[string]*queue.Job{}}
	deps := MCPDeps{
		Store:     store,
		Jobs:      jobs,
		Retriever: &fakeRetriever{chunks: []string{"relevant chunk"}},
		Engine:    &fakeEngine{outcome: &convo.Outcome{Kind: convo.OutcomeScored, Text: "styled answer", Confidence: convo.ConfidenceHigh, Reasoning: "grounded"}},
	}
	return deps, store, jobs
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func TestMCPTool_AskAgent(t *testing.T) {
	deps, store, _ := newTestMCPDeps(t)
	seedAgent(t, store, storage.AgentReady)
	handler := mcpAskAgent(deps)

	result, err := handler(context.Background(), makeCallToolRequest("ask_agent", map[string]interface{}{
		"creator_fid": 42,
		"question":    "thoughts on sqlite?",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}

	var resp AskAgentResponse
	if err := json.Unmarshal([]byte(toolText(t, result)), &resp); err != nil {
		t.Fatalf("parsing response: %v", err)
	}
	if resp.Answer != "styled answer" || resp.Confidence != "high" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestMCPTool_AskAgent_Errors(t *testing.T) {
	deps, store, _ := newTestMCPDeps(t)
	handler := mcpAskAgent(deps)

	result, err := handler(context.Background(), makeCallToolRequest("ask_agent", map[string]interface{}{
		"creator_fid": 42,
		"question":    "anyone there?",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError || !strings.Contains(toolText(t, result), "no agent") {
		t.Errorf("expected no-agent error, got %s", toolText(t, result))
	}

	seedAgent(t, store, storage.AgentInitializing)
	result, _ = handler(context.Background(), makeCallToolRequest("ask_agent", map[string]interface{}{
		"creator_fid": 42,
		"question":    "anyone there?",
	}))
	if !result.IsError || !strings.Contains(toolText(t, result), "not ready") {
		t.Errorf("expected not-ready error, got %s", toolText(t, result))
	}

	result, _ = handler(context.Background(), makeCallToolRequest("ask_agent", map[string]interface{}{
		"creator_fid": 42,
	}))
	if !result.IsError {
		t.Error("expected error for missing question")
	}
}

func TestMCPTool_AgentStatus(t *testing.T) {
	deps, store, _ := newTestMCPDeps(t)
	seedAgent(t, store, storage.AgentReady)
	handler := mcpAgentStatus(deps)

	result, err := handler(context.Background(), makeCallToolRequest("agent_status", map[string]interface{}{
		"creator_fid": 42,
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	text := toolText(t, result)
	if !strings.Contains(text, `"status":"ready"`) || !strings.Contains(text, `"handle":"alice-twin"`) {
		t.Errorf("status = %s", text)
	}
}

func TestMCPTool_JobStatus(t *testing.T) {
	deps, _, jobs := newTestMCPDeps(t)
	jobs.jobs["j-1"] = &queue.Job{
		ID: "j-1", Type: queue.TypeAgentInit, Status: queue.StatusActive, Progress: 40, Attempts: 1,
	}
	handler := mcpJobStatus(deps)

	result, err := handler(context.Background(), makeCallToolRequest("job_status", map[string]interface{}{
		"job_id": "j-1",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	text := toolText(t, result)
	if !strings.Contains(text, `"progress":40`) || !strings.Contains(text, `"status":"active"`) {
		t.Errorf("job = %s", text)
	}

	result, _ = handler(context.Background(), makeCallToolRequest("job_status", map[string]interface{}{
		"job_id": "missing",
	}))
	if !result.IsError {
		t.Error("expected error for unknown job")
	}
}

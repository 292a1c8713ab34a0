package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/twincast/twincast/internal/convo"
	"github.com/twincast/twincast/internal/queue"
	"github.com/twincast/twincast/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store     AgentStore
	Jobs      JobQueue
	Retriever ContextRetriever
	Engine    Decider
}

// NewMCPServer creates an MCP server exposing the twin surface as tools:
// asking a twin a question, and inspecting agent and job state.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"twincast",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("Digital twin agents that answer questions in their creator's voice."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("ask_agent",
			mcp.WithDescription("Ask a user's twin a question and get an answer in the user's voice, with a confidence grade."),
			mcp.WithNumber("creator_fid", mcp.Description("Fid of the human user whose twin should answer"), mcp.Required()),
			mcp.WithString("question", mcp.Description("The question to ask"), mcp.Required()),
		),
		mcpAskAgent(deps),
	)

	s.AddTool(
		mcp.NewTool("agent_status",
			mcp.WithDescription("Look up a twin agent's lifecycle status by its creator's fid."),
			mcp.WithNumber("creator_fid", mcp.Description("Fid of the human user"), mcp.Required()),
		),
		mcpAgentStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("job_status",
			mcp.WithDescription("Look up a background job's status, progress, and result by id."),
			mcp.WithString("job_id", mcp.Description("Job id returned by an enqueue call"), mcp.Required()),
		),
		mcpJobStatus(deps),
	)

	return s
}

func mcpAskAgent(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		creatorFid, err := req.RequireInt("creator_fid")
		if err != nil {
			return mcpError("creator_fid is required"), nil
		}
		question, err := req.RequireString("question")
		if err != nil {
			return mcpError("question is required"), nil
		}

		a, err := deps.Store.GetAgentByCreatorFid(int64(creatorFid))
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("no agent for creator %d", creatorFid)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("looking up agent: %v", err)), nil
		}
		if a.Status != storage.AgentReady {
			return mcpError(fmt.Sprintf("agent is %s, not ready", a.Status)), nil
		}

		retrieved, err := deps.Retriever.Retrieve(ctx, a.CreatorFid, question, 0)
		if err != nil {
			return mcpError(fmt.Sprintf("retrieving context: %v", err)), nil
		}
		outcome, err := deps.Engine.Run(ctx, convo.Request{
			Question:      question,
			StyleProfile:  a.StyleProfile,
			Tone:          a.Tone,
			Keywords:      a.Keywords,
			TopicPatterns: a.TopicPatterns,
			Context:       retrieved,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("answering question: %v", err)), nil
		}

		b, err := json.Marshal(AskAgentResponse{
			Answer:     outcome.Text,
			Confidence: string(outcome.Confidence),
			Reasoning:  outcome.Reasoning,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal answer: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpAgentStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		creatorFid, err := req.RequireInt("creator_fid")
		if err != nil {
			return mcpError("creator_fid is required"), nil
		}

		a, err := deps.Store.GetAgentByCreatorFid(int64(creatorFid))
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("no agent for creator %d", creatorFid)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("looking up agent: %v", err)), nil
		}

		b, err := json.Marshal(map[string]any{
			"fid":         a.Fid,
			"creator_fid": a.CreatorFid,
			"handle":      a.Handle,
			"status":      a.Status,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal status: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpJobStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("job_id")
		if err != nil {
			return mcpError("job_id is required"), nil
		}

		job, err := deps.Jobs.Get(ctx, id)
		if errors.Is(err, queue.ErrJobNotFound) {
			return mcpError(fmt.Sprintf("job %s not found", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("looking up job: %v", err)), nil
		}

		view := jobView{
			ID:        job.ID,
			Type:      job.Type,
			Status:    job.Status,
			Progress:  job.Progress,
			Attempts:  job.Attempts,
			LastError: job.LastError,
		}
		if json.Valid([]byte(job.Result)) {
			view.Result = json.RawMessage(job.Result)
		}
		b, err := json.Marshal(view)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal job: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

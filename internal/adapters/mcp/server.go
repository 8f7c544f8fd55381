// Package mcpadapter exposes chat and retrieval as MCP tools.
package mcpadapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kirillkom/study-assistant/internal/core/domain"
	"github.com/kirillkom/study-assistant/internal/core/ports"
)

const (
	serverName = "study-assistant"

	toolRetrieve = "retrieve"
	toolAsk      = "ask"
)

type Adapter struct {
	chat      ports.ChatService
	retrieval ports.RetrievalService
}

func New(chat ports.ChatService, retrieval ports.RetrievalService) *Adapter {
	return &Adapter{chat: chat, retrieval: retrieval}
}

// Server builds an MCP server with the retrieve and ask tools registered.
func (a *Adapter) Server(version string) *server.MCPServer {
	s := server.NewMCPServer(serverName, version, server.WithToolCapabilities(false))

	s.AddTool(mcp.NewTool(toolRetrieve,
		mcp.WithDescription("Search the study material with hybrid dense and keyword retrieval. Returns ranked chunks with provenance."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Search text")),
		mcp.WithString("notebook_id", mcp.Description("Restrict results to one notebook")),
		mcp.WithString("topic", mcp.Description("Restrict results to one topic")),
		mcp.WithNumber("top_k", mcp.Description("Number of results, 1-50")),
	), a.handleRetrieve)

	s.AddTool(mcp.NewTool(toolAsk,
		mcp.WithDescription("Ask the study assistant a question. Answers are grounded in the course material when possible and carry citations."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Question to answer")),
		mcp.WithString("session_id", mcp.Description("Conversation id for follow-up questions")),
		mcp.WithString("notebook_id", mcp.Description("Notebook to answer from")),
		mcp.WithString("topic", mcp.Description("Restrict retrieval to one topic")),
	), a.handleAsk)

	return s
}

// ServeStdio blocks serving MCP over stdin/stdout.
func (a *Adapter) ServeStdio(version string) error {
	return server.ServeStdio(a.Server(version))
}

type retrievedChunk struct {
	ChunkID    string  `json:"chunk_id"`
	Text       string  `json:"text"`
	SourceFile string  `json:"source_file"`
	PageNumber int     `json:"page_number,omitempty"`
	Section    string  `json:"section,omitempty"`
	Score      float64 `json:"score"`
}

type retrieveOutput struct {
	Results  []retrievedChunk `json:"results"`
	Degraded bool             `json:"degraded"`
}

func (a *Adapter) handleRetrieve(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := request.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	req := domain.RetrieveRequest{
		Query:      query,
		NotebookID: strings.TrimSpace(request.GetString("notebook_id", "")),
		TopK:       request.GetInt("top_k", 0),
	}
	if topic := strings.TrimSpace(request.GetString("topic", "")); topic != "" {
		req.Filters = &domain.ChatFilters{Topic: topic}
	}

	result, err := a.retrieval.Retrieve(ctx, req)
	if err != nil {
		return toolError(toolRetrieve, err)
	}

	out := retrieveOutput{Results: make([]retrievedChunk, 0, len(result.Candidates)), Degraded: result.Degraded}
	for _, c := range result.Candidates {
		out.Results = append(out.Results, retrievedChunk{
			ChunkID:    c.ChunkID,
			Text:       c.Chunk.Text,
			SourceFile: c.Chunk.SourceFile,
			PageNumber: c.Chunk.PageNumber,
			Section:    c.Chunk.Section,
			Score:      c.FinalScore(),
		})
	}
	payload, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode retrieve result: %w", err)
	}
	return mcp.NewToolResultText(string(payload)), nil
}

func (a *Adapter) handleAsk(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := request.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	req := domain.ChatRequest{
		Query:      query,
		SessionID:  strings.TrimSpace(request.GetString("session_id", "")),
		NotebookID: strings.TrimSpace(request.GetString("notebook_id", "")),
	}
	if topic := strings.TrimSpace(request.GetString("topic", "")); topic != "" {
		req.Filters = &domain.ChatFilters{Topic: topic}
	}

	resp, err := a.chat.Chat(ctx, req)
	if err != nil {
		return toolError(toolAsk, err)
	}

	var b strings.Builder
	b.WriteString(resp.Answer)
	if resp.CitationBlock != "" {
		b.WriteString("\n\n")
		b.WriteString(resp.CitationBlock)
	}
	fmt.Fprintf(&b, "\n\n[session_id=%s route=%s confidence=%.2f]", resp.SessionID, resp.Route, resp.Confidence)
	return mcp.NewToolResultText(b.String()), nil
}

// toolError reports caller and provider failures inside the tool result so
// the MCP client can show them. Cancellation is returned as a protocol error.
func toolError(tool string, err error) (*mcp.CallToolResult, error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil, err
	}
	switch {
	case domain.IsKind(err, domain.ErrInvalidInput):
		return mcp.NewToolResultError(err.Error()), nil
	case domain.IsKind(err, domain.ErrTemporary):
		slog.Warn("mcp_tool_unavailable", "tool", tool, "error", err)
		return mcp.NewToolResultError("the assistant is temporarily unavailable, try again shortly"), nil
	default:
		slog.Error("mcp_tool_failed", "tool", tool, "error", err)
		return mcp.NewToolResultError("internal error"), nil
	}
}

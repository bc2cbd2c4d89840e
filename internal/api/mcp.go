package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/chatbridge/internal/conversation"
	"github.com/kalambet/chatbridge/internal/retrieval"
	"github.com/kalambet/chatbridge/internal/storage"
)

// MCPRetriever abstracts semantic search for the MCP layer.
type MCPRetriever interface {
	Retrieve(ctx context.Context, query string, scope retrieval.Scope) ([]retrieval.ContextChunk, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Bots         BotService
	Conversation Responder
	Retriever    MCPRetriever
}

// NewMCPServer creates an MCP server exposing bots as tools.
func NewMCPServer(deps MCPDeps, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"chatbridge",
		version,
		server.WithToolCapabilities(true),
		server.WithInstructions("chatbridge: persona chatbots grounded in uploaded company documents."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("list_bots",
			mcp.WithDescription("List the bots owned by a user."),
			mcp.WithString("user_id", mcp.Description("Owner of the bots"), mcp.Required()),
		),
		mcpListBots(deps),
	)

	s.AddTool(
		mcp.NewTool("ask_bot",
			mcp.WithDescription("Send a message to a bot and return its reply. The exchange is added to the bot's conversation history."),
			mcp.WithString("user_id", mcp.Description("Owner of the bot"), mcp.Required()),
			mcp.WithString("bot_id", mcp.Description("Bot to ask"), mcp.Required()),
			mcp.WithString("message", mcp.Description("The user message"), mcp.Required()),
		),
		mcpAskBot(deps),
	)

	s.AddTool(
		mcp.NewTool("search_bot_documents",
			mcp.WithDescription("Semantically search the documents of a bot and return the most relevant chunks."),
			mcp.WithString("user_id", mcp.Description("Owner of the bot"), mcp.Required()),
			mcp.WithString("bot_id", mcp.Description("Bot whose documents to search"), mcp.Required()),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
		),
		mcpSearchDocuments(deps),
	)

	return s
}

func mcpListBots(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, err := req.RequireString("user_id")
		if err != nil {
			return mcpError("user_id is required"), nil
		}

		list, err := deps.Bots.List(ctx, userID)
		if err != nil {
			return mcpError(fmt.Sprintf("listing bots failed: %v", err)), nil
		}
		out := make([]botResponse, 0, len(list))
		for _, b := range list {
			out = append(out, toBotResponse(b))
		}
		return mcpJSON(out)
	}
}

func mcpAskBot(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		b, errResult := mcpLookupBot(ctx, deps, req)
		if errResult != nil {
			return errResult, nil
		}
		message, err := req.RequireString("message")
		if err != nil || message == "" {
			return mcpError("message is required"), nil
		}

		reply := deps.Conversation.Respond(ctx, b, message, conversation.SessionID(b.UserID, b.ID))
		return mcpText(reply), nil
	}
}

func mcpSearchDocuments(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		b, errResult := mcpLookupBot(ctx, deps, req)
		if errResult != nil {
			return errResult, nil
		}
		query, err := req.RequireString("query")
		if err != nil || query == "" {
			return mcpError("query is required"), nil
		}

		chunks, err := deps.Retriever.Retrieve(ctx, query, deps.Bots.Scope(b))
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}

		type result struct {
			Source   string  `json:"source"`
			Position int     `json:"position"`
			Text     string  `json:"text"`
			Score    float32 `json:"score"`
		}
		out := make([]result, 0, len(chunks))
		for _, ch := range chunks {
			out = append(out, result{Source: ch.Source, Position: ch.Position, Text: ch.Text, Score: ch.Score})
		}
		return mcpJSON(out)
	}
}

func mcpLookupBot(ctx context.Context, deps MCPDeps, req mcp.CallToolRequest) (storage.Bot, *mcp.CallToolResult) {
	userID, err := req.RequireString("user_id")
	if err != nil {
		return storage.Bot{}, mcpError("user_id is required")
	}
	botID, err := req.RequireString("bot_id")
	if err != nil {
		return storage.Bot{}, mcpError("bot_id is required")
	}
	b, err := deps.Bots.Get(ctx, userID, botID)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Bot{}, mcpError(fmt.Sprintf("bot %s not found", botID))
	}
	if err != nil {
		return storage.Bot{}, mcpError(fmt.Sprintf("loading bot failed: %v", err))
	}
	return b, nil
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
	}
	return mcpText(string(b)), nil
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

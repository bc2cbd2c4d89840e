package api

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/chatbridge/internal/retrieval"
)

// --- mocks ---

type mockMCPRetriever struct {
	chunks []retrieval.ContextChunk
	err    error
	scope  retrieval.Scope
}

func (m *mockMCPRetriever) Retrieve(_ context.Context, _ string, scope retrieval.Scope) ([]retrieval.ContextChunk, error) {
	m.scope = scope
	return m.chunks, m.err
}

// --- helpers ---

func newTestMCPDeps() (MCPDeps, *mockResponder, *mockMCPRetriever) {
	mr, ret := &mockResponder{}, &mockMCPRetriever{}
	return MCPDeps{Bots: newMockBots(), Conversation: mr, Retriever: ret}, mr, ret
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

// --- tests ---

func TestNewMCPServer(t *testing.T) {
	deps, _, _ := newTestMCPDeps()
	if s := NewMCPServer(deps, "test"); s == nil {
		t.Fatal("NewMCPServer returned nil")
	}
}

func TestMCPTool_ListBots(t *testing.T) {
	deps, _, _ := newTestMCPDeps()

	result, err := mcpListBots(deps)(context.Background(), makeCallToolRequest("list_bots", map[string]interface{}{"user_id": "alice"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool error: %s", toolText(t, result))
	}

	var out []botResponse
	if err := json.Unmarshal([]byte(toolText(t, result)), &out); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if len(out) != 1 || out[0].CompanyName != "Acme" {
		t.Errorf("bots = %+v", out)
	}
}

func TestMCPTool_ListBots_MissingUser(t *testing.T) {
	deps, _, _ := newTestMCPDeps()

	result, _ := mcpListBots(deps)(context.Background(), makeCallToolRequest("list_bots", map[string]interface{}{}))
	if !result.IsError {
		t.Error("expected error result for missing user_id")
	}
}

func TestMCPTool_AskBot(t *testing.T) {
	deps, mr, _ := newTestMCPDeps()

	result, err := mcpAskBot(deps)(context.Background(), makeCallToolRequest("ask_bot", map[string]interface{}{
		"user_id": "alice",
		"bot_id":  "bot-1",
		"message": "how do I reset my password",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool error: %s", toolText(t, result))
	}
	if got := toolText(t, result); got != "reply from Acme" {
		t.Errorf("reply = %q", got)
	}
	if mr.sessionID != "alice:bot-1" {
		t.Errorf("session = %q", mr.sessionID)
	}
}

func TestMCPTool_AskBot_Errors(t *testing.T) {
	deps, _, _ := newTestMCPDeps()
	handler := mcpAskBot(deps)

	tests := map[string]map[string]interface{}{
		"missing bot":     {"user_id": "alice", "message": "hi"},
		"unknown bot":     {"user_id": "alice", "bot_id": "nope", "message": "hi"},
		"missing message": {"user_id": "alice", "bot_id": "bot-1"},
		"empty message":   {"user_id": "alice", "bot_id": "bot-1", "message": ""},
	}
	for name, args := range tests {
		result, err := handler(context.Background(), makeCallToolRequest("ask_bot", args))
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", name, err)
		}
		if !result.IsError {
			t.Errorf("%s: expected error result", name)
		}
	}

	result, _ := handler(context.Background(), makeCallToolRequest("ask_bot", tests["unknown bot"]))
	if !strings.Contains(toolText(t, result), "not found") {
		t.Errorf("unknown bot message = %q", toolText(t, result))
	}
}

func TestMCPTool_SearchDocuments(t *testing.T) {
	deps, _, ret := newTestMCPDeps()
	ret.chunks = []retrieval.ContextChunk{
		{ID: "c1", Source: "faq.txt", Position: 2, Text: "Reset your password via the portal", Score: 0.93},
	}

	result, err := mcpSearchDocuments(deps)(context.Background(), makeCallToolRequest("search_bot_documents", map[string]interface{}{
		"user_id": "alice",
		"bot_id":  "bot-1",
		"query":   "password",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool error: %s", toolText(t, result))
	}

	var out []struct {
		Source   string  `json:"source"`
		Position int     `json:"position"`
		Text     string  `json:"text"`
		Score    float32 `json:"score"`
	}
	if err := json.Unmarshal([]byte(toolText(t, result)), &out); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if len(out) != 1 || out[0].Source != "faq.txt" || out[0].Position != 2 {
		t.Errorf("results = %+v", out)
	}
	if ret.scope.BotID != "bot-1" || len(ret.scope.Files) != 1 {
		t.Errorf("scope = %+v", ret.scope)
	}
}

func TestMCPTool_SearchDocuments_RetrievalError(t *testing.T) {
	deps, _, ret := newTestMCPDeps()
	ret.err = errors.New("embedding service down")

	result, _ := mcpSearchDocuments(deps)(context.Background(), makeCallToolRequest("search_bot_documents", map[string]interface{}{
		"user_id": "alice",
		"bot_id":  "bot-1",
		"query":   "password",
	}))
	if !result.IsError || !strings.Contains(toolText(t, result), "search failed") {
		t.Errorf("result = %+v", result)
	}
}

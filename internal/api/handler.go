package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/chatbridge/internal/bots"
	"github.com/kalambet/chatbridge/internal/ingest"
	"github.com/kalambet/chatbridge/internal/retrieval"
	"github.com/kalambet/chatbridge/internal/storage"
)

// BotService is the bot lifecycle used by the HTTP and MCP layers.
type BotService interface {
	Create(ctx context.Context, userID string, m bots.Manifest, uploads []bots.Upload) (storage.Bot, ingest.Report, error)
	Get(ctx context.Context, userID, botID string) (storage.Bot, error)
	List(ctx context.Context, userID string) ([]storage.Bot, error)
	AddDocuments(ctx context.Context, userID, botID string, uploads []bots.Upload) (storage.Bot, ingest.Report, error)
	Reingest(ctx context.Context, userID, botID string) (ingest.Report, error)
	Delete(ctx context.Context, userID, botID string) error
	DeleteUser(ctx context.Context, userID string) (int, error)
	Stats(ctx context.Context, userID, botID string) (bots.Stats, error)
	History(ctx context.Context, userID, botID string) ([]storage.Turn, error)
	Scope(b storage.Bot) retrieval.Scope
}

// Responder produces bot replies. It never fails.
type Responder interface {
	Respond(ctx context.Context, bot storage.Bot, userInput, sessionID string) string
}

// AppDeps holds dependencies for the HTTP API.
type AppDeps struct {
	Bots         BotService
	Conversation Responder
	Token        string // empty disables authentication
}

// NewAppHandler returns the HTTP API. /health is always public; everything
// under /v1 requires the bearer token when one is configured.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Route("/v1/users/{user}", func(r chi.Router) {
		if deps.Token != "" {
			r.Use(BearerAuth(deps.Token))
		}
		r.Delete("/", handleDeleteUser(deps))

		r.Route("/bots", func(r chi.Router) {
			r.Post("/", handleCreateBot(deps))
			r.Get("/", handleListBots(deps))
			r.Get("/{bot}", handleGetBot(deps))
			r.Delete("/{bot}", handleDeleteBot(deps))
			r.Post("/{bot}/documents", handleAddDocuments(deps))
			r.Post("/{bot}/ingest", handleReingest(deps))
			r.Post("/{bot}/chat", handleChat(deps))
			r.Get("/{bot}/history", handleHistory(deps))
			r.Get("/{bot}/stats", handleStats(deps))
		})
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encoding response failed", "error", err)
	}
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

// serviceError maps domain errors to HTTP status codes.
func serviceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found_error", "bot not found")
	case errors.Is(err, bots.ErrInvalidBot):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	default:
		slog.Error("request failed", "error", err)
		httpError(w, http.StatusInternalServerError, "api_error", "internal error")
	}
}

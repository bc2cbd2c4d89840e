package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/chatbridge/internal/bots"
	"github.com/kalambet/chatbridge/internal/conversation"
	"github.com/kalambet/chatbridge/internal/history"
	"github.com/kalambet/chatbridge/internal/ingest"
	"github.com/kalambet/chatbridge/internal/storage"
)

const (
	maxUploadSize      = 64 << 20 // 64MB
	maxUploadMemory    = 8 << 20
	maxRequestBodySize = 1 << 20 // 1MB
)

type botResponse struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Name        string    `json:"name"`
	CompanyName string    `json:"company_name"`
	Domain      string    `json:"domain"`
	Industry    string    `json:"industry"`
	Behavior    string    `json:"behavior"`
	Documents   []string  `json:"documents"`
	CreatedAt   time.Time `json:"created_at"`
}

func toBotResponse(b storage.Bot) botResponse {
	docs := b.Documents
	if docs == nil {
		docs = []string{}
	}
	return botResponse{
		ID:          b.ID,
		UserID:      b.UserID,
		Name:        b.Name,
		CompanyName: b.CompanyName,
		Domain:      b.Domain,
		Industry:    b.Industry,
		Behavior:    b.Behavior,
		Documents:   docs,
		CreatedAt:   b.CreatedAt,
	}
}

type fileResult struct {
	File   string `json:"file"`
	Chunks int    `json:"chunks"`
	Error  string `json:"error,omitempty"`
}

type ingestResponse struct {
	Bot       botResponse  `json:"bot"`
	Ingestion []fileResult `json:"ingestion"`
	Error     string       `json:"error,omitempty"` // set when ingestion stopped before reporting every file
}

// partialIngestResponse reports a bot whose record was saved but whose
// ingestion run failed as a whole. The full error goes to the log only,
// since it can carry server paths.
func partialIngestResponse(b storage.Bot, report ingest.Report, err error) ingestResponse {
	slog.Warn("ingestion failed", "user_id", b.UserID, "bot_id", b.ID, "error", err)
	resp := toIngestResponse(b, report)
	if errors.Is(err, ingest.ErrBotDirMissing) {
		resp.Error = "bot was deleted during ingestion"
	} else {
		resp.Error = "ingestion did not complete"
	}
	return resp
}

func toIngestResponse(b storage.Bot, report ingest.Report) ingestResponse {
	results := make([]fileResult, 0, len(report.Files))
	for _, f := range report.Files {
		res := fileResult{File: f.File, Chunks: f.Chunks}
		if f.Err != nil {
			res.Error = f.Err.Error()
		}
		results = append(results, res)
	}
	return ingestResponse{Bot: toBotResponse(b), Ingestion: results}
}

// readUploads parses a multipart request and returns the "files" parts.
// The returned cleanup closes every opened file.
func readUploads(w http.ResponseWriter, r *http.Request) ([]bots.Upload, func(), error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		return nil, func() {}, err
	}

	var opened []multipart.File
	cleanup := func() {
		for _, f := range opened {
			f.Close()
		}
		r.MultipartForm.RemoveAll()
	}

	var uploads []bots.Upload
	for _, fh := range r.MultipartForm.File["files"] {
		f, err := fh.Open()
		if err != nil {
			cleanup()
			return nil, func() {}, err
		}
		opened = append(opened, f)
		uploads = append(uploads, bots.Upload{Name: fh.Filename, Body: f})
	}
	return uploads, cleanup, nil
}

func handleCreateBot(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uploads, cleanup, err := readUploads(w, r)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid multipart body: %v", err)
			return
		}
		defer cleanup()

		var m bots.Manifest
		if err := json.Unmarshal([]byte(r.FormValue("manifest")), &m); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid manifest: %v", err)
			return
		}

		b, report, err := deps.Bots.Create(r.Context(), chi.URLParam(r, "user"), m, uploads)
		if err != nil && b.ID == "" {
			serviceError(w, err)
			return
		}
		if err != nil {
			writeJSON(w, http.StatusCreated, partialIngestResponse(b, report, err))
			return
		}
		writeJSON(w, http.StatusCreated, toIngestResponse(b, report))
	}
}

func handleListBots(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := deps.Bots.List(r.Context(), chi.URLParam(r, "user"))
		if err != nil {
			serviceError(w, err)
			return
		}
		out := make([]botResponse, 0, len(list))
		for _, b := range list {
			out = append(out, toBotResponse(b))
		}
		writeJSON(w, http.StatusOK, map[string]any{"bots": out})
	}
}

func handleGetBot(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := deps.Bots.Get(r.Context(), chi.URLParam(r, "user"), chi.URLParam(r, "bot"))
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toBotResponse(b))
	}
}

func handleDeleteBot(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Bots.Delete(r.Context(), chi.URLParam(r, "user"), chi.URLParam(r, "bot")); err != nil {
			serviceError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

type deleteUserResponse struct {
	Deleted int `json:"deleted"`
}

// handleDeleteUser removes every bot of a user. A failure part way through
// is an error; bots already removed stay removed.
func handleDeleteUser(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := deps.Bots.DeleteUser(r.Context(), chi.URLParam(r, "user"))
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, deleteUserResponse{Deleted: n})
	}
}

func handleAddDocuments(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uploads, cleanup, err := readUploads(w, r)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid multipart body: %v", err)
			return
		}
		defer cleanup()
		if len(uploads) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "at least one file is required")
			return
		}

		b, report, err := deps.Bots.AddDocuments(r.Context(), chi.URLParam(r, "user"), chi.URLParam(r, "bot"), uploads)
		if err != nil && b.ID == "" {
			serviceError(w, err)
			return
		}
		if err != nil {
			writeJSON(w, http.StatusOK, partialIngestResponse(b, report, err))
			return
		}
		writeJSON(w, http.StatusOK, toIngestResponse(b, report))
	}
}

func handleReingest(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, botID := chi.URLParam(r, "user"), chi.URLParam(r, "bot")
		b, err := deps.Bots.Get(r.Context(), userID, botID)
		if err != nil {
			serviceError(w, err)
			return
		}
		report, err := deps.Bots.Reingest(r.Context(), userID, botID)
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toIngestResponse(b, report))
	}
}

type chatRequest struct {
	Message string `json:"message"`
}

type chatResponse struct {
	Reply string `json:"reply"`
}

func handleChat(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if strings.TrimSpace(req.Message) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "message is required")
			return
		}

		userID, botID := chi.URLParam(r, "user"), chi.URLParam(r, "bot")
		b, err := deps.Bots.Get(r.Context(), userID, botID)
		if err != nil {
			serviceError(w, err)
			return
		}

		reply := deps.Conversation.Respond(r.Context(), b, req.Message, conversation.SessionID(userID, botID))
		writeJSON(w, http.StatusOK, chatResponse{Reply: reply})
	}
}

type turnResponse struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

func handleHistory(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		turns, err := deps.Bots.History(r.Context(), chi.URLParam(r, "user"), chi.URLParam(r, "bot"))
		if err != nil {
			serviceError(w, err)
			return
		}
		out := make([]turnResponse, 0, len(turns))
		for _, t := range turns {
			out = append(out, turnResponse{Role: t.Role, Content: t.Content, CreatedAt: t.CreatedAt})
		}
		writeJSON(w, http.StatusOK, map[string]any{"messages": out})
	}
}

type statsResponse struct {
	Documents           []bots.DocumentStats `json:"documents"`
	Turns               int                  `json:"turns"`
	UserTurns           int                  `json:"user_turns"`
	AssistantTurns      int                  `json:"assistant_turns"`
	AverageResponseTime string               `json:"average_response_time"`
}

func handleStats(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := deps.Bots.Stats(r.Context(), chi.URLParam(r, "user"), chi.URLParam(r, "bot"))
		if err != nil {
			serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, statsResponse{
			Documents:           st.Documents,
			Turns:               st.Conversation.Turns,
			UserTurns:           st.Conversation.UserTurns,
			AssistantTurns:      st.Conversation.AssistantTurns,
			AverageResponseTime: history.FormatResponseTime(st.Conversation.AverageResponseTime),
		})
	}
}

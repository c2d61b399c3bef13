// Package handlers implements the reference chat gateway: the streaming chat
// endpoint speaking the chunk/error/done frame protocol, plus session CRUD,
// history, message edit, and the title/suggestion helpers.
package handlers

import (
	"context"
	"encoding/json"
	"iter"
	"log/slog"
	"net/http"
	"strings"

	"github.com/purposechat/purposechat/internal/models"
)

const errLoggerKey = "err"

// LLM represents a language model that provides chat functionality. Chat
// returns an iterator that yields response fragments and potential errors;
// Complete returns a single whole response.
type LLM interface {
	Chat(ctx context.Context, systemPrompt string, turns []models.Turn) iter.Seq2[string, error]
	Complete(ctx context.Context, systemPrompt string, turns []models.Turn) (string, error)
}

// Store defines the interface for session and message persistence. The
// gateway is the source of truth for durable ids and timestamps.
type Store interface {
	Sessions(ctx context.Context) ([]models.Session, error)
	CreateSession(ctx context.Context, session models.Session) (string, error)
	Session(ctx context.Context, sessionID string) (models.Session, error)
	UpdateSession(ctx context.Context, session models.Session) error
	DeleteSession(ctx context.Context, sessionID string) error

	Messages(ctx context.Context, sessionID string) ([]models.Message, error)
	AddMessage(ctx context.Context, sessionID string, message models.Message) (string, error)
	UpdateMessage(ctx context.Context, sessionID string, message models.Message) error
}

// Gateway handles the HTTP surface of the chat backend.
type Gateway struct {
	llm   LLM
	store Store

	// token is the single bearer credential clients must present. An empty
	// token disables the check.
	token string

	logger *slog.Logger
}

// NewGateway creates a Gateway with the provided LLM and Store
// implementations.
func NewGateway(llm LLM, store Store, token string, logger *slog.Logger) Gateway {
	return Gateway{
		llm:    llm,
		store:  store,
		token:  token,
		logger: logger.With(slog.String("module", "gateway")),
	}
}

// Register installs all gateway routes on mux.
func (g Gateway) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", g.HandleHealth)
	mux.HandleFunc("POST /api/chat/stream", g.HandleChatStream)
	mux.HandleFunc("POST /api/chat/title", g.HandleTitle)
	mux.HandleFunc("POST /api/chat/suggest", g.HandleSuggest)
	mux.HandleFunc("POST /api/chat/improve", g.HandleImprove)
	mux.HandleFunc("GET /api/sessions", g.HandleSessions)
	mux.HandleFunc("PATCH /api/sessions/{id}", g.HandleRenameSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", g.HandleDeleteSession)
	mux.HandleFunc("PUT /api/sessions/{id}/system_prompt", g.HandleSystemPrompt)
	mux.HandleFunc("GET /api/sessions/{id}/messages", g.HandleMessages)
	mux.HandleFunc("PUT /api/sessions/{id}/messages/{messageID}", g.HandleEditMessage)
}

// HandleHealth reports gateway liveness.
func (g Gateway) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	g.writeJSON(w, map[string]string{"status": "healthy"})
}

// authorize vets the bearer credential. It writes the 401 itself and reports
// whether the request may proceed.
func (g Gateway) authorize(w http.ResponseWriter, r *http.Request) bool {
	if g.token == "" {
		return true
	}
	header := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(header, "Bearer "); ok && token == g.token {
		return true
	}
	g.logger.Warn("Rejected credential", slog.String("path", r.URL.Path))
	http.Error(w, "Unauthorized", http.StatusUnauthorized)
	return false
}

func (g Gateway) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Error("Failed to encode response", slog.String(errLoggerKey, err.Error()))
	}
}

func (g Gateway) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/purposechat/purposechat/internal/models"
	"github.com/tmaxmax/go-sse"
)

const (
	defaultSessionTitle = "New Chat"

	// defaultSystemPromptFmt scopes the assistant to the purpose the client
	// selected when the session carries no explicit system prompt.
	defaultSystemPromptFmt = "You are a helpful AI assistant specialized in %s. " +
		"Provide relevant and focused responses within this domain."

	titleSystemPrompt = "You name chat conversations. Respond with a short descriptive " +
		"title only, without quotes."

	suggestSystemPrompt = "Complete the user's partially typed chat message. Respond with " +
		"up to three likely completions, one per line, without numbering."

	improveSystemPrompt = "Rewrite the user's prompt to be clearer and more specific while " +
		"preserving its intent. Respond with the rewritten prompt only."
)

// HandleChatStream opens a streaming exchange. The request carries the prior
// turn history, a purpose selector, an optional session id, and an optional
// target message id for regenerations. The response is an SSE stream of
// chunk frames ending in a single error or done frame; the done frame carries
// the session id only when this exchange created the session.
func (g Gateway) HandleChatStream(w http.ResponseWriter, r *http.Request) {
	if !g.authorize(w, r) {
		return
	}

	var req models.StreamRequest
	if !g.decodeJSON(w, r, &req) {
		return
	}
	if len(req.Turns) == 0 {
		http.Error(w, "Messages are required", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	ctx := r.Context()

	isNew := false
	var session models.Session
	var err error
	if req.SessionID == "" {
		session = models.Session{Title: defaultSessionTitle, Purpose: req.Purpose}
		session.ID, err = g.store.CreateSession(ctx, session)
		if err != nil {
			g.logger.Error("Failed to create session", slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		isNew = true
	} else {
		session, err = g.store.Session(ctx, req.SessionID)
		if err != nil {
			http.Error(w, "Session not found", http.StatusNotFound)
			return
		}
	}

	purpose := req.Purpose
	if purpose == "" {
		purpose = session.Purpose
	}
	systemPrompt := session.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = fmt.Sprintf(defaultSystemPromptFmt, purpose)
	}

	// A regeneration replays history the store already holds; only a fresh
	// exchange persists the incoming user turn.
	if req.TargetMessageID == "" {
		last := req.Turns[len(req.Turns)-1]
		if last.Role == models.RoleUser {
			if _, err := g.store.AddMessage(ctx, session.ID, models.Message{
				Role:      last.Role,
				Content:   last.Content,
				Timestamp: time.Now(),
			}); err != nil {
				g.logger.Error("Failed to add user message", slog.String(errLoggerKey, err.Error()))
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	var content strings.Builder
	for chunk, err := range g.llm.Chat(ctx, systemPrompt, req.Turns) {
		if err != nil {
			g.logger.Error("Error from llm provider", slog.String(errLoggerKey, err.Error()))
			g.writeFrame(w, flusher, models.Frame{Kind: models.FrameError, ErrorText: err.Error()})
			return
		}
		content.WriteString(chunk)
		if err := g.writeFrame(w, flusher, models.Frame{Kind: models.FrameChunk, Chunk: chunk}); err != nil {
			break
		}
	}

	// Persist whatever was produced, even when the client went away
	// mid-stream; the store stays the source of truth either way.
	if err := g.persistAssistantTurn(session, req.TargetMessageID, content.String()); err != nil {
		g.logger.Error("Failed to persist assistant message", slog.String(errLoggerKey, err.Error()))
		g.writeFrame(w, flusher, models.Frame{Kind: models.FrameError, ErrorText: err.Error()})
		return
	}

	if ctx.Err() != nil {
		return
	}

	done := models.Frame{Kind: models.FrameDone}
	if isNew {
		done.SessionID = session.ID
	}
	g.writeFrame(w, flusher, done)
}

// persistAssistantTurn stores the streamed content, either appending a new
// assistant message or, for a regeneration, overwriting the target in place.
func (g Gateway) persistAssistantTurn(session models.Session, targetMessageID, content string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if targetMessageID != "" {
		messages, err := g.store.Messages(ctx, session.ID)
		if err != nil {
			return fmt.Errorf("failed to get messages: %w", err)
		}
		for _, m := range messages {
			if m.ID == targetMessageID {
				m.Content = content
				if err := g.store.UpdateMessage(ctx, session.ID, m); err != nil {
					return fmt.Errorf("failed to update message: %w", err)
				}
				return g.touchSession(ctx, session)
			}
		}
		return fmt.Errorf("target message %s not found", targetMessageID)
	}

	if _, err := g.store.AddMessage(ctx, session.ID, models.Message{
		Role:      models.RoleAssistant,
		Content:   content,
		Timestamp: time.Now(),
	}); err != nil {
		return fmt.Errorf("failed to add message: %w", err)
	}
	return g.touchSession(ctx, session)
}

func (g Gateway) touchSession(ctx context.Context, session models.Session) error {
	session.LastActivity = time.Now()
	return g.store.UpdateSession(ctx, session)
}

func (g Gateway) writeFrame(w io.Writer, flusher http.Flusher, f models.Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	e := &sse.Message{}
	e.AppendData(string(data))
	if _, err := e.WriteTo(w); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// HandleSessions lists all sessions, most recently active first.
func (g Gateway) HandleSessions(w http.ResponseWriter, r *http.Request) {
	if !g.authorize(w, r) {
		return
	}
	sessions, err := g.store.Sessions(r.Context())
	if err != nil {
		g.logger.Error("Failed to list sessions", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if sessions == nil {
		sessions = []models.Session{}
	}
	g.writeJSON(w, sessions)
}

// HandleRenameSession sets a session's title.
func (g Gateway) HandleRenameSession(w http.ResponseWriter, r *http.Request) {
	if !g.authorize(w, r) {
		return
	}
	var body struct {
		Title string `json:"title"`
	}
	if !g.decodeJSON(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.Title) == "" {
		http.Error(w, "Title is required", http.StatusBadRequest)
		return
	}
	g.updateSession(w, r, func(s *models.Session) { s.Title = body.Title })
}

// HandleSystemPrompt sets a session's persistent instruction text.
func (g Gateway) HandleSystemPrompt(w http.ResponseWriter, r *http.Request) {
	if !g.authorize(w, r) {
		return
	}
	var body struct {
		SystemPrompt string `json:"system_prompt"`
	}
	if !g.decodeJSON(w, r, &body) {
		return
	}
	g.updateSession(w, r, func(s *models.Session) { s.SystemPrompt = body.SystemPrompt })
}

func (g Gateway) updateSession(w http.ResponseWriter, r *http.Request, mutate func(*models.Session)) {
	session, err := g.store.Session(r.Context(), r.PathValue("id"))
	if err != nil {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}
	mutate(&session)
	if err := g.store.UpdateSession(r.Context(), session); err != nil {
		g.logger.Error("Failed to update session", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	g.writeJSON(w, session)
}

// HandleDeleteSession removes a session and its messages.
func (g Gateway) HandleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if !g.authorize(w, r) {
		return
	}
	if err := g.store.DeleteSession(r.Context(), r.PathValue("id")); err != nil {
		g.logger.Error("Failed to delete session", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	g.writeJSON(w, map[string]string{"status": "deleted"})
}

// HandleMessages returns a session's ordered message history with durable
// ids and timestamps.
func (g Gateway) HandleMessages(w http.ResponseWriter, r *http.Request) {
	if !g.authorize(w, r) {
		return
	}
	messages, err := g.store.Messages(r.Context(), r.PathValue("id"))
	if err != nil {
		g.logger.Error("Failed to get messages", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if messages == nil {
		messages = []models.Message{}
	}
	g.writeJSON(w, messages)
}

// HandleEditMessage overwrites a message's content, keyed by durable ids.
func (g Gateway) HandleEditMessage(w http.ResponseWriter, r *http.Request) {
	if !g.authorize(w, r) {
		return
	}
	var body struct {
		Content string `json:"content"`
	}
	if !g.decodeJSON(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.Content) == "" {
		http.Error(w, "Content is required", http.StatusBadRequest)
		return
	}

	sessionID := r.PathValue("id")
	messageID := r.PathValue("messageID")
	messages, err := g.store.Messages(r.Context(), sessionID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	for _, m := range messages {
		if m.ID != messageID {
			continue
		}
		m.Content = body.Content
		m.EditedAt = time.Now()
		if err := g.store.UpdateMessage(r.Context(), sessionID, m); err != nil {
			g.logger.Error("Failed to update message", slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		g.writeJSON(w, m)
		return
	}
	http.Error(w, "Message not found", http.StatusNotFound)
}

// HandleTitle proposes a short title for the given transcript.
func (g Gateway) HandleTitle(w http.ResponseWriter, r *http.Request) {
	if !g.authorize(w, r) {
		return
	}
	var body struct {
		Turns []models.Turn `json:"messages"`
	}
	if !g.decodeJSON(w, r, &body) {
		return
	}
	title, err := g.llm.Complete(r.Context(), titleSystemPrompt, body.Turns)
	if err != nil {
		g.logger.Error("Failed to generate title", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	g.writeJSON(w, map[string]string{"title": strings.TrimSpace(title)})
}

// HandleSuggest completes a partially typed input.
func (g Gateway) HandleSuggest(w http.ResponseWriter, r *http.Request) {
	if !g.authorize(w, r) {
		return
	}
	var body struct {
		Input string `json:"input"`
	}
	if !g.decodeJSON(w, r, &body) {
		return
	}
	res, err := g.llm.Complete(r.Context(), suggestSystemPrompt, []models.Turn{
		{Role: models.RoleUser, Content: body.Input},
	})
	if err != nil {
		g.logger.Error("Failed to generate suggestions", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	suggestions := []string{}
	for _, line := range strings.Split(res, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			suggestions = append(suggestions, line)
		}
	}
	g.writeJSON(w, map[string][]string{"suggestions": suggestions})
}

// HandleImprove rewrites a draft prompt.
func (g Gateway) HandleImprove(w http.ResponseWriter, r *http.Request) {
	if !g.authorize(w, r) {
		return
	}
	var body struct {
		Prompt string `json:"prompt"`
	}
	if !g.decodeJSON(w, r, &body) {
		return
	}
	improved, err := g.llm.Complete(r.Context(), improveSystemPrompt, []models.Turn{
		{Role: models.RoleUser, Content: body.Prompt},
	})
	if err != nil {
		g.logger.Error("Failed to improve prompt", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	g.writeJSON(w, map[string]string{"improved": strings.TrimSpace(improved)})
}

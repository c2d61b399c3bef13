package session

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/purposechat/purposechat/internal/models"
)

const (
	backgroundTimeout = 30 * time.Second

	// maxTitleLen bounds the display length of generated session titles.
	maxTitleLen = 60

	titleInstruction = "Provide a short title for this conversation, at most five words. " +
		"Reply with the title only, no quotes or punctuation around it."
)

// reconcile replaces the optimistic in-memory list with the authoritative
// backend history after a completed stream. Temporary ids are promoted to
// durable ones this way, never guessed. Client-only flags survive, keyed by
// ids still present. Failures are logged and never surfaced.
func (c *Controller) reconcile(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), backgroundTimeout)
	defer cancel()

	history, err := c.backend.History(ctx, sessionID)
	if err != nil {
		c.logger.Error("Failed to reconcile history",
			slog.String("sessionID", sessionID),
			slog.String(errLoggerKey, err.Error()))
		return
	}
	sessions, sessErr := c.backend.Sessions(ctx)
	if sessErr != nil {
		c.logger.Error("Failed to refresh sessions", slog.String(errLoggerKey, sessErr.Error()))
	}

	c.mu.Lock()
	if sessErr == nil {
		c.sessions = sessions
	}
	if c.activeID != sessionID || c.stream != nil {
		// The user moved on, or a new stream is already writing into the
		// list; the next completion reconciles again.
		c.mu.Unlock()
		if sessErr == nil {
			c.emit(Event{Kind: EventSessions})
		}
		return
	}
	editing := make(map[string]bool, len(c.messages))
	for _, m := range c.messages {
		if m.Editing {
			editing[m.ID] = true
		}
	}
	c.messages = settledHistory(history, editing)
	c.mu.Unlock()

	c.emit(Event{Kind: EventMessage})
	if sessErr == nil {
		c.emit(Event{Kind: EventSessions})
	}
}

// refreshSessions refetches the session list only. Used after a regeneration,
// where full reconciliation would clobber the in-place result before the user
// sees it.
func (c *Controller) refreshSessions() {
	ctx, cancel := context.WithTimeout(context.Background(), backgroundTimeout)
	defer cancel()

	sessions, err := c.backend.Sessions(ctx)
	if err != nil {
		c.logger.Error("Failed to refresh sessions", slog.String(errLoggerKey, err.Error()))
		return
	}
	c.mu.Lock()
	c.sessions = sessions
	c.mu.Unlock()
	c.emit(Event{Kind: EventSessions})
}

// generateTitle asks the backend for a short label built from the transcript
// plus an appended instruction turn, then renames the session with the
// cleaned result. The task fires at most once per session; any failure is
// swallowed so it can never block or surface into the chat flow.
func (c *Controller) generateTitle(sessionID string, turns []models.Turn) {
	ctx, cancel := context.WithTimeout(context.Background(), backgroundTimeout)
	defer cancel()

	turns = append(turns, models.Turn{Role: models.RoleUser, Content: titleInstruction})
	title, err := c.backend.SuggestTitle(ctx, turns)
	if err != nil {
		c.logger.Error("Failed to generate session title",
			slog.String("sessionID", sessionID),
			slog.String(errLoggerKey, err.Error()))
		return
	}
	title = cleanTitle(title)
	if title == "" {
		return
	}

	if err := c.backend.RenameSession(ctx, sessionID, title); err != nil {
		c.logger.Error("Failed to store session title",
			slog.String("sessionID", sessionID),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	c.mu.Lock()
	for i := range c.sessions {
		if c.sessions[i].ID == sessionID {
			c.sessions[i].Title = title
		}
	}
	c.mu.Unlock()
	c.emit(Event{Kind: EventSessions})
}

// cleanTitle trims whitespace, unwraps surrounding quotes, and truncates to
// the display maximum.
func cleanTitle(title string) string {
	title = strings.TrimSpace(title)
	title = strings.Trim(title, `"'`)
	title = strings.TrimSpace(title)
	if runes := []rune(title); len(runes) > maxTitleLen {
		title = strings.TrimSpace(string(runes[:maxTitleLen]))
	}
	return title
}

package session

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/purposechat/purposechat/internal/models"
)

// Regenerate clears an assistant message and re-streams it in place, with
// history truncated to the turns before it. Preconditions: an active session,
// a durable id, role assistant, and a target that is not currently streaming.
// A violated precondition is a no-op that surfaces a warning and performs no
// network call.
func (c *Controller) Regenerate(ctx context.Context, messageID string) {
	c.regenerate(ctx, messageID, false)
}

func (c *Controller) regenerate(ctx context.Context, messageID string, viaEdit bool) {
	c.mu.Lock()
	if c.activeID == "" {
		c.mu.Unlock()
		c.warn("regenerate requires an active session")
		return
	}
	if models.IsTempID(messageID) {
		c.mu.Unlock()
		c.warn("regenerate requires a durable message id", slog.String("messageID", messageID))
		return
	}
	idx := c.indexLocked(messageID)
	if idx < 0 {
		c.mu.Unlock()
		c.warn("regenerate target not found", slog.String("messageID", messageID))
		return
	}
	if c.messages[idx].Role != models.RoleAssistant {
		c.mu.Unlock()
		c.warn("regenerate targets assistant messages only", slog.String("messageID", messageID))
		return
	}
	if c.messages[idx].StreamState == models.StreamStreaming {
		c.mu.Unlock()
		c.warn("regenerate target is still streaming", slog.String("messageID", messageID))
		return
	}

	c.messages[idx].Content = ""
	c.messages[idx].ErrorDetail = ""
	c.messages[idx].StreamState = models.StreamIdle
	c.messages[idx].Regenerated = viaEdit
	req := models.StreamRequest{
		Turns:           c.turnsLocked(idx),
		Purpose:         c.purpose,
		SessionID:       c.activeID,
		TargetMessageID: messageID,
	}
	c.mu.Unlock()
	c.emit(Event{Kind: EventMessage, MessageID: messageID})

	c.open(ctx, messageID, req, true)
}

// EditMessage persists a content edit for a message. The id must be durable
// and the content non-empty; an unchanged content simply leaves edit mode.
// When the edited message is immediately followed by an assistant message,
// that successor is regenerated automatically and marked as regenerated. If
// persistence fails, the local edit is rolled back.
func (c *Controller) EditMessage(ctx context.Context, messageID, newContent string) {
	if models.IsTempID(messageID) {
		c.warn("edit requires a durable message id", slog.String("messageID", messageID))
		return
	}
	if strings.TrimSpace(newContent) == "" {
		c.warn("edited content must not be empty", slog.String("messageID", messageID))
		return
	}

	c.mu.Lock()
	if c.activeID == "" {
		c.mu.Unlock()
		c.warn("edit requires an active session")
		return
	}
	idx := c.indexLocked(messageID)
	if idx < 0 {
		c.mu.Unlock()
		c.warn("edit target not found", slog.String("messageID", messageID))
		return
	}
	previous := c.messages[idx].Content
	if newContent == previous {
		c.messages[idx].Editing = false
		c.mu.Unlock()
		c.emit(Event{Kind: EventMessage, MessageID: messageID})
		return
	}
	c.messages[idx].Content = newContent
	sessionID := c.activeID
	c.mu.Unlock()
	c.emit(Event{Kind: EventMessage, MessageID: messageID})

	if err := c.backend.EditMessage(ctx, sessionID, messageID, newContent); err != nil {
		c.mu.Lock()
		if m := c.findLocked(messageID); m != nil && m.Content == newContent {
			m.Content = previous
		}
		c.mu.Unlock()
		c.warn("failed to persist edit", slog.String(errLoggerKey, err.Error()))
		c.emit(Event{Kind: EventMessage, MessageID: messageID})
		return
	}

	c.mu.Lock()
	var successor string
	if i := c.indexLocked(messageID); i >= 0 {
		c.messages[i].EditedAt = time.Now()
		c.messages[i].Editing = false
		if i+1 < len(c.messages) && c.messages[i+1].Role == models.RoleAssistant {
			successor = c.messages[i+1].ID
		}
	}
	c.mu.Unlock()
	c.emit(Event{Kind: EventMessage, MessageID: messageID})

	if successor != "" {
		c.regenerate(ctx, successor, true)
	}
}

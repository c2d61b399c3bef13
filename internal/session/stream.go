package session

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/purposechat/purposechat/internal/models"
)

// stoppedMarker is appended to a cancelled message so the truncation is not
// mistaken for a complete answer.
const stoppedMarker = " [Stopped]"

const defaultSessionTitle = "New Chat"

// streamHandle is the single-owner reference to the one streaming connection
// that may be open at a time. A handle is current while c.stream points at
// it; every apply re-checks currency, so a superseded reader can never write
// into the list.
type streamHandle struct {
	messageID string
	cancel    context.CancelFunc
	done      chan struct{}
}

// Send appends the user's text and an assistant placeholder to the message
// list, then opens a stream targeting the placeholder. Any stream already in
// flight is cancelled first. It returns the placeholder's temporary id, or ""
// when the message was rejected locally.
func (c *Controller) Send(ctx context.Context, text string) string {
	if strings.TrimSpace(text) == "" {
		c.warn("empty message ignored")
		return ""
	}

	c.closeActiveStream()

	c.mu.Lock()
	user := models.Message{
		ID:          models.NewTempID(),
		Role:        models.RoleUser,
		Content:     text,
		Timestamp:   time.Now(),
		StreamState: models.StreamComplete,
	}
	target := models.Message{
		ID:          models.NewTempID(),
		Role:        models.RoleAssistant,
		StreamState: models.StreamIdle,
	}
	c.messages = append(c.messages, user, target)
	req := models.StreamRequest{
		Turns:     c.turnsLocked(len(c.messages) - 1),
		Purpose:   c.purpose,
		SessionID: c.activeID,
	}
	c.mu.Unlock()
	c.emit(Event{Kind: EventMessage, MessageID: user.ID})

	c.open(ctx, target.ID, req, false)
	return target.ID
}

// Cancel closes the active streaming connection, freezing the partial output
// with a stopped marker. Calling it with no stream in flight, or after the
// stream reached a terminal state, is a no-op.
func (c *Controller) Cancel() {
	c.closeActiveStream()
}

// Streaming reports whether a streaming connection is currently open.
func (c *Controller) Streaming() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream != nil
}

// open performs the close-before-open discipline and starts the reader
// goroutine. The credential precondition is checked here, before any network
// activity; a missing or previously rejected credential marks the target
// errored without opening a connection.
func (c *Controller) open(ctx context.Context, targetID string, req models.StreamRequest, regen bool) {
	c.closeActiveStream()

	c.mu.Lock()
	switch {
	case c.token() == "":
		c.failLocked(targetID, "authentication token missing")
		c.mu.Unlock()
		c.warn("stream not opened: authentication token missing")
		c.emit(Event{Kind: EventMessage, MessageID: targetID})
		return
	case c.authBlocked:
		c.failLocked(targetID, "re-authentication required")
		c.mu.Unlock()
		c.warn("stream not opened: re-authentication required")
		c.emit(Event{Kind: EventMessage, MessageID: targetID})
		return
	}

	sctx, cancel := context.WithCancel(ctx)
	h := &streamHandle{messageID: targetID, cancel: cancel, done: make(chan struct{})}
	c.stream = h
	if m := c.findLocked(targetID); m != nil {
		m.StreamState = models.StreamStreaming
	}
	c.mu.Unlock()
	c.emit(Event{Kind: EventMessage, MessageID: targetID})

	frames := c.backend.OpenStream(sctx, req)
	go c.consume(sctx, h, frames, regen)
}

// closeActiveStream detaches and cancels the current stream, waiting for its
// reader to exit. The streaming message is frozen as stopped before the
// cancel, so no frame arriving afterwards can be applied.
func (c *Controller) closeActiveStream() {
	c.mu.Lock()
	h := c.stream
	if h == nil {
		c.mu.Unlock()
		return
	}
	c.stream = nil
	if m := c.findLocked(h.messageID); m != nil && m.StreamState == models.StreamStreaming {
		m.Content += stoppedMarker
		m.StreamState = models.StreamStopped
	}
	c.mu.Unlock()

	h.cancel()
	<-h.done
	c.emit(Event{Kind: EventMessage, MessageID: h.messageID})
}

// consume drains the frame iterator, applying each frame to the target
// message while the handle stays current.
func (c *Controller) consume(ctx context.Context, h *streamHandle, frames iter.Seq2[models.Frame, error], regen bool) {
	defer close(h.done)

	for f, err := range frames {
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			detail := "connection error: " + err.Error()
			switch {
			case errors.Is(err, models.ErrMalformedFrame):
				detail = "protocol error: " + err.Error()
			case errors.Is(err, models.ErrUnauthorized):
				detail = "authentication rejected"
				c.mu.Lock()
				c.authBlocked = true
				c.mu.Unlock()
			}
			c.finish(h, models.StreamErrored, detail)
			return
		}

		switch f.Kind {
		case models.FrameChunk:
			if !c.appendChunk(h, f.Chunk) {
				return
			}
		case models.FrameError:
			c.finish(h, models.StreamErrored, f.ErrorText)
			return
		case models.FrameDone:
			c.completeStream(h, f.SessionID, regen)
			return
		}
	}

	if ctx.Err() == nil {
		c.finish(h, models.StreamErrored, "connection closed before completion")
	}
}

// appendChunk concatenates a fragment onto the target message. It reports
// whether the handle is still current; a stale handle stops its reader.
func (c *Controller) appendChunk(h *streamHandle, chunk string) bool {
	c.mu.Lock()
	if c.stream != h {
		c.mu.Unlock()
		return false
	}
	m := c.findLocked(h.messageID)
	if m == nil || m.Terminal() {
		c.mu.Unlock()
		return false
	}
	m.Content += chunk
	c.mu.Unlock()
	c.emit(Event{Kind: EventChunk, MessageID: h.messageID, Text: chunk})
	return true
}

// finish moves the target message to a terminal state and releases the
// stream slot.
func (c *Controller) finish(h *streamHandle, state models.StreamState, detail string) {
	c.mu.Lock()
	if c.stream != h {
		c.mu.Unlock()
		return
	}
	c.stream = nil
	if m := c.findLocked(h.messageID); m != nil && !m.Terminal() {
		m.StreamState = state
		m.ErrorDetail = detail
	}
	c.mu.Unlock()

	if detail != "" {
		c.logger.Error("Stream failed",
			slog.String("messageID", h.messageID),
			slog.String(errLoggerKey, detail))
	}
	c.emit(Event{Kind: EventMessage, MessageID: h.messageID})
}

// completeStream handles a done frame: it finalizes the target message,
// registers a newly created session when the frame carries one, and schedules
// the follow-up tasks. Reconciliation is skipped after a regeneration so the
// in-place result stays visible; only the session list is refreshed then.
func (c *Controller) completeStream(h *streamHandle, newSessionID string, regen bool) {
	c.mu.Lock()
	if c.stream != h {
		c.mu.Unlock()
		return
	}
	c.stream = nil
	if m := c.findLocked(h.messageID); m != nil && !m.Terminal() {
		m.StreamState = models.StreamComplete
		m.ErrorDetail = ""
	}

	registered := false
	if newSessionID != "" && c.activeID == "" {
		c.activeID = newSessionID
		c.sessions = slices.Insert(c.sessions, 0, models.Session{
			ID:           newSessionID,
			Title:        defaultSessionTitle,
			Purpose:      c.purpose,
			LastActivity: time.Now(),
		})
		registered = true
	}
	sessionID := c.activeID

	var titleTurns []models.Turn
	if registered && c.hasExchangeLocked() {
		if _, requested := c.titleRequested[sessionID]; !requested {
			c.titleRequested[sessionID] = struct{}{}
			titleTurns = c.turnsLocked(len(c.messages))
		}
	}
	c.mu.Unlock()

	c.emit(Event{Kind: EventMessage, MessageID: h.messageID})
	if registered {
		c.emit(Event{Kind: EventSessions})
	}

	if sessionID == "" {
		return
	}
	if regen {
		go c.refreshSessions()
	} else {
		go c.reconcile(sessionID)
	}
	if titleTurns != nil {
		go c.generateTitle(sessionID, titleTurns)
	}
}

// failLocked marks a message errored before any connection was opened.
func (c *Controller) failLocked(messageID, detail string) {
	if m := c.findLocked(messageID); m != nil && !m.Terminal() {
		m.StreamState = models.StreamErrored
		m.ErrorDetail = detail
	}
}

// hasExchangeLocked reports whether the list holds at least one user turn and
// one completed assistant turn.
func (c *Controller) hasExchangeLocked() bool {
	var user, assistant bool
	for _, m := range c.messages {
		switch {
		case m.Role == models.RoleUser && m.Content != "":
			user = true
		case m.Role == models.RoleAssistant && m.StreamState == models.StreamComplete:
			assistant = true
		}
	}
	return user && assistant
}

// Package session implements the streaming chat session controller: the
// in-memory session and message state, the single-connection stream
// controller, the regeneration and edit-cascade engine, and the
// reconciliation and title-generation background tasks.
package session

import (
	"context"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"slices"
	"sync"

	"github.com/purposechat/purposechat/internal/models"
)

const errLoggerKey = "err"

// Backend is the request/response interface the controller consumes. The
// production implementation lives in the api package; tests substitute fakes.
type Backend interface {
	// OpenStream opens a streaming exchange. The returned iterator yields
	// decoded frames in arrival order and at most one error, always last.
	// Cancelling ctx ends the iteration without an error.
	OpenStream(ctx context.Context, req models.StreamRequest) iter.Seq2[models.Frame, error]

	Sessions(ctx context.Context) ([]models.Session, error)
	History(ctx context.Context, sessionID string) ([]models.Message, error)
	EditMessage(ctx context.Context, sessionID, messageID, content string) error
	RenameSession(ctx context.Context, sessionID, title string) error
	DeleteSession(ctx context.Context, sessionID string) error
	SetSystemPrompt(ctx context.Context, sessionID, prompt string) error
	SuggestTitle(ctx context.Context, turns []models.Turn) (string, error)
}

// Options configures a Controller.
type Options struct {
	// Token supplies the authentication credential. An empty return value is
	// a local precondition failure: no connection is opened without one.
	Token func() string
	// Purpose is the initial purpose/model selector carried on stream requests.
	Purpose string
	// OnEvent, when set, receives controller notifications. It is called from
	// the goroutine that applied the change, never under the controller lock.
	OnEvent func(Event)

	Logger *slog.Logger
}

// Controller owns the session list and the message list of the active
// session, and enforces the single-stream discipline: at most one streaming
// connection is open at any time, and a prior connection is always closed
// before the next one opens.
type Controller struct {
	backend Backend
	token   func() string
	onEvent func(Event)

	logger *slog.Logger

	mu             sync.Mutex
	sessions       []models.Session
	activeID       string
	messages       []models.Message
	purpose        string
	stream         *streamHandle
	titleRequested map[string]struct{}
	authBlocked    bool
}

// New creates a Controller backed by backend.
func New(backend Backend, opts Options) *Controller {
	token := opts.Token
	if token == nil {
		token = func() string { return "" }
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Controller{
		backend:        backend,
		token:          token,
		onEvent:        opts.OnEvent,
		logger:         logger.With(slog.String("module", "session")),
		purpose:        opts.Purpose,
		titleRequested: make(map[string]struct{}),
	}
}

// Load fetches the session list from the backend. It is meant to be called
// once at startup; the controller keeps the list fresh afterwards.
func (c *Controller) Load(ctx context.Context) error {
	sessions, err := c.backend.Sessions(ctx)
	if err != nil {
		return fmt.Errorf("error loading sessions: %w", err)
	}
	c.mu.Lock()
	c.sessions = sessions
	c.mu.Unlock()
	c.emit(Event{Kind: EventSessions})
	return nil
}

// Sessions returns a snapshot of the known sessions.
func (c *Controller) Sessions() []models.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.sessions)
}

// Messages returns a snapshot of the active session's message list.
func (c *Controller) Messages() []models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.messages)
}

// ActiveSession returns the currently active session, if any.
func (c *Controller) ActiveSession() (models.Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.activeID == "" {
		return models.Session{}, false
	}
	for _, s := range c.sessions {
		if s.ID == c.activeID {
			return s, true
		}
	}
	return models.Session{ID: c.activeID}, true
}

// SetPurpose sets the purpose/model selector carried on subsequent stream
// requests.
func (c *Controller) SetPurpose(purpose string) {
	c.mu.Lock()
	c.purpose = purpose
	c.mu.Unlock()
}

// CredentialRefreshed clears the block installed after a rejected credential,
// allowing stream attempts again.
func (c *Controller) CredentialRefreshed() {
	c.mu.Lock()
	c.authBlocked = false
	c.mu.Unlock()
}

// SelectSession makes the given session active, discarding the in-memory
// message list and reloading it from the backend. Selecting the already
// active session is a no-op. Any live stream is terminated before switching.
func (c *Controller) SelectSession(ctx context.Context, id string) error {
	c.mu.Lock()
	if id == c.activeID {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	c.closeActiveStream()

	history, err := c.backend.History(ctx, id)
	if err != nil {
		return fmt.Errorf("error loading session history: %w", err)
	}

	c.mu.Lock()
	c.activeID = id
	c.messages = settledHistory(history, nil)
	c.mu.Unlock()
	c.emit(Event{Kind: EventMessage})
	return nil
}

// NewSession clears the active session and message list without contacting
// the backend. The next completed exchange creates a fresh durable session.
func (c *Controller) NewSession() {
	c.closeActiveStream()
	c.mu.Lock()
	c.activeID = ""
	c.messages = nil
	c.mu.Unlock()
	c.emit(Event{Kind: EventMessage})
}

// DeleteSession removes a session. Deleting the active session terminates any
// live stream and leaves the controller in the no-session state.
func (c *Controller) DeleteSession(ctx context.Context, id string) error {
	c.mu.Lock()
	active := c.activeID == id
	c.mu.Unlock()
	if active {
		c.closeActiveStream()
	}

	if err := c.backend.DeleteSession(ctx, id); err != nil {
		return fmt.Errorf("error deleting session: %w", err)
	}

	c.mu.Lock()
	c.sessions = slices.DeleteFunc(c.sessions, func(s models.Session) bool { return s.ID == id })
	if active {
		c.activeID = ""
		c.messages = nil
	}
	c.mu.Unlock()
	c.emit(Event{Kind: EventSessions})
	return nil
}

// RenameSession sets a session's title, on the backend first and locally on
// success.
func (c *Controller) RenameSession(ctx context.Context, id, title string) error {
	if err := c.backend.RenameSession(ctx, id, title); err != nil {
		return fmt.Errorf("error renaming session: %w", err)
	}
	c.mu.Lock()
	for i := range c.sessions {
		if c.sessions[i].ID == id {
			c.sessions[i].Title = title
		}
	}
	c.mu.Unlock()
	c.emit(Event{Kind: EventSessions})
	return nil
}

// SetSystemPrompt sets a session's persistent instruction text.
func (c *Controller) SetSystemPrompt(ctx context.Context, id, prompt string) error {
	if err := c.backend.SetSystemPrompt(ctx, id, prompt); err != nil {
		return fmt.Errorf("error setting system prompt: %w", err)
	}
	c.mu.Lock()
	for i := range c.sessions {
		if c.sessions[i].ID == id {
			c.sessions[i].SystemPrompt = prompt
		}
	}
	c.mu.Unlock()
	c.emit(Event{Kind: EventSessions})
	return nil
}

// SetEditing toggles the client-side "being edited" flag on a message. The
// flag survives reconciliation as long as the message id does.
func (c *Controller) SetEditing(messageID string, editing bool) {
	c.mu.Lock()
	if m := c.findLocked(messageID); m != nil {
		m.Editing = editing
	}
	c.mu.Unlock()
	c.emit(Event{Kind: EventMessage, MessageID: messageID})
}

func (c *Controller) emit(ev Event) {
	if c.onEvent != nil {
		c.onEvent(ev)
	}
}

func (c *Controller) warn(msg string, args ...any) {
	c.logger.Warn(msg, args...)
	c.emit(Event{Kind: EventWarning, Text: msg})
}

func (c *Controller) indexLocked(messageID string) int {
	return slices.IndexFunc(c.messages, func(m models.Message) bool { return m.ID == messageID })
}

func (c *Controller) findLocked(messageID string) *models.Message {
	idx := c.indexLocked(messageID)
	if idx < 0 {
		return nil
	}
	return &c.messages[idx]
}

// turnsLocked serializes the first end messages as wire turns, skipping
// entries with no content (failed placeholders never reach the backend).
func (c *Controller) turnsLocked(end int) []models.Turn {
	turns := make([]models.Turn, 0, end)
	for _, m := range c.messages[:end] {
		if m.Content == "" {
			continue
		}
		turns = append(turns, models.Turn{Role: m.Role, Content: m.Content})
	}
	return turns
}

// settledHistory converts backend history into in-memory messages. Every turn
// the backend returns is finished, so all entries are complete; editing
// carries over client-side flags keyed by id.
func settledHistory(history []models.Message, editing map[string]bool) []models.Message {
	messages := make([]models.Message, len(history))
	for i, m := range history {
		m.StreamState = models.StreamComplete
		m.Editing = editing[m.ID]
		messages[i] = m
	}
	return messages
}

package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role represents the role of a message participant.
type Role string

// StreamState represents the lifecycle of a streamed message. A message starts
// idle, moves to streaming once a connection delivers content for it, and ends
// in exactly one of the terminal states. Terminal states freeze the content;
// no further mutation is permitted.
type StreamState string

const (
	// RoleUser represents a user message.
	RoleUser Role = "user"
	// RoleAssistant represents an assistant message.
	RoleAssistant Role = "assistant"

	// StreamIdle is the initial state of a message before any stream targets it.
	StreamIdle StreamState = "idle"
	// StreamStreaming means an open connection is appending content to the message.
	StreamStreaming StreamState = "streaming"
	// StreamComplete is the terminal state of a successfully finished stream.
	StreamComplete StreamState = "complete"
	// StreamErrored is the terminal state of a failed stream.
	StreamErrored StreamState = "errored"
	// StreamStopped is the terminal state of an explicitly cancelled stream.
	StreamStopped StreamState = "stopped"
)

// tempIDPrefix marks client-minted message identifiers that the backend has
// not confirmed yet. Such identifiers must never reach a mutation endpoint.
const tempIDPrefix = "temp-"

// Message represents an individual conversational turn. The backend assigns
// durable identifiers once a turn is stored; before that, a message carries a
// temporary identifier and a zero timestamp.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"created_at,omitempty"`
	EditedAt  time.Time `json:"edited_at,omitempty"`

	// Client-side stream bookkeeping; never serialized.
	StreamState StreamState `json:"-"`
	Regenerated bool        `json:"-"`
	ErrorDetail string      `json:"-"`
	Editing     bool        `json:"-"`
}

// Terminal reports whether the message's stream state permits no further
// content mutation.
func (m Message) Terminal() bool {
	switch m.StreamState {
	case StreamComplete, StreamErrored, StreamStopped:
		return true
	default:
		return false
	}
}

// Session represents a durable conversation thread. The backend creates it
// lazily: it does not exist until the first turn completes.
type Session struct {
	ID           string    `json:"session_id"`
	Title        string    `json:"title"`
	Purpose      string    `json:"purpose,omitempty"`
	SystemPrompt string    `json:"system_prompt,omitempty"`
	LastActivity time.Time `json:"last_activity,omitempty"`
}

// Turn is the role and content pair sent over the wire as prior history.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// NewTempID mints a temporary client-side message identifier.
func NewTempID() string {
	return tempIDPrefix + uuid.New().String()
}

// IsTempID reports whether id is a temporary client-minted identifier.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, tempIDPrefix)
}

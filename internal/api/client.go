// Package api implements the HTTP client for the chat backend: the streaming
// chat endpoint plus the session, history, and suggestion collaborator
// interfaces. All state mutation endpoints are keyed by durable ids; callers
// are responsible for never passing temporary ids here.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"

	"github.com/purposechat/purposechat/internal/models"
	"github.com/tmaxmax/go-sse"
)

// Client talks to a single chat backend. The credential is read through a
// function so the surrounding application can rotate it without rebuilding
// the client.
type Client struct {
	baseURL string
	token   func() string

	client *http.Client

	logger *slog.Logger
}

// New creates a Client for the backend at baseURL. token is consulted on
// every request; it may return an empty string, in which case requests go out
// without an Authorization header and the backend decides their fate.
func New(baseURL string, token func() string, logger *slog.Logger) *Client {
	if token == nil {
		token = func() string { return "" }
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{},
		logger:  logger.With(slog.String("module", "api")),
	}
}

// OpenStream opens a streaming exchange and returns an iterator over decoded
// frames. The iterator yields at most one error, always last: transport
// failures, rejected credentials (models.ErrUnauthorized), and protocol
// violations (models.ErrMalformedFrame) all end the stream. Cancelling ctx
// ends the iteration silently; cancellation is not a failure.
func (c *Client) OpenStream(ctx context.Context, req models.StreamRequest) iter.Seq2[models.Frame, error] {
	return func(yield func(models.Frame, error) bool) {
		resp, err := c.do(ctx, http.MethodPost, "/api/chat/stream", req)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			yield(models.Frame{}, err)
			return
		}
		defer resp.Body.Close()

		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				yield(models.Frame{}, fmt.Errorf("error reading stream: %w", err))
				return
			}

			c.logger.Debug("Received event", slog.String("data", ev.Data))

			f, err := models.DecodeFrame([]byte(ev.Data))
			if err != nil {
				yield(models.Frame{}, err)
				return
			}
			if !yield(f, nil) {
				return
			}
			if f.Kind != models.FrameChunk {
				return
			}
		}
	}
}

// Sessions fetches the list of known sessions.
func (c *Client) Sessions(ctx context.Context) ([]models.Session, error) {
	var sessions []models.Session
	if err := c.doJSON(ctx, http.MethodGet, "/api/sessions", nil, &sessions); err != nil {
		return nil, fmt.Errorf("error listing sessions: %w", err)
	}
	return sessions, nil
}

// History fetches the ordered, non-deleted message list for a session. The
// returned messages carry durable ids and backend timestamps.
func (c *Client) History(ctx context.Context, sessionID string) ([]models.Message, error) {
	var messages []models.Message
	path := "/api/sessions/" + sessionID + "/messages"
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &messages); err != nil {
		return nil, fmt.Errorf("error fetching history: %w", err)
	}
	return messages, nil
}

// EditMessage persists a content edit for a message, keyed by durable ids.
func (c *Client) EditMessage(ctx context.Context, sessionID, messageID, content string) error {
	path := "/api/sessions/" + sessionID + "/messages/" + messageID
	body := struct {
		Content string `json:"content"`
	}{Content: content}
	if err := c.doJSON(ctx, http.MethodPut, path, body, nil); err != nil {
		return fmt.Errorf("error editing message: %w", err)
	}
	return nil
}

// RenameSession sets a session's title.
func (c *Client) RenameSession(ctx context.Context, sessionID, title string) error {
	body := struct {
		Title string `json:"title"`
	}{Title: title}
	if err := c.doJSON(ctx, http.MethodPatch, "/api/sessions/"+sessionID, body, nil); err != nil {
		return fmt.Errorf("error renaming session: %w", err)
	}
	return nil
}

// DeleteSession removes a session and its messages.
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	if err := c.doJSON(ctx, http.MethodDelete, "/api/sessions/"+sessionID, nil, nil); err != nil {
		return fmt.Errorf("error deleting session: %w", err)
	}
	return nil
}

// SetSystemPrompt sets the persistent instruction text scoped to a session.
func (c *Client) SetSystemPrompt(ctx context.Context, sessionID, prompt string) error {
	body := struct {
		SystemPrompt string `json:"system_prompt"`
	}{SystemPrompt: prompt}
	path := "/api/sessions/" + sessionID + "/system_prompt"
	if err := c.doJSON(ctx, http.MethodPut, path, body, nil); err != nil {
		return fmt.Errorf("error setting system prompt: %w", err)
	}
	return nil
}

// SuggestTitle asks the backend for a short label for the given transcript.
func (c *Client) SuggestTitle(ctx context.Context, turns []models.Turn) (string, error) {
	body := struct {
		Turns []models.Turn `json:"messages"`
	}{Turns: turns}
	var res struct {
		Title string `json:"title"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/chat/title", body, &res); err != nil {
		return "", fmt.Errorf("error suggesting title: %w", err)
	}
	return res.Title, nil
}

// Suggest asks the backend for completions of a partially typed input.
func (c *Client) Suggest(ctx context.Context, input string) ([]string, error) {
	body := struct {
		Input string `json:"input"`
	}{Input: input}
	var res struct {
		Suggestions []string `json:"suggestions"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/chat/suggest", body, &res); err != nil {
		return nil, fmt.Errorf("error fetching suggestions: %w", err)
	}
	return res.Suggestions, nil
}

// Improve asks the backend for an improved version of a draft prompt.
func (c *Client) Improve(ctx context.Context, prompt string) (string, error) {
	body := struct {
		Prompt string `json:"prompt"`
	}{Prompt: prompt}
	var res struct {
		Improved string `json:"improved"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/chat/improve", body, &res); err != nil {
		return "", fmt.Errorf("error improving prompt: %w", err)
	}
	return res.Improved, nil
}

// do sends a JSON request and returns the raw response with its status
// already vetted. The caller owns the body.
func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("error marshaling request: %w", err)
		}
		reader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := c.token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error sending request: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		resp.Body.Close()
		return nil, fmt.Errorf("%w: status %d", models.ErrUnauthorized, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, string(respBody))
	}

	return resp, nil
}

// doJSON sends a JSON request and decodes the JSON response into out, when
// out is non-nil.
func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("error decoding response: %w", err)
	}
	return nil
}

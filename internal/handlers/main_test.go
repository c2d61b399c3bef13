package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/purposechat/purposechat/internal/handlers"
	"github.com/purposechat/purposechat/internal/models"
	"github.com/tmaxmax/go-sse"
)

func newTestMux(llm *mockLLM, store *mockStore, token string) *http.ServeMux {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	g := handlers.NewGateway(llm, store, token, logger)
	mux := http.NewServeMux()
	g.Register(mux)
	return mux
}

func jsonRequest(method, url string, body any) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			panic(err)
		}
	}
	req := httptest.NewRequest(method, url, &buf)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func readFrames(t *testing.T, body io.Reader) []models.Frame {
	t.Helper()
	var frames []models.Frame
	for ev, err := range sse.Read(body, nil) {
		if err != nil {
			t.Fatalf("reading stream: %v", err)
		}
		var f models.Frame
		if err := json.Unmarshal([]byte(ev.Data), &f); err != nil {
			t.Fatalf("decoding frame %q: %v", ev.Data, err)
		}
		frames = append(frames, f)
	}
	return frames
}

func TestHandleHealth(t *testing.T) {
	mux := newTestMux(&mockLLM{}, newMockStore(), "")

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "healthy") {
		t.Errorf("body = %q, want healthy", w.Body.String())
	}
}

func TestAuthorize(t *testing.T) {
	tests := []struct {
		name       string
		token      string
		header     string
		wantStatus int
	}{
		{
			name:       "No auth configured",
			wantStatus: http.StatusOK,
		},
		{
			name:       "Valid bearer token",
			token:      "secret",
			header:     "Bearer secret",
			wantStatus: http.StatusOK,
		},
		{
			name:       "Missing header",
			token:      "secret",
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "Wrong token",
			token:      "secret",
			header:     "Bearer nope",
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "Raw token without scheme",
			token:      "secret",
			header:     "secret",
			wantStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := newTestMux(&mockLLM{}, newMockStore(), tt.token)

			req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			mux.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestHandleChatStreamNewSession(t *testing.T) {
	llm := &mockLLM{responses: []string{"Hel", "lo"}}
	store := newMockStore()
	mux := newTestMux(llm, store, "")

	req := jsonRequest(http.MethodPost, "/api/chat/stream", models.StreamRequest{
		Turns:   []models.Turn{{Role: models.RoleUser, Content: "Hi"}},
		Purpose: "cooking",
	})
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	frames := readFrames(t, w.Body)
	if len(frames) != 3 {
		t.Fatalf("frames = %+v, want 2 chunks and a done", frames)
	}
	if frames[0].Chunk != "Hel" || frames[1].Chunk != "lo" {
		t.Errorf("chunks = %+v", frames[:2])
	}
	if frames[2].Kind != models.FrameDone || frames[2].SessionID == "" {
		t.Errorf("done frame = %+v, want session id for a new session", frames[2])
	}

	sessionID := frames[2].SessionID
	session, err := store.Session(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("session not stored: %v", err)
	}
	if session.Title != "New Chat" || session.Purpose != "cooking" {
		t.Errorf("stored session = %+v", session)
	}

	messages, _ := store.Messages(context.Background(), sessionID)
	if len(messages) != 2 {
		t.Fatalf("stored messages = %+v, want user and assistant", messages)
	}
	if messages[0].Role != models.RoleUser || messages[0].Content != "Hi" {
		t.Errorf("user message = %+v", messages[0])
	}
	if messages[1].Role != models.RoleAssistant || messages[1].Content != "Hello" {
		t.Errorf("assistant message = %+v", messages[1])
	}

	if got := llm.lastSystemPrompt(); !strings.Contains(got, "cooking") {
		t.Errorf("system prompt = %q, want purpose-scoped default", got)
	}
}

func TestHandleChatStreamExistingSession(t *testing.T) {
	llm := &mockLLM{responses: []string{"sure"}}
	store := newMockStore()
	sessionID, _ := store.CreateSession(context.Background(), models.Session{
		Title:        "Chat",
		SystemPrompt: "be brief",
	})
	mux := newTestMux(llm, store, "")

	req := jsonRequest(http.MethodPost, "/api/chat/stream", models.StreamRequest{
		Turns:     []models.Turn{{Role: models.RoleUser, Content: "Hi"}},
		SessionID: sessionID,
	})
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	frames := readFrames(t, w.Body)
	last := frames[len(frames)-1]
	if last.Kind != models.FrameDone || last.SessionID != "" {
		t.Errorf("done frame = %+v, want no session id for an existing session", last)
	}
	if got := llm.lastSystemPrompt(); got != "be brief" {
		t.Errorf("system prompt = %q, want the session's", got)
	}
}

func TestHandleChatStreamRegeneration(t *testing.T) {
	llm := &mockLLM{responses: []string{"better answer"}}
	store := newMockStore()
	ctx := context.Background()
	sessionID, _ := store.CreateSession(ctx, models.Session{Title: "Chat"})
	store.AddMessage(ctx, sessionID, models.Message{Role: models.RoleUser, Content: "Hi"})
	targetID, _ := store.AddMessage(ctx, sessionID, models.Message{Role: models.RoleAssistant, Content: "old answer"})
	mux := newTestMux(llm, store, "")

	req := jsonRequest(http.MethodPost, "/api/chat/stream", models.StreamRequest{
		Turns:           []models.Turn{{Role: models.RoleUser, Content: "Hi"}},
		SessionID:       sessionID,
		TargetMessageID: targetID,
	})
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	frames := readFrames(t, w.Body)
	if frames[len(frames)-1].Kind != models.FrameDone {
		t.Fatalf("frames = %+v, want done last", frames)
	}

	messages, _ := store.Messages(ctx, sessionID)
	if len(messages) != 2 {
		t.Fatalf("stored messages = %d, want 2: regeneration must not append", len(messages))
	}
	if messages[1].ID != targetID || messages[1].Content != "better answer" {
		t.Errorf("target message = %+v, want overwritten in place", messages[1])
	}
}

func TestHandleChatStreamValidation(t *testing.T) {
	tests := []struct {
		name       string
		body       any
		wantStatus int
	}{
		{
			name:       "No turns",
			body:       models.StreamRequest{},
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "Unknown session",
			body: models.StreamRequest{
				Turns:     []models.Turn{{Role: models.RoleUser, Content: "Hi"}},
				SessionID: "missing",
			},
			wantStatus: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := newTestMux(&mockLLM{}, newMockStore(), "")

			req := jsonRequest(http.MethodPost, "/api/chat/stream", tt.body)
			w := httptest.NewRecorder()
			mux.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestHandleChatStreamLLMError(t *testing.T) {
	llm := &mockLLM{err: fmt.Errorf("model unavailable")}
	store := newMockStore()
	mux := newTestMux(llm, store, "")

	req := jsonRequest(http.MethodPost, "/api/chat/stream", models.StreamRequest{
		Turns: []models.Turn{{Role: models.RoleUser, Content: "Hi"}},
	})
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	frames := readFrames(t, w.Body)
	last := frames[len(frames)-1]
	if last.Kind != models.FrameError || !strings.Contains(last.ErrorText, "model unavailable") {
		t.Errorf("last frame = %+v, want error frame", last)
	}
}

func TestHandleSessions(t *testing.T) {
	store := newMockStore()
	store.CreateSession(context.Background(), models.Session{Title: "One"})
	mux := newTestMux(&mockLLM{}, store, "")

	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	var sessions []models.Session
	if err := json.NewDecoder(w.Body).Decode(&sessions); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if len(sessions) != 1 || sessions[0].Title != "One" {
		t.Errorf("sessions = %+v", sessions)
	}
}

func TestHandleRenameSession(t *testing.T) {
	store := newMockStore()
	sessionID, _ := store.CreateSession(context.Background(), models.Session{Title: "Before"})
	mux := newTestMux(&mockLLM{}, store, "")

	req := jsonRequest(http.MethodPatch, "/api/sessions/"+sessionID, map[string]string{"title": "After"})
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	session, _ := store.Session(context.Background(), sessionID)
	if session.Title != "After" {
		t.Errorf("title = %q, want %q", session.Title, "After")
	}

	req = jsonRequest(http.MethodPatch, "/api/sessions/"+sessionID, map[string]string{"title": "  "})
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("blank title status = %d, want 400", w.Code)
	}

	req = jsonRequest(http.MethodPatch, "/api/sessions/missing", map[string]string{"title": "X"})
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown session status = %d, want 404", w.Code)
	}
}

func TestHandleSystemPrompt(t *testing.T) {
	store := newMockStore()
	sessionID, _ := store.CreateSession(context.Background(), models.Session{Title: "Chat"})
	mux := newTestMux(&mockLLM{}, store, "")

	req := jsonRequest(http.MethodPut, "/api/sessions/"+sessionID+"/system_prompt",
		map[string]string{"system_prompt": "be brief"})
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	session, _ := store.Session(context.Background(), sessionID)
	if session.SystemPrompt != "be brief" {
		t.Errorf("system prompt = %q", session.SystemPrompt)
	}
}

func TestHandleDeleteSession(t *testing.T) {
	store := newMockStore()
	sessionID, _ := store.CreateSession(context.Background(), models.Session{Title: "Doomed"})
	mux := newTestMux(&mockLLM{}, store, "")

	req := httptest.NewRequest(http.MethodDelete, "/api/sessions/"+sessionID, nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if _, err := store.Session(context.Background(), sessionID); err == nil {
		t.Error("session still stored after delete")
	}
}

func TestHandleEditMessage(t *testing.T) {
	store := newMockStore()
	ctx := context.Background()
	sessionID, _ := store.CreateSession(ctx, models.Session{Title: "Chat"})
	messageID, _ := store.AddMessage(ctx, sessionID, models.Message{Role: models.RoleUser, Content: "before"})
	mux := newTestMux(&mockLLM{}, store, "")

	url := "/api/sessions/" + sessionID + "/messages/" + messageID
	req := jsonRequest(http.MethodPut, url, map[string]string{"content": "after"})
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	messages, _ := store.Messages(ctx, sessionID)
	if messages[0].Content != "after" {
		t.Errorf("content = %q, want %q", messages[0].Content, "after")
	}
	if messages[0].EditedAt.IsZero() {
		t.Error("EditedAt not set")
	}

	req = jsonRequest(http.MethodPut, "/api/sessions/"+sessionID+"/messages/missing",
		map[string]string{"content": "x"})
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown message status = %d, want 404", w.Code)
	}
}

func TestHandleTitle(t *testing.T) {
	llm := &mockLLM{completion: "  Cooking Questions \n"}
	mux := newTestMux(llm, newMockStore(), "")

	req := jsonRequest(http.MethodPost, "/api/chat/title", map[string]any{
		"messages": []models.Turn{{Role: models.RoleUser, Content: "how do I fry an egg"}},
	})
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["title"] != "Cooking Questions" {
		t.Errorf("title = %q, want trimmed", body["title"])
	}
}

func TestHandleSuggest(t *testing.T) {
	llm := &mockLLM{completion: "how do I fry an egg\n\nhow do I boil an egg\n"}
	mux := newTestMux(llm, newMockStore(), "")

	req := jsonRequest(http.MethodPost, "/api/chat/suggest", map[string]string{"input": "how do I"})
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	var body map[string][]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	want := []string{"how do I fry an egg", "how do I boil an egg"}
	if !slices.Equal(body["suggestions"], want) {
		t.Errorf("suggestions = %v, want %v", body["suggestions"], want)
	}
}

func TestHandleImprove(t *testing.T) {
	llm := &mockLLM{completion: "Explain, step by step, how to fry an egg."}
	mux := newTestMux(llm, newMockStore(), "")

	req := jsonRequest(http.MethodPost, "/api/chat/improve", map[string]string{"prompt": "egg how"})
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["improved"] != "Explain, step by step, how to fry an egg." {
		t.Errorf("improved = %q", body["improved"])
	}
}

type mockLLM struct {
	responses  []string
	completion string
	err        error

	mu            sync.Mutex
	systemPrompts []string
}

func (m *mockLLM) Chat(_ context.Context, systemPrompt string, _ []models.Turn) iter.Seq2[string, error] {
	m.mu.Lock()
	m.systemPrompts = append(m.systemPrompts, systemPrompt)
	m.mu.Unlock()
	return func(yield func(string, error) bool) {
		if m.err != nil {
			yield("", m.err)
			return
		}
		for _, resp := range m.responses {
			if !yield(resp, nil) {
				return
			}
		}
	}
}

func (m *mockLLM) Complete(_ context.Context, systemPrompt string, _ []models.Turn) (string, error) {
	m.mu.Lock()
	m.systemPrompts = append(m.systemPrompts, systemPrompt)
	m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	return m.completion, nil
}

func (m *mockLLM) lastSystemPrompt() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.systemPrompts) == 0 {
		return ""
	}
	return m.systemPrompts[len(m.systemPrompts)-1]
}

type mockStore struct {
	mu          sync.Mutex
	sessions    []models.Session
	messages    map[string][]models.Message
	nextSession int
	nextMessage int
}

func newMockStore() *mockStore {
	return &mockStore{messages: map[string][]models.Message{}}
}

func (m *mockStore) Sessions(context.Context) ([]models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Session(nil), m.sessions...), nil
}

func (m *mockStore) CreateSession(_ context.Context, session models.Session) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if session.ID == "" {
		m.nextSession++
		session.ID = fmt.Sprintf("session-%d", m.nextSession)
	}
	if session.LastActivity.IsZero() {
		session.LastActivity = time.Now()
	}
	m.sessions = append(m.sessions, session)
	return session.ID, nil
}

func (m *mockStore) Session(_ context.Context, sessionID string) (models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.ID == sessionID {
			return s, nil
		}
	}
	return models.Session{}, fmt.Errorf("session %s not found", sessionID)
}

func (m *mockStore) UpdateSession(_ context.Context, session models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := slices.IndexFunc(m.sessions, func(s models.Session) bool { return s.ID == session.ID })
	if idx >= 0 {
		m.sessions[idx] = session
	}
	return nil
}

func (m *mockStore) DeleteSession(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = slices.DeleteFunc(m.sessions, func(s models.Session) bool { return s.ID == sessionID })
	delete(m.messages, sessionID)
	return nil
}

func (m *mockStore) Messages(_ context.Context, sessionID string) ([]models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Message(nil), m.messages[sessionID]...), nil
}

func (m *mockStore) AddMessage(_ context.Context, sessionID string, message models.Message) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextMessage++
	message.ID = fmt.Sprintf("message-%d", m.nextMessage)
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now()
	}
	m.messages[sessionID] = append(m.messages[sessionID], message)
	return message.ID, nil
}

func (m *mockStore) UpdateMessage(_ context.Context, sessionID string, message models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.messages[sessionID]
	idx := slices.IndexFunc(msgs, func(msg models.Message) bool { return msg.ID == message.ID })
	if idx < 0 {
		return fmt.Errorf("message %s not found", message.ID)
	}
	msgs[idx] = message
	return nil
}

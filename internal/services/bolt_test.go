package services_test

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/purposechat/purposechat/internal/models"
	"github.com/purposechat/purposechat/internal/services"
)

func newTestDB(t *testing.T) services.BoltDB {
	t.Helper()
	db, err := services.NewBoltDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewBoltDB() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSessionRoundTrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	id, err := db.CreateSession(ctx, models.Session{
		Title:        "Test Session",
		Purpose:      "testing",
		SystemPrompt: "be brief",
	})
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if id == "" {
		t.Fatal("CreateSession() returned empty id")
	}

	got, err := db.Session(ctx, id)
	if err != nil {
		t.Fatalf("Session() error = %v", err)
	}
	if got.Title != "Test Session" || got.Purpose != "testing" || got.SystemPrompt != "be brief" {
		t.Errorf("Session() = %+v", got)
	}
	if got.LastActivity.IsZero() {
		t.Error("LastActivity not defaulted")
	}

	if _, err := db.Session(ctx, "missing"); err == nil {
		t.Error("Session() for unknown id should return error")
	}
}

func TestSessionsSortedByActivity(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	older := time.Now().Add(-time.Hour)
	newer := time.Now()
	if _, err := db.CreateSession(ctx, models.Session{ID: "old", Title: "Old", LastActivity: older}); err != nil {
		t.Fatal(err)
	}
	if _, err := db.CreateSession(ctx, models.Session{ID: "new", Title: "New", LastActivity: newer}); err != nil {
		t.Fatal(err)
	}

	sessions, err := db.Sessions(ctx)
	if err != nil {
		t.Fatalf("Sessions() error = %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("Sessions() len = %d, want 2", len(sessions))
	}
	if sessions[0].ID != "new" || sessions[1].ID != "old" {
		t.Errorf("Sessions() order = [%s %s], want most recent first", sessions[0].ID, sessions[1].ID)
	}
}

func TestUpdateSession(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	id, err := db.CreateSession(ctx, models.Session{Title: "Before"})
	if err != nil {
		t.Fatal(err)
	}

	if err := db.UpdateSession(ctx, models.Session{ID: id, Title: "After"}); err != nil {
		t.Fatalf("UpdateSession() error = %v", err)
	}
	got, err := db.Session(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if got.Title != "After" {
		t.Errorf("Title = %q, want %q", got.Title, "After")
	}

	// Unknown sessions are ignored, not created.
	if err := db.UpdateSession(ctx, models.Session{ID: "ghost", Title: "Boo"}); err != nil {
		t.Fatalf("UpdateSession() error = %v", err)
	}
	if _, err := db.Session(ctx, "ghost"); err == nil {
		t.Error("UpdateSession() created an unknown session")
	}
}

func TestDeleteSession(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	id, err := db.CreateSession(ctx, models.Session{Title: "Doomed"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.AddMessage(ctx, id, models.Message{Role: models.RoleUser, Content: "Hi"}); err != nil {
		t.Fatal(err)
	}

	if err := db.DeleteSession(ctx, id); err != nil {
		t.Fatalf("DeleteSession() error = %v", err)
	}
	if _, err := db.Session(ctx, id); err == nil {
		t.Error("Session() should fail after delete")
	}
	messages, err := db.Messages(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(messages) != 0 {
		t.Errorf("Messages() after delete = %d, want 0", len(messages))
	}

	// Deleting twice is harmless.
	if err := db.DeleteSession(ctx, id); err != nil {
		t.Errorf("second DeleteSession() error = %v", err)
	}
}

func TestMessagesKeepInsertionOrder(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	id, err := db.CreateSession(ctx, models.Session{Title: "Chat"})
	if err != nil {
		t.Fatal(err)
	}

	contents := []string{"first", "second", "third"}
	for _, content := range contents {
		msgID, err := db.AddMessage(ctx, id, models.Message{Role: models.RoleUser, Content: content})
		if err != nil {
			t.Fatalf("AddMessage() error = %v", err)
		}
		if msgID == "" {
			t.Fatal("AddMessage() returned empty id")
		}
		if strings.HasPrefix(msgID, "temp-") {
			t.Errorf("AddMessage() id = %q, want durable", msgID)
		}
	}

	messages, err := db.Messages(ctx, id)
	if err != nil {
		t.Fatalf("Messages() error = %v", err)
	}
	if len(messages) != len(contents) {
		t.Fatalf("Messages() len = %d, want %d", len(messages), len(contents))
	}
	for i, content := range contents {
		if messages[i].Content != content {
			t.Errorf("message %d content = %q, want %q", i, messages[i].Content, content)
		}
		if messages[i].Timestamp.IsZero() {
			t.Errorf("message %d timestamp not defaulted", i)
		}
	}
}

func TestUpdateMessage(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	id, err := db.CreateSession(ctx, models.Session{Title: "Chat"})
	if err != nil {
		t.Fatal(err)
	}
	msgID, err := db.AddMessage(ctx, id, models.Message{Role: models.RoleUser, Content: "before"})
	if err != nil {
		t.Fatal(err)
	}

	edited := models.Message{ID: msgID, Role: models.RoleUser, Content: "after", EditedAt: time.Now()}
	if err := db.UpdateMessage(ctx, id, edited); err != nil {
		t.Fatalf("UpdateMessage() error = %v", err)
	}

	messages, err := db.Messages(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(messages) != 1 || messages[0].Content != "after" {
		t.Errorf("Messages() = %+v, want edited content", messages)
	}
	if messages[0].EditedAt.IsZero() {
		t.Error("EditedAt not persisted")
	}

	if err := db.UpdateMessage(ctx, id, models.Message{ID: "missing", Content: "x"}); err == nil {
		t.Error("UpdateMessage() for unknown id should return error")
	}
}

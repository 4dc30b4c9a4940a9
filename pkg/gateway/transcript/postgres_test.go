package transcript

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/vango-go/vai-call/pkg/core"
)

func openTestStore(t *testing.T) *PostgresStore {
	t.Helper()
	url := strings.TrimSpace(os.Getenv("VAI_CALL_TEST_DATABASE_URL"))
	if url == "" {
		t.Skip("VAI_CALL_TEST_DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := OpenPool(ctx, url)
	if err != nil {
		t.Fatalf("OpenPool: %v", err)
	}
	t.Cleanup(pool.Close)
	if err := Migrate(ctx, pool, nil); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return NewPostgresStore(pool)
}

func TestPostgresStore_PlaceholderFinalizeKeepsOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	conv := "conv-" + uuid.NewString()
	t0 := time.Now().UTC().Truncate(time.Millisecond)

	caller, err := s.CreateMessage(ctx, NewMessage{ConversationID: conv, Role: RoleCaller, Content: "[listening]", MessageType: MessageTypePlaceholder, CreatedAt: t0})
	if err != nil {
		t.Fatalf("create caller: %v", err)
	}
	ai, err := s.CreateMessage(ctx, NewMessage{ConversationID: conv, Role: RoleAssistant, Content: "[speaking]", MessageType: MessageTypePlaceholder, CreatedAt: t0.Add(5 * time.Second)})
	if err != nil {
		t.Fatalf("create ai: %v", err)
	}

	// AI finalizes first in wall-clock terms.
	if err := s.UpdateMessage(ctx, ai.ID, MessageUpdate{Content: "I'm well.", MessageType: MessageTypeSpeech, CreatedAt: ai.CreatedAt}); err != nil {
		t.Fatalf("update ai: %v", err)
	}
	if err := s.UpdateMessage(ctx, caller.ID, MessageUpdate{Content: "Hello, how are you?", MessageType: MessageTypeSpeech, CreatedAt: caller.CreatedAt}); err != nil {
		t.Fatalf("update caller: %v", err)
	}

	got, err := s.FindMessagesByConversation(ctx, conv)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len=%d, want 2", len(got))
	}
	if got[0].ID != caller.ID || got[1].ID != ai.ID {
		t.Fatalf("unexpected order: %+v", got)
	}
	if !got[0].CreatedAt.Equal(t0) {
		t.Fatalf("caller created_at=%v, want %v", got[0].CreatedAt, t0)
	}
}

func TestPostgresStore_EqualCreatedAtKeepsInsertOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	conv := "conv-" + uuid.NewString()
	t0 := time.Now().UTC().Truncate(time.Millisecond)

	first, err := s.CreateMessage(ctx, NewMessage{ConversationID: conv, Role: RoleCaller, Content: "[listening]", MessageType: MessageTypePlaceholder, CreatedAt: t0})
	if err != nil {
		t.Fatalf("create first: %v", err)
	}
	second, err := s.CreateMessage(ctx, NewMessage{ConversationID: conv, Role: RoleAssistant, Content: "[speaking]", MessageType: MessageTypePlaceholder, CreatedAt: t0})
	if err != nil {
		t.Fatalf("create second: %v", err)
	}
	// Writing the first message last must not move it behind the second.
	if err := s.UpdateMessage(ctx, first.ID, MessageUpdate{Content: "hi", MessageType: MessageTypeSpeech, CreatedAt: t0}); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := s.FindMessagesByConversation(ctx, conv)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(got) != 2 || got[0].ID != first.ID || got[1].ID != second.ID {
		t.Fatalf("unexpected order: %+v", got)
	}
}

func TestPostgresStore_UpdateUnknown(t *testing.T) {
	s := openTestStore(t)
	err := s.UpdateMessage(context.Background(), uuid.NewString(), MessageUpdate{Content: "x", CreatedAt: time.Now()})
	if !core.IsNotFound(err) {
		t.Fatalf("err=%v, want not found", err)
	}
}

package transcript

import (
	"context"
	"testing"
	"time"

	"github.com/vango-go/vai-call/pkg/core"
)

func TestMemoryStore_UpdateKeepsSuppliedCreatedAt(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	t0 := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return t0.Add(5 * time.Second) }

	msg, err := s.CreateMessage(ctx, NewMessage{
		ConversationID: "conv-1",
		Role:           RoleCaller,
		Content:        "[listening]",
		MessageType:    MessageTypePlaceholder,
		CreatedAt:      t0,
	})
	if err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}

	if err := s.UpdateMessage(ctx, msg.ID, MessageUpdate{Content: "Hello", MessageType: MessageTypeSpeech, CreatedAt: t0}); err != nil {
		t.Fatalf("UpdateMessage: %v", err)
	}

	got, err := s.FindMessagesByConversation(ctx, "conv-1")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len=%d, want 1", len(got))
	}
	if !got[0].CreatedAt.Equal(t0) {
		t.Fatalf("created_at=%v, want %v", got[0].CreatedAt, t0)
	}
	if !got[0].UpdatedAt.Equal(t0.Add(5 * time.Second)) {
		t.Fatalf("updated_at=%v, want %v", got[0].UpdatedAt, t0.Add(5*time.Second))
	}
	if got[0].Content != "Hello" || got[0].MessageType != MessageTypeSpeech {
		t.Fatalf("unexpected message: %+v", got[0])
	}
}

func TestMemoryStore_UpdateRequiresCreatedAt(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	msg, err := s.CreateMessage(ctx, NewMessage{ConversationID: "c", Role: RoleAssistant, CreatedAt: time.Now()})
	if err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}
	err = s.UpdateMessage(ctx, msg.ID, MessageUpdate{Content: "x"})
	if !core.IsInvalidRequest(err) {
		t.Fatalf("err=%v, want invalid request", err)
	}
}

func TestMemoryStore_UpdateUnknownID(t *testing.T) {
	s := NewMemoryStore()
	err := s.UpdateMessage(context.Background(), "nope", MessageUpdate{Content: "x", CreatedAt: time.Now()})
	if !core.IsNotFound(err) {
		t.Fatalf("err=%v, want not found", err)
	}
}

func TestMemoryStore_CreateValidation(t *testing.T) {
	s := NewMemoryStore()
	cases := []struct {
		name string
		msg  NewMessage
	}{
		{"missing conversation", NewMessage{Role: RoleCaller, CreatedAt: time.Now()}},
		{"bad role", NewMessage{ConversationID: "c", Role: "system", CreatedAt: time.Now()}},
		{"missing created_at", NewMessage{ConversationID: "c", Role: RoleCaller}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := s.CreateMessage(context.Background(), tc.msg); !core.IsInvalidRequest(err) {
				t.Fatalf("err=%v, want invalid request", err)
			}
		})
	}
}

func TestMemoryStore_FindSortsByCreatedAtNotWriteOrder(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	t0 := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)

	ai, _ := s.CreateMessage(ctx, NewMessage{ConversationID: "c", Role: RoleAssistant, Content: "later", CreatedAt: t0.Add(5 * time.Second)})
	caller, _ := s.CreateMessage(ctx, NewMessage{ConversationID: "c", Role: RoleCaller, Content: "earlier", CreatedAt: t0})
	_, _ = s.CreateMessage(ctx, NewMessage{ConversationID: "other", Role: RoleCaller, Content: "x", CreatedAt: t0})

	got, err := s.FindMessagesByConversation(ctx, "c")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len=%d, want 2", len(got))
	}
	if got[0].ID != caller.ID || got[1].ID != ai.ID {
		t.Fatalf("order=%s,%s want %s,%s", got[0].ID, got[1].ID, caller.ID, ai.ID)
	}
}

func TestMemoryStore_EqualCreatedAtKeepsInsertOrder(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	t0 := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)

	first, _ := s.CreateMessage(ctx, NewMessage{ConversationID: "c", Role: RoleCaller, Content: "[listening]", MessageType: MessageTypePlaceholder, CreatedAt: t0})
	second, _ := s.CreateMessage(ctx, NewMessage{ConversationID: "c", Role: RoleAssistant, Content: "[speaking]", MessageType: MessageTypePlaceholder, CreatedAt: t0})
	if err := s.UpdateMessage(ctx, first.ID, MessageUpdate{Content: "hi", CreatedAt: t0}); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := s.FindMessagesByConversation(ctx, "c")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(got) != 2 || got[0].ID != first.ID || got[1].ID != second.ID {
		t.Fatalf("order=%+v", got)
	}
}

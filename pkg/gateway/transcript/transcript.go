// Package transcript defines the persistence contract for call transcripts.
//
// Every update carries the message's creation timestamp explicitly. Stores must
// write it verbatim and must never stamp "now" into CreatedAt on update: the
// creation time is the moment the speaker began the utterance, and transcript
// order is derived from it.
package transcript

import (
	"context"
	"strings"
	"time"

	"github.com/vango-go/vai-call/pkg/core"
)

type Role string

const (
	RoleCaller    Role = "caller"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleCaller || r == RoleAssistant
}

const (
	MessageTypeSpeech      = "speech"
	MessageTypePlaceholder = "placeholder"
)

type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	MessageType    string    `json:"message_type"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type NewMessage struct {
	ConversationID string
	Role           Role
	Content        string
	MessageType    string
	CreatedAt      time.Time
}

// MessageUpdate replaces a message's content. CreatedAt is mandatory.
type MessageUpdate struct {
	Content     string
	MessageType string
	CreatedAt   time.Time
}

type Store interface {
	CreateMessage(ctx context.Context, msg NewMessage) (Message, error)
	UpdateMessage(ctx context.Context, id string, upd MessageUpdate) error
	// FindMessagesByConversation returns messages ordered by CreatedAt ascending.
	FindMessagesByConversation(ctx context.Context, conversationID string) ([]Message, error)
}

func (m NewMessage) validate() error {
	if strings.TrimSpace(m.ConversationID) == "" {
		return core.NewInvalidRequestErrorWithParam("conversation_id is required", "conversation_id")
	}
	if !m.Role.Valid() {
		return core.NewInvalidRequestErrorWithParam("role must be caller or assistant", "role")
	}
	if m.CreatedAt.IsZero() {
		return core.NewInvalidRequestErrorWithParam("created_at is required", "created_at")
	}
	return nil
}

func (u MessageUpdate) validate(id string) error {
	if strings.TrimSpace(id) == "" {
		return core.NewInvalidRequestErrorWithParam("message id is required", "id")
	}
	if u.CreatedAt.IsZero() {
		return core.NewInvalidRequestErrorWithParam("created_at must be supplied on update", "created_at")
	}
	return nil
}

func messageTypeOr(t, def string) string {
	if strings.TrimSpace(t) == "" {
		return def
	}
	return t
}

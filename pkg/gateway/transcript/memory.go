package transcript

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vango-go/vai-call/pkg/core"
)

// MemoryStore keeps transcripts in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	now      func() time.Time
	messages map[string]*memoryRecord
	byConv   map[string][]string
	seq      int64
}

type memoryRecord struct {
	msg Message
	seq int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:      time.Now,
		messages: make(map[string]*memoryRecord),
		byConv:   make(map[string][]string),
	}
}

func (s *MemoryStore) CreateMessage(ctx context.Context, msg NewMessage) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	if err := msg.validate(); err != nil {
		return Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	out := Message{
		ID:             uuid.NewString(),
		ConversationID: msg.ConversationID,
		Role:           msg.Role,
		Content:        msg.Content,
		MessageType:    messageTypeOr(msg.MessageType, MessageTypeSpeech),
		CreatedAt:      msg.CreatedAt,
		UpdatedAt:      s.now(),
	}
	s.messages[out.ID] = &memoryRecord{msg: out, seq: s.seq}
	s.byConv[out.ConversationID] = append(s.byConv[out.ConversationID], out.ID)
	return out, nil
}

func (s *MemoryStore) UpdateMessage(ctx context.Context, id string, upd MessageUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := upd.validate(id); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.messages[id]
	if !ok {
		return core.NewNotFoundError("message not found: " + id)
	}
	rec.msg.Content = upd.Content
	rec.msg.MessageType = messageTypeOr(upd.MessageType, rec.msg.MessageType)
	rec.msg.CreatedAt = upd.CreatedAt
	rec.msg.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) FindMessagesByConversation(ctx context.Context, conversationID string) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	ids := s.byConv[conversationID]
	recs := make([]memoryRecord, 0, len(ids))
	for _, id := range ids {
		if rec, ok := s.messages[id]; ok {
			recs = append(recs, *rec)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(recs, func(i, j int) bool {
		if !recs[i].msg.CreatedAt.Equal(recs[j].msg.CreatedAt) {
			return recs[i].msg.CreatedAt.Before(recs[j].msg.CreatedAt)
		}
		return recs[i].seq < recs[j].seq
	})

	out := make([]Message, len(recs))
	for i, rec := range recs {
		out[i] = rec.msg
	}
	return out, nil
}

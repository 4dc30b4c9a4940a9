// Package speech turns caller and AI speech events into transcript records.
//
// Each utterance gets a placeholder record when the speaker starts talking.
// The placeholder's creation time is the only ordering anchor: finalizing an
// utterance replaces its content and writes that creation time back verbatim,
// so a transcript sorted by creation time reproduces the order in which people
// started speaking no matter which write lands first.
//
// Pipeline methods mutate the session and must be called with the session lock
// held, i.e. from inside call.Registry.With.
package speech

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/vango-go/vai-call/pkg/gateway/call"
	"github.com/vango-go/vai-call/pkg/gateway/transcript"
)

const (
	CallerPlaceholder = "[listening]"
	AIPlaceholder     = "[speaking]"

	defaultStoreTimeout = 5 * time.Second
	// maxAwaitingCaller bounds the utterances kept waiting for a transcript.
	maxAwaitingCaller = 4
)

type Config struct {
	Store  transcript.Store
	Logger *slog.Logger
	// StoreTimeout bounds each transcript write.
	StoreTimeout time.Duration
}

type Pipeline struct {
	store   transcript.Store
	logger  *slog.Logger
	timeout time.Duration
}

func New(cfg Config) *Pipeline {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = defaultStoreTimeout
	}
	return &Pipeline{store: cfg.Store, logger: cfg.Logger, timeout: cfg.StoreTimeout}
}

// CallerSpeechStarted opens a caller placeholder stamped at. itemID is the
// provider's id for the utterance and may be empty.
func (p *Pipeline) CallerSpeechStarted(ctx context.Context, s *call.Session, at time.Time, itemID string) error {
	s.CallerSpeaking = true
	s.LastCallerSpeechStart = at
	if s.ActiveCallerMessageID != "" {
		if s.ActiveCallerItemID == "" {
			s.ActiveCallerItemID = itemID
		}
		return nil
	}
	s.CallerPendingText = ""
	s.CallerTextFinal = false
	msg, err := p.create(ctx, s, transcript.RoleCaller, CallerPlaceholder, at)
	if err != nil {
		return err
	}
	s.ActiveCallerMessageID = msg.ID
	s.ActiveCallerMessageAt = msg.CreatedAt
	s.ActiveCallerItemID = itemID
	return nil
}

// CallerTranscript routes caller text to its utterance. Text tagged with a
// provider item id goes to that utterance. Untagged text goes to the oldest
// utterance still waiting for its transcript, else to the open one. Deltas
// accumulate and a final transcript replaces them. A waiting utterance is
// finalized only by its final transcript.
func (p *Pipeline) CallerTranscript(ctx context.Context, s *call.Session, itemID, text string, final bool) error {
	if !final && text == "" {
		return nil
	}
	if i := p.awaitingIndex(s, itemID); i >= 0 {
		u := &s.CallerAwaiting[i]
		if !final {
			u.Text += text
			return nil
		}
		done := *u
		s.CallerAwaiting = append(s.CallerAwaiting[:i], s.CallerAwaiting[i+1:]...)
		return p.finalizeUtterance(ctx, s, done.MessageID, text, done.CreatedAt)
	}
	if s.ActiveCallerMessageID == "" || (itemID != "" && s.ActiveCallerItemID != "" && itemID != s.ActiveCallerItemID) {
		p.logger.Debug("caller transcript without an open utterance", "call_id", s.Info.CallID, "item_id", itemID)
		return nil
	}
	if final {
		s.CallerPendingText = text
		s.CallerTextFinal = true
	} else if !s.CallerTextFinal {
		s.CallerPendingText += text
	}
	return nil
}

func (p *Pipeline) awaitingIndex(s *call.Session, itemID string) int {
	if len(s.CallerAwaiting) == 0 {
		return -1
	}
	if itemID == "" {
		return 0
	}
	for i, u := range s.CallerAwaiting {
		if u.ItemID == itemID {
			return i
		}
	}
	if s.ActiveCallerMessageID != "" && s.ActiveCallerItemID == itemID {
		return -1
	}
	for i, u := range s.CallerAwaiting {
		if u.ItemID == "" {
			return i
		}
	}
	return -1
}

// CallerSpeechStopped finalizes the caller placeholder when its final
// transcript already arrived. Otherwise the utterance waits for it, keeping
// its placeholder and start time.
func (p *Pipeline) CallerSpeechStopped(ctx context.Context, s *call.Session, at time.Time) error {
	s.CallerSpeaking = false
	s.LastCallerSpeechEnd = at
	if s.ActiveCallerMessageID == "" {
		p.clearCaller(s)
		return nil
	}
	if s.CallerTextFinal {
		err := p.finalizeUtterance(ctx, s, s.ActiveCallerMessageID, s.CallerPendingText, s.ActiveCallerMessageAt)
		p.clearCaller(s)
		return err
	}
	s.CallerAwaiting = append(s.CallerAwaiting, call.CallerUtterance{
		MessageID: s.ActiveCallerMessageID,
		CreatedAt: s.ActiveCallerMessageAt,
		ItemID:    s.ActiveCallerItemID,
		Text:      s.CallerPendingText,
	})
	p.clearCaller(s)

	var err error
	for len(s.CallerAwaiting) > maxAwaitingCaller {
		oldest := s.CallerAwaiting[0]
		s.CallerAwaiting = s.CallerAwaiting[1:]
		p.logger.Warn("caller utterance never received a final transcript",
			"call_id", s.Info.CallID,
			"message_id", oldest.MessageID,
		)
		if ferr := p.finalizeUtterance(ctx, s, oldest.MessageID, oldest.Text, oldest.CreatedAt); ferr != nil {
			err = ferr
		}
	}
	return err
}

// FlushCaller finalizes every caller utterance with the text received so far.
// It runs when the call ends and no more transcripts will arrive.
func (p *Pipeline) FlushCaller(ctx context.Context, s *call.Session) error {
	var err error
	for _, u := range s.CallerAwaiting {
		if ferr := p.finalizeUtterance(ctx, s, u.MessageID, u.Text, u.CreatedAt); ferr != nil {
			err = ferr
		}
	}
	s.CallerAwaiting = nil
	if s.ActiveCallerMessageID != "" {
		if ferr := p.finalizeUtterance(ctx, s, s.ActiveCallerMessageID, s.CallerPendingText, s.ActiveCallerMessageAt); ferr != nil {
			err = ferr
		}
	}
	p.clearCaller(s)
	return err
}

// finalizeUtterance writes trimmed text over a caller placeholder. Empty text
// leaves the placeholder as-is.
func (p *Pipeline) finalizeUtterance(ctx context.Context, s *call.Session, id, text string, createdAt time.Time) error {
	text = strings.TrimSpace(text)
	if id == "" || text == "" {
		return nil
	}
	return p.update(ctx, s, id, text, createdAt)
}

func (p *Pipeline) clearCaller(s *call.Session) {
	s.ActiveCallerMessageID = ""
	s.ActiveCallerMessageAt = time.Time{}
	s.ActiveCallerItemID = ""
	s.CallerPendingText = ""
	s.CallerTextFinal = false
}

// AISpeechStarted opens an AI placeholder stamped at.
func (p *Pipeline) AISpeechStarted(ctx context.Context, s *call.Session, at time.Time) error {
	s.AISpeaking = true
	s.LastAISpeechStart = at
	if s.ActiveAIMessageID != "" {
		return nil
	}
	msg, err := p.create(ctx, s, transcript.RoleAssistant, AIPlaceholder, at)
	if err != nil {
		return err
	}
	s.ActiveAIMessageID = msg.ID
	s.ActiveAIMessageAt = msg.CreatedAt
	return nil
}

// AITranscript accumulates AI text.
func (p *Pipeline) AITranscript(_ context.Context, s *call.Session, text string) {
	s.AIPendingText += text
}

// AIResponseDone finalizes the AI placeholder. An AI turn that produced no
// text keeps its placeholder; the pointer is released either way since the
// provider will not send more text for a finished response.
func (p *Pipeline) AIResponseDone(ctx context.Context, s *call.Session) error {
	s.AISpeaking = false
	id := s.ActiveAIMessageID
	text := strings.TrimSpace(s.AIPendingText)
	createdAt := s.ActiveAIMessageAt
	s.ActiveAIMessageID = ""
	s.ActiveAIMessageAt = time.Time{}
	s.AIPendingText = ""
	if id == "" || text == "" {
		return nil
	}
	return p.update(ctx, s, id, text, createdAt)
}

func (p *Pipeline) create(ctx context.Context, s *call.Session, role transcript.Role, content string, at time.Time) (transcript.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	msg, err := p.store.CreateMessage(ctx, transcript.NewMessage{
		ConversationID: s.Info.ConversationID,
		Role:           role,
		Content:        content,
		MessageType:    transcript.MessageTypePlaceholder,
		CreatedAt:      at,
	})
	if err != nil {
		p.logger.Error("create transcript placeholder",
			"call_id", s.Info.CallID,
			"role", string(role),
			"error", err,
		)
		return transcript.Message{}, err
	}
	return msg, nil
}

func (p *Pipeline) update(ctx context.Context, s *call.Session, id, content string, createdAt time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	err := p.store.UpdateMessage(ctx, id, transcript.MessageUpdate{
		Content:     content,
		MessageType: transcript.MessageTypeSpeech,
		CreatedAt:   createdAt,
	})
	if err != nil {
		p.logger.Error("finalize transcript message",
			"call_id", s.Info.CallID,
			"message_id", id,
			"error", err,
		)
		return err
	}
	p.logger.Debug("transcript message finalized", "call_id", s.Info.CallID, "message_id", id)
	return nil
}

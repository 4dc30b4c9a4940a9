package call

import (
	"io"
	"sync"
	"time"
)

// Info identifies a call.
type Info struct {
	CallID         string `json:"call_id"`
	ChannelID      string `json:"channel_id"`
	ConversationID string `json:"conversation_id"`
	CallerID       string `json:"caller_id,omitempty"`
}

// Handles are the transports a session owns. The registry closes them when the
// session is stopped; Cancel runs first so the call's handler stops dispatching.
type Handles struct {
	Media  io.Closer
	AI     io.Closer
	Cancel func()
}

// CallerUtterance is a caller placeholder that is waiting for its final
// transcript.
type CallerUtterance struct {
	MessageID string
	CreatedAt time.Time
	ItemID    string
	Text      string
}

// Session is the live state of one call. Exported fields are guarded by the
// session lock and must only be touched inside Registry.With.
type Session struct {
	mu sync.Mutex

	Info Info

	CallerSpeaking bool
	AISpeaking     bool
	Ready          bool

	LastCallerSpeechStart time.Time
	LastCallerSpeechEnd   time.Time
	LastAISpeechStart     time.Time
	GreetingCompletedAt   time.Time

	ActiveCallerMessageID string
	ActiveAIMessageID     string
	// ActiveCallerMessageAt and ActiveAIMessageAt hold the creation time of the
	// in-flight placeholders; finalizing writes them back unchanged.
	ActiveCallerMessageAt time.Time
	ActiveAIMessageAt     time.Time
	// ActiveCallerItemID is the provider's id for the open caller utterance,
	// when the provider has one.
	ActiveCallerItemID string
	// CallerTextFinal is set once CallerPendingText holds a final transcript.
	CallerTextFinal bool
	// CallerAwaiting holds caller utterances that ended before their final
	// transcript arrived, oldest first.
	CallerAwaiting []CallerUtterance

	CallerPendingText string
	AIPendingText     string

	state   State
	history stateHistory
	handles Handles
	queue   *AudioQueue
	started time.Time
	stopped bool
}

// State returns the conversation state. Callers must hold the session lock.
func (s *Session) State() State {
	return s.state
}

// PendingAudio returns the session's inbound audio queue.
func (s *Session) PendingAudio() *AudioQueue {
	return s.queue
}

// Snapshot is a point-in-time copy of a session for status reporting.
type Snapshot struct {
	Info                  Info           `json:"info"`
	State                 State          `json:"state"`
	History               []HistoryEntry `json:"history"`
	CallerSpeaking        bool           `json:"caller_speaking"`
	AISpeaking            bool           `json:"ai_speaking"`
	Ready                 bool           `json:"ready"`
	StartedAt             time.Time      `json:"started_at"`
	GreetingCompletedAt   *time.Time     `json:"greeting_completed_at,omitempty"`
	ActiveCallerMessageID string         `json:"active_caller_message_id,omitempty"`
	ActiveAIMessageID     string         `json:"active_ai_message_id,omitempty"`
	AwaitingCallerText    int            `json:"awaiting_caller_text"`
	PendingAudioChunks    int            `json:"pending_audio_chunks"`
	DroppedAudioChunks    int64          `json:"dropped_audio_chunks"`
}

func (s *Session) snapshotLocked() Snapshot {
	out := Snapshot{
		Info:                  s.Info,
		State:                 s.state,
		History:               s.history.snapshot(),
		CallerSpeaking:        s.CallerSpeaking,
		AISpeaking:            s.AISpeaking,
		Ready:                 s.Ready,
		StartedAt:             s.started,
		ActiveCallerMessageID: s.ActiveCallerMessageID,
		ActiveAIMessageID:     s.ActiveAIMessageID,
		AwaitingCallerText:    len(s.CallerAwaiting),
		PendingAudioChunks:    s.queue.Len(),
		DroppedAudioChunks:    s.queue.Dropped(),
	}
	if !s.GreetingCompletedAt.IsZero() {
		at := s.GreetingCompletedAt
		out.GreetingCompletedAt = &at
	}
	return out
}

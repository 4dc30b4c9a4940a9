// Package realtime is the provider-neutral view of the speech AI socket. Each
// adapter turns its provider's wire events into Events tagged with the call id.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/vango-go/vai-call/pkg/core"
)

type EventKind string

const (
	// EventSpeechStarted is the provider's voice activity detector hearing the caller.
	EventSpeechStarted EventKind = "speech_started"
	EventSpeechStopped EventKind = "speech_stopped"
	// EventInputTranscript carries caller text. Final events replace earlier deltas.
	EventInputTranscript EventKind = "input_transcript"
	EventResponseCreated EventKind = "response_created"
	// EventAudioDelta carries AI audio as 8 kHz μ-law.
	EventAudioDelta EventKind = "audio_delta"
	// EventTranscriptDelta carries AI text.
	EventTranscriptDelta EventKind = "transcript_delta"
	EventResponseDone    EventKind = "response_done"
	EventError           EventKind = "error"
)

// Event is one decoded provider event.
type Event struct {
	CallID     string
	Kind       EventKind
	Audio      []byte
	Text       string
	Final      bool
	ResponseID string
	// ItemID is the provider's id for a caller utterance. Transcripts carry
	// the id of the utterance they belong to.
	ItemID string
	Err    error
	// At is when the event happened. Speech events are placed on the caller's
	// audio timeline when the provider reports an AudioOffset.
	At time.Time
	// AudioOffset is the position in the call's input audio, valid when
	// HasAudioOffset is set.
	AudioOffset    time.Duration
	HasAudioOffset bool
}

// Conn is a live AI socket for one call. Events is closed when the socket ends.
type Conn interface {
	// SendAudio sends μ-law chunks to the provider as a single message.
	SendAudio(ctx context.Context, chunks [][]byte) error
	// RequestResponse asks the AI to take its turn. Instructions may be empty.
	RequestResponse(ctx context.Context, instructions string) error
	CancelResponse(ctx context.Context) error
	Events() <-chan Event
	Close() error
}

// ErrClosed is returned by sends on a closed Conn.
var ErrClosed = errors.New("realtime socket closed")

// Dialer opens AI sockets.
type Dialer interface {
	Dial(ctx context.Context, callID string) (Conn, error)
}

// DefaultGreetingPrompt starts the AI's first turn when no greeting is configured.
const DefaultGreetingPrompt = "The call has connected. Greet the caller."

const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

type Config struct {
	Provider     string
	Instructions string
	OpenAI       OpenAIConfig
	Gemini       GeminiConfig
}

// NewDialer returns the dialer for cfg.Provider.
func NewDialer(cfg Config, logger *slog.Logger) (Dialer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", ProviderOpenAI:
		o := cfg.OpenAI
		if o.Instructions == "" {
			o.Instructions = cfg.Instructions
		}
		return &OpenAIDialer{Config: o, Logger: logger}, nil
	case ProviderGemini:
		g := cfg.Gemini
		if g.Instructions == "" {
			g.Instructions = cfg.Instructions
		}
		return &GeminiDialer{Config: g, Logger: logger}, nil
	default:
		return nil, core.NewInvalidRequestErrorWithParam(fmt.Sprintf("unsupported realtime provider %q", cfg.Provider), "provider")
	}
}

// concat joins chunks into one buffer.
func concat(chunks [][]byte) []byte {
	n := 0
	for _, c := range chunks {
		n += len(c)
	}
	out := make([]byte, 0, n)
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out
}

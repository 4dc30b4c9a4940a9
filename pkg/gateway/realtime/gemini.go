package realtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"google.golang.org/genai"

	"github.com/vango-go/vai-call/pkg/core"
	"github.com/vango-go/vai-call/pkg/core/audio"
)

const (
	defaultGeminiLiveModel = "gemini-2.0-flash-live-001"
	geminiInputRate        = 16000
	geminiOutputRate       = 24000
)

type GeminiConfig struct {
	APIKey       string
	Model        string
	Voice        string
	Instructions string
}

// GeminiDialer opens Gemini Live sessions. Gemini takes PCM16 only, so caller
// μ-law is decoded and upsampled on the way in and AI audio is downsampled and
// encoded on the way out. Gemini answers on its own voice activity detection;
// RequestResponse only starts the greeting and CancelResponse is a no-op.
type GeminiDialer struct {
	Config GeminiConfig
	Logger *slog.Logger
}

func (d *GeminiDialer) Dial(ctx context.Context, callID string) (Conn, error) {
	cfg := d.Config
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, core.NewInvalidRequestErrorWithParam("gemini api key is required", "gemini_api_key")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  strings.TrimSpace(cfg.APIKey),
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, core.NewProviderError(ProviderGemini, err)
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultGeminiLiveModel
	}
	session, err := client.Live.Connect(ctx, model, geminiConnectConfig(cfg))
	if err != nil {
		return nil, core.NewProviderError(ProviderGemini, err)
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := newGeminiConn(callID, session, logger)
	go c.readLoop()
	return c, nil
}

func geminiConnectConfig(cfg GeminiConfig) *genai.LiveConnectConfig {
	out := &genai.LiveConnectConfig{
		ResponseModalities:       []genai.Modality{genai.ModalityAudio},
		InputAudioTranscription:  &genai.AudioTranscriptionConfig{},
		OutputAudioTranscription: &genai.AudioTranscriptionConfig{},
	}
	if s := strings.TrimSpace(cfg.Instructions); s != "" {
		out.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: s}}}
	}
	if v := strings.TrimSpace(cfg.Voice); v != "" {
		out.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: v},
			},
		}
	}
	return out
}

// geminiSession is the part of *genai.Session the adapter uses.
type geminiSession interface {
	SendRealtimeInput(input genai.LiveRealtimeInput) error
	SendClientContent(input genai.LiveClientContentInput) error
	Receive() (*genai.LiveServerMessage, error)
	Close() error
}

type geminiConn struct {
	callID  string
	session geminiSession
	logger  *slog.Logger
	now     func() time.Time

	sendMu sync.Mutex

	events    chan Event
	closed    chan struct{}
	closeOnce sync.Once

	tr geminiTranslator
}

func newGeminiConn(callID string, session geminiSession, logger *slog.Logger) *geminiConn {
	return &geminiConn{
		callID:  callID,
		session: session,
		logger:  logger.With("call_id", callID, "provider", ProviderGemini),
		now:     time.Now,
		events:  make(chan Event, 256),
		closed:  make(chan struct{}),
	}
}

func (c *geminiConn) SendAudio(_ context.Context, chunks [][]byte) error {
	mulaw := concat(chunks)
	if len(mulaw) == 0 {
		return nil
	}
	pcm := audio.MulawToPCM16Bytes(mulaw, geminiInputRate)
	return c.send(func() error {
		return c.session.SendRealtimeInput(genai.LiveRealtimeInput{
			Audio: &genai.Blob{
				MIMEType: fmt.Sprintf("audio/pcm;rate=%d", geminiInputRate),
				Data:     pcm,
			},
		})
	})
}

func (c *geminiConn) RequestResponse(_ context.Context, instructions string) error {
	text := strings.TrimSpace(instructions)
	if text == "" {
		return nil
	}
	return c.send(func() error {
		return c.session.SendClientContent(genai.LiveClientContentInput{
			Turns: []*genai.Content{{Role: "user", Parts: []*genai.Part{{Text: text}}}},
		})
	})
}

func (c *geminiConn) CancelResponse(context.Context) error {
	return nil
}

func (c *geminiConn) send(fn func() error) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := fn(); err != nil {
		return core.NewProviderError(ProviderGemini, err)
	}
	return nil
}

func (c *geminiConn) Events() <-chan Event {
	return c.events
}

func (c *geminiConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.session.Close()
	})
	return err
}

func (c *geminiConn) readLoop() {
	defer close(c.events)
	for {
		msg, err := c.session.Receive()
		if err != nil {
			select {
			case <-c.closed:
				return
			default:
			}
			if errors.Is(err, io.EOF) {
				return
			}
			c.logger.Warn("gemini live receive failed", "error", err)
			c.emit(Event{Kind: EventError, Text: err.Error(), Err: core.NewProviderError(ProviderGemini, err)})
			return
		}
		for _, ev := range c.tr.translate(msg) {
			if !c.emit(ev) {
				return
			}
		}
	}
}

func (c *geminiConn) emit(ev Event) bool {
	ev.CallID = c.callID
	ev.At = c.now()
	select {
	case c.events <- ev:
		return true
	case <-c.closed:
		return false
	}
}

// geminiTranslator derives speech start/stop and response boundaries from
// Gemini's content stream, which has no explicit VAD events. Input
// transcription trails the audio: text that arrives after the model started
// answering belongs to the utterance that just ended, and only an Interrupted
// message means the caller talked over the model.
type geminiTranslator struct {
	callerTalking bool
	responding    bool
	// input is the caller text received since the last final transcript.
	input strings.Builder
}

func (t *geminiTranslator) translate(msg *genai.LiveServerMessage) []Event {
	if msg == nil || msg.ServerContent == nil {
		return nil
	}
	sc := msg.ServerContent
	var out []Event

	if sc.Interrupted {
		if !t.callerTalking {
			out = append(out, t.finishInput()...)
			t.callerTalking = true
			out = append(out, Event{Kind: EventSpeechStarted})
		}
		if t.responding {
			t.responding = false
			out = append(out, Event{Kind: EventResponseDone, Text: "interrupted"})
		}
	}

	if tr := sc.InputTranscription; tr != nil {
		if tr.Text != "" {
			if !t.callerTalking && !t.responding {
				out = append(out, t.finishInput()...)
				t.callerTalking = true
				out = append(out, Event{Kind: EventSpeechStarted})
			}
			t.input.WriteString(tr.Text)
			out = append(out, Event{Kind: EventInputTranscript, Text: tr.Text})
		}
		if tr.Finished {
			out = append(out, t.finishInput()...)
		}
	}

	if sc.ModelTurn != nil {
		for _, part := range sc.ModelTurn.Parts {
			if part == nil || part.InlineData == nil || len(part.InlineData.Data) == 0 {
				continue
			}
			out = append(out, t.beginResponse()...)
			out = append(out, Event{
				Kind:  EventAudioDelta,
				Audio: audio.PCM16BytesToMulaw(part.InlineData.Data, geminiOutputRate),
			})
		}
	}

	if tr := sc.OutputTranscription; tr != nil && tr.Text != "" {
		out = append(out, t.beginResponse()...)
		out = append(out, Event{Kind: EventTranscriptDelta, Text: tr.Text})
	}

	if sc.TurnComplete {
		out = append(out, t.finishInput()...)
		if t.responding {
			t.responding = false
			out = append(out, Event{Kind: EventResponseDone, Final: true, Text: "completed"})
		}
	}
	return out
}

// finishInput emits the caller text gathered so far as a final transcript.
func (t *geminiTranslator) finishInput() []Event {
	if t.input.Len() == 0 {
		return nil
	}
	text := t.input.String()
	t.input.Reset()
	return []Event{{Kind: EventInputTranscript, Text: text, Final: true}}
}

func (t *geminiTranslator) beginResponse() []Event {
	var out []Event
	if t.callerTalking {
		t.callerTalking = false
		out = append(out, Event{Kind: EventSpeechStopped})
	}
	if !t.responding {
		t.responding = true
		out = append(out, Event{Kind: EventResponseCreated})
	}
	return out
}

package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-call/pkg/core"
)

const (
	defaultOpenAIRealtimeURL   = "wss://api.openai.com/v1/realtime"
	defaultOpenAIRealtimeModel = "gpt-4o-realtime-preview"
	defaultOpenAIVoice         = "alloy"
	defaultOpenAITranscriber   = "whisper-1"
)

type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	Model        string
	Voice        string
	Instructions string
	// TranscriptionModel transcribes caller audio; empty uses whisper-1.
	TranscriptionModel string
}

// OpenAIDialer opens OpenAI Realtime sockets with μ-law in and out, server VAD
// for speech start/stop, and responses created only on request so turn-taking
// stays with the call state machine.
type OpenAIDialer struct {
	Config OpenAIConfig
	Logger *slog.Logger
	Dialer *websocket.Dialer
}

func (d *OpenAIDialer) Dial(ctx context.Context, callID string) (Conn, error) {
	cfg := d.Config
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, core.NewInvalidRequestErrorWithParam("openai api key is required", "openai_api_key")
	}
	wsURL, err := buildOpenAIRealtimeURL(cfg.BaseURL, cfg.Model)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+strings.TrimSpace(cfg.APIKey))
	header.Set("OpenAI-Beta", "realtime=v1")

	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, resp, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		return nil, core.NewProviderError(ProviderOpenAI, err)
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &openAIConn{
		callID: callID,
		conn:   ws,
		logger: logger.With("call_id", callID, "provider", ProviderOpenAI),
		events: make(chan Event, 256),
		closed: make(chan struct{}),
		now:    time.Now,
	}
	if err := c.writeJSON(ctx, openAISessionUpdate(cfg)); err != nil {
		_ = c.Close()
		return nil, core.NewProviderError(ProviderOpenAI, fmt.Errorf("session.update: %w", err))
	}
	go c.readLoop()
	return c, nil
}

func buildOpenAIRealtimeURL(base, model string) (string, error) {
	if strings.TrimSpace(base) == "" {
		base = defaultOpenAIRealtimeURL
	}
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("invalid openai realtime url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "":
		u.Scheme = "wss"
	}
	q := u.Query()
	if q.Get("model") == "" {
		if strings.TrimSpace(model) == "" {
			model = defaultOpenAIRealtimeModel
		}
		q.Set("model", strings.TrimSpace(model))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func openAISessionUpdate(cfg OpenAIConfig) map[string]any {
	voice := strings.TrimSpace(cfg.Voice)
	if voice == "" {
		voice = defaultOpenAIVoice
	}
	transcriber := strings.TrimSpace(cfg.TranscriptionModel)
	if transcriber == "" {
		transcriber = defaultOpenAITranscriber
	}
	session := map[string]any{
		"modalities":          []string{"audio", "text"},
		"voice":               voice,
		"input_audio_format":  "g711_ulaw",
		"output_audio_format": "g711_ulaw",
		"input_audio_transcription": map[string]any{
			"model": transcriber,
		},
		"turn_detection": map[string]any{
			"type":               "server_vad",
			"create_response":    false,
			"interrupt_response": false,
		},
	}
	if s := strings.TrimSpace(cfg.Instructions); s != "" {
		session["instructions"] = s
	}
	return map[string]any{
		"type":    "session.update",
		"session": session,
	}
}

type openAIConn struct {
	callID string
	conn   *websocket.Conn
	logger *slog.Logger
	now    func() time.Time

	writeMu sync.Mutex

	// audioEpoch is when the first caller audio was appended; the provider's
	// audio_start_ms and audio_end_ms count from there.
	clockMu    sync.Mutex
	audioEpoch time.Time

	events    chan Event
	closed    chan struct{}
	closeOnce sync.Once
}

func (c *openAIConn) SendAudio(ctx context.Context, chunks [][]byte) error {
	payload := concat(chunks)
	if len(payload) == 0 {
		return nil
	}
	c.startAudioClock()
	return c.writeJSON(ctx, map[string]any{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(payload),
	})
}

func (c *openAIConn) RequestResponse(ctx context.Context, instructions string) error {
	msg := map[string]any{"type": "response.create"}
	if s := strings.TrimSpace(instructions); s != "" {
		msg["response"] = map[string]any{"instructions": s}
	}
	return c.writeJSON(ctx, msg)
}

func (c *openAIConn) CancelResponse(ctx context.Context) error {
	return c.writeJSON(ctx, map[string]any{"type": "response.cancel"})
}

func (c *openAIConn) Events() <-chan Event {
	return c.events
}

func (c *openAIConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.writeMu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "call ended"))
		c.writeMu.Unlock()
		_ = c.conn.Close()
	})
	return nil
}

func (c *openAIConn) writeJSON(ctx context.Context, payload any) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
	} else {
		_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	}
	return c.conn.WriteJSON(payload)
}

func (c *openAIConn) readLoop() {
	defer close(c.events)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
				return
			default:
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && closeErr.Code == websocket.CloseNormalClosure {
				return
			}
			c.logger.Warn("realtime socket read failed", "error", err)
			c.emit(Event{Kind: EventError, Text: err.Error(), Err: core.NewProviderError(ProviderOpenAI, err)})
			return
		}
		ev, ok := decodeOpenAIEvent(data)
		if !ok {
			continue
		}
		if !c.emit(ev) {
			return
		}
	}
}

func (c *openAIConn) startAudioClock() {
	c.clockMu.Lock()
	if c.audioEpoch.IsZero() {
		c.audioEpoch = c.now()
	}
	c.clockMu.Unlock()
}

// audioTime maps an offset in the input audio to wall time.
func (c *openAIConn) audioTime(offset time.Duration) (time.Time, bool) {
	c.clockMu.Lock()
	defer c.clockMu.Unlock()
	if c.audioEpoch.IsZero() {
		return time.Time{}, false
	}
	return c.audioEpoch.Add(offset), true
}

func (c *openAIConn) emit(ev Event) bool {
	ev.CallID = c.callID
	ev.At = c.now()
	if ev.HasAudioOffset {
		if at, ok := c.audioTime(ev.AudioOffset); ok && at.Before(ev.At) {
			ev.At = at
		}
	}
	select {
	case c.events <- ev:
		return true
	case <-c.closed:
		return false
	}
}

type openAIServerEvent struct {
	Type       string `json:"type"`
	Delta      string `json:"delta"`
	Transcript string `json:"transcript"`
	ResponseID string `json:"response_id"`
	ItemID     string `json:"item_id"`
	// AudioStartMs and AudioEndMs are offsets into the input audio buffer.
	AudioStartMs *int64 `json:"audio_start_ms"`
	AudioEndMs   *int64 `json:"audio_end_ms"`
	Response     *struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"response"`
	Error *struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// decodeOpenAIEvent maps one server event. Both the beta and GA event names are
// accepted. Unknown events report ok=false.
func decodeOpenAIEvent(data []byte) (Event, bool) {
	var msg openAIServerEvent
	if err := json.Unmarshal(data, &msg); err != nil {
		return Event{}, false
	}
	switch msg.Type {
	case "input_audio_buffer.speech_started":
		return withAudioOffset(Event{Kind: EventSpeechStarted, ItemID: msg.ItemID}, msg.AudioStartMs), true
	case "input_audio_buffer.speech_stopped":
		return withAudioOffset(Event{Kind: EventSpeechStopped, ItemID: msg.ItemID}, msg.AudioEndMs), true
	case "conversation.item.input_audio_transcription.delta":
		if msg.Delta == "" {
			return Event{}, false
		}
		return Event{Kind: EventInputTranscript, Text: msg.Delta, ItemID: msg.ItemID}, true
	case "conversation.item.input_audio_transcription.completed":
		return Event{Kind: EventInputTranscript, Text: msg.Transcript, Final: true, ItemID: msg.ItemID}, true
	case "response.created":
		ev := Event{Kind: EventResponseCreated}
		if msg.Response != nil {
			ev.ResponseID = msg.Response.ID
		}
		return ev, true
	case "response.audio.delta", "response.output_audio.delta":
		audio, err := base64.StdEncoding.DecodeString(msg.Delta)
		if err != nil || len(audio) == 0 {
			return Event{}, false
		}
		return Event{Kind: EventAudioDelta, Audio: audio, ResponseID: msg.ResponseID}, true
	case "response.audio_transcript.delta", "response.output_audio_transcript.delta":
		if msg.Delta == "" {
			return Event{}, false
		}
		return Event{Kind: EventTranscriptDelta, Text: msg.Delta, ResponseID: msg.ResponseID}, true
	case "response.done":
		ev := Event{Kind: EventResponseDone, Final: true}
		if msg.Response != nil {
			ev.ResponseID = msg.Response.ID
			ev.Text = msg.Response.Status
		}
		return ev, true
	case "error":
		// A cancel with nothing in flight is not a call failure.
		if msg.Error != nil && msg.Error.Code == "response_cancel_not_active" {
			return Event{}, false
		}
		text := "unknown realtime error"
		if msg.Error != nil && msg.Error.Message != "" {
			text = msg.Error.Message
		}
		return Event{Kind: EventError, Text: text, Err: core.NewProviderError(ProviderOpenAI, errors.New(text))}, true
	default:
		return Event{}, false
	}
}

func withAudioOffset(ev Event, ms *int64) Event {
	if ms != nil && *ms >= 0 {
		ev.AudioOffset = time.Duration(*ms) * time.Millisecond
		ev.HasAudioOffset = true
	}
	return ev
}

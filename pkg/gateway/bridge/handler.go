package bridge

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/vango-go/vai-call/pkg/gateway/call"
	"github.com/vango-go/vai-call/pkg/gateway/realtime"
	"github.com/vango-go/vai-call/pkg/gateway/rtp"
)

// handler is the single goroutine that owns one call's turn-taking.
type handler struct {
	b        *Bridge
	callID   string
	conn     realtime.Conn
	listener *rtp.Listener
	tx       *rtp.Transmitter
	queue    *call.AudioQueue
	logger   *slog.Logger

	// deferred fires when a caller turn that ended inside the grace period
	// may finally be answered.
	deferred *time.Timer
	// discarding drops AI output from a response the caller talked over
	// until the provider starts a new one.
	discarding bool
	playing    bool
	// callerDuringGreeting is set when the caller spoke while the greeting was
	// still playing; that turn is answered once the greeting completes.
	callerDuringGreeting bool
}

func (h *handler) run(ctx context.Context) {
	defer h.b.wg.Done()
	defer h.stopDeferred()

	if !h.requestGreeting(ctx) {
		return
	}

	events := h.conn.Events()
	for {
		var deferredC <-chan time.Time
		if h.deferred != nil {
			deferredC = h.deferred.C
		}
		select {
		case <-ctx.Done():
			return
		case <-h.listener.Done():
			h.logger.Debug("rtp listener closed")
			return
		case <-h.queue.Ready():
			h.dispatch(ctx)
		case <-deferredC:
			h.deferred = nil
			h.respondAfterGrace(ctx)
		case ev, ok := <-events:
			if !ok {
				h.aiSocketLost(ctx)
				return
			}
			h.handle(ctx, ev)
		}
	}
}

func (h *handler) requestGreeting(ctx context.Context) bool {
	h.b.registry.With(h.callID, func(s *call.Session) {
		s.Ready = true
		h.b.registry.TransitionLocked(s, call.StateWaitingForGreeting, "ai socket ready")
	})
	if err := h.conn.RequestResponse(ctx, h.b.cfg.Greeting); err != nil {
		if ctx.Err() != nil {
			return false
		}
		h.logger.Error("request greeting", "error", err)
		h.b.metrics.RecordAIFailure("greeting")
		h.b.registry.TransitionState(h.callID, call.StateError, "greeting request failed")
		h.b.EndCall(h.callID, "greeting request failed")
		return false
	}
	h.logger.Info("greeting requested")
	return true
}

// dispatch drains the pending queue to the AI socket in batches.
func (h *handler) dispatch(ctx context.Context) {
	for {
		batch := h.queue.PopBatch(h.b.cfg.DispatchBatch)
		if len(batch) == 0 {
			return
		}
		if err := h.conn.SendAudio(ctx, batch); err != nil {
			if errors.Is(err, realtime.ErrClosed) || ctx.Err() != nil {
				return
			}
			h.logger.Warn("send audio to ai socket", "chunks", len(batch), "error", err)
			return
		}
		h.b.metrics.RecordAudioChunks("dispatched", len(batch))
		for _, chunk := range batch {
			h.b.metrics.RecordAudioBytes("to_ai", len(chunk))
		}
	}
}

func (h *handler) handle(ctx context.Context, ev realtime.Event) {
	if ev.CallID != "" && ev.CallID != h.callID {
		h.logger.Warn("dropping ai event tagged for another call", "event_call_id", ev.CallID, "kind", string(ev.Kind))
		return
	}
	at := ev.At
	if at.IsZero() {
		at = h.b.registry.Now()
	}
	switch ev.Kind {
	case realtime.EventSpeechStarted:
		h.callerSpeechStarted(ctx, at, ev.ItemID)
	case realtime.EventSpeechStopped:
		h.callerSpeechStopped(ctx, at)
	case realtime.EventInputTranscript:
		h.with(func(s *call.Session) {
			_ = h.b.speech.CallerTranscript(ctx, s, ev.ItemID, ev.Text, ev.Final)
		})
	case realtime.EventResponseCreated:
		h.discarding = false
		h.logger.Debug("ai response created", "response_id", ev.ResponseID)
	case realtime.EventAudioDelta:
		if h.discarding || len(ev.Audio) == 0 {
			return
		}
		h.aiOutput(ctx, at, "")
		h.tx.Write(ev.Audio)
		h.b.metrics.RecordAudioBytes("from_ai", len(ev.Audio))
		h.playing = true
	case realtime.EventTranscriptDelta:
		if h.discarding {
			return
		}
		h.aiOutput(ctx, at, ev.Text)
	case realtime.EventResponseDone:
		h.responseDone(ctx)
	case realtime.EventError:
		h.logger.Warn("ai socket error event", "message", ev.Text, "error", ev.Err)
	}
}

func (h *handler) with(fn func(s *call.Session)) {
	if !h.b.registry.With(h.callID, fn) {
		h.logger.Debug("event for stopped call ignored")
	}
}

func (h *handler) callerSpeechStarted(ctx context.Context, at time.Time, itemID string) {
	h.stopDeferred()
	bargeIn := false
	h.with(func(s *call.Session) {
		_ = h.b.speech.CallerSpeechStarted(ctx, s, at, itemID)
		reg := h.b.registry
		switch s.State() {
		case call.StateGreetingComplete, call.StateConversationActive:
			reg.TransitionLocked(s, call.StateUserSpeaking, "caller speech started")
		case call.StateAIResponding:
			bargeIn = true
			_ = h.b.speech.AIResponseDone(ctx, s)
			reg.TransitionLocked(s, call.StateConversationActive, "caller barge-in")
			reg.TransitionLocked(s, call.StateUserSpeaking, "caller speech started")
		case call.StateWaitingForGreeting, call.StateGreetingActive:
			h.callerDuringGreeting = true
			h.logger.Debug("caller speech during the greeting", "state", s.State().String())
		default:
			h.logger.Debug("caller speech while the turn is closed", "state", s.State().String())
		}
	})
	if !bargeIn {
		return
	}
	h.discarding = true
	h.playing = false
	h.b.metrics.RecordBargeIn()
	cleared := h.tx.Clear()
	if err := h.conn.CancelResponse(ctx); err != nil && !errors.Is(err, realtime.ErrClosed) {
		h.logger.Warn("cancel ai response", "error", err)
	}
	h.logger.Info("caller barge-in", "cleared_bytes", cleared)
}

func (h *handler) callerSpeechStopped(ctx context.Context, at time.Time) {
	respond := false
	var wait time.Duration
	h.with(func(s *call.Session) {
		_ = h.b.speech.CallerSpeechStopped(ctx, s, at)
		respond, wait = h.closeCallerTurnLocked(s, "caller turn ended")
	})
	h.answerCallerTurn(ctx, respond, wait)
}

// closeCallerTurnLocked moves an ended caller turn to AI_RESPONDING, or
// reports how long to wait when the grace period is still open.
func (h *handler) closeCallerTurnLocked(s *call.Session, reason string) (bool, time.Duration) {
	if s.State() != call.StateUserSpeaking {
		return false, 0
	}
	if wait := h.b.registry.GraceRemainingLocked(s); wait > 0 {
		return false, wait
	}
	return h.b.registry.TransitionLocked(s, call.StateAIResponding, reason), 0
}

func (h *handler) answerCallerTurn(ctx context.Context, respond bool, wait time.Duration) {
	if wait > 0 {
		h.logger.Debug("caller turn ended inside grace period, deferring response", "wait", wait)
		h.stopDeferred()
		h.deferred = time.NewTimer(wait)
		return
	}
	if respond {
		h.requestResponse(ctx)
	}
}

// greetingFinishedLocked opens the caller's turn when they spoke over the
// greeting. A caller who already stopped is answered like any ended turn.
func (h *handler) greetingFinishedLocked(s *call.Session) (bool, time.Duration) {
	spoke := h.callerDuringGreeting
	h.callerDuringGreeting = false
	if !spoke && !s.CallerSpeaking {
		return false, 0
	}
	h.b.registry.TransitionLocked(s, call.StateUserSpeaking, "caller spoke during the greeting")
	if s.CallerSpeaking {
		return false, 0
	}
	return h.closeCallerTurnLocked(s, "caller turn ended during the greeting")
}

func (h *handler) respondAfterGrace(ctx context.Context) {
	respond := false
	h.with(func(s *call.Session) {
		if s.State() != call.StateUserSpeaking || s.CallerSpeaking {
			return
		}
		respond = h.b.registry.TransitionLocked(s, call.StateAIResponding, "grace period elapsed")
	})
	if respond {
		h.requestResponse(ctx)
	}
}

func (h *handler) requestResponse(ctx context.Context) {
	h.discarding = false
	if err := h.conn.RequestResponse(ctx, ""); err != nil && !errors.Is(err, realtime.ErrClosed) {
		h.logger.Warn("request ai response", "error", err)
	}
}

// aiOutput records that the AI is producing a response and moves the state
// machine along. text is appended to the AI's pending transcript.
func (h *handler) aiOutput(ctx context.Context, at time.Time, text string) {
	answered := false
	h.with(func(s *call.Session) {
		if !s.AISpeaking {
			_ = h.b.speech.AISpeechStarted(ctx, s, at)
		}
		if text != "" {
			h.b.speech.AITranscript(ctx, s, text)
		}
		reg := h.b.registry
		switch s.State() {
		case call.StateWaitingForGreeting:
			reg.TransitionLocked(s, call.StateGreetingActive, "greeting audio started")
		case call.StateUserSpeaking:
			// Providers with their own turn detection may answer before we ask.
			if !s.CallerSpeaking {
				answered = reg.TransitionLocked(s, call.StateAIResponding, "ai responded")
			}
		}
	})
	if answered {
		h.stopDeferred()
	}
}

func (h *handler) responseDone(ctx context.Context) {
	if h.discarding {
		return
	}
	respond := false
	var wait time.Duration
	h.with(func(s *call.Session) {
		_ = h.b.speech.AIResponseDone(ctx, s)
		reg := h.b.registry
		switch s.State() {
		case call.StateWaitingForGreeting:
			reg.TransitionLocked(s, call.StateGreetingActive, "greeting produced no audio")
			reg.TransitionLocked(s, call.StateGreetingComplete, "greeting finished")
			respond, wait = h.greetingFinishedLocked(s)
		case call.StateGreetingActive:
			reg.TransitionLocked(s, call.StateGreetingComplete, "greeting finished")
			respond, wait = h.greetingFinishedLocked(s)
		case call.StateAIResponding:
			reg.TransitionLocked(s, call.StateConversationActive, "ai response finished")
		}
	})
	if h.playing {
		h.tx.EndOfStream()
		h.playing = false
	}
	h.answerCallerTurn(ctx, respond, wait)
}

func (h *handler) aiSocketLost(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	h.logger.Error("ai socket closed unexpectedly, ending call")
	h.b.metrics.RecordAIFailure("socket")
	h.b.registry.TransitionState(h.callID, call.StateError, "ai socket closed")
	h.b.EndCall(h.callID, "ai socket closed")
}

func (h *handler) stopDeferred() {
	if h.deferred != nil {
		h.deferred.Stop()
		h.deferred = nil
	}
}

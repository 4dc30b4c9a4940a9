// Package bridge connects a call's RTP listener to its AI realtime socket.
//
// Each call gets one handler goroutine that owns the call's turn-taking. It
// dispatches queued caller audio to the AI socket in batches, plays AI audio
// through the listener's transmitter, and applies state transitions and
// transcript updates under the session lock so they are never reordered
// against each other.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vango-go/vai-call/pkg/core"
	"github.com/vango-go/vai-call/pkg/gateway/call"
	"github.com/vango-go/vai-call/pkg/gateway/metrics"
	"github.com/vango-go/vai-call/pkg/gateway/realtime"
	"github.com/vango-go/vai-call/pkg/gateway/rtp"
	"github.com/vango-go/vai-call/pkg/gateway/speech"
)

// DefaultDispatchBatch is the number of queued chunks sent per AI socket message.
const DefaultDispatchBatch = 20

const defaultDialTimeout = 10 * time.Second

type Config struct {
	// Greeting is sent with the first response request.
	Greeting      string
	DispatchBatch int
	DialTimeout   time.Duration
	Logger        *slog.Logger
	// Metrics is optional.
	Metrics *metrics.Metrics
}

type Bridge struct {
	cfg      Config
	registry *call.Registry
	media    *rtp.Manager
	dialer   realtime.Dialer
	speech   *speech.Pipeline
	logger   *slog.Logger
	metrics  *metrics.Metrics

	// starting tracks call ids whose start is in flight. A second start for
	// the same id waits for the first; other calls start independently.
	startMu  sync.Mutex
	starting map[string]chan struct{}
	wg       sync.WaitGroup
}

// New builds a Bridge. It registers itself as media's failure callback so a
// dead RTP socket ends its call.
func New(cfg Config, registry *call.Registry, media *rtp.Manager, dialer realtime.Dialer, pipeline *speech.Pipeline) *Bridge {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DispatchBatch <= 0 {
		cfg.DispatchBatch = DefaultDispatchBatch
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if strings.TrimSpace(cfg.Greeting) == "" {
		cfg.Greeting = realtime.DefaultGreetingPrompt
	}
	b := &Bridge{
		cfg:      cfg,
		registry: registry,
		media:    media,
		dialer:   dialer,
		speech:   pipeline,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		starting: make(map[string]chan struct{}),
	}
	media.OnFailure = b.onMediaFailure
	return b
}

type StartRequest struct {
	Port           int    `json:"port"`
	CallID         string `json:"call_id"`
	ChannelID      string `json:"channel_id"`
	ConversationID string `json:"conversation_id,omitempty"`
	CallerID       string `json:"caller_id,omitempty"`
	// RemoteAddr is the telephony gateway's RTP address. When empty it is
	// learned from the first inbound packet.
	RemoteAddr string `json:"remote_addr,omitempty"`
}

// StartCall opens the listener and AI socket for a call and starts its
// handler. Starting a call that is already running returns its snapshot with
// created=false.
func (b *Bridge) StartCall(ctx context.Context, req StartRequest) (snap call.Snapshot, created bool, err error) {
	req.CallID = strings.TrimSpace(req.CallID)
	req.ChannelID = strings.TrimSpace(req.ChannelID)
	if req.CallID == "" {
		return call.Snapshot{}, false, core.NewInvalidRequestErrorWithParam("call_id is required", "call_id")
	}
	var remote *net.UDPAddr
	if addr := strings.TrimSpace(req.RemoteAddr); addr != "" {
		remote, err = net.ResolveUDPAddr("udp", addr)
		if err != nil {
			return call.Snapshot{}, false, core.NewInvalidRequestErrorWithParam(fmt.Sprintf("invalid remote_addr: %v", err), "remote_addr")
		}
	}
	if strings.TrimSpace(req.ConversationID) == "" {
		req.ConversationID = uuid.NewString()
	}

	release, existing, running, err := b.claimStart(ctx, req.CallID)
	if err != nil {
		return call.Snapshot{}, false, err
	}
	if running {
		return existing, false, nil
	}
	defer release()

	listener, err := b.media.Start(req.Port, req.CallID, req.ChannelID)
	if err != nil {
		return call.Snapshot{}, false, err
	}

	dialCtx, cancelDial := context.WithTimeout(ctx, b.cfg.DialTimeout)
	conn, err := b.dialer.Dial(dialCtx, req.CallID)
	cancelDial()
	if err != nil {
		b.media.Stop(req.CallID)
		b.metrics.RecordAIFailure("dial")
		b.logger.Error("dial ai socket", "call_id", req.CallID, "error", err)
		return call.Snapshot{}, false, err
	}

	callCtx, cancel := context.WithCancel(context.Background())
	info := call.Info{
		CallID:         req.CallID,
		ChannelID:      req.ChannelID,
		ConversationID: req.ConversationID,
		CallerID:       strings.TrimSpace(req.CallerID),
	}
	sess, _, err := b.registry.Start(info, call.Handles{
		Media:  mediaCloser{media: b.media, callID: req.CallID},
		AI:     conn,
		Cancel: cancel,
	})
	if err != nil {
		cancel()
		_ = conn.Close()
		b.media.Stop(req.CallID)
		return call.Snapshot{}, false, err
	}

	if remote != nil {
		listener.SetRemote(remote)
	}
	queue := sess.PendingAudio()
	logger := b.logger.With("call_id", req.CallID)
	listener.SetAudioSink(func(chunk []byte) {
		if n := queue.Push(chunk); n > 0 {
			b.metrics.RecordAudioChunks("dropped", n)
			if total := queue.Dropped(); total == int64(n) || total%100 == 0 {
				logger.Warn("pending audio full, dropped oldest chunks", "dropped_total", total)
			}
		}
	})

	h := &handler{
		b:        b,
		callID:   req.CallID,
		conn:     conn,
		listener: listener,
		tx:       listener.Transmitter(),
		queue:    queue,
		logger:   logger,
	}
	b.wg.Add(1)
	go h.run(callCtx)
	b.metrics.RecordCallStart()

	snap, _ = b.registry.Snapshot(req.CallID)
	return snap, true, nil
}

// claimStart reserves callID for one StartCall at a time. When the call is
// already running its snapshot is returned with running=true.
func (b *Bridge) claimStart(ctx context.Context, callID string) (release func(), snap call.Snapshot, running bool, err error) {
	for {
		b.startMu.Lock()
		if existing, ok := b.registry.Snapshot(callID); ok {
			b.startMu.Unlock()
			return nil, existing, true, nil
		}
		wait, busy := b.starting[callID]
		if !busy {
			done := make(chan struct{})
			b.starting[callID] = done
			b.startMu.Unlock()
			return func() {
				b.startMu.Lock()
				delete(b.starting, callID)
				b.startMu.Unlock()
				close(done)
			}, call.Snapshot{}, false, nil
		}
		b.startMu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, call.Snapshot{}, false, ctx.Err()
		}
	}
}

// EndCall moves the call to CALL_ENDING when its state allows and tears it
// down. It reports whether the call existed.
func (b *Bridge) EndCall(callID, reason string) bool {
	snap, ok := b.registry.Snapshot(callID)
	if !ok {
		return b.media.Stop(callID)
	}
	b.registry.With(callID, func(s *call.Session) {
		if call.CanTransition(s.State(), call.StateCallEnding) {
			b.registry.TransitionLocked(s, call.StateCallEnding, reason)
		}
		// No more transcripts arrive once the AI socket closes.
		_ = b.speech.FlushCaller(context.Background(), s)
		if s.ActiveAIMessageID != "" {
			_ = b.speech.AIResponseDone(context.Background(), s)
		}
	})
	if !b.registry.Stop(callID) {
		return false
	}
	b.metrics.RecordCallEnd(reason, b.registry.Now().Sub(snap.StartedAt))
	return true
}

// EndAll ends every call and returns how many were ended.
func (b *Bridge) EndAll(reason string) int {
	n := 0
	for _, snap := range b.registry.List() {
		if b.EndCall(snap.Info.CallID, reason) {
			n++
		}
	}
	b.media.StopAll()
	return n
}

// Wait blocks until every call handler has returned or ctx is done.
func (b *Bridge) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bridge) onMediaFailure(callID string, err error) {
	b.logger.Error("rtp transport failed, ending call", "call_id", callID, "error", err)
	b.registry.TransitionState(callID, call.StateError, "rtp transport failed")
	b.EndCall(callID, "rtp transport failed")
}

// mediaCloser releases a call's listener when its session stops.
type mediaCloser struct {
	media  *rtp.Manager
	callID string
}

func (m mediaCloser) Close() error {
	m.media.Stop(m.callID)
	return nil
}

// Package call holds the call session registry and the conversation state machine.
//
// The registry is the only structure shared between call workers. Every session
// is mutated under its own lock; sessions never share mutable state. Operations
// on unknown call ids return sentinel values and log instead of failing, because
// they originate from asynchronous network callbacks and cleanup paths that may
// run after a call has already ended.
package call

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vango-go/vai-call/pkg/core"
)

// DefaultGracePeriod is the window after the greeting in which the AI must not respond.
const DefaultGracePeriod = 3 * time.Second

type RegistryConfig struct {
	GracePeriod          time.Duration
	PendingAudioCapacity int
	Logger               *slog.Logger
	Now                  func() time.Time
	// OnTransition, when set, observes every transition attempt under the
	// session lock. It must not call back into the registry.
	OnTransition func(from, to State, accepted bool)
}

type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	grace    time.Duration
	queueCap int
	logger   *slog.Logger
	now      func() time.Time
	observe  func(from, to State, accepted bool)
}

func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.PendingAudioCapacity <= 0 {
		cfg.PendingAudioCapacity = DefaultPendingAudioCapacity
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Registry{
		sessions: make(map[string]*Session),
		grace:    cfg.GracePeriod,
		queueCap: cfg.PendingAudioCapacity,
		logger:   cfg.Logger,
		now:      cfg.Now,
		observe:  cfg.OnTransition,
	}
}

// Start registers a session for info.CallID in INITIALIZING. If one already
// exists it is returned unchanged with created=false and h is not adopted.
func (r *Registry) Start(info Info, h Handles) (sess *Session, created bool, err error) {
	info.CallID = strings.TrimSpace(info.CallID)
	if info.CallID == "" {
		return nil, false, core.NewInvalidRequestErrorWithParam("call_id is required", "call_id")
	}
	if strings.TrimSpace(info.ConversationID) == "" {
		return nil, false, core.NewInvalidRequestErrorWithParam("conversation_id is required", "conversation_id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.sessions[info.CallID]; ok {
		return existing, false, nil
	}
	now := r.now()
	sess = &Session{
		Info:    info,
		state:   StateInitializing,
		handles: h,
		queue:   NewAudioQueue(r.queueCap),
		started: now,
	}
	sess.history.push(HistoryEntry{State: StateInitializing, Reason: "call started", At: now})
	r.sessions[info.CallID] = sess
	r.logger.Info("call session started", "call_id", info.CallID, "channel_id", info.ChannelID, "conversation_id", info.ConversationID)
	return sess, true, nil
}

// Stop removes the session, releases its pending audio and closes its
// transports. It reports whether a session existed.
func (r *Registry) Stop(callID string) bool {
	r.mu.Lock()
	sess, ok := r.sessions[callID]
	if ok {
		delete(r.sessions, callID)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}

	sess.mu.Lock()
	sess.stopped = true
	h := sess.handles
	sess.handles = Handles{}
	sess.mu.Unlock()

	sess.queue.Close()
	if h.Cancel != nil {
		h.Cancel()
	}
	if h.AI != nil {
		if err := h.AI.Close(); err != nil {
			r.logger.Warn("close ai socket", "call_id", callID, "error", err)
		}
	}
	if h.Media != nil {
		if err := h.Media.Close(); err != nil {
			r.logger.Warn("close media transport", "call_id", callID, "error", err)
		}
	}
	r.logger.Info("call session stopped", "call_id", callID)
	return true
}

// StopAll stops every session and returns how many were stopped.
func (r *Registry) StopAll() int {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	stopped := 0
	for _, id := range ids {
		if r.Stop(id) {
			stopped++
		}
	}
	return stopped
}

// AttachHandles sets transports on a session started without them.
func (r *Registry) AttachHandles(callID string, h Handles) bool {
	return r.With(callID, func(s *Session) {
		s.handles = h
	})
}

func (r *Registry) Get(callID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[callID]
	return sess, ok
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// With runs fn under the session lock. It returns false when the call is unknown
// or already stopped.
func (r *Registry) With(callID string, fn func(*Session)) bool {
	sess, ok := r.Get(callID)
	if !ok {
		return false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.stopped {
		return false
	}
	fn(sess)
	return true
}

func (r *Registry) Snapshot(callID string) (Snapshot, bool) {
	var snap Snapshot
	ok := r.With(callID, func(s *Session) {
		snap = s.snapshotLocked()
	})
	return snap, ok
}

// List returns snapshots of all sessions ordered by call id.
func (r *Registry) List() []Snapshot {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)

	out := make([]Snapshot, 0, len(ids))
	for _, id := range ids {
		if snap, ok := r.Snapshot(id); ok {
			out = append(out, snap)
		}
	}
	return out
}

// InitializeState resets the call to INITIALIZING.
func (r *Registry) InitializeState(callID string) bool {
	ok := r.With(callID, func(s *Session) {
		s.state = StateInitializing
		s.history.push(HistoryEntry{State: StateInitializing, Reason: "initialized", At: r.now()})
	})
	if !ok {
		r.logger.Error("initialize state for unknown call", "call_id", callID)
	}
	return ok
}

// TransitionState moves the call to next if the transition is legal. Reason is
// recorded for audit only.
func (r *Registry) TransitionState(callID string, next State, reason string) bool {
	accepted := false
	found := r.With(callID, func(s *Session) {
		accepted = r.transitionLocked(s, next, reason)
	})
	if !found {
		r.logger.Error("state transition for unknown call", "call_id", callID, "to", next.String(), "reason", reason)
		return false
	}
	return accepted
}

// transitionLocked applies a transition on a session whose lock is held.
func (r *Registry) transitionLocked(s *Session, next State, reason string) bool {
	from := s.state
	accepted := CanTransition(from, next)
	if r.observe != nil {
		r.observe(from, next, accepted)
	}
	if !accepted {
		r.logger.Warn("invalid state transition rejected",
			"call_id", s.Info.CallID,
			"from", from.String(),
			"to", next.String(),
			"reason", reason,
		)
		return false
	}
	now := r.now()
	s.state = next
	s.history.push(HistoryEntry{State: next, Reason: reason, At: now})
	if next == StateGreetingComplete {
		s.GreetingCompletedAt = now
	}
	r.logger.Debug("state transition", "call_id", s.Info.CallID, "from", from.String(), "to", next.String(), "reason", reason)
	return true
}

// TransitionLocked is TransitionState for code already inside With.
func (r *Registry) TransitionLocked(s *Session, next State, reason string) bool {
	return r.transitionLocked(s, next, reason)
}

func (r *Registry) GetState(callID string) (State, bool) {
	var st State
	ok := r.With(callID, func(s *Session) {
		st = s.state
	})
	if !ok {
		r.logger.Error("get state for unknown call", "call_id", callID)
	}
	return st, ok
}

func (r *Registry) History(callID string) []HistoryEntry {
	var out []HistoryEntry
	r.With(callID, func(s *Session) {
		out = s.history.snapshot()
	})
	return out
}

func (r *Registry) CanAIRespond(callID string) bool {
	allowed := false
	if !r.With(callID, func(s *Session) { allowed = turnOpen(s.state) }) {
		r.logger.Error("can-ai-respond for unknown call", "call_id", callID)
	}
	return allowed
}

func (r *Registry) CanUserSpeak(callID string) bool {
	allowed := false
	if !r.With(callID, func(s *Session) { allowed = turnOpen(s.state) }) {
		r.logger.Error("can-user-speak for unknown call", "call_id", callID)
	}
	return allowed
}

func (r *Registry) IsInGracePeriod(callID string) bool {
	return r.GraceRemaining(callID) > 0
}

// GraceRemaining returns how much of the post-greeting window is left.
func (r *Registry) GraceRemaining(callID string) time.Duration {
	var remaining time.Duration
	if !r.With(callID, func(s *Session) { remaining = r.graceRemainingLocked(s) }) {
		r.logger.Error("grace period query for unknown call", "call_id", callID)
	}
	return remaining
}

// GraceRemainingLocked is GraceRemaining for code already inside With.
func (r *Registry) GraceRemainingLocked(s *Session) time.Duration {
	return r.graceRemainingLocked(s)
}

func (r *Registry) graceRemainingLocked(s *Session) time.Duration {
	if s.GreetingCompletedAt.IsZero() {
		return 0
	}
	remaining := r.grace - r.now().Sub(s.GreetingCompletedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Now returns the registry clock.
func (r *Registry) Now() time.Time {
	return r.now()
}

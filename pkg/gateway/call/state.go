package call

import (
	"fmt"
	"strings"
	"time"
)

// State is the conversation state of a call.
type State int

const (
	// StateInitializing is the start state of every call.
	StateInitializing State = iota
	// StateWaitingForGreeting is entered once the AI socket is ready and the greeting was requested.
	StateWaitingForGreeting
	// StateGreetingActive is while the AI greeting audio is playing.
	StateGreetingActive
	// StateGreetingComplete is after the greeting finished; both parties may speak.
	StateGreetingComplete
	// StateUserSpeaking is while the caller holds the turn.
	StateUserSpeaking
	// StateAIResponding is while the AI produces its reply.
	StateAIResponding
	// StateConversationActive is the idle state between turns.
	StateConversationActive
	// StateCallEnding is terminal.
	StateCallEnding
	// StateError is reachable from anywhere except the terminal state.
	StateError
)

var stateNames = [...]string{
	StateInitializing:       "INITIALIZING",
	StateWaitingForGreeting: "WAITING_FOR_GREETING",
	StateGreetingActive:     "GREETING_ACTIVE",
	StateGreetingComplete:   "GREETING_COMPLETE",
	StateUserSpeaking:       "USER_SPEAKING",
	StateAIResponding:       "AI_RESPONDING",
	StateConversationActive: "CONVERSATION_ACTIVE",
	StateCallEnding:         "CALL_ENDING",
	StateError:              "ERROR",
}

// String returns the wire name of the state.
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

func (s State) MarshalText() ([]byte, error) {
	if s < 0 || int(s) >= len(stateNames) {
		return nil, fmt.Errorf("unknown call state %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	parsed, ok := ParseState(string(b))
	if !ok {
		return fmt.Errorf("unknown call state %q", string(b))
	}
	*s = parsed
	return nil
}

// ParseState resolves a state by its wire name (case-insensitive).
func ParseState(name string) (State, bool) {
	name = strings.ToUpper(strings.TrimSpace(name))
	for i, n := range stateNames {
		if n == name {
			return State(i), true
		}
	}
	return 0, false
}

// Terminal reports whether no transition may leave s.
func (s State) Terminal() bool {
	return s == StateCallEnding
}

var allowedTransitions = map[State][]State{
	StateInitializing:       {StateWaitingForGreeting},
	StateWaitingForGreeting: {StateGreetingActive},
	StateGreetingActive:     {StateGreetingComplete},
	StateGreetingComplete:   {StateUserSpeaking, StateCallEnding},
	StateUserSpeaking:       {StateAIResponding, StateCallEnding},
	StateAIResponding:       {StateConversationActive, StateCallEnding},
	StateConversationActive: {StateUserSpeaking, StateCallEnding},
	StateError:              {StateInitializing},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateError {
		return true
	}
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// turnOpen is true in the states where either party may take the turn.
func turnOpen(s State) bool {
	return s == StateGreetingComplete || s == StateConversationActive
}

// HistoryCapacity bounds the per-call state history.
const HistoryCapacity = 10

type HistoryEntry struct {
	State  State     `json:"state"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// stateHistory is a fixed-capacity ring of the most recent transitions.
type stateHistory struct {
	entries [HistoryCapacity]HistoryEntry
	start   int
	n       int
}

func (h *stateHistory) push(e HistoryEntry) {
	if h.n < HistoryCapacity {
		h.entries[(h.start+h.n)%HistoryCapacity] = e
		h.n++
		return
	}
	h.entries[h.start] = e
	h.start = (h.start + 1) % HistoryCapacity
}

func (h *stateHistory) len() int { return h.n }

// snapshot returns entries oldest first.
func (h *stateHistory) snapshot() []HistoryEntry {
	out := make([]HistoryEntry, h.n)
	for i := 0; i < h.n; i++ {
		out[i] = h.entries[(h.start+i)%HistoryCapacity]
	}
	return out
}

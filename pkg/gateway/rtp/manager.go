package rtp

import (
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vango-go/vai-call/pkg/core"
)

// Manager is the registry of per-call listeners. Queries never fail; they
// report not-found so cleanup paths stay harmless for calls already gone.
type Manager struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	byCall map[string]*Listener
	byPort map[int]string

	// OnFailure, when set, is called after a listener is torn down by a socket error.
	OnFailure func(callID string, err error)
}

func NewManager(cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		byCall: make(map[string]*Listener),
		byPort: make(map[int]string),
	}
}

// Start binds a UDP listener on port for callID. A second Start for the same
// call returns the existing listener without opening another socket.
func (m *Manager) Start(port int, callID, channelID string) (*Listener, error) {
	callID = strings.TrimSpace(callID)
	channelID = strings.TrimSpace(channelID)
	switch {
	case port <= 0 || port > 65535:
		return nil, core.NewInvalidRequestErrorWithParam("port must be between 1 and 65535", "port")
	case callID == "":
		return nil, core.NewInvalidRequestErrorWithParam("call_id is required", "call_id")
	case channelID == "":
		return nil, core.NewInvalidRequestErrorWithParam("channel_id is required", "channel_id")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.byCall[callID]; ok {
		return l, nil
	}
	if owner, ok := m.byPort[port]; ok {
		return nil, core.NewConflictError(fmt.Sprintf("port %d is in use by call %s", port, owner))
	}

	addr := &net.UDPAddr{Port: port}
	if m.cfg.BindIP != "" {
		addr.IP = net.ParseIP(m.cfg.BindIP)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		m.logger.Error("bind rtp port", "call_id", callID, "port", port, "error", err)
		return nil, core.NewTransportError(callID, fmt.Errorf("listen udp :%d: %w", port, err))
	}

	l := newListener(conn, port, callID, channelID, m.cfg, m.logger, m.now())
	m.byCall[callID] = l
	m.byPort[port] = callID
	l.run(m.handleFailure)
	m.logger.Info("rtp listener started", "call_id", callID, "channel_id", channelID, "port", port)
	return l, nil
}

func (m *Manager) handleFailure(l *Listener, err error) {
	if !m.remove(l.CallID, l) {
		return
	}
	_ = l.Close()
	if m.OnFailure != nil {
		m.OnFailure(l.CallID, err)
	}
}

// remove deletes l from the maps if it is still the registered listener.
func (m *Manager) remove(callID string, l *Listener) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.byCall[callID]
	if !ok || (l != nil && cur != l) {
		return false
	}
	delete(m.byCall, callID)
	if m.byPort[cur.Port] == callID {
		delete(m.byPort, cur.Port)
	}
	return true
}

// Stop closes the call's listener and reports whether one existed.
func (m *Manager) Stop(callID string) bool {
	m.mu.Lock()
	l, ok := m.byCall[callID]
	m.mu.Unlock()
	if !ok || !m.remove(callID, l) {
		return false
	}
	if err := l.Close(); err != nil {
		m.logger.Warn("close rtp listener", "call_id", callID, "error", err)
	}
	m.logger.Info("rtp listener stopped", "call_id", callID, "port", l.Port)
	return true
}

// StopAll stops every listener.
func (m *Manager) StopAll() int {
	m.mu.Lock()
	ids := make([]string, 0, len(m.byCall))
	for id := range m.byCall {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	n := 0
	for _, id := range ids {
		if m.Stop(id) {
			n++
		}
	}
	return n
}

func (m *Manager) Get(callID string) (*Listener, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.byCall[callID]
	return l, ok
}

func (m *Manager) listeners() []*Listener {
	m.mu.Lock()
	out := make([]*Listener, 0, len(m.byCall))
	for _, l := range m.byCall {
		out = append(out, l)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CallID < out[j].CallID })
	return out
}

// List returns stats for every active listener keyed by call id.
func (m *Manager) List() map[string]ListenerStats {
	ls := m.listeners()
	out := make(map[string]ListenerStats, len(ls))
	for _, l := range ls {
		out[l.CallID] = l.Stats()
	}
	return out
}

type HealthReport struct {
	Healthy         bool                     `json:"healthy"`
	ActiveListeners int                      `json:"active_listeners"`
	Listeners       map[string]ListenerStats `json:"listeners"`
}

func (m *Manager) Health() HealthReport {
	list := m.List()
	return HealthReport{
		Healthy:         true,
		ActiveListeners: len(list),
		Listeners:       list,
	}
}

type PortStatus struct {
	Found  bool   `json:"found"`
	Port   int    `json:"port"`
	CallID string `json:"call_id,omitempty"`
}

func (m *Manager) StatusByPort(port int) PortStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	callID, ok := m.byPort[port]
	return PortStatus{Found: ok, Port: port, CallID: callID}
}

type FullStatus struct {
	TotalListeners int             `json:"total_listeners"`
	Listeners      []ListenerStats `json:"listeners"`
}

func (m *Manager) FullStatus() FullStatus {
	ls := m.listeners()
	out := FullStatus{TotalListeners: len(ls), Listeners: make([]ListenerStats, 0, len(ls))}
	for _, l := range ls {
		out.Listeners = append(out.Listeners, l.Stats())
	}
	return out
}

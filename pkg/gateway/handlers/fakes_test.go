package handlers

import (
	"context"
	"sync"

	"github.com/vango-go/vai-call/pkg/gateway/bridge"
	"github.com/vango-go/vai-call/pkg/gateway/call"
	"github.com/vango-go/vai-call/pkg/gateway/rtp"
)

type fakeController struct {
	mu      sync.Mutex
	started []bridge.StartRequest
	ended   []string
	running map[string]call.Snapshot
	err     error
}

func (c *fakeController) StartCall(_ context.Context, req bridge.StartRequest) (call.Snapshot, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return call.Snapshot{}, false, c.err
	}
	if c.running == nil {
		c.running = make(map[string]call.Snapshot)
	}
	if snap, ok := c.running[req.CallID]; ok {
		return snap, false, nil
	}
	c.started = append(c.started, req)
	snap := call.Snapshot{
		Info:  call.Info{CallID: req.CallID, ChannelID: req.ChannelID, ConversationID: req.ConversationID},
		State: call.StateInitializing,
	}
	c.running[req.CallID] = snap
	return snap, true, nil
}

func (c *fakeController) EndCall(callID, _ string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.running[callID]; !ok {
		return false
	}
	delete(c.running, callID)
	c.ended = append(c.ended, callID)
	return true
}

type fakeSessions struct {
	snaps map[string]call.Snapshot
}

func (s *fakeSessions) Snapshot(callID string) (call.Snapshot, bool) {
	snap, ok := s.snaps[callID]
	return snap, ok
}

func (s *fakeSessions) List() []call.Snapshot {
	out := make([]call.Snapshot, 0, len(s.snaps))
	for _, snap := range s.snaps {
		out = append(out, snap)
	}
	return out
}

type fakeMedia struct {
	full   rtp.FullStatus
	health rtp.HealthReport
	ports  map[int]string
}

func (m *fakeMedia) FullStatus() rtp.FullStatus { return m.full }
func (m *fakeMedia) Health() rtp.HealthReport { return m.health }
func (m *fakeMedia) StatusByPort(port int) rtp.PortStatus {
	callID, ok := m.ports[port]
	return rtp.PortStatus{Found: ok, Port: port, CallID: callID}
}
